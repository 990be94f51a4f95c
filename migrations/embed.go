package migrations

import "embed"

// Files exposes embedded SQL migration files ordered lexicographically.
// Each backend reads its own directory: postgres/ or sqlite/.
//
//go:embed postgres/*.sql sqlite/*.sql
var Files embed.FS
