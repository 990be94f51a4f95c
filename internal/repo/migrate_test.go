package repo

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestApplySQLMigrationsRunsFilesInOrder(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	fsys := fstest.MapFS{
		"002_second.sql": {Data: []byte("CREATE TABLE second (id INTEGER);")},
		"001_first.sql":  {Data: []byte("CREATE TABLE first (id INTEGER);")},
		"003_empty.sql":  {Data: []byte("   \n")},
		"README.md":      {Data: []byte("not sql")},
	}

	mock.ExpectExec("CREATE TABLE first").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE second").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, ApplySQLMigrations(context.Background(), db, fsys))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplySQLMigrationsStopsOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	fsys := fstest.MapFS{
		"001_bad.sql":  {Data: []byte("CREATE TABLE bad;")},
		"002_next.sql": {Data: []byte("CREATE TABLE next (id INTEGER);")},
	}
	mock.ExpectExec("CREATE TABLE bad").WillReturnError(context.DeadlineExceeded)

	err = ApplySQLMigrations(context.Background(), db, fsys)
	require.ErrorContains(t, err, "001_bad.sql")
	require.NoError(t, mock.ExpectationsWereMet())
}
