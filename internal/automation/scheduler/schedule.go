package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Schedule is a normalised schedule string.
type Schedule struct {
	// Spec is what gets handed to the cron parser.
	Spec string
	// Every is set for interval schedules.
	Every time.Duration
}

var hhmm = regexp.MustCompile(`^(\d{1,3}):([0-5]\d)$`)

// ParseSchedule accepts cron expressions ("*/5 * * * *"), descriptors
// ("@hourly", "@every 5m"), Go durations ("10m") and HH:MM intervals
// ("01:30" is every ninety minutes).
func ParseSchedule(raw string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Schedule{}, fmt.Errorf("schedule required")
	}

	if strings.HasPrefix(s, "@every") {
		d, err := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(s, "@every")))
		if err != nil || d <= 0 {
			return Schedule{}, fmt.Errorf("invalid interval in %q", raw)
		}
		return interval(d), nil
	}
	if strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t") {
		return Schedule{Spec: s}, nil
	}

	if m := hhmm.FindStringSubmatch(s); m != nil {
		h, _ := strconv.Atoi(m[1])
		mins, _ := strconv.Atoi(m[2])
		d := time.Duration(h)*time.Hour + time.Duration(mins)*time.Minute
		if d <= 0 {
			return Schedule{}, fmt.Errorf("interval must be > 0")
		}
		return interval(d), nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', or duration like '55m')", raw)
	}
	if d <= 0 {
		return Schedule{}, fmt.Errorf("interval must be > 0")
	}
	return interval(d), nil
}

func interval(d time.Duration) Schedule {
	return Schedule{Spec: "@every " + d.String(), Every: d}
}
