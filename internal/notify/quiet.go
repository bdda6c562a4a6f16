package notify

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/andresverguilla1987/ApagaNet/internal/db"
)

// quietWindow is a parsed quiet-hours configuration: minutes since local
// midnight for both edges, plus the location they are expressed in.
type quietWindow struct {
	startMin int
	endMin   int
	loc      *time.Location
}

// IsSuppressed reports whether nowUTC falls inside the subscription's
// quiet-hours window. Subscriptions without quiet hours are never
// suppressed. The window is [start, end) in the configured timezone and
// wraps midnight when start > end (22:00-07:00 suppresses 22:00 through
// 06:59). A malformed window or unknown timezone fails open: delivery
// proceeds rather than stalling forever on bad configuration.
func IsSuppressed(qh *db.QuietHours, nowUTC time.Time) bool {
	if qh == nil {
		return false
	}
	w, err := parseWindow(qh)
	if err != nil {
		return false
	}
	if w.startMin == w.endMin {
		return false
	}

	local := nowUTC.In(w.loc)
	nowMin := local.Hour()*60 + local.Minute()

	if w.startMin < w.endMin {
		return nowMin >= w.startMin && nowMin < w.endMin
	}
	return nowMin >= w.startMin || nowMin < w.endMin
}

// QuietWindowEnd returns the next instant at which the quiet window ends,
// for use as retry_at on a suppressed entry. Call only when IsSuppressed
// returned true.
func QuietWindowEnd(qh *db.QuietHours, nowUTC time.Time) time.Time {
	w, err := parseWindow(qh)
	if err != nil {
		return nowUTC
	}

	local := nowUTC.In(w.loc)
	end := time.Date(local.Year(), local.Month(), local.Day(),
		w.endMin/60, w.endMin%60, 0, 0, w.loc)
	if !end.After(local) {
		end = end.AddDate(0, 0, 1)
	}
	return end.UTC()
}

// ValidateQuietHours rejects windows that IsSuppressed would silently
// ignore, so misconfiguration surfaces at subscription-create time instead
// of as never-firing quiet hours.
func ValidateQuietHours(qh *db.QuietHours) error {
	if qh == nil {
		return nil
	}
	_, err := parseWindow(qh)
	return err
}

func parseWindow(qh *db.QuietHours) (quietWindow, error) {
	loc, err := time.LoadLocation(qh.Timezone)
	if err != nil {
		return quietWindow{}, fmt.Errorf("load timezone %q: %w", qh.Timezone, err)
	}
	startMin, err := parseHHMM(qh.Start)
	if err != nil {
		return quietWindow{}, err
	}
	endMin, err := parseHHMM(qh.End)
	if err != nil {
		return quietWindow{}, err
	}
	return quietWindow{startMin: startMin, endMin: endMin, loc: loc}, nil
}

// parseHHMM accepts "HH:MM" (a trailing ":SS" from a Postgres time column
// is ignored) and returns minutes since midnight.
func parseHHMM(s string) (int, error) {
	if len(s) > 5 {
		s = s[:5]
	}
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("malformed time of day %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("malformed hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("malformed minute in %q", s)
	}
	return h*60 + m, nil
}
