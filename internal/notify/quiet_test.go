package notify

import (
	"testing"
	"time"

	"github.com/andresverguilla1987/ApagaNet/internal/db"
)

func utc(hour, min int) time.Time {
	return time.Date(2026, 3, 10, hour, min, 0, 0, time.UTC)
}

func TestIsSuppressed_NoQuietHours(t *testing.T) {
	if IsSuppressed(nil, utc(3, 0)) {
		t.Error("nil quiet hours should never suppress")
	}
}

func TestIsSuppressed_SimpleWindow(t *testing.T) {
	qh := &db.QuietHours{Start: "09:00", End: "17:00", Timezone: "UTC"}

	cases := []struct {
		now  time.Time
		want bool
	}{
		{utc(8, 59), false},
		{utc(9, 0), true},  // start inclusive
		{utc(12, 0), true},
		{utc(16, 59), true},
		{utc(17, 0), false}, // end exclusive
		{utc(20, 0), false},
	}

	for _, c := range cases {
		if got := IsSuppressed(qh, c.now); got != c.want {
			t.Errorf("IsSuppressed at %s = %v, want %v", c.now.Format("15:04"), got, c.want)
		}
	}
}

func TestIsSuppressed_WrapsMidnight(t *testing.T) {
	qh := &db.QuietHours{Start: "22:00", End: "07:00", Timezone: "UTC"}

	cases := []struct {
		now  time.Time
		want bool
	}{
		{utc(21, 59), false},
		{utc(22, 0), true},
		{utc(23, 30), true},
		{utc(0, 0), true},
		{utc(6, 59), true},
		{utc(7, 0), false},
		{utc(12, 0), false},
	}

	for _, c := range cases {
		if got := IsSuppressed(qh, c.now); got != c.want {
			t.Errorf("IsSuppressed at %s = %v, want %v", c.now.Format("15:04"), got, c.want)
		}
	}
}

func TestIsSuppressed_Timezone(t *testing.T) {
	// 03:00 UTC is 21:00 the previous evening in Mexico City (UTC-6).
	qh := &db.QuietHours{Start: "20:00", End: "23:00", Timezone: "America/Mexico_City"}

	if !IsSuppressed(qh, utc(3, 0)) {
		t.Error("expected suppression: 03:00 UTC is inside the local evening window")
	}
	if IsSuppressed(qh, utc(12, 0)) {
		t.Error("expected no suppression: 12:00 UTC is 06:00 local")
	}
}

func TestIsSuppressed_FailsOpen(t *testing.T) {
	cases := []*db.QuietHours{
		{Start: "22:00", End: "07:00", Timezone: "Not/AZone"},
		{Start: "bogus", End: "07:00", Timezone: "UTC"},
		{Start: "22:00", End: "99:00", Timezone: "UTC"},
	}

	for i, qh := range cases {
		if IsSuppressed(qh, utc(23, 0)) {
			t.Errorf("case %d: malformed window must fail open", i)
		}
	}
}

func TestIsSuppressed_ZeroWidthWindow(t *testing.T) {
	qh := &db.QuietHours{Start: "10:00", End: "10:00", Timezone: "UTC"}
	if IsSuppressed(qh, utc(10, 0)) {
		t.Error("start == end is an empty window, never suppresses")
	}
}

func TestQuietWindowEnd_SameDay(t *testing.T) {
	qh := &db.QuietHours{Start: "09:00", End: "17:00", Timezone: "UTC"}

	end := QuietWindowEnd(qh, utc(12, 0))
	if want := utc(17, 0); !end.Equal(want) {
		t.Errorf("window end = %s, want %s", end, want)
	}
}

func TestQuietWindowEnd_WrapsToNextDay(t *testing.T) {
	qh := &db.QuietHours{Start: "22:00", End: "07:00", Timezone: "UTC"}

	// At 23:00 the window ends at 07:00 tomorrow.
	end := QuietWindowEnd(qh, utc(23, 0))
	want := time.Date(2026, 3, 11, 7, 0, 0, 0, time.UTC)
	if !end.Equal(want) {
		t.Errorf("window end = %s, want %s", end, want)
	}

	// At 02:00 the window ends at 07:00 the same day.
	end = QuietWindowEnd(qh, utc(2, 0))
	want = time.Date(2026, 3, 10, 7, 0, 0, 0, time.UTC)
	if !end.Equal(want) {
		t.Errorf("window end = %s, want %s", end, want)
	}
}

func TestQuietWindowEnd_AlwaysInFuture(t *testing.T) {
	qh := &db.QuietHours{Start: "22:00", End: "07:00", Timezone: "America/Mexico_City"}

	for hour := 0; hour < 24; hour++ {
		now := utc(hour, 30)
		end := QuietWindowEnd(qh, now)
		if !end.After(now) {
			t.Errorf("window end %s is not after now %s", end, now)
		}
	}
}

func TestValidateQuietHours(t *testing.T) {
	if err := ValidateQuietHours(nil); err != nil {
		t.Errorf("nil quiet hours should validate: %v", err)
	}
	if err := ValidateQuietHours(&db.QuietHours{Start: "22:00", End: "07:00", Timezone: "UTC"}); err != nil {
		t.Errorf("valid window rejected: %v", err)
	}
	if err := ValidateQuietHours(&db.QuietHours{Start: "22:00", End: "07:00", Timezone: "Not/AZone"}); err == nil {
		t.Error("unknown timezone should be rejected")
	}
	if err := ValidateQuietHours(&db.QuietHours{Start: "25:00", End: "07:00", Timezone: "UTC"}); err == nil {
		t.Error("malformed start should be rejected")
	}
}

func TestParseHHMM_TruncatesSeconds(t *testing.T) {
	got, err := parseHHMM("22:30:00")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if got != 22*60+30 {
		t.Errorf("expected %d minutes, got %d", 22*60+30, got)
	}
}
