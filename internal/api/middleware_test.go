package api

import (
	"net/http/httptest"
	"testing"
)

func TestHomeKey(t *testing.T) {
	req := httptest.NewRequest("POST", "/v1/alerts", nil)
	if got := HomeKey(req); got != "global" {
		t.Errorf("unscoped request key = %q, want global", got)
	}

	req = httptest.NewRequest("POST", "/v1/alerts?home_id=h-2", nil)
	if got := HomeKey(req); got != "h-2" {
		t.Errorf("query key = %q, want h-2", got)
	}

	// Header wins over query.
	req.Header.Set("X-Home-ID", "h-1")
	if got := HomeKey(req); got != "h-1" {
		t.Errorf("header key = %q, want h-1", got)
	}
}
