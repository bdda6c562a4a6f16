package notify

import (
	"slices"

	"github.com/andresverguilla1987/ApagaNet/internal/db"
)

// Match returns the subscriptions whose filters accept the alert. Absent
// filter fields act as wildcards, so a subscription with no scope and no
// levels is a catch-all. Inactive subscriptions never match.
func Match(alert *db.Alert, subs []*db.Subscription) []*db.Subscription {
	var matched []*db.Subscription
	for _, sub := range subs {
		if Matches(alert, sub) {
			matched = append(matched, sub)
		}
	}
	return matched
}

// Matches reports whether a single subscription accepts the alert.
// A scoped filter on the subscription requires the alert to carry the same
// key: an alert with no home_id cannot match a home-scoped subscription.
func Matches(alert *db.Alert, sub *db.Subscription) bool {
	if !sub.Active {
		return false
	}
	if sub.HomeID != nil && (alert.HomeID == nil || *alert.HomeID != *sub.HomeID) {
		return false
	}
	if sub.DeviceID != nil && (alert.DeviceID == nil || *alert.DeviceID != *sub.DeviceID) {
		return false
	}
	if sub.UserID != nil && (alert.UserID == nil || *alert.UserID != *sub.UserID) {
		return false
	}
	if len(sub.Levels) > 0 && !slices.Contains(sub.Levels, alert.Level) {
		return false
	}
	return true
}
