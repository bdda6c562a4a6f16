// Package notify implements the alert ingestion side of the delivery
// pipeline: subscription matching, payload snapshots, quiet hours and the
// idempotent outbox enqueue.
package notify

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// TemplateAlert is the template name used for alert deliveries.
const TemplateAlert = "alert"

// MakeDedupeKey produces the stable identity for a (recipient, template,
// logical-event) triple. Identity should be a per-alert-per-recipient stable
// value (the alert ID); callers without one can pass a deterministic
// serialization of the payload instead. The result is used as a unique
// constraint in the outbox, so re-enqueue attempts become no-ops.
//
// Each field is length-prefixed before hashing. No separator byte is safe
// here: "|" and friends are legal in email local parts and in URLs, and a
// collision would silently drop a delivery as a duplicate.
//
// The key is deterministic across process restarts: same inputs, same hex
// digest, always.
func MakeDedupeKey(recipient, template, identity string) string {
	h := sha256.New()
	for _, field := range []string{recipient, template, identity} {
		var size [8]byte
		binary.BigEndian.PutUint64(size[:], uint64(len(field)))
		h.Write(size[:])
		h.Write([]byte(field))
	}
	return hex.EncodeToString(h.Sum(nil))
}
