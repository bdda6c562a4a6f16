package notify

import "testing"

func TestMakeDedupeKey_Deterministic(t *testing.T) {
	a := MakeDedupeKey("ops@example.com", TemplateAlert, "alert-123")
	b := MakeDedupeKey("ops@example.com", TemplateAlert, "alert-123")

	if a != b {
		t.Errorf("same inputs produced different keys: %s vs %s", a, b)
	}

	if len(a) != 64 {
		t.Errorf("expected 64-char hex digest, got %d chars: %s", len(a), a)
	}
}

func TestMakeDedupeKey_DistinctInputs(t *testing.T) {
	base := MakeDedupeKey("ops@example.com", TemplateAlert, "alert-123")

	variants := []string{
		MakeDedupeKey("other@example.com", TemplateAlert, "alert-123"),
		MakeDedupeKey("ops@example.com", "digest", "alert-123"),
		MakeDedupeKey("ops@example.com", TemplateAlert, "alert-456"),
	}

	for i, v := range variants {
		if v == base {
			t.Errorf("variant %d collided with base key", i)
		}
	}
}

func TestMakeDedupeKey_SeparatorAmbiguity(t *testing.T) {
	// "a|b"+"c" and "a"+"b|c" must not produce the same key even though
	// the concatenated bytes could be arranged to match.
	a := MakeDedupeKey("a|b", "c", "x")
	b := MakeDedupeKey("a", "b|c", "x")

	if a == b {
		t.Error("keys with shifted separators collided")
	}
}
