package watchtower

import "testing"

func TestEventContentHashDeterministic(t *testing.T) {
	a := EventContentHash("2026-03-14T08:09:26.535Z", "sshd[1234]: Failed password for root", 5710)
	b := EventContentHash("2026-03-14T08:09:26.535Z", "sshd[1234]: Failed password for root", 5710)
	if a != b {
		t.Errorf("same inputs hashed differently: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d: %s", len(a), a)
	}
}

func TestEventContentHashDistinguishesFields(t *testing.T) {
	base := EventContentHash("2026-03-14T08:09:26.535Z", "sshd: Failed password", 5710)
	tests := []struct {
		name string
		got  string
	}{
		{"timestamp", EventContentHash("2026-03-14T08:09:26.536Z", "sshd: Failed password", 5710)},
		{"log line", EventContentHash("2026-03-14T08:09:26.535Z", "sshd: Accepted password", 5710)},
		{"rule id", EventContentHash("2026-03-14T08:09:26.535Z", "sshd: Failed password", 5715)},
	}
	for _, tt := range tests {
		if tt.got == base {
			t.Errorf("changing %s did not change the hash", tt.name)
		}
	}
}

// Field boundaries matter: ("ab", "c") and ("a", "bc") must not collide.
func TestEventContentHashFieldBoundaries(t *testing.T) {
	a := EventContentHash("2026ab", "c", 1)
	b := EventContentHash("2026a", "bc", 1)
	if a == b {
		t.Error("field concatenation collision")
	}
}
