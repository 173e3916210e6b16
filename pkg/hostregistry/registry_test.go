package hostregistry

import (
	"testing"
	"time"

	"github.com/greenlease/fleetplane/pkg/store"
)

func TestSchedulable(t *testing.T) {
	now := time.Now()
	seenRecently := now.Add(-5 * time.Second)
	seenLongAgo := now.Add(-time.Hour)

	base := store.Host{
		Enabled:               true,
		LastSeen:              &seenRecently,
		CPUFree:                4,
		RAMFreeMB:              4096,
		SelectedAccelerator:    "none",
		SupportedAccelerators: []string{"none", "nvidia"},
	}

	tests := []struct {
		name string
		mod  func(h store.Host) store.Host
		want bool
	}{
		{"schedulable by default", func(h store.Host) store.Host { return h }, true},
		{"disabled host rejected", func(h store.Host) store.Host { h.Enabled = false; return h }, false},
		{"never seen rejected", func(h store.Host) store.Host { h.LastSeen = nil; return h }, false},
		{"stale host rejected", func(h store.Host) store.Host { h.LastSeen = &seenLongAgo; return h }, false},
		{"unsupported accelerator rejected", func(h store.Host) store.Host { h.SelectedAccelerator = "tpu"; return h }, false},
		{"insufficient cpu rejected", func(h store.Host) store.Host { h.CPUFree = 0; return h }, false},
		{"insufficient ram rejected", func(h store.Host) store.Host { h.RAMFreeMB = 128; return h }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := tt.mod(base)
			got := Schedulable(h, now, 15*time.Second, 2, 1, 512)
			if got != tt.want {
				t.Errorf("Schedulable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTokenRoundTrip(t *testing.T) {
	raw, hash, err := generateToken()
	if err != nil {
		t.Fatalf("generateToken() error: %v", err)
	}
	if raw == "" || hash == "" {
		t.Fatal("expected non-empty raw token and hash")
	}
	if !tokensMatch(raw, hash) {
		t.Error("tokensMatch() = false for the token that produced the hash")
	}
	if tokensMatch("wrong-token", hash) {
		t.Error("tokensMatch() = true for a mismatched token")
	}
}
