package gc

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/greenlease/fleetplane/pkg/lease"
)

func baseLease(state lease.State, now time.Time) lease.Lease {
	return lease.Lease{
		LeaseID:         uuid.New(),
		VMID:            uuid.New(),
		State:           state,
		ConnectDeadline: now.Add(time.Minute),
		TTLDeadline:     now.Add(time.Hour),
	}
}

func TestEvaluateDeadline_NeverConnected(t *testing.T) {
	now := time.Now()
	l := baseLease(lease.Booting, now)
	l.ConnectDeadline = now.Add(-time.Second)

	reason, ok := evaluateDeadline(l, now)
	if !ok || reason != lease.ReasonNeverConnected {
		t.Fatalf("evaluateDeadline() = (%q, %v), want (never_connected, true)", reason, ok)
	}
}

func TestEvaluateDeadline_ConnectedPastDeadlineIsNotNeverConnected(t *testing.T) {
	now := time.Now()
	l := baseLease(lease.Connecting, now)
	l.ConnectDeadline = now.Add(-time.Second)
	connectedAt := now.Add(-time.Minute)
	l.ConnectedAt = &connectedAt

	_, ok := evaluateDeadline(l, now)
	if ok {
		t.Fatal("evaluateDeadline() should not fire for a lease that already connected")
	}
}

func TestEvaluateDeadline_TTLExpired(t *testing.T) {
	now := time.Now()
	l := baseLease(lease.Running, now)
	l.TTLDeadline = now.Add(-time.Second)

	reason, ok := evaluateDeadline(l, now)
	if !ok || reason != lease.ReasonTTLExpired {
		t.Fatalf("evaluateDeadline() = (%q, %v), want (ttl_expired, true)", reason, ok)
	}
}

func TestEvaluateDeadline_NeverConnectedTakesPriorityOverTTL(t *testing.T) {
	now := time.Now()
	l := baseLease(lease.Booting, now)
	l.ConnectDeadline = now.Add(-time.Second)
	l.TTLDeadline = now.Add(-time.Hour)

	reason, ok := evaluateDeadline(l, now)
	if !ok || reason != lease.ReasonNeverConnected {
		t.Fatalf("evaluateDeadline() = (%q, %v), want never_connected to take priority", reason, ok)
	}
}

func TestEvaluateDeadline_WithinBothDeadlines(t *testing.T) {
	now := time.Now()
	l := baseLease(lease.Running, now)

	_, ok := evaluateDeadline(l, now)
	if ok {
		t.Fatal("evaluateDeadline() should not fire while both deadlines are in the future")
	}
}

func TestDerefHostID(t *testing.T) {
	if got := derefHostID(nil); got != "" {
		t.Errorf("derefHostID(nil) = %q, want empty string", got)
	}
	hostID := "h1"
	if got := derefHostID(&hostID); got != "h1" {
		t.Errorf("derefHostID(&%q) = %q, want %q", hostID, got, hostID)
	}
}
