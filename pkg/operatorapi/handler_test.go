package operatorapi

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/greenlease/fleetplane/pkg/lease"
)

func TestToLeaseResponse(t *testing.T) {
	now := time.Now()
	hostID := "h1"
	lastErr := "boom"
	l := lease.Lease{
		LeaseID:             uuid.New(),
		VMID:                uuid.New(),
		Label:               "linux-x64",
		ControllerNodeName:  "fleetplane-abc",
		State:               lease.Running,
		HostID:              &hostID,
		CreatedAt:           now,
		UpdatedAt:           now,
		ConnectDeadline:     now.Add(time.Minute),
		TTLDeadline:         now.Add(time.Hour),
		LastHeartbeat:       &now,
		LastError:           &lastErr,
		TerminateRetryCount: 0,
	}

	resp := toLeaseResponse(l)

	if resp.LeaseID != l.LeaseID.String() {
		t.Errorf("LeaseID = %q, want %q", resp.LeaseID, l.LeaseID.String())
	}
	if resp.State != string(lease.Running) {
		t.Errorf("State = %q, want %q", resp.State, lease.Running)
	}
	if resp.HostID == nil || *resp.HostID != hostID {
		t.Errorf("HostID = %v, want %q", resp.HostID, hostID)
	}
	if resp.LastHeartbeat == nil {
		t.Fatal("LastHeartbeat should be set")
	}
	if *resp.LastHeartbeat != now.Format(time.RFC3339) {
		t.Errorf("LastHeartbeat = %q, want %q", *resp.LastHeartbeat, now.Format(time.RFC3339))
	}
	if resp.LastError == nil || *resp.LastError != lastErr {
		t.Errorf("LastError = %v, want %q", resp.LastError, lastErr)
	}
}

func TestToLeaseResponse_NilOptionalFields(t *testing.T) {
	now := time.Now()
	l := lease.Lease{
		LeaseID:            uuid.New(),
		VMID:               uuid.New(),
		State:              lease.Requested,
		CreatedAt:          now,
		UpdatedAt:          now,
		ConnectDeadline:    now.Add(time.Minute),
		TTLDeadline:        now.Add(time.Hour),
		ControllerNodeName: "fleetplane-xyz",
	}

	resp := toLeaseResponse(l)

	if resp.HostID != nil {
		t.Errorf("HostID = %v, want nil", resp.HostID)
	}
	if resp.LastHeartbeat != nil {
		t.Errorf("LastHeartbeat = %v, want nil", resp.LastHeartbeat)
	}
	if resp.LastError != nil {
		t.Errorf("LastError = %v, want nil", resp.LastError)
	}
}
