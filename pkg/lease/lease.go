package lease

import (
	"time"

	"github.com/google/uuid"
)

// Lease is the canonical record tying one queued job to one VM and one
// controller node (spec.md §3 "Lease").
type Lease struct {
	LeaseID             uuid.UUID
	VMID                uuid.UUID
	Label               string
	ControllerNodeName  string
	State               State
	HostID              *string
	CPUDemand           int
	RAMDemandMB         int
	CreatedAt           time.Time
	UpdatedAt           time.Time
	ConnectDeadline     time.Time
	TTLDeadline         time.Time
	LastHeartbeat       *time.Time
	ConnectedAt         *time.Time
	LastError           *string
	TerminateRetryCount int
}

// Inflight reports whether the lease currently counts against
// LABEL_MAX_INFLIGHT (spec.md §4.6: PROVISIONING, BOOTING, CONNECTING).
func (l Lease) Inflight() bool {
	switch l.State {
	case Provisioning, Booting, Connecting:
		return true
	default:
		return false
	}
}

// Active reports whether the lease counts toward GLOBAL_MAX_VMS, i.e. is
// not yet terminal.
func (l Lease) Active() bool {
	return !l.State.Terminal()
}

// ConnectedIdle reports whether the lease has connected but not yet had a
// job assigned (spec.md §4.6 "idle_ready"). Folding CONNECTED into
// CONNECTING means this is CONNECTING with a non-nil ConnectedAt.
func (l Lease) ConnectedIdle() bool {
	return l.State == Connecting && l.ConnectedAt != nil
}

// NewRequest constructs a fresh REQUESTED lease with fresh identifiers and
// deadlines computed from now.
func NewRequest(label string, cpuDemand, ramDemandMB int, now time.Time, connectDeadlineSec, ttlSec int) Lease {
	return Lease{
		LeaseID:            uuid.New(),
		VMID:               uuid.New(),
		Label:              label,
		ControllerNodeName: "fleetplane-" + uuid.NewString(),
		State:              Requested,
		CPUDemand:          cpuDemand,
		RAMDemandMB:        ramDemandMB,
		CreatedAt:          now,
		UpdatedAt:          now,
		ConnectDeadline:    now.Add(time.Duration(connectDeadlineSec) * time.Second),
		TTLDeadline:        now.Add(time.Duration(ttlSec) * time.Second),
	}
}
