// Package nodeagent is the client for the per-host agent that actually
// creates and destroys VMs (spec.md §6 "Node agent API"). The provisioner,
// reconciler, and garbage collector all talk to hosts exclusively through this
// interface; a host's agent is never reachable from any other package.
package nodeagent

import (
	"context"
	"time"
)

// VMSpec is the PUT /v1/vms/{vm_id} request body (spec.md §6).
type VMSpec struct {
	Label                 string    `json:"label"`
	BaseImageID           string    `json:"base_image_id"`
	VCPU                  int       `json:"vcpu"`
	RAMMB                 int       `json:"ram_mb"`
	DiskGB                int       `json:"disk_gb"`
	TTLDeadline           time.Time `json:"ttl_deadline"`
	ConnectDeadline       time.Time `json:"connect_deadline"`
	ControllerURL         string    `json:"controller_url"`
	ControllerNodeName    string    `json:"controller_node_name"`
	InboundSecret         string    `json:"inbound_secret"`
	CloudInitUserDataB64  string    `json:"cloud_init_user_data_b64,omitempty"`
}

// VM is the node agent's view of a VM it is hosting.
type VM struct {
	VMID  string `json:"vm_id"`
	State string `json:"state"`
}

// Capacity is a host's current resource snapshot, as also reported via
// heartbeat (spec.md §4.2).
type Capacity struct {
	CPUFree    int
	RAMFreeMB  int
	IOPressure float64
}

// ErrUnreachable distinguishes a transport-level failure (host down, timed
// out) from an application-level rejection. The reconciler must treat
// unreachability as "no information, not absence" (spec.md §4.7).
type ErrUnreachable struct {
	HostID string
	Cause  error
}

func (e *ErrUnreachable) Error() string {
	return "node agent unreachable: host=" + e.HostID + ": " + e.Cause.Error()
}

func (e *ErrUnreachable) Unwrap() error { return e.Cause }

// ErrRejected distinguishes an application-level rejection (the agent
// answered but refused the call) from a transport failure, carrying the
// HTTP status so callers can classify the failure precisely (spec.md §8 S5
// "error_type=http_503").
type ErrRejected struct {
	HostID     string
	StatusCode int
	Status     string
}

func (e *ErrRejected) Error() string {
	return "node agent rejected: host=" + e.HostID + ": " + e.Status
}

// Client is the per-host node-agent API surface.
type Client interface {
	// CreateVM issues PUT /v1/vms/{vm_id}, idempotent on vm_id (spec.md §4.5).
	CreateVM(ctx context.Context, hostID, nodeAgentURL, vmID string, spec VMSpec) error
	// GetVM reports a single VM's last-known state, or ok=false if the agent
	// has no record of it.
	GetVM(ctx context.Context, hostID, nodeAgentURL, vmID string) (vm VM, ok bool, err error)
	// ListVMs enumerates every VM the agent currently hosts, used by the
	// reconciler to build inventory set A (spec.md §4.7).
	ListVMs(ctx context.Context, hostID, nodeAgentURL string) ([]VM, error)
	// DeleteVM issues DELETE /v1/vms/{vm_id}?reason=. Deleting an absent VM
	// is not an error (spec.md §7 idempotent teardown).
	DeleteVM(ctx context.Context, hostID, nodeAgentURL, vmID, reason string) error
	// GetCapacity polls the agent's live capacity snapshot.
	GetCapacity(ctx context.Context, hostID, nodeAgentURL string) (Capacity, error)
	// Healthz reports whether the agent itself is reachable and healthy.
	Healthz(ctx context.Context, hostID, nodeAgentURL string) error
}

// defaultTimeout matches the default per-RPC timeout (spec.md §5 "default:
// 10s per RPC"). Nothing reads it: HTTPClient uses the timeout passed to
// NewHTTPClient.
const defaultTimeout = 10 * time.Second
