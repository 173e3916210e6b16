package nodeagent

import (
	"context"
	"sync"
)

// Fake is an in-memory Client for unit and scenario tests (spec.md §9
// "Testing the core uses in-memory fakes for both"), grounded on
// controlleradapter.Fake.
type Fake struct {
	mu   sync.Mutex
	vms  map[string]map[string]VM // host_id -> vm_id -> VM
	down map[string]error          // host_id -> simulated unreachability
}

// NewFake creates an empty Fake.
func NewFake() *Fake {
	return &Fake{
		vms:  make(map[string]map[string]VM),
		down: make(map[string]error),
	}
}

// SetUnreachable makes every call against hostID fail with ErrUnreachable,
// simulating a host that cannot be reached (spec.md §4.7 "no information,
// not as absence"). Pass nil to clear it.
func (f *Fake) SetUnreachable(hostID string, cause error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cause == nil {
		delete(f.down, hostID)
		return
	}
	f.down[hostID] = cause
}

// SeedVM injects a VM the fake didn't create itself, used to simulate
// orphan VMs for reconciler tests (S3 in spec.md §8).
func (f *Fake) SeedVM(hostID, vmID, state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.vms[hostID] == nil {
		f.vms[hostID] = make(map[string]VM)
	}
	f.vms[hostID][vmID] = VM{VMID: vmID, State: state}
}

func (f *Fake) checkDown(hostID string) error {
	if cause, down := f.down[hostID]; down {
		return &ErrUnreachable{HostID: hostID, Cause: cause}
	}
	return nil
}

func (f *Fake) CreateVM(ctx context.Context, hostID, nodeAgentURL, vmID string, spec VMSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkDown(hostID); err != nil {
		return err
	}
	if f.vms[hostID] == nil {
		f.vms[hostID] = make(map[string]VM)
	}
	f.vms[hostID][vmID] = VM{VMID: vmID, State: "BOOTING"}
	return nil
}

func (f *Fake) GetVM(ctx context.Context, hostID, nodeAgentURL, vmID string) (VM, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkDown(hostID); err != nil {
		return VM{}, false, err
	}
	vm, ok := f.vms[hostID][vmID]
	return vm, ok, nil
}

func (f *Fake) ListVMs(ctx context.Context, hostID, nodeAgentURL string) ([]VM, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkDown(hostID); err != nil {
		return nil, err
	}
	out := make([]VM, 0, len(f.vms[hostID]))
	for _, vm := range f.vms[hostID] {
		out = append(out, vm)
	}
	return out, nil
}

func (f *Fake) DeleteVM(ctx context.Context, hostID, nodeAgentURL, vmID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkDown(hostID); err != nil {
		return err
	}
	delete(f.vms[hostID], vmID)
	return nil
}

func (f *Fake) GetCapacity(ctx context.Context, hostID, nodeAgentURL string) (Capacity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkDown(hostID); err != nil {
		return Capacity{}, err
	}
	return Capacity{}, nil
}

func (f *Fake) Healthz(ctx context.Context, hostID, nodeAgentURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checkDown(hostID)
}

var _ Client = (*Fake)(nil)
