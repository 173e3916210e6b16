package controlleradapter

import (
	"context"
	"fmt"
	"sync"
)

type fakeNode struct {
	label     string
	executors int
	secret    string
	online    bool
	busy      bool
}

// Fake is an in-memory Adapter for unit and scenario tests (spec.md §9).
type Fake struct {
	mu     sync.Mutex
	nodes  map[string]*fakeNode
	queued map[string]int
}

// NewFake creates an empty Fake.
func NewFake() *Fake {
	return &Fake{
		nodes:  make(map[string]*fakeNode),
		queued: make(map[string]int),
	}
}

// SetQueued seeds the queued-job count for a label, read back by Queued.
func (f *Fake) SetQueued(label string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued[label] = n
}

// SetNodeOnline flips a seeded node's online/busy flags, simulating the
// controller reporting connection state.
func (f *Fake) SetNodeOnline(name string, online, busy bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n, ok := f.nodes[name]; ok {
		n.online = online
		n.busy = busy
	}
}

// SeedNode injects a node the fake didn't create itself, used to simulate
// stale controller nodes for reconciler tests (S4 in spec.md §8).
func (f *Fake) SeedNode(name, label string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes[name] = &fakeNode{label: label}
}

func (f *Fake) Queued(ctx context.Context, label string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queued[label], nil
}

func (f *Fake) CreateNode(ctx context.Context, name, label string, executors int) (CreateNodeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	secret := fmt.Sprintf("secret-%s", name)
	f.nodes[name] = &fakeNode{label: label, executors: executors, secret: secret}
	return CreateNodeResult{Secret: secret}, nil
}

func (f *Fake) DeleteNode(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.nodes, name)
	return nil
}

func (f *Fake) NodeState(ctx context.Context, name string) (NodeState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[name]
	if !ok {
		return NodeState{}, nil
	}
	return NodeState{Online: n.online, Busy: n.busy}, nil
}

func (f *Fake) ListNodesWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for name := range f.nodes {
		if len(name) >= len(prefix) && name[:len(prefix)] == prefix {
			out = append(out, name)
		}
	}
	return out, nil
}
