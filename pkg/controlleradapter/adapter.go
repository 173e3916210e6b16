// Package controlleradapter abstracts the external job-scheduling
// controller (e.g. Jenkins) behind the five operations the core consumes
// (spec.md §6 "Controller adapter").
package controlleradapter

import "context"

// NodeState reports a controller-side node's observed status.
type NodeState struct {
	Online bool
	Busy   bool
}

// CreateNodeResult carries the inbound secret handed to the new VM
// (spec.md §4.5 step 2).
type CreateNodeResult struct {
	Secret string
}

// Adapter is the controller-facing interface the provisioner, scaler, and
// reconciler consume. Implementations: an in-memory Fake for tests
// (spec.md §9 "Testing the core uses in-memory fakes for both") and an
// HTTP-backed implementation for production.
type Adapter interface {
	// Queued returns the number of jobs queued for label.
	Queued(ctx context.Context, label string) (int, error)
	// CreateNode creates a controller-side node bound to name/label with the
	// given executor count, running in exclusive mode.
	CreateNode(ctx context.Context, name, label string, executors int) (CreateNodeResult, error)
	// DeleteNode removes a controller-side node. Deleting an already-absent
	// node is not an error (spec.md §7 "External permanent... treat as
	// success (idempotent)").
	DeleteNode(ctx context.Context, name string) error
	// NodeState reports whether the named node is online/busy.
	NodeState(ctx context.Context, name string) (NodeState, error)
	// ListNodesWithPrefix lists controller-side node names sharing a prefix,
	// used by the reconciler to build set C (spec.md §4.7).
	ListNodesWithPrefix(ctx context.Context, prefix string) ([]string, error)
}
