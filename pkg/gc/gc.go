// Package gc enforces the connect-deadline, TTL, and teardown-retry
// lifecycle of spec.md §4.8: it pushes non-terminal leases into TERMINATING
// once their deadlines pass, then drives TERMINATING leases to TERMINATED
// by tearing down the node-agent VM and the controller-side node.
package gc

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/greenlease/fleetplane/pkg/controlleradapter"
	"github.com/greenlease/fleetplane/pkg/lease"
	"github.com/greenlease/fleetplane/pkg/nodeagent"
	"github.com/greenlease/fleetplane/pkg/notify"
	"github.com/greenlease/fleetplane/pkg/store"
)

// Config carries the retry budget and per-RPC timeout the GC uses (spec.md
// §6); the deadlines it enforces are read from each lease row.
type Config struct {
	RetryBudget int
	RPCTimeout  time.Duration
}

// GC is the garbage collector control loop.
type GC struct {
	store      *store.Store
	controller controlleradapter.Adapter
	nodeAgent  nodeagent.Client
	notifier   *notify.Notifier
	logger     *slog.Logger
	cfg        Config

	neverConnected prometheus.Counter
	terminateRetry prometheus.Counter
	retryExhausted *prometheus.CounterVec
}

// New creates a GC.
func New(st *store.Store, controller controlleradapter.Adapter, nodeAgent nodeagent.Client, notifier *notify.Notifier, logger *slog.Logger, cfg Config, neverConnected, terminateRetry prometheus.Counter, retryExhausted *prometheus.CounterVec) *GC {
	return &GC{
		store:          st,
		controller:     controller,
		nodeAgent:      nodeAgent,
		notifier:       notifier,
		logger:         logger,
		cfg:            cfg,
		neverConnected: neverConnected,
		terminateRetry: terminateRetry,
		retryExhausted: retryExhausted,
	}
}

// Tick runs one garbage-collection pass over every non-terminal lease
// (spec.md §4.8).
func (g *GC) Tick(ctx context.Context) error {
	leases, err := g.store.NonTerminalLeases(ctx)
	if err != nil {
		return err
	}

	hostsByID := make(map[string]store.Host)
	hosts, err := g.store.ListHosts(ctx)
	if err != nil {
		return err
	}
	for _, h := range hosts {
		hostsByID[h.HostID] = h
	}

	now := time.Now()
	for _, l := range leases {
		if l.State == lease.Terminating {
			g.driveTermination(ctx, l, hostsByID[derefHostID(l.HostID)])
			continue
		}
		if reason, ok := evaluateDeadline(l, now); ok {
			if g.forceTerminating(ctx, l, reason) && reason == lease.ReasonNeverConnected && g.neverConnected != nil {
				g.neverConnected.Inc()
			}
		}
	}
	return nil
}

// evaluateDeadline decides whether a non-terminal, non-TERMINATING lease
// should be forced into TERMINATING and why (spec.md §4.8): a BOOTING/
// CONNECTING lease that never confirmed a connection past connect_deadline
// reports never_connected; any non-terminal lease past its ttl_deadline
// reports ttl_expired. Pure so it's testable without a store.
func evaluateDeadline(l lease.Lease, now time.Time) (lease.ReasonCode, bool) {
	if (l.State == lease.Booting || l.State == lease.Connecting) && l.ConnectedAt == nil && now.After(l.ConnectDeadline) {
		return lease.ReasonNeverConnected, true
	}
	if now.After(l.TTLDeadline) {
		return lease.ReasonTTLExpired, true
	}
	return "", false
}

// forceTerminating CASes a lease into TERMINATING for a deadline-driven
// reason. A prior in-flight transition (e.g. the reconciler already moved
// it) surfaces as ok=false and is silently skipped (spec.md §4.3 "a loop
// that observes an unexpected prior state yields without action").
func (g *GC) forceTerminating(ctx context.Context, l lease.Lease, reason lease.ReasonCode) bool {
	ok, err := g.store.TransitionLease(ctx, l.LeaseID, l.State, lease.Terminating,
		lease.EventLeaseTerminating, lease.EventPayload{Reason: reason})
	if err != nil {
		g.logger.Error("CAS ->terminating failed", "lease_id", l.LeaseID, "reason", reason, "error", err)
		return false
	}
	if ok {
		g.logger.Info("lease terminating", "lease_id", l.LeaseID, "reason", reason)
	}
	return ok
}

// driveTermination attempts node-agent DELETE and controller-node delete
// for a TERMINATING lease, CASing to TERMINATED only once both have been
// attempted and the node-agent side succeeded (spec.md §4.8's teardown
// rules).
func (g *GC) driveTermination(ctx context.Context, l lease.Lease, host store.Host) {
	nodeAgentOK := true
	if l.HostID != nil && host.NodeAgentURL != "" {
		cctx, cancel := context.WithTimeout(ctx, g.cfg.RPCTimeout)
		err := g.nodeAgent.DeleteVM(cctx, *l.HostID, host.NodeAgentURL, l.VMID.String(), string(l.State))
		cancel()
		if err != nil {
			nodeAgentOK = false
			g.logger.Warn("node-agent delete failed, will retry", "lease_id", l.LeaseID, "error", err)
		}
	}

	// Controller-node delete failing alone does not block termination
	// (spec.md §4.8 "On controller-adapter failure alone, proceed if
	// node-agent delete succeeded, leaving a stale controller node for the
	// reconciler to clean").
	cctx, cancel := context.WithTimeout(ctx, g.cfg.RPCTimeout)
	if err := g.controller.DeleteNode(cctx, l.ControllerNodeName); err != nil {
		g.logger.Warn("controller node delete failed, leaving for reconciler", "lease_id", l.LeaseID, "node_name", l.ControllerNodeName, "error", err)
	}
	cancel()

	if !nodeAgentOK {
		g.recordRetry(ctx, l)
		return
	}

	ok, err := g.store.TransitionLease(ctx, l.LeaseID, lease.Terminating, lease.Terminated,
		lease.EventLeaseTerminated, lease.EventPayload{Reason: lease.ReasonDeleteOK})
	if err != nil {
		g.logger.Error("CAS terminating->terminated failed", "lease_id", l.LeaseID, "error", err)
		return
	}
	if ok {
		g.logger.Info("lease terminated", "lease_id", l.LeaseID)
	}
}

// recordRetry bumps the persisted retry counter (spec.md §5 in-memory cache
// (c), persisted here for restart safety) and pages the operator once the
// retry budget is exhausted, leaving the lease in TERMINATING rather than
// ever declaring an unconfirmed TERMINATED (spec.md §4.8 "never abandon as
// TERMINATED without confirmation").
func (g *GC) recordRetry(ctx context.Context, l lease.Lease) {
	count, err := g.store.IncrementTerminateRetry(ctx, l.LeaseID)
	if err != nil {
		g.logger.Error("incrementing terminate retry failed", "lease_id", l.LeaseID, "error", err)
		return
	}
	if g.terminateRetry != nil {
		g.terminateRetry.Inc()
	}
	_ = g.store.InsertEventNoTx(ctx, &l.LeaseID, string(lease.EventLeaseTerminateRetry), lease.EventPayload{
		Reason: lease.ReasonDeleteFailed,
	})

	if count < g.cfg.RetryBudget {
		return
	}
	g.logger.Error("lease retry budget exhausted, leaving in terminating for operator attention", "lease_id", l.LeaseID, "attempts", count)
	if g.retryExhausted != nil {
		g.retryExhausted.WithLabelValues("terminate").Inc()
	}
	if g.notifier != nil {
		lastErr := ""
		if l.LastError != nil {
			lastErr = *l.LastError
		}
		if err := g.notifier.PageRetryExhausted(ctx, l.LeaseID.String(), lastErr, count); err != nil {
			g.logger.Error("paging operator failed", "lease_id", l.LeaseID, "error", err)
		}
	}
}

func derefHostID(hostID *string) string {
	if hostID == nil {
		return ""
	}
	return *hostID
}
