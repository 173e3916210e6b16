// Package reconciler runs the periodic three-way diff across controller
// nodes, node-agent VM inventories, and the lease store, correcting drift
// (spec.md §4.7).
package reconciler

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/greenlease/fleetplane/pkg/controlleradapter"
	"github.com/greenlease/fleetplane/pkg/lease"
	"github.com/greenlease/fleetplane/pkg/nodeagent"
	"github.com/greenlease/fleetplane/pkg/store"
)

// Config carries the deadlines the reconciler enforces.
type Config struct {
	ControllerNodePrefix string
	BootGrace            time.Duration
	DisconnectedGrace    time.Duration
	HeartbeatInterval    time.Duration
	StalenessMultiplier  int
}

// Reconciler diffs controller nodes (C), node-agent inventories (A), and
// the lease store (S), and corrects drift between them. It is also the
// control loop that drives BOOTING/CONNECTING leases forward as the
// controller reports them online and busy (spec.md §4.3): nothing else in
// the system polls controller.NodeState.
type Reconciler struct {
	store      *store.Store
	controller controlleradapter.Adapter
	nodeAgent  nodeagent.Client
	logger     *slog.Logger
	cfg        Config

	orphanCleanup  prometheus.Counter
	hostStale      prometheus.Counter
	queueToConnect prometheus.Histogram
	leasesByState  *prometheus.GaugeVec
}

// New creates a Reconciler.
func New(st *store.Store, controller controlleradapter.Adapter, nodeAgent nodeagent.Client, logger *slog.Logger, cfg Config, orphanCleanup, hostStale prometheus.Counter, queueToConnect prometheus.Histogram, leasesByState *prometheus.GaugeVec) *Reconciler {
	return &Reconciler{
		store:          st,
		controller:     controller,
		nodeAgent:      nodeAgent,
		logger:         logger,
		cfg:            cfg,
		orphanCleanup:  orphanCleanup,
		hostStale:      hostStale,
		queueToConnect: queueToConnect,
		leasesByState:  leasesByState,
	}
}

// allStates enumerates every lease state so the leases_by_state gauge is
// zeroed for states with no current leases, rather than leaving a stale
// nonzero reading from a previous tick (spec.md §6 "leases_by_state gauges").
var allStates = []lease.State{
	lease.Requested, lease.Provisioning, lease.Booting, lease.Connecting,
	lease.Running, lease.Terminating, lease.Terminated, lease.Failed,
}

// Tick runs one full reconciliation pass (spec.md §4.7), plus the connect-
// progress pass that drives BOOTING→CONNECTING→RUNNING (spec.md §4.3).
func (r *Reconciler) Tick(ctx context.Context) error {
	leases, err := r.store.NonTerminalLeases(ctx)
	if err != nil {
		return err
	}
	hosts, err := r.store.ListHosts(ctx)
	if err != nil {
		return err
	}

	byNodeName := make(map[string]lease.Lease, len(leases))
	byVMID := make(map[string]lease.Lease, len(leases))
	for _, l := range leases {
		byNodeName[l.ControllerNodeName] = l
		byVMID[l.VMID.String()] = l
	}

	inventory := r.collectInventory(ctx, hosts)

	r.reconcileConnectProgress(ctx, leases)
	r.reconcileControllerNodes(ctx, byNodeName)
	r.reconcileNodeAgentInventories(ctx, hosts, byVMID, inventory)
	r.reconcileBootingWithoutVM(ctx, leases, inventory)
	r.reconcileRunningDisconnected(ctx, leases)
	r.recordStaleHosts(hosts)
	r.refreshLeasesByState(ctx)
	return nil
}

// reconcileConnectProgress polls the controller for each BOOTING/CONNECTING
// lease's node state and drives the forward transitions spec.md §4.3
// assigns to "controller reports online" and "job assigned": BOOTING→
// CONNECTING when online, then CONNECTING→RUNNING once the controller also
// reports the node busy. An unreachable controller is no information, not
// absence, so it never regresses a lease — it just skips that lease this
// tick (spec.md §4.7's same rule applied to the controller adapter).
func (r *Reconciler) reconcileConnectProgress(ctx context.Context, leases []lease.Lease) {
	now := time.Now()

	for _, l := range leases {
		if l.State != lease.Booting && l.State != lease.Connecting {
			continue
		}

		ns, err := r.controller.NodeState(ctx, l.ControllerNodeName)
		if err != nil {
			r.logger.Warn("querying controller node state failed, skipping", "lease_id", l.LeaseID, "node_name", l.ControllerNodeName, "error", err)
			continue
		}
		if !ns.Online {
			continue
		}

		if err := r.store.RecordHeartbeat(ctx, l.LeaseID, now); err != nil {
			r.logger.Error("recording lease heartbeat failed", "lease_id", l.LeaseID, "error", err)
			continue
		}

		state := l.State
		if state == lease.Booting {
			ok, err := r.store.TransitionLease(ctx, l.LeaseID, lease.Booting, lease.Connecting,
				lease.EventLeaseConnecting, lease.EventPayload{Reason: lease.ReasonControllerOnline})
			if err != nil {
				r.logger.Error("CAS booting->connecting failed", "lease_id", l.LeaseID, "error", err)
				continue
			}
			if !ok {
				continue
			}
			r.logger.Info("lease connecting: controller reports node online", "lease_id", l.LeaseID)
			if r.queueToConnect != nil {
				r.queueToConnect.Observe(now.Sub(l.CreatedAt).Seconds())
			}
			state = lease.Connecting
		}

		if state == lease.Connecting && ns.Busy {
			ok, err := r.store.TransitionLease(ctx, l.LeaseID, lease.Connecting, lease.Running,
				lease.EventLeaseRunning, lease.EventPayload{Reason: lease.ReasonJobAssigned})
			if err != nil {
				r.logger.Error("CAS connecting->running failed", "lease_id", l.LeaseID, "error", err)
				continue
			}
			if ok {
				r.logger.Info("lease running: controller reports job assigned", "lease_id", l.LeaseID)
			}
		}
	}
}

// refreshLeasesByState sets the leases_by_state gauge from a fresh count
// (spec.md §6), since nothing else periodically recomputes it.
func (r *Reconciler) refreshLeasesByState(ctx context.Context) {
	if r.leasesByState == nil {
		return
	}
	counts, err := r.store.CountLeasesByState(ctx)
	if err != nil {
		r.logger.Error("counting leases by state failed", "error", err)
		return
	}
	for _, s := range allStates {
		r.leasesByState.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

// recordStaleHosts increments host_stale_total for every enabled host whose
// last heartbeat has aged past the staleness threshold (spec.md §4.4, §6
// "host_stale_total").
func (r *Reconciler) recordStaleHosts(hosts []store.Host) {
	if r.hostStale == nil {
		return
	}
	now := time.Now()
	staleAfter := time.Duration(r.cfg.StalenessMultiplier) * r.cfg.HeartbeatInterval
	for _, h := range hosts {
		if !h.Enabled {
			continue
		}
		if h.LastSeen == nil || now.Sub(*h.LastSeen) > staleAfter {
			r.hostStale.Inc()
		}
	}
}

// reconcileControllerNodes deletes a controller-side node with no matching
// lease (spec.md §4.7 "c ∈ C, no lease... Delete the controller node
// (stale)").
func (r *Reconciler) reconcileControllerNodes(ctx context.Context, byNodeName map[string]lease.Lease) {
	names, err := r.controller.ListNodesWithPrefix(ctx, r.cfg.ControllerNodePrefix)
	if err != nil {
		r.logger.Warn("listing controller nodes failed, skipping stale-node pass", "error", err)
		return
	}
	for _, name := range names {
		if _, ok := byNodeName[name]; ok {
			continue
		}
		if err := r.controller.DeleteNode(ctx, name); err != nil {
			r.logger.Error("deleting stale controller node failed", "node_name", name, "error", err)
			continue
		}
		r.logger.Info("deleted stale controller node", "node_name", name)
	}
}

// reconcileNodeAgentInventories deletes any VM a host reports that has no
// matching lease (spec.md §4.7 "a ∈ A on host h, no lease... DELETE the VM
// on host h (orphan)"). Unreachable hosts are skipped entirely: a failed
// query is no information, not evidence of orphans.
func (r *Reconciler) reconcileNodeAgentInventories(ctx context.Context, hosts []store.Host, byVMID map[string]lease.Lease, inventory map[string]hostInventory) {
	for _, h := range hosts {
		inv, known := inventory[h.HostID]
		if !known || inv.reachErr != nil {
			continue
		}
		for vmID := range inv.vms {
			if _, ok := byVMID[vmID]; ok {
				continue
			}
			if err := r.nodeAgent.DeleteVM(ctx, h.HostID, h.NodeAgentURL, vmID, "orphan"); err != nil {
				r.logger.Error("deleting orphan vm failed", "host_id", h.HostID, "vm_id", vmID, "error", err)
				continue
			}
			if r.orphanCleanup != nil {
				r.orphanCleanup.Inc()
			}
			r.logger.Info("deleted orphan vm", "host_id", h.HostID, "vm_id", vmID)
		}
	}
}

// hostInventory is one host's VM set as of the last successful query, or
// the reason it couldn't be queried.
type hostInventory struct {
	vms      map[string]bool
	reachErr error
}

// reconcileBootingWithoutVM forces BOOTING leases, and PROVISIONING leases
// left behind by an interrupted launch, with no corresponding agent-side VM
// to FAILED once boot grace has elapsed (spec.md §4.7 "s ∈ S,
// lease.state=BOOTING, no a in A... CAS → FAILED").
func (r *Reconciler) reconcileBootingWithoutVM(ctx context.Context, leases []lease.Lease, inventory map[string]hostInventory) {
	now := time.Now()

	for _, l := range leases {
		if l.State != lease.Booting && l.State != lease.Provisioning {
			continue
		}
		if now.Sub(l.UpdatedAt) <= r.cfg.BootGrace {
			continue
		}
		if l.HostID == nil {
			continue
		}
		host, known := inventory[*l.HostID]
		if !known || host.reachErr != nil {
			// Couldn't confirm absence; don't punish the lease for a
			// transient query failure (spec.md §4.7 "no information, not
			// as absence").
			continue
		}
		if host.vms[l.VMID.String()] {
			continue
		}
		ok, err := r.store.TransitionLease(ctx, l.LeaseID, l.State, lease.Failed,
			lease.EventType("lease.boot_grace_exceeded"), lease.EventPayload{
				Reason: lease.ReasonBootGraceExceeded,
			})
		if err != nil {
			r.logger.Error("CAS ->failed on boot grace failed", "lease_id", l.LeaseID, "state", l.State, "error", err)
			continue
		}
		if ok {
			r.logger.Info("lease failed: no agent-side vm past boot grace", "lease_id", l.LeaseID)
		}
	}
}

// collectInventory queries every host's VM set once, keyed by host_id, so
// the booting-without-vm pass below can tell "queried and absent" apart
// from "couldn't be queried."
func (r *Reconciler) collectInventory(ctx context.Context, hosts []store.Host) map[string]hostInventory {
	out := make(map[string]hostInventory, len(hosts))
	for _, h := range hosts {
		vms, err := r.nodeAgent.ListVMs(ctx, h.HostID, h.NodeAgentURL)
		if err != nil {
			out[h.HostID] = hostInventory{reachErr: err}
			continue
		}
		set := make(map[string]bool, len(vms))
		for _, vm := range vms {
			set[vm.VMID] = true
		}
		out[h.HostID] = hostInventory{vms: set}
	}
	return out
}

// reconcileRunningDisconnected forces RUNNING leases whose controller node
// has vanished past disconnect grace into TERMINATING (spec.md §4.7 "s ∈ S,
// lease.state=RUNNING, no c in C... CAS → TERMINATING,
// reason=unexpected_disconnect").
func (r *Reconciler) reconcileRunningDisconnected(ctx context.Context, leases []lease.Lease) {
	now := time.Now()
	names, err := r.controller.ListNodesWithPrefix(ctx, r.cfg.ControllerNodePrefix)
	if err != nil {
		r.logger.Warn("listing controller nodes failed, skipping disconnect pass", "error", err)
		return
	}
	present := make(map[string]bool, len(names))
	for _, n := range names {
		present[n] = true
	}

	for _, l := range leases {
		if l.State != lease.Running {
			continue
		}
		if present[l.ControllerNodeName] {
			continue
		}
		if l.LastHeartbeat == nil || now.Sub(*l.LastHeartbeat) <= r.cfg.DisconnectedGrace {
			continue
		}
		ok, err := r.store.TransitionLease(ctx, l.LeaseID, lease.Running, lease.Terminating,
			lease.EventType("lease.unexpected_disconnect"), lease.EventPayload{
				Reason: lease.ReasonUnexpectedDisconnect,
			})
		if err != nil {
			r.logger.Error("CAS running->terminating on disconnect failed", "lease_id", l.LeaseID, "error", err)
			continue
		}
		if ok {
			r.logger.Info("lease terminating: controller node disconnected", "lease_id", l.LeaseID)
		}
	}
}
