// Package provisioner drives one lease from REQUESTED to BOOTING: allocate
// the controller-side node and secret, call the node agent to create the
// VM, and unwind on any failure (spec.md §4.5).
package provisioner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/greenlease/fleetplane/pkg/controlleradapter"
	"github.com/greenlease/fleetplane/pkg/lease"
	"github.com/greenlease/fleetplane/pkg/nodeagent"
	"github.com/greenlease/fleetplane/pkg/store"
)

// Provisioner implements the 5-step sequence of spec.md §4.5.
type Provisioner struct {
	store         *store.Store
	controller    controlleradapter.Adapter
	nodeAgent     nodeagent.Client
	logger        *slog.Logger
	rpcTimeout    time.Duration
	launchFailed  *prometheus.CounterVec
	controllerURL string
	baseImageID   string
	diskGB        int
}

// New creates a Provisioner. controllerURL and baseImageID are stamped into
// every VMSpec (spec.md §6 PUT body "controller_url", "base_image_id").
func New(st *store.Store, controller controlleradapter.Adapter, nodeAgent nodeagent.Client, logger *slog.Logger, rpcTimeout time.Duration, launchFailed *prometheus.CounterVec, controllerURL, baseImageID string, diskGB int) *Provisioner {
	return &Provisioner{
		store:         st,
		controller:    controller,
		nodeAgent:     nodeAgent,
		logger:        logger,
		rpcTimeout:    rpcTimeout,
		launchFailed:  launchFailed,
		controllerURL: controllerURL,
		baseImageID:   baseImageID,
		diskGB:        diskGB,
	}
}

// Provision takes a REQUESTED lease and a chosen host through PROVISIONING
// to BOOTING, or unwinds to FAILED on any failure along the way. It is
// re-entrant: a crash between steps leaves the lease in PROVISIONING or
// BOOTING; the reconciler fails either once boot grace has passed with no
// matching VM on the host, and moves a BOOTING lease forward when the
// controller reports its node online (spec.md §4.5 last paragraph).
func (p *Provisioner) Provision(ctx context.Context, l lease.Lease, host store.Host) error {
	// Step 1: CAS REQUESTED → PROVISIONING, claiming the host atomically.
	ok, err := p.store.PlaceAndTransition(ctx, l.LeaseID, host.HostID, lease.Provisioning,
		lease.EventType("lease.provisioning"), lease.EventPayload{
			Reason:       lease.ReasonPlaced,
			HostID:       host.HostID,
			NodeAgentURL: host.NodeAgentURL,
		})
	if err != nil {
		return fmt.Errorf("provisioning lease %s: CAS requested->provisioning: %w", l.LeaseID, err)
	}
	if !ok {
		// Another loop already moved this lease; yield without action
		// (spec.md §4.3).
		return nil
	}

	// Step 2: allocate the controller-side node and its inbound secret.
	secret, err := p.allocateControllerNode(ctx, l)
	if err != nil {
		p.unwind(ctx, l, host, "controller_create_node_failed", err.Error())
		return err
	}

	// Step 3: call the node agent to create the VM.
	if err := p.createVM(ctx, l, host, secret); err != nil {
		p.bestEffortDeleteControllerNode(ctx, l)
		p.unwind(ctx, l, host, classifyNodeAgentError(err), err.Error())
		return err
	}

	// Step 4: on success, CAS PROVISIONING → BOOTING.
	ok, err = p.store.TransitionLease(ctx, l.LeaseID, lease.Provisioning, lease.Booting,
		lease.EventLeaseBooting, lease.EventPayload{
			Reason:       lease.ReasonNodeAgentPutOK,
			HostID:       host.HostID,
			NodeAgentURL: host.NodeAgentURL,
		})
	if err != nil {
		return fmt.Errorf("provisioning lease %s: CAS provisioning->booting: %w", l.LeaseID, err)
	}
	if !ok {
		p.logger.Warn("lease moved out of provisioning before booting CAS", "lease_id", l.LeaseID)
	}
	return nil
}

func (p *Provisioner) allocateControllerNode(ctx context.Context, l lease.Lease) (secret string, err error) {
	cctx, cancel := context.WithTimeout(ctx, p.rpcTimeout)
	defer cancel()

	result, err := p.controller.CreateNode(cctx, l.ControllerNodeName, l.Label, 1)
	if err != nil {
		return "", fmt.Errorf("creating controller node %s: %w", l.ControllerNodeName, err)
	}
	return result.Secret, nil
}

func (p *Provisioner) createVM(ctx context.Context, l lease.Lease, host store.Host, secret string) error {
	cctx, cancel := context.WithTimeout(ctx, p.rpcTimeout)
	defer cancel()

	spec := nodeagent.VMSpec{
		Label:              l.Label,
		BaseImageID:        p.baseImageID,
		VCPU:               l.CPUDemand,
		RAMMB:              l.RAMDemandMB,
		DiskGB:             p.diskGB,
		TTLDeadline:        l.TTLDeadline,
		ConnectDeadline:    l.ConnectDeadline,
		ControllerURL:      p.controllerURL,
		ControllerNodeName: l.ControllerNodeName,
		InboundSecret:      secret,
	}
	return p.nodeAgent.CreateVM(cctx, host.HostID, host.NodeAgentURL, l.VMID.String(), spec)
}

// bestEffortDeleteControllerNode unwinds step 2's side effect when step 3
// fails. Node-agent failures after a controller node was created must not
// leak that node (spec.md §4.5 step 5 "attempt best-effort controller-node
// delete (idempotent)").
func (p *Provisioner) bestEffortDeleteControllerNode(ctx context.Context, l lease.Lease) {
	cctx, cancel := context.WithTimeout(ctx, p.rpcTimeout)
	defer cancel()
	if err := p.controller.DeleteNode(cctx, l.ControllerNodeName); err != nil {
		p.logger.Warn("best-effort controller node delete failed, leaving for reconciler",
			"lease_id", l.LeaseID, "node_name", l.ControllerNodeName, "error", err)
	}
}

func (p *Provisioner) unwind(ctx context.Context, l lease.Lease, host store.Host, errType, errDetail string) {
	_, err := p.store.TransitionLease(ctx, l.LeaseID, lease.Provisioning, lease.Failed,
		lease.EventScaleLaunchFailed, lease.EventPayload{
			Reason:       lease.ReasonNodeAgentPutFailed,
			HostID:       host.HostID,
			NodeAgentURL: host.NodeAgentURL,
			ErrorType:    errType,
			ErrorDetail:  errDetail,
		})
	if err != nil {
		p.logger.Error("unwinding failed lease: CAS provisioning->failed", "lease_id", l.LeaseID, "error", err)
	}
	if p.launchFailed != nil {
		p.launchFailed.WithLabelValues(l.Label).Inc()
	}
}

// classifyNodeAgentError labels the failure mode recorded on the FAILED
// lease's event payload (spec.md §7 "External transient"/"External
// permanent" distinction). A rejection carries its HTTP status through
// verbatim (spec.md §8 S5 "error_type=http_503") rather than collapsing
// every non-transport failure to one generic label.
func classifyNodeAgentError(err error) string {
	var unreachable *nodeagent.ErrUnreachable
	if errors.As(err, &unreachable) {
		return "node_agent_unreachable"
	}
	var rejected *nodeagent.ErrRejected
	if errors.As(err, &rejected) && rejected.StatusCode > 0 {
		return fmt.Sprintf("http_%d", rejected.StatusCode)
	}
	return "node_agent_rejected"
}
