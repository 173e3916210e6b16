// Package scaler computes per-label deficit and launches leases subject to
// admission caps and anti-thrash cooldowns (spec.md §4.6).
package scaler

import (
	"context"
	"log/slog"
	"time"

	"github.com/greenlease/fleetplane/pkg/controlleradapter"
	"github.com/greenlease/fleetplane/pkg/lease"
	"github.com/greenlease/fleetplane/pkg/placement"
	"github.com/greenlease/fleetplane/pkg/provisioner"
	"github.com/greenlease/fleetplane/pkg/store"
)

// Config mirrors the spec.md §6 admission knobs the scaler enforces.
type Config struct {
	LabelBurst         int
	LabelMaxInflight   int
	GlobalMaxVMs       int
	CooldownSec        int
	ConnectDeadlineSec int
	VMTTLSec           int
	CPUDemand          int
	RAMDemandMB        int
}

// Scaler runs the per-tick deficit computation of spec.md §4.6.
type Scaler struct {
	store       *store.Store
	controller  controlleradapter.Adapter
	placer      *placement.Placer
	provisioner *provisioner.Provisioner
	logger      *slog.Logger
	cfg         Config
}

// New creates a Scaler.
func New(st *store.Store, controller controlleradapter.Adapter, placer *placement.Placer, prov *provisioner.Provisioner, logger *slog.Logger, cfg Config) *Scaler {
	return &Scaler{store: st, controller: controller, placer: placer, provisioner: prov, logger: logger, cfg: cfg}
}

// Tick runs one scaler pass over every label any registered host serves,
// enabled or not; placement rejects disabled hosts (spec.md §4.6's
// pseudocode, "Per label").
func (s *Scaler) Tick(ctx context.Context) error {
	hosts, err := s.store.ListHosts(ctx)
	if err != nil {
		return err
	}

	nonTerminal, err := s.store.NonTerminalLeases(ctx)
	if err != nil {
		return err
	}
	totalActive := len(nonTerminal)

	for _, label := range distinctLabels(hosts) {
		if err := s.tickLabel(ctx, label, hosts, totalActive); err != nil {
			s.logger.Error("scaler tick for label failed", "label", label, "error", err)
		}
	}
	return nil
}

func (s *Scaler) tickLabel(ctx context.Context, label string, hosts []store.Host, totalActive int) error {
	now := time.Now()
	if s.placer.CooldownActive(label, now) {
		return nil
	}

	queued, err := s.controller.Queued(ctx, label)
	if err != nil {
		return err
	}

	inflightLeases, err := s.store.LeasesByLabelAndStates(ctx, label, []lease.State{lease.Provisioning, lease.Booting, lease.Connecting})
	if err != nil {
		return err
	}
	inflight := len(inflightLeases)
	idleReady := 0
	for _, l := range inflightLeases {
		if l.ConnectedIdle() {
			idleReady++
		}
	}

	rawDeficit := queued - inflight - idleReady
	if rawDeficit <= 0 {
		return nil
	}

	launchable := min(
		rawDeficit,
		s.cfg.LabelBurst,
		s.cfg.LabelMaxInflight-inflight,
		s.cfg.GlobalMaxVMs-totalActive,
	)
	if launchable <= 0 {
		return nil
	}

	launched := 0
	for i := 0; i < launchable; i++ {
		placed, err := s.launchOne(ctx, label, hosts, now)
		if err != nil {
			s.logger.Error("launching lease failed", "label", label, "error", err)
			continue
		}
		if !placed {
			// Placement found no eligible host this round; further
			// iterations won't either (spec.md §4.6 "if host is None: break").
			break
		}
		launched++
		totalActive++
	}

	if launched > 0 {
		s.placer.SetCooldown(label, now.Add(time.Duration(s.cfg.CooldownSec)*time.Second))
	}
	return nil
}

func (s *Scaler) launchOne(ctx context.Context, label string, hosts []store.Host, now time.Time) (bool, error) {
	req := placement.Request{Label: label, CPUDemand: s.cfg.CPUDemand, RAMDemandMB: s.cfg.RAMDemandMB}
	result := s.placer.Pick(hosts, req, now)
	if result.Reject != "" {
		return false, nil
	}

	var host store.Host
	for _, h := range hosts {
		if h.HostID == result.HostID {
			host = h
			break
		}
	}

	l := lease.NewRequest(label, s.cfg.CPUDemand, s.cfg.RAMDemandMB, now, s.cfg.ConnectDeadlineSec, s.cfg.VMTTLSec)
	created, err := s.store.CreateLease(ctx, l)
	if err != nil {
		return false, err
	}

	if err := s.provisioner.Provision(ctx, created, host); err != nil {
		return true, err
	}
	return true, nil
}

func distinctLabels(hosts []store.Host) []string {
	seen := make(map[string]bool)
	var out []string
	for _, h := range hosts {
		for _, l := range h.Labels {
			if !seen[l] {
				seen[l] = true
				out = append(out, l)
			}
		}
	}
	return out
}

func min(vals ...int) int {
	m := vals[0]
	for _, v := range vals[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
