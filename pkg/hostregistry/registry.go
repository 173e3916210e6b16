package hostregistry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/greenlease/fleetplane/pkg/store"
)

var (
	// ErrAuth is returned for any bootstrap/session token mismatch or
	// expiry (spec.md §4.2 "Rejects with AUTH").
	ErrAuth = errors.New("hostregistry: authentication failed")
	// ErrUnknownHost is returned when a host is not registered and
	// auto-creation is disabled.
	ErrUnknownHost = errors.New("hostregistry: unknown host")
)

// Config controls registry behavior (spec.md §6 configuration).
type Config struct {
	AllowUnknownHostRegistration bool
	SessionTokenTTL              time.Duration
	HeartbeatInterval            time.Duration
	StalenessMultiplier          int
}

// Registry implements Register/Heartbeat/Enable/Disable against the store.
type Registry struct {
	store  *store.Store
	cfg    Config
	logger *slog.Logger
}

// New creates a Registry.
func New(st *store.Store, cfg Config, logger *slog.Logger) *Registry {
	return &Registry{store: st, cfg: cfg, logger: logger}
}

// PlatformTuple describes a host's declared platform (spec.md §3).
type PlatformTuple struct {
	OSFamily              string
	OSFlavor              string
	CPUArch               string
	SelectedAccelerator   string
	SupportedAccelerators []string
}

// Capacity is a point-in-time capacity snapshot.
type Capacity struct {
	CPUTotal   int
	CPUFree    int
	RAMTotalMB int
	RAMFreeMB  int
	IOPressure float64
}

// Register authenticates a host by its bootstrap token and issues a fresh
// session token (spec.md §4.2 Register). If the host is unknown and
// AllowUnknownHostRegistration is set, a new host row is created — "the
// only time a host row is created by the API."
func (r *Registry) Register(ctx context.Context, hostID, bootstrapToken, nodeAgentURL string, platform PlatformTuple, cap Capacity) (sessionToken string, expiresAt time.Time, err error) {
	host, err := r.store.GetHost(ctx, hostID)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if !r.cfg.AllowUnknownHostRegistration {
			return "", time.Time{}, ErrUnknownHost
		}
		host, err = r.store.CreateHost(ctx, store.Host{
			HostID:                hostID,
			BootstrapTokenHash:    hashToken(bootstrapToken),
			NodeAgentURL:          nodeAgentURL,
			OSFamily:              platform.OSFamily,
			OSFlavor:              platform.OSFlavor,
			CPUArch:               platform.CPUArch,
			SelectedAccelerator:   platform.SelectedAccelerator,
			SupportedAccelerators: platform.SupportedAccelerators,
		})
		if err != nil {
			return "", time.Time{}, fmt.Errorf("auto-creating host: %w", err)
		}
	case err != nil:
		return "", time.Time{}, fmt.Errorf("looking up host: %w", err)
	}

	if !tokensMatch(bootstrapToken, host.BootstrapTokenHash) {
		return "", time.Time{}, ErrAuth
	}

	raw, hash, err := generateToken()
	if err != nil {
		return "", time.Time{}, err
	}
	expiresAt = time.Now().Add(r.cfg.SessionTokenTTL)
	if err := r.store.RegisterSession(ctx, hostID, hash, expiresAt); err != nil {
		return "", time.Time{}, fmt.Errorf("persisting session: %w", err)
	}
	if err := r.store.Heartbeat(ctx, hostID, cap.CPUFree, cap.RAMFreeMB, cap.IOPressure, time.Now()); err != nil {
		return "", time.Time{}, fmt.Errorf("recording initial heartbeat: %w", err)
	}

	return raw, expiresAt, nil
}

// Heartbeat authenticates by session token and records capacity and
// last_seen (spec.md §4.2 Heartbeat). It takes no VM inventory: the
// registry persists capacity only, and the reconciler lists VMs through the
// node-agent client.
func (r *Registry) Heartbeat(ctx context.Context, hostID, sessionToken string, cap Capacity) error {
	host, err := r.store.GetHost(ctx, hostID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrAuth
		}
		return fmt.Errorf("looking up host: %w", err)
	}

	if host.SessionTokenHash == nil || host.SessionExpiresAt == nil {
		return ErrAuth
	}
	if time.Now().After(*host.SessionExpiresAt) {
		return ErrAuth
	}
	if !tokensMatch(sessionToken, *host.SessionTokenHash) {
		return ErrAuth
	}

	if err := r.store.Heartbeat(ctx, hostID, cap.CPUFree, cap.RAMFreeMB, cap.IOPressure, time.Now()); err != nil {
		return fmt.Errorf("recording heartbeat: %w", err)
	}
	return nil
}

// SetEnabled implements operator Enable/Disable (spec.md §4.2). Disabled
// hosts are excluded from placement but existing leases continue.
func (r *Registry) SetEnabled(ctx context.Context, hostID string, enabled bool) error {
	return r.store.SetEnabled(ctx, hostID, enabled)
}

// Schedulable is the pure predicate of spec.md §4.2: a host is schedulable
// iff enabled, recently seen, its selected accelerator is one it supports,
// and it has free CPU/RAM for the demand.
func Schedulable(h store.Host, now time.Time, heartbeatInterval time.Duration, stalenessMultiplier int, cpuDemand, ramDemandMB int) bool {
	if !h.Enabled {
		return false
	}
	if h.LastSeen == nil {
		return false
	}
	staleAfter := time.Duration(stalenessMultiplier) * heartbeatInterval
	if now.Sub(*h.LastSeen) > staleAfter {
		return false
	}
	if h.SelectedAccelerator != "" && !contains(h.SupportedAccelerators, h.SelectedAccelerator) {
		return false
	}
	if h.CPUFree < cpuDemand {
		return false
	}
	if h.RAMFreeMB < ramDemandMB {
		return false
	}
	return true
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
