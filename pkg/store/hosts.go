package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Host is the durable record of an operator-provisioned node-agent host
// (spec.md §3 "Host").
type Host struct {
	HostID                 string
	Enabled                bool
	BootstrapTokenHash     string
	SessionTokenHash       *string
	SessionExpiresAt       *time.Time
	CPUTotal               int
	CPUFree                int
	RAMTotalMB             int
	RAMFreeMB              int
	IOPressure             float64
	LastSeen               *time.Time
	NodeAgentURL           string
	OSFamily               string
	OSFlavor               string
	CPUArch                string
	SelectedAccelerator    string
	SupportedAccelerators  []string
	Labels                 []string
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

const hostColumns = `host_id, enabled, bootstrap_token_hash, session_token_hash, session_expires_at,
	cpu_total, cpu_free, ram_total_mb, ram_free_mb, io_pressure, last_seen, node_agent_url,
	os_family, os_flavor, cpu_arch, selected_accelerator, supported_accelerators, labels,
	created_at, updated_at`

func scanHost(row pgx.Row) (Host, error) {
	var h Host
	err := row.Scan(
		&h.HostID, &h.Enabled, &h.BootstrapTokenHash, &h.SessionTokenHash, &h.SessionExpiresAt,
		&h.CPUTotal, &h.CPUFree, &h.RAMTotalMB, &h.RAMFreeMB, &h.IOPressure, &h.LastSeen, &h.NodeAgentURL,
		&h.OSFamily, &h.OSFlavor, &h.CPUArch, &h.SelectedAccelerator, &h.SupportedAccelerators, &h.Labels,
		&h.CreatedAt, &h.UpdatedAt,
	)
	return h, err
}

// CreateHost inserts a new host row with its hashed bootstrap token. Its
// only caller is the host registry, which creates an unknown host on its
// first registration when that is allowed; no operator endpoint creates
// hosts.
func (s *Store) CreateHost(ctx context.Context, h Host) (Host, error) {
	query := `INSERT INTO hosts (
		host_id, enabled, bootstrap_token_hash, node_agent_url,
		os_family, os_flavor, cpu_arch, selected_accelerator, supported_accelerators, labels
	) VALUES ($1, true, $2, $3, $4, $5, $6, $7, $8, $9)
	RETURNING ` + hostColumns
	row := s.pool.QueryRow(ctx, query,
		h.HostID, h.BootstrapTokenHash, h.NodeAgentURL,
		h.OSFamily, h.OSFlavor, h.CPUArch, h.SelectedAccelerator, h.SupportedAccelerators, h.Labels,
	)
	return scanHost(row)
}

// GetHost returns a single host by id.
func (s *Store) GetHost(ctx context.Context, hostID string) (Host, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+hostColumns+` FROM hosts WHERE host_id = $1`, hostID)
	return scanHost(row)
}

// ListHosts returns every host, newest first.
func (s *Store) ListHosts(ctx context.Context) ([]Host, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+hostColumns+` FROM hosts ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing hosts: %w", err)
	}
	defer rows.Close()

	var out []Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning host row: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// SetEnabled flips a host's enabled flag (operator Enable/Disable,
// spec.md §4.2).
func (s *Store) SetEnabled(ctx context.Context, hostID string, enabled bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE hosts SET enabled = $2, updated_at = now() WHERE host_id = $1`, hostID, enabled)
	if err != nil {
		return fmt.Errorf("setting host enabled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// RegisterSession swaps a host's bootstrap token for a fresh session token
// hash and expiry, once the bootstrap token has been verified by the caller
// (spec.md §4.2 Register).
func (s *Store) RegisterSession(ctx context.Context, hostID, sessionTokenHash string, expiresAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE hosts SET session_token_hash = $2, session_expires_at = $3, updated_at = now() WHERE host_id = $1`,
		hostID, sessionTokenHash, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("registering session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// Heartbeat updates a host's declared capacity and last_seen timestamp
// (spec.md §4.2 Heartbeat).
func (s *Store) Heartbeat(ctx context.Context, hostID string, cpuFree, ramFreeMB int, ioPressure float64, seenAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE hosts SET cpu_free = $2, ram_free_mb = $3, io_pressure = $4, last_seen = $5, updated_at = now() WHERE host_id = $1`,
		hostID, cpuFree, ramFreeMB, ioPressure, seenAt,
	)
	if err != nil {
		return fmt.Errorf("recording heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}
