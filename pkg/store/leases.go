package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/greenlease/fleetplane/pkg/lease"
)

const leaseColumns = `lease_id, vm_id, label, controller_node_name, state, host_id,
	cpu_demand, ram_demand_mb, created_at, updated_at, connect_deadline, ttl_deadline,
	last_heartbeat, connected_at, last_error, terminate_retry_count`

func scanLease(row pgx.Row) (lease.Lease, error) {
	var l lease.Lease
	err := row.Scan(
		&l.LeaseID, &l.VMID, &l.Label, &l.ControllerNodeName, &l.State, &l.HostID,
		&l.CPUDemand, &l.RAMDemandMB, &l.CreatedAt, &l.UpdatedAt, &l.ConnectDeadline, &l.TTLDeadline,
		&l.LastHeartbeat, &l.ConnectedAt, &l.LastError, &l.TerminateRetryCount,
	)
	return l, err
}

func scanLeases(rows pgx.Rows) ([]lease.Lease, error) {
	defer rows.Close()
	var out []lease.Lease
	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning lease row: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// CreateLease inserts a new REQUESTED lease (spec.md §4.1 "create_lease").
func (s *Store) CreateLease(ctx context.Context, l lease.Lease) (lease.Lease, error) {
	query := `INSERT INTO leases (
		lease_id, vm_id, label, controller_node_name, state,
		cpu_demand, ram_demand_mb, created_at, updated_at, connect_deadline, ttl_deadline
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	RETURNING ` + leaseColumns
	row := s.pool.QueryRow(ctx, query,
		l.LeaseID, l.VMID, l.Label, l.ControllerNodeName, l.State,
		l.CPUDemand, l.RAMDemandMB, l.CreatedAt, l.UpdatedAt, l.ConnectDeadline, l.TTLDeadline,
	)
	return scanLease(row)
}

// GetLease returns a single lease by id.
func (s *Store) GetLease(ctx context.Context, id uuid.UUID) (lease.Lease, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+leaseColumns+` FROM leases WHERE lease_id = $1`, id)
	return scanLease(row)
}

// LeaseFilters narrows ListLeases (spec.md §6 "GET /v1/leases filters").
type LeaseFilters struct {
	Label  string
	State  string
	HostID string
}

// ListLeases returns leases matching filters, newest first, offset-paginated.
func (s *Store) ListLeases(ctx context.Context, f LeaseFilters, limit, offset int) ([]lease.Lease, error) {
	where := []string{"true"}
	var args []any
	argN := 1
	if f.Label != "" {
		where = append(where, fmt.Sprintf("label = $%d", argN))
		args = append(args, f.Label)
		argN++
	}
	if f.State != "" {
		where = append(where, fmt.Sprintf("state = $%d", argN))
		args = append(args, f.State)
		argN++
	}
	if f.HostID != "" {
		where = append(where, fmt.Sprintf("host_id = $%d", argN))
		args = append(args, f.HostID)
		argN++
	}

	query := fmt.Sprintf(
		`SELECT %s FROM leases WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		leaseColumns, joinAnd(where), argN, argN+1,
	)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing leases: %w", err)
	}
	return scanLeases(rows)
}

// NonTerminalLeases returns every lease not in TERMINATED or FAILED, used
// both for restart recovery (spec.md §4.1) and the reconciler's three-way
// diff (spec.md §4.7).
func (s *Store) NonTerminalLeases(ctx context.Context) ([]lease.Lease, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+leaseColumns+` FROM leases WHERE state NOT IN ('TERMINATED', 'FAILED')`)
	if err != nil {
		return nil, fmt.Errorf("listing non-terminal leases: %w", err)
	}
	return scanLeases(rows)
}

// LeasesByLabelAndStates returns non-terminal leases for a label whose state
// is in the given set, used by the scaler to compute inflight/idle counts
// (spec.md §4.6).
func (s *Store) LeasesByLabelAndStates(ctx context.Context, label string, states []lease.State) ([]lease.Lease, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+leaseColumns+` FROM leases WHERE label = $1 AND state = ANY($2)`,
		label, states,
	)
	if err != nil {
		return nil, fmt.Errorf("listing leases by label and states: %w", err)
	}
	return scanLeases(rows)
}

// PlaceLease assigns a host to a lease without changing or checking its
// state; PlaceAndTransition calls it after a successful CAS in the same
// transaction.
func (s *Store) PlaceLease(ctx context.Context, tx DBTX, id uuid.UUID, hostID string) error {
	tag, err := tx.Exec(ctx, `UPDATE leases SET host_id = $2, updated_at = now() WHERE lease_id = $1`, id, hostID)
	if err != nil {
		return fmt.Errorf("placing lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// UpdateLeaseState is the CAS transition every loop is bound to: the row is
// only updated if it is currently in expectedOld (spec.md §4.1
// "update_lease_state(old_expected, new)"). RowsAffected()==0 means the
// lease had already moved — the caller yields without action per
// spec.md §4.3 "a loop that observes an unexpected prior state yields
// without action."
func (s *Store) UpdateLeaseState(ctx context.Context, tx DBTX, id uuid.UUID, expectedOld, next lease.State, lastError *string) (bool, error) {
	tag, err := tx.Exec(ctx,
		`UPDATE leases SET state = $3, last_error = COALESCE($4, last_error), updated_at = now()
		 WHERE lease_id = $1 AND state = $2`,
		id, expectedOld, next, lastError,
	)
	if err != nil {
		return false, fmt.Errorf("updating lease state: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RecordHeartbeat sets last_heartbeat (and ConnectedAt the first time it is
// observed) for a lease whose controller node reported online.
func (s *Store) RecordHeartbeat(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE leases SET last_heartbeat = $2, connected_at = COALESCE(connected_at, $2), updated_at = now() WHERE lease_id = $1`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("recording lease heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// IncrementTerminateRetry bumps the per-lease TERMINATING retry counter
// (spec.md §5 in-memory cache (c), here persisted for restart safety).
func (s *Store) IncrementTerminateRetry(ctx context.Context, id uuid.UUID) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`UPDATE leases SET terminate_retry_count = terminate_retry_count + 1, updated_at = now()
		 WHERE lease_id = $1 RETURNING terminate_retry_count`,
		id,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("incrementing terminate retry: %w", err)
	}
	return count, nil
}

func joinAnd(clauses []string) string {
	out := clauses[0]
	for _, c := range clauses[1:] {
		out += " AND " + c
	}
	return out
}
