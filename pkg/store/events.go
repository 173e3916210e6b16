package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Event is an append-only log entry emitted at every state transition and
// every external call outcome (spec.md §3 "Event").
type Event struct {
	ID        int64
	Timestamp time.Time
	LeaseID   *uuid.UUID
	EventType string
	Payload   json.RawMessage
}

// InsertEvent appends an event inside tx, coupling it to the triggering
// transition (spec.md §4.1 "event insertion is always coupled with its
// triggering state transition in the same transaction").
func (s *Store) InsertEvent(ctx context.Context, tx DBTX, leaseID *uuid.UUID, eventType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling event payload: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO events (lease_id, event_type, payload) VALUES ($1, $2, $3)`,
		leaseID, eventType, raw,
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

// InsertEventNoTx appends a standalone event not coupled to a CAS
// transition, e.g. a retry note the GC emits alongside a failed DELETE that
// itself left lease state unchanged (spec.md §4.8 "emit
// lease.terminate_retry").
func (s *Store) InsertEventNoTx(ctx context.Context, leaseID *uuid.UUID, eventType string, payload any) error {
	return s.InsertEvent(ctx, s.pool, leaseID, eventType, payload)
}

// ListEvents returns events newest-first, optionally scoped to one lease,
// limited and offset; the /ui snapshot is its caller (there is no
// /v1/events route).
func (s *Store) ListEvents(ctx context.Context, leaseID *uuid.UUID, limit, offset int) ([]Event, error) {
	var rows pgx.Rows
	var err error
	if leaseID != nil {
		rows, err = s.pool.Query(ctx,
			`SELECT id, timestamp, lease_id, event_type, payload FROM events
			 WHERE lease_id = $1 ORDER BY id DESC LIMIT $2 OFFSET $3`,
			*leaseID, limit, offset,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT id, timestamp, lease_id, event_type, payload FROM events
			 ORDER BY id DESC LIMIT $1 OFFSET $2`,
			limit, offset,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.LeaseID, &e.EventType, &e.Payload); err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
