package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/greenlease/fleetplane/pkg/lease"
)

// TransitionLease performs a lease's CAS transition and the event it
// triggers inside a single transaction (spec.md §4.1 "event insertion is
// always coupled with its triggering state transition in the same
// transaction. If the transition is rejected, no event is written"). ok is
// false when the lease had already moved past expectedOld — the caller
// yields without action (spec.md §4.3).
func (s *Store) TransitionLease(ctx context.Context, id uuid.UUID, expectedOld, next lease.State, eventType lease.EventType, payload lease.EventPayload) (ok bool, err error) {
	err = s.WithTx(ctx, func(tx pgx.Tx) error {
		var txErr error
		ok, txErr = s.UpdateLeaseState(ctx, tx, id, expectedOld, next, lastErrorFor(next, payload))
		if txErr != nil {
			return txErr
		}
		if !ok {
			return nil
		}
		payload.PriorState = expectedOld
		payload.NewState = next
		return s.InsertEvent(ctx, tx, &id, string(eventType), payload)
	})
	return ok, err
}

// PlaceAndTransition assigns host_id and performs the REQUESTED→PROVISIONING
// CAS atomically, satisfying invariant 2 ("a lease in any state after
// REQUESTED has a non-null host_id") without a window where the lease is
// PROVISIONING and host-less.
func (s *Store) PlaceAndTransition(ctx context.Context, id uuid.UUID, hostID string, next lease.State, eventType lease.EventType, payload lease.EventPayload) (ok bool, err error) {
	err = s.WithTx(ctx, func(tx pgx.Tx) error {
		var txErr error
		ok, txErr = s.UpdateLeaseState(ctx, tx, id, lease.Requested, next, nil)
		if txErr != nil {
			return txErr
		}
		if !ok {
			return nil
		}
		if placeErr := s.PlaceLease(ctx, tx, id, hostID); placeErr != nil {
			return placeErr
		}
		payload.PriorState = lease.Requested
		payload.NewState = next
		payload.HostID = hostID
		return s.InsertEvent(ctx, tx, &id, string(eventType), payload)
	})
	return ok, err
}

// lastErrorFor derives the human-readable last_error text for terminal or
// terminating transitions; other transitions leave last_error untouched.
func lastErrorFor(next lease.State, payload lease.EventPayload) *string {
	if next != lease.Failed && next != lease.Terminating {
		return nil
	}
	msg := string(payload.Reason)
	if payload.ErrorDetail != "" {
		msg += ": " + payload.ErrorDetail
	}
	return &msg
}

// CountLeasesByState returns the current count of leases in each state,
// used to refresh the leases_by_state gauge (spec.md §6).
func (s *Store) CountLeasesByState(ctx context.Context) (map[lease.State]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT state, count(*) FROM leases GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[lease.State]int)
	for rows.Next() {
		var st lease.State
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[st] = n
	}
	return out, rows.Err()
}
