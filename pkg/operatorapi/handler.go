// Package operatorapi implements the operator-facing HTTP surface of
// spec.md §6: lease listing and forced termination, host enable/disable,
// and the read-only /ui snapshot. It never mutates lease state itself
// beyond the operator-forced terminate, which is just another CAS.
package operatorapi

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/greenlease/fleetplane/internal/httpserver"
	"github.com/greenlease/fleetplane/pkg/hostregistry"
	"github.com/greenlease/fleetplane/pkg/lease"
	"github.com/greenlease/fleetplane/pkg/store"
)

// Handler exposes the operator API (spec.md §6 "Operator HTTP API").
type Handler struct {
	store    *store.Store
	registry *hostregistry.Registry
	logger   *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(st *store.Store, registry *hostregistry.Registry, logger *slog.Logger) *Handler {
	return &Handler{store: st, registry: registry, logger: logger}
}

// LeaseRoutes returns a chi.Router with the lease listing/terminate
// endpoints mounted, meant to be mounted at /v1/leases.
func (h *Handler) LeaseRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleListLeases)
	r.Post("/{lease_id}/terminate", h.handleTerminateLease)
	return r
}

// HandleEnableHost and HandleDisableHost are mounted by the caller onto the
// same /v1/hosts/{host_id} router the host registry's inbound register/
// heartbeat endpoints use (spec.md §6 "POST /v1/hosts/{host_id}/
// {enable|disable}").
func (h *Handler) HandleEnableHost(w http.ResponseWriter, r *http.Request)  { h.handleSetHostEnabled(true)(w, r) }
func (h *Handler) HandleDisableHost(w http.ResponseWriter, r *http.Request) { h.handleSetHostEnabled(false)(w, r) }

type leaseResponse struct {
	LeaseID            string  `json:"lease_id"`
	VMID               string  `json:"vm_id"`
	Label              string  `json:"label"`
	ControllerNodeName string  `json:"controller_node_name"`
	State              string  `json:"state"`
	HostID             *string `json:"host_id"`
	CreatedAt          string  `json:"created_at"`
	UpdatedAt          string  `json:"updated_at"`
	ConnectDeadline    string  `json:"connect_deadline"`
	TTLDeadline        string  `json:"ttl_deadline"`
	LastHeartbeat      *string `json:"last_heartbeat,omitempty"`
	LastError          *string `json:"last_error,omitempty"`
}

func toLeaseResponse(l lease.Lease) leaseResponse {
	resp := leaseResponse{
		LeaseID:            l.LeaseID.String(),
		VMID:               l.VMID.String(),
		Label:              l.Label,
		ControllerNodeName: l.ControllerNodeName,
		State:              string(l.State),
		HostID:             l.HostID,
		CreatedAt:          l.CreatedAt.Format(time.RFC3339),
		UpdatedAt:          l.UpdatedAt.Format(time.RFC3339),
		ConnectDeadline:    l.ConnectDeadline.Format(time.RFC3339),
		TTLDeadline:        l.TTLDeadline.Format(time.RFC3339),
		LastError:          l.LastError,
	}
	if l.LastHeartbeat != nil {
		s := l.LastHeartbeat.Format(time.RFC3339)
		resp.LastHeartbeat = &s
	}
	return resp
}

// handleListLeases implements GET /v1/leases with label/state/host_id
// filters (spec.md §6).
func (h *Handler) handleListLeases(w http.ResponseWriter, r *http.Request) {
	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	filters := store.LeaseFilters{
		Label:  r.URL.Query().Get("label"),
		State:  r.URL.Query().Get("state"),
		HostID: r.URL.Query().Get("host_id"),
	}

	leases, err := h.store.ListLeases(r.Context(), filters, params.PageSize, params.Offset)
	if err != nil {
		h.logger.Error("listing leases failed", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "listing leases failed")
		return
	}

	items := make([]leaseResponse, 0, len(leases))
	for _, l := range leases {
		items = append(items, toLeaseResponse(l))
	}

	httpserver.Respond(w, http.StatusOK, httpserver.NewOffsetPage(items, params, len(items)))
}

// handleTerminateLease implements POST /v1/leases/{lease_id}/terminate:
// forces a non-terminal lease into TERMINATING regardless of its current
// state (spec.md §6 "forces lease to TERMINATING").
func (h *Handler) handleTerminateLease(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "lease_id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid lease_id")
		return
	}

	l, err := h.store.GetLease(r.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "lease not found")
			return
		}
		h.logger.Error("looking up lease for terminate failed", "lease_id", id, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "lookup failed")
		return
	}

	if l.State.Terminal() {
		httpserver.RespondError(w, http.StatusConflict, "conflict", "lease is already terminal")
		return
	}
	if l.State == lease.Terminating {
		httpserver.Respond(w, http.StatusOK, toLeaseResponse(l))
		return
	}

	ok, err := h.store.TransitionLease(r.Context(), id, l.State, lease.Terminating,
		lease.EventLeaseTerminating, lease.EventPayload{Reason: lease.ReasonOperatorForced})
	if err != nil {
		h.logger.Error("CAS ->terminating (operator forced) failed", "lease_id", id, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "transition failed")
		return
	}
	if !ok {
		// Lost the race with another loop moving this lease; the CAS wrote
		// nothing (spec.md §4.3 "yields without action"), so answer 409 and
		// let the operator retry against the new state.
		httpserver.RespondError(w, http.StatusConflict, "conflict", "lease state changed concurrently, retry")
		return
	}

	l.State = lease.Terminating
	httpserver.Respond(w, http.StatusOK, toLeaseResponse(l))
}

// handleSetHostEnabled implements POST /v1/hosts/{host_id}/{enable|disable}
// (spec.md §4.2 "Operator-only. Disabled hosts are excluded from placement
// but existing leases continue; disable does not terminate running VMs").
func (h *Handler) handleSetHostEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hostID := chi.URLParam(r, "host_id")
		if err := h.registry.SetEnabled(r.Context(), hostID, enabled); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				httpserver.RespondError(w, http.StatusNotFound, "not_found", "host not found")
				return
			}
			h.logger.Error("setting host enabled failed", "host_id", hostID, "enabled", enabled, "error", err)
			httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "update failed")
			return
		}
		httpserver.Respond(w, http.StatusOK, map[string]any{"host_id": hostID, "enabled": enabled})
	}
}
