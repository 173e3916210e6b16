package hostregistry

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/greenlease/fleetplane/internal/httpserver"
	"github.com/greenlease/fleetplane/internal/ratelimit"
	"github.com/greenlease/fleetplane/internal/telemetry"
)

// Handler exposes the node-agent-facing inbound endpoints (spec.md §6
// "Node-agent → control plane (inbound)").
type Handler struct {
	registry    *Registry
	logger      *slog.Logger
	authLimiter *ratelimit.Limiter // nil disables rate limiting
}

// NewHandler creates a Handler. authLimiter may be nil to disable
// per-host auth rate limiting.
func NewHandler(registry *Registry, logger *slog.Logger, authLimiter *ratelimit.Limiter) *Handler {
	return &Handler{registry: registry, logger: logger, authLimiter: authLimiter}
}

// checkAuthRateLimit reports whether hostID is still allowed to attempt
// authentication, writing a 429 and returning false if not.
func (h *Handler) checkAuthRateLimit(w http.ResponseWriter, r *http.Request, hostID string) bool {
	if h.authLimiter == nil {
		return true
	}
	result, err := h.authLimiter.Check(r.Context(), hostID)
	if err != nil {
		h.logger.Warn("auth rate limit check failed, allowing request", "host_id", hostID, "error", err)
		return true
	}
	if !result.Allowed {
		httpserver.RespondError(w, http.StatusTooManyRequests, "rate_limited", "too many failed authentication attempts")
		return false
	}
	return true
}

// Routes returns a chi.Router with the register/heartbeat endpoints mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/{host_id}/register", h.handleRegister)
	r.Post("/{host_id}/heartbeat", h.handleHeartbeat)
	return r
}

type registerRequest struct {
	BootstrapToken        string   `json:"bootstrap_token" validate:"required"`
	NodeAgentURL          string   `json:"node_agent_url" validate:"required,url"`
	OSFamily              string   `json:"os_family"`
	OSFlavor              string   `json:"os_flavor"`
	CPUArch               string   `json:"cpu_arch"`
	SelectedAccelerator   string   `json:"selected_accelerator"`
	SupportedAccelerators []string `json:"supported_accelerators"`
	CPUTotal              int      `json:"cpu_total" validate:"gte=0"`
	CPUFree               int      `json:"cpu_free" validate:"gte=0"`
	RAMTotalMB            int      `json:"ram_total_mb" validate:"gte=0"`
	RAMFreeMB             int      `json:"ram_free_mb" validate:"gte=0"`
	IOPressure            float64  `json:"io_pressure" validate:"gte=0,lte=1"`
}

type registerResponse struct {
	SessionToken string `json:"session_token"`
	ExpiresAt    string `json:"session_expiry"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	hostID := chi.URLParam(r, "host_id")

	var req registerRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if !h.checkAuthRateLimit(w, r, hostID) {
		return
	}

	token, expiresAt, err := h.registry.Register(r.Context(), hostID, req.BootstrapToken, req.NodeAgentURL,
		PlatformTuple{
			OSFamily:              req.OSFamily,
			OSFlavor:              req.OSFlavor,
			CPUArch:               req.CPUArch,
			SelectedAccelerator:   req.SelectedAccelerator,
			SupportedAccelerators: req.SupportedAccelerators,
		},
		Capacity{
			CPUTotal:   req.CPUTotal,
			CPUFree:    req.CPUFree,
			RAMTotalMB: req.RAMTotalMB,
			RAMFreeMB:  req.RAMFreeMB,
			IOPressure: req.IOPressure,
		},
	)
	if err != nil {
		h.recordAuthFailure(r, hostID, err)
		h.respondRegistryErr(w, hostID, err)
		return
	}
	h.resetAuthRateLimit(r, hostID)

	httpserver.Respond(w, http.StatusOK, registerResponse{
		SessionToken: token,
		ExpiresAt:    expiresAt.Format("2006-01-02T15:04:05Z07:00"),
	})
}

type heartbeatRequest struct {
	SessionToken string   `json:"session_token" validate:"required"`
	CPUFree      int      `json:"cpu_free" validate:"gte=0"`
	RAMFreeMB    int      `json:"ram_free_mb" validate:"gte=0"`
	IOPressure   float64  `json:"io_pressure" validate:"gte=0,lte=1"`
	ActiveVMIDs  []string `json:"active_vm_ids"`
}

func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	hostID := chi.URLParam(r, "host_id")

	var req heartbeatRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if !h.checkAuthRateLimit(w, r, hostID) {
		return
	}

	err := h.registry.Heartbeat(r.Context(), hostID, req.SessionToken, Capacity{
		CPUFree:    req.CPUFree,
		RAMFreeMB:  req.RAMFreeMB,
		IOPressure: req.IOPressure,
	})
	if err != nil {
		h.recordAuthFailure(r, hostID, err)
		h.respondRegistryErr(w, hostID, err)
		return
	}
	h.resetAuthRateLimit(r, hostID)

	// active_vm_ids is accepted but neither used nor persisted; the
	// reconciler calls the node-agent client directly for inventory.
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

// recordAuthFailure counts a failed auth attempt toward hostID's rate
// limit, but only for genuine auth rejections — a 5xx-causing store error
// shouldn't cost the host its attempt budget.
func (h *Handler) recordAuthFailure(r *http.Request, hostID string, err error) {
	if h.authLimiter == nil {
		return
	}
	if !errors.Is(err, ErrAuth) && !errors.Is(err, ErrUnknownHost) {
		return
	}
	if rlErr := h.authLimiter.RecordFailure(r.Context(), hostID); rlErr != nil {
		h.logger.Warn("recording auth rate limit failure failed", "host_id", hostID, "error", rlErr)
	}
}

func (h *Handler) resetAuthRateLimit(r *http.Request, hostID string) {
	if h.authLimiter == nil {
		return
	}
	if err := h.authLimiter.Reset(r.Context(), hostID); err != nil {
		h.logger.Warn("resetting auth rate limit failed", "host_id", hostID, "error", err)
	}
}

func (h *Handler) respondRegistryErr(w http.ResponseWriter, hostID string, err error) {
	switch {
	case errors.Is(err, ErrAuth), errors.Is(err, ErrUnknownHost):
		reason := "auth_failed"
		if errors.Is(err, ErrUnknownHost) {
			reason = "unknown_host"
		}
		telemetry.AuthFailTotal.WithLabelValues(reason).Inc()
		h.logger.Warn("host registry auth rejected", "host_id", hostID, "error", err)
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "authentication failed")
	default:
		h.logger.Error("host registry request failed", "host_id", hostID, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "request failed")
	}
}
