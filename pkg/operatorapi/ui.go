package operatorapi

import (
	"context"
	"encoding/json"
	"html/template"
	"net/http"
	"time"

	"github.com/greenlease/fleetplane/internal/httpserver"
	"github.com/greenlease/fleetplane/pkg/store"
)

// Snapshot is the fixed shape embedded into the /ui page (spec.md §6
// "Snapshot shape is fixed and documented; the page does not poll APIs").
type Snapshot struct {
	GeneratedAt string          `json:"generated_at"`
	Hosts       []hostSnapshot  `json:"hosts"`
	Leases      []leaseResponse `json:"leases"`
	Events      []eventSnapshot `json:"events"`
	Counts      map[string]int  `json:"counts"`
}

type hostSnapshot struct {
	HostID     string   `json:"host_id"`
	Enabled    bool     `json:"enabled"`
	LastSeen   *string  `json:"last_seen,omitempty"`
	CPUFree    int      `json:"cpu_free"`
	RAMFreeMB  int      `json:"ram_free_mb"`
	IOPressure float64  `json:"io_pressure"`
	Labels     []string `json:"labels"`
}

type eventSnapshot struct {
	ID        int64   `json:"id"`
	Timestamp string  `json:"timestamp"`
	LeaseID   *string `json:"lease_id,omitempty"`
	EventType string  `json:"event_type"`
}

// buildSnapshot assembles the current dashboard snapshot.
func (h *Handler) buildSnapshot(ctx context.Context) (Snapshot, error) {
	hosts, err := h.store.ListHosts(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	leases, err := h.store.ListLeases(ctx, store.LeaseFilters{}, 500, 0)
	if err != nil {
		return Snapshot{}, err
	}
	events, err := h.store.ListEvents(ctx, nil, 200, 0)
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Counts:      make(map[string]int),
	}

	for _, hst := range hosts {
		var lastSeen *string
		if hst.LastSeen != nil {
			s := hst.LastSeen.Format(time.RFC3339)
			lastSeen = &s
		}
		snap.Hosts = append(snap.Hosts, hostSnapshot{
			HostID:     hst.HostID,
			Enabled:    hst.Enabled,
			LastSeen:   lastSeen,
			CPUFree:    hst.CPUFree,
			RAMFreeMB:  hst.RAMFreeMB,
			IOPressure: hst.IOPressure,
			Labels:     hst.Labels,
		})
	}

	for _, l := range leases {
		snap.Leases = append(snap.Leases, toLeaseResponse(l))
		snap.Counts[string(l.State)]++
	}

	for _, e := range events {
		var leaseID *string
		if e.LeaseID != nil {
			s := e.LeaseID.String()
			leaseID = &s
		}
		snap.Events = append(snap.Events, eventSnapshot{
			ID:        e.ID,
			Timestamp: e.Timestamp.Format(time.RFC3339),
			LeaseID:   leaseID,
			EventType: e.EventType,
		})
	}

	return snap, nil
}

var uiTemplate = template.Must(template.New("ui").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>fleetplane</title>
<style>
body { font-family: -apple-system, sans-serif; margin: 2rem; background: #0b0e14; color: #c8ccd4; }
table { border-collapse: collapse; width: 100%; margin-bottom: 2rem; }
th, td { text-align: left; padding: 0.35rem 0.75rem; border-bottom: 1px solid #2a2f3a; font-size: 0.85rem; }
th { color: #7a8599; font-weight: 600; }
h1 { font-size: 1.1rem; }
h2 { font-size: 0.95rem; color: #9aa5b8; margin-top: 2rem; }
.state { font-family: monospace; }
</style>
</head>
<body>
<h1>fleetplane — generated {{.GeneratedAt}}</h1>
<h2>leases ({{len .Leases}})</h2>
<table>
<tr><th>lease_id</th><th>label</th><th>state</th><th>host_id</th><th>last_error</th></tr>
{{range .Leases}}<tr><td>{{.LeaseID}}</td><td>{{.Label}}</td><td class="state">{{.State}}</td><td>{{.HostID}}</td><td>{{.LastError}}</td></tr>
{{end}}
</table>
<h2>hosts ({{len .Hosts}})</h2>
<table>
<tr><th>host_id</th><th>enabled</th><th>last_seen</th><th>cpu_free</th><th>ram_free_mb</th></tr>
{{range .Hosts}}<tr><td>{{.HostID}}</td><td>{{.Enabled}}</td><td>{{.LastSeen}}</td><td>{{.CPUFree}}</td><td>{{.RAMFreeMB}}</td></tr>
{{end}}
</table>
<h2>recent events</h2>
<table>
<tr><th>id</th><th>timestamp</th><th>lease_id</th><th>event_type</th></tr>
{{range .Events}}<tr><td>{{.ID}}</td><td>{{.Timestamp}}</td><td>{{.LeaseID}}</td><td>{{.EventType}}</td></tr>
{{end}}
</table>
<script id="snapshot" type="application/json">{{.SnapshotJSON}}</script>
</body>
</html>`))

type uiPageData struct {
	Snapshot
	SnapshotJSON template.JS
}

// HandleUI serves the read-only dashboard: a rendered HTML table plus the
// same data embedded as a JSON snapshot (spec.md §6 "/ui ... the page does
// not poll APIs").
func (h *Handler) HandleUI(w http.ResponseWriter, r *http.Request) {
	snap, err := h.buildSnapshot(r.Context())
	if err != nil {
		h.logger.Error("building ui snapshot failed", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "snapshot failed")
		return
	}

	raw, err := json.Marshal(snap)
	if err != nil {
		h.logger.Error("marshaling ui snapshot failed", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "snapshot failed")
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := uiTemplate.Execute(w, uiPageData{Snapshot: snap, SnapshotJSON: template.JS(raw)}); err != nil {
		h.logger.Error("rendering ui template failed", "error", err)
	}
}

// HandleSnapshot serves the raw JSON snapshot independent of the HTML page,
// useful for scripts and tests that only want the data.
func (h *Handler) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.buildSnapshot(r.Context())
	if err != nil {
		h.logger.Error("building snapshot failed", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "snapshot failed")
		return
	}
	httpserver.Respond(w, http.StatusOK, snap)
}
