// Package placement selects a host for a new lease under capacity,
// admission, and label constraints (spec.md §4.4). Its reservation and
// cooldown caches are deliberately in-memory only — spec.md §5 calls them
// "the only in-memory caches," advisory and "lost on restart, which is
// harmless." Backing them with Redis would make them look authoritative,
// which the spec explicitly forbids.
package placement

import (
	"sort"
	"sync"
	"time"

	"github.com/greenlease/fleetplane/pkg/store"
)

// RejectReason is returned when no host can be placed (spec.md §4.4).
type RejectReason string

const (
	NoHostsEnabled      RejectReason = "NO_HOSTS_ENABLED"
	InsufficientCapacity RejectReason = "INSUFFICIENT_CAPACITY"
	LabelNotServed      RejectReason = "LABEL_NOT_SERVED"
)

// Request is a placement ask: a label and its resource demand.
type Request struct {
	Label       string
	CPUDemand   int
	RAMDemandMB int
}

// Result is either a chosen host or a rejection reason.
type Result struct {
	HostID string
	Reject RejectReason
}

// SchedulableFunc is injected so placement doesn't need to know about
// heartbeat/staleness config directly — it asks the host registry's pure
// predicate for each candidate.
type SchedulableFunc func(h store.Host, now time.Time, cpuDemand, ramDemandMB int) bool

// ServesLabelFunc reports whether a host serves the given label, e.g. via its
// platform tuple or an explicit label→hosts map (spec.md §4.4).
type ServesLabelFunc func(h store.Host, label string) bool

// reservation is a short-lived in-memory hold on a host's declared free
// capacity, dropped once it is older than the Placer's reservation TTL or
// when DecayHost is called for its host (spec.md §4.4).
type reservation struct {
	cpu int
	ram int
	at  time.Time
}

// Placer scores and picks hosts for new leases.
type Placer struct {
	schedulable SchedulableFunc
	servesLabel ServesLabelFunc
	ttl         time.Duration

	mu           sync.Mutex
	reservations map[string][]reservation // host_id -> active reservations
	cooldowns    map[string]time.Time      // label -> cooldown expiry
}

// New creates a Placer. reservationTTL bounds how long an in-memory
// reservation is honored before it is assumed stale. DecayHost clears a
// host's reservations sooner; the heartbeat path does not call it.
func New(schedulable SchedulableFunc, servesLabel ServesLabelFunc, reservationTTL time.Duration) *Placer {
	return &Placer{
		schedulable:  schedulable,
		servesLabel:  servesLabel,
		ttl:          reservationTTL,
		reservations: make(map[string][]reservation),
		cooldowns:    make(map[string]time.Time),
	}
}

// Pick selects the best host for req among candidates, scoring by lower
// io_pressure, then most free RAM, then most free CPU, breaking ties by
// host_id (spec.md §4.4).
func (p *Placer) Pick(candidates []store.Host, req Request, now time.Time) Result {
	var eligible []store.Host
	anyEnabled := false
	anyServesLabel := false

	for _, h := range candidates {
		if h.Enabled {
			anyEnabled = true
		}
		if !p.servesLabel(h, req.Label) {
			continue
		}
		anyServesLabel = true

		cpuFree, ramFree := h.CPUFree, h.RAMFreeMB
		if res := p.reservedAmount(h.HostID, now); res != nil {
			cpuFree -= res.cpu
			ramFree -= res.ram
		}
		h.CPUFree, h.RAMFreeMB = cpuFree, ramFree

		if !p.schedulable(h, now, req.CPUDemand, req.RAMDemandMB) {
			continue
		}
		eligible = append(eligible, h)
	}

	if !anyEnabled {
		return Result{Reject: NoHostsEnabled}
	}
	if !anyServesLabel {
		return Result{Reject: LabelNotServed}
	}
	if len(eligible) == 0 {
		return Result{Reject: InsufficientCapacity}
	}

	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.IOPressure != b.IOPressure {
			return a.IOPressure < b.IOPressure
		}
		if a.RAMFreeMB != b.RAMFreeMB {
			return a.RAMFreeMB > b.RAMFreeMB
		}
		if a.CPUFree != b.CPUFree {
			return a.CPUFree > b.CPUFree
		}
		return a.HostID < b.HostID
	})

	chosen := eligible[0]
	p.reserve(chosen.HostID, req.CPUDemand, req.RAMDemandMB, now)
	return Result{HostID: chosen.HostID}
}

func (p *Placer) reserve(hostID string, cpu, ram int, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reservations[hostID] = append(p.reservations[hostID], reservation{cpu: cpu, ram: ram, at: now})
}

// reservedAmount sums non-expired reservations for a host.
func (p *Placer) reservedAmount(hostID string, now time.Time) *reservation {
	p.mu.Lock()
	defer p.mu.Unlock()

	list := p.reservations[hostID]
	if len(list) == 0 {
		return nil
	}

	var live []reservation
	total := reservation{}
	for _, r := range list {
		if now.Sub(r.at) > p.ttl {
			continue
		}
		live = append(live, r)
		total.cpu += r.cpu
		total.ram += r.ram
	}
	p.reservations[hostID] = live
	if total.cpu == 0 && total.ram == 0 {
		return nil
	}
	return &total
}

// DecayHost clears all of a host's reservations at once. Nothing in the
// heartbeat path calls it, so outside of direct calls reservations lapse
// only by the reservation TTL.
func (p *Placer) DecayHost(hostID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.reservations, hostID)
}

// CooldownActive reports whether a label is still in its post-launch
// cooldown window (spec.md §4.6).
func (p *Placer) CooldownActive(label string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	until, ok := p.cooldowns[label]
	return ok && now.Before(until)
}

// SetCooldown starts a cooldown window for a label.
func (p *Placer) SetCooldown(label string, until time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cooldowns[label] = until
}
