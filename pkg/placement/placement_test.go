package placement

import (
	"testing"
	"time"

	"github.com/greenlease/fleetplane/pkg/store"
)

func alwaysSchedulable(h store.Host, now time.Time, cpuDemand, ramDemandMB int) bool {
	return h.Enabled && h.CPUFree >= cpuDemand && h.RAMFreeMB >= ramDemandMB
}

func servesAnyLabel(h store.Host, label string) bool {
	for _, l := range h.Labels {
		if l == label {
			return true
		}
	}
	return len(h.Labels) == 0
}

func TestPlacer_Pick_PrefersLowerIOPressure(t *testing.T) {
	p := New(alwaysSchedulable, servesAnyLabel, time.Minute)
	now := time.Now()

	hosts := []store.Host{
		{HostID: "h1", Enabled: true, CPUFree: 4, RAMFreeMB: 4096, IOPressure: 0.5},
		{HostID: "h2", Enabled: true, CPUFree: 4, RAMFreeMB: 4096, IOPressure: 0.1},
	}

	result := p.Pick(hosts, Request{Label: "l", CPUDemand: 1, RAMDemandMB: 512}, now)
	if result.HostID != "h2" {
		t.Errorf("Pick() = %q, want h2 (lower io_pressure)", result.HostID)
	}
}

func TestPlacer_Pick_TieBreaksByHostID(t *testing.T) {
	p := New(alwaysSchedulable, servesAnyLabel, time.Minute)
	now := time.Now()

	hosts := []store.Host{
		{HostID: "zzz", Enabled: true, CPUFree: 4, RAMFreeMB: 4096, IOPressure: 0},
		{HostID: "aaa", Enabled: true, CPUFree: 4, RAMFreeMB: 4096, IOPressure: 0},
	}

	result := p.Pick(hosts, Request{Label: "l", CPUDemand: 1, RAMDemandMB: 512}, now)
	if result.HostID != "aaa" {
		t.Errorf("Pick() = %q, want aaa (tie broken by host_id)", result.HostID)
	}
}

func TestPlacer_Pick_NoHostsEnabled(t *testing.T) {
	p := New(alwaysSchedulable, servesAnyLabel, time.Minute)
	hosts := []store.Host{{HostID: "h1", Enabled: false}}

	result := p.Pick(hosts, Request{Label: "l", CPUDemand: 1, RAMDemandMB: 512}, time.Now())
	if result.Reject != NoHostsEnabled {
		t.Errorf("Pick().Reject = %q, want %q", result.Reject, NoHostsEnabled)
	}
}

func TestPlacer_Pick_LabelNotServed(t *testing.T) {
	p := New(alwaysSchedulable, func(h store.Host, label string) bool { return false }, time.Minute)
	hosts := []store.Host{{HostID: "h1", Enabled: true, CPUFree: 4, RAMFreeMB: 4096}}

	result := p.Pick(hosts, Request{Label: "gpu", CPUDemand: 1, RAMDemandMB: 512}, time.Now())
	if result.Reject != LabelNotServed {
		t.Errorf("Pick().Reject = %q, want %q", result.Reject, LabelNotServed)
	}
}

func TestPlacer_Pick_InsufficientCapacity(t *testing.T) {
	p := New(alwaysSchedulable, servesAnyLabel, time.Minute)
	hosts := []store.Host{{HostID: "h1", Enabled: true, CPUFree: 0, RAMFreeMB: 0}}

	result := p.Pick(hosts, Request{Label: "l", CPUDemand: 1, RAMDemandMB: 512}, time.Now())
	if result.Reject != InsufficientCapacity {
		t.Errorf("Pick().Reject = %q, want %q", result.Reject, InsufficientCapacity)
	}
}

func TestPlacer_Pick_ReservationPreventsDoubleBooking(t *testing.T) {
	p := New(alwaysSchedulable, servesAnyLabel, time.Minute)
	now := time.Now()
	hosts := []store.Host{{HostID: "h1", Enabled: true, CPUFree: 1, RAMFreeMB: 512}}

	first := p.Pick(hosts, Request{Label: "l", CPUDemand: 1, RAMDemandMB: 512}, now)
	if first.HostID != "h1" {
		t.Fatalf("first Pick() = %+v, want h1 selected", first)
	}

	// Same snapshot (heartbeat hasn't refreshed free capacity yet): the
	// reservation should make h1 look fully booked.
	second := p.Pick(hosts, Request{Label: "l", CPUDemand: 1, RAMDemandMB: 512}, now)
	if second.Reject != InsufficientCapacity {
		t.Errorf("second Pick().Reject = %q, want %q (reservation should block double-booking)", second.Reject, InsufficientCapacity)
	}

	p.DecayHost("h1")
	third := p.Pick(hosts, Request{Label: "l", CPUDemand: 1, RAMDemandMB: 512}, now)
	if third.HostID != "h1" {
		t.Errorf("third Pick() after DecayHost = %+v, want h1 available again", third)
	}
}

func TestPlacer_Cooldown(t *testing.T) {
	p := New(alwaysSchedulable, servesAnyLabel, time.Minute)
	now := time.Now()

	if p.CooldownActive("l", now) {
		t.Fatal("expected no cooldown initially")
	}

	p.SetCooldown("l", now.Add(30*time.Second))
	if !p.CooldownActive("l", now) {
		t.Error("expected cooldown active immediately after SetCooldown")
	}
	if p.CooldownActive("l", now.Add(time.Minute)) {
		t.Error("expected cooldown expired after its window")
	}
}
