package lease

import "testing"

func TestValidTransition_AllowedEdges(t *testing.T) {
	tests := []struct {
		name string
		from State
		to   State
	}{
		{"place", Requested, Provisioning},
		{"node-agent put ok", Provisioning, Booting},
		{"node-agent put failed", Provisioning, Failed},
		{"controller online", Booting, Connecting},
		{"never connected past connect deadline", Booting, Terminating},
		{"node-agent vm missing after provisioning", Booting, Failed},
		{"job assigned", Connecting, Running},
		{"connect deadline", Connecting, Terminating},
		{"job done or ttl or disconnect", Running, Terminating},
		{"delete ok", Terminating, Terminated},
		{"delete failed retry", Terminating, Terminating},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !ValidTransition(tt.from, tt.to) {
				t.Errorf("ValidTransition(%s, %s) = false, want true", tt.from, tt.to)
			}
		})
	}
}

func TestValidTransition_RejectedEdges(t *testing.T) {
	tests := []struct {
		name string
		from State
		to   State
	}{
		{"no skipping provisioning", Requested, Booting},
		{"no backward from booting", Booting, Requested},
		{"no backward from connecting", Connecting, Provisioning},
		{"no backward from running", Running, Connecting},
		{"terminated is terminal", Terminated, Running},
		{"failed is terminal", Failed, Requested},
		{"no direct requested to running", Requested, Running},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if ValidTransition(tt.from, tt.to) {
				t.Errorf("ValidTransition(%s, %s) = true, want false", tt.from, tt.to)
			}
		})
	}
}

func TestState_Terminal(t *testing.T) {
	for _, s := range []State{Terminated, Failed} {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false, want true", s)
		}
	}
	for _, s := range []State{Requested, Provisioning, Booting, Connecting, Running, Terminating} {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true, want false", s)
		}
	}
}
