package config

import (
	"testing"
	"time"
)

func TestMergeTimeouts(t *testing.T) {
	def := 15 * time.Second
	cases := []struct {
		user, want time.Duration
	}{
		{0, def},
		{-1, def},
		{100 * time.Millisecond, 100 * time.Millisecond},
		{time.Minute, time.Minute},
	}
	for _, c := range cases {
		if got := MergeTimeouts(c.user, def); got != c.want {
			t.Errorf("MergeTimeouts(%v, %v) = %v, want %v", c.user, def, got, c.want)
		}
	}
}

func TestModuleAllowed(t *testing.T) {
	off := New()
	if !off.ModuleAllowed("anything") {
		t.Error("policy off must allow every module")
	}

	wl := New(WithModuleControl(PolicyWhitelist, "math", "kv"))
	if !wl.ModuleAllowed("math") || wl.ModuleAllowed("os") {
		t.Error("whitelist policy mismatch")
	}

	bl := New(WithModuleControl(PolicyBlacklist, "os"))
	if bl.ModuleAllowed("os") || !bl.ModuleAllowed("math") {
		t.Error("blacklist policy mismatch")
	}
}

func TestControlPortFor(t *testing.T) {
	c := New(
		WithControlPort(5369),
		WithRemoteControlPort("node_b", 6001),
	)
	if got := c.ControlPortFor("node_b"); got != 6001 {
		t.Errorf("override port = %d, want 6001", got)
	}
	if got := c.ControlPortFor("node_c"); got != 5369 {
		t.Errorf("default port = %d, want 5369", got)
	}
}

func TestOptionsOverrideDefaults(t *testing.T) {
	c := New(
		WithNodeName("node_a"),
		WithClientInactivityTimeout(Infinite),
		WithLivenessProbe(false),
	)
	if c.NodeName != "node_a" {
		t.Errorf("NodeName = %q", c.NodeName)
	}
	if c.ClientInactivityTimeout != Infinite {
		t.Errorf("ClientInactivityTimeout = %v, want Infinite", c.ClientInactivityTimeout)
	}
	if c.LivenessProbe {
		t.Error("LivenessProbe should be off")
	}
	if c.ConnectTimeout != 5*time.Second {
		t.Errorf("untouched default changed: %v", c.ConnectTimeout)
	}
}
