// Package config carries the peer-rpc runtime configuration. All values are
// read-only after startup; both halves of a node share one Config.
package config

import "time"

// ModulePolicy selects how the server filters inbound invocations.
type ModulePolicy string

const (
	PolicyOff       ModulePolicy = "off"       // every module callable
	PolicyWhitelist ModulePolicy = "whitelist" // only listed modules callable
	PolicyBlacklist ModulePolicy = "blacklist" // all except listed modules
)

// Infinite disables an inactivity timeout.
const Infinite time.Duration = 0

// Config holds every tunable of a node. Durations are time.Duration; an
// inactivity timeout of Infinite (zero) never fires.
type Config struct {
	// NodeName is this node's cluster-unique name.
	NodeName string

	// ControlPort is the well-known port the control-channel listener
	// binds. Zero lets the kernel pick (useful in tests).
	ControlPort int

	// RemoteControlPorts overrides the control port per peer for peers
	// running with a nonstandard ControlPort.
	RemoteControlPorts map[string]int

	// ModuleControl and ModuleList implement the allowed-call policy.
	ModuleControl ModulePolicy
	ModuleList    []string

	ConnectTimeout       time.Duration
	SendTimeout          time.Duration
	ReceiveTimeout       time.Duration
	SBCastReceiveTimeout time.Duration

	ClientInactivityTimeout    time.Duration
	ServerInactivityTimeout    time.Duration
	AsyncCallInactivityTimeout time.Duration

	// LivenessProbe consults cluster membership before each send and
	// short-circuits with node_down when the peer is unreachable. A TCP
	// send can succeed into a kernel buffer even when the peer has
	// crashed; membership gives an earlier signal.
	LivenessProbe bool

	// RequestRate/RequestBurst bound the inbound invocation rate of the
	// server (token bucket). One bucket is shared by all acceptors of the
	// server; acceptors have no separate budgets. Zero rate means unlimited.
	RequestRate  float64
	RequestBurst int

	// EtcdEndpoints configures the cluster membership client.
	EtcdEndpoints []string
}

// Default returns the configuration a node starts from. Inactivity windows
// are minutes so the handshake cost amortizes across bursts.
func Default() Config {
	return Config{
		ControlPort:                5369,
		ModuleControl:              PolicyOff,
		ConnectTimeout:             5 * time.Second,
		SendTimeout:                5 * time.Second,
		ReceiveTimeout:             15 * time.Second,
		SBCastReceiveTimeout:       15 * time.Second,
		ClientInactivityTimeout:    5 * time.Minute,
		ServerInactivityTimeout:    5 * time.Minute,
		AsyncCallInactivityTimeout: 5 * time.Minute,
		LivenessProbe:              true,
		RequestBurst:               1,
	}
}

// Option mutates a Config during construction.
type Option func(*Config)

func WithNodeName(name string) Option {
	return func(c *Config) { c.NodeName = name }
}

func WithControlPort(port int) Option {
	return func(c *Config) { c.ControlPort = port }
}

func WithRemoteControlPort(peer string, port int) Option {
	return func(c *Config) {
		if c.RemoteControlPorts == nil {
			c.RemoteControlPorts = make(map[string]int)
		}
		c.RemoteControlPorts[peer] = port
	}
}

func WithModuleControl(policy ModulePolicy, modules ...string) Option {
	return func(c *Config) {
		c.ModuleControl = policy
		c.ModuleList = modules
	}
}

func WithConnectTimeout(d time.Duration) Option {
	return func(c *Config) { c.ConnectTimeout = d }
}

func WithSendTimeout(d time.Duration) Option {
	return func(c *Config) { c.SendTimeout = d }
}

func WithReceiveTimeout(d time.Duration) Option {
	return func(c *Config) { c.ReceiveTimeout = d }
}

func WithClientInactivityTimeout(d time.Duration) Option {
	return func(c *Config) { c.ClientInactivityTimeout = d }
}

func WithServerInactivityTimeout(d time.Duration) Option {
	return func(c *Config) { c.ServerInactivityTimeout = d }
}

func WithAsyncCallInactivityTimeout(d time.Duration) Option {
	return func(c *Config) { c.AsyncCallInactivityTimeout = d }
}

func WithLivenessProbe(on bool) Option {
	return func(c *Config) { c.LivenessProbe = on }
}

func WithRequestRate(rate float64, burst int) Option {
	return func(c *Config) {
		c.RequestRate = rate
		c.RequestBurst = burst
	}
}

func WithEtcdEndpoints(endpoints ...string) Option {
	return func(c *Config) { c.EtcdEndpoints = endpoints }
}

// New builds a Config from the defaults plus the given options.
func New(opts ...Option) Config {
	c := Default()
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// MergeTimeouts applies the per-call override rule: a positive user value
// wins, otherwise the configured default stands. Each dimension merges
// independently.
func MergeTimeouts(user, def time.Duration) time.Duration {
	if user > 0 {
		return user
	}
	return def
}

// ControlPortFor returns the control port to dial for peer, honoring the
// per-peer override map.
func (c *Config) ControlPortFor(peer string) int {
	if p, ok := c.RemoteControlPorts[peer]; ok {
		return p
	}
	return c.ControlPort
}

// ModuleAllowed evaluates the allowed-call policy for a module name.
func (c *Config) ModuleAllowed(module string) bool {
	switch c.ModuleControl {
	case PolicyWhitelist:
		for _, m := range c.ModuleList {
			if m == module {
				return true
			}
		}
		return false
	case PolicyBlacklist:
		for _, m := range c.ModuleList {
			if m == module {
				return false
			}
		}
		return true
	default:
		return true
	}
}
