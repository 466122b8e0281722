package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/relaytun/flowbridge/pkg/engine"
)

// harnessConfig is the YAML file surface for -config: the engine's own
// tuning knobs plus the harness-level wiring (device, rules, bypass
// relay). All-zero fields fall through to the selected profile's
// defaults, the same convention engine.Config itself follows.
type harnessConfig struct {
	Profile string `yaml:"profile"` // "desktop" (default) or "embedded"

	Device string `yaml:"device"`
	MTU    int    `yaml:"mtu"`

	PollMinInterval    time.Duration `yaml:"poll_min_interval"`
	PollMaxInterval    time.Duration `yaml:"poll_max_interval"`
	PerFlowBytes       int           `yaml:"per_flow_bytes"`
	ShapedBytes        int           `yaml:"shaped_bytes"`
	SocketMemoryBudget int           `yaml:"socket_memory_budget"`
	TCPRxBufferSize    int           `yaml:"tcp_rx_buffer_size"`
	TCPTxBufferSize    int           `yaml:"tcp_tx_buffer_size"`
	UDPBufferSize      int           `yaml:"udp_buffer_size"`
	RingCapacity       int           `yaml:"ring_capacity"`

	Rules string `yaml:"rules"`

	WSRelay  string `yaml:"ws_relay"`
	SSCipher string `yaml:"ss_cipher"`
	SSSecret string `yaml:"ss_secret"`
}

func loadHarnessConfig(path string) (harnessConfig, error) {
	var c harnessConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("parsing %s: %w", path, err)
	}
	switch c.Profile {
	case "", "desktop", "embedded":
	default:
		return c, fmt.Errorf("parsing %s: unknown profile %q", path, c.Profile)
	}
	return c, nil
}

// engineConfig maps the file's engine-relevant fields onto engine.Config;
// zero fields stay zero so ApplyProfile fills them.
func (c harnessConfig) engineConfig() engine.Config {
	cfg := engine.Config{
		MTU:                c.MTU,
		PollMinInterval:    c.PollMinInterval,
		PollMaxInterval:    c.PollMaxInterval,
		PerFlowBytes:       c.PerFlowBytes,
		ShapedBytes:        c.ShapedBytes,
		SocketMemoryBudget: c.SocketMemoryBudget,
		TCPRxBufferSize:    c.TCPRxBufferSize,
		TCPTxBufferSize:    c.TCPTxBufferSize,
		UDPBufferSize:      c.UDPBufferSize,
		RingCapacity:       c.RingCapacity,
	}
	if c.Profile == "embedded" {
		cfg.Profile = engine.ProfileEmbedded
	}
	return cfg
}
