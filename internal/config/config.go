package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"connwatch/internal/probe"
)

// Config represents configuration data for the connectivity daemon.
type Config struct {
	CheckInterval Duration      `yaml:"check_interval"`
	CheckTimeout  Duration      `yaml:"check_timeout"`
	Addresses     []AddressSpec `yaml:"addresses"`
	Listen        string        `yaml:"listen"`
	NodeID        string        `yaml:"node_id"`
	NodeName      string        `yaml:"node_name"`
	Record        bool          `yaml:"record"`
	Storage       Storage       `yaml:"storage"`
	Peers         []Peer        `yaml:"peers"`
	PeerRefresh   Duration      `yaml:"peer_refresh"`
	LogLevel      string        `yaml:"log_level"`
}

// AddressSpec is one probe target as written in the config file. Exactly
// one of Address and Hostname must be set.
type AddressSpec struct {
	Provider string   `yaml:"provider" json:"provider,omitempty"`
	Address  string   `yaml:"address" json:"address,omitempty"`
	Hostname string   `yaml:"hostname" json:"hostname,omitempty"`
	Port     int      `yaml:"port" json:"port,omitempty"`
	Timeout  Duration `yaml:"timeout" json:"timeout,omitempty"`
}

// Storage selects where emitted transitions are persisted.
type Storage struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// Peer defines a remote connwatch instance to aggregate.
type Peer struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Enabled bool   `yaml:"enabled"`
}

// Duration is a time.Duration written as a Go duration string ("10s").
type Duration time.Duration

// UnmarshalYAML accepts a duration string or a bare number of seconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		var seconds float64
		if numErr := node.Decode(&seconds); numErr != nil {
			return errors.Wrapf(err, "line %d: invalid duration %q", node.Line, raw)
		}
		parsed = time.Duration(seconds * float64(time.Second))
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration back as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// MarshalText lets the HTTP API render durations as strings.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", string(text))
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// DefaultAddresses are public DNS resolvers answering on port 53.
func DefaultAddresses() []AddressSpec {
	return []AddressSpec{
		{Provider: "Cloudflare", Address: "1.1.1.1", Port: probe.DefaultPort},
		{Provider: "Cloudflare", Address: "1.0.0.1", Port: probe.DefaultPort},
		{Provider: "Google", Address: "8.8.8.8", Port: probe.DefaultPort},
		{Provider: "Google", Address: "8.8.4.4", Port: probe.DefaultPort},
		{Provider: "OpenDNS", Address: "208.67.222.222", Port: probe.DefaultPort},
		{Provider: "OpenDNS", Address: "208.67.220.220", Port: probe.DefaultPort},
	}
}

// DefaultConfig returns sensible defaults in case no configuration file is provided.
func DefaultConfig() Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "connwatch-local"
	}

	return Config{
		CheckInterval: Duration(10 * time.Second),
		CheckTimeout:  Duration(probe.DefaultTimeout),
		Addresses:     DefaultAddresses(),
		Listen:        ":8080",
		NodeID:        hostname,
		NodeName:      hostname,
		Storage: Storage{
			Driver: "file",
			Path:   filepath.Join(".dist", "data", "transitions.json"),
		},
		PeerRefresh: Duration(time.Minute),
		LogLevel:    "info",
	}
}

// Load reads configuration from yaml file. Missing files fall back to defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	content, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return Config{}, errors.Wrap(err, "read config")
	}

	cfg := DefaultConfig()
	// An addresses key in the file replaces the defaults entirely.
	cfg.Addresses = nil
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "parse config")
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() error {
	defaults := DefaultConfig()
	if c.CheckInterval <= 0 {
		c.CheckInterval = defaults.CheckInterval
	}
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = defaults.CheckTimeout
	}
	if c.Addresses == nil {
		c.Addresses = defaults.Addresses
	}
	if c.Listen == "" {
		c.Listen = defaults.Listen
	}
	if c.NodeID == "" {
		c.NodeID = defaults.NodeID
	}
	if c.NodeName == "" {
		c.NodeName = c.NodeID
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = defaults.Storage.Driver
	}
	if c.Storage.Path == "" {
		c.Storage.Path = defaults.Storage.Path
	}
	if c.PeerRefresh <= 0 {
		c.PeerRefresh = defaults.PeerRefresh
	}
	if c.LogLevel == "" {
		c.LogLevel = defaults.LogLevel
	}

	if _, err := c.Targets(); err != nil {
		return err
	}
	for i, peer := range c.Peers {
		if !peer.Enabled {
			continue
		}
		if peer.ID == "" {
			return errors.Errorf("peer %d is missing id", i)
		}
		if peer.BaseURL == "" {
			return errors.Errorf("peer %s base_url is required", peer.ID)
		}
	}
	return nil
}

// Targets converts the configured addresses into probe targets. Entries
// without their own timeout use CheckTimeout.
func (c Config) Targets() ([]probe.Target, error) {
	return ParseAddresses(c.Addresses, c.CheckTimeout.Std())
}

// ParseAddresses validates specs and converts them into probe targets.
func ParseAddresses(specs []AddressSpec, fallbackTimeout time.Duration) ([]probe.Target, error) {
	targets := make([]probe.Target, 0, len(specs))
	for i, spec := range specs {
		timeout := spec.Timeout.Std()
		if timeout <= 0 {
			timeout = fallbackTimeout
		}
		target, err := probe.ParseTarget(spec.Address, spec.Hostname, spec.Port, timeout)
		if err != nil {
			return nil, errors.Wrapf(err, "address %d", i)
		}
		targets = append(targets, target.WithProvider(spec.Provider))
	}
	return targets, nil
}

// SpecsFromTargets is the inverse of ParseAddresses.
func SpecsFromTargets(targets []probe.Target) []AddressSpec {
	specs := make([]AddressSpec, 0, len(targets))
	for _, t := range targets {
		spec := AddressSpec{
			Provider: t.Provider,
			Port:     int(t.Port),
			Timeout:  Duration(t.Timeout),
		}
		switch h := t.Host.(type) {
		case probe.ByAddress:
			spec.Address = h.Addr.String()
		case probe.ByHostname:
			spec.Hostname = h.Name
		}
		specs = append(specs, spec)
	}
	return specs
}
