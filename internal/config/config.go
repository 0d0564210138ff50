package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/mellowdrifter/pcpd/internal/policy"
)

type Config struct {
	ListenAddr  string `yaml:"listen"`    // e.g. ":5351"
	LogLevel    string `yaml:"log_level"` // "info", "debug", etc.
	LogFile     string `yaml:"log_file"`  // empty logs to stdout
	DBPath      string `yaml:"db"`
	PIDFile     string `yaml:"pid_file"`
	OutputPath  string `yaml:"output"`  // status dump target, empty for stdout
	MetricsAddr string `yaml:"metrics"` // empty disables the endpoint

	// ExternalAddress switches the assigner into NAT mode. Without it the
	// external endpoint equals the internal one.
	ExternalAddress string  `yaml:"external_address"`
	PortRangeStart  uint16  `yaml:"port_range_start"`
	PortRangeEnd    uint16  `yaml:"port_range_end"`
	Protocols       []uint8 `yaml:"protocols"`

	// MaxMappingsPerClient of 0 means no quota.
	MaxMappingsPerClient int           `yaml:"max_mappings_per_client"`
	ShutdownTimeout      time.Duration `yaml:"shutdown_timeout"`

	// Policy, when present, is pushed into the store on load and reload.
	Policy *policy.Policy `yaml:"pcp"`
}

const (
	DefaultListenAddr = ":5351"
	DefaultDBPath     = "/var/lib/pcpd/pcpd.db"
	DefaultPIDFile    = "/var/run/pcpd.pid"
)

// Default returns the built in configuration.
func Default() *Config {
	return &Config{
		ListenAddr:           DefaultListenAddr,
		LogLevel:             "info",
		DBPath:               DefaultDBPath,
		PIDFile:              DefaultPIDFile,
		PortRangeStart:       1024,
		PortRangeEnd:         65535,
		Protocols:            []uint8{6, 17, 33, 132},
		MaxMappingsPerClient: 64,
		ShutdownTimeout:      5 * time.Second,
	}
}

// AddFlags registers the command line overrides on fs.
func AddFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.StringP("output", "o", "", "File to dump pcpd status to on SIGUSR1 (default stdout)")
	fs.String("config", "", "YAML configuration file")
	fs.String("listen", d.ListenAddr, "UDP address to listen on")
	fs.String("loglevel", d.LogLevel, "Log level (debug, info, warn, error)")
	fs.String("logfile", "", "Log to this file with rotation instead of stdout")
	fs.String("db", d.DBPath, "Path of the SQLite state database")
	fs.String("pidfile", d.PIDFile, "Path of the PID file")
	fs.String("metrics", "", "Address to serve Prometheus metrics on (e.g. :9351)")
	fs.String("external", "", "External address to assign mappings on (NAT mode)")
}

// Load reads config from defaults, then the file named by --config, then
// any flags set explicitly.
func Load(fs *pflag.FlagSet) (*Config, error) {
	path, err := fs.GetString("config")
	if err != nil {
		return nil, err
	}
	cfg, err := LoadFile(path)
	if err != nil {
		return nil, err
	}

	// CLI flags take highest priority
	overrides := map[string]*string{
		"output":   &cfg.OutputPath,
		"listen":   &cfg.ListenAddr,
		"loglevel": &cfg.LogLevel,
		"logfile":  &cfg.LogFile,
		"db":       &cfg.DBPath,
		"pidfile":  &cfg.PIDFile,
		"metrics":  &cfg.MetricsAddr,
		"external": &cfg.ExternalAddress,
	}
	for name, dst := range overrides {
		if !fs.Changed(name) {
			continue
		}
		if *dst, err = fs.GetString(name); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads a YAML file over the defaults. An empty path returns the
// defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if cfg.Policy != nil {
		// Unset keys in the pcp section keep their defaults.
		section := struct {
			Policy policy.Policy `yaml:"pcp"`
		}{Policy: policy.Default()}
		if err := yaml.Unmarshal(data, &section); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		cfg.Policy = &section.Policy
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen address is required")
	}
	if c.ExternalAddress != "" {
		if _, err := netip.ParseAddr(c.ExternalAddress); err != nil {
			return fmt.Errorf("invalid external_address: %w", err)
		}
	}
	if c.PortRangeStart == 0 || c.PortRangeStart > c.PortRangeEnd {
		return fmt.Errorf("invalid port range %d-%d", c.PortRangeStart, c.PortRangeEnd)
	}
	if c.MaxMappingsPerClient < 0 {
		return errors.New("max_mappings_per_client cannot be negative")
	}
	if c.Policy != nil {
		if err := c.Policy.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// External returns the parsed external address, or the zero Addr.
func (c *Config) External() netip.Addr {
	a, err := netip.ParseAddr(c.ExternalAddress)
	if err != nil {
		return netip.Addr{}
	}
	return a.Unmap()
}
