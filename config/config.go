// Package config loads the ioemu daemon's configuration file. Files ending in
// .yaml or .yml are read as YAML and everything else as TOML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/c35s/ioemu/device"
	"github.com/c35s/ioemu/ioreq"
	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration.
type Config struct {

	// LogLevel is one of debug, info, warn or error. The default is info.
	LogLevel string `toml:"log_level" yaml:"log_level"`

	// LogFormat is text, json or auto. Auto picks text when stderr is a
	// terminal and json otherwise. The default is auto.
	LogFormat string `toml:"log_format" yaml:"log_format"`

	// LockDir holds one lock file per attached domain so that two daemons
	// can't serve the same domain. The default is /run/ioemu.
	LockDir string `toml:"lock_dir" yaml:"lock_dir"`

	// Stats configures the stats endpoint.
	Stats Stats `toml:"stats" yaml:"stats"`

	// Domains lists the domains to attach to.
	Domains []Domain `toml:"domain" yaml:"domain"`
}

// Stats configures the stats endpoint.
type Stats struct {

	// Network is vsock, tcp or unix. The default is vsock.
	Network string `toml:"network" yaml:"network"`

	// Address is the listen address. For vsock it's a port number. If Address
	// is empty the endpoint is disabled.
	Address string `toml:"address" yaml:"address"`
}

// Domain configures the emulator for one domain.
type Domain struct {
	ID uint16 `toml:"id" yaml:"id"`

	// VCPUs is the domain's vCPU count. The default is 1.
	VCPUs int `toml:"vcpus" yaml:"vcpus"`

	// NoBuffered disables the buffered ioreq ring.
	NoBuffered bool `toml:"no_buffered" yaml:"no_buffered"`

	// DebugCon, if set, attaches a debug console.
	DebugCon *DebugCon `toml:"debugcon" yaml:"debugcon"`
}

// DebugCon configures a debug console.
type DebugCon struct {

	// Port is the I/O port. The default is 0xe9.
	Port uint16 `toml:"port" yaml:"port"`

	// Path is the file the console appends to. If Path is empty or "-" the
	// console writes to stdout.
	Path string `toml:"path" yaml:"path"`
}

var ErrConfig = errors.New("config: invalid config")

const (
	DefaultLockDir = "/run/ioemu"

	firstReservedDomain = 0x7ff0
)

// Load reads and validates the configuration file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	return Parse(path, data)
}

// Parse decodes and validates data. The extension of name selects the format.
// Unknown keys are an error.
func Parse(name string, data []byte) (Config, error) {
	var (
		cfg Config
		err error
	)

	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		err = decodeYAML(data, &cfg)

	default:
		err = decodeTOML(data, &cfg)
	}

	if err != nil {
		return Config{}, fmt.Errorf("%w: %s: %w", ErrConfig, name, err)
	}

	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("%w: %s: %w", ErrConfig, name, err)
	}

	return cfg, nil
}

func decodeTOML(data []byte, cfg *Config) error {
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return err
	}

	if keys := md.Undecoded(); len(keys) > 0 {
		return fmt.Errorf("unknown keys: %v", keys)
	}

	return nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}

	return nil
}

// Level returns the parsed log level.
func (cfg Config) Level() slog.Level {
	var l slog.Level
	l.UnmarshalText([]byte(cfg.LogLevel))
	return l
}

// DispatcherConfig returns the part of an ioreq.Config that d describes.
func (d Domain) DispatcherConfig() ioreq.Config {
	return ioreq.Config{
		Domain:     d.ID,
		NumVCPU:    d.VCPUs,
		NoBuffered: d.NoBuffered,
	}
}

func (cfg Config) withDefaults() Config {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	if cfg.LogFormat == "" {
		cfg.LogFormat = "auto"
	}

	if cfg.LockDir == "" {
		cfg.LockDir = DefaultLockDir
	}

	if cfg.Stats.Network == "" {
		cfg.Stats.Network = "vsock"
	}

	domains := make([]Domain, len(cfg.Domains))
	for i, d := range cfg.Domains {
		if d.VCPUs == 0 {
			d.VCPUs = 1
		}

		if d.DebugCon != nil {
			dc := *d.DebugCon
			if dc.Port == 0 {
				dc.Port = device.DebugConPort
			}

			d.DebugCon = &dc
		}

		domains[i] = d
	}

	cfg.Domains = domains
	return cfg
}

// Validate checks a configuration changed after Parse.
func (cfg Config) Validate() error {
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}

	return nil
}

func (cfg Config) validate() error {
	var l slog.Level
	if err := l.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return fmt.Errorf("log level %q: %w", cfg.LogLevel, err)
	}

	switch cfg.LogFormat {
	case "auto", "text", "json":
	default:
		return fmt.Errorf("log format %q is not auto, text or json", cfg.LogFormat)
	}

	switch cfg.Stats.Network {
	case "vsock":
		if cfg.Stats.Address != "" {
			if _, err := strconv.ParseUint(cfg.Stats.Address, 10, 32); err != nil {
				return fmt.Errorf("stats vsock port %q: %w", cfg.Stats.Address, err)
			}
		}

	case "tcp", "unix":
	default:
		return fmt.Errorf("stats network %q is not vsock, tcp or unix", cfg.Stats.Network)
	}

	if len(cfg.Domains) == 0 {
		return errors.New("no domains")
	}

	seen := make(map[uint16]bool)
	for _, d := range cfg.Domains {
		if d.ID == 0 || d.ID >= firstReservedDomain {
			return fmt.Errorf("domain id %d is out of range", d.ID)
		}

		if seen[d.ID] {
			return fmt.Errorf("domain %d is listed twice", d.ID)
		}

		seen[d.ID] = true

		if d.VCPUs < 1 || d.VCPUs > ioreq.MaxVCPUs {
			return fmt.Errorf("domain %d: vcpu count %d is out of range [1, %d]", d.ID, d.VCPUs, ioreq.MaxVCPUs)
		}
	}

	return nil
}
