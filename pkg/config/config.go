// Package config loads the supervisor's startup configuration file
// (spec.md §6): the console listen address, run and data directories,
// repository set, cgroup hierarchy, device-node paths, and optional
// debug hooks. A malformed file, a duplicate repository label, or a
// missing key file is a fatal startup error (spec.md §7), never
// something the engine discovers at runtime.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// DefaultPath is the configuration file nstard reads when --config is
// not given.
const DefaultPath = "./northstar.toml"

// Repository is one configured package repository: its backing
// directory and an optional ed25519 public key file path. A repository
// with no key accepts unsigned packages.
type Repository struct {
	Dir     string `toml:"dir"`
	KeyPath string `toml:"key,omitempty"`
}

// Debug holds the optional [debug] table. Both fields are decoded and
// nothing else in this repository reads them: no shell is attached to a
// started container, which always runs its configured entry point.
type Debug struct {
	Enabled bool `toml:"enabled,omitempty"`
	Shell   bool `toml:"shell,omitempty"`
}

// Config is the supervisor's full startup configuration.
type Config struct {
	// Listen is the control-plane address, "tcp://host:port" or
	// "unix:/path/to/socket" (spec.md §6).
	Listen string `toml:"listen"`

	RunDir  string `toml:"run_dir"`
	DataDir string `toml:"data_dir"`
	LogDir  string `toml:"log_dir"`

	// Repositories is label -> repository; spec.md §3's "no two
	// repositories may be named identically" is enforced by this being
	// a map (TOML itself rejects a duplicate table key).
	Repositories map[string]Repository `toml:"repositories"`

	// Cgroup is the path fragment cgroups are created under (e.g.
	// "/nstar"), applied across every controller pkg/cgroup enables —
	// spec.md §6 describes this as "one path fragment per controller",
	// which collapses to a single static path since the teacher's
	// cgroup1 wiring applies one path uniformly.
	Cgroup string `toml:"cgroup"`

	DeviceMapperPath      string `toml:"device_mapper"`
	DeviceMapperDevPrefix string `toml:"device_mapper_dev_prefix"`
	LoopControlPath       string `toml:"loop_control"`
	LoopDevPrefix         string `toml:"loop_dev_prefix"`

	Debug Debug `toml:"debug"`
}

// Load reads and decodes path, then validates the result.
func Load(path string) (*Config, error) {
	var cfg Config
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("config: %s: unrecognized keys: %s", path, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the invariants spec.md §7 requires to be fatal at
// startup, beyond what TOML decoding already rejects.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("config: listen address is required")
	}
	if _, _, err := ParseListenAddress(c.Listen); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.RunDir == "" {
		return fmt.Errorf("config: run_dir is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir is required")
	}
	if len(c.Repositories) == 0 {
		return fmt.Errorf("config: at least one repository is required")
	}
	for label, repo := range c.Repositories {
		if label == "" {
			return fmt.Errorf("config: repository label must not be empty")
		}
		if repo.Dir == "" {
			return fmt.Errorf("config: repository %q: dir is required", label)
		}
		if repo.KeyPath != "" {
			if _, err := os.Stat(repo.KeyPath); err != nil {
				return fmt.Errorf("config: repository %q: key file: %w", label, err)
			}
		}
	}
	if c.DeviceMapperPath == "" || c.LoopControlPath == "" {
		return fmt.Errorf("config: device_mapper and loop_control paths are required")
	}
	return nil
}

// ParseListenAddress splits a "tcp://host:port" or "unix:/path" listen
// address into the (network, address) pair net.Listen expects.
func ParseListenAddress(raw string) (network, address string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("invalid listen address %q: %w", raw, err)
	}
	switch u.Scheme {
	case "tcp":
		if u.Host == "" {
			return "", "", fmt.Errorf("invalid listen address %q: missing host:port", raw)
		}
		return "tcp", u.Host, nil
	case "unix":
		path := u.Opaque
		if path == "" {
			path = u.Path
		}
		if path == "" {
			return "", "", fmt.Errorf("invalid listen address %q: missing socket path", raw)
		}
		return "unix", path, nil
	default:
		return "", "", fmt.Errorf("invalid listen address %q: unsupported scheme %q (want tcp or unix)", raw, u.Scheme)
	}
}
