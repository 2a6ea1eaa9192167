// Package manifest describes the immutable per-package record parsed from
// a package's manifest.yaml (spec.md §3).
package manifest

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/nstar-rt/nstar/pkg/identity"
)

// MountKind selects which of the mount table variants a Mount describes.
type MountKind int

const (
	MountBind MountKind = iota
	MountTmpfs
	MountPersist
	MountResource
)

// Mount is one entry of a manifest's mount table, keyed by its in-container
// path in Manifest.Mounts.
type Mount struct {
	Kind MountKind

	// MountBind
	HostPath string

	// MountTmpfs
	SizeBytes uint64

	// MountPersist: a per-container directory under the data directory,
	// persisted across runs, named after the container's own identity.

	// MountResource
	Resource identity.Identity
	SubPath  string
}

// mountYAML is the on-the-wire shape of a manifest mount table entry; one
// of Bind, Tmpfs, Persist, Resource is set, selecting the variant.
type mountYAML struct {
	Bind     string `yaml:"bind,omitempty"`
	Tmpfs    uint64 `yaml:"tmpfs,omitempty"`
	Persist  bool   `yaml:"persist,omitempty"`
	Resource string `yaml:"resource,omitempty"`
	SubPath  string `yaml:"sub_path,omitempty"`
}

func (m *Mount) UnmarshalYAML(value *yaml.Node) error {
	var raw mountYAML
	if err := value.Decode(&raw); err != nil {
		return err
	}
	switch {
	case raw.Bind != "":
		m.Kind = MountBind
		m.HostPath = raw.Bind
	case raw.Tmpfs != 0:
		m.Kind = MountTmpfs
		m.SizeBytes = raw.Tmpfs
	case raw.Persist:
		m.Kind = MountPersist
	case raw.Resource != "":
		id, err := identity.Parse(raw.Resource)
		if err != nil {
			return fmt.Errorf("mount resource reference: %w", err)
		}
		m.Kind = MountResource
		m.Resource = id
		m.SubPath = raw.SubPath
	default:
		return fmt.Errorf("mount entry has no recognized variant (bind, tmpfs, persist, resource)")
	}
	return nil
}

func (m Mount) MarshalYAML() (any, error) {
	raw := mountYAML{}
	switch m.Kind {
	case MountBind:
		raw.Bind = m.HostPath
	case MountTmpfs:
		raw.Tmpfs = m.SizeBytes
	case MountPersist:
		raw.Persist = true
	case MountResource:
		raw.Resource = m.Resource.String()
		raw.SubPath = m.SubPath
	}
	return raw, nil
}

// CgroupLimits is the optional set of resource limits applied to a
// container's cgroup.
type CgroupLimits struct {
	MemoryLimitBytes uint64 `yaml:"memory_limit,omitempty"`
	CPUShares        uint64 `yaml:"cpu_shares,omitempty"`
}

// SeccompRule names one allowed syscall, with an optional set of argument
// matchers compiled into the BPF program by pkg/seccomp.
type SeccompRule struct {
	Syscall string            `yaml:"syscall"`
	Args    map[uint]ArgMatch `yaml:"args,omitempty"`
}

// ArgMatch constrains one syscall argument by comparing it with Value
// using Op.
type ArgMatch struct {
	Index uint   `yaml:"index"`
	Op    string `yaml:"op"` // "eq", "ne", "lt", "le", "gt", "ge", "masked_eq"
	Value uint64 `yaml:"value"`
}

// Manifest is the immutable per-package record. The absence of Init marks
// the package a resource container; its presence marks it an application.
type Manifest struct {
	Name    string            `yaml:"name"`
	Version string            `yaml:"version"`
	Init    string            `yaml:"init,omitempty"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	UID     *uint32           `yaml:"uid,omitempty"`
	GID     *uint32           `yaml:"gid,omitempty"`
	Groups  []string          `yaml:"suppl_groups,omitempty"`

	// Mounts is keyed by in-container path.
	Mounts map[string]Mount `yaml:"mounts,omitempty"`

	Seccomp []SeccompRule `yaml:"seccomp,omitempty"`
	Cgroup  *CgroupLimits `yaml:"cgroup,omitempty"`

	// Capabilities are inheritable capability names preserved across the
	// default drop-all reset (§4.3 child step 3).
	Capabilities []string `yaml:"capabilities,omitempty"`
}

// IsResource reports whether this manifest describes a resource container
// (no entry point, cannot become a process).
func (m *Manifest) IsResource() bool { return m.Init == "" }

// Identity builds the (name, version) identity this manifest describes.
func (m *Manifest) Identity() (identity.Identity, error) {
	v, err := identity.ParseVersion(m.Version)
	if err != nil {
		return identity.Identity{}, err
	}
	return identity.New(m.Name, v), nil
}

// Resources returns the set of resource identities this manifest's mount
// table references, deduplicated.
func (m *Manifest) Resources() []identity.Identity {
	seen := map[identity.Identity]struct{}{}
	var out []identity.Identity
	for _, mnt := range m.Mounts {
		if mnt.Kind != MountResource {
			continue
		}
		if _, ok := seen[mnt.Resource]; ok {
			continue
		}
		seen[mnt.Resource] = struct{}{}
		out = append(out, mnt.Resource)
	}
	return out
}

// Parse decodes and validates a manifest.yaml document.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: invalid yaml: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate enforces the manifest schema invariants from spec.md §3.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("manifest: name must not be empty")
	}
	if _, err := identity.ParseVersion(m.Version); err != nil {
		return fmt.Errorf("manifest %s: %w", m.Name, err)
	}
	for path, mnt := range m.Mounts {
		switch mnt.Kind {
		case MountBind:
			if mnt.HostPath == "" {
				return fmt.Errorf("manifest %s: mount %s: bind requires host_path", m.Name, path)
			}
		case MountTmpfs:
			if mnt.SizeBytes == 0 {
				return fmt.Errorf("manifest %s: mount %s: tmpfs requires nonzero size", m.Name, path)
			}
		case MountResource:
			if mnt.Resource.Name == "" {
				return fmt.Errorf("manifest %s: mount %s: resource reference requires a name", m.Name, path)
			}
		}
	}
	return nil
}
