package repository

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/nstar-rt/nstar/pkg/errs"
	"github.com/nstar-rt/nstar/pkg/identity"
	"github.com/nstar-rt/nstar/pkg/npk"
)

// Mem is an in-memory repository, used for built-in content that ships
// with the supervisor rather than living under a repository directory.
// Packages are still backed by a real file on disk (npk.Open needs a
// path for the mount manager's loop attach), just one kept under a
// private scratch directory instead of a named repository directory.
type Mem struct {
	label   string
	key     ed25519.PublicKey
	dataDir string

	mu    sync.RWMutex
	paths map[identity.Identity]string
}

// NewMem creates an in-memory repository whose package files live under
// scratchDir (typically a subdirectory of the run directory).
func NewMem(label, scratchDir string, key ed25519.PublicKey) (*Mem, error) {
	if err := os.MkdirAll(scratchDir, 0o750); err != nil {
		return nil, fmt.Errorf("repository %s: %w", label, err)
	}
	return &Mem{label: label, key: key, dataDir: scratchDir, paths: map[identity.Identity]string{}}, nil
}

func (m *Mem) Label() string          { return m.label }
func (m *Mem) Key() ed25519.PublicKey { return m.key }

func (m *Mem) List(ctx context.Context) ([]*npk.Package, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*npk.Package, 0, len(m.paths))
	for _, path := range m.paths {
		pkg, err := npk.Open(path, m.key)
		if err != nil {
			continue
		}
		out = append(out, pkg)
	}
	return out, nil
}

func (m *Mem) Get(ctx context.Context, id identity.Identity) (*npk.Package, error) {
	m.mu.RLock()
	path, ok := m.paths[id]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return npk.Open(path, m.key)
}

func (m *Mem) Insert(ctx context.Context, r io.Reader, byteLength int64) (identity.Identity, error) {
	if byteLength == 0 {
		return identity.Identity{}, &errs.Npk{Msg: "zero-length package rejected"}
	}
	tmpPath := filepath.Join(m.dataDir, ".tmp-"+uuid.NewString()+".npk")
	defer os.Remove(tmpPath)

	if err := npk.StreamToFile(io.LimitReader(r, byteLength), tmpPath); err != nil {
		return identity.Identity{}, err
	}
	pkg, err := npk.Open(tmpPath, m.key)
	if err != nil {
		return identity.Identity{}, err
	}
	id, err := pkg.Identity()
	if err != nil {
		return identity.Identity{}, &errs.Npk{Msg: fmt.Sprintf("invalid identity: %v", err)}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.paths[id]; exists {
		return identity.Identity{}, &errs.InstallDuplicate{Identity: id}
	}
	finalPath := filepath.Join(m.dataDir, id.PackageFileName())
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return identity.Identity{}, &errs.Io{Op: "install " + finalPath, Err: err}
	}
	m.paths[id] = finalPath
	return id, nil
}

func (m *Mem) Remove(ctx context.Context, id identity.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	path, ok := m.paths[id]
	if !ok {
		return &errs.InvalidContainer{Identity: id}
	}
	delete(m.paths, id)
	return os.Remove(path)
}
