package repository

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/nstar-rt/nstar/pkg/errs"
	"github.com/nstar-rt/nstar/pkg/identity"
	"github.com/nstar-rt/nstar/pkg/npk"
)

// Dir is a directory-backed repository, persisting one file per package
// named "<name>-<version>.npk" (spec.md §6).
type Dir struct {
	label string
	dir   string
	key   ed25519.PublicKey
}

// NewDir opens a directory-backed repository rooted at dir, creating the
// directory if it does not exist. A non-nil key makes this repository reject unsigned
// packages and packages whose signature does not verify.
func NewDir(label, dir string, key ed25519.PublicKey) (*Dir, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("repository %s: %w", label, err)
	}
	return &Dir{label: label, dir: dir, key: key}, nil
}

func (d *Dir) Label() string             { return d.label }
func (d *Dir) Key() ed25519.PublicKey    { return d.key }

func (d *Dir) List(ctx context.Context) ([]*npk.Package, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, &errs.Io{Op: "readdir " + d.dir, Err: err}
	}
	var out []*npk.Package
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".npk" {
			continue
		}
		pkg, err := npk.Open(filepath.Join(d.dir, e.Name()), d.key)
		if err != nil {
			slog.ErrorContext(ctx, "repository.Dir.List: skipping unreadable package", "repo", d.label, "file", e.Name(), "error", err)
			continue
		}
		out = append(out, pkg)
	}
	return out, nil
}

func (d *Dir) Get(ctx context.Context, id identity.Identity) (*npk.Package, error) {
	path := filepath.Join(d.dir, id.PackageFileName())
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &errs.Io{Op: "stat " + path, Err: err}
	}
	return npk.Open(path, d.key)
}

func (d *Dir) Insert(ctx context.Context, r io.Reader, byteLength int64) (identity.Identity, error) {
	if byteLength == 0 {
		return identity.Identity{}, &errs.Npk{Msg: "zero-length package rejected"}
	}

	tmpPath := filepath.Join(d.dir, ".tmp-"+uuid.NewString()+".npk")
	defer os.Remove(tmpPath)

	if err := npk.StreamToFile(io.LimitReader(r, byteLength), tmpPath); err != nil {
		return identity.Identity{}, err
	}

	pkg, err := npk.Open(tmpPath, d.key)
	if err != nil {
		return identity.Identity{}, err
	}
	id, err := pkg.Identity()
	if err != nil {
		return identity.Identity{}, &errs.Npk{Msg: fmt.Sprintf("invalid identity: %v", err)}
	}

	finalPath := filepath.Join(d.dir, id.PackageFileName())
	if _, err := os.Stat(finalPath); err == nil {
		return identity.Identity{}, &errs.InstallDuplicate{Identity: id}
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return identity.Identity{}, &errs.Io{Op: "install " + finalPath, Err: err}
	}
	slog.InfoContext(ctx, "repository.Dir.Insert", "repo", d.label, "identity", id)
	return id, nil
}

func (d *Dir) Remove(ctx context.Context, id identity.Identity) error {
	path := filepath.Join(d.dir, id.PackageFileName())
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return &errs.InvalidContainer{Identity: id}
		}
		return &errs.Io{Op: "remove " + path, Err: err}
	}
	return nil
}
