// Package repository implements the Package/Repository component of
// spec.md §4.1: an ordered label → set of packages, with an optional
// verification key.
package repository

import (
	"context"
	"crypto/ed25519"
	"io"

	"github.com/nstar-rt/nstar/pkg/identity"
	"github.com/nstar-rt/nstar/pkg/npk"
)

// Repository is a labelled store of packages with an optional signing key.
// A repository with a key rejects packages whose signature does not
// verify against it; a keyless repository accepts unsigned packages.
type Repository interface {
	Label() string
	Key() ed25519.PublicKey

	List(ctx context.Context) ([]*npk.Package, error)
	Get(ctx context.Context, id identity.Identity) (*npk.Package, error)

	// Insert streams byteLength bytes from r to a temporary location,
	// opens and validates the resulting package, and only then moves it
	// into place. A failure at any step leaves the repository unchanged.
	Insert(ctx context.Context, r io.Reader, byteLength int64) (identity.Identity, error)

	Remove(ctx context.Context, id identity.Identity) error
}

// Set is the full collection of configured repositories, keyed by label.
// It enforces the global cross-repository invariants from spec.md §3: no
// two repositories share a label, and no two packages across the whole set
// share an identity.
type Set struct {
	repos map[string]Repository
	index *Index
}

// NewSet builds a repository set backed by idx for fast cross-repository
// identity-uniqueness checks. repos must not contain duplicate labels;
// NewSet returns an error if it does (config-loading invariant, spec.md
// §3's "No two repositories may be named identically").
func NewSet(idx *Index, repos ...Repository) (*Set, error) {
	s := &Set{repos: map[string]Repository{}, index: idx}
	for _, r := range repos {
		if _, exists := s.repos[r.Label()]; exists {
			return nil, &dupLabelError{Label: r.Label()}
		}
		s.repos[r.Label()] = r
	}
	return s, nil
}

type dupLabelError struct{ Label string }

func (e *dupLabelError) Error() string { return "duplicate repository label: " + e.Label }

func (s *Set) Get(label string) (Repository, bool) {
	r, ok := s.repos[label]
	return r, ok
}

// Labels returns every configured repository label.
func (s *Set) Labels() []string {
	out := make([]string, 0, len(s.repos))
	for l := range s.repos {
		out = append(out, l)
	}
	return out
}

// Find looks up id across every repository, returning the owning
// repository's label and the package, or ok=false if not installed
// anywhere.
func (s *Set) Find(ctx context.Context, id identity.Identity) (label string, pkg *npk.Package, ok bool) {
	for l, r := range s.repos {
		p, err := r.Get(ctx, id)
		if err == nil && p != nil {
			return l, p, true
		}
	}
	return "", nil, false
}

// ListAll returns every package installed in any repository, annotated
// with the label of the repository that holds it.
func (s *Set) ListAll(ctx context.Context) (map[identity.Identity]string, error) {
	out := map[identity.Identity]string{}
	for label, r := range s.repos {
		pkgs, err := r.List(ctx)
		if err != nil {
			return nil, err
		}
		for _, p := range pkgs {
			id, err := p.Identity()
			if err != nil {
				continue
			}
			out[id] = label
		}
	}
	return out, nil
}

// Exists reports whether id is present in any repository, consulting the
// index rather than scanning every repository's directory.
func (s *Set) Exists(id identity.Identity) bool {
	if s.index == nil {
		return false
	}
	ok, _ := s.index.Exists(id)
	return ok
}

// Record records identity membership in the index for fast
// cross-repository duplicate detection.
func (s *Set) Record(label string, id identity.Identity) error {
	if s.index == nil {
		return nil
	}
	return s.index.Record(label, id)
}

func (s *Set) Forget(id identity.Identity) error {
	if s.index == nil {
		return nil
	}
	return s.index.Forget(id)
}

// Owner returns the label recorded for id in the index, for install's
// cross-repository duplicate check (spec.md §3: no two packages in the
// whole repository set share an identity).
func (s *Set) Owner(id identity.Identity) (string, bool) {
	if s.index == nil {
		return "", false
	}
	label, ok, _ := s.index.Label(id)
	return label, ok
}
