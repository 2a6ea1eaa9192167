package repository

import (
	"database/sql"
	_ "embed"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/nstar-rt/nstar/pkg/identity"
)

//go:embed schema.sql
var schemaSQL string

// Index is a small sqlite-backed membership index over every configured
// repository, used to answer "does this identity already exist anywhere?"
// in O(1) instead of listing every repository's directory on every
// install (spec.md §3: "No two packages in the whole repository set share
// (name, version)"). Mirrors the teacher's embed-schema-and-raw-exec
// pattern (boxer.go) rather than reaching for a migration framework: the
// schema has exactly one version and is created idempotently at startup.
type Index struct {
	db *sql.DB
}

// OpenIndex opens (creating if necessary) the sqlite database at path and
// ensures its schema is present.
func OpenIndex(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open repository index %s: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL on repository index: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize repository index schema: %w", err)
	}
	return &Index{db: db}, nil
}

// OpenMemIndex opens an in-process, non-persistent index, for tests and
// for the in-memory built-in repository set.
func OpenMemIndex() (*Index, error) {
	return OpenIndex(":memory:")
}

func (i *Index) Close() error { return i.db.Close() }

func (i *Index) Record(label string, id identity.Identity) error {
	_, err := i.db.Exec(
		`INSERT INTO packages(name, major, minor, patch, label) VALUES (?, ?, ?, ?, ?)`,
		id.Name, id.Version.Major, id.Version.Minor, id.Version.Patch, label,
	)
	if err != nil {
		return fmt.Errorf("record %s in repository index: %w", id, err)
	}
	return nil
}

func (i *Index) Forget(id identity.Identity) error {
	_, err := i.db.Exec(
		`DELETE FROM packages WHERE name = ? AND major = ? AND minor = ? AND patch = ?`,
		id.Name, id.Version.Major, id.Version.Minor, id.Version.Patch,
	)
	if err != nil {
		return fmt.Errorf("forget %s in repository index: %w", id, err)
	}
	return nil
}

func (i *Index) Exists(id identity.Identity) (bool, error) {
	var count int
	err := i.db.QueryRow(
		`SELECT COUNT(*) FROM packages WHERE name = ? AND major = ? AND minor = ? AND patch = ?`,
		id.Name, id.Version.Major, id.Version.Minor, id.Version.Patch,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("query repository index: %w", err)
	}
	return count > 0, nil
}

// Label returns the repository label that owns id, if recorded.
func (i *Index) Label(id identity.Identity) (string, bool, error) {
	var label string
	err := i.db.QueryRow(
		`SELECT label FROM packages WHERE name = ? AND major = ? AND minor = ? AND patch = ?`,
		id.Name, id.Version.Major, id.Version.Minor, id.Version.Patch,
	).Scan(&label)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query repository index: %w", err)
	}
	return label, true, nil
}
