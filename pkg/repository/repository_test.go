package repository

import (
	"archive/zip"
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/nstar-rt/nstar/pkg/identity"
)

func mustIdentity(t *testing.T, name, version string) identity.Identity {
	t.Helper()
	v, err := identity.ParseVersion(version)
	if err != nil {
		t.Fatal(err)
	}
	return identity.New(name, v)
}

func buildPackageBytes(t *testing.T, name, version string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	mw, err := zw.CreateHeader(&zip.FileHeader{Name: "manifest.yaml", Method: zip.Store})
	if err != nil {
		t.Fatal(err)
	}
	mw.Write([]byte("name: " + name + "\nversion: " + version + "\n"))
	iw, err := zw.CreateHeader(&zip.FileHeader{Name: "fs.img", Method: zip.Store})
	if err != nil {
		t.Fatal(err)
	}
	iw.Write([]byte("image"))
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestDirInsertGetRemove(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	repo, err := NewDir("test", dir, nil)
	if err != nil {
		t.Fatal(err)
	}

	data := buildPackageBytes(t, "hello", "0.0.1")
	id, err := repo.Insert(ctx, bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if id.String() != "hello:0.0.1" {
		t.Fatalf("got %s", id)
	}

	pkg, err := repo.Get(ctx, id)
	if err != nil || pkg == nil {
		t.Fatalf("Get: pkg=%v err=%v", pkg, err)
	}

	if _, err := repo.Insert(ctx, bytes.NewReader(data), int64(len(data))); err == nil {
		t.Fatalf("expected duplicate insert to fail")
	}

	if err := repo.Remove(ctx, id); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	pkg, err = repo.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get after remove: %v", err)
	}
	if pkg != nil {
		t.Fatalf("expected nil package after remove")
	}
}

func TestInsertRejectsZeroLength(t *testing.T) {
	ctx := context.Background()
	repo, err := NewDir("test", t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Insert(ctx, bytes.NewReader(nil), 0); err == nil {
		t.Fatalf("expected zero-length rejection")
	}
}

func TestSetDuplicateLabelRejected(t *testing.T) {
	dir := t.TempDir()
	a, _ := NewDir("dup", filepath.Join(dir, "a"), nil)
	b, _ := NewDir("dup", filepath.Join(dir, "b"), nil)
	if _, err := NewSet(nil, a, b); err == nil {
		t.Fatalf("expected duplicate label rejection")
	}
}

func TestIndexRecordExistsForget(t *testing.T) {
	idx, err := OpenMemIndex()
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()

	id := mustIdentity(t, "hello", "0.0.1")
	if ok, _ := idx.Exists(id); ok {
		t.Fatalf("expected not found before record")
	}
	if err := idx.Record("test", id); err != nil {
		t.Fatal(err)
	}
	if ok, _ := idx.Exists(id); !ok {
		t.Fatalf("expected found after record")
	}
	if err := idx.Forget(id); err != nil {
		t.Fatal(err)
	}
	if ok, _ := idx.Exists(id); ok {
		t.Fatalf("expected not found after forget")
	}
}
