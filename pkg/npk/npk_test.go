package npk

import (
	"archive/zip"
	"crypto/ed25519"
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"

	digest "github.com/opencontainers/go-digest"
	"gopkg.in/yaml.v3"
)

const testManifest = "name: hello\nversion: 0.0.1\ninit: /hello\n"

func writePackage(t *testing.T, path string, signer ed25519.PrivateKey, rootHash string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)

	mw, err := zw.CreateHeader(&zip.FileHeader{Name: manifestEntry, Method: zip.Store})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mw.Write([]byte(testManifest)); err != nil {
		t.Fatal(err)
	}

	imageBytes := []byte("fake squashfs image contents")
	iw, err := zw.CreateHeader(&zip.FileHeader{Name: imageEntry, Method: zip.Store})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := iw.Write(imageBytes); err != nil {
		t.Fatal(err)
	}

	if signer != nil {
		h := sha256.New()
		h.Write([]byte(digest.FromBytes([]byte(testManifest)).String()))
		imgDigest := digest.FromBytes(imageBytes)
		h.Write([]byte(imgDigest.String()))
		h.Write([]byte(rootHash))
		canonical := digest.NewDigest(digest.SHA256, h)

		sig := ed25519.Sign(signer, []byte(canonical.String()))
		sigYAML, err := yaml.Marshal(&Signature{RootHash: rootHash, Signature: sig})
		if err != nil {
			t.Fatal(err)
		}
		sw, err := zw.CreateHeader(&zip.FileHeader{Name: signatureEntry, Method: zip.Store})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := sw.Write(sigYAML); err != nil {
			t.Fatal(err)
		}
	}

	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestOpenUnsigned(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hello-0.0.1.npk")
	writePackage(t, path, nil, "")

	pkg, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id, err := pkg.Identity()
	if err != nil {
		t.Fatalf("Identity: %v", err)
	}
	if id.String() != "hello:0.0.1" {
		t.Fatalf("got %s", id)
	}
	if pkg.Signed {
		t.Fatalf("expected unsigned package")
	}
	if pkg.ImageLength == 0 {
		t.Fatalf("expected nonzero image length")
	}
}

func TestOpenSignedVerifies(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "hello-0.0.1.npk")
	writePackage(t, path, priv, "deadbeef")

	pkg, err := Open(path, pub)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !pkg.Signed {
		t.Fatalf("expected signed package")
	}
	if !pkg.HasVerityDescriptor() {
		t.Fatalf("expected verity descriptor")
	}
}

func TestOpenSignedRejectsWrongKey(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	otherPub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "hello-0.0.1.npk")
	writePackage(t, path, priv, "")

	if _, err := Open(path, otherPub); err == nil {
		t.Fatalf("expected verification failure")
	}
}

func TestOpenKeyedRequiresSignature(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "hello-0.0.1.npk")
	writePackage(t, path, nil, "")

	if _, err := Open(path, pub); err == nil {
		t.Fatalf("expected missing-signature error")
	}
}
