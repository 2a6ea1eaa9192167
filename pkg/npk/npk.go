// Package npk opens and validates a package archive: a manifest document,
// a filesystem image blob, and an optional detached signature (spec.md
// §4.1, §6). The archive container format is a plain ZIP (stdlib
// archive/zip) stored, not deflated, so the filesystem image blob can be
// located at a byte offset within the archive file and handed directly to
// a loop device — no third-party archive library in the pack offers
// anything archive/zip doesn't already provide for this.
package npk

import (
	"archive/zip"
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"io"
	"os"

	digest "github.com/opencontainers/go-digest"
	"gopkg.in/yaml.v3"

	"github.com/nstar-rt/nstar/pkg/errs"
	"github.com/nstar-rt/nstar/pkg/identity"
	"github.com/nstar-rt/nstar/pkg/manifest"
)

const (
	manifestEntry  = "manifest.yaml"
	imageEntry     = "fs.img"
	signatureEntry = "signature.yaml"
)

// Signature is the detached signature document: an ed25519 signature over
// the canonical digest of the manifest digest, the image digest, and the
// dm-verity root hash (empty when absent); see canonicalDigest.
type Signature struct {
	RootHash  string `yaml:"root_hash,omitempty"`
	Signature []byte `yaml:"signature"`
}

// Package is an opened, validated package: manifest plus a reference to
// the raw filesystem image region within the archive file on disk.
// Immutable once returned by Open.
type Package struct {
	Path     string
	Manifest *manifest.Manifest
	Signed   bool
	RootHash string

	// ImageOffset/ImageLength locate the fs.img entry's raw bytes within
	// Path, for the mount manager's loop attach.
	ImageOffset int64
	ImageLength int64
}

// Identity returns the package's (name, version).
func (p *Package) Identity() (identity.Identity, error) {
	return p.Manifest.Identity()
}

// Open reads path as a package archive, validates the manifest, and — if
// key is non-nil — requires and verifies a signature covering the
// manifest and image. A keyless Open never rejects an unsigned package; a
// keyed Open rejects one whose signature.yaml is absent or does not
// verify.
func Open(path string, key ed25519.PublicKey) (*Package, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, &errs.Npk{Msg: fmt.Sprintf("open %s: %v", path, err)}
	}
	defer zr.Close()

	var manifestFile, imageFile, sigFile *zip.File
	for _, f := range zr.File {
		switch f.Name {
		case manifestEntry:
			manifestFile = f
		case imageEntry:
			imageFile = f
		case signatureEntry:
			sigFile = f
		}
		// Unknown top-level entries are ignored by readers, per spec.md §6.
	}
	if manifestFile == nil {
		return nil, &errs.Npk{Msg: "missing manifest.yaml"}
	}
	if imageFile == nil {
		return nil, &errs.Npk{Msg: "missing fs.img"}
	}
	if imageFile.Method != zip.Store {
		return nil, &errs.Npk{Msg: "fs.img must be stored uncompressed"}
	}

	manifestBytes, err := readZipEntry(manifestFile)
	if err != nil {
		return nil, &errs.Npk{Msg: fmt.Sprintf("read manifest.yaml: %v", err)}
	}
	m, err := manifest.Parse(manifestBytes)
	if err != nil {
		return nil, err
	}

	imageOffset, err := imageFile.DataOffset()
	if err != nil {
		return nil, &errs.Npk{Msg: fmt.Sprintf("locate fs.img: %v", err)}
	}
	imageLength := int64(imageFile.UncompressedSize64)

	imageDigest, err := digestZipEntry(imageFile)
	if err != nil {
		return nil, &errs.Npk{Msg: fmt.Sprintf("digest fs.img: %v", err)}
	}

	pkg := &Package{
		Path:        path,
		Manifest:    m,
		ImageOffset: imageOffset,
		ImageLength: imageLength,
	}

	if key == nil {
		return pkg, nil
	}

	if sigFile == nil {
		return nil, &errs.Key{Msg: "repository requires signed packages, but signature.yaml is absent"}
	}
	sigBytes, err := readZipEntry(sigFile)
	if err != nil {
		return nil, &errs.Npk{Msg: fmt.Sprintf("read signature.yaml: %v", err)}
	}
	sig, err := parseSignature(sigBytes)
	if err != nil {
		return nil, err
	}

	manifestDigest := digest.FromBytes(manifestBytes)
	canonical := canonicalDigest(manifestDigest, imageDigest, sig.RootHash)
	if !ed25519.Verify(key, []byte(canonical.String()), sig.Signature) {
		return nil, &errs.Key{Msg: "signature verification failed"}
	}

	pkg.Signed = true
	pkg.RootHash = sig.RootHash
	return pkg, nil
}

// canonicalDigest folds the manifest digest, image digest, and optional
// verity root hash into the single value the signature actually covers.
func canonicalDigest(manifestDigest, imageDigest digest.Digest, rootHash string) digest.Digest {
	h := sha256.New()
	io.WriteString(h, manifestDigest.String())
	io.WriteString(h, imageDigest.String())
	io.WriteString(h, rootHash)
	return digest.NewDigest(digest.SHA256, h)
}

func readZipEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func digestZipEntry(f *zip.File) (digest.Digest, error) {
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()
	h := sha256.New()
	if _, err := io.Copy(h, rc); err != nil {
		return "", err
	}
	return digest.NewDigest(digest.SHA256, h), nil
}

// HasVerityDescriptor reports whether this package carries a verity hash
// tree descriptor (a non-empty root hash in its signature), which the
// mount manager uses to decide between a Loopback and a Verity block
// device (spec.md §4.2).
func (p *Package) HasVerityDescriptor() bool {
	return p.Signed && p.RootHash != ""
}

// StreamToFile copies an incoming byte stream to a temporary file, used by
// a directory repository's Insert before the package is opened and
// validated (spec.md §4.1).
func StreamToFile(r io.Reader, tmpPath string) error {
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return &errs.Io{Op: "create " + tmpPath, Err: err}
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return &errs.Io{Op: "write " + tmpPath, Err: err}
	}
	return nil
}

func parseSignature(data []byte) (*Signature, error) {
	var sig Signature
	if err := yaml.Unmarshal(data, &sig); err != nil {
		return nil, &errs.Npk{Msg: fmt.Sprintf("invalid signature.yaml: %v", err)}
	}
	if len(sig.Signature) == 0 {
		return nil, &errs.Npk{Msg: "signature.yaml missing signature bytes"}
	}
	return &sig, nil
}
