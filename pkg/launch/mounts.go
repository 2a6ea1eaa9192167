//go:build linux

package launch

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/nstar-rt/nstar/pkg/errs"
	"github.com/nstar-rt/nstar/pkg/manifest"
)

// applyMounts applies every prepared mount in order under rootDir,
// per spec.md §4.3 child step 2: MS_BIND for binds, tmpfs for tmpfs
// entries; persist and resource mounts are bind mounts of a directory
// the caller has already resolved to a concrete host path.
func applyMounts(rootDir string, mounts []ResolvedMount) error {
	for _, m := range mounts {
		target := filepath.Join(rootDir, m.Target)
		if err := os.MkdirAll(target, 0o750); err != nil {
			return &errs.Io{Op: "mkdir " + target, Err: err}
		}

		switch m.Kind {
		case manifest.MountTmpfs:
			opts := fmt.Sprintf("size=%d", m.Size)
			if err := unix.Mount("tmpfs", target, "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, opts); err != nil {
				return &errs.Os{Op: "mount tmpfs " + target, Err: err}
			}
		case manifest.MountBind, manifest.MountPersist, manifest.MountResource:
			if err := unix.Mount(m.Source, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
				return &errs.Os{Op: "bind mount " + m.Source + " -> " + target, Err: err}
			}
		default:
			return fmt.Errorf("launch: unknown mount kind %d for %s", m.Kind, m.Target)
		}
	}
	return nil
}

// pivotInto pivots the mount namespace root to rootDir and marks it
// read-only, per spec.md §4.3 child step 2. pivot_root requires the new
// root to be a mount point in its own right, so rootDir is first
// bind-mounted onto itself; the old root is moved under a temporary
// directory inside the new root and unmounted immediately, since
// nothing outside the container's filesystem should remain reachable.
func pivotInto(rootDir string) error {
	if err := unix.Mount(rootDir, rootDir, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return &errs.Os{Op: "bind-mount root onto itself", Err: err}
	}

	oldRoot := filepath.Join(rootDir, ".nstar-old-root")
	if err := os.MkdirAll(oldRoot, 0o700); err != nil {
		return &errs.Io{Op: "mkdir " + oldRoot, Err: err}
	}

	if err := unix.PivotRoot(rootDir, oldRoot); err != nil {
		return &errs.Os{Op: "pivot_root", Err: err}
	}

	if err := os.Chdir("/"); err != nil {
		return &errs.Io{Op: "chdir /", Err: err}
	}

	oldRootAfterPivot := "/.nstar-old-root"
	if err := unix.Unmount(oldRootAfterPivot, unix.MNT_DETACH); err != nil {
		return &errs.Os{Op: "unmount old root", Err: err}
	}
	if err := os.Remove(oldRootAfterPivot); err != nil && !os.IsNotExist(err) {
		return &errs.Io{Op: "remove " + oldRootAfterPivot, Err: err}
	}

	if err := unix.Mount("", "/", "", unix.MS_REMOUNT|unix.MS_BIND|unix.MS_RDONLY, ""); err != nil {
		return &errs.Os{Op: "remount / read-only", Err: err}
	}

	return nil
}
