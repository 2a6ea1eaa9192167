//go:build linux

package mount

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nstar-rt/nstar/pkg/errs"
	"github.com/nstar-rt/nstar/pkg/npk"
)

// Manager implements the mount/unmount algorithm of spec.md §4.2 against
// the device nodes named in the supervisor's configuration.
type Manager struct {
	DeviceMapperPath    string
	DeviceMapperDevPrefix string
	LoopControlPath     string
	LoopDevPrefix       string

	VerityTeardownDeadline time.Duration
}

// NewManager builds a Manager from the device-node paths in the
// supervisor config (spec.md §6).
func NewManager(deviceMapperPath, devMapperDevPrefix, loopControlPath, loopDevPrefix string) *Manager {
	return &Manager{
		DeviceMapperPath:       deviceMapperPath,
		DeviceMapperDevPrefix:  devMapperDevPrefix,
		LoopControlPath:        loopControlPath,
		LoopDevPrefix:          loopDevPrefix,
		VerityTeardownDeadline: 5 * time.Second,
	}
}

// Mount attaches pkg's filesystem image to a block device and mounts it
// read-only at targetDir. Device attachment happens synchronously within
// this call; the returned Future resolves once the mount(2) syscall
// itself (which may block on kernel-side verity verification) completes.
// Any mid-sequence failure rewinds everything that already succeeded.
func (m *Manager) Mount(ctx context.Context, pkg *npk.Package, targetDir string, key []byte) (*Future, error) {
	if err := os.MkdirAll(targetDir, 0o750); err != nil {
		return nil, &errs.Mount{Msg: "mkdir " + targetDir + ": " + err.Error()}
	}

	loopPath, err := attachLoop(m.LoopControlPath, m.LoopDevPrefix, pkg.Path, pkg.ImageOffset, pkg.ImageLength)
	if err != nil {
		return nil, &errs.Mount{Msg: "loop attach: " + err.Error()}
	}

	dev := &Device{Kind: Loopback, Path: loopPath, loopPath: loopPath}

	if len(key) > 0 && pkg.HasVerityDescriptor() {
		name := verityDeviceName(targetDir)
		verityPath, err := createVerityDevice(m.DeviceMapperPath, m.DeviceMapperDevPrefix, name, loopPath, pkg.RootHash, pkg.ImageLength)
		if err != nil {
			detachLoop(loopPath)
			return nil, &errs.Mount{Msg: "verity map: " + err.Error()}
		}
		dev = &Device{Kind: Verity, Path: verityPath, loopPath: loopPath}
	}

	future := newFuture()
	go func() {
		err := unix.Mount(dev.Path, targetDir, "squashfs", unix.MS_RDONLY, "")
		if err != nil {
			// Rewind everything that succeeded before reporting failure.
			if dev.Kind == Verity {
				name := verityDeviceName(targetDir)
				destroyVerityDeviceByName(m.DeviceMapperPath, name)
			}
			detachLoop(loopPath)
			future.resolve(nil, &errs.Mount{Msg: "mount " + targetDir + ": " + err.Error()})
			return
		}
		slog.InfoContext(ctx, "mount.Manager.Mount", "target", targetDir, "device", dev.Path, "kind", dev.Kind)
		future.resolve(dev, nil)
	}()

	return future, nil
}

// Unmount reverses Mount: unmount the directory, remove the dm-verity
// mapping (waiting for it to disappear, bounded by a deadline), detach
// the loop device. Idempotent: unmounting a path that is not currently
// mounted is not an error.
func (m *Manager) Unmount(ctx context.Context, targetDir string, dev *Device) error {
	err := unix.Unmount(targetDir, 0)
	if err != nil && err != unix.EINVAL && err != unix.ENOENT {
		return &errs.Mount{Msg: "unmount " + targetDir + ": " + err.Error()}
	}

	if dev == nil {
		return nil
	}

	if dev.Kind == Verity {
		name := verityDeviceName(targetDir)
		if err := destroyVerityDeviceByName(m.DeviceMapperPath, name); err != nil {
			return &errs.Mount{Msg: "verity destroy: " + err.Error()}
		}
		if err := waitVerityGone(m.DeviceMapperPath, name, m.VerityTeardownDeadline); err != nil {
			return err
		}
	}

	if err := detachLoop(dev.loopPath); err != nil {
		return &errs.Mount{Msg: "loop detach: " + err.Error()}
	}

	slog.InfoContext(ctx, "mount.Manager.Unmount", "target", targetDir)
	return nil
}

// verityDeviceName derives a dm-verity device name from the target
// directory so names stay stable and collision-free across containers.
func verityDeviceName(targetDir string) string {
	h := fnv.New64a()
	h.Write([]byte(targetDir))
	return fmt.Sprintf("nstar-verity-%x", h.Sum64())
}
