//go:build linux

package mount

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/nstar-rt/nstar/pkg/errs"
)

// attachLoop binds backingPath[offset:offset+length] to a free loop
// device and returns its path. Mirrors `losetup --offset --sizelimit`:
// acquire a free minor from the loop-control device, open it, SET_FD onto
// the backing file, then SET_STATUS64 to restrict the visible extent to
// just the package's fs.img region.
func attachLoop(loopControlPath, loopDevPrefix, backingPath string, offset, length int64) (path string, err error) {
	ctl, err := os.OpenFile(loopControlPath, os.O_RDWR, 0)
	if err != nil {
		return "", &errs.Os{Op: "open " + loopControlPath, Err: err}
	}
	defer ctl.Close()

	minor, err := unix.IoctlLoopCtlGetFree(int(ctl.Fd()))
	if err != nil {
		return "", &errs.Os{Op: "LOOP_CTL_GET_FREE", Err: err}
	}

	loopPath := fmt.Sprintf("%s%d", loopDevPrefix, minor)
	loopDev, err := os.OpenFile(loopPath, os.O_RDWR, 0)
	if err != nil {
		return "", &errs.Os{Op: "open " + loopPath, Err: err}
	}
	defer loopDev.Close()

	backing, err := os.OpenFile(backingPath, os.O_RDONLY, 0)
	if err != nil {
		return "", &errs.Os{Op: "open " + backingPath, Err: err}
	}
	defer backing.Close()

	if err := unix.IoctlLoopSetFd(int(loopDev.Fd()), int(backing.Fd())); err != nil {
		return "", &errs.Os{Op: "LOOP_SET_FD", Err: err}
	}

	info := unix.LoopInfo64{
		Offset:    uint64(offset),
		Sizelimit: uint64(length),
		Flags:     unix.LO_FLAGS_READ_ONLY,
	}
	if err := unix.IoctlLoopSetStatus64(int(loopDev.Fd()), &info); err != nil {
		unix.IoctlLoopClrFd(int(loopDev.Fd()))
		return "", &errs.Os{Op: "LOOP_SET_STATUS64", Err: err}
	}

	return loopPath, nil
}

// detachLoop clears the backing file association, freeing the loop
// device minor for reuse. Idempotent: detaching an already-detached
// device is not an error (it surfaces ENXIO, which we swallow).
func detachLoop(loopPath string) error {
	dev, err := os.OpenFile(loopPath, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &errs.Os{Op: "open " + loopPath, Err: err}
	}
	defer dev.Close()

	if err := unix.IoctlLoopClrFd(int(dev.Fd())); err != nil {
		if err == unix.ENXIO {
			return nil
		}
		return &errs.Os{Op: "LOOP_CLR_FD", Err: err}
	}
	return nil
}
