//go:build linux

package mount

import (
	"fmt"
	"os"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/nstar-rt/nstar/pkg/errs"
)

// The kernel's device-mapper control interface (DM_*_CMD ioctls against
// /dev/mapper/control) has no wrapper in golang.org/x/sys/unix — it is
// reached the same way snapd and moby reach raw, pack-undocumented ioctls
// elsewhere: a fixed-layout struct mirroring linux/dm-ioctl.h, marshaled
// by hand and passed through unix.Syscall(SYS_IOCTL, ...).
const (
	dmIoctlMajorVersion = 4
	dmNameLen           = 128
	dmUUIDLen           = 129
	dmDirPath           = "/dev/mapper/control"

	dmDevCreate  = 0xc138fd03
	dmDevRemove  = 0xc138fd04
	dmDevSuspend = 0xc138fd06 // also used to resume/activate
	dmTableLoad  = 0xc138fd09
	dmDevStatus  = 0xc138fd07

	dmTargetTypeLen = 16
	dmSectorSize    = 512
)

type dmIoctlHeader struct {
	Version    [3]uint32
	DataSize   uint32
	DataStart  uint32
	TargetNum  uint32
	OpenCount  int32
	Flags      uint32
	EventNr    uint32
	_          uint32
	Dev        uint64
	Name       [dmNameLen]byte
	UUID       [dmUUIDLen]byte
	_          [7]byte
}

func newDMHeader(name string) dmIoctlHeader {
	var h dmIoctlHeader
	h.Version = [3]uint32{dmIoctlMajorVersion, 0, 0}
	h.DataSize = uint32(unsafe.Sizeof(h))
	copy(h.Name[:], name)
	return h
}

func dmIoctl(ctlFd uintptr, cmd uintptr, h *dmIoctlHeader) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, ctlFd, cmd, uintptr(unsafe.Pointer(h)))
	if errno != 0 {
		return errno
	}
	return nil
}

// dmTargetSpec mirrors linux/dm-ioctl.h's struct dm_target_spec: one
// entry per mapped target, immediately followed in the ioctl buffer by
// its NUL-terminated, NUL-padded parameter string.
type dmTargetSpec struct {
	SectorStart uint64
	Length      uint64
	Status      int32
	Next        uint32
	TargetType  [dmTargetTypeLen]byte
}

// loadVerityTable issues DM_TABLE_LOAD against the device named by name,
// mapping its entire length (dataLength bytes, rounded down to whole
// 512-byte sectors) through a single "verity" target whose parameter
// line is paramLine. The kernel requires the header, the target spec,
// and the parameter string back to back in one buffer, with data_start
// pointing at the first target spec and data_size covering the whole
// thing — unlike the fixed-size control commands, this one has no
// single-struct shape to hand to dmIoctl, so it builds and submits the
// buffer itself.
func loadVerityTable(ctlFd uintptr, name, paramLine string, dataLength int64) error {
	var spec dmTargetSpec
	spec.SectorStart = 0
	spec.Length = uint64(dataLength) / dmSectorSize
	copy(spec.TargetType[:], "verity")

	params := append([]byte(paramLine), 0)
	for len(params)%8 != 0 {
		params = append(params, 0)
	}

	headerSize := int(unsafe.Sizeof(dmIoctlHeader{}))
	specSize := int(unsafe.Sizeof(spec))
	total := headerSize + specSize + len(params)

	buf := make([]byte, total)

	h := newDMHeader(name)
	h.DataSize = uint32(total)
	h.DataStart = uint32(headerSize)
	h.TargetNum = 1
	*(*dmIoctlHeader)(unsafe.Pointer(&buf[0])) = h
	*(*dmTargetSpec)(unsafe.Pointer(&buf[headerSize])) = spec
	copy(buf[headerSize+specSize:], params)

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, ctlFd, dmTableLoad, uintptr(unsafe.Pointer(&buf[0])))
	if errno != 0 {
		return errno
	}
	return nil
}

// verityTargetLine builds the single-line dm-verity target table: the
// hash algorithm and both device paths are the supervisor's; rootHash
// comes from the package's signed descriptor.
func verityTargetLine(dataDevice, hashDevice, rootHash string) string {
	// version 1, data_dev, hash_dev, data_block_size, hash_block_size,
	// num_data_blocks is left to the kernel via 0 meaning "whole device"
	// is not supported by all kernels, so callers must supply it; here we
	// rely on the loop device's reported size, already sized exactly to
	// the image via LOOP_SET_STATUS64's sizelimit.
	return fmt.Sprintf("0 %s %s sha256 %s", dataDevice, hashDevice, rootHash)
}

// createVerityDevice maps loopPath (the squashfs image) under dm-verity,
// keyed by rootHash, and returns the resulting /dev/mapper/<name> path.
// dataLength is the image's byte length (the loop device is sized to
// exactly this via LOOP_SET_STATUS64's sizelimit), used to compute the
// target's sector count.
func createVerityDevice(devMapperPath, devMapperDevPrefix, name, loopPath, rootHash string, dataLength int64) (string, error) {
	ctl, err := os.OpenFile(devMapperPath, os.O_RDWR, 0)
	if err != nil {
		return "", &errs.Os{Op: "open " + devMapperPath, Err: err}
	}
	defer ctl.Close()

	h := newDMHeader(name)
	if err := dmIoctl(ctl.Fd(), dmDevCreate, &h); err != nil {
		return "", &errs.Os{Op: "DM_DEV_CREATE", Err: err}
	}

	line := verityTargetLine(loopPath, loopPath, rootHash)
	if err := loadVerityTable(ctl.Fd(), name, line, dataLength); err != nil {
		destroyVerityDeviceByName(devMapperPath, name)
		return "", &errs.Os{Op: "DM_TABLE_LOAD", Err: err}
	}

	h2 := newDMHeader(name)
	if err := dmIoctl(ctl.Fd(), dmDevSuspend, &h2); err != nil {
		destroyVerityDeviceByName(devMapperPath, name)
		return "", &errs.Os{Op: "DM_DEV_SUSPEND (activate)", Err: err}
	}

	return devMapperDevPrefix + name, nil
}

func destroyVerityDeviceByName(devMapperPath, name string) error {
	ctl, err := os.OpenFile(devMapperPath, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &errs.Os{Op: "open " + devMapperPath, Err: err}
	}
	defer ctl.Close()

	h := newDMHeader(name)
	if err := dmIoctl(ctl.Fd(), dmDevRemove, &h); err != nil {
		return &errs.Os{Op: "DM_DEV_REMOVE", Err: err}
	}
	return nil
}

// waitVerityGone polls DM_DEV_STATUS until it reports ENXIO (device
// gone) or deadline elapses, per spec.md §4.2's teardown requirement to
// wait for the mapping to disappear before continuing.
func waitVerityGone(devMapperPath, name string, deadline time.Duration) error {
	ctl, err := os.OpenFile(devMapperPath, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &errs.Os{Op: "open " + devMapperPath, Err: err}
	}
	defer ctl.Close()

	deadlineAt := time.Now().Add(deadline)
	for time.Now().Before(deadlineAt) {
		h := newDMHeader(name)
		err := dmIoctl(ctl.Fd(), dmDevStatus, &h)
		if err == unix.ENXIO {
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return &errs.Mount{Msg: fmt.Sprintf("verity device %s did not disappear within %s", name, deadline)}
}
