//go:build linux

package launch

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// capabilityByName maps the manifest's capability names (spec.md §3,
// §4.3 child step 3: "the manifest may name inheritable capabilities to
// preserve") to their kernel capability numbers. Linux currently defines
// capabilities 0-40; see capability(7).
var capabilityByName = map[string]uintptr{
	"CAP_CHOWN":            0,
	"CAP_DAC_OVERRIDE":     1,
	"CAP_DAC_READ_SEARCH":  2,
	"CAP_FOWNER":           3,
	"CAP_FSETID":           4,
	"CAP_KILL":             5,
	"CAP_SETGID":           6,
	"CAP_SETUID":           7,
	"CAP_SETPCAP":          8,
	"CAP_LINUX_IMMUTABLE":  9,
	"CAP_NET_BIND_SERVICE": 10,
	"CAP_NET_BROADCAST":    11,
	"CAP_NET_ADMIN":        12,
	"CAP_NET_RAW":          13,
	"CAP_IPC_LOCK":         14,
	"CAP_IPC_OWNER":        15,
	"CAP_SYS_MODULE":       16,
	"CAP_SYS_RAWIO":        17,
	"CAP_SYS_CHROOT":       18,
	"CAP_SYS_PTRACE":       19,
	"CAP_SYS_PACCT":        20,
	"CAP_SYS_ADMIN":        21,
	"CAP_SYS_BOOT":         22,
	"CAP_SYS_NICE":         23,
	"CAP_SYS_RESOURCE":     24,
	"CAP_SYS_TIME":         25,
	"CAP_SYS_TTY_CONFIG":   26,
	"CAP_MKNOD":            27,
	"CAP_LEASE":            28,
	"CAP_AUDIT_WRITE":      29,
	"CAP_AUDIT_CONTROL":    30,
	"CAP_SETFCAP":          31,
	"CAP_MAC_OVERRIDE":     32,
	"CAP_MAC_ADMIN":        33,
	"CAP_SYSLOG":           34,
	"CAP_WAKE_ALARM":       35,
	"CAP_BLOCK_SUSPEND":    36,
	"CAP_AUDIT_READ":       37,
	"CAP_PERFMON":          38,
	"CAP_BPF":              39,
	"CAP_CHECKPOINT_RESTORE": 40,
}

const capLastCap = 40

// capUserHeader/capUserData mirror struct __user_cap_header_struct and
// struct __user_cap_data_struct from linux/capability.h; x/sys/unix
// does not wrap capget/capset, so this supervisor reaches them the same
// raw way other examples in this pack's corpus do.
type capUserHeader struct {
	version uint32
	pid     int32
}

type capUserData struct {
	effective   uint32
	permissible uint32
	inheritable uint32
}

const capUserHeaderVersion3 = 0x20080522

// resetCapabilities drops every capability except the ones named in
// keep (by manifest name) from the effective, permitted, and
// inheritable sets and from the bounding set, per spec.md §4.3 child
// step 3: "drop all by default; the manifest may name inheritable
// capabilities to preserve."
func resetCapabilities(keep []string) error {
	var keepMask uint64
	for _, name := range keep {
		bit, ok := capabilityByName[name]
		if !ok {
			return fmt.Errorf("launch: unknown capability %q", name)
		}
		keepMask |= 1 << bit
	}

	for i := uintptr(0); i <= capLastCap; i++ {
		if keepMask&(1<<i) != 0 {
			continue
		}
		if err := prctl(unix.PR_CAPBSET_DROP, i, 0, 0, 0); err != nil {
			if err == unix.EINVAL {
				continue // capability unsupported by this kernel
			}
			return fmt.Errorf("launch: drop bounding capability %d: %w", i, err)
		}
	}

	hdr := capUserHeader{version: capUserHeaderVersion3, pid: int32(os.Getpid())}
	var data [2]capUserData
	lo := uint32(keepMask)
	hi := uint32(keepMask >> 32)
	data[0] = capUserData{effective: lo, permissible: lo, inheritable: lo}
	data[1] = capUserData{effective: hi, permissible: hi, inheritable: hi}

	if err := capset(&hdr, &data[0]); err != nil {
		return fmt.Errorf("launch: capset: %w", err)
	}
	return nil
}

func capset(hdr *capUserHeader, data *capUserData) error {
	_, _, errno := unix.Syscall(unix.SYS_CAPSET, uintptr(unsafe.Pointer(hdr)), uintptr(unsafe.Pointer(data)), 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func prctl(option uintptr, arg2, arg3, arg4, arg5 uintptr) error {
	_, _, errno := unix.Syscall6(unix.SYS_PRCTL, option, arg2, arg3, arg4, arg5, 0)
	if errno != 0 {
		return errno
	}
	return nil
}
