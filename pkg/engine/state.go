package engine

import (
	"time"

	"github.com/nstar-rt/nstar/pkg/identity"
	"github.com/nstar-rt/nstar/pkg/mount"
)

// entry is the engine's per-identity runtime record. An identity with no
// entry is installed (in some repository) but neither mounted nor
// running. Owned solely by Run's goroutine (spec.md §5 "The container
// map is owned solely by the engine").
type entry struct {
	rootDir string
	device  *mount.Device

	// resourceRefs counts running containers whose manifest names this
	// identity as a mount-table resource dependency; umount refuses
	// while it is nonzero (spec.md §4.7 umount/UmountBusy).
	resourceRefs int

	proc *procState
}

func (en *entry) mounted() bool { return en.rootDir != "" }
func (en *entry) running() bool { return en.proc != nil }

// procState is the running half of an entry: the launched process, its
// cgroup, and the resource identities it pinned at start so stop and
// exit handling can release them.
type procState struct {
	handle    ProcessHandle
	cgroup    CgroupHandle
	startedAt time.Time
	resources []identity.Identity
	cancel    func()
}
