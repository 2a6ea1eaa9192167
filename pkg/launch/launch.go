//go:build linux

// Package launch implements the Launcher (spec.md §4.3): the two-stage
// clone protocol that creates a container's PID and mount namespaces,
// applies its private filesystem view and seccomp filter, and hands
// control to its entry point. Go cannot safely run arbitrary code
// between fork and exec (the runtime's own threads would be left in an
// inconsistent state in the child), so the clone's "child path" is not a
// goroutine: it is a re-exec of this same binary into a hidden init
// subcommand (RunChild), the way runc and similar tools do it.
package launch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nstar-rt/nstar/pkg/identity"
	"github.com/nstar-rt/nstar/pkg/manifest"
)

// ReexecArg is the hidden argv[1] a Launcher passes to itself to select
// the child init path (RunChild) instead of the supervisor's normal
// entry point. cmd/nstard checks for this before parsing its own flags.
const ReexecArg = "__nstar_launch_child__"

// ResolvedMount is one mount-table entry with its in-container target
// path and host-side source fully resolved, ready to apply inside the
// child's new mount namespace. Resolution (resource lookup, persistent
// directory naming) happens in the parent, where group/resource
// databases are still reachable (spec.md §4.3 pre-clone preparation).
type ResolvedMount struct {
	Target string
	Kind   manifest.MountKind
	Source string // HostPath for binds, resource root for resources, persist dir for persist
	Size   uint64 // tmpfs size in bytes
}

// Spec is everything the Launcher needs to create one container process,
// already resolved by the caller (the State Engine) against the mounted
// container's root, its resources' roots, and the supervisor's run/data
// directories.
type Spec struct {
	Identity identity.Identity
	Manifest *manifest.Manifest

	// RootDir is the mounted container's root directory; the child
	// pivots into it.
	RootDir string

	Mounts []ResolvedMount
}

// State is one of the Launcher handle's three closed states (spec.md
// §4.3 "Process handle as tagged variant").
type State int

const (
	Created State = iota
	Started
	Stopped
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Started:
		return "started"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Handle is one container's launcher process handle. Its three states
// are a closed variant; start/stop are total functions per state, and
// calling them from the wrong state is a programming error, not a
// runtime error — callers (the State Engine) are expected to have
// already checked the container's lifecycle state.
type Handle struct {
	spec Spec

	mu    sync.Mutex
	state State
	pid   int

	tripwireW   *fileCloser
	checkpoint  *checkpoint
	childStdout *fileCloser
	childStderr *fileCloser

	exit     chan ExitStatus
	exitOnce sync.Once
}

// PID returns the container's top-level process id. Valid once Create
// has returned successfully.
func (h *Handle) PID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pid
}

// State reports the handle's current state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Exit publishes the container's terminal ExitStatus exactly once, from
// the dedicated wait task (spec.md §4.3 parent step 4).
func (h *Handle) Exit() <-chan ExitStatus { return h.exit }

// Stdout and Stderr are the read ends of the child's log-forward pipes,
// owned by log forwarders for the lifetime of the container.
func (h *Handle) Stdout() *os.File { return h.childStdout.f }
func (h *Handle) Stderr() *os.File { return h.childStderr.f }

// Destroy releases the handle's remaining descriptors: the tripwire
// write end (the child closed its read end before execve, so the
// container does not observe this closure) and the log-forward read
// ends. Called once the container has reached Stopped.
func (h *Handle) Destroy() {
	h.tripwireW.Close()
	h.childStdout.Close()
	h.childStderr.Close()
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// Stop sends the stop protocol (spec.md §4.3 "Stop protocol"): SIGTERM
// to the container's process group, escalating to SIGKILL if the exit
// does not arrive within timeout. Not cancellable: a caller that stops
// waiting on the returned ExitStatus does not stop the kill sequence
// from running to completion.
func (h *Handle) Stop(ctx context.Context, timeout time.Duration) (ExitStatus, error) {
	if h.State() == Stopped {
		panic("launch: Stop called on a Stopped handle")
	}

	pid := h.PID()
	err := unix.Kill(-pid, unix.SIGTERM)
	if err != nil && err != unix.ESRCH {
		return ExitStatus{}, fmt.Errorf("launch: SIGTERM process group %d: %w", pid, err)
	}

	select {
	case status := <-h.exit:
		h.setState(Stopped)
		return status, nil
	case <-time.After(timeout):
	}

	slog.WarnContext(ctx, "launch.Handle.Stop timeout, escalating to SIGKILL", "pid", pid)
	if killErr := unix.Kill(-pid, unix.SIGKILL); killErr != nil && killErr != unix.ESRCH {
		return ExitStatus{}, fmt.Errorf("launch: SIGKILL process group %d: %w", pid, killErr)
	}
	status := <-h.exit
	h.setState(Stopped)
	return status, nil
}
