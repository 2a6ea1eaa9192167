// Package errs implements the error taxonomy from spec.md §7: one distinct,
// user-visible error type per failure kind, translated to the wire
// ApiError when pkg/engine or pkg/session builds a reply. Internal invariant violations are
// panics, not errors returned from this package.
package errs

import (
	"fmt"

	"github.com/nstar-rt/nstar/pkg/identity"
)

// InvalidContainer is returned when an identity is not present in any
// repository.
type InvalidContainer struct {
	Identity identity.Identity
}

func (e *InvalidContainer) Error() string {
	return fmt.Sprintf("no such container: %s", e.Identity)
}

// InvalidRepository is returned when a repository label is unknown.
type InvalidRepository struct {
	Label string
}

func (e *InvalidRepository) Error() string {
	return fmt.Sprintf("no such repository: %s", e.Label)
}

// InstallDuplicate is returned when install targets an identity that
// already exists in some repository.
type InstallDuplicate struct {
	Identity identity.Identity
}

func (e *InstallDuplicate) Error() string {
	return fmt.Sprintf("already installed: %s", e.Identity)
}

// UmountBusy is returned when a container cannot be unmounted because it is
// running, or because a running application references it as a resource.
type UmountBusy struct {
	Identity identity.Identity
}

func (e *UmountBusy) Error() string {
	return fmt.Sprintf("busy, cannot unmount: %s", e.Identity)
}

// StartContainerStarted is returned by start() on an already-running
// container.
type StartContainerStarted struct {
	Identity identity.Identity
}

func (e *StartContainerStarted) Error() string {
	return fmt.Sprintf("already started: %s", e.Identity)
}

// StartContainerResource is returned by start() on a resource container,
// which can never become a process.
type StartContainerResource struct {
	Identity identity.Identity
}

func (e *StartContainerResource) Error() string {
	return fmt.Sprintf("is a resource container, cannot start: %s", e.Identity)
}

// StartContainerMissingResource is returned when a transitive resource
// dependency named in the manifest's mount table is not installed.
type StartContainerMissingResource struct {
	Identity identity.Identity
	Resource identity.Identity
}

func (e *StartContainerMissingResource) Error() string {
	return fmt.Sprintf("%s: missing resource %s", e.Identity, e.Resource)
}

// StartContainerFailed wraps any failure past resource resolution: mount
// failure, launcher failure, cgroup failure.
type StartContainerFailed struct {
	Identity identity.Identity
	Reason   string
}

func (e *StartContainerFailed) Error() string {
	return fmt.Sprintf("%s: start failed: %s", e.Identity, e.Reason)
}

// StopContainerNotStarted is returned by stop() on a container with no
// running process.
type StopContainerNotStarted struct {
	Identity identity.Identity
}

func (e *StopContainerNotStarted) Error() string {
	return fmt.Sprintf("not started: %s", e.Identity)
}

// Npk wraps a package-parsing/verification fault with a human message.
type Npk struct{ Msg string }

func (e *Npk) Error() string { return "npk: " + e.Msg }

// Mount wraps a mount-manager fault.
type Mount struct{ Msg string }

func (e *Mount) Error() string { return "mount: " + e.Msg }

// Cgroup wraps a cgroup-adapter fault.
type Cgroup struct{ Msg string }

func (e *Cgroup) Error() string { return "cgroup: " + e.Msg }

// Seccomp wraps a seccomp filter compilation or install fault.
type Seccomp struct{ Msg string }

func (e *Seccomp) Error() string { return "seccomp: " + e.Msg }

// Key wraps a signature-key fault.
type Key struct{ Msg string }

func (e *Key) Error() string { return "key: " + e.Msg }

// Console wraps a control-plane transport fault.
type Console struct{ Msg string }

func (e *Console) Error() string { return "console: " + e.Msg }

// FrameTooLarge is returned when a control-plane frame exceeds the
// codec's configured maximum line length (spec.md §4.5).
type FrameTooLarge struct{}

func (e *FrameTooLarge) Error() string { return "control-plane frame exceeds maximum line length" }

// PendingRequest is returned when a second request arrives on a
// connection before the first has completed; pipelining is forbidden
// (spec.md §4.6 step 4).
type PendingRequest struct{}

func (e *PendingRequest) Error() string { return "a request is already pending on this connection" }

// Io wraps an I/O syscall failure with the operation name that triggered
// it, so logs read "io: mount /run/nstar/hello:0.0.1: permission denied"
// instead of a bare errno.
type Io struct {
	Op  string
	Err error
}

func (e *Io) Error() string { return fmt.Sprintf("io: %s: %v", e.Op, e.Err) }
func (e *Io) Unwrap() error { return e.Err }

// Os wraps a raw errno from a syscall that isn't a plain file I/O op
// (clone, mount, ioctl, prctl, ...).
type Os struct {
	Op  string
	Err error
}

func (e *Os) Error() string { return fmt.Sprintf("os: %s: %v", e.Op, e.Err) }
func (e *Os) Unwrap() error { return e.Err }

// Configuration is a fatal startup error: malformed config, duplicate
// repository names, missing key file.
type Configuration struct{ Msg string }

func (e *Configuration) Error() string { return "configuration: " + e.Msg }
