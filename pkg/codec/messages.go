package codec

import (
	"github.com/nstar-rt/nstar/pkg/identity"
)

// Request is a client-to-server frame. Exactly one field is set,
// selecting which of spec.md §4.7's operations to invoke.
type Request struct {
	Containers   *struct{}         `json:"containers,omitempty"`
	Repositories *struct{}         `json:"repositories,omitempty"`
	Start        *StartRequest     `json:"start,omitempty"`
	Stop         *StopRequest      `json:"stop,omitempty"`
	Mount        *MountRequest     `json:"mount,omitempty"`
	Umount       *UmountRequest    `json:"umount,omitempty"`
	Install      *InstallRequest   `json:"install,omitempty"`
	Uninstall    *UninstallRequest `json:"uninstall,omitempty"`
	Shutdown     *struct{}         `json:"shutdown,omitempty"`
}

type StartRequest struct {
	Identity identity.Identity `json:"identity"`
}

type StopRequest struct {
	Identity identity.Identity `json:"identity"`
	Seconds  uint64            `json:"seconds"`
}

type MountRequest struct {
	Identities []identity.Identity `json:"identities"`
}

type UmountRequest struct {
	Identity identity.Identity `json:"identity"`
}

// InstallRequest declares the header spec.md §4.6 step 5 describes: the
// byte_length raw bytes of the package follow immediately on the stream,
// outside this JSON frame entirely.
type InstallRequest struct {
	Repository string `json:"repository"`
	ByteLength int64  `json:"byte_length"`
}

type UninstallRequest struct {
	Identity identity.Identity `json:"identity"`
}

// Response is a server-to-client reply to exactly one Request.
type Response struct {
	Containers   *ContainersResponse   `json:"containers,omitempty"`
	Repositories *RepositoriesResponse `json:"repositories,omitempty"`
	Mount        *MountResponse        `json:"mount,omitempty"`
	Ok           *struct{}             `json:"ok,omitempty"`
	Err          *ApiError             `json:"err,omitempty"`
}

// ContainerInfo is one containers() snapshot entry (spec.md §4.7).
type ContainerInfo struct {
	Identity identity.Identity `json:"identity"`
	Mounted  bool              `json:"mounted"`
	Process  *ProcessInfo      `json:"process,omitempty"`
}

// ProcessInfo describes a running container's process, present only when
// ContainerInfo.Process is non-nil.
type ProcessInfo struct {
	PID       int   `json:"pid"`
	UptimeSec int64 `json:"uptime_sec"`
	RSSBytes  int64 `json:"rss_bytes"`
}

type ContainersResponse struct {
	Containers []ContainerInfo `json:"containers"`
}

type RepositoriesResponse struct {
	Labels []string `json:"labels"`
}

// MountResultEntry is one per-identity outcome of a bulk mount request;
// Error is the empty string on success.
type MountResultEntry struct {
	Identity identity.Identity `json:"identity"`
	Error    string            `json:"error,omitempty"`
}

type MountResponse struct {
	Results []MountResultEntry `json:"results"`
}

// ApiError is the wire form every pkg/errs type collapses to at the
// session boundary: a stable machine-readable Kind plus a human Message.
type ApiError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Notification is an unsolicited server-to-client frame.
type Notification struct {
	Started     *StartedNotification     `json:"started,omitempty"`
	Stopped     *StoppedNotification     `json:"stopped,omitempty"`
	Exit        *ExitNotification        `json:"exit,omitempty"`
	OutOfMemory *OutOfMemoryNotification `json:"out_of_memory,omitempty"`
	Install     *InstallNotification     `json:"install,omitempty"`
	Uninstalled *UninstalledNotification `json:"uninstalled,omitempty"`
	Shutdown    *struct{}                `json:"shutdown,omitempty"`
}

type StartedNotification struct {
	Identity identity.Identity `json:"identity"`
}

type StoppedNotification struct {
	Identity identity.Identity `json:"identity"`
}

// ExitNotification carries the decoded exit status; Signal is zero and
// ignored when Signaled is false.
type ExitNotification struct {
	Identity identity.Identity `json:"identity"`
	Signaled bool              `json:"signaled"`
	Code     int               `json:"code"`
	Signal   int               `json:"signal,omitempty"`
}

type OutOfMemoryNotification struct {
	Identity identity.Identity `json:"identity"`
}

type InstallNotification struct {
	Identity identity.Identity `json:"identity"`
}

type UninstalledNotification struct {
	Identity identity.Identity `json:"identity"`
}
