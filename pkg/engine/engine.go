// Package engine implements the State Engine (spec.md §4.7): the single
// serialization point owning the container map, the repository set, and
// handles to the Launcher, Mount Manager, and Cgroup Adapter. Every
// external event — client requests, child exits, OOM notifications,
// shutdown — arrives on one inbound queue and is processed one at a
// time, the way boxer.go centralizes sandbox lifecycle around a single
// Boxer rather than spreading it across handlers. Unlike boxer.go's bare
// map, the container map here has exactly one goroutine (Run's loop) as
// its owner; nothing outside that goroutine ever reads or writes it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/nstar-rt/nstar/pkg/codec"
	"github.com/nstar-rt/nstar/pkg/errs"
	"github.com/nstar-rt/nstar/pkg/identity"
	"github.com/nstar-rt/nstar/pkg/launch"
	"github.com/nstar-rt/nstar/pkg/manifest"
	"github.com/nstar-rt/nstar/pkg/mount"
	"github.com/nstar-rt/nstar/pkg/npk"
	"github.com/nstar-rt/nstar/pkg/repository"
	"github.com/nstar-rt/nstar/pkg/session"
)

// ProcessHandle is the subset of *launch.Handle the engine depends on.
// Declaring it here, rather than depending on *launch.Handle directly,
// lets engine tests substitute a fake process without a real clone.
type ProcessHandle interface {
	PID() int
	Start(ctx context.Context) error
	Exit() <-chan launch.ExitStatus
	Stop(ctx context.Context, timeout time.Duration) (launch.ExitStatus, error)
	Destroy()
}

// Launcher creates container processes. *launch.Launcher is adapted to
// this interface by realLauncher (wiring.go); it cannot satisfy it
// directly because Create's concrete return type is *launch.Handle, not
// ProcessHandle.
type Launcher interface {
	Create(ctx context.Context, spec launch.Spec) (ProcessHandle, error)
}

// CgroupHandle is the subset of *cgroup.Handle the engine depends on.
type CgroupHandle interface {
	Assign(pid int) error
	OutOfMemory() <-chan struct{}
	Destroy() error
}

// CgroupAdapter creates per-container cgroups. *cgroup.Adapter is
// adapted to this interface by realCgroupAdapter (wiring.go).
type CgroupAdapter interface {
	Create(ctx context.Context, name string, limits *manifest.CgroupLimits) (CgroupHandle, error)
}

// MountFuture is the subset of *mount.Future the engine depends on.
// *mount.Future satisfies it directly: Await's signature already matches.
type MountFuture interface {
	Await(ctx context.Context) (*mount.Device, error)
}

// MountManager mounts and unmounts container root filesystems.
// *mount.Manager is adapted to this interface by realMountManager
// (wiring.go), for the same reason as Launcher above.
type MountManager interface {
	Mount(ctx context.Context, pkg *npk.Package, targetDir string, key []byte) (MountFuture, error)
	Unmount(ctx context.Context, targetDir string, dev *mount.Device) error
}

// Config holds the directories the engine resolves container paths
// against (spec.md §6's run and data directories) plus the grace period
// used for an OOM-triggered stop and for shutdown.
type Config struct {
	RunDir  string
	DataDir string

	// OOMStopGrace is the timeout passed to stop() when the engine
	// reacts to an OutOfMemory event (spec.md §4.7: "stop(identity,
	// 5s)").
	OOMStopGrace time.Duration

	// ShutdownGrace is the per-container grace period shutdown() gives
	// each running container before escalating to SIGKILL.
	ShutdownGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.OOMStopGrace <= 0 {
		c.OOMStopGrace = 5 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 10 * time.Second
	}
	return c
}

// Engine is the State Engine. Construct with New and drive it with Run;
// Request, Install, and Subscribe are its session.Engine surface
// (pkg/session declares that interface to avoid an import cycle).
type Engine struct {
	cfg      Config
	repos    *repository.Set
	mountMgr MountManager
	launcher Launcher
	cgroups  CgroupAdapter

	containers map[identity.Identity]*entry

	inbox    chan any
	closedCh chan struct{}
	closed   bool

	notify *registry
}

// New builds an Engine. repos, mountMgr, launcher, and cgroups must all
// be non-nil; the engine does not run without somewhere to install,
// mount, launch, and account containers.
func New(cfg Config, repos *repository.Set, mountMgr MountManager, launcher Launcher, cgroups CgroupAdapter) *Engine {
	return &Engine{
		cfg:        cfg.withDefaults(),
		repos:      repos,
		mountMgr:   mountMgr,
		launcher:   launcher,
		cgroups:    cgroups,
		containers: map[identity.Identity]*entry{},
		inbox:      make(chan any),
		closedCh:   make(chan struct{}),
		notify:     newRegistry(),
	}
}

// call is one Request dispatched through the inbox with a one-shot
// reply channel (spec.md §4.6 step 3).
type call struct {
	req   codec.Request
	reply chan codec.Response
}

// installCall is Install dispatched the same way; the body is already a
// plain io.Reader by the time it reaches the engine (pkg/session has
// already pumped the raw bytes off the wire).
type installCall struct {
	repo       string
	body       io.Reader
	byteLength int64
	reply      chan codec.Response
}

type exitEvent struct {
	id     identity.Identity
	status launch.ExitStatus
}

type oomEvent struct {
	id identity.Identity
}

// Request implements session.Engine: enqueue req, await its Response.
func (e *Engine) Request(ctx context.Context, req codec.Request) (codec.Response, error) {
	c := &call{req: req, reply: make(chan codec.Response, 1)}
	select {
	case e.inbox <- c:
	case <-e.closedCh:
		return codec.Response{}, errors.New("engine: shut down")
	case <-ctx.Done():
		return codec.Response{}, ctx.Err()
	}
	select {
	case resp := <-c.reply:
		return resp, nil
	case <-e.closedCh:
		return codec.Response{}, errors.New("engine: shut down")
	case <-ctx.Done():
		return codec.Response{}, ctx.Err()
	}
}

// Install implements session.Engine: enqueue the streamed body, await
// its Response.
func (e *Engine) Install(ctx context.Context, repo string, r io.Reader, byteLength int64) (codec.Response, error) {
	c := &installCall{repo: repo, body: r, byteLength: byteLength, reply: make(chan codec.Response, 1)}
	select {
	case e.inbox <- c:
	case <-e.closedCh:
		return codec.Response{}, errors.New("engine: shut down")
	case <-ctx.Done():
		return codec.Response{}, ctx.Err()
	}
	select {
	case resp := <-c.reply:
		return resp, nil
	case <-e.closedCh:
		return codec.Response{}, errors.New("engine: shut down")
	case <-ctx.Done():
		return codec.Response{}, ctx.Err()
	}
}

// Subscribe implements session.Engine.
func (e *Engine) Subscribe() session.Subscription {
	return e.notify.subscribe()
}

// Run drives the engine's single serialization point until ctx is
// cancelled or a client Shutdown request completes. It always returns
// after every running container has been stopped and every mount torn
// down.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			e.doShutdown(context.Background())
			return ctx.Err()

		case raw := <-e.inbox:
			shutdownRequested := e.dispatch(ctx, raw)
			if shutdownRequested {
				e.doShutdown(ctx)
				return nil
			}
		}
	}
}

// dispatch handles one inbox item and reports whether it was a client
// Shutdown request that the caller must now act on.
func (e *Engine) dispatch(ctx context.Context, raw any) (shutdownRequested bool) {
	switch v := raw.(type) {
	case *call:
		if v.req.Shutdown != nil {
			v.reply <- codec.Response{Ok: &struct{}{}}
			return true
		}
		v.reply <- e.handleRequest(ctx, v.req)
	case *installCall:
		v.reply <- e.handleInstall(ctx, v.repo, v.body, v.byteLength)
	case *exitEvent:
		e.handleExit(ctx, v.id, v.status)
	case *oomEvent:
		e.handleOOM(ctx, v.id)
	default:
		panic(fmt.Sprintf("engine: unknown inbox item %T", raw))
	}
	return false
}

func (e *Engine) handleRequest(ctx context.Context, req codec.Request) codec.Response {
	switch {
	case req.Containers != nil:
		return e.containersSnapshot(ctx)
	case req.Repositories != nil:
		return codec.Response{Repositories: &codec.RepositoriesResponse{Labels: e.repos.Labels()}}
	case req.Install != nil:
		// Install arrives through Engine.Install/installCall, never as a
		// plain call, because it carries a byte stream; a Request frame
		// naming Install without a paired byte pump is a session bug.
		return errResponse(errors.New("engine: Install must be dispatched via Install, not Request"))
	case req.Uninstall != nil:
		return e.uninstall(ctx, req.Uninstall.Identity)
	case req.Mount != nil:
		return e.mount(ctx, req.Mount.Identities)
	case req.Umount != nil:
		return e.umount(ctx, req.Umount.Identity)
	case req.Start != nil:
		return e.start(ctx, req.Start.Identity)
	case req.Stop != nil:
		return e.stop(ctx, req.Stop.Identity, time.Duration(req.Stop.Seconds)*time.Second)
	default:
		return errResponse(errors.New("engine: empty request"))
	}
}

func errResponse(err error) codec.Response {
	return codec.Response{Err: toAPIError(err)}
}

// toAPIError mirrors pkg/session's own translation (it must: the engine
// can also originate errors a session never sees directly, such as
// those logged from exit/OOM handling) but is kept local rather than
// imported, since pkg/session declares Engine as an interface
// specifically to avoid depending on this package.
func toAPIError(err error) *codec.ApiError {
	kind := "Internal"
	switch {
	case errors.As(err, new(*errs.InvalidContainer)):
		kind = "InvalidContainer"
	case errors.As(err, new(*errs.InvalidRepository)):
		kind = "InvalidRepository"
	case errors.As(err, new(*errs.InstallDuplicate)):
		kind = "InstallDuplicate"
	case errors.As(err, new(*errs.UmountBusy)):
		kind = "UmountBusy"
	case errors.As(err, new(*errs.StartContainerStarted)):
		kind = "StartContainerStarted"
	case errors.As(err, new(*errs.StartContainerResource)):
		kind = "StartContainerResource"
	case errors.As(err, new(*errs.StartContainerMissingResource)):
		kind = "StartContainerMissingResource"
	case errors.As(err, new(*errs.StartContainerFailed)):
		kind = "StartContainerFailed"
	case errors.As(err, new(*errs.StopContainerNotStarted)):
		kind = "StopContainerNotStarted"
	}
	return &codec.ApiError{Kind: kind, Message: err.Error()}
}

func logErr(ctx context.Context, msg string, id identity.Identity, err error) {
	if err != nil {
		slog.ErrorContext(ctx, msg, "identity", id, "error", err)
	}
}
