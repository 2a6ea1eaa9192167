package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nstar-rt/nstar/pkg/codec"
	"github.com/nstar-rt/nstar/pkg/errs"
	"github.com/nstar-rt/nstar/pkg/identity"
	"github.com/nstar-rt/nstar/pkg/launch"
	"github.com/nstar-rt/nstar/pkg/manifest"
)

// containersSnapshot implements containers() (spec.md §4.7): every
// installed identity, annotated with the engine's own mounted/running
// view.
func (e *Engine) containersSnapshot(ctx context.Context) codec.Response {
	installed, err := e.repos.ListAll(ctx)
	if err != nil {
		return errResponse(err)
	}
	out := make([]codec.ContainerInfo, 0, len(installed))
	for id := range installed {
		ci := codec.ContainerInfo{Identity: id}
		if en, ok := e.containers[id]; ok {
			ci.Mounted = en.mounted()
			if en.proc != nil {
				ci.Process = &codec.ProcessInfo{
					PID:       en.proc.handle.PID(),
					UptimeSec: int64(time.Since(en.proc.startedAt).Seconds()),
					RSSBytes:  readRSSBytes(en.proc.handle.PID()),
				}
			}
		}
		out = append(out, ci)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity.String() < out[j].Identity.String() })
	return codec.Response{Containers: &codec.ContainersResponse{Containers: out}}
}

// handleInstall implements install(repo, bytes): stream into the named
// repository, then reject it as a cross-repository duplicate if the
// index already knows the resulting identity under a different label
// (spec.md §3).
func (e *Engine) handleInstall(ctx context.Context, repoLabel string, r io.Reader, byteLength int64) codec.Response {
	repo, ok := e.repos.Get(repoLabel)
	if !ok {
		return errResponse(&errs.InvalidRepository{Label: repoLabel})
	}
	id, err := repo.Insert(ctx, r, byteLength)
	if err != nil {
		return errResponse(err)
	}
	if owner, found := e.repos.Owner(id); found && owner != repoLabel {
		repo.Remove(ctx, id)
		return errResponse(&errs.InstallDuplicate{Identity: id})
	}
	if err := e.repos.Record(repoLabel, id); err != nil {
		logErr(ctx, "engine: record installed identity in index", id, err)
	}
	e.notify.broadcast(codec.Notification{Install: &codec.InstallNotification{Identity: id}})
	return codec.Response{Ok: &struct{}{}}
}

// uninstall implements uninstall(identity) (spec.md §4.7): unmount if
// mounted, then remove from the owning repository. Fails with
// UmountBusy under the same conditions umount() does — a running
// container, or one still referenced as another container's resource —
// since uninstall implies the same unmount umount performs explicitly.
func (e *Engine) uninstall(ctx context.Context, id identity.Identity) codec.Response {
	label, _, found := e.repos.Find(ctx, id)
	if !found {
		return errResponse(&errs.InvalidContainer{Identity: id})
	}
	if en, ok := e.containers[id]; ok && en.mounted() {
		if en.running() || en.resourceRefs > 0 {
			return errResponse(&errs.UmountBusy{Identity: id})
		}
		if err := e.unmountEntry(ctx, id, en); err != nil {
			return errResponse(err)
		}
		delete(e.containers, id)
	}
	repo, _ := e.repos.Get(label)
	if err := repo.Remove(ctx, id); err != nil {
		return errResponse(err)
	}
	if err := e.repos.Forget(id); err != nil {
		logErr(ctx, "engine: forget uninstalled identity in index", id, err)
	}
	e.notify.broadcast(codec.Notification{Uninstalled: &codec.UninstalledNotification{Identity: id}})
	return codec.Response{Ok: &struct{}{}}
}

// mount implements mount(identities) (spec.md §4.7): per-identity
// results, all attempted concurrently, idempotent on an already-mounted
// identity.
func (e *Engine) mount(ctx context.Context, ids []identity.Identity) codec.Response {
	results, entries := e.mountAll(ctx, ids)
	for i, en := range entries {
		if en != nil {
			e.containers[ids[i]] = en
		}
	}
	return codec.Response{Mount: &codec.MountResponse{Results: results}}
}

// mountAll mounts every id concurrently and reports one result per id,
// without touching e.containers itself — callers decide what to commit
// (mount() commits every success; start()'s rollback path commits
// nothing on failure).
func (e *Engine) mountAll(ctx context.Context, ids []identity.Identity) ([]codec.MountResultEntry, []*entry) {
	results := make([]codec.MountResultEntry, len(ids))
	entries := make([]*entry, len(ids))

	var g errgroup.Group
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			results[i], entries[i] = e.mountOne(ctx, id)
			return nil
		})
	}
	g.Wait()
	return results, entries
}

// mountOne mounts a single identity, or reports it already mounted.
// entries[i] is nil both when nothing needed to change (already mounted)
// and when the attempt failed; only a genuinely new mount returns a
// non-nil entry for the caller to commit.
func (e *Engine) mountOne(ctx context.Context, id identity.Identity) (codec.MountResultEntry, *entry) {
	if en, ok := e.containers[id]; ok && en.mounted() {
		return codec.MountResultEntry{Identity: id}, nil
	}

	label, pkg, found := e.repos.Find(ctx, id)
	if !found {
		return codec.MountResultEntry{Identity: id, Error: (&errs.InvalidContainer{Identity: id}).Error()}, nil
	}
	repo, _ := e.repos.Get(label)

	targetDir := filepath.Join(e.cfg.RunDir, id.DirName())
	future, err := e.mountMgr.Mount(ctx, pkg, targetDir, []byte(repo.Key()))
	if err != nil {
		return codec.MountResultEntry{Identity: id, Error: err.Error()}, nil
	}
	dev, err := future.Await(ctx)
	if err != nil {
		return codec.MountResultEntry{Identity: id, Error: err.Error()}, nil
	}
	return codec.MountResultEntry{Identity: id}, &entry{rootDir: targetDir, device: dev}
}

// umount implements umount(identity) (spec.md §4.7).
func (e *Engine) umount(ctx context.Context, id identity.Identity) codec.Response {
	en, ok := e.containers[id]
	if !ok || !en.mounted() {
		return codec.Response{Ok: &struct{}{}}
	}
	if en.running() || en.resourceRefs > 0 {
		return errResponse(&errs.UmountBusy{Identity: id})
	}
	if err := e.unmountEntry(ctx, id, en); err != nil {
		return errResponse(err)
	}
	delete(e.containers, id)
	return codec.Response{Ok: &struct{}{}}
}

func (e *Engine) unmountEntry(ctx context.Context, id identity.Identity, en *entry) error {
	if err := e.mountMgr.Unmount(ctx, en.rootDir, en.device); err != nil {
		return &errs.Mount{Msg: fmt.Sprintf("unmount %s: %v", id, err)}
	}
	return nil
}

// start implements start(identity) (spec.md §4.7 steps a-f).
func (e *Engine) start(ctx context.Context, id identity.Identity) codec.Response {
	_, pkg, found := e.repos.Find(ctx, id)
	if !found {
		return errResponse(&errs.InvalidContainer{Identity: id})
	}
	m := pkg.Manifest

	if m.IsResource() {
		return errResponse(&errs.StartContainerResource{Identity: id})
	}
	if en, ok := e.containers[id]; ok && en.running() {
		return errResponse(&errs.StartContainerStarted{Identity: id})
	}

	resources := m.Resources()
	for _, r := range resources {
		if _, _, found := e.repos.Find(ctx, r); !found {
			return errResponse(&errs.StartContainerMissingResource{Identity: id, Resource: r})
		}
	}

	toMount := append([]identity.Identity{id}, resources...)
	preMounted := make([]bool, len(toMount))
	for i, tid := range toMount {
		if en, ok := e.containers[tid]; ok && en.mounted() {
			preMounted[i] = true
		}
	}

	results, entries := e.mountAll(ctx, toMount)
	var firstErr string
	for _, r := range results {
		if r.Error != "" && firstErr == "" {
			firstErr = r.Error
		}
	}
	if firstErr != "" {
		// Roll back every mount this call newly performed; leave
		// anything that was already mounted before this start() alone.
		for i, en := range entries {
			if en != nil && !preMounted[i] {
				e.mountMgr.Unmount(ctx, en.rootDir, en.device)
			}
		}
		return errResponse(&errs.StartContainerFailed{Identity: id, Reason: firstErr})
	}

	for i, en := range entries {
		if en != nil {
			e.containers[toMount[i]] = en
		}
	}
	for _, r := range resources {
		e.containers[r].resourceRefs++
	}
	releaseRefs := func() {
		for _, r := range resources {
			e.containers[r].resourceRefs--
		}
	}

	containerEntry := e.containers[id]
	spec, err := e.buildLaunchSpec(id, m, containerEntry.rootDir)
	if err != nil {
		e.releaseStartMounts(ctx, id, resources, toMount, preMounted, entries)
		return errResponse(&errs.StartContainerFailed{Identity: id, Reason: err.Error()})
	}

	handle, err := e.launcher.Create(ctx, spec)
	if err != nil {
		e.releaseStartMounts(ctx, id, resources, toMount, preMounted, entries)
		return errResponse(&errs.StartContainerFailed{Identity: id, Reason: err.Error()})
	}

	cg, err := e.cgroups.Create(ctx, id.DirName(), m.Cgroup)
	if err != nil {
		// Post-mount failure: destroy cgroup and debug handles, leave
		// the container mounted (spec.md §4.7 start step e).
		handle.Destroy()
		releaseRefs()
		return errResponse(&errs.StartContainerFailed{Identity: id, Reason: err.Error()})
	}
	if err := cg.Assign(handle.PID()); err != nil {
		cg.Destroy()
		handle.Destroy()
		releaseRefs()
		return errResponse(&errs.StartContainerFailed{Identity: id, Reason: err.Error()})
	}

	// The child is assigned to its cgroup while still parked at
	// checkpoint A; only now is it released to run its entry point.
	if err := handle.Start(ctx); err != nil {
		cg.Destroy()
		handle.Destroy()
		releaseRefs()
		return errResponse(&errs.StartContainerFailed{Identity: id, Reason: err.Error()})
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	containerEntry.proc = &procState{
		handle:    handle,
		cgroup:    cg,
		startedAt: time.Now(),
		resources: resources,
		cancel:    cancel,
	}
	go e.watchProcess(watchCtx, id, handle, cg)

	e.notify.broadcast(codec.Notification{Started: &codec.StartedNotification{Identity: id}})
	return codec.Response{Ok: &struct{}{}}
}

// releaseStartMounts undoes the mount phase of a start() call that
// failed while building the launch spec or creating the process, before
// any process context was recorded. Cgroup and release failures do not
// call it: they leave the container mounted.
func (e *Engine) releaseStartMounts(ctx context.Context, id identity.Identity, resources, toMount []identity.Identity, preMounted []bool, entries []*entry) {
	for _, r := range resources {
		if en, ok := e.containers[r]; ok {
			en.resourceRefs--
		}
	}
	for i, en := range entries {
		if en != nil && !preMounted[i] {
			e.mountMgr.Unmount(ctx, en.rootDir, en.device)
			delete(e.containers, toMount[i])
		}
	}
}

// buildLaunchSpec resolves a manifest's mount table into the
// host-side-resolved form the Launcher expects (spec.md §4.3's
// pre-clone preparation: resource and persistence paths must be
// resolved before the clone, while the engine's directories are still
// reachable).
func (e *Engine) buildLaunchSpec(id identity.Identity, m *manifest.Manifest, rootDir string) (launch.Spec, error) {
	mounts := make([]launch.ResolvedMount, 0, len(m.Mounts))
	for target, mnt := range m.Mounts {
		rm := launch.ResolvedMount{Target: target, Kind: mnt.Kind, Size: mnt.SizeBytes}
		switch mnt.Kind {
		case manifest.MountBind:
			rm.Source = mnt.HostPath
		case manifest.MountTmpfs:
			// Source unused.
		case manifest.MountPersist:
			dir := filepath.Join(e.cfg.DataDir, id.DirName())
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return launch.Spec{}, fmt.Errorf("engine: create persist directory %s: %w", dir, err)
			}
			rm.Source = dir
		case manifest.MountResource:
			resEntry, ok := e.containers[mnt.Resource]
			if !ok || !resEntry.mounted() {
				return launch.Spec{}, fmt.Errorf("engine: resource %s not mounted for %s", mnt.Resource, id)
			}
			rm.Source = filepath.Join(resEntry.rootDir, mnt.SubPath)
		}
		mounts = append(mounts, rm)
	}

	return launch.Spec{
		Identity: id,
		Manifest: m,
		RootDir:  rootDir,
		Mounts:   mounts,
	}, nil
}

// stop implements stop(identity, timeout) (spec.md §4.7).
func (e *Engine) stop(ctx context.Context, id identity.Identity, timeout time.Duration) codec.Response {
	en, ok := e.containers[id]
	if !ok || en.proc == nil {
		return errResponse(&errs.StopContainerNotStarted{Identity: id})
	}
	e.stopRunning(ctx, id, en, timeout)
	e.notify.broadcast(codec.Notification{Stopped: &codec.StoppedNotification{Identity: id}})
	return codec.Response{Ok: &struct{}{}}
}

// stopRunning drives one running container through the launcher's stop
// protocol and releases its cgroup and resource references. Shared by
// stop(), the OOM handler, and shutdown().
func (e *Engine) stopRunning(ctx context.Context, id identity.Identity, en *entry, timeout time.Duration) {
	proc := en.proc
	proc.cancel()
	if _, err := proc.handle.Stop(ctx, timeout); err != nil {
		logErr(ctx, "engine: launcher stop", id, err)
	}
	proc.handle.Destroy()
	if err := proc.cgroup.Destroy(); err != nil {
		logErr(ctx, "engine: cgroup destroy", id, err)
	}
	for _, r := range proc.resources {
		if re, ok := e.containers[r]; ok {
			re.resourceRefs--
		}
	}
	en.proc = nil
}

// handleExit implements the Exit event (spec.md §4.7): drop the process
// context the dedicated wait task belonged to, destroy cgroup and debug
// handles, emit Exit. A container with no running process context is
// ignored: shutdown raced the exit.
func (e *Engine) handleExit(ctx context.Context, id identity.Identity, status launch.ExitStatus) {
	en, ok := e.containers[id]
	if !ok || en.proc == nil {
		return
	}
	proc := en.proc
	proc.cancel()
	proc.handle.Destroy()
	if err := proc.cgroup.Destroy(); err != nil {
		logErr(ctx, "engine: cgroup destroy on exit", id, err)
	}
	for _, r := range proc.resources {
		if re, ok := e.containers[r]; ok {
			re.resourceRefs--
		}
	}
	en.proc = nil

	e.notify.broadcast(codec.Notification{Exit: &codec.ExitNotification{
		Identity: id,
		Signaled: status.Signaled,
		Code:     status.Code,
		Signal:   int(status.Signal),
	}})
}

// handleOOM implements the OOM event (spec.md §4.7): emit
// OutOfMemory(identity), then stop(identity, 5s). Both happen inside
// the same inbox turn as any other event, preserving the engine's
// total ordering.
func (e *Engine) handleOOM(ctx context.Context, id identity.Identity) {
	e.notify.broadcast(codec.Notification{OutOfMemory: &codec.OutOfMemoryNotification{Identity: id}})
	en, ok := e.containers[id]
	if !ok || en.proc == nil {
		return
	}
	e.stopRunning(ctx, id, en, e.cfg.OOMStopGrace)
	e.notify.broadcast(codec.Notification{Stopped: &codec.StoppedNotification{Identity: id}})
}

// watchProcess forwards one running container's exit and OOM events
// onto the engine's inbound queue, keeping the engine's single
// goroutine as the only place that ever mutates container state (spec.md
// §4.3 parent step 4's wait-task decoupling, extended to OOM).
func (e *Engine) watchProcess(ctx context.Context, id identity.Identity, handle ProcessHandle, cg CgroupHandle) {
	for {
		select {
		case <-ctx.Done():
			return
		case status, ok := <-handle.Exit():
			if !ok {
				return
			}
			select {
			case e.inbox <- &exitEvent{id: id, status: status}:
			case <-e.closedCh:
			}
			return
		case _, ok := <-cg.OutOfMemory():
			if !ok {
				continue
			}
			select {
			case e.inbox <- &oomEvent{id: id}:
			case <-e.closedCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

// doShutdown implements shutdown() (spec.md §4.7): stop every running
// container with a fixed grace period, unmount everything mounted
// (including resources), then reject all further requests.
func (e *Engine) doShutdown(ctx context.Context) {
	if e.closed {
		return
	}
	e.closed = true

	var g errgroup.Group
	for id, en := range e.containers {
		if en.proc == nil {
			continue
		}
		id, en := id, en
		g.Go(func() error {
			e.stopRunning(ctx, id, en, e.cfg.ShutdownGrace)
			return nil
		})
	}
	g.Wait()

	var ug errgroup.Group
	for id, en := range e.containers {
		if !en.mounted() {
			continue
		}
		id, en := id, en
		ug.Go(func() error {
			if err := e.unmountEntry(ctx, id, en); err != nil {
				logErr(ctx, "engine: unmount during shutdown", id, err)
			}
			return nil
		})
	}
	ug.Wait()
	e.containers = map[identity.Identity]*entry{}

	e.notify.broadcast(codec.Notification{Shutdown: &struct{}{}})
	e.notify.closeAll()
	close(e.closedCh)
}

// readRSSBytes best-effort reads a process's resident set size from
// /proc; containers() reports zero rather than failing the whole
// request when it cannot (the process may have just exited).
func readRSSBytes(pid int) int64 {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return 0
	}
	var kb int64
	for _, line := range splitLines(data) {
		if n, ok := parseVmRSSLine(line); ok {
			kb = n
			break
		}
	}
	return kb * 1024
}

func splitLines(data []byte) []string {
	var lines []string
	start := 0
	for i, b := range data {
		if b == '\n' {
			lines = append(lines, string(data[start:i]))
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, string(data[start:]))
	}
	return lines
}

func parseVmRSSLine(line string) (int64, bool) {
	const prefix = "VmRSS:"
	if len(line) <= len(prefix) || line[:len(prefix)] != prefix {
		return 0, false
	}
	var n int64
	_, err := fmt.Sscanf(line[len(prefix):], "%d", &n)
	if err != nil {
		return 0, false
	}
	return n, true
}
