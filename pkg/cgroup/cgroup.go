//go:build linux

// Package cgroup implements the Cgroup Adapter (spec.md §4.4): create /
// assign / destroy cgroups for a running container, and publish an
// out-of-memory event when the memory controller's OOM notifier fires.
// Cgroup accounting detail beyond this surface is out of scope (spec.md
// §1's Non-goals).
package cgroup

import (
	"context"
	"log/slog"

	"github.com/containerd/cgroups/v3/cgroup1"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/nstar-rt/nstar/pkg/errs"
	"github.com/nstar-rt/nstar/pkg/manifest"
)

// Adapter creates cgroups under one fixed parent path, shared by every
// controller; there is no separate path fragment per controller.
type Adapter struct {
	Parent string
}

// NewAdapter builds an Adapter whose cgroups are created under parent
// (e.g. "/nstar").
func NewAdapter(parent string) *Adapter {
	return &Adapter{Parent: parent}
}

// toResources translates a manifest's optional cgroup limits into the
// OCI resources struct cgroup1.New expects. A nil limits (or zero
// fields within it) leaves the corresponding controller unset.
func toResources(limits *manifest.CgroupLimits) *specs.LinuxResources {
	res := &specs.LinuxResources{}
	if limits == nil {
		return res
	}
	if limits.MemoryLimitBytes > 0 {
		mem := int64(limits.MemoryLimitBytes)
		res.Memory = &specs.LinuxMemory{Limit: &mem}
	}
	if limits.CPUShares > 0 {
		shares := limits.CPUShares
		res.CPU = &specs.LinuxCPU{Shares: &shares}
	}
	return res
}

// Handle is the live cgroup of one running container. Destroy must
// remove the cgroup directory even if every process inside it has
// already exited; Assign on a destroyed Handle is a programming error
// (spec.md §4.4).
type Handle struct {
	name string
	cg   cgroup1.Cgroup

	oom    chan struct{}
	cancel context.CancelFunc
}

// Create builds a cgroup named after the container's identity, applying
// limits drawn from the manifest's optional cgroup section. A nil limits
// leaves the controller defaults in place.
func (a *Adapter) Create(ctx context.Context, name string, limits *manifest.CgroupLimits) (*Handle, error) {
	path := cgroup1.StaticPath(a.Parent + "/" + name)

	cg, err := cgroup1.New(path, toResources(limits))
	if err != nil {
		return nil, &errs.Cgroup{Msg: "create " + name + ": " + err.Error()}
	}
	slog.InfoContext(ctx, "cgroup.Adapter.Create", "name", name)

	h := &Handle{name: name, cg: cg}

	events, err := cg.RegisterMemoryEvent(cgroup1.MemoryOOMEvent)
	if err != nil {
		cg.Delete()
		return nil, &errs.Cgroup{Msg: "register OOM event " + name + ": " + err.Error()}
	}

	watchCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.oom = make(chan struct{}, 1)
	go h.watchOOM(watchCtx, events)

	return h, nil
}

func (h *Handle) watchOOM(ctx context.Context, events <-chan uint64) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			select {
			case h.oom <- struct{}{}:
			default:
			}
		}
	}
}

// OutOfMemory fires (once per event) when the memory controller's OOM
// notifier reports the cgroup killed a process.
func (h *Handle) OutOfMemory() <-chan struct{} { return h.oom }

// Assign adds pid's process (and by extension its whole task group) to
// the cgroup.
func (h *Handle) Assign(pid int) error {
	if err := h.cg.Add(cgroup1.Process{Pid: pid}); err != nil {
		return &errs.Cgroup{Msg: "assign pid to " + h.name + ": " + err.Error()}
	}
	return nil
}

// Destroy stops the OOM watcher and removes the cgroup directory.
func (h *Handle) Destroy() error {
	if h.cancel != nil {
		h.cancel()
	}
	if err := h.cg.Delete(); err != nil {
		return &errs.Cgroup{Msg: "destroy " + h.name + ": " + err.Error()}
	}
	return nil
}
