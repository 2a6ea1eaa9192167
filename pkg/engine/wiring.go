//go:build linux

package engine

import (
	"context"

	"github.com/nstar-rt/nstar/pkg/cgroup"
	"github.com/nstar-rt/nstar/pkg/launch"
	"github.com/nstar-rt/nstar/pkg/manifest"
	"github.com/nstar-rt/nstar/pkg/mount"
	"github.com/nstar-rt/nstar/pkg/npk"
)

// realLauncher adapts *launch.Launcher to the Launcher interface: Create
// returns *launch.Handle concretely, and Go's interface satisfaction
// requires an exact method signature match, so a thin wrapper is needed
// even though *launch.Handle already has every method ProcessHandle
// names.
type realLauncher struct{ l *launch.Launcher }

// NewLauncher wraps a concrete *launch.Launcher for the engine to drive.
func NewLauncher(l *launch.Launcher) Launcher { return &realLauncher{l: l} }

func (r *realLauncher) Create(ctx context.Context, spec launch.Spec) (ProcessHandle, error) {
	return r.l.Create(ctx, spec)
}

// realCgroupAdapter adapts *cgroup.Adapter the same way.
type realCgroupAdapter struct{ a *cgroup.Adapter }

// NewCgroupAdapter wraps a concrete *cgroup.Adapter for the engine to drive.
func NewCgroupAdapter(a *cgroup.Adapter) CgroupAdapter { return &realCgroupAdapter{a: a} }

func (r *realCgroupAdapter) Create(ctx context.Context, name string, limits *manifest.CgroupLimits) (CgroupHandle, error) {
	return r.a.Create(ctx, name, limits)
}

// realMountManager adapts *mount.Manager the same way.
type realMountManager struct{ m *mount.Manager }

// NewMountManager wraps a concrete *mount.Manager for the engine to drive.
func NewMountManager(m *mount.Manager) MountManager { return &realMountManager{m: m} }

func (r *realMountManager) Mount(ctx context.Context, pkg *npk.Package, targetDir string, key []byte) (MountFuture, error) {
	return r.m.Mount(ctx, pkg, targetDir, key)
}

func (r *realMountManager) Unmount(ctx context.Context, targetDir string, dev *mount.Device) error {
	return r.m.Unmount(ctx, targetDir, dev)
}
