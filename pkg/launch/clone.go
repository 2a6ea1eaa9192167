//go:build linux

package launch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"

	"github.com/nstar-rt/nstar/pkg/errs"
)

// Launcher creates container process handles. It holds no per-container
// state of its own; every Handle is independent once Create returns.
type Launcher struct {
	// selfExe is this supervisor's own executable, re-exec'd with
	// ReexecArg to run the child path (see package doc).
	selfExe string

	// disableMountNamespace skips CLONE_NEWNS, the supervisor's
	// --disable-mount-namespace debug flag (spec.md §6). Every
	// container launched by this Launcher shares that choice; it is
	// not a per-container setting.
	disableMountNamespace bool
}

// NewLauncher resolves the running binary's path once, at supervisor
// startup, so later clones do not depend on argv[0] or the process's
// current working directory. disableMountNamespace mirrors the
// supervisor's debug-only --disable-mount-namespace flag.
func NewLauncher(disableMountNamespace bool) (*Launcher, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("launch: resolve own executable: %w", err)
	}
	return &Launcher{selfExe: exe, disableMountNamespace: disableMountNamespace}, nil
}

// Create performs pre-clone preparation and the clone itself, returning
// a Handle in the Created state. The child is now blocked at checkpoint
// A; call Handle.Start to release it.
func (l *Launcher) Create(ctx context.Context, spec Spec) (*Handle, error) {
	argv := buildArgv(spec.Manifest)
	envp := buildEnvp(spec.Identity, spec.Manifest)

	gids, err := resolveGroups(spec.Manifest.Groups)
	if err != nil {
		return nil, err
	}

	p, err := newPipes()
	if err != nil {
		return nil, err
	}

	cs := childSpec{
		RootDir:      spec.RootDir,
		Mounts:       spec.Mounts,
		UID:          spec.Manifest.UID,
		GID:          spec.Manifest.GID,
		GIDs:         gids,
		Capabilities: spec.Manifest.Capabilities,
		Seccomp:      spec.Manifest.Seccomp,
		Argv:         argv,
		Envp:         envp,
	}
	specR, specW, err := os.Pipe()
	if err != nil {
		p.closeParentEnds()
		p.closeChildEnds()
		return nil, &errs.Io{Op: "pipe (child spec)", Err: err}
	}

	cloneflags := uintptr(syscall.CLONE_NEWPID | syscall.CLONE_NEWNS)
	if l.disableMountNamespace {
		slog.WarnContext(ctx, "launch.Launcher.Create running with mount namespace disabled", "identity", spec.Identity)
		cloneflags = syscall.CLONE_NEWPID
	}

	cmd := &exec.Cmd{
		Path: l.selfExe,
		Args: []string{l.selfExe, ReexecArg},
		ExtraFiles: []*os.File{
			p.stdoutW,
			p.stderrW,
			p.tripwireR,
			p.checkpoint.toChildR,
			p.checkpoint.fromChildW,
			specR,
		},
		SysProcAttr: &syscall.SysProcAttr{
			Cloneflags: cloneflags,
		},
	}

	if err := cmd.Start(); err != nil {
		p.closeParentEnds()
		p.closeChildEnds()
		specR.Close()
		specW.Close()
		return nil, &errs.Os{Op: "clone", Err: err}
	}

	// The child has its own copies of every ExtraFiles descriptor now;
	// the parent's copies of the child-only ends are no longer needed.
	p.closeChildEnds()
	specR.Close()

	if err := json.NewEncoder(specW).Encode(cs); err != nil {
		specW.Close()
		cmd.Process.Kill()
		cmd.Wait()
		p.closeParentEnds()
		return nil, fmt.Errorf("launch: send child spec: %w", err)
	}
	specW.Close()

	h := &Handle{
		spec:        spec,
		state:       Created,
		pid:         cmd.Process.Pid,
		tripwireW:   &fileCloser{p.tripwireW},
		checkpoint:  p.checkpoint,
		childStdout: &fileCloser{p.stdoutR},
		childStderr: &fileCloser{p.stderrR},
		exit:        make(chan ExitStatus, 1),
	}

	go h.waitTask(cmd)

	slog.InfoContext(ctx, "launch.Launcher.Create", "identity", spec.Identity, "pid", h.pid)
	return h, nil
}

// waitTask runs on a dedicated goroutine per container (spec.md §4.3
// parent step 4, §7 "Wait-task decoupling": isolating EINTR handling per
// child keeps the hot path free of global locks). It publishes exactly
// one ExitStatus.
func (h *Handle) waitTask(cmd *exec.Cmd) {
	err := cmd.Wait()
	var status ExitStatus
	if err == nil {
		status = ExitStatus{Code: 0}
	} else if exitErr, ok := err.(*exec.ExitError); ok {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			status = decodeWaitStatus(ws)
		} else {
			status = ExitStatus{Code: exitErr.ExitCode()}
		}
	} else {
		status = ExitStatus{Code: -1}
	}

	h.exitOnce.Do(func() {
		h.exit <- status
	})
}

// Start releases the child from checkpoint A: sends Start on the
// parent→child pipe, then awaits the child's Start-ack, then returns.
// Not cancellable past the point Start has been written — the child is
// committed (spec.md §4.3 "Cancellation").
func (h *Handle) Start(ctx context.Context) error {
	if h.State() != Created {
		panic("launch: Start called on a non-Created handle")
	}

	if _, err := h.checkpoint.toChildW.Write([]byte{checkpointStart}); err != nil {
		return fmt.Errorf("launch: write Start: %w", err)
	}

	ack := make([]byte, 1)
	if _, err := io.ReadFull(h.checkpoint.fromChildR, ack); err != nil {
		return fmt.Errorf("launch: await Start-ack: %w", err)
	}
	if ack[0] != checkpointStartAck {
		return fmt.Errorf("launch: unexpected checkpoint byte %q, want Start-ack", ack[0])
	}

	h.checkpoint.toChildW.Close()
	h.checkpoint.fromChildR.Close()
	h.setState(Started)

	slog.InfoContext(ctx, "launch.Handle.Start", "identity", h.spec.Identity, "pid", h.pid)
	return nil
}
