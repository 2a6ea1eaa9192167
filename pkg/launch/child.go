//go:build linux

package launch

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/nstar-rt/nstar/pkg/errs"
	"github.com/nstar-rt/nstar/pkg/manifest"
	"github.com/nstar-rt/nstar/pkg/seccomp"
)

// childFD assigns fixed descriptor numbers to the pipe halves the
// parent passes via exec.Cmd.ExtraFiles, in the order they are listed
// there. ExtraFiles always lands starting at fd 3 in the child.
const (
	childFDStdoutW = 3 + iota
	childFDStderrW
	childFDTripwireR
	childFDCheckpointToChildR
	childFDCheckpointFromChildW
	childFDSpecR
)

// childSpec is the process-to-process encoding of everything RunChild
// needs that the parent already resolved before clone: the mount table,
// uid/gid, supplementary gids, capabilities to keep, seccomp rules, and
// the final argv/envp. It travels over childFDSpecR as a single JSON
// document; this is an internal protocol between one supervisor process
// and its own re-exec, not the control-plane wire format.
type childSpec struct {
	RootDir      string
	Mounts       []ResolvedMount
	UID          *uint32
	GID          *uint32
	GIDs         []uint32
	Capabilities []string
	Seccomp      []manifest.SeccompRule
	Argv         []string
	Envp         []string
}

// RunChild is the entry point cmd/nstard dispatches to when its argv[1]
// is ReexecArg. It never returns on success: step 8 replaces the
// process image via execve. It implements spec.md §4.3's numbered child
// path in order.
func RunChild() {
	spec, err := readChildSpec()
	if err != nil {
		fatalf("read child spec: %v", err)
	}

	// Step 1: the checkpoint end the parent keeps was never inherited
	// by this process under its own name; only the halves named above
	// were. Nothing to close here beyond what exec already arranged.

	// Step 2: apply mounts, then pivot into the container root.
	if err := applyMounts(spec.RootDir, spec.Mounts); err != nil {
		fatalf("apply mounts: %v", err)
	}
	if err := pivotInto(spec.RootDir); err != nil {
		fatalf("pivot root: %v", err)
	}

	// Step 3: reset capabilities.
	if err := resetCapabilities(spec.Capabilities); err != nil {
		fatalf("reset capabilities: %v", err)
	}

	// Step 4: switch uid/gid/groups. Manifests that set uid/gid on a
	// still-root process need CAP_SETUID/CAP_SETGID named in their
	// capabilities list, since step 3 already dropped them from the
	// effective set otherwise.
	if len(spec.GIDs) > 0 {
		if err := unix.Setgroups(toIntGIDs(spec.GIDs)); err != nil {
			fatalf("setgroups: %v", err)
		}
	}
	if spec.GID != nil {
		if err := unix.Setresgid(int(*spec.GID), int(*spec.GID), int(*spec.GID)); err != nil {
			fatalf("setresgid: %v", err)
		}
	}
	if spec.UID != nil {
		if err := unix.Setresuid(int(*spec.UID), int(*spec.UID), int(*spec.UID)); err != nil {
			fatalf("setresuid: %v", err)
		}
	}

	// Step 5: fd shuffle. Duplicate the log-forward write ends onto
	// 1/2, close the originals and everything else above 2 except the
	// checkpoint end we still need for step 7.
	stdoutW := os.NewFile(childFDStdoutW, "")
	stderrW := os.NewFile(childFDStderrW, "")
	checkpointToChildR := os.NewFile(childFDCheckpointToChildR, "")
	checkpointFromChildW := os.NewFile(childFDCheckpointFromChildW, "")

	if err := unix.Dup2(int(stdoutW.Fd()), 1); err != nil {
		fatalf("dup2 stdout: %v", err)
	}
	if err := unix.Dup2(int(stderrW.Fd()), 2); err != nil {
		fatalf("dup2 stderr: %v", err)
	}
	stdoutW.Close()
	stderrW.Close()
	os.NewFile(childFDTripwireR, "").Close()
	os.NewFile(childFDSpecR, "").Close()
	closeFDsAbove(2, int(checkpointToChildR.Fd()), int(checkpointFromChildW.Fd()))

	// Step 6: compile and install the seccomp filter, no-new-privs
	// first (the filter allows everything until Install runs).
	filter, err := seccomp.Compile(spec.Seccomp)
	if err != nil {
		fatalf("compile seccomp filter: %v", err)
	}
	if err := seccomp.Install(filter); err != nil {
		fatalf("install seccomp filter: %v", err)
	}

	// Step 7: checkpoint A.
	if _, err := checkpointFromChildW.Write([]byte{checkpointStartAck}); err != nil {
		fatalf("write Start-ack: %v", err)
	}
	ack := make([]byte, 1)
	if _, err := io.ReadFull(checkpointToChildR, ack); err != nil {
		fatalf("read Start: %v", err)
	}
	if ack[0] != checkpointStart {
		fatalf("unexpected checkpoint byte %q, want Start", ack[0])
	}
	checkpointToChildR.Close()
	checkpointFromChildW.Close()

	// Step 8: execve. A distinctive exit status marks execve failure so
	// the parent can tell it apart from a normal container exit.
	if len(spec.Argv) == 0 {
		fatalf("empty argv")
	}
	if err := unix.Exec(spec.Argv[0], spec.Argv, spec.Envp); err != nil {
		fatalf("execve %s: %v", spec.Argv[0], err)
	}
}

// execveFailureExitCode is returned by os.Exit when RunChild cannot
// reach execve at all; it is distinct from the 128+signal convention
// used for in-container signal deaths (spec.md §4.3 step 8).
const execveFailureExitCode = 127

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "nstar init: "+format+"\n", args...)
	os.Exit(execveFailureExitCode)
}

func readChildSpec() (*childSpec, error) {
	f := os.NewFile(childFDSpecR, "")
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, &errs.Io{Op: "read child spec", Err: err}
	}
	var spec childSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("decode child spec: %w", err)
	}
	return &spec, nil
}

func toIntGIDs(gids []uint32) []int {
	out := make([]int, len(gids))
	for i, g := range gids {
		out[i] = int(g)
	}
	return out
}

// closeFDsAbove closes every open descriptor greater than min, except
// those listed in keep (the caller passes only the checkpoint ends; the
// manifest has no field for preserving further descriptors). /proc is
// not yet mounted at this point, so this walks a fixed small range
// rather than reading /proc/self/fd; container processes are not
// expected to have inherited large fd tables from this single re-exec.
func closeFDsAbove(min int, keep ...int) {
	keepSet := make(map[int]bool, len(keep))
	for _, k := range keep {
		keepSet[k] = true
	}
	for fd := min + 1; fd < 64; fd++ {
		if keepSet[fd] {
			continue
		}
		unix.Close(fd)
	}
}
