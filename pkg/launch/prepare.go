//go:build linux

package launch

import (
	"fmt"
	"os"
	"os/user"
	"strconv"

	"github.com/nstar-rt/nstar/pkg/errs"
	"github.com/nstar-rt/nstar/pkg/identity"
	"github.com/nstar-rt/nstar/pkg/manifest"
)

// buildArgv constructs argv[] per spec.md §4.3: the manifest's init path
// followed by its args.
func buildArgv(m *manifest.Manifest) []string {
	argv := make([]string, 0, 1+len(m.Args))
	argv = append(argv, m.Init)
	argv = append(argv, m.Args...)
	return argv
}

// buildEnvp constructs envp[] per spec.md §4.3: NAME and VERSION plus
// any manifest env.
func buildEnvp(id identity.Identity, m *manifest.Manifest) []string {
	envp := make([]string, 0, 2+len(m.Env))
	envp = append(envp, "NAME="+id.Name, "VERSION="+id.Version.String())
	for k, v := range m.Env {
		envp = append(envp, k+"="+v)
	}
	return envp
}

// resolveGroups maps supplementary group names to gids. This must
// happen before clone: the new mount namespace (and possibly no
// /etc/group at all, inside a minimal container root) makes the group
// database unreachable afterward (spec.md §4.3).
func resolveGroups(names []string) ([]uint32, error) {
	gids := make([]uint32, 0, len(names))
	for _, name := range names {
		g, err := user.LookupGroup(name)
		if err != nil {
			return nil, fmt.Errorf("launch: resolve group %q: %w", name, err)
		}
		n, err := strconv.ParseUint(g.Gid, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("launch: group %q has non-numeric gid %q: %w", name, g.Gid, err)
		}
		gids = append(gids, uint32(n))
	}
	return gids, nil
}

// fileCloser closes an *os.File at most once, tolerating concurrent
// Close calls from both the handshake goroutine and handle teardown.
type fileCloser struct {
	f *os.File
}

func (c *fileCloser) Close() error {
	if c == nil || c.f == nil {
		return nil
	}
	return c.f.Close()
}

// checkpoint is the pair of anonymous pipes carrying the parent↔child
// handshake (spec.md §4.3, §7 "Checkpoint handshake"): one direction
// each, never reused bidirectionally.
type checkpoint struct {
	// toChild: parent writes Start, child reads it.
	toChildR, toChildW *os.File
	// fromChild: child writes Start-ack, parent reads it.
	fromChildR, fromChildW *os.File
}

const (
	checkpointStart    = 'S'
	checkpointStartAck = 'A'
)

func newCheckpoint() (*checkpoint, error) {
	toChildR, toChildW, err := os.Pipe()
	if err != nil {
		return nil, &errs.Io{Op: "pipe (checkpoint parent->child)", Err: err}
	}
	fromChildR, fromChildW, err := os.Pipe()
	if err != nil {
		toChildR.Close()
		toChildW.Close()
		return nil, &errs.Io{Op: "pipe (checkpoint child->parent)", Err: err}
	}
	return &checkpoint{
		toChildR: toChildR, toChildW: toChildW,
		fromChildR: fromChildR, fromChildW: fromChildW,
	}, nil
}

// pipes bundles every file descriptor the pre-clone preparation step
// opens: stdout/stderr forwarding, the tripwire, and the checkpoint
// pair.
type pipes struct {
	stdoutR, stdoutW *os.File
	stderrR, stderrW *os.File

	// tripwireR is handed to the child, which closes it during its fd
	// shuffle before execve; the supervisor holds tripwireW until the
	// handle is destroyed. Nothing in the container watches this pipe,
	// so supervisor death is not signalled to the container through it.
	tripwireR, tripwireW *os.File

	checkpoint *checkpoint
}

func newPipes() (*pipes, error) {
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, &errs.Io{Op: "pipe (stdout)", Err: err}
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, &errs.Io{Op: "pipe (stderr)", Err: err}
	}
	tripwireR, tripwireW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, &errs.Io{Op: "pipe (tripwire)", Err: err}
	}
	cp, err := newCheckpoint()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		tripwireR.Close()
		tripwireW.Close()
		return nil, err
	}
	return &pipes{
		stdoutR: stdoutR, stdoutW: stdoutW,
		stderrR: stderrR, stderrW: stderrW,
		tripwireR: tripwireR, tripwireW: tripwireW,
		checkpoint: cp,
	}, nil
}

// closeChildEnds closes the pipe halves the child received via
// ExtraFiles, once the parent's copies (post-clone) are no longer
// needed on the parent side of those specific ends.
func (p *pipes) closeChildEnds() {
	p.stdoutW.Close()
	p.stderrW.Close()
	p.tripwireR.Close()
	p.checkpoint.toChildR.Close()
	p.checkpoint.fromChildW.Close()
}

// closeParentEnds closes the pipe halves the parent keeps, used on a
// failed Create to avoid leaking descriptors.
func (p *pipes) closeParentEnds() {
	p.stdoutR.Close()
	p.stderrR.Close()
	p.tripwireW.Close()
	p.checkpoint.toChildW.Close()
	p.checkpoint.fromChildR.Close()
}
