//go:build linux

package launch

import (
	"syscall"
	"testing"

	"github.com/nstar-rt/nstar/pkg/identity"
	"github.com/nstar-rt/nstar/pkg/manifest"
)

func TestBuildArgv(t *testing.T) {
	m := &manifest.Manifest{Init: "/bin/app", Args: []string{"-v", "--port=8080"}}
	got := buildArgv(m)
	want := []string{"/bin/app", "-v", "--port=8080"}
	if len(got) != len(want) {
		t.Fatalf("buildArgv = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("buildArgv[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestBuildEnvpIncludesNameAndVersion(t *testing.T) {
	id := identity.New("hello", identity.Version{Major: 1})
	m := &manifest.Manifest{Env: map[string]string{"FOO": "bar"}}
	envp := buildEnvp(id, m)

	found := map[string]bool{}
	for _, kv := range envp {
		found[kv] = true
	}
	if !found["NAME=hello"] {
		t.Fatalf("envp missing NAME: %v", envp)
	}
	if !found["VERSION=1.0.0"] {
		t.Fatalf("envp missing VERSION: %v", envp)
	}
	if !found["FOO=bar"] {
		t.Fatalf("envp missing manifest env: %v", envp)
	}
}

func TestDecodeWaitStatusNormalExit(t *testing.T) {
	status := decodeWaitStatus(syscall.WaitStatus(0 << 8))
	if status.Signaled {
		t.Fatalf("expected normal exit, got %+v", status)
	}
	if status.Code != 0 {
		t.Fatalf("expected code 0, got %d", status.Code)
	}
}

func TestDecodeWaitStatusSignaledInsideContainer(t *testing.T) {
	// The container's init convention: normal exit with code 128+signal.
	status := decodeWaitStatus(syscall.WaitStatus(137 << 8))
	if !status.Signaled {
		t.Fatalf("expected decoded signal death, got %+v", status)
	}
	if status.Signal != syscall.SIGKILL {
		t.Fatalf("expected SIGKILL (9), got %v", status.Signal)
	}
}

func TestExitStatusString(t *testing.T) {
	if got := (ExitStatus{Code: 3}).String(); got != "exited(3)" {
		t.Fatalf("String() = %q", got)
	}
	if got := (ExitStatus{Signaled: true, Signal: syscall.SIGTERM}).String(); got == "" {
		t.Fatalf("String() empty for signaled status")
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{Created: "created", Started: "started", Stopped: "stopped"}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Fatalf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}
