// Package version carries build provenance for nstard and nstarctl, plus
// the control-plane wire version both binaries negotiate the Connect
// handshake against.
package version

import (
	"runtime/debug"

	"github.com/google/go-cmp/cmp"
)

// ProtocolVersion is the control-plane wire version this build speaks
// (spec.md §4.6's Connect handshake). It lives here, not as a constant
// duplicated in cmd/nstard and cmd/nstarctl, so the two binaries cannot
// drift out of sync with each other at build time.
const ProtocolVersion = "1.0.0"

var (
	// GitRepo, GitBranch, GitCommit, and BuildTime are set via -ldflags
	// at build time; they are empty in a plain `go build`.
	GitRepo   string
	GitBranch string
	GitCommit string
	BuildTime string
)

// Info is a snapshot of one binary's build provenance.
type Info struct {
	Protocol  string           `json:"protocol"`
	GitRepo   string           `json:"gitRepo,omitempty"`
	GitBranch string           `json:"gitBranch,omitempty"`
	GitCommit string           `json:"gitCommit,omitempty"`
	BuildTime string           `json:"buildTime,omitempty"`
	BuildInfo *debug.BuildInfo `json:"buildInfo,omitempty"`
}

// Get reads this binary's build provenance.
func Get() Info {
	buildInfo, ok := debug.ReadBuildInfo()
	ret := Info{
		Protocol:  ProtocolVersion,
		GitRepo:   GitRepo,
		GitBranch: GitBranch,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
	}
	if ok {
		ret.BuildInfo = buildInfo
	}
	return ret
}

// Equal reports whether two Infos describe the same build. BuildTime is
// deliberately not compared: a commit can be rebuilt (CI retry, a
// timestamp-only rebuild) without its content changing, so identity
// tracks protocol version, repo, branch, commit, and (when both carry
// one) module path/dependency set/toolchain version — not wall-clock
// build time.
func (v Info) Equal(other Info) bool {
	if v.Protocol != other.Protocol {
		return false
	}
	if v.BuildInfo != nil && other.BuildInfo != nil {
		if v.BuildInfo.Main.Path != other.BuildInfo.Main.Path ||
			!cmp.Equal(v.BuildInfo.Deps, other.BuildInfo.Deps) ||
			v.BuildInfo.GoVersion != other.BuildInfo.GoVersion {
			return false
		}
	}
	if v.GitBranch != other.GitBranch ||
		v.GitCommit != other.GitCommit ||
		v.GitRepo != other.GitRepo {
		return false
	}
	return true
}
