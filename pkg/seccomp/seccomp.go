//go:build linux

// Package seccomp compiles a manifest's syscall allow-list into a seccomp
// filter program (spec.md §4.3 step "Compile the seccomp filter program",
// §7 "Seccomp filter construction"). Both Compile and Install run inside
// the re-exec'd child (pkg/launch's RunChild), after namespaces, mounts,
// and uid/gid switch, right before the checkpoint handshake; the
// supervisor process itself never compiles a filter.
package seccomp

import (
	"fmt"

	libseccomp "github.com/seccomp/libseccomp-golang"

	"github.com/nstar-rt/nstar/pkg/errs"
	"github.com/nstar-rt/nstar/pkg/manifest"
)

// defaultErrno is returned to the child for any syscall not named in its
// manifest's allow list. ENOSYS mirrors the convention used by default
// container seccomp profiles: "no such syscall" rather than "permission
// denied", so unaware callers see a stable, self-explanatory failure.
const defaultErrno = 38 // ENOSYS

var compareOps = map[string]libseccomp.ScmpCompareOp{
	"eq":        libseccomp.CompareEqual,
	"ne":        libseccomp.CompareNotEqual,
	"lt":        libseccomp.CompareLess,
	"le":        libseccomp.CompareLessOrEqual,
	"gt":        libseccomp.CompareGreater,
	"ge":        libseccomp.CompareGreaterOrEqual,
	"masked_eq": libseccomp.CompareMaskedEqual,
}

// Compile builds a filter that allows exactly the syscalls named in rules
// (optionally narrowed by argument matchers) and makes any other syscall
// fail with ENOSYS (defaultErrno). The filter is not yet loaded into the kernel; call
// Install from the target process.
func Compile(rules []manifest.SeccompRule) (*libseccomp.ScmpFilter, error) {
	filter, err := libseccomp.NewFilter(libseccomp.ActErrno.SetReturnCode(int16(defaultErrno)))
	if err != nil {
		return nil, &errs.Seccomp{Msg: "new filter: " + err.Error()}
	}

	ok := false
	defer func() {
		if !ok {
			filter.Release()
		}
	}()

	for _, rule := range rules {
		scnum, err := libseccomp.GetSyscallFromName(rule.Syscall)
		if err != nil {
			return nil, &errs.Seccomp{Msg: fmt.Sprintf("unknown syscall %q: %v", rule.Syscall, err)}
		}

		if len(rule.Args) == 0 {
			if err := filter.AddRule(scnum, libseccomp.ActAllow); err != nil {
				return nil, &errs.Seccomp{Msg: fmt.Sprintf("add rule %q: %v", rule.Syscall, err)}
			}
			continue
		}

		conditions, err := buildConditions(rule.Args)
		if err != nil {
			return nil, err
		}
		if err := filter.AddRuleConditional(scnum, libseccomp.ActAllow, conditions); err != nil {
			return nil, &errs.Seccomp{Msg: fmt.Sprintf("add conditional rule %q: %v", rule.Syscall, err)}
		}
	}

	ok = true
	return filter, nil
}

func buildConditions(args map[uint]manifest.ArgMatch) ([]libseccomp.ScmpCondition, error) {
	conditions := make([]libseccomp.ScmpCondition, 0, len(args))
	for _, m := range args {
		op, known := compareOps[m.Op]
		if !known {
			return nil, &errs.Seccomp{Msg: fmt.Sprintf("unknown comparison op %q", m.Op)}
		}
		cond, err := libseccomp.MakeCondition(m.Index, op, m.Value)
		if err != nil {
			return nil, &errs.Seccomp{Msg: fmt.Sprintf("condition arg[%d] %s %d: %v", m.Index, m.Op, m.Value, err)}
		}
		conditions = append(conditions, cond)
	}
	return conditions, nil
}

// Install sets no-new-privs and loads filter into the calling process's
// kernel seccomp state, per spec.md §4.3 child step 6 ("no-new-privs
// first"). filter is released whether or not Load succeeds.
func Install(filter *libseccomp.ScmpFilter) error {
	defer filter.Release()

	if err := filter.SetNoNewPrivsBit(true); err != nil {
		return &errs.Seccomp{Msg: "set no-new-privs: " + err.Error()}
	}
	if err := filter.Load(); err != nil {
		return &errs.Seccomp{Msg: "load filter: " + err.Error()}
	}
	return nil
}
