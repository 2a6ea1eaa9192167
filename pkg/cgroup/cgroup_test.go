//go:build linux

package cgroup

import (
	"testing"

	"github.com/nstar-rt/nstar/pkg/manifest"
)

func TestToResourcesNil(t *testing.T) {
	res := toResources(nil)
	if res.Memory != nil || res.CPU != nil {
		t.Fatalf("expected no limits set, got %+v", res)
	}
}

func TestToResourcesMemoryAndCPU(t *testing.T) {
	res := toResources(&manifest.CgroupLimits{MemoryLimitBytes: 256 << 20, CPUShares: 512})
	if res.Memory == nil || res.Memory.Limit == nil || *res.Memory.Limit != 256<<20 {
		t.Fatalf("memory limit not translated: %+v", res.Memory)
	}
	if res.CPU == nil || res.CPU.Shares == nil || *res.CPU.Shares != 512 {
		t.Fatalf("cpu shares not translated: %+v", res.CPU)
	}
}

func TestToResourcesZeroFieldsLeaveControllersUnset(t *testing.T) {
	res := toResources(&manifest.CgroupLimits{})
	if res.Memory != nil {
		t.Fatalf("expected memory unset for zero limit, got %+v", res.Memory)
	}
	if res.CPU != nil {
		t.Fatalf("expected cpu unset for zero shares, got %+v", res.CPU)
	}
}
