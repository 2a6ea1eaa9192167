//go:build linux

package launch

import "testing"

func TestResolveGroupsEmpty(t *testing.T) {
	gids, err := resolveGroups(nil)
	if err != nil {
		t.Fatalf("resolveGroups(nil): %v", err)
	}
	if len(gids) != 0 {
		t.Fatalf("expected no gids, got %v", gids)
	}
}

func TestResolveGroupsUnknownName(t *testing.T) {
	_, err := resolveGroups([]string{"definitely-not-a-real-group-nstar-test"})
	if err == nil {
		t.Fatal("expected an error for an unknown group name")
	}
}

func TestNewPipesAndClose(t *testing.T) {
	p, err := newPipes()
	if err != nil {
		t.Fatalf("newPipes: %v", err)
	}
	p.closeChildEnds()
	p.closeParentEnds()
}

func TestFileCloserNilSafe(t *testing.T) {
	var fc *fileCloser
	if err := fc.Close(); err != nil {
		t.Fatalf("Close on nil fileCloser: %v", err)
	}
}
