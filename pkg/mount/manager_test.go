package mount

import (
	"context"
	"testing"
	"time"
)

func TestVerityDeviceNameStableAndDistinct(t *testing.T) {
	a := verityDeviceName("/var/lib/nstar/containers/one/root")
	b := verityDeviceName("/var/lib/nstar/containers/one/root")
	c := verityDeviceName("/var/lib/nstar/containers/two/root")

	if a != b {
		t.Fatalf("verityDeviceName not stable: %q != %q", a, b)
	}
	if a == c {
		t.Fatalf("verityDeviceName collided for distinct inputs: %q", a)
	}
	if len(a) == 0 {
		t.Fatal("verityDeviceName returned empty string")
	}
}

func TestFutureAwaitResolved(t *testing.T) {
	f := newFuture()
	dev := &Device{Kind: Loopback, Path: "/dev/loop7"}
	f.resolve(dev, nil)

	got, err := f.Await(context.Background())
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if got != dev {
		t.Fatalf("Await returned %+v, want %+v", got, dev)
	}
}

func TestFutureAwaitContextCancelled(t *testing.T) {
	f := newFuture()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.Await(ctx)
	if err == nil {
		t.Fatal("expected Await to return a context error before resolve")
	}
}

func TestDeviceKindString(t *testing.T) {
	if Loopback.String() != "loopback" {
		t.Fatalf("Loopback.String() = %q", Loopback.String())
	}
	if Verity.String() != "verity" {
		t.Fatalf("Verity.String() = %q", Verity.String())
	}
}
