package session

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/nstar-rt/nstar/pkg/codec"
	"github.com/nstar-rt/nstar/pkg/errs"
	"github.com/nstar-rt/nstar/pkg/identity"
)

func mustIdentity(t *testing.T, s string) identity.Identity {
	t.Helper()
	id, err := identity.Parse(s)
	if err != nil {
		t.Fatalf("identity.Parse(%q): %v", s, err)
	}
	return id
}

type fakeSubscription struct {
	notifications chan codec.Notification
	dropped       chan struct{}
	closed        bool
}

func newFakeSubscription() *fakeSubscription {
	return &fakeSubscription{
		notifications: make(chan codec.Notification, 4),
		dropped:       make(chan struct{}),
	}
}

func (s *fakeSubscription) Notifications() <-chan codec.Notification { return s.notifications }
func (s *fakeSubscription) Dropped() <-chan struct{}                 { return s.dropped }
func (s *fakeSubscription) Close()                                   { s.closed = true }

type fakeEngine struct {
	sub             *fakeSubscription
	requestFn       func(ctx context.Context, req codec.Request) (codec.Response, error)
	installFn       func(ctx context.Context, repo string, r io.Reader, byteLength int64) (codec.Response, error)
	requestDelay    time.Duration
	requestsServed  int
}

func (e *fakeEngine) Request(ctx context.Context, req codec.Request) (codec.Response, error) {
	e.requestsServed++
	if e.requestDelay > 0 {
		time.Sleep(e.requestDelay)
	}
	if e.requestFn != nil {
		return e.requestFn(ctx, req)
	}
	return codec.Response{Ok: &struct{}{}}, nil
}

func (e *fakeEngine) Install(ctx context.Context, repo string, r io.Reader, byteLength int64) (codec.Response, error) {
	if e.installFn != nil {
		return e.installFn(ctx, repo, r, byteLength)
	}
	io.Copy(io.Discard, r)
	return codec.Response{Ok: &struct{}{}}, nil
}

func (e *fakeEngine) Subscribe() Subscription { return e.sub }

func connectedPair(t *testing.T, version string) (client net.Conn, server net.Conn) {
	t.Helper()
	c, s := net.Pipe()
	t.Cleanup(func() { c.Close(); s.Close() })
	return c, s
}

func doConnect(t *testing.T, client net.Conn, version string) {
	t.Helper()
	enc := codec.NewEncoder(client)
	if err := enc.Encode(codec.Message{Connect: &codec.Connect{Version: version}}); err != nil {
		t.Fatalf("encode Connect: %v", err)
	}
	dec := codec.NewDecoder(client, 0)
	msg, err := dec.Decode()
	if err != nil {
		t.Fatalf("decode ConnectAck: %v", err)
	}
	if msg.ConnectAck == nil {
		t.Fatalf("expected ConnectAck, got %+v", msg)
	}
}

func TestHandshakeVersionMismatchDropsWithoutAck(t *testing.T) {
	client, server := connectedPair(t, "1.0.0")

	done := make(chan error, 1)
	go func() {
		eng := &fakeEngine{sub: newFakeSubscription()}
		done <- Run(context.Background(), server, eng, Config{Version: "1.0.0", ConnectTimeout: time.Second})
	}()

	enc := codec.NewEncoder(client)
	if err := enc.Encode(codec.Message{Connect: &codec.Connect{Version: "0.9.0"}}); err != nil {
		t.Fatalf("encode Connect: %v", err)
	}

	if err := <-done; err == nil {
		t.Fatal("expected Run to return an error on version mismatch")
	}

	dec := codec.NewDecoder(client, 0)
	client.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, err := dec.Decode(); err == nil {
		t.Fatal("expected no ConnectAck to have been sent")
	}
}

func TestHandshakeMinorVersionMismatchTolerated(t *testing.T) {
	client, server := connectedPair(t, "1.0.0")

	done := make(chan error, 1)
	go func() {
		eng := &fakeEngine{sub: newFakeSubscription()}
		done <- Run(context.Background(), server, eng, Config{Version: "1.2.0", ConnectTimeout: time.Second})
	}()

	doConnect(t, client, "1.0.5")

	client.Close()
	server.Close()
	<-done
}

func TestRequestResponseRoundTrip(t *testing.T) {
	client, server := connectedPair(t, "1.0.0")
	eng := &fakeEngine{
		sub: newFakeSubscription(),
		requestFn: func(ctx context.Context, req codec.Request) (codec.Response, error) {
			if req.Containers == nil {
				t.Errorf("expected a Containers request, got %+v", req)
			}
			return codec.Response{Containers: &codec.ContainersResponse{}}, nil
		},
	}

	go Run(context.Background(), server, eng, Config{Version: "1.0.0"})
	doConnect(t, client, "1.0.0")

	enc := codec.NewEncoder(client)
	if err := enc.Encode(codec.Message{Request: &codec.Request{Containers: &struct{}{}}}); err != nil {
		t.Fatalf("encode request: %v", err)
	}

	dec := codec.NewDecoder(client, 0)
	msg, err := dec.Decode()
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if msg.Response == nil || msg.Response.Containers == nil {
		t.Fatalf("got %+v, want a Containers response", msg)
	}
}

func TestPipelinedRequestYieldsPendingRequest(t *testing.T) {
	client, server := connectedPair(t, "1.0.0")
	release := make(chan struct{})
	eng := &fakeEngine{
		sub: newFakeSubscription(),
		requestFn: func(ctx context.Context, req codec.Request) (codec.Response, error) {
			<-release
			return codec.Response{Ok: &struct{}{}}, nil
		},
	}

	go Run(context.Background(), server, eng, Config{Version: "1.0.0"})
	doConnect(t, client, "1.0.0")

	enc := codec.NewEncoder(client)
	if err := enc.Encode(codec.Message{Request: &codec.Request{Containers: &struct{}{}}}); err != nil {
		t.Fatalf("encode first request: %v", err)
	}
	// Give the session a moment to claim busy before sending the second.
	time.Sleep(50 * time.Millisecond)
	if err := enc.Encode(codec.Message{Request: &codec.Request{Repositories: &struct{}{}}}); err != nil {
		t.Fatalf("encode second request: %v", err)
	}

	dec := codec.NewDecoder(client, 0)
	msg, err := dec.Decode()
	if err != nil {
		t.Fatalf("decode first response: %v", err)
	}
	if msg.Response == nil || msg.Response.Err == nil || msg.Response.Err.Kind != "PendingRequest" {
		t.Fatalf("first decoded response = %+v, want a PendingRequest Err", msg)
	}

	close(release)
	msg2, err := dec.Decode()
	if err != nil {
		t.Fatalf("decode second response: %v", err)
	}
	if msg2.Response == nil || msg2.Response.Ok == nil {
		t.Fatalf("second decoded response = %+v, want Ok", msg2)
	}
}

func TestInstallStreamsBodyToEngine(t *testing.T) {
	client, server := connectedPair(t, "1.0.0")
	var gotBytes []byte
	eng := &fakeEngine{
		sub: newFakeSubscription(),
		installFn: func(ctx context.Context, repo string, r io.Reader, byteLength int64) (codec.Response, error) {
			data, err := io.ReadAll(r)
			if err != nil {
				return codec.Response{}, err
			}
			gotBytes = data
			return codec.Response{Ok: &struct{}{}}, nil
		},
	}

	go Run(context.Background(), server, eng, Config{Version: "1.0.0"})
	doConnect(t, client, "1.0.0")

	payload := []byte("fake npk archive bytes")
	enc := codec.NewEncoder(client)
	if err := enc.Encode(codec.Message{Request: &codec.Request{Install: &codec.InstallRequest{Repository: "local", ByteLength: int64(len(payload))}}}); err != nil {
		t.Fatalf("encode install request: %v", err)
	}
	if _, err := client.Write(payload); err != nil {
		t.Fatalf("write install body: %v", err)
	}

	dec := codec.NewDecoder(client, 0)
	msg, err := dec.Decode()
	if err != nil {
		t.Fatalf("decode install response: %v", err)
	}
	if msg.Response == nil || msg.Response.Ok == nil {
		t.Fatalf("got %+v, want Ok", msg)
	}
	if string(gotBytes) != string(payload) {
		t.Fatalf("engine received %q, want %q", gotBytes, payload)
	}
}

func TestNotificationForwarded(t *testing.T) {
	client, server := connectedPair(t, "1.0.0")
	sub := newFakeSubscription()
	eng := &fakeEngine{sub: sub}

	go Run(context.Background(), server, eng, Config{Version: "1.0.0"})
	doConnect(t, client, "1.0.0")

	id := mustIdentity(t, "hello:1.0.0")
	sub.notifications <- codec.Notification{Started: &codec.StartedNotification{Identity: id}}

	dec := codec.NewDecoder(client, 0)
	msg, err := dec.Decode()
	if err != nil {
		t.Fatalf("decode notification: %v", err)
	}
	if msg.Notification == nil || msg.Notification.Started == nil {
		t.Fatalf("got %+v, want a Started notification", msg)
	}
}

func TestToAPIErrorMapsKnownKinds(t *testing.T) {
	id := mustIdentity(t, "hello:1.0.0")
	cases := []struct {
		err  error
		kind string
	}{
		{&errs.UmountBusy{Identity: id}, "UmountBusy"},
		{&errs.PendingRequest{}, "PendingRequest"},
		{&errs.FrameTooLarge{}, "FrameTooLarge"},
		{errors.New("unmapped failure"), "Internal"},
	}
	for _, c := range cases {
		got := toAPIError(c.err)
		if got.Kind != c.kind {
			t.Errorf("toAPIError(%v).Kind = %q, want %q", c.err, got.Kind, c.kind)
		}
	}
}
