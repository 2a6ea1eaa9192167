// Package session implements the per-connection control-plane protocol
// (spec.md §4.6): the Connect handshake, strictly non-pipelined request/
// response dispatch, notification fan-out, and the Install byte pump.
// Grounded on sand's mux_server.go accept/shutdown-channel shape, reworked
// from its HTTP-handler style into a line-protocol state machine since the
// wire format here is newline-JSON over a raw stream, not HTTP.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/nstar-rt/nstar/pkg/codec"
	"github.com/nstar-rt/nstar/pkg/errs"
	"github.com/nstar-rt/nstar/pkg/identity"
)

// Engine is everything a session needs from the State Engine. It is
// declared here, not in pkg/engine, so pkg/session has no import-cycle
// dependency on the engine's own (much larger) surface.
type Engine interface {
	// Request dispatches one non-Install request and blocks for its
	// response. The response always carries either a success payload or
	// an Err; Request itself only returns an error for conditions the
	// session cannot attribute to this one request (engine shut down).
	Request(ctx context.Context, req codec.Request) (codec.Response, error)

	// Install streams byteLength bytes from r into the named repository
	// and blocks for the result. Short reads, extra bytes, or I/O errors
	// on r are the caller's (session's) responsibility to avoid; Install
	// itself reports failures to validate or store what it did receive.
	Install(ctx context.Context, repo string, r io.Reader, byteLength int64) (codec.Response, error)

	// Subscribe registers a new notification consumer. Close releases
	// it; the engine does not send to a released subscription.
	Subscribe() Subscription
}

// Subscription is one session's view onto the engine's notification
// stream.
type Subscription interface {
	// Notifications delivers events in order. Its buffer is the bounded
	// queue spec.md §4.6 step 2 requires.
	Notifications() <-chan codec.Notification
	// Dropped is closed if the engine evicted this subscriber because it
	// could not keep up with the buffer.
	Dropped() <-chan struct{}
	Close()
}

// Config holds the per-session tunables a supervisor sets once at
// startup.
type Config struct {
	Version        string
	ConnectTimeout time.Duration
	MaxLineBytes   int
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.MaxLineBytes <= 0 {
		c.MaxLineBytes = codec.DefaultMaxLineBytes
	}
	return c
}

// Run drives one connection to completion: the Connect handshake, then
// the request/notification loop, until the peer disconnects, the
// protocol is violated, or ctx is cancelled. It always closes conn before
// returning.
func Run(ctx context.Context, conn net.Conn, eng Engine, cfg Config) error {
	defer conn.Close()
	cfg = cfg.withDefaults()

	dec := codec.NewDecoder(conn, cfg.MaxLineBytes)
	enc := codec.NewEncoder(conn)

	if err := handshake(conn, dec, enc, cfg); err != nil {
		return err
	}

	s := &session{
		conn: conn,
		dec:  dec,
		enc:  enc,
		eng:  eng,
		sub:  eng.Subscribe(),
	}
	defer s.sub.Close()

	slog.InfoContext(ctx, "session.Run connected", "remote", conn.RemoteAddr())
	err := s.loop(ctx)
	slog.InfoContext(ctx, "session.Run closed", "remote", conn.RemoteAddr(), "error", err)
	return err
}

// checkVersion implements spec.md §4.6 step 1's version negotiation:
// only the major component must match exactly. A minor/patch mismatch
// is tolerated (the wire protocol is expected to stay backward
// compatible within a major version) and logged as a warning rather
// than rejected, so a client built against a slightly newer or older
// nstard can still connect.
func checkVersion(client, server string) error {
	clientVer, err := identity.ParseVersion(client)
	if err != nil {
		return fmt.Errorf("session: Connect version %q: %w", client, err)
	}
	serverVer, err := identity.ParseVersion(server)
	if err != nil {
		return fmt.Errorf("session: configured protocol version %q: %w", server, err)
	}
	if clientVer.Major != serverVer.Major {
		return fmt.Errorf("session: Connect version %q does not match %q (major version mismatch)", client, server)
	}
	if clientVer != serverVer {
		slog.Warn("session: Connect version differs from server's in minor/patch, allowing", "client_version", client, "server_version", server)
	}
	return nil
}

func handshake(conn net.Conn, dec *codec.Decoder, enc *codec.Encoder, cfg Config) error {
	if err := conn.SetReadDeadline(time.Now().Add(cfg.ConnectTimeout)); err != nil {
		return &errs.Io{Op: "set connect deadline", Err: err}
	}
	msg, err := dec.Decode()
	if err != nil {
		return fmt.Errorf("session: awaiting Connect: %w", err)
	}
	if msg.Connect == nil {
		return errors.New("session: first frame was not Connect")
	}
	if err := checkVersion(msg.Connect.Version, cfg.Version); err != nil {
		// Major version mismatch: drop without ack (spec.md §4.6 step 1).
		return err
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return &errs.Io{Op: "clear connect deadline", Err: err}
	}
	return enc.Encode(codec.Message{ConnectAck: &codec.ConnectAck{}})
}

type session struct {
	conn net.Conn
	dec  *codec.Decoder
	enc  *codec.Encoder
	eng  Engine
	sub  Subscription

	// busy is claimed by readLoop (CompareAndSwap false->true) the
	// instant a Request frame is decoded, and released by loop when that
	// request's Response arrives, just before it is written. A CompareAndSwap failure in
	// readLoop means a second request arrived before the first
	// completed — exactly the pipelining violation spec.md §4.6 step 4
	// forbids — and is answered with PendingRequest without ever
	// reaching the engine.
	busy atomic.Bool
}

// requestSlot is one decoded Request plus, for Install, the exact
// byteLength-bounded view of the raw stream that follows it.
type requestSlot struct {
	req         codec.Request
	installBody io.Reader
}

func (s *session) loop(ctx context.Context) error {
	reqCh := make(chan requestSlot)
	pendingCh := make(chan struct{})
	readErrCh := make(chan error, 1)
	go s.readLoop(reqCh, pendingCh, readErrCh)

	respCh := make(chan codec.Response)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-readErrCh:
			return err

		case <-pendingCh:
			if err := s.enc.Encode(codec.Message{Response: ptr(errResponse(&errs.PendingRequest{}))}); err != nil {
				return err
			}

		case slot := <-reqCh:
			go s.dispatch(ctx, slot, respCh)

		case resp := <-respCh:
			s.busy.Store(false)
			if err := s.enc.Encode(codec.Message{Response: &resp}); err != nil {
				return err
			}

		case n, ok := <-s.sub.Notifications():
			if !ok {
				return nil
			}
			if err := s.enc.Encode(codec.Message{Notification: &n}); err != nil {
				return err
			}

		case <-s.sub.Dropped():
			return errors.New("session: notification queue overflow")
		}
	}
}

func ptr[T any](v T) *T { return &v }

func (s *session) dispatch(ctx context.Context, slot requestSlot, respCh chan<- codec.Response) {
	var resp codec.Response
	var err error
	if slot.installBody != nil {
		resp, err = s.eng.Install(ctx, slot.req.Install.Repository, slot.installBody, slot.req.Install.ByteLength)
		// Whatever Install chose to read, the pipe's other end (readLoop)
		// is blocked writing the rest of byteLength bytes until someone
		// reads them; drain here so readLoop can always make progress
		// even when Install rejects the package before reading it all.
		io.Copy(io.Discard, slot.installBody)
	} else {
		resp, err = s.eng.Request(ctx, slot.req)
	}
	if err != nil {
		resp = errResponse(err)
	}
	respCh <- resp
}

// readLoop decodes frames off the connection. Every Request frame first
// claims s.busy; on success it is handed to the dispatch loop via reqCh,
// and on failure (one is already outstanding) a pendingCh signal tells
// the loop to answer PendingRequest instead — the frame itself is
// discarded rather than queued, matching "pipelining is forbidden"
// literally rather than turning it into a hidden queue of depth >1.
func (s *session) readLoop(reqCh chan<- requestSlot, pendingCh chan<- struct{}, errCh chan<- error) {
	for {
		msg, err := s.dec.Decode()
		if err != nil {
			if err == io.EOF {
				errCh <- nil
			} else {
				errCh <- err
			}
			return
		}
		if msg.Request == nil {
			errCh <- fmt.Errorf("session: expected a Request frame, got %s", frameKind(msg))
			return
		}
		req := *msg.Request

		if !s.busy.CompareAndSwap(false, true) {
			if req.Install != nil {
				// The stream still has byteLength raw bytes to account
				// for even though this request is rejected; without
				// consuming them framing is unrecoverable, so drop.
				errCh <- errors.New("session: Install arrived while a request was pending")
				return
			}
			pendingCh <- struct{}{}
			continue
		}

		if req.Install == nil {
			reqCh <- requestSlot{req: req}
			continue
		}

		// The install body is pumped through a pipe rather than handed
		// out as a view directly over s.dec.Reader(): readLoop is the
		// only goroutine allowed to touch the underlying *bufio.Reader,
		// so it does the copy itself and blocks here until the engine
		// (reading the pipe's other end inside dispatch) has drained
		// exactly byteLength bytes, before it is safe to call Decode
		// again.
		pr, pw := io.Pipe()
		reqCh <- requestSlot{req: req, installBody: pr}
		n, copyErr := io.Copy(pw, io.LimitReader(s.dec.Reader(), req.Install.ByteLength))
		pw.CloseWithError(copyErr)
		if copyErr != nil {
			errCh <- fmt.Errorf("session: install: %w", copyErr)
			return
		}
		if n != req.Install.ByteLength {
			errCh <- fmt.Errorf("session: install: short read, got %d of %d bytes", n, req.Install.ByteLength)
			return
		}
	}
}

func frameKind(m codec.Message) string {
	switch {
	case m.Connect != nil:
		return "Connect"
	case m.ConnectAck != nil:
		return "ConnectAck"
	case m.Response != nil:
		return "Response"
	case m.Notification != nil:
		return "Notification"
	default:
		return "empty"
	}
}

func errResponse(err error) codec.Response {
	return codec.Response{Err: toAPIError(err)}
}

// toAPIError maps the internal error taxonomy (pkg/errs) onto the wire
// ApiError shape; unrecognized error types still get a Kind so a client
// can at least log it, per spec.md §7.
func toAPIError(err error) *codec.ApiError {
	kind := "Internal"
	switch {
	case errors.As(err, new(*errs.InvalidContainer)):
		kind = "InvalidContainer"
	case errors.As(err, new(*errs.InvalidRepository)):
		kind = "InvalidRepository"
	case errors.As(err, new(*errs.InstallDuplicate)):
		kind = "InstallDuplicate"
	case errors.As(err, new(*errs.UmountBusy)):
		kind = "UmountBusy"
	case errors.As(err, new(*errs.StartContainerStarted)):
		kind = "StartContainerStarted"
	case errors.As(err, new(*errs.StartContainerResource)):
		kind = "StartContainerResource"
	case errors.As(err, new(*errs.StartContainerMissingResource)):
		kind = "StartContainerMissingResource"
	case errors.As(err, new(*errs.StartContainerFailed)):
		kind = "StartContainerFailed"
	case errors.As(err, new(*errs.StopContainerNotStarted)):
		kind = "StopContainerNotStarted"
	case errors.As(err, new(*errs.PendingRequest)):
		kind = "PendingRequest"
	case errors.As(err, new(*errs.FrameTooLarge)):
		kind = "FrameTooLarge"
	}
	return &codec.ApiError{Kind: kind, Message: err.Error()}
}
