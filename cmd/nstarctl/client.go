package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/nstar-rt/nstar/pkg/codec"
)

// printJSON writes v to stdout as indented JSON, the --json/non-terminal
// fallback every subcommand uses instead of its table or plain-text form.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// client is a thin, one-request-at-a-time connection to nstard's
// control plane: dial, Connect handshake, then exactly one Request per
// call. It does not subscribe to notifications; a CLI invocation that
// needs to watch for events is out of scope here, same as cmd/sand's
// own client never listening for server-pushed events outside a
// command's own lifetime.
type client struct {
	conn net.Conn
	enc  *codec.Encoder
	dec  *codec.Decoder
}

func dial(network, address, version string) (*client, error) {
	conn, err := net.DialTimeout(network, address, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connect to nstard: %w", err)
	}
	c := &client{
		conn: conn,
		enc:  codec.NewEncoder(conn),
		dec:  codec.NewDecoder(conn, codec.DefaultMaxLineBytes),
	}
	if err := c.enc.Encode(codec.Message{Connect: &codec.Connect{Version: version}}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send Connect: %w", err)
	}
	msg, err := c.dec.Decode()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("await ConnectAck: %w", err)
	}
	if msg.ConnectAck == nil {
		conn.Close()
		return nil, fmt.Errorf("nstard rejected Connect (version mismatch?)")
	}
	return c, nil
}

func (c *client) Close() error { return c.conn.Close() }

// request sends req and waits for its Response, discarding any
// Notification frames that arrive first (a one-shot command has no use
// for them).
func (c *client) request(req codec.Request) (codec.Response, error) {
	if err := c.enc.Encode(codec.Message{Request: &req}); err != nil {
		return codec.Response{}, fmt.Errorf("send request: %w", err)
	}
	return c.awaitResponse()
}

// install sends an Install request followed by the package's raw bytes,
// read directly off path rather than buffered in memory first.
func (c *client) install(repository, path string) (codec.Response, error) {
	f, err := os.Open(path)
	if err != nil {
		return codec.Response{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return codec.Response{}, fmt.Errorf("stat %s: %w", path, err)
	}

	req := codec.Request{Install: &codec.InstallRequest{Repository: repository, ByteLength: info.Size()}}
	if err := c.enc.Encode(codec.Message{Request: &req}); err != nil {
		return codec.Response{}, fmt.Errorf("send install request: %w", err)
	}
	if _, err := io.Copy(c.conn, bufio.NewReader(f)); err != nil {
		return codec.Response{}, fmt.Errorf("stream package bytes: %w", err)
	}
	return c.awaitResponse()
}

func (c *client) awaitResponse() (codec.Response, error) {
	for {
		msg, err := c.dec.Decode()
		if err != nil {
			return codec.Response{}, fmt.Errorf("await response: %w", err)
		}
		if msg.Response != nil {
			return *msg.Response, nil
		}
		// Anything else (a Notification) is ignored; keep reading
		// until the Response this specific request is owed arrives.
	}
}

// apiError renders a non-nil codec.Response.Err as a Go error, or nil if
// the response was Ok.
func apiError(resp codec.Response) error {
	if resp.Err == nil {
		return nil
	}
	return fmt.Errorf("%s: %s", resp.Err.Kind, resp.Err.Message)
}
