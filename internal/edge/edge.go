// Package edge implements the NAT-side half of the tunnel: dial the
// supernode, authenticate, keep liveness with a Ping/Pong ticker, and
// accept server-initiated streams carrying Forward requests, dialing
// the configured upstream for each. The connect/auth/ping state
// machine and its sleep-and-retry reconnection are grounded on the
// reference bridge's ensureQUIC/reconnectBridge/StatusCheck loop,
// adapted from a lock-guarded single-field struct to the explicit
// DISCONNECTED/CONNECTING/CONNECTED states named in the tunnel's own
// design.
package edge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"reversetunnel/internal/frame"
	"reversetunnel/internal/limiter"
	"reversetunnel/internal/relay"
	"reversetunnel/internal/session"
	"reversetunnel/internal/transport"
)

// errAuthRejected is returned when the supernode replies to an Auth
// frame with a negative AuthResult.
var errAuthRejected = errors.New("edge: auth rejected by supernode")

// errUnexpectedReply is returned when a Ping round trip does not come
// back as a Pong.
var errUnexpectedReply = errors.New("edge: expected Pong reply")

// State names the edge control loop's position (§4.5).
type State int

const (
	Disconnected State = iota
	Connecting
	Authenticating
	Connected
)

// ReconnectDelay is how long the edge waits after a failed dial or
// auth attempt before retrying.
const ReconnectDelay = 10 * time.Second

// PingInterval is the cadence of the liveness ticker while connected.
const PingInterval = 10 * time.Second

// PingTimeout bounds a single Ping/Pong round trip.
const PingTimeout = 10 * time.Second

// Client runs the edge's dial/auth/ping state machine and its stream
// acceptor against one supernode.
type Client struct {
	ServerAddr string
	Token      string
	ForwardTo  string
	DeviceName string
	Interface  string
	Limiter    *limiter.SharedLimiter

	// AllowedOutbound restricts which upstream addresses this edge may
	// dial when handling a server-initiated Forward; a request naming
	// any other target is refused. Empty means unrestricted. Matched
	// against either the full "host:port" or the bare host.
	AllowedOutbound []string

	// LocalListenAddr, when set, names the address LocalListen is bound
	// to; it is advertised to the supernode via SetSessionMeta once
	// connected so the admin endpoint can report it alongside a
	// session's other metadata.
	LocalListenAddr string

	// PingInterval / PingTimeout override the package defaults of the
	// same name when non-zero, letting operator config control the
	// liveness cadence per §4.9.
	PingInterval time.Duration
	PingTimeout  time.Duration

	Registry *session.Registry // local cache; DefaultClientID tracks this connection

	mu    sync.Mutex
	state State
}

func (c *Client) pingInterval() time.Duration {
	if c.PingInterval > 0 {
		return c.PingInterval
	}
	return PingInterval
}

func (c *Client) pingTimeout() time.Duration {
	if c.PingTimeout > 0 {
		return c.PingTimeout
	}
	return PingTimeout
}

// State reports the current control-loop state, for tests and status
// reporting.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Run drives the reconnect loop until ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.runOnce(ctx); err != nil {
			log.Printf("EDGE: connection cycle ended: %v", err)
		}
		c.Registry.Remove(session.DefaultClientID)
		c.setState(Disconnected)
		select {
		case <-ctx.Done():
			return
		case <-time.After(ReconnectDelay):
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	c.setState(Connecting)
	conn, err := transport.Dial(ctx, c.ServerAddr, transport.ClientTLSConfig(), transport.Config(), c.Interface)
	if err != nil {
		return err
	}
	defer conn.Close("cycle ended")

	c.Registry.Insert(session.DefaultClientID, conn, nil)

	c.setState(Authenticating)
	if err := c.authenticate(ctx, conn); err != nil {
		return err
	}
	c.setState(Connected)

	if c.LocalListenAddr != "" {
		if err := c.SetSessionMeta(ctx, conn, frame.Meta{"local_listen": c.LocalListenAddr}); err != nil {
			log.Printf("EDGE: failed to advertise local listen address: %v", err)
		}
	}

	acceptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- c.acceptLoop(acceptCtx, conn) }()
	go func() { errCh <- c.pingLoop(acceptCtx, conn) }()

	err = <-errCh
	cancel()
	return err
}

func (c *Client) authenticate(ctx context.Context, conn *transport.Conn) error {
	ctx, cancel := context.WithTimeout(ctx, c.pingTimeout())
	defer cancel()

	stream, err := conn.OpenStream(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()

	meta := frame.Meta{frame.TokenKey: c.Token}
	if c.DeviceName != "" {
		meta[frame.DeviceNameKey] = c.DeviceName
	}
	if err := frame.Write(stream, frame.Auth, meta); err != nil {
		return err
	}
	resp, err := frame.Read(stream)
	if err != nil {
		return err
	}
	if resp.Command != frame.AuthResult || !resp.Meta.Bool(frame.ResultKey) {
		return errAuthRejected
	}
	return nil
}

// SetSessionMeta sends an update to the supernode's copy of this
// session's metadata (§4.9).
func (c *Client) SetSessionMeta(ctx context.Context, conn *transport.Conn, meta frame.Meta) error {
	ctx, cancel := context.WithTimeout(ctx, c.pingTimeout())
	defer cancel()
	stream, err := conn.OpenStream(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()
	meta[frame.TokenKey] = c.Token
	return frame.Write(stream, frame.SetSessionMeta, meta)
}

func (c *Client) pingLoop(ctx context.Context, conn *transport.Conn) error {
	ticker := time.NewTicker(c.pingInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.ping(ctx, conn); err != nil {
				return err
			}
			if sess, ok := c.Registry.Get(session.DefaultClientID); ok {
				sess.Touch()
			}
		}
	}
}

func (c *Client) ping(ctx context.Context, conn *transport.Conn) error {
	ctx, cancel := context.WithTimeout(ctx, c.pingTimeout())
	defer cancel()
	stream, err := conn.OpenStream(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()
	if err := frame.Write(stream, frame.Ping, frame.Meta{frame.TokenKey: c.Token}); err != nil {
		return err
	}
	resp, err := frame.Read(stream)
	if err != nil {
		return err
	}
	if resp.Command != frame.Pong {
		return errUnexpectedReply
	}
	return nil
}

// acceptLoop accepts server-initiated streams carrying Forward
// requests and relays each to the edge's upstream target.
func (c *Client) acceptLoop(ctx context.Context, conn *transport.Conn) error {
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return err
		}
		go c.handleStream(stream)
	}
}

func (c *Client) handleStream(stream *quic.Stream) {
	pkt, err := frame.Read(stream)
	if err != nil {
		log.Printf("EDGE: frame read error on incoming stream: %v", err)
		stream.CancelRead(0)
		return
	}
	if pkt.Command != frame.Forward {
		log.Printf("EDGE: unexpected command %v on incoming stream", pkt.Command)
		stream.CancelRead(0)
		return
	}
	target := pkt.Meta.String(frame.ForwardToKey)
	if target == "" {
		target = c.ForwardTo
	}
	if !outboundAllowed(c.AllowedOutbound, target) {
		log.Printf("EDGE: forward target %s rejected by outbound allow-list", target)
		writeForbidden(stream, target)
		stream.Close()
		return
	}
	relay.AcceptAndPipe(stream, target, c.Limiter, func(addr string) (net.Conn, error) {
		return net.DialTimeout("tcp", addr, 10*time.Second)
	})
}

// outboundAllowed reports whether target may be dialed, matching entries
// against either the full "host:port" or the bare host. An empty list
// means unrestricted.
func outboundAllowed(allowed []string, target string) bool {
	if len(allowed) == 0 {
		return true
	}
	host, _, err := net.SplitHostPort(target)
	if err != nil {
		host = target
	}
	for _, a := range allowed {
		if a == target || a == host {
			return true
		}
	}
	return false
}

func writeForbidden(w interface{ Write([]byte) (int, error) }, target string) {
	body := fmt.Sprintf("HTTP/1.1 502 Bad Gateway\r\nContent-Type: text/plain\r\nConnection: close\r\n\r\nforward target %s not permitted\r\n", target)
	_, _ = w.Write([]byte(body))
}

// LocalListen optionally binds a plain TCP listener that forwards
// directly to the edge's upstream target without touching the
// supernode, for LAN-side testing (§4.5).
func LocalListen(ctx context.Context, addr, forwardTo string, lim *limiter.SharedLimiter) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go func(c net.Conn) {
			upstream, err := net.DialTimeout("tcp", forwardTo, 10*time.Second)
			if err != nil {
				c.Close()
				return
			}
			pipeTCP(c, upstream, lim)
		}(conn)
	}
}

func pipeTCP(a, b net.Conn, lim *limiter.SharedLimiter) {
	done := make(chan struct{}, 2)
	cp := func(dst, src net.Conn) {
		var r interface{ Read([]byte) (int, error) } = src
		if lim != nil {
			r = lim.WrapConn(src)
		}
		buf := make([]byte, 64*1024)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				if _, werr := dst.Write(buf[:n]); werr != nil {
					break
				}
			}
			if err != nil {
				break
			}
		}
		dst.Close()
		done <- struct{}{}
	}
	go cp(b, a)
	go cp(a, b)
	<-done
	<-done
}
