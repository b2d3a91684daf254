// Package transport wraps quic-go behind the narrow surface the tunnel
// core needs: dial, bind, accept, open a stream, accept a stream. It
// also carries the optional SO_BINDTODEVICE interface pinning used by
// operators who want the tunnel's UDP socket nailed to one NIC.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/quic-go/quic-go"
)

// DialTimeout bounds the QUIC handshake budget for an outbound dial.
const DialTimeout = 10 * time.Second

// KeepAlive is sent on the connection to keep NAT state and the
// transport's own liveness detection warm, independent of the tunnel's
// own Ping/Pong control frames.
const KeepAlive = 10 * time.Second

// Config returns the quic.Config shared by both the edge dialer and the
// supernode listener.
func Config() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod: KeepAlive,
		MaxIdleTimeout:  120 * time.Second,
	}
}

// ClientTLSConfig returns the TLS configuration used by edges. Edges
// skip certificate verification by design: trust is established by the
// shared auth token carried in the Auth frame, not by PKI.
func ClientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{"reversetunnel"},
	}
}

// ServerTLSConfig wraps a certificate for the supernode's QUIC listener.
func ServerTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"reversetunnel"},
	}
}

// Conn is the capability surface the tunnel core needs from a
// multiplexed connection: opening streams itself, and accepting ones
// the peer opened.
type Conn struct {
	mu   sync.Mutex
	qc   *quic.Conn
	pc   net.PacketConn
	down bool
}

func wrap(qc *quic.Conn, pc net.PacketConn) *Conn {
	return &Conn{qc: qc, pc: pc}
}

// Dial opens a client QUIC connection to addr, optionally binding the
// local UDP socket to a named network interface (Linux only).
func Dial(ctx context.Context, addr string, tlscfg *tls.Config, qcfg *quic.Config, ifaceName string) (*Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, DialTimeout)
	defer cancel()

	if ifaceName != "" {
		pc, err := listenPacketOnInterface("udp", ifaceName)
		if err != nil {
			return nil, fmt.Errorf("transport: bind to interface %q: %w", ifaceName, err)
		}
		udpAddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("transport: resolve %s: %w", addr, err)
		}
		qc, err := quic.Dial(dialCtx, pc, udpAddr, tlscfg, qcfg)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("transport: dial %s via %s: %w", addr, ifaceName, err)
		}
		return wrap(qc, pc), nil
	}

	qc, err := quic.DialAddr(dialCtx, addr, tlscfg, qcfg)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return wrap(qc, nil), nil
}

// Close tears down the connection and any interface-bound packet conn.
func (c *Conn) Close(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.qc != nil {
		_ = c.qc.CloseWithError(0, reason)
	}
	if c.pc != nil {
		_ = c.pc.Close()
	}
	c.down = true
	return nil
}

// OpenStream opens a new bidirectional stream, bounded by ctx.
func (c *Conn) OpenStream(ctx context.Context) (*quic.Stream, error) {
	c.mu.Lock()
	qc := c.qc
	c.mu.Unlock()
	if qc == nil {
		return nil, fmt.Errorf("transport: connection is closed")
	}
	stream, err := qc.OpenStreamSync(ctx)
	if err != nil {
		c.mu.Lock()
		c.down = true
		c.mu.Unlock()
		return nil, fmt.Errorf("transport: open stream: %w", err)
	}
	return stream, nil
}

// AcceptStream yields the next peer-initiated bidirectional stream.
func (c *Conn) AcceptStream(ctx context.Context) (*quic.Stream, error) {
	c.mu.Lock()
	qc := c.qc
	c.mu.Unlock()
	if qc == nil {
		return nil, fmt.Errorf("transport: connection is closed")
	}
	return qc.AcceptStream(ctx)
}

// RemoteAddr reports the peer's network address.
func (c *Conn) RemoteAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.qc == nil {
		return nil
	}
	return c.qc.RemoteAddr()
}

// Down reports whether the connection has been closed or an OpenStream
// on it has failed.
func (c *Conn) Down() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.down
}

// Listener is the server side of the transport: it accepts incoming
// connections and, per connection, their incoming streams.
type Listener struct {
	ql            *quic.Listener
	pc            net.PacketConn
	allowedRemote string
}

// Listen binds a QUIC server listener at addr, optionally restricted to
// one network interface and/or one expected remote address (an IP
// allow-list of one entry, matching the reference bridge's
// shouldBlockHost check).
func Listen(addr string, tlscfg *tls.Config, qcfg *quic.Config, ifaceName string, allowedRemote string) (*Listener, error) {
	if ifaceName != "" {
		_, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("transport: listen addr %s: %w", addr, err)
		}
		var port int
		if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
			return nil, fmt.Errorf("transport: parse port %s: %w", portStr, err)
		}
		pc, err := listenPacketOnInterfaceForListen("udp", ifaceName, port)
		if err != nil {
			return nil, fmt.Errorf("transport: bind to interface %q: %w", ifaceName, err)
		}
		ql, err := quic.Listen(pc, tlscfg, qcfg)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("transport: listen via %s: %w", ifaceName, err)
		}
		return &Listener{ql: ql, pc: pc, allowedRemote: allowedRemote}, nil
	}

	ql, err := quic.ListenAddr(addr, tlscfg, qcfg)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	return &Listener{ql: ql, allowedRemote: allowedRemote}, nil
}

// Accept yields the next incoming connection, rejecting connections
// from an address other than the configured allow-list (when set).
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	for {
		qc, err := l.ql.Accept(ctx)
		if err != nil {
			return nil, err
		}
		remoteAddr, _, _ := net.SplitHostPort(qc.RemoteAddr().String())
		if l.allowedRemote != "" && l.allowedRemote != remoteAddr {
			_ = qc.CloseWithError(0, "unexpected address")
			continue
		}
		return wrap(qc, nil), nil
	}
}

// Addr returns the listener's local network address as a string.
func (l *Listener) Addr() string {
	return l.ql.Addr().String()
}

// Close shuts down the listener and any bound packet conn.
func (l *Listener) Close() error {
	err := l.ql.Close()
	if l.pc != nil {
		_ = l.pc.Close()
	}
	return err
}

func listenPacketOnInterface(network, ifname string) (net.PacketConn, error) {
	if runtime.GOOS != "linux" {
		return nil, fmt.Errorf("interface binding is only supported on linux")
	}
	lc := net.ListenConfig{Control: bindToDevice(ifname)}
	pc, err := lc.ListenPacket(context.Background(), network, "0.0.0.0:0")
	if err != nil {
		return nil, fmt.Errorf("no usable address found on interface %s: %w", ifname, err)
	}
	return pc, nil
}

func listenPacketOnInterfaceForListen(network, ifname string, port int) (net.PacketConn, error) {
	if runtime.GOOS != "linux" {
		return nil, fmt.Errorf("interface binding is only supported on linux")
	}
	addr := fmt.Sprintf(":%d", port)
	lc := net.ListenConfig{Control: bindToDevice(ifname)}
	pc, err := lc.ListenPacket(context.Background(), network, addr)
	if err != nil {
		return nil, fmt.Errorf("no usable address found on interface %s: %w", ifname, err)
	}
	return pc, nil
}

func bindToDevice(ifname string) func(network, address string, c syscall.RawConn) error {
	return func(_, _ string, c syscall.RawConn) error {
		var serr error
		if err := c.Control(func(fd uintptr) {
			serr = syscall.SetsockoptString(int(fd), syscall.SOL_SOCKET, syscall.SO_BINDTODEVICE, ifname)
		}); err != nil {
			return err
		}
		return serr
	}
}
