// Package sniff recovers a routing hint from the first bytes of an
// inbound TCP connection without terminating the protocol those bytes
// belong to: it tries an HTTP/1 request line for a Host header, then a
// bare TLS ClientHello for SNI, and gives up with a not-found-style
// error if neither parses. This mirrors the reference tunnel's
// sniff_tcp (HTTP first, then a handshake-aborting TLS acceptor),
// reimplemented against net/http and crypto/tls since no third-party
// Go library in the dependency set offers a ClientHello-only peek.
package sniff

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// MaxSniffLen bounds how many leading bytes are inspected.
const MaxSniffLen = 4096

// PeekDeadline bounds how long the initial peek may block for.
const PeekDeadline = 5 * time.Second

// DefaultTunnelID is used when an HTTP request carries no Host header.
const DefaultTunnelID = "my-secret-token"

// DefaultHost is the fully-qualified fallback host.
const DefaultHost = DefaultTunnelID + ".localhost"

// ErrNotSniffable is returned when neither HTTP nor TLS parsing
// succeeds on the peeked bytes.
var ErrNotSniffable = errors.New("sniff: could not identify protocol")

// Result is what the ingress learned about an inbound connection.
type Result struct {
	TunnelID   string
	Host       string
	IsHTTPS    bool
	IsAdmin    bool // true for the GET /__internal__/clients request
	HTTPMethod string
	HTTPTarget string
}

const adminPath = "/__internal__/clients"

// Sniff waits up to PeekDeadline for the first bytes on conn and
// inspects what that single read delivers (at most MaxSniffLen bytes)
// without consuming them; reads through the returned buffered reader —
// including the forwarding relay's — still observe every byte. Bytes
// that arrive after that first read are not inspected.
func Sniff(conn net.Conn) (*Result, *bufio.Reader, error) {
	_ = conn.SetReadDeadline(time.Now().Add(PeekDeadline))
	br := bufio.NewReaderSize(conn, MaxSniffLen)
	_, _ = br.Peek(1)
	peek, _ := br.Peek(br.Buffered())
	_ = conn.SetReadDeadline(time.Time{})

	if res, ok := sniffHTTP(peek); ok {
		return res, br, nil
	}
	if res, ok := sniffTLS(peek); ok {
		return res, br, nil
	}
	return nil, br, ErrNotSniffable
}

func sniffHTTP(peek []byte) (*Result, bool) {
	if len(peek) == 0 {
		return nil, false
	}
	req, err := http.ReadRequest(bufio.NewReader(byteReader(peek)))
	if err != nil {
		return nil, false
	}
	host := req.Host
	if host == "" {
		host = DefaultHost
	}
	tunnelID := leftmostLabel(host)
	if !strings.Contains(host, ":") {
		host = host + ":80"
	}
	return &Result{
		TunnelID:   tunnelID,
		Host:       host,
		IsHTTPS:    false,
		IsAdmin:    req.Method == http.MethodGet && req.URL.Path == adminPath,
		HTTPMethod: req.Method,
		HTTPTarget: req.URL.Path,
	}, true
}

func sniffTLS(peek []byte) (*Result, bool) {
	if len(peek) == 0 {
		return nil, false
	}
	sni, ok := peekClientHelloSNI(peek)
	if !ok || sni == "" {
		return nil, false
	}
	tunnelID := leftmostLabel(sni)
	return &Result{
		TunnelID: tunnelID,
		Host:     fmt.Sprintf("%s:443", sni),
		IsHTTPS:  true,
	}, true
}

// peekClientHelloSNI runs the TLS server handshake machinery just far
// enough to observe ClientHello.ServerName, then aborts the handshake
// deliberately — the same technique httputil's ReverseProxy /
// Caddy-style SNI routers use when no Acceptor-style helper is
// available, since crypto/tls has no client-hello-only parser.
func peekClientHelloSNI(peek []byte) (string, bool) {
	var sni string
	var sawHello bool
	abort := errors.New("sniff: abort after clienthello")

	cfg := &tls.Config{
		GetConfigForClient: func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
			sni = hello.ServerName
			sawHello = true
			return nil, abort
		},
	}

	conn := tls.Server(&readOnlyConn{r: byteReader(peek)}, cfg)
	_ = conn.Handshake()
	return sni, sawHello
}

func leftmostLabel(hostport string) string {
	host := hostport
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	if i := strings.IndexByte(host, '.'); i >= 0 {
		return host[:i]
	}
	return host
}

// byteReader turns a byte slice into an io.Reader without copying.
func byteReader(b []byte) *sliceReader { return &sliceReader{b: b} }

type sliceReader struct {
	b []byte
	i int
}

func (s *sliceReader) Read(p []byte) (int, error) {
	if s.i >= len(s.b) {
		return 0, errEOF
	}
	n := copy(p, s.b[s.i:])
	s.i += n
	return n, nil
}

var errEOF = errors.New("sniff: EOF")

// readOnlyConn adapts an io.Reader to net.Conn so crypto/tls's server
// handshake can read the peeked bytes. Writes are discarded since the
// handshake is intentionally aborted before any response is needed.
type readOnlyConn struct {
	r *sliceReader
}

func (c *readOnlyConn) Read(b []byte) (int, error)         { return c.r.Read(b) }
func (c *readOnlyConn) Write(b []byte) (int, error)        { return len(b), nil }
func (c *readOnlyConn) Close() error                       { return nil }
func (c *readOnlyConn) LocalAddr() net.Addr                { return nil }
func (c *readOnlyConn) RemoteAddr() net.Addr               { return nil }
func (c *readOnlyConn) SetDeadline(time.Time) error         { return nil }
func (c *readOnlyConn) SetReadDeadline(time.Time) error     { return nil }
func (c *readOnlyConn) SetWriteDeadline(time.Time) error    { return nil }
