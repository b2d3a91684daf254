// Package supernode implements the public-facing half of the tunnel:
// it accepts authenticated edges over QUIC, keeps them in a session
// registry, and accepts public TCP clients whose first bytes are
// sniffed for a routing key, then relayed to the matching edge over a
// freshly opened stream. The accept-loop-per-connection,
// accept-stream-loop-per-connection shape is grounded on the reference
// bridge's NewFarListen/handleIncomingStream.
package supernode

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/quic-go/quic-go"

	"reversetunnel/internal/cryptutil"
	"reversetunnel/internal/frame"
	"reversetunnel/internal/limiter"
	"reversetunnel/internal/relay"
	"reversetunnel/internal/session"
	"reversetunnel/internal/sniff"
	"reversetunnel/internal/transport"
)

// AdminAuth gates the /__internal__/clients endpoint with a bearer
// token, derived via cryptutil.
type AdminAuth struct {
	Salt   []byte
	Digest []byte
}

func (a *AdminAuth) required() bool { return a != nil && len(a.Digest) > 0 }

// RoutingIDFunc derives a routing id from an Auth frame's token,
// selecting identity or hashed mode (§9).
type RoutingIDFunc func(token string) (string, error)

// Identity is the reference routing-id derivation: the token itself.
func Identity(token string) (string, error) { return token, nil }

// Hashed derives a routing id via cryptutil.HashToken.
func Hashed(token string) (string, error) { return cryptutil.HashToken(token) }

// Server ties the registry and optional bandwidth limiter to the two
// accept loops (§4.4, §4.6).
type Server struct {
	Registry    *session.Registry
	Limiter     *limiter.SharedLimiter
	RoutingMode RoutingIDFunc
	Admin       *AdminAuth
}

// RunQUIC runs the supernode's QUIC accept loop until ctx is done.
func (s *Server) RunQUIC(ctx context.Context, ln *transport.Listener) error {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("SUPERNODE: accept error: %v", err)
			continue
		}
		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn *transport.Conn) {
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			log.Printf("SUPERNODE: connection from %v closed: %v", conn.RemoteAddr(), err)
			return
		}
		go s.handleStream(conn, stream)
	}
}

func (s *Server) handleStream(conn *transport.Conn, stream *quic.Stream) {
	pkt, err := frame.Read(stream)
	if err != nil {
		log.Printf("SUPERNODE: frame read error: %v", err)
		stream.Close()
		return
	}

	switch pkt.Command {
	case frame.Auth:
		s.handleAuth(conn, stream, pkt)
	case frame.Ping:
		s.handlePing(stream, pkt)
	case frame.Forward:
		s.handleForward(stream, pkt)
	case frame.SetSessionMeta:
		s.handleSetSessionMeta(stream, pkt)
	default:
		log.Printf("SUPERNODE: unexpected command %v on stream", pkt.Command)
		stream.Close()
	}
}

func (s *Server) handleAuth(conn *transport.Conn, stream *quic.Stream, pkt *frame.Packet) {
	token := pkt.Meta.String(frame.TokenKey)
	if token == "" {
		_ = frame.Write(stream, frame.AuthResult, frame.Meta{frame.ResultKey: false})
		stream.Close()
		return
	}
	routingID, err := s.routingID(token)
	if err != nil {
		log.Printf("SUPERNODE: routing id derivation failed: %v", err)
		_ = frame.Write(stream, frame.AuthResult, frame.Meta{frame.ResultKey: false})
		stream.Close()
		return
	}
	s.Registry.Insert(routingID, conn, pkt.Meta)
	if err := frame.Write(stream, frame.AuthResult, frame.Meta{frame.ResultKey: true}); err != nil {
		log.Printf("SUPERNODE: auth result write failed: %v", err)
	}
	stream.Close()
}

func (s *Server) handlePing(stream *quic.Stream, pkt *frame.Packet) {
	token := pkt.Meta.String(frame.TokenKey)
	routingID, err := s.routingID(token)
	if err != nil {
		stream.Close()
		return
	}
	sess, ok := s.Registry.Get(routingID)
	if !ok {
		log.Printf("SUPERNODE: ping for unknown session %s", routingID)
		stream.Close()
		return
	}
	sess.Touch()
	if err := frame.Write(stream, frame.Pong, nil); err != nil {
		log.Printf("SUPERNODE: pong write failed: %v", err)
	}
	stream.Close()
}

func (s *Server) handleForward(stream *quic.Stream, pkt *frame.Packet) {
	target := pkt.Meta.String(frame.ForwardToKey)
	if target == "" {
		log.Printf("SUPERNODE: forward with no target")
		stream.Close()
		return
	}
	tcp, err := net.DialTimeout("tcp", target, 10*time.Second)
	if err != nil {
		writeBadGateway(stream, err)
		stream.Close()
		return
	}
	relay.Pipe(stream, tcp, s.Limiter)
}

func (s *Server) handleSetSessionMeta(stream *quic.Stream, pkt *frame.Packet) {
	token := pkt.Meta.String(frame.TokenKey)
	routingID, err := s.routingID(token)
	if err == nil {
		if sess, ok := s.Registry.Get(routingID); ok {
			sess.MergeMeta(pkt.Meta)
		} else {
			log.Printf("SUPERNODE: SetSessionMeta for unknown session %s", routingID)
		}
	}
	stream.Close()
}

func (s *Server) routingID(token string) (string, error) {
	if s.RoutingMode != nil {
		return s.RoutingMode(token)
	}
	return Identity(token)
}

func writeBadGateway(w interface{ Write([]byte) (int, error) }, cause error) {
	body := fmt.Sprintf("HTTP/1.1 502 Bad Gateway\r\nContent-Type: text/plain\r\nConnection: close\r\n\r\nupstream unreachable: %v\r\n", cause)
	_, _ = w.Write([]byte(body))
}

// RunIngress runs the public TCP ingress accept loop (§4.6) until ctx
// is done.
func (s *Server) RunIngress(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("INGRESS: accept error: %v", err)
			continue
		}
		go s.handleIngress(conn)
	}
}

func (s *Server) handleIngress(conn net.Conn) {
	result, br, err := sniff.Sniff(conn)
	if err != nil {
		writeNotFound(conn, "")
		conn.Close()
		return
	}

	if result.IsAdmin {
		s.handleAdmin(conn, br)
		return
	}

	sess, ok := s.Registry.GetDefault(result.TunnelID)
	if !ok {
		writeNotFound(conn, result.TunnelID)
		conn.Close()
		return
	}

	stream, err := sess.Conn.OpenStream(context.Background())
	if err != nil {
		s.Registry.Remove(sess.RoutingID)
		writeNotFound(conn, result.TunnelID)
		conn.Close()
		return
	}

	bufConn := &bufferedConn{Conn: conn, r: br}
	if err := relay.DialAndPipe(stream, bufConn, result.Host, s.Limiter); err != nil {
		log.Printf("INGRESS: relay setup failed: %v", err)
	}
}

func (s *Server) handleAdmin(conn net.Conn, br *bufio.Reader) {
	defer conn.Close()

	if s.Admin.required() {
		token := adminBearerToken(br)
		ok, err := cryptutil.CheckAdminToken(token, s.Admin.Salt, s.Admin.Digest)
		if err != nil || !ok {
			writeJSON(conn, 401, map[string]any{"status": "error", "message": "unauthorized"})
			return
		}
	}

	clients := make([]map[string]any, 0)
	for _, sess := range s.Registry.Snapshot(30 * time.Second) {
		clients = append(clients, sess.Meta())
	}
	body := map[string]any{"status": "ok", "clients": clients, "count": len(clients)}
	if s.Limiter != nil {
		body["bandwidth"] = map[string]any{
			"maxRateBytesPerSec":    s.Limiter.GetMaxRate(),
			"activeRateBytesPerSec": s.Limiter.GetActiveRate(),
		}
	}
	writeJSON(conn, 200, body)
}

// adminBearerToken re-parses the already-peeked request bytes to pull
// the Authorization header; it does not consume br, since the peeked
// bytes must remain available in case this turns out not to be the
// admin path's last read.
func adminBearerToken(br *bufio.Reader) string {
	peeked, _ := br.Peek(sniff.MaxSniffLen)
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(peeked)))
	if err != nil {
		return ""
	}
	auth := req.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(auth, prefix) {
		return strings.TrimPrefix(auth, prefix)
	}
	return ""
}

func writeNotFound(w interface{ Write([]byte) (int, error) }, tunnelID string) {
	writeJSON(w, 404, map[string]any{"code": 404, "message": fmt.Sprintf("tunnel [%s] not online", tunnelID)})
}

func writeJSON(w interface{ Write([]byte) (int, error) }, status int, body map[string]any) {
	payload, _ := json.Marshal(body)
	statusLine := "200 OK"
	switch status {
	case 404:
		statusLine = "404 Not Found"
	case 401:
		statusLine = "401 Unauthorized"
	}
	resp := fmt.Sprintf(
		"HTTP/1.1 %s\r\nContent-Type: application/json; charset=utf-8\r\nContent-Length: %d\r\nConnection: close\r\nCache-Control: no-cache\r\n\r\n%s",
		statusLine, len(payload), payload,
	)
	_, _ = w.Write([]byte(resp))
}

// bufferedConn lets the relay read through the sniffer's already-peeked
// buffer without discarding the bytes that were inspected.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }
