package supernode

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"reversetunnel/internal/certutil"
	"reversetunnel/internal/frame"
	"reversetunnel/internal/limiter"
	"reversetunnel/internal/session"
	"reversetunnel/internal/transport"
)

func TestHandleAuth_ValidTokenRegistersSession(t *testing.T) {
	cert, err := certutil.GenerateSelfSigned()
	if err != nil {
		t.Fatalf("generate cert: %v", err)
	}
	ln, err := transport.Listen("127.0.0.1:0", transport.ServerTLSConfig(cert), transport.Config(), "", "")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	srv := &Server{Registry: session.New()}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.RunQUIC(ctx, ln)

	listenAddr := listenerAddr(t, ln)
	clientConn, err := transport.Dial(context.Background(), listenAddr, transport.ClientTLSConfig(), transport.Config(), "")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer clientConn.Close("test done")

	stream, err := clientConn.OpenStream(context.Background())
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	if err := frame.Write(stream, frame.Auth, frame.Meta{frame.TokenKey: "tok-123"}); err != nil {
		t.Fatalf("write auth: %v", err)
	}
	resp, err := frame.Read(stream)
	if err != nil {
		t.Fatalf("read auth result: %v", err)
	}
	if resp.Command != frame.AuthResult || !resp.Meta.Bool("result") {
		t.Fatalf("expected successful AuthResult, got %+v", resp)
	}

	time.Sleep(50 * time.Millisecond)
	if _, ok := srv.Registry.Get("tok-123"); !ok {
		t.Fatalf("expected session registered under token as routing id")
	}
}

func TestHandlePing_RefreshesLiveness(t *testing.T) {
	cert, err := certutil.GenerateSelfSigned()
	if err != nil {
		t.Fatalf("generate cert: %v", err)
	}
	ln, err := transport.Listen("127.0.0.1:0", transport.ServerTLSConfig(cert), transport.Config(), "", "")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	srv := &Server{Registry: session.New()}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.RunQUIC(ctx, ln)

	listenAddr := listenerAddr(t, ln)
	clientConn, err := transport.Dial(context.Background(), listenAddr, transport.ClientTLSConfig(), transport.Config(), "")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer clientConn.Close("test done")

	authStream, _ := clientConn.OpenStream(context.Background())
	frame.Write(authStream, frame.Auth, frame.Meta{frame.TokenKey: "ping-token"})
	frame.Read(authStream)

	sess, ok := srv.Registry.Get("ping-token")
	if !ok {
		t.Fatalf("expected session after auth")
	}
	original := sess.PingAt()
	time.Sleep(10 * time.Millisecond)

	pingStream, _ := clientConn.OpenStream(context.Background())
	frame.Write(pingStream, frame.Ping, frame.Meta{frame.TokenKey: "ping-token"})
	resp, err := frame.Read(pingStream)
	if err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if resp.Command != frame.Pong {
		t.Fatalf("expected Pong, got %v", resp.Command)
	}

	if !sess.PingAt().After(original) {
		t.Errorf("expected ping_at to be refreshed")
	}
}

func TestHandleForward_RelaysToUpstreamTCP(t *testing.T) {
	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen upstream: %v", err)
	}
	defer upstream.Close()
	go func() {
		conn, err := upstream.Accept()
		if err != nil {
			return
		}
		buf := make([]byte, 5)
		conn.Read(buf)
		conn.Write([]byte("echo:" + string(buf)))
		conn.Close()
	}()

	cert, err := certutil.GenerateSelfSigned()
	if err != nil {
		t.Fatalf("generate cert: %v", err)
	}
	ln, err := transport.Listen("127.0.0.1:0", transport.ServerTLSConfig(cert), transport.Config(), "", "")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	srv := &Server{Registry: session.New()}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.RunQUIC(ctx, ln)

	listenAddr := listenerAddr(t, ln)
	clientConn, err := transport.Dial(context.Background(), listenAddr, transport.ClientTLSConfig(), transport.Config(), "")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer clientConn.Close("test done")

	stream, _ := clientConn.OpenStream(context.Background())
	if err := frame.Write(stream, frame.Forward, frame.Meta{frame.ForwardToKey: upstream.Addr().String()}); err != nil {
		t.Fatalf("write forward: %v", err)
	}
	if _, err := stream.Write([]byte("hello")); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	buf := make([]byte, len("echo:hello"))
	n, err := readFull(stream, buf)
	if err != nil {
		t.Fatalf("read relayed response: %v", err)
	}
	if string(buf[:n]) != "echo:hello" {
		t.Errorf("expected echo:hello, got %q", buf[:n])
	}
}

func readFull(r interface{ Read([]byte) (int, error) }, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func listenerAddr(t *testing.T, ln *transport.Listener) string {
	t.Helper()
	addr := ln.Addr()
	return addr
}

func TestHandleAdmin_ReportsClientsAndBandwidth(t *testing.T) {
	srv := &Server{Registry: session.New(), Limiter: limiter.New(1024)}

	client, server := net.Pipe()
	defer client.Close()

	go func() {
		req := "GET /__internal__/clients HTTP/1.1\r\nHost: my-secret-token.localhost\r\n\r\n"
		client.Write([]byte(req))
	}()

	br := bufio.NewReader(server)
	br.Peek(1)
	go srv.handleAdmin(server, br)

	resp, err := io.ReadAll(client)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	parts := strings.SplitN(string(resp), "\r\n\r\n", 2)
	if len(parts) != 2 {
		t.Fatalf("expected a header/body split in response, got %q", resp)
	}
	if !strings.HasPrefix(parts[0], "HTTP/1.1 200 OK") {
		t.Fatalf("expected 200 OK status line, got %q", parts[0])
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(parts[1]), &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	bw, ok := body["bandwidth"].(map[string]any)
	if !ok {
		t.Fatalf("expected bandwidth object in admin response, got %+v", body)
	}
	if _, ok := bw["maxRateBytesPerSec"]; !ok {
		t.Errorf("expected maxRateBytesPerSec in bandwidth report")
	}
	if _, ok := bw["activeRateBytesPerSec"]; !ok {
		t.Errorf("expected activeRateBytesPerSec in bandwidth report")
	}
}
