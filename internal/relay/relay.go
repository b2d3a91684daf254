// Package relay implements the bidirectional byte copy between a TCP
// half and a QUIC stream half that carries actual tunneled traffic,
// once a stream's purpose has been established by a leading command
// frame. The copy loop is grounded on the reference bridge's BidiPipe:
// tcp->stream EOF closes the stream's write side; stream->tcp EOF shuts
// down the TCP write half when the connection has a CloseWrite method,
// and otherwise closes the TCP socket, which also ends the tcp->stream
// copy. An error in one direction cancels only that direction's side of
// the stream. The TCP socket is closed once both copies have finished.
package relay

import (
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"reversetunnel/internal/frame"
	"reversetunnel/internal/limiter"
)

// Stream is the subset of *quic.Stream the relay needs; satisfied
// directly by *quic.Stream and by fakes in tests.
type Stream interface {
	io.Reader
	io.Writer
	CancelRead(quic.StreamErrorCode)
	CancelWrite(quic.StreamErrorCode)
	Close() error
}

// Pipe copies bytes between stream and tcp until both directions have
// reached EOF. If lim is non-nil, both directions are metered against
// it.
func Pipe(stream Stream, tcp net.Conn, lim *limiter.SharedLimiter) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		var src io.Reader = tcp
		if lim != nil {
			src = lim.WrapConn(tcp)
		}
		if _, err := io.Copy(stream, src); err != nil {
			stream.CancelWrite(0)
		}
		stream.Close()
		tcp.SetReadDeadline(time.Now())
	}()

	go func() {
		defer wg.Done()
		var dst io.Writer = tcp
		if lim != nil {
			dst = lim.WrapConn(tcp)
		}
		if _, err := io.Copy(dst, stream); err != nil {
			stream.CancelRead(0)
		}
		if cw, ok := tcp.(interface{ CloseWrite() error }); ok {
			cw.CloseWrite()
		} else {
			tcp.Close()
		}
		stream.CancelRead(0)
	}()

	wg.Wait()
	tcp.Close()
}

// DialAndPipe is the supernode ingress flow (§4.7): it writes a leading
// Forward frame naming forwardTo on stream, then relays. The frame
// write happens before any payload byte crosses the wire.
func DialAndPipe(stream Stream, tcp net.Conn, forwardTo string, lim *limiter.SharedLimiter) error {
	meta := frame.Meta{}
	if forwardTo != "" {
		meta[frame.ForwardToKey] = forwardTo
	}
	if err := frame.Write(stream, frame.Forward, meta); err != nil {
		stream.CancelWrite(0)
		tcp.Close()
		return err
	}
	Pipe(stream, tcp, lim)
	return nil
}

// AcceptAndPipe is the edge outbound flow (§4.5/§4.7): a Forward frame
// has already been read off stream by the caller; dialTarget resolves
// to the upstream address (the frame's X-Tunnel-Forward-To, or the
// edge's configured default when absent/empty). It dials the upstream
// TCP target and relays with no leading frame of its own.
func AcceptAndPipe(stream Stream, dialTarget string, lim *limiter.SharedLimiter, dial func(string) (net.Conn, error)) {
	tcp, err := dial(dialTarget)
	if err != nil {
		log.Printf("RELAY: dial upstream %s failed: %v", dialTarget, err)
		stream.CancelWrite(0)
		return
	}
	Pipe(stream, tcp, lim)
}
