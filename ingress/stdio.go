package ingress

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/cloudbridge/wstunnel/protocol"
)

// ServeStdio opens one remote TCP stream and pumps bytes between it and
// in/out until either side is done. Intended for a single client-side stdio
// invocation (one process, one remote), unlike ServeTCP's accept loop.
//
// Unlike the handshake some tunnel designs need when a generic channel is
// opened before its destination is known, this protocol's CONNECT frame
// already carries host and port (see protocol.Mux.Open), so nothing further
// needs to be negotiated once the stream is open.
func ServeStdio(ctx context.Context, in io.Reader, out io.Writer, m *protocol.Mux, rhost string, rport uint16) error {
	openCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	stream, err := m.Open(openCtx, rhost, rport)
	cancel()
	if err != nil {
		return fmt.Errorf("ingress: opening stdio stream for %s:%d: %w", rhost, rport, err)
	}
	defer stream.Close()

	PipeBidirectional(readWriteCloser{in, out, stream}, stream)
	return nil
}

// ServeStdioUDP frames each line read from in as a datagram toward
// rhost:rport, over a single datagram session id reused for the life of the
// adapter, and writes every reply verbatim to out. Reaching EOF on in stops
// sending but not reply delivery: it returns once in has reached EOF and
// then either ctx is canceled or the router's reply channel closes (mux
// wind-down).
func ServeStdioUDP(ctx context.Context, in io.Reader, out io.Writer, router *DatagramRouter, rhost string, rport uint16) error {
	id, replies := router.Register()
	defer router.Unregister(id)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case dg, ok := <-replies:
				if !ok {
					return
				}
				out.Write(dg.Data)
			case <-ctx.Done():
				return
			}
		}
	}()

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := scanner.Bytes()
		data := make([]byte, len(line))
		copy(data, line)
		router.Send(id, rhost, rport, data)
	}

	select {
	case <-done:
	case <-ctx.Done():
	}
	return scanner.Err()
}

// readWriteCloser adapts a separate reader/writer pair (stdin/stdout) plus a
// Closer borrowed from the stream itself, since os.Stdin/os.Stdout have no
// meaningful combined Close for this purpose: closing the stream is what
// actually tears down the session.
type readWriteCloser struct {
	io.Reader
	io.Writer
	io.Closer
}
