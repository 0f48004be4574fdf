// Package ingress implements the client-side adapters that accept local
// connections and turn each one into a multiplexed stream: a plain TCP
// listener, stdio, and (in the socks subpackage) a SOCKSv4/v5 proxy.
package ingress

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cloudbridge/wstunnel/protocol"
)

// dialTimeout bounds how long Open is allowed to take before the local
// connection that triggered it is abandoned.
const dialTimeout = 10 * time.Second

// ServeTCP accepts connections on ln forever, opening one remote stream per
// accepted connection and pumping bytes bidirectionally between them. It
// returns when ln.Accept fails (typically because ln was closed).
func ServeTCP(ctx context.Context, ln net.Listener, m *protocol.Mux, rhost string, rport uint16, log *logrus.Entry) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("ingress: accept on %s: %w", ln.Addr(), err)
		}
		go func() {
			if err := relayTCP(ctx, conn, m, rhost, rport); err != nil {
				log.WithError(err).Debug("tcp relay ended")
			}
		}()
	}
}

// relayTCP opens one remote stream for conn and copies bytes both ways until
// either side is done.
func relayTCP(ctx context.Context, conn net.Conn, m *protocol.Mux, rhost string, rport uint16) error {
	defer conn.Close()

	openCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	stream, err := m.Open(openCtx, rhost, rport)
	cancel()
	if err != nil {
		return fmt.Errorf("opening stream for %s:%d: %w", rhost, rport, err)
	}
	defer stream.Close()

	PipeBidirectional(conn, stream)
	return nil
}

// PipeBidirectional copies a<->b until one direction finishes, then closes
// both sides to unblock the other (a plain io.Copy pair would otherwise
// leave the reverse direction blocked forever on its own Read).
func PipeBidirectional(a, b io.ReadWriteCloser) {
	done := make(chan struct{}, 2)
	go func() {
		io.Copy(a, b)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(b, a)
		done <- struct{}{}
	}()
	<-done
	a.Close()
	b.Close()
	<-done
}
