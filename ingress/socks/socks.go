// Package socks implements a SOCKSv4/v4a and SOCKSv5 ingress proxy: CONNECT
// on both versions, and UDP ASSOCIATE on v5. The BIND command is refused on
// both versions — this tunnel cannot ask the remote host to bind a listener
// on the client's behalf.
package socks

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cloudbridge/wstunnel/ingress"
	"github.com/cloudbridge/wstunnel/protocol"
)

// connectDialTimeout bounds how long a CONNECT request waits for the remote
// stream to be established before giving up.
const connectDialTimeout = 10 * time.Second

// Serve accepts connections on ln forever and handles each as an independent
// SOCKS session. localAddr is a bare host (no port) UDP ASSOCIATE should
// bind its relay socket on, normally the same host the listener itself is
// bound to; empty means all interfaces.
func Serve(ln net.Listener, m *protocol.Mux, router *ingress.DatagramRouter, localAddr string, log *logrus.Entry) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("socks: accept on %s: %w", ln.Addr(), err)
		}
		go func() {
			if err := handleConn(conn, m, router, localAddr); err != nil {
				log.WithError(err).Debug("socks session ended")
			}
		}()
	}
}

func handleConn(conn net.Conn, m *protocol.Mux, router *ingress.DatagramRouter, localAddr string) error {
	defer conn.Close()
	br := bufio.NewReader(conn)

	version, err := br.ReadByte()
	if err != nil {
		return fmt.Errorf("reading version byte: %w", err)
	}
	switch version {
	case 0x04:
		return handleV4(br, conn, m)
	case 0x05:
		return handleV5(br, conn, m, router, localAddr)
	default:
		return fmt.Errorf("unsupported SOCKS version 0x%02x", version)
	}
}

// openRemote opens a remote stream for host:port, bounded by
// connectDialTimeout. Both CONNECT handlers open the stream before writing
// their success reply, mirroring the rule that a reply can only promise
// success once the remote leg actually exists.
func openRemote(m *protocol.Mux, host string, port uint16) (*protocol.StreamEndpoint, error) {
	ctx, cancel := context.WithTimeout(context.Background(), connectDialTimeout)
	defer cancel()
	return m.Open(ctx, host, port)
}

// relay pipes conn<->stream until either side is done, closing stream on
// return.
func relay(conn net.Conn, stream *protocol.StreamEndpoint) {
	defer stream.Close()
	ingress.PipeBidirectional(conn, stream)
}
