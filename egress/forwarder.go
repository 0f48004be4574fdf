// Package egress implements the server-side half of the tunnel: for every
// stream the mux accepts, dial the destination it names and pump bytes
// between the two; for every datagram received, forward it to its
// destination over a short-lived (pruned) UDP session and relay replies
// back on the same flow id.
package egress

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cloudbridge/wstunnel/protocol"
)

// dialTimeout bounds how long connecting to a forwarding destination may
// take before the stream or datagram session is abandoned.
const dialTimeout = 10 * time.Second

// ServeStreams accepts streams from m forever, dialing each one's
// destination and forwarding bytes bidirectionally. It returns once
// AcceptStream reports the mux is closed.
func ServeStreams(m *protocol.Mux, log *logrus.Entry) error {
	for {
		stream, err := m.AcceptStream(context.Background())
		if err != nil {
			return fmt.Errorf("egress: accept stream: %w", err)
		}
		go func() {
			if err := forwardStream(stream); err != nil {
				log.WithField("flow_id", stream.FlowID()).WithError(err).Debug("stream forwarding ended")
			}
		}()
	}
}

// forwardStream dials the stream's destination and copies bytes both ways
// until either side is done, then tears down both.
func forwardStream(stream *protocol.StreamEndpoint) error {
	defer stream.Close()

	target := net.JoinHostPort(stream.DestHost(), strconv.Itoa(int(stream.DestPort())))
	conn, err := net.DialTimeout("tcp", target, dialTimeout)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", target, err)
	}
	defer conn.Close()

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(conn, stream)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(stream, conn)
		done <- struct{}{}
	}()
	<-done
	conn.Close()
	stream.Close()
	<-done
	return nil
}

// udpSession is one outbound UDP socket forwarding datagrams for a single
// flow id to a single destination. A session is created on first use and
// pruned once the configured prune timeout has passed since the last
// datagram sent through it; replies received from the destination do not
// refresh that timer.
type udpSession struct {
	conn     *net.UDPConn
	lastSeen time.Time
}

// ServeDatagrams consumes m's inbound datagrams, forwarding each to its
// destination over a per-flow-id UDP session, and relays replies back on
// the same flow id. It returns once Datagrams() is closed (mux wind-down).
// pruneTimeout bounds how long a session is kept open after the last
// datagram sent through it; replies do not extend it. Mirrors
// original_source's UDP_PRUNE_TIMEOUT.
func ServeDatagrams(m *protocol.Mux, pruneTimeout time.Duration, log *logrus.Entry) error {
	var mu sync.Mutex
	sessions := make(map[uint32]*udpSession)

	stop := make(chan struct{})
	defer close(stop)
	go pruneUDPSessions(&mu, sessions, pruneTimeout, stop)

	for dg := range m.Datagrams() {
		mu.Lock()
		sess, ok := sessions[dg.FlowID]
		mu.Unlock()
		if !ok {
			var err error
			sess, err = newUDPSession(m, dg.FlowID, log)
			if err != nil {
				log.WithField("flow_id", dg.FlowID).WithError(err).Debug("opening udp session")
				continue
			}
			mu.Lock()
			sessions[dg.FlowID] = sess
			mu.Unlock()
		}

		target := net.JoinHostPort(dg.Host, strconv.Itoa(int(dg.Port)))
		addr, err := net.ResolveUDPAddr("udp", target)
		if err != nil {
			log.WithError(err).Debug("resolving udp datagram destination")
			continue
		}
		mu.Lock()
		sess.lastSeen = time.Now()
		mu.Unlock()
		sess.conn.WriteToUDP(dg.Data, addr)
	}
	return nil
}

// newUDPSession binds an unconnected outbound UDP socket (so it can send to
// whatever destination each datagram names) and starts a goroutine relaying
// replies back to flowID.
func newUDPSession(m *protocol.Mux, flowID uint32, log *logrus.Entry) (*udpSession, error) {
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, err
	}
	sess := &udpSession{conn: conn, lastSeen: time.Now()}
	go func() {
		buf := make([]byte, 65536)
		for {
			n, src, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			data := make([]byte, n)
			copy(data, buf[:n])
			m.SendDatagram(flowID, src.IP.String(), uint16(src.Port), data)
		}
	}()
	return sess, nil
}

func pruneUDPSessions(mu *sync.Mutex, sessions map[uint32]*udpSession, pruneTimeout time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(pruneTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			mu.Lock()
			for id, sess := range sessions {
				sess.conn.Close()
				delete(sessions, id)
			}
			mu.Unlock()
			return
		case <-ticker.C:
			mu.Lock()
			cutoff := time.Now().Add(-pruneTimeout)
			for id, sess := range sessions {
				if sess.lastSeen.Before(cutoff) {
					sess.conn.Close()
					delete(sessions, id)
				}
			}
			mu.Unlock()
		}
	}
}
