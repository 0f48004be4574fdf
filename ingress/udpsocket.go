package ingress

import (
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cloudbridge/wstunnel/protocol"
)

// udpSession tracks one local source address's datagram flow.
type udpSession struct {
	id       uint32
	replies  <-chan protocol.Datagram
	lastSeen time.Time
}

// ServeUDP reads datagrams from conn, forwarding each to rhost:rport over
// its own datagram session (one per source address so replies route back to
// the right client), and writes replies back to their originating address.
// Idle sessions are pruned periodically; pruneTimeout bounds how long a
// session may sit idle before it is forgotten, matching
// original_source's UDP_PRUNE_TIMEOUT behavior on the server's forwarding
// side.
func ServeUDP(conn *net.UDPConn, router *DatagramRouter, rhost string, rport uint16, pruneTimeout time.Duration, log *logrus.Entry) error {
	var mu sync.Mutex
	sessions := make(map[string]*udpSession)

	stopPrune := make(chan struct{})
	defer close(stopPrune)
	go pruneLoop(&mu, sessions, router, pruneTimeout, stopPrune)

	buf := make([]byte, 65536)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			return err
		}
		data := make([]byte, n)
		copy(data, buf[:n])

		mu.Lock()
		sess, ok := sessions[src.String()]
		if !ok {
			id, replies := router.Register()
			sess = &udpSession{id: id, replies: replies}
			sessions[src.String()] = sess
			go pumpReplies(conn, src, sess, &mu, sessions, log)
		}
		sess.lastSeen = time.Now()
		mu.Unlock()

		router.Send(sess.id, rhost, rport, data)
	}
}

// pumpReplies writes every datagram the session's replies channel produces
// back to src, until the router closes the channel (mux wind-down or
// pruning).
func pumpReplies(conn *net.UDPConn, src *net.UDPAddr, sess *udpSession, mu *sync.Mutex, sessions map[string]*udpSession, log *logrus.Entry) {
	for dg := range sess.replies {
		if _, err := conn.WriteToUDP(dg.Data, src); err != nil {
			log.WithError(err).Debug("writing udp reply")
			mu.Lock()
			delete(sessions, src.String())
			mu.Unlock()
			return
		}
	}
}

func pruneLoop(mu *sync.Mutex, sessions map[string]*udpSession, router *DatagramRouter, pruneTimeout time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(pruneTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			mu.Lock()
			cutoff := time.Now().Add(-pruneTimeout)
			for addr, sess := range sessions {
				if sess.lastSeen.Before(cutoff) {
					delete(sessions, addr)
					router.Unregister(sess.id)
				}
			}
			mu.Unlock()
		}
	}
}
