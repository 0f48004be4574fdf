package ingress

import (
	"sync"

	"github.com/cloudbridge/wstunnel/protocol"
)

// DatagramRouter fans out the Mux's single inbound Datagram channel to
// whichever local UDP session (plain UDP remote, or a SOCKS UDP ASSOCIATE
// client) owns the flow id the datagram arrived on. The mux itself has no
// notion of datagram ownership — ids are just random session tags — so
// demuxing by id is left to whoever consumes Datagrams().
type DatagramRouter struct {
	m *protocol.Mux

	mu   sync.Mutex
	subs map[uint32]chan protocol.Datagram
}

// NewDatagramRouter starts routing m's datagrams immediately. Call Close
// when the mux itself is going away.
func NewDatagramRouter(m *protocol.Mux) *DatagramRouter {
	r := &DatagramRouter{m: m, subs: make(map[uint32]chan protocol.Datagram)}
	go r.run()
	return r
}

func (r *DatagramRouter) run() {
	for dg := range r.m.Datagrams() {
		r.mu.Lock()
		ch, ok := r.subs[dg.FlowID]
		r.mu.Unlock()
		if !ok {
			continue
		}
		select {
		case ch <- dg:
		default:
		}
	}
	r.mu.Lock()
	for _, ch := range r.subs {
		close(ch)
	}
	r.subs = nil
	r.mu.Unlock()
}

// Register reserves a fresh session id and returns it along with the channel
// its datagrams will arrive on.
func (r *DatagramRouter) Register() (uint32, <-chan protocol.Datagram) {
	id := r.m.NewDatagramSessionID()
	ch := make(chan protocol.Datagram, 16)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subs == nil {
		close(ch)
		return id, ch
	}
	r.subs[id] = ch
	return id, ch
}

// Unregister stops delivery for id. Safe to call more than once.
func (r *DatagramRouter) Unregister(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subs == nil {
		return
	}
	if ch, ok := r.subs[id]; ok {
		delete(r.subs, id)
		close(ch)
	}
}

// Send emits a datagram on id's flow.
func (r *DatagramRouter) Send(id uint32, host string, port uint16, data []byte) {
	r.m.SendDatagram(id, host, port, data)
}
