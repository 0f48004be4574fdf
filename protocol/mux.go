package protocol

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	channels "gopkg.in/eapache/channels.v1"
	"nhooyr.io/websocket"
)

var (
	ErrMuxClosed      = errors.New("protocol: mux closed")
	ErrConnectRefused = errors.New("protocol: peer reset the connection")
	ErrBindRejected   = errors.New("protocol: peer rejected bind request")
	ErrTooManyStreams = errors.New("protocol: too many concurrent streams")

	errMuxClosing = errors.New("protocol: mux is winding down")
)

// Config tunes the mux's flow control and keepalive behavior. Zero-value
// fields are replaced by DefaultConfig's defaults by NewMux.
type Config struct {
	// InitialCredit is the receive window (in PUSH frames) this side
	// grants the peer on every newly established flow.
	InitialCredit uint32
	// AckThreshold is how many received PUSH frames accumulate before an
	// ACK is emitted; clamped to InitialCredit.
	AckThreshold uint32
	// KeepaliveInterval, if non-zero, is the ping cadence on an otherwise
	// idle connection.
	KeepaliveInterval time.Duration
	// MaxStreams is the number of occupied flow table slots (streams opened
	// by either side, plus pending opens and binds) at which Open refuses
	// to start another stream. Streams the peer opens are not refused.
	// Zero means unlimited.
	MaxStreams int
	// DatagramQueueCapacity bounds the inbound datagram channel; excess
	// datagrams are dropped rather than applying backpressure to the
	// receive loop.
	DatagramQueueCapacity int
}

// DefaultConfig returns the configuration used when a zero Config is
// supplied to NewMux.
func DefaultConfig() Config {
	return Config{
		InitialCredit:         32,
		AckThreshold:          16,
		DatagramQueueCapacity: 128,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.InitialCredit == 0 {
		c.InitialCredit = d.InitialCredit
	}
	if c.AckThreshold == 0 {
		c.AckThreshold = d.AckThreshold
	}
	if c.AckThreshold > c.InitialCredit {
		c.AckThreshold = c.InitialCredit
	}
	if c.DatagramQueueCapacity == 0 {
		c.DatagramQueueCapacity = d.DatagramQueueCapacity
	}
	return c
}

// Datagram is one unreliable, connectionless payload carried by a DATAGRAM
// frame.
type Datagram struct {
	FlowID uint32
	Host   string
	Port   uint16
	Data   []byte
}

// BindRequest is delivered to the handler registered with OnBindRequest
// when the peer sends a BIND frame. Exactly one of Accept or Reject must be
// called.
type BindRequest struct {
	FlowID uint32
	Host   string
	Port   uint16

	out  frameSink
	once sync.Once
}

// Accept tells the peer the bind succeeded. Per wire compatibility with the
// system this protocol was modeled on, acceptance is signaled by sending
// FIN (not a dedicated opcode) on the bind's flow id.
func (b *BindRequest) Accept() {
	b.once.Do(func() { b.out.push(Frame{FlowID: b.FlowID, Op: OpFin}) })
}

// Reject tells the peer the bind failed.
func (b *BindRequest) Reject() {
	b.once.Do(func() { b.out.push(Frame{FlowID: b.FlowID, Op: OpReset}) })
}

// frameQueue is the mux's unbounded outbound frame queue. Closing it is
// racy against concurrent pushers in general (StreamEndpoint.Close can run
// on any user goroutine at any time), so close is only ever done through
// sealAndClose, which excludes in-flight pushes with a lock rather than
// relying on select-against-a-closed-channel, which does not actually
// prevent the send-on-closed-channel panic.
type frameQueue struct {
	mu     sync.RWMutex
	sealed bool
	ch     *channels.InfiniteChannel
}

func newFrameQueue() *frameQueue { return &frameQueue{ch: channels.NewInfiniteChannel()} }

func (q *frameQueue) push(f Frame) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.sealed {
		return
	}
	q.ch.In() <- f
}

// sealAndClose stops accepting further frames and closes the channel once
// no push can still be in flight. The InfiniteChannel's Out() side closes
// only after every already-buffered frame has been delivered, so a sender
// still draining it afterward sees every frame queued before sealing.
func (q *frameQueue) sealAndClose() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sealed = true
	q.ch.Close()
}

// idQueue is the mux's unbounded dropped-flow-id queue; see frameQueue for
// the sealing rationale.
type idQueue struct {
	mu     sync.RWMutex
	sealed bool
	ch     *channels.InfiniteChannel
}

func newIDQueue() *idQueue { return &idQueue{ch: channels.NewInfiniteChannel()} }

func (q *idQueue) push(id uint32) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.sealed {
		return
	}
	q.ch.In() <- id
}

func (q *idQueue) sealAndClose() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sealed = true
	q.ch.Close()
}

// Mux multiplexes many logical streams, plus unreliable datagrams, over a
// single WebSocket connection. Construct with NewMux; the three internal
// sub-loops start immediately and run until the connection fails, the peer
// closes it, or Close is called.
type Mux struct {
	conn *websocket.Conn
	cfg  Config
	log  *logrus.Entry

	table      *flowTable
	outbound   *frameQueue
	droppedIDs *idQueue

	acceptCh   chan *StreamEndpoint
	datagramCh chan Datagram

	bindHandlerMu sync.RWMutex
	bindHandler   func(*BindRequest)

	closed        chan struct{}
	done          chan struct{}
	connCloseOnce sync.Once

	errMu sync.Mutex
	err   error
}

// NewMux wraps conn. isServer has no bearing on the wire protocol (flow ids
// are chosen at random by whichever side opens a flow) but is accepted for
// logging and for callers that want to branch CLI behavior on role.
func NewMux(conn *websocket.Conn, isServer bool, cfg Config, log *logrus.Entry) *Mux {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	m := &Mux{
		conn:       conn,
		cfg:        cfg.withDefaults(),
		log:        log.WithField("role", roleName(isServer)),
		table:      newFlowTable(),
		outbound:   newFrameQueue(),
		droppedIDs: newIDQueue(),
		acceptCh:   make(chan *StreamEndpoint, 32),
		closed:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	m.datagramCh = make(chan Datagram, m.cfg.DatagramQueueCapacity)
	go m.run()
	return m
}

func roleName(isServer bool) string {
	if isServer {
		return "server"
	}
	return "client"
}

// Open sends CONNECT for host:port and blocks until the peer ACKs
// (returning the new StreamEndpoint), resets (ErrConnectRefused), or ctx is
// done.
func (m *Mux) Open(ctx context.Context, host string, port uint16) (*StreamEndpoint, error) {
	select {
	case <-m.closed:
		return nil, ErrMuxClosed
	default:
	}
	if m.cfg.MaxStreams > 0 && m.table.Len() >= m.cfg.MaxStreams {
		return nil, ErrTooManyStreams
	}

	id, waiter, err := m.table.AllocateRequested()
	if err != nil {
		return nil, err
	}
	m.outbound.push(Frame{FlowID: id, Op: OpConnect, RWND: m.cfg.InitialCredit, Host: host, Port: port})

	select {
	case ep := <-waiter:
		if ep == nil {
			return nil, ErrConnectRefused
		}
		return ep, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.closed:
		return nil, ErrMuxClosed
	}
}

// Bind sends BIND for host:port and blocks until the peer accepts (FIN),
// rejects (RST), or ctx is done. Connections the peer subsequently accepts
// on our behalf arrive as ordinary streams through AcceptStream.
func (m *Mux) Bind(ctx context.Context, host string, port uint16) error {
	select {
	case <-m.closed:
		return ErrMuxClosed
	default:
	}
	id, waiter, err := m.table.AllocateBindRequested()
	if err != nil {
		return err
	}
	m.outbound.push(Frame{FlowID: id, Op: OpBind, Host: host, Port: port})

	select {
	case err := <-waiter:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.closed:
		return ErrMuxClosed
	}
}

// AcceptStream blocks until the peer opens a stream (CONNECT) or the mux
// closes.
func (m *Mux) AcceptStream(ctx context.Context) (*StreamEndpoint, error) {
	select {
	case ep, ok := <-m.acceptCh:
		if !ok {
			return nil, ErrMuxClosed
		}
		return ep, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.closed:
		return nil, ErrMuxClosed
	}
}

// OnBindRequest registers the handler invoked for inbound BIND frames. Each
// invocation runs in its own goroutine so a slow handler cannot stall frame
// dispatch. If no handler is registered, BIND requests are refused (RST).
func (m *Mux) OnBindRequest(fn func(*BindRequest)) {
	m.bindHandlerMu.Lock()
	m.bindHandler = fn
	m.bindHandlerMu.Unlock()
}

// Datagrams returns the channel of inbound DATAGRAM payloads.
func (m *Mux) Datagrams() <-chan Datagram { return m.datagramCh }

// NewDatagramSessionID returns a fresh random, non-zero id suitable for
// grouping one connectionless session's outbound datagrams (e.g. one SOCKS
// UDP ASSOCIATE client). Datagram ids are not tracked in the flow table:
// DATAGRAM carries no connection handshake.
func (m *Mux) NewDatagramSessionID() uint32 {
	for {
		if id := rand.Uint32(); id != 0 {
			return id
		}
	}
}

// SendDatagram emits a DATAGRAM frame.
func (m *Mux) SendDatagram(id uint32, host string, port uint16, data []byte) {
	m.outbound.push(Frame{FlowID: id, Op: OpDatagram, Host: host, Port: port, Data: data})
}

// Close requests a graceful wind-down: flush queued outbound frames best
// effort, notify every live endpoint of EOF, and close the WebSocket. It
// blocks until wind-down completes.
func (m *Mux) Close() error {
	m.droppedIDs.push(0)
	<-m.done
	return m.Err()
}

// Done returns a channel closed once the mux has fully wound down.
func (m *Mux) Done() <-chan struct{} { return m.done }

// Err returns the error that caused wind-down, if any (nil for a graceful
// local Close or a clean peer-initiated close).
func (m *Mux) Err() error {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	return m.err
}

func (m *Mux) setErr(err error) {
	if err == nil || errors.Is(err, errMuxClosing) {
		return
	}
	m.errMu.Lock()
	if m.err == nil {
		m.err = err
	}
	m.errMu.Unlock()
}

type loopResult struct {
	name string
	err  error
}

// run drives the three cooperative sub-loops and, once the first of them
// finishes, the wind-down sequence.
//
// The tricky part is ordering against nhooyr.io/websocket: recvLoop's
// blocked Read only ever returns once the connection is actually closed,
// but wind-down must drain whatever is still queued outbound *before*
// closing it. So sealing+closing the outbound queue (which lets sendLoop
// finish once it has drained everything already in it) always happens
// first; only once sendLoop's result is observed — meaning the drain is
// over — do we close the connection, which is what finally unblocks
// recvLoop if it wasn't already done.
func (m *Mux) run() {
	results := make(chan loopResult, 3)
	go func() { results <- loopResult{"drop", m.dropLoop()} }()
	go func() { results <- loopResult{"send", m.sendLoop()} }()
	go func() { results <- loopResult{"recv", m.recvLoop()} }()

	first := <-results
	m.setErr(first.err)
	m.windDownBegin()

	if first.name == "send" {
		m.closeConn()
	}
	for i := 0; i < 2; i++ {
		r := <-results
		m.setErr(r.err)
		if r.name == "send" {
			m.closeConn()
		}
	}

	m.windDownFinish()
	close(m.done)
}

// windDownBegin marks every established stream as finished and wakes its
// writer (so blocked or future Writes fail fast), stops accepting new
// public calls, and seals+closes the outbound and dropped-id queues so
// sendLoop and dropLoop can run to completion and report back.
func (m *Mux) windDownBegin() {
	select {
	case <-m.closed:
	default:
		close(m.closed)
	}
	for _, est := range m.table.EstablishedSnapshot() {
		est.finishSent.Store(true)
		est.wake()
	}
	m.outbound.sealAndClose()
	m.droppedIDs.sealAndClose()
}

// closeConn closes the WebSocket exactly once, regardless of how many
// wind-down paths call it.
func (m *Mux) closeConn() {
	m.connCloseOnce.Do(func() {
		status := websocket.StatusNormalClosure
		reason := "mux closed"
		if err := m.Err(); err != nil {
			status = websocket.StatusInternalError
			reason = "mux error"
		}
		_ = m.conn.Close(status, reason)
	})
}

// windDownFinish runs once all three sub-loops have returned: it delivers
// EOF to every endpoint still in the table (anything not already reconciled
// by a FIN/RST/drop during the sub-loops' own final iterations) and closes
// the accept channel. Best-effort draining of whatever was still queued
// outbound already happened inside sendLoop itself: sealing the queue
// (windDownBegin) rather than abandoning it is what lets a healthy
// connection flush everything before sendLoop reports back and closeConn
// runs; a broken connection instead fails its very next Write and sendLoop
// returns immediately, which is the right behavior for that case too.
func (m *Mux) windDownFinish() {
	m.closeConn()
	for _, est := range m.table.EstablishedSnapshot() {
		select {
		case est.inbound <- nil:
		default:
		}
	}
	close(m.acceptCh)
	close(m.datagramCh)
}

// dropLoop is sub-loop 1: it processes dropped flow ids, closing their
// slots. Id 0 is the sentinel Close pushes and terminates this sub-loop
// immediately, triggering wind-down. If some other sub-loop triggers
// wind-down first, this loop instead runs until windDownBegin seals and
// closes the queue out from under it.
func (m *Mux) dropLoop() error {
	in := m.droppedIDs.ch.Out()
	for {
		v, ok := <-in
		if !ok {
			return errMuxClosing
		}
		id, _ := v.(uint32)
		if id == 0 {
			return nil
		}
		m.closePort(id, false)
	}
}

// sendLoop is sub-loop 2: it drains the outbound queue and writes frames to
// the WebSocket, plus an optional keepalive ping ticker. It runs until the
// outbound queue itself is sealed and drained.
func (m *Mux) sendLoop() error {
	var tickC <-chan time.Time
	if m.cfg.KeepaliveInterval > 0 {
		ticker := time.NewTicker(m.cfg.KeepaliveInterval)
		defer ticker.Stop()
		tickC = ticker.C
	}
	out := m.outbound.ch.Out()
	for {
		select {
		case v, ok := <-out:
			if !ok {
				return nil
			}
			f := v.(Frame)
			buf, err := EncodeFrame(f)
			if err != nil {
				m.log.WithError(err).Warn("dropping unencodable outbound frame")
				continue
			}
			if err := m.conn.Write(context.Background(), websocket.MessageBinary, buf); err != nil {
				return fmt.Errorf("protocol: websocket write: %w", err)
			}
		case <-tickC:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := m.conn.Ping(ctx)
			cancel()
			if err != nil {
				return fmt.Errorf("protocol: keepalive ping: %w", err)
			}
		}
	}
}

// recvLoop is sub-loop 3: it reads WebSocket messages and dispatches
// decoded frames.
func (m *Mux) recvLoop() error {
	for {
		typ, data, err := m.conn.Read(context.Background())
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				return nil
			}
			return fmt.Errorf("protocol: websocket read: %w", err)
		}
		if typ == websocket.MessageText {
			return errors.New("protocol: unexpected text message")
		}
		f, err := DecodeFrame(data)
		if err != nil {
			m.log.WithError(err).Warn("dropping malformed frame")
			continue
		}
		m.dispatch(f)

		select {
		case <-m.closed:
			return errMuxClosing
		default:
		}
	}
}

// dispatch applies the per-opcode receive-side state machine.
func (m *Mux) dispatch(f Frame) {
	switch f.Op {
	case OpConnect:
		m.handleConnect(f)
	case OpAck:
		m.handleAck(f)
	case OpFin:
		m.handleFin(f)
	case OpReset:
		m.handleReset(f)
	case OpPush:
		m.handlePush(f)
	case OpBind:
		m.handleBind(f)
	case OpDatagram:
		m.handleDatagram(f)
	default:
		m.log.Warnf("ignoring frame with unknown opcode 0x%02x", byte(f.Op))
	}
}

func (m *Mux) handleConnect(f Frame) {
	if _, ok := m.table.Get(f.FlowID); ok {
		// A legitimate retry will allocate a fresh id; replying RST here
		// is what tells the peer this one collided.
		m.sendRST(f.FlowID)
		return
	}
	est := newEstablishedState(int(m.cfg.InitialCredit), f.RWND)
	if !m.table.InsertEstablished(f.FlowID, est, f.Host, f.Port) {
		m.sendRST(f.FlowID)
		return
	}
	ep := newStreamEndpoint(f.FlowID, f.Host, f.Port, est, m.cfg.AckThreshold, m.outbound, m.droppedIDs)
	m.outbound.push(Frame{FlowID: f.FlowID, Op: OpAck, RWND: m.cfg.InitialCredit})
	select {
	case m.acceptCh <- ep:
	case <-m.closed:
	}
}

func (m *Mux) handleAck(f Frame) {
	e, ok := m.table.Get(f.FlowID)
	if !ok {
		m.sendRST(f.FlowID)
		return
	}
	switch e.state {
	case flowEstablished:
		e.est.sendCredit.Add(f.RWND)
		e.est.wake()
	case flowRequested:
		est := newEstablishedState(int(m.cfg.InitialCredit), f.RWND)
		waiter, ok := m.table.Establish(f.FlowID, est)
		if !ok {
			return
		}
		ep := newStreamEndpoint(f.FlowID, "", 0, est, m.cfg.AckThreshold, m.outbound, m.droppedIDs)
		select {
		case waiter <- ep:
		default:
		}
	case flowBindRequested:
		m.table.Remove(f.FlowID)
		m.sendRST(f.FlowID)
	}
}

func (m *Mux) handleFin(f Frame) {
	e, ok := m.table.Get(f.FlowID)
	if !ok {
		m.log.Debugf("FIN for unknown flow %d", f.FlowID)
		return
	}
	switch e.state {
	case flowEstablished:
		select {
		case e.est.inbound <- nil:
		default:
		}
	case flowBindRequested:
		m.table.Remove(f.FlowID)
		select {
		case e.bindWait <- nil:
		default:
		}
	case flowRequested:
		m.log.Warnf("FIN on requested flow %d", f.FlowID)
		m.sendRST(f.FlowID)
	}
}

func (m *Mux) handleReset(f Frame) {
	// RST never draws a reply RST; that alone distinguishes it from the
	// dropped-id path, which otherwise reconciles a flow identically.
	m.closePort(f.FlowID, true)
}

func (m *Mux) handlePush(f Frame) {
	e, ok := m.table.Get(f.FlowID)
	if !ok || e.state != flowEstablished {
		m.sendRST(f.FlowID)
		return
	}
	if e.est.finishSent.Load() {
		// Local endpoint is already closing; its removal is in flight via
		// the drop processor. Drop rather than race it.
		return
	}
	select {
	case e.est.inbound <- f.Data:
	default:
		if _, ok := m.table.Remove(f.FlowID); ok {
			e.est.finishSent.Store(true)
			m.sendRST(f.FlowID)
		}
	}
}

func (m *Mux) handleBind(f Frame) {
	m.bindHandlerMu.RLock()
	fn := m.bindHandler
	m.bindHandlerMu.RUnlock()
	if fn == nil {
		m.sendRST(f.FlowID)
		return
	}
	req := &BindRequest{FlowID: f.FlowID, Host: f.Host, Port: f.Port, out: m.outbound}
	go fn(req)
}

func (m *Mux) handleDatagram(f Frame) {
	dg := Datagram{FlowID: f.FlowID, Host: f.Host, Port: f.Port, Data: f.Data}
	select {
	case m.datagramCh <- dg:
	default:
		m.log.Debugf("dropping datagram for flow %d: inbound queue full", f.FlowID)
	}
}

func (m *Mux) sendRST(id uint32) {
	m.outbound.push(Frame{FlowID: id, Op: OpReset})
}

// closePort removes id's slot and reconciles it: delivers EOF (or failure)
// to whoever was waiting on it, and sends RST unless inhibitRST is set or
// FIN was already sent.
func (m *Mux) closePort(id uint32, inhibitRST bool) {
	e, ok := m.table.Remove(id)
	if !ok {
		return
	}
	switch e.state {
	case flowEstablished:
		select {
		case e.est.inbound <- nil:
		default:
		}
		wasSent := e.est.finishSent.Swap(true)
		if !wasSent && !inhibitRST {
			m.sendRST(id)
		}
		e.est.wake()
	case flowRequested:
		select {
		case e.connWait <- nil:
		default:
		}
	case flowBindRequested:
		select {
		case e.bindWait <- ErrBindRejected:
		default:
		}
	}
}
