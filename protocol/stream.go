package protocol

import (
	"io"
	"sync"
	"sync/atomic"
)

// establishedState is the mutable state shared between a StreamEndpoint and
// the Mux's flow table entry for the same flow id. It is allocated once,
// when the flow transitions into flowEstablished, and referenced by pointer
// from both sides so neither needs to reach back into the table under lock
// to observe or mutate it.
type establishedState struct {
	// inbound carries PUSH payloads toward the user's Read side. A nil
	// value (as opposed to a non-nil, possibly zero-length slice) is the
	// EOF sentinel pushed by the mux on FIN or wind-down.
	inbound chan []byte

	// finishSent is true once FIN has been sent for this flow, or the
	// stream has been fully torn down. Writers must fail once true.
	finishSent atomic.Bool

	// sendCredit is the number of PUSH frames still permitted before an
	// ACK refills it. Decremented at the instant a PUSH is handed to the
	// outbound queue; incremented only by processing an ACK.
	sendCredit atomic.Uint32

	// writerWake is a one-slot notification: a blocked Write re-checks
	// sendCredit every time this fires. Buffered(1) so a notify from the
	// ACK path never blocks and is never lost if nobody is waiting yet.
	writerWake chan struct{}
}

func newEstablishedState(inboundCap int, initialCredit uint32) *establishedState {
	s := &establishedState{
		inbound:    make(chan []byte, inboundCap),
		writerWake: make(chan struct{}, 1),
	}
	s.sendCredit.Store(initialCredit)
	return s
}

// wake notifies a blocked writer that it should re-check sendCredit. Safe
// to call with nobody listening.
func (s *establishedState) wake() {
	select {
	case s.writerWake <- struct{}{}:
	default:
	}
}

// frameSink is the destination for frames a StreamEndpoint produces. The
// Mux's outbound queue implements it.
type frameSink interface {
	push(Frame)
}

// idSink is the destination for flow ids whose endpoint has been dropped.
// The Mux's dropped-id queue implements it.
type idSink interface {
	push(uint32)
}

// StreamEndpoint is a single multiplexed bidirectional byte stream. It
// implements io.ReadWriteCloser and is safe for concurrent Read and Write,
// but (like most Go streams) assumes at most one reader and at most one
// writer goroutine at a time.
type StreamEndpoint struct {
	flowID   uint32
	destHost string
	destPort uint16

	est *establishedState

	readBuf []byte

	ackThreshold uint32
	pushSinceAck atomic.Uint32

	out     frameSink
	dropped idSink

	closeOnce sync.Once
}

func newStreamEndpoint(flowID uint32, destHost string, destPort uint16, est *establishedState, ackThreshold uint32, out frameSink, dropped idSink) *StreamEndpoint {
	return &StreamEndpoint{
		flowID:       flowID,
		destHost:     destHost,
		destPort:     destPort,
		est:          est,
		ackThreshold: ackThreshold,
		out:          out,
		dropped:      dropped,
	}
}

// FlowID returns the stream's flow id, mostly useful for logging.
func (s *StreamEndpoint) FlowID() uint32 { return s.flowID }

// DestHost returns the destination host carried by the CONNECT/BIND that
// established this stream. Populated only on the accepting side.
func (s *StreamEndpoint) DestHost() string { return s.destHost }

// DestPort returns the destination port carried by the CONNECT/BIND that
// established this stream. Populated only on the accepting side.
func (s *StreamEndpoint) DestPort() uint16 { return s.destPort }

// Read implements io.Reader. It blocks until a PUSH payload, EOF, or error
// is available.
func (s *StreamEndpoint) Read(p []byte) (int, error) {
	for {
		if len(s.readBuf) > 0 {
			n := copy(p, s.readBuf)
			s.readBuf = s.readBuf[n:]
			return n, nil
		}
		data, ok := <-s.est.inbound
		if !ok || data == nil {
			return 0, io.EOF
		}
		s.noteDelivered()
		if len(data) == 0 {
			continue
		}
		n := copy(p, data)
		if n < len(data) {
			s.readBuf = data[n:]
		}
		return n, nil
	}
}

// noteDelivered accounts for one PUSH frame handed to the user and, once
// ackThreshold frames have accumulated, emits an ACK crediting the peer for
// exactly that many.
func (s *StreamEndpoint) noteDelivered() {
	n := s.pushSinceAck.Add(1)
	if n >= s.ackThreshold {
		if s.pushSinceAck.CompareAndSwap(n, 0) {
			s.out.push(Frame{FlowID: s.flowID, Op: OpAck, RWND: n})
		}
	}
}

// Write implements io.Writer. Each call is sent as exactly one PUSH frame,
// consuming one unit of send credit; credit is a frame count, not a byte
// count. Write blocks while credit is exhausted and fails once the stream
// has sent (or been forced to send) its FIN.
func (s *StreamEndpoint) Write(p []byte) (int, error) {
	for {
		if s.est.finishSent.Load() {
			return 0, io.ErrClosedPipe
		}
		cur := s.est.sendCredit.Load()
		if cur > 0 {
			if s.est.sendCredit.CompareAndSwap(cur, cur-1) {
				break
			}
			continue
		}
		<-s.est.writerWake
	}

	buf := make([]byte, len(p))
	copy(buf, p)
	s.out.push(Frame{FlowID: s.flowID, Op: OpPush, Data: buf})
	return len(p), nil
}

// Close implements io.Closer. It is the single teardown entrypoint: if FIN
// has not already been sent, it sends one now; it then notifies the mux that
// this endpoint is gone, so the mux can remove the flow table slot. Because
// finishSent is always true by the time the mux processes that notice, the
// mux sends no RST for a flow closed this way. Safe to call more than once;
// only the first call has any effect.
func (s *StreamEndpoint) Close() error {
	s.closeOnce.Do(func() {
		if s.est.finishSent.CompareAndSwap(false, true) {
			s.out.push(Frame{FlowID: s.flowID, Op: OpFin})
		}
		s.dropped.push(s.flowID)
	})
	return nil
}
