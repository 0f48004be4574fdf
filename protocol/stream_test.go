package protocol

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	frames []Frame
}

func (s *recordingSink) push(f Frame) { s.frames = append(s.frames, f) }

type recordingIDSink struct {
	ids []uint32
}

func (s *recordingIDSink) push(id uint32) { s.ids = append(s.ids, id) }

func newTestEndpoint(initialCredit, ackThreshold uint32) (*StreamEndpoint, *recordingSink, *recordingIDSink, *establishedState) {
	est := newEstablishedState(8, initialCredit)
	out := &recordingSink{}
	dropped := &recordingIDSink{}
	ep := newStreamEndpoint(1, "dest.example", 80, est, ackThreshold, out, dropped)
	return ep, out, dropped, est
}

func TestStreamEndpoint_WriteConsumesCreditAndEmitsPush(t *testing.T) {
	ep, out, _, est := newTestEndpoint(2, 10)

	n, err := ep.Write([]byte("abc"))
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, uint32(1), est.sendCredit.Load())
	require.Len(t, out.frames, 1)
	require.Equal(t, OpPush, out.frames[0].Op)
	require.Equal(t, []byte("abc"), out.frames[0].Data)
}

func TestStreamEndpoint_WriteBlocksUntilCredited(t *testing.T) {
	ep, _, _, est := newTestEndpoint(0, 10)

	done := make(chan error, 1)
	go func() {
		_, err := ep.Write([]byte("x"))
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("Write returned before any credit was available")
	default:
	}

	est.sendCredit.Add(1)
	est.wake()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Write never unblocked after credit arrived")
	}
}

func TestStreamEndpoint_WriteAfterFinish(t *testing.T) {
	ep, _, _, est := newTestEndpoint(4, 10)
	est.finishSent.Store(true)

	_, err := ep.Write([]byte("x"))
	require.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestStreamEndpoint_ReadDeliversPushAndEmitsAckAtThreshold(t *testing.T) {
	ep, out, _, est := newTestEndpoint(4, 2)

	est.inbound <- []byte("a")
	buf := make([]byte, 16)
	n, err := ep.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "a", string(buf[:n]))
	require.Empty(t, out.frames, "ack threshold not yet reached")

	est.inbound <- []byte("b")
	n, err = ep.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "b", string(buf[:n]))

	require.Len(t, out.frames, 1)
	require.Equal(t, OpAck, out.frames[0].Op)
	require.Equal(t, uint32(2), out.frames[0].RWND)
}

func TestStreamEndpoint_ReadPartialBuffer(t *testing.T) {
	ep, _, _, est := newTestEndpoint(4, 100)
	est.inbound <- []byte("abcdef")

	buf := make([]byte, 3)
	n, err := ep.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "abc", string(buf[:n]))

	n, err = ep.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "def", string(buf[:n]))
}

func TestStreamEndpoint_ReadEOFOnNil(t *testing.T) {
	ep, _, _, est := newTestEndpoint(4, 100)
	est.inbound <- nil

	buf := make([]byte, 4)
	_, err := ep.Read(buf)
	require.ErrorIs(t, err, io.EOF)
}

func TestStreamEndpoint_CloseSendsFinOnceAndDrops(t *testing.T) {
	ep, out, dropped, est := newTestEndpoint(4, 100)

	require.NoError(t, ep.Close())
	require.NoError(t, ep.Close())

	require.True(t, est.finishSent.Load())
	require.Len(t, out.frames, 1, "FIN must be sent exactly once even if Close is called twice")
	require.Equal(t, OpFin, out.frames[0].Op)
	require.Equal(t, []uint32{1}, dropped.ids, "dropped id is pushed once even if Close is called twice")
}

func TestStreamEndpoint_CloseAfterFinishAlreadySentSkipsFin(t *testing.T) {
	ep, out, dropped, est := newTestEndpoint(4, 100)
	est.finishSent.Store(true)

	require.NoError(t, ep.Close())
	require.Empty(t, out.frames, "no FIN when finishSent was already true")
	require.Equal(t, []uint32{1}, dropped.ids)
}

func TestStreamEndpoint_Accessors(t *testing.T) {
	ep, _, _, _ := newTestEndpoint(4, 100)
	require.Equal(t, uint32(1), ep.FlowID())
	require.Equal(t, "dest.example", ep.DestHost())
	require.Equal(t, uint16(80), ep.DestPort())
}
