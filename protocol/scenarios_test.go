package protocol

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestMux_PushOverrunResetsFlow covers the flow-control-violation path: a
// PUSH that arrives with the receiver's inbound queue already full is
// answered with RST and the slot is removed, rather than applying
// backpressure to the receive loop.
func TestMux_PushOverrunResetsFlow(t *testing.T) {
	cfg := Config{InitialCredit: 2, AckThreshold: 100}
	p := newMuxPair(t, cfg)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	clientEP, err := p.client.Open(ctx, "h", 1)
	require.NoError(t, err)
	serverEP, err := p.server.AcceptStream(ctx)
	require.NoError(t, err)
	_ = serverEP // deliberately never Read, so its inbound queue (capacity 2) fills

	// Push directly onto the outbound queue, bypassing Write's send-credit
	// gate, so the receiver's queue can actually be driven past capacity.
	for i := 0; i < 3; i++ {
		p.client.outbound.push(Frame{FlowID: clientEP.FlowID(), Op: OpPush, Data: []byte{byte(i)}})
	}

	// The server's overrun sends RST back; the client observes its stream
	// as torn down the same way any peer-initiated reset surfaces: EOF.
	buf := make([]byte, 4)
	_, err = clientEP.Read(buf)
	require.ErrorIs(t, err, io.EOF)

	require.Eventually(t, func() bool {
		_, ok := p.server.table.Get(clientEP.FlowID())
		return !ok
	}, time.Second, 10*time.Millisecond, "server's flow slot should be removed after the overrun RST")
}

// TestMux_ConnectIDCollisionResetsFlow covers the other half of the
// protocol-violation error kind: a CONNECT naming a flow id already present
// in the table is refused with RST rather than silently clobbering the
// existing slot.
func TestMux_ConnectIDCollisionResetsFlow(t *testing.T) {
	p := newMuxPair(t, DefaultConfig())
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	clientEP, err := p.client.Open(ctx, "h", 1)
	require.NoError(t, err)
	_, err = p.server.AcceptStream(ctx)
	require.NoError(t, err)

	// Reuse the already-established id to simulate a CONNECT collision;
	// handleConnect refuses on table occupancy regardless of the existing
	// slot's state.
	p.client.outbound.push(Frame{FlowID: clientEP.FlowID(), Op: OpConnect, RWND: 32, Host: "collide", Port: 2})

	buf := make([]byte, 4)
	_, err = clientEP.Read(buf)
	require.ErrorIs(t, err, io.EOF)
}

// TestMux_CloseDrainsQueuedPushesBeforeEOF covers graceful shutdown: PUSH
// frames already queued when Close is called are delivered to the peer
// before wind-down tears the connection down and the peer's Read sees EOF.
func TestMux_CloseDrainsQueuedPushesBeforeEOF(t *testing.T) {
	p := newMuxPair(t, DefaultConfig())
	defer p.srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	clientEP, err := p.client.Open(ctx, "h", 1)
	require.NoError(t, err)
	serverEP, err := p.server.AcceptStream(ctx)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := clientEP.Write([]byte{byte('a' + i)})
		require.NoError(t, err)
	}

	require.NoError(t, p.client.Close())

	buf := make([]byte, 1)
	for i := 0; i < 3; i++ {
		n, err := serverEP.Read(buf)
		require.NoError(t, err)
		require.Equal(t, byte('a'+i), buf[0])
		_ = n
	}

	_, err = serverEP.Read(buf)
	require.ErrorIs(t, err, io.EOF)

	require.NoError(t, p.server.Close())
}

// TestMux_KeepaliveDoesNotDisruptHealthyConnection asserts a short keepalive
// interval is purely a background ping cadence on an otherwise idle
// connection: it must not itself tear down a healthy mux.
func TestMux_KeepaliveDoesNotDisruptHealthyConnection(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KeepaliveInterval = 30 * time.Millisecond
	p := newMuxPair(t, cfg)
	defer p.Close()

	time.Sleep(150 * time.Millisecond)

	select {
	case <-p.client.Done():
		t.Fatal("mux wound down on its own during idle keepalive pings")
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	clientEP, err := p.client.Open(ctx, "h", 1)
	require.NoError(t, err)
	_, err = p.server.AcceptStream(ctx)
	require.NoError(t, err)
	_, err = clientEP.Write([]byte("ok"))
	require.NoError(t, err)
}

// TestMux_TransportFailureTriggersWindDown asserts that once the underlying
// WebSocket connection is severed, whichever sub-loop notices first (recv's
// blocked Read, or a failing keepalive ping) drives the mux to a full
// wind-down with a non-nil Err.
func TestMux_TransportFailureTriggersWindDown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KeepaliveInterval = 20 * time.Millisecond
	p := newMuxPair(t, cfg)
	defer p.srv.Close()

	p.srv.CloseClientConnections()

	select {
	case <-p.client.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("mux never wound down after the transport was severed")
	}
	require.Error(t, p.client.Err())
}
