package egress

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/cloudbridge/wstunnel/protocol"
)

func newTestMuxPair(t *testing.T) (client, server *protocol.Mux, cleanup func()) {
	t.Helper()
	log := logrus.NewEntry(logrus.New())
	log.Logger.SetLevel(logrus.ErrorLevel)

	ready := make(chan *protocol.Mux, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ready <- protocol.NewMux(conn, true, protocol.DefaultConfig(), log)
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + srv.URL[len("http"):]
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	clientMux := protocol.NewMux(conn, false, protocol.DefaultConfig(), log)

	serverMux := <-ready
	return clientMux, serverMux, func() {
		clientMux.Close()
		serverMux.Close()
		srv.Close()
	}
}

func TestForwardStream_EchoesViaRealTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 1024)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						c.Write(buf[:n])
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	client, server, cleanup := newTestMuxPair(t)
	defer cleanup()

	log := logrus.NewEntry(logrus.New())
	log.Logger.SetLevel(logrus.ErrorLevel)

	go ServeStreams(server, log)

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	portNum, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	port := uint16(portNum)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := client.Open(ctx, host, port)
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	_, err = stream.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))
}

func TestServeDatagrams_EchoesViaRealUDP(t *testing.T) {
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer udpConn.Close()

	go func() {
		buf := make([]byte, 1024)
		for {
			n, addr, err := udpConn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			udpConn.WriteToUDP(buf[:n], addr)
		}
	}()

	client, server, cleanup := newTestMuxPair(t)
	defer cleanup()

	log := logrus.NewEntry(logrus.New())
	log.Logger.SetLevel(logrus.ErrorLevel)

	go ServeDatagrams(server, 60*time.Second, log)

	host, portStr, err := net.SplitHostPort(udpConn.LocalAddr().String())
	require.NoError(t, err)
	portNum, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	port := uint16(portNum)

	const flowID = 42
	client.SendDatagram(flowID, host, port, []byte("hello"))

	select {
	case dg := <-client.Datagrams():
		require.Equal(t, flowID, int(dg.FlowID))
		require.Equal(t, []byte("hello"), dg.Data)
	case <-time.After(3 * time.Second):
		t.Fatal("never received the echoed datagram back")
	}
}
