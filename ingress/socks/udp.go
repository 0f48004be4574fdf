package socks

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/cloudbridge/wstunnel/ingress"
	"github.com/cloudbridge/wstunnel/protocol"
)

// socks5UDPMaxPacket matches the 64KiB scratch buffer original_source uses
// for a single UDP relay datagram.
const socks5UDPMaxPacket = 65536

// handleV5Associate implements UDP ASSOCIATE: a relay UDP socket is bound
// locally, its address handed back to the client in the reply, and datagrams
// are shuttled between the client (wrapped in the RFC 1928 UDP request
// header) and the tunnel's datagram channel (unwrapped). Fragmented
// datagrams (FRAG != 0) are not supported and are dropped, matching
// spec.md's fragmented-SOCKS-UDP non-goal.
func handleV5Associate(conn net.Conn, router *ingress.DatagramRouter, _ string, _ uint16, localAddr string) error {
	socket, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(localAddr), Port: 0})
	if err != nil {
		writeV5ResponseUnspecified(conn, socks5ReplyGeneralFailure)
		return fmt.Errorf("binding udp associate socket: %w", err)
	}
	defer socket.Close()

	id, replies := router.Register()
	defer router.Unregister(id)

	local, ok := socket.LocalAddr().(*net.UDPAddr)
	if !ok {
		writeV5ResponseUnspecified(conn, socks5ReplyGeneralFailure)
		return fmt.Errorf("udp associate socket has no usable local address")
	}
	if err := writeV5Response(conn, socks5ReplyOK, local); err != nil {
		return err
	}

	var clientMu sync.Mutex
	var client *net.UDPAddr

	go relayClientToTunnel(socket, router, id, &clientMu, &client)
	go relayTunnelToClient(socket, replies, &clientMu, &client)

	// The TCP control connection staying open is what keeps the session
	// alive; its close (by either side) is the client's way of tearing
	// down the association, since UDP itself has no teardown signal.
	var discard [1]byte
	conn.Read(discard[:])
	return nil
}

// relayClientToTunnel reads client datagrams off socket, unwraps the RFC
// 1928 UDP request header, and forwards the payload into the tunnel.
func relayClientToTunnel(socket *net.UDPConn, router *ingress.DatagramRouter, id uint32, clientMu *sync.Mutex, client **net.UDPAddr) {
	buf := make([]byte, socks5UDPMaxPacket)
	for {
		n, src, err := socket.ReadFromUDP(buf)
		if err != nil {
			return
		}
		clientMu.Lock()
		*client = src
		clientMu.Unlock()

		host, port, payload, err := decodeUDPRequest(buf[:n])
		if err != nil {
			continue
		}
		data := make([]byte, len(payload))
		copy(data, payload)
		router.Send(id, host, port, data)
	}
}

// relayTunnelToClient wraps every datagram arriving from the tunnel in the
// RFC 1928 UDP response header and writes it to the most recently observed
// client address.
func relayTunnelToClient(socket *net.UDPConn, replies <-chan protocol.Datagram, clientMu *sync.Mutex, client **net.UDPAddr) {
	for dg := range replies {
		clientMu.Lock()
		dst := *client
		clientMu.Unlock()
		if dst == nil {
			continue
		}
		packet, err := encodeUDPResponse(dg.Host, dg.Port, dg.Data)
		if err != nil {
			continue
		}
		socket.WriteToUDP(packet, dst)
	}
}

// decodeUDPRequest parses the RFC 1928 UDP request header: RSV(2) FRAG(1)
// ATYP(1) DST.ADDR DST.PORT(2) DATA.
func decodeUDPRequest(b []byte) (host string, port uint16, payload []byte, err error) {
	if len(b) < 4 {
		return "", 0, nil, fmt.Errorf("udp request too short")
	}
	if b[2] != 0x00 {
		return "", 0, nil, fmt.Errorf("fragmented udp datagrams are not supported")
	}
	atyp := b[3]
	rest := b[4:]
	switch atyp {
	case socks5AtypIPv4:
		if len(rest) < 4+2 {
			return "", 0, nil, fmt.Errorf("short ipv4 udp request")
		}
		host = net.IP(rest[:4]).String()
		port = binary.BigEndian.Uint16(rest[4:6])
		payload = rest[6:]
	case socks5AtypIPv6:
		if len(rest) < 16+2 {
			return "", 0, nil, fmt.Errorf("short ipv6 udp request")
		}
		host = net.IP(rest[:16]).String()
		port = binary.BigEndian.Uint16(rest[16:18])
		payload = rest[18:]
	case socks5AtypDomain:
		if len(rest) < 1 {
			return "", 0, nil, fmt.Errorf("short domain udp request")
		}
		n := int(rest[0])
		if len(rest) < 1+n+2 {
			return "", 0, nil, fmt.Errorf("short domain udp request")
		}
		host = string(rest[1 : 1+n])
		port = binary.BigEndian.Uint16(rest[1+n : 3+n])
		payload = rest[3+n:]
	default:
		return "", 0, nil, fmt.Errorf("invalid udp address type 0x%02x", atyp)
	}
	return host, port, payload, nil
}

// encodeUDPResponse builds the RFC 1928 UDP response header (RSV=0 FRAG=0
// ATYP DST.ADDR DST.PORT) followed by data, using an IPv4 address for host
// whenever it parses as one and IPv6 or domain encoding otherwise.
func encodeUDPResponse(host string, port uint16, data []byte) ([]byte, error) {
	ip := net.ParseIP(host)
	var head []byte
	switch {
	case ip != nil && ip.To4() != nil:
		head = make([]byte, 4+4+2)
		head[3] = socks5AtypIPv4
		copy(head[4:], ip.To4())
		binary.BigEndian.PutUint16(head[8:], port)
	case ip != nil:
		head = make([]byte, 4+16+2)
		head[3] = socks5AtypIPv6
		copy(head[4:], ip.To16())
		binary.BigEndian.PutUint16(head[20:], port)
	default:
		if len(host) > 255 {
			return nil, fmt.Errorf("host %q too long for udp response", host)
		}
		head = make([]byte, 4+1+len(host)+2)
		head[3] = socks5AtypDomain
		head[4] = byte(len(host))
		copy(head[5:], host)
		binary.BigEndian.PutUint16(head[5+len(host):], port)
	}
	return append(head, data...), nil
}
