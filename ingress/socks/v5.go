package socks

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/cloudbridge/wstunnel/ingress"
	"github.com/cloudbridge/wstunnel/protocol"
)

const (
	socks5NoAuth       = 0x00
	socks5NoAcceptable = 0xff

	socks5CmdConnect      = 0x01
	socks5CmdUDPAssociate = 0x03

	socks5AtypIPv4   = 0x01
	socks5AtypDomain = 0x03
	socks5AtypIPv6   = 0x04

	socks5ReplyOK                  = 0x00
	socks5ReplyGeneralFailure      = 0x01
	socks5ReplyCommandNotSupported = 0x07
)

// handleV5 handles a connection after the version byte (0x05) has already
// been consumed from br.
func handleV5(br *bufio.Reader, conn net.Conn, m *protocol.Mux, router *ingress.DatagramRouter, localAddr string) error {
	methods, err := readV5AuthMethods(br)
	if err != nil {
		return fmt.Errorf("reading auth methods: %w", err)
	}
	if !containsByte(methods, socks5NoAuth) {
		writeV5AuthMethod(conn, socks5NoAcceptable)
		return fmt.Errorf("socks5: client does not support NOAUTH")
	}
	if err := writeV5AuthMethod(conn, socks5NoAuth); err != nil {
		return err
	}

	cmd, host, port, err := readV5Request(br)
	if err != nil {
		return fmt.Errorf("socks5 request: %w", err)
	}

	switch cmd {
	case socks5CmdConnect:
		return handleV5Connect(conn, m, host, port)
	case socks5CmdUDPAssociate:
		return handleV5Associate(conn, router, host, port, localAddr)
	default:
		writeV5ResponseUnspecified(conn, socks5ReplyCommandNotSupported)
		return fmt.Errorf("socks5: unsupported command 0x%02x (BIND is not implemented)", cmd)
	}
}

func handleV5Connect(conn net.Conn, m *protocol.Mux, host string, port uint16) error {
	stream, err := openRemote(m, host, port)
	if err != nil {
		writeV5ResponseUnspecified(conn, socks5ReplyGeneralFailure)
		return fmt.Errorf("socks5 connect to %s:%d: %w", host, port, err)
	}
	if err := writeV5ResponseUnspecified(conn, socks5ReplyOK); err != nil {
		stream.Close()
		return err
	}
	relay(conn, stream)
	return nil
}

func readV5AuthMethods(br *bufio.Reader) ([]byte, error) {
	nmethods, err := br.ReadByte()
	if err != nil {
		return nil, err
	}
	methods := make([]byte, nmethods)
	if _, err := io.ReadFull(br, methods); err != nil {
		return nil, err
	}
	return methods, nil
}

func writeV5AuthMethod(w net.Conn, method byte) error {
	_, err := w.Write([]byte{0x05, method})
	return err
}

// readV5Request parses VER(0x05) CMD RSV ATYP DST.ADDR DST.PORT.
func readV5Request(br *bufio.Reader) (cmd byte, host string, port uint16, err error) {
	hdr := make([]byte, 4)
	if _, err = io.ReadFull(br, hdr); err != nil {
		return 0, "", 0, err
	}
	if hdr[0] != 0x05 {
		return 0, "", 0, fmt.Errorf("unexpected socks5 version byte 0x%02x in request", hdr[0])
	}
	cmd = hdr[1]
	atyp := hdr[3]

	switch atyp {
	case socks5AtypIPv4:
		addr := make([]byte, 4)
		if _, err = io.ReadFull(br, addr); err != nil {
			return 0, "", 0, err
		}
		host = net.IP(addr).String()
	case socks5AtypIPv6:
		addr := make([]byte, 16)
		if _, err = io.ReadFull(br, addr); err != nil {
			return 0, "", 0, err
		}
		host = net.IP(addr).String()
	case socks5AtypDomain:
		lenByte, e := br.ReadByte()
		if e != nil {
			return 0, "", 0, e
		}
		domain := make([]byte, lenByte)
		if _, err = io.ReadFull(br, domain); err != nil {
			return 0, "", 0, err
		}
		host = string(domain)
	default:
		return 0, "", 0, fmt.Errorf("invalid socks5 address type 0x%02x", atyp)
	}

	portBytes := make([]byte, 2)
	if _, err = io.ReadFull(br, portBytes); err != nil {
		return 0, "", 0, err
	}
	port = binary.BigEndian.Uint16(portBytes)
	return cmd, host, port, nil
}

// writeV5ResponseUnspecified writes a reply with BND.ADDR=0.0.0.0,
// BND.PORT=0, used whenever the bound address is not meaningful to the
// client (CONNECT replies, and all failure replies).
func writeV5ResponseUnspecified(w net.Conn, rep byte) error {
	reply := []byte{0x05, rep, 0x00, socks5AtypIPv4, 0, 0, 0, 0, 0, 0}
	_, err := w.Write(reply)
	return err
}

// writeV5Response writes a reply carrying addr as BND.ADDR/BND.PORT, used by
// UDP ASSOCIATE's success reply to tell the client where to send datagrams.
func writeV5Response(w net.Conn, rep byte, addr *net.UDPAddr) error {
	ip4 := addr.IP.To4()
	atyp := byte(socks5AtypIPv4)
	ipBytes := ip4
	if ip4 == nil {
		atyp = socks5AtypIPv6
		ipBytes = addr.IP.To16()
	}
	reply := make([]byte, 4+len(ipBytes)+2)
	reply[0], reply[1], reply[2], reply[3] = 0x05, rep, 0x00, atyp
	copy(reply[4:], ipBytes)
	binary.BigEndian.PutUint16(reply[4+len(ipBytes):], uint16(addr.Port))
	_, err := w.Write(reply)
	return err
}

func containsByte(bs []byte, b byte) bool {
	for _, x := range bs {
		if x == b {
			return true
		}
	}
	return false
}
