package socks

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/cloudbridge/wstunnel/protocol"
)

// SOCKSv4 reply codes (the second byte of an 8-byte reply; the first is
// always 0x00).
const (
	socks4Granted        = 0x5a
	socks4RejectedFailed = 0x5b
)

const socks4CmdConnect = 0x01

// handleV4 handles a connection after the version byte (0x04) has already
// been consumed from br.
func handleV4(br *bufio.Reader, conn net.Conn, m *protocol.Mux) error {
	cmd, host, port, err := readV4Request(br)
	if err != nil {
		return fmt.Errorf("socks4 request: %w", err)
	}
	if cmd != socks4CmdConnect {
		writeV4Response(conn, socks4RejectedFailed)
		return fmt.Errorf("socks4: unsupported command 0x%02x", cmd)
	}

	stream, err := openRemote(m, host, port)
	if err != nil {
		writeV4Response(conn, socks4RejectedFailed)
		return fmt.Errorf("socks4 connect to %s:%d: %w", host, port, err)
	}
	if err := writeV4Response(conn, socks4Granted); err != nil {
		stream.Close()
		return err
	}
	relay(conn, stream)
	return nil
}

// readV4Request parses a SOCKS4/4a CONNECT request: CMD | DSTPORT(2) |
// DSTIP(4) | USERID NUL [ | DOMAIN NUL, if DSTIP is 0.0.0.x for nonzero x ].
func readV4Request(br *bufio.Reader) (cmd byte, host string, port uint16, err error) {
	hdr := make([]byte, 7)
	if _, err = io.ReadFull(br, hdr); err != nil {
		return 0, "", 0, err
	}
	cmd = hdr[0]
	port = binary.BigEndian.Uint16(hdr[1:3])
	ip := net.IPv4(hdr[3], hdr[4], hdr[5], hdr[6])

	if _, err = readCString(br); err != nil {
		return 0, "", 0, fmt.Errorf("reading userid: %w", err)
	}

	isSocks4a := hdr[3] == 0 && hdr[4] == 0 && hdr[5] == 0 && hdr[6] != 0
	if isSocks4a {
		var domain string
		domain, err = readCString(br)
		if err != nil {
			return 0, "", 0, fmt.Errorf("reading socks4a domain: %w", err)
		}
		return cmd, domain, port, nil
	}
	return cmd, ip.String(), port, nil
}

// writeV4Response writes the fixed 8-byte SOCKS4 reply: VN(0x00) | CD |
// DSTPORT(2, ignored by clients) | DSTIP(4, ignored by clients).
func writeV4Response(w net.Conn, code byte) error {
	reply := [8]byte{0x00, code, 0, 0, 0, 0, 0, 0}
	_, err := w.Write(reply[:])
	return err
}

func readCString(br *bufio.Reader) (string, error) {
	s, err := br.ReadString(0x00)
	if err != nil {
		return "", err
	}
	return s[:len(s)-1], nil
}
