package socks

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadV4Request_PlainIP(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(0x01)               // CMD CONNECT
	buf.Write([]byte{0x1f, 0x90})     // port 8080
	buf.Write([]byte{93, 184, 216, 34}) // example.com's old IP
	buf.Write([]byte("user\x00"))

	cmd, host, port, err := readV4Request(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.Equal(t, byte(0x01), cmd)
	require.Equal(t, "93.184.216.34", host)
	require.EqualValues(t, 8080, port)
}

func TestReadV4Request_Socks4aDomain(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(0x01)
	buf.Write([]byte{0x00, 0x50}) // port 80
	buf.Write([]byte{0, 0, 0, 1}) // 0.0.0.x invalid ip signals socks4a
	buf.Write([]byte("user\x00"))
	buf.Write([]byte("example.com\x00"))

	cmd, host, port, err := readV4Request(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.Equal(t, byte(0x01), cmd)
	require.Equal(t, "example.com", host)
	require.EqualValues(t, 80, port)
}

func TestReadV5AuthMethods(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0x02, 0x00, 0x02})
	methods, err := readV5AuthMethods(bufio.NewReader(buf))
	require.NoError(t, err)
	require.Equal(t, []byte{0x00, 0x02}, methods)
	require.True(t, containsByte(methods, 0x00))
	require.False(t, containsByte(methods, 0x01))
}

func TestReadV5Request_IPv4(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x05, 0x01, 0x00, socks5AtypIPv4})
	buf.Write([]byte{10, 0, 0, 1})
	buf.Write([]byte{0x00, 0x35})

	cmd, host, port, err := readV5Request(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.Equal(t, byte(socks5CmdConnect), cmd)
	require.Equal(t, "10.0.0.1", host)
	require.EqualValues(t, 53, port)
}

func TestReadV5Request_Domain(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x05, 0x03, 0x00, socks5AtypDomain})
	buf.WriteByte(byte(len("example.org")))
	buf.WriteString("example.org")
	buf.Write([]byte{0x01, 0xbb})

	cmd, host, port, err := readV5Request(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.Equal(t, byte(socks5CmdUDPAssociate), cmd)
	require.Equal(t, "example.org", host)
	require.EqualValues(t, 443, port)
}

func TestReadV5Request_WrongVersion(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0x04, 0x01, 0x00, socks5AtypIPv4, 1, 2, 3, 4, 0, 1})
	_, _, _, err := readV5Request(bufio.NewReader(buf))
	require.Error(t, err)
}

func TestDecodeEncodeUDPRequest_Roundtrip(t *testing.T) {
	packet, err := encodeUDPResponse("8.8.8.8", 53, []byte("payload"))
	require.NoError(t, err)

	host, port, payload, err := decodeUDPRequest(packet)
	require.NoError(t, err)
	require.Equal(t, "8.8.8.8", host)
	require.EqualValues(t, 53, port)
	require.Equal(t, []byte("payload"), payload)
}

func TestDecodeUDPRequest_Domain(t *testing.T) {
	packet, err := encodeUDPResponse("example.com", 80, []byte("x"))
	require.NoError(t, err)

	host, port, payload, err := decodeUDPRequest(packet)
	require.NoError(t, err)
	require.Equal(t, "example.com", host)
	require.EqualValues(t, 80, port)
	require.Equal(t, []byte("x"), payload)
}

func TestDecodeUDPRequest_RejectsFragmented(t *testing.T) {
	packet := []byte{0x00, 0x00, 0x01, socks5AtypIPv4, 1, 2, 3, 4, 0, 1}
	_, _, _, err := decodeUDPRequest(packet)
	require.Error(t, err)
}

func TestDecodeUDPRequest_TooShort(t *testing.T) {
	_, _, _, err := decodeUDPRequest([]byte{0x00, 0x00})
	require.Error(t, err)
}
