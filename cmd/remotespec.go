package cmd

import (
	"fmt"
	"strconv"
	"strings"
)

// remoteKind distinguishes the three shapes a remote specification can take.
type remoteKind int

const (
	remoteTCPUDP remoteKind = iota // [local]:lport:rhost:rport[/tcp|/udp]
	remoteStdio                    // stdio:rhost:rport
	remoteSocks                    // [local]:lport:socks
)

// remoteSpec is one parsed `client` positional argument.
type remoteSpec struct {
	kind remoteKind

	localHost string // empty means all interfaces
	localPort uint16

	rhost string
	rport uint16

	udp bool // meaningful for remoteTCPUDP and remoteStdio
}

// parseRemoteSpec parses one remote specification:
//
//	{[local]:lport:rhost:rport[/tcp|/udp]}
//	stdio:rhost:rport
//	{[local]:lport:socks}
func parseRemoteSpec(raw string) (remoteSpec, error) {
	proto := "tcp"
	body := raw
	if idx := strings.LastIndex(raw, "/"); idx >= 0 {
		proto = raw[idx+1:]
		body = raw[:idx]
		if proto != "tcp" && proto != "udp" {
			return remoteSpec{}, fmt.Errorf("remote spec %q: unknown protocol suffix %q", raw, proto)
		}
	}

	parts := strings.Split(body, ":")

	if parts[0] == "stdio" {
		if len(parts) != 3 {
			return remoteSpec{}, fmt.Errorf("remote spec %q: expected stdio:rhost:rport", raw)
		}
		port, err := parsePort(parts[2])
		if err != nil {
			return remoteSpec{}, fmt.Errorf("remote spec %q: %w", raw, err)
		}
		return remoteSpec{kind: remoteStdio, rhost: parts[1], rport: port, udp: proto == "udp"}, nil
	}

	if len(parts) >= 1 && parts[len(parts)-1] == "socks" {
		local, lport, err := splitLocal(parts[:len(parts)-1], raw)
		if err != nil {
			return remoteSpec{}, err
		}
		return remoteSpec{kind: remoteSocks, localHost: local, localPort: lport}, nil
	}

	if len(parts) != 3 && len(parts) != 4 {
		return remoteSpec{}, fmt.Errorf("remote spec %q: expected [local]:lport:rhost:rport", raw)
	}

	rportStr := parts[len(parts)-1]
	rhost := parts[len(parts)-2]
	local, lport, err := splitLocal(parts[:len(parts)-2], raw)
	if err != nil {
		return remoteSpec{}, err
	}
	rport, err := parsePort(rportStr)
	if err != nil {
		return remoteSpec{}, fmt.Errorf("remote spec %q: %w", raw, err)
	}

	return remoteSpec{
		kind:      remoteTCPUDP,
		localHost: local,
		localPort: lport,
		rhost:     rhost,
		rport:     rport,
		udp:       proto == "udp",
	}, nil
}

// splitLocal interprets the leading [local]:lport portion, where local is
// optional (defaulting to all interfaces).
func splitLocal(parts []string, raw string) (host string, port uint16, err error) {
	switch len(parts) {
	case 1:
		port, err = parsePort(parts[0])
		if err != nil {
			return "", 0, fmt.Errorf("remote spec %q: %w", raw, err)
		}
		return "", port, nil
	case 2:
		port, err = parsePort(parts[1])
		if err != nil {
			return "", 0, fmt.Errorf("remote spec %q: %w", raw, err)
		}
		return parts[0], port, nil
	default:
		return "", 0, fmt.Errorf("remote spec %q: malformed local address", raw)
	}
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q: %w", s, err)
	}
	return uint16(n), nil
}
