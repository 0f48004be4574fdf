package cmd

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"nhooyr.io/websocket"

	"github.com/cloudbridge/wstunnel/ingress"
	"github.com/cloudbridge/wstunnel/ingress/socks"
	"github.com/cloudbridge/wstunnel/protocol"
)

const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
	maxAttempts    = 10
)

func newClientCmd() *cobra.Command {
	var (
		endpoint    string
		noReconnect bool
		pskOverride string
	)

	cmd := &cobra.Command{
		Use:   "client <endpoint> <remote>...",
		Short: "connect to a wstunnel server and expose local ingress endpoints",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			endpoint = args[0]
			specs := make([]remoteSpec, 0, len(args)-1)
			for _, raw := range args[1:] {
				s, err := parseRemoteSpec(raw)
				if err != nil {
					return err
				}
				specs = append(specs, s)
			}

			psk := cfg.Client.PSK
			if pskOverride != "" {
				psk = pskOverride
			}
			reconnect := !noReconnect && !cfg.Client.NoReconnect

			return runClient(cmd.Context(), endpoint, psk, specs, reconnect)
		},
	}

	cmd.Flags().BoolVar(&noReconnect, "no-reconnect", false, "exit instead of reconnecting when the tunnel drops")
	cmd.Flags().StringVar(&pskOverride, "psk", "", "pre-shared key sent with the upgrade handshake")
	return cmd
}

func runClient(ctx context.Context, endpoint, psk string, specs []remoteSpec, reconnect bool) error {
	conn, err := dialRelay(ctx, endpoint, psk)
	if err != nil {
		return err
	}

	for {
		sessionErr := runClientSession(ctx, conn, specs)
		if !reconnect || ctx.Err() != nil {
			return sessionErr
		}
		log.WithError(sessionErr).Warn("tunnel session ended, reconnecting")

		conn, err = reconnectWithBackoff(ctx, endpoint, psk)
		if err != nil {
			return err
		}
	}
}

// runClientSession runs the mux and every ingress adapter over conn until the
// mux itself reports it is done, then returns the mux's terminal error.
//
// Each session binds its own local listeners rather than reusing listeners
// across reconnects: an adapter's accept loop has no way to learn that its
// mux has been replaced, so letting a stale loop keep accepting on a shared
// listener would race a fresh one over the same socket. Closing every
// listener here, after the mux is done, frees the ports for the next
// session's rebind.
func runClientSession(ctx context.Context, conn *websocket.Conn, specs []remoteSpec) error {
	mcfg := protocol.DefaultConfig()
	mcfg.InitialCredit = cfg.Client.InitialCredit
	mcfg.AckThreshold = cfg.Client.AckThreshold
	mcfg.KeepaliveInterval = cfg.Client.KeepaliveInterval
	mcfg.DatagramQueueCapacity = cfg.Client.UDPChannelCapacity
	m := protocol.NewMux(conn, false, mcfg, logrus.NewEntry(log))

	router := ingress.NewDatagramRouter(m)

	var closers []io.Closer
	for _, spec := range specs {
		spec := spec
		closer, err := serveRemoteSpec(ctx, m, router, spec)
		if err != nil {
			log.WithError(err).WithField("spec", spec).Error("ingress adapter failed to start")
			continue
		}
		if closer != nil {
			closers = append(closers, closer)
		}
	}

	<-m.Done()
	for _, c := range closers {
		c.Close()
	}
	return m.Err()
}

// serveRemoteSpec binds whatever local listener spec needs and spawns its
// adapter goroutine. The returned closer (nil for stdio) must be closed once
// m is done so the port is free for the next reconnect.
func serveRemoteSpec(ctx context.Context, m *protocol.Mux, router *ingress.DatagramRouter, spec remoteSpec) (io.Closer, error) {
	entry := logrus.NewEntry(log)
	switch spec.kind {
	case remoteStdio:
		if spec.udp {
			go func() {
				if err := ingress.ServeStdioUDP(ctx, os.Stdin, os.Stdout, router, spec.rhost, spec.rport); err != nil {
					log.WithError(err).Debug("stdio udp adapter ended")
				}
			}()
			return nil, nil
		}
		go func() {
			if err := ingress.ServeStdio(ctx, os.Stdin, os.Stdout, m, spec.rhost, spec.rport); err != nil {
				log.WithError(err).Debug("stdio adapter ended")
			}
		}()
		return nil, nil

	case remoteSocks:
		ln, err := net.Listen("tcp", net.JoinHostPort(spec.localHost, strconv.Itoa(int(spec.localPort))))
		if err != nil {
			return nil, fmt.Errorf("socks listener: %w", err)
		}
		go func() {
			if err := socks.Serve(ln, m, router, spec.localHost, entry); err != nil {
				log.WithError(err).Debug("socks adapter ended")
			}
		}()
		return ln, nil

	case remoteTCPUDP:
		if spec.udp {
			addr := &net.UDPAddr{IP: net.ParseIP(spec.localHost), Port: int(spec.localPort)}
			if spec.localHost == "" {
				addr.IP = net.IPv4zero
			}
			conn, err := net.ListenUDP("udp", addr)
			if err != nil {
				return nil, fmt.Errorf("udp listener: %w", err)
			}
			go func() {
				if err := ingress.ServeUDP(conn, router, spec.rhost, spec.rport, cfg.Client.UDPPruneTimeout, entry); err != nil {
					log.WithError(err).Debug("udp adapter ended")
				}
			}()
			return conn, nil
		}
		ln, err := net.Listen("tcp", net.JoinHostPort(spec.localHost, strconv.Itoa(int(spec.localPort))))
		if err != nil {
			return nil, fmt.Errorf("tcp listener: %w", err)
		}
		go func() {
			if err := ingress.ServeTCP(ctx, ln, m, spec.rhost, spec.rport, entry); err != nil {
				log.WithError(err).Debug("tcp adapter ended")
			}
		}()
		return ln, nil
	}
	return nil, fmt.Errorf("unknown remote spec kind")
}

// reconnectWithBackoff retries dialRelay with exponential backoff and
// returns the new connection for the caller's next session.
func reconnectWithBackoff(ctx context.Context, endpoint, psk string) (*websocket.Conn, error) {
	backoff := initialBackoff
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}

		conn, err := dialRelay(ctx, endpoint, psk)
		if err == nil {
			return conn, nil
		}
		log.WithError(err).Debugf("reconnect attempt %d/%d failed", attempt, maxAttempts)

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return nil, fmt.Errorf("unable to reconnect after %d attempts", maxAttempts)
}

// dialRelay establishes a WebSocket connection to the server, presenting the
// protocol version as the negotiated subprotocol and, if set, the PSK header.
func dialRelay(ctx context.Context, endpoint, psk string) (*websocket.Conn, error) {
	header := http.Header{}
	if psk != "" {
		header.Set(pskHeader, psk)
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.Client.HandshakeTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, endpoint, &websocket.DialOptions{
		Subprotocols: []string{protocolVersion},
		HTTPHeader:   header,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", endpoint, err)
	}
	return conn, nil
}
