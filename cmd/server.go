package cmd

import (
	"crypto/subtle"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"nhooyr.io/websocket"

	"github.com/cloudbridge/wstunnel/egress"
	"github.com/cloudbridge/wstunnel/protocol"
)

func newServerCmd() *cobra.Command {
	var (
		listenAddr  string
		pskOverride string
		backend     string
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "accept tunnel connections and forward streams/datagrams to their destinations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			psk := cfg.Server.PSK
			if pskOverride != "" {
				psk = pskOverride
			}
			backendURL := backend
			if backendURL == "" {
				backendURL = cfg.Server.Backend
			}

			return runServer(listenAddr, psk, backendURL)
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", ":8080", "address to listen on")
	cmd.Flags().StringVar(&pskOverride, "psk", "", "pre-shared key required of connecting clients")
	cmd.Flags().StringVar(&backend, "backend", "", "reverse-proxy target for requests that fail the handshake check")
	return cmd
}

func runServer(listenAddr, psk, backend string) error {
	notFoundBody := cfg.Server.NotFoundBody
	if notFoundBody == "" {
		notFoundBody = "404 page not found\n"
	}

	var fallback http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(notFoundBody))
	})
	if backend != "" {
		backendURL, err := url.Parse(backend)
		if err != nil {
			return err
		}
		fallback = httputil.NewSingleHostReverseProxy(backendURL)
	}

	mcfg := protocol.DefaultConfig()
	mcfg.InitialCredit = cfg.Server.InitialCredit
	mcfg.AckThreshold = cfg.Server.AckThreshold
	mcfg.KeepaliveInterval = cfg.Server.KeepaliveInterval
	mcfg.MaxStreams = cfg.Server.MaxStreams
	mcfg.DatagramQueueCapacity = cfg.Server.UDPChannelCapacity

	pruneTimeout := cfg.Server.UDPPruneTimeout

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !checkHandshake(r, psk) {
			fallback.ServeHTTP(w, r)
			return
		}
		serveUpgrade(w, r, mcfg, pruneTimeout)
	})

	log.WithField("addr", listenAddr).Info("listening")
	return http.ListenAndServe(listenAddr, handler)
}

// checkHandshake validates the Sec-WebSocket-Protocol header and, if psk is
// configured, the pre-shared key header. Any mismatch must be
// indistinguishable from a normal request to the fallback handler, which is
// why it returns a plain bool instead of writing a distinguishing response.
func checkHandshake(r *http.Request, psk string) bool {
	if psk != "" {
		supplied := r.Header.Get(pskHeader)
		if subtle.ConstantTimeCompare([]byte(supplied), []byte(psk)) != 1 {
			return false
		}
	}
	proto := r.Header.Get("Sec-WebSocket-Protocol")
	return proto == protocolVersion
}

func serveUpgrade(w http.ResponseWriter, r *http.Request, mcfg protocol.Config, pruneTimeout time.Duration) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{protocolVersion},
	})
	if err != nil {
		return
	}

	entry := logrus.NewEntry(log).WithField("remote_addr", r.RemoteAddr)
	m := protocol.NewMux(conn, true, mcfg, entry)

	go func() {
		if err := egress.ServeStreams(m, entry); err != nil {
			entry.WithError(err).Debug("stream forwarding ended")
		}
	}()
	go func() {
		if err := egress.ServeDatagrams(m, pruneTimeout, entry); err != nil {
			entry.WithError(err).Debug("datagram forwarding ended")
		}
	}()

	<-m.Done()
}
