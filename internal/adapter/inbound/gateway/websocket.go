package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"

	"github.com/datalab-hq/labgate/internal/domain/lifecycle"
)

// wsReadLimit caps a single relayed message. Notebook kernels ship large
// outputs over one frame, so this is generous.
const wsReadLimit = 32 << 20

// IsWebSocketUpgrade reports whether the request asks for a WebSocket
// handshake.
func IsWebSocketUpgrade(r *http.Request) bool {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return false
	}
	for _, v := range r.Header.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
				return true
			}
		}
	}
	return false
}

// Relay bridges WebSocket sessions between browsers and backends. The backend
// leg is dialled first so its negotiated subprotocol can be offered back to
// the browser, and close codes from either side propagate to the other.
type Relay struct {
	metrics *Metrics
}

// NewRelay creates a Relay.
func NewRelay(metrics *Metrics) *Relay {
	return &Relay{metrics: metrics}
}

// Relay performs the two handshakes and pumps frames both ways until either
// side closes. A non-nil return means the backend handshake failed before
// anything was written to the browser; the caller renders the error page.
func (rl *Relay) Relay(w http.ResponseWriter, r *http.Request, backendAddress string) *lifecycle.Classified {
	wsURL, err := backendWSURL(backendAddress, r.URL)
	if err != nil {
		return &lifecycle.Classified{Kind: lifecycle.KindControlPlaneError, Err: err}
	}

	logger := LoggerFromContext(r.Context())

	backend, _, err := websocket.Dial(r.Context(), wsURL, &websocket.DialOptions{
		HTTPHeader:   forwardedHeaders(r),
		Subprotocols: clientSubprotocols(r),
	})
	if err != nil {
		return &lifecycle.Classified{Kind: lifecycle.KindBackendUnreachable, Err: err}
	}

	var accept websocket.AcceptOptions
	// Hosts are user-specific subdomains; cross-origin pages cannot read the
	// session cookie in the first place, and the backend applies its own
	// origin policy on the dialled leg.
	accept.InsecureSkipVerify = true
	if sp := backend.Subprotocol(); sp != "" {
		accept.Subprotocols = []string{sp}
	}

	client, err := websocket.Accept(w, r, &accept)
	if err != nil {
		// Accept has already written its own failure response.
		backend.Close(websocket.StatusGoingAway, "client handshake failed")
		logger.Warn("websocket client handshake failed", "error", err)
		return nil
	}

	if rl.metrics != nil {
		rl.metrics.WebSocketSessions.Inc()
	}

	client.SetReadLimit(wsReadLimit)
	backend.SetReadLimit(wsReadLimit)

	// The request context ends when this handler returns, so pump under a
	// context we cancel only once both directions are done.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	errc := make(chan error, 2)
	go func() { errc <- pump(ctx, client, backend) }()
	go func() { errc <- pump(ctx, backend, client) }()

	err = <-errc
	propagateClose(client, backend, err)
	cancel()
	<-errc

	client.CloseNow()
	backend.CloseNow()

	if status := websocket.CloseStatus(err); status != -1 {
		logger.Debug("websocket session closed", "status", int(status))
	} else if err != nil {
		logger.Debug("websocket session ended", "error", err)
	}
	return nil
}

// pump copies messages from src to dst until src errors or closes.
func pump(ctx context.Context, src, dst *websocket.Conn) error {
	for {
		typ, data, err := src.Read(ctx)
		if err != nil {
			return err
		}
		if err := dst.Write(ctx, typ, data); err != nil {
			return err
		}
	}
}

// propagateClose mirrors the close code from the side that ended the session
// to both peers, so browsers observe the code the backend issued and vice
// versa.
func propagateClose(client, backend *websocket.Conn, err error) {
	status := websocket.CloseStatus(err)
	if status == -1 {
		status = websocket.StatusInternalError
	}
	_ = client.Close(status, "")
	_ = backend.Close(status, "")
}

// backendWSURL derives the backend WebSocket URL preserving path and query.
func backendWSURL(backendAddress string, inbound *url.URL) (string, error) {
	target, err := url.Parse(backendAddress)
	if err != nil || target.Host == "" {
		return "", fmt.Errorf("invalid backend address %q", backendAddress)
	}
	switch target.Scheme {
	case "https", "wss":
		target.Scheme = "wss"
	default:
		target.Scheme = "ws"
	}
	target.Path = inbound.Path
	target.RawQuery = inbound.RawQuery
	return target.String(), nil
}

// forwardedHeaders selects the inbound headers carried to the backend
// handshake. Hop-by-hop and WebSocket handshake headers are omitted; the
// dialler generates its own.
func forwardedHeaders(r *http.Request) http.Header {
	h := make(http.Header)
	for name, values := range r.Header {
		switch http.CanonicalHeaderKey(name) {
		case "Connection", "Upgrade", "Keep-Alive", "Proxy-Connection",
			"Sec-Websocket-Key", "Sec-Websocket-Version",
			"Sec-Websocket-Protocol", "Sec-Websocket-Extensions":
			continue
		}
		h[http.CanonicalHeaderKey(name)] = values
	}
	h.Set("X-Forwarded-Host", r.Host)
	return h
}

// clientSubprotocols parses the subprotocols the browser offered.
func clientSubprotocols(r *http.Request) []string {
	var out []string
	for _, v := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
