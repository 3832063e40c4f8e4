package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/datalab-hq/labgate/internal/domain/lifecycle"
)

// Tunnel streams HTTP requests to application backends. One Tunnel is shared
// by all requests; the backend address comes per request from the resolver.
type Tunnel struct {
	transport *http.Transport
	metrics   *Metrics
	onFailure func(w http.ResponseWriter, r *http.Request, cerr *lifecycle.Classified)
}

// NewTunnel creates a Tunnel. onFailure is invoked when the backend cannot
// be reached before any response bytes are written; once streaming has begun
// the connection is aborted instead.
func NewTunnel(metrics *Metrics, onFailure func(http.ResponseWriter, *http.Request, *lifecycle.Classified)) *Tunnel {
	return &Tunnel{
		transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   16,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			// Responses stream to the browser unchanged; recompressing
			// would break Content-Length and SSE.
			DisableCompression: true,
		},
		metrics:   metrics,
		onFailure: onFailure,
	}
}

// Serve forwards the request to the backend address and streams the response
// back. The inbound path, query, headers and body pass through unchanged
// apart from hop-by-hop headers and the forwarding headers added here.
func (t *Tunnel) Serve(w http.ResponseWriter, r *http.Request, backendAddress string) {
	target, err := url.Parse(backendAddress)
	if err != nil || target.Host == "" {
		logger := LoggerFromContext(r.Context())
		logger.Error("invalid backend address from control plane", "backend", backendAddress)
		t.onFailure(w, r, &lifecycle.Classified{
			Kind: lifecycle.KindControlPlaneError,
			Err:  fmt.Errorf("invalid backend address %q", backendAddress),
		})
		return
	}

	if t.metrics != nil {
		t.metrics.ActiveTunnels.Inc()
		defer t.metrics.ActiveTunnels.Dec()
	}

	proxy := &httputil.ReverseProxy{
		Transport: t.transport,
		// Flush immediately so server-sent events and long-polling
		// responses reach the browser as the backend produces them.
		FlushInterval: -1,
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			// Backends see the public host so absolute redirects they
			// build stay on the application's subdomain.
			pr.Out.Host = r.Host
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger := LoggerFromContext(r.Context())
			if errors.Is(err, context.Canceled) {
				// Browser went away mid-request. Not a backend failure.
				logger.Debug("client canceled request", "backend", backendAddress)
				return
			}
			logger.Warn("backend unreachable", "backend", backendAddress, "error", err)
			t.onFailure(w, r, &lifecycle.Classified{
				Kind: lifecycle.KindBackendUnreachable,
				Err:  err,
			})
		},
	}

	proxy.ServeHTTP(w, r)
}
