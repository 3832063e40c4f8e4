// Package integration exercises the full request path: real gateway handler,
// real control-plane client against the SQLite simulator, real SSO client
// against a fake identity provider, and real backends.
package integration

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/datalab-hq/labgate/internal/adapter/inbound/gateway"
	"github.com/datalab-hq/labgate/internal/adapter/outbound/controlplane"
	"github.com/datalab-hq/labgate/internal/adapter/outbound/sso"
	"github.com/datalab-hq/labgate/internal/config"
	"github.com/datalab-hq/labgate/internal/controlsim"
	"github.com/datalab-hq/labgate/internal/domain/authgate"
	"github.com/datalab-hq/labgate/internal/domain/hostkey"
	"github.com/datalab-hq/labgate/internal/domain/lifecycle"
	"github.com/datalab-hq/labgate/internal/domain/session"
)

const (
	rootDomain = "apps.example.com"
	subject    = "sso-user-0001"
)

var sessionSecret = []byte("integration-secret-0123456789abcdef")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeIdentityProvider serves the token and userinfo endpoints of the SSO
// flow. The authorize endpoint is never called by the proxy itself.
type fakeIdentityProvider struct {
	srv       *httptest.Server
	validCode string
}

func newFakeIdentityProvider(t *testing.T, validCode string) *fakeIdentityProvider {
	t.Helper()
	p := &fakeIdentityProvider{validCode: validCode}

	mux := http.NewServeMux()
	mux.HandleFunc("/o/token/", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.PostForm.Get("code") != p.validCode {
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "at-" + p.validCode,
			"token_type":   "Bearer",
		})
	})
	mux.HandleFunc("/api/v1/user/me/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer at-"+p.validCode {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"user_id":    subject,
			"email":      "researcher@example.com",
			"first_name": "Res",
			"last_name":  "Earcher",
		})
	})

	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

func (p *fakeIdentityProvider) authorizeURL() string { return p.srv.URL + "/o/authorize/" }
func (p *fakeIdentityProvider) tokenURL() string     { return p.srv.URL + "/o/token/" }
func (p *fakeIdentityProvider) userInfoURL() string  { return p.srv.URL + "/api/v1/user/me/" }

// hostRewriteTransport sends every request to the test server while
// presenting the application host, the way a wildcard DNS record would.
type hostRewriteTransport struct {
	host string
	base http.RoundTripper
}

func (t *hostRewriteTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r2 := r.Clone(r.Context())
	r2.Host = t.host
	return t.base.RoundTrip(r2)
}

func (t *hostRewriteTransport) CloseIdleConnections() {
	if ci, ok := t.base.(interface{ CloseIdleConnections() }); ok {
		ci.CloseIdleConnections()
	}
}

// env is one fully wired gateway with its collaborators.
type env struct {
	gatewaySrv *httptest.Server
	sim        *controlsim.Simulator
	provider   *fakeIdentityProvider
	hostKey    string
	appHost    string
}

// newEnv wires a gateway for one jupyterlab class owned by subject, with the
// simulator promoting instances to backendURL after spawnDelay.
func newEnv(t *testing.T, backendURL string, spawnDelay time.Duration) *env {
	t.Helper()

	logger := testLogger()

	sim, err := controlsim.New(controlsim.Config{
		DBPath:         filepath.Join(t.TempDir(), "sim.db"),
		SpawnDelay:     spawnDelay,
		BackendAddress: backendURL,
	}, logger)
	if err != nil {
		t.Fatalf("controlsim.New() error = %v", err)
	}
	t.Cleanup(func() { sim.Close() })
	simSrv := httptest.NewServer(sim.Routes())
	t.Cleanup(simSrv.Close)

	provider := newFakeIdentityProvider(t, "good-code")

	cfg := &config.Config{}
	cfg.Server.RootDomain = rootDomain
	cfg.Applications = []config.ApplicationConfig{{Name: "jupyterlab", SpawnSeconds: 5}}

	codec := session.NewCodec(sessionSecret, time.Hour)
	ssoClient := sso.NewClient(
		provider.authorizeURL(), provider.tokenURL(), provider.userInfoURL(),
		"labgate-client", "labgate-secret",
	)
	stateClient := controlplane.NewClient(simSrv.URL, "test-token", 5*time.Second)
	resolver := lifecycle.NewResolver(stateClient, logger)
	gate := authgate.NewGate(codec, ssoClient, cfg.Allowlists(), 0)

	pages, err := gateway.NewPages()
	if err != nil {
		t.Fatalf("NewPages() error = %v", err)
	}
	registry := prometheus.NewRegistry()
	metrics := gateway.NewMetrics(registry)
	health := gateway.NewHealthChecker("test")
	health.SetReady(true)

	handler := gateway.NewHandler(cfg, gate, codec, ssoClient, resolver,
		gateway.NewRelay(metrics), pages, health, metrics, logger)

	gatewaySrv := httptest.NewServer(handler)
	t.Cleanup(gatewaySrv.Close)

	key := "jupyterlab-" + hostkey.UserSuffix(subject)
	return &env{
		gatewaySrv: gatewaySrv,
		sim:        sim,
		provider:   provider,
		hostKey:    key,
		appHost:    key + "." + rootDomain,
	}
}

// client returns an HTTP client that presents the application host and does
// not follow redirects, so tests can inspect each hop.
func (e *env) client() *http.Client {
	return &http.Client{
		Transport:     &hostRewriteTransport{host: e.appHost, base: http.DefaultTransport},
		CheckRedirect: func(req *http.Request, via []*http.Request) error { return http.ErrUseLastResponse },
	}
}

// sessionToken issues a valid session cookie value for subject.
func sessionToken(t *testing.T) string {
	t.Helper()
	codec := session.NewCodec(sessionSecret, time.Hour)
	token, err := codec.Issue(session.Identity{Subject: subject, Email: "researcher@example.com"})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	return token
}
