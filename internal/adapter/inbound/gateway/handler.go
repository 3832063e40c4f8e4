package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/datalab-hq/labgate/internal/config"
	"github.com/datalab-hq/labgate/internal/domain/authgate"
	"github.com/datalab-hq/labgate/internal/domain/hostkey"
	"github.com/datalab-hq/labgate/internal/domain/lifecycle"
	"github.com/datalab-hq/labgate/internal/domain/session"
)

// defaultSpawnSeconds is the starting-page countdown for classes that do not
// configure one.
const defaultSpawnSeconds = 60

// TokenExchanger trades an authorization code for an identity. Implemented by
// the SSO client adapter.
type TokenExchanger interface {
	Exchange(ctx context.Context, code, redirectURI string) (session.Identity, error)
}

// Handler is the request entry point. Every request for every application
// host lands here; it parses the host, runs the gate, resolves the lifecycle
// state, and dispatches to the tunnel, the relay, or a rendered page.
type Handler struct {
	cfg       *config.Config
	gate      *authgate.Gate
	codec     *session.Codec
	exchanger TokenExchanger
	resolver  *lifecycle.Resolver
	tunnel    *Tunnel
	relay     *Relay
	pages     *Pages
	health    http.Handler
	metrics   *Metrics
	logger    *slog.Logger
}

// NewHandler wires the entry point. The tunnel's failure callback renders the
// error page, so tunnel construction happens here rather than in the caller.
func NewHandler(
	cfg *config.Config,
	gate *authgate.Gate,
	codec *session.Codec,
	exchanger TokenExchanger,
	resolver *lifecycle.Resolver,
	relay *Relay,
	pages *Pages,
	health *HealthChecker,
	metrics *Metrics,
	logger *slog.Logger,
) *Handler {
	h := &Handler{
		cfg:       cfg,
		gate:      gate,
		codec:     codec,
		exchanger: exchanger,
		resolver:  resolver,
		relay:     relay,
		pages:     pages,
		health:    health.Handler(),
		metrics:   metrics,
		logger:    logger,
	}
	h.tunnel = NewTunnel(metrics, func(w http.ResponseWriter, r *http.Request, cerr *lifecycle.Classified) {
		h.failPage(w, r, cerr.Kind)
	})
	return h
}

// ServeHTTP dispatches one request.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Load balancers probe on whatever host they were given.
	if r.URL.Path == healthcheckPath {
		setOutcome(r, "healthcheck")
		h.health.ServeHTTP(w, r)
		return
	}

	hk, err := hostkey.FromHost(r.Host, h.cfg.Server.RootDomain)
	if err != nil {
		setOutcome(r, "unknown_host")
		h.pages.NotFound(w)
		return
	}

	app, ok := h.cfg.Application(hk.App)
	if !ok {
		setOutcome(r, "unknown_application")
		h.pages.NotFound(w)
		return
	}

	if r.URL.Path == authgate.CallbackPath {
		h.handleCallback(w, r)
		return
	}

	res := h.gate.Check(r, hk)
	switch res.Outcome {
	case authgate.OutcomeRedirect:
		setOutcome(r, "sso_redirect")
		h.setStateCookie(w, r, res.StateToken)
		http.Redirect(w, r, res.RedirectURL, http.StatusFound)
		return
	case authgate.OutcomeForbidden:
		h.forbidden(w, r, res.Reason)
		return
	}

	logger := LoggerFromContext(r.Context()).With("host_key", hk.Key, "user", res.Identity.Subject)

	// Only idempotent navigation may create an instance. The SSO round trip
	// and the polling starting page both replay the request.
	allowSpawn := r.Method == http.MethodGet
	d := h.resolver.Resolve(r.Context(), hk.Key, allowSpawn)

	if !h.gate.AuthorizeOwner(res.Identity, d.Owner) {
		h.forbidden(w, r, authgate.ReasonNotAuthorized)
		return
	}

	if h.metrics != nil {
		if d.SpawnTriggered {
			h.metrics.SpawnsTotal.Inc()
		}
		if d.CleanupIssued {
			h.metrics.CleanupsTotal.Inc()
		}
	}

	switch d.Action {
	case lifecycle.ActionRoute:
		if IsWebSocketUpgrade(r) {
			setOutcome(r, "websocket")
			if cerr := h.relay.Relay(w, r, d.Backend); cerr != nil {
				h.failPage(w, r, cerr.Kind)
			}
			return
		}
		setOutcome(r, "route")
		h.tunnel.Serve(w, r, d.Backend)

	case lifecycle.ActionWait:
		if r.Method != http.MethodGet {
			setOutcome(r, "wait_rejected")
			logger.Info("non-GET while instance not running", "method", r.Method)
			h.pages.Error(w, http.StatusMethodNotAllowed, "Application is starting",
				"This application is still starting and cannot accept this request yet. Open it in your browser first.", "")
			return
		}
		setOutcome(r, "wait")
		seconds := app.SpawnSeconds
		if seconds <= 0 {
			seconds = defaultSpawnSeconds
		}
		h.pages.Starting(w, app.Name, seconds)

	case lifecycle.ActionFail:
		if h.metrics != nil {
			h.metrics.ResolveFailures.WithLabelValues(d.Failure.String()).Inc()
		}
		h.failPage(w, r, d.Failure)
	}
}

// handleCallback completes the SSO round trip: validate the state cookie,
// exchange the code, set the session cookie, and return to the original URL.
func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	setOutcome(r, "sso_callback")
	logger := LoggerFromContext(r.Context())

	code := r.URL.Query().Get("code")
	stateParam := r.URL.Query().Get("state")

	cookie, err := r.Cookie(authgate.StateCookie)
	if err != nil || cookie.Value == "" || cookie.Value != stateParam {
		logger.Warn("sso callback state mismatch")
		h.pages.Error(w, http.StatusBadRequest, "Sign-in failed",
			"Your sign-in could not be completed. Go back to the application and try again.", "")
		return
	}

	returnURL, err := h.codec.VerifyState(cookie.Value)
	if err != nil {
		logger.Warn("sso callback state invalid", "error", err)
		h.pages.Error(w, http.StatusBadRequest, "Sign-in failed",
			"Your sign-in took too long. Go back to the application and try again.", "")
		return
	}

	redirectURI := requestScheme(r) + "://" + r.Host + authgate.CallbackPath
	id, err := h.exchanger.Exchange(r.Context(), code, redirectURI)
	if err != nil {
		logger.Error("sso code exchange failed", "error", err)
		h.pages.Error(w, http.StatusBadGateway, "Sign-in failed",
			"The identity provider did not accept the sign-in. Please try again.", returnURL)
		return
	}

	token, err := h.codec.Issue(id)
	if err != nil {
		logger.Error("session issue failed", "error", err)
		h.pages.Error(w, http.StatusInternalServerError, "Sign-in failed",
			"Something went wrong establishing your session. Please try again.", returnURL)
		return
	}

	secure := requestScheme(r) == "https"
	http.SetCookie(w, &http.Cookie{
		Name:     authgate.SessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     authgate.StateCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		MaxAge:   -1,
	})

	logger.Info("session established", "user", id.Subject)
	http.Redirect(w, r, sameHostOrRoot(returnURL, r.Host), http.StatusFound)
}

// forbidden renders the 403 variant for the reason.
func (h *Handler) forbidden(w http.ResponseWriter, r *http.Request, reason authgate.ForbiddenReason) {
	if reason == authgate.ReasonIPNotAllowed {
		setOutcome(r, "forbidden_ip")
		h.pages.Forbidden(w, "Your network location is not allowed to use this application.", true)
		return
	}
	setOutcome(r, "forbidden")
	h.pages.Forbidden(w, "You do not have access to this application.", false)
}

// failPage maps a failure kind to the error page. Non-reportable kinds render
// nothing; the starting page keeps polling.
func (h *Handler) failPage(w http.ResponseWriter, r *http.Request, kind lifecycle.Kind) {
	if !kind.Reportable() {
		return
	}
	setOutcome(r, kind.String())
	retry := requestScheme(r) + "://" + r.Host + r.URL.RequestURI()

	switch kind {
	case lifecycle.KindBackendUnreachable:
		h.pages.Error(w, http.StatusBadGateway, "Application not responding",
			"The application did not respond. It may be restarting.", retry)
	case lifecycle.KindUpstreamRecordedFailure:
		h.pages.Error(w, http.StatusBadGateway, "Application failed to start",
			"The application failed to start. Trying again will start a fresh instance.", retry)
	default:
		h.pages.Error(w, http.StatusBadGateway, "Something went wrong",
			"Something went wrong serving this application. Please try again.", retry)
	}
}

// setStateCookie stores the SSO state token for the round trip.
func (h *Handler) setStateCookie(w http.ResponseWriter, r *http.Request, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     authgate.StateCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   requestScheme(r) == "https",
		SameSite: http.SameSiteLaxMode,
		MaxAge:   600,
	})
}

// sameHostOrRoot guards the post-login redirect against open-redirect abuse:
// the return URL must stay on the host that set the cookie.
func sameHostOrRoot(returnURL, host string) string {
	u, err := url.Parse(returnURL)
	if err != nil || u.Host != host {
		return "/"
	}
	return returnURL
}

// requestScheme reports the client-facing scheme behind a TLS-terminating
// load balancer.
func requestScheme(r *http.Request) string {
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}
