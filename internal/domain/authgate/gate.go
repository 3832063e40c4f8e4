// Package authgate decides whether a request may proceed to the lifecycle
// resolver. It verifies the session cookie, enforces per-application-class
// source IP allow-lists, and checks that the requested host belongs to the
// authenticated user. The gate stores nothing server-side; the only side
// effect of a redirect outcome is a state cookie the caller sets.
package authgate

import (
	"fmt"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/datalab-hq/labgate/internal/domain/hostkey"
	"github.com/datalab-hq/labgate/internal/domain/session"
)

// Outcome is the gate's verdict on a request.
type Outcome int

const (
	// OutcomeAuthenticated lets the request continue to the resolver.
	OutcomeAuthenticated Outcome = iota
	// OutcomeRedirect sends the browser to the identity provider.
	OutcomeRedirect
	// OutcomeForbidden rejects the request with a rendered page.
	OutcomeForbidden
)

// ForbiddenReason distinguishes the two forbidden pages.
type ForbiddenReason int

const (
	// ReasonNone means the request was not forbidden.
	ReasonNone ForbiddenReason = iota
	// ReasonIPNotAllowed means the source address failed the allow-list.
	// Rendered as a static warning with no access-request affordance.
	ReasonIPNotAllowed
	// ReasonNotAuthorized means the host does not belong to the user or the
	// instance is owned by someone else. Rendered with a request-access link.
	ReasonNotAuthorized
)

// Result is the gate's decision plus everything the caller needs to act on it.
type Result struct {
	Outcome  Outcome
	Identity session.Identity
	// RedirectURL is the identity provider authorize URL. Set for OutcomeRedirect.
	RedirectURL string
	// StateToken rides the SSO round trip in a cookie. Set for OutcomeRedirect.
	StateToken string
	Reason     ForbiddenReason
}

// AuthorizeURLBuilder builds the identity provider's authorize URL for a
// given CSRF state and callback. Implemented by the SSO client adapter.
type AuthorizeURLBuilder interface {
	AuthorizeURL(state, redirectURI string) string
}

// SessionCookie is the cookie carrying the signed session token. Host-only,
// so each application host completes its own SSO round trip.
const SessionCookie = "labgate_session"

// StateCookie carries the SSO round-trip state token.
const StateCookie = "labgate_state"

// CallbackPath is the per-host path the identity provider redirects back to.
const CallbackPath = "/__labgate/callback"

// stateLifetime bounds how long an SSO round trip may take.
const stateLifetime = 10 * time.Minute

// Gate evaluates requests. Construct with NewGate.
type Gate struct {
	codec      *session.Codec
	sso        AuthorizeURLBuilder
	allowlists map[string][]netip.Prefix
	xffDepth   int
}

// NewGate creates a gate. allowlists maps an application class to the CIDRs
// its users may connect from; a class with no entry admits any source.
// xffDepth selects the client address from X-Forwarded-For, counting from the
// right (1 = last hop appended by the fronting load balancer); zero means the
// socket peer address is used directly.
func NewGate(codec *session.Codec, sso AuthorizeURLBuilder, allowlists map[string][]netip.Prefix, xffDepth int) *Gate {
	return &Gate{codec: codec, sso: sso, allowlists: allowlists, xffDepth: xffDepth}
}

// Check runs the gate against one request for the given host key.
// Checks run in order: session, source IP, host ownership. The IP check is
// independent of ownership and fails closed on an unparseable address.
func (g *Gate) Check(r *http.Request, hk hostkey.HostKey) Result {
	id, ok := g.identityFromCookie(r)
	if !ok {
		return g.redirect(r)
	}

	if !g.ipAllowed(r, hk.App) {
		return Result{Outcome: OutcomeForbidden, Identity: id, Reason: ReasonIPNotAllowed}
	}

	if hostkey.UserSuffix(id.Subject) != hk.UserSuffix {
		return Result{Outcome: OutcomeForbidden, Identity: id, Reason: ReasonNotAuthorized}
	}

	return Result{Outcome: OutcomeAuthenticated, Identity: id}
}

// AuthorizeOwner checks the authenticated identity against the owner suffix
// recorded on an existing instance. An empty recorded owner (absent record)
// authorizes trivially; the host-suffix check in Check already bound the host
// to the user.
func (g *Gate) AuthorizeOwner(id session.Identity, ownerSuffix string) bool {
	return ownerSuffix == "" || hostkey.UserSuffix(id.Subject) == ownerSuffix
}

func (g *Gate) identityFromCookie(r *http.Request) (session.Identity, bool) {
	cookie, err := r.Cookie(SessionCookie)
	if err != nil || cookie.Value == "" {
		return session.Identity{}, false
	}
	id, err := g.codec.Verify(cookie.Value)
	if err != nil {
		return session.Identity{}, false
	}
	return id, true
}

// redirect builds the SSO redirect for the exact resource requested, so the
// browser lands back on it after authentication. Only GETs reach this path
// in practice; the round trip replays the request, which is why the start
// flow is restricted to idempotent navigation.
func (g *Gate) redirect(r *http.Request) Result {
	original := originalURL(r)
	state, err := g.codec.IssueState(original, stateLifetime)
	if err != nil {
		// Signing can only fail on a misconfigured codec; treat as forbidden
		// rather than redirect-looping.
		return Result{Outcome: OutcomeForbidden, Reason: ReasonNotAuthorized}
	}
	redirectURI := scheme(r) + "://" + r.Host + CallbackPath
	return Result{
		Outcome:     OutcomeRedirect,
		RedirectURL: g.sso.AuthorizeURL(state, redirectURI),
		StateToken:  state,
	}
}

// ipAllowed checks the request's client address against the class allow-list.
func (g *Gate) ipAllowed(r *http.Request, app string) bool {
	prefixes, configured := g.allowlists[app]
	if !configured || len(prefixes) == 0 {
		return true
	}
	addr, err := ClientIP(r, g.xffDepth)
	if err != nil {
		return false
	}
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientIP extracts the client address. With xffDepth > 0 it takes the
// xffDepth-th address counting from the right of X-Forwarded-For, which is
// the only position a trusted fronting proxy controls; otherwise it uses the
// socket peer address.
func ClientIP(r *http.Request, xffDepth int) (netip.Addr, error) {
	if xffDepth > 0 {
		var hops []string
		for _, header := range r.Header.Values("X-Forwarded-For") {
			for _, part := range strings.Split(header, ",") {
				if part = strings.TrimSpace(part); part != "" {
					hops = append(hops, part)
				}
			}
		}
		if len(hops) < xffDepth {
			return netip.Addr{}, fmt.Errorf("x-forwarded-for has %d addresses, need %d", len(hops), xffDepth)
		}
		return netip.ParseAddr(hops[len(hops)-xffDepth])
	}

	host := r.RemoteAddr
	if ap, err := netip.ParseAddrPort(r.RemoteAddr); err == nil {
		return ap.Addr(), nil
	}
	return netip.ParseAddr(host)
}

// originalURL reconstructs the full URL the user asked for, including query.
func originalURL(r *http.Request) string {
	return scheme(r) + "://" + r.Host + r.URL.RequestURI()
}

// scheme reports the client-facing scheme, honouring the standard forwarded
// header so redirects behind a TLS-terminating load balancer stay https.
func scheme(r *http.Request) string {
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}
