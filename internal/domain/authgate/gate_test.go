package authgate

import (
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"testing"
	"time"

	"github.com/datalab-hq/labgate/internal/domain/hostkey"
	"github.com/datalab-hq/labgate/internal/domain/session"
)

type fakeAuthorizeURL struct{}

func (fakeAuthorizeURL) AuthorizeURL(state, redirectURI string) string {
	return "https://sso.example.com/o/authorize/?state=" + url.QueryEscape(state) +
		"&redirect_uri=" + url.QueryEscape(redirectURI)
}

const testSubject = "7f93c2c7-bc32-43f3-87dc-40d0b8fb2cd2"

func testGate(t *testing.T, allowlists map[string][]netip.Prefix, xffDepth int) (*Gate, *session.Codec) {
	t.Helper()
	codec := session.NewCodec([]byte("test-secret"), time.Hour)
	return NewGate(codec, fakeAuthorizeURL{}, allowlists, xffDepth), codec
}

func authedRequest(t *testing.T, codec *session.Codec, target string) *http.Request {
	t.Helper()
	token, err := codec.Issue(session.Identity{Subject: testSubject, Email: "test@test.com"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	r := httptest.NewRequest(http.MethodGet, target, nil)
	r.Host = mustParseURL(t, target).Host
	r.AddCookie(&http.Cookie{Name: SessionCookie, Value: token})
	return r
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return u
}

func ownedHostKey() hostkey.HostKey {
	return hostkey.HostKey{
		Key:        "jupyterlab-" + hostkey.UserSuffix(testSubject),
		App:        "jupyterlab",
		UserSuffix: hostkey.UserSuffix(testSubject),
	}
}

func TestCheckNoSessionRedirects(t *testing.T) {
	gate, _ := testGate(t, nil, 0)
	r := httptest.NewRequest(http.MethodGet, "http://jupyterlab-23b40dd9.apps.example.com/lab?x=1", nil)

	res := gate.Check(r, ownedHostKey())
	if res.Outcome != OutcomeRedirect {
		t.Fatalf("Outcome = %v, want OutcomeRedirect", res.Outcome)
	}
	if res.StateToken == "" {
		t.Error("expected a state token for the round trip")
	}
	u := mustParseURL(t, res.RedirectURL)
	if u.Host != "sso.example.com" {
		t.Errorf("redirect host = %q", u.Host)
	}
	// The state token must carry the exact original URL so the callback can
	// land the user back on it.
	gateCodec := session.NewCodec([]byte("test-secret"), time.Hour)
	ret, err := gateCodec.VerifyState(u.Query().Get("state"))
	if err != nil {
		t.Fatalf("VerifyState: %v", err)
	}
	want := "http://jupyterlab-23b40dd9.apps.example.com/lab?x=1"
	if ret != want {
		t.Errorf("return URL = %q, want %q", ret, want)
	}
}

func TestCheckExpiredSessionRedirects(t *testing.T) {
	gate, _ := testGate(t, nil, 0)
	expired := session.NewCodec([]byte("test-secret"), -time.Minute)
	token, err := expired.Issue(session.Identity{Subject: testSubject})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	r := httptest.NewRequest(http.MethodGet, "http://jupyterlab-23b40dd9.apps.example.com/", nil)
	r.AddCookie(&http.Cookie{Name: SessionCookie, Value: token})

	if res := gate.Check(r, ownedHostKey()); res.Outcome != OutcomeRedirect {
		t.Fatalf("Outcome = %v, want OutcomeRedirect", res.Outcome)
	}
}

func TestCheckAuthenticatedOwner(t *testing.T) {
	gate, codec := testGate(t, nil, 0)
	hk := ownedHostKey()
	r := authedRequest(t, codec, "http://"+hk.Key+".apps.example.com/")

	res := gate.Check(r, hk)
	if res.Outcome != OutcomeAuthenticated {
		t.Fatalf("Outcome = %v (reason %v), want OutcomeAuthenticated", res.Outcome, res.Reason)
	}
	if res.Identity.Subject != testSubject {
		t.Errorf("Subject = %q", res.Identity.Subject)
	}
}

func TestCheckWrongUserForbidden(t *testing.T) {
	gate, codec := testGate(t, nil, 0)
	// Host key belongs to someone else's suffix.
	hk := hostkey.HostKey{Key: "jupyterlab-00000000", App: "jupyterlab", UserSuffix: "00000000"}
	r := authedRequest(t, codec, "http://jupyterlab-00000000.apps.example.com/")

	res := gate.Check(r, hk)
	if res.Outcome != OutcomeForbidden {
		t.Fatalf("Outcome = %v, want OutcomeForbidden", res.Outcome)
	}
	if res.Reason != ReasonNotAuthorized {
		t.Errorf("Reason = %v, want ReasonNotAuthorized", res.Reason)
	}
}

func TestCheckIPAllowList(t *testing.T) {
	allow := map[string][]netip.Prefix{
		"jupyterlab": {netip.MustParsePrefix("10.1.0.0/16")},
	}

	tests := []struct {
		name       string
		remoteAddr string
		want       Outcome
		reason     ForbiddenReason
	}{
		{"allowed address", "10.1.2.3:4567", OutcomeAuthenticated, ReasonNone},
		{"disallowed address", "192.168.1.9:4567", OutcomeForbidden, ReasonIPNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate, codec := testGate(t, allow, 0)
			hk := ownedHostKey()
			r := authedRequest(t, codec, "http://"+hk.Key+".apps.example.com/")
			r.RemoteAddr = tt.remoteAddr

			res := gate.Check(r, hk)
			if res.Outcome != tt.want {
				t.Fatalf("Outcome = %v, want %v", res.Outcome, tt.want)
			}
			if res.Reason != tt.reason {
				t.Errorf("Reason = %v, want %v", res.Reason, tt.reason)
			}
		})
	}
}

func TestCheckIPPrecedesOwnership(t *testing.T) {
	// A disallowed IP must be rejected as such even when the user also would
	// fail the ownership check.
	allow := map[string][]netip.Prefix{
		"jupyterlab": {netip.MustParsePrefix("10.1.0.0/16")},
	}
	gate, codec := testGate(t, allow, 0)
	hk := hostkey.HostKey{Key: "jupyterlab-00000000", App: "jupyterlab", UserSuffix: "00000000"}
	r := authedRequest(t, codec, "http://jupyterlab-00000000.apps.example.com/")
	r.RemoteAddr = "192.168.1.9:4567"

	res := gate.Check(r, hk)
	if res.Reason != ReasonIPNotAllowed {
		t.Fatalf("Reason = %v, want ReasonIPNotAllowed", res.Reason)
	}
}

func TestCheckUnlistedAppAdmitsAnySource(t *testing.T) {
	allow := map[string][]netip.Prefix{
		"jupyterlab": {netip.MustParsePrefix("10.1.0.0/16")},
	}
	gate, codec := testGate(t, allow, 0)
	suffix := hostkey.UserSuffix(testSubject)
	hk := hostkey.HostKey{Key: "pgadmin-" + suffix, App: "pgadmin", UserSuffix: suffix}
	r := authedRequest(t, codec, "http://"+hk.Key+".apps.example.com/")
	r.RemoteAddr = "203.0.113.7:999"

	if res := gate.Check(r, hk); res.Outcome != OutcomeAuthenticated {
		t.Fatalf("Outcome = %v, want OutcomeAuthenticated", res.Outcome)
	}
}

func TestClientIPFromForwardedFor(t *testing.T) {
	tests := []struct {
		name    string
		headers []string
		depth   int
		want    string
		wantErr bool
	}{
		{"socket peer", nil, 0, "192.0.2.1", false},
		{"depth one takes rightmost", []string{"198.51.100.7, 10.0.0.2"}, 1, "10.0.0.2", false},
		{"depth two", []string{"198.51.100.7, 10.0.0.2"}, 2, "198.51.100.7", false},
		{"multiple header lines", []string{"198.51.100.7", "10.0.0.2"}, 2, "198.51.100.7", false},
		{"too shallow", []string{"10.0.0.2"}, 2, "", true},
		{"missing header", nil, 1, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
			r.RemoteAddr = "192.0.2.1:1234"
			for _, h := range tt.headers {
				r.Header.Add("X-Forwarded-For", h)
			}

			addr, err := ClientIP(r, tt.depth)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", addr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if addr != netip.MustParseAddr(tt.want) {
				t.Errorf("addr = %v, want %v", addr, tt.want)
			}
		})
	}
}

func TestAuthorizeOwner(t *testing.T) {
	gate, _ := testGate(t, nil, 0)
	id := session.Identity{Subject: testSubject}

	if !gate.AuthorizeOwner(id, hostkey.UserSuffix(testSubject)) {
		t.Error("owner must be authorized against their own instance")
	}
	if gate.AuthorizeOwner(id, "00000000") {
		t.Error("non-owner must not be authorized")
	}
	if !gate.AuthorizeOwner(id, "") {
		t.Error("absent record must authorize trivially")
	}
}
