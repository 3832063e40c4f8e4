// Package sso is the client for the redirect-based identity provider
// handshake. The proxy only consumes the provider's contract: send the
// browser to the authorize endpoint, exchange the returned code for a token,
// and fetch the subject's profile.
package sso

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/datalab-hq/labgate/internal/domain/session"
)

// maxUserInfoSize bounds the userinfo response body.
const maxUserInfoSize = 64 * 1024

// exchangeTimeout bounds the code-for-token exchange plus profile fetch.
const exchangeTimeout = 10 * time.Second

// userInfo is the provider's profile payload. Field names follow the
// provider convention of user_id/first_name/last_name with sub/name as
// standard fallbacks.
type userInfo struct {
	UserID    string `json:"user_id"`
	Sub       string `json:"sub"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Name      string `json:"name"`
}

// Client drives the authorization-code flow. Implements
// authgate.AuthorizeURLBuilder.
type Client struct {
	authorizeURL string
	tokenURL     string
	userInfoURL  string
	clientID     string
	clientSecret string
	httpClient   *http.Client
}

// Option is a functional option for configuring Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient creates an SSO client for the given provider endpoints.
func NewClient(authorizeURL, tokenURL, userInfoURL, clientID, clientSecret string, opts ...Option) *Client {
	c := &Client{
		authorizeURL: authorizeURL,
		tokenURL:     tokenURL,
		userInfoURL:  userInfoURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AuthorizeURL builds the provider URL the browser is redirected to. The
// state parameter carries the signed return-URL token; redirectURI is the
// per-host callback the provider sends the code back to.
func (c *Client) AuthorizeURL(state, redirectURI string) string {
	return c.oauthConfig(redirectURI).AuthCodeURL(state)
}

// Exchange trades an authorization code for the authenticated identity:
// code-for-token at the token endpoint, then a profile fetch with the token.
func (c *Client) Exchange(ctx context.Context, code, redirectURI string) (session.Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, exchangeTimeout)
	defer cancel()
	// oauth2 picks its transport up from the context.
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	token, err := c.oauthConfig(redirectURI).Exchange(ctx, code)
	if err != nil {
		return session.Identity{}, fmt.Errorf("sso token exchange: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.userInfoURL, nil)
	if err != nil {
		return session.Identity{}, fmt.Errorf("sso userinfo request: %w", err)
	}
	token.SetAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return session.Identity{}, fmt.Errorf("sso userinfo fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return session.Identity{}, fmt.Errorf("sso userinfo returned %d", resp.StatusCode)
	}

	var info userInfo
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxUserInfoSize)).Decode(&info); err != nil {
		return session.Identity{}, fmt.Errorf("sso userinfo decode: %w", err)
	}

	subject := info.UserID
	if subject == "" {
		subject = info.Sub
	}
	if subject == "" {
		return session.Identity{}, fmt.Errorf("sso userinfo has no subject identifier")
	}

	name := info.Name
	if name == "" {
		name = strings.TrimSpace(info.FirstName + " " + info.LastName)
	}

	return session.Identity{Subject: subject, Email: info.Email, Name: name}, nil
}

func (c *Client) oauthConfig(redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		RedirectURL:  redirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.authorizeURL,
			TokenURL:  c.tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}
