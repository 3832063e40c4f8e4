// Package config provides configuration types for the labgate routing proxy.
//
// The proxy is configured from a single YAML file plus LABGATE_* environment
// overrides. Nothing here is mutable at runtime: the proxy re-derives every
// routing decision from the control plane, so configuration covers only the
// listeners, the collaborating services, and the application classes.
package config

import (
	"net/netip"
	"strings"
	"time"
)

// Config is the top-level configuration for labgate.
type Config struct {
	// Server configures the public and internal HTTP listeners.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// ControlPlane configures the upstream state API.
	ControlPlane ControlPlaneConfig `yaml:"control_plane" mapstructure:"control_plane"`

	// SSO configures the redirect-based identity provider handshake.
	SSO SSOConfig `yaml:"sso" mapstructure:"sso"`

	// Auth configures session signing and source address handling.
	Auth AuthConfig `yaml:"auth" mapstructure:"auth"`

	// Applications lists the application classes the proxy will route.
	// A host whose app name is not listed here is rejected outright.
	Applications []ApplicationConfig `yaml:"applications" mapstructure:"applications" validate:"required,min=1,dive"`

	// Log configures the slog handler.
	Log LogConfig `yaml:"log" mapstructure:"log"`

	// DevMode enables development conveniences (text logs at debug level,
	// relaxed secret length checks). Never enable in production.
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the listeners.
type ServerConfig struct {
	// ListenAddr is the public listener all application hosts resolve to.
	ListenAddr string `yaml:"listen_addr" mapstructure:"listen_addr" validate:"required"`
	// InternalAddr serves /metrics away from the public surface.
	// Empty disables the internal listener.
	InternalAddr string `yaml:"internal_addr" mapstructure:"internal_addr"`
	// RootDomain is the wildcard parent domain of application hosts,
	// e.g. "apps.example.com" for jupyterlab-23b40dd9.apps.example.com.
	RootDomain string `yaml:"root_domain" mapstructure:"root_domain" validate:"required,hostname_rfc1123"`
	// ShutdownTimeout bounds graceful shutdown drain (e.g. "20s").
	ShutdownTimeout string `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" validate:"omitempty,duration"`
}

// ControlPlaneConfig configures the upstream state client.
type ControlPlaneConfig struct {
	// URL is the base URL of the control-plane API.
	URL string `yaml:"url" mapstructure:"url" validate:"required,url"`
	// Timeout bounds each control-plane call (e.g. "5s") so a stalled
	// control plane cannot hang a request.
	Timeout string `yaml:"timeout" mapstructure:"timeout" validate:"omitempty,duration"`
	// APIToken is the bearer token presented to the control plane.
	APIToken string `yaml:"api_token" mapstructure:"api_token"`
}

// SSOConfig configures the identity provider endpoints.
type SSOConfig struct {
	// AuthorizeURL is the provider's authorization endpoint.
	AuthorizeURL string `yaml:"authorize_url" mapstructure:"authorize_url" validate:"required,url"`
	// TokenURL is the provider's code-for-token exchange endpoint.
	TokenURL string `yaml:"token_url" mapstructure:"token_url" validate:"required,url"`
	// UserInfoURL returns the authenticated subject's profile.
	UserInfoURL string `yaml:"userinfo_url" mapstructure:"userinfo_url" validate:"required,url"`
	// ClientID identifies the proxy to the provider.
	ClientID string `yaml:"client_id" mapstructure:"client_id" validate:"required"`
	// ClientSecret authenticates the token exchange.
	ClientSecret string `yaml:"client_secret" mapstructure:"client_secret" validate:"required"`
}

// AuthConfig configures session tokens and client address extraction.
type AuthConfig struct {
	// SessionSecret signs session and SSO-state cookies. All proxy processes
	// must share it; that is the entire cross-process session mechanism.
	SessionSecret string `yaml:"session_secret" mapstructure:"session_secret" validate:"required"`
	// SessionLifetime is how long a session cookie stays valid (e.g. "12h").
	SessionLifetime string `yaml:"session_lifetime" mapstructure:"session_lifetime" validate:"omitempty,duration"`
	// XFFDepth selects the client address from X-Forwarded-For counting from
	// the right; 0 uses the socket peer directly.
	XFFDepth int `yaml:"xff_depth" mapstructure:"xff_depth" validate:"gte=0,lte=10"`
}

// ApplicationConfig describes one application class (notebook server,
// database admin tool, visualisation app).
type ApplicationConfig struct {
	// Name is the host-label prefix, e.g. "jupyterlab". Lowercase letters
	// and digits, starting with a letter.
	Name string `yaml:"name" mapstructure:"name" validate:"required,app_name"`
	// IPAllowlist restricts the source addresses that may use this class.
	// Empty admits any source.
	IPAllowlist []string `yaml:"ip_allowlist" mapstructure:"ip_allowlist" validate:"omitempty,dive,cidr"`
	// SpawnSeconds is the countdown shown on the starting page, matching the
	// class's typical container start time.
	SpawnSeconds int `yaml:"spawn_seconds" mapstructure:"spawn_seconds" validate:"omitempty,gt=0,lte=1800"`
}

// LogConfig configures logging output.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	// Format is "json" or "text".
	Format string `yaml:"format" mapstructure:"format" validate:"omitempty,oneof=json text"`
}

// SetDefaults applies default values for optional fields.
func (c *Config) SetDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8000"
	}
	if c.Server.ShutdownTimeout == "" {
		c.Server.ShutdownTimeout = "20s"
	}
	if c.ControlPlane.Timeout == "" {
		c.ControlPlane.Timeout = "5s"
	}
	if c.Auth.SessionLifetime == "" {
		c.Auth.SessionLifetime = "12h"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	for i := range c.Applications {
		if c.Applications[i].SpawnSeconds == 0 {
			c.Applications[i].SpawnSeconds = 120
		}
	}
}

// SetDevDefaults applies permissive development defaults. Only effective
// when DevMode is set.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}
	c.Log.Level = "debug"
	if c.Log.Format == "" || c.Log.Format == "json" {
		c.Log.Format = "text"
	}
	if c.Auth.SessionSecret == "" {
		c.Auth.SessionSecret = "labgate-dev-secret-do-not-use-in-production"
	}
}

// ControlPlaneTimeout returns the parsed per-call timeout.
func (c *Config) ControlPlaneTimeout() time.Duration {
	return parseDurationOr(c.ControlPlane.Timeout, 5*time.Second)
}

// SessionLifetime returns the parsed session lifetime.
func (c *Config) SessionLifetime() time.Duration {
	return parseDurationOr(c.Auth.SessionLifetime, 12*time.Hour)
}

// ShutdownTimeout returns the parsed graceful shutdown bound.
func (c *Config) ShutdownTimeout() time.Duration {
	return parseDurationOr(c.Server.ShutdownTimeout, 20*time.Second)
}

// Application returns the configuration for an application class name.
func (c *Config) Application(name string) (ApplicationConfig, bool) {
	for _, app := range c.Applications {
		if app.Name == name {
			return app, true
		}
	}
	return ApplicationConfig{}, false
}

// Allowlists builds the per-class parsed CIDR allow-lists. Classes with an
// empty list are omitted, which the gate treats as admit-any.
func (c *Config) Allowlists() map[string][]netip.Prefix {
	out := make(map[string][]netip.Prefix)
	for _, app := range c.Applications {
		if len(app.IPAllowlist) == 0 {
			continue
		}
		prefixes := make([]netip.Prefix, 0, len(app.IPAllowlist))
		for _, cidr := range app.IPAllowlist {
			if p, err := netip.ParsePrefix(strings.TrimSpace(cidr)); err == nil {
				prefixes = append(prefixes, p)
			}
		}
		out[app.Name] = prefixes
	}
	return out
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
