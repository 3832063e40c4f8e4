package config

import (
	"net/netip"
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{
			ListenAddr: ":8000",
			RootDomain: "apps.example.com",
		},
		ControlPlane: ControlPlaneConfig{
			URL: "http://controlplane.internal:8002",
		},
		SSO: SSOConfig{
			AuthorizeURL: "https://sso.example.com/o/authorize/",
			TokenURL:     "https://sso.example.com/o/token/",
			UserInfoURL:  "https://sso.example.com/api/v1/user/me/",
			ClientID:     "labgate",
			ClientSecret: "secret",
		},
		Auth: AuthConfig{
			SessionSecret: strings.Repeat("s", 32),
		},
		Applications: []ApplicationConfig{
			{Name: "jupyterlab"},
			{Name: "pgadmin", IPAllowlist: []string{"10.0.0.0/8"}},
		},
	}
	cfg.SetDefaults()
	return cfg
}

func TestSetDefaults(t *testing.T) {
	cfg := &Config{Applications: []ApplicationConfig{{Name: "jupyterlab"}}}
	cfg.SetDefaults()

	if cfg.Server.ListenAddr != ":8000" {
		t.Errorf("ListenAddr = %q", cfg.Server.ListenAddr)
	}
	if cfg.ControlPlane.Timeout != "5s" {
		t.Errorf("ControlPlane.Timeout = %q", cfg.ControlPlane.Timeout)
	}
	if cfg.Auth.SessionLifetime != "12h" {
		t.Errorf("SessionLifetime = %q", cfg.Auth.SessionLifetime)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("Log = %+v", cfg.Log)
	}
	if cfg.Applications[0].SpawnSeconds != 120 {
		t.Errorf("SpawnSeconds = %d", cfg.Applications[0].SpawnSeconds)
	}
}

func TestSetDefaultsPreservesExistingValues(t *testing.T) {
	cfg := &Config{
		Server:       ServerConfig{ListenAddr: ":9999"},
		ControlPlane: ControlPlaneConfig{Timeout: "2s"},
		Applications: []ApplicationConfig{{Name: "jupyterlab", SpawnSeconds: 300}},
	}
	cfg.SetDefaults()

	if cfg.Server.ListenAddr != ":9999" {
		t.Errorf("ListenAddr = %q", cfg.Server.ListenAddr)
	}
	if cfg.ControlPlane.Timeout != "2s" {
		t.Errorf("Timeout = %q", cfg.ControlPlane.Timeout)
	}
	if cfg.Applications[0].SpawnSeconds != 300 {
		t.Errorf("SpawnSeconds = %d", cfg.Applications[0].SpawnSeconds)
	}
}

func TestValidateAcceptsValidConfig(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "missing root domain",
			mutate: func(c *Config) { c.Server.RootDomain = "" },
			want:   "root_domain",
		},
		{
			name:   "bad control plane url",
			mutate: func(c *Config) { c.ControlPlane.URL = "not a url" },
			want:   "url",
		},
		{
			name:   "no applications",
			mutate: func(c *Config) { c.Applications = nil },
			want:   "applications",
		},
		{
			name:   "bad app name",
			mutate: func(c *Config) { c.Applications[0].Name = "Jupyter_Lab" },
			want:   "app",
		},
		{
			name:   "bad cidr",
			mutate: func(c *Config) { c.Applications[1].IPAllowlist = []string{"10.0.0.0"} },
			want:   "cidr",
		},
		{
			name:   "short session secret",
			mutate: func(c *Config) { c.Auth.SessionSecret = "short" },
			want:   "session_secret",
		},
		{
			name:   "duplicate application names",
			mutate: func(c *Config) { c.Applications[1].Name = "jupyterlab" },
			want:   "duplicate",
		},
		{
			name:   "bad duration",
			mutate: func(c *Config) { c.ControlPlane.Timeout = "fast" },
			want:   "duration",
		},
		{
			name:   "bad log level",
			mutate: func(c *Config) { c.Log.Level = "verbose" },
			want:   "one of",
		},
		{
			name:   "missing sso client id",
			mutate: func(c *Config) { c.SSO.ClientID = "" },
			want:   "client_id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestDevModeRelaxesSecret(t *testing.T) {
	cfg := validConfig()
	cfg.DevMode = true
	cfg.Auth.SessionSecret = ""
	cfg.SetDevDefaults()

	if cfg.Auth.SessionSecret == "" {
		t.Fatal("dev mode must fill a placeholder session secret")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "text" {
		t.Errorf("dev log config = %+v", cfg.Log)
	}
}

func TestParsedDurations(t *testing.T) {
	cfg := validConfig()
	cfg.ControlPlane.Timeout = "3s"
	cfg.Auth.SessionLifetime = "1h"

	if got := cfg.ControlPlaneTimeout(); got != 3*time.Second {
		t.Errorf("ControlPlaneTimeout = %v", got)
	}
	if got := cfg.SessionLifetime(); got != time.Hour {
		t.Errorf("SessionLifetime = %v", got)
	}

	// Unparseable strings fall back rather than panic; validation catches
	// them before this point in normal operation.
	cfg.ControlPlane.Timeout = "garbage"
	if got := cfg.ControlPlaneTimeout(); got != 5*time.Second {
		t.Errorf("fallback ControlPlaneTimeout = %v", got)
	}
}

func TestAllowlists(t *testing.T) {
	cfg := validConfig()
	lists := cfg.Allowlists()

	if _, ok := lists["jupyterlab"]; ok {
		t.Error("class with no allow-list must be omitted")
	}
	prefixes, ok := lists["pgadmin"]
	if !ok || len(prefixes) != 1 {
		t.Fatalf("pgadmin prefixes = %v", prefixes)
	}
	if !prefixes[0].Contains(netip.MustParseAddr("10.1.2.3")) {
		t.Error("10.0.0.0/8 must contain 10.1.2.3")
	}
}

func TestApplicationLookup(t *testing.T) {
	cfg := validConfig()

	app, ok := cfg.Application("pgadmin")
	if !ok || app.Name != "pgadmin" {
		t.Fatalf("Application(pgadmin) = %+v, %v", app, ok)
	}
	if _, ok := cfg.Application("unknown"); ok {
		t.Error("unknown class must not resolve")
	}
}
