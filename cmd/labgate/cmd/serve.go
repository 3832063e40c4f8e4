package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/datalab-hq/labgate/internal/adapter/inbound/gateway"
	"github.com/datalab-hq/labgate/internal/adapter/outbound/controlplane"
	"github.com/datalab-hq/labgate/internal/adapter/outbound/sso"
	"github.com/datalab-hq/labgate/internal/config"
	"github.com/datalab-hq/labgate/internal/domain/authgate"
	"github.com/datalab-hq/labgate/internal/domain/lifecycle"
	"github.com/datalab-hq/labgate/internal/domain/session"
)

var devMode bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the proxy",
	Long: `Start the labgate proxy.

The proxy listens on server.listen_addr for all application hosts under
server.root_domain. Point a wildcard DNS record and the fronting load
balancer at this listener. Prometheus metrics are served on
server.internal_addr, away from user traffic.

Examples:
  # Start with config file settings
  labgate serve

  # Start with a specific config file
  labgate --config /path/to/labgate.yaml serve

  # Local development against the control-plane simulator
  labgate serve --dev`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (debug logging, relaxed validation)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if devMode {
		cfg.DevMode = true
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	logger := buildLogger(cfg)
	if file := config.ConfigFileUsed(); file != "" {
		logger.Info("loaded config", "file", file)
	}
	if cfg.DevMode {
		logger.Warn("dev mode enabled; not for production use")
	}

	// stop() restores default signal handling so a second Ctrl+C does a
	// hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stop()
	}()

	codec := session.NewCodec([]byte(cfg.Auth.SessionSecret), cfg.SessionLifetime())
	ssoClient := sso.NewClient(
		cfg.SSO.AuthorizeURL,
		cfg.SSO.TokenURL,
		cfg.SSO.UserInfoURL,
		cfg.SSO.ClientID,
		cfg.SSO.ClientSecret,
	)
	stateClient := controlplane.NewClient(cfg.ControlPlane.URL, cfg.ControlPlane.APIToken, cfg.ControlPlaneTimeout())
	resolver := lifecycle.NewResolver(stateClient, logger)
	gate := authgate.NewGate(codec, ssoClient, cfg.Allowlists(), cfg.Auth.XFFDepth)

	pages, err := gateway.NewPages()
	if err != nil {
		return fmt.Errorf("failed to parse page templates: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := gateway.NewMetrics(registry)

	health := gateway.NewHealthChecker(Version)
	relay := gateway.NewRelay(metrics)
	handler := gateway.NewHandler(cfg, gate, codec, ssoClient, resolver, relay, pages, health, metrics, logger)

	transport := gateway.NewTransport(
		cfg.Server.ListenAddr, handler, metrics, registry, health, logger,
		gateway.WithInternalAddr(cfg.Server.InternalAddr),
		gateway.WithShutdownTimeout(cfg.ShutdownTimeout()),
	)

	logger.Info("labgate starting",
		"root_domain", cfg.Server.RootDomain,
		"control_plane", cfg.ControlPlane.URL,
		"applications", len(cfg.Applications),
	)
	if err := transport.Start(ctx); err != nil {
		return err
	}

	logger.Info("labgate stopped")
	return nil
}

// buildLogger configures slog output per the log section. Dev mode forces
// readable text at debug level.
func buildLogger(cfg *config.Config) *slog.Logger {
	level := parseLogLevel(cfg.Log.Level)
	if cfg.DevMode {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Log.Format == "text" || cfg.DevMode {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
