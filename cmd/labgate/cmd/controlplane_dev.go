package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/datalab-hq/labgate/internal/controlsim"
)

var (
	simAddr       string
	simDBPath     string
	simSpawnDelay time.Duration
	simBackend    string
)

var controlPlaneDevCmd = &cobra.Command{
	Use:   "controlplane-dev",
	Short: "Run a local control-plane simulator",
	Long: `Run a development stand-in for the instance control plane.

It serves the /applications API the proxy talks to, backed by a local
SQLite file, and reports every instance RUNNING at --backend after
--spawn-delay. Point any local HTTP app (a plain JupyterLab container
works) at that address and run the proxy against it:

  labgate controlplane-dev --backend http://127.0.0.1:8888 &
  LABGATE_CONTROL_PLANE_URL=http://127.0.0.1:8901 labgate serve --dev`,
	RunE: runControlPlaneDev,
}

func init() {
	controlPlaneDevCmd.Flags().StringVar(&simAddr, "addr", "127.0.0.1:8901", "listen address")
	controlPlaneDevCmd.Flags().StringVar(&simDBPath, "db", "./controlsim.db", "SQLite database path")
	controlPlaneDevCmd.Flags().DurationVar(&simSpawnDelay, "spawn-delay", 10*time.Second, "time an instance stays SPAWNING")
	controlPlaneDevCmd.Flags().StringVar(&simBackend, "backend", "http://127.0.0.1:8888", "backend address reported for running instances")
	rootCmd.AddCommand(controlPlaneDevCmd)
}

func runControlPlaneDev(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	sim, err := controlsim.New(controlsim.Config{
		DBPath:         simDBPath,
		SpawnDelay:     simSpawnDelay,
		BackendAddress: simBackend,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to start simulator: %w", err)
	}
	defer sim.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := &http.Server{
		Addr:              simAddr,
		Handler:           sim.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("control-plane simulator listening", "addr", simAddr, "db", simDBPath)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
