package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/awnumar/memguard"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/ironcard/agent"
	"github.com/jmcleod/ironcard/config"
	"github.com/jmcleod/ironcard/scd"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Serve card operations on a Unix domain socket",
	Long: `Starts the card agent. Clients connect to the configured socket and
issue card commands; the smartcard daemon is started on first use and
restarted whenever it exits.

SIGUSR1 logs the daemon and session state.`,
	RunE: runAgent,
}

func init() {
	rootCmd.AddCommand(agentCmd)
}

// supervisorOptions maps the card daemon settings to supervisor options.
func supervisorOptions(c config.ScdaemonConfig, l *slog.Logger) []scd.Option {
	return []scd.Option{
		scd.WithProgram(c.Program),
		scd.WithHomeDir(c.HomeDir),
		scd.WithDisabled(c.Disable),
		scd.WithEventSignal(c.EventSignal),
		scd.WithUseAuth(c.UseAuth),
		scd.WithLogger(l),
	}
}

func newMetricsServer(addr string, srv *agent.Server) *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Mount("/", srv.HTTPHandler())

	return &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func runAgent(cmd *cobra.Command, args []string) error {
	defer memguard.Purge()

	mode, err := cfg.Agent.FileMode()
	if err != nil {
		return err
	}

	sup := scd.New(supervisorOptions(cfg.Scdaemon, logger)...)
	srv := agent.New(sup, agent.WithLogger(logger), agent.WithVersion(Version))
	if err := srv.Listen(cfg.Agent.Socket, mode); err != nil {
		return err
	}
	defer srv.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx) }()

	var metricsServer *http.Server
	metricsErr := make(chan error, 1)
	if cfg.Agent.MetricsListen != "" {
		metricsServer = newMetricsServer(cfg.Agent.MetricsListen, srv)
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				metricsErr <- fmt.Errorf("metrics server failed: %w", err)
			}
		}()
	}

	printBanner()
	fmt.Printf("Listening on %s...\n", cfg.Agent.Socket)
	if metricsServer != nil {
		fmt.Printf("Metrics on http://%s/metrics\n", cfg.Agent.MetricsListen)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, agentSignals...)
	defer signal.Stop(quit)

	var runErr error
loop:
	for {
		select {
		case sig := <-quit:
			if isDumpSignal(sig) {
				sup.DumpState()
				continue
			}
			fmt.Printf("\nReceived %s, shutting down...\n", sig)
			break loop
		case err := <-served:
			runErr = err
			served = nil
			break loop
		case err := <-metricsErr:
			runErr = err
			break loop
		}
	}

	cancel()
	if served != nil {
		if err := <-served; err != nil && runErr == nil {
			runErr = err
		}
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.Scdaemon.StopTimeout)
	defer stop()
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown failed", slog.Any("error", err))
		}
	}
	if err := sup.Close(shutdownCtx); err != nil {
		logger.Warn("stopping card daemon", slog.Any("error", err))
	}
	return runErr
}
