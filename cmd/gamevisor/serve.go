package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/loykin/gamevisor"
	"github.com/loykin/gamevisor/internal/config"
)

// ServeFlags holds flags for the serve command
type ServeFlags struct {
	Daemonize bool
	PidFile   string
	LogFile   string
	NoMetrics bool
}

// createServeCommand creates the serve subcommand
func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the gamevisor daemon",
		Long: `Start the gamevisor daemon. Configuration comes from the TOML file
(--config or the first argument), GAMEVISOR_* environment variables and
built-in defaults, in that order of precedence from last to first.

Examples:
  gamevisor serve                          # defaults, data under ./data
  gamevisor serve /etc/gamevisor.toml
  gamevisor serve --daemonize --pidfile=/run/gamevisor.pid --logfile=/var/log/gamevisor.out`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := globalFlags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("error loading config: %w", err)
			}
			if serveFlags.Daemonize {
				return daemonize(serveFlags.PidFile, serveFlags.LogFile)
			}
			if serveFlags.PidFile != "" {
				if err := writePidFile(serveFlags.PidFile, os.Getpid()); err != nil {
					return fmt.Errorf("write pid file: %w", err)
				}
				defer func() { _ = removePidFile(serveFlags.PidFile) }()
			}
			return runServe(cmd.Context(), cfg, !serveFlags.NoMetrics)
		},
	}
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write the daemon PID to this file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon output to file when daemonized")
	cmd.Flags().BoolVar(&serveFlags.NoMetrics, "no-metrics", false, "do not serve Prometheus metrics")
	return cmd
}

// runServe opens the daemon from cfg and serves the API until ctx is done,
// then shuts the API and the managed servers down.
func runServe(ctx context.Context, cfg *config.Config, withMetrics bool) error {
	d, err := gamevisor.Open(cfg)
	if err != nil {
		return err
	}
	log := d.Logger
	slog.SetDefault(log)
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := d.Close(sctx); err != nil {
			log.Error("daemon shutdown", "error", err)
		}
	}()

	if withMetrics {
		if err := gamevisor.RegisterMetricsDefault(); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
	}
	if err := d.Manager.Start(ctx); err != nil {
		return err
	}
	srv, err := d.NewHTTPServer(withMetrics)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("api listening", "addr", cfg.Server.Listen, "base_path", cfg.Server.BasePath, "tls", srv.TLSConfig != nil)
		if srv.TLSConfig != nil {
			errCh <- srv.ListenAndServeTLS("", "")
		} else {
			errCh <- srv.ListenAndServe()
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case serveErr = <-errCh:
		if errors.Is(serveErr, http.ErrServerClosed) {
			serveErr = nil
		}
	}
	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn("api shutdown", "error", err)
	}
	return serveErr
}
