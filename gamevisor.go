// Package gamevisor embeds the game server supervisor: load a Config, Open a
// Daemon, Start its Manager and serve its HTTP API.
package gamevisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/gamevisor/internal/config"
	"github.com/loykin/gamevisor/internal/event"
	hfactory "github.com/loykin/gamevisor/internal/history/factory"
	"github.com/loykin/gamevisor/internal/logger"
	"github.com/loykin/gamevisor/internal/manager"
	"github.com/loykin/gamevisor/internal/metrics"
	"github.com/loykin/gamevisor/internal/model"
	"github.com/loykin/gamevisor/internal/server"
	sfactory "github.com/loykin/gamevisor/internal/store/factory"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = config.Config

type Manager = manager.Manager

type Server = model.ServerRecord

type ServerPatch = model.ServerPatch

type Backup = model.BackupRecord

type Schedule = model.ScheduleRecord

type Runtime = manager.Runtime

type Event = event.Event

type Topic = event.Topic

// LoadConfig reads a TOML file (empty path for defaults) with GAMEVISOR_*
// environment overrides.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// DefaultServer returns a server definition with every default applied.
func DefaultServer(id, name string) Server { return model.DefaultServer(id, name) }

// Daemon owns the logger, record store, history sinks and Manager built from
// a Config.
type Daemon struct {
	Config  *Config
	Manager *Manager
	Logger  *slog.Logger

	closers []io.Closer
}

// Open wires a Daemon from cfg. The Manager is not started; call
// d.Manager.Start and release everything with Close.
func Open(cfg *Config) (*Daemon, error) {
	d := &Daemon{Config: cfg}
	log, logCloser, err := logger.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	d.Logger = log
	d.closers = append(d.closers, logCloser)

	st, err := sfactory.NewFromDSN(cfg.Store.DSN)
	if err != nil {
		d.closeAll()
		return nil, fmt.Errorf("open store: %w", err)
	}
	d.closers = append(d.closers, st)

	opts := []manager.Option{manager.WithLogger(log)}
	if len(cfg.History.DSNs) > 0 {
		sinks, err := hfactory.NewSinks(cfg.History.DSNs)
		if err != nil {
			d.closeAll()
			return nil, fmt.Errorf("open history sinks: %w", err)
		}
		d.closers = append(d.closers, sinks)
		opts = append(opts, manager.WithHistorySink(sinks))
	}

	mcfg, err := cfg.ManagerConfig()
	if err != nil {
		d.closeAll()
		return nil, err
	}
	if d.Manager, err = manager.New(mcfg, st, opts...); err != nil {
		d.closeAll()
		return nil, err
	}
	return d, nil
}

// Handler returns the HTTP API rooted at the configured base path.
func (d *Daemon) Handler(withMetrics bool) http.Handler {
	return server.NewRouter(d.Manager, d.Config.Server.BasePath,
		server.WithLogger(d.Logger), server.WithMetrics(withMetrics)).Handler()
}

// NewHTTPServer builds the API server for the configured listen address and
// TLS settings. Use ListenAndServeTLS("", "") when TLSConfig is set.
func (d *Daemon) NewHTTPServer(withMetrics bool) (*http.Server, error) {
	return server.NewServer(d.Config.Server, d.Manager,
		server.WithLogger(d.Logger), server.WithMetrics(withMetrics))
}

// Close stops every server and releases the store, sinks and log file.
func (d *Daemon) Close(ctx context.Context) error {
	var errs []error
	if d.Manager != nil {
		errs = append(errs, d.Manager.Shutdown(ctx))
	}
	errs = append(errs, d.closeAll())
	return errors.Join(errs...)
}

func (d *Daemon) closeAll() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		errs = append(errs, d.closers[i].Close())
	}
	d.closers = nil
	return errors.Join(errs...)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
