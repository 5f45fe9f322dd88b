package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/consult/internal/config"
	"github.com/zulandar/consult/internal/db"
	"github.com/zulandar/consult/internal/engine"
	"github.com/zulandar/consult/internal/logging"
	"github.com/zulandar/consult/internal/metrics"
	"github.com/zulandar/consult/internal/resume"
	"github.com/zulandar/consult/internal/store"
	"github.com/zulandar/consult/internal/stream"
	"github.com/zulandar/consult/internal/transport"
	"github.com/zulandar/consult/internal/voice"
	"go.uber.org/zap"
)

// storage is the opened active-session backend.
type storage struct {
	kv      store.KV
	pruner  store.Pruner
	journal engine.Journal
	close   func() error
}

// openStorage opens the store named by cfg. SQL drivers are migrated and
// also back the turn journal.
func openStorage(cfg config.StoreConfig) (*storage, error) {
	noop := func() error { return nil }
	switch cfg.Driver {
	case config.StoreSQLite, config.StoreMySQL:
		dsn := cfg.Path
		if cfg.Driver == config.StoreMySQL {
			dsn = cfg.DSN
		}
		gormDB, err := db.Connect(cfg.Driver, dsn)
		if err != nil {
			return nil, err
		}
		if err := db.AutoMigrate(gormDB); err != nil {
			return nil, err
		}
		kv, err := store.NewSQL(gormDB)
		if err != nil {
			return nil, err
		}
		journal, err := db.NewJournal(gormDB)
		if err != nil {
			return nil, err
		}
		closeFn := noop
		if sqlDB, err := gormDB.DB(); err == nil {
			closeFn = sqlDB.Close
		}
		return &storage{kv: kv, pruner: kv, journal: journal, close: closeFn}, nil
	case config.StoreRedis:
		r, err := store.NewRedis(store.RedisOpts{URL: cfg.URL, TTL: cfg.Retention()})
		if err != nil {
			return nil, err
		}
		return &storage{kv: r, close: r.Close}, nil
	case config.StoreFile:
		f, err := store.NewFile(cfg.Path)
		if err != nil {
			return nil, err
		}
		return &storage{kv: f, pruner: f, close: noop}, nil
	case config.StoreMemory:
		m := store.NewMemory(cfg.Retention())
		return &storage{kv: m, pruner: m, close: noop}, nil
	}
	return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
}

// app is a fully wired orchestrator with its dependencies.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	storage *storage
	resume  *resume.Manager
	metrics *metrics.Metrics
	orch    *engine.Orchestrator
}

// loadConfig loads the config file and builds the logger. Console output
// goes to stderr, and only when console is set.
func loadConfig(cmd *cobra.Command, configPath string, debug, console bool) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger := logging.New(logging.Options{
		File:       cfg.Logging.File,
		Production: cfg.Logging.Production,
		Debug:      debug || cfg.Logging.Debug,
		Console:    consoleSink(cmd.ErrOrStderr(), console),
	})
	return cfg, logger, nil
}

// consoleSink returns io.Discard when console logging is off. The file
// core still records everything.
func consoleSink(w io.Writer, enabled bool) io.Writer {
	if enabled {
		return w
	}
	return io.Discard
}

func openResume(cfg *config.Config, logger *zap.Logger) (*storage, *resume.Manager, error) {
	st, err := openStorage(cfg.Store)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	mgr, err := resume.NewManager(resume.ManagerOpts{Store: st.kv, Logger: logger})
	if err != nil {
		st.close()
		return nil, nil, err
	}
	return st, mgr, nil
}

func newTransport(cfg config.BackendConfig, logger *zap.Logger) (stream.Transport, error) {
	if cfg.Transport == config.TransportWebSocket {
		return transport.NewWebSocket(transport.WebSocketOpts{BaseURL: cfg.BaseURL, Token: cfg.APIToken, Logger: logger})
	}
	return transport.NewSSE(transport.SSEOpts{BaseURL: cfg.BaseURL, Token: cfg.APIToken, Logger: logger})
}

// newApp wires storage, the backend client, the transport and the
// orchestrator from cfg.
func newApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	st, mgr, err := openResume(cfg, logger)
	if err != nil {
		return nil, err
	}
	client, err := transport.NewClient(transport.ClientOpts{
		BaseURL: cfg.Backend.BaseURL,
		Token:   cfg.Backend.APIToken,
		Logger:  logger,
	})
	if err != nil {
		st.close()
		return nil, err
	}
	tr, err := newTransport(cfg.Backend, logger)
	if err != nil {
		st.close()
		return nil, err
	}
	m := metrics.New("consult")
	orch, err := engine.New(engine.Opts{
		Transport: tr,
		History:   client,
		Backend:   client,
		Resume:    mgr,
		Monitor: voice.MonitorOpts{
			EnergyThreshold: cfg.Voice.EnergyThreshold,
			Sustain:         cfg.Voice.Sustain(),
			PartialBargeIn:  cfg.Voice.PartialBargeInEnabled(),
			MinPartialChars: cfg.Voice.MinPartialChars,
		},
		HistoryLimit:  cfg.Backend.HistoryLimit,
		FallbackReply: cfg.Engine.FallbackReply,
		Summary: engine.SummaryPolicy{
			MinMessages:     cfg.Summary.MinMessages,
			MinUserMessages: cfg.Summary.MinUserMessages,
		},
		ErrorRecovery: cfg.Engine.ErrorRecovery(),
		Journal:       st.journal,
		Metrics:       m,
		Logger:        logger,
	})
	if err != nil {
		st.close()
		return nil, err
	}
	return &app{cfg: cfg, logger: logger, storage: st, resume: mgr, metrics: m, orch: orch}, nil
}

// newPruner returns nil when the store expires records on its own.
func (a *app) newPruner() (*resume.Pruner, error) {
	if a.storage.pruner == nil {
		return nil, nil
	}
	return resume.NewPruner(resume.PrunerOpts{
		Store:     a.storage.pruner,
		Schedule:  a.cfg.Store.PruneSchedule,
		Retention: a.cfg.Store.Retention(),
		Logger:    a.logger,
	})
}

func (a *app) Close() error {
	err := a.orch.Close()
	if cerr := a.storage.close(); err == nil {
		err = cerr
	}
	_ = a.logger.Sync()
	return err
}

// initTimeout bounds session initialization at startup.
const initTimeout = 30 * time.Second

func initContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, initTimeout)
}
