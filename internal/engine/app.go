// Package engine wires the reusable pkg/engine components and the
// internal/subscriptions domain into one runnable application: store,
// functional core, coordinator, and effect pool behind one constructor.
package engine

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/silverfen/ledgerd/internal/config"
	"github.com/silverfen/ledgerd/internal/metrics"
	"github.com/silverfen/ledgerd/internal/subscriptions"
	"github.com/silverfen/ledgerd/pkg/engine/core"
	"github.com/silverfen/ledgerd/pkg/engine/coordinator"
	"github.com/silverfen/ledgerd/pkg/engine/effect"
	"github.com/silverfen/ledgerd/pkg/engine/lss"
	"github.com/silverfen/ledgerd/pkg/engine/recovery"
)

// App is a fully wired engine instance: store, functional core,
// coordinator, and effect pool, recovered from its log on Open.
type App struct {
	cfg   config.Config
	store *lss.Store
	eng   *core.Engine
	coord *coordinator.Coordinator
	pool  *effect.Pool
	metr  *metrics.Collector
}

// Open opens the store at cfg.DatabaseURL, replays it, registers the
// subscriptions domain, and starts the coordinator and effect pool.
func Open(cfg config.Config) (*App, error) {
	store, err := lss.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("engine: open store: %w", err)
	}

	eng := core.NewEngine(store.Writer())
	subscriptions.Register(eng, subscriptions.Options{})

	result, err := recovery.Run(eng, store.Reader())
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("engine: recovery: %w", err)
	}
	slog.Info("engine: recovered", "events", result.EventsReplayed, "duration", result.Duration)

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
		collector.SetRecoveryTime(result.Duration.Seconds())
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				slog.Error("engine: metrics server stopped", "error", err)
			}
		}()
	}

	coord := coordinator.New(eng, cfg.Coordinator.QueueSize, func(err error) {
		slog.Error("engine: fatal storage error, process must terminate", "error", err)
		os.Exit(1)
	})

	pool := effect.NewPool(cfg.Effect.Workers, cfg.Effect.Timeout, cfg.Effect.Buffer)
	var sender subscriptions.Sender = subscriptions.NoOpSender{}
	if cfg.SendGridAPIKey != "" {
		sender = sendGridSender{apiKey: cfg.SendGridAPIKey}
	}
	subscriptions.RegisterEffects(pool, sender)
	pool.Start()

	app := &App{cfg: cfg, store: store, eng: eng, coord: coord, pool: pool, metr: collector}
	return app, nil
}

// runTransaction is the shared low-level entry point every command and
// consumed fact goes through: run critical against the coordinator,
// record metrics on commit or rollback, and hand persisted events to the
// effect pool.
func (a *App) runTransaction(critical coordinator.CriticalSection) error {
	start := time.Now()

	// Effect callbacks read projections through the coordinator so their
	// queries never race a running critical section.
	query := func(path ...string) (any, error) {
		var state any
		var queryErr error
		if err := a.coord.Submit(func(eng *core.Engine) error {
			state, queryErr = eng.Query(path...)
			return nil
		}, nil); err != nil {
			return nil, err
		}
		return state, queryErr
	}

	err := a.coord.Submit(critical, func(persisted []lss.Event) {
		if a.metr != nil && len(persisted) > 0 {
			a.metr.RecordCommit(len(persisted), time.Since(start).Seconds(), persisted[len(persisted)-1].OrderID)
		}
		a.pool.Dispatch(persisted, effect.Deps{Query: query, Submit: a.submitAsCommand, Consume: a.consumeFact})
	})
	if err != nil && a.metr != nil {
		a.metr.RecordRollback()
	}
	return err
}

// submit maps a command through the engine: the ordinary path for
// caller-originated commands.
func (a *App) submit(cmdType string, data map[string]any) error {
	cmd := core.Command{Type: cmdType, Data: data}
	return a.runTransaction(func(eng *core.Engine) error {
		return eng.Produce(cmd)
	})
}

func (a *App) submitAsCommand(cmd core.Command) error {
	return a.submit(cmd.Type, cmd.Data)
}

// consumeFact folds an already-formed, externally-sourced event straight
// into the engine, bypassing any mapper — the path for facts like an
// email delivery outcome that originate outside the engine.
func (a *App) consumeFact(event lss.Event) error {
	return a.runTransaction(func(eng *core.Engine) error {
		return eng.Consume(event)
	})
}

// SubmitCommand is the CLI-facing entry point.
func (a *App) SubmitCommand(cmdType string, data map[string]any) error {
	return a.submit(cmdType, data)
}

// QueryView reads a projection's current folded state.
func (a *App) QueryView(viewID string) (any, error) {
	return a.eng.Query(viewID)
}

// Close stops the coordinator and effect pool and closes the store.
func (a *App) Close() error {
	a.coord.Stop()
	a.pool.Stop()
	return a.store.Close()
}
