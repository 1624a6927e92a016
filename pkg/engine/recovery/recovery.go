// Package recovery drives the replay-only startup path: fold the entire
// log into a fresh engine's projections without ever invoking a mapper or
// a state machine, so recovery can never re-issue an effect that already
// fired before the crash.
package recovery

import (
	"log/slog"
	"time"

	"github.com/silverfen/ledgerd/pkg/engine/core"
	"github.com/silverfen/ledgerd/pkg/engine/lss"
)

// Result reports what recovery observed, for logging and metrics.
type Result struct {
	EventsReplayed int
	LastOrderID    int64
	Duration       time.Duration
}

// Run replays every event in reader, in orderId order, into engine via
// core.Engine.ReplayEvent. It must be called before the engine is handed
// to a coordinator, since ReplayEvent bypasses the transaction machinery
// entirely (there is nothing to commit — the events are already durable).
func Run(engine *core.Engine, reader *lss.Reader) (Result, error) {
	start := time.Now()

	events, err := reader.PhysicalRead(0)
	if err != nil {
		return Result{}, err
	}

	var lastOrderID int64
	for _, e := range events {
		engine.ReplayEvent(e)
		lastOrderID = e.OrderID
	}

	res := Result{
		EventsReplayed: len(events),
		LastOrderID:    lastOrderID,
		Duration:       time.Since(start),
	}
	slog.Info("recovery: replay complete", "events", res.EventsReplayed, "lastOrderId", res.LastOrderID, "duration", res.Duration)
	return res, nil
}
