package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"

	"github.com/silverfen/ledgerd/internal/subscriptions"
	"github.com/silverfen/ledgerd/pkg/engine/core"
	"github.com/silverfen/ledgerd/pkg/engine/coordinator"
	"github.com/silverfen/ledgerd/pkg/engine/lss"
	"github.com/silverfen/ledgerd/pkg/engine/recovery"
)

// SelfCheck runs the transaction engine's acceptance scenarios against a
// throwaway store: sequential id assignment, fixpoint convergence,
// rollback-on-mapper-failure, the email retry cap, recovery determinism
// from a log with no in-flight commands, and a fatal storage error
// followed by exact state restoration on restart. It never touches the
// caller's configured DatabaseURL.
func SelfCheck() error {
	dir, err := os.MkdirTemp("", "ledgerd-selfcheck-*")
	if err != nil {
		return fmt.Errorf("self-check: %w", err)
	}
	defer os.RemoveAll(dir)
	logPath := filepath.Join(dir, "log.jsonl")

	store, err := lss.Open(logPath)
	if err != nil {
		return fmt.Errorf("self-check: open store: %w", err)
	}
	defer store.Close()

	eng := core.NewEngine(store.Writer())
	subscriptions.Register(eng, subscriptions.Options{})
	coord := coordinator.New(eng, 8, nil)
	defer coord.Stop()

	submit := func(cmd core.Command) error {
		return coord.Submit(func(e *core.Engine) error { return e.Produce(cmd) }, nil)
	}
	consume := func(event lss.Event) error {
		return coord.Submit(func(e *core.Engine) error { return e.Consume(event) }, nil)
	}

	// Sequential id assignment.
	for i := 0; i < 3; i++ {
		if err := submit(core.Command{Type: "Subscription.Create"}); err != nil {
			return fmt.Errorf("self-check: create subscription %d: %w", i, err)
		}
	}
	state, err := eng.Query(subscriptions.ViewSubscriptions)
	if err != nil {
		return fmt.Errorf("self-check: query subscriptions: %w", err)
	}
	subs := state.(subscriptions.SubscriptionsState)
	if subs.NextID != 4 || len(subs.ByID) != 3 {
		return fmt.Errorf("self-check: expected 3 subscriptions with NextID 4, got NextID=%d len=%d", subs.NextID, len(subs.ByID))
	}

	// Fixpoint convergence: assigning members clears the tracker's
	// pending set within the same Submit call.
	err = submit(core.Command{
		Type: "Subscription.Assign.Members",
		Data: map[string]any{"id": 1, "memberIds": []string{"m1", "m2"}},
	})
	if err != nil {
		return fmt.Errorf("self-check: assign members: %w", err)
	}
	trackerState, err := eng.Query(subscriptions.ViewAssignmentTracker)
	if err != nil {
		return fmt.Errorf("self-check: query tracker: %w", err)
	}
	if len(trackerState.(subscriptions.AssignmentTrackerState).Pending[1]) != 0 {
		return fmt.Errorf("self-check: assignment tracker did not reach a fixpoint")
	}

	// Rollback on mapper failure: an unknown subscription must leave no
	// trace behind.
	err = submit(core.Command{
		Type: "Subscription.Assign.Members",
		Data: map[string]any{"id": 999, "memberIds": []string{"ghost"}},
	})
	if err == nil {
		return fmt.Errorf("self-check: expected assigning members to an unknown subscription to fail")
	}

	// Email retry cap: MaxEmailAttempts+2 consumed failures must drop the
	// notification from the projection entirely, never just flag it.
	for i := 0; i < subscriptions.MaxEmailAttempts+2; i++ {
		err := consume(lss.Event{
			PartitionID: "subscription-1",
			Type:        "Email.Failed",
			Data:        map[string]any{"subscriptionId": 1, "memberId": "m1"},
		})
		if err != nil {
			return fmt.Errorf("self-check: consume email failure %d: %w", i, err)
		}
	}
	emailState, err := eng.Query(subscriptions.ViewEmailsToSend)
	if err != nil {
		return fmt.Errorf("self-check: query emails: %w", err)
	}
	for _, n := range emailState.(subscriptions.EmailsState).List {
		if n.SubscriptionID == 1 && n.MemberID == "m1" {
			return fmt.Errorf("self-check: expected m1 dropped from Emails.To.Send at the retry cap, still present: %+v", n)
		}
	}

	// Recovery determinism: reopening the same log with no further
	// commands must reproduce the exact projection state just reached.
	preRecoverySubs, err := eng.Query(subscriptions.ViewSubscriptions)
	if err != nil {
		return fmt.Errorf("self-check: query subscriptions before recovery: %w", err)
	}
	if err := store.Close(); err != nil {
		return fmt.Errorf("self-check: close store before reopen: %w", err)
	}

	reopened, err := lss.Open(logPath)
	if err != nil {
		return fmt.Errorf("self-check: reopen store: %w", err)
	}
	defer reopened.Close()

	recoveredEngine := core.NewEngine(reopened.Writer())
	subscriptions.Register(recoveredEngine, subscriptions.Options{})
	if _, err := recovery.Run(recoveredEngine, reopened.Reader()); err != nil {
		return fmt.Errorf("self-check: recover reopened log: %w", err)
	}
	recoveredSubs, err := recoveredEngine.Query(subscriptions.ViewSubscriptions)
	if err != nil {
		return fmt.Errorf("self-check: query subscriptions after recovery: %w", err)
	}
	if !reflect.DeepEqual(preRecoverySubs, recoveredSubs) {
		return fmt.Errorf("self-check: recovery did not reproduce pre-reopen state: before=%+v after=%+v", preRecoverySubs, recoveredSubs)
	}

	// Fatal storage error: a commit against a closed store must stop the
	// coordinator, and recovering from the same (unmodified) log
	// afterward must still reproduce exactly the last committed state,
	// since nothing from the failed attempt was ever durably appended.
	preFailureSubs := recoveredSubs
	recoveredCoord := coordinator.New(recoveredEngine, 8, func(error) {})
	defer recoveredCoord.Stop()
	if err := reopened.Close(); err != nil {
		return fmt.Errorf("self-check: close store to induce failure: %w", err)
	}
	err = recoveredCoord.Submit(func(e *core.Engine) error {
		return e.Produce(core.Command{Type: "Subscription.Create"})
	}, nil)
	if err == nil {
		return fmt.Errorf("self-check: expected a commit against a closed store to fail")
	}

	restarted, err := lss.Open(logPath)
	if err != nil {
		return fmt.Errorf("self-check: reopen store after fatal error: %w", err)
	}
	defer restarted.Close()

	restartedEngine := core.NewEngine(restarted.Writer())
	subscriptions.Register(restartedEngine, subscriptions.Options{})
	if _, err := recovery.Run(restartedEngine, restarted.Reader()); err != nil {
		return fmt.Errorf("self-check: recover after fatal error: %w", err)
	}
	restartedSubs, err := restartedEngine.Query(subscriptions.ViewSubscriptions)
	if err != nil {
		return fmt.Errorf("self-check: query subscriptions after restart: %w", err)
	}
	if !reflect.DeepEqual(preFailureSubs, restartedSubs) {
		return fmt.Errorf("self-check: recovery after a fatal storage error did not reproduce pre-failure state: before=%+v after=%+v", preFailureSubs, restartedSubs)
	}

	return nil
}
