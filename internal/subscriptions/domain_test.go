package subscriptions

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/silverfen/ledgerd/pkg/engine/core"
	"github.com/silverfen/ledgerd/pkg/engine/coordinator"
	"github.com/silverfen/ledgerd/pkg/engine/effect"
	"github.com/silverfen/ledgerd/pkg/engine/lss"
	"github.com/silverfen/ledgerd/pkg/engine/recovery"
	"github.com/stretchr/testify/require"
)

const (
	secondsToWait = 2 * time.Second
	pollInterval  = 10 * time.Millisecond
)

func newTestEngine(t *testing.T, opts Options) (*core.Engine, *lss.Store) {
	t.Helper()
	store, err := lss.Open(filepath.Join(t.TempDir(), "log.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	e := core.NewEngine(store.Writer())
	Register(e, opts)
	return e, store
}

func querySubscriptions(t *testing.T, e *core.Engine) SubscriptionsState {
	t.Helper()
	v, err := e.Query(ViewSubscriptions)
	require.NoError(t, err)
	return v.(SubscriptionsState)
}

// S1: sequential Subscription.Create commands produce sequential ids.
func TestSubscriptionCreateAssignsSequentialIDs(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	c := coordinator.New(e, 8, nil)
	defer c.Stop()

	for i := 0; i < 3; i++ {
		require.NoError(t, c.Submit(func(eng *core.Engine) error {
			return eng.Produce(core.Command{Type: "Subscription.Create"})
		}, nil))
	}

	s := querySubscriptions(t, e)
	require.Equal(t, 4, s.NextID)
	require.Len(t, s.ByID, 3)
	require.Contains(t, s.ByID, 1)
	require.Contains(t, s.ByID, 2)
	require.Contains(t, s.ByID, 3)
}

// S3: assigning members drives the Assignment.Tracker state machine to a
// fixpoint where every member ends up recorded on the subscription.
func TestAssignMembersReachesFixpoint(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	c := coordinator.New(e, 8, nil)
	defer c.Stop()

	require.NoError(t, c.Submit(func(eng *core.Engine) error {
		return eng.Produce(core.Command{Type: "Subscription.Create"})
	}, nil))

	require.NoError(t, c.Submit(func(eng *core.Engine) error {
		return eng.Produce(core.Command{
			Type: "Subscription.Assign.Members",
			Data: map[string]any{"id": 1, "memberIds": []string{"m1", "m2", "m3"}},
		})
	}, nil))

	s := querySubscriptions(t, e)
	require.ElementsMatch(t, []string{"m1", "m2", "m3"}, s.ByID[1].MemberIDs)

	tracker, err := e.Query(ViewAssignmentTracker)
	require.NoError(t, err)
	ts := tracker.(AssignmentTrackerState)
	require.Empty(t, ts.Pending[1])
	require.ElementsMatch(t, []string{"m1", "m2", "m3"}, ts.Completed[1])
	require.Empty(t, ts.Failed[1])
}

// Query supports walking a path of keys into a projection's live state,
// the way a caller would look up one subscription's members by id rather
// than fetching and re-indexing the whole ByID map itself.
func TestQuerySubscriptionPathWalksIntoNestedState(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	c := coordinator.New(e, 8, nil)
	defer c.Stop()

	require.NoError(t, c.Submit(func(eng *core.Engine) error {
		return eng.Produce(core.Command{Type: "Subscription.Create"})
	}, nil))
	require.NoError(t, c.Submit(func(eng *core.Engine) error {
		return eng.Produce(core.Command{
			Type: "Subscription.Assign.Members",
			Data: map[string]any{"id": 1, "memberIds": []string{"m1"}},
		})
	}, nil))

	memberID, err := e.Query(ViewSubscriptions, "ByID", "1", "MemberIDs", "0")
	require.NoError(t, err)
	require.Equal(t, "m1", memberID)

	_, err = e.Query(ViewSubscriptions, "ByID", "999")
	require.ErrorIs(t, err, core.ErrAbsent)

	_, err = e.Query(ViewSubscriptions, "ByID", "1", "MemberIDs", "5")
	require.ErrorIs(t, err, core.ErrAbsent)
}

// S4: a mapper failure rolls the whole transaction back, including any
// partial state a preceding produceOne call in the same transaction may
// have applied.
func TestAssignMembersToUnknownSubscriptionRollsBack(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	c := coordinator.New(e, 8, nil)
	defer c.Stop()

	err := c.Submit(func(eng *core.Engine) error {
		return eng.Produce(core.Command{
			Type: "Subscription.Assign.Members",
			Data: map[string]any{"id": 999, "memberIds": []string{"m1"}},
		})
	}, nil)
	require.Error(t, err)

	s := querySubscriptions(t, e)
	require.Empty(t, s.ByID)
}

// S6: a member whose email keeps failing gets retried up to the cap and
// then dropped from Emails.To.Send, never exceeding MaxEmailAttempts.
func TestEmailRetryCapsAtMaxAttempts(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	c := coordinator.New(e, 8, nil)
	defer c.Stop()

	require.NoError(t, c.Submit(func(eng *core.Engine) error {
		return eng.Produce(core.Command{Type: "Subscription.Create"})
	}, nil))
	require.NoError(t, c.Submit(func(eng *core.Engine) error {
		return eng.Produce(core.Command{
			Type: "Subscription.Assign.Members",
			Data: map[string]any{"id": 1, "memberIds": []string{"m1"}},
		})
	}, nil))

	// Consume Email.Failed MaxEmailAttempts+2 times; once the cap is
	// reached the reducer drops the entry from the projection instead of
	// continuing to increment Attempts, so it must stay absent however
	// many failures are consumed afterward.
	for i := 0; i < MaxEmailAttempts+2; i++ {
		require.NoError(t, c.Submit(func(eng *core.Engine) error {
			return eng.Consume(lss.Event{
				PartitionID: "subscription-1",
				Type:        "Email.Failed",
				Data:        map[string]any{"subscriptionId": 1, "memberId": "m1"},
			})
		}, nil))
	}

	emails, err := e.Query(ViewEmailsToSend)
	require.NoError(t, err)
	list := emails.(EmailsState).List
	require.Empty(t, list)
}

// Open Question 3: a member the mapper declines to assign stays pending
// forever, and the state machine re-emits Member.Assign for it on every
// subsequent dirty pass of the tracker — even one triggered by an
// unrelated subscription. This is documented, expected behavior, not a
// bug this test is pinning for a future fix.
func TestAssignmentTrackerReemitsPendingOnEveryDirtyPass(t *testing.T) {
	attempts := map[string]int{}
	e, _ := newTestEngine(t, Options{
		AcceptMemberAssignment: func(subscriptionID int, memberID string) bool {
			attempts[memberID]++
			return memberID != "stuck"
		},
	})
	c := coordinator.New(e, 8, nil)
	defer c.Stop()

	require.NoError(t, c.Submit(func(eng *core.Engine) error {
		return eng.Produce(core.Command{Type: "Subscription.Create"})
	}, nil))
	require.NoError(t, c.Submit(func(eng *core.Engine) error {
		return eng.Produce(core.Command{Type: "Subscription.Create"})
	}, nil))

	require.NoError(t, c.Submit(func(eng *core.Engine) error {
		return eng.Produce(core.Command{
			Type: "Subscription.Assign.Members",
			Data: map[string]any{"id": 1, "memberIds": []string{"stuck"}},
		})
	}, nil))
	firstPassAttempts := attempts["stuck"]
	require.GreaterOrEqual(t, firstPassAttempts, 1)

	// An unrelated subscription's assignment dirties the same
	// Assignment.Tracker view, which re-triggers the state machine for
	// every still-pending member across the whole tracker, "stuck"
	// included.
	require.NoError(t, c.Submit(func(eng *core.Engine) error {
		return eng.Produce(core.Command{
			Type: "Subscription.Assign.Members",
			Data: map[string]any{"id": 2, "memberIds": []string{"m2"}},
		})
	}, nil))

	require.Greater(t, attempts["stuck"], firstPassAttempts)

	tracker, err := e.Query(ViewAssignmentTracker)
	require.NoError(t, err)
	require.Contains(t, tracker.(AssignmentTrackerState).Pending[1], "stuck")
}

// Recovery must reproduce the exact same folded state as the live run,
// including derived ids and email attempt counts, without re-invoking
// any state machine or effect.
func TestRecoveryReproducesLiveState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")

	store, err := lss.Open(path)
	require.NoError(t, err)
	e1 := core.NewEngine(store.Writer())
	Register(e1, Options{})
	c := coordinator.New(e1, 8, nil)

	require.NoError(t, c.Submit(func(eng *core.Engine) error {
		return eng.Produce(core.Command{Type: "Subscription.Create"})
	}, nil))
	require.NoError(t, c.Submit(func(eng *core.Engine) error {
		return eng.Produce(core.Command{
			Type: "Subscription.Assign.Members",
			Data: map[string]any{"id": 1, "memberIds": []string{"m1"}},
		})
	}, nil))
	c.Stop()
	liveState := querySubscriptions(t, e1)
	require.NoError(t, store.Close())

	store2, err := lss.Open(path)
	require.NoError(t, err)
	defer store2.Close()
	e2 := core.NewEngine(store2.Writer())
	Register(e2, Options{})

	_, err = recovery.Run(e2, store2.Reader())
	require.NoError(t, err)

	recoveredState := querySubscriptions(t, e2)
	require.Equal(t, liveState, recoveredState)
}

// A live effect pool actually invokes the sender and closes the loop back
// through Consume.
func TestEffectDispatchDeliversEmailOnFirstAttempt(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	c := coordinator.New(e, 8, nil)
	defer c.Stop()

	pool := effect.NewPool(2, time.Second, 8)
	RegisterEffects(pool, NoOpSender{})
	pool.Start()
	defer pool.Stop()

	submit := func(cmd core.Command) error {
		return c.Submit(func(eng *core.Engine) error { return eng.Produce(cmd) }, nil)
	}
	consume := func(event lss.Event) error {
		return c.Submit(func(eng *core.Engine) error { return eng.Consume(event) }, nil)
	}
	continuation := func(persisted []lss.Event) {
		pool.Dispatch(persisted, effect.Deps{Query: e.Query, Submit: submit, Consume: consume})
	}

	require.NoError(t, c.Submit(func(eng *core.Engine) error {
		return eng.Produce(core.Command{Type: "Subscription.Create"})
	}, continuation))
	require.NoError(t, c.Submit(func(eng *core.Engine) error {
		return eng.Produce(core.Command{
			Type: "Subscription.Assign.Members",
			Data: map[string]any{"id": 1, "memberIds": []string{"m1"}},
		})
	}, continuation))

	require.Eventually(t, func() bool {
		emails, err := e.Query(ViewEmailsToSend)
		require.NoError(t, err)
		list := emails.(EmailsState).List
		return len(list) == 1 && list[0].Delivered
	}, secondsToWait, pollInterval)
}
