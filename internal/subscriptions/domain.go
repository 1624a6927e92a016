// Package subscriptions is the concrete application wired on top of
// pkg/engine: subscriptions gain members, member assignment fans out an
// email per member, and failed sends retry up to a fixed cap. It exercises
// every operation the engine defines: commands, consumed facts, views,
// and state machines all have a component here.
package subscriptions

import (
	"fmt"

	"github.com/silverfen/ledgerd/pkg/engine/core"
	"github.com/silverfen/ledgerd/pkg/engine/lss"
)

const (
	ViewSubscriptions    = "Subscriptions"
	ViewAssignmentTracker = "Assignment.Tracker"
	ViewEmailsToSend     = "Emails.To.Send"

	// MaxEmailAttempts is the retry cap named by the worked scenario:
	// after the 10th failed attempt an email is dropped from
	// Emails.To.Send rather than retried again.
	MaxEmailAttempts = 10
)

// Subscription is one aggregate root: an id and the members confirmed
// assigned to it so far.
type Subscription struct {
	ID        int
	MemberIDs []string
}

// SubscriptionsState is the ChangeState mapper-facing projection. NextID
// is derived purely by folding Subscription.Created events (Open Question
// 1): Map never allocates an id itself, so replaying the log always
// reproduces the same ids a live run assigned.
type SubscriptionsState struct {
	NextID int
	ByID   map[int]Subscription
}

// AssignmentTrackerState is the ViewState a state machine watches: for
// each subscription, which member ids have been asked for but not yet
// confirmed assigned (Pending), which have been confirmed (Completed),
// and which were declined by Options.AcceptMemberAssignment at least
// once (Failed). A declined member stays in Pending too — decline is not
// final, see registerAssignmentTracker's StateMachine doc — so a member
// id can appear in both Pending and Failed at once.
type AssignmentTrackerState struct {
	Pending   map[int][]string
	Completed map[int][]string
	Failed    map[int][]string
}

// EmailNotification tracks one member's assignment email through send
// attempts and capped retries, up to delivery or the retry cap. Once
// dropped at the cap it is removed from EmailsState.List entirely rather
// than flagged, so "still in the list" is the only signal callers need.
type EmailNotification struct {
	SubscriptionID int
	MemberID       string
	Attempts       int
	Delivered      bool
}

// EmailsState is the Emails.To.Send projection. Its reducer appends to
// state.List, never assigns over state itself — List is a named field
// rather than EmailsState's own top-level type so that a reducer
// accidentally writing `state = append(state, note)` against the whole
// projection isn't even representable.
type EmailsState struct {
	List []EmailNotification
}

// Options lets callers customize the one non-deterministic-looking
// decision in this domain: whether an individual member assignment is
// accepted. Defaults to always accepting. Tests use this hook to force
// the "member assignment declined" case that
// TestAssignmentTrackerReemitsPendingOnEveryDirtyPass exercises.
type Options struct {
	AcceptMemberAssignment func(subscriptionID int, memberID string) bool
}

func (o Options) accept(subscriptionID int, memberID string) bool {
	if o.AcceptMemberAssignment == nil {
		return true
	}
	return o.AcceptMemberAssignment(subscriptionID, memberID)
}

// Register wires every ChangeState, ViewState, and StateMachine this
// domain needs onto engine.
func Register(engine *core.Engine, opts Options) {
	registerSubscriptions(engine)
	registerMemberAssignments(engine, opts)
	registerAssignmentTracker(engine)
	registerEmailsToSend(engine)
}

func registerSubscriptions(engine *core.Engine) {
	engine.RegisterChangeState(core.ChangeStateSpec{
		ViewID: ViewSubscriptions,
		CommandTypes: []string{
			"Subscription.Create",
			"Subscription.Assign.Members",
		},
		InitialState: SubscriptionsState{NextID: 1, ByID: map[int]Subscription{}},
		Map:          mapSubscriptionCommand,
		Reduce:       reduceSubscriptions,
	})
}

func mapSubscriptionCommand(cmd core.Command, state any) ([]core.ProducedEvent, error) {
	s := state.(SubscriptionsState)

	switch cmd.Type {
	case "Subscription.Create":
		return []core.ProducedEvent{{
			PartitionID: fmt.Sprintf("subscription-%d", s.NextID),
			Type:        "Subscription.Created",
			Data:        map[string]any{"id": s.NextID},
		}}, nil

	case "Subscription.Assign.Members":
		id := asInt(cmd.Data["id"])
		if _, ok := s.ByID[id]; !ok {
			return nil, fmt.Errorf("subscription %d does not exist", id)
		}
		memberIDs := asStringSlice(cmd.Data["memberIds"])
		return []core.ProducedEvent{{
			PartitionID: fmt.Sprintf("subscription-%d", id),
			Type:        "Subscription.Members.Assigned",
			Data:        map[string]any{"id": id, "memberIds": memberIDs},
		}}, nil

	default:
		return nil, fmt.Errorf("unhandled command type %q", cmd.Type)
	}
}

func reduceSubscriptions(state any, event lss.Event) any {
	s := state.(SubscriptionsState)

	switch event.Type {
	case "Subscription.Created":
		id := asInt(event.Data["id"])
		byID := cloneSubscriptions(s.ByID)
		byID[id] = Subscription{ID: id}
		return SubscriptionsState{NextID: s.NextID + 1, ByID: byID}

	case "Member.AssignedToSubscription":
		id := asInt(event.Data["subscriptionId"])
		memberID := asString(event.Data["memberId"])
		byID := cloneSubscriptions(s.ByID)
		sub := byID[id]
		sub.ID = id
		sub.MemberIDs = append(append([]string{}, sub.MemberIDs...), memberID)
		byID[id] = sub
		return SubscriptionsState{NextID: s.NextID, ByID: byID}

	default:
		return s
	}
}

func cloneSubscriptions(in map[int]Subscription) map[int]Subscription {
	out := make(map[int]Subscription, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// registerMemberAssignments handles the "Member.Assign" command the
// Assignment.Tracker state machine emits. It has no state of its own —
// acceptance is a pure function of Options — but it still needs to be a
// ChangeState (rather than folded inline) because only a ChangeState may
// own a command type.
func registerMemberAssignments(engine *core.Engine, opts Options) {
	engine.RegisterChangeState(core.ChangeStateSpec{
		ViewID:       "MemberAssignments",
		CommandTypes: []string{"Member.Assign"},
		InitialState: struct{}{},
		Map: func(cmd core.Command, state any) ([]core.ProducedEvent, error) {
			subscriptionID := asInt(cmd.Data["subscriptionId"])
			memberID := asString(cmd.Data["memberId"])

			if !opts.accept(subscriptionID, memberID) {
				// Declined: the member stays pending (this does not
				// remove it from Assignment.Tracker's Pending list) but
				// is recorded in Failed. See
				// TestAssignmentTrackerReemitsPendingOnEveryDirtyPass.
				return []core.ProducedEvent{{
					PartitionID: fmt.Sprintf("subscription-%d", subscriptionID),
					Type:        "Member.AssignmentDeclined",
					Data:        map[string]any{"subscriptionId": subscriptionID, "memberId": memberID},
				}}, nil
			}
			return []core.ProducedEvent{{
				PartitionID: fmt.Sprintf("subscription-%d", subscriptionID),
				Type:        "Member.AssignedToSubscription",
				Data:        map[string]any{"subscriptionId": subscriptionID, "memberId": memberID},
			}}, nil
		},
		Reduce: func(state any, event lss.Event) any { return state },
	})
}

func registerAssignmentTracker(engine *core.Engine) {
	engine.RegisterViewState(core.ViewStateSpec{
		ViewID:       ViewAssignmentTracker,
		InitialState: AssignmentTrackerState{
			Pending:   map[int][]string{},
			Completed: map[int][]string{},
			Failed:    map[int][]string{},
		},
		Reduce:       reduceAssignmentTracker,
	})

	// StateMachine: re-emits Member.Assign for every member still
	// pending on the tracker, every time the tracker is marked dirty.
	// This is Open Question 3's documented, intentionally
	// undeduplicated behavior: a member that never clears out of
	// Pending (for example because Options.AcceptMemberAssignment keeps
	// declining it) gets asked for again on every subsequent dirty
	// pass, including passes triggered by an unrelated subscription.
	// Callers that need at-most-once delivery of Member.Assign must
	// track "already requested" themselves; the engine does not.
	engine.RegisterStateMachine(core.StateMachineSpec{
		ViewID: ViewAssignmentTracker,
		Trigger: func(state any, query core.QueryFunc) ([]core.Command, error) {
			s := state.(AssignmentTrackerState)
			var cmds []core.Command
			for subscriptionID, memberIDs := range s.Pending {
				for _, memberID := range memberIDs {
					cmds = append(cmds, core.Command{
						Type: "Member.Assign",
						Data: map[string]any{"subscriptionId": subscriptionID, "memberId": memberID},
					})
				}
			}
			return cmds, nil
		},
	})
}

func reduceAssignmentTracker(state any, event lss.Event) any {
	s := state.(AssignmentTrackerState)

	switch event.Type {
	case "Subscription.Members.Assigned":
		id := asInt(event.Data["id"])
		pending := cloneStringMap(s.Pending)
		pending[id] = append(append([]string{}, pending[id]...), asStringSlice(event.Data["memberIds"])...)
		return AssignmentTrackerState{Pending: pending, Completed: s.Completed, Failed: s.Failed}

	case "Member.AssignedToSubscription":
		id := asInt(event.Data["subscriptionId"])
		memberID := asString(event.Data["memberId"])
		pending := cloneStringMap(s.Pending)
		pending[id] = removeString(pending[id], memberID)
		if len(pending[id]) == 0 {
			delete(pending, id)
		}
		completed := cloneStringMap(s.Completed)
		completed[id] = addStringIfAbsent(completed[id], memberID)
		return AssignmentTrackerState{Pending: pending, Completed: completed, Failed: s.Failed}

	case "Member.AssignmentDeclined":
		id := asInt(event.Data["subscriptionId"])
		memberID := asString(event.Data["memberId"])
		failed := cloneStringMap(s.Failed)
		failed[id] = addStringIfAbsent(failed[id], memberID)
		return AssignmentTrackerState{Pending: s.Pending, Completed: s.Completed, Failed: failed}

	default:
		return s
	}
}

func cloneStringMap(in map[int][]string) map[int][]string {
	out := make(map[int][]string, len(in))
	for k, v := range in {
		out[k] = append([]string{}, v...)
	}
	return out
}

func addStringIfAbsent(list []string, target string) []string {
	for _, s := range list {
		if s == target {
			return list
		}
	}
	return append(append([]string{}, list...), target)
}

func removeString(list []string, target string) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

func registerEmailsToSend(engine *core.Engine) {
	engine.RegisterViewState(core.ViewStateSpec{
		ViewID:       ViewEmailsToSend,
		InitialState: EmailsState{},
		Reduce:       reduceEmailsToSend,
	})
}

// reduceEmailsToSend folds both the fact that queues a notification
// (Member.AssignedToSubscription) and the two facts that resolve one
// (Email.Succeeded, Email.Failed). The retry-cap decision lives here
// rather than in a mapper: Email.Succeeded/Email.Failed arrive through
// Consume, which never calls a ChangeState's Map, so this reducer is the
// only place that can see an incoming failure and the notification's
// current attempt count at once. At the cap the entry is deleted from
// s.List rather than flagged, so presence in the list is the only signal
// callers need.
func reduceEmailsToSend(state any, event lss.Event) any {
	s := state.(EmailsState)

	switch event.Type {
	case "Member.AssignedToSubscription":
		subscriptionID := asInt(event.Data["subscriptionId"])
		memberID := asString(event.Data["memberId"])
		s.List = append(append([]EmailNotification{}, s.List...), EmailNotification{
			SubscriptionID: subscriptionID,
			MemberID:       memberID,
		})
		return s

	case "Email.Succeeded":
		return withNotification(s, event, func(n EmailNotification) EmailNotification {
			n.Delivered = true
			return n
		})

	case "Email.Failed":
		subscriptionID := asInt(event.Data["subscriptionId"])
		memberID := asString(event.Data["memberId"])
		idx := findNotification(s.List, subscriptionID, memberID)
		if idx < 0 {
			return s
		}
		list := append([]EmailNotification{}, s.List...)
		list[idx].Attempts++
		if list[idx].Attempts >= MaxEmailAttempts {
			list = append(list[:idx], list[idx+1:]...)
		}
		s.List = list
		return s

	default:
		return s
	}
}

func withNotification(s EmailsState, event lss.Event, mutate func(EmailNotification) EmailNotification) EmailsState {
	subscriptionID := asInt(event.Data["subscriptionId"])
	memberID := asString(event.Data["memberId"])
	idx := findNotification(s.List, subscriptionID, memberID)
	if idx < 0 {
		return s
	}
	list := append([]EmailNotification{}, s.List...)
	list[idx] = mutate(list[idx])
	s.List = list
	return s
}

func findNotification(list []EmailNotification, subscriptionID int, memberID string) int {
	for i, n := range list {
		if n.SubscriptionID == subscriptionID && n.MemberID == memberID {
			return i
		}
	}
	return -1
}
