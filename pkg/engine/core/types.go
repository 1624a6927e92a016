package core

import "github.com/silverfen/ledgerd/pkg/engine/lss"

// Command is a request to change state. Type is dot-namespaced
// ("Subscription.Create") and is used to route the command to the
// ChangeState that owns it.
type Command struct {
	Type string
	Data map[string]any
}

// ProducedEvent is an event a mapper wants appended. OrderID and
// Metadata.appendTime are filled in by the engine at commit time, not by
// the mapper — mappers never see or choose ordering.
type ProducedEvent struct {
	PartitionID string
	Type        string
	Data        map[string]any
}

// MapFunc turns a command into the events it should cause, given the
// current folded state of the owning ChangeState. It must not mutate
// state; state is provided read-only precisely so that replay never needs
// to account for mapper side effects (see Open Question 1 in DESIGN.md).
type MapFunc func(cmd Command, state any) ([]ProducedEvent, error)

// ReduceFunc folds one event into a projection's state. An event type the
// reducer does not recognize must return state unchanged — that is a
// persisted no-op, not an error.
type ReduceFunc func(state any, event lss.Event) any

// QueryFunc path-walks a projection tree: path[0] names a viewId and any
// further elements index into that projection's current state. It returns
// ErrUnknownView if path[0] is not a registered view, and ErrAbsent if any
// later key in path is missing.
type QueryFunc func(path ...string) (any, error)

// TriggerFunc runs when its ChangeState/ViewState is marked dirty. It may
// return new commands to submit; it must not mutate state.
type TriggerFunc func(state any, query QueryFunc) ([]Command, error)

// ChangeStateSpec registers a mapper-facing projection: it owns a set of
// command types (map) and folds every event in the log (reduce).
type ChangeStateSpec struct {
	ViewID       string
	CommandTypes []string
	InitialState any
	Map          MapFunc
	Reduce       ReduceFunc
}

// ViewStateSpec registers a query/state-machine-facing projection: it only
// folds events, it never maps commands.
type ViewStateSpec struct {
	ViewID       string
	InitialState any
	Reduce       ReduceFunc
}

// StateMachineSpec registers a reaction to a projection becoming dirty.
type StateMachineSpec struct {
	ViewID  string
	Trigger TriggerFunc
}
