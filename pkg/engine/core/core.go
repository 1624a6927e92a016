package core

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"strconv"
	"strings"

	"github.com/silverfen/ledgerd/pkg/engine/lss"
)

// defaultMaxTriggerDepth bounds how many state-machine fixpoint passes a
// single transaction may run before it is considered non-converging and
// rolled back.
const defaultMaxTriggerDepth = 32

type changeStateEntry struct {
	spec  ChangeStateSpec
	state any
}

type viewStateEntry struct {
	spec  ViewStateSpec
	state any
}

// Engine is the functional core: the registry of projections plus the
// single in-flight transaction's buffer, snapshot map, and dirty set. Any
// number of ChangeState/ViewState/StateMachine entries can be registered
// against it.
//
// Engine itself does no locking: the transaction coordinator guarantees
// only one goroutine ever touches an Engine at a time.
type Engine struct {
	writer *lss.Writer

	changeStates  map[string]*changeStateEntry
	commandRoutes map[string]string // command type -> ChangeState viewId
	viewStates    map[string]*viewStateEntry
	stateMachines []StateMachineSpec

	maxTriggerDepth int

	// per-transaction state
	txnOpen   bool
	buffer    []lss.Event
	snapshots map[string]any // viewId -> pre-change deep copy, lazily populated
	dirty     map[string]bool
}

// NewEngine constructs an Engine bound to a store's writer. Reads go
// through the registered projections' in-memory state, not through the
// reader, once the engine has been bootstrapped by ReplayEvent.
func NewEngine(writer *lss.Writer) *Engine {
	return &Engine{
		writer:          writer,
		changeStates:    make(map[string]*changeStateEntry),
		commandRoutes:   make(map[string]string),
		viewStates:      make(map[string]*viewStateEntry),
		maxTriggerDepth: defaultMaxTriggerDepth,
		snapshots:       make(map[string]any),
		dirty:           make(map[string]bool),
	}
}

// RegisterChangeState adds a mapper-facing projection. Panics on a
// duplicate viewId or command-type route, since that is a wiring bug
// caught at startup, not a runtime condition.
func (e *Engine) RegisterChangeState(spec ChangeStateSpec) {
	if _, exists := e.changeStates[spec.ViewID]; exists {
		panic(fmt.Sprintf("core: duplicate ChangeState viewId %q", spec.ViewID))
	}
	for _, ct := range spec.CommandTypes {
		if owner, exists := e.commandRoutes[ct]; exists {
			panic(fmt.Sprintf("core: command type %q already routed to %q", ct, owner))
		}
		e.commandRoutes[ct] = spec.ViewID
	}
	e.changeStates[spec.ViewID] = &changeStateEntry{spec: spec, state: spec.InitialState}
}

// RegisterViewState adds a query/state-machine-facing projection.
func (e *Engine) RegisterViewState(spec ViewStateSpec) {
	if _, exists := e.viewStates[spec.ViewID]; exists {
		panic(fmt.Sprintf("core: duplicate ViewState viewId %q", spec.ViewID))
	}
	e.viewStates[spec.ViewID] = &viewStateEntry{spec: spec, state: spec.InitialState}
}

// RegisterStateMachine adds a reaction to a projection going dirty.
func (e *Engine) RegisterStateMachine(spec StateMachineSpec) {
	e.stateMachines = append(e.stateMachines, spec)
}

// Query path-walks a projection tree. path[0] is a viewId; any further
// elements index into that projection's current state — into struct
// fields by name, map entries by key, and slice/array entries by numeric
// index. An unregistered viewId is ErrUnknownView (a wiring bug); a
// missing key anywhere past the viewId is ErrAbsent (ordinary "not there
// yet" for the caller to handle).
func (e *Engine) Query(path ...string) (any, error) {
	if len(path) == 0 {
		return nil, fmt.Errorf("core: Query called with no path")
	}
	viewID := path[0]

	var state any
	if cs, ok := e.changeStates[viewID]; ok {
		state = cs.state
	} else if vs, ok := e.viewStates[viewID]; ok {
		state = vs.state
	} else {
		return nil, fmt.Errorf("%w: %s", ErrUnknownView, viewID)
	}

	for _, key := range path[1:] {
		next, found := lookupKey(state, key)
		if !found {
			return nil, fmt.Errorf("%w: %s", ErrAbsent, strings.Join(path, "."))
		}
		state = next
	}
	return state, nil
}

// lookupKey indexes one step into v: struct field by name, map entry by
// key (string or, if the map key type is an integer kind, parsed as one),
// or slice/array entry by numeric index. It never mutates v and reports
// found=false rather than panicking when the step does not apply.
func lookupKey(v any, key string) (any, bool) {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Map:
		keyType := rv.Type().Key()
		var mapKey reflect.Value
		switch {
		case keyType.Kind() == reflect.String:
			mapKey = reflect.ValueOf(key).Convert(keyType)
		case keyType.Kind() >= reflect.Int && keyType.Kind() <= reflect.Int64:
			n, err := strconv.ParseInt(key, 10, 64)
			if err != nil {
				return nil, false
			}
			mapKey = reflect.ValueOf(n).Convert(keyType)
		default:
			return nil, false
		}
		val := rv.MapIndex(mapKey)
		if !val.IsValid() {
			return nil, false
		}
		return val.Interface(), true

	case reflect.Struct:
		field := rv.FieldByName(key)
		if !field.IsValid() {
			return nil, false
		}
		return field.Interface(), true

	case reflect.Slice, reflect.Array:
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 || idx >= rv.Len() {
			return nil, false
		}
		return rv.Index(idx).Interface(), true

	default:
		return nil, false
	}
}

// ReplayEvent folds one already-persisted event into every registered
// projection without invoking a mapper or marking anything dirty — used
// by the recovery driver, which must never re-run state machines or
// re-produce commands for events that already happened.
func (e *Engine) ReplayEvent(event lss.Event) {
	for _, cs := range e.changeStates {
		cs.state = cs.spec.Reduce(cs.state, event)
	}
	for _, vs := range e.viewStates {
		vs.state = vs.spec.Reduce(vs.state, event)
	}
}

// Produce opens (or continues) a transaction: it maps cmd to events via
// the ChangeState that owns cmd.Type, folds those events into every
// projection, and then runs the state-machine fixpoint — trigger passes
// that may themselves produce further commands — until no projection is
// dirty or maxTriggerDepth is exceeded. Nothing is durable yet; call
// Commit to persist, or Rollback to discard.
func (e *Engine) Produce(cmd Command) error {
	e.txnOpen = true

	if err := e.produceOne(cmd); err != nil {
		return err
	}
	return e.runFixpoint()
}

// Consume adds a single externally-sourced event to the current
// transaction's buffer (so Commit persists it) and folds it into every
// projection, without calling any mapper (used when a caller already has
// a fact to record rather than a command to map — for example, an email
// delivery outcome). It participates in the same fixpoint as Produce.
func (e *Engine) Consume(event lss.Event) error {
	e.txnOpen = true
	e.applyEvent(event)
	return e.runFixpoint()
}

func (e *Engine) produceOne(cmd Command) error {
	viewID, ok := e.commandRoutes[cmd.Type]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, cmd.Type)
	}
	cs := e.changeStates[viewID]

	produced, err := cs.spec.Map(cmd, cs.state)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMapperFailure, cmd.Type, err)
	}

	for _, pe := range produced {
		e.applyEvent(lss.Event{
			PartitionID: pe.PartitionID,
			Type:        pe.Type,
			Data:        pe.Data,
			Metadata:    map[string]any{},
		})
	}
	return nil
}

// applyEvent buffers the event for commit, snapshots any projection about
// to be touched for the first time this transaction, folds the event
// through every projection, and marks the ones whose state actually
// changed as dirty.
func (e *Engine) applyEvent(event lss.Event) {
	e.buffer = append(e.buffer, event)

	for viewID, cs := range e.changeStates {
		e.snapshotOnce(viewID, cs.state)
		next := cs.spec.Reduce(cs.state, event)
		if !reflect.DeepEqual(next, cs.state) {
			cs.state = next
			e.dirty[viewID] = true
		}
	}
	for viewID, vs := range e.viewStates {
		e.snapshotOnce(viewID, vs.state)
		next := vs.spec.Reduce(vs.state, event)
		if !reflect.DeepEqual(next, vs.state) {
			vs.state = next
			e.dirty[viewID] = true
		}
	}
}

func (e *Engine) snapshotOnce(viewID string, current any) {
	if _, exists := e.snapshots[viewID]; exists {
		return
	}
	e.snapshots[viewID] = deepCopy(current)
}

// runFixpoint repeatedly triggers state machines whose watched view is
// dirty, clearing the dirty set at the start of each pass (per the design
// note) so newly produced events accumulate a fresh dirty set for the
// next pass. Commands returned by triggers are re-mapped through
// produceOne. A view that stays dirty because its state machine keeps
// re-emitting commands for not-yet-settled work (e.g. still-pending
// members) is expected and is not deduplicated here — see
// internal/subscriptions/domain.go.
func (e *Engine) runFixpoint() error {
	for depth := 0; ; depth++ {
		if depth >= e.maxTriggerDepth {
			return ErrRecursionLimitExceeded
		}

		firedFor := e.dirty
		if len(firedFor) == 0 {
			return nil
		}
		e.dirty = make(map[string]bool)

		var newCommands []Command
		for _, sm := range e.stateMachines {
			if !firedFor[sm.ViewID] {
				continue
			}
			state, err := e.Query(sm.ViewID)
			if err != nil {
				return err
			}
			cmds, err := sm.Trigger(state, e.Query)
			if err != nil {
				return fmt.Errorf("%w: view %s: %v", ErrTriggerFailure, sm.ViewID, err)
			}
			newCommands = append(newCommands, cmds...)
		}

		if len(newCommands) == 0 {
			return nil
		}
		for _, cmd := range newCommands {
			if err := e.produceOne(cmd); err != nil {
				return err
			}
		}
	}
}

// Commit durably appends every event buffered by the current transaction
// as a single atomic write and clears transaction state. On failure the
// caller must treat this as a StorageError: fatal for the whole process,
// not just this transaction.
// A Commit with no open transaction (including a second, immediate Commit
// right after a first) is not an error: it is treated the same as
// committing an empty buffer, an idempotent no-op that returns an empty
// event list.
func (e *Engine) Commit() ([]lss.Event, error) {
	if !e.txnOpen || len(e.buffer) == 0 {
		e.resetTxn()
		return nil, nil
	}

	persisted, err := e.writer.PhysicalAppend(e.buffer)
	if err != nil {
		return nil, err
	}
	slog.Debug("core: committed transaction", "events", len(persisted))
	e.resetTxn()
	return persisted, nil
}

// Rollback restores every projection touched this transaction to its
// pre-change snapshot and discards the buffer, leaving the engine as if
// Produce/Consume had never been called.
func (e *Engine) Rollback() {
	for viewID, snap := range e.snapshots {
		if cs, ok := e.changeStates[viewID]; ok {
			cs.state = snap
		}
		if vs, ok := e.viewStates[viewID]; ok {
			vs.state = snap
		}
	}
	e.resetTxn()
}

func (e *Engine) resetTxn() {
	e.txnOpen = false
	e.buffer = nil
	e.snapshots = make(map[string]any)
	e.dirty = make(map[string]bool)
}

// deepCopy round-trips v through JSON to obtain an independent copy. Every
// projection state in this engine is a plain JSON-serializable struct or
// map, so this is sufficient and keeps projection authors from having to
// hand write a Clone method for every state type.
func deepCopy(v any) any {
	if v == nil {
		return nil
	}
	body, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("core: state is not JSON-serializable: %v", err))
	}
	out := reflect.New(reflect.TypeOf(v))
	if err := json.Unmarshal(body, out.Interface()); err != nil {
		panic(fmt.Sprintf("core: state failed round-trip: %v", err))
	}
	return out.Elem().Interface()
}
