package core

import "errors"

var (
	// ErrUnknownCommand means no registered ChangeState claims this
	// command's type. Fatal for the transaction: it is rolled back.
	ErrUnknownCommand = errors.New("core: unknown command type")

	// ErrUnknownView means Query or a StateMachine trigger referenced a
	// viewId nothing registered.
	ErrUnknownView = errors.New("core: unknown view")

	// ErrMapperFailure wraps an error returned by a ChangeState's Map
	// function.
	ErrMapperFailure = errors.New("core: mapper failed")

	// ErrTriggerFailure wraps an error returned by a StateMachine's
	// Trigger function.
	ErrTriggerFailure = errors.New("core: trigger failed")

	// ErrRecursionLimitExceeded means state machines kept re-dirtying
	// views past maxTriggerDepth without settling. The transaction that
	// caused it is rolled back rather than looping forever.
	ErrRecursionLimitExceeded = errors.New("core: state machine recursion limit exceeded")
)

// ErrAbsent is the sentinel value QueryFunc callers get back from
// Query when any key after the viewId in the requested path is missing —
// Query returns this instead of nil so "absent" and "explicitly nil" are
// distinguishable.
var ErrAbsent = errors.New("core: absent")
