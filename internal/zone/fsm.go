package zone

// This file implements the zone lifecycle state machine as a pure function
// over a transition table, the same shape used for the session FSM this
// codebase's daemon lineage is built on: no side effects, no Zone
// dependency, trivially testable against the state table in isolation.
//
// States and transitions (see the daemon's zone lifecycle table):
//
//	STOPPED  --start()-->   STARTING --started-->  RUNNING
//	RUNNING  --stop()/shutdown()--> STOPPING --stopped--> STOPPED
//	RUNNING  --lock()-->    LOCKED  --unlock()-->  RUNNING
//	LOCKED   --stop()/shutdown()--> STOPPING
//	any      --fatal-->     ABORTING --aborted--> STOPPED
//
// go_foreground/go_background do not change lifecycle state; they flip a
// foreground flag on Zone directly and are handled outside this table.

// stateEvent is the FSM transition table key: current state + incoming event.
type stateEvent struct {
	state State
	event Event
}

// transition describes the target state and side-effects for a single
// FSM transition.
type transition struct {
	newState State
	actions  []Action
}

// FSMResult holds the outcome of applying an event to the FSM.
type FSMResult struct {
	// OldState is the state before the event was applied.
	OldState State

	// NewState is the state after the event was applied. Equal to OldState
	// when the event is ignored.
	NewState State

	// Actions lists the side-effects the caller must execute. Empty when
	// the event is ignored.
	Actions []Action

	// Changed is true when NewState differs from OldState.
	Changed bool
}

//nolint:gochecknoglobals // FSM transition table is intentionally package-level.
var fsmTable = map[stateEvent]transition{
	{StateStopped, EventStart}: {
		newState: StateStarting,
		actions:  []Action{ActionCallStart},
	},
	{StateStarting, EventStarted}: {
		newState: StateRunning,
		actions:  nil,
	},

	{StateRunning, EventStop}: {
		newState: StateStopping,
		actions:  []Action{ActionCallStop},
	},
	{StateRunning, EventShutdown}: {
		newState: StateStopping,
		actions:  []Action{ActionCallShutdown},
	},
	{StateRunning, EventLock}: {
		newState: StateLocked,
		actions:  nil,
	},

	{StateLocked, EventUnlock}: {
		newState: StateRunning,
		actions:  nil,
	},
	{StateLocked, EventStop}: {
		newState: StateStopping,
		actions:  []Action{ActionCallStop},
	},
	{StateLocked, EventShutdown}: {
		newState: StateStopping,
		actions:  []Action{ActionCallShutdown},
	},

	{StateStopping, EventStopped}: {
		newState: StateStopped,
		actions:  []Action{ActionReconcileForeground},
	},

	{StateAborting, EventAborted}: {
		newState: StateStopped,
		actions:  []Action{ActionReconcileForeground},
	},

	// Fatal is accepted from any non-terminal state and drives the zone to
	// ABORTING regardless of what it was doing.
	{StateStopped, EventFatal}:  {newState: StateAborting, actions: nil},
	{StateStarting, EventFatal}: {newState: StateAborting, actions: nil},
	{StateRunning, EventFatal}:  {newState: StateAborting, actions: nil},
	{StateStopping, EventFatal}: {newState: StateAborting, actions: nil},
	{StateLocked, EventFatal}:   {newState: StateAborting, actions: nil},
	{StateFrozen, EventFatal}:   {newState: StateAborting, actions: nil},
}

// ApplyEvent applies an FSM event to the given state and returns the result.
//
// This is a pure function with no side effects. The caller executes the
// returned actions. If the (state, event) pair has no entry in the
// transition table, the event is silently ignored and FSMResult.Changed is
// false with an empty action list.
func ApplyEvent(currentState State, event Event) FSMResult {
	key := stateEvent{state: currentState, event: event}

	tr, ok := fsmTable[key]
	if !ok {
		return FSMResult{
			OldState: currentState,
			NewState: currentState,
			Actions:  nil,
			Changed:  false,
		}
	}

	return FSMResult{
		OldState: currentState,
		NewState: tr.newState,
		Actions:  tr.actions,
		Changed:  currentState != tr.newState,
	}
}
