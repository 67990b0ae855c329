package zone_test

import (
	"testing"

	"github.com/zonesd/zonesd/internal/zone"
)

func TestFSMTransitionTable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		state       zone.State
		event       zone.Event
		wantState   zone.State
		wantChanged bool
		wantActions []zone.Action
	}{
		{
			name:        "STOPPED+start->STARTING",
			state:       zone.StateStopped,
			event:       zone.EventStart,
			wantState:   zone.StateStarting,
			wantChanged: true,
			wantActions: []zone.Action{zone.ActionCallStart},
		},
		{
			name:        "STARTING+started->RUNNING",
			state:       zone.StateStarting,
			event:       zone.EventStarted,
			wantState:   zone.StateRunning,
			wantChanged: true,
			wantActions: nil,
		},
		{
			name:        "RUNNING+stop->STOPPING",
			state:       zone.StateRunning,
			event:       zone.EventStop,
			wantState:   zone.StateStopping,
			wantChanged: true,
			wantActions: []zone.Action{zone.ActionCallStop},
		},
		{
			name:        "RUNNING+shutdown->STOPPING",
			state:       zone.StateRunning,
			event:       zone.EventShutdown,
			wantState:   zone.StateStopping,
			wantChanged: true,
			wantActions: []zone.Action{zone.ActionCallShutdown},
		},
		{
			name:        "RUNNING+lock->LOCKED",
			state:       zone.StateRunning,
			event:       zone.EventLock,
			wantState:   zone.StateLocked,
			wantChanged: true,
		},
		{
			name:        "LOCKED+unlock->RUNNING",
			state:       zone.StateLocked,
			event:       zone.EventUnlock,
			wantState:   zone.StateRunning,
			wantChanged: true,
		},
		{
			name:        "LOCKED+stop->STOPPING",
			state:       zone.StateLocked,
			event:       zone.EventStop,
			wantState:   zone.StateStopping,
			wantChanged: true,
			wantActions: []zone.Action{zone.ActionCallStop},
		},
		{
			name:        "STOPPING+stopped->STOPPED",
			state:       zone.StateStopping,
			event:       zone.EventStopped,
			wantState:   zone.StateStopped,
			wantChanged: true,
			wantActions: []zone.Action{zone.ActionReconcileForeground},
		},
		{
			name:        "ABORTING+aborted->STOPPED",
			state:       zone.StateAborting,
			event:       zone.EventAborted,
			wantState:   zone.StateStopped,
			wantChanged: true,
			wantActions: []zone.Action{zone.ActionReconcileForeground},
		},
		{
			name:        "RUNNING+fatal->ABORTING",
			state:       zone.StateRunning,
			event:       zone.EventFatal,
			wantState:   zone.StateAborting,
			wantChanged: true,
		},
		{
			name:        "STOPPED+stop is ignored",
			state:       zone.StateStopped,
			event:       zone.EventStop,
			wantState:   zone.StateStopped,
			wantChanged: false,
		},
		{
			name:        "RUNNING+start is ignored",
			state:       zone.StateRunning,
			event:       zone.EventStart,
			wantState:   zone.StateRunning,
			wantChanged: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := zone.ApplyEvent(tt.state, tt.event)

			if got.NewState != tt.wantState {
				t.Errorf("NewState = %v, want %v", got.NewState, tt.wantState)
			}
			if got.Changed != tt.wantChanged {
				t.Errorf("Changed = %v, want %v", got.Changed, tt.wantChanged)
			}
			if len(got.Actions) != len(tt.wantActions) {
				t.Fatalf("Actions = %v, want %v", got.Actions, tt.wantActions)
			}
			for i, a := range got.Actions {
				if a != tt.wantActions[i] {
					t.Errorf("Actions[%d] = %v, want %v", i, a, tt.wantActions[i])
				}
			}
		})
	}
}

func TestApplyEventUnlistedPairIsNoop(t *testing.T) {
	t.Parallel()

	got := zone.ApplyEvent(zone.StateFrozen, zone.EventUnlock)
	if got.Changed {
		t.Fatalf("expected no change, got %+v", got)
	}
	if len(got.Actions) != 0 {
		t.Fatalf("expected no actions, got %v", got.Actions)
	}
}
