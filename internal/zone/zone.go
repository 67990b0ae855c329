// Package zone implements the per-zone lifecycle state machine and the
// network/device operations scoped to a single zone.
package zone

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	"github.com/zonesd/zonesd/internal/runtime"
	"github.com/zonesd/zonesd/internal/status"
)

// Sentinel errors for the zone package.
var (
	// ErrStopped is returned by network/device operations when the zone is
	// not running.
	ErrStopped = errors.New("zone is stopped")
	// ErrReservedID is returned when a zone is constructed with id "host".
	ErrReservedID = errors.New(`zone id "host" is reserved`)
)

// ManagerCallbacks is the capability interface a Zone holds as a
// non-owning back-reference to its owning Manager. It replaces the source's
// raw callback/bound-method wiring with a typed dispatch surface, per the
// callback-graph design note: the Zone reaches the Manager only through
// this interface. The reference is set at construction and never cleared;
// the Manager does not invalidate it when it removes zones or shuts down.
type ManagerCallbacks interface {
	// OnNotifyActiveContainer is invoked when this zone's NotifyActiveContainer
	// bus method is called.
	OnNotifyActiveContainer(ctx context.Context, zoneID, app, message string)
	// OnDisplayOff is invoked when the power-manager DisplayOff signal is
	// observed on this zone's bus (already filtered for sender identity).
	OnDisplayOff(ctx context.Context, zoneID string)
	// OnFileMoveRequest is invoked when this zone's FileMoveRequest bus
	// method is called. Returns the FileMoveRequest result code string.
	OnFileMoveRequest(ctx context.Context, zoneID, dstID, path string) string
	// OnProxyCall is invoked by HandleProxyCall. The host endpoint does not
	// use it; it calls Manager.ProxyCall directly.
	OnProxyCall(ctx context.Context, callerID string, args ProxyCallArgs) (any, error)
	// OnBusStateChanged is invoked whenever this zone's bus address changes,
	// including connect (non-empty) and disconnect (empty).
	OnBusStateChanged(zoneID, address string)
}

// ProxyCallArgs is the (bus, path, iface, method, args) shape of a proxy
// call, independent of which endpoint (host or zone) received it.
type ProxyCallArgs struct {
	Target    string
	Bus       string
	Path      string
	Interface string
	Method    string
	Args      []any
}

// Config is the immutable configuration a Zone is constructed from.
type Config struct {
	ID                          string
	RootFS                      string
	Terminal                    int
	Privilege                   int
	SwitchToDefaultAfterTimeout bool
	PermittedToSend             []string
	PermittedToRecv             []string
}

// Zone is a single managed execution environment: configuration, lifecycle
// state, a bus connection to the zone (via its ContainerHandle), and a
// non-owning back-reference to the manager's callback surface.
type Zone struct {
	id        string
	rootfs    string
	terminal  int
	privilege int
	switchToDefaultAfterTimeout bool

	permittedToSend []*regexp.Regexp
	permittedToRecv []*regexp.Regexp

	handle    runtime.ContainerHandle
	callbacks ManagerCallbacks
	logger    *slog.Logger

	mu           sync.Mutex
	state        State
	foreground   bool
	busAddress   string
	detachOnExit bool
}

// New constructs a Zone from cfg, wired to handle and reporting to cb.
// Returns ErrReservedID if cfg.ID is "host".
func New(cfg Config, handle runtime.ContainerHandle, cb ManagerCallbacks, logger *slog.Logger) (*Zone, error) {
	if cfg.ID == "host" {
		return nil, ErrReservedID
	}

	sendRe, err := compilePatterns(cfg.PermittedToSend)
	if err != nil {
		return nil, fmt.Errorf("compile permitted_to_send for zone %q: %w", cfg.ID, err)
	}
	recvRe, err := compilePatterns(cfg.PermittedToRecv)
	if err != nil {
		return nil, fmt.Errorf("compile permitted_to_recv for zone %q: %w", cfg.ID, err)
	}

	z := &Zone{
		id:                          cfg.ID,
		rootfs:                      cfg.RootFS,
		terminal:                    cfg.Terminal,
		privilege:                   cfg.Privilege,
		switchToDefaultAfterTimeout: cfg.SwitchToDefaultAfterTimeout,
		permittedToSend:             sendRe,
		permittedToRecv:             recvRe,
		handle:                      handle,
		callbacks:                   cb,
		logger:                      logger.With(slog.String("zone", cfg.ID)),
		state:                       StateStopped,
	}

	handle.OnBusAddressChanged(func(address string) {
		z.mu.Lock()
		z.busAddress = address
		z.mu.Unlock()
		z.callbacks.OnBusStateChanged(z.id, address)
	})

	return z, nil
}

// compilePatterns anchors each pattern to full-string match, per the
// file-move regex semantics (section 4.5: "full-string match").
func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(`^(?:` + p + `)$`)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// ID returns the zone's identifier.
func (z *Zone) ID() string { return z.id }

// Privilege returns the zone's numeric privilege (lower = higher priority).
func (z *Zone) Privilege() int { return z.privilege }

// SwitchToDefaultAfterTimeout reports the zone's switch-to-default policy bit.
func (z *Zone) SwitchToDefaultAfterTimeout() bool { return z.switchToDefaultAfterTimeout }

// State returns the zone's current lifecycle state.
func (z *Zone) State() State {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.state
}

// IsRunning returns true iff state is RUNNING or LOCKED.
func (z *Zone) IsRunning() bool {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.state == StateRunning || z.state == StateLocked
}

// IsForeground reports the zone's foreground flag.
func (z *Zone) IsForeground() bool {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.foreground
}

// BusAddress returns the last-reported zone bus address.
func (z *Zone) BusAddress() string {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.busAddress
}

// SetDetachOnExit causes teardown to skip stopping the zone's container.
func (z *Zone) SetDetachOnExit() {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.detachOnExit = true
}

// DetachOnExit reports whether teardown should skip stopping this zone.
func (z *Zone) DetachOnExit() bool {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.detachOnExit
}

// Start transitions STOPPED -> STARTING -> RUNNING, calling the container
// handle's Start operation.
func (z *Zone) Start(ctx context.Context) error {
	return z.drive(ctx, EventStart, EventStarted)
}

// Stop transitions RUNNING|LOCKED -> STOPPING -> STOPPED via Stop.
func (z *Zone) Stop(ctx context.Context) error {
	return z.drive(ctx, EventStop, EventStopped)
}

// Shutdown transitions RUNNING|LOCKED -> STOPPING -> STOPPED via Shutdown.
func (z *Zone) Shutdown(ctx context.Context) error {
	return z.drive(ctx, EventShutdown, EventStopped)
}

// Lock transitions RUNNING -> LOCKED.
func (z *Zone) Lock(_ context.Context) error {
	z.mu.Lock()
	defer z.mu.Unlock()
	res := ApplyEvent(z.state, EventLock)
	if !res.Changed && z.state != StateLocked {
		return status.NewError(status.CodeZoneOperationError,
			fmt.Errorf("zone %q: lock is invalid from state %s", z.id, z.state))
	}
	z.state = res.NewState
	return nil
}

// Unlock transitions LOCKED -> RUNNING.
func (z *Zone) Unlock(_ context.Context) error {
	z.mu.Lock()
	defer z.mu.Unlock()
	res := ApplyEvent(z.state, EventUnlock)
	if !res.Changed && z.state != StateRunning {
		return status.NewError(status.CodeZoneOperationError,
			fmt.Errorf("zone %q: unlock is invalid from state %s", z.id, z.state))
	}
	z.state = res.NewState
	return nil
}

// Fatal drives the zone into ABORTING and then STOPPED, used when an
// invariant violation or unrecoverable runtime error is detected.
func (z *Zone) Fatal(ctx context.Context) {
	z.mu.Lock()
	res := ApplyEvent(z.state, EventFatal)
	if res.Changed {
		z.state = res.NewState
	}
	z.mu.Unlock()

	z.logger.ErrorContext(ctx, "zone entering ABORTING", slog.String("previous_state", res.OldState.String()))

	z.mu.Lock()
	final := ApplyEvent(z.state, EventAborted)
	z.state = final.NewState
	z.mu.Unlock()
}

// drive performs a two-step transition: applying startEvent to move into an
// intermediate state, invoking the container handle, then applying
// doneEvent to complete the transition. This mirrors start()/stop()'s
// STARTING/STOPPING intermediate states without exposing them as something
// a caller must drive by hand.
func (z *Zone) drive(ctx context.Context, startEvent, doneEvent Event) error {
	z.mu.Lock()
	res := ApplyEvent(z.state, startEvent)
	if !res.Changed {
		z.mu.Unlock()
		return status.NewError(status.CodeZoneOperationError,
			fmt.Errorf("zone %q: %s is invalid from state %s", z.id, startEvent, res.OldState))
	}
	z.state = res.NewState
	actions := res.Actions
	z.mu.Unlock()

	if err := z.runActions(ctx, actions); err != nil {
		z.Fatal(ctx)
		return status.NewError(status.CodeZoneOperationError, fmt.Errorf("zone %q: %w", z.id, err))
	}

	z.mu.Lock()
	final := ApplyEvent(z.state, doneEvent)
	z.state = final.NewState
	if doneEvent == EventStopped {
		z.foreground = false
	}
	finalActions := final.Actions
	z.mu.Unlock()

	return z.runActions(ctx, finalActions)
}

func (z *Zone) runActions(ctx context.Context, actions []Action) error {
	for _, a := range actions {
		switch a {
		case ActionCallStart:
			if err := z.handle.Start(ctx); err != nil {
				return fmt.Errorf("start: %w", err)
			}
		case ActionCallStop:
			if err := z.handle.Stop(ctx); err != nil {
				return fmt.Errorf("stop: %w", err)
			}
		case ActionCallShutdown:
			if err := z.handle.Shutdown(ctx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
		case ActionReconcileForeground:
			z.callbacks.OnBusStateChanged(z.id, z.BusAddress())
		}
	}
	return nil
}

// GoForeground grants this zone foreground status. Idempotent.
func (z *Zone) GoForeground(ctx context.Context) error {
	z.mu.Lock()
	if z.foreground {
		z.mu.Unlock()
		return nil
	}
	z.foreground = true
	z.mu.Unlock()

	if err := z.handle.SetForeground(ctx); err != nil {
		return status.NewError(status.CodeZoneOperationError, fmt.Errorf("zone %q go_foreground: %w", z.id, err))
	}
	return nil
}

// GoBackground revokes this zone's foreground status. Idempotent.
func (z *Zone) GoBackground(ctx context.Context) error {
	z.mu.Lock()
	if !z.foreground {
		z.mu.Unlock()
		return nil
	}
	z.foreground = false
	z.mu.Unlock()

	if err := z.handle.SetBackground(ctx); err != nil {
		return status.NewError(status.CodeZoneOperationError, fmt.Errorf("zone %q go_background: %w", z.id, err))
	}
	return nil
}

// SendNotification delivers a cross-zone notification to this zone,
// surfaced as a Notification signal on the zone's own bus.
func (z *Zone) SendNotification(ctx context.Context, sender, app, message string) error {
	if !z.IsRunning() {
		return status.NewError(status.CodeTargetStopped, fmt.Errorf("zone %q: %w", z.id, ErrStopped))
	}
	if err := z.handle.SendNotification(ctx, sender, app, message); err != nil {
		return status.NewError(status.CodeZoneOperationError, fmt.Errorf("zone %q send_notification: %w", z.id, err))
	}
	return nil
}

// MatchesSend reports whether path matches one of the zone's
// permitted_to_send patterns.
func (z *Zone) MatchesSend(path string) bool {
	return matchesAny(z.permittedToSend, path)
}

// MatchesRecv reports whether path matches one of the zone's
// permitted_to_recv patterns.
func (z *Zone) MatchesRecv(path string) bool {
	return matchesAny(z.permittedToRecv, path)
}

// HandleNotifyActiveContainer forwards a NotifyActiveContainer bus call
// observed on this zone's bus to the manager's callback surface.
func (z *Zone) HandleNotifyActiveContainer(ctx context.Context, app, message string) error {
	z.callbacks.OnNotifyActiveContainer(ctx, z.id, app, message)
	return nil
}

// HandleDisplayOff forwards a sender-verified display_off signal observed
// on this zone's bus to the manager.
func (z *Zone) HandleDisplayOff(ctx context.Context) {
	z.callbacks.OnDisplayOff(ctx, z.id)
}

// HandleFileMoveRequest forwards a FileMoveRequest bus call observed on
// this zone's bus to the manager, returning the result code string.
func (z *Zone) HandleFileMoveRequest(ctx context.Context, dst, path string) (string, error) {
	return z.callbacks.OnFileMoveRequest(ctx, z.id, dst, path), nil
}

// HandleProxyCall forwards a ProxyCall observed on this zone's bus to the
// manager, with this zone as the caller identity.
func (z *Zone) HandleProxyCall(ctx context.Context, target, busName, path, iface, method string, args []any) (any, error) {
	return z.callbacks.OnProxyCall(ctx, z.id, ProxyCallArgs{
		Target:    target,
		Bus:       busName,
		Path:      path,
		Interface: iface,
		Method:    method,
		Args:      args,
	})
}

func matchesAny(patterns []*regexp.Regexp, s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
