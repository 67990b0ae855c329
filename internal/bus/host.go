package bus

import (
	"context"
	"errors"
	"log/slog"

	"github.com/godbus/dbus/v5"

	"github.com/zonesd/zonesd/internal/status"
)

// HostHandlers is the manager's callback surface for the host bus. The
// manager implements this; HostEndpoint only adapts bus calls onto it.
type HostHandlers interface {
	GetZoneIds(ctx context.Context) []string
	GetActiveZoneId(ctx context.Context) string
	SetActiveZone(ctx context.Context, id string) error
	GetZoneDbuses(ctx context.Context) map[string]string
	CreateZone(ctx context.Context, id, templateName string) error
	DestroyZone(ctx context.Context, id string, force bool) error
	ShutdownZone(ctx context.Context, id string) error
	StartZone(ctx context.Context, id string) error
	LockZone(ctx context.Context, id string) error
	UnlockZone(ctx context.Context, id string) error
	GrantDevice(ctx context.Context, id, device string, flags uint32) error
	RevokeDevice(ctx context.Context, id, device string) error
	ProxyCall(ctx context.Context, callerID, target, busName, path, iface, method string, args []interface{}) (interface{}, error)
}

// HostEndpoint exports the host-bus object (org.tizen.containers.host) and
// emits ContainerDbusState when a zone's bus address changes.
type HostEndpoint struct {
	transport Transport
	handlers  HostHandlers
	logger    *slog.Logger
}

// NewHostEndpoint creates a host-bus endpoint over transport, dispatching
// to handlers.
func NewHostEndpoint(transport Transport, handlers HostHandlers, logger *slog.Logger) *HostEndpoint {
	return &HostEndpoint{transport: transport, handlers: handlers, logger: logger.With(slog.String("component", "host-bus"))}
}

// Start acquires the host well-known name and exports the host object.
func (e *HostEndpoint) Start() error {
	if err := e.transport.Export(&hostObject{endpoint: e}, HostObjectPath, HostInterface); err != nil {
		return err
	}
	return e.transport.RequestName(HostBusName)
}

// EmitContainerDbusState emits ContainerDbusState(id, address).
func (e *HostEndpoint) EmitContainerDbusState(id, address string) {
	if err := e.transport.EmitSignal(HostObjectPath, HostInterface, SignalContainerDbusState, id, address); err != nil {
		e.logger.Warn("emit ContainerDbusState failed", slog.String("zone_id", id), slog.Any("error", err))
	}
}

// hostObject is the value actually exported on the bus; its exported
// methods form the wire surface, converting handler errors into *dbus.Error.
type hostObject struct {
	endpoint *HostEndpoint
}

func (o *hostObject) GetZoneIds() ([]string, *dbus.Error) {
	return o.endpoint.handlers.GetZoneIds(context.Background()), nil
}

func (o *hostObject) GetActiveZoneId() (string, *dbus.Error) {
	return o.endpoint.handlers.GetActiveZoneId(context.Background()), nil
}

func (o *hostObject) SetActiveZone(id string) *dbus.Error {
	return toDBusError(o.endpoint.handlers.SetActiveZone(context.Background(), id))
}

func (o *hostObject) GetZoneDbuses() (map[string]string, *dbus.Error) {
	return o.endpoint.handlers.GetZoneDbuses(context.Background()), nil
}

func (o *hostObject) CreateZone(id, templateName string) *dbus.Error {
	return toDBusError(o.endpoint.handlers.CreateZone(context.Background(), id, templateName))
}

func (o *hostObject) DestroyZone(id string, force bool) *dbus.Error {
	return toDBusError(o.endpoint.handlers.DestroyZone(context.Background(), id, force))
}

func (o *hostObject) ShutdownZone(id string) *dbus.Error {
	return toDBusError(o.endpoint.handlers.ShutdownZone(context.Background(), id))
}

func (o *hostObject) StartZone(id string) *dbus.Error {
	return toDBusError(o.endpoint.handlers.StartZone(context.Background(), id))
}

func (o *hostObject) LockZone(id string) *dbus.Error {
	return toDBusError(o.endpoint.handlers.LockZone(context.Background(), id))
}

func (o *hostObject) UnlockZone(id string) *dbus.Error {
	return toDBusError(o.endpoint.handlers.UnlockZone(context.Background(), id))
}

func (o *hostObject) GrantDevice(id, device string, flags uint32) *dbus.Error {
	return toDBusError(o.endpoint.handlers.GrantDevice(context.Background(), id, device, flags))
}

func (o *hostObject) RevokeDevice(id, device string) *dbus.Error {
	return toDBusError(o.endpoint.handlers.RevokeDevice(context.Background(), id, device))
}

func (o *hostObject) ProxyCall(target, busName, path, iface, method string, args []interface{}) (dbus.Variant, *dbus.Error) {
	result, err := o.endpoint.handlers.ProxyCall(context.Background(), "host", target, busName, path, iface, method, args)
	if err != nil {
		return dbus.Variant{}, toProxyCallError(err)
	}
	return dbus.MakeVariant(result), nil
}

// toDBusError maps a status-coded error onto a generic *dbus.Error; it does
// not distinguish ProxyCall's specific error names, which go through
// toProxyCallError instead.
func toDBusError(err error) *dbus.Error {
	if err == nil {
		return nil
	}
	return dbus.NewError(ErrNameInternal, []interface{}{status.Message(err)})
}

// toProxyCallError maps a status-coded error from a ProxyCall handler onto
// one of the four documented ProxyCall error names.
func toProxyCallError(err error) *dbus.Error {
	if err == nil {
		return nil
	}

	name := ErrNameInternal
	switch status.CodeOf(err) {
	case status.CodePolicyDenied:
		name = ErrNameForbidden
	case status.CodeUnknownTarget:
		name = ErrNameUnknownID
	case status.CodeTargetStopped:
		name = ErrNameContainerStopped
	case status.CodeForwarded:
		name = ErrNameForwarded
	}
	return dbus.NewError(name, []interface{}{status.Message(err)})
}

// errFromDBusError recovers the original error kind from a call to a remote
// ProxyCall target, for wrapping as ERROR_FORWARDED on the way back.
func errFromDBusError(err error) (name, message string, ok bool) {
	var dberr dbus.Error
	if errors.As(err, &dberr) {
		msg := ""
		if len(dberr.Body) > 0 {
			if s, ok := dberr.Body[0].(string); ok {
				msg = s
			}
		}
		return dberr.Name, msg, true
	}
	return "", "", false
}
