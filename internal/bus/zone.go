package bus

import (
	"context"
	"log/slog"

	"github.com/godbus/dbus/v5"
)

// ZoneHandlers is the manager's callback surface for one zone's bus. The
// manager implements this once per zone endpoint; the zoneID is implicit in
// which endpoint receives the call, so no caller identity needs recovering
// from the bus connection itself.
type ZoneHandlers interface {
	NotifyActiveContainer(ctx context.Context, app, message string) error
	FileMoveRequest(ctx context.Context, dst, path string) (string, error)
	ProxyCall(ctx context.Context, target, busName, path, iface, method string, args []interface{}) (interface{}, error)
}

// ZoneEndpoint exports the zone-bus object (org.tizen.containers.domain) on
// one zone's bus connection, and listens for the power manager's
// display_off signal, bus-name-scoped so spoofed signals from anonymous
// peers are dropped.
type ZoneEndpoint struct {
	zoneID    string
	transport Transport
	handlers  ZoneHandlers
	logger    *slog.Logger

	onDisplayOff func(ctx context.Context)
}

// NewZoneEndpoint creates a zone-bus endpoint for zoneID over transport.
func NewZoneEndpoint(zoneID string, transport Transport, handlers ZoneHandlers, logger *slog.Logger) *ZoneEndpoint {
	return &ZoneEndpoint{
		zoneID:    zoneID,
		transport: transport,
		handlers:  handlers,
		logger:    logger.With(slog.String("component", "zone-bus"), slog.String("zone_id", zoneID)),
	}
}

// Start exports the zone object and begins listening for display_off,
// scoped to powerManagerName.
func (e *ZoneEndpoint) Start(powerManagerName string) error {
	if err := e.transport.Export(&zoneObject{endpoint: e}, ZoneObjectPath, ZoneInterface); err != nil {
		return err
	}

	signals, err := e.transport.Subscribe(HostObjectPath, PowerManagerInterface, SignalDisplayOff, powerManagerName)
	if err != nil {
		return err
	}

	go e.watchDisplayOff(signals)
	return nil
}

// SetDisplayOffHandler installs the callback invoked when a correctly
// bus-name-scoped display_off signal arrives.
func (e *ZoneEndpoint) SetDisplayOffHandler(fn func(ctx context.Context)) {
	e.onDisplayOff = fn
}

func (e *ZoneEndpoint) watchDisplayOff(signals <-chan Signal) {
	for range signals {
		if e.onDisplayOff != nil {
			e.onDisplayOff(context.Background())
		}
	}
}

// EmitNotification emits Notification(container, application, message) to
// notify this zone.
func (e *ZoneEndpoint) EmitNotification(container, application, message string) {
	if err := e.transport.EmitSignal(ZoneObjectPath, ZoneInterface, SignalNotification, container, application, message); err != nil {
		e.logger.Warn("emit Notification failed", slog.Any("error", err))
	}
}

// zoneObject is exported on a zone's bus connection.
type zoneObject struct {
	endpoint *ZoneEndpoint
}

func (o *zoneObject) NotifyActiveContainer(app, message string) *dbus.Error {
	return toDBusError(o.endpoint.handlers.NotifyActiveContainer(context.Background(), app, message))
}

func (o *zoneObject) FileMoveRequest(dst, path string) (string, *dbus.Error) {
	result, err := o.endpoint.handlers.FileMoveRequest(context.Background(), dst, path)
	if err != nil {
		return result, toDBusError(err)
	}
	return result, nil
}

func (o *zoneObject) ProxyCall(target, busName, path, iface, method string, args []interface{}) (dbus.Variant, *dbus.Error) {
	result, err := o.endpoint.handlers.ProxyCall(context.Background(), target, busName, path, iface, method, args)
	if err != nil {
		return dbus.Variant{}, toProxyCallError(err)
	}
	return dbus.MakeVariant(result), nil
}
