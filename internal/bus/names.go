// Package bus implements the two D-Bus-shaped message buses the manager
// exposes: the host bus (one object, methods for zone lifecycle and
// cross-zone proxying) and a per-zone bus (notifications, file moves, proxy
// forwarding). Both are built on the Transport abstraction in this package
// so the manager can be exercised against an in-process fake bus in tests
// without a real system bus daemon.
package bus

import "github.com/godbus/dbus/v5"

// Host bus object path, interface name, and well-known name (identical, per
// the external-interfaces contract).
const (
	HostObjectPath = dbus.ObjectPath("/org/tizen/containers/host")
	HostInterface  = "org.tizen.containers.host"
	HostBusName    = "org.tizen.containers.host"
)

// Zone bus object path and interface name.
const (
	ZoneObjectPath = dbus.ObjectPath("/org/tizen/containers/domain")
	ZoneInterface  = "org.tizen.containers.domain"
)

// Signal names.
const (
	SignalContainerDbusState = "ContainerDbusState"
	SignalNotification       = "Notification"
	SignalDisplayOff         = "DisplayOff"
)

// PowerManagerInterface is the well-known interface the display_off signal
// is expected on; the sending bus name is checked against the configured
// power-manager name, not this interface name.
const PowerManagerInterface = "org.tizen.power.manager"

// FileMoveRequest result codes.
const (
	FileMoveSucceeded           = "FILE_MOVE_SUCCEEDED"
	FileMoveFailed              = "FILE_MOVE_FAILED"
	FileMoveDestinationNotFound = "FILE_MOVE_DESTINATION_NOT_FOUND"
	FileMoveWrongDestination    = "FILE_MOVE_WRONG_DESTINATION"
	FileMoveNoPermissionsSend   = "FILE_MOVE_NO_PERMISSIONS_SEND"
	FileMoveNoPermissionsRecv   = "FILE_MOVE_NO_PERMISSIONS_RECEIVE"
)

// ProxyCall error names, returned as dbus.Error names on the host and zone
// ProxyCall methods.
const (
	ErrNameForbidden        = "org.tizen.containers.Error.Forbidden"
	ErrNameUnknownID        = "org.tizen.containers.Error.UnknownId"
	ErrNameForwarded        = "org.tizen.containers.Error.Forwarded"
	ErrNameContainerStopped = "org.tizen.containers.Error.ContainerStopped"
	ErrNameInternal         = "org.tizen.containers.Error.Internal"
)
