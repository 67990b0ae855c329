package zone

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/zonesd/zonesd/internal/status"
)

// IfaceKind names the way a network interface is attached to a zone.
type IfaceKind uint8

const (
	IfaceVeth IfaceKind = iota
	IfaceMacvlan
	IfaceMovedPhysical
)

// DeviceFlags is the access bitmask for GrantDevice/RevokeDevice, built on
// the same mode bits the kernel uses for device nodes.
type DeviceFlags uint32

const (
	DeviceRead DeviceFlags = 1 << iota
	DeviceWrite
	DeviceMknod
)

// unixMode translates DeviceFlags into owner mode bits: DeviceRead becomes
// S_IRUSR and DeviceWrite S_IWUSR. DeviceMknod has no bit in the result.
func (f DeviceFlags) unixMode() uint32 {
	var mode uint32
	if f&DeviceRead != 0 {
		mode |= unix.S_IRUSR
	}
	if f&DeviceWrite != 0 {
		mode |= unix.S_IWUSR
	}
	return mode
}

// AddNetworkInterface attaches a network interface to the zone. Rejected
// with ZONE_STOPPED when the zone is not running, per the contract that
// network operations require a live container.
func (z *Zone) AddNetworkInterface(ctx context.Context, ifaceName string, kind IfaceKind) error {
	if !z.IsRunning() {
		return status.NewError(status.CodeTargetStopped, fmt.Errorf("zone %q: %w", z.id, ErrStopped))
	}

	nh, ok := z.handle.(NetworkHandle)
	if !ok {
		return status.NewError(status.CodeZoneOperationError,
			fmt.Errorf("zone %q: container handle does not support network operations", z.id))
	}
	if err := nh.AddNetworkInterface(ctx, ifaceName, uint8(kind)); err != nil {
		return status.NewError(status.CodeZoneOperationError,
			fmt.Errorf("zone %q add network interface %q: %w", z.id, ifaceName, err))
	}
	return nil
}

// RemoveNetworkInterface detaches a network interface from the zone.
func (z *Zone) RemoveNetworkInterface(ctx context.Context, ifaceName string) error {
	if !z.IsRunning() {
		return status.NewError(status.CodeTargetStopped, fmt.Errorf("zone %q: %w", z.id, ErrStopped))
	}

	nh, ok := z.handle.(NetworkHandle)
	if !ok {
		return status.NewError(status.CodeZoneOperationError,
			fmt.Errorf("zone %q: container handle does not support network operations", z.id))
	}
	if err := nh.RemoveNetworkInterface(ctx, ifaceName); err != nil {
		return status.NewError(status.CodeZoneOperationError,
			fmt.Errorf("zone %q remove network interface %q: %w", z.id, ifaceName, err))
	}
	return nil
}

// GrantDevice grants the zone access to a host device node, per the
// GrantDevice host-bus method's per-zone delegation.
func (z *Zone) GrantDevice(ctx context.Context, devicePath string, flags DeviceFlags) error {
	if !z.IsRunning() {
		return status.NewError(status.CodeTargetStopped, fmt.Errorf("zone %q: %w", z.id, ErrStopped))
	}

	dh, ok := z.handle.(DeviceHandle)
	if !ok {
		return status.NewError(status.CodeZoneOperationError,
			fmt.Errorf("zone %q: container handle does not support device operations", z.id))
	}
	if err := dh.GrantDevice(ctx, devicePath, flags.unixMode()); err != nil {
		return status.NewError(status.CodeZoneOperationError,
			fmt.Errorf("zone %q grant device %q: %w", z.id, devicePath, err))
	}
	return nil
}

// RevokeDevice revokes a previously granted device node.
func (z *Zone) RevokeDevice(ctx context.Context, devicePath string) error {
	if !z.IsRunning() {
		return status.NewError(status.CodeTargetStopped, fmt.Errorf("zone %q: %w", z.id, ErrStopped))
	}

	dh, ok := z.handle.(DeviceHandle)
	if !ok {
		return status.NewError(status.CodeZoneOperationError,
			fmt.Errorf("zone %q: container handle does not support device operations", z.id))
	}
	if err := dh.RevokeDevice(ctx, devicePath); err != nil {
		return status.NewError(status.CodeZoneOperationError,
			fmt.Errorf("zone %q revoke device %q: %w", z.id, devicePath, err))
	}
	return nil
}

// NetworkHandle is an optional capability a ContainerHandle implementation
// may provide for network interface management. Implementations that do not
// support it leave AddNetworkInterface/RemoveNetworkInterface failing with
// CodeZoneOperationError.
type NetworkHandle interface {
	AddNetworkInterface(ctx context.Context, ifaceName string, kind uint8) error
	RemoveNetworkInterface(ctx context.Context, ifaceName string) error
}

// DeviceHandle is an optional capability a ContainerHandle implementation
// may provide for device node access management.
type DeviceHandle interface {
	GrantDevice(ctx context.Context, devicePath string, mode uint32) error
	RevokeDevice(ctx context.Context, devicePath string) error
}
