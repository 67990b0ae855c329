// Package runtime defines the contract the zones daemon requires from the
// underlying container runtime. The runtime itself (namespaces, cgroups,
// rootfs mounting) is an external collaborator; this package only pins down
// the capability surface a Zone drives.
package runtime

import "context"

// ContainerHandle is the primitive a Zone drives to actually start, stop,
// and reconfigure the OS-level container backing it. All operations must be
// idempotent with respect to re-entry after success; failures return a
// typed error the caller wraps with status.CodeZoneOperationError.
type ContainerHandle interface {
	// Start brings the container up. Idempotent if already running.
	Start(ctx context.Context) error
	// Stop gracefully stops the container. Idempotent if already stopped.
	Stop(ctx context.Context) error
	// Shutdown is a stronger stop used when the zone is torn down entirely.
	Shutdown(ctx context.Context) error
	// SetForeground grants the container exclusive access to shared
	// physical resources (display, input). Idempotent.
	SetForeground(ctx context.Context) error
	// SetBackground revokes exclusive access. Idempotent.
	SetBackground(ctx context.Context) error
	// IsRunning reports whether the container is currently running.
	IsRunning(ctx context.Context) (bool, error)
	// SendNotification delivers a cross-zone notification into the
	// container, to be re-emitted as a Notification signal on its bus.
	SendNotification(ctx context.Context, sender, app, message string) error
	// BusAddress returns the container's current bus address, or "" if the
	// container has not connected yet or has disconnected.
	BusAddress(ctx context.Context) (string, error)
	// OnBusAddressChanged registers a callback invoked whenever BusAddress
	// would return a different value, including the transition to and from
	// "". At most one callback is retained; registering again replaces it.
	OnBusAddressChanged(fn func(address string))
}
