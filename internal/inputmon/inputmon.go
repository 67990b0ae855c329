// Package inputmon watches the input device configured for the zones
// daemon and posts rotation events to the manager. The interface is kept
// minimal, mirroring the network-interface monitor it's grounded on, so a
// future platform-specific implementation (evdev on Linux) can replace the
// stub without touching callers.
package inputmon

import (
	"context"
	"log/slog"
)

// Event is one input-device activity observation that should drive a
// foreground rotation decision.
type Event struct {
	// Device is the path of the device that produced the event.
	Device string
}

// Monitor watches an input device and emits Events when it observes
// activity that should trigger a foreground rotation.
//
// Usage:
//
//	mon := inputmon.NewStub(logger)
//	events := mon.Events()
//	go func() {
//	    for ev := range events {
//	        rotate(ev)
//	    }
//	}()
//	mon.Run(ctx) // blocks until ctx is cancelled
type Monitor interface {
	// Run starts monitoring. It blocks until ctx is cancelled. Run must
	// be called at most once.
	Run(ctx context.Context) error

	// Events returns the channel Run posts observations to. It is
	// closed when Run returns.
	Events() <-chan Event

	// Close releases any resources held by the monitor.
	Close() error
}

// Stub is a no-op Monitor used when input monitoring is disabled in
// configuration, or when no platform-specific device reader is available.
type Stub struct {
	events chan Event
	logger *slog.Logger
}

// NewStub creates a no-op input monitor.
func NewStub(logger *slog.Logger) *Stub {
	return &Stub{
		events: make(chan Event, 16),
		logger: logger.With(slog.String("component", "inputmon.stub")),
	}
}

// Run blocks until ctx is cancelled, emitting nothing.
func (m *Stub) Run(ctx context.Context) error {
	m.logger.Info("stub input monitor started (no-op)")
	<-ctx.Done()
	close(m.events)
	m.logger.Info("stub input monitor stopped")
	return nil
}

// Events returns the (always empty) event channel.
func (m *Stub) Events() <-chan Event {
	return m.events
}

// Close is a no-op for the stub monitor.
func (m *Stub) Close() error {
	return nil
}

var _ Monitor = (*Stub)(nil)
