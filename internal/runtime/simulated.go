package runtime

import (
	"context"
	"fmt"
	"sync"
)

// Simulated is an in-process fake ContainerHandle used by tests and by
// zonesd when no real backend is configured. It records calls and reports a
// synthetic bus address once started, the same role a no-op packet sender
// plays in tests that do not need a live network transport.
type Simulated struct {
	mu        sync.Mutex
	running   bool
	foreground bool
	busAddr   string
	addrSeq   int
	onChanged func(address string)

	// Notifications records every SendNotification call in order, for
	// assertions in manager-level scenario tests.
	Notifications []SimulatedNotification
}

// SimulatedNotification is one recorded SendNotification call.
type SimulatedNotification struct {
	Sender  string
	App     string
	Message string
}

// NewSimulated creates a Simulated container handle in the stopped state.
func NewSimulated() *Simulated {
	return &Simulated{}
}

// Start marks the container running and assigns a synthetic bus address.
func (s *Simulated) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true
	s.addrSeq++
	s.setAddrLocked(fmt.Sprintf("unix:path=/run/zonesd/sim-%d", s.addrSeq))
	return nil
}

// Stop marks the container stopped and clears its bus address.
func (s *Simulated) Stop(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	s.foreground = false
	s.setAddrLocked("")
	return nil
}

// Shutdown behaves identically to Stop for the simulated handle.
func (s *Simulated) Shutdown(ctx context.Context) error {
	return s.Stop(ctx)
}

// SetForeground marks the container foreground. Idempotent.
func (s *Simulated) SetForeground(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.foreground = true
	return nil
}

// SetBackground marks the container background. Idempotent.
func (s *Simulated) SetBackground(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.foreground = false
	return nil
}

// IsRunning reports the current running flag.
func (s *Simulated) IsRunning(_ context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running, nil
}

// SendNotification records the notification for test assertions.
func (s *Simulated) SendNotification(_ context.Context, sender, app, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Notifications = append(s.Notifications, SimulatedNotification{sender, app, message})
	return nil
}

// BusAddress returns the current synthetic bus address, or "" if stopped.
func (s *Simulated) BusAddress(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busAddr, nil
}

// OnBusAddressChanged installs the address-change callback.
func (s *Simulated) OnBusAddressChanged(fn func(address string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChanged = fn
}

// setAddrLocked updates busAddr and fires onChanged if the address actually
// changed. Must be called with s.mu held.
func (s *Simulated) setAddrLocked(addr string) {
	if addr == s.busAddr {
		return
	}
	s.busAddr = addr
	if s.onChanged != nil {
		cb := s.onChanged
		go cb(addr)
	}
}

// IsForeground reports the simulated foreground flag; used only by tests.
func (s *Simulated) IsForeground() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.foreground
}

var _ ContainerHandle = (*Simulated)(nil)
