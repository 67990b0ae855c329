package bus

import (
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
)

// Signal is a bus-transport-agnostic view of one emitted signal.
type Signal struct {
	Sender string
	Path   dbus.ObjectPath
	Name   string // "interface.member"
	Body   []interface{}
}

// Transport is the minimal bus surface the host and zone endpoints need.
// RealTransport adapts a *dbus.Conn; FakeTransport is an in-process
// stand-in used in tests, so endpoint logic never has to touch a system
// bus daemon to be exercised.
type Transport interface {
	// Export publishes handler's methods at path under iface.
	Export(handler interface{}, path dbus.ObjectPath, iface string) error

	// RequestName acquires a well-known name for this connection.
	RequestName(name string) error

	// EmitSignal emits interface.member with args from path.
	EmitSignal(path dbus.ObjectPath, iface, member string, args ...interface{}) error

	// Subscribe returns a channel of signals matching path/iface/member.
	// If senderName is non-empty, only signals from a connection that
	// currently owns senderName are delivered.
	Subscribe(path dbus.ObjectPath, iface, member, senderName string) (<-chan Signal, error)

	// Close releases the underlying connection.
	Close() error
}

// -------------------------------------------------------------------------
// RealTransport: godbus/dbus/v5-backed implementation.
// -------------------------------------------------------------------------

// RealTransport wraps a live *dbus.Conn.
type RealTransport struct {
	conn *dbus.Conn

	mu          sync.Mutex
	started     bool
	rawSignals  chan *dbus.Signal
	subscribers []realSubscriber
}

type realSubscriber struct {
	path   dbus.ObjectPath
	iface  string
	member string
	sender string
	ch     chan Signal
}

// NewRealTransport wraps conn. conn should already be connected (e.g. via
// dbus.ConnectSystemBus or dbus.ConnectSessionBus).
func NewRealTransport(conn *dbus.Conn) *RealTransport {
	return &RealTransport{conn: conn}
}

func (t *RealTransport) Export(handler interface{}, path dbus.ObjectPath, iface string) error {
	return t.conn.Export(handler, path, iface)
}

func (t *RealTransport) RequestName(name string) error {
	reply, err := t.conn.RequestName(name, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("request name %s: %w", name, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("request name %s: reply %v, not primary owner", name, reply)
	}
	return nil
}

func (t *RealTransport) EmitSignal(path dbus.ObjectPath, iface, member string, args ...interface{}) error {
	return t.conn.Emit(path, iface+"."+member, args...)
}

func (t *RealTransport) Subscribe(path dbus.ObjectPath, iface, member, senderName string) (<-chan Signal, error) {
	opts := []dbus.MatchOption{
		dbus.WithMatchObjectPath(path),
		dbus.WithMatchInterface(iface),
		dbus.WithMatchMember(member),
	}
	if senderName != "" {
		opts = append(opts, dbus.WithMatchSender(senderName))
	}
	if err := t.conn.AddMatchSignal(opts...); err != nil {
		return nil, fmt.Errorf("add match signal: %w", err)
	}

	ch := make(chan Signal, 16)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.subscribers = append(t.subscribers, realSubscriber{path: path, iface: iface, member: member, sender: senderName, ch: ch})
	if !t.started {
		t.rawSignals = make(chan *dbus.Signal, 64)
		t.conn.Signal(t.rawSignals)
		t.started = true
		go t.dispatchLoop()
	}

	return ch, nil
}

func (t *RealTransport) dispatchLoop() {
	for sig := range t.rawSignals {
		t.mu.Lock()
		subs := append([]realSubscriber(nil), t.subscribers...)
		t.mu.Unlock()

		for _, sub := range subs {
			if sig.Path != sub.path {
				continue
			}
			wantName := sub.iface + "." + sub.member
			if sig.Name != wantName {
				continue
			}
			sub.ch <- Signal{Sender: sig.Sender, Path: sig.Path, Name: sig.Name, Body: sig.Body}
		}
	}
}

func (t *RealTransport) Close() error {
	return t.conn.Close()
}

var _ Transport = (*RealTransport)(nil)
