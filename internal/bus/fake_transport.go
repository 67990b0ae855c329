package bus

import (
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
)

// FakeBus is an in-process stand-in for a D-Bus broker: it tracks
// well-known name ownership and fans out emitted signals to subscribers,
// without touching a real system or session bus. Tests connect to it via
// FakeBus.Connect, mirroring how multiple peers share one broker on a real
// bus.
type FakeBus struct {
	mu          sync.Mutex
	nextUnique  int
	owners      map[string]string // well-known name -> owning unique name
	subscribers []fakeSubscriber
}

type fakeSubscriber struct {
	path   dbus.ObjectPath
	iface  string
	member string
	sender string
	ch     chan Signal
}

// NewFakeBus creates an empty in-process bus.
func NewFakeBus() *FakeBus {
	return &FakeBus{owners: make(map[string]string)}
}

// Connect creates a new connection onto the bus with a fresh unique name,
// analogous to dialing a real bus.
func (b *FakeBus) Connect() *FakeTransport {
	b.mu.Lock()
	b.nextUnique++
	unique := fmt.Sprintf(":fake.%d", b.nextUnique)
	b.mu.Unlock()

	return &FakeTransport{bus: b, uniqueName: unique}
}

func (b *FakeBus) ownerOf(name string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	owner, ok := b.owners[name]
	return owner, ok
}

// -------------------------------------------------------------------------
// FakeTransport: one connection onto a FakeBus.
// -------------------------------------------------------------------------

// FakeTransport is one logical connection onto a FakeBus. It implements
// Transport so endpoint code under test never has to special-case it.
type FakeTransport struct {
	bus        *FakeBus
	uniqueName string

	mu       sync.Mutex
	exported map[string]interface{}
}

// UniqueName returns the synthetic unique connection name assigned on
// Connect, the fake analogue of a real bus's ":1.N" name.
func (t *FakeTransport) UniqueName() string {
	return t.uniqueName
}

func (t *FakeTransport) Export(handler interface{}, path dbus.ObjectPath, iface string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.exported == nil {
		t.exported = make(map[string]interface{})
	}
	t.exported[string(path)+"\x00"+iface] = handler
	return nil
}

func (t *FakeTransport) RequestName(name string) error {
	t.bus.mu.Lock()
	defer t.bus.mu.Unlock()
	if owner, ok := t.bus.owners[name]; ok && owner != t.uniqueName {
		return fmt.Errorf("request name %s: already owned by %s", name, owner)
	}
	t.bus.owners[name] = t.uniqueName
	return nil
}

// EmitSignal fans args out to every subscriber whose filter matches this
// signal, applying the same sender well-known-name check a real broker's
// match rule with Sender() would apply.
func (t *FakeTransport) EmitSignal(path dbus.ObjectPath, iface, member string, args ...interface{}) error {
	sig := Signal{Sender: t.uniqueName, Path: path, Name: iface + "." + member, Body: args}

	t.bus.mu.Lock()
	subs := append([]fakeSubscriber(nil), t.bus.subscribers...)
	t.bus.mu.Unlock()

	for _, sub := range subs {
		if sub.path != path || sub.iface != iface || sub.member != member {
			continue
		}
		if sub.sender != "" {
			owner, ok := t.bus.ownerOf(sub.sender)
			if !ok || owner != t.uniqueName {
				continue
			}
		}
		sub.ch <- sig
	}
	return nil
}

func (t *FakeTransport) Subscribe(path dbus.ObjectPath, iface, member, senderName string) (<-chan Signal, error) {
	ch := make(chan Signal, 16)

	t.bus.mu.Lock()
	t.bus.subscribers = append(t.bus.subscribers, fakeSubscriber{
		path: path, iface: iface, member: member, sender: senderName, ch: ch,
	})
	t.bus.mu.Unlock()

	return ch, nil
}

func (t *FakeTransport) Close() error {
	return nil
}

var _ Transport = (*FakeTransport)(nil)
