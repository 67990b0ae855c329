package manager_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/zonesd/zonesd/internal/bus"
	"github.com/zonesd/zonesd/internal/config"
	"github.com/zonesd/zonesd/internal/filemove"
	"github.com/zonesd/zonesd/internal/manager"
	"github.com/zonesd/zonesd/internal/policy"
	"github.com/zonesd/zonesd/internal/runtime"
	"github.com/zonesd/zonesd/internal/status"
	"github.com/zonesd/zonesd/internal/zone"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// harness wires a Manager up against a FakeBus, with zones constructed
// against runtime.Simulated container handles, mirroring how cmd/zonesd
// wires the real thing.
type harness struct {
	t       *testing.T
	fakeBus *bus.FakeBus
	mgr     *manager.Manager
	cfg     *config.ManagerConfig
}

func newHarness(t *testing.T, cfg *config.ManagerConfig) *harness {
	t.Helper()

	rules, err := manager.BuildPolicyRules(cfg.ProxyCallRules)
	if err != nil {
		t.Fatalf("BuildPolicyRules: %v", err)
	}
	policyEngine, err := policy.New(rules)
	if err != nil {
		t.Fatalf("policy.New: %v", err)
	}

	fakeBus := bus.NewFakeBus()

	// Manager only needs a host endpoint to emit ContainerDbusState, which
	// these tests don't assert on.
	mgr := manager.New(cfg, policyEngine, nil, nil, filemove.NewPathMover(), testLogger())

	return &harness{t: t, fakeBus: fakeBus, mgr: mgr, cfg: cfg}
}

func (h *harness) addZone(id string, privilege int, switchToDefault bool, sendPatterns, recvPatterns []string) *zone.Zone {
	h.t.Helper()

	conn := h.fakeBus.Connect()
	z, err := zone.New(zone.Config{
		ID:                          id,
		Privilege:                   privilege,
		SwitchToDefaultAfterTimeout: switchToDefault,
		PermittedToSend:             sendPatterns,
		PermittedToRecv:             recvPatterns,
	}, runtime.NewSimulated(), h.mgr, testLogger())
	if err != nil {
		h.t.Fatalf("zone.New(%s): %v", id, err)
	}

	endpoint := bus.NewZoneEndpoint(id, conn, manager.ZoneRPCAdapter{Zone: z}, testLogger())
	if err := endpoint.Start("org.tizen.power"); err != nil {
		h.t.Fatalf("endpoint.Start(%s): %v", id, err)
	}

	h.mgr.AddZone(z, endpoint)
	return z
}

func baseConfig() *config.ManagerConfig {
	cfg := config.DefaultManagerConfig()
	cfg.DefaultID = "z1"
	return cfg
}

func TestDisplayOffHandlerKeepsDefaultZoneForeground(t *testing.T) {
	h := newHarness(t, baseConfig())
	z1 := h.addZone("z1", 0, true, nil, nil)

	ctx := context.Background()
	if err := z1.Start(ctx); err != nil {
		t.Fatalf("z1.Start: %v", err)
	}
	if err := h.mgr.Focus(ctx, "z1"); err != nil {
		t.Fatalf("Focus(z1): %v", err)
	}

	h.mgr.DisplayOffHandler(ctx)
	if got := h.mgr.GetActiveZoneId(ctx); got != "z1" {
		t.Errorf("active zone after display_off = %q, want z1 (already default)", got)
	}
}

func TestNotifyActiveContainerRouting(t *testing.T) {
	h := newHarness(t, baseConfig())
	z1 := h.addZone("z1", 0, false, nil, nil)
	z2 := h.addZone("z2", 1, false, nil, nil)

	ctx := context.Background()
	if err := z1.Start(ctx); err != nil {
		t.Fatalf("z1.Start: %v", err)
	}
	if err := z2.Start(ctx); err != nil {
		t.Fatalf("z2.Start: %v", err)
	}
	if err := h.mgr.Focus(ctx, "z1"); err != nil {
		t.Fatalf("Focus(z1): %v", err)
	}

	subscriber := h.fakeBus.Connect()
	signals, err := subscriber.Subscribe(bus.ZoneObjectPath, bus.ZoneInterface, bus.SignalNotification, "")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// z2 is not the foreground zone: the foreground zone (z1) gets the
	// Notification signal.
	h.mgr.NotifyActiveContainerHandler(ctx, "z2", "app", "hello")
	select {
	case sig := <-signals:
		if len(sig.Body) != 3 || sig.Body[0] != "z2" || sig.Body[1] != "app" || sig.Body[2] != "hello" {
			t.Errorf("unexpected signal body: %+v", sig.Body)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a Notification signal routed to the foreground zone, got none")
	}

	// z1 is itself the foreground zone: routing back to the sender is
	// skipped, so no signal should be emitted.
	h.mgr.NotifyActiveContainerHandler(ctx, "z1", "app", "self")
	select {
	case sig := <-signals:
		t.Fatalf("unexpected Notification signal when caller is the foreground zone: %+v", sig)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestProxyCallPolicyScenario(t *testing.T) {
	cfg := baseConfig()
	cfg.ProxyCallRules = []config.ProxyCallRule{
		{CallerGlob: "z1", TargetGlob: "host", Effect: "ALLOW"},
		{Effect: "DENY"},
	}
	h := newHarness(t, cfg)
	h.addZone("z1", 0, false, nil, nil)
	h.addZone("z2", 1, false, nil, nil)

	ctx := context.Background()

	// z1 clears the policy check; forwarding itself then fails because
	// the manager exports no host-side objects (host targets always get
	// UNKNOWN_ID), so the observable outcome is "not denied", not a
	// successful reply.
	_, err := h.mgr.ProxyCall(ctx, "z1", "host", "", "/", "org.foo", "Ping", nil)
	if status.CodeOf(err) == status.CodePolicyDenied {
		t.Errorf("z1 proxy_call to host should clear the policy check, got %v", err)
	}

	_, err = h.mgr.ProxyCall(ctx, "z2", "host", "", "/", "org.foo", "Ping", nil)
	if status.CodeOf(err) != status.CodePolicyDenied {
		t.Fatalf("z2 proxy_call to host should be forbidden, got %v", err)
	}
}

func TestFileMovePermissionsScenario(t *testing.T) {
	cfg := baseConfig()
	cfg.ContainersPath = t.TempDir()
	h := newHarness(t, cfg)

	z1 := h.addZone("z1", 0, false, []string{`/tmp/.*`}, nil)
	h.addZone("z2", 1, false, nil, []string{`/tmp/.*`})

	ctx := context.Background()
	if err := z1.Start(ctx); err != nil {
		t.Fatalf("z1.Start: %v", err)
	}

	srcDir := filepath.Join(cfg.ContainersPath, "z1", "tmp")
	if err := os.MkdirAll(srcDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(srcDir, "a"), []byte("payload"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	code, err := h.mgr.HandleFileMoveRequest(ctx, "z1", "z2", "/tmp/a")
	if err != nil {
		t.Fatalf("HandleFileMoveRequest: %v", err)
	}
	if code != bus.FileMoveSucceeded {
		t.Fatalf("code = %q, want %q", code, bus.FileMoveSucceeded)
	}

	dstPath := filepath.Join(cfg.ContainersPath, "z2", "tmp", "a")
	if _, err := os.Stat(dstPath); err != nil {
		t.Errorf("destination file missing: %v", err)
	}
}

func TestFileMoveWrongPermissionsDenied(t *testing.T) {
	cfg := baseConfig()
	cfg.ContainersPath = t.TempDir()
	h := newHarness(t, cfg)
	h.addZone("z1", 0, false, nil, nil) // no permitted_to_send patterns
	h.addZone("z2", 1, false, nil, nil)

	ctx := context.Background()
	code, err := h.mgr.HandleFileMoveRequest(ctx, "z1", "z2", "/tmp/a")
	if err != nil {
		t.Fatalf("HandleFileMoveRequest: %v", err)
	}
	if code != bus.FileMoveNoPermissionsSend {
		t.Errorf("code = %q, want %q", code, bus.FileMoveNoPermissionsSend)
	}
}

func TestForegroundAutoSelectionOnStartAll(t *testing.T) {
	cfg := baseConfig()
	cfg.ForegroundID = ""
	h := newHarness(t, cfg)
	h.addZone("z2", 5, false, nil, nil)
	h.addZone("z1", 1, false, nil, nil)

	ctx := context.Background()
	if err := h.mgr.StartAll(ctx); err != nil {
		t.Fatalf("StartAll: %v", err)
	}

	if got := h.mgr.GetActiveZoneId(ctx); got != "z1" {
		t.Errorf("active zone = %q, want z1 (smallest privilege)", got)
	}
}

func TestValidateConstructionRejectsUnknownDefaultZone(t *testing.T) {
	cfg := baseConfig()
	cfg.DefaultID = "does-not-exist"
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("Validate should only check DefaultID is non-empty at load time: %v", err)
	}

	h := newHarness(t, cfg)
	h.addZone("z1", 0, false, nil, nil)

	if err := h.mgr.ValidateConstruction(); err == nil {
		t.Fatal("ValidateConstruction should fail: defaultId is absent from the zone map")
	} else if status.CodeOf(err) != status.CodeConfigError {
		t.Errorf("error code = %v, want CodeConfigError", status.CodeOf(err))
	}
}

func TestValidateConstructionAcceptsKnownDefaultZone(t *testing.T) {
	h := newHarness(t, baseConfig())
	h.addZone("z1", 0, false, nil, nil)

	if err := h.mgr.ValidateConstruction(); err != nil {
		t.Fatalf("ValidateConstruction: %v", err)
	}
}

func TestStateCallbackIDsAreUniqueAndNeverReused(t *testing.T) {
	h := newHarness(t, baseConfig())

	const n = 200
	ids := make(chan uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- h.mgr.AddStateCallback(func(string, string, any) {}, nil)
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[uint64]bool, n)
	for id := range ids {
		if seen[id] {
			t.Fatalf("subscription id %d generated twice", id)
		}
		seen[id] = true
	}

	deletedID := h.mgr.AddStateCallback(func(string, string, any) {}, nil)
	h.mgr.DelStateCallback(deletedID)
	nextID := h.mgr.AddStateCallback(func(string, string, any) {}, nil)
	if nextID == deletedID {
		t.Errorf("AddStateCallback reused id %d after DelStateCallback", deletedID)
	}
	if seen[nextID] {
		t.Errorf("AddStateCallback produced id %d already seen earlier", nextID)
	}
}

func TestStateCallbackFiresOnBusStateChange(t *testing.T) {
	h := newHarness(t, baseConfig())

	type event struct {
		zoneID, address string
		userData        any
	}
	events := make(chan event, 1)
	h.mgr.AddStateCallback(func(zoneID, address string, userData any) {
		events <- event{zoneID, address, userData}
	}, "marker")

	h.mgr.OnBusStateChanged("z1", ":1.23")

	select {
	case ev := <-events:
		if ev.zoneID != "z1" || ev.address != ":1.23" || ev.userData != "marker" {
			t.Errorf("callback fired with %+v, want {z1 :1.23 marker}", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected state callback to fire on OnBusStateChanged")
	}
}

func TestRotateForegroundRoundRobin(t *testing.T) {
	h := newHarness(t, baseConfig())
	z1 := h.addZone("z1", 0, false, nil, nil)
	z2 := h.addZone("z2", 1, false, nil, nil)

	ctx := context.Background()
	if err := z1.Start(ctx); err != nil {
		t.Fatalf("z1.Start: %v", err)
	}
	if err := z2.Start(ctx); err != nil {
		t.Fatalf("z2.Start: %v", err)
	}
	if err := h.mgr.Focus(ctx, "z1"); err != nil {
		t.Fatalf("Focus(z1): %v", err)
	}

	if err := h.mgr.RotateForegroundRoundRobin(ctx); err != nil {
		t.Fatalf("RotateForegroundRoundRobin: %v", err)
	}
	if got := h.mgr.GetActiveZoneId(ctx); got != "z2" {
		t.Errorf("active zone after rotate = %q, want z2", got)
	}

	if err := h.mgr.RotateForegroundRoundRobin(ctx); err != nil {
		t.Fatalf("RotateForegroundRoundRobin: %v", err)
	}
	if got := h.mgr.GetActiveZoneId(ctx); got != "z1" {
		t.Errorf("active zone after second rotate = %q, want z1 (wrapped)", got)
	}
}
