package ipc_test

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/zonesd/zonesd/internal/ipc"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestService(t *testing.T) (*ipc.Service, string) {
	t.Helper()

	socketPath := filepath.Join(t.TempDir(), "zonesd.sock")
	svc := ipc.New(socketPath, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = svc.Stop() })

	return svc, socketPath
}

// fakePeer is a minimal echo client speaking the same wire framing the
// Service uses, for driving CallSync/CallAsync/Signal from the other side
// of a real Unix socket.
type fakePeer struct {
	conn net.Conn
	r    *bufio.Reader
}

func dialFakePeer(t *testing.T, socketPath string) *fakePeer {
	t.Helper()

	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("unix", socketPath)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	return &fakePeer{conn: conn, r: bufio.NewReader(conn)}
}

func (p *fakePeer) readFrame(t *testing.T) ipc.Frame {
	t.Helper()

	header := make([]byte, 17)
	if _, err := io.ReadFull(p.r, header); err != nil {
		t.Fatalf("read header: %v", err)
	}
	payloadLen := binary.LittleEndian.Uint32(header[13:17])
	buf := make([]byte, 17+payloadLen)
	copy(buf, header)
	if payloadLen > 0 {
		if _, err := io.ReadFull(p.r, buf[17:]); err != nil {
			t.Fatalf("read payload: %v", err)
		}
	}

	var f ipc.Frame
	if err := f.UnmarshalBinary(buf); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	return f
}

func (p *fakePeer) writeFrame(t *testing.T, f ipc.Frame) {
	t.Helper()

	data, err := f.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if _, err := p.conn.Write(data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestCallSyncRoundTrip(t *testing.T) {
	svc, socketPath := newTestService(t)

	peerConnected := make(chan uint64, 1)
	svc.SetNewPeerCallback(func(peerID uint64) { peerConnected <- peerID })

	peer := dialFakePeer(t, socketPath)

	var peerID uint64
	select {
	case peerID = <-peerConnected:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for peer connect callback")
	}

	// Drive the echo side of the protocol: read the request, reply.
	go func() {
		req := peer.readFrame(t)
		peer.writeFrame(t, ipc.Frame{
			MessageID: req.MessageID,
			MethodID:  req.MethodID,
			Kind:      ipc.KindResponse,
			Payload:   []byte("pong"),
		})
	}()

	ctx := context.Background()
	resp, err := svc.CallSync(ctx, 42, peerID, []byte("ping"), time.Second)
	if err != nil {
		t.Fatalf("CallSync: %v", err)
	}
	if string(resp) != "pong" {
		t.Errorf("resp = %q, want %q", resp, "pong")
	}
}

func TestCallSyncTimesOutWhenPeerSilent(t *testing.T) {
	svc, socketPath := newTestService(t)

	peerConnected := make(chan uint64, 1)
	svc.SetNewPeerCallback(func(peerID uint64) { peerConnected <- peerID })

	_ = dialFakePeer(t, socketPath)

	var peerID uint64
	select {
	case peerID = <-peerConnected:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for peer connect callback")
	}

	ctx := context.Background()
	_, err := svc.CallSync(ctx, 42, peerID, []byte("ping"), 50*time.Millisecond)
	if err != ipc.ErrTimedOut {
		t.Fatalf("err = %v, want %v", err, ipc.ErrTimedOut)
	}
}

func TestCallSyncUnknownPeerFails(t *testing.T) {
	svc, _ := newTestService(t)

	ctx := context.Background()
	_, err := svc.CallSync(ctx, 1, 999, nil, time.Second)
	if err == nil {
		t.Fatal("expected error for unknown peer")
	}
}

func TestMethodHandlerServesRequest(t *testing.T) {
	svc, socketPath := newTestService(t)

	svc.AddMethodHandler(7, func(ctx context.Context, peerID uint64, payload []byte) ([]byte, error) {
		return append([]byte("echo:"), payload...), nil
	})

	peer := dialFakePeer(t, socketPath)
	peer.writeFrame(t, ipc.Frame{MessageID: 1, MethodID: 7, Kind: ipc.KindRequest, Payload: []byte("hi")})

	resp := peer.readFrame(t)
	if resp.Kind != ipc.KindResponse {
		t.Fatalf("kind = %v, want RESPONSE", resp.Kind)
	}
	if string(resp.Payload) != "echo:hi" {
		t.Errorf("payload = %q, want %q", resp.Payload, "echo:hi")
	}
}

func TestSignalFanOutToSubscribers(t *testing.T) {
	svc, socketPath := newTestService(t)

	peerConnected := make(chan uint64, 1)
	svc.SetNewPeerCallback(func(peerID uint64) { peerConnected <- peerID })

	peer := dialFakePeer(t, socketPath)

	var peerID uint64
	select {
	case peerID = <-peerConnected:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for peer connect callback")
	}

	svc.Subscribe(peerID, 55)
	svc.Signal(55, []byte("notify"))

	got := peer.readFrame(t)
	if got.Kind != ipc.KindSignal || string(got.Payload) != "notify" {
		t.Errorf("got %+v, want SIGNAL notify", got)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "zonesd.sock")
	svc := ipc.New(socketPath, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := svc.Stop(); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}
