package ipc_test

import (
	"bytes"
	"testing"

	"github.com/zonesd/zonesd/internal/ipc"
)

func TestFrameRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []ipc.Frame{
		{MessageID: 1, MethodID: 7, Kind: ipc.KindRequest, Payload: nil},
		{MessageID: 2, MethodID: 7, Kind: ipc.KindResponse, Payload: []byte("ok")},
		{MessageID: 3, MethodID: 99, Kind: ipc.KindSignal, Payload: []byte{0x01, 0x02, 0x03}},
		{MessageID: 1 << 40, MethodID: 1 << 20, Kind: ipc.KindError, Payload: ipc.NewErrorPayload(ipc.ErrCodeTimedOut, "deadline exceeded")},
	}

	for _, want := range cases {
		data, err := want.MarshalBinary()
		if err != nil {
			t.Fatalf("MarshalBinary: %v", err)
		}

		var got ipc.Frame
		if err := got.UnmarshalBinary(data); err != nil {
			t.Fatalf("UnmarshalBinary: %v", err)
		}

		if got.MessageID != want.MessageID || got.MethodID != want.MethodID || got.Kind != want.Kind {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
		}
		if !bytes.Equal(got.Payload, want.Payload) && len(got.Payload) != 0 {
			t.Fatalf("payload mismatch: got %v, want %v", got.Payload, want.Payload)
		}
	}
}

func TestUnmarshalBinaryShortHeaderIsFraming(t *testing.T) {
	t.Parallel()

	var f ipc.Frame
	err := f.UnmarshalBinary([]byte{1, 2, 3})
	if err == nil {
		t.Fatal("expected error for short header")
	}
}

func TestUnmarshalBinaryLengthMismatchIsFraming(t *testing.T) {
	t.Parallel()

	want := ipc.Frame{MessageID: 1, MethodID: 2, Kind: ipc.KindRequest, Payload: []byte("hello")}
	data, err := want.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}

	truncated := data[:len(data)-2]
	var got ipc.Frame
	if err := got.UnmarshalBinary(truncated); err == nil {
		t.Fatal("expected framing error for truncated payload")
	}
}

func TestErrorPayloadRoundTrip(t *testing.T) {
	t.Parallel()

	payload := ipc.NewErrorPayload(ipc.ErrCodePeerDisconnected, "peer closed connection")
	code, reason, err := ipc.ParseErrorPayload(payload)
	if err != nil {
		t.Fatalf("ParseErrorPayload: %v", err)
	}
	if code != ipc.ErrCodePeerDisconnected {
		t.Errorf("code = %v, want %v", code, ipc.ErrCodePeerDisconnected)
	}
	if reason != "peer closed connection" {
		t.Errorf("reason = %q, want %q", reason, "peer closed connection")
	}
}

func TestErrorCodeStrings(t *testing.T) {
	t.Parallel()

	cases := map[ipc.ErrorCode]string{
		ipc.ErrCodeServiceStopped:   "SERVICE_STOPPED",
		ipc.ErrCodePeerDisconnected: "PEER_DISCONNECTED",
		ipc.ErrCodeTimedOut:        "TIMED_OUT",
		ipc.ErrCodeHandlerError:    "HANDLER_ERROR",
		ipc.ErrCodeFraming:         "FRAMING",
	}
	for code, want := range cases {
		if got := code.String(); got != want {
			t.Errorf("ErrorCode(%d).String() = %q, want %q", code, got, want)
		}
	}
}
