package ipc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// MethodHandler handles a typed request/response method call. It runs on
// the Processor goroutine; it must not block on anything that depends on
// the Processor's own progress.
type MethodHandler func(ctx context.Context, peerID uint64, payload []byte) ([]byte, error)

// SignalHandler handles a fire-and-forget signal delivered by a peer.
type SignalHandler func(peerID uint64, payload []byte)

// PeerLifecycleFunc is invoked when a peer connects or disconnects.
type PeerLifecycleFunc func(peerID uint64)

// AsyncResultFunc is invoked on the Processor goroutine with the result of
// a CallAsync.
type AsyncResultFunc func(payload []byte, err error)

// Sentinel errors surfaced through status-coded wrapping by callers.
var (
	ErrServiceStopped   = errors.New("ipc: service stopped")
	ErrPeerDisconnected = errors.New("ipc: peer disconnected")
	ErrTimedOut         = errors.New("ipc: call timed out")
	ErrUnknownPeer      = errors.New("ipc: unknown peer")
)

// Service is a Unix-domain socket server multiplexing typed request/
// response and signal traffic across many peers, with cancellation and
// per-call timeouts. Two cooperating workers: Acceptor blocks on Accept and
// hands new connections to the Processor; Processor is a single-threaded
// event loop owning all peer and pending-reply state.
type Service struct {
	socketPath string
	logger     *slog.Logger

	listener net.Listener

	nextMessageID atomic.Uint64
	nextPeerID    atomic.Uint64

	commands chan any
	stopOnce sync.Once
	stopped  chan struct{}
	done     chan struct{}
}

// New creates a Service bound to socketPath. The socket is not created
// until Start is called.
func New(socketPath string, logger *slog.Logger) *Service {
	return &Service{
		socketPath: socketPath,
		logger:     logger.With(slog.String("component", "ipc")),
		commands:   make(chan any, 64),
		stopped:    make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// -------------------------------------------------------------------------
// Commands posted to the Processor goroutine.
// -------------------------------------------------------------------------

type cmdAddMethodHandler struct {
	methodID uint32
	handler  MethodHandler
}

type cmdRemoveMethod struct {
	methodID uint32
}

type cmdAddSignalHandler struct {
	methodID uint32
	handler  SignalHandler
}

type cmdSetNewPeerCallback struct{ fn PeerLifecycleFunc }
type cmdSetRemovedPeerCallback struct{ fn PeerLifecycleFunc }

type cmdSubscribe struct {
	peerID   uint64
	methodID uint32
}

type cmdCallSync struct {
	methodID uint32
	peerID   uint64
	payload  []byte
	reply    chan syncResult
}

type cmdCallAsync struct {
	methodID uint32
	peerID   uint64
	payload  []byte
	onResult AsyncResultFunc
}

type cmdSignal struct {
	methodID uint32
	payload  []byte
}

type evtConnected struct {
	peerID uint64
	conn   net.Conn
}

type evtFrame struct {
	peerID uint64
	frame  Frame
}

type evtDisconnected struct {
	peerID uint64
	err    error
}

type syncResult struct {
	payload []byte
	err     error
}

// -------------------------------------------------------------------------
// Public API
// -------------------------------------------------------------------------

// AddMethodHandler registers a typed request/response handler for methodID.
func (s *Service) AddMethodHandler(methodID uint32, handler MethodHandler) {
	s.commands <- cmdAddMethodHandler{methodID: methodID, handler: handler}
}

// RemoveMethod removes a previously registered method handler.
func (s *Service) RemoveMethod(methodID uint32) {
	s.commands <- cmdRemoveMethod{methodID: methodID}
}

// AddSignalHandler registers a fire-and-forget signal handler for methodID.
func (s *Service) AddSignalHandler(methodID uint32, handler SignalHandler) {
	s.commands <- cmdAddSignalHandler{methodID: methodID, handler: handler}
}

// SetNewPeerCallback installs the callback invoked when a peer connects.
func (s *Service) SetNewPeerCallback(fn PeerLifecycleFunc) {
	s.commands <- cmdSetNewPeerCallback{fn: fn}
}

// SetRemovedPeerCallback installs the callback invoked when a peer
// disconnects.
func (s *Service) SetRemovedPeerCallback(fn PeerLifecycleFunc) {
	s.commands <- cmdSetRemovedPeerCallback{fn: fn}
}

// Subscribe marks peerID as a recipient of signal(methodID, ...) calls.
func (s *Service) Subscribe(peerID uint64, methodID uint32) {
	s.commands <- cmdSubscribe{peerID: peerID, methodID: methodID}
}

// CallSync sends a request to peerID and blocks until the matching reply
// arrives, the timeout elapses, or the peer disconnects. The Processor
// goroutine is never blocked by this call.
func (s *Service) CallSync(ctx context.Context, methodID uint32, peerID uint64, payload []byte, timeout time.Duration) ([]byte, error) {
	reply := make(chan syncResult, 1)

	select {
	case s.commands <- cmdCallSync{methodID: methodID, peerID: peerID, payload: payload, reply: reply}:
	case <-s.stopped:
		return nil, ErrServiceStopped
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-reply:
		return res.payload, res.err
	case <-timer.C:
		return nil, ErrTimedOut
	case <-ctx.Done():
		return nil, fmt.Errorf("ipc call_sync: %w", ctx.Err())
	case <-s.stopped:
		return nil, ErrServiceStopped
	}
}

// CallAsync sends a request to peerID and returns immediately. onResult
// fires on the Processor goroutine with either the reply payload or an
// error.
func (s *Service) CallAsync(methodID uint32, peerID uint64, payload []byte, onResult AsyncResultFunc) {
	s.commands <- cmdCallAsync{methodID: methodID, peerID: peerID, payload: payload, onResult: onResult}
}

// Signal enqueues payload to every peer subscribed to methodID.
func (s *Service) Signal(methodID uint32, payload []byte) {
	s.commands <- cmdSignal{methodID: methodID, payload: payload}
}

// Start launches the Acceptor and Processor goroutines.
func (s *Service) Start(ctx context.Context) error {
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("ipc listen on %s: %w", s.socketPath, err)
	}
	s.listener = ln

	events := make(chan any, 256)

	go s.acceptLoop(ln, events)
	go s.processLoop(ctx, events)

	return nil
}

// Stop requests a drain, closes the listener, then closes all peers.
// Idempotent.
func (s *Service) Stop() error {
	s.stopOnce.Do(func() {
		close(s.stopped)
		if s.listener != nil {
			_ = s.listener.Close()
		}
	})
	<-s.done
	return nil
}

// -------------------------------------------------------------------------
// Acceptor
// -------------------------------------------------------------------------

func (s *Service) acceptLoop(ln net.Listener, events chan<- any) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.stopped:
				return
			default:
				s.logger.Warn("accept failed", slog.Any("error", err))
				return
			}
		}

		peerID := s.nextPeerID.Add(1)
		events <- evtConnected{peerID: peerID, conn: conn}
		go s.peerReadLoop(peerID, conn, events)
	}
}

func (s *Service) peerReadLoop(peerID uint64, conn net.Conn, events chan<- any) {
	r := bufio.NewReader(conn)
	for {
		frame, err := readFrame(r)
		if err != nil {
			events <- evtDisconnected{peerID: peerID, err: err}
			return
		}
		events <- evtFrame{peerID: peerID, frame: frame}
	}
}

// readFrame reads one complete frame from r, retrying on short reads.
func readFrame(r *bufio.Reader) (Frame, error) {
	header := make([]byte, frameHeaderLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return Frame{}, fmt.Errorf("read frame header: %w", err)
	}

	var probe Frame
	payloadLen := headerPayloadLen(header)
	buf := make([]byte, frameHeaderLen+payloadLen)
	copy(buf, header)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, buf[frameHeaderLen:]); err != nil {
			return Frame{}, fmt.Errorf("read frame payload: %w", err)
		}
	}

	if err := probe.UnmarshalBinary(buf); err != nil {
		return Frame{}, err
	}
	return probe, nil
}

func headerPayloadLen(header []byte) uint32 {
	return uint32(header[13]) | uint32(header[14])<<8 | uint32(header[15])<<16 | uint32(header[16])<<24
}

// -------------------------------------------------------------------------
// Processor
// -------------------------------------------------------------------------

type peerState struct {
	conn net.Conn
}

func (s *Service) processLoop(ctx context.Context, events <-chan any) {
	defer close(s.done)

	peers := make(map[uint64]*peerState)
	subscriptions := make(map[uint32]map[uint64]bool)
	methodHandlers := make(map[uint32]MethodHandler)
	signalHandlers := make(map[uint32]SignalHandler)
	pendingSync := make(map[uint64]chan syncResult)
	pendingAsync := make(map[uint64]AsyncResultFunc)
	var onNewPeer, onRemovedPeer PeerLifecycleFunc

	failAllPending := func(err error) {
		for id, ch := range pendingSync {
			ch <- syncResult{err: err}
			delete(pendingSync, id)
		}
		for id, fn := range pendingAsync {
			fn(nil, err)
			delete(pendingAsync, id)
		}
	}

	disconnectPeer := func(peerID uint64) {
		p, ok := peers[peerID]
		if !ok {
			return
		}
		_ = p.conn.Close()
		delete(peers, peerID)
		for _, subs := range subscriptions {
			delete(subs, peerID)
		}
		if onRemovedPeer != nil {
			onRemovedPeer(peerID)
		}
	}

	for {
		select {
		case <-s.stopped:
			failAllPending(ErrServiceStopped)
			for id := range peers {
				disconnectPeer(id)
			}
			return

		case ev := <-events:
			switch e := ev.(type) {
			case evtConnected:
				peers[e.peerID] = &peerState{conn: e.conn}
				if onNewPeer != nil {
					onNewPeer(e.peerID)
				}

			case evtDisconnected:
				disconnectPeer(e.peerID)

			case evtFrame:
				s.handleFrame(ctx, e, peers, methodHandlers, signalHandlers, pendingSync, pendingAsync)
			}

		case cmd := <-s.commands:
			switch c := cmd.(type) {
			case cmdAddMethodHandler:
				methodHandlers[c.methodID] = c.handler
			case cmdRemoveMethod:
				delete(methodHandlers, c.methodID)
			case cmdAddSignalHandler:
				signalHandlers[c.methodID] = c.handler
			case cmdSetNewPeerCallback:
				onNewPeer = c.fn
			case cmdSetRemovedPeerCallback:
				onRemovedPeer = c.fn
			case cmdSubscribe:
				subs, ok := subscriptions[c.methodID]
				if !ok {
					subs = make(map[uint64]bool)
					subscriptions[c.methodID] = subs
				}
				subs[c.peerID] = true

			case cmdCallSync:
				s.dispatchCall(peers, pendingSync, nil, c.methodID, c.peerID, c.payload, c.reply, nil)

			case cmdCallAsync:
				s.dispatchCall(peers, nil, pendingAsync, c.methodID, c.peerID, c.payload, nil, c.onResult)

			case cmdSignal:
				for peerID := range subscriptions[c.methodID] {
					p, ok := peers[peerID]
					if !ok {
						continue
					}
					frame := Frame{MessageID: s.nextMessageID.Add(1), MethodID: c.methodID, Kind: KindSignal, Payload: c.payload}
					if err := writeFrame(p.conn, frame); err != nil {
						s.logger.Warn("signal write failed", slog.Uint64("peer_id", peerID), slog.Any("error", err))
					}
				}
			}
		}
	}
}

func (s *Service) dispatchCall(
	peers map[uint64]*peerState,
	pendingSync map[uint64]chan syncResult,
	pendingAsync map[uint64]AsyncResultFunc,
	methodID uint32,
	peerID uint64,
	payload []byte,
	reply chan syncResult,
	onResult AsyncResultFunc,
) {
	p, ok := peers[peerID]
	if !ok {
		err := fmt.Errorf("peer %d: %w", peerID, ErrUnknownPeer)
		if reply != nil {
			reply <- syncResult{err: err}
		}
		if onResult != nil {
			onResult(nil, err)
		}
		return
	}

	messageID := s.nextMessageID.Add(1)
	if reply != nil {
		pendingSync[messageID] = reply
	}
	if onResult != nil {
		pendingAsync[messageID] = onResult
	}

	frame := Frame{MessageID: messageID, MethodID: methodID, Kind: KindRequest, Payload: payload}
	if err := writeFrame(p.conn, frame); err != nil {
		if reply != nil {
			delete(pendingSync, messageID)
			reply <- syncResult{err: fmt.Errorf("ipc write request: %w", err)}
		}
		if onResult != nil {
			delete(pendingAsync, messageID)
			onResult(nil, fmt.Errorf("ipc write request: %w", err))
		}
	}
}

func (s *Service) handleFrame(
	ctx context.Context,
	e evtFrame,
	peers map[uint64]*peerState,
	methodHandlers map[uint32]MethodHandler,
	signalHandlers map[uint32]SignalHandler,
	pendingSync map[uint64]chan syncResult,
	pendingAsync map[uint64]AsyncResultFunc,
) {
	switch e.frame.Kind {
	case KindRequest:
		s.handleRequest(ctx, e, peers, methodHandlers)

	case KindResponse:
		if ch, ok := pendingSync[e.frame.MessageID]; ok {
			delete(pendingSync, e.frame.MessageID)
			ch <- syncResult{payload: e.frame.Payload}
		}
		if fn, ok := pendingAsync[e.frame.MessageID]; ok {
			delete(pendingAsync, e.frame.MessageID)
			fn(e.frame.Payload, nil)
		}

	case KindError:
		code, reason, err := ParseErrorPayload(e.frame.Payload)
		if err != nil {
			s.logger.Warn("malformed error frame", slog.Uint64("peer_id", e.peerID))
			return
		}
		callErr := fmt.Errorf("%s: %s", code, reason)
		if ch, ok := pendingSync[e.frame.MessageID]; ok {
			delete(pendingSync, e.frame.MessageID)
			ch <- syncResult{err: callErr}
		}
		if fn, ok := pendingAsync[e.frame.MessageID]; ok {
			delete(pendingAsync, e.frame.MessageID)
			fn(nil, callErr)
		}

	case KindSignal:
		if h, ok := signalHandlers[e.frame.MethodID]; ok {
			h(e.peerID, e.frame.Payload)
		}
	}
}

func (s *Service) handleRequest(ctx context.Context, e evtFrame, peers map[uint64]*peerState, methodHandlers map[uint32]MethodHandler) {
	p, ok := peers[e.peerID]
	if !ok {
		return
	}

	h, ok := methodHandlers[e.frame.MethodID]
	if !ok {
		errFrame := Frame{
			MessageID: e.frame.MessageID,
			MethodID:  e.frame.MethodID,
			Kind:      KindError,
			Payload:   NewErrorPayload(ErrCodeHandlerError, "no handler registered"),
		}
		_ = writeFrame(p.conn, errFrame)
		return
	}

	resp, err := s.invokeHandlerSafely(ctx, h, e.peerID, e.frame.Payload)
	if err != nil {
		errFrame := Frame{
			MessageID: e.frame.MessageID,
			MethodID:  e.frame.MethodID,
			Kind:      KindError,
			Payload:   NewErrorPayload(ErrCodeHandlerError, err.Error()),
		}
		_ = writeFrame(p.conn, errFrame)
		return
	}

	respFrame := Frame{MessageID: e.frame.MessageID, MethodID: e.frame.MethodID, Kind: KindResponse, Payload: resp}
	if err := writeFrame(p.conn, respFrame); err != nil {
		s.logger.Warn("response write failed", slog.Uint64("peer_id", e.peerID), slog.Any("error", err))
	}
}

// invokeHandlerSafely recovers a panicking handler so one bad handler does
// not take down the Processor goroutine; the caller returns HANDLER_ERROR
// and continues.
func (s *Service) invokeHandlerSafely(ctx context.Context, h MethodHandler, peerID uint64, payload []byte) (resp []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("ipc handler panicked", slog.Any("recover", r), slog.Uint64("peer_id", peerID))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, peerID, payload)
}

func writeFrame(conn net.Conn, frame Frame) error {
	data, err := frame.MarshalBinary()
	if err != nil {
		return err
	}
	for written := 0; written < len(data); {
		n, err := conn.Write(data[written:])
		if err != nil {
			return fmt.Errorf("write frame: %w", err)
		}
		written += n
	}
	return nil
}
