// Package transport owns the persistent event-stream connection to the
// backend: one WebSocket, a typed event bus for inbound events, and
// automatic reconnection with backoff.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	apperrors "github.com/Abhishek12890551/together-sub000/internal/errors"
)

const (
	pingAfter        = 10 * time.Second
	disconnectAfter  = 120 * time.Second
	heartbeatCheckAt = 20 * time.Second

	reconnectMin = 1 * time.Second
	reconnectMax = 60 * time.Second

	readLimit = 1024 * 1024
)

// Synthetic connectivity events dispatched on the same bus as wire events.
const (
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
	EventReconnect  = "reconnect"
)

// Envelope is the wire frame in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Handler receives the data payload of a dispatched event. Handlers run
// on the session's event-loop goroutine; they must not block.
type Handler func(data json.RawMessage)

// wsConn abstracts the WebSocket connection so Session can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// dialFunc opens a fresh connection. Swapped out in tests.
type dialFunc func(ctx context.Context) (wsConn, error)

// inboundMsg wraps a message read from the WebSocket by the reader goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// emitOp is an outbound emission submitted to the event loop. All writes
// to the connection happen from the event loop, so no write mutex exists.
type emitOp struct {
	frame  []byte
	result chan error
}

type subscription struct {
	event   string
	handler Handler
}

// Session manages the persistent WebSocket connection to the backend.
//
// Architecture: a reader goroutine feeds inboundCh with raw WebSocket
// frames. A single event loop goroutine (Listen) dispatches inbound
// events to subscribers, performs outbound emissions (emitCh), and
// sends heartbeat pings. On read errors the loop reconnects with
// exponential backoff and replays the join handshake via the
// reconnect event it dispatches to subscribers.
type Session struct {
	logger *slog.Logger

	url    string
	token  string
	device string

	dial dialFunc
	conn wsConn

	// emitCh receives outbound emissions from other goroutines.
	emitCh chan emitOp

	// inboundCh receives frames from the reader goroutine.
	inboundCh chan inboundMsg

	handlers   map[string][]*subscription
	handlersMu sync.Mutex

	lastMessage time.Time
	lastMsgMu   sync.Mutex

	// connCancel cancels the per-connection context. Used to stop the
	// reader goroutine when the connection drops before reconnecting.
	connCancel context.CancelFunc

	// connected signals whether the WebSocket is live. The core checks
	// this to decide whether to send or queue.
	connected   bool
	connectedMu sync.RWMutex
}

// Config holds the parameters needed to open a session.
type Config struct {
	// URL is the WebSocket endpoint, e.g. wss://chat.example.com/stream.
	URL string
	// Token is the session token attached to the dial request.
	Token string
	// Device identifies this client instance to the backend.
	Device string
}

// NewSession creates a session. Dial happens in Connect.
func NewSession(cfg Config, logger *slog.Logger) *Session {
	s := &Session{
		logger:    logger,
		url:       cfg.URL,
		token:     cfg.Token,
		device:    cfg.Device,
		emitCh:    make(chan emitOp, 64),
		inboundCh: make(chan inboundMsg, 64),
		handlers:  make(map[string][]*subscription),
	}
	s.dial = s.dialWebSocket
	return s
}

func (s *Session) dialWebSocket(ctx context.Context) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, s.url, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + s.token},
			"X-Device":      []string{s.device},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("dialing websocket: %w", err)
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}

// On subscribes a handler to an event name and returns a cancel func
// that removes the subscription. Cancel is safe to call more than once.
func (s *Session) On(event string, handler Handler) func() {
	sub := &subscription{event: event, handler: handler}

	s.handlersMu.Lock()
	s.handlers[event] = append(s.handlers[event], sub)
	s.handlersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { s.remove(sub) })
	}
}

func (s *Session) remove(sub *subscription) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()

	subs := s.handlers[sub.event]
	for i, cand := range subs {
		if cand == sub {
			s.handlers[sub.event] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(s.handlers[sub.event]) == 0 {
		delete(s.handlers, sub.event)
	}
}

// dispatch delivers an event to its subscribers on the loop goroutine.
// A panicking handler is logged and isolated so one bad event cannot
// kill the loop.
func (s *Session) dispatch(event string, data json.RawMessage) {
	s.handlersMu.Lock()
	subs := append([]*subscription(nil), s.handlers[event]...)
	s.handlersMu.Unlock()

	for _, sub := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("event handler panicked",
						slog.String("event", event),
						slog.Any("panic", r),
					)
				}
			}()
			sub.handler(data)
		}()
	}
}

// Emit sends an event to the backend. Returns ErrNotConnected while the
// connection is down; the caller decides whether to queue. Safe to call
// from any goroutine: the write itself happens on the event loop.
func (s *Session) Emit(ctx context.Context, event string, v any) error {
	if !s.Connected() {
		return apperrors.ErrNotConnected
	}

	var data json.RawMessage
	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshalling %s payload: %w", event, err)
		}
		data = b
	}

	frame, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("marshalling %s envelope: %w", event, err)
	}

	op := emitOp{frame: frame, result: make(chan error, 1)}

	select {
	case s.emitCh <- op:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-op.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect dials the WebSocket. Called once before Listen; reconnects
// afterwards are Listen's job.
func (s *Session) Connect(ctx context.Context) error {
	if s.connCancel != nil {
		s.connCancel()
	}

	s.logger.Debug("connecting", slog.String("url", s.url))

	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}
	s.conn = conn
	s.touchLastMessage()
	s.setConnected(true)
	s.logger.Info("websocket connected")
	return nil
}

// startReader launches a goroutine that reads from the WebSocket and
// feeds inboundCh. Exits when connCtx is cancelled or a read error
// occurs. The error is delivered as the final message on inboundCh.
// The goroutine captures ch by value so that if startReader is called
// again for a new connection, the old goroutine cannot send stale
// messages into the new channel.
func (s *Session) startReader(connCtx context.Context) {
	ch := make(chan inboundMsg, 64)
	s.inboundCh = ch
	conn := s.conn
	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
}

// Listen is the event loop with automatic reconnection. It owns all
// writes to the connection. Dispatches inbound events to subscribers,
// performs emissions, and sends heartbeat pings. Returns only on
// permanent errors or context cancellation. Dispatches the connect
// synthetic event once at start and reconnect after every recovery.
func (s *Session) Listen(ctx context.Context) error {
	backoff := reconnectMin

	connCtx, connCancel := context.WithCancel(ctx)
	s.connCancel = connCancel
	s.startReader(connCtx)
	s.dispatch(EventConnect, nil)

	for {
		err := s.eventLoop(ctx, connCtx)
		if err == nil {
			return nil
		}

		s.setConnected(false)
		connCancel()
		s.drainEmits()
		s.dispatch(EventDisconnect, nil)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if isPermanentError(err) {
			return fmt.Errorf("permanent error: %w", err)
		}

		s.logger.Warn("connection lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)

		jitter := time.Duration(rand.Int64N(int64(backoff) / 2))
		timer := time.NewTimer(backoff + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if err := s.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if isPermanentError(err) {
				return fmt.Errorf("permanent reconnect error: %w", err)
			}
			s.logger.Warn("reconnect failed",
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)
			backoff = min(backoff*2, reconnectMax)
			continue
		}

		// Fresh connection context and reader for the new connection.
		connCtx, connCancel = context.WithCancel(ctx)
		s.connCancel = connCancel
		s.startReader(connCtx)

		backoff = reconnectMin
		s.logger.Info("reconnected")
		s.dispatch(EventReconnect, nil)
	}
}

// eventLoop is the single event loop for one connection. It selects on
// inbound frames, emissions, and the heartbeat ticker. All writes happen
// here, so no mutex is needed. Returns on read error or context
// cancellation.
func (s *Session) eventLoop(ctx context.Context, connCtx context.Context) error {
	ticker := time.NewTicker(heartbeatCheckAt)
	defer ticker.Stop()

	for {
		select {
		case msg := <-s.inboundCh:
			if msg.err != nil {
				return fmt.Errorf("reading frame: %w", msg.err)
			}
			s.touchLastMessage()

			if msg.typ == websocket.MessageBinary {
				s.logger.Debug("unexpected binary frame", slog.Int("bytes", len(msg.data)))
				continue
			}

			s.handleInbound(msg.data)

		case op := <-s.emitCh:
			err := s.conn.Write(ctx, websocket.MessageText, op.frame)
			op.result <- err
			if err != nil {
				// Connection error during emit. The op already got its
				// result. Return to trigger reconnect.
				return fmt.Errorf("writing frame: %w", err)
			}

		case <-ticker.C:
			s.lastMsgMu.Lock()
			elapsed := time.Since(s.lastMessage)
			s.lastMsgMu.Unlock()

			if elapsed > disconnectAfter {
				s.logger.Warn("connection timed out, closing")
				s.conn.Close(websocket.StatusGoingAway, "timeout")
				return fmt.Errorf("heartbeat timeout")
			}

			if elapsed > pingAfter {
				frame, _ := json.Marshal(Envelope{Event: "ping"})
				if err := s.conn.Write(ctx, websocket.MessageText, frame); err != nil {
					return fmt.Errorf("sending ping: %w", err)
				}
			}

		case <-ctx.Done():
			return ctx.Err()

		case <-connCtx.Done():
			return connCtx.Err()
		}
	}
}

// handleInbound decodes a single inbound text frame and dispatches it.
// Malformed frames are logged and dropped without dispatch.
func (s *Session) handleInbound(data []byte) {
	event := gjson.GetBytes(data, "event").Str
	if event == "" {
		s.logger.Debug("unparseable frame", slog.Int("bytes", len(data)))
		return
	}

	if event == "pong" {
		return
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.logger.Warn("failed to decode envelope",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
		return
	}

	s.dispatch(env.Event, env.Data)
}

// drainEmits fails any emissions that raced the connection drop, so
// their callers unblock with ErrNotConnected instead of waiting out the
// reconnect backoff. Emit rejects new ops once connected is false.
func (s *Session) drainEmits() {
	for {
		select {
		case op := <-s.emitCh:
			op.result <- apperrors.ErrNotConnected
		default:
			return
		}
	}
}

func (s *Session) setConnected(v bool) {
	s.connectedMu.Lock()
	s.connected = v
	s.connectedMu.Unlock()
}

// Connected reports whether the WebSocket connection is live.
func (s *Session) Connected() bool {
	s.connectedMu.RLock()
	v := s.connected
	s.connectedMu.RUnlock()
	return v
}

// Close cleanly shuts down the WebSocket connection.
func (s *Session) Close() error {
	if s.connCancel != nil {
		s.connCancel()
	}
	if s.conn != nil {
		return s.conn.Close(websocket.StatusNormalClosure, "bye")
	}
	return nil
}

// isPermanentError returns true for errors that won't resolve on retry.
func isPermanentError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	if strings.Contains(msg, "401") || strings.Contains(msg, "auth failed") {
		return true
	}
	return false
}

func (s *Session) touchLastMessage() {
	s.lastMsgMu.Lock()
	s.lastMessage = time.Now()
	s.lastMsgMu.Unlock()
}
