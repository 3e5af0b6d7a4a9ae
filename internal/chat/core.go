// Package chat implements the conversation model: the message timeline
// with optimistic sends, acknowledgment tracking, presence, typing
// signals, and the offline send queue, all driven by a single dispatch
// loop fed from the transport session.
package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/Abhishek12890551/together-sub000/internal/api"
	"github.com/Abhishek12890551/together-sub000/internal/state"
	"github.com/Abhishek12890551/together-sub000/internal/transport"
)

const (
	readAckDelay      = 500 * time.Millisecond
	typingStopAfter   = 3 * time.Second
	typingExpiry      = 6 * time.Second
	presencePollEvery = 15 * time.Second
)

// Wire event names, both directions.
const (
	evNewMessage        = "newMessage"
	evMessageDelivered  = "messageDelivered"
	evMessageRead       = "messageRead"
	evUserTyping        = "userTyping"
	evUserOnline        = "userOnline"
	evUserOffline       = "userOffline"
	evParticipantStatus = "participantStatus"

	evSendMessage       = "sendMessage"
	evTyping            = "typing"
	evJoinConversation  = "joinConversation"
	evLeaveConversation = "leaveConversation"
	evGetStatus         = "getParticipantStatus"
)

// EventStream is the slice of the transport session the core needs:
// subscribe, emit, and the connectivity flag.
type EventStream interface {
	On(event string, handler transport.Handler) func()
	Emit(ctx context.Context, event string, v any) error
	Connected() bool
}

// Store persists the pieces of the conversation model that survive a
// restart: the sync cursor and participant profiles.
type Store interface {
	SetCursor(conversationID string, c state.Cursor) error
	SetProfile(p state.Profile) error
}

// MessageView is one timeline entry prepared for display. Status is
// only derived for self-authored messages.
type MessageView struct {
	ID         string
	Pending    bool
	SenderID   string
	SenderName string
	Text       string
	CreatedAt  time.Time
	Status     DisplayStatus
}

// PresenceView is one peer's presence prepared for display.
type PresenceView struct {
	Online       bool
	LastOnlineAt time.Time
}

// Snapshot is a consistent copy of the conversation model. Replayed is
// a one-time notice: it reports the queued sends replayed by the most
// recent reconnect and resets to zero once read.
type Snapshot struct {
	Connected   bool
	Messages    []MessageView
	FirstUnread int
	Typing      string
	Presence    map[string]PresenceView
	QueuedSends int
	Replayed    int
}

// busEvent is one inbound event forwarded from the session bus to the
// core loop.
type busEvent struct {
	name string
	data json.RawMessage
}

// Config holds the collaborators and identity the core needs.
type Config struct {
	Logger *slog.Logger
	Stream EventStream
	Store  Store

	SelfID     string
	SelfName   string
	SelfAvatar string
}

// Core owns the conversation model. All mutable state is confined to
// the Run goroutine: inbound events, actions, and timers are all
// funneled through one select loop, so the components it drives need no
// locks. Actions from other goroutines go through actionCh and must not
// be called before Run starts.
type Core struct {
	logger *slog.Logger
	stream EventStream
	store  Store

	selfID     string
	selfName   string
	selfAvatar string

	conversationID string
	isGroup        bool
	peers          []string
	participants   map[string]api.Participant

	timeline *Timeline
	acks     *AckTracker
	presence *PresenceTracker
	typing   *TypingDebouncer
	queue    *SendQueue

	cursor state.Cursor

	eventCh   chan busEvent
	actionCh  chan func()
	updatesCh chan struct{}

	// ctx is the Run context, used for emissions from the loop.
	ctx context.Context

	typingStop   *time.Timer
	typingExpire *time.Timer
	readAck      *time.Timer

	replayed int

	now func() time.Time
}

// NewCore creates a core for the signed-in user. Seed must be called
// before Run.
func NewCore(cfg Config) *Core {
	return &Core{
		logger:       cfg.Logger,
		stream:       cfg.Stream,
		store:        cfg.Store,
		selfID:       cfg.SelfID,
		selfName:     cfg.SelfName,
		selfAvatar:   cfg.SelfAvatar,
		participants: make(map[string]api.Participant),
		acks:         NewAckTracker(cfg.SelfID),
		presence:     NewPresenceTracker(cfg.SelfID),
		typing:       NewTypingDebouncer(),
		queue:        NewSendQueue(),
		eventCh:      make(chan busEvent, 256),
		actionCh:     make(chan func()),
		updatesCh:    make(chan struct{}, 1),
		now:          time.Now,
	}
}

// Seed loads the conversation metadata and the initial message page
// into the model. Called once, before Run, with the results of the
// initial fetch. Participant profiles are cached and presence is
// primed from the fetched flags.
func (c *Core) Seed(conv api.Conversation, page api.MessagePage) {
	c.conversationID = conv.ID
	c.isGroup = conv.IsGroup
	c.timeline = NewTimeline(conv.ID, c.logger)

	for _, p := range conv.Participants {
		c.participants[p.UserID] = p
		if p.UserID == c.selfID {
			continue
		}
		c.peers = append(c.peers, p.UserID)

		if p.IsOnline {
			c.presence.SetOnline(p.UserID)
		} else {
			c.presence.SetOffline(p.UserID, parseWireTime(p.LastOnline))
		}

		if err := c.store.SetProfile(state.Profile{
			UserID:      p.UserID,
			DisplayName: p.DisplayName,
			AvatarRef:   p.AvatarRef,
		}); err != nil {
			c.logger.Warn("caching profile failed",
				slog.String("user", p.UserID),
				slog.String("error", err.Error()),
			)
		}
	}

	// Acks owed for the seeded page are derived on connect, when they
	// can actually be emitted.
	for _, w := range page.Messages {
		if msg := c.timeline.ApplyRemote(w); msg != nil {
			c.advanceCursor(msg)
		}
	}
}

// Updates returns a coalesced change signal: at most one pending tick
// no matter how many changes occurred since the last read.
func (c *Core) Updates() <-chan struct{} {
	return c.updatesCh
}

// Run is the dispatch loop. It subscribes to the session bus, then
// serializes inbound events, actions, and timer fires until ctx is
// cancelled. Returns ctx.Err().
func (c *Core) Run(ctx context.Context) error {
	c.ctx = ctx

	events := []string{
		evNewMessage, evMessageDelivered, evMessageRead,
		evUserTyping, evUserOnline, evUserOffline, evParticipantStatus,
		transport.EventConnect, transport.EventDisconnect, transport.EventReconnect,
	}
	cancels := make([]func(), 0, len(events))
	for _, name := range events {
		cancels = append(cancels, c.stream.On(name, func(data json.RawMessage) {
			select {
			case c.eventCh <- busEvent{name: name, data: data}:
			default:
				c.logger.Warn("event buffer full, dropping", slog.String("event", name))
			}
		}))
	}
	defer func() {
		for _, cancel := range cancels {
			cancel()
		}
	}()

	c.typingStop = newStoppedTimer()
	c.typingExpire = newStoppedTimer()
	c.readAck = newStoppedTimer()
	defer c.typingStop.Stop()
	defer c.typingExpire.Stop()
	defer c.readAck.Stop()

	poll := time.NewTicker(presencePollEvery)
	defer poll.Stop()

	for {
		select {
		case ev := <-c.eventCh:
			c.handleEvent(ev)

		case fn := <-c.actionCh:
			fn()

		case <-c.typingStop.C:
			if c.typing.StopElapsed() == TypingEmitStop {
				c.emitTyping(false)
			}

		case <-c.typingExpire.C:
			if c.typing.Expire(c.now()) {
				c.notify()
			}

		case <-c.readAck.C:
			c.flushReadAcks()

		case <-poll.C:
			c.pollPresence()

		case <-ctx.Done():
			c.leaveConversation()
			return ctx.Err()
		}
	}
}

// leaveConversation is a best-effort goodbye on shutdown. The run
// context is already cancelled, so it uses its own short deadline.
func (c *Core) leaveConversation() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.stream.Emit(ctx, evLeaveConversation, ConversationRef{ConversationID: c.conversationID}); err != nil {
		c.logger.Debug("leaveConversation not sent", slog.String("error", err.Error()))
	}
}

// handleEvent applies one inbound event to the model. A panic in the
// handling path is recovered so one malformed event cannot kill the
// loop.
func (c *Core) handleEvent(ev busEvent) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("event handling panicked",
				slog.String("event", ev.name),
				slog.Any("panic", r),
			)
		}
	}()

	switch ev.name {
	case evNewMessage:
		c.onNewMessage(ev.data)
	case evMessageDelivered:
		c.onAck(ev.data, c.timeline.MarkDelivered)
	case evMessageRead:
		c.onAck(ev.data, c.timeline.MarkRead)
	case evUserTyping:
		c.onUserTyping(ev.data)
	case evUserOnline:
		c.onPresencePush(ev.data, true)
	case evUserOffline:
		c.onPresencePush(ev.data, false)
	case evParticipantStatus:
		c.onParticipantStatus(ev.data)
	case transport.EventConnect:
		c.onConnected()
	case transport.EventReconnect:
		c.onReconnected()
	case transport.EventDisconnect:
		c.notify()
	}
}

func (c *Core) onNewMessage(data json.RawMessage) {
	var w api.WireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		c.logger.Warn("malformed newMessage payload", slog.String("error", err.Error()))
		return
	}
	if w.ConversationID != c.conversationID {
		return
	}

	msg := c.timeline.ApplyRemote(w)
	if msg == nil {
		return
	}
	c.advanceCursor(msg)

	if c.acks.OnRemoteMessage(msg) {
		c.emitAck(evMessageDelivered, msg.ID.String())
	}
	if c.acks.HasPendingReads() {
		resetTimer(c.readAck, readAckDelay)
	}

	c.notify()
}

func (c *Core) onAck(data json.RawMessage, mark func(messageID, byUserID string) bool) {
	var ev AckEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		c.logger.Warn("malformed ack payload", slog.String("error", err.Error()))
		return
	}
	if ev.ConversationID != "" && ev.ConversationID != c.conversationID {
		return
	}
	if mark(ev.MessageID, ev.UserID) {
		c.notify()
	}
}

func (c *Core) onUserTyping(data json.RawMessage) {
	var ev TypingEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		c.logger.Warn("malformed userTyping payload", slog.String("error", err.Error()))
		return
	}
	if ev.ConversationID != c.conversationID {
		return
	}
	if _, ok := c.participants[ev.UserID]; !ok {
		return
	}
	if ev.DisplayName == "" {
		ev.DisplayName = c.participants[ev.UserID].DisplayName
	}

	if c.typing.ApplyRemote(ev, c.selfID, c.now(), typingExpiry) {
		c.notify()
	}
	if ev.IsTyping {
		resetTimer(c.typingExpire, typingExpiry)
	}
}

func (c *Core) onPresencePush(data json.RawMessage, online bool) {
	var ev PresenceEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		c.logger.Warn("malformed presence payload", slog.String("error", err.Error()))
		return
	}
	if _, ok := c.participants[ev.UserID]; !ok {
		return
	}

	var changed bool
	if online {
		changed = c.presence.SetOnline(ev.UserID)
	} else {
		changed = c.presence.SetOffline(ev.UserID, parseWireTime(ev.LastOnlineAt))
	}
	if changed {
		c.notify()
	}
}

func (c *Core) onParticipantStatus(data json.RawMessage) {
	var ev PresenceEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		c.logger.Warn("malformed participantStatus payload", slog.String("error", err.Error()))
		return
	}
	if _, ok := c.participants[ev.UserID]; !ok {
		return
	}

	if c.presence.ApplyStatusResponse(ev.UserID, ev.IsOnline, parseWireTime(ev.LastOnlineAt)) {
		c.notify()
	}
}

// onConnected runs the join handshake for the first connection: join
// the conversation channel, acknowledge the seeded backlog, and fetch
// fresh presence for the peers.
func (c *Core) onConnected() {
	c.joinConversation()
	c.ackBacklog()
	c.pollPresence()
	c.notify()
}

// onReconnected repeats the join handshake and replays the sends queued
// while the connection was down.
func (c *Core) onReconnected() {
	c.joinConversation()
	c.replayQueue()
	c.ackBacklog()
	c.pollPresence()
	c.notify()
}

func (c *Core) joinConversation() {
	if err := c.stream.Emit(c.ctx, evJoinConversation, ConversationRef{ConversationID: c.conversationID}); err != nil {
		c.logger.Warn("joinConversation failed", slog.String("error", err.Error()))
	}
}

// replayQueue re-sends the queued entries in enqueue order. An entry
// whose confirmed twin already reached the timeline is dropped instead
// of sent twice.
func (c *Core) replayQueue() {
	entries := c.queue.Drain()
	if len(entries) == 0 {
		return
	}

	replayed := 0
	for i, e := range entries {
		if c.timeline.HasRecentConfirmed(c.selfID, e.Text, reconcileWindow) {
			c.logger.Debug("queued send already confirmed, dropping",
				slog.String("tempId", e.TempID),
			)
			continue
		}

		c.timeline.Refresh(e.TempID)
		err := c.stream.Emit(c.ctx, evSendMessage, SendMessagePayload{
			ConversationID: e.ConversationID,
			TempID:         e.TempID,
			Text:           e.Text,
			CreatedAt:      c.now().UTC().Format(time.RFC3339),
		})
		if err != nil {
			// Connection dropped mid-replay. Requeue the rest.
			c.logger.Warn("replay interrupted", slog.String("error", err.Error()))
			for _, rest := range entries[i:] {
				c.queue.Enqueue(rest)
			}
			break
		}
		replayed++
	}

	c.replayed = replayed
	c.logger.Info("replayed queued sends",
		slog.Int("count", replayed),
		slog.Int("requeued", c.queue.Len()),
	)
}

// ackBacklog emits the delivered acks owed for foreign messages already
// in the timeline and schedules the read flush for any that self has
// not read. Covers the seeded page and anything that arrived while
// disconnected emissions were impossible.
func (c *Core) ackBacklog() {
	for _, m := range c.timeline.Snapshot() {
		msg := c.timeline.Get(m.ID.String())
		if msg == nil {
			continue
		}
		if c.acks.OnRemoteMessage(msg) {
			c.emitAck(evMessageDelivered, msg.ID.String())
		}
	}
	if c.acks.HasPendingReads() {
		resetTimer(c.readAck, readAckDelay)
	}
}

// flushReadAcks emits the queued read acknowledgments and applies them
// locally so the first-unread marker clears. Emission failures are left
// unread; the next connect re-derives them from the timeline.
func (c *Core) flushReadAcks() {
	ids := c.acks.TakeReadQueue()
	if len(ids) == 0 {
		return
	}

	changed := false
	for _, id := range ids {
		err := c.stream.Emit(c.ctx, evMessageRead, AckEvent{
			MessageID:      id,
			ConversationID: c.conversationID,
			UserID:         c.selfID,
		})
		if err != nil {
			c.logger.Debug("read ack not sent", slog.String("id", id))
			continue
		}
		if c.timeline.MarkRead(id, c.selfID) {
			changed = true
		}
	}
	if changed {
		c.notify()
	}
}

func (c *Core) emitAck(event, messageID string) {
	err := c.stream.Emit(c.ctx, event, AckEvent{
		MessageID:      messageID,
		ConversationID: c.conversationID,
		UserID:         c.selfID,
	})
	if err != nil {
		c.logger.Debug("ack not sent",
			slog.String("event", event),
			slog.String("id", messageID),
		)
	}
}

func (c *Core) emitTyping(isTyping bool) {
	err := c.stream.Emit(c.ctx, evTyping, TypingEvent{
		ConversationID: c.conversationID,
		UserID:         c.selfID,
		DisplayName:    c.selfName,
		IsTyping:       isTyping,
	})
	if err != nil {
		c.logger.Debug("typing signal not sent", slog.Bool("isTyping", isTyping))
	}
}

// pollPresence requests fresh status for every peer. Responses come
// back as participantStatus events.
func (c *Core) pollPresence() {
	if !c.stream.Connected() {
		return
	}
	for _, peer := range c.peers {
		err := c.stream.Emit(c.ctx, evGetStatus, StatusRequest{UserID: peer})
		if err != nil {
			c.logger.Debug("presence poll failed", slog.String("user", peer))
			return
		}
	}
}

// advanceCursor persists the newest confirmed message position.
func (c *Core) advanceCursor(msg *Message) {
	at := msg.CreatedAt.UnixMilli()
	if at <= c.cursor.LastCreatedAt {
		return
	}
	c.cursor = state.Cursor{LastMessageID: msg.ID.String(), LastCreatedAt: at}
	if err := c.store.SetCursor(c.conversationID, c.cursor); err != nil {
		c.logger.Warn("persisting cursor failed", slog.String("error", err.Error()))
	}
}

// SendText inserts an optimistic message and sends it, or queues it
// while disconnected. Returns the temp id of the pending entry.
func (c *Core) SendText(ctx context.Context, text string) (string, error) {
	var tempID string
	err := c.do(ctx, func() {
		tempID = c.timeline.InsertOptimistic(c.selfID, c.selfName, c.selfAvatar, text)

		if c.typing.MessageSent(c.stream.Connected()) == TypingEmitStop {
			c.emitTyping(false)
		}
		stopTimer(c.typingStop)

		payload := SendMessagePayload{
			ConversationID: c.conversationID,
			TempID:         tempID,
			Text:           text,
			CreatedAt:      c.now().UTC().Format(time.RFC3339),
		}
		if err := c.stream.Emit(c.ctx, evSendMessage, payload); err != nil {
			c.queue.Enqueue(QueuedSend{
				TempID:         tempID,
				ConversationID: c.conversationID,
				Text:           text,
				EnqueuedAt:     c.now(),
			})
			c.logger.Debug("send queued while disconnected", slog.String("tempId", tempID))
		}

		c.notify()
	})
	return tempID, err
}

// NotifyInputChanged reports the current content of the input field so
// typing signals can be derived. Call on every change.
func (c *Core) NotifyInputChanged(ctx context.Context, text string) error {
	return c.do(ctx, func() {
		switch c.typing.LocalInput(text, c.stream.Connected()) {
		case TypingEmitStart:
			c.emitTyping(true)
		case TypingEmitStop:
			c.emitTyping(false)
		}

		if text == "" || !c.typing.Active() {
			stopTimer(c.typingStop)
			return
		}
		resetTimer(c.typingStop, typingStopAfter)
	})
}

// RequestPresenceRefresh asks the backend for one user's current
// status outside the regular poll.
func (c *Core) RequestPresenceRefresh(ctx context.Context, userID string) error {
	return c.do(ctx, func() {
		if err := c.stream.Emit(c.ctx, evGetStatus, StatusRequest{UserID: userID}); err != nil {
			c.logger.Debug("presence refresh failed", slog.String("user", userID))
		}
	})
}

// Snapshot returns a consistent copy of the model for display. Reading
// the snapshot consumes the replay notice.
func (c *Core) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := c.do(ctx, func() {
		snap = c.buildSnapshot()
		c.replayed = 0
	})
	return snap, err
}

func (c *Core) buildSnapshot() Snapshot {
	now := c.now()
	entries := c.timeline.Snapshot()

	views := make([]MessageView, len(entries))
	for i := range entries {
		m := &entries[i]
		v := MessageView{
			ID:         m.ID.String(),
			Pending:    m.Pending(),
			SenderID:   m.SenderID,
			SenderName: m.SenderName,
			Text:       m.Text,
			CreatedAt:  m.CreatedAt,
		}
		if m.SenderID == c.selfID {
			v.Status = DeliveryStatus(m, c.peers, c.isGroup)
		}
		views[i] = v
	}

	presence := make(map[string]PresenceView, len(c.peers))
	for _, peer := range c.peers {
		pv := PresenceView{Online: c.presence.IsOnline(peer)}
		if at, ok := c.presence.LastOnlineAt(peer); ok {
			pv.LastOnlineAt = at
		}
		presence[peer] = pv
	}

	typing := ""
	if ind := c.typing.Indicator(c.conversationID, now); ind != nil {
		typing = ind.DisplayName
	}

	return Snapshot{
		Connected:   c.stream.Connected(),
		Messages:    views,
		FirstUnread: FirstUnreadIndex(entries, c.selfID),
		Typing:      typing,
		Presence:    presence,
		QueuedSends: c.queue.Len(),
		Replayed:    c.replayed,
	}
}

// do runs fn on the dispatch loop and waits for it to finish.
func (c *Core) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		fn()
	}

	select {
	case c.actionCh <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// notify signals a model change without blocking. Consecutive changes
// coalesce into one pending tick.
func (c *Core) notify() {
	select {
	case c.updatesCh <- struct{}{}:
	default:
	}
}

func newStoppedTimer() *time.Timer {
	t := time.NewTimer(time.Hour)
	stopTimer(t)
	return t
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	stopTimer(t)
	t.Reset(d)
}

func parseWireTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return ts
}
