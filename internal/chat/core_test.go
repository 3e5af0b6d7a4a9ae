package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Abhishek12890551/together-sub000/internal/api"
	apperrors "github.com/Abhishek12890551/together-sub000/internal/errors"
	"github.com/Abhishek12890551/together-sub000/internal/state"
	"github.com/Abhishek12890551/together-sub000/internal/transport"
)

// fakeStream is an in-memory EventStream: it records emissions and lets
// tests push inbound events through registered handlers.
type fakeStream struct {
	mu        sync.Mutex
	connected bool
	handlers  map[string][]transport.Handler
	emits     []fakeEmit
}

type fakeEmit struct {
	event string
	data  []byte
}

func newFakeStream(connected bool) *fakeStream {
	return &fakeStream{
		connected: connected,
		handlers:  make(map[string][]transport.Handler),
	}
}

func (f *fakeStream) On(event string, handler transport.Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = append(f.handlers[event], handler)
	return func() {}
}

func (f *fakeStream) Emit(_ context.Context, event string, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return apperrors.ErrNotConnected
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f.emits = append(f.emits, fakeEmit{event: event, data: data})
	return nil
}

func (f *fakeStream) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeStream) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

// dispatch pushes an inbound event through the handlers, marshalling v
// as the payload. Raw []byte payloads pass through unmarshalled.
func (f *fakeStream) dispatch(event string, v any) {
	var data json.RawMessage
	switch p := v.(type) {
	case nil:
	case []byte:
		data = p
	default:
		data, _ = json.Marshal(p)
	}

	f.mu.Lock()
	hs := append([]transport.Handler(nil), f.handlers[event]...)
	f.mu.Unlock()

	for _, h := range hs {
		h(data)
	}
}

func (f *fakeStream) count(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.emits {
		if e.event == event {
			n++
		}
	}
	return n
}

func (f *fakeStream) last(event string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.emits) - 1; i >= 0; i-- {
		if f.emits[i].event == event {
			return f.emits[i].data
		}
	}
	return nil
}

type fakeStore struct {
	mu       sync.Mutex
	cursors  map[string]state.Cursor
	profiles map[string]state.Profile
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		cursors:  make(map[string]state.Cursor),
		profiles: make(map[string]state.Profile),
	}
}

func (f *fakeStore) SetCursor(conversationID string, c state.Cursor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursors[conversationID] = c
	return nil
}

func (f *fakeStore) SetProfile(p state.Profile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles[p.UserID] = p
	return nil
}

func (f *fakeStore) cursor(conversationID string) state.Cursor {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursors[conversationID]
}

func testConversation() api.Conversation {
	return api.Conversation{
		ID:      "conv-1",
		IsGroup: false,
		Participants: []api.Participant{
			{UserID: "me", DisplayName: "Me"},
			{UserID: "peer", DisplayName: "Bob", IsOnline: true},
		},
	}
}

// startCore seeds and runs a core on the fake stream. The returned core
// has its subscriptions registered (the snapshot call is the barrier).
func startCore(t *testing.T, stream *fakeStream, store Store, page api.MessagePage) *Core {
	t.Helper()

	core := NewCore(Config{
		Logger:   slog.New(slog.DiscardHandler),
		Stream:   stream,
		Store:    store,
		SelfID:   "me",
		SelfName: "Me",
	})
	core.Seed(testConversation(), page)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		defer close(done)
		core.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	_, err := core.Snapshot(ctx)
	require.NoError(t, err)

	return core
}

func snap(t *testing.T, core *Core) Snapshot {
	t.Helper()
	s, err := core.Snapshot(context.Background())
	require.NoError(t, err)
	return s
}

func TestCore_SendConfirmStatusFlow(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		stream := newFakeStream(true)
		core := startCore(t, stream, newFakeStore(), api.MessagePage{})

		tempID, err := core.SendText(context.Background(), "hello")
		require.NoError(t, err)

		s := snap(t, core)
		require.Len(t, s.Messages, 1)
		assert.True(t, s.Messages[0].Pending)
		assert.Equal(t, StatusPending, s.Messages[0].Status)

		var sent SendMessagePayload
		require.NoError(t, json.Unmarshal(stream.last(evSendMessage), &sent))
		assert.Equal(t, tempID, sent.TempID)
		assert.Equal(t, "hello", sent.Text)

		stream.dispatch(evNewMessage, api.WireMessage{
			ID:             "m1",
			ConversationID: "conv-1",
			SenderID:       "me",
			Text:           "hello",
			CreatedAt:      time.Now().UTC().Format(time.RFC3339),
		})
		synctest.Wait()

		s = snap(t, core)
		require.Len(t, s.Messages, 1, "confirmation replaces the optimistic entry")
		assert.False(t, s.Messages[0].Pending)
		assert.Equal(t, "m1", s.Messages[0].ID)
		assert.Equal(t, StatusSent, s.Messages[0].Status)

		stream.dispatch(evMessageDelivered, AckEvent{MessageID: "m1", ConversationID: "conv-1", UserID: "peer"})
		synctest.Wait()
		assert.Equal(t, StatusDelivered, snap(t, core).Messages[0].Status)

		stream.dispatch(evMessageRead, AckEvent{MessageID: "m1", ConversationID: "conv-1", UserID: "peer"})
		synctest.Wait()
		assert.Equal(t, StatusRead, snap(t, core).Messages[0].Status)
	})
}

func TestCore_ForeignMessageAcks(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		stream := newFakeStream(true)
		core := startCore(t, stream, newFakeStore(), api.MessagePage{})

		msg := api.WireMessage{
			ID:             "m1",
			ConversationID: "conv-1",
			SenderID:       "peer",
			SenderName:     "Bob",
			Text:           "hi there",
			CreatedAt:      time.Now().UTC().Format(time.RFC3339),
		}
		stream.dispatch(evNewMessage, msg)
		synctest.Wait()

		assert.Equal(t, 1, stream.count(evMessageDelivered))
		assert.Equal(t, 0, stream.count(evMessageRead), "read waits for the delay")
		assert.Equal(t, 0, snap(t, core).FirstUnread)

		// Duplicate delivery of the same event changes nothing.
		stream.dispatch(evNewMessage, msg)
		synctest.Wait()
		assert.Equal(t, 1, stream.count(evMessageDelivered))
		require.Len(t, snap(t, core).Messages, 1)

		time.Sleep(readAckDelay + 100*time.Millisecond)
		synctest.Wait()

		assert.Equal(t, 1, stream.count(evMessageRead))
		var read AckEvent
		require.NoError(t, json.Unmarshal(stream.last(evMessageRead), &read))
		assert.Equal(t, "m1", read.MessageID)
		assert.Equal(t, "me", read.UserID)

		assert.Equal(t, -1, snap(t, core).FirstUnread)
	})
}

func TestCore_ConnectHandshake(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		stream := newFakeStream(true)
		page := api.MessagePage{Messages: []api.WireMessage{{
			ID:             "m1",
			ConversationID: "conv-1",
			SenderID:       "peer",
			Text:           "backlog",
			CreatedAt:      time.Now().UTC().Format(time.RFC3339),
		}}}
		core := startCore(t, stream, newFakeStore(), page)
		assert.Equal(t, 0, snap(t, core).FirstUnread)

		stream.dispatch(transport.EventConnect, nil)
		synctest.Wait()

		assert.Equal(t, 1, stream.count(evJoinConversation))
		assert.Equal(t, 1, stream.count(evMessageDelivered), "seeded backlog gets its delivered ack")
		assert.Equal(t, 1, stream.count(evGetStatus), "presence fetched for the peer")

		time.Sleep(readAckDelay + 100*time.Millisecond)
		synctest.Wait()
		assert.Equal(t, 1, stream.count(evMessageRead))
		assert.Equal(t, -1, snap(t, core).FirstUnread)
	})
}

func TestCore_OfflineSendQueuesAndReplays(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		stream := newFakeStream(false)
		core := startCore(t, stream, newFakeStore(), api.MessagePage{})

		tempID, err := core.SendText(context.Background(), "queued text")
		require.NoError(t, err)

		s := snap(t, core)
		assert.False(t, s.Connected)
		assert.Equal(t, 1, s.QueuedSends)
		require.Len(t, s.Messages, 1)
		assert.True(t, s.Messages[0].Pending)
		assert.Equal(t, 0, stream.count(evSendMessage))

		// Long outage, then recovery.
		time.Sleep(5 * time.Minute)
		stream.setConnected(true)
		stream.dispatch(transport.EventReconnect, nil)
		synctest.Wait()

		assert.Equal(t, 1, stream.count(evJoinConversation))
		assert.Equal(t, 1, stream.count(evSendMessage))

		var sent SendMessagePayload
		require.NoError(t, json.Unmarshal(stream.last(evSendMessage), &sent))
		assert.Equal(t, tempID, sent.TempID, "replay keeps the original client key")

		s = snap(t, core)
		assert.Equal(t, 0, s.QueuedSends)
		assert.Equal(t, 1, s.Replayed)
		assert.Equal(t, 0, snap(t, core).Replayed, "replay notice is one-time")

		// The confirmation reconciles despite the outage being far
		// longer than the matching window.
		stream.dispatch(evNewMessage, api.WireMessage{
			ID:             "m1",
			ConversationID: "conv-1",
			SenderID:       "me",
			Text:           "queued text",
			CreatedAt:      time.Now().UTC().Format(time.RFC3339),
		})
		synctest.Wait()

		s = snap(t, core)
		require.Len(t, s.Messages, 1)
		assert.False(t, s.Messages[0].Pending)
	})
}

func TestCore_ReplaySkipsConfirmedTwin(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		stream := newFakeStream(false)
		core := startCore(t, stream, newFakeStore(), api.MessagePage{})

		_, err := core.SendText(context.Background(), "made it anyway")
		require.NoError(t, err)

		// The emit reached the backend before the drop: its confirmation
		// arrives ahead of the replay.
		stream.dispatch(evNewMessage, api.WireMessage{
			ID:             "m1",
			ConversationID: "conv-1",
			SenderID:       "me",
			Text:           "made it anyway",
			CreatedAt:      time.Now().UTC().Format(time.RFC3339),
		})
		synctest.Wait()

		stream.setConnected(true)
		stream.dispatch(transport.EventReconnect, nil)
		synctest.Wait()

		assert.Equal(t, 0, stream.count(evSendMessage), "confirmed twin must not send twice")
		s := snap(t, core)
		assert.Equal(t, 0, s.QueuedSends)
		assert.Equal(t, 0, s.Replayed)
		require.Len(t, s.Messages, 1)
	})
}

func TestCore_TypingLocalDebounce(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		stream := newFakeStream(true)
		core := startCore(t, stream, newFakeStore(), api.MessagePage{})

		require.NoError(t, core.NotifyInputChanged(context.Background(), "h"))
		require.NoError(t, core.NotifyInputChanged(context.Background(), "he"))
		require.NoError(t, core.NotifyInputChanged(context.Background(), "hel"))

		assert.Equal(t, 1, stream.count(evTyping), "one start per burst")
		var start TypingEvent
		require.NoError(t, json.Unmarshal(stream.last(evTyping), &start))
		assert.True(t, start.IsTyping)

		time.Sleep(typingStopAfter + 100*time.Millisecond)
		synctest.Wait()

		assert.Equal(t, 2, stream.count(evTyping))
		var stop TypingEvent
		require.NoError(t, json.Unmarshal(stream.last(evTyping), &stop))
		assert.False(t, stop.IsTyping)
	})
}

func TestCore_TypingStopsOnSend(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		stream := newFakeStream(true)
		core := startCore(t, stream, newFakeStore(), api.MessagePage{})

		require.NoError(t, core.NotifyInputChanged(context.Background(), "hello"))
		_, err := core.SendText(context.Background(), "hello")
		require.NoError(t, err)

		assert.Equal(t, 2, stream.count(evTyping))
		var stop TypingEvent
		require.NoError(t, json.Unmarshal(stream.last(evTyping), &stop))
		assert.False(t, stop.IsTyping)

		// The stop timer was cancelled: no third signal later.
		time.Sleep(typingStopAfter + time.Second)
		synctest.Wait()
		assert.Equal(t, 2, stream.count(evTyping))
	})
}

func TestCore_TypingRemoteIndicatorExpires(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		stream := newFakeStream(true)
		core := startCore(t, stream, newFakeStore(), api.MessagePage{})

		stream.dispatch(evUserTyping, TypingEvent{
			ConversationID: "conv-1", UserID: "peer", DisplayName: "Bob", IsTyping: true,
		})
		synctest.Wait()
		assert.Equal(t, "Bob", snap(t, core).Typing)

		time.Sleep(typingExpiry + 100*time.Millisecond)
		synctest.Wait()
		assert.Empty(t, snap(t, core).Typing, "indicator expires without a stop event")
	})
}

func TestCore_PresenceEvents(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		stream := newFakeStream(true)
		core := startCore(t, stream, newFakeStore(), api.MessagePage{})

		// Seeded from the participant list.
		assert.True(t, snap(t, core).Presence["peer"].Online)

		lastSeen := time.Now().Add(-time.Hour).UTC()
		stream.dispatch(evUserOffline, PresenceEvent{
			UserID: "peer", LastOnlineAt: lastSeen.Format(time.RFC3339),
		})
		synctest.Wait()

		pv := snap(t, core).Presence["peer"]
		assert.False(t, pv.Online)
		assert.True(t, pv.LastOnlineAt.Equal(lastSeen))

		stream.dispatch(evUserOnline, PresenceEvent{UserID: "peer", IsOnline: true})
		synctest.Wait()
		assert.True(t, snap(t, core).Presence["peer"].Online)

		// A status response disagreeing with the push flips it back.
		stream.dispatch(evParticipantStatus, PresenceEvent{UserID: "peer", IsOnline: false})
		synctest.Wait()
		assert.False(t, snap(t, core).Presence["peer"].Online)

		// Events for users outside the conversation are ignored.
		stream.dispatch(evUserOnline, PresenceEvent{UserID: "stranger", IsOnline: true})
		synctest.Wait()
		_, ok := snap(t, core).Presence["stranger"]
		assert.False(t, ok)
	})
}

func TestCore_PresencePoll(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		stream := newFakeStream(true)
		startCore(t, stream, newFakeStore(), api.MessagePage{})

		time.Sleep(presencePollEvery + time.Second)
		synctest.Wait()

		require.GreaterOrEqual(t, stream.count(evGetStatus), 1)
		var req StatusRequest
		require.NoError(t, json.Unmarshal(stream.last(evGetStatus), &req))
		assert.Equal(t, "peer", req.UserID)
	})
}

func TestCore_MalformedPayloadIgnored(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		stream := newFakeStream(true)
		core := startCore(t, stream, newFakeStore(), api.MessagePage{})

		stream.dispatch(evNewMessage, []byte(`{"broken`))
		stream.dispatch(evUserTyping, []byte(`[]`))
		stream.dispatch(evUserOnline, []byte(`"nope"`))
		synctest.Wait()

		// The loop survived; the model is untouched.
		s := snap(t, core)
		assert.Empty(t, s.Messages)
		assert.Empty(t, s.Typing)
	})
}

func TestCore_OtherConversationIgnored(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		stream := newFakeStream(true)
		core := startCore(t, stream, newFakeStore(), api.MessagePage{})

		stream.dispatch(evNewMessage, api.WireMessage{
			ID:             "m9",
			ConversationID: "conv-other",
			SenderID:       "peer",
			Text:           "wrong room",
			CreatedAt:      time.Now().UTC().Format(time.RFC3339),
		})
		synctest.Wait()

		assert.Empty(t, snap(t, core).Messages)
		assert.Equal(t, 0, stream.count(evMessageDelivered))
	})
}

func TestCore_CursorAdvances(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		stream := newFakeStream(true)
		store := newFakeStore()
		core := startCore(t, stream, store, api.MessagePage{})

		at := time.Now().UTC()
		stream.dispatch(evNewMessage, api.WireMessage{
			ID:             "m1",
			ConversationID: "conv-1",
			SenderID:       "peer",
			Text:           "hi",
			CreatedAt:      at.Format(time.RFC3339),
		})
		synctest.Wait()

		_, err := core.Snapshot(context.Background())
		require.NoError(t, err)

		c := store.cursor("conv-1")
		assert.Equal(t, "m1", c.LastMessageID)
		assert.Equal(t, at.Truncate(time.Second).UnixMilli(), c.LastCreatedAt)
	})
}
