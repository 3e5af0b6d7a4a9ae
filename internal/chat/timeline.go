package chat

import (
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/Abhishek12890551/together-sub000/internal/api"
)

// reconcileWindow bounds how old an optimistic message may be and still
// be matched against an inbound confirmation of the same text.
const reconcileWindow = 10 * time.Second

// Timeline is the ordered, deduplicated, mutable log of messages for
// one conversation. It owns optimistic insert, confirm-replace, and
// sort order; no other component deletes or reorders entries.
//
// Not safe for concurrent use: the core's dispatch loop is the only
// caller.
type Timeline struct {
	logger *slog.Logger

	conversationID string
	now            func() time.Time

	entries   []*Message
	confirmed map[string]*Message
}

// NewTimeline creates an empty timeline for a conversation.
func NewTimeline(conversationID string, logger *slog.Logger) *Timeline {
	return &Timeline{
		logger:         logger,
		conversationID: conversationID,
		now:            time.Now,
		confirmed:      make(map[string]*Message),
	}
}

// InsertOptimistic appends a pending message with a fresh temp id and
// returns the id so the caller can emit it over the transport.
func (t *Timeline) InsertOptimistic(senderID, senderName, senderAvatar, text string) string {
	tempID := "temp-" + uuid.NewString()

	msg := &Message{
		ID:             PendingID(tempID),
		ConversationID: t.conversationID,
		SenderID:       senderID,
		SenderName:     senderName,
		SenderAvatar:   senderAvatar,
		Text:           text,
		CreatedAt:      t.now(),
		DeliveredTo:    make(map[string]struct{}),
		ReadBy:         make(map[string]struct{}),
	}
	t.append(msg)

	return tempID
}

// ApplyRemote applies a server-confirmed message. Duplicate arrivals of
// a known permanent id are no-ops. A matching pending message (same
// sender, same text, local timestamp inside the reconciliation window)
// is confirmed in place instead of appended, so the sender's own echoed
// message does not duplicate. Returns the affected entry, or nil when
// the event was a duplicate or unusable.
func (t *Timeline) ApplyRemote(w api.WireMessage) *Message {
	if w.ID == "" {
		t.logger.Warn("remote message without id dropped",
			slog.String("conversation", t.conversationID),
		)
		return nil
	}

	if _, ok := t.confirmed[w.ID]; ok {
		return nil
	}

	createdAt := t.parseCreatedAt(w.ID, w.CreatedAt)

	if cand := t.reconcileCandidate(w); cand != nil {
		cand.ID = ConfirmedID(w.ID)
		cand.CreatedAt = createdAt
		cand.Text = w.Text
		cand.SenderName = pick(w.SenderName, cand.SenderName)
		cand.SenderAvatar = pick(w.SenderAvatar, cand.SenderAvatar)
		mergeSet(cand.DeliveredTo, w.DeliveredTo)
		mergeSet(cand.ReadBy, w.ReadBy)
		t.confirmed[w.ID] = cand
		t.sortEntries()
		return cand
	}

	msg := &Message{
		ID:             ConfirmedID(w.ID),
		ConversationID: t.conversationID,
		SenderID:       w.SenderID,
		SenderName:     w.SenderName,
		SenderAvatar:   w.SenderAvatar,
		Text:           w.Text,
		CreatedAt:      createdAt,
		DeliveredTo:    make(map[string]struct{}),
		ReadBy:         make(map[string]struct{}),
	}
	mergeSet(msg.DeliveredTo, w.DeliveredTo)
	mergeSet(msg.ReadBy, w.ReadBy)
	t.append(msg)
	t.confirmed[w.ID] = msg

	return msg
}

// reconcileCandidate finds the pending message an inbound confirmation
// should replace: same sender, NFC-equal text, created inside the
// window. With several in flight, the most recent eligible one wins;
// confirmation flips the entry out of pending, so the same remote
// message can never replace twice.
func (t *Timeline) reconcileCandidate(w api.WireMessage) *Message {
	now := t.now()
	wantText := norm.NFC.String(w.Text)

	var cand *Message
	for _, e := range t.entries {
		if !e.Pending() || e.SenderID != w.SenderID {
			continue
		}
		if norm.NFC.String(e.Text) != wantText {
			continue
		}
		age := now.Sub(e.CreatedAt)
		if age < 0 {
			age = -age
		}
		if age > reconcileWindow {
			continue
		}
		if cand == nil || e.CreatedAt.After(cand.CreatedAt) {
			cand = e
		}
	}

	return cand
}

// parseCreatedAt never fails: an unparsable timestamp becomes "now" and
// is logged as a data-quality issue.
func (t *Timeline) parseCreatedAt(id, raw string) time.Time {
	if raw == "" {
		t.logger.Warn("remote message missing createdAt, using local clock",
			slog.String("id", id),
		)
		return t.now()
	}

	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		t.logger.Warn("unparsable createdAt, using local clock",
			slog.String("id", id),
			slog.String("createdAt", raw),
		)
		return t.now()
	}

	return ts
}

// Refresh restamps a pending entry to the current clock. Used when a
// queued send is replayed after a long disconnect, so the confirmation
// still falls inside the reconciliation window.
func (t *Timeline) Refresh(tempID string) {
	for _, e := range t.entries {
		if e.Pending() && e.ID.String() == tempID {
			e.CreatedAt = t.now()
			t.sortEntries()
			return
		}
	}
}

// Get returns the entry with the given confirmed id, or nil.
func (t *Timeline) Get(messageID string) *Message {
	return t.confirmed[messageID]
}

// MarkDelivered records a delivery acknowledgment. Idempotent; the set
// only grows. Returns true when the set changed. Unknown message ids
// are ignored.
func (t *Timeline) MarkDelivered(messageID, byUserID string) bool {
	msg := t.confirmed[messageID]
	if msg == nil {
		return false
	}
	if _, ok := msg.DeliveredTo[byUserID]; ok {
		return false
	}
	msg.DeliveredTo[byUserID] = struct{}{}
	return true
}

// MarkRead records a read acknowledgment. Idempotent; the set only
// grows. Returns true when the set changed.
func (t *Timeline) MarkRead(messageID, byUserID string) bool {
	msg := t.confirmed[messageID]
	if msg == nil {
		return false
	}
	if _, ok := msg.ReadBy[byUserID]; ok {
		return false
	}
	msg.ReadBy[byUserID] = struct{}{}
	return true
}

// HasRecentConfirmed reports whether a confirmed message from the given
// sender with the given text exists inside the reconciliation window.
// Used to drop queued sends whose confirmed twin already arrived.
func (t *Timeline) HasRecentConfirmed(senderID, text string, window time.Duration) bool {
	now := t.now()
	wantText := norm.NFC.String(text)

	for _, e := range t.entries {
		if e.Pending() || e.SenderID != senderID {
			continue
		}
		if norm.NFC.String(e.Text) != wantText {
			continue
		}
		age := now.Sub(e.CreatedAt)
		if age < 0 {
			age = -age
		}
		if age <= window {
			return true
		}
	}

	return false
}

// Snapshot returns the entries sorted ascending by createdAt. The
// returned messages are copies; ack sets are shared read-only views
// that the caller must not mutate.
func (t *Timeline) Snapshot() []Message {
	out := make([]Message, len(t.entries))
	for i, e := range t.entries {
		out[i] = *e
	}
	return out
}

// Len returns the number of entries.
func (t *Timeline) Len() int {
	return len(t.entries)
}

func (t *Timeline) append(msg *Message) {
	t.entries = append(t.entries, msg)
	t.sortEntries()
}

// sortEntries re-sorts after every mutation. The sort is stable and the
// slice already reflects arrival order, so ties keep arrival order.
func (t *Timeline) sortEntries() {
	sort.SliceStable(t.entries, func(i, j int) bool {
		return t.entries[i].CreatedAt.Before(t.entries[j].CreatedAt)
	})
}

func mergeSet(dst map[string]struct{}, ids []string) {
	for _, id := range ids {
		dst[id] = struct{}{}
	}
}

func pick(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
