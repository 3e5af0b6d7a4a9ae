package chat

// AckTracker decides which delivered/read acknowledgments this client
// owes for messages authored by other participants, and derives the
// per-message display status. Ack application itself lives on the
// timeline (the sets belong to the messages).
//
// Not safe for concurrent use: the core's dispatch loop is the only
// caller.
type AckTracker struct {
	selfID string

	// deliveredEmitted tracks message ids we already acknowledged as
	// delivered, so duplicate newMessage events don't re-emit.
	deliveredEmitted map[string]struct{}

	// readQueue holds message ids awaiting the delayed read emission.
	readQueue []string
	queued    map[string]struct{}
}

// NewAckTracker creates a tracker for the given local user.
func NewAckTracker(selfID string) *AckTracker {
	return &AckTracker{
		selfID:           selfID,
		deliveredEmitted: make(map[string]struct{}),
		queued:           make(map[string]struct{}),
	}
}

// OnRemoteMessage inspects a freshly confirmed message from another
// participant. It returns true when a delivered acknowledgment should
// be emitted now, and queues the message for the delayed read
// acknowledgment. Self-authored messages need neither.
func (a *AckTracker) OnRemoteMessage(msg *Message) bool {
	if msg == nil || msg.SenderID == a.selfID {
		return false
	}

	id := msg.ID.String()

	if _, ok := a.queued[id]; !ok && !msg.ReadByUser(a.selfID) {
		a.queued[id] = struct{}{}
		a.readQueue = append(a.readQueue, id)
	}

	if _, ok := a.deliveredEmitted[id]; ok {
		return false
	}
	if msg.DeliveredBy(a.selfID) {
		a.deliveredEmitted[id] = struct{}{}
		return false
	}
	a.deliveredEmitted[id] = struct{}{}
	return true
}

// TakeReadQueue drains the ids awaiting a read acknowledgment, in the
// order they became visible. Called when the read-ack delay elapses.
func (a *AckTracker) TakeReadQueue() []string {
	ids := a.readQueue
	a.readQueue = nil
	for _, id := range ids {
		delete(a.queued, id)
	}
	return ids
}

// HasPendingReads reports whether a read emission is outstanding.
func (a *AckTracker) HasPendingReads() bool {
	return len(a.readQueue) > 0
}

// DeliveryStatus derives the display status of a message authored by
// the local user. For 1:1 conversations the single peer decides; for
// groups, "someone has read it" semantics apply.
func DeliveryStatus(msg *Message, peerIDs []string, isGroup bool) DisplayStatus {
	if msg.Pending() {
		return StatusPending
	}

	if !isGroup && len(peerIDs) == 1 {
		peer := peerIDs[0]
		if msg.ReadByUser(peer) {
			return StatusRead
		}
		if msg.DeliveredBy(peer) {
			return StatusDelivered
		}
		return StatusSent
	}

	if len(msg.ReadBy) > 0 {
		return StatusRead
	}
	if len(msg.DeliveredTo) > 0 {
		return StatusDelivered
	}
	return StatusSent
}

// FirstUnreadIndex locates the first message authored by someone other
// than selfID that selfID has not read. Returns -1 when everything is
// read. Recomputed on demand; never persisted.
func FirstUnreadIndex(snapshot []Message, selfID string) int {
	for i := range snapshot {
		m := &snapshot[i]
		if m.SenderID == selfID {
			continue
		}
		if !m.ReadByUser(selfID) {
			return i
		}
	}
	return -1
}
