package chat

import "time"

// QueuedSend is a message composed while the connection was down,
// waiting for the reconnect replay.
type QueuedSend struct {
	TempID         string
	ConversationID string
	Text           string
	EnqueuedAt     time.Time
}

// SendQueue buffers sends made while disconnected so they replay in
// enqueue order after the connection recovers. At-least-once: a replay
// that races the drop may send twice, and the timeline's reconciliation
// absorbs the duplicate.
//
// Not safe for concurrent use: the core's dispatch loop is the only
// caller.
type SendQueue struct {
	entries []QueuedSend
}

// NewSendQueue creates an empty queue.
func NewSendQueue() *SendQueue {
	return &SendQueue{}
}

// Enqueue appends a send to the back of the queue.
func (q *SendQueue) Enqueue(e QueuedSend) {
	q.entries = append(q.entries, e)
}

// Drain removes and returns all queued sends in enqueue order.
func (q *SendQueue) Drain() []QueuedSend {
	entries := q.entries
	q.entries = nil
	return entries
}

// Len returns the number of queued sends.
func (q *SendQueue) Len() int {
	return len(q.entries)
}
