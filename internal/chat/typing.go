package chat

import "time"

// TypingSignal is what the debouncer asks the core to emit, if anything.
type TypingSignal int

const (
	TypingNone TypingSignal = iota
	TypingEmitStart
	TypingEmitStop
)

// RemoteTyping is the ephemeral "peer is typing" indicator.
type RemoteTyping struct {
	ConversationID string
	UserID         string
	DisplayName    string
	ExpiresAt      time.Time
}

// TypingDebouncer converts local keystroke activity into throttled
// typing start/stop signals, and remote typing events into a timed
// indicator. The core owns the timers; the debouncer owns the state.
//
// Not safe for concurrent use: the core's dispatch loop is the only
// caller.
type TypingDebouncer struct {
	active bool

	remote map[string]RemoteTyping
}

// NewTypingDebouncer creates an idle debouncer.
func NewTypingDebouncer() *TypingDebouncer {
	return &TypingDebouncer{
		remote: make(map[string]RemoteTyping),
	}
}

// LocalInput processes an input-field change. At most one start is
// emitted per burst; emptying the field stops the burst immediately.
// While disconnected nothing is emitted, but an active burst still
// ends on empty input. The caller resets the stop timer on every
// non-empty change.
func (d *TypingDebouncer) LocalInput(text string, connected bool) TypingSignal {
	if text == "" {
		if d.active {
			d.active = false
			if connected {
				return TypingEmitStop
			}
		}
		return TypingNone
	}

	if !connected {
		return TypingNone
	}

	if !d.active {
		d.active = true
		return TypingEmitStart
	}

	return TypingNone
}

// StopElapsed ends the burst when the stop timer fires without further
// input.
func (d *TypingDebouncer) StopElapsed() TypingSignal {
	if !d.active {
		return TypingNone
	}
	d.active = false
	return TypingEmitStop
}

// MessageSent ends the burst immediately on send.
func (d *TypingDebouncer) MessageSent(connected bool) TypingSignal {
	if !d.active {
		return TypingNone
	}
	d.active = false
	if !connected {
		return TypingNone
	}
	return TypingEmitStop
}

// Active reports whether a local typing burst is in progress.
func (d *TypingDebouncer) Active() bool {
	return d.active
}

// ApplyRemote records a remote typing event. Events from selfID (this
// client's own echoes) are ignored. Returns true when the indicator
// for the conversation changed.
func (d *TypingDebouncer) ApplyRemote(ev TypingEvent, selfID string, now time.Time, expiry time.Duration) bool {
	if ev.UserID == "" || ev.UserID == selfID {
		return false
	}

	cur, ok := d.remote[ev.ConversationID]

	if !ev.IsTyping {
		if !ok || cur.UserID != ev.UserID {
			return false
		}
		delete(d.remote, ev.ConversationID)
		return true
	}

	d.remote[ev.ConversationID] = RemoteTyping{
		ConversationID: ev.ConversationID,
		UserID:         ev.UserID,
		DisplayName:    ev.DisplayName,
		ExpiresAt:      now.Add(expiry),
	}

	return !ok || cur.UserID != ev.UserID
}

// Indicator returns the live typing indicator for the conversation, or
// nil when absent or expired.
func (d *TypingDebouncer) Indicator(conversationID string, now time.Time) *RemoteTyping {
	cur, ok := d.remote[conversationID]
	if !ok || !cur.ExpiresAt.After(now) {
		return nil
	}
	return &cur
}

// Expire clears expired indicators. Returns true when anything was
// cleared.
func (d *TypingDebouncer) Expire(now time.Time) bool {
	cleared := false
	for conv, cur := range d.remote {
		if !cur.ExpiresAt.After(now) {
			delete(d.remote, conv)
			cleared = true
		}
	}
	return cleared
}
