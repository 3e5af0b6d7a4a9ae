package chat

import "time"

// PresenceState is the per-user presence machine: Unknown until any
// signal arrives, then Online/Offline.
type PresenceState int

const (
	PresenceUnknown PresenceState = iota
	PresenceOnline
	PresenceOffline
)

type presenceEntry struct {
	state        PresenceState
	lastOnlineAt time.Time
}

// PresenceTracker reconciles the independent presence sources (initial
// fetch, status responses, broadcast pushes, periodic poll) into one
// map. Last write wins, except that the local user is forced online
// whenever computed.
//
// Not safe for concurrent use: the core's dispatch loop is the only
// caller.
type PresenceTracker struct {
	selfID  string
	entries map[string]presenceEntry
	now     func() time.Time
}

// NewPresenceTracker creates a tracker with self forced online.
func NewPresenceTracker(selfID string) *PresenceTracker {
	return &PresenceTracker{
		selfID:  selfID,
		entries: make(map[string]presenceEntry),
		now:     time.Now,
	}
}

// SetOnline applies an online push. Always updates state; returns true
// when the visible state changed.
func (p *PresenceTracker) SetOnline(userID string) bool {
	prev := p.entries[userID]
	p.entries[userID] = presenceEntry{state: PresenceOnline, lastOnlineAt: prev.lastOnlineAt}
	return prev.state != PresenceOnline && userID != p.selfID
}

// SetOffline applies an offline push, recording when the user was last
// seen. Always updates state; returns true when the visible state
// changed. Self never goes visibly offline, but the timestamp is still
// recorded.
func (p *PresenceTracker) SetOffline(userID string, at time.Time) bool {
	prev := p.entries[userID]
	if at.IsZero() {
		at = p.now()
	}
	p.entries[userID] = presenceEntry{state: PresenceOffline, lastOnlineAt: at}
	return prev.state != PresenceOffline && userID != p.selfID
}

// ApplyStatusResponse applies a direct status-request response. The
// value is always stored, but "changed" is only reported when the
// response disagrees with current state, to avoid redundant downstream
// notification churn from the periodic poll.
func (p *PresenceTracker) ApplyStatusResponse(userID string, isOnline bool, at time.Time) bool {
	prev, known := p.entries[userID]

	want := PresenceOffline
	if isOnline {
		want = PresenceOnline
	}

	agrees := known && prev.state == want

	entry := presenceEntry{state: want, lastOnlineAt: prev.lastOnlineAt}
	if !isOnline && !at.IsZero() {
		entry.lastOnlineAt = at
	}
	p.entries[userID] = entry

	return !agrees && userID != p.selfID
}

// IsOnline reports whether the user is online. The local user is
// always online, overriding any contrary stored signal.
func (p *PresenceTracker) IsOnline(userID string) bool {
	if userID == p.selfID {
		return true
	}
	return p.entries[userID].state == PresenceOnline
}

// LastOnlineAt returns when the user was last seen online, if known.
func (p *PresenceTracker) LastOnlineAt(userID string) (time.Time, bool) {
	e, ok := p.entries[userID]
	if !ok || e.lastOnlineAt.IsZero() {
		return time.Time{}, false
	}
	return e.lastOnlineAt, true
}

// Known reports whether any signal has been recorded for the user.
func (p *PresenceTracker) Known(userID string) bool {
	if userID == p.selfID {
		return true
	}
	_, ok := p.entries[userID]
	return ok
}
