package app

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/avdeyev/huddle/internal/core"
	"github.com/avdeyev/huddle/internal/domain"
)

type State int

const (
	StateIdle State = iota
	StateJoining
	StateJoined
	StateLeaving
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateJoining:
		return "joining"
	case StateJoined:
		return "joined"
	case StateLeaving:
		return "leaving"
	case StateReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

// Session is the single connection session of this client. It is the one
// source of truth for "am I in a room". All state changes go through the
// transition methods below; no other code writes these fields.
//
// Invariants: memberID is non-empty iff state == Joined. While
// intentionalLeave is true no reconnection may start.
type Session struct {
	mu sync.Mutex

	state        State
	roomID       domain.RoomID
	memberID     domain.MemberID
	nick         string
	mute         bool
	speakerMuted bool

	intentionalLeave bool
	attempts         int
	joinLock         bool

	cooldown    *Timer
	cooldownDur time.Duration
}

// NewSession creates an idle session. cooldown is how long intentionalLeave
// stays latched after a completed leave, to absorb delayed network events
// that would otherwise misfire a reconnection for an abandoned session.
func NewSession(cooldown time.Duration) *Session {
	return &Session{cooldown: NewTimer(), cooldownDur: cooldown}
}

// TryLock acquires the join/leave mutual exclusion. First writer wins: a
// request that fails to acquire must become a silent no-op, never queue.
func (s *Session) TryLock() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.joinLock {
		return false
	}
	s.joinLock = true
	return true
}

func (s *Session) Unlock() {
	s.mu.Lock()
	s.joinLock = false
	s.mu.Unlock()
}

// BeginJoin moves Idle to Joining. Joining the room the session is already in
// reports started=false with no error (idempotent join). Joining while in a
// different room is rejected.
func (s *Session) BeginJoin(roomID domain.RoomID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateIdle:
	case StateJoined:
		if s.roomID == roomID {
			return false, nil
		}
		return false, core.ErrAlreadyInRoom
	default:
		return false, core.ErrAlreadyInRoom
	}
	s.state = StateJoining
	s.roomID = roomID
	log.Debug().Str("module", "app.session").Str("room", string(roomID)).Msg("joining")
	return true, nil
}

// CompleteJoin moves Joining or Reconnecting to Joined. A successful join
// clears the intentional-leave latch and the pending cooldown: the user is in
// a live session again and reconnection must be allowed for it.
func (s *Session) CompleteJoin(memberID domain.MemberID, m domain.Member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateJoining && s.state != StateReconnecting {
		log.Warn().Str("module", "app.session").Str("state", s.state.String()).Msg("complete join in wrong state")
		return
	}
	s.state = StateJoined
	s.memberID = memberID
	s.nick = m.Nick
	s.mute = m.Mute
	s.speakerMuted = m.SpeakerMuted
	s.attempts = 0
	s.intentionalLeave = false
	s.cooldown.Stop()
	log.Info().Str("module", "app.session").Str("room", string(s.roomID)).Str("member", string(memberID)).Msg("joined")
}

// FailJoin moves Joining back to Idle.
func (s *Session) FailJoin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateJoining {
		return
	}
	s.state = StateIdle
	s.roomID = ""
	s.memberID = ""
}

// BeginLeave starts an explicit leave. It latches intentionalLeave and clears
// the stored refs synchronously, before the caller performs any store call,
// so reconnection decisions on the next tick observe the cancellation.
func (s *Session) BeginLeave() (domain.RoomID, domain.MemberID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateJoined {
		return "", "", false
	}
	return s.beginLeaveLocked()
}

// BeginForcedLeave is BeginLeave for involuntary exits (kick, room deleted,
// reconnect exhausted). It also accepts the Reconnecting state and latches
// exactly once: a second call for the same session reports false, which is
// what keeps repeated kick snapshots from double-firing.
func (s *Session) BeginForcedLeave() (domain.RoomID, domain.MemberID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateJoined && s.state != StateReconnecting {
		return "", "", false
	}
	if s.intentionalLeave {
		return "", "", false
	}
	return s.beginLeaveLocked()
}

func (s *Session) beginLeaveLocked() (domain.RoomID, domain.MemberID, bool) {
	roomID, memberID := s.roomID, s.memberID
	s.intentionalLeave = true
	s.state = StateLeaving
	s.roomID = ""
	s.memberID = ""
	log.Debug().Str("module", "app.session").Str("room", string(roomID)).Msg("leaving")
	return roomID, memberID, true
}

// CompleteLeave moves Leaving to Idle and schedules the intentional-leave
// latch to clear after the cooldown window.
func (s *Session) CompleteLeave() {
	s.mu.Lock()
	if s.state == StateLeaving {
		s.state = StateIdle
	}
	s.mu.Unlock()
	s.cooldown.Arm(s.cooldownDur, func() {
		s.mu.Lock()
		s.intentionalLeave = false
		s.mu.Unlock()
	})
}

// BeginReconnect moves Joined to Reconnecting, handing back everything needed
// to re-register: the room, the member snapshot to recreate, and the stale
// member id to clean up. Only the reconnection controller calls this.
func (s *Session) BeginReconnect() (domain.RoomID, domain.MemberID, domain.Member, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateJoined || s.intentionalLeave {
		return "", "", domain.Member{}, false
	}
	stale := s.memberID
	s.state = StateReconnecting
	s.memberID = ""
	m := domain.Member{Nick: s.nick, Mute: s.mute, SpeakerMuted: s.speakerMuted}
	return s.roomID, stale, m, true
}

// NextAttempt bumps and returns the reconnect attempt counter.
func (s *Session) NextAttempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	return s.attempts
}

func (s *Session) ResetAttempts() {
	s.mu.Lock()
	s.attempts = 0
	s.mu.Unlock()
}

func (s *Session) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) RoomID() domain.RoomID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

func (s *Session) MemberID() domain.MemberID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memberID
}

func (s *Session) Nick() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nick
}

func (s *Session) IntentionalLeave() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intentionalLeave
}

// SetMuteState records the local mute flags so a reconnect re-registers with
// the same state the user last chose.
func (s *Session) SetMuteState(mute, speakerMuted bool) {
	s.mu.Lock()
	s.mute = mute
	s.speakerMuted = speakerMuted
	s.mu.Unlock()
}
