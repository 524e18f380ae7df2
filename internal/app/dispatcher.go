package app

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/avdeyev/huddle/internal/core"
	"github.com/avdeyev/huddle/internal/domain"
	"github.com/avdeyev/huddle/internal/store"
)

// Dispatcher owns the two room subscriptions: the member list, debounced so
// bursts of near-simultaneous writes settle into one snapshot, and the
// signaling sub-path, consumed one envelope at a time. It derives join/leave
// cues from count deltas, detects involuntary removal, and drives the
// peer-session lifecycle from membership changes.
type Dispatcher struct {
	store  core.Store
	sess   *Session
	peers  core.PeerSessions
	sounds core.Sounds
	audio  core.LiveAudio

	// forceLeave runs the full involuntary-leave path. It must latch the
	// session before its first store call; see Session.BeginForcedLeave.
	forceLeave func(kind core.NotifyKind, msg string)
	// onMembers pushes each settled snapshot to the UI layer.
	onMembers func(members map[domain.MemberID]domain.Member)

	debounce time.Duration
	timer    *Timer

	mu        sync.Mutex
	roomID    domain.RoomID
	memberSub core.Subscription
	signalSub core.Subscription
	pending   []byte
	lastCount int
	known     map[domain.MemberID]domain.Member
}

func NewDispatcher(
	st core.Store,
	sess *Session,
	peers core.PeerSessions,
	sounds core.Sounds,
	audio core.LiveAudio,
	debounce time.Duration,
) *Dispatcher {
	return &Dispatcher{
		store:    st,
		sess:     sess,
		peers:    peers,
		sounds:   sounds,
		audio:    audio,
		debounce: debounce,
		timer:    NewTimer(),
	}
}

func (d *Dispatcher) SetForceLeave(fn func(kind core.NotifyKind, msg string)) { d.forceLeave = fn }
func (d *Dispatcher) SetOnMembers(fn func(map[domain.MemberID]domain.Member)) { d.onMembers = fn }

// Start attaches both listeners for roomID. One member-list listener only;
// every event re-arms the settle timer instead of processing inline.
func (d *Dispatcher) Start(roomID domain.RoomID) error {
	d.mu.Lock()
	d.roomID = roomID
	d.lastCount = 0
	d.known = make(map[domain.MemberID]domain.Member)
	d.mu.Unlock()

	memberSub, err := d.store.Subscribe(store.MembersPath(roomID), core.EventValue, d.onMemberEvent)
	if err != nil {
		return err
	}
	signalSub, err := d.store.Subscribe(store.SignalsPath(roomID), core.EventChildAdded, d.onSignal)
	if err != nil {
		d.store.Unsubscribe(memberSub)
		return err
	}

	d.mu.Lock()
	d.memberSub = memberSub
	d.signalSub = signalSub
	d.mu.Unlock()
	log.Debug().Str("module", "app.dispatcher").Str("room", string(roomID)).Msg("listeners attached")
	return nil
}

// Stop detaches the listeners and cancels any pending settle.
func (d *Dispatcher) Stop() {
	d.timer.Stop()
	d.mu.Lock()
	memberSub, signalSub := d.memberSub, d.signalSub
	d.memberSub, d.signalSub = nil, nil
	d.roomID = ""
	d.pending = nil
	d.known = nil
	d.mu.Unlock()
	if memberSub != nil {
		d.store.Unsubscribe(memberSub)
	}
	if signalSub != nil {
		d.store.Unsubscribe(signalSub)
	}
}

func (d *Dispatcher) onMemberEvent(ev core.Event) {
	d.mu.Lock()
	d.pending = ev.Data
	d.mu.Unlock()
	d.timer.Arm(d.debounce, d.settle)
}

// settle processes the last snapshot of a burst.
func (d *Dispatcher) settle() {
	d.mu.Lock()
	if d.memberSub == nil {
		d.mu.Unlock()
		return
	}
	raw := d.pending
	d.pending = nil
	d.mu.Unlock()

	members := make(map[domain.MemberID]domain.Member)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &members); err != nil {
			log.Error().Err(err).Str("module", "app.dispatcher").Msg("bad member snapshot")
			return
		}
	}

	self := d.sess.MemberID()
	_, selfPresent := members[self]

	d.mu.Lock()
	last := d.lastCount
	known := d.known
	d.lastCount = len(members)
	d.known = members
	d.mu.Unlock()

	if len(members) != last && selfPresent && d.sounds != nil {
		if len(members) > last {
			d.sounds.PlayJoin()
		} else {
			d.sounds.PlayLeave()
		}
	}

	// The record's absence is the authoritative leave signal. If it is gone
	// while the session still believes it is joined, another client removed
	// it: treat as an administrative kick.
	if !selfPresent && self != "" && d.sess.State() == StateJoined && !d.sess.IntentionalLeave() {
		log.Warn().Str("module", "app.dispatcher").Str("member", string(self)).Msg("own record gone, treating as kick")
		if d.forceLeave != nil {
			d.forceLeave(core.NotifyKicked, "removed by administrator")
		}
		return
	}

	d.syncPeers(self, known, members)

	if d.onMembers != nil {
		d.onMembers(members)
	}
}

// syncPeers reconciles the peer-session set with the settled snapshot. The
// younger side of each pair initiates, ties broken by member id, so both
// ends agree on direction without extra coordination.
func (d *Dispatcher) syncPeers(self domain.MemberID, known, members map[domain.MemberID]domain.Member) {
	if d.peers == nil {
		return
	}
	me, ok := members[self]
	for id, m := range members {
		if id == self {
			continue
		}
		if d.audio != nil {
			d.audio.UpdateMember(id, m)
		}
		if _, seen := known[id]; seen {
			continue
		}
		initiator := false
		if ok {
			initiator = me.JoinedAt > m.JoinedAt || (me.JoinedAt == m.JoinedAt && self > id)
		}
		d.peers.CreatePeer(id, initiator)
	}
	for id := range known {
		if id == self {
			continue
		}
		if _, still := members[id]; !still {
			d.peers.ClosePeer(id)
			if d.audio != nil {
				d.audio.RemoveMember(id)
			}
		}
	}
}

// onSignal consumes one envelope. Deletion is the acknowledgment; an
// envelope the peer layer fails on is still deleted (at-most-once).
func (d *Dispatcher) onSignal(ev core.Event) {
	var env domain.Envelope
	if err := json.Unmarshal(ev.Data, &env); err != nil {
		log.Error().Err(err).Str("module", "app.dispatcher").Msg("bad signal envelope")
		return
	}
	if env.To != d.sess.MemberID() {
		return
	}
	if d.peers != nil {
		d.peers.HandleSignal(env)
	}
	d.mu.Lock()
	roomID := d.roomID
	d.mu.Unlock()
	if roomID == "" {
		return
	}
	if err := d.store.Remove(context.Background(), store.SignalPath(roomID, ev.Key)); err != nil {
		log.Warn().Err(err).Str("module", "app.dispatcher").Str("signal", ev.Key).Msg("signal delete failed")
	}
}
