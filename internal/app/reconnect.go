package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/avdeyev/huddle/internal/core"
	"github.com/avdeyev/huddle/internal/domain"
	"github.com/avdeyev/huddle/internal/store"
)

type tri int

const (
	triUnknown tri = iota
	triYes
	triNo
)

// RejoinFunc performs one fresh registration for the same room: cancel the
// old disconnect hook, remove the stale member record (both best-effort) and
// push a new one. The client facade supplies it so the new member id, handle
// and session transition land in one place.
type RejoinFunc func(ctx context.Context, roomID domain.RoomID, stale domain.MemberID, m domain.Member) error

// Reconnector turns store connectivity recoveries into bounded rejoin
// attempts. It reacts only to an actual recovery (false then true), never to
// the initial connect, and never while an intentional leave is latched.
type Reconnector struct {
	store       core.Store
	sess        *Session
	notify      core.Notifier
	rejoin      RejoinFunc
	forceLeave  func(kind core.NotifyKind, msg string)
	maxAttempts int
	backoff     time.Duration

	mu           sync.Mutex
	wasConnected tri
	reconnecting bool
	connSub      core.Subscription
}

func NewReconnector(
	st core.Store,
	sess *Session,
	notify core.Notifier,
	maxAttempts int,
	backoff time.Duration,
) *Reconnector {
	return &Reconnector{
		store:       st,
		sess:        sess,
		notify:      notify,
		maxAttempts: maxAttempts,
		backoff:     backoff,
	}
}

func (r *Reconnector) SetRejoin(fn RejoinFunc) { r.rejoin = fn }

func (r *Reconnector) SetForceLeave(fn func(kind core.NotifyKind, msg string)) { r.forceLeave = fn }

// Start begins observing the store's connectivity signal.
func (r *Reconnector) Start() {
	r.mu.Lock()
	if r.connSub != nil {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	sub := r.store.WatchConnectivity(r.onConnectivity)
	r.mu.Lock()
	r.connSub = sub
	r.mu.Unlock()
}

func (r *Reconnector) Stop() {
	r.mu.Lock()
	sub := r.connSub
	r.connSub = nil
	r.mu.Unlock()
	if sub != nil {
		r.store.Unsubscribe(sub)
	}
}

func (r *Reconnector) onConnectivity(connected bool) {
	r.mu.Lock()
	prev := r.wasConnected
	if connected {
		r.wasConnected = triYes
	} else {
		r.wasConnected = triNo
	}
	// The reconnecting flag keeps rapid flapping from overlapping runs.
	run := connected && prev == triNo && !r.reconnecting
	if run {
		r.reconnecting = true
	}
	r.mu.Unlock()

	log.Debug().Str("module", "app.reconnect").Bool("connected", connected).Msg("connectivity transition")
	if run {
		go r.run()
	}
}

func (r *Reconnector) run() {
	// Release the guard on every exit path; a stuck flag would block all
	// future reconnections permanently.
	defer func() {
		r.mu.Lock()
		r.reconnecting = false
		r.mu.Unlock()
	}()

	roomID, stale, m, ok := r.sess.BeginReconnect()
	if !ok {
		return
	}
	ctx := context.Background()

	for {
		attempt := r.sess.NextAttempt()
		if attempt > r.maxAttempts {
			r.sess.ResetAttempts()
			log.Error().Err(core.ErrReconnectExhausted).Str("module", "app.reconnect").Str("room", string(roomID)).Msg("giving up")
			if r.forceLeave != nil {
				r.forceLeave(core.NotifyError, "could not restore connection")
			}
			return
		}
		if r.notify != nil {
			r.notify.Notify(core.NotifyReconnect, fmt.Sprintf("reconnecting, attempt %d of %d", attempt, r.maxAttempts))
		}

		raw, err := r.store.Read(ctx, store.RoomPath(roomID)+"/name")
		if err == nil && raw == nil {
			// The room is gone; there is nothing to rejoin.
			r.sess.ResetAttempts()
			if r.forceLeave != nil {
				r.forceLeave(core.NotifyRoomDeleted, "room was deleted")
			}
			return
		}
		if err == nil {
			if err = r.rejoin(ctx, roomID, stale, m); err == nil {
				log.Info().Str("module", "app.reconnect").Str("room", string(roomID)).Int("attempt", attempt).Msg("reconnected")
				if r.notify != nil {
					r.notify.Notify(core.NotifyInfo, "connection restored")
				}
				return
			}
			// A write the store's rules rejected will not heal with retries.
			if core.StoreKind(err) == core.StorePermission {
				r.sess.ResetAttempts()
				log.Error().Err(err).Str("module", "app.reconnect").Str("room", string(roomID)).Msg("reconnect rejected")
				if r.forceLeave != nil {
					r.forceLeave(core.NotifyError, "could not restore connection")
				}
				return
			}
		}
		log.Warn().Err(err).Str("module", "app.reconnect").Int("attempt", attempt).Msg("reconnect attempt failed")
		time.Sleep(r.backoff)
	}
}
