package app

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/avdeyev/huddle/internal/core"
	"github.com/avdeyev/huddle/internal/domain"
	"github.com/avdeyev/huddle/internal/store"
)

// Registrar creates and removes this client's membership record in a room.
// Callers must hold the session's join lock across Join and Leave.
type Registrar struct {
	store core.Store
}

func NewRegistrar(st core.Store) *Registrar {
	return &Registrar{store: st}
}

// Join registers a member record and wires its server-side disconnect
// cleanup. prev is the member id this client held in an earlier session, if
// any: a surviving record under that id is a stale self-entry from a crashed
// session and is removed before the new one is pushed, so a crash-restart
// cycle never leaves two records for one client.
//
// The disconnect hook is registered strictly after the push. Registering it
// first would let a slow network remove the entry before it exists.
func (r *Registrar) Join(
	ctx context.Context,
	roomID domain.RoomID,
	prev domain.MemberID,
	m domain.Member,
) (domain.MemberID, core.DisconnectHandle, error) {
	if prev != "" {
		raw, err := r.store.Read(ctx, store.MembersPath(roomID))
		if err != nil {
			return "", nil, fmt.Errorf("read members: %w", err)
		}
		var members map[domain.MemberID]domain.Member
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &members); err != nil {
				return "", nil, fmt.Errorf("decode members: %w", err)
			}
		}
		if _, ok := members[prev]; ok {
			log.Warn().Str("module", "app.registrar").Str("room", string(roomID)).Str("member", string(prev)).Msg("removing stale self-entry")
			if err := r.store.Remove(ctx, store.MemberPath(roomID, prev)); err != nil {
				return "", nil, fmt.Errorf("%w: %w", core.ErrMembershipConflict, err)
			}
		}
	}

	key, err := r.store.PushChild(ctx, store.MembersPath(roomID), m)
	if err != nil {
		// Nothing was written; no partial state to unwind.
		return "", nil, fmt.Errorf("%w: %w", core.ErrRoomJoinFailed, err)
	}
	memberID := domain.MemberID(key)

	handle, err := r.store.OnDisconnectRemove(ctx, store.MemberPath(roomID, memberID))
	if err != nil {
		log.Error().Err(err).Str("module", "app.registrar").Str("member", string(memberID)).Msg("disconnect hook registration failed")
		handle = nil
	}
	log.Info().Str("module", "app.registrar").Str("room", string(roomID)).Str("member", string(memberID)).Msg("member registered")
	return memberID, handle, nil
}

// Leave removes the member record. The disconnect hook is cancelled first so
// the hook and the explicit removal cannot race each other. Removal is
// retried once via a freshly built path in case the first attempt hit a
// stale reference; a leave must make forward progress even when cleanup
// steps fail.
func (r *Registrar) Leave(
	ctx context.Context,
	roomID domain.RoomID,
	memberID domain.MemberID,
	handle core.DisconnectHandle,
) error {
	if handle != nil {
		if err := handle.Cancel(ctx); err != nil {
			log.Warn().Err(err).Str("module", "app.registrar").Str("member", string(memberID)).Msg("cancel disconnect hook")
		}
	}
	path := store.MemberPath(roomID, memberID)
	if err := r.store.Remove(ctx, path); err != nil {
		log.Warn().Err(err).Str("module", "app.registrar").Str("member", string(memberID)).Msg("member removal failed, retrying by path")
		if err := r.store.Remove(ctx, store.MemberPath(roomID, memberID)); err != nil {
			return fmt.Errorf("remove member: %w", err)
		}
	}
	log.Info().Str("module", "app.registrar").Str("room", string(roomID)).Str("member", string(memberID)).Msg("member removed")
	return nil
}
