package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/avdeyev/huddle/internal/core"
	"github.com/avdeyev/huddle/internal/domain"
	"github.com/avdeyev/huddle/internal/store"
)

const (
	roomIDLen       = 8
	roomIDAttempts  = 5
	messageRingSize = 100
)

// Options are the protocol knobs; zero values are filled by Defaults.
type Options struct {
	MaxMembers        int
	ReconnectAttempts int
	ReconnectBackoff  time.Duration
	Debounce          time.Duration
	DirectoryTTL      time.Duration
	LeaveCooldown     time.Duration
}

func DefaultOptions() Options {
	return Options{
		MaxMembers:        10,
		ReconnectAttempts: 3,
		ReconnectBackoff:  3 * time.Second,
		Debounce:          300 * time.Millisecond,
		DirectoryTTL:      5 * time.Second,
		LeaveCooldown:     10 * time.Second,
	}
}

// Client is the room presence core for one running client. It owns the
// session state machine and funnels every join, leave and reconnect through
// it; the registrar, dispatcher and reconnector never act on their own.
type Client struct {
	store  core.Store
	reg    *Registrar
	sess   *Session
	disp   *Dispatcher
	recon  *Reconnector
	dir    *Directory
	notify core.Notifier
	peers  core.PeerSessions
	userID domain.UserID
	opts   Options

	mu           sync.Mutex
	handle       core.DisconnectHandle
	prevMemberID domain.MemberID
	dirSubs      []core.Subscription
}

func NewClient(
	st core.Store,
	userID domain.UserID,
	notify core.Notifier,
	peers core.PeerSessions,
	sounds core.Sounds,
	audio core.LiveAudio,
	opts Options,
) *Client {
	sess := NewSession(opts.LeaveCooldown)
	c := &Client{
		store:  st,
		reg:    NewRegistrar(st),
		sess:   sess,
		dir:    NewDirectory(opts.DirectoryTTL),
		notify: notify,
		peers:  peers,
		userID: userID,
		opts:   opts,
	}
	c.disp = NewDispatcher(st, sess, peers, sounds, audio, opts.Debounce)
	c.disp.SetForceLeave(c.forcedLeave)
	c.recon = NewReconnector(st, sess, notify, opts.ReconnectAttempts, opts.ReconnectBackoff)
	c.recon.SetRejoin(c.rejoin)
	c.recon.SetForceLeave(c.forcedLeave)
	return c
}

// Session exposes the state machine for read-only inspection.
func (c *Client) Session() *Session { return c.sess }

// SetOnMembers forwards settled member snapshots to the UI layer.
func (c *Client) SetOnMembers(fn func(map[domain.MemberID]domain.Member)) {
	c.disp.SetOnMembers(fn)
}

// Start attaches the connectivity watcher and the incremental directory
// listeners. Components are wired in dependency order at startup; nothing
// here waits for anything to "become defined".
func (c *Client) Start() error {
	c.recon.Start()
	added, err := c.store.Subscribe(store.RoomsPath, core.EventChildAdded, c.onRoomUpserted)
	if err != nil {
		return fmt.Errorf("subscribe rooms: %w", err)
	}
	removed, err := c.store.Subscribe(store.RoomsPath, core.EventChildRemoved, c.onRoomRemoved)
	if err != nil {
		c.store.Unsubscribe(added)
		return fmt.Errorf("subscribe rooms: %w", err)
	}
	c.mu.Lock()
	c.dirSubs = []core.Subscription{added, removed}
	c.mu.Unlock()
	return nil
}

func (c *Client) Close(ctx context.Context) {
	_ = c.LeaveRoom(ctx)
	c.recon.Stop()
	c.mu.Lock()
	subs := c.dirSubs
	c.dirSubs = nil
	c.mu.Unlock()
	for _, s := range subs {
		c.store.Unsubscribe(s)
	}
	c.dir.Clear()
}

// CreateRoom allocates a collision-checked short id, writes the room record
// and joins it as creator.
func (c *Client) CreateRoom(ctx context.Context, name domain.RoomName, nick string, mute, speakerMuted bool) (domain.RoomID, error) {
	id, err := c.allocRoomID(ctx)
	if err != nil {
		return "", err
	}
	room := domain.Room{ID: id, Name: name, CreatedBy: c.userID}
	if err := c.store.Write(ctx, store.RoomPath(id), room); err != nil {
		return "", fmt.Errorf("create room: %w", err)
	}
	log.Info().Str("module", "app.client").Str("room", string(id)).Str("name", string(name)).Msg("room created")
	if err := c.JoinRoom(ctx, id, nick, mute, speakerMuted); err != nil {
		return "", err
	}
	return id, nil
}

func (c *Client) allocRoomID(ctx context.Context) (domain.RoomID, error) {
	for range roomIDAttempts {
		id := domain.RoomID(strings.ReplaceAll(uuid.NewString(), "-", "")[:roomIDLen])
		raw, err := c.store.Read(ctx, store.RoomPath(id))
		if err != nil {
			return "", fmt.Errorf("room id check: %w", err)
		}
		if raw == nil {
			return id, nil
		}
	}
	return "", fmt.Errorf("room id allocation kept colliding")
}

// JoinRoom registers this client in roomID. Concurrent join/leave requests
// lose to the holder of the join lock and no-op silently; joining the room
// the session is already in is also a no-op; joining while in a different
// room is an error the UI resolves by leaving first.
func (c *Client) JoinRoom(ctx context.Context, roomID domain.RoomID, nick string, mute, speakerMuted bool) error {
	if err := domain.ValidateNick(nick); err != nil {
		return err
	}
	if !c.sess.TryLock() {
		log.Debug().Str("module", "app.client").Str("room", string(roomID)).Msg("join ignored, lock held")
		return nil
	}
	defer c.sess.Unlock()

	started, err := c.sess.BeginJoin(roomID)
	if err != nil {
		return err
	}
	if !started {
		return nil
	}

	room, err := c.readRoom(ctx, roomID)
	if err != nil {
		c.sess.FailJoin()
		c.notifyJoinFailure(err)
		return err
	}
	wasEmpty := room.MemberCount() == 0
	if c.opts.MaxMembers > 0 && room.MemberCount() >= c.opts.MaxMembers {
		c.sess.FailJoin()
		c.notifyJoinFailure(core.ErrRoomFull)
		return core.ErrRoomFull
	}

	m := domain.NewMember(nick, mute, speakerMuted, c.userID, time.Now().UnixMilli())
	c.mu.Lock()
	prev := c.prevMemberID
	c.mu.Unlock()

	memberID, handle, err := c.reg.Join(ctx, roomID, prev, m)
	if err != nil {
		c.sess.FailJoin()
		c.notifyJoinFailure(err)
		return err
	}
	if err := c.disp.Start(roomID); err != nil {
		_ = c.reg.Leave(ctx, roomID, memberID, handle)
		c.sess.FailJoin()
		c.notifyJoinFailure(err)
		return err
	}

	c.mu.Lock()
	c.handle = handle
	c.prevMemberID = memberID
	c.mu.Unlock()
	c.sess.CompleteJoin(memberID, m)

	if wasEmpty {
		// First one back into an empty room starts with a clean slate.
		if err := c.store.Remove(ctx, store.MessagesPath(roomID)); err != nil {
			log.Warn().Err(err).Str("module", "app.client").Str("room", string(roomID)).Msg("chat auto-clear failed")
		}
	}
	return nil
}

// LeaveRoom removes this client from its current room. Not being in a room,
// or losing the join lock race, is a silent no-op.
func (c *Client) LeaveRoom(ctx context.Context) error {
	if !c.sess.TryLock() {
		return nil
	}
	defer c.sess.Unlock()

	// BeginLeave latches intentionalLeave and clears the room refs before the
	// first store call below; a connectivity recovery landing mid-leave sees
	// the latch and stays quiet.
	roomID, memberID, ok := c.sess.BeginLeave()
	if !ok {
		return nil
	}
	c.finishLeave(ctx, roomID, memberID)
	return nil
}

func (c *Client) forcedLeave(kind core.NotifyKind, msg string) {
	roomID, memberID, ok := c.sess.BeginForcedLeave()
	if !ok {
		return
	}
	if c.notify != nil {
		c.notify.Notify(kind, msg)
	}
	c.finishLeave(context.Background(), roomID, memberID)
}

func (c *Client) finishLeave(ctx context.Context, roomID domain.RoomID, memberID domain.MemberID) {
	c.disp.Stop()
	if c.peers != nil {
		c.peers.Cleanup()
	}
	c.mu.Lock()
	handle := c.handle
	c.handle = nil
	c.mu.Unlock()
	if memberID != "" {
		if err := c.reg.Leave(ctx, roomID, memberID, handle); err != nil {
			log.Warn().Err(err).Str("module", "app.client").Str("room", string(roomID)).Msg("leave cleanup failed")
		}
	}
	c.sess.CompleteLeave()
}

// rejoin is the reconnector's fresh-registration step.
func (c *Client) rejoin(ctx context.Context, roomID domain.RoomID, stale domain.MemberID, m domain.Member) error {
	c.mu.Lock()
	handle := c.handle
	c.handle = nil
	c.mu.Unlock()
	if handle != nil {
		if err := handle.Cancel(ctx); err != nil {
			log.Warn().Err(err).Str("module", "app.client").Msg("cancel stale disconnect hook")
		}
	}
	if stale != "" {
		// Skip the delete only when the record is verifiably gone already
		// (the disconnect hook may have fired server-side during the outage).
		room, err := c.readRoom(ctx, roomID)
		if err != nil || room.HasMember(stale) {
			if err := c.store.Remove(ctx, store.MemberPath(roomID, stale)); err != nil {
				log.Warn().Err(err).Str("module", "app.client").Str("member", string(stale)).Msg("stale member cleanup")
			}
		}
	}

	m.JoinedAt = time.Now().UnixMilli()
	memberID, newHandle, err := c.reg.Join(ctx, roomID, "", m)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.handle = newHandle
	c.prevMemberID = memberID
	c.mu.Unlock()
	c.sess.CompleteJoin(memberID, m)
	return nil
}

// DeleteRoom removes the whole room subtree. Only the creator may delete;
// remaining members observe it as their record vanishing.
func (c *Client) DeleteRoom(ctx context.Context, roomID domain.RoomID) error {
	room, err := c.readRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if room.CreatedBy != c.userID {
		return fmt.Errorf("room %s: only the creator may delete", roomID)
	}
	if c.notify != nil && !c.notify.Confirm("delete room "+string(room.Name)+"?") {
		return nil
	}
	if c.sess.RoomID() == roomID {
		_ = c.LeaveRoom(ctx)
	}
	if err := c.store.Remove(ctx, store.RoomPath(roomID)); err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	c.dir.UpdateRoom(roomID, nil)
	log.Info().Str("module", "app.client").Str("room", string(roomID)).Msg("room deleted")
	return nil
}

// Rooms returns the visible rooms through the directory cache.
func (c *Client) Rooms(ctx context.Context) (map[domain.RoomID]domain.Room, error) {
	return c.dir.Get(ctx, c.loadRooms)
}

func (c *Client) loadRooms(ctx context.Context) (map[domain.RoomID]domain.Room, error) {
	raw, err := c.store.Read(ctx, store.RoomsPath)
	if err != nil {
		return nil, fmt.Errorf("load rooms: %w", err)
	}
	rooms := make(map[domain.RoomID]domain.Room)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &rooms); err != nil {
			return nil, fmt.Errorf("decode rooms: %w", err)
		}
	}
	for id, r := range rooms {
		r.ID = id
		rooms[id] = r
	}
	return rooms, nil
}

func (c *Client) onRoomUpserted(ev core.Event) {
	var room domain.Room
	if err := json.Unmarshal(ev.Data, &room); err != nil {
		return
	}
	room.ID = domain.RoomID(ev.Key)
	c.dir.UpdateRoom(room.ID, &room)
}

func (c *Client) onRoomRemoved(ev core.Event) {
	c.dir.UpdateRoom(domain.RoomID(ev.Key), nil)
}

// SendMessage appends a chat entry, trimming the ring past its bound.
func (c *Client) SendMessage(ctx context.Context, text string) error {
	roomID := c.sess.RoomID()
	self := c.sess.MemberID()
	if roomID == "" || self == "" {
		return fmt.Errorf("not in a room")
	}
	msg := domain.Message{From: self, Nick: c.sess.Nick(), Text: text, SentAt: time.Now().UnixMilli()}
	if _, err := c.store.PushChild(ctx, store.MessagesPath(roomID), msg); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	c.trimMessages(ctx, roomID)
	return nil
}

func (c *Client) trimMessages(ctx context.Context, roomID domain.RoomID) {
	raw, err := c.store.Read(ctx, store.MessagesPath(roomID))
	if err != nil || len(raw) == 0 {
		return
	}
	var msgs map[string]domain.Message
	if err := json.Unmarshal(raw, &msgs); err != nil || len(msgs) <= messageRingSize {
		return
	}
	keys := make([]string, 0, len(msgs))
	for k := range msgs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return msgs[keys[i]].SentAt < msgs[keys[j]].SentAt })
	for _, k := range keys[:len(msgs)-messageRingSize] {
		if err := c.store.Remove(ctx, store.MessagesPath(roomID)+"/"+k); err != nil {
			log.Warn().Err(err).Str("module", "app.client").Msg("message trim failed")
			return
		}
	}
}

// SetMute updates this member's mute flags in place.
func (c *Client) SetMute(ctx context.Context, mute, speakerMuted bool) error {
	roomID := c.sess.RoomID()
	self := c.sess.MemberID()
	if roomID == "" || self == "" {
		return fmt.Errorf("not in a room")
	}
	if err := c.store.Write(ctx, store.MemberPath(roomID, self)+"/mute", mute); err != nil {
		return fmt.Errorf("set mute: %w", err)
	}
	if err := c.store.Write(ctx, store.MemberPath(roomID, self)+"/speakerMuted", speakerMuted); err != nil {
		return fmt.Errorf("set speaker mute: %w", err)
	}
	c.sess.SetMuteState(mute, speakerMuted)
	return nil
}

// SendSignal pushes a negotiation envelope addressed to a room mate.
func (c *Client) SendSignal(ctx context.Context, to domain.MemberID, payload json.RawMessage) error {
	roomID := c.sess.RoomID()
	self := c.sess.MemberID()
	if roomID == "" || self == "" {
		return fmt.Errorf("not in a room")
	}
	env := domain.Envelope{To: to, From: self, Payload: payload}
	if _, err := c.store.PushChild(ctx, store.SignalsPath(roomID), env); err != nil {
		return fmt.Errorf("send signal: %w", err)
	}
	return nil
}

func (c *Client) readRoom(ctx context.Context, roomID domain.RoomID) (*domain.Room, error) {
	raw, err := c.store.Read(ctx, store.RoomPath(roomID))
	if err != nil {
		return nil, fmt.Errorf("read room: %w", err)
	}
	if raw == nil {
		return nil, core.ErrRoomNotFound
	}
	var room domain.Room
	if err := json.Unmarshal(raw, &room); err != nil {
		return nil, fmt.Errorf("decode room: %w", err)
	}
	room.ID = roomID
	return &room, nil
}

func (c *Client) notifyJoinFailure(err error) {
	if c.notify == nil {
		return
	}
	switch {
	case errors.Is(err, core.ErrRoomNotFound):
		c.notify.Notify(core.NotifyError, "room not found")
	case errors.Is(err, core.ErrRoomFull):
		c.notify.Notify(core.NotifyError, "room is full")
	default:
		c.notify.Notify(core.NotifyError, "could not join room")
	}
}
