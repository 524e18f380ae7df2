package store_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avdeyev/huddle/internal/core"
	"github.com/avdeyev/huddle/internal/store"
)

type eventLog struct {
	mu     sync.Mutex
	events []core.Event
}

func (l *eventLog) add(ev core.Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) all() []core.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]core.Event(nil), l.events...)
}

func TestMemory_WriteReadRoundtrip(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()

	require.NoError(t, mem.Write(ctx, "rooms/r1/name", "Test"))
	require.NoError(t, mem.Write(ctx, "rooms/r1/users/m1", map[string]any{"nick": "alice"}))

	raw, err := mem.Read(ctx, "rooms/r1")
	require.NoError(t, err)
	var room struct {
		Name  string                       `json:"name"`
		Users map[string]map[string]string `json:"users"`
	}
	require.NoError(t, json.Unmarshal(raw, &room))
	assert.Equal(t, "Test", room.Name)
	assert.Equal(t, "alice", room.Users["m1"]["nick"])

	raw, err = mem.Read(ctx, "rooms/nope")
	require.NoError(t, err)
	assert.Nil(t, raw, "absent path reads as nil, not an error")
}

func TestMemory_PushChildKeysAreUnique(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		key, err := mem.PushChild(ctx, "rooms/r1/signals", map[string]any{"n": i})
		require.NoError(t, err)
		require.False(t, seen[key])
		seen[key] = true
	}
}

func TestMemory_ChildEvents(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	added, removed := &eventLog{}, &eventLog{}

	subA, err := mem.Subscribe("rooms/r1/users", core.EventChildAdded, added.add)
	require.NoError(t, err)
	subR, err := mem.Subscribe("rooms/r1/users", core.EventChildRemoved, removed.add)
	require.NoError(t, err)
	defer mem.Unsubscribe(subA)
	defer mem.Unsubscribe(subR)

	require.NoError(t, mem.Write(ctx, "rooms/r1/users/m1", map[string]any{"nick": "alice"}))
	require.NoError(t, mem.Remove(ctx, "rooms/r1/users/m1"))
	// Removing a path twice is a no-op, not a second event.
	require.NoError(t, mem.Remove(ctx, "rooms/r1/users/m1"))

	adds := added.all()
	require.Len(t, adds, 1)
	assert.Equal(t, "m1", adds[0].Key)
	assert.JSONEq(t, `{"nick":"alice"}`, string(adds[0].Data))

	rems := removed.all()
	require.Len(t, rems, 1)
	assert.Equal(t, "m1", rems[0].Key)
}

func TestMemory_ValueSubscriberGetsSnapshotOnAttach(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.Write(ctx, "rooms/r1/users/m1", map[string]any{"nick": "alice"}))

	log := &eventLog{}
	sub, err := mem.Subscribe("rooms/r1/users", core.EventValue, log.add)
	require.NoError(t, err)
	defer mem.Unsubscribe(sub)

	events := log.all()
	require.Len(t, events, 1, "current state delivered on attach")
	assert.JSONEq(t, `{"m1":{"nick":"alice"}}`, string(events[0].Data))

	// A write below the subscribed path re-delivers the whole subtree.
	require.NoError(t, mem.Write(ctx, "rooms/r1/users/m1/mute", true))
	events = log.all()
	require.Len(t, events, 2)
	assert.JSONEq(t, `{"m1":{"nick":"alice","mute":true}}`, string(events[1].Data))
}

func TestMemory_UnsubscribeStopsDelivery(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	log := &eventLog{}

	sub, err := mem.Subscribe("rooms", core.EventValue, log.add)
	require.NoError(t, err)
	mem.Unsubscribe(sub)

	require.NoError(t, mem.Write(ctx, "rooms/r1/name", "Test"))
	assert.Len(t, log.all(), 1, "only the attach snapshot was delivered")
}

func TestMemory_DisconnectHooks(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.Write(ctx, "rooms/r1/users/m1", map[string]any{"nick": "alice"}))
	require.NoError(t, mem.Write(ctx, "rooms/r1/users/m2", map[string]any{"nick": "bob"}))

	h1, err := mem.OnDisconnectRemove(ctx, "rooms/r1/users/m1")
	require.NoError(t, err)
	_, err = mem.OnDisconnectRemove(ctx, "rooms/r1/users/m2")
	require.NoError(t, err)
	require.NoError(t, h1.Cancel(ctx))

	mem.DropConnection(ctx)

	raw, err := mem.Read(ctx, "rooms/r1/users/m1")
	require.NoError(t, err)
	assert.NotNil(t, raw, "canceled hook must not fire")
	raw, err = mem.Read(ctx, "rooms/r1/users/m2")
	require.NoError(t, err)
	assert.Nil(t, raw, "armed hook removes its path")
}

func TestMemory_AttachedConnectionsShareTreeNotHooks(t *testing.T) {
	ctx := context.Background()
	a := store.NewMemory()
	b := a.Attach()

	require.NoError(t, a.Write(ctx, "rooms/r1/users/ma", map[string]any{"nick": "alice"}))
	_, err := a.OnDisconnectRemove(ctx, "rooms/r1/users/ma")
	require.NoError(t, err)
	require.NoError(t, b.Write(ctx, "rooms/r1/users/mb", map[string]any{"nick": "bob"}))
	_, err = b.OnDisconnectRemove(ctx, "rooms/r1/users/mb")
	require.NoError(t, err)

	// One connection dropping fires only its own hooks.
	b.DropConnection(ctx)

	raw, err := a.Read(ctx, "rooms/r1/users/ma")
	require.NoError(t, err)
	assert.NotNil(t, raw)
	raw, err = a.Read(ctx, "rooms/r1/users/mb")
	require.NoError(t, err)
	assert.Nil(t, raw)
}

func TestMemory_ConnectivityWatcher(t *testing.T) {
	mem := store.NewMemory()
	var mu sync.Mutex
	var seen []bool
	sub := mem.WatchConnectivity(func(connected bool) {
		mu.Lock()
		seen = append(seen, connected)
		mu.Unlock()
	})
	defer mem.Unsubscribe(sub)

	mem.SetConnected(false)
	mem.SetConnected(false) // no transition, no callback
	mem.SetConnected(true)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false, true}, seen)
}

func TestMemory_PushErrInjection(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	mem.SetPushErr(assert.AnError)

	_, err := mem.PushChild(ctx, "rooms/r1/users", map[string]any{"nick": "alice"})
	require.Error(t, err)
	assert.Equal(t, core.StoreNetwork, core.StoreKind(err))

	mem.SetPushErr(nil)
	_, err = mem.PushChild(ctx, "rooms/r1/users", map[string]any{"nick": "alice"})
	require.NoError(t, err)
}
