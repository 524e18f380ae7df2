package store_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avdeyev/huddle/internal/core"
	"github.com/avdeyev/huddle/internal/store"
)

// redisSettle outlasts one pub/sub roundtrip through miniredis.
const redisSettle = 300 * time.Millisecond

func newRedisStore(t *testing.T, mr *miniredis.Miniredis, ttl time.Duration) *store.Redis {
	t.Helper()
	r, err := store.NewRedis(context.Background(), mr.Addr(), ttl)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

func TestRedis_SubpathReadWithinWrittenValue(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	r := newRedisStore(t, mr, time.Minute)

	room := map[string]any{"name": "Test", "createdBy": "u1"}
	require.NoError(t, r.Write(ctx, "rooms/r1", room))

	// The existence check a reconnecting client issues while the room is up.
	raw, err := r.Read(ctx, "rooms/r1/name")
	require.NoError(t, err)
	require.NotNil(t, raw, "sub-path of a written value must stay readable")
	assert.JSONEq(t, `"Test"`, string(raw))

	raw, err = r.Read(ctx, "rooms/r1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Test","createdBy":"u1"}`, string(raw))

	raw, err = r.Read(ctx, "rooms/r1/nope")
	require.NoError(t, err)
	assert.Nil(t, raw)
}

func TestRedis_SubpathWriteUpdatesInPlace(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	r := newRedisStore(t, mr, time.Minute)

	member := map[string]any{"nick": "alice", "mute": false, "joinedAt": 100}
	require.NoError(t, r.Write(ctx, "rooms/r1/users/m1", member))
	require.NoError(t, r.Write(ctx, "rooms/r1/users/m1/mute", true))

	raw, err := r.Read(ctx, "rooms/r1/users/m1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"nick":"alice","mute":true,"joinedAt":100}`, string(raw))

	raw, err = r.Read(ctx, "rooms/r1/users/m1/mute")
	require.NoError(t, err)
	assert.JSONEq(t, `true`, string(raw))
}

func TestRedis_WriteReplacesSubtree(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	r := newRedisStore(t, mr, time.Minute)

	require.NoError(t, r.Write(ctx, "rooms/r1/users", map[string]any{
		"m1": map[string]any{"nick": "alice"},
		"m2": map[string]any{"nick": "bob"},
	}))
	require.NoError(t, r.Write(ctx, "rooms/r1/users", map[string]any{
		"m3": map[string]any{"nick": "carol"},
	}))

	raw, err := r.Read(ctx, "rooms/r1/users")
	require.NoError(t, err)
	assert.JSONEq(t, `{"m3":{"nick":"carol"}}`, string(raw), "replaced children must not linger")
}

func TestRedis_RemoveSubtree(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	r := newRedisStore(t, mr, time.Minute)

	require.NoError(t, r.Write(ctx, "rooms/r1", map[string]any{"name": "Test"}))
	require.NoError(t, r.Write(ctx, "rooms/r1/users/m1", map[string]any{"nick": "alice"}))
	require.NoError(t, r.Remove(ctx, "rooms/r1"))

	for _, path := range []string{"rooms/r1", "rooms/r1/name", "rooms/r1/users/m1"} {
		raw, err := r.Read(ctx, path)
		require.NoError(t, err)
		assert.Nil(t, raw, path)
	}
}

func TestRedis_AliveKeyPresentOnConnect(t *testing.T) {
	mr := miniredis.RunT(t)
	_ = newRedisStore(t, mr, time.Minute)

	found := false
	for _, k := range mr.Keys() {
		if strings.HasPrefix(k, "huddle:alive:") {
			found = true
		}
	}
	assert.True(t, found, "liveness key must exist before the first heartbeat tick")
}

func TestRedis_JanitorSparesConnectedNewcomer(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	sweeper := newRedisStore(t, mr, 150*time.Millisecond)
	newcomer := newRedisStore(t, mr, 10*time.Second)

	require.NoError(t, newcomer.Write(ctx, "rooms/r1/users/m1", map[string]any{"nick": "bob"}))
	_, err := newcomer.OnDisconnectRemove(ctx, "rooms/r1/users/m1")
	require.NoError(t, err)

	// Several sweep cycles pass well before the newcomer's first heartbeat.
	time.Sleep(500 * time.Millisecond)

	raw, err := sweeper.Read(ctx, "rooms/r1/users/m1")
	require.NoError(t, err)
	assert.NotNil(t, raw, "a connected client's record must survive the sweep")
}

func TestRedis_JanitorSweepsDeadClient(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	sweeper := newRedisStore(t, mr, 150*time.Millisecond)
	victim := newRedisStore(t, mr, time.Second)

	require.NoError(t, victim.Write(ctx, "rooms/r1/users/m1", map[string]any{"nick": "bob"}))
	_, err := victim.OnDisconnectRemove(ctx, "rooms/r1/users/m1")
	require.NoError(t, err)

	victim.Close()
	mr.FastForward(2 * time.Second) // liveness key expires
	time.Sleep(500 * time.Millisecond)

	raw, err := sweeper.Read(ctx, "rooms/r1/users/m1")
	require.NoError(t, err)
	assert.Nil(t, raw, "a dead client's cleanup set must be executed")
}

func TestRedis_CanceledHookSurvivesSweep(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	sweeper := newRedisStore(t, mr, 150*time.Millisecond)
	leaver := newRedisStore(t, mr, time.Second)

	require.NoError(t, leaver.Write(ctx, "rooms/r1/users/m1", map[string]any{"nick": "bob"}))
	h, err := leaver.OnDisconnectRemove(ctx, "rooms/r1/users/m1")
	require.NoError(t, err)
	require.NoError(t, h.Cancel(ctx))

	leaver.Close()
	mr.FastForward(2 * time.Second)
	time.Sleep(500 * time.Millisecond)

	raw, err := sweeper.Read(ctx, "rooms/r1/users/m1")
	require.NoError(t, err)
	assert.NotNil(t, raw, "a canceled hook must not be executed")
}

func TestRedis_ValueSubscriptionAcrossClients(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	a := newRedisStore(t, mr, time.Minute)
	b := newRedisStore(t, mr, time.Minute)

	require.NoError(t, a.Write(ctx, "rooms/r1/users/m1", map[string]any{"nick": "alice"}))
	time.Sleep(redisSettle) // drain the write's own fan-out before listening

	log := &eventLog{}
	sub, err := b.Subscribe("rooms/r1/users", core.EventValue, log.add)
	require.NoError(t, err)
	defer b.Unsubscribe(sub)

	events := log.all()
	require.Len(t, events, 1, "current state delivered on attach")
	assert.JSONEq(t, `{"m1":{"nick":"alice"}}`, string(events[0].Data))

	require.NoError(t, a.Write(ctx, "rooms/r1/users/m2", map[string]any{"nick": "bob"}))
	time.Sleep(redisSettle)

	events = log.all()
	require.GreaterOrEqual(t, len(events), 2, "remote write must fan out")
	assert.JSONEq(t, `{"m1":{"nick":"alice"},"m2":{"nick":"bob"}}`, string(events[len(events)-1].Data))
}

func TestRedis_ChildEventsAcrossClients(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	a := newRedisStore(t, mr, time.Minute)
	b := newRedisStore(t, mr, time.Minute)
	time.Sleep(100 * time.Millisecond) // pub/sub consumers attach asynchronously

	added, removed := &eventLog{}, &eventLog{}
	subA, err := b.Subscribe("rooms/r1/signals", core.EventChildAdded, added.add)
	require.NoError(t, err)
	subR, err := b.Subscribe("rooms/r1/signals", core.EventChildRemoved, removed.add)
	require.NoError(t, err)
	defer b.Unsubscribe(subA)
	defer b.Unsubscribe(subR)

	key, err := a.PushChild(ctx, "rooms/r1/signals", map[string]any{"to": "m2"})
	require.NoError(t, err)
	time.Sleep(redisSettle)

	adds := added.all()
	require.Len(t, adds, 1)
	assert.Equal(t, key, adds[0].Key)
	assert.JSONEq(t, `{"to":"m2"}`, string(adds[0].Data))

	require.NoError(t, a.Remove(ctx, "rooms/r1/signals/"+key))
	time.Sleep(redisSettle)

	rems := removed.all()
	require.Len(t, rems, 1)
	assert.Equal(t, key, rems[0].Key)
}

func TestRedis_ConnectivityReportedOnWatch(t *testing.T) {
	mr := miniredis.RunT(t)
	r := newRedisStore(t, mr, time.Minute)

	got := make(chan bool, 1)
	sub := r.WatchConnectivity(func(connected bool) {
		select {
		case got <- connected:
		default:
		}
	})
	defer r.Unsubscribe(sub)

	select {
	case connected := <-got:
		assert.True(t, connected, "current state delivered on registration")
	default:
		t.Fatal("no connectivity callback on registration")
	}
}
