package store

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/avdeyev/huddle/internal/core"
)

const (
	keyPrefix    = "huddle:"
	eventChannel = "huddle.events"
	cleanupSet   = "huddle:cleanup:"
	aliveKey     = "huddle:alive:"
)

// Redis implements the store contract on a shared Redis instance. Every path
// maps to a key; subtree reads assemble child keys by prefix scan; mutations
// are fanned out to other clients over a pub/sub channel. The disconnect
// hook is a per-client cleanup set paired with a heartbeat key: when a
// client's heartbeat expires, any surviving client's janitor executes its
// cleanup set. That is what bounds orphaned member records.
type Redis struct {
	rdb      *redis.Client
	clientID string

	mu        sync.Mutex
	subs      map[*redisSub]struct{}
	watchers  []*redisConnWatch
	connected bool

	heartbeatTTL time.Duration
	cancel       context.CancelFunc
}

type redisSub struct {
	path string
	kind core.EventKind
	fn   func(core.Event)
}

type redisConnWatch struct{ fn func(bool) }

type redisHook struct {
	r    *Redis
	path string
}

func (h *redisHook) Cancel(ctx context.Context) error {
	err := h.r.rdb.SRem(ctx, cleanupSet+h.r.clientID, h.path).Err()
	if err != nil {
		return &core.StoreError{Kind: core.StoreNetwork, Op: "cancel_hook", Path: h.path, Err: err}
	}
	return nil
}

type storeEvent struct {
	Path    string `json:"path"`
	Removed bool   `json:"removed,omitempty"`
}

func NewRedis(ctx context.Context, addr string, heartbeatTTL time.Duration) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, &core.StoreError{Kind: core.StoreNetwork, Op: "connect", Path: addr, Err: err}
	}
	r := &Redis{
		rdb:          rdb,
		clientID:     strings.ReplaceAll(uuid.NewString(), "-", ""),
		subs:         make(map[*redisSub]struct{}),
		connected:    true,
		heartbeatTTL: heartbeatTTL,
	}
	// The liveness key must exist before any disconnect hook does, or a
	// janitor on another client would sweep this one as dead inside the
	// window before the first heartbeat tick.
	if err := rdb.Set(ctx, aliveKey+r.clientID, 1, heartbeatTTL).Err(); err != nil {
		return nil, &core.StoreError{Kind: core.StoreNetwork, Op: "connect", Path: addr, Err: err}
	}
	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go r.consumeEvents(runCtx)
	go r.heartbeat(runCtx)
	go r.janitor(runCtx)
	log.Info().Str("module", "store.redis").Str("addr", addr).Str("client", r.clientID).Msg("connected")
	return r, nil
}

func (r *Redis) Close() {
	r.cancel()
	_ = r.rdb.Close()
}

func key(path string) string {
	return keyPrefix + strings.ReplaceAll(strings.Trim(path, "/"), "/", ":")
}

func (r *Redis) Read(ctx context.Context, path string) ([]byte, error) {
	base := key(path)
	root := make(map[string]any)
	found := false

	if raw, err := r.rdb.Get(ctx, base).Result(); err == nil {
		found = true
		var v any
		if json.Unmarshal([]byte(raw), &v) == nil {
			if obj, ok := v.(map[string]any); ok {
				root = obj
			} else if !r.hasChildren(ctx, base) {
				return []byte(raw), nil
			}
		}
	} else if err != redis.Nil {
		return nil, &core.StoreError{Kind: core.StoreNetwork, Op: "read", Path: path, Err: err}
	}

	iter := r.rdb.Scan(ctx, 0, base+":*", 0).Iterator()
	for iter.Next(ctx) {
		child := iter.Val()
		raw, err := r.rdb.Get(ctx, child).Result()
		if err != nil {
			continue
		}
		var v any
		if json.Unmarshal([]byte(raw), &v) != nil {
			continue
		}
		setNested(root, strings.Split(strings.TrimPrefix(child, base+":"), ":"), v)
		found = true
	}
	if err := iter.Err(); err != nil {
		return nil, &core.StoreError{Kind: core.StoreNetwork, Op: "read", Path: path, Err: err}
	}
	if !found {
		return nil, nil
	}
	return json.Marshal(root)
}

func (r *Redis) hasChildren(ctx context.Context, base string) bool {
	iter := r.rdb.Scan(ctx, 0, base+":*", 1).Iterator()
	return iter.Next(ctx)
}

func setNested(root map[string]any, segs []string, v any) {
	node := root
	for _, s := range segs[:len(segs)-1] {
		child, ok := node[s].(map[string]any)
		if !ok {
			child = make(map[string]any)
			node[s] = child
		}
		node = child
	}
	node[segs[len(segs)-1]] = v
}

// Write replaces the subtree at path. Structured values are decomposed into
// one key per leaf, mirroring the path tree, so any sub-path of a written
// value stays independently readable and writable afterwards.
func (r *Redis) Write(ctx context.Context, path string, value any) error {
	norm, err := normalize(value)
	if err != nil {
		return &core.StoreError{Kind: core.StoreNetwork, Op: "write", Path: path, Err: err}
	}
	base := key(path)
	leaves := make(map[string]any)
	flattenValue(base, norm, leaves)

	stale := []string{base}
	iter := r.rdb.Scan(ctx, 0, base+":*", 0).Iterator()
	for iter.Next(ctx) {
		if _, keep := leaves[iter.Val()]; !keep {
			stale = append(stale, iter.Val())
		}
	}
	if err := iter.Err(); err != nil {
		return &core.StoreError{Kind: core.StoreNetwork, Op: "write", Path: path, Err: err}
	}

	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, stale...)
	for k, v := range leaves {
		b, err := json.Marshal(v)
		if err != nil {
			return &core.StoreError{Kind: core.StoreNetwork, Op: "write", Path: path, Err: err}
		}
		pipe.Set(ctx, k, b, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return &core.StoreError{Kind: core.StoreNetwork, Op: "write", Path: path, Err: err}
	}
	r.publish(ctx, storeEvent{Path: strings.Trim(path, "/")})
	return nil
}

// flattenValue walks a normalized JSON value down to its non-object leaves,
// keyed by the colon path each leaf lives at.
func flattenValue(prefix string, v any, out map[string]any) {
	obj, ok := v.(map[string]any)
	if !ok || len(obj) == 0 {
		out[prefix] = v
		return
	}
	for k, child := range obj {
		flattenValue(prefix+":"+k, child, out)
	}
}

func (r *Redis) PushChild(ctx context.Context, path string, value any) (string, error) {
	k := pushKey()
	if err := r.Write(ctx, strings.Trim(path, "/")+"/"+k, value); err != nil {
		return "", err
	}
	return k, nil
}

func (r *Redis) Remove(ctx context.Context, path string) error {
	base := key(path)
	keys := []string{base}
	iter := r.rdb.Scan(ctx, 0, base+":*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return &core.StoreError{Kind: core.StoreNetwork, Op: "remove", Path: path, Err: err}
	}
	if err := r.rdb.Del(ctx, keys...).Err(); err != nil {
		return &core.StoreError{Kind: core.StoreNetwork, Op: "remove", Path: path, Err: err}
	}
	r.publish(ctx, storeEvent{Path: strings.Trim(path, "/"), Removed: true})
	return nil
}

func (r *Redis) publish(ctx context.Context, ev storeEvent) {
	b, _ := json.Marshal(ev)
	// The publisher's own subscriber connection receives this too, so local
	// listeners are served by the same delivery path as remote ones.
	if err := r.rdb.Publish(ctx, eventChannel, b).Err(); err != nil {
		log.Warn().Err(err).Str("module", "store.redis").Str("path", ev.Path).Msg("event publish failed")
	}
}

func (r *Redis) consumeEvents(ctx context.Context) {
	pubsub := r.rdb.Subscribe(ctx, eventChannel)
	defer pubsub.Close()
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev storeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			r.dispatch(ctx, ev)
		}
	}
}

// dispatch routes one store event to matching local subscriptions. Value
// subscribers get a fresh read of their subtree; child subscribers get the
// direct child's value.
func (r *Redis) dispatch(ctx context.Context, ev storeEvent) {
	r.mu.Lock()
	subs := make([]*redisSub, 0, len(r.subs))
	for s := range r.subs {
		subs = append(subs, s)
	}
	r.mu.Unlock()

	parentPath, childKey := parent(ev.Path)
	for _, s := range subs {
		switch s.kind {
		case core.EventValue:
			if !within(ev.Path, s.path) && !within(s.path, ev.Path) {
				continue
			}
			data, err := r.Read(ctx, s.path)
			if err != nil {
				continue
			}
			s.fn(core.Event{Path: s.path, Data: data})
		case core.EventChildAdded:
			if ev.Removed || s.path != parentPath {
				continue
			}
			data, err := r.Read(ctx, ev.Path)
			if err != nil || data == nil {
				continue
			}
			s.fn(core.Event{Path: s.path, Key: childKey, Data: data})
		case core.EventChildRemoved:
			if !ev.Removed || s.path != parentPath {
				continue
			}
			s.fn(core.Event{Path: s.path, Key: childKey})
		}
	}
}

func (r *Redis) Subscribe(path string, kind core.EventKind, fn func(core.Event)) (core.Subscription, error) {
	sub := &redisSub{path: strings.Trim(path, "/"), kind: kind, fn: fn}
	r.mu.Lock()
	r.subs[sub] = struct{}{}
	r.mu.Unlock()
	// Value listeners receive the current snapshot on attach.
	if kind == core.EventValue {
		data, err := r.Read(context.Background(), sub.path)
		if err == nil {
			fn(core.Event{Path: sub.path, Data: data})
		}
	}
	return sub, nil
}

func (r *Redis) Unsubscribe(sub core.Subscription) {
	switch s := sub.(type) {
	case *redisSub:
		r.mu.Lock()
		delete(r.subs, s)
		r.mu.Unlock()
	case *redisConnWatch:
		r.mu.Lock()
		for i, w := range r.watchers {
			if w == s {
				r.watchers = append(r.watchers[:i], r.watchers[i+1:]...)
				break
			}
		}
		r.mu.Unlock()
	}
}

func (r *Redis) OnDisconnectRemove(ctx context.Context, path string) (core.DisconnectHandle, error) {
	// Refresh liveness in the same breath: a hook without an alive key is a
	// sweep target.
	if err := r.rdb.Set(ctx, aliveKey+r.clientID, 1, r.heartbeatTTL).Err(); err != nil {
		log.Warn().Err(err).Str("module", "store.redis").Msg("liveness refresh failed")
	}
	if err := r.rdb.SAdd(ctx, cleanupSet+r.clientID, path).Err(); err != nil {
		return nil, &core.StoreError{Kind: core.StoreNetwork, Op: "hook", Path: path, Err: err}
	}
	return &redisHook{r: r, path: path}, nil
}

func (r *Redis) WatchConnectivity(fn func(connected bool)) core.Subscription {
	w := &redisConnWatch{fn: fn}
	r.mu.Lock()
	r.watchers = append(r.watchers, w)
	cur := r.connected
	r.mu.Unlock()
	fn(cur)
	return w
}

// heartbeat keeps this client's liveness key fresh and doubles as the
// connectivity signal.
func (r *Redis) heartbeat(ctx context.Context) {
	interval := r.heartbeatTTL / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := r.rdb.Set(ctx, aliveKey+r.clientID, 1, r.heartbeatTTL).Err()
			r.setConnected(err == nil)
		}
	}
}

func (r *Redis) setConnected(connected bool) {
	r.mu.Lock()
	if r.connected == connected {
		r.mu.Unlock()
		return
	}
	r.connected = connected
	watchers := append([]*redisConnWatch(nil), r.watchers...)
	r.mu.Unlock()
	log.Info().Str("module", "store.redis").Bool("connected", connected).Msg("connectivity changed")
	for _, w := range watchers {
		w.fn(connected)
	}
}

// janitor executes the cleanup sets of clients whose heartbeat has expired,
// standing in for the backend-side disconnect handler.
func (r *Redis) janitor(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Redis) sweep(ctx context.Context) {
	iter := r.rdb.Scan(ctx, 0, cleanupSet+"*", 0).Iterator()
	for iter.Next(ctx) {
		set := iter.Val()
		clientID := strings.TrimPrefix(set, cleanupSet)
		if clientID == r.clientID {
			continue
		}
		alive, err := r.rdb.Exists(ctx, aliveKey+clientID).Result()
		if err != nil || alive > 0 {
			continue
		}
		paths, err := r.rdb.SMembers(ctx, set).Result()
		if err != nil {
			continue
		}
		for _, p := range paths {
			if err := r.Remove(ctx, p); err != nil {
				log.Warn().Err(err).Str("module", "store.redis").Str("path", p).Msg("janitor cleanup failed")
			}
		}
		_ = r.rdb.Del(ctx, set).Err()
		log.Info().Str("module", "store.redis").Str("client", clientID).Int("paths", len(paths)).Msg("swept dead client")
	}
}
