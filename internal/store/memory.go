package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/avdeyev/huddle/internal/core"
)

// Memory is one client connection to an in-process store tree. Attach gives
// additional connections sharing the same tree, each with its own disconnect
// hooks and connectivity state, the way separate clients share one backend.
type Memory struct {
	shared *memTree

	mu        sync.Mutex
	connected bool
	hooks     []*memHook
	watchers  []*connWatch
	pushErr   error
}

type memTree struct {
	mu   sync.Mutex
	root map[string]any
	subs map[*memSub]struct{}
}

type memSub struct {
	path string
	kind core.EventKind
	fn   func(core.Event)
}

type connWatch struct{ fn func(bool) }

type memHook struct {
	owner *Memory
	path  string
	done  bool
}

func (h *memHook) Cancel(ctx context.Context) error {
	h.owner.mu.Lock()
	defer h.owner.mu.Unlock()
	h.done = true
	return nil
}

func NewMemory() *Memory {
	return &Memory{
		shared: &memTree{
			root: make(map[string]any),
			subs: make(map[*memSub]struct{}),
		},
		connected: true,
	}
}

// Attach returns a second connection to the same tree.
func (m *Memory) Attach() *Memory {
	return &Memory{shared: m.shared, connected: true}
}

// SetPushErr makes PushChild fail with err until cleared with nil.
func (m *Memory) SetPushErr(err error) {
	m.mu.Lock()
	m.pushErr = err
	m.mu.Unlock()
}

func (m *Memory) Read(ctx context.Context, path string) ([]byte, error) {
	t := m.shared
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.lookup(split(path))
	if !ok {
		return nil, nil
	}
	return json.Marshal(v)
}

func (m *Memory) Write(ctx context.Context, path string, value any) error {
	norm, err := normalize(value)
	if err != nil {
		return &core.StoreError{Kind: core.StoreNetwork, Op: "write", Path: path, Err: err}
	}
	t := m.shared
	t.mu.Lock()
	t.set(split(path), norm)
	events := t.collect(path, norm, false)
	t.mu.Unlock()
	deliver(events)
	return nil
}

func (m *Memory) PushChild(ctx context.Context, path string, value any) (string, error) {
	m.mu.Lock()
	pushErr := m.pushErr
	m.mu.Unlock()
	if pushErr != nil {
		// Injected StoreErrors pass through unchanged so tests can exercise
		// kind-specific handling.
		var se *core.StoreError
		if errors.As(pushErr, &se) {
			return "", pushErr
		}
		return "", &core.StoreError{Kind: core.StoreNetwork, Op: "push", Path: path, Err: pushErr}
	}
	key := pushKey()
	if err := m.Write(ctx, path+"/"+key, value); err != nil {
		return "", err
	}
	return key, nil
}

func (m *Memory) Remove(ctx context.Context, path string) error {
	t := m.shared
	t.mu.Lock()
	_, existed := t.lookup(split(path))
	if existed {
		t.delete(split(path))
	}
	var events []delivery
	if existed {
		events = t.collect(path, nil, true)
	}
	t.mu.Unlock()
	deliver(events)
	return nil
}

func (m *Memory) Subscribe(path string, kind core.EventKind, fn func(core.Event)) (core.Subscription, error) {
	sub := &memSub{path: strings.Trim(path, "/"), kind: kind, fn: fn}
	t := m.shared
	t.mu.Lock()
	t.subs[sub] = struct{}{}
	var initial []byte
	if kind == core.EventValue {
		if v, ok := t.lookup(split(sub.path)); ok {
			initial, _ = json.Marshal(v)
		}
	}
	t.mu.Unlock()
	// Value listeners receive the current snapshot on attach.
	if kind == core.EventValue {
		fn(core.Event{Path: sub.path, Data: initial})
	}
	return sub, nil
}

func (m *Memory) Unsubscribe(sub core.Subscription) {
	switch s := sub.(type) {
	case *memSub:
		t := m.shared
		t.mu.Lock()
		delete(t.subs, s)
		t.mu.Unlock()
	case *connWatch:
		m.mu.Lock()
		for i, w := range m.watchers {
			if w == s {
				m.watchers = append(m.watchers[:i], m.watchers[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
	}
}

func (m *Memory) OnDisconnectRemove(ctx context.Context, path string) (core.DisconnectHandle, error) {
	h := &memHook{owner: m, path: path}
	m.mu.Lock()
	m.hooks = append(m.hooks, h)
	m.mu.Unlock()
	return h, nil
}

func (m *Memory) WatchConnectivity(fn func(connected bool)) core.Subscription {
	w := &connWatch{fn: fn}
	m.mu.Lock()
	m.watchers = append(m.watchers, w)
	cur := m.connected
	m.mu.Unlock()
	fn(cur)
	return w
}

// SetConnected flips the connectivity signal without touching hooks,
// simulating a transient network blip.
func (m *Memory) SetConnected(connected bool) {
	m.mu.Lock()
	if m.connected == connected {
		m.mu.Unlock()
		return
	}
	m.connected = connected
	watchers := append([]*connWatch(nil), m.watchers...)
	m.mu.Unlock()
	for _, w := range watchers {
		w.fn(connected)
	}
}

// DropConnection simulates the backend noticing this client is gone: all
// pending disconnect hooks fire and the connectivity signal goes false.
func (m *Memory) DropConnection(ctx context.Context) {
	m.mu.Lock()
	hooks := m.hooks
	m.hooks = nil
	m.mu.Unlock()
	for _, h := range hooks {
		if h.done {
			continue
		}
		_ = m.Remove(ctx, h.path)
	}
	m.SetConnected(false)
}

// tree internals, all under memTree.mu

func (t *memTree) lookup(segs []string) (any, bool) {
	var cur any = t.root
	for _, s := range segs {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = node[s]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func (t *memTree) set(segs []string, v any) {
	node := t.root
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

func (t *memTree) delete(segs []string) {
	node := t.root
	for _, s := range segs[:len(segs)-1] {
		child, ok := node[s].(map[string]any)
		if !ok {
			return
		}
		node = child
	}
	delete(node, segs[len(segs)-1])
}

type delivery struct {
	fn func(core.Event)
	ev core.Event
}

// collect builds the event fan-out for a mutation at path. Value subscribers
// fire when the mutation touches their subtree in either direction; child
// subscribers fire for direct children only. Data is snapshotted under the
// lock, delivery happens after release so callbacks may reenter the store.
func (t *memTree) collect(path string, _ any, removed bool) []delivery {
	path = strings.Trim(path, "/")
	parentPath, key := parent(path)
	var out []delivery
	for sub := range t.subs {
		switch sub.kind {
		case core.EventValue:
			if !within(path, sub.path) && !within(sub.path, path) {
				continue
			}
			var data []byte
			if v, ok := t.lookup(split(sub.path)); ok {
				data, _ = json.Marshal(v)
			}
			out = append(out, delivery{sub.fn, core.Event{Path: sub.path, Data: data}})
		case core.EventChildAdded:
			if removed || sub.path != parentPath {
				continue
			}
			var data []byte
			if v, ok := t.lookup(split(path)); ok {
				data, _ = json.Marshal(v)
			}
			out = append(out, delivery{sub.fn, core.Event{Path: sub.path, Key: key, Data: data}})
		case core.EventChildRemoved:
			if !removed || sub.path != parentPath {
				continue
			}
			out = append(out, delivery{sub.fn, core.Event{Path: sub.path, Key: key}})
		}
	}
	return out
}

func deliver(events []delivery) {
	for _, d := range events {
		d.fn(d.ev)
	}
}

// within reports whether path p is inside (or equal to) subtree root.
func within(p, root string) bool {
	if root == "" {
		return true
	}
	return p == root || strings.HasPrefix(p, root+"/")
}

func normalize(value any) (any, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func pushKey() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:20]
}
