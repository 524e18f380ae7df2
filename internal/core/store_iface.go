package core

import "context"

// EventKind selects which store events a subscription receives.
type EventKind int

const (
	// EventValue delivers the whole subtree at the subscribed path after
	// every change underneath it.
	EventValue EventKind = iota
	// EventChildAdded delivers each new direct child once.
	EventChildAdded
	// EventChildRemoved delivers each removed direct child.
	EventChildRemoved
)

// Event is one delivery to a subscription callback. Data is JSON: the full
// subtree for value events, the child value for child events. Data is nil
// when the path no longer exists.
type Event struct {
	Path string
	Key  string // direct child key, child events only
	Data []byte
}

// Subscription is an opaque handle returned by Subscribe.
type Subscription interface{}

// DisconnectHandle cancels a previously registered store-side cleanup.
type DisconnectHandle interface {
	Cancel(ctx context.Context) error
}

// Store is the presence-store contract: per-path read/write/subscribe over a
// realtime, multi-writer, eventually-consistent backend. No operation is
// transactional across paths; callers must tolerate read-then-write races.
// Callbacks for one subscription fire in delivery order, but there is no
// cross-path ordering guarantee.
type Store interface {
	// Read returns the JSON subtree at path, or nil if the path is absent.
	Read(ctx context.Context, path string) ([]byte, error)
	// Write replaces the value at path.
	Write(ctx context.Context, path string, value any) error
	// PushChild appends value under path with a store-generated key.
	PushChild(ctx context.Context, path string, value any) (string, error)
	// Remove deletes the subtree at path. Removing an absent path is not an error.
	Remove(ctx context.Context, path string) error

	Subscribe(path string, kind EventKind, fn func(Event)) (Subscription, error)
	Unsubscribe(sub Subscription)

	// OnDisconnectRemove registers a store-side deletion of path, executed by
	// the backend if this client drops without explicit cleanup.
	OnDisconnectRemove(ctx context.Context, path string) (DisconnectHandle, error)

	// WatchConnectivity registers fn for connectivity transitions. The current
	// state is delivered immediately on registration.
	WatchConnectivity(fn func(connected bool)) Subscription
}
