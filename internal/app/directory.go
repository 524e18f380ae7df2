package app

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/avdeyev/huddle/internal/domain"
)

// LoadFunc performs the full directory read on a cache miss.
type LoadFunc func(ctx context.Context) (map[domain.RoomID]domain.Room, error)

type dirResult struct {
	rooms map[domain.RoomID]domain.Room
	err   error
}

// Directory is a time-boxed cache over the rooms listing. The directory
// listener fires independently of local mutations, so reloading on every
// event would mean redundant full-collection reads under bursts; instead the
// cache serves a snapshot inside the freshness window and collapses
// concurrent misses into a single load.
type Directory struct {
	mu        sync.Mutex
	ttl       time.Duration
	now       func() time.Time
	snapshot  map[domain.RoomID]domain.Room
	fetchedAt time.Time
	loading   bool
	waiters   []chan dirResult
}

func NewDirectory(ttl time.Duration) *Directory {
	return &Directory{ttl: ttl, now: time.Now}
}

// Get returns the cached snapshot when fresh. On a miss it runs load once;
// callers arriving while a load is in flight wait for that same result.
func (d *Directory) Get(ctx context.Context, load LoadFunc) (map[domain.RoomID]domain.Room, error) {
	d.mu.Lock()
	if d.snapshot != nil && d.now().Sub(d.fetchedAt) < d.ttl {
		out := copyRooms(d.snapshot)
		d.mu.Unlock()
		return out, nil
	}
	if d.loading {
		ch := make(chan dirResult, 1)
		d.waiters = append(d.waiters, ch)
		d.mu.Unlock()
		select {
		case res := <-ch:
			return res.rooms, res.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.loading = true
	d.mu.Unlock()

	rooms, err := load(ctx)

	d.mu.Lock()
	d.loading = false
	if err == nil {
		d.snapshot = rooms
		d.fetchedAt = d.now()
	}
	waiters := d.waiters
	d.waiters = nil
	var out map[domain.RoomID]domain.Room
	if err == nil {
		out = copyRooms(d.snapshot)
	}
	d.mu.Unlock()

	for _, ch := range waiters {
		var wout map[domain.RoomID]domain.Room
		if err == nil {
			wout = copyRooms(rooms)
		}
		ch <- dirResult{rooms: wout, err: err}
	}
	if err != nil {
		log.Warn().Err(err).Str("module", "app.directory").Msg("directory load failed")
		return nil, err
	}
	return out, nil
}

// UpdateRoom patches one entry from a listener event without a full reload.
// A nil room deletes the entry. No-op when nothing is cached yet.
func (d *Directory) UpdateRoom(id domain.RoomID, room *domain.Room) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.snapshot == nil {
		return
	}
	if room == nil {
		delete(d.snapshot, id)
		return
	}
	d.snapshot[id] = *room
}

// Invalidate forces the next Get to reload while keeping the old snapshot
// for waiters already holding it.
func (d *Directory) Invalidate() {
	d.mu.Lock()
	d.fetchedAt = time.Time{}
	d.mu.Unlock()
}

func (d *Directory) Clear() {
	d.mu.Lock()
	d.snapshot = nil
	d.fetchedAt = time.Time{}
	d.mu.Unlock()
}

func copyRooms(in map[domain.RoomID]domain.Room) map[domain.RoomID]domain.Room {
	out := make(map[domain.RoomID]domain.Room, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
