package app_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avdeyev/huddle/internal/app"
	"github.com/avdeyev/huddle/internal/domain"
)

func staticLoad(rooms map[domain.RoomID]domain.Room, calls *atomic.Int32, delay time.Duration) app.LoadFunc {
	return func(ctx context.Context) (map[domain.RoomID]domain.Room, error) {
		calls.Add(1)
		if delay > 0 {
			time.Sleep(delay)
		}
		out := make(map[domain.RoomID]domain.Room, len(rooms))
		for k, v := range rooms {
			out[k] = v
		}
		return out, nil
	}
}

func TestDirectory_CollapsesConcurrentMisses(t *testing.T) {
	d := app.NewDirectory(5 * time.Second)
	rooms := map[domain.RoomID]domain.Room{"r1": {ID: "r1", Name: "Test"}}
	var calls atomic.Int32
	load := staticLoad(rooms, &calls, 50*time.Millisecond)

	var wg sync.WaitGroup
	results := make([]map[domain.RoomID]domain.Room, 5)
	for i := range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := d.Get(context.Background(), load)
			require.NoError(t, err)
			results[i] = got
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "concurrent misses must share one load")
	for _, got := range results {
		assert.Equal(t, rooms, got)
	}
}

func TestDirectory_FreshnessWindow(t *testing.T) {
	d := app.NewDirectory(40 * time.Millisecond)
	var calls atomic.Int32
	load := staticLoad(map[domain.RoomID]domain.Room{"r1": {ID: "r1"}}, &calls, 0)

	_, err := d.Get(context.Background(), load)
	require.NoError(t, err)
	_, err = d.Get(context.Background(), load)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load(), "second read inside the window hits the cache")

	time.Sleep(60 * time.Millisecond)
	_, err = d.Get(context.Background(), load)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "stale snapshot forces a reload")
}

func TestDirectory_IncrementalPatch(t *testing.T) {
	d := app.NewDirectory(time.Minute)
	var calls atomic.Int32
	load := staticLoad(map[domain.RoomID]domain.Room{"r1": {ID: "r1"}}, &calls, 0)

	_, err := d.Get(context.Background(), load)
	require.NoError(t, err)

	d.UpdateRoom("r2", &domain.Room{ID: "r2", Name: "New"})
	got, err := d.Get(context.Background(), load)
	require.NoError(t, err)
	assert.Contains(t, got, domain.RoomID("r2"))
	assert.Equal(t, int32(1), calls.Load(), "patch must not trigger a reload")

	d.UpdateRoom("r1", nil)
	got, err = d.Get(context.Background(), load)
	require.NoError(t, err)
	assert.NotContains(t, got, domain.RoomID("r1"))
}

func TestDirectory_InvalidateAndClear(t *testing.T) {
	d := app.NewDirectory(time.Minute)
	var calls atomic.Int32
	load := staticLoad(map[domain.RoomID]domain.Room{"r1": {ID: "r1"}}, &calls, 0)

	_, err := d.Get(context.Background(), load)
	require.NoError(t, err)

	d.Invalidate()
	_, err = d.Get(context.Background(), load)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())

	d.Clear()
	_, err = d.Get(context.Background(), load)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDirectory_PatchBeforeLoadIsIgnored(t *testing.T) {
	d := app.NewDirectory(time.Minute)
	d.UpdateRoom("r1", &domain.Room{ID: "r1"})

	var calls atomic.Int32
	load := staticLoad(map[domain.RoomID]domain.Room{}, &calls, 0)
	got, err := d.Get(context.Background(), load)
	require.NoError(t, err)
	assert.Empty(t, got, "patching an empty cache must not fabricate a snapshot")
}
