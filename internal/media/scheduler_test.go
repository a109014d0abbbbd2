package media

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingWarmer blocks every Warm until release is closed and tracks
// concurrency.
type countingWarmer struct {
	mu        sync.Mutex
	release   chan struct{}
	warms     map[string]int
	released  map[string]int
	cancelled map[string]int
	active    int
	maxActive int
}

func newCountingWarmer() *countingWarmer {
	return &countingWarmer{
		release:   make(chan struct{}),
		warms:     make(map[string]int),
		released:  make(map[string]int),
		cancelled: make(map[string]int),
	}
}

func (w *countingWarmer) Warm(ctx context.Context, item Item) error {
	w.mu.Lock()
	w.warms[item.PostID]++
	w.active++
	if w.active > w.maxActive {
		w.maxActive = w.active
	}
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.active--
		w.mu.Unlock()
	}()

	select {
	case <-w.release:
		return nil
	case <-ctx.Done():
		w.mu.Lock()
		w.cancelled[item.PostID]++
		w.mu.Unlock()
		return ctx.Err()
	}
}

func (w *countingWarmer) Release(postID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.released[postID]++
}

func (w *countingWarmer) snapshot() (warms, released, cancelled map[string]int, maxActive int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	cp := func(m map[string]int) map[string]int {
		out := make(map[string]int, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	return cp(w.warms), cp(w.released), cp(w.cancelled), w.maxActive
}

func TestSchedulerWindowDiff(t *testing.T) {
	w := newCountingWarmer()
	close(w.release)
	s := NewScheduler(videoList(20), w, SchedulerConfig{Lookahead: 5, Concurrency: 3})
	defer s.Stop()

	entered, left := s.Settle(5)
	assert.ElementsMatch(t, postIDs(6, 7, 8, 9, 10), entered)
	assert.Empty(t, left)
	assert.ElementsMatch(t, postIDs(6, 7, 8, 9, 10), s.Window())

	entered, left = s.Settle(5)
	assert.Empty(t, entered)
	assert.Empty(t, left)

	entered, left = s.Settle(8)
	assert.ElementsMatch(t, postIDs(11, 12, 13), entered)
	assert.ElementsMatch(t, postIDs(6, 7, 8), left)
	s.Wait()

	warms, released, _, _ := w.snapshot()
	for _, id := range postIDs(6, 7, 8, 9, 10, 11, 12, 13) {
		assert.Equal(t, 1, warms[id], "warms of %s", id)
	}
	assert.Equal(t, map[string]int{"p6": 1, "p7": 1, "p8": 1}, released)
}

func TestSchedulerClipsToList(t *testing.T) {
	w := newCountingWarmer()
	close(w.release)
	s := NewScheduler(videoList(8), w, SchedulerConfig{Lookahead: 5})
	defer s.Stop()

	s.Settle(5)
	assert.ElementsMatch(t, postIDs(6, 7), s.Window())

	s.Settle(7)
	assert.Empty(t, s.Window())

	s.Settle(-1)
	assert.ElementsMatch(t, postIDs(0, 1, 2, 3), s.Window())
}

func TestSchedulerCoalescesAndBoundsJobs(t *testing.T) {
	w := newCountingWarmer()
	s := NewScheduler(videoList(20), w, SchedulerConfig{Lookahead: 5, Concurrency: 2})
	defer s.Stop()

	s.Settle(0)
	s.Settle(0)
	require.Eventually(t, func() bool {
		_, _, _, max := w.snapshot()
		return max == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 5, s.InFlight())

	// moving by one cancels the job that left and starts one that entered
	entered, left := s.Settle(1)
	assert.Equal(t, postIDs(6), entered)
	assert.Equal(t, postIDs(1), left)

	close(w.release)
	s.Wait()

	warms, released, _, maxActive := w.snapshot()
	assert.LessOrEqual(t, maxActive, 2)
	for _, id := range postIDs(2, 3, 4, 5, 6) {
		assert.Equal(t, 1, warms[id], "warms of %s", id)
	}
	assert.LessOrEqual(t, warms["p1"], 1)
	assert.Equal(t, 1, released["p1"])
	assert.Equal(t, 0, s.InFlight())
}

func TestSchedulerCancelsLeavingJobs(t *testing.T) {
	w := newCountingWarmer()
	s := NewScheduler(videoList(20), w, SchedulerConfig{Lookahead: 2, Concurrency: 4})
	defer s.Stop()

	s.Settle(0)
	require.Eventually(t, func() bool {
		warms, _, _, _ := w.snapshot()
		return warms["p1"] == 1 && warms["p2"] == 1
	}, time.Second, 5*time.Millisecond)

	s.Settle(10)
	require.Eventually(t, func() bool {
		_, _, cancelled, _ := w.snapshot()
		return cancelled["p1"] == 1 && cancelled["p2"] == 1
	}, time.Second, 5*time.Millisecond)

	close(w.release)
}

func TestSchedulerResetReleasesWindow(t *testing.T) {
	w := newCountingWarmer()
	close(w.release)
	s := NewScheduler(videoList(10), w, SchedulerConfig{Lookahead: 3})

	s.Settle(0)
	s.Reset()
	assert.Empty(t, s.Window())

	_, released, _, _ := w.snapshot()
	assert.Equal(t, map[string]int{"p1": 1, "p2": 1, "p3": 1}, released)

	s.Stop()
	entered, _ := s.Settle(0)
	assert.Empty(t, entered)
}

// Window [6,11) with item 8 playing; moving to [9,14) drops 6 and 7 at once
// and keeps 8 until it stops being dominant.
func TestWindowMovePinsPlayingItem(t *testing.T) {
	eng := newFakeEngine()
	items := videoList(20)
	c := NewCache(eng, CacheConfig{Capacity: 12})
	defer c.Close()
	s := NewScheduler(items, c, SchedulerConfig{Lookahead: 5, Concurrency: 3})
	defer s.Stop()

	settle := func(idx int) {
		require.NoError(t, c.SetDominant(items[idx]))
		s.Settle(idx)
		s.Wait()
		c.Wait()
	}

	settle(5)
	assert.ElementsMatch(t, postIDs(5, 6, 7, 8, 9, 10), c.Resident())

	require.NoError(t, c.SetDominant(items[8]))
	c.Wait()
	assert.Equal(t, "p8", c.Playing())
	prepared, _ := eng.counts(videoURI(8))
	assert.Equal(t, 1, prepared, "the prefetched handle is reused for playback")

	s.Settle(8)
	s.Wait()
	assert.ElementsMatch(t, postIDs(8, 9, 10, 11, 12, 13), c.Resident())
	assert.Equal(t, "p8", c.Playing())
	_, disposed6 := eng.counts(videoURI(6))
	_, disposed7 := eng.counts(videoURI(7))
	assert.Equal(t, 1, disposed6)
	assert.Equal(t, 1, disposed7)

	settle(9)
	assert.Equal(t, "p9", c.Playing())
	assert.ElementsMatch(t, postIDs(9, 10, 11, 12, 13, 14), c.Resident())
	_, disposed8 := eng.counts(videoURI(8))
	assert.Equal(t, 1, disposed8)
	assert.False(t, eng.isPlaying(videoURI(8)))
	assert.Equal(t, 1, eng.maxConcurrentPlaying())
}
