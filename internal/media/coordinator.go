package media

import "fmt"

// PlaybackState is a coordinator's state.
type PlaybackState string

const (
	StateIdle      PlaybackState = "idle"
	StatePreparing PlaybackState = "preparing"
	StateReady     PlaybackState = "ready"
	StatePlaying   PlaybackState = "playing"
	StatePaused    PlaybackState = "paused"
	StateFailed    PlaybackState = "failed"
)

// Coordinator drives playback of one attachment. It holds no lock of its
// own: every transition runs under the owning cache's lock, and a transition
// into playing goes through the cache so that at most one coordinator plays.
type Coordinator struct {
	cache    *Cache
	key      string
	postID   string
	source   Source
	state    PlaybackState
	err      error
	autoplay bool
	resume   bool
}

// Key returns the cache key of the attachment.
func (co *Coordinator) Key() string {
	return co.key
}

// PostID returns the post the attachment belongs to.
func (co *Coordinator) PostID() string {
	return co.postID
}

// State returns the current playback state.
func (co *Coordinator) State() PlaybackState {
	co.cache.mu.Lock()
	defer co.cache.mu.Unlock()
	return co.state
}

// Err returns the prepare failure of a failed coordinator.
func (co *Coordinator) Err() error {
	co.cache.mu.Lock()
	defer co.cache.mu.Unlock()
	return co.err
}

// Play starts playback, pausing any other coordinator first.
func (co *Coordinator) Play() error {
	c := co.cache
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.ownsLocked(co) {
		return fmt.Errorf("%w: %s was torn down", ErrNotReady, co.key)
	}
	return c.playLocked(co)
}

// Pause pauses playback. Pausing a coordinator that is not playing is a no-op.
func (co *Coordinator) Pause() error {
	c := co.cache
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.ownsLocked(co) {
		return fmt.Errorf("%w: %s was torn down", ErrNotReady, co.key)
	}
	co.resume = false
	c.pauseLocked(co)
	return nil
}

// Toggle flips between playing and paused, as a tap on the cell does.
func (co *Coordinator) Toggle() error {
	c := co.cache
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.ownsLocked(co) {
		return fmt.Errorf("%w: %s was torn down", ErrNotReady, co.key)
	}
	if co.state == StatePlaying {
		co.resume = false
		c.pauseLocked(co)
		return nil
	}
	return c.playLocked(co)
}

// Teardown returns the coordinator to idle and unregisters it.
func (co *Coordinator) Teardown() {
	c := co.cache
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked(co)
}

// Retry prepares a failed attachment again.
func (co *Coordinator) Retry() error {
	c := co.cache
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.ownsLocked(co) {
		return fmt.Errorf("%w: %s was torn down", ErrNotReady, co.key)
	}
	return c.retryLocked(co)
}
