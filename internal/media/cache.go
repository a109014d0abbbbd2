package media

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/steemit/reelfeed/pkg/logging"
	"github.com/steemit/reelfeed/pkg/telemetry"
)

type entryState int

const (
	entryWarming entryState = iota
	entryReady
	entryFailed
)

// entry is one cached attachment. epoch changes whenever the entry is
// recreated or retried so late prepare results can be told apart.
type entry struct {
	key     string
	postID  string
	source  Source
	state   entryState
	handle  Handle
	err     error
	touched uint64
	wanted  bool
	epoch   uint64
	started bool
	warmers int
	done    chan struct{}
	cancel  context.CancelFunc
}

// CacheConfig bounds the cache.
type CacheConfig struct {
	Capacity    int
	WarmTimeout time.Duration
}

// Cache is the bounded map of prepared media and the registry of playback
// coordinators. It is the only writer of the entries, the dominant post and
// the playing pointer; all of them are guarded by mu.
type Cache struct {
	engine      Engine
	capacity    int
	warmTimeout time.Duration
	logger      *zap.Logger

	root       context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup

	mu       sync.Mutex
	entries  map[string]*entry
	coords   map[string]*Coordinator
	clock    uint64
	epoch    uint64
	dominant string
	playing  *Coordinator
	overlay  bool
	muted    bool
	closed   bool

	warms     otelmetric.Int64Counter
	evictions otelmetric.Int64Counter
	failures  otelmetric.Int64Counter
}

// NewCache creates an empty cache on top of engine.
func NewCache(engine Engine, cfg CacheConfig) *Cache {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 12
	}
	if cfg.WarmTimeout <= 0 {
		cfg.WarmTimeout = 15 * time.Second
	}

	root, cancel := context.WithCancel(context.Background())
	c := &Cache{
		engine:      engine,
		capacity:    cfg.Capacity,
		warmTimeout: cfg.WarmTimeout,
		logger:      logging.WithComponent("media-cache"),
		root:        root,
		rootCancel:  cancel,
		entries:     make(map[string]*entry),
		coords:      make(map[string]*Coordinator),
	}

	meter := telemetry.Meter("media")
	var err error
	if c.warms, err = meter.Int64Counter("media.cache.warms", otelmetric.WithDescription("Media entries created")); err != nil {
		c.logger.Warn("Failed to create counter", zap.Error(err))
	}
	if c.evictions, err = meter.Int64Counter("media.cache.evictions", otelmetric.WithDescription("Media entries dropped")); err != nil {
		c.logger.Warn("Failed to create counter", zap.Error(err))
	}
	if c.failures, err = meter.Int64Counter("media.cache.decode_failures", otelmetric.WithDescription("Failed prepares")); err != nil {
		c.logger.Warn("Failed to create counter", zap.Error(err))
	}
	return c
}

// Warm prepares every warm source of item and waits until they are ready or
// ctx ends. It is idempotent: entries already warming or ready are joined,
// not restarted. A cancelled Warm creates nothing, and drops the entries it
// created unless another Warm joined them or the post became dominant.
func (c *Cache) Warm(ctx context.Context, item Item) error {
	var (
		firstErr error
		created  []*entry
	)
	for _, src := range item.WarmSources() {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return context.Canceled
		}
		if err := ctx.Err(); err != nil {
			c.abandonLocked(created)
			c.mu.Unlock()
			return err
		}
		_, existed := c.entries[Key(item.PostID, src.ID)]
		e, err := c.ensureLocked(item.PostID, src, true)
		if err != nil {
			c.mu.Unlock()
			return err
		}
		if !existed {
			created = append(created, e)
		}
		c.startLocked(e)
		e.warmers++
		epoch, done := e.epoch, e.done
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			c.mu.Lock()
			e.warmers--
			c.abandonLocked(created)
			c.mu.Unlock()
			return ctx.Err()
		case <-done:
		}

		c.mu.Lock()
		e.warmers--
		if cur := c.entries[e.key]; cur == e && cur.epoch == epoch && cur.err != nil && firstErr == nil {
			firstErr = cur.err
		}
		c.mu.Unlock()
	}
	return firstErr
}

// abandonLocked drops entries a cancelled Warm created, keeping those still
// joined by another Warm, owned by a coordinator, or in the dominant post.
func (c *Cache) abandonLocked(created []*entry) {
	for _, e := range created {
		if c.entries[e.key] != e ||
			e.warmers > 0 ||
			e.postID == c.dominant ||
			c.pinnedLocked(e) ||
			c.coords[e.key] != nil {
			continue
		}
		c.removeLocked(e, "cancelled")
	}
}

// Release drops the post's entries once they leave the prefetch window.
// Entries of the dominant post and the playing entry stay until dominance
// moves on. Releasing an absent post is a no-op.
func (c *Cache) Release(postID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.entries {
		if e.postID != postID {
			continue
		}
		e.wanted = false
		if postID == c.dominant || c.pinnedLocked(e) {
			continue
		}
		c.removeLocked(e, "window")
	}
}

// Touch refreshes the recency of the post's entries.
func (c *Cache) Touch(postID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.clock++
	for _, e := range c.entries {
		if e.postID == postID {
			e.touched = c.clock
		}
	}
}

// SetDominant makes item the dominant visible post. The previous dominant
// post's coordinators are paused and torn down, and its entries are dropped
// unless they are still inside the window. The new post's playable
// attachment gets a coordinator that starts playing once prepared. A zero
// item clears dominance.
func (c *Cache) SetDominant(item Item) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || item.PostID == c.dominant {
		return nil
	}

	old := c.dominant
	c.dominant = item.PostID
	if old != "" {
		for _, co := range c.coords {
			if co.postID == old {
				c.teardownLocked(co)
			}
		}
		for _, e := range c.entries {
			if e.postID == old && !e.wanted {
				c.removeLocked(e, "dominance")
			}
		}
	}

	src, ok := item.Playable()
	if !ok {
		return nil
	}

	e, err := c.ensureLocked(item.PostID, src, false)
	if err != nil {
		c.logger.Warn("No room for dominant media", zap.String("post_id", item.PostID), zap.Error(err))
		return err
	}

	co := &Coordinator{cache: c, key: e.key, postID: item.PostID, source: src, autoplay: true}
	c.coords[e.key] = co
	switch e.state {
	case entryReady:
		co.state = StateReady
		c.autoplayLocked(co)
	case entryFailed:
		co.state = StateFailed
		co.err = e.err
	default:
		co.state = StatePreparing
		c.startLocked(e)
	}
	return nil
}

// PresentOverlay pauses playback while a sheet covers the feed.
func (c *Cache) PresentOverlay() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.overlay = true
	if p := c.playing; p != nil {
		c.pauseLocked(p)
		p.resume = true
	}
}

// DismissOverlay resumes what PresentOverlay paused, if its post is still
// dominant.
func (c *Cache) DismissOverlay() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.overlay = false
	for _, co := range c.coords {
		if !co.resume {
			continue
		}
		co.resume = false
		if co.postID == c.dominant {
			if err := c.playLocked(co); err != nil {
				c.logger.Debug("Resume after overlay failed", zap.String("key", co.key), zap.Error(err))
			}
		}
	}
}

// SetMuted applies the mute flag to every prepared handle and to handles
// prepared later.
func (c *Cache) SetMuted(muted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.muted = muted
	for _, e := range c.entries {
		if e.handle != nil {
			c.engine.SetMuted(e.handle, muted)
		}
	}
}

// Muted reports the current mute flag.
func (c *Cache) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

// Coordinator returns the playback coordinator of a post, if it has one.
func (c *Cache) Coordinator(postID string) (*Coordinator, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, co := range c.coords {
		if co.postID == postID {
			return co, true
		}
	}
	return nil, false
}

// Playback returns the playback state of a post; posts without a
// coordinator are idle.
func (c *Cache) Playback(postID string) PlaybackState {
	if co, ok := c.Coordinator(postID); ok {
		return co.State()
	}
	return StateIdle
}

// Playing returns the post id of the playing coordinator, or "".
func (c *Cache) Playing() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.playing == nil {
		return ""
	}
	return c.playing.postID
}

// Dominant returns the dominant post id, or "".
func (c *Cache) Dominant() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dominant
}

// Resident returns the sorted ids of posts with at least one entry.
func (c *Cache) Resident() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]struct{}, len(c.entries))
	for _, e := range c.entries {
		seen[e.postID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of resident entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Reset drops every entry and coordinator.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
}

// Wait blocks until in-flight prepares finish.
func (c *Cache) Wait() {
	c.wg.Wait()
}

// Close drops everything, cancels in-flight prepares and waits for them.
func (c *Cache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.resetLocked()
	c.mu.Unlock()

	c.rootCancel()
	c.wg.Wait()
}

func (c *Cache) resetLocked() {
	for _, e := range c.entries {
		c.removeLocked(e, "reset")
	}
	c.dominant = ""
	c.overlay = false
	c.playing = nil
}

// ensureLocked returns the entry for src, creating it (and evicting to make
// room) when absent.
func (c *Cache) ensureLocked(postID string, src Source, wanted bool) (*entry, error) {
	key := Key(postID, src.ID)
	c.clock++
	if e, ok := c.entries[key]; ok {
		e.touched = c.clock
		if wanted {
			e.wanted = true
		}
		return e, nil
	}

	if len(c.entries) >= c.capacity && !c.evictLocked() {
		return nil, fmt.Errorf("%w: %d entries resident", ErrCacheFull, len(c.entries))
	}

	c.epoch++
	e := &entry{
		key:     key,
		postID:  postID,
		source:  src,
		state:   entryWarming,
		touched: c.clock,
		wanted:  wanted,
		epoch:   c.epoch,
	}
	c.entries[key] = e
	if c.warms != nil {
		c.warms.Add(c.root, 1, otelmetric.WithAttributes(attribute.String("kind", string(src.Kind))))
	}
	return e, nil
}

// startLocked launches the entry's prepare once per epoch.
func (c *Cache) startLocked(e *entry) {
	if e.started || e.state != entryWarming {
		if e.done == nil {
			e.done = make(chan struct{})
			close(e.done)
		}
		return
	}
	e.started = true
	e.done = make(chan struct{})

	key, epoch, done := e.key, e.epoch, e.done
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(done)
		c.prepare(key, epoch)
	}()
}

func (c *Cache) prepare(key string, epoch uint64) {
	c.mu.Lock()
	e := c.entries[key]
	if e == nil || e.epoch != epoch {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithTimeout(c.root, c.warmTimeout)
	e.cancel = cancel
	src := e.source
	c.mu.Unlock()
	defer cancel()

	ctx, span := telemetry.StartSpan(ctx, "media.warm")
	h, err := c.engine.Prepare(ctx, src.URI, src.Kind)
	span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.entries[key]
	if cur == nil || cur.epoch != epoch {
		if err == nil {
			c.engine.Dispose(h)
		}
		return
	}
	cur.cancel = nil
	co := c.coords[key]

	if err != nil {
		cur.state = entryFailed
		if errors.Is(err, ErrDecodeFailed) {
			cur.err = fmt.Errorf("%s: %w", key, err)
		} else {
			cur.err = fmt.Errorf("%w: %s: %v", ErrDecodeFailed, key, err)
		}
		if c.failures != nil {
			c.failures.Add(c.root, 1)
		}
		c.logger.Warn("Media prepare failed", zap.String("key", key), zap.Error(err))
		if co != nil && co.state == StatePreparing {
			co.state = StateFailed
			co.err = cur.err
		}
		return
	}

	cur.state = entryReady
	cur.handle = h
	c.engine.SetMuted(h, c.muted)
	if co != nil && co.state == StatePreparing {
		co.state = StateReady
		c.autoplayLocked(co)
	}
}

// evictLocked drops the least recently touched entry that is neither in the
// dominant post nor playing.
func (c *Cache) evictLocked() bool {
	var victim *entry
	for _, e := range c.entries {
		if e.postID == c.dominant || c.pinnedLocked(e) {
			continue
		}
		if victim == nil || e.touched < victim.touched {
			victim = e
		}
	}
	if victim == nil {
		return false
	}
	c.logger.Debug("Evicting media entry", zap.String("key", victim.key))
	c.removeLocked(victim, "capacity")
	return true
}

func (c *Cache) removeLocked(e *entry, reason string) {
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	if co := c.coords[e.key]; co != nil {
		c.teardownLocked(co)
	}
	if e.handle != nil {
		c.engine.Dispose(e.handle)
		e.handle = nil
	}
	delete(c.entries, e.key)
	if c.evictions != nil {
		c.evictions.Add(c.root, 1, otelmetric.WithAttributes(attribute.String("reason", reason)))
	}
}

func (c *Cache) pinnedLocked(e *entry) bool {
	return c.playing != nil && c.playing.key == e.key
}

func (c *Cache) ownsLocked(co *Coordinator) bool {
	return c.coords[co.key] == co
}

func (c *Cache) autoplayLocked(co *Coordinator) {
	if !co.autoplay || co.postID != c.dominant {
		return
	}
	if c.overlay {
		co.resume = true
		return
	}
	if err := c.playLocked(co); err != nil {
		c.logger.Debug("Autoplay failed", zap.String("key", co.key), zap.Error(err))
	}
}

// playLocked moves co to playing, pausing whatever played before.
func (c *Cache) playLocked(co *Coordinator) error {
	switch co.state {
	case StatePlaying:
		return nil
	case StateReady, StatePaused:
	default:
		return fmt.Errorf("%w: %s is %s", ErrNotReady, co.key, co.state)
	}

	e := c.entries[co.key]
	if e == nil || e.state != entryReady {
		return fmt.Errorf("%w: %s has no prepared media", ErrNotReady, co.key)
	}

	if prev := c.playing; prev != nil && prev != co {
		c.pauseLocked(prev)
	}
	c.engine.Play(e.handle)
	co.state = StatePlaying
	c.playing = co
	c.clock++
	e.touched = c.clock
	return nil
}

func (c *Cache) pauseLocked(co *Coordinator) {
	if co.state != StatePlaying {
		return
	}
	if e := c.entries[co.key]; e != nil && e.handle != nil {
		c.engine.Pause(e.handle)
	}
	co.state = StatePaused
	if c.playing == co {
		c.playing = nil
	}
}

func (c *Cache) teardownLocked(co *Coordinator) {
	c.pauseLocked(co)
	co.state = StateIdle
	co.resume = false
	co.autoplay = false
	if c.coords[co.key] == co {
		delete(c.coords, co.key)
	}
}

func (c *Cache) retryLocked(co *Coordinator) error {
	if co.state != StateFailed {
		return fmt.Errorf("%w: %s is %s", ErrNotReady, co.key, co.state)
	}

	e, err := c.ensureLocked(co.postID, co.source, false)
	if err != nil {
		return err
	}
	if e.state == entryFailed {
		c.epoch++
		e.epoch = c.epoch
		e.state = entryWarming
		e.err = nil
		e.started = false
	}

	co.err = nil
	co.autoplay = true
	switch e.state {
	case entryReady:
		co.state = StateReady
		c.autoplayLocked(co)
	default:
		co.state = StatePreparing
		c.startLocked(e)
	}
	return nil
}
