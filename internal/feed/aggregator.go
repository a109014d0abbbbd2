package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/steemit/reelfeed/internal/geo"
	"github.com/steemit/reelfeed/internal/store"
	"github.com/steemit/reelfeed/pkg/logging"
)

// ErrUnknownPost is returned for actions on a post that is not in the list.
var ErrUnknownPost = errors.New("post not in feed")

// Variant selects the feed's source.
type Variant int

const (
	// VariantDiscover pages the canonical posts collection, geo-filtered.
	VariantDiscover Variant = iota
	// VariantFollowing pages the viewer's fan-out index and hydrates it.
	VariantFollowing
)

func (v Variant) String() string {
	if v == VariantFollowing {
		return "following"
	}
	return "discover"
}

// ParseVariant parses a variant name. The empty string is VariantDiscover.
func ParseVariant(s string) (Variant, error) {
	switch s {
	case "", "discover":
		return VariantDiscover, nil
	case "following":
		return VariantFollowing, nil
	}
	return VariantDiscover, fmt.Errorf("unknown feed variant %q", s)
}

// Query is what a feed session shows: the variant plus its filters.
type Query struct {
	Variant Variant
	Tier    geo.RadiusTier
	Extra   []store.Filter
}

// State is the aggregator's loading state.
type State int

const (
	StateIdle State = iota
	StateLoadingInitial
	StateReady
	StateLoadingMore
)

func (s State) String() string {
	switch s {
	case StateLoadingInitial:
		return "loading_initial"
	case StateReady:
		return "ready"
	case StateLoadingMore:
		return "loading_more"
	}
	return "idle"
}

// Status is the coarse feed status shown to the UI.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusReady   Status = "ready"
	StatusEmpty   Status = "empty"
	StatusError   Status = "error"
)

// Snapshot is a consistent copy of the aggregator's visible state.
type Snapshot struct {
	Posts      []Post `json:"posts"`
	State      string `json:"state"`
	Status     Status `json:"status"`
	Exhausted  bool   `json:"exhausted"`
	Error      string `json:"error,omitempty"`
	Variant    string `json:"variant"`
	Generation uint64 `json:"generation"`
	Err        error  `json:"-"`
}

// Config wires an aggregator's collaborators and limits.
type Config struct {
	ViewerID           string
	PageSize           int
	FetchThreshold     int
	OverlayConcurrency int
	Location           geo.LocationProvider
	Overlays           OverlayResolver
	Writer             InteractionWriter
	// OnChange, when set, receives a snapshot after every visible change.
	OnChange func(Snapshot)
	// OnError, when set, receives failed optimistic writes after rollback.
	OnError func(error)
}

// Aggregator owns the ordered post list of one feed session. All list
// mutations happen under mu; fetches run in goroutines tagged with the
// generation they were started in, and results from an older generation are
// dropped.
type Aggregator struct {
	cfg     Config
	fetcher *Fetcher
	logger  *zap.Logger

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup

	mu          sync.Mutex
	query       Query
	filter      Filter
	state       State
	status      Status
	err         error
	posts       []Post
	index       map[string]int
	canonical   Cursor
	fanout      Cursor
	exhausted   bool
	lastTrigger int
	generation  uint64
	genCtx      context.Context
	genCancel   context.CancelFunc
	closed      bool
}

// NewAggregator creates an idle aggregator for the discover variant.
func NewAggregator(fetcher *Fetcher, cfg Config) *Aggregator {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 15
	}
	if cfg.FetchThreshold < 0 {
		cfg.FetchThreshold = 0
	}
	if cfg.OverlayConcurrency <= 0 {
		cfg.OverlayConcurrency = 8
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	genCtx, genCancel := context.WithCancel(rootCtx)

	return &Aggregator{
		cfg:         cfg,
		fetcher:     fetcher,
		logger:      logging.WithComponent("feed-aggregator").With(zap.String("viewer_id", cfg.ViewerID)),
		rootCtx:     rootCtx,
		rootCancel:  rootCancel,
		status:      StatusIdle,
		index:       make(map[string]int),
		canonical:   Start(ChainCanonical),
		fanout:      Start(ChainFanout),
		lastTrigger: -1,
		genCtx:      genCtx,
		genCancel:   genCancel,
	}
}

// Reset cancels in-flight work, clears the list and both cursors, switches
// to q and starts the initial load.
func (a *Aggregator) Reset(q Query) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.bumpLocked()
	a.query = q
	a.filter = Filter{}
	a.posts = nil
	a.index = make(map[string]int)
	a.canonical = Start(ChainCanonical)
	a.fanout = Start(ChainFanout)
	a.exhausted = false
	a.lastTrigger = -1
	a.err = nil
	a.state = StateIdle
	a.status = StatusIdle

	a.startInitialLocked()
	snap := a.snapshotLocked()
	a.mu.Unlock()

	a.notify(snap)
}

// FetchInitial loads the first page of the current query and replaces the
// list on success. It is a no-op while an initial load is in flight and
// returns whether a load was started.
func (a *Aggregator) FetchInitial() bool {
	a.mu.Lock()
	if a.closed || a.state == StateLoadingInitial {
		a.mu.Unlock()
		return false
	}
	a.bumpLocked()
	a.startInitialLocked()
	snap := a.snapshotLocked()
	a.mu.Unlock()

	a.notify(snap)
	return true
}

// LoadMoreIfNeeded fetches the next page when visibleIndex is within the
// fetch threshold of the end of the list, past the last index that triggered
// a fetch, no page is loading and the chain is not exhausted. It returns
// whether a fetch was started.
func (a *Aggregator) LoadMoreIfNeeded(visibleIndex int) bool {
	a.mu.Lock()
	if a.closed ||
		a.state != StateReady ||
		a.exhausted ||
		visibleIndex < len(a.posts)-a.cfg.FetchThreshold ||
		visibleIndex <= a.lastTrigger {
		a.mu.Unlock()
		return false
	}

	prevTrigger := a.lastTrigger
	a.lastTrigger = visibleIndex
	a.state = StateLoadingMore

	gen := a.generation
	ctx := a.genCtx
	q := a.query
	filter := a.filter
	cursor := a.cursorLocked(q.Variant)
	snap := a.snapshotLocked()

	a.wg.Add(1)
	go a.loadMore(ctx, gen, q, filter, cursor, prevTrigger)
	a.mu.Unlock()

	a.notify(snap)
	return true
}

// RequestMore is LoadMoreIfNeeded keyed by the visible post id.
func (a *Aggregator) RequestMore(visibleID string) bool {
	idx, ok := a.IndexOf(visibleID)
	if !ok {
		return false
	}
	return a.LoadMoreIfNeeded(idx)
}

// Like marks the post liked. See Unlike for the inverse.
func (a *Aggregator) Like(postID string) error {
	return a.setInteraction(postID, InteractionLike, true)
}

// Unlike clears the liked flag.
func (a *Aggregator) Unlike(postID string) error {
	return a.setInteraction(postID, InteractionLike, false)
}

// Bookmark marks the post bookmarked.
func (a *Aggregator) Bookmark(postID string) error {
	return a.setInteraction(postID, InteractionBookmark, true)
}

// Unbookmark clears the bookmarked flag.
func (a *Aggregator) Unbookmark(postID string) error {
	return a.setInteraction(postID, InteractionBookmark, false)
}

// Repost marks the post reposted.
func (a *Aggregator) Repost(postID string) error {
	return a.setInteraction(postID, InteractionRepost, true)
}

// Unrepost clears the reposted flag.
func (a *Aggregator) Unrepost(postID string) error {
	return a.setInteraction(postID, InteractionRepost, false)
}

// setInteraction applies the change immediately, writes it in the
// background and restores the flag and counter if the write fails.
func (a *Aggregator) setInteraction(postID string, kind Interaction, on bool) error {
	a.mu.Lock()
	idx, ok := a.index[postID]
	if a.closed || !ok {
		a.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownPost, postID)
	}

	p := &a.posts[idx]
	flag, counter := kind.flag(p), kind.counter(p)
	if *flag == on {
		a.mu.Unlock()
		return nil
	}

	prevCount := *counter
	*flag = on
	if on {
		*counter++
	} else if *counter > 0 {
		*counter--
	}

	gen := a.generation
	snap := a.snapshotLocked()
	writer := a.cfg.Writer
	if writer != nil {
		a.wg.Add(1)
	}
	a.mu.Unlock()

	a.notify(snap)
	if writer == nil {
		return nil
	}

	go func() {
		defer a.wg.Done()

		err := writer.WriteInteraction(a.rootCtx, a.cfg.ViewerID, postID, kind, on)
		if err == nil {
			return
		}

		a.mu.Lock()
		rolledBack := false
		if gen == a.generation {
			if idx, ok := a.index[postID]; ok {
				p := &a.posts[idx]
				if *kind.flag(p) == on {
					*kind.flag(p) = !on
					*kind.counter(p) = prevCount
					rolledBack = true
				}
			}
		}
		snap := a.snapshotLocked()
		a.mu.Unlock()

		a.logger.Warn("Interaction write failed",
			zap.String("post_id", postID),
			zap.Stringer("interaction", kind),
			zap.Bool("on", on),
			zap.Bool("rolled_back", rolledBack),
			zap.Error(err))

		if rolledBack {
			a.notify(snap)
		}
		if a.cfg.OnError != nil {
			if !errors.Is(err, store.ErrWriteConflict) {
				err = fmt.Errorf("%w: %v", store.ErrWriteConflict, err)
			}
			a.cfg.OnError(fmt.Errorf("%s %s: %w", kind, postID, err))
		}
	}()
	return nil
}

// Snapshot returns a copy of the list and status.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

// Len returns the number of posts in the list.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.posts)
}

// At returns the post at index i.
func (a *Aggregator) At(i int) (Post, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if i < 0 || i >= len(a.posts) {
		return Post{}, false
	}
	return a.posts[i], true
}

// IndexOf returns the list index of postID.
func (a *Aggregator) IndexOf(postID string) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx, ok := a.index[postID]
	return idx, ok
}

// Query returns the current query.
func (a *Aggregator) Query() Query {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.query
}

// Wait blocks until every background fetch and write has finished.
func (a *Aggregator) Wait() {
	a.wg.Wait()
}

// Close cancels all in-flight work and waits for it to stop.
func (a *Aggregator) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.generation++
	a.rootCancel()
	a.mu.Unlock()

	a.wg.Wait()
}

// bumpLocked starts a new generation, cancelling the previous one's fetches.
func (a *Aggregator) bumpLocked() {
	a.generation++
	a.genCancel()
	a.genCtx, a.genCancel = context.WithCancel(a.rootCtx)
}

func (a *Aggregator) startInitialLocked() {
	a.state = StateLoadingInitial
	a.status = StatusLoading

	gen := a.generation
	ctx := a.genCtx
	q := a.query

	a.wg.Add(1)
	go a.loadInitial(ctx, gen, q)
}

func (a *Aggregator) cursorLocked(v Variant) Cursor {
	if v == VariantFollowing {
		return a.fanout
	}
	return a.canonical
}

func (a *Aggregator) setCursorLocked(v Variant, c Cursor) {
	if v == VariantFollowing {
		a.fanout = c
		return
	}
	a.canonical = c
}

func (a *Aggregator) loadInitial(ctx context.Context, gen uint64, q Query) {
	defer a.wg.Done()

	var filter Filter
	if q.Variant == VariantDiscover {
		filter = Filter{
			Predicate: geo.ResolveFrom(ctx, q.Tier, a.cfg.Location),
			Extra:     q.Extra,
		}
	}

	start := Start(ChainCanonical)
	if q.Variant == VariantFollowing {
		start = Start(ChainFanout)
	}

	page, err := a.fetch(ctx, q, filter, start)
	if err == nil {
		a.resolveOverlays(ctx, page.Items)
	}

	a.mu.Lock()
	if gen != a.generation {
		a.mu.Unlock()
		a.logger.Debug("Dropping stale initial page", zap.Uint64("generation", gen))
		return
	}

	if err != nil {
		a.err = err
		a.status = StatusError
		if len(a.posts) > 0 {
			a.state = StateReady
		} else {
			a.state = StateIdle
		}
		snap := a.snapshotLocked()
		a.mu.Unlock()

		a.logger.Warn("Initial feed load failed", zap.Stringer("variant", q.Variant), zap.Error(err))
		a.notify(snap)
		return
	}

	a.filter = filter
	a.posts = a.posts[:0]
	a.index = make(map[string]int, len(page.Items))
	a.appendLocked(page.Items)
	a.applyNextLocked(q.Variant, page.Next)
	a.lastTrigger = -1
	a.err = nil
	a.state = StateReady
	if len(a.posts) == 0 {
		a.status = StatusEmpty
	} else {
		a.status = StatusReady
	}
	snap := a.snapshotLocked()
	a.mu.Unlock()

	a.notify(snap)
}

func (a *Aggregator) loadMore(ctx context.Context, gen uint64, q Query, filter Filter, cursor Cursor, prevTrigger int) {
	defer a.wg.Done()

	page, err := a.fetch(ctx, q, filter, cursor)
	if err == nil {
		a.resolveOverlays(ctx, page.Items)
	}

	a.mu.Lock()
	if gen != a.generation {
		a.mu.Unlock()
		a.logger.Debug("Dropping stale page", zap.Uint64("generation", gen))
		return
	}

	a.state = StateReady
	if err != nil {
		a.err = err
		a.status = StatusError
		a.lastTrigger = prevTrigger
		snap := a.snapshotLocked()
		a.mu.Unlock()

		a.logger.Warn("Next page load failed", zap.Stringer("variant", q.Variant), zap.Error(err))
		a.notify(snap)
		return
	}

	a.appendLocked(page.Items)
	a.applyNextLocked(q.Variant, page.Next)
	a.err = nil
	a.status = StatusReady
	snap := a.snapshotLocked()
	a.mu.Unlock()

	a.notify(snap)
}

func (a *Aggregator) fetch(ctx context.Context, q Query, filter Filter, cursor Cursor) (*Page, error) {
	if q.Variant == VariantDiscover {
		return a.fetcher.FetchPage(ctx, filter, cursor, a.cfg.PageSize)
	}

	refs, next, err := a.fetcher.FetchSimplifiedPage(ctx, a.cfg.ViewerID, cursor, a.cfg.PageSize)
	if err != nil {
		return nil, err
	}
	posts, err := a.fetcher.Hydrate(ctx, refs)
	if err != nil {
		return nil, err
	}
	return &Page{Items: posts, Next: next}, nil
}

// resolveOverlays looks up the viewer overlay of each post, one lookup per
// post. A failed lookup leaves the zero overlay in place.
func (a *Aggregator) resolveOverlays(ctx context.Context, posts []Post) {
	if a.cfg.Overlays == nil || a.cfg.ViewerID == "" || len(posts) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(a.cfg.OverlayConcurrency)
	for i := range posts {
		g.Go(func() error {
			ov, err := a.cfg.Overlays.ResolveOverlay(ctx, a.cfg.ViewerID, posts[i].ID)
			if err != nil {
				a.logger.Debug("Overlay lookup failed", zap.String("post_id", posts[i].ID), zap.Error(err))
				ov = Overlay{}
			}
			posts[i].Overlay = ov
			return nil
		})
	}
	_ = g.Wait()
}

func (a *Aggregator) appendLocked(items []Post) {
	for _, p := range items {
		if _, dup := a.index[p.ID]; dup {
			continue
		}
		a.index[p.ID] = len(a.posts)
		a.posts = append(a.posts, p)
	}
}

func (a *Aggregator) applyNextLocked(v Variant, next *Cursor) {
	if next == nil {
		a.exhausted = true
		return
	}
	a.exhausted = false
	a.setCursorLocked(v, *next)
}

func (a *Aggregator) snapshotLocked() Snapshot {
	posts := make([]Post, len(a.posts))
	copy(posts, a.posts)

	snap := Snapshot{
		Posts:      posts,
		State:      a.state.String(),
		Status:     a.status,
		Exhausted:  a.exhausted,
		Variant:    a.query.Variant.String(),
		Generation: a.generation,
		Err:        a.err,
	}
	if a.err != nil {
		snap.Error = a.err.Error()
	}
	return snap
}

func (a *Aggregator) notify(snap Snapshot) {
	if a.cfg.OnChange != nil {
		a.cfg.OnChange(snap)
	}
}
