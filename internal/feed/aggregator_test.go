package feed

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steemit/reelfeed/internal/geo"
	"github.com/steemit/reelfeed/internal/models"
	"github.com/steemit/reelfeed/internal/store"
	"github.com/steemit/reelfeed/internal/store/memstore"
)

func newTestAggregator(s *memstore.Store, cfg Config) *Aggregator {
	if cfg.PageSize == 0 {
		cfg.PageSize = 15
	}
	if cfg.FetchThreshold == 0 {
		cfg.FetchThreshold = 5
	}
	if cfg.ViewerID == "" {
		cfg.ViewerID = "viewer"
	}
	return NewAggregator(NewFetcher(s, NewStoreRefs(s), FetcherConfig{}), cfg)
}

type fakeOverlays struct {
	overlays map[string]Overlay
	fail     map[string]bool
}

func (f *fakeOverlays) ResolveOverlay(_ context.Context, _, postID string) (Overlay, error) {
	if f.fail[postID] {
		return Overlay{Liked: true}, store.ErrStoreUnavailable
	}
	return f.overlays[postID], nil
}

type fakeWriter struct {
	mu    sync.Mutex
	err   error
	calls []string
}

func (f *fakeWriter) WriteInteraction(_ context.Context, _, postID string, kind Interaction, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := "off"
	if on {
		state = "on"
	}
	f.calls = append(f.calls, kind.String()+":"+postID+":"+state)
	return f.err
}

func TestAggregatorPagination(t *testing.T) {
	s := memstore.New()
	seedPosts(s, 40)

	var changes int32
	a := newTestAggregator(s, Config{OnChange: func(Snapshot) { atomic.AddInt32(&changes, 1) }})
	defer a.Close()

	a.Reset(Query{})
	a.Wait()

	snap := a.Snapshot()
	assert.Equal(t, StatusReady, snap.Status)
	assert.Equal(t, "ready", snap.State)
	assert.Equal(t, rangeIDs(0, 15), ids(snap.Posts))
	assert.False(t, snap.Exhausted)

	assert.False(t, a.LoadMoreIfNeeded(9), "index 9 is outside the threshold")
	assert.True(t, a.LoadMoreIfNeeded(10))
	a.Wait()
	assert.Equal(t, rangeIDs(0, 30), ids(a.Snapshot().Posts))

	assert.False(t, a.LoadMoreIfNeeded(10), "index already triggered")
	assert.True(t, a.RequestMore("p025"))
	a.Wait()

	snap = a.Snapshot()
	assert.Equal(t, rangeIDs(0, 40), ids(snap.Posts))
	assert.True(t, snap.Exhausted)
	assert.True(t, IsSorted(snap.Posts))

	assert.False(t, a.LoadMoreIfNeeded(39), "exhausted feeds never fetch")
	assert.False(t, a.RequestMore("nope"))

	queries, _, _ := s.Counts()
	assert.Equal(t, 3, queries)
	assert.Greater(t, atomic.LoadInt32(&changes), int32(3))
}

func TestAggregatorEmpty(t *testing.T) {
	a := newTestAggregator(memstore.New(), Config{})
	defer a.Close()

	a.Reset(Query{})
	a.Wait()

	snap := a.Snapshot()
	assert.Equal(t, StatusEmpty, snap.Status)
	assert.True(t, snap.Exhausted)
	assert.Empty(t, snap.Posts)
	assert.False(t, a.LoadMoreIfNeeded(0))
}

func TestAggregatorSingleFlight(t *testing.T) {
	s := memstore.New()
	seedPosts(s, 40)
	a := newTestAggregator(s, Config{})
	defer a.Close()

	a.Reset(Query{})
	a.Wait()

	release := make(chan struct{})
	s.OnQuery = func(store.Query) error {
		<-release
		return nil
	}

	assert.True(t, a.LoadMoreIfNeeded(10))
	assert.False(t, a.LoadMoreIfNeeded(11), "a page is already loading")
	assert.False(t, a.LoadMoreIfNeeded(14))
	assert.True(t, a.FetchInitial(), "a refresh supersedes the pending page")

	close(release)
	a.Wait()
	s.OnQuery = nil

	snap := a.Snapshot()
	assert.Equal(t, rangeIDs(0, 15), ids(snap.Posts))
	assert.Equal(t, StatusReady, snap.Status)
}

func TestAggregatorSameIndexFetchesOnce(t *testing.T) {
	s := memstore.New()
	seedPosts(s, 40)
	a := newTestAggregator(s, Config{})
	defer a.Close()

	a.Reset(Query{})
	a.Wait()

	release := make(chan struct{})
	s.OnQuery = func(store.Query) error {
		<-release
		return nil
	}

	assert.True(t, a.LoadMoreIfNeeded(10))
	assert.False(t, a.LoadMoreIfNeeded(10), "same index while the page is loading")

	close(release)
	a.Wait()
	s.OnQuery = nil

	assert.False(t, a.LoadMoreIfNeeded(10), "same index after the page resolved")

	queries, _, _ := s.Counts()
	assert.Equal(t, 2, queries, "initial page plus one load-more")
	assert.Equal(t, rangeIDs(0, 30), ids(a.Snapshot().Posts))
}

func TestAggregatorFetchInitialIsNoopWhileLoading(t *testing.T) {
	s := memstore.New()
	seedPosts(s, 5)

	release := make(chan struct{})
	s.OnQuery = func(store.Query) error {
		<-release
		return nil
	}

	a := newTestAggregator(s, Config{})
	defer a.Close()

	a.Reset(Query{})
	assert.False(t, a.FetchInitial())
	assert.Equal(t, "loading_initial", a.Snapshot().State)
	assert.Equal(t, StatusLoading, a.Snapshot().Status)

	close(release)
	a.Wait()

	queries, _, _ := s.Counts()
	assert.Equal(t, 1, queries)
	assert.Equal(t, 5, a.Len())
}

func TestAggregatorDropsStaleGeneration(t *testing.T) {
	s := memstore.New()
	seedPosts(s, 20)

	var calls int32
	release := make(chan struct{})
	s.OnQuery = func(store.Query) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			<-release
		}
		return nil
	}

	a := newTestAggregator(s, Config{})
	defer a.Close()

	a.Reset(Query{})
	a.Reset(Query{Extra: []store.Filter{store.Neq(store.FieldID, "p000")}})
	close(release)
	a.Wait()

	snap := a.Snapshot()
	assert.Equal(t, uint64(2), snap.Generation)
	assert.Equal(t, rangeIDs(1, 16), ids(snap.Posts))
}

func TestAggregatorInitialFailure(t *testing.T) {
	s := memstore.New()
	seedPosts(s, 20)
	s.OnQuery = func(store.Query) error { return store.ErrStoreUnavailable }

	a := newTestAggregator(s, Config{})
	defer a.Close()

	a.Reset(Query{})
	a.Wait()

	snap := a.Snapshot()
	assert.Equal(t, StatusError, snap.Status)
	assert.Equal(t, "idle", snap.State)
	assert.True(t, errors.Is(snap.Err, store.ErrStoreUnavailable))
	assert.NotEmpty(t, snap.Error)
	assert.False(t, a.LoadMoreIfNeeded(0))

	s.OnQuery = nil
	assert.True(t, a.FetchInitial())
	a.Wait()

	snap = a.Snapshot()
	assert.Equal(t, StatusReady, snap.Status)
	assert.Nil(t, snap.Err)
	assert.Equal(t, 15, len(snap.Posts))
}

func TestAggregatorLoadMoreFailureRestoresTrigger(t *testing.T) {
	s := memstore.New()
	seedPosts(s, 40)
	a := newTestAggregator(s, Config{})
	defer a.Close()

	a.Reset(Query{})
	a.Wait()

	s.OnQuery = func(store.Query) error { return store.ErrStoreUnavailable }
	require.True(t, a.LoadMoreIfNeeded(12))
	a.Wait()

	snap := a.Snapshot()
	assert.Equal(t, StatusError, snap.Status)
	assert.Equal(t, "ready", snap.State)
	assert.Len(t, snap.Posts, 15)

	s.OnQuery = nil
	require.True(t, a.LoadMoreIfNeeded(12), "the failed trigger can fire again")
	a.Wait()
	assert.Equal(t, 30, a.Len())
	assert.Equal(t, StatusReady, a.Snapshot().Status)
}

func TestAggregatorRefreshKeepsListOnFailure(t *testing.T) {
	s := memstore.New()
	seedPosts(s, 20)
	a := newTestAggregator(s, Config{})
	defer a.Close()

	a.Reset(Query{})
	a.Wait()

	s.OnQuery = func(store.Query) error { return store.ErrStoreUnavailable }
	require.True(t, a.FetchInitial())
	a.Wait()

	snap := a.Snapshot()
	assert.Equal(t, StatusError, snap.Status)
	assert.Equal(t, "ready", snap.State)
	assert.Len(t, snap.Posts, 15)
}

func TestAggregatorLocationFilter(t *testing.T) {
	s := memstore.New()
	seedPosts(s, 3)
	far := testPost(3)
	far.Location = Location{Geohash4: "u4pr", Geohash5: "u4pru", Geohash6: "u4pruy"}
	s.Put(store.CollectionPosts, far.ID, EncodePost(far))

	tests := []struct {
		name     string
		location geo.LocationProvider
		tier     geo.RadiusTier
		want     []string
	}{
		{"narrow with location", geo.StaticLocation{Point: sanFrancisco, Known: true}, geo.TierNarrow, rangeIDs(0, 3)},
		{"widest with location", geo.StaticLocation{Point: sanFrancisco, Known: true}, geo.TierWidest, rangeIDs(0, 3)},
		{"location unknown", geo.StaticLocation{}, geo.TierNarrow, rangeIDs(0, 4)},
		{"no tier", geo.StaticLocation{Point: sanFrancisco, Known: true}, geo.TierNone, rangeIDs(0, 4)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAggregator(s, Config{Location: tt.location})
			defer a.Close()

			a.Reset(Query{Tier: tt.tier})
			a.Wait()
			assert.Equal(t, tt.want, ids(a.Snapshot().Posts))
		})
	}
}

func TestAggregatorFollowingVariant(t *testing.T) {
	s := memstore.New()
	seedPosts(s, 40)
	refs := NewStoreRefs(s)
	ctx := context.Background()
	for i := 0; i < 40; i += 2 {
		p := testPost(i)
		require.NoError(t, refs.Push(ctx, "viewer", SimplifiedPostRef{ID: p.ID, Timestamp: p.Timestamp}))
	}
	// a ref whose post was deleted
	require.NoError(t, refs.Push(ctx, "viewer", SimplifiedPostRef{ID: "gone", Timestamp: baseTime.Add(-3 * time.Minute)}))

	a := newTestAggregator(s, Config{})
	defer a.Close()

	a.Reset(Query{Variant: VariantFollowing})
	a.Wait()

	snap := a.Snapshot()
	assert.Equal(t, "following", snap.Variant)
	assert.Len(t, snap.Posts, 14)
	assert.Equal(t, "p000", snap.Posts[0].ID)
	assert.True(t, IsSorted(snap.Posts))
	assert.False(t, snap.Exhausted)

	require.True(t, a.LoadMoreIfNeeded(13))
	a.Wait()
	snap = a.Snapshot()
	assert.Len(t, snap.Posts, 20)
	assert.True(t, snap.Exhausted)
	assert.Equal(t, "p038", snap.Posts[19].ID)
}

func TestAggregatorOverlaysFailClosed(t *testing.T) {
	s := memstore.New()
	seedPosts(s, 3)

	overlays := &fakeOverlays{
		overlays: map[string]Overlay{
			"p000": {Liked: true},
			"p001": {Bookmarked: true, Reposted: true},
			"p002": {Liked: true},
		},
		fail: map[string]bool{"p002": true},
	}
	a := newTestAggregator(s, Config{Overlays: overlays})
	defer a.Close()

	a.Reset(Query{})
	a.Wait()

	posts := a.Snapshot().Posts
	require.Len(t, posts, 3)
	assert.Equal(t, Overlay{Liked: true}, posts[0].Overlay)
	assert.Equal(t, Overlay{Bookmarked: true, Reposted: true}, posts[1].Overlay)
	assert.Equal(t, Overlay{}, posts[2].Overlay)
}

func TestAggregatorOptimisticRollback(t *testing.T) {
	s := memstore.New()
	seedPosts(s, 5)

	writer := &fakeWriter{err: errors.New("permission denied")}
	var reported []error
	var mu sync.Mutex
	a := newTestAggregator(s, Config{
		Writer: writer,
		OnError: func(err error) {
			mu.Lock()
			defer mu.Unlock()
			reported = append(reported, err)
		},
	})
	defer a.Close()

	a.Reset(Query{})
	a.Wait()

	require.NoError(t, a.Like("p003"))
	p, _ := a.At(3)
	assert.True(t, p.Overlay.Liked, "applied before the write completes")
	assert.Equal(t, int64(4), p.Likes)

	a.Wait()
	p, _ = a.At(3)
	assert.False(t, p.Overlay.Liked)
	assert.Equal(t, int64(3), p.Likes)

	mu.Lock()
	require.Len(t, reported, 1)
	assert.True(t, errors.Is(reported[0], store.ErrWriteConflict))
	mu.Unlock()

	assert.True(t, errors.Is(a.Like("missing"), ErrUnknownPost))
}

func TestAggregatorInteractionsPersist(t *testing.T) {
	s := memstore.New()
	seedPosts(s, 5)
	interactions := NewStoreInteractions(s)

	a := newTestAggregator(s, Config{Writer: interactions, Overlays: interactions})
	defer a.Close()

	a.Reset(Query{})
	a.Wait()

	require.NoError(t, a.Like("p002"))
	require.NoError(t, a.Bookmark("p002"))
	require.NoError(t, a.Repost("p004"))
	a.Wait()

	doc, ok := s.Doc(store.CollectionInteractions, models.InteractionID("viewer", "p002"))
	require.True(t, ok)
	assert.Equal(t, true, doc["liked"])
	assert.Equal(t, true, doc["bookmarked"])

	post, ok := s.Doc(store.CollectionPosts, "p002")
	require.True(t, ok)
	assert.EqualValues(t, 3, post["likes"])
	assert.EqualValues(t, 1, post["bookmarks"])

	// repeating an applied action is a no-op
	_, _, writesBefore := s.Counts()
	require.NoError(t, a.Like("p002"))
	a.Wait()
	_, _, writesAfter := s.Counts()
	assert.Equal(t, writesBefore, writesAfter)

	require.NoError(t, a.Unrepost("p004"))
	require.NoError(t, a.Unlike("p002"))
	require.NoError(t, a.Unbookmark("p002"))
	a.Wait()

	post, _ = s.Doc(store.CollectionPosts, "p004")
	assert.EqualValues(t, 0, post["reposts"])

	// a fresh session sees the persisted overlay
	b := newTestAggregator(s, Config{Overlays: interactions})
	defer b.Close()
	b.Reset(Query{})
	b.Wait()
	p, _ := b.At(2)
	assert.Equal(t, Overlay{}, p.Overlay)
	assert.Equal(t, int64(2), p.Likes)
}

func TestAggregatorUnlikeNeverGoesNegative(t *testing.T) {
	s := memstore.New()
	seedPosts(s, 1)

	overlays := &fakeOverlays{overlays: map[string]Overlay{"p000": {Liked: true}}}
	a := newTestAggregator(s, Config{Overlays: overlays, Writer: &fakeWriter{}})
	defer a.Close()

	a.Reset(Query{})
	a.Wait()

	require.NoError(t, a.Unlike("p000"))
	a.Wait()

	p, ok := a.At(0)
	require.True(t, ok)
	assert.False(t, p.Overlay.Liked)
	assert.Equal(t, int64(0), p.Likes)
}

func TestAggregatorCloseStopsWork(t *testing.T) {
	s := memstore.New()
	seedPosts(s, 5)
	a := newTestAggregator(s, Config{})

	a.Reset(Query{})
	a.Close()
	gen := a.Snapshot().Generation

	assert.False(t, a.FetchInitial())
	assert.False(t, a.LoadMoreIfNeeded(0))
	a.Reset(Query{})
	assert.Equal(t, gen, a.Snapshot().Generation)
	assert.True(t, errors.Is(a.Like("p000"), ErrUnknownPost))
}

func TestParseVariant(t *testing.T) {
	v, err := ParseVariant("")
	require.NoError(t, err)
	assert.Equal(t, VariantDiscover, v)

	v, err = ParseVariant("following")
	require.NoError(t, err)
	assert.Equal(t, VariantFollowing, v)

	_, err = ParseVariant("trending")
	assert.Error(t, err)
}
