package fanout

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steemit/reelfeed/internal/cache"
	"github.com/steemit/reelfeed/internal/feed"
	"github.com/steemit/reelfeed/internal/models"
	"github.com/steemit/reelfeed/internal/store"
	"github.com/steemit/reelfeed/internal/store/memstore"
	"github.com/steemit/reelfeed/pkg/config"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	c := cache.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func putPost(s *memstore.Store, id, owner string, ts time.Time) {
	s.Put(store.CollectionPosts, id, feed.EncodePost(feed.Post{
		ID:        id,
		Timestamp: ts,
		MediaKind: feed.MediaTextOnly,
		OwnerID:   owner,
	}))
}

func follow(s *memstore.Store, follower, followee string) {
	s.Put(store.CollectionFollows, models.FollowID(follower, followee), map[string]interface{}{
		"follower_id": follower,
		"followee_id": followee,
		"timestamp":   t0,
	})
}

func refIDs(refs []feed.SimplifiedPostRef) []string {
	out := make([]string, len(refs))
	for i, r := range refs {
		out[i] = r.ID
	}
	return out
}

func TestMemberOrdering(t *testing.T) {
	older := member(t0, "zzz")
	newer := member(t0.Add(time.Millisecond), "aaa")
	assert.Less(t, older, newer)
	assert.Less(t, member(t0, "a"), member(t0, "b"))

	ref, err := parseMember(member(t0, "post:with:colons"))
	require.NoError(t, err)
	assert.Equal(t, "post:with:colons", ref.ID)
	assert.True(t, ref.Timestamp.Equal(t0))

	_, err = parseMember("garbage")
	assert.Error(t, err)
	_, err = parseMember("abc:id")
	assert.Error(t, err)
}

func TestIndexPaging(t *testing.T) {
	idx := NewIndex(newTestCache(t), 100)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		ref := feed.SimplifiedPostRef{ID: fmt.Sprintf("p%02d", i), Timestamp: t0.Add(-time.Duration(i) * time.Minute)}
		require.NoError(t, idx.Push(ctx, "alice", ref))
	}
	// same timestamp as p00, ordered by id descending
	require.NoError(t, idx.Push(ctx, "alice", feed.SimplifiedPostRef{ID: "p00b", Timestamp: t0}))

	first, err := idx.Refs(ctx, "alice", nil, 15)
	require.NoError(t, err)
	require.Len(t, first, 15)
	assert.Equal(t, "p00b", first[0].ID)
	assert.Equal(t, "p00", first[1].ID)

	last := first[len(first)-1]
	second, err := idx.Refs(ctx, "alice", store.Token{last.Timestamp, last.ID}, 15)
	require.NoError(t, err)
	assert.Equal(t, []string{"p14", "p15", "p16", "p17", "p18", "p19"}, refIDs(second))

	empty, err := idx.Refs(ctx, "bob", nil, 15)
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = idx.Refs(ctx, "alice", store.Token{"not a time", "x"}, 15)
	assert.True(t, errors.Is(err, store.ErrQueryRejected))
}

func TestIndexTrimAndRemove(t *testing.T) {
	idx := NewIndex(newTestCache(t), 3)
	ctx := context.Background()

	var refs []feed.SimplifiedPostRef
	for i := 0; i < 5; i++ {
		ref := feed.SimplifiedPostRef{ID: fmt.Sprintf("p%d", i), Timestamp: t0.Add(time.Duration(i) * time.Second)}
		refs = append(refs, ref)
		require.NoError(t, idx.Push(ctx, "alice", ref))
	}

	got, err := idx.Refs(ctx, "alice", nil, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"p4", "p3", "p2"}, refIDs(got))

	require.NoError(t, idx.Remove(ctx, "alice", refs[3]))
	got, err = idx.Refs(ctx, "alice", nil, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"p4", "p2"}, refIDs(got))
}

func TestIndexUnavailable(t *testing.T) {
	idx := NewIndex(nil, 10)
	_, err := idx.Refs(context.Background(), "alice", nil, 10)
	assert.True(t, errors.Is(err, store.ErrStoreUnavailable))
	err = idx.Push(context.Background(), "alice", feed.SimplifiedPostRef{ID: "p"})
	assert.True(t, errors.Is(err, store.ErrStoreUnavailable))
}

func TestIndexerStep(t *testing.T) {
	s := memstore.New()
	c := newTestCache(t)
	idx := NewIndex(c, 100)
	refs := feed.NewStoreRefs(s)
	ctx := context.Background()

	putPost(s, "a1", "alice", t0)
	putPost(s, "b1", "bob", t0.Add(time.Minute))
	putPost(s, "a2", "alice", t0.Add(2*time.Minute))
	follow(s, "carol", "alice")
	follow(s, "dave", "alice")
	follow(s, "carol", "bob")

	ix := NewIndexer(s, c, config.FanoutConfig{BatchSize: 10}, idx, refs)
	n, err := ix.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	tests := []struct {
		viewer string
		want   []string
	}{
		{"carol", []string{"a2", "b1", "a1"}},
		{"dave", []string{"a2", "a1"}},
		{"alice", []string{"a2", "a1"}},
		{"bob", []string{"b1"}},
	}
	for _, tt := range tests {
		got, err := idx.Refs(ctx, tt.viewer, nil, 10)
		require.NoError(t, err)
		assert.Equal(t, tt.want, refIDs(got), "redis index of %s", tt.viewer)

		got, err = refs.Refs(ctx, tt.viewer, nil, 10)
		require.NoError(t, err)
		assert.Equal(t, tt.want, refIDs(got), "store refs of %s", tt.viewer)
	}

	n, err = ix.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	putPost(s, "b2", "bob", t0.Add(3*time.Minute))

	// a fresh indexer resumes from the persisted watermark
	resumed := NewIndexer(s, c, config.FanoutConfig{BatchSize: 10}, idx)
	n, err = resumed.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := idx.Refs(ctx, "carol", nil, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"b2", "a2", "b1", "a1"}, refIDs(got))
}

func TestIndexerBatches(t *testing.T) {
	s := memstore.New()
	idx := NewIndex(newTestCache(t), 100)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		putPost(s, fmt.Sprintf("p%d", i), "alice", t0.Add(time.Duration(i)*time.Second))
	}

	ix := NewIndexer(s, nil, config.FanoutConfig{BatchSize: 2}, idx)
	counts := []int{}
	for {
		n, err := ix.Step(ctx)
		require.NoError(t, err)
		counts = append(counts, n)
		if n < 2 {
			break
		}
	}
	assert.Equal(t, []int{2, 2, 1}, counts)

	got, err := idx.Refs(ctx, "alice", nil, 10)
	require.NoError(t, err)
	assert.Len(t, got, 5)
}

func TestIndexerStopsOnWriteFailure(t *testing.T) {
	s := memstore.New()
	putPost(s, "a1", "alice", t0)
	putPost(s, "a2", "alice", t0.Add(time.Second))

	idx := NewIndex(nil, 10)
	ix := NewIndexer(s, nil, config.FanoutConfig{BatchSize: 10}, idx)
	n, err := ix.Step(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 0, n)
	assert.Nil(t, ix.mark, "watermark does not move past a failed post")
}

func TestIndexerRunStopsOnCancel(t *testing.T) {
	s := memstore.New()
	putPost(s, "a1", "alice", t0)
	idx := NewIndex(newTestCache(t), 10)

	ix := NewIndexer(s, nil, config.FanoutConfig{BatchSize: 10, PollInterval: 10 * time.Millisecond}, idx)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- ix.Run(ctx) }()

	require.Eventually(t, func() bool {
		got, err := idx.Refs(context.Background(), "alice", nil, 10)
		return err == nil && len(got) == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestFollowingFeedOverIndex(t *testing.T) {
	s := memstore.New()
	c := newTestCache(t)
	idx := NewIndex(c, 100)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		putPost(s, fmt.Sprintf("p%02d", i), "alice", t0.Add(time.Duration(i)*time.Minute))
	}
	follow(s, "carol", "alice")
	_, err := NewIndexer(s, nil, config.FanoutConfig{BatchSize: 50}, idx).Step(ctx)
	require.NoError(t, err)

	a := feed.NewAggregator(feed.NewFetcher(s, idx, feed.FetcherConfig{}), feed.Config{
		ViewerID:       "carol",
		PageSize:       15,
		FetchThreshold: 5,
	})
	defer a.Close()

	a.Reset(feed.Query{Variant: feed.VariantFollowing})
	a.Wait()
	snap := a.Snapshot()
	require.Len(t, snap.Posts, 15)
	assert.Equal(t, "p19", snap.Posts[0].ID)

	require.True(t, a.LoadMoreIfNeeded(14))
	a.Wait()
	snap = a.Snapshot()
	assert.Len(t, snap.Posts, 20)
	assert.True(t, snap.Exhausted)
	assert.True(t, feed.IsSorted(snap.Posts))
}
