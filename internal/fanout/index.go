// Package fanout maintains each viewer's following feed: a Redis index of
// post references, filled by an indexer that tails the posts collection.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/steemit/reelfeed/internal/cache"
	"github.com/steemit/reelfeed/internal/feed"
	"github.com/steemit/reelfeed/internal/store"
)

// Index stores refs in one lexically ordered sorted set per viewer. Members
// are "<zero-padded unix millis>:<post id>", so descending lex order is feed
// order.
type Index struct {
	cache   *cache.Cache
	maxRefs int
}

// NewIndex creates an index that keeps at most maxRefs refs per viewer.
func NewIndex(c *cache.Cache, maxRefs int) *Index {
	if maxRefs <= 0 {
		maxRefs = 1000
	}
	return &Index{cache: c, maxRefs: maxRefs}
}

func refsKey(viewerID string) string {
	return "refs:" + viewerID
}

func member(ts time.Time, postID string) string {
	ms := ts.UnixMilli()
	if ms < 0 {
		ms = 0
	}
	return fmt.Sprintf("%020d:%s", ms, postID)
}

func parseMember(m string) (feed.SimplifiedPostRef, error) {
	msPart, id, ok := strings.Cut(m, ":")
	if !ok || id == "" {
		return feed.SimplifiedPostRef{}, fmt.Errorf("malformed ref %q", m)
	}
	ms, err := strconv.ParseInt(msPart, 10, 64)
	if err != nil {
		return feed.SimplifiedPostRef{}, fmt.Errorf("malformed ref %q: %w", m, err)
	}
	return feed.SimplifiedPostRef{ID: id, Timestamp: time.UnixMilli(ms).UTC()}, nil
}

// Refs implements feed.RefSource.
func (x *Index) Refs(ctx context.Context, viewerID string, after store.Token, limit int) ([]feed.SimplifiedPostRef, error) {
	before := ""
	if len(after) == 2 {
		ts, okTS := after[0].(time.Time)
		id, okID := after[1].(string)
		if !okTS || !okID {
			return nil, fmt.Errorf("%w: malformed fan-out token", store.ErrQueryRejected)
		}
		before = member(ts, id)
	}

	members, err := x.cache.LexRangeDesc(ctx, refsKey(viewerID), before, limit)
	if err != nil {
		return nil, unavailable(err)
	}

	refs := make([]feed.SimplifiedPostRef, 0, len(members))
	for _, m := range members {
		ref, err := parseMember(m)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// Push adds a ref to the viewer's index and trims the oldest refs beyond the cap.
func (x *Index) Push(ctx context.Context, viewerID string, ref feed.SimplifiedPostRef) error {
	key := refsKey(viewerID)
	if err := x.cache.LexAdd(ctx, key, member(ref.Timestamp, ref.ID)); err != nil {
		return unavailable(err)
	}
	if err := x.cache.LexTrim(ctx, key, x.maxRefs); err != nil {
		return unavailable(err)
	}
	return nil
}

// Remove drops a ref from the viewer's index.
func (x *Index) Remove(ctx context.Context, viewerID string, ref feed.SimplifiedPostRef) error {
	if err := x.cache.LexRemove(ctx, refsKey(viewerID), member(ref.Timestamp, ref.ID)); err != nil {
		return unavailable(err)
	}
	return nil
}

func unavailable(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", store.ErrStoreUnavailable, err)
}
