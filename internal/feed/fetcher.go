package feed

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/steemit/reelfeed/internal/geo"
	"github.com/steemit/reelfeed/internal/models"
	"github.com/steemit/reelfeed/internal/store"
	"github.com/steemit/reelfeed/pkg/logging"
	"github.com/steemit/reelfeed/pkg/telemetry"
)

// FieldTimestamp is the post ordering field.
const FieldTimestamp = "timestamp"

var feedOrder = []store.OrderBy{
	{Field: FieldTimestamp, Desc: true},
	{Field: store.FieldID, Desc: true},
}

// Filter is a resolved canonical-feed filter.
type Filter struct {
	Predicate geo.Predicate
	Extra     []store.Filter
}

// RefSource pages a viewer's fan-out index, newest first.
type RefSource interface {
	Refs(ctx context.Context, viewerID string, after store.Token, limit int) ([]SimplifiedPostRef, error)
}

// FetcherConfig tunes page fetching and hydration.
type FetcherConfig struct {
	HydrateChunk       int
	HydrateConcurrency int
}

// Fetcher issues page requests against the document store.
type Fetcher struct {
	client      store.Client
	refs        RefSource
	chunk       int
	concurrency int
	logger      *zap.Logger
}

// NewFetcher creates a fetcher. refs may be nil when the following feed is unused.
func NewFetcher(client store.Client, refs RefSource, cfg FetcherConfig) *Fetcher {
	chunk := cfg.HydrateChunk
	if chunk <= 0 || chunk > store.MaxInValues {
		chunk = store.MaxInValues
	}
	concurrency := cfg.HydrateConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Fetcher{
		client:      client,
		refs:        refs,
		chunk:       chunk,
		concurrency: concurrency,
		logger:      logging.WithComponent("feed-fetcher"),
	}
}

// FetchPage reads one canonical page after cursor.
func (f *Fetcher) FetchPage(ctx context.Context, filter Filter, cursor Cursor, pageSize int) (*Page, error) {
	ctx, span := telemetry.StartSpan(ctx, "feed.fetch_page")
	defer span.End()

	if err := cursor.check(ChainCanonical); err != nil {
		return nil, err
	}

	filters := make([]store.Filter, 0, len(filter.Extra)+2)
	if !filter.Predicate.Unbounded {
		if len(filter.Predicate.Cells) == 0 {
			return nil, fmt.Errorf("%w: empty location cell set", store.ErrQueryRejected)
		}
		filters = append(filters, store.In(filter.Predicate.Field, filter.Predicate.Cells))
	}
	filters = append(filters, store.Eq("owner_private", false))
	filters = append(filters, filter.Extra...)

	page, err := f.client.Query(ctx, store.Query{
		Collection: store.CollectionPosts,
		Filters:    filters,
		OrderBy:    feedOrder,
		Limit:      pageSize,
		After:      cursor.Token(),
	})
	if err != nil {
		return nil, normalize(err)
	}

	items := make([]Post, 0, len(page.Documents))
	for _, doc := range page.Documents {
		p, err := DecodePost(doc)
		if err != nil {
			f.logger.Warn("Skipping undecodable post", zap.String("post_id", doc.ID), zap.Error(err))
			continue
		}
		items = append(items, p)
	}

	out := &Page{Items: items}
	if !IsExhausted(len(page.Documents), pageSize) {
		next, ok := cursor.AdvanceDocs(page.Documents)
		if !ok {
			// without a resume key the same page would be read forever
			f.logger.Warn("Ending canonical chain at a page with no readable timestamps",
				zap.Int("documents", len(page.Documents)))
			return out, nil
		}
		out.Next = &next
	}
	return out, nil
}

// FetchSimplifiedPage reads one page of the viewer's fan-out index.
func (f *Fetcher) FetchSimplifiedPage(ctx context.Context, viewerID string, cursor Cursor, pageSize int) ([]SimplifiedPostRef, *Cursor, error) {
	ctx, span := telemetry.StartSpan(ctx, "feed.fetch_refs")
	defer span.End()

	if err := cursor.check(ChainFanout); err != nil {
		return nil, nil, err
	}
	if f.refs == nil {
		return nil, nil, fmt.Errorf("%w: no fan-out index configured", store.ErrStoreUnavailable)
	}

	refs, err := f.refs.Refs(ctx, viewerID, cursor.Token(), pageSize)
	if err != nil {
		return nil, nil, normalize(err)
	}

	if IsExhausted(len(refs), pageSize) {
		return refs, nil, nil
	}
	next := cursor.AdvanceRefs(refs)
	return refs, &next, nil
}

// Hydrate resolves refs into posts. Ids are loaded in chunks of at most
// HydrateChunk, chunks run concurrently, and the merged result is re-sorted
// into feed order. Refs that no longer resolve are dropped.
func (f *Fetcher) Hydrate(ctx context.Context, refs []SimplifiedPostRef) ([]Post, error) {
	ctx, span := telemetry.StartSpan(ctx, "feed.hydrate")
	defer span.End()

	if len(refs) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(refs))
	seen := make(map[string]bool, len(refs))
	for _, r := range refs {
		if !seen[r.ID] {
			seen[r.ID] = true
			ids = append(ids, r.ID)
		}
	}

	chunks := chunkIDs(ids, f.chunk)
	results := make([][]store.Document, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)
	for i, chunk := range chunks {
		g.Go(func() error {
			docs, err := f.client.GetByIDs(gctx, store.CollectionPosts, chunk)
			if err != nil {
				return err
			}
			results[i] = docs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, normalize(err)
	}

	posts := make([]Post, 0, len(ids))
	for _, docs := range results {
		for _, doc := range docs {
			p, err := DecodePost(doc)
			if err != nil {
				f.logger.Warn("Skipping undecodable post", zap.String("post_id", doc.ID), zap.Error(err))
				continue
			}
			posts = append(posts, p)
		}
	}

	if missing := len(ids) - len(posts); missing > 0 {
		f.logger.Debug("Hydration dropped unresolved refs",
			zap.Error(store.ErrHydrationPartial),
			zap.Int("requested", len(ids)),
			zap.Int("missing", missing))
	}

	SortPosts(posts)
	return posts, nil
}

func chunkIDs(ids []string, size int) [][]string {
	chunks := make([][]string, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}

// normalize folds timeouts into ErrStoreUnavailable so callers see one
// failure kind for them.
func normalize(err error) error {
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, store.ErrStoreUnavailable) {
		return fmt.Errorf("%w: %v", store.ErrStoreUnavailable, err)
	}
	return err
}

// StoreRefs is a RefSource over the store's feed_refs collection.
type StoreRefs struct {
	client store.Client
}

// NewStoreRefs creates a RefSource over client.
func NewStoreRefs(client store.Client) *StoreRefs {
	return &StoreRefs{client: client}
}

// Refs implements RefSource.
func (s *StoreRefs) Refs(ctx context.Context, viewerID string, after store.Token, limit int) ([]SimplifiedPostRef, error) {
	var token store.Token
	if len(after) == 2 {
		postID, _ := after[1].(string)
		token = store.Token{after[0], models.FeedRefID(viewerID, postID)}
	}

	page, err := s.client.Query(ctx, store.Query{
		Collection: store.CollectionFeedRefs,
		Filters:    []store.Filter{store.Eq("viewer_id", viewerID)},
		OrderBy:    feedOrder,
		Limit:      limit,
		After:      token,
	})
	if err != nil {
		return nil, err
	}

	refs := make([]SimplifiedPostRef, 0, len(page.Documents))
	for _, doc := range page.Documents {
		ref, err := decodeRef(doc)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// Push writes a ref into the viewer's feed_refs.
func (s *StoreRefs) Push(ctx context.Context, viewerID string, ref SimplifiedPostRef) error {
	return s.client.Write(ctx, store.CollectionFeedRefs, models.FeedRefID(viewerID, ref.ID), map[string]interface{}{
		"viewer_id": viewerID,
		"post_id":   ref.ID,
		"timestamp": ref.Timestamp,
	})
}
