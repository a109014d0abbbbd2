package fanout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/steemit/reelfeed/internal/cache"
	"github.com/steemit/reelfeed/internal/feed"
	"github.com/steemit/reelfeed/internal/store"
	"github.com/steemit/reelfeed/pkg/config"
	"github.com/steemit/reelfeed/pkg/logging"
	"github.com/steemit/reelfeed/pkg/telemetry"
)

const (
	watermarkKey   = "fanout:watermark"
	followersBatch = 500
)

// RefWriter receives refs for a viewer's following feed. Both Index and
// feed.StoreRefs implement it.
type RefWriter interface {
	Push(ctx context.Context, viewerID string, ref feed.SimplifiedPostRef) error
}

// watermark is the sort key of the last post fanned out.
type watermark struct {
	Timestamp time.Time `json:"timestamp"`
	ID        string    `json:"id"`
}

// Indexer tails the posts collection in ascending order and pushes each new
// post to its owner's followers and to the owner.
type Indexer struct {
	client  store.Client
	marks   *cache.Cache
	writers []RefWriter
	cfg     config.FanoutConfig
	logger  *zap.Logger

	mark   *watermark
	pushed otelmetric.Int64Counter
}

// NewIndexer creates an indexer. When marks is nil the watermark is only
// kept in memory and a restart replays every post.
func NewIndexer(client store.Client, marks *cache.Cache, cfg config.FanoutConfig, writers ...RefWriter) *Indexer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}

	pushed, err := telemetry.Meter("fanout").Int64Counter("fanout.refs_pushed",
		otelmetric.WithDescription("Refs written to following feeds"))
	if err != nil {
		logging.GetLogger().Warn("Failed to create fanout counter", zap.Error(err))
	}

	return &Indexer{
		client:  client,
		marks:   marks,
		writers: writers,
		cfg:     cfg,
		logger:  logging.WithComponent("fanout-indexer"),
		pushed:  pushed,
	}
}

// Run polls for new posts until ctx is cancelled
func (i *Indexer) Run(ctx context.Context) error {
	i.logger.Info("Starting fan-out indexer",
		zap.Duration("poll_interval", i.cfg.PollInterval),
		zap.Int("batch_size", i.cfg.BatchSize),
		zap.Int("writers", len(i.writers)))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := i.Step(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			i.logger.Error("Fan-out step failed", zap.Error(err))
			i.wait(ctx)
			continue
		}

		if n < i.cfg.BatchSize {
			i.logger.Debug("Fan-out caught up", zap.Int("posts", n))
			i.wait(ctx)
		}
	}
}

// Step fans out one batch of posts after the watermark and returns how many
// posts it processed. The watermark advances after each post.
func (i *Indexer) Step(ctx context.Context) (int, error) {
	ctx, span := telemetry.StartSpan(ctx, "fanout.step")
	defer span.End()

	mark, err := i.loadWatermark(ctx)
	if err != nil {
		return 0, err
	}

	q := store.Query{
		Collection: store.CollectionPosts,
		Filters:    []store.Filter{store.Eq("owner_private", false)},
		OrderBy: []store.OrderBy{
			{Field: feed.FieldTimestamp},
			{Field: store.FieldID},
		},
		Limit: i.cfg.BatchSize,
	}
	if mark != nil {
		q.After = store.Token{mark.Timestamp, mark.ID}
	}

	page, err := i.client.Query(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("query new posts: %w", err)
	}

	for n, doc := range page.Documents {
		post, err := feed.DecodePost(doc)
		if err != nil {
			i.logger.Warn("Skipping undecodable post", zap.String("post_id", doc.ID), zap.Error(err))
			continue
		}

		if err := i.fanOut(ctx, post); err != nil {
			return n, err
		}
		if err := i.saveWatermark(ctx, watermark{Timestamp: post.Timestamp, ID: post.ID}); err != nil {
			return n, err
		}
	}
	return len(page.Documents), nil
}

func (i *Indexer) fanOut(ctx context.Context, post feed.Post) error {
	followers, err := i.followers(ctx, post.OwnerID)
	if err != nil {
		return err
	}

	ref := feed.SimplifiedPostRef{ID: post.ID, Timestamp: post.Timestamp}
	viewers := append(followers, post.OwnerID)
	for _, viewer := range viewers {
		for _, w := range i.writers {
			if err := w.Push(ctx, viewer, ref); err != nil {
				return fmt.Errorf("push %s to %s: %w", post.ID, viewer, err)
			}
		}
	}

	if i.pushed != nil {
		i.pushed.Add(ctx, int64(len(viewers)*len(i.writers)),
			otelmetric.WithAttributes(attribute.String("owner", post.OwnerID)))
	}
	i.logger.Debug("Fanned out post",
		zap.String("post_id", post.ID),
		zap.String("owner_id", post.OwnerID),
		zap.Int("followers", len(followers)))
	return nil
}

func (i *Indexer) followers(ctx context.Context, ownerID string) ([]string, error) {
	var out []string
	var after store.Token
	for {
		page, err := i.client.Query(ctx, store.Query{
			Collection: store.CollectionFollows,
			Filters:    []store.Filter{store.Eq("followee_id", ownerID)},
			OrderBy:    []store.OrderBy{{Field: store.FieldID}},
			Limit:      followersBatch,
			After:      after,
		})
		if err != nil {
			return nil, fmt.Errorf("query followers of %s: %w", ownerID, err)
		}

		for _, doc := range page.Documents {
			follower, _ := doc.Data["follower_id"].(string)
			if follower != "" && follower != ownerID {
				out = append(out, follower)
			}
		}
		if len(page.Documents) < followersBatch {
			return out, nil
		}
		after = store.Token{page.Documents[len(page.Documents)-1].ID}
	}
}

func (i *Indexer) loadWatermark(ctx context.Context) (*watermark, error) {
	if i.mark != nil || i.marks == nil {
		return i.mark, nil
	}

	var mark watermark
	err := i.marks.GetJSON(ctx, watermarkKey, &mark)
	switch {
	case errors.Is(err, cache.ErrCacheMiss):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("load watermark: %w", err)
	}
	i.mark = &mark
	return i.mark, nil
}

func (i *Indexer) saveWatermark(ctx context.Context, mark watermark) error {
	if i.marks != nil {
		if err := i.marks.SetJSON(ctx, watermarkKey, mark, 0); err != nil {
			return fmt.Errorf("save watermark: %w", err)
		}
	}
	i.mark = &mark
	return nil
}

// wait waits for the poll interval or until context is cancelled
func (i *Indexer) wait(ctx context.Context) {
	timer := time.NewTimer(i.cfg.PollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
