// Package session binds one viewer's feed aggregator, prefetch scheduler and
// media cache together and drives them from the scroll-settle stream.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/steemit/reelfeed/internal/feed"
	"github.com/steemit/reelfeed/internal/geo"
	"github.com/steemit/reelfeed/internal/media"
	"github.com/steemit/reelfeed/internal/store"
	"github.com/steemit/reelfeed/pkg/config"
	"github.com/steemit/reelfeed/pkg/logging"
)

const maxRecentErrors = 10

// Deps are the shared collaborators every session is built from.
type Deps struct {
	Store        store.Client
	Refs         feed.RefSource
	Overlays     feed.OverlayResolver
	Interactions feed.InteractionWriter
	Engine       media.Engine
}

// Options are per-session settings.
type Options struct {
	ViewerID string
	Location geo.LocationProvider
	Query    feed.Query
}

// View is the state a client renders.
type View struct {
	ID       string        `json:"id"`
	ViewerID string        `json:"viewer_id"`
	Feed     feed.Snapshot `json:"feed"`
	Dominant string        `json:"dominant,omitempty"`
	Playing  string        `json:"playing,omitempty"`
	Muted    bool          `json:"muted"`
	Window   []string      `json:"window"`
	Resident []string      `json:"resident"`
	Errors   []string      `json:"errors,omitempty"`
}

// Session is one open feed.
type Session struct {
	ID        string
	ViewerID  string
	Feed      *feed.Aggregator
	Cache     *media.Cache
	Scheduler *media.Scheduler
	Created   time.Time

	logger *zap.Logger
	scroll chan string
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	errs   []string
	closed bool
}

// New builds a session and starts its scroll loop. The feed is not loaded
// until Reset is called.
func New(id string, deps Deps, opts Options, feedCfg config.FeedConfig, mediaCfg config.MediaConfig) *Session {
	s := &Session{
		ID:       id,
		ViewerID: opts.ViewerID,
		Created:  time.Now(),
		logger:   logging.WithSession(id),
		scroll:   make(chan string, 1),
		done:     make(chan struct{}),
	}

	fetcher := feed.NewFetcher(deps.Store, deps.Refs, feed.FetcherConfig{
		HydrateChunk:       feedCfg.HydrateChunk,
		HydrateConcurrency: feedCfg.HydrateConcurrency,
	})
	s.Feed = feed.NewAggregator(fetcher, feed.Config{
		ViewerID:           opts.ViewerID,
		PageSize:           feedCfg.PageSize,
		FetchThreshold:     feedCfg.FetchThreshold,
		OverlayConcurrency: feedCfg.OverlayConcurrency,
		Location:           opts.Location,
		Overlays:           deps.Overlays,
		Writer:             deps.Interactions,
		OnError:            s.recordError,
	})
	s.Cache = media.NewCache(deps.Engine, media.CacheConfig{
		Capacity:    mediaCfg.CacheCapacity,
		WarmTimeout: mediaCfg.WarmTimeout,
	})
	s.Scheduler = media.NewScheduler(feedItems{s.Feed}, s.Cache, media.SchedulerConfig{
		Lookahead:   mediaCfg.Lookahead,
		Concurrency: mediaCfg.WarmConcurrency,
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.run(ctx)

	return s
}

// Reset switches the session to q: the window and the cache are emptied and
// the feed reloads from the top.
func (s *Session) Reset(q feed.Query) {
	s.Scheduler.Reset()
	s.Cache.Reset()
	s.Feed.Reset(q)
}

// Settle handles one settled scroll position: it may request the next page,
// makes the post dominant and moves the prefetch window behind it.
func (s *Session) Settle(postID string) error {
	idx, ok := s.Feed.IndexOf(postID)
	if !ok {
		return fmt.Errorf("%w: %s", feed.ErrUnknownPost, postID)
	}

	s.Feed.LoadMoreIfNeeded(idx)

	post, _ := s.Feed.At(idx)
	if err := s.Cache.SetDominant(ItemOf(post)); err != nil {
		s.logger.Warn("Failed to prepare dominant media", zap.String("post_id", postID), zap.Error(err))
	}

	entered, left := s.Scheduler.Settle(idx)
	s.logger.Debug("Scroll settled",
		zap.String("post_id", postID),
		zap.Int("index", idx),
		zap.Strings("warming", entered),
		zap.Strings("released", left))
	return nil
}

// Scroll queues a settled position for the session loop. A position that
// has not been handled yet is replaced by the newer one.
func (s *Session) Scroll(postID string) {
	for {
		select {
		case s.scroll <- postID:
			return
		default:
		}
		select {
		case <-s.scroll:
		default:
		}
	}
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	s.Run(ctx, s.scroll)
}

// Run consumes a scroll-settle stream until ctx is done or the stream is
// closed. Positions that queue up while one is being handled collapse into
// the latest.
func (s *Session) Run(ctx context.Context, settled <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-settled:
			if !ok {
				return
			}
			id, ok = latest(settled, id)
			if err := s.Settle(id); err != nil {
				s.logger.Debug("Ignoring scroll to unknown post", zap.String("post_id", id))
			}
			if !ok {
				return
			}
		}
	}
}

// latest drains whatever is already queued on ch and returns the last id. The
// bool is false when ch was closed while draining.
func latest(ch <-chan string, id string) (string, bool) {
	for {
		select {
		case next, ok := <-ch:
			if !ok {
				return id, false
			}
			id = next
		default:
			return id, true
		}
	}
}

// View returns the current renderable state.
func (s *Session) View() View {
	v := View{
		ID:       s.ID,
		ViewerID: s.ViewerID,
		Feed:     s.Feed.Snapshot(),
		Dominant: s.Cache.Dominant(),
		Playing:  s.Cache.Playing(),
		Muted:    s.Cache.Muted(),
		Window:   s.Scheduler.Window(),
		Resident: s.Cache.Resident(),
	}
	s.mu.Lock()
	v.Errors = append([]string(nil), s.errs...)
	s.mu.Unlock()
	return v
}

// Toggle flips playback of the post, as a tap does.
func (s *Session) Toggle(postID string) (media.PlaybackState, error) {
	co, ok := s.Cache.Coordinator(postID)
	if !ok {
		return media.StateIdle, fmt.Errorf("%w: %s has no playable media", media.ErrNotReady, postID)
	}
	if err := co.Toggle(); err != nil {
		return co.State(), err
	}
	return co.State(), nil
}

// Wait blocks until the feed and media background work is idle.
func (s *Session) Wait() {
	s.Feed.Wait()
	s.Scheduler.Wait()
	s.Cache.Wait()
}

// Close stops the session loop and releases every resource.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	<-s.done
	s.Scheduler.Stop()
	s.Feed.Close()
	s.Cache.Close()
}

func (s *Session) recordError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err.Error())
	if len(s.errs) > maxRecentErrors {
		s.errs = s.errs[len(s.errs)-maxRecentErrors:]
	}
	if errors.Is(err, store.ErrWriteConflict) {
		s.logger.Info("Interaction rolled back", zap.Error(err))
	}
}

// ItemOf converts a post into its media cache item.
func ItemOf(p feed.Post) media.Item {
	item := media.Item{
		PostID:  p.ID,
		Kind:    media.Kind(p.MediaKind),
		Sources: make([]media.Source, 0, len(p.MediaItems)),
	}
	for _, m := range p.MediaItems {
		item.Sources = append(item.Sources, media.Source{ID: m.ID, Kind: media.Kind(m.Kind), URI: m.SourceURI})
	}
	return item
}

// feedItems exposes the aggregator's list to the scheduler.
type feedItems struct {
	agg *feed.Aggregator
}

func (f feedItems) Len() int {
	return f.agg.Len()
}

func (f feedItems) At(i int) (media.Item, bool) {
	p, ok := f.agg.At(i)
	if !ok {
		return media.Item{}, false
	}
	return ItemOf(p), true
}
