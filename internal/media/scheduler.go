package media

import (
	"context"
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/steemit/reelfeed/pkg/logging"
)

// Warmer is the cache surface the scheduler drives.
type Warmer interface {
	Warm(ctx context.Context, item Item) error
	Release(postID string)
}

// SchedulerConfig tunes the prefetch window.
type SchedulerConfig struct {
	Lookahead   int
	Concurrency int
}

type warmJob struct {
	cancel context.CancelFunc
}

// Scheduler keeps the posts just below the current position warm. It only
// deals in post ids and never touches engine handles.
type Scheduler struct {
	items     ItemSource
	warmer    Warmer
	lookahead int
	sem       *semaphore.Weighted
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	window map[string]Item
	jobs   map[string]*warmJob
}

// NewScheduler creates a scheduler over items that warms through warmer.
func NewScheduler(items ItemSource, warmer Warmer, cfg SchedulerConfig) *Scheduler {
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = 5
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		items:     items,
		warmer:    warmer,
		lookahead: cfg.Lookahead,
		sem:       semaphore.NewWeighted(int64(cfg.Concurrency)),
		logger:    logging.WithComponent("media-scheduler"),
		ctx:       ctx,
		cancel:    cancel,
		window:    make(map[string]Item),
		jobs:      make(map[string]*warmJob),
	}
}

// Settle moves the window to [currentIndex+1, currentIndex+1+lookahead),
// clipped to the list. Posts entering the window are warmed and posts
// leaving it are released, cancelling their warm job if still running.
func (s *Scheduler) Settle(currentIndex int) (entered, left []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return nil, nil
	}

	next := make(map[string]Item, s.lookahead)
	n := s.items.Len()
	for i := currentIndex + 1; i < currentIndex+1+s.lookahead && i < n; i++ {
		if i < 0 {
			continue
		}
		item, ok := s.items.At(i)
		if !ok || item.PostID == "" {
			continue
		}
		next[item.PostID] = item
	}

	for id := range s.window {
		if _, ok := next[id]; ok {
			continue
		}
		left = append(left, id)
		s.stopLocked(id)
		s.warmer.Release(id)
	}

	for id, item := range next {
		if _, ok := s.window[id]; ok {
			continue
		}
		entered = append(entered, id)
		s.startLocked(item)
	}

	s.window = next
	sort.Strings(entered)
	sort.Strings(left)
	return entered, left
}

// Window returns the sorted ids inside the current window.
func (s *Scheduler) Window() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.window))
	for id := range s.window {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// InFlight returns how many warm jobs are running or queued.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Reset empties the window, cancelling and releasing everything in it.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range s.window {
		s.stopLocked(id)
		s.warmer.Release(id)
	}
	s.window = make(map[string]Item)
}

// Wait blocks until all warm jobs have finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Stop resets the window and waits for the jobs to exit.
func (s *Scheduler) Stop() {
	s.Reset()
	s.cancel()
	s.wg.Wait()
}

// startLocked starts a warm job unless one is already running for the post.
func (s *Scheduler) startLocked(item Item) {
	if _, running := s.jobs[item.PostID]; running {
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	job := &warmJob{cancel: cancel}
	s.jobs[item.PostID] = job

	s.wg.Add(1)
	go s.run(ctx, job, item)
}

func (s *Scheduler) stopLocked(postID string) {
	if job, ok := s.jobs[postID]; ok {
		job.cancel()
		delete(s.jobs, postID)
	}
}

func (s *Scheduler) run(ctx context.Context, job *warmJob, item Item) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		if s.jobs[item.PostID] == job {
			delete(s.jobs, item.PostID)
		}
		s.mu.Unlock()
		job.cancel()
	}()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer s.sem.Release(1)

	if err := s.warmer.Warm(ctx, item); err != nil {
		if errors.Is(err, context.Canceled) {
			s.logger.Debug("Warm cancelled", zap.String("post_id", item.PostID))
			return
		}
		s.logger.Debug("Warm failed", zap.String("post_id", item.PostID), zap.Error(err))
	}
}
