package media

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/steemit/reelfeed/pkg/logging"
)

// URIResolver turns a stored media URI into a fetchable URL.
type URIResolver interface {
	Resolve(ctx context.Context, uri string) (string, error)
}

// HTTPEngine is the server-side engine: preparing a media item fetches its
// first bytes so the CDN edge holds it before the client asks. Playback
// commands are recorded on the handle.
type HTTPEngine struct {
	client    *http.Client
	resolver  URIResolver
	warmBytes int64
	flight    singleflight.Group
	logger    *zap.Logger
}

// HTTPHandle is the handle HTTPEngine returns.
type HTTPHandle struct {
	URL      string
	Kind     Kind
	Bytes    int64
	Prepared time.Time

	mu       sync.Mutex
	playing  bool
	muted    bool
	disposed bool
}

// Playing reports whether Play was the last playback command.
func (h *HTTPHandle) Playing() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.playing
}

// Muted reports the last mute command.
func (h *HTTPHandle) Muted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.muted
}

// Disposed reports whether the handle was disposed.
func (h *HTTPHandle) Disposed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.disposed
}

// NewHTTPEngine creates an engine. resolver may be nil when all media URIs
// are plain http(s) URLs.
func NewHTTPEngine(client *http.Client, resolver URIResolver, warmBytes int64) *HTTPEngine {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if warmBytes <= 0 {
		warmBytes = 512 * 1024
	}
	return &HTTPEngine{
		client:    client,
		resolver:  resolver,
		warmBytes: warmBytes,
		logger:    logging.WithComponent("media-engine"),
	}
}

type warmResult struct {
	url   string
	bytes int64
}

// Prepare implements Engine. Concurrent prepares of the same URI share one
// fetch.
func (e *HTTPEngine) Prepare(ctx context.Context, uri string, kind Kind) (Handle, error) {
	v, err, shared := e.flight.Do(uri, func() (interface{}, error) {
		return e.fetch(ctx, uri)
	})
	if err != nil {
		return nil, err
	}
	res := v.(warmResult)
	if shared {
		e.logger.Debug("Joined in-flight warm", zap.String("uri", uri))
	}
	return &HTTPHandle{URL: res.url, Kind: kind, Bytes: res.bytes, Prepared: time.Now()}, nil
}

func (e *HTTPEngine) fetch(ctx context.Context, uri string) (warmResult, error) {
	url := uri
	if e.resolver != nil {
		resolved, err := e.resolver.Resolve(ctx, uri)
		if err != nil {
			return warmResult{}, fmt.Errorf("%w: resolve %s: %v", ErrDecodeFailed, uri, err)
		}
		url = resolved
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return warmResult{}, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", e.warmBytes-1))

	resp, err := e.client.Do(req)
	if err != nil {
		return warmResult{}, fmt.Errorf("warm %s: %w", uri, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return warmResult{}, fmt.Errorf("%w: %s returned %d", ErrDecodeFailed, uri, resp.StatusCode)
	}

	n, err := io.Copy(io.Discard, io.LimitReader(resp.Body, e.warmBytes))
	if err != nil {
		return warmResult{}, fmt.Errorf("warm %s: %w", uri, err)
	}
	return warmResult{url: url, bytes: n}, nil
}

// Dispose implements Engine.
func (e *HTTPEngine) Dispose(h Handle) {
	if hh, ok := h.(*HTTPHandle); ok {
		hh.mu.Lock()
		hh.disposed = true
		hh.playing = false
		hh.mu.Unlock()
	}
}

// Play implements Engine.
func (e *HTTPEngine) Play(h Handle) {
	e.setPlaying(h, true)
}

// Pause implements Engine.
func (e *HTTPEngine) Pause(h Handle) {
	e.setPlaying(h, false)
}

func (e *HTTPEngine) setPlaying(h Handle, playing bool) {
	if hh, ok := h.(*HTTPHandle); ok {
		hh.mu.Lock()
		hh.playing = playing
		hh.mu.Unlock()
	}
}

// SetMuted implements Engine.
func (e *HTTPEngine) SetMuted(h Handle, muted bool) {
	if hh, ok := h.(*HTTPHandle); ok {
		hh.mu.Lock()
		hh.muted = muted
		hh.mu.Unlock()
	}
}
