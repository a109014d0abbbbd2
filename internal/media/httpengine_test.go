package media

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type prefixResolver struct {
	base string
}

func (r prefixResolver) Resolve(_ context.Context, uri string) (string, error) {
	if strings.HasPrefix(uri, "s3://") {
		return r.base + "/" + strings.TrimPrefix(uri, "s3://"), nil
	}
	if uri == "broken" {
		return "", errors.New("cannot sign")
	}
	return uri, nil
}

func TestHTTPEnginePrepare(t *testing.T) {
	var ranges []string
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		ranges = append(ranges, r.Header.Get("Range"))
		switch r.URL.Path {
		case "/missing.mp4":
			http.NotFound(w, r)
		default:
			w.WriteHeader(http.StatusPartialContent)
			_, _ = w.Write([]byte(strings.Repeat("x", 64)))
		}
	}))
	defer srv.Close()

	eng := NewHTTPEngine(srv.Client(), prefixResolver{base: srv.URL}, 16)
	ctx := context.Background()

	h, err := eng.Prepare(ctx, "s3://clips/a.mp4", KindVideo)
	require.NoError(t, err)
	hh := h.(*HTTPHandle)
	assert.Equal(t, srv.URL+"/clips/a.mp4", hh.URL)
	assert.Equal(t, int64(16), hh.Bytes)
	assert.Equal(t, KindVideo, hh.Kind)
	assert.Equal(t, []string{"bytes=0-15"}, ranges)

	eng.Play(h)
	assert.True(t, hh.Playing())
	eng.SetMuted(h, true)
	assert.True(t, hh.Muted())
	eng.Pause(h)
	assert.False(t, hh.Playing())
	eng.Dispose(h)
	assert.True(t, hh.Disposed())

	_, err = eng.Prepare(ctx, srv.URL+"/missing.mp4", KindVideo)
	assert.True(t, errors.Is(err, ErrDecodeFailed))

	_, err = eng.Prepare(ctx, "broken", KindVideo)
	assert.True(t, errors.Is(err, ErrDecodeFailed))
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestHTTPEngineWithCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("payload"))
	}))
	defer srv.Close()

	eng := NewHTTPEngine(srv.Client(), nil, 0)
	c := NewCache(eng, CacheConfig{Capacity: 2})
	defer c.Close()

	item := Item{PostID: "p1", Kind: KindVideo, Sources: []Source{{ID: "v", Kind: KindVideo, URI: srv.URL + "/v.mp4"}}}
	require.NoError(t, c.SetDominant(item))
	c.Wait()
	assert.Equal(t, StatePlaying, c.Playback("p1"))
}
