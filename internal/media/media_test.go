package media

import (
	"context"
	"fmt"
	"sync"
)

type fakeHandle struct {
	uri string
}

// fakeEngine records engine calls. Prepares of a gated uri block until the
// gate is closed; failing uris return their error.
type fakeEngine struct {
	mu       sync.Mutex
	gates    map[string]chan struct{}
	fail     map[string]error
	prepared map[string]int
	disposed map[string]int
	playing  map[string]bool
	muted    map[string]bool
	maxPlay  int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		gates:    make(map[string]chan struct{}),
		fail:     make(map[string]error),
		prepared: make(map[string]int),
		disposed: make(map[string]int),
		playing:  make(map[string]bool),
		muted:    make(map[string]bool),
	}
}

func (f *fakeEngine) gate(uri string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.gates[uri] = ch
	return ch
}

func (f *fakeEngine) setFail(uri string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, uri)
		return
	}
	f.fail[uri] = err
}

func (f *fakeEngine) Prepare(ctx context.Context, uri string, kind Kind) (Handle, error) {
	f.mu.Lock()
	gate := f.gates[uri]
	err := f.fail[uri]
	f.prepared[uri]++
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &fakeHandle{uri: uri}, nil
}

func (f *fakeEngine) Dispose(h Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	uri := h.(*fakeHandle).uri
	f.disposed[uri]++
	delete(f.playing, uri)
}

func (f *fakeEngine) Play(h Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playing[h.(*fakeHandle).uri] = true
	n := 0
	for _, on := range f.playing {
		if on {
			n++
		}
	}
	if n > f.maxPlay {
		f.maxPlay = n
	}
}

func (f *fakeEngine) Pause(h Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playing[h.(*fakeHandle).uri] = false
}

func (f *fakeEngine) SetMuted(h Handle, muted bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.muted[h.(*fakeHandle).uri] = muted
}

func (f *fakeEngine) isPlaying(uri string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.playing[uri]
}

func (f *fakeEngine) isMuted(uri string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.muted[uri]
}

func (f *fakeEngine) counts(uri string) (prepared, disposed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prepared[uri], f.disposed[uri]
}

func (f *fakeEngine) maxConcurrentPlaying() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxPlay
}

func videoURI(i int) string {
	return fmt.Sprintf("https://cdn.test/p%d.mp4", i)
}

func videoItem(i int) Item {
	return Item{
		PostID:  fmt.Sprintf("p%d", i),
		Kind:    KindVideo,
		Sources: []Source{{ID: "v", Kind: KindVideo, URI: videoURI(i)}},
	}
}

func postIDs(idx ...int) []string {
	out := make([]string, len(idx))
	for i, n := range idx {
		out[i] = fmt.Sprintf("p%d", n)
	}
	return out
}

type itemList []Item

func (l itemList) Len() int { return len(l) }

func (l itemList) At(i int) (Item, bool) {
	if i < 0 || i >= len(l) {
		return Item{}, false
	}
	return l[i], true
}

func videoList(n int) itemList {
	out := make(itemList, n)
	for i := range out {
		out[i] = videoItem(i)
	}
	return out
}
