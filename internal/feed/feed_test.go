package feed

import (
	"fmt"
	"time"

	"github.com/steemit/reelfeed/internal/store"
	"github.com/steemit/reelfeed/internal/store/memstore"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// testPost returns post i of a feed where p000 is the newest.
func testPost(i int) Post {
	return Post{
		ID:        fmt.Sprintf("p%03d", i),
		Timestamp: baseTime.Add(-time.Duration(i) * time.Minute),
		Location:  Location{Geohash4: "9q8y", Geohash5: "9q8yy", Geohash6: "9q8yyk"},
		MediaKind: MediaPhoto,
		MediaItems: []MediaItem{
			{ID: "m0", Kind: MediaPhoto, SourceURI: fmt.Sprintf("https://cdn.test/p%03d/m0.jpg", i)},
		},
		OwnerID: "owner",
		Likes:   int64(i),
	}
}

func seedPosts(s *memstore.Store, n int) {
	for i := 0; i < n; i++ {
		p := testPost(i)
		s.Put(store.CollectionPosts, p.ID, EncodePost(p))
	}
}

func ids(posts []Post) []string {
	out := make([]string, len(posts))
	for i, p := range posts {
		out[i] = p.ID
	}
	return out
}

func rangeIDs(from, to int) []string {
	out := make([]string, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, fmt.Sprintf("p%03d", i))
	}
	return out
}
