// Package feed implements feed pagination: cursors, page fetching and
// hydration against the document store, and the per-session aggregator that
// owns the ordered post list.
package feed

import (
	"fmt"
	"sort"
	"time"
)

// MediaKind classifies a post's attachments.
type MediaKind string

const (
	MediaPhoto    MediaKind = "photo"
	MediaVideo    MediaKind = "video"
	MediaMixed    MediaKind = "mixed"
	MediaTextOnly MediaKind = "textOnly"
)

// MediaItem is one attachment of a post.
type MediaItem struct {
	ID        string    `json:"id" doc:"id"`
	Kind      MediaKind `json:"kind" doc:"kind"`
	SourceURI string    `json:"source_uri" doc:"source_uri"`
}

// Location holds the post's geohash at each stored precision.
type Location struct {
	Geohash4 string `json:"geohash4" doc:"geohash4"`
	Geohash5 string `json:"geohash5" doc:"geohash5"`
	Geohash6 string `json:"geohash6" doc:"geohash6"`
}

// Overlay is the requesting viewer's relation to a post. It is joined at read
// time and never stored with the canonical record.
type Overlay struct {
	Liked      bool `json:"liked"`
	Bookmarked bool `json:"bookmarked"`
	Reposted   bool `json:"reposted"`
}

// Post is the canonical content unit plus the viewer overlay.
type Post struct {
	ID         string      `json:"id"`
	Timestamp  time.Time   `json:"timestamp"`
	Location   Location    `json:"location"`
	MediaKind  MediaKind   `json:"media_kind"`
	MediaItems []MediaItem `json:"media_items"`
	OwnerID    string      `json:"owner_id"`
	Caption    string      `json:"caption,omitempty"`
	Likes      int64       `json:"likes"`
	Comments   int64       `json:"comments"`
	Shares     int64       `json:"shares"`
	Bookmarks  int64       `json:"bookmarks"`
	Reposts    int64       `json:"reposts"`
	Overlay    Overlay     `json:"overlay"`
}

// Validate checks the media invariant.
func (p Post) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("post has no id")
	}
	switch p.MediaKind {
	case MediaTextOnly:
		return nil
	case MediaPhoto, MediaVideo, MediaMixed:
		if len(p.MediaItems) == 0 {
			return fmt.Errorf("post %s: %s post has no media items", p.ID, p.MediaKind)
		}
		return nil
	default:
		return fmt.Errorf("post %s: unknown media kind %q", p.ID, p.MediaKind)
	}
}

// SortKey is the post's position in feed order.
func (p Post) SortKey() (time.Time, string) {
	return p.Timestamp, p.ID
}

// SimplifiedPostRef is a fan-out index entry.
type SimplifiedPostRef struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

// Less reports whether (ta, ida) comes before (tb, idb) in feed order:
// newest first, ties broken by id descending.
func Less(ta time.Time, ida string, tb time.Time, idb string) bool {
	if !ta.Equal(tb) {
		return ta.After(tb)
	}
	return ida > idb
}

// SortPosts orders posts newest first, ties by id descending.
func SortPosts(posts []Post) {
	sort.SliceStable(posts, func(i, j int) bool {
		return Less(posts[i].Timestamp, posts[i].ID, posts[j].Timestamp, posts[j].ID)
	})
}

// IsSorted reports whether posts are strictly in feed order.
func IsSorted(posts []Post) bool {
	for i := 1; i < len(posts); i++ {
		if !Less(posts[i-1].Timestamp, posts[i-1].ID, posts[i].Timestamp, posts[i].ID) {
			return false
		}
	}
	return true
}

// Page is one fetched batch. Next is nil once the chain is exhausted.
type Page struct {
	Items []Post
	Next  *Cursor
}
