// Package media prefetches and plays post media: a bounded cache of prepared
// media handles, the per-item playback coordinators it owns, and the
// scroll-window scheduler that decides what to warm.
package media

import (
	"context"
	"errors"
)

// Kind mirrors a post's media kind.
type Kind string

const (
	KindPhoto    Kind = "photo"
	KindVideo    Kind = "video"
	KindMixed    Kind = "mixed"
	KindTextOnly Kind = "textOnly"
)

var (
	// ErrDecodeFailed means the engine could not prepare a media item.
	ErrDecodeFailed = errors.New("media decode failed")
	// ErrCacheFull means no entry could be evicted to make room.
	ErrCacheFull = errors.New("media cache full")
	// ErrNotReady is returned for playback commands in a state that cannot honor them.
	ErrNotReady = errors.New("media not ready")
)

// Source is one media attachment.
type Source struct {
	ID   string
	Kind Kind
	URI  string
}

// Item is the cache-level view of a post: its id, kind and attachments.
type Item struct {
	PostID  string
	Kind    Kind
	Sources []Source
}

// WarmSources returns the attachments worth preparing ahead of display.
// Carousels warm only their videos; photos in them load on swipe.
func (it Item) WarmSources() []Source {
	switch it.Kind {
	case KindPhoto, KindVideo:
		return it.Sources
	case KindMixed:
		var out []Source
		for _, s := range it.Sources {
			if s.Kind == KindVideo {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Playable returns the attachment that autoplays when the post is dominant.
func (it Item) Playable() (Source, bool) {
	if it.Kind != KindVideo && it.Kind != KindMixed {
		return Source{}, false
	}
	for _, s := range it.Sources {
		if s.Kind == KindVideo {
			return s, true
		}
	}
	return Source{}, false
}

// Key identifies one attachment in the cache.
func Key(postID, mediaID string) string {
	return postID + "/" + mediaID
}

// ItemSource exposes the feed's items by index.
type ItemSource interface {
	Len() int
	At(index int) (Item, bool)
}

// Handle is an engine-specific prepared media object.
type Handle interface{}

// Engine prepares and drives media. Prepare may block; the other methods
// must return promptly because they are called with the cache locked.
type Engine interface {
	Prepare(ctx context.Context, uri string, kind Kind) (Handle, error)
	Dispose(h Handle)
	Play(h Handle)
	Pause(h Handle)
	SetMuted(h Handle, muted bool)
}
