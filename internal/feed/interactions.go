package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/steemit/reelfeed/internal/models"
	"github.com/steemit/reelfeed/internal/store"
)

// Interaction is a viewer action that flips one overlay flag and one counter.
type Interaction int

const (
	InteractionLike Interaction = iota + 1
	InteractionBookmark
	InteractionRepost
)

func (i Interaction) String() string {
	switch i {
	case InteractionLike:
		return "like"
	case InteractionBookmark:
		return "bookmark"
	case InteractionRepost:
		return "repost"
	}
	return fmt.Sprintf("interaction(%d)", int(i))
}

// flagField and counterField name the stored fields an interaction touches.
func (i Interaction) flagField() string {
	switch i {
	case InteractionBookmark:
		return "bookmarked"
	case InteractionRepost:
		return "reposted"
	}
	return "liked"
}

func (i Interaction) counterField() string {
	switch i {
	case InteractionBookmark:
		return "bookmarks"
	case InteractionRepost:
		return "reposts"
	}
	return "likes"
}

// flag and counter address the in-memory fields of p.
func (i Interaction) flag(p *Post) *bool {
	switch i {
	case InteractionBookmark:
		return &p.Overlay.Bookmarked
	case InteractionRepost:
		return &p.Overlay.Reposted
	}
	return &p.Overlay.Liked
}

func (i Interaction) counter(p *Post) *int64 {
	switch i {
	case InteractionBookmark:
		return &p.Bookmarks
	case InteractionRepost:
		return &p.Reposts
	}
	return &p.Likes
}

// OverlayResolver looks up one viewer's overlay for one post.
type OverlayResolver interface {
	ResolveOverlay(ctx context.Context, viewerID, postID string) (Overlay, error)
}

// InteractionWriter persists a viewer action.
type InteractionWriter interface {
	WriteInteraction(ctx context.Context, viewerID, postID string, kind Interaction, on bool) error
}

// StoreInteractions resolves overlays from and writes actions to the
// interactions collection.
type StoreInteractions struct {
	client store.Client
	now    func() time.Time
}

// NewStoreInteractions creates an overlay resolver and writer over client.
func NewStoreInteractions(client store.Client) *StoreInteractions {
	return &StoreInteractions{client: client, now: func() time.Time { return time.Now().UTC() }}
}

// ResolveOverlay implements OverlayResolver. A missing interaction document
// is the zero overlay.
func (s *StoreInteractions) ResolveOverlay(ctx context.Context, viewerID, postID string) (Overlay, error) {
	docs, err := s.client.GetByIDs(ctx, store.CollectionInteractions, []string{models.InteractionID(viewerID, postID)})
	if err != nil {
		return Overlay{}, err
	}
	if len(docs) == 0 {
		return Overlay{}, nil
	}
	return decodeOverlay(docs[0])
}

// WriteInteraction implements InteractionWriter: it sets the viewer flag and
// moves the post counter by one.
func (s *StoreInteractions) WriteInteraction(ctx context.Context, viewerID, postID string, kind Interaction, on bool) error {
	err := s.client.Write(ctx, store.CollectionInteractions, models.InteractionID(viewerID, postID), map[string]interface{}{
		"viewer_id":      viewerID,
		"post_id":        postID,
		kind.flagField(): on,
		"updated_at":     s.now(),
	})
	if err != nil {
		return fmt.Errorf("write %s flag: %w", kind, err)
	}

	delta := store.Increment(1)
	if !on {
		delta = -1
	}
	if err := s.client.Write(ctx, store.CollectionPosts, postID, map[string]interface{}{
		kind.counterField(): delta,
	}); err != nil {
		return fmt.Errorf("write %s counter: %w", kind, err)
	}
	return nil
}
