package models

import (
	"time"

	"github.com/steemit/reelfeed/internal/store"
)

// FeedRef is a fan-out entry: a post reference in one viewer's following feed
type FeedRef struct {
	ID        string    `gorm:"primaryKey;type:varchar(140);column:id"`
	ViewerID  string    `gorm:"type:varchar(64);not null;index:idx_feed_refs_viewer_created,priority:1;column:viewer_id"`
	PostID    string    `gorm:"type:varchar(64);not null;column:post_id"`
	CreatedAt time.Time `gorm:"not null;index:idx_feed_refs_viewer_created,priority:2,sort:desc;column:created_at"`
}

// TableName specifies the table name for FeedRef
func (FeedRef) TableName() string {
	return "feed_refs"
}

// FeedRefID is the document id of a post reference in a viewer's feed
func FeedRefID(viewerID, postID string) string {
	return viewerID + "_" + postID
}

// Document converts the row into its store representation
func (r FeedRef) Document() store.Document {
	return store.Document{
		ID: r.ID,
		Data: map[string]interface{}{
			"viewer_id": r.ViewerID,
			"post_id":   r.PostID,
			"timestamp": r.CreatedAt,
		},
	}
}
