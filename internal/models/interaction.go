package models

import (
	"time"

	"github.com/steemit/reelfeed/internal/store"
)

// Interaction holds one viewer's flags on one post
type Interaction struct {
	ID         string    `gorm:"primaryKey;type:varchar(140);column:id"`
	ViewerID   string    `gorm:"type:varchar(64);not null;index;column:viewer_id"`
	PostID     string    `gorm:"type:varchar(64);not null;index;column:post_id"`
	Liked      bool      `gorm:"not null;default:false;column:liked"`
	Bookmarked bool      `gorm:"not null;default:false;column:bookmarked"`
	Reposted   bool      `gorm:"not null;default:false;column:reposted"`
	UpdatedAt  time.Time `gorm:"not null;column:updated_at"`
}

// TableName specifies the table name for Interaction
func (Interaction) TableName() string {
	return "feed_interactions"
}

// InteractionID is the document id of a viewer's interaction with a post
func InteractionID(viewerID, postID string) string {
	return viewerID + "_" + postID
}

// Document converts the row into its store representation
func (i Interaction) Document() store.Document {
	return store.Document{
		ID: i.ID,
		Data: map[string]interface{}{
			"viewer_id":  i.ViewerID,
			"post_id":    i.PostID,
			"liked":      i.Liked,
			"bookmarked": i.Bookmarked,
			"reposted":   i.Reposted,
			"updated_at": i.UpdatedAt,
		},
	}
}
