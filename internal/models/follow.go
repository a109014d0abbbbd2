package models

import (
	"time"

	"github.com/steemit/reelfeed/internal/store"
)

// Follow represents a follow relationship
type Follow struct {
	ID         string    `gorm:"primaryKey;type:varchar(140);column:id"`
	FollowerID string    `gorm:"type:varchar(64);not null;index;column:follower_id"`
	FolloweeID string    `gorm:"type:varchar(64);not null;index;column:followee_id"`
	CreatedAt  time.Time `gorm:"not null;column:created_at"`
}

// TableName specifies the table name for Follow
func (Follow) TableName() string {
	return "feed_follows"
}

// FollowID is the document id of a follow edge
func FollowID(followerID, followeeID string) string {
	return followerID + "_" + followeeID
}

// Document converts the row into its store representation
func (f Follow) Document() store.Document {
	return store.Document{
		ID: f.ID,
		Data: map[string]interface{}{
			"follower_id": f.FollowerID,
			"followee_id": f.FolloweeID,
			"timestamp":   f.CreatedAt,
		},
	}
}

// All lists every model for migrations
func All() []interface{} {
	return []interface{}{&Post{}, &Interaction{}, &FeedRef{}, &Follow{}}
}
