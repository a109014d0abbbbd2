package models

import (
	"time"

	"gorm.io/datatypes"

	"github.com/steemit/reelfeed/internal/store"
)

// MediaItem is one playable or viewable attachment of a post
type MediaItem struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	SourceURI string `json:"source_uri"`
}

// Post represents a canonical feed post
type Post struct {
	ID           string                         `gorm:"primaryKey;type:varchar(64);column:id"`
	OwnerID      string                         `gorm:"type:varchar(64);not null;index;column:owner_id"`
	OwnerPrivate bool                           `gorm:"not null;default:false;column:owner_private"`
	CreatedAt    time.Time                      `gorm:"not null;index:idx_feed_posts_created,sort:desc;column:created_at"`
	Geohash4     string                         `gorm:"type:varchar(4);index;column:geohash4"`
	Geohash5     string                         `gorm:"type:varchar(5);index;column:geohash5"`
	Geohash6     string                         `gorm:"type:varchar(6);index;column:geohash6"`
	MediaKind    string                         `gorm:"type:varchar(16);not null;column:media_kind"`
	MediaItems   datatypes.JSONSlice[MediaItem] `gorm:"type:jsonb;column:media_items"`
	Caption      string                         `gorm:"type:text;column:caption"`
	Likes        int64                          `gorm:"not null;default:0;column:likes"`
	Comments     int64                          `gorm:"not null;default:0;column:comments"`
	Shares       int64                          `gorm:"not null;default:0;column:shares"`
	Bookmarks    int64                          `gorm:"not null;default:0;column:bookmarks"`
	Reposts      int64                          `gorm:"not null;default:0;column:reposts"`
}

// TableName specifies the table name for Post
func (Post) TableName() string {
	return "feed_posts"
}

// Document converts the row into its store representation
func (p Post) Document() store.Document {
	items := make([]interface{}, len(p.MediaItems))
	for i, m := range p.MediaItems {
		items[i] = map[string]interface{}{
			"id":         m.ID,
			"kind":       m.Kind,
			"source_uri": m.SourceURI,
		}
	}
	return store.Document{
		ID: p.ID,
		Data: map[string]interface{}{
			"owner_id":      p.OwnerID,
			"owner_private": p.OwnerPrivate,
			"timestamp":     p.CreatedAt,
			"geohash4":      p.Geohash4,
			"geohash5":      p.Geohash5,
			"geohash6":      p.Geohash6,
			"media_kind":    p.MediaKind,
			"media_items":   items,
			"caption":       p.Caption,
			"likes":         p.Likes,
			"comments":      p.Comments,
			"shares":        p.Shares,
			"bookmarks":     p.Bookmarks,
			"reposts":       p.Reposts,
		},
	}
}
