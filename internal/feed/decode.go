package feed

import (
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"

	"github.com/steemit/reelfeed/internal/store"
)

// postRecord mirrors the stored shape of a post document.
type postRecord struct {
	OwnerID    string      `doc:"owner_id"`
	Timestamp  time.Time   `doc:"timestamp"`
	Geohash4   string      `doc:"geohash4"`
	Geohash5   string      `doc:"geohash5"`
	Geohash6   string      `doc:"geohash6"`
	MediaKind  string      `doc:"media_kind"`
	MediaItems []MediaItem `doc:"media_items"`
	Caption    string      `doc:"caption"`
	Likes      int64       `doc:"likes"`
	Comments   int64       `doc:"comments"`
	Shares     int64       `doc:"shares"`
	Bookmarks  int64       `doc:"bookmarks"`
	Reposts    int64       `doc:"reposts"`
}

type interactionRecord struct {
	Liked      bool `doc:"liked"`
	Bookmarked bool `doc:"bookmarked"`
	Reposted   bool `doc:"reposted"`
}

type refRecord struct {
	PostID    string    `doc:"post_id"`
	Timestamp time.Time `doc:"timestamp"`
}

func decode(data map[string]interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "doc",
		WeaklyTypedInput: true,
		Result:           out,
		DecodeHook:       mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}
	return dec.Decode(data)
}

// docTimestamp reads only the ordering field of a post document.
func docTimestamp(doc store.Document) (time.Time, error) {
	var rec struct {
		Timestamp time.Time `doc:"timestamp"`
	}
	if err := decode(doc.Data, &rec); err != nil {
		return time.Time{}, fmt.Errorf("decode timestamp %s: %w", doc.ID, err)
	}
	if rec.Timestamp.IsZero() {
		return time.Time{}, fmt.Errorf("decode timestamp %s: missing timestamp", doc.ID)
	}
	return rec.Timestamp, nil
}

// DecodePost converts a post document into a Post with an empty overlay.
func DecodePost(doc store.Document) (Post, error) {
	var rec postRecord
	if err := decode(doc.Data, &rec); err != nil {
		return Post{}, fmt.Errorf("decode post %s: %w", doc.ID, err)
	}
	if rec.Timestamp.IsZero() {
		return Post{}, fmt.Errorf("decode post %s: missing timestamp", doc.ID)
	}

	p := Post{
		ID:        doc.ID,
		Timestamp: rec.Timestamp,
		Location: Location{
			Geohash4: rec.Geohash4,
			Geohash5: rec.Geohash5,
			Geohash6: rec.Geohash6,
		},
		MediaKind:  MediaKind(rec.MediaKind),
		MediaItems: rec.MediaItems,
		OwnerID:    rec.OwnerID,
		Caption:    rec.Caption,
		Likes:      rec.Likes,
		Comments:   rec.Comments,
		Shares:     rec.Shares,
		Bookmarks:  rec.Bookmarks,
		Reposts:    rec.Reposts,
	}
	if p.MediaKind == "" {
		p.MediaKind = MediaTextOnly
	}
	if err := p.Validate(); err != nil {
		return Post{}, err
	}
	return p, nil
}

// EncodePost converts a Post into the document fields the stores persist.
// The overlay is never included.
func EncodePost(p Post) map[string]interface{} {
	items := make([]interface{}, len(p.MediaItems))
	for i, m := range p.MediaItems {
		items[i] = map[string]interface{}{
			"id":         m.ID,
			"kind":       string(m.Kind),
			"source_uri": m.SourceURI,
		}
	}
	return map[string]interface{}{
		"owner_id":      p.OwnerID,
		"owner_private": false,
		"timestamp":     p.Timestamp,
		"geohash4":      p.Location.Geohash4,
		"geohash5":      p.Location.Geohash5,
		"geohash6":      p.Location.Geohash6,
		"media_kind":    string(p.MediaKind),
		"media_items":   items,
		"caption":       p.Caption,
		"likes":         p.Likes,
		"comments":      p.Comments,
		"shares":        p.Shares,
		"bookmarks":     p.Bookmarks,
		"reposts":       p.Reposts,
	}
}

func decodeOverlay(doc store.Document) (Overlay, error) {
	var rec interactionRecord
	if err := decode(doc.Data, &rec); err != nil {
		return Overlay{}, fmt.Errorf("decode interaction %s: %w", doc.ID, err)
	}
	return Overlay{Liked: rec.Liked, Bookmarked: rec.Bookmarked, Reposted: rec.Reposted}, nil
}

func decodeRef(doc store.Document) (SimplifiedPostRef, error) {
	var rec refRecord
	if err := decode(doc.Data, &rec); err != nil {
		return SimplifiedPostRef{}, fmt.Errorf("decode ref %s: %w", doc.ID, err)
	}
	if rec.PostID == "" {
		return SimplifiedPostRef{}, fmt.Errorf("decode ref %s: missing post_id", doc.ID)
	}
	return SimplifiedPostRef{ID: rec.PostID, Timestamp: rec.Timestamp}, nil
}
