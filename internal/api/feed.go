package api

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/steemit/reelfeed/internal/feed"
	"github.com/steemit/reelfeed/internal/geo"
	"github.com/steemit/reelfeed/internal/session"
	"github.com/steemit/reelfeed/internal/store"
	"github.com/steemit/reelfeed/pkg/logging"
)

// FeedAPI exposes feed sessions over JSON-RPC.
type FeedAPI struct {
	sessions *session.Registry
	logger   *zap.Logger
}

func NewFeedAPI(sessions *session.Registry) *FeedAPI {
	return &FeedAPI{
		sessions: sessions,
		logger:   logging.WithComponent("feed-api"),
	}
}

type filterParams struct {
	Field  string        `json:"field"`
	Op     string        `json:"op"`
	Values []interface{} `json:"values"`
}

type queryParams struct {
	Variant string         `json:"variant"`
	Tier    string         `json:"tier"`
	Extra   []filterParams `json:"extra"`
}

func (q queryParams) query() (feed.Query, error) {
	variant, err := feed.ParseVariant(q.Variant)
	if err != nil {
		return feed.Query{}, invalidParams(err)
	}
	tier, err := geo.ParseTier(q.Tier)
	if err != nil {
		return feed.Query{}, invalidParams(err)
	}
	out := feed.Query{Variant: variant, Tier: tier}
	for _, f := range q.Extra {
		if f.Field == "" {
			return feed.Query{}, invalidParams(errors.New("extra filter needs a field"))
		}
		out.Extra = append(out.Extra, store.Filter{Field: f.Field, Op: store.Op(f.Op), Values: f.Values})
	}
	return out, nil
}

type openParams struct {
	queryParams
	ViewerID string   `json:"viewer_id"`
	Lat      *float64 `json:"lat"`
	Lon      *float64 `json:"lon"`
}

type sessionParams struct {
	SessionID string `json:"session_id"`
}

type resetParams struct {
	queryParams
	SessionID string `json:"session_id"`
}

type postParams struct {
	SessionID string `json:"session_id"`
	PostID    string `json:"post_id"`
}

// Open handles feed.open
func (a *FeedAPI) Open(c *gin.Context, params json.RawMessage) (interface{}, error) {
	var p openParams
	if err := bindParams(params, &p); err != nil {
		return nil, err
	}
	if p.ViewerID == "" {
		return nil, invalidParams(errors.New("missing required parameter: viewer_id"))
	}
	q, err := p.query()
	if err != nil {
		return nil, err
	}

	opts := session.Options{ViewerID: p.ViewerID, Query: q}
	switch {
	case p.Lat != nil && p.Lon != nil:
		if *p.Lat < -90 || *p.Lat > 90 || *p.Lon < -180 || *p.Lon > 180 {
			return nil, invalidParams(fmt.Errorf("coordinates out of range: %v,%v", *p.Lat, *p.Lon))
		}
		opts.Location = geo.StaticLocation{Point: geo.Point{Lat: *p.Lat, Lon: *p.Lon}, Known: true}
	case p.Lat != nil || p.Lon != nil:
		return nil, invalidParams(errors.New("lat and lon must be given together"))
	}

	s := a.sessions.Open(opts)
	return s.View(), nil
}

// Close handles feed.close
func (a *FeedAPI) Close(c *gin.Context, params json.RawMessage) (interface{}, error) {
	var p sessionParams
	if err := bindParams(params, &p); err != nil {
		return nil, err
	}
	if err := a.sessions.Close(p.SessionID); err != nil {
		return nil, err
	}
	return gin.H{"closed": true}, nil
}

// Reset handles feed.reset
func (a *FeedAPI) Reset(c *gin.Context, params json.RawMessage) (interface{}, error) {
	var p resetParams
	if err := bindParams(params, &p); err != nil {
		return nil, err
	}
	s, err := a.sessions.Get(p.SessionID)
	if err != nil {
		return nil, err
	}
	q, err := p.query()
	if err != nil {
		return nil, err
	}
	s.Reset(q)
	return s.View(), nil
}

// FetchInitial handles feed.fetch_initial
func (a *FeedAPI) FetchInitial(c *gin.Context, params json.RawMessage) (interface{}, error) {
	s, err := a.session(params)
	if err != nil {
		return nil, err
	}
	return gin.H{"started": s.Feed.FetchInitial()}, nil
}

// RequestMore handles feed.request_more
func (a *FeedAPI) RequestMore(c *gin.Context, params json.RawMessage) (interface{}, error) {
	s, p, err := a.sessionPost(params)
	if err != nil {
		return nil, err
	}
	return gin.H{"started": s.Feed.RequestMore(p.PostID)}, nil
}

// Scroll handles feed.scroll. The position is queued; positions that are
// still queued when a newer one arrives are dropped.
func (a *FeedAPI) Scroll(c *gin.Context, params json.RawMessage) (interface{}, error) {
	s, p, err := a.sessionPost(params)
	if err != nil {
		return nil, err
	}
	s.Scroll(p.PostID)
	return gin.H{"queued": true}, nil
}

// Snapshot handles feed.snapshot
func (a *FeedAPI) Snapshot(c *gin.Context, params json.RawMessage) (interface{}, error) {
	s, err := a.session(params)
	if err != nil {
		return nil, err
	}
	return s.View(), nil
}

// Interaction returns the handler for one of the feed.like family.
func (a *FeedAPI) Interaction(kind feed.Interaction, on bool) MethodHandler {
	return func(c *gin.Context, params json.RawMessage) (interface{}, error) {
		s, p, err := a.sessionPost(params)
		if err != nil {
			return nil, err
		}
		fn, err := interactionFunc(s.Feed, kind, on)
		if err != nil {
			return nil, err
		}
		if err := fn(p.PostID); err != nil {
			return nil, err
		}
		for _, post := range s.Feed.Snapshot().Posts {
			if post.ID == p.PostID {
				return post, nil
			}
		}
		return nil, fmt.Errorf("%w: %s", feed.ErrUnknownPost, p.PostID)
	}
}

func interactionFunc(agg *feed.Aggregator, kind feed.Interaction, on bool) (func(string) error, error) {
	switch {
	case kind == feed.InteractionLike && on:
		return agg.Like, nil
	case kind == feed.InteractionLike:
		return agg.Unlike, nil
	case kind == feed.InteractionBookmark && on:
		return agg.Bookmark, nil
	case kind == feed.InteractionBookmark:
		return agg.Unbookmark, nil
	case kind == feed.InteractionRepost && on:
		return agg.Repost, nil
	case kind == feed.InteractionRepost:
		return agg.Unrepost, nil
	}
	return nil, NewError(ErrInternalError, "unknown interaction "+kind.String())
}

func (a *FeedAPI) session(params json.RawMessage) (*session.Session, error) {
	var p sessionParams
	if err := bindParams(params, &p); err != nil {
		return nil, err
	}
	return a.sessions.Get(p.SessionID)
}

func (a *FeedAPI) sessionPost(params json.RawMessage) (*session.Session, postParams, error) {
	var p postParams
	if err := bindParams(params, &p); err != nil {
		return nil, p, err
	}
	if p.PostID == "" {
		return nil, p, invalidParams(errors.New("missing required parameter: post_id"))
	}
	s, err := a.sessions.Get(p.SessionID)
	return s, p, err
}
