package api

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/steemit/reelfeed/internal/media"
	"github.com/steemit/reelfeed/internal/session"
)

// PlaybackAPI exposes the media cache of a session.
type PlaybackAPI struct {
	sessions *session.Registry
}

func NewPlaybackAPI(sessions *session.Registry) *PlaybackAPI {
	return &PlaybackAPI{sessions: sessions}
}

type overlayParams struct {
	SessionID string `json:"session_id"`
	Presented bool   `json:"presented"`
}

type muteParams struct {
	SessionID string `json:"session_id"`
	Muted     bool   `json:"muted"`
}

type playbackState struct {
	PostID  string              `json:"post_id,omitempty"`
	State   media.PlaybackState `json:"state,omitempty"`
	Error   string              `json:"error,omitempty"`
	Playing string              `json:"playing"`
	Muted   bool                `json:"muted"`
}

// Toggle handles playback.toggle
func (a *PlaybackAPI) Toggle(c *gin.Context, params json.RawMessage) (interface{}, error) {
	var p postParams
	if err := bindParams(params, &p); err != nil {
		return nil, err
	}
	s, err := a.sessions.Get(p.SessionID)
	if err != nil {
		return nil, err
	}
	if _, err := s.Toggle(p.PostID); err != nil {
		if errors.Is(err, media.ErrNotReady) {
			return nil, &Error{Code: ErrInvalidParams, Message: "Invalid params", Err: err}
		}
		return nil, err
	}
	return stateOf(s, p.PostID), nil
}

// Overlay handles playback.overlay
func (a *PlaybackAPI) Overlay(c *gin.Context, params json.RawMessage) (interface{}, error) {
	var p overlayParams
	if err := bindParams(params, &p); err != nil {
		return nil, err
	}
	s, err := a.sessions.Get(p.SessionID)
	if err != nil {
		return nil, err
	}
	if p.Presented {
		s.Cache.PresentOverlay()
	} else {
		s.Cache.DismissOverlay()
	}
	return stateOf(s, ""), nil
}

// Mute handles playback.mute
func (a *PlaybackAPI) Mute(c *gin.Context, params json.RawMessage) (interface{}, error) {
	var p muteParams
	if err := bindParams(params, &p); err != nil {
		return nil, err
	}
	s, err := a.sessions.Get(p.SessionID)
	if err != nil {
		return nil, err
	}
	s.Cache.SetMuted(p.Muted)
	return stateOf(s, ""), nil
}

// State handles playback.state. Without post_id it reports the dominant post.
func (a *PlaybackAPI) State(c *gin.Context, params json.RawMessage) (interface{}, error) {
	var p postParams
	if err := bindParams(params, &p); err != nil {
		return nil, err
	}
	s, err := a.sessions.Get(p.SessionID)
	if err != nil {
		return nil, err
	}
	postID := p.PostID
	if postID == "" {
		postID = s.Cache.Dominant()
	}
	return stateOf(s, postID), nil
}

func stateOf(s *session.Session, postID string) playbackState {
	out := playbackState{
		PostID:  postID,
		Playing: s.Cache.Playing(),
		Muted:   s.Cache.Muted(),
	}
	if postID == "" {
		return out
	}
	out.State = s.Cache.Playback(postID)
	if co, ok := s.Cache.Coordinator(postID); ok && co.Err() != nil {
		out.Error = fmt.Sprint(co.Err())
	}
	return out
}
