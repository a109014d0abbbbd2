package api

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/steemit/reelfeed/internal/cache"
	"github.com/steemit/reelfeed/internal/feed"
	"github.com/steemit/reelfeed/internal/session"
	"github.com/steemit/reelfeed/pkg/logging"
)

const healthTimeout = 2 * time.Second

// HealthCheck probes one dependency. Returning cache.ErrCacheDisabled marks
// the dependency as switched off rather than failing.
type HealthCheck func(ctx context.Context) error

// Router sets up API routes
type Router struct {
	handler  *JSONRPCHandler
	sessions *session.Registry
	checks   map[string]HealthCheck
	logger   *zap.Logger
}

// NewRouter creates a new API router
func NewRouter(sessions *session.Registry, checks map[string]HealthCheck) *Router {
	router := &Router{
		handler:  NewJSONRPCHandler(),
		sessions: sessions,
		checks:   checks,
		logger:   logging.WithComponent("api-router"),
	}

	router.registerMethods()

	return router
}

// SetupRoutes sets up all API routes
func (r *Router) SetupRoutes(engine *gin.Engine) {
	engine.GET("/health", r.healthHandler)
	engine.GET("/.well-known/healthcheck.json", r.healthHandler)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// JSON-RPC endpoint
	engine.POST("/", r.handler.Handle)
}

// registerMethods registers all API methods
func (r *Router) registerMethods() {
	feedAPI := NewFeedAPI(r.sessions)

	r.handler.RegisterMethod("feed.open", feedAPI.Open)
	r.handler.RegisterMethod("feed.close", feedAPI.Close)
	r.handler.RegisterMethod("feed.reset", feedAPI.Reset)
	r.handler.RegisterMethod("feed.fetch_initial", feedAPI.FetchInitial)
	r.handler.RegisterMethod("feed.request_more", feedAPI.RequestMore)
	r.handler.RegisterMethod("feed.scroll", feedAPI.Scroll)
	r.handler.RegisterMethod("feed.snapshot", feedAPI.Snapshot)

	r.handler.RegisterMethod("feed.like", feedAPI.Interaction(feed.InteractionLike, true))
	r.handler.RegisterMethod("feed.unlike", feedAPI.Interaction(feed.InteractionLike, false))
	r.handler.RegisterMethod("feed.bookmark", feedAPI.Interaction(feed.InteractionBookmark, true))
	r.handler.RegisterMethod("feed.unbookmark", feedAPI.Interaction(feed.InteractionBookmark, false))
	r.handler.RegisterMethod("feed.repost", feedAPI.Interaction(feed.InteractionRepost, true))
	r.handler.RegisterMethod("feed.unrepost", feedAPI.Interaction(feed.InteractionRepost, false))

	playbackAPI := NewPlaybackAPI(r.sessions)

	r.handler.RegisterMethod("playback.toggle", playbackAPI.Toggle)
	r.handler.RegisterMethod("playback.overlay", playbackAPI.Overlay)
	r.handler.RegisterMethod("playback.mute", playbackAPI.Mute)
	r.handler.RegisterMethod("playback.state", playbackAPI.State)
}

// healthHandler handles health check requests
func (r *Router) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	names := make([]string, 0, len(r.checks))
	for name := range r.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status, code := "OK", http.StatusOK
	deps := gin.H{}
	for _, name := range names {
		err := r.checks[name](ctx)
		switch {
		case err == nil:
			deps[name] = "ok"
		case errors.Is(err, cache.ErrCacheDisabled):
			deps[name] = "disabled"
		default:
			r.logger.Warn("Health check failed", zap.String("dependency", name), zap.Error(err))
			deps[name] = err.Error()
			status, code = "DEGRADED", http.StatusServiceUnavailable
		}
	}

	c.JSON(code, gin.H{
		"status":       status,
		"service":      "reelfeed-api",
		"sessions":     r.sessions.Len(),
		"dependencies": deps,
	})
}
