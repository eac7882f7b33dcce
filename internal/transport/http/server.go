package http

import (
	"context"
	stdhttp "net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wiregate/internal/auth"
	"github.com/vovakirdan/wiregate/internal/config"
	"github.com/vovakirdan/wiregate/internal/core"
	"github.com/vovakirdan/wiregate/internal/store"
)

// HealthChecker reports whether the message broker is reachable.
type HealthChecker interface {
	Ready(ctx context.Context) error
}

// ContentLister serves cached content listings.
type ContentLister interface {
	ListContent(ctx context.Context, authorID int64) ([]store.Post, error)
}

// Deps are the components the HTTP surface is built on.
type Deps struct {
	Gateway *core.Gateway
	Health  HealthChecker
	Auth    *auth.Service
	Posts   store.PostStore
	Content ContentLister
}

// NewServer builds the HTTP server. The websocket gateway sits on the plain
// mux since it hijacks the connection; the health probe and the REST API run
// on a gin router behind it.
func NewServer(deps Deps, cfg *config.Config, logger *zerolog.Logger) *stdhttp.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), LoggerMiddleware(logger))

	router.GET("/health", healthHandler(deps.Health))

	api := NewAPIHandlers(deps.Auth, deps.Posts, deps.Content, logger)
	group := router.Group("/auth")
	group.POST("/login", api.Login)
	group.POST("/users", api.CreateUser)
	group.POST("/posts", api.CreatePost)
	group.GET("/users/:user_id/posts", api.ListPosts)
	group.GET("/me", AuthMiddleware(deps.Auth, logger), api.Me)

	mux := stdhttp.NewServeMux()
	mux.Handle("/ws", NewWSHandler(deps.Gateway, deps.Auth, cfg.WS, logger))
	mux.Handle("/", router)

	return &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func healthHandler(health HealthChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := health.Ready(ctx); err != nil {
			c.String(stdhttp.StatusServiceUnavailable, "broker unavailable")
			return
		}
		c.String(stdhttp.StatusOK, "ok")
	}
}
