package router

import (
	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/homecare-billing/internal/middleware"
	"github.com/jwalitptl/homecare-billing/pkg/auth"
	"github.com/jwalitptl/homecare-billing/pkg/logger"
	"github.com/jwalitptl/homecare-billing/pkg/metrics"
)

type Handler interface {
	RegisterRoutes(*gin.RouterGroup)
}

// Handlers are the route groups the service exposes. Webhooks is nil when
// no signing key is configured and Jobs is nil when no JWT secret is.
type Handlers struct {
	Health   Handler
	Metrics  Handler
	Webhooks Handler
	Jobs     Handler
}

type RouterConfig struct {
	MaxBodySize int64
}

type Router struct {
	engine   *gin.Engine
	auth     *middleware.AuthMiddleware
	handlers Handlers
	config   RouterConfig
}

// NewRouter builds the engine with the core middleware. auth may be nil,
// in which case the admin routes are not mounted.
func NewRouter(handlers Handlers, auth *middleware.AuthMiddleware, log *logger.Logger, m *metrics.Metrics, config RouterConfig) *Router {
	engine := gin.New()
	engine.Use(
		middleware.RequestID(log),
		middleware.Recovery(log),
		middleware.Logger(log),
		middleware.Metrics(m),
	)

	return &Router{
		engine:   engine,
		auth:     auth,
		handlers: handlers,
		config:   config,
	}
}

func (r *Router) Setup() {
	root := r.engine.Group("")
	r.handlers.Health.RegisterRoutes(root)
	r.handlers.Metrics.RegisterRoutes(root)

	if r.handlers.Webhooks != nil {
		hooks := r.engine.Group("")
		hooks.Use(middleware.SizeLimit(r.config.MaxBodySize))
		r.handlers.Webhooks.RegisterRoutes(hooks)
	}

	if r.handlers.Jobs != nil && r.auth != nil {
		admin := r.engine.Group("/admin")
		admin.Use(
			middleware.SizeLimit(r.config.MaxBodySize),
			r.auth.Authenticate(auth.ScopeJobs),
		)
		r.handlers.Jobs.RegisterRoutes(admin)
	}
}

func (r *Router) Engine() *gin.Engine {
	return r.engine
}
