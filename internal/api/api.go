// Package api is the thin HTTP surface over the orchestrator: run, stop,
// status, subscribe, admin, and git operation routes. All domain logic
// lives below; handlers only translate transport to core calls.
package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nimbus-ide/internal/auth"
	"nimbus-ide/internal/catalogue"
	"nimbus-ide/internal/gitrunner"
	"nimbus-ide/internal/middleware"
	"nimbus-ide/internal/orchestrator"
	"nimbus-ide/internal/push"
	"nimbus-ide/internal/settings"
)

// Server wires routes to the core components.
type Server struct {
	orch     *orchestrator.Orchestrator
	git      *gitrunner.Runner
	cat      *catalogue.Catalogue
	tokens   *auth.Tokens
	hub      *push.Hub
	settings *settings.Store
}

// NewServer returns a Server; hub may be nil when websocket push is off.
func NewServer(orch *orchestrator.Orchestrator, git *gitrunner.Runner, cat *catalogue.Catalogue, tokens *auth.Tokens, hub *push.Hub, st *settings.Store) *Server {
	return &Server{orch: orch, git: git, cat: cat, tokens: tokens, hub: hub, settings: st}
}

// Router builds the gin engine with the full middleware chain.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(middleware.RequestID())
	r.Use(middleware.Recovery())
	r.Use(middleware.Security())
	r.Use(middleware.Metrics())

	limiter := middleware.NewIPRateLimiter(300, 30)
	r.Use(limiter.Middleware())

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authed := r.Group("/api", middleware.Auth(s.tokens))
	{
		authed.GET("/languages", s.handleLanguages)

		authed.POST("/executions", s.handleRun)
		authed.GET("/executions/:id", s.handleStatus)
		authed.POST("/executions/:id/stop", s.handleStop)
		authed.GET("/executions/:id/subscribe", s.handleSubscribe)

		authed.POST("/projects/:id/git/:op", s.handleGit)

		if s.hub != nil {
			authed.GET("/push", s.hub.HandleWebSocket)
		}

		admin := authed.Group("/admin", middleware.AdminOnly())
		{
			admin.GET("/executions", s.handleActiveList)
			admin.POST("/executions/:id/kill", s.handleAdminKill)
			admin.GET("/settings/:key", s.handleGetSetting)
			admin.PUT("/settings/:key", s.handlePutSetting)
		}
	}

	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	ok(c, gin.H{"status": "ok"})
}

func (s *Server) handleLanguages(c *gin.Context) {
	ok(c, gin.H{"languages": s.cat.Languages()})
}
