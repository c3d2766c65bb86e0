package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/hyphamind/hyphamind/internal/consolidate"
	"github.com/hyphamind/hyphamind/internal/flushtracker"
	"github.com/hyphamind/hyphamind/internal/guard"
	"github.com/hyphamind/hyphamind/internal/indexworker"
	"github.com/hyphamind/hyphamind/internal/logging"
	"github.com/hyphamind/hyphamind/internal/memnode"
	"github.com/hyphamind/hyphamind/internal/observability"
	"github.com/hyphamind/hyphamind/internal/retrieval"
	"github.com/hyphamind/hyphamind/internal/sessioncache"
	"github.com/hyphamind/hyphamind/internal/vitality"
	"github.com/hyphamind/hyphamind/internal/writelane"
	"github.com/hyphamind/hyphamind/pkg/config"
)

// Server is the gin-based HTTP boundary wiring every core engine together.
type Server struct {
	router *gin.Engine

	cfg          *config.Config
	mem          *memnode.Engine
	guard        *guard.Engine
	retrieval    *retrieval.Engine
	vit          *vitality.Engine
	worker       *indexworker.Worker
	consolidator *consolidate.Consolidator
	obs          *observability.Recorder
	lanes        *writelane.Coordinator
	sessions     *sessioncache.Cache
	flush        *flushtracker.Tracker

	httpServer *http.Server
	log        *logging.Logger
}

// Deps bundles every collaborator NewServer wires into routes.
type Deps struct {
	Config       *config.Config
	Mem          *memnode.Engine
	Guard        *guard.Engine
	Retrieval    *retrieval.Engine
	Vitality     *vitality.Engine
	Worker       *indexworker.Worker
	Consolidator *consolidate.Consolidator
	Observability *observability.Recorder
	Lanes        *writelane.Coordinator
	Sessions     *sessioncache.Cache
	Flush        *flushtracker.Tracker
}

// NewServer builds the router and registers every route.
func NewServer(d Deps) *Server {
	log := logging.GetLogger("api")

	if d.Config.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	if d.Config.RestAPI.CORS {
		corsCfg := cors.Config{
			AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", "X-MCP-API-Key"},
			ExposeHeaders: []string{"Content-Length", "Retry-After"},
			MaxAge:        12 * time.Hour,
		}
		if d.Config.Auth.APIKey != "" {
			corsCfg.AllowOriginFunc = hasLoopbackOrigin
		} else {
			corsCfg.AllowAllOrigins = true
		}
		router.Use(cors.New(corsCfg))
	}

	router.Use(MaxBodySizeMiddleware(DefaultBodyLimit))

	s := &Server{
		router:       router,
		cfg:          d.Config,
		mem:          d.Mem,
		guard:        d.Guard,
		retrieval:    d.Retrieval,
		vit:          d.Vitality,
		worker:       d.Worker,
		consolidator: d.Consolidator,
		obs:          d.Observability,
		lanes:        d.Lanes,
		sessions:     d.Sessions,
		flush:        d.Flush,
		log:          log,
	}

	router.GET("/health", s.healthHandler)

	authed := router.Group("/")
	authed.Use(APIKeyAuthMiddleware(AuthConfig{APIKey: d.Config.Auth.APIKey, AllowInsecureLocal: d.Config.Auth.AllowInsecureLocal}))
	s.setupRoutes(authed)

	return s
}

func hasLoopbackOrigin(origin string) bool {
	for _, prefix := range []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"} {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}

func (s *Server) healthHandler(c *gin.Context) {
	okResponse(c, gin.H{"status": "ok"})
}

// setupRoutes configures /browse/node and /maintenance/... routes.
func (s *Server) setupRoutes(r gin.IRouter) {
	r.GET("/browse/node", s.getNode)
	r.POST("/browse/node", s.createNode)
	r.PUT("/browse/node", s.updateNode)
	r.DELETE("/browse/node", s.deleteNode)

	maintenance := r.Group("/maintenance")
	{
		maintenance.GET("/index/status", s.indexStatus)
		maintenance.POST("/index/jobs", s.enqueueIndexJob)
		maintenance.POST("/index/jobs/:id/cancel", s.cancelIndexJob)
		maintenance.POST("/index/jobs/:id/retry", s.retryIndexJob)

		maintenance.POST("/vitality/decay", s.vitalityDecay)
		maintenance.GET("/vitality/candidates", s.vitalityCandidates)
		maintenance.POST("/vitality/cleanup/prepare", s.vitalityPrepare)
		maintenance.POST("/vitality/cleanup/confirm", s.vitalityConfirm)

		maintenance.POST("/consolidate/run", s.runConsolidate)

		maintenance.GET("/observability/summary", s.observabilitySummary)
		maintenance.POST("/observability/search", s.observabilitySearch)

		maintenance.GET("/writelane/status", s.writelaneStatus)
	}
}

// Start runs the HTTP server until the context is cancelled, then shuts
// down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.RestAPI.Host, s.cfg.RestAPI.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: s.router}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("starting REST API server", "address", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
