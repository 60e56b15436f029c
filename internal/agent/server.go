package agent

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kestrel-iot/shadowd/internal/config"
	logs "github.com/kestrel-iot/shadowd/internal/logging"
	"github.com/kestrel-iot/shadowd/internal/observability"
	"github.com/kestrel-iot/shadowd/internal/protocol"
	"github.com/kestrel-iot/shadowd/internal/reconcile"
	"github.com/kestrel-iot/shadowd/internal/shadow"
)

// ServerConfig wires the admin API to the running engine.
type ServerConfig struct {
	Agent    config.AgentConfig
	Store    *shadow.Store
	Loop     *reconcile.Loop
	Client   *protocol.Client
	Appeared time.Time
}

// Server is the device-local admin API: health and readiness, metrics, the
// current shadow document, loop status, and manual triggers. It never
// mutates desired state; that arrives only through the delta protocol.
type Server struct {
	cfg    ServerConfig
	router *gin.Engine
}

func NewServer(cfg ServerConfig) *Server {
	observability.RegisterMetrics()
	if cfg.Appeared.IsZero() {
		cfg.Appeared = time.Now()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(logs.Logger("admin")))
	r.Use(observability.RequestMetricsMiddleware())
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.Agent.CorsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{cfg: cfg, router: r}
	s.registerRoutes()
	return s
}

// Router exposes the engine for tests and embedding.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"shadow":  s.cfg.Agent.ShadowName,
			"device":  s.cfg.Agent.DeviceUUID,
			"uptime":  time.Since(s.cfg.Appeared).String(),
			"version": Version,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/ready", func(c *gin.Context) {
		status := s.cfg.Loop.Status()
		if status.Passes == 0 {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"reason": "no reconciliation pass completed",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"passes": status.Passes,
		})
	})

	s.router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.cfg.Loop.Status())
	})

	s.router.GET("/shadow", func(c *gin.Context) {
		doc := s.cfg.Store.Desired()
		c.JSON(http.StatusOK, gin.H{
			"version": doc.Version,
			"desired": doc,
		})
	})

	s.router.POST("/reconcile", func(c *gin.Context) {
		s.cfg.Loop.Trigger(reconcile.TriggerManual)
		c.JSON(http.StatusAccepted, gin.H{"triggered": true})
	})

	s.router.POST("/resync", func(c *gin.Context) {
		if s.cfg.Client == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "protocol client not running"})
			return
		}
		if err := s.cfg.Client.Resync(); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"resynced": true})
	})
}

// Run serves the admin API until the context is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Agent.AdminAddr,
		Handler: s.router,
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()
	logs.Infof("agent.Server admin API listening addr=%q", s.cfg.Agent.AdminAddr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logs.Warnf("agent.Server shutdown err=%v", err)
		}
		<-serveErr
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
