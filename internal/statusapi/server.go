// Package statusapi exposes receiver health, statistics, Prometheus metrics, and
// a live diagnostic event feed over HTTP.
package statusapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/danmuck/mqlink/internal/diag"
	"github.com/danmuck/mqlink/internal/logging"
	"github.com/danmuck/mqlink/internal/observability"
	"github.com/danmuck/mqlink/internal/receiver"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 5 * time.Second

// Source is what the status surface reports on. *receiver.Listener satisfies it.
type Source interface {
	Status() receiver.Status
	StatsDump() diag.StatsDump
}

type Server struct {
	addr    string
	source  Source
	hub     *Hub
	router  *gin.Engine
	started time.Time
}

// New wires routes for src. hub may be nil, which disables /events.
func New(addr string, src Source, hub *Hub, corsOrigins []string) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware())
	if len(corsOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: corsOrigins,
			AllowMethods: []string{"GET"},
			AllowHeaders: []string{"Origin", "Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{addr: addr, source: src, hub: hub, router: r, started: time.Now()}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		st := s.source.Status()
		code := http.StatusOK
		if st.Phase != receiver.PhaseListening {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status": st.Phase,
			"addr":   st.Addr,
			"uptime": time.Since(s.started).Round(time.Second).String(),
			"active": st.Totals.Active,
		})
	})

	s.router.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.source.StatsDump())
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if s.hub != nil {
		s.router.GET("/events", s.hub.ServeWS)
	}
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if s.hub != nil {
		go s.hub.Run(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Infof("statusapi.Server.Serve addr=%q", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.Warnf("statusapi.Server.Serve shutdown err=%v", err)
			return err
		}
		return nil
	}
}
