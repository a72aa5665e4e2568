package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// AgentStatus is one agent's row in the health report.
type AgentStatus struct {
	Name        string `json:"name"`
	Status      string `json:"status"`
	PlayerIndex uint32 `json:"player_index"`
	Violations  uint64 `json:"violations"`
	Fallbacks   uint64 `json:"fallbacks"`
}

// Status is the session view served on /healthz.
type Status struct {
	Session string        `json:"session"`
	State   string        `json:"state"`
	Tick    uint32        `json:"tick"`
	Agents  []AgentStatus `json:"agents"`
}

type StatusFunc func() Status

// Server exposes /metrics and /healthz for one running client.
type Server struct {
	Addr    string
	started time.Time
	status  StatusFunc
	router  *gin.Engine
	srv     *http.Server
}

func NewServer(addr string, status StatusFunc, corsOrigins []string) *Server {
	RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(log.Logger))
	r.Use(RequestMetricsMiddleware())
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		Addr:    addr,
		started: time.Now(),
		status:  status,
		router:  r,
		srv:     &http.Server{Handler: r, ReadHeaderTimeout: 5 * time.Second},
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/healthz", func(c *gin.Context) {
		st := Status{State: "unknown"}
		if s.status != nil {
			st = s.status()
		}
		code := http.StatusOK
		if st.State == "closed" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status": st,
			"uptime": time.Since(s.started).String(),
		})
	})
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve blocks serving on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	log.Info().Str("addr", l.Addr().String()).Msg("observability server listening")
	err := s.srv.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"http://localhost:3000"}
	}
	return out
}
