package debug

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/emberweb/resourced/internal/config"
	"github.com/emberweb/resourced/internal/dispatch"
	"github.com/emberweb/resourced/internal/filemgr"
	"github.com/emberweb/resourced/internal/logging"
	"github.com/emberweb/resourced/internal/monitoring"
	"github.com/emberweb/resourced/internal/state"
	"github.com/emberweb/resourced/internal/workers"
)

// replyTimeout bounds how long a stats request waits on the dispatch
// loop before reporting it unresponsive.
const replyTimeout = 2 * time.Second

// Server is the localhost debug surface: prometheus metrics, a JSON
// stats API and health probes. Disabled by default; it binds only the
// configured address.
type Server struct {
	mgr     *dispatch.Manager
	pool    *workers.Pool
	files   *filemgr.Manager
	metrics *monitoring.Metrics
	log     *logging.Logger

	addr  string
	bound string
	srv   *http.Server
}

func New(cfg *config.Config, mgr *dispatch.Manager, pool *workers.Pool, files *filemgr.Manager, m *monitoring.Metrics, log *logging.Logger) *Server {
	if log == nil {
		log = logging.NewNop()
	}
	s := &Server{
		mgr:     mgr,
		pool:    pool,
		files:   files,
		metrics: m,
		log:     log.Named("debug"),
		addr:    net.JoinHostPort(cfg.Debug.Host, cfg.Debug.Port),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.Default())

	router.GET("/", s.root)
	router.GET("/health", s.health)
	router.GET("/stats", s.stats)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.srv = &http.Server{Handler: router}
	return s
}

// Start binds the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to bind debug server: %w", err)
	}
	s.bound = ln.Addr().String()
	s.log.Info("debug server listening", zap.String("addr", s.bound))

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("debug server failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts the server down, waiting for in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Addr reports the bound address. Valid once Start has returned.
func (s *Server) Addr() string {
	return s.bound
}

func (s *Server) root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "online",
		"service": "resourced",
		"version": "1.0.0",
	})
}

func (s *Server) health(c *gin.Context) {
	out := gin.H{"status": "healthy"}
	if s.mgr != nil {
		out["dispatch"] = s.mgr.Stats()
	}
	if s.pool != nil {
		out["pool"] = s.pool.Stats()
	}
	if s.files != nil {
		out["files"] = s.files.Stats()
	}
	c.JSON(http.StatusOK, out)
}

// stats asks the dispatch loop for per-profile usage, so the figures
// come from the same path production monitoring uses.
func (s *Server) stats(c *gin.Context) {
	if s.metrics != nil {
		s.metrics.UpdateUptime()
	}

	reply := make(chan []state.Usage, 1)
	select {
	case s.mgr.MemoryChannel() <- dispatch.MemoryReport{Reply: reply}:
	case <-time.After(replyTimeout):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "dispatch loop unresponsive"})
		return
	}

	var usage []state.Usage
	select {
	case usage = <-reply:
	case <-time.After(replyTimeout):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "dispatch loop unresponsive"})
		return
	}

	out := gin.H{"profiles": usage}
	if s.metrics != nil {
		out["fetch"] = s.metrics.GetSnapshot()
	}
	c.JSON(http.StatusOK, out)
}
