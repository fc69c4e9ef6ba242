package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"spreadmatrix/config"
	"spreadmatrix/internal/cache"
	"spreadmatrix/internal/metrics"
	"spreadmatrix/logger"
	"spreadmatrix/models"
)

// Table is the observation cache the dashboard reads from.
type Table interface {
	Observations() []models.Observation
	Refresh(ctx context.Context) error
	RefreshedAt() time.Time
	Location() *time.Location
	OnRefresh(fn cache.Listener) cache.ListenerID
	RemoveListener(id cache.ListenerID)
}

// Server hosts the spread dashboard API.
type Server struct {
	cfg             config.ServerConfig
	display         config.DisplayConfig
	table           Table
	log             *logger.Log
	metricStore     *metricStore
	logStore        *logStore
	metricHandler   metrics.MetricHandlerID
	httpServer      *http.Server
	resourceSampler *resourceSampler
	charts          *chartStore
	hub             *streamHub
}

// NewServer constructs the dashboard server. When the server is disabled the
// returned server will be nil.
func NewServer(cfg config.ServerConfig, display config.DisplayConfig, table Table, log *logger.Log) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if table == nil {
		return nil, errors.New("dashboard requires an observation table")
	}

	cfg.Address = normalizeAddress(cfg.Address)

	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 5 * time.Second
	}
	if cfg.LogHistory <= 0 {
		cfg.LogHistory = 200
	}
	if cfg.MetricsHistory <= 0 {
		cfg.MetricsHistory = 200
	}
	if display.SnapshotWindow <= 0 {
		display.SnapshotWindow = time.Minute
	}

	metricStore := newMetricStore(cfg.MetricsHistory)
	handlerID := metrics.RegisterMetricHandler(metricStore.handle)

	logStore := newLogStore(cfg.LogHistory)
	log.AddHook(logStore)

	tableLen := func() int { return len(table.Observations()) }

	s := &Server{
		cfg:             cfg,
		display:         display,
		table:           table,
		log:             log,
		metricStore:     metricStore,
		logStore:        logStore,
		metricHandler:   handlerID,
		resourceSampler: newResourceSampler(cfg.MetricsHistory, cfg.SampleInterval, "/", tableLen, log),
		charts:          newChartStore(0),
	}
	s.hub = newStreamHub(s)
	return s, nil
}

// Run starts the HTTP server and blocks until the provided context is
// cancelled or the underlying HTTP server exits with an error.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}

	defer s.cleanup()

	router, err := s.buildRouter()
	if err != nil {
		return err
	}

	s.resourceSampler.start(ctx)

	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.log.WithComponent("dashboard").WithFields(logger.Fields{"address": s.cfg.Address}).Info("dashboard listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	s.hub.close()
	s.logStore.close()
	s.resourceSampler.stop()
}

// Address reports the network address the server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) allowOrigin(origin string) bool {
	if origin == "" || s.cfg.CORSOrigin == "*" {
		return true
	}
	return origin == s.cfg.CORSOrigin
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.WithComponent("http").WithFields(logger.Fields{
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"ip":         c.ClientIP(),
			"latency_ms": float64(time.Since(start).Microseconds()) / 1000,
		}).Debug("http_request")
	}
}

func (s *Server) cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		h := c.Writer.Header()
		h.Set("Vary", "Origin")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		h.Set("Access-Control-Max-Age", "86400")
		if s.cfg.CORSOrigin == "*" {
			h.Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" && origin == s.cfg.CORSOrigin {
			h.Set("Access-Control-Allow-Origin", s.cfg.CORSOrigin)
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(s.requestLog(), gin.Recovery(), s.cors())
	// Trust all proxies so the dashboard works behind load balancers.
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ok":           true,
			"observations": len(s.table.Observations()),
			"refreshed_at": formatTime(s.table.RefreshedAt(), s.table.Location()),
		})
	})

	api := router.Group("/api")
	api.GET("/assets", s.handleAssets)
	api.GET("/exchanges", s.handleExchanges)
	api.GET("/matrix", s.handleMatrix)
	api.GET("/trend", s.handleTrend)
	api.GET("/charts", s.handleListCharts)
	api.POST("/charts", s.handleAddChart)
	api.GET("/charts/series", s.handleChartSeries)
	api.DELETE("/charts/:id", s.handleDeleteChart)
	api.POST("/refresh", s.handleRefresh)
	api.GET("/metrics", s.handleMetrics)
	api.GET("/logs", s.handleLogs)
	api.GET("/resources", s.handleResources)

	router.GET("/ws/matrix", s.hub.handleStream)

	return router, nil
}

func (s *Server) handleMetrics(c *gin.Context) {
	metricsSnapshot := s.metricStore.snapshot(c.Query("component"))
	payload := make([]gin.H, 0, len(metricsSnapshot))
	for _, m := range metricsSnapshot {
		payload = append(payload, gin.H{
			"timestamp": m.Timestamp.Format(time.RFC3339Nano),
			"component": m.Component,
			"name":      m.Name,
			"value":     m.Value,
			"type":      m.Type,
			"fields":    m.Fields,
		})
	}
	c.JSON(http.StatusOK, gin.H{"metrics": payload})
}

func (s *Server) handleLogs(c *gin.Context) {
	maxLevel := logrus.TraceLevel
	if v := c.Query("level"); v != "" {
		lvl, err := logrus.ParseLevel(v)
		if err != nil {
			s.badRequest(c, err.Error())
			return
		}
		maxLevel = lvl
	}
	logsSnapshot := s.logStore.snapshot(maxLevel)
	payload := make([]gin.H, 0, len(logsSnapshot))
	for _, l := range logsSnapshot {
		payload = append(payload, gin.H{
			"timestamp": l.Timestamp.Format(time.RFC3339Nano),
			"level":     l.Level,
			"component": l.Component,
			"message":   l.Message,
			"fields":    l.Fields,
		})
	}
	c.JSON(http.StatusOK, gin.H{"logs": payload})
}

func (s *Server) handleResources(c *gin.Context) {
	snapshots := s.resourceSampler.snapshot()
	payload := make([]gin.H, 0, len(snapshots))
	for _, snap := range snapshots {
		payload = append(payload, gin.H{
			"timestamp":      snap.Timestamp.Format(time.RFC3339Nano),
			"cpu_percent":    snap.CPUPercent,
			"memory_used":    snap.MemoryUsed,
			"memory_total":   snap.MemoryTotal,
			"memory_percent": snap.MemoryPct,
			"disk_used":      snap.DiskUsed,
			"disk_total":     snap.DiskTotal,
			"disk_percent":   snap.DiskPct,
			"goroutines":     snap.Goroutines,
			"observations":   snap.Observations,
		})
	}
	c.JSON(http.StatusOK, gin.H{"resources": payload})
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "8080")
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}

	return addr
}
