package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"position-engine/internal/engine"
	"position-engine/internal/events"
	"position-engine/internal/monitor"
	"position-engine/internal/reconciliation"
	"position-engine/pkg/logger"
)

// Server wires HTTP endpoints around the engine service and the event bus.
type Server struct {
	Router   *gin.Engine
	Engine   engine.Service
	Bus      *events.Bus
	Metrics  *monitor.Metrics
	Alerts   *monitor.MemorySink
	Recon    *reconciliation.Service
	Gatherer prometheus.Gatherer
	Log      *zap.Logger
}

// Options configures NewServer. Gatherer defaults to the default registry.
type Options struct {
	Engine    engine.Service
	Bus       *events.Bus
	Metrics   *monitor.Metrics
	Alerts    *monitor.MemorySink
	Recon     *reconciliation.Service // optional
	Gatherer  prometheus.Gatherer
	Log       *zap.Logger
	RateLimit float64 // requests per second per client; <= 0 disables
}

func NewServer(opts Options) *Server {
	log := logger.OrNop(opts.Log).Named("api")
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(log))
	if opts.RateLimit > 0 {
		r.Use(NewIPRateLimiter(opts.RateLimit, int(opts.RateLimit*2)+1).Middleware())
	}
	r.Use(CORSMiddleware())

	s := &Server{
		Router:   r,
		Engine:   opts.Engine,
		Bus:      opts.Bus,
		Metrics:  opts.Metrics,
		Alerts:   opts.Alerts,
		Recon:    opts.Recon,
		Gatherer: opts.Gatherer,
		Log:      log,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{})))
	s.Router.GET("/ws", s.websocket)

	s.Router.GET("/system/status", s.getSystemStatus)
	s.Router.GET("/instruments", s.listInstruments)
	s.Router.GET("/instruments/:symbol", s.getInstrument)
	s.Router.GET("/instruments/:symbol/trades", s.getClosedTrades)
	s.Router.POST("/instruments/:symbol/signals", s.postSignal)
	s.Router.GET("/risk/metrics", s.getRiskMetrics)
	s.Router.GET("/alerts", s.getAlerts)
	s.Router.GET("/reconciliation", s.getReconciliation)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Handler exposes the router for http.Server.
func (s *Server) Handler() http.Handler { return s.Router }
