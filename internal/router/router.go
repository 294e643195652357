package router

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jwalitptl/clinical-api/internal/middleware"
	"github.com/jwalitptl/clinical-api/pkg/metrics"
)

type Handler interface {
	RegisterRoutes(*gin.RouterGroup)
}

type RouterConfig struct {
	Mode           string
	RateLimit      *middleware.RateLimiterConfig
	CORSConfig     middleware.CORSConfig
	Security       middleware.SecurityConfig
	RequestTimeout time.Duration
	// MetricsPath is left unserved when empty.
	MetricsPath string
	Gatherer    prometheus.Gatherer
}

type Router struct {
	engine   *gin.Engine
	auth     *middleware.AuthMiddleware
	health   interface{ RegisterRoutes(gin.IRoutes) }
	handlers []Handler
	metrics  *metrics.Metrics
	config   RouterConfig
}

func NewRouter(
	auth *middleware.AuthMiddleware,
	health interface{ RegisterRoutes(gin.IRoutes) },
	m *metrics.Metrics,
	config RouterConfig,
	handlers ...Handler,
) (*Router, error) {
	if config.Mode != "" {
		gin.SetMode(config.Mode)
	}
	if err := middleware.RegisterValidators(); err != nil {
		return nil, err
	}
	if m == nil {
		m = metrics.NewNop()
	}

	engine := gin.New() // Use New() instead of Default() for more control

	r := &Router{
		engine:   engine,
		auth:     auth,
		health:   health,
		handlers: handlers,
		metrics:  m,
		config:   config,
	}

	// Add core middlewares
	engine.Use(
		middleware.RequestID(),
		middleware.Recovery(),
		middleware.Logger(),
		r.metricsMiddleware(),
		middleware.ErrorHandler(),
		middleware.Validation(),
		middleware.Timeout(middleware.TimeoutConfig{Duration: config.RequestTimeout}),
		middleware.SecurityHeaders(config.Security),
		middleware.CORS(config.CORSConfig),
	)

	if config.RateLimit != nil {
		engine.Use(middleware.NewRateLimiter(*config.RateLimit).RateLimit())
	}

	r.setup()
	return r, nil
}

func (r *Router) setup() {
	if r.health != nil {
		r.health.RegisterRoutes(r.engine)
	}
	if r.config.MetricsPath != "" {
		gatherer := r.config.Gatherer
		if gatherer == nil {
			gatherer = prometheus.DefaultGatherer
		}
		r.engine.GET(r.config.MetricsPath, gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	api := r.engine.Group("/api/v1")

	// Add version header
	api.Use(func(c *gin.Context) {
		c.Header("X-API-Version", "1.0")
		c.Next()
	})

	// Every API route is protected
	api.Use(r.auth.Authenticate())
	for _, h := range r.handlers {
		h.RegisterRoutes(api)
	}
}

func (r *Router) Engine() *gin.Engine {
	return r.engine
}

func (r *Router) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		r.metrics.HTTPRequests.WithLabelValues(c.Request.Method, path, status).Inc()
		r.metrics.HTTPDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
