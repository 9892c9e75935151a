package handler

import (
	"net/http"

	"github.com/CageChen/htscan/internal/inspector"
	"github.com/CageChen/htscan/internal/logger"
	"github.com/CageChen/htscan/internal/metrics"
	"github.com/CageChen/htscan/internal/ratelimiter"
	"github.com/gin-gonic/gin"
)

// Options wires the router's dependencies.
type Options struct {
	Inspector *inspector.Inspector
	// Operators maps operator names to passwords. Empty disables auth.
	Operators      map[string]string
	AllowedOrigins []string
	// TrustedProxies may set the client address through X-Forwarded-For.
	// Empty trusts none and uses the connection's remote address.
	TrustedProxies []string
	// Limiter throttles retrievals; nil means unlimited.
	Limiter *ratelimiter.RateLimiter
	// Metrics enables /metrics when set.
	Metrics *metrics.Registry
	// WS serves /api/ws when set.
	WS *WSHandler
}

// NewRouter builds the gin engine serving every htscan route.
func NewRouter(opts Options) *gin.Engine {
	var recorder metrics.Recorder = metrics.NewNoop()
	if opts.Metrics != nil {
		recorder = opts.Metrics
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = ratelimiter.New(0, 0)
	}

	listingHandler := NewListingHandler(opts.Inspector)
	fileHandler := NewFileHandler(opts.Inspector)
	origins := newOriginChecker(opts.AllowedOrigins)

	r := gin.New()
	if err := r.SetTrustedProxies(opts.TrustedProxies); err != nil {
		logger.Warn("ignoring trusted proxies: %v", err)
		_ = r.SetTrustedProxies(nil)
	}
	r.Use(gin.Recovery())
	r.Use(requestID(), auditSource(), accessLog(), securityHeaders())

	if opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))
	}

	authed := r.Group("/", authenticate(opts.Operators), origins.middleware())
	{
		authed.GET("/", func(c *gin.Context) {
			c.Redirect(http.StatusFound, "/report")
		})
		authed.GET("/report", listingHandler.GetReport)
		authed.GET("/view", rateLimit(limiter, recorder), fileHandler.GetView)
	}

	api := authed.Group("/api")
	{
		api.GET("/roots", listingHandler.GetRoots)
		api.GET("/matches/:key", listingHandler.GetMatches)
		api.POST("/retrieve", rateLimit(limiter, recorder), fileHandler.Retrieve)
		api.GET("/raw", rateLimit(limiter, recorder), fileHandler.GetRaw)
		if opts.WS != nil {
			api.GET("/ws", opts.WS.HandleWS)
		}
	}

	return r
}
