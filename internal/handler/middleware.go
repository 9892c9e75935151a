package handler

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/CageChen/htscan/internal/audit"
	"github.com/CageChen/htscan/internal/logger"
	"github.com/CageChen/htscan/internal/metrics"
	"github.com/CageChen/htscan/internal/ratelimiter"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// RequestIDHeader carries the per-request ID in responses.
	RequestIDHeader = "X-Request-ID"

	requestIDKey = "requestID"

	// anonymousOperator is recorded when no operators are configured.
	anonymousOperator = "local"
)

// requestID tags every request with a fresh ID.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(requestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// auditSource records the client address on the request context so audit
// entries written while serving it carry source_ip.
func auditSource() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request = c.Request.WithContext(audit.WithSource(c.Request.Context(), c.ClientIP()))
		c.Next()
	}
}

// accessLog logs one line per request at debug level, and failures at warn.
func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		line := "%s %s %s %d %s op=%s"
		args := []any{c.GetString(requestIDKey), c.Request.Method, c.Request.URL.Path, status, time.Since(start), operator(c)}
		if status >= http.StatusInternalServerError {
			logger.Warn(line, args...)
		} else {
			logger.Debug(line, args...)
		}
	}
}

// securityHeaders keeps browsers from sniffing or framing responses.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "same-origin")
		c.Next()
	}
}

// authenticate requires HTTP Basic credentials of a configured operator.
// With no operators configured every request runs as the local operator.
func authenticate(operators map[string]string) gin.HandlerFunc {
	if len(operators) == 0 {
		return func(c *gin.Context) {
			c.Set(gin.AuthUserKey, anonymousOperator)
			c.Next()
		}
	}
	return gin.BasicAuthForRealm(gin.Accounts(operators), "htscan")
}

func operator(c *gin.Context) string {
	if user := c.GetString(gin.AuthUserKey); user != "" {
		return user
	}
	return anonymousOperator
}

// originChecker validates the Origin (or Referer) of state-changing requests
// against the request host and a list of extra allowed origins.
type originChecker struct {
	allowed map[string]bool
}

func newOriginChecker(allowed []string) *originChecker {
	o := &originChecker{allowed: make(map[string]bool, len(allowed))}
	for _, a := range allowed {
		o.allowed[strings.TrimSuffix(strings.ToLower(a), "/")] = true
	}
	return o
}

// permits reports whether origin may act on a server reached as host. An
// empty origin is never permitted.
func (o *originChecker) permits(origin, host string) bool {
	if origin == "" {
		return false
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	if strings.EqualFold(u.Host, host) {
		return true
	}
	return o.allowed[strings.ToLower(u.Scheme+"://"+u.Host)]
}

func requestOrigin(r *http.Request) string {
	if origin := r.Header.Get("Origin"); origin != "" {
		return origin
	}
	return r.Header.Get("Referer")
}

// middleware rejects unsafe methods from foreign origins.
func (o *originChecker) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
			return
		}
		if !o.permits(requestOrigin(c.Request), c.Request.Host) {
			logger.Warn("%s: rejected %s %s from origin %q", c.GetString(requestIDKey), c.Request.Method, c.Request.URL.Path, requestOrigin(c.Request))
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "request origin not allowed"})
			return
		}
		c.Next()
	}
}

// rateLimit throttles retrievals per operator.
func rateLimit(limiter *ratelimiter.RateLimiter, recorder metrics.Recorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter.Allow(operator(c)) {
			c.Next()
			return
		}
		recorder.RecordRetrieval(metrics.OutcomeLimited, 0, 0)
		c.Header("Retry-After", "1")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
	}
}
