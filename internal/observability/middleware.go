package observability

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// IngressEventsKey is the gin context key an ingress handler sets to the
// number of events it accepted.
const IngressEventsKey = "threadlock.ingress_events"

// RequestLogger logs one line per admin request. Routes in quietRoutes
// (scrapes and probes) drop to trace level unless they fail.
func RequestLogger(logger zerolog.Logger, quietRoutes ...string) gin.HandlerFunc {
	quiet := routeSet(quietRoutes)
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		route := routeOf(c)

		var event *zerolog.Event
		switch {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		case quiet[route]:
			event = logger.Trace()
		default:
			event = logger.Debug()
		}
		if n, ok := ingressEventCount(c); ok {
			event = event.Int("events", n)
		}
		if errs := c.Errors.ByType(gin.ErrorTypeAny); len(errs) > 0 {
			event = event.Str("errors", errs.String())
		}

		event.
			Str("method", c.Request.Method).
			Str("route", route).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("observability.RequestLogger request")
	}
}

// RequestMetricsMiddleware records count and latency per route. Routes in
// skipRoutes are not recorded, so the scrape endpoint does not count
// itself. Accepted ingress events feed their own counter.
func RequestMetricsMiddleware(skipRoutes ...string) gin.HandlerFunc {
	skip := routeSet(skipRoutes)
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := routeOf(c)
		if n, ok := ingressEventCount(c); ok && c.Writer.Status() < 300 {
			RecordIngressEvents(n)
		}
		if skip[route] {
			return
		}
		RecordHTTPRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}

func routeOf(c *gin.Context) string {
	if route := c.FullPath(); route != "" {
		return route
	}
	return "unmatched"
}

func ingressEventCount(c *gin.Context) (int, bool) {
	v, ok := c.Get(IngressEventsKey)
	if !ok {
		return 0, false
	}
	n, ok := v.(int)
	return n, ok
}

func routeSet(routes []string) map[string]bool {
	out := make(map[string]bool, len(routes))
	for _, r := range routes {
		out[r] = true
	}
	return out
}
