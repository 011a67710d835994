package observability

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// MetricsMiddleware records request counts and latency per route, and opens
// one server span per request when a tracer is configured. Incoming W3C
// trace headers become the span's parent.
func MetricsMiddleware(metrics *MetricsCollector, tracer trace.Tracer) okapi.Middleware {
	return func(next okapi.HandlerFunc) okapi.HandlerFunc {
		return func(c *okapi.Context) error {
			r := c.Request()
			route := routeLabel(r.URL.Path)

			var span trace.Span
			if tracer != nil {
				parent := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
				_, span = tracer.Start(parent, r.Method+" "+route,
					trace.WithSpanKind(trace.SpanKindServer),
					trace.WithAttributes(
						attribute.String("http.request.method", r.Method),
						attribute.String("http.route", route),
					))
				defer span.End()
			}

			if metrics != nil {
				metrics.ActiveRequests.Inc()
				defer metrics.ActiveRequests.Dec()
			}

			start := time.Now()
			err := next(c)
			elapsed := time.Since(start)

			code := c.Response().StatusCode()
			if code == 0 {
				code = http.StatusOK
			}
			if span != nil {
				span.SetAttributes(attribute.Int("http.response.status_code", code))
				if team := c.GetString("teamID"); team != "" {
					span.SetAttributes(attribute.String("taskforge.team_id", team))
				}
				if code >= http.StatusInternalServerError {
					span.SetStatus(codes.Error, http.StatusText(code))
				}
			}
			if metrics != nil {
				metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, statusCode(code)).Inc()
				// Streams stay open for minutes and would swamp the latency buckets.
				if !isStream(route) {
					metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())
				}
			}
			return err
		}
	}
}

// routeLabel replaces task and run ids in a path with placeholders so the
// metric label set stays bounded.
func routeLabel(path string) string {
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if len(p) == 36 && uuid.Validate(p) == nil {
			parts[i] = ":id"
		}
	}
	return strings.Join(parts, "/")
}

func isStream(route string) bool {
	return strings.HasSuffix(route, "/events") || strings.HasSuffix(route, "/agents/ws")
}
