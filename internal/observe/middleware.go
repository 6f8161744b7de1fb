package observe

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// statusRecorder wraps [http.ResponseWriter] to capture the status code
// written downstream. WebSocket upgrades hijack the connection after
// writing 101, which this still observes.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap exposes the underlying writer so http.ResponseController (and
// compatible libraries) can reach its Hijacker for WebSocket upgrades.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// wsPlatform names the telephony adapter behind a bridge WebSocket path
// ("/ws/audiocodes" → "audiocodes"). Empty for every other route, so
// health probes and /metrics scrapes carry no platform label.
func wsPlatform(path string) string {
	rest, ok := strings.CutPrefix(path, "/ws/")
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return ""
	}
	return rest
}

// Middleware instruments the bridge's HTTP surface (WebSocket accept
// endpoints, health probes, /metrics): it extracts or starts a W3C
// trace, surfaces the trace id as X-Correlation-ID, records the request
// duration on [Metrics.HTTPRequestDuration] and logs completion.
// Requests on the platform WebSocket endpoints additionally carry the
// adapter name on the span, the duration metric, and the log line.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			platform := wsPlatform(r.URL.Path)

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			spanAttrs := []attribute.KeyValue{
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			}
			if platform != "" {
				spanAttrs = append(spanAttrs, attribute.String("voicebridge.platform", platform))
			}
			ctx, span := StartSpan(ctx, "HTTP "+r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(spanAttrs...),
			)
			defer span.End()

			cid := CorrelationID(ctx)
			if cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))

			duration := time.Since(start)
			metricAttrs := []attribute.KeyValue{
				attribute.String("method", r.Method),
				attribute.String("path", r.URL.Path),
			}
			if platform != "" {
				metricAttrs = append(metricAttrs, attribute.String("platform", platform))
			}
			m.HTTPRequestDuration.Record(ctx, duration.Seconds(),
				metric.WithAttributes(metricAttrs...))
			span.SetAttributes(semconv.HTTPResponseStatusCode(rec.statusCode))

			logAttrs := []slog.Attr{
				slog.String("trace_id", cid),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.statusCode),
				slog.Duration("duration", duration),
			}
			if platform != "" {
				logAttrs = append(logAttrs, slog.String("platform", platform))
			}
			slog.LogAttrs(ctx, slog.LevelInfo, "request completed", logAttrs...)
		})
	}
}
