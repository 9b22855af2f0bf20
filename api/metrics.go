package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName       = "tasklist/api"
	metricsKey       = "tasklist.request.metrics"
	requestLogMsg    = "tasks.request.metrics"
	attrErrorStage   = "tasklist.error_stage"
	attrTasksReturn  = "tasklist.tasks_returned"
	attrStoreMillis  = "tasklist.store_ms"
	attrTotalMillis  = "tasklist.total_ms"
	attrHTTPRoute    = "http.route"
	attrHTTPMethod   = "http.request.method"
	attrHTTPStatus   = "http.status_code"
	attrErrorMessage = "error.message"
)

type requestMetrics struct {
	logger        *log.Logger
	span          trace.Span
	start         time.Time
	route         string
	method        string
	requestID     string
	storeDuration time.Duration
	tasksReturned int
	errorStage    string
}

// Telemetry wraps every request in a span and emits one structured log entry
// with timing and outcome once the response is written.
func Telemetry(logger *log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			route := c.Path()
			ctx, span := otel.Tracer(tracerName).Start(req.Context(), req.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer))
			c.SetRequest(req.WithContext(ctx))

			m := &requestMetrics{
				logger:        logger,
				span:          span,
				start:         time.Now(),
				route:         route,
				method:        req.Method,
				tasksReturned: -1,
			}
			c.Set(metricsKey, m)

			err := next(c)
			if err != nil {
				c.Error(err)
			}
			m.requestID = c.Response().Header().Get(echo.HeaderXRequestID)
			m.Log(c.Response().Status, err)
			return nil
		}
	}
}

func metricsFrom(c echo.Context) *requestMetrics {
	m, _ := c.Get(metricsKey).(*requestMetrics)
	return m
}

func (m *requestMetrics) ObserveStore(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.storeDuration += d
}

func (m *requestMetrics) SetTasksReturned(count int) {
	if m == nil {
		return
	}
	if count < 0 {
		count = 0
	}
	m.tasksReturned = count
}

func (m *requestMetrics) SetErrorStage(stage string) {
	if m == nil || stage == "" {
		return
	}
	m.errorStage = stage
}

// Log writes the request summary and ends the span.
func (m *requestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	total := time.Since(m.start)
	severity := severityForStatus(status, err)

	fields := log.Fields{
		"route":    m.route,
		"method":   m.method,
		"status":   status,
		"total_ms": durationToMillis(total),
	}
	attrs := []attribute.KeyValue{
		attribute.String(attrHTTPRoute, m.route),
		attribute.String(attrHTTPMethod, m.method),
		attribute.Int(attrHTTPStatus, status),
		attribute.Float64(attrTotalMillis, durationToMillis(total)),
	}
	if m.requestID != "" {
		fields["request_id"] = m.requestID
	}
	if m.storeDuration > 0 {
		fields["store_ms"] = durationToMillis(m.storeDuration)
		attrs = append(attrs, attribute.Float64(attrStoreMillis, durationToMillis(m.storeDuration)))
	}
	if m.tasksReturned >= 0 {
		fields["tasks_returned"] = m.tasksReturned
		attrs = append(attrs, attribute.Int(attrTasksReturn, m.tasksReturned))
	}
	if m.errorStage != "" {
		fields["error_stage"] = m.errorStage
		attrs = append(attrs, attribute.String(attrErrorStage, m.errorStage))
	}
	if err != nil {
		fields["error"] = err.Error()
		attrs = append(attrs, attribute.String(attrErrorMessage, err.Error()))
	}

	if m.span != nil {
		sc := m.span.SpanContext()
		if sc.HasTraceID() {
			fields["trace_id"] = sc.TraceID().String()
		}
		m.span.SetAttributes(attrs...)
		if severity == log.ErrorLevel {
			desc := http.StatusText(status)
			if err != nil {
				desc = err.Error()
			}
			m.span.SetStatus(codes.Error, desc)
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}

	if m.logger != nil {
		m.logger.WithFields(fields).Log(severity, requestLogMsg)
	}
}

func severityForStatus(status int, err error) log.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return log.ErrorLevel
	case status >= http.StatusBadRequest:
		return log.WarnLevel
	case status == 0 && err != nil:
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
