package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// RequestIDHeader is read from requests and set on every response.
const RequestIDHeader = "X-Request-ID"

const maxRequestIDLen = 128

type ctxKey struct{}

// requestInfo is shared by the middleware chain and the handlers of one request.
type requestInfo struct {
	id        string
	inference time.Duration
}

func infoFromContext(ctx context.Context) *requestInfo {
	info, _ := ctx.Value(ctxKey{}).(*requestInfo)
	return info
}

// RequestIDFromContext returns the request id assigned by the server, or "".
func RequestIDFromContext(ctx context.Context) string {
	if info := infoFromContext(ctx); info != nil {
		return info.id
	}
	return ""
}

func setInferenceDuration(ctx context.Context, d time.Duration) {
	if info := infoFromContext(ctx); info != nil {
		info.inference = d
	}
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(RequestIDHeader))
		if !validRequestID(id) {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), ctxKey{}, &requestInfo{id: id})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if c := id[i]; c <= ' ' || c > '~' {
			return false
		}
	}
	return true
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.wroteHeader {
		sr.status = code
		sr.wroteHeader = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if !sr.wroteHeader {
		sr.WriteHeader(http.StatusOK)
	}
	return sr.ResponseWriter.Write(b)
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

// withAccessLog logs one line per request and feeds the Prometheus and OTLP
// request metrics. 5xx logs at Error, 4xx at Warn.
func (s *Server) withAccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sr, r)
		elapsed := time.Since(start)

		route := routeLabel(r.Pattern)
		var inference time.Duration
		if info := infoFromContext(r.Context()); info != nil {
			inference = info.inference
		}
		s.metrics.ObserveHTTP(route, sr.status, elapsed)
		s.telemetry.RecordRequestMetrics(r.Context(), route, sr.status,
			float64(elapsed.Microseconds())/1000, float64(inference.Microseconds())/1000)

		level := zapcore.InfoLevel
		switch {
		case sr.status >= 500:
			level = zapcore.ErrorLevel
		case sr.status >= 400:
			level = zapcore.WarnLevel
		}
		if ce := s.log.Check(level, "request"); ce != nil {
			fields := []zap.Field{
				zap.String("request_id", RequestIDFromContext(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("route", route),
				zap.Int("status", sr.status),
				zap.Duration("duration", elapsed),
			}
			if inference > 0 {
				fields = append(fields, zap.Duration("inference", inference))
			}
			ce.Write(fields...)
		}
	})
}

// routeLabel turns a mux pattern such as "POST /analyze" into a bounded
// metrics label.
func routeLabel(pattern string) string {
	if pattern == "" {
		return "unmatched"
	}
	if i := strings.IndexByte(pattern, ' '); i >= 0 {
		pattern = pattern[i+1:]
	}
	return strings.TrimSuffix(pattern, "{$}")
}

func (s *Server) withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			s.log.Error("handler panic",
				zap.String("request_id", RequestIDFromContext(r.Context())),
				zap.String("path", r.URL.Path),
				zap.Any("panic", rec),
				zap.Stack("stack"),
			)
			if sr, ok := w.(*statusRecorder); ok && sr.wroteHeader {
				return
			}
			writeJSON(w, http.StatusInternalServerError, errorResponse{Detail: "Internal Server Error"})
		}()
		next.ServeHTTP(w, r)
	})
}
