package tracing

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gofrs/uuid/v5"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Middleware traces every request not on the ignore list. A 5xx
// response or a panic marks the trace errored; panics are re-raised
// after the trace is finished.
func (t *Tracer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range t.cfg.EffectiveIgnorePaths() {
			if prefix != "" && strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.Must(uuid.NewV4()).String()
		}
		ctx, trace := t.StartTrace(r.Context(), StartOptions{
			Name:      r.Method + " " + r.URL.Path,
			TraceType: TraceTypeRequest,
			Source:    r.Method + " " + r.URL.Path,
			Context: map[string]any{
				"path":           r.URL.Path,
				"request_method": r.Method,
				"request_id":     requestID,
			},
		})
		if trace == nil {
			next.ServeHTTP(w, r)
			return
		}
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		defer func() {
			if rec := recover(); rec != nil {
				t.FinishTrace(ctx, "error", map[string]any{
					"http_status":       500,
					"exception_message": fmt.Sprint(rec),
				})
				panic(rec)
			}
			status := "ok"
			if recorder.status >= 500 {
				status = "error"
			}
			t.FinishTrace(ctx, status, map[string]any{"http_status": recorder.status})
		}()

		next.ServeHTTP(recorder, r.WithContext(ctx))
	})
}
