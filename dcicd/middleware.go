package dcicd

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// jobHeader carries the id of the job a request submitted, so the
// request log line can be matched with the run.
const jobHeader = "X-Dcicd-Job"

func (s *Server) RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		attrs := []any{
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
		}
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			attrs = append(attrs, slog.String("route", rctx.RoutePattern()))
		}
		if cursor := r.URL.Query().Get("cursor"); cursor != "" {
			attrs = append(attrs, slog.String("cursor", cursor))
		}
		if job := ww.Header().Get(jobHeader); job != "" {
			attrs = append(attrs, slog.String("job", job))
		}
		status := ww.Status()
		if status == 0 && r.Header.Get("Upgrade") == "websocket" {
			// hijacked by the upgrader
			status = http.StatusSwitchingProtocols
		}
		attrs = append(attrs,
			slog.Int("status", status),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Duration("duration", time.Since(start)),
		)

		level := slog.LevelInfo
		if status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.l.LogAttrs(r.Context(), level, "handled request", slog.Group("request", attrs...))
	})
}
