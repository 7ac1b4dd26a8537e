// SPDX-License-Identifier: MIT

package middleware

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/scriptglance/recorder/internal/log"
)

// AccessLog writes one structured line per request. The request logger is
// also attached to the context for handlers.
func AccessLog(base zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			logger := log.WithContext(r.Context(), base)
			ctx := logger.WithContext(r.Context())

			sw := wrap(w)
			next.ServeHTTP(sw, r.WithContext(ctx))

			ev := logger.Info()
			switch {
			case sw.statusCode >= 500:
				ev = logger.Error()
			case r.URL.Path == "/healthz" || r.URL.Path == "/readyz" || r.URL.Path == "/metrics":
				ev = logger.Debug()
			}
			ev.Str(log.FieldEvent, "http.request").
				Str("method", r.Method).
				Str("route", routePattern(r)).
				Int(log.FieldStatus, sw.statusCode).
				Int(log.FieldBytes, sw.bytesWritten).
				Dur("duration", time.Since(start)).
				Str("remote_addr", r.RemoteAddr).
				Msg("request served")
		})
	}
}
