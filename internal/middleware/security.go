package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// AdminTokenHeader carries the ledger administration token.
const AdminTokenHeader = "X-Admin-Token"

// AdminAuth guards ledger administration routes with a shared token, read
// from X-Admin-Token or an Authorization bearer. An empty token rejects all
// requests.
func AdminAuth(logger *slog.Logger, token string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			presented := r.Header.Get(AdminTokenHeader)
			if presented == "" {
				presented = bearerToken(r.Header.Get("Authorization"))
			}

			if presented == "" {
				logger.WarnContext(ctx, "missing admin token",
					"method", r.Method,
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				w.Header().Set("WWW-Authenticate", `Bearer realm="activation-admin"`)
				writeProblem(w, http.StatusUnauthorized, "unauthorized",
					"Unauthorized", "Admin token required", GetRequestID(ctx))
				return
			}

			if token == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				logger.WarnContext(ctx, "invalid admin token",
					"method", r.Method,
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				writeProblem(w, http.StatusUnauthorized, "unauthorized",
					"Unauthorized", "Invalid admin token", GetRequestID(ctx))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// AuditLog records who touched an administration route and the outcome.
func AuditLog(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.InfoContext(ctx, "admin request",
				"event_type", "admin_access",
				"trace_id", GetRequestID(ctx),
				"method", r.Method,
				"path", r.URL.Path,
				"remote_addr", ClientIP(r),
				"user_agent", r.UserAgent(),
				"status", ww.Status(),
				"duration", time.Since(start).String(),
			)
		})
	}
}
