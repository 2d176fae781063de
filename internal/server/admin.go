package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// adminMiddleware checks for valid admin API key from either
// 'Authorization: Bearer <key>' or 'X-API-Key: <key>' headers.
func (s *Server) adminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminKey == "" {
			s.logger.Error().Msg("ADMIN_API_KEY not set, refusing admin request")
			http.Error(w, "Admin API not configured", http.StatusInternalServerError)
			return
		}

		var providedToken string
		authHeader := r.Header.Get("Authorization")
		xAPIKeyHeader := r.Header.Get("X-API-Key")

		switch {
		case authHeader != "":
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				s.logger.Warn().
					Str("method", r.Method).
					Str("uri", r.RequestURI).
					Str("remote_addr", r.RemoteAddr).
					Msg("Invalid Authorization header format for admin endpoint")
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}
			providedToken = parts[1]
		case xAPIKeyHeader != "":
			providedToken = xAPIKeyHeader
		default:
			s.logger.Warn().
				Str("method", r.Method).
				Str("uri", r.RequestURI).
				Str("remote_addr", r.RemoteAddr).
				Msg("Missing required Authorization or X-API-Key header for admin endpoint")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		if subtle.ConstantTimeCompare([]byte(providedToken), []byte(s.adminKey)) != 1 {
			s.logger.Warn().
				Str("method", r.Method).
				Str("uri", r.RequestURI).
				Str("remote_addr", r.RemoteAddr).
				Msg("Invalid admin API key provided")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		s.logger.Debug().
			Str("method", r.Method).
			Str("uri", r.RequestURI).
			Msg("Admin request authorized")

		next.ServeHTTP(w, r)
	})
}
