// Copyright 2025 James Ross
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/inferqueue/inferqueue/internal/apperr"
	"github.com/inferqueue/inferqueue/internal/authgate"
	"go.uber.org/zap"
)

type contextKey string

const (
	contextKeyIdentity  contextKey = "identity"
	contextKeyRequestID contextKey = "request_id"
)

func identityFromContext(ctx context.Context) (authgate.Identity, bool) {
	id, ok := ctx.Value(contextKeyIdentity).(authgate.Identity)
	return id, ok
}

// AuthMiddleware attaches the caller's Identity to the request context when
// a bearer token is present and valid. It does not itself reject requests
// with no token — routes that need a capability enforce that with
// RequireCapability, since §6 marks some endpoints auth:none.
func AuthMiddleware(gate *authgate.AuthGate, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				next.ServeHTTP(w, r)
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				writeError(w, apperr.New(apperr.AuthFailed, "invalid authorization header format"))
				return
			}

			identity, err := gate.Verify(parts[1])
			if err != nil {
				logger.Warn("token verification failed", zap.Error(err))
				writeError(w, err)
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyIdentity, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireCapability rejects requests whose Identity lacks cap (or is not
// admin) with PermissionDenied; a request with no Identity at all is
// treated as AuthFailed, since it never presented a credential.
func RequireCapability(cap string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := identityFromContext(r.Context())
			if !ok {
				writeError(w, apperr.New(apperr.AuthFailed, "bearer credential required"))
				return
			}
			if !identity.HasCapability(cap) {
				writeError(w, apperr.New(apperr.PermissionDenied, fmt.Sprintf("missing capability %q", cap)))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAdmin is RequireCapability specialised to the admin surface.
func RequireAdmin() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := identityFromContext(r.Context())
			if !ok {
				writeError(w, apperr.New(apperr.AuthFailed, "bearer credential required"))
				return
			}
			if !identity.IsAdmin {
				writeError(w, apperr.New(apperr.PermissionDenied, "admin privileges required"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// rateBucket is a token-bucket limiter keyed per caller.
type rateBucket struct {
	mu        sync.Mutex
	tokens    float64
	lastFill  time.Time
	maxTokens int
	fillRate  float64
}

func (b *rateBucket) consume() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastFill).Seconds()
	b.tokens = minFloat(float64(b.maxTokens), b.tokens+elapsed*b.fillRate)
	b.lastFill = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// RateLimitMiddleware applies a per-caller token bucket, keyed by subject
// when authenticated or by remote address otherwise.
func RateLimitMiddleware(perMinute, burst int) func(http.Handler) http.Handler {
	buckets := &sync.Map{}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.RemoteAddr
			if identity, ok := identityFromContext(r.Context()); ok {
				key = identity.SubjectID
			}

			val, _ := buckets.LoadOrStore(key, &rateBucket{
				tokens: float64(burst), lastFill: time.Now(), maxTokens: burst, fillRate: float64(perMinute) / 60.0,
			})
			bucket := val.(*rateBucket)

			if !bucket.consume() {
				writeError(w, apperr.New(apperr.InvalidInput, "rate limit exceeded"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CORSMiddleware mirrors the admin surface's permissive-by-allowlist CORS
// handling.
func CORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			for _, ao := range allowedOrigins {
				if ao == "*" || ao == origin {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
					break
				}
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestIDMiddleware stamps every request/response pair with a
// correlation id, generating one when the caller didn't supply one.
func RequestIDMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.NewString()
			}
			w.Header().Set("X-Request-ID", requestID)
			ctx := context.WithValue(r.Context(), contextKeyRequestID, requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RecoveryMiddleware converts a panic in a handler into a 500 rather than
// crashing the server process.
func RecoveryMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered", zap.Any("error", err), zap.String("path", r.URL.Path))
					writeError(w, apperr.New(apperr.Internal, "an internal error occurred"))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

type auditResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *auditResponseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// AuditMiddleware logs destructive operations (job/admin deletes) to
// auditLog, independent of the application logger.
func AuditMiddleware(auditLog *AuditLogger, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if auditLog == nil || r.Method != http.MethodDelete {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rw := &auditResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)

			entry := AuditEntry{
				ID:        uuid.NewString(),
				Timestamp: start,
				Action:    fmt.Sprintf("%s %s", r.Method, r.URL.Path),
				Result:    fmt.Sprintf("%d", rw.statusCode),
				IP:        r.RemoteAddr,
			}
			if identity, ok := identityFromContext(r.Context()); ok {
				entry.Subject = identity.SubjectID
			}
			if err := auditLog.Log(entry); err != nil {
				logger.Error("failed to write audit log", zap.Error(err))
			}
		})
	}
}
