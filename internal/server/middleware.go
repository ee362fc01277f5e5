package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	jsonwriter "github.com/dgellow/sso-relay/internal/json"
	"github.com/dgellow/sso-relay/internal/log"
)

// relayAllowHeaders are the request headers browser clients of the relay send.
const relayAllowHeaders = "authorization, x-client-info, apikey, content-type"

// MiddlewareFunc is a function that wraps an http.Handler
type MiddlewareFunc func(http.Handler) http.Handler

// ChainMiddleware chains multiple middleware functions
func ChainMiddleware(h http.Handler, middlewares ...MiddlewareFunc) http.Handler {
	for _, mw := range middlewares {
		h = mw(h)
	}
	return h
}

// NewCORSMiddleware adds credentialed CORS headers to every response. The
// Origin is echoed when it is on the allow-list; any other origin gets the
// first (primary) allowed origin, which the browser then refuses to match.
// Preflight requests are answered directly with 200 and no body.
func NewCORSMiddleware(allowedOrigins []string) MiddlewareFunc {
	allowedMap := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowedMap[origin] = true
	}
	primary := ""
	if len(allowedOrigins) > 0 {
		primary = allowedOrigins[0]
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			allowOrigin := primary
			if origin != "" && allowedMap[origin] {
				allowOrigin = origin
			}

			h := w.Header()
			if allowOrigin != "" {
				h.Set("Access-Control-Allow-Origin", allowOrigin)
			}
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Headers", relayAllowHeaders)
			h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
			h.Add("Vary", "Origin")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// NewMethodMiddleware answers 405 for methods outside allowed. OPTIONS is
// always let through so CORS preflight keeps working.
func NewMethodMiddleware(allowed ...string) MiddlewareFunc {
	allowHeader := append(slices.Clone(allowed), http.MethodOptions)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodOptions && !slices.Contains(allowed, r.Method) {
				jsonwriter.WriteMethodNotAllowed(w, allowHeader...)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// responseWriterDelegator wraps http.ResponseWriter to capture status and bytes written
// while properly delegating all optional interfaces through Unwrap
type responseWriterDelegator struct {
	http.ResponseWriter
	status      int
	written     int
	wroteHeader bool
}

func wrapResponseWriter(w http.ResponseWriter) *responseWriterDelegator {
	return &responseWriterDelegator{
		ResponseWriter: w,
		status:         http.StatusOK,
	}
}

func (r *responseWriterDelegator) Status() int {
	return r.status
}

func (r *responseWriterDelegator) BytesWritten() int {
	return r.written
}

func (r *responseWriterDelegator) WriteHeader(code int) {
	if r.wroteHeader {
		return
	}
	r.status = code
	r.wroteHeader = true
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseWriterDelegator) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	n, err := r.ResponseWriter.Write(b)
	r.written += n
	return n, err
}

// Unwrap returns the underlying ResponseWriter for interface detection
// with http.ResponseController
func (r *responseWriterDelegator) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

var _ http.ResponseWriter = (*responseWriterDelegator)(nil)

type requestIDKey struct{}

// RequestIDHeader carries the request ID in both directions
const RequestIDHeader = "X-Request-Id"

// RequestID returns the request ID the logger middleware assigned.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// NewLoggerMiddleware logs every request with its outcome. A request ID is
// taken from the X-Request-Id header or generated, echoed on the response and
// stored in the request context.
func NewLoggerMiddleware(prefix string) MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" || len(requestID) > 128 {
				requestID = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, requestID)
			r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, requestID))

			wrapped := wrapResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			fields := map[string]any{
				"request_id":  requestID,
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      wrapped.Status(),
				"duration_ms": time.Since(start).Milliseconds(),
				"bytes":       wrapped.BytesWritten(),
				"remote_addr": r.RemoteAddr,
			}
			if origin := r.Header.Get("Origin"); origin != "" {
				fields["origin"] = origin
			}
			log.LogInfoWithFields(prefix, "request", fields)
		})
	}
}

// NewRecoverMiddleware recovers from panics
func NewRecoverMiddleware(prefix string) MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log.LogErrorWithFields(prefix, "Recovered from panic", map[string]any{
						"panic":      err,
						"path":       r.URL.Path,
						"request_id": RequestID(r.Context()),
					})
					jsonwriter.WriteInternalServerError(w)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// NewBasicAuthMiddleware protects a handler with HTTP basic auth checked
// against a bcrypt password hash.
func NewBasicAuthMiddleware(realm, username string, hashedPassword []byte) MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, password, ok := r.BasicAuth()
			if !ok {
				log.LogTraceWithFields("basic_auth", "Basic auth failed: missing or malformed credentials", nil)
				jsonwriter.WriteBasicAuthChallenge(w, realm)
				return
			}

			userOK := subtle.ConstantTimeCompare([]byte(strings.TrimSpace(user)), []byte(username)) == 1
			passwordErr := bcrypt.CompareHashAndPassword(hashedPassword, []byte(password))
			if !userOK || passwordErr != nil {
				log.LogTraceWithFields("basic_auth", "Basic auth failed: invalid username or password", map[string]any{
					"username": user,
				})
				jsonwriter.WriteBasicAuthChallenge(w, realm)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
