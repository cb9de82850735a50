package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"
)

// deviceTokenHeader carries the per-device auth token issued at registration.
const deviceTokenHeader = "X-Device-Token"

type contextKey string

const operatorKey contextKey = "operator"

// OperatorClaims are the JWT claims carried by operator tokens.
type OperatorClaims struct {
	// Role is "admin" or "operator". Only admins may manage organizations.
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// deviceAuth verifies the device token against the stored bcrypt hash.
func (s *Server) deviceAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deviceID := r.PathValue("id")
		token := r.Header.Get(deviceTokenHeader)
		if token == "" {
			http.Error(w, "missing device token", http.StatusUnauthorized)
			return
		}

		if err := s.svc.AuthenticateDevice(r.Context(), deviceID, token); err != nil {
			s.logger.Warn("device auth failed",
				"device_id", deviceID,
				"remote_addr", r.RemoteAddr,
			)
			http.Error(w, "invalid device token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// operatorAuth verifies the bearer JWT on admin routes.
func (s *Server) operatorAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.jwtKey) == 0 {
			http.Error(w, "admin API disabled: no signing key configured", http.StatusServiceUnavailable)
			return
		}

		auth := r.Header.Get("Authorization")
		tokenStr, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || tokenStr == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}

		claims := &OperatorClaims{}
		token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return s.jwtKey, nil
		})
		if err != nil || !token.Valid {
			s.logger.Warn("operator auth failed",
				"remote_addr", r.RemoteAddr,
				"error", err,
			)
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), operatorKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// operatorFrom returns the authenticated operator's claims.
func operatorFrom(ctx context.Context) *OperatorClaims {
	claims, _ := ctx.Value(operatorKey).(*OperatorClaims)
	return claims
}

// requireAdmin gates organization management behind the admin role.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	claims := operatorFrom(r.Context())
	if claims == nil || claims.Role != "admin" {
		http.Error(w, "admin role required", http.StatusForbidden)
		return false
	}
	return true
}

// deviceLimiters tracks a token-bucket limiter per device. A misbehaving
// client hot-looping heartbeats must not be able to saturate the store.
type deviceLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newDeviceLimiters(perMinute, burst int) *deviceLimiters {
	if perMinute <= 0 {
		perMinute = 12
	}
	if burst <= 0 {
		burst = 6
	}
	return &deviceLimiters{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(float64(perMinute) / 60.0),
		burst:    burst,
	}
}

func (d *deviceLimiters) get(deviceID string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.limiters[deviceID]
	if !ok {
		l = rate.NewLimiter(d.limit, d.burst)
		d.limiters[deviceID] = l
	}
	return l
}

// forget drops a device's limiter. Called when its session is closed so the
// map does not grow without bound.
func (d *deviceLimiters) forget(deviceID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.limiters, deviceID)
}

// rateLimit rejects heartbeats that exceed the per-device budget.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deviceID := r.PathValue("id")
		if !s.limiters.get(deviceID).Allow() {
			if s.svc.Metrics() != nil {
				s.svc.Metrics().HeartbeatsRejectedTotal.Inc()
			}
			http.Error(w, "heartbeat rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
