package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ritrovo-app/ritrovo-backend/pkg/clientip"
	"golang.org/x/time/rate"
)

// History rate limit: per-IP, different limits for auth vs anonymous.
// Auth: 30 req/min, burst 20. Anonymous: 10 req/min, burst 5.
// Prevents 429 from rapid conversation switching while blocking abuse.

const (
	historyAuthRPS    = 0.5 // 30/min
	historyAuthBurst  = 20
	historyAnonRPS    = 0.17 // ~10/min
	historyAnonBurst  = 5
	historyCleanupMin = 5 * time.Minute
	historyLimiterTTL = 30 * time.Minute
)

type historyLimiterEntry struct {
	limiter *rate.Limiter
	lastUse time.Time
}

var (
	historyEntries   = make(map[string]*historyLimiterEntry)
	historyEntriesMu sync.Mutex
	historyCleanup   bool
)

func getHistoryLimiter(ip string, authenticated bool) *rate.Limiter {
	key := "anon:" + ip
	if authenticated {
		key = "auth:" + ip
	}

	historyEntriesMu.Lock()
	defer historyEntriesMu.Unlock()
	startHistoryCleanupOnce()

	e, ok := historyEntries[key]
	if !ok {
		if authenticated {
			e = &historyLimiterEntry{
				limiter: rate.NewLimiter(rate.Limit(historyAuthRPS), historyAuthBurst),
				lastUse: time.Now(),
			}
		} else {
			e = &historyLimiterEntry{
				limiter: rate.NewLimiter(rate.Limit(historyAnonRPS), historyAnonBurst),
				lastUse: time.Now(),
			}
		}
		historyEntries[key] = e
	}
	e.lastUse = time.Now()
	return e.limiter
}

func startHistoryCleanupOnce() {
	if historyCleanup {
		return
	}
	historyCleanup = true
	go func() {
		ticker := time.NewTicker(historyCleanupMin)
		defer ticker.Stop()
		for range ticker.C {
			historyEntriesMu.Lock()
			now := time.Now()
			for k, e := range historyEntries {
				if now.Sub(e.lastUse) > historyLimiterTTL {
					delete(historyEntries, k)
				}
			}
			historyEntriesMu.Unlock()
		}
	}()
}

// historyIsAuthenticated checks for Bearer token in Authorization header.
func historyIsAuthenticated(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && len(strings.TrimPrefix(auth, "Bearer ")) > 0
}

// isHistoryRequest matches GET /api/conversations/{id}/messages.
func isHistoryRequest(r *http.Request) bool {
	return r.Method == http.MethodGet &&
		strings.HasPrefix(r.URL.Path, "/api/conversations/") &&
		strings.HasSuffix(r.URL.Path, "/messages")
}

// HistoryRateLimit applies rate limiting only to paginated history fetches.
// Auth: 30/min burst 20. Anonymous: 10/min burst 5. Returns 429 with headers when exceeded.
func HistoryRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isHistoryRequest(r) {
			next.ServeHTTP(w, r)
			return
		}

		ip := clientip.RealClientIP(r)
		auth := historyIsAuthenticated(r)
		limiter := getHistoryLimiter(ip, auth)

		limit := historyAnonBurst
		if auth {
			limit = historyAuthBurst
		}

		if !limiter.Allow() {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"success":false,"message":"Too many history requests. Please slow down."}`))
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(limit-1)) // Best-effort for debugging
		next.ServeHTTP(w, r)
	})
}
