package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// idempotencyTTL is how long a replayed response stays available.
const idempotencyTTL = 24 * time.Hour

// maxBodyBytes caps request bodies; anything larger is rejected before
// signature verification touches it.
const maxBodyBytes = 1 << 20

// rateLimit enforces a fixed per-minute window per API key. The counter lives
// in Redis so the limit holds across instances; without Redis an in-process
// window covers the single-instance deployment.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keyID := r.Header.Get("X-Api-Key")
		if keyID == "" {
			next.ServeHTTP(w, r)
			return
		}
		window := s.now().Unix() / 60
		count, ok := s.countRequest(keyID, window)
		reset := (window + 1) * 60
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(s.ratePerMinute))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))
		if !ok {
			w.Header().Set("Retry-After", strconv.FormatInt(reset-s.now().Unix(), 10))
			s.writeError(w, http.StatusTooManyRequests, "rate_limited",
				fmt.Sprintf("limit of %d requests per minute exceeded", s.ratePerMinute))
			return
		}
		remaining := s.ratePerMinute - count
		if remaining < 0 {
			remaining = 0
		}
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		next.ServeHTTP(w, r)
	})
}

func (s *Server) countRequest(keyID string, window int64) (int, bool) {
	rkey := fmt.Sprintf("bpgw:rate:%s:%d", keyID, window)
	if s.redis != nil {
		n, err := s.redis.Incr(rkey).Result()
		if err == nil {
			if n == 1 {
				s.redis.Expire(rkey, 2*time.Minute)
			}
			return int(n), n <= int64(s.ratePerMinute)
		}
		s.log.Warn("Rate limiter degraded to in-process", "err", err)
	}
	s.localMu.Lock()
	defer s.localMu.Unlock()
	if s.localWindow != window {
		s.localWindow = window
		s.localCounts = make(map[string]int)
	}
	s.localCounts[keyID]++
	n := s.localCounts[keyID]
	return n, n <= s.ratePerMinute
}

// storedResponse is the cached result of an idempotent request.
type storedResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// recorder captures the response for the idempotency cache.
type recorder struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
}

func (r *recorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(b []byte) (int, error) {
	r.buf.Write(b)
	return r.ResponseWriter.Write(b)
}

// idempotency replays the stored response of a retried mutation. Scoped to the
// authenticated merchant so keys cannot collide across tenants.
func (s *Server) idempotency(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idemKey := r.Header.Get("Idempotency-Key")
		if idemKey == "" || r.Method == http.MethodGet {
			next.ServeHTTP(w, r)
			return
		}
		rkey := "bpgw:idem:" + merchantID(r) + ":" + idemKey

		if s.redis != nil {
			if raw, err := s.redis.Get(rkey).Bytes(); err == nil {
				var stored storedResponse
				if json.Unmarshal(raw, &stored) == nil {
					w.Header().Set("Content-Type", "application/json")
					w.Header().Set("X-Idempotent-Replay", "true")
					w.WriteHeader(stored.Status)
					w.Write(stored.Body)
					return
				}
			}
		}

		rec := &recorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if s.redis != nil && rec.status < http.StatusInternalServerError {
			raw, err := json.Marshal(storedResponse{Status: rec.status, Body: rec.buf.Bytes()})
			if err == nil {
				if err := s.redis.Set(rkey, raw, idempotencyTTL).Err(); err != nil {
					s.log.Warn("Idempotency store failed", "err", err)
				}
			}
		}
	})
}

// logRequests is the access log.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		rec := &recorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("Request served", "method", r.Method, "path", r.URL.Path,
			"status", rec.status, "elapsed", time.Since(start))
	})
}
