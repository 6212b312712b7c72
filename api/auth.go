package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/stablepay/bpgw/audit"
)

// maxClockSkew bounds how far a request timestamp may drift from server time.
const maxClockSkew = 5 * time.Minute

// nonceTTL is how long a nonce stays burned. Longer than the skew window so a
// replay cannot slip in after its nonce expires but its timestamp still
// verifies.
const nonceTTL = 15 * time.Minute

// HashSecret digests an API secret for storage.
func HashSecret(secret string, cost int) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// signRequest computes the request signature: HMAC-SHA256 over the timestamp,
// nonce, method, path and body joined by newlines. The body line is omitted
// for bodyless requests.
func signRequest(secret []byte, timestamp, nonce, method, path string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	io.WriteString(mac, timestamp)
	mac.Write([]byte{'\n'})
	io.WriteString(mac, nonce)
	mac.Write([]byte{'\n'})
	io.WriteString(mac, method)
	mac.Write([]byte{'\n'})
	io.WriteString(mac, path)
	if len(body) > 0 {
		mac.Write([]byte{'\n'})
		mac.Write(body)
	}
	return hex.EncodeToString(mac.Sum(nil))
}

type ctxKey int

const merchantKey ctxKey = iota

// merchantID returns the authenticated merchant of a request.
func merchantID(r *http.Request) string {
	v, _ := r.Context().Value(merchantKey).(string)
	return v
}

// authenticate verifies the signed-request scheme: X-Api-Key names the key,
// X-Timestamp must be within the skew window, X-Nonce must never have been
// seen, and X-Signature must match the HMAC over the request. On success the
// merchant id is attached to the request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keyID := r.Header.Get("X-Api-Key")
		timestamp := r.Header.Get("X-Timestamp")
		nonce := r.Header.Get("X-Nonce")
		signature := r.Header.Get("X-Signature")
		if keyID == "" || timestamp == "" || nonce == "" || signature == "" {
			s.writeError(w, http.StatusUnauthorized, "unauthorized", "missing authentication headers")
			return
		}

		ts, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, "unauthorized", "malformed timestamp")
			return
		}
		if drift := s.now().Sub(time.Unix(ts, 0)); drift > maxClockSkew || drift < -maxClockSkew {
			s.writeError(w, http.StatusUnauthorized, "unauthorized", "timestamp outside allowed window")
			return
		}

		key, err := s.store.APIKeyByID(r.Context(), keyID)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, "unauthorized", "unknown api key")
			return
		}
		secret, err := s.vault.Decrypt(key.SecretBlob)
		if err != nil {
			s.log.Error("API key secret unreadable", "key", keyID, "err", err)
			s.writeError(w, http.StatusUnauthorized, "unauthorized", "unknown api key")
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "bad_request", "unreadable body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		want := signRequest(secret, timestamp, nonce, r.Method, r.URL.Path, body)
		if !hmac.Equal([]byte(want), []byte(strings.ToLower(signature))) {
			s.writeError(w, http.StatusUnauthorized, "unauthorized", "signature mismatch")
			return
		}

		if !s.burnNonce(keyID, nonce) {
			s.writeError(w, http.StatusUnauthorized, "unauthorized", "nonce already used")
			return
		}

		if err := s.store.TouchAPIKey(r.Context(), keyID, s.now().UTC()); err != nil {
			s.log.Warn("API key touch failed", "key", keyID, "err", err)
		}
		if err := s.auditor.Record(r.Context(), audit.Entry{
			Action:     audit.ActionAPIKeyUsed,
			EntityKind: audit.EntityAPIKey,
			EntityID:   keyID,
			Actor:      key.MerchantID,
			Detail:     r.Method + " " + r.URL.Path,
		}); err != nil {
			s.log.Warn("Audit write failed", "err", err)
		}

		ctx := context.WithValue(r.Context(), merchantKey, key.MerchantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// burnNonce marks a nonce used, reporting whether it was fresh. Without Redis
// an in-process set provides single-instance protection.
func (s *Server) burnNonce(keyID, nonce string) bool {
	rkey := "bpgw:nonce:" + keyID + ":" + nonce
	if s.redis != nil {
		ok, err := s.redis.SetNX(rkey, 1, nonceTTL).Result()
		if err == nil {
			return ok
		}
		s.log.Warn("Nonce check degraded to in-process", "err", err)
	}
	s.localMu.Lock()
	defer s.localMu.Unlock()
	if exp, seen := s.localNonces[rkey]; seen && s.now().Before(exp) {
		return false
	}
	s.localNonces[rkey] = s.now().Add(nonceTTL)
	return true
}

// VerifySecret checks a presented whole secret against its bcrypt digest.
// Used by key-management tooling rather than the request path.
func VerifySecret(hash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}
