package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Sign computes the X-Webhook-Signature value: an HMAC-SHA256 over
// "t=<unix-seconds>\n<json-payload>" rendered as "t=<ts>,v1=<hex>". The
// embedded timestamp lets receivers reject replayed bodies.
func Sign(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "t=%d\n", ts)
	mac.Write(body)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

// MaxSignatureAge is the window receivers are expected to enforce.
const MaxSignatureAge = 5 * time.Minute

// Verify checks a received signature header against the body. It is the
// reference consumer-side check: merchants embed equivalent logic, and the
// delivery tests use it to pin the wire format.
func Verify(secret, header string, body []byte, now time.Time) error {
	var ts int64
	var mac string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return errors.New("webhook: malformed signature header")
		}
		switch k {
		case "t":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return errors.New("webhook: malformed signature timestamp")
			}
			ts = n
		case "v1":
			mac = v
		}
	}
	if ts == 0 || mac == "" {
		return errors.New("webhook: signature header missing t or v1")
	}
	age := now.Sub(time.Unix(ts, 0))
	if age > MaxSignatureAge || age < -MaxSignatureAge {
		return errors.New("webhook: signature timestamp outside tolerance")
	}
	want := Sign(secret, ts, body)
	if !hmac.Equal([]byte(want), []byte(fmt.Sprintf("t=%d,v1=%s", ts, mac))) {
		return errors.New("webhook: signature mismatch")
	}
	return nil
}
