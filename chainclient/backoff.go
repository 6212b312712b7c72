package chainclient

import (
	"errors"
	"math/rand"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
)

const (
	dialTimeout = 10 * time.Second

	// Request/response retry policy: overloaded endpoints back off harder.
	rpcRetryBase = 15 * time.Second
	rpcRetryMax  = 2 * time.Minute

	// Push stream reconnect policy.
	streamRetryBase    = 5 * time.Second
	streamRetryBase503 = 15 * time.Second
	streamRetryMax     = 10 * time.Minute
)

// isServiceUnavailable reports whether the endpoint answered HTTP 503.
func isServiceUnavailable(err error) bool {
	var httpErr rpc.HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusServiceUnavailable
}

// expBackoff doubles base attempt times, caps at max and adds 0-30% jitter so
// reconnecting processes do not stampede a recovering endpoint.
func expBackoff(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	return d + time.Duration(rand.Int63n(int64(d)/10*3+1))
}

// rpcRetryDelay is the wait before re-walking the endpoint pool.
func rpcRetryDelay(attempt int) time.Duration {
	return expBackoff(rpcRetryBase, rpcRetryMax, attempt)
}

// streamRetryDelay is the wait before re-establishing the push stream. A 503
// means the provider is shedding load, so the base is three times longer.
func streamRetryDelay(attempt int, err error) time.Duration {
	base := streamRetryBase
	if isServiceUnavailable(err) {
		base = streamRetryBase503
	}
	return expBackoff(base, streamRetryMax, attempt)
}
