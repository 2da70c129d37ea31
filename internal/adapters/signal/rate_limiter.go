package signal

import (
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/dkeye/voicecore/internal/domain"
)

// limitedOps are the control-plane requests that reach a media worker.
var limitedOps = map[string]bool{
	opJoinRoom:        true,
	opCreateTransport: true,
	opProduce:         true,
	opConsume:         true,
}

// Limiter is the admission token bucket of one signaling connection.
type Limiter struct {
	bucket *rate.Limiter
}

func NewLimiter(perSecond float64, burst int) *Limiter {
	return &Limiter{bucket: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Allow takes a token for limited request types and fails with
// ErrRateLimited when the bucket is empty. Other types always pass.
func (l *Limiter) Allow(op string) error {
	return l.allowAt(op, time.Now())
}

func (l *Limiter) allowAt(op string, now time.Time) error {
	if !limitedOps[op] {
		return nil
	}
	if !l.bucket.AllowN(now, 1) {
		return fmt.Errorf("%s: %w", op, domain.ErrRateLimited)
	}
	return nil
}
