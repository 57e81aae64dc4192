package httpx

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Pacer spaces outbound requests. *rate.Limiter satisfies it.
type Pacer interface {
	Wait(ctx context.Context) error
}

// NewPacer returns a limiter that admits one request per interval with the
// given burst. A non-positive interval disables pacing.
func NewPacer(interval time.Duration, burst int) *rate.Limiter {
	if burst < 1 {
		burst = 1
	}
	if interval <= 0 {
		return rate.NewLimiter(rate.Inf, burst)
	}
	return rate.NewLimiter(rate.Every(interval), burst)
}
