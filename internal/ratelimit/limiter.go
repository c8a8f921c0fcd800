// Package ratelimit paces how fast new browser sessions are opened.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter spaces session launches perSecond apart. Burst is one, so the first
// launch is immediate and the rest are evenly spread. A nil Limiter or a zero
// rate never blocks.
type Limiter struct {
	limiter *rate.Limiter
}

func New(perSecond float64) *Limiter {
	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
	}
}

func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil || l.limiter.Limit() == 0 {
		return nil
	}
	return l.limiter.Wait(ctx)
}
