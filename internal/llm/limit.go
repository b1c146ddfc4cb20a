package llm

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// limited waits on a token bucket before every call to the wrapped provider.
type limited struct {
	Provider
	limiter *rate.Limiter
}

// Limited caps calls to p at rps per second with the given burst.
// rps <= 0 returns p unchanged.
func Limited(p Provider, rps float64, burst int) Provider {
	if rps <= 0 {
		return p
	}
	if burst < 1 {
		burst = 1
	}
	return &limited{Provider: p, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (l *limited) wait(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

func (l *limited) Complete(ctx context.Context, req *Request) (string, error) {
	if err := l.wait(ctx); err != nil {
		return "", err
	}
	return l.Provider.Complete(ctx, req)
}

func (l *limited) Stream(ctx context.Context, req *Request, fn FragmentFunc) (string, error) {
	if err := l.wait(ctx); err != nil {
		return "", err
	}
	return l.Provider.Stream(ctx, req, fn)
}
