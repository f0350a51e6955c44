// Package retry implements bounded retries with exponential backoff.
package retry

import (
	"context"
	"time"
)

// Policy describes a retry schedule: up to Attempts tries, waiting Base
// before the second try and doubling up to Max between later ones.
type Policy struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

// Default is the policy used for transient catalog and blob failures.
var Default = Policy{
	Attempts: 3,
	Base:     250 * time.Millisecond,
	Max:      2 * time.Second,
}

// Do runs op until it succeeds, the policy is exhausted, or ctx is
// cancelled. The last error is returned on exhaustion; a cancelled context
// returns ctx.Err.
func (p Policy) Do(ctx context.Context, op func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	delay := p.Base
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			delay *= 2
			if p.Max > 0 && delay > p.Max {
				delay = p.Max
			}
		}
		if err = op(); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return err
}
