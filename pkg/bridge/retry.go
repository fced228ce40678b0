// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
)

// RetryPolicy retries an operation that fails with M_LIMIT_EXCEEDED,
// sleeping between attempts. Every outward-facing event handler is run
// through it.
type RetryPolicy struct {
	// MaxAttempts is the total attempt count, including the first.
	MaxAttempts int
	// Interval is the fixed sleep between attempts. Zero means one second.
	Interval time.Duration
	Log      zerolog.Logger
}

// Run executes op. A rate-limited failure is retried up to MaxAttempts
// times; any other failure (or success) returns immediately with op's own
// result. Exhausting the attempts abandons the operation and returns nil:
// the wrapped handlers are best-effort sends with their side effects
// already performed.
func (p RetryPolicy) Run(ctx context.Context, op func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	interval := p.Interval
	if interval <= 0 {
		interval = time.Second
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		err := op()
		if err == nil || !errors.Is(err, mautrix.MLimitExceeded) {
			return err
		}
		if attempt == attempts {
			p.Log.Warn().
				Int("attempts", attempts).
				Msg("Rate limit retries exhausted, abandoning operation")
			break
		}
		p.Log.Debug().
			Int("attempt", attempt).
			Dur("interval", interval).
			Msg("Rate limited, retrying")

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
	return nil
}
