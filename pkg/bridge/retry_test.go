// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
)

func testPolicy(maxAttempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: maxAttempts,
		Interval:    time.Millisecond,
		Log:         zerolog.Nop(),
	}
}

func TestRetryRateLimitedThenSuccess(t *testing.T) {
	sideEffects := 0
	calls := 0
	err := testPolicy(3).Run(context.Background(), func() error {
		calls++
		if calls == 1 {
			return mautrix.MLimitExceeded
		}
		sideEffects++
		return nil
	})

	if err != nil {
		t.Errorf("Run returned %v, want nil", err)
	}
	if calls != 2 {
		t.Errorf("op called %d times, want 2", calls)
	}
	if sideEffects != 1 {
		t.Errorf("side effect happened %d times, want exactly 1", sideEffects)
	}
}

func TestRetryOtherErrorReturnsImmediately(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := testPolicy(5).Run(context.Background(), func() error {
		calls++
		return boom
	})

	if !errors.Is(err, boom) {
		t.Errorf("Run returned %v, want %v", err, boom)
	}
	if calls != 1 {
		t.Errorf("op called %d times, want 1", calls)
	}
}

func TestRetryExhaustionIsSilent(t *testing.T) {
	calls := 0
	err := testPolicy(3).Run(context.Background(), func() error {
		calls++
		return mautrix.MLimitExceeded
	})

	if err != nil {
		t.Errorf("Run returned %v, want nil after exhaustion", err)
	}
	if calls != 3 {
		t.Errorf("op called %d times, want 3 (max attempts inclusive of the first)", calls)
	}
}

func TestRetryWrappedRateLimitIsDetected(t *testing.T) {
	calls := 0
	err := testPolicy(2).Run(context.Background(), func() error {
		calls++
		if calls == 1 {
			return fmt.Errorf("send message: %w", mautrix.MLimitExceeded)
		}
		return nil
	})

	if err != nil {
		t.Errorf("Run returned %v, want nil", err)
	}
	if calls != 2 {
		t.Errorf("op called %d times, want 2", calls)
	}
}

func TestRetryContextCancelStopsSleeping(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	policy := RetryPolicy{MaxAttempts: 3, Interval: time.Hour, Log: zerolog.Nop()}
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- policy.Run(ctx, func() error {
			calls++
			return mautrix.MLimitExceeded
		})
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
	if calls != 1 {
		t.Errorf("op called %d times, want 1", calls)
	}
}

func TestRetryZeroAttemptsStillRunsOnce(t *testing.T) {
	calls := 0
	err := testPolicy(0).Run(context.Background(), func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Errorf("Run returned %v, want nil", err)
	}
	if calls != 1 {
		t.Errorf("op called %d times, want 1", calls)
	}
}
