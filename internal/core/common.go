/*
sspac — PAC generator for GFWList-style rule lists
Copyright (C) 2025  Pepijn van der Stap <rxtls@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package core

import (
	"context"
	"log"
	"math"
	"math/rand"
	"time"
)

// Retry constants
const (
	RetryBaseDelay         = 500 * time.Millisecond
	RetryMaxDelay          = 30 * time.Second
	RetryBackoffMultiplier = 2.0
	RetryJitterFactor      = 0.2
)

// Backoff returns the delay before retry number attempt (1-based), growing
// geometrically from RetryBaseDelay up to RetryMaxDelay with +/- jitter.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(RetryBaseDelay) * math.Pow(RetryBackoffMultiplier, float64(attempt-1))
	if d > float64(RetryMaxDelay) {
		d = float64(RetryMaxDelay)
	}
	jitter := (rand.Float64()*2 - 1) * RetryJitterFactor * d
	return time.Duration(d + jitter)
}

// Retry calls fn up to attempts times, sleeping Backoff between tries, as long
// as fn keeps returning retryable errors. The last error is returned.
func Retry(ctx context.Context, attempts int, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil || !IsRetryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		wait := Backoff(attempt)
		log.Printf("retry: attempt %d/%d failed, next in %s: %v", attempt, attempts, wait.Round(time.Millisecond), err)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
