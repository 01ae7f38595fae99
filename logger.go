// Copyright 2022 Sylvain Müller. All rights reserved.
// Mount of this source code is governed by a Apache-2.0 license that can be found
// at https://github.com/tigerwill90/fox/blob/master/LICENSE.txt.

package resourceresolver

import (
	"log/slog"
	"sync"
	"time"
)

// throttledLogger logs at most one ERROR line per window, regardless of how
// many times Error is called. It backs the "disable the feature and log a
// throttled error" paths in AliasIndex and VanityPathIndex initialization
// (spec §4.3/§4.4/§7).
type throttledLogger struct {
	log    *slog.Logger
	window time.Duration

	mu   sync.Mutex
	last time.Time
}

func newThrottledLogger(log *slog.Logger, window time.Duration) *throttledLogger {
	if log == nil {
		log = slog.Default()
	}
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &throttledLogger{log: log, window: window}
}

// Error logs msg at ERROR level, suppressing any call that lands within the
// configured window of the previous one that actually logged.
func (t *throttledLogger) Error(msg string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	if !t.last.IsZero() && now.Sub(t.last) < t.window {
		return
	}
	t.last = now
	t.log.Error(msg, args...)
}
