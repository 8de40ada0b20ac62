// Copyright 2023 The NS-Stack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package logger

import (
	"golang.org/x/time/rate"
)

// Throttler rate-limits warnings emitted from per-packet hot paths so a
// flood of malformed traffic cannot drown the log.
type Throttler struct {
	limiter *rate.Limiter
	logger  *Logger
}

// NewThrottler allows at most burst messages immediately and then one
// message per interval given by everyPerSec.
func NewThrottler(l *Logger, everyPerSec float64, burst int) *Throttler {
	if l == nil {
		l = Default()
	}
	return &Throttler{
		limiter: rate.NewLimiter(rate.Limit(everyPerSec), burst),
		logger:  l,
	}
}

// Warningf logs iff the limiter admits the event; suppressed messages are
// dropped silently.
func (t *Throttler) Warningf(format string, a ...interface{}) {
	if t.limiter.Allow() {
		t.logger.Warningf(format, a...)
	}
}
