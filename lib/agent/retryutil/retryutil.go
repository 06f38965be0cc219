/*
Copyright 2018 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package retryutil provides a context-aware retry helper built on
// cenkalti/backoff, used by the sync queue processor to bound its
// in-run dispatch retries against the durable queue's own item
// bookkeeping (attempts, item id and type) rather than logging
// generically.
package retryutil

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// WithInterval retries fn using the given backoff interval until it
// succeeds, the interval is exhausted, or ctx is canceled. Every retry
// is logged against log with an "attempt" field added, so callers that
// pass a logger already scoped to the item being retried (id, type)
// get that context on each line without repeating it themselves.
// Returns nil on success or the last received error.
func WithInterval(ctx context.Context, interval backoff.BackOff, log logrus.FieldLogger, fn func() error) error {
	if log == nil {
		log = logrus.WithField(trace.Component, "retry")
	}

	b := backoff.WithContext(interval, ctx)
	attempt := 0
	err := backoff.RetryNotify(func() (err error) {
		attempt++
		return fn()
	}, b, func(err error, d time.Duration) {
		log.WithFields(logrus.Fields{
			"attempt": attempt,
			"delay":   d,
		}).WithError(err).Info("Retrying dispatch.")
	})

	switch errOrig := trace.Unwrap(err).(type) {
	case *trace.RetryError:
		err = errOrig.Err
	}
	if err != nil {
		return trace.Wrap(err)
	}
	return nil
}
