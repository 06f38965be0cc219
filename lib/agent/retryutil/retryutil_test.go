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

package retryutil

import (
	"context"
	"errors"
	"testing"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestWithIntervalSucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := WithInterval(context.Background(), backoff.NewExponentialBackOff(), nil, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestWithIntervalReturnsLastErrorWhenExhausted(t *testing.T) {
	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
	attempts := 0
	err := WithInterval(context.Background(), b, logrus.WithField("test", "exhausted"), func() error {
		attempts++
		return errors.New("still failing")
	})
	require.Error(t, err)
	require.Equal(t, 3, attempts, "initial attempt plus two retries")
}

func TestWithIntervalStopsOnContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := WithInterval(ctx, backoff.NewExponentialBackOff(), nil, func() error {
		attempts++
		return errors.New("never succeeds")
	})
	require.Error(t, err)
	require.LessOrEqual(t, attempts, 1)
}
