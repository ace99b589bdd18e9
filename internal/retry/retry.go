// Copyright 2026 the gcemeta authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package retry provides the bounded retry policy used for metadata and
// signing requests once the host is known to be on-platform.
package retry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/googleapis/gax-go/v2"
)

// MaxAttempts is the number of retries allowed on top of the initial
// request.
const MaxAttempts = 5

type backoff interface {
	Pause() time.Duration
}

// Retryer decides whether a failed request should be tried again. It is
// single-use: one Retryer tracks the attempt count of one logical request.
type Retryer struct {
	bo       backoff
	attempts int
}

// New returns a [Retryer] with the default backoff policy.
func New() *Retryer {
	return &Retryer{bo: &gax.Backoff{Initial: 100 * time.Millisecond}}
}

// Retry reports whether the request that produced the given status code and
// error should be retried, and if so how long to pause first.
func (r *Retryer) Retry(status int, err error) (time.Duration, bool) {
	if status == http.StatusOK {
		return 0, false
	}
	if !shouldRetry(status, err) {
		return 0, false
	}
	if r.attempts == MaxAttempts {
		return 0, false
	}
	r.attempts++
	return r.bo.Pause(), true
}

// Sleep pauses for the given duration, returning early with the context's
// error if it is done first.
func Sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func shouldRetry(status int, err error) bool {
	if 500 <= status && status <= 599 {
		return true
	}
	// http.Client wraps transport errors in *url.Error, whose Temporary()
	// does not see through to the cause, so keep unwrapping past a false
	// answer.
	for err != nil {
		if err == io.ErrUnexpectedEOF {
			return true
		}
		if t, ok := err.(interface{ Temporary() bool }); ok && t.Temporary() {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}
