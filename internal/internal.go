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

package internal

import (
	"io"
	"net/http"
	"time"
)

const (
	// TokenTypeBearer is the auth header prefix for bearer tokens.
	TokenTypeBearer = "Bearer"

	// DefaultUniverseDomain is the default service domain for a given Cloud
	// universe.
	DefaultUniverseDomain = "googleapis.com"

	// QuotaProjectHeaderKey is the attribution header for the project billed
	// for quota on a request.
	QuotaProjectHeaderKey = "X-Goog-User-Project"

	// maxBodySize is the limit applied when reading response bodies.
	maxBodySize = 1 << 20
)

type clonableTransport interface {
	Clone() *http.Transport
}

// DefaultClient returns an [http.Client] with a safe default timeout. The
// underlying transport is a clone of [http.DefaultTransport] when it is
// clonable, so DefaultClient callers never share transport state with
// mutations of the process-global default.
func DefaultClient() *http.Client {
	if transport, ok := http.DefaultTransport.(clonableTransport); ok {
		return &http.Client{
			Transport: transport.Clone(),
			Timeout:   30 * time.Second,
		}
	}
	return &http.Client{
		Transport: http.DefaultTransport,
		Timeout:   30 * time.Second,
	}
}

// ReadAll consumes the whole reader and safely reads the content of its body
// with our bounded reader.
func ReadAll(r io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, maxBodySize))
}
