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

// Package gcemeta provides the token model shared by the credential types in
// this module. Most users want [github.com/hostauth/gcemeta/credentials].
package gcemeta

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

const defaultExpiryDelta = 10 * time.Second

// for testing
var timeNow = time.Now

// TokenProvider specifies an interface for anything that can return a token.
type TokenProvider interface {
	// Token returns a Token or an error. The returned Token must be safe to
	// use concurrently and must not be modified. The context provided must
	// be sent along to any requests that are made in the implementing code.
	Token(context.Context) (*Token, error)
}

// Token holds the credential token used to authorize requests. All fields
// are considered read-only.
type Token struct {
	// Value is the token used to authorize requests. It is usually an access
	// token but may be an ID token in audience-bound flows.
	Value string
	// Type is the type of token Value is. If uninitialized, it should be
	// assumed to be a "Bearer" token.
	Type string
	// Expiry is the time the token is set to expire. A zero value means the
	// expiry is unknown and the token is treated as valid.
	Expiry time.Time
	// Metadata may include, but is not limited to, the body of the token
	// response returned by the server.
	Metadata map[string]interface{}
}

// IsValid reports that a [Token] is non-nil, has a [Token.Value], and has
// not expired. A token is considered expired if [Token.Expiry] has passed or
// will pass in the next 10 seconds.
func (t *Token) IsValid() bool {
	return t.isValidWithEarlyExpiry(defaultExpiryDelta)
}

func (t *Token) isValidWithEarlyExpiry(earlyExpiry time.Duration) bool {
	if t == nil || t.Value == "" {
		return false
	}
	if t.Expiry.IsZero() {
		return true
	}
	return !t.Expiry.Round(0).Add(-earlyExpiry).Before(timeNow())
}

// MetadataString is a convenience method for reading string values from
// [Token.Metadata]. It returns an empty string for missing keys and
// non-string values.
func (t *Token) MetadataString(k string) string {
	if t == nil || t.Metadata == nil {
		return ""
	}
	v, ok := t.Metadata[k]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}

// CachedTokenProviderOptions provides options for configuring a cached
// [TokenProvider].
type CachedTokenProviderOptions struct {
	// DisableAutoRefresh makes the TokenProvider always return the same
	// token, even if it is expired.
	DisableAutoRefresh bool
	// ExpireEarly configures the amount of time before a token expires that
	// it should be refreshed.
	ExpireEarly time.Duration
}

func (ctpo *CachedTokenProviderOptions) autoRefresh() bool {
	if ctpo == nil {
		return true
	}
	return !ctpo.DisableAutoRefresh
}

func (ctpo *CachedTokenProviderOptions) expireEarly() time.Duration {
	if ctpo == nil || ctpo.ExpireEarly == 0 {
		return defaultExpiryDelta
	}
	return ctpo.ExpireEarly
}

// NewCachedTokenProvider wraps a [TokenProvider] to cache the tokens
// returned by the underlying provider. Wrapped providers that report "no
// credential available" with a nil token are not cached, so a later call
// re-consults the underlying provider.
func NewCachedTokenProvider(tp TokenProvider, opts *CachedTokenProviderOptions) TokenProvider {
	if ctp, ok := tp.(*cachedTokenProvider); ok {
		return ctp
	}
	return &cachedTokenProvider{
		tp:          tp,
		autoRefresh: opts.autoRefresh(),
		expireEarly: opts.expireEarly(),
	}
}

type cachedTokenProvider struct {
	tp          TokenProvider
	autoRefresh bool
	expireEarly time.Duration

	mu          sync.Mutex
	cachedToken *Token
}

func (c *cachedTokenProvider) Token(ctx context.Context) (*Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cachedToken.isValidWithEarlyExpiry(c.expireEarly) || (c.cachedToken != nil && !c.autoRefresh) {
		return c.cachedToken, nil
	}
	t, err := c.tp.Token(ctx)
	if err != nil {
		return nil, err
	}
	c.cachedToken = t
	return t, nil
}

// Error is an error associated with retrieving a [Token]. It can hold useful
// additional details for debugging.
type Error struct {
	// Response is the HTTP response associated with the error. The body will
	// always be already closed and consumed.
	Response *http.Response
	// Body is the HTTP response body.
	Body []byte
	// Err is the underlying wrapped error.
	Err error
}

func (e *Error) Error() string {
	if e.Response == nil {
		return fmt.Sprintf("gcemeta: cannot fetch token: %v", e.Err)
	}
	return fmt.Sprintf("gcemeta: cannot fetch token: %v\nResponse: %s", e.Response.StatusCode, e.Body)
}

// Temporary returns true if the error is considered temporary and may be
// able to be retried.
func (e *Error) Temporary() bool {
	if e.Response == nil {
		return false
	}
	sc := e.Response.StatusCode
	return sc == http.StatusInternalServerError ||
		sc == http.StatusServiceUnavailable ||
		sc == http.StatusRequestTimeout ||
		sc == http.StatusTooManyRequests
}

func (e *Error) Unwrap() error {
	return e.Err
}
