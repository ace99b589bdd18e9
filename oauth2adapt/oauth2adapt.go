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

// Package oauth2adapt helps converts types used in
// [github.com/hostauth/gcemeta] and [golang.org/x/oauth2].
package oauth2adapt

import (
	"context"
	"errors"

	"github.com/hostauth/gcemeta"
	"golang.org/x/oauth2"
)

// TokenProviderFromTokenSource converts any [golang.org/x/oauth2.TokenSource]
// into a [github.com/hostauth/gcemeta.TokenProvider].
func TokenProviderFromTokenSource(ts oauth2.TokenSource) gcemeta.TokenProvider {
	return &tokenProviderAdapter{ts: ts}
}

type tokenProviderAdapter struct {
	ts oauth2.TokenSource
}

// Token fulfills the [github.com/hostauth/gcemeta.TokenProvider] interface.
// It is a light wrapper around the underlying TokenSource.
func (tp *tokenProviderAdapter) Token(context.Context) (*gcemeta.Token, error) {
	tok, err := tp.ts.Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if !errors.As(err, &retrieveErr) {
			return nil, err
		}
		return nil, &gcemeta.Error{
			Response: retrieveErr.Response,
			Body:     retrieveErr.Body,
			Err:      retrieveErr,
		}
	}
	return &gcemeta.Token{
		Value:  tok.AccessToken,
		Type:   tok.Type(),
		Expiry: tok.Expiry,
	}, nil
}

// TokenSourceFromTokenProvider converts any
// [github.com/hostauth/gcemeta.TokenProvider] into a
// [golang.org/x/oauth2.TokenSource]. A provider that reports "no credential
// available" with a nil token surfaces as an error here, because the oauth2
// contract has no absent-token outcome.
func TokenSourceFromTokenProvider(tp gcemeta.TokenProvider) oauth2.TokenSource {
	return &tokenSourceAdapter{tp: tp}
}

type tokenSourceAdapter struct {
	tp gcemeta.TokenProvider
}

// Token fulfills the [golang.org/x/oauth2.TokenSource] interface. It is a
// light wrapper around the underlying TokenProvider.
func (ts *tokenSourceAdapter) Token() (*oauth2.Token, error) {
	tok, err := ts.tp.Token(context.Background())
	if err != nil {
		var adaptErr *gcemeta.Error
		if !errors.As(err, &adaptErr) {
			return nil, err
		}
		return nil, &oauth2.RetrieveError{
			Response: adaptErr.Response,
			Body:     adaptErr.Body,
		}
	}
	if tok == nil {
		return nil, errors.New("oauth2adapt: no token available")
	}
	return &oauth2.Token{
		AccessToken: tok.Value,
		TokenType:   tok.Type,
		Expiry:      tok.Expiry,
	}, nil
}
