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

package oauth2adapt

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/hostauth/gcemeta"
	"golang.org/x/oauth2"
)

type tokenSource struct {
	token *oauth2.Token
	err   error
}

func (ts tokenSource) Token() (*oauth2.Token, error) {
	if ts.err != nil {
		return nil, ts.err
	}
	return ts.token, nil
}

type tokenProvider struct {
	token *gcemeta.Token
	err   error
}

func (tp tokenProvider) Token(context.Context) (*gcemeta.Token, error) {
	if tp.err != nil {
		return nil, tp.err
	}
	return tp.token, nil
}

func TestTokenProviderFromTokenSource(t *testing.T) {
	tests := []struct {
		name  string
		token *oauth2.Token
		err   error
	}{
		{
			name:  "working token",
			token: &oauth2.Token{AccessToken: "fakeToken", TokenType: "Basic"},
		},
		{
			name: "converts err",
			err: &oauth2.RetrieveError{
				Body: []byte("some bytes"),
				Response: &http.Response{
					StatusCode: http.StatusTeapot,
				},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tp := TokenProviderFromTokenSource(tokenSource{token: tt.token, err: tt.err})
			tok, err := tp.Token(context.Background())
			if tt.err != nil {
				aErr := &gcemeta.Error{}
				if !errors.As(err, &aErr) {
					t.Fatalf("error not of correct type: %T", err)
				}
				if got, want := aErr.Response.StatusCode, http.StatusTeapot; got != want {
					t.Errorf("got status %d, want %d", got, want)
				}
				if got, want := string(aErr.Body), "some bytes"; got != want {
					t.Errorf("got body %q, want %q", got, want)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got, want := tok.Value, tt.token.AccessToken; got != want {
				t.Errorf("got value %q, want %q", got, want)
			}
			if got, want := tok.Type, tt.token.TokenType; got != want {
				t.Errorf("got type %q, want %q", got, want)
			}
		})
	}
}

func TestTokenSourceFromTokenProvider(t *testing.T) {
	expiry := time.Now().Add(time.Hour)
	tests := []struct {
		name  string
		token *gcemeta.Token
		err   error
	}{
		{
			name:  "working token",
			token: &gcemeta.Token{Value: "fakeToken", Type: "Basic", Expiry: expiry},
		},
		{
			name: "converts err",
			err: &gcemeta.Error{
				Body: []byte("some bytes"),
				Response: &http.Response{
					StatusCode: http.StatusTeapot,
				},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := TokenSourceFromTokenProvider(tokenProvider{token: tt.token, err: tt.err})
			tok, err := ts.Token()
			if tt.err != nil {
				rErr := &oauth2.RetrieveError{}
				if !errors.As(err, &rErr) {
					t.Fatalf("error not of correct type: %T", err)
				}
				if got, want := rErr.Response.StatusCode, http.StatusTeapot; got != want {
					t.Errorf("got status %d, want %d", got, want)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got, want := tok.AccessToken, tt.token.Value; got != want {
				t.Errorf("got value %q, want %q", got, want)
			}
			if !tok.Expiry.Equal(expiry) {
				t.Errorf("got expiry %v, want %v", tok.Expiry, expiry)
			}
		})
	}
}

func TestTokenSourceFromTokenProvider_NoToken(t *testing.T) {
	ts := TokenSourceFromTokenProvider(tokenProvider{})
	if _, err := ts.Token(); err == nil {
		t.Fatal("Token() = nil, want error for absent token")
	}
}
