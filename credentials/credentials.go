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

// Package credentials resolves short-lived credentials from the Google
// Compute Engine metadata service, without any static secrets being present
// on the host.
//
// A [Credentials] instance is configured for exactly one token shape: the
// default scopes of the attached service account, an explicit set of scopes,
// or an audience-bound identity token. When the process is not running on
// GCE at all, lookups report absence rather than failure: [Credentials.Token]
// returns a nil token and identity facts come back empty, all with a nil
// error, so callers can branch on emptiness to distinguish "no credential
// available here" from "something is broken".
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/googleapis/gax-go/v2/internallog"
	"github.com/hostauth/gcemeta"
	"github.com/hostauth/gcemeta/credentials/iamsign"
	"github.com/hostauth/gcemeta/internal"
	"github.com/hostauth/gcemeta/metadata"
)

var (
	computeTokenURI    = "instance/service-accounts/default/token"
	computeIdentityURI = "instance/service-accounts/default/identity"

	computeTokenMetadata = map[string]interface{}{
		"gcemeta.tokenSource":    "compute-metadata",
		"gcemeta.serviceAccount": "default",
	}
)

// BlobSigner is the collaborator [Credentials.SignBlob] delegates to. The
// implementation performs the remote signing call with the resolved service
// account email and a valid access token; the payload is passed through
// unmodified and the returned signature is surfaced verbatim.
type BlobSigner interface {
	SignBlob(ctx context.Context, serviceAccountEmail, accessToken string, payload []byte) ([]byte, error)
}

// Options for configuring [Credentials].
type Options struct {
	// Scopes requested for the access token. Optional. Mutually exclusive
	// with TargetAudience; when neither is set the token carries the service
	// account's default scopes.
	Scopes []string
	// TargetAudience is the audience an identity token should be bound to.
	// Setting it switches the instance to identity-token mode. Optional.
	// Mutually exclusive with Scopes.
	TargetAudience string
	// QuotaProject is the project used for quota attribution on outbound
	// calls. It plays no part in authentication. Optional.
	QuotaProject string
	// Client configures the underlying client used to make network requests.
	// It may be shared between credential instances and must be safe for
	// concurrent use. Optional.
	Client *http.Client
	// Signer performs the remote blob-signing call. Defaults to the IAM
	// Credentials signBlob API. Optional.
	Signer BlobSigner
	// Logger is used for debug logging. If provided, logging will be enabled
	// at the levels provided via the logger. Optional.
	Logger *slog.Logger
}

func (o *Options) validate() error {
	if o == nil {
		return errors.New("credentials: options must be provided")
	}
	if len(o.Scopes) > 0 && o.TargetAudience != "" {
		return errors.New("credentials: scopes and target audience are mutually exclusive")
	}
	return nil
}

func (o *Options) client() *http.Client {
	if o.Client != nil {
		return o.Client
	}
	return internal.DefaultClient()
}

// Credentials resolves tokens and identity facts for the service account
// attached to the current GCE instance.
//
// Detection of the GCE environment happens once per instance, on first use.
// Identity facts (service account email, project ID, universe domain) are
// resolved lazily and memoized; they do not rotate within a process
// lifetime. The last successfully fetched token is cached for reuse by
// [Credentials.SignBlob], but Token itself always performs a fresh fetch:
// wrap the instance with [gcemeta.NewCachedTokenProvider] for
// validity-aware reuse.
type Credentials struct {
	client       *metadata.Client
	signer       BlobSigner
	scopes       []string
	audience     string
	quotaProject string
	logger       *slog.Logger

	mu             sync.Mutex
	lastToken      *gcemeta.Token
	email          string
	projectID      string
	universeDomain string
}

var _ gcemeta.TokenProvider = (*Credentials)(nil)

// New returns [Credentials] configured with the provided options. It fails,
// before any network activity, if both scopes and a target audience are
// set.
func New(opts *Options) (*Credentials, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	hc := opts.client()
	signer := opts.Signer
	if signer == nil {
		signer = iamsign.NewClient(&iamsign.Options{
			Client:       hc,
			QuotaProject: opts.QuotaProject,
			Logger:       opts.Logger,
		})
	}
	return &Credentials{
		client: metadata.NewWithOptions(&metadata.Options{
			Client: hc,
			Logger: opts.Logger,
		}),
		signer:       signer,
		scopes:       opts.Scopes,
		audience:     opts.TargetAudience,
		quotaProject: opts.QuotaProject,
		logger:       internallog.New(opts.Logger),
	}, nil
}

// OnGCE reports whether the process is running on a GCE host. The first
// call probes the metadata server; the result is memoized for the lifetime
// of the instance.
func (c *Credentials) OnGCE(ctx context.Context) bool {
	return c.client.OnGCEWithContext(ctx)
}

// Token fetches a token from the metadata service. Each successful call
// replaces the cached last token.
//
// When the host is not running on GCE, Token returns (nil, nil): a nil
// token with a nil error means no credential is available here, which is a
// distinct, non-fatal outcome.
func (c *Credentials) Token(ctx context.Context) (*gcemeta.Token, error) {
	if !c.client.OnGCEWithContext(ctx) {
		c.logger.DebugContext(ctx, "not running on GCE, no token available")
		return nil, nil
	}
	var tok *gcemeta.Token
	var err error
	if c.audience != "" {
		tok, err = c.identityToken(ctx)
	} else {
		tok, err = c.accessToken(ctx)
	}
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.lastToken = tok
	c.mu.Unlock()
	return tok, nil
}

type metadataTokenResp struct {
	AccessToken  string `json:"access_token"`
	ExpiresInSec int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

func (c *Credentials) accessToken(ctx context.Context) (*gcemeta.Token, error) {
	tokenURI, err := url.Parse(computeTokenURI)
	if err != nil {
		return nil, err
	}
	if len(c.scopes) > 0 {
		v := url.Values{}
		v.Set("scopes", strings.Join(c.scopes, ","))
		tokenURI.RawQuery = v.Encode()
	}
	tokenJSON, err := c.client.GetWithContext(ctx, tokenURI.String())
	if err != nil {
		return nil, fmt.Errorf("credentials: cannot fetch token: %w", err)
	}
	var res metadataTokenResp
	if err := json.NewDecoder(strings.NewReader(tokenJSON)).Decode(&res); err != nil {
		return nil, fmt.Errorf("credentials: invalid token JSON from metadata: %w", err)
	}
	if res.ExpiresInSec == 0 || res.AccessToken == "" {
		return nil, errors.New("credentials: incomplete token received from metadata")
	}
	return &gcemeta.Token{
		Value:    res.AccessToken,
		Type:     res.TokenType,
		Expiry:   time.Now().Add(time.Duration(res.ExpiresInSec) * time.Second),
		Metadata: computeTokenMetadata,
	}, nil
}

func (c *Credentials) identityToken(ctx context.Context) (*gcemeta.Token, error) {
	v := url.Values{}
	v.Set("audience", c.audience)
	// The body is the identity token verbatim; no JSON decoding happens in
	// this mode, and no expiry is computed.
	body, err := c.client.GetWithContext(ctx, computeIdentityURI+"?"+v.Encode())
	if err != nil {
		return nil, fmt.Errorf("credentials: cannot fetch identity token: %w", err)
	}
	return &gcemeta.Token{
		Value:    body,
		Type:     internal.TokenTypeBearer,
		Metadata: computeTokenMetadata,
	}, nil
}

// ServiceAccountEmail returns the email address of the instance's service
// account, fetching and memoizing it on first use. Off GCE it returns an
// empty string with a nil error.
func (c *Credentials) ServiceAccountEmail(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.email != "" {
		return c.email, nil
	}
	if !c.client.OnGCEWithContext(ctx) {
		return "", nil
	}
	email, err := c.client.EmailWithContext(ctx, "default")
	if err != nil {
		return "", fmt.Errorf("credentials: cannot fetch service account email: %w", err)
	}
	c.email = email
	return email, nil
}

// ProjectID returns the instance's project ID, fetching and memoizing it on
// first use. Off GCE it returns an empty string with a nil error.
func (c *Credentials) ProjectID(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.projectID != "" {
		return c.projectID, nil
	}
	if !c.client.OnGCEWithContext(ctx) {
		return "", nil
	}
	id, err := c.client.ProjectIDWithContext(ctx)
	if err != nil {
		return "", fmt.Errorf("credentials: cannot fetch project ID: %w", err)
	}
	c.projectID = id
	return id, nil
}

// UniverseDomain returns the universe domain the instance runs in. Hosts
// that predate the universe_domain metadata entry, and hosts that are not on
// GCE at all, report the default domain.
func (c *Credentials) UniverseDomain(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.universeDomain != "" {
		return c.universeDomain, nil
	}
	if !c.client.OnGCEWithContext(ctx) {
		return internal.DefaultUniverseDomain, nil
	}
	ud, err := c.client.UniverseDomainWithContext(ctx)
	if err != nil {
		var nde metadata.NotDefinedError
		if errors.As(err, &nde) {
			ud = internal.DefaultUniverseDomain
		} else {
			return "", fmt.Errorf("credentials: cannot fetch universe domain: %w", err)
		}
	}
	if ud == "" {
		ud = internal.DefaultUniverseDomain
	}
	c.universeDomain = ud
	return ud, nil
}

// QuotaProject returns the configured quota project, if any. It performs no
// I/O.
func (c *Credentials) QuotaProject() string {
	return c.quotaProject
}

// SignBlob signs the given payload with the instance's service account by
// delegating to the configured [BlobSigner]. The cached last token is
// reused when present; otherwise a fresh token is fetched first.
//
// Identity-token instances cannot sign: an access token is required and an
// audience-bound instance never holds one.
func (c *Credentials) SignBlob(ctx context.Context, payload []byte) ([]byte, error) {
	if c.audience != "" {
		return nil, errors.New("credentials: cannot sign blobs with identity-token credentials")
	}
	email, err := c.ServiceAccountEmail(ctx)
	if err != nil {
		return nil, err
	}
	if email == "" {
		return nil, errors.New("credentials: service account email unavailable off GCE")
	}
	c.mu.Lock()
	tok := c.lastToken
	c.mu.Unlock()
	if tok == nil || tok.Value == "" {
		tok, err = c.Token(ctx)
		if err != nil {
			return nil, err
		}
		if tok == nil || tok.Value == "" {
			return nil, errors.New("credentials: no access token available to sign blob")
		}
	}
	sig, err := c.signer.SignBlob(ctx, email, tok.Value, payload)
	if err != nil {
		return nil, fmt.Errorf("credentials: unable to sign blob: %w", err)
	}
	return sig, nil
}
