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

// Package iamsign signs blobs with the IAM Credentials signBlob API. It is
// the default signing collaborator for
// [github.com/hostauth/gcemeta/credentials].
package iamsign

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/googleapis/gax-go/v2/internallog"
	"github.com/hostauth/gcemeta/internal"
)

const iamCredentialsEndpoint = "https://iamcredentials.googleapis.com"

// Options for configuring a [Client].
type Options struct {
	// Client is the HTTP client used to make requests. The caller is
	// responsible for its credentials; this package only attaches the access
	// token it is handed per call. Optional.
	Client *http.Client
	// QuotaProject attributes request quota to the given project via the
	// X-Goog-User-Project header. Optional.
	QuotaProject string
	// Endpoint overrides the IAM Credentials endpoint. For testing. Optional.
	Endpoint string
	// Logger is used for debug logging. Optional.
	Logger *slog.Logger
}

// Client calls the IAM Credentials signBlob API.
type Client struct {
	client       *http.Client
	endpoint     string
	quotaProject string
	logger       *slog.Logger
}

// NewClient returns a signing [Client] configured with the provided
// options.
func NewClient(opts *Options) *Client {
	if opts == nil {
		opts = &Options{}
	}
	hc := opts.Client
	if hc == nil {
		hc = internal.DefaultClient()
	}
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = iamCredentialsEndpoint
	}
	return &Client{
		client:       hc,
		endpoint:     endpoint,
		quotaProject: opts.QuotaProject,
		logger:       internallog.New(opts.Logger),
	}
}

type signBlobRequest struct {
	Payload   string   `json:"payload"`
	Delegates []string `json:"delegates,omitempty"`
}

type signBlobResponse struct {
	KeyID      string `json:"keyId"`
	SignedBlob string `json:"signedBlob"`
}

// SignBlob signs the payload with the key of the given service account. The
// caller must hold roles/iam.serviceAccountTokenCreator on the account, and
// accessToken must be a valid access token for the caller.
func (c *Client) SignBlob(ctx context.Context, serviceAccountEmail, accessToken string, payload []byte) ([]byte, error) {
	reqBody := signBlobRequest{
		Payload: base64.StdEncoding.EncodeToString(payload),
	}
	b, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("iamsign: unable to marshal request: %w", err)
	}
	url := fmt.Sprintf("%s/v1/projects/-/serviceAccounts/%s:signBlob", c.endpoint, serviceAccountEmail)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("iamsign: unable to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", internal.TokenTypeBearer+" "+accessToken)
	if c.quotaProject != "" {
		req.Header.Set(internal.QuotaProjectHeaderKey, c.quotaProject)
	}
	c.logger.DebugContext(ctx, "signBlob request", "request", internallog.HTTPRequest(req, b))

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("iamsign: unable to sign blob: %w", err)
	}
	defer resp.Body.Close()
	body, err := internal.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("iamsign: unable to read body: %w", err)
	}
	c.logger.DebugContext(ctx, "signBlob response", "response", internallog.HTTPResponse(resp, body))
	if sc := resp.StatusCode; sc < 200 || sc > 299 {
		return nil, fmt.Errorf("iamsign: status code %d: %s", sc, body)
	}

	var signResp signBlobResponse
	if err := json.Unmarshal(body, &signResp); err != nil {
		return nil, fmt.Errorf("iamsign: unable to parse response: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(signResp.SignedBlob)
	if err != nil {
		return nil, fmt.Errorf("iamsign: unable to decode signature: %w", err)
	}
	return sig, nil
}
