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

// Package metadata provides access to the Google Compute Engine metadata
// service, including detection of whether the current process is running on
// a GCE host at all.
//
// Detection is deliberately aggressive about timeouts: the metadata address
// is link-local, so on a real GCE host it answers nearly instantly, while on
// any other host the connection fails fast. Each probe is bounded to 500ms
// so that the worst case (every probe timing out) stays around 1.5s instead
// of stalling a developer machine on DNS for many seconds.
package metadata

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/googleapis/gax-go/v2/internallog"
	"github.com/hostauth/gcemeta/internal/retry"
)

const (
	// metadataIP is the documented metadata server IP address.
	metadataIP = "169.254.169.254"

	// metadataHostEnv is the environment variable specifying the GCE metadata
	// hostname. If set, it overrides the default server address and forces
	// platform detection to report true.
	metadataHostEnv = "GCE_METADATA_HOST"

	// gaeInstanceEnv names the current App Engine instance; flexible
	// environment instances carry an "aef-" prefix.
	gaeInstanceEnv = "GAE_INSTANCE"

	metadataFlavorKey   = "Metadata-Flavor"
	metadataFlavorValue = "Google"

	basePath = "/computeMetadata/v1/"

	// maxProbeAttempts bounds the detection loop; probeTimeout bounds each
	// individual probe.
	maxProbeAttempts = 3
	probeTimeout     = 500 * time.Millisecond
)

var defaultClient = &Client{
	hc:     newDefaultHTTPClient(),
	logger: internallog.New(nil),
}

func newDefaultHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Dial: (&net.Dialer{
				Timeout:   2 * time.Second,
				KeepAlive: 30 * time.Second,
			}).Dial,
			IdleConnTimeout: 60 * time.Second,
		},
		Timeout: 5 * time.Second,
	}
}

// NotDefinedError is returned when requested metadata is not defined.
//
// The underlying string is the requested metadata value. For example:
// "instance/service-accounts/default/email".
type NotDefinedError string

func (suffix NotDefinedError) Error() string {
	return fmt.Sprintf("metadata: GCE metadata %q not defined", string(suffix))
}

// Error contains an error response from the server.
type Error struct {
	// Code is the HTTP response status code.
	Code int
	// Message is the server response message.
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("metadata: compute Metadata server returned status %d: %s", e.Code, e.Message)
}

// A Client provides metadata and detection of the GCE environment.
//
// Detection is memoized per Client: the probe sequence runs at most once for
// the lifetime of the Client, under a single-flight guard, and every caller
// observes the same result.
type Client struct {
	hc     *http.Client
	logger *slog.Logger

	onGCEOnce sync.Once
	onGCE     bool
}

// Options for configuring a new Client.
type Options struct {
	// Client is the HTTP client used to make requests. Optional.
	Client *http.Client
	// Logger is used for debug logging. If provided, logging will be enabled
	// at the levels provided via the logger. Optional.
	Logger *slog.Logger
}

// NewClient returns a Client that can be used to fetch metadata. Returns the
// client that uses the specified http.Client for HTTP requests. If nil is
// specified, returns the default client.
func NewClient(c *http.Client) *Client {
	if c == nil {
		return defaultClient
	}
	return &Client{hc: c, logger: internallog.New(nil)}
}

// NewWithOptions returns a Client configured with the provided Options. A
// nil Options returns the default client.
func NewWithOptions(opts *Options) *Client {
	if opts == nil {
		return defaultClient
	}
	hc := opts.Client
	if hc == nil {
		hc = newDefaultHTTPClient()
	}
	return &Client{hc: hc, logger: internallog.New(opts.Logger)}
}

// OnGCE reports whether this process is running on Google Compute Engine
// using the default client.
func OnGCE() bool {
	return defaultClient.OnGCE()
}

// OnGCEWithContext reports whether this process is running on Google Compute
// Engine using the default client.
func OnGCEWithContext(ctx context.Context) bool {
	return defaultClient.OnGCEWithContext(ctx)
}

// OnGCE reports whether this process is running on Google Compute Engine.
func (c *Client) OnGCE() bool {
	return c.OnGCEWithContext(context.Background())
}

// OnGCEWithContext reports whether this process is running on Google Compute
// Engine. The first call probes the metadata server; the result is memoized
// for the lifetime of the Client.
func (c *Client) OnGCEWithContext(ctx context.Context) bool {
	c.onGCEOnce.Do(func() {
		c.onGCE = c.testOnGCE(ctx)
	})
	return c.onGCE
}

func (c *Client) testOnGCE(ctx context.Context) bool {
	// The user explicitly said they're on GCE, so trust them.
	if os.Getenv(metadataHostEnv) != "" {
		return true
	}
	for i := 1; i <= maxProbeAttempts; i++ {
		if ctx.Err() != nil {
			return false
		}
		ok, err := c.probe(ctx)
		if err != nil {
			// Expected on anything that is not a GCE host; the failed try is
			// simply counted against the budget.
			c.logger.DebugContext(ctx, "metadata probe failed", "attempt", i, "error", err)
			continue
		}
		if ok {
			return true
		}
		// Something answered but without the flavor header. The address has
		// been hijacked by a non-metadata responder; keep probing.
		c.logger.DebugContext(ctx, "metadata probe response missing flavor header", "attempt", i)
	}
	return false
}

// probe issues a single detection request against the bare metadata address.
// It reports whether the responder identified itself as the genuine metadata
// service via the Metadata-Flavor header.
func (c *Client) probe(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+metadataIP, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set(metadataFlavorKey, metadataFlavorValue)
	c.logger.DebugContext(ctx, "metadata probe", "request", internallog.HTTPRequest(req, nil))
	res, err := c.hc.Do(req)
	if err != nil {
		return false, err
	}
	defer res.Body.Close()
	io.Copy(io.Discard, res.Body)
	return res.Header.Get(metadataFlavorKey) == metadataFlavorValue, nil
}

// OnAppEngineFlexible reports whether the process is running on an App
// Engine flexible environment instance, which runs on a GCE VM. Standard
// environment instances carry a different instance-name shape.
func OnAppEngineFlexible() bool {
	return strings.HasPrefix(os.Getenv(gaeInstanceEnv), "aef-")
}

// GetWithContext returns a value from the metadata service using the default
// client. The suffix is appended to "http://${GCE_METADATA_HOST}/computeMetadata/v1/".
func GetWithContext(ctx context.Context, suffix string) (string, error) {
	return defaultClient.GetWithContext(ctx, suffix)
}

// GetWithContext returns a value from the metadata service. The suffix is
// appended to "http://${GCE_METADATA_HOST}/computeMetadata/v1/".
//
// If the GCE_METADATA_HOST environment variable is not defined, a default of
// 169.254.169.254 will be used instead.
//
// If the requested metadata is not defined, the returned error will be of
// type NotDefinedError. Transient failures (5xx statuses and temporary
// transport errors) are retried a bounded number of times before the error
// is returned.
func (c *Client) GetWithContext(ctx context.Context, suffix string) (string, error) {
	host := os.Getenv(metadataHostEnv)
	if host == "" {
		// Using the IP makes it very difficult to spoof the metadata service
		// with a URL or DNS rebind.
		host = metadataIP
	}
	suffix = strings.TrimLeft(suffix, "/")
	u := "http://" + host + basePath + suffix
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set(metadataFlavorKey, metadataFlavorValue)

	var res *http.Response
	retryer := retry.New()
	for {
		c.logger.DebugContext(ctx, "metadata request", "request", internallog.HTTPRequest(req, nil))
		res, err = c.hc.Do(req)
		var code int
		if res != nil {
			code = res.StatusCode
		}
		pause, shouldRetry := retryer.Retry(code, err)
		if !shouldRetry {
			break
		}
		if res != nil {
			// Drain and close the body to reuse the connection.
			io.Copy(io.Discard, res.Body)
			res.Body.Close()
		}
		if err := retry.Sleep(ctx, pause); err != nil {
			return "", err
		}
	}
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return "", err
	}
	c.logger.DebugContext(ctx, "metadata response", "response", internallog.HTTPResponse(res, body))
	if res.StatusCode == http.StatusNotFound {
		return "", NotDefinedError(suffix)
	}
	if res.StatusCode != http.StatusOK {
		return "", &Error{Code: res.StatusCode, Message: string(body)}
	}
	return string(body), nil
}

// EmailWithContext returns the email address associated with the service
// account. The serviceAccount parameter defaults to "default" if empty.
func (c *Client) EmailWithContext(ctx context.Context, serviceAccount string) (string, error) {
	if serviceAccount == "" {
		serviceAccount = "default"
	}
	return c.GetWithContext(ctx, "instance/service-accounts/"+serviceAccount+"/email")
}

// ProjectIDWithContext returns the current instance's project ID string.
func (c *Client) ProjectIDWithContext(ctx context.Context) (string, error) {
	return c.GetWithContext(ctx, "project/project-id")
}

// UniverseDomainWithContext returns the service domain of the universe
// hosting this instance.
func (c *Client) UniverseDomainWithContext(ctx context.Context) (string, error) {
	return c.GetWithContext(ctx, "universe/universe_domain")
}
