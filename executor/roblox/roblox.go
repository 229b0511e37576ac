// Package roblox publishes place files through the Roblox Open Cloud
// place-publishing API.
package roblox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ineyio/uploadgate"
)

// DefaultBaseURL is the Open Cloud API root.
const DefaultBaseURL = "https://apis.roblox.com"

// maxBodyBytes bounds how much of an upstream response is kept.
const maxBodyBytes = 64 << 10

// Publisher uploads .rbxl files as new published place versions.
type Publisher struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

var _ uploadgate.Publisher = (*Publisher)(nil)

// Option configures the publisher.
type Option func(*Publisher)

// WithBaseURL overrides the API root.
func WithBaseURL(u string) Option {
	return func(p *Publisher) { p.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Publisher) { p.httpClient = c }
}

// WithTimeout bounds each Publish call. Zero means no extra deadline.
func WithTimeout(d time.Duration) Option {
	return func(p *Publisher) { p.timeout = d }
}

// New creates a Roblox publisher.
func New(opts ...Option) *Publisher {
	p := &Publisher{
		baseURL:    DefaultBaseURL,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Publisher) Name() string { return "roblox" }

// Publish posts req.Data as a published version of the place. 200 and 201 are
// success; other statuses come back as *uploadgate.PublishError and transport
// failures wrap uploadgate.ErrExecutorUnavailable.
func (p *Publisher) Publish(ctx context.Context, req uploadgate.PublishRequest) (uploadgate.PublishResult, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.versionsURL(req), bytes.NewReader(req.Data))
	if err != nil {
		return uploadgate.PublishResult{}, fmt.Errorf("uploadgate/roblox: create request: %w", err)
	}
	httpReq.Header.Set("x-api-key", req.APIKey)
	httpReq.Header.Set("Content-Type", "application/octet-stream")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return uploadgate.PublishResult{}, err
		}
		return uploadgate.PublishResult{}, fmt.Errorf("%w: %w", uploadgate.ErrExecutorUnavailable, err)
	}
	defer resp.Body.Close()

	// Read body for context, but don't fail if we can't.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return uploadgate.PublishResult{}, &uploadgate.PublishError{
			StatusCode: resp.StatusCode,
			Body:       string(body),
		}
	}
	return uploadgate.PublishResult{StatusCode: resp.StatusCode, Body: string(body)}, nil
}

func (p *Publisher) versionsURL(req uploadgate.PublishRequest) string {
	return fmt.Sprintf("%s/universes/v1/%s/places/%s/versions?versionType=Published",
		p.baseURL, url.PathEscape(req.UniverseID), url.PathEscape(req.PlaceID))
}
