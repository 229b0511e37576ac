// Package mock provides a scriptable uploadgate.Publisher for tests and demos.
package mock

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ineyio/uploadgate"
)

// Publisher is a mock upload executor.
type Publisher struct {
	name       string
	latency    time.Duration
	failAfter  int
	callCount  atomic.Int64
	staticErr  error
	statusCode int
	publishFn  func(uploadgate.PublishRequest) (uploadgate.PublishResult, error)

	mu       sync.Mutex
	requests []uploadgate.PublishRequest
}

var _ uploadgate.Publisher = (*Publisher)(nil)

// Option configures a mock Publisher.
type Option func(*Publisher)

// New creates a mock publisher with the given options.
func New(opts ...Option) *Publisher {
	p := &Publisher{
		name:       "mock",
		statusCode: http.StatusOK,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithName sets the executor name.
func WithName(name string) Option {
	return func(p *Publisher) { p.name = name }
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(p *Publisher) { p.latency = d }
}

// WithFailAfter makes the publisher fail after N successful calls.
func WithFailAfter(n int) Option {
	return func(p *Publisher) { p.failAfter = n }
}

// WithError makes the publisher always return this error.
func WithError(err error) Option {
	return func(p *Publisher) { p.staticErr = err }
}

// WithStatusCode sets the status of successful responses.
func WithStatusCode(code int) Option {
	return func(p *Publisher) { p.statusCode = code }
}

// WithPublishFunc sets a custom response function.
func WithPublishFunc(fn func(uploadgate.PublishRequest) (uploadgate.PublishResult, error)) Option {
	return func(p *Publisher) { p.publishFn = fn }
}

func (p *Publisher) Name() string { return p.name }

func (p *Publisher) Publish(ctx context.Context, req uploadgate.PublishRequest) (uploadgate.PublishResult, error) {
	if p.latency > 0 {
		select {
		case <-time.After(p.latency):
		case <-ctx.Done():
			return uploadgate.PublishResult{}, ctx.Err()
		}
	}

	count := p.callCount.Add(1)
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	if p.staticErr != nil {
		return uploadgate.PublishResult{}, p.staticErr
	}

	if p.failAfter > 0 && int(count) > p.failAfter {
		return uploadgate.PublishResult{}, &uploadgate.PublishError{
			StatusCode: http.StatusServiceUnavailable,
			Body:       "mock executor unavailable",
		}
	}

	if p.publishFn != nil {
		return p.publishFn(req)
	}

	return uploadgate.PublishResult{
		StatusCode: p.statusCode,
		Body:       `{"versionNumber":1}`,
	}, nil
}

// CallCount returns the number of calls made to the publisher.
func (p *Publisher) CallCount() int64 { return p.callCount.Load() }

// Requests returns a copy of every request received.
func (p *Publisher) Requests() []uploadgate.PublishRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]uploadgate.PublishRequest(nil), p.requests...)
}
