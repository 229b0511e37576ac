package uploadgate

import (
	"context"
	"fmt"
	"net/http"
)

// Publisher is the external upload executor. The gate never calls it; the
// caller invokes it after a granted Admit.
type Publisher interface {
	// Name returns the executor identifier (e.g. "roblox").
	Name() string

	// Publish uploads one place file.
	Publish(ctx context.Context, req PublishRequest) (PublishResult, error)
}

// PublishRequest is one place file upload.
type PublishRequest struct {
	APIKey     string
	UniverseID string
	PlaceID    string
	FileName   string
	Data       []byte
}

// PublishResult is a successful upstream response.
type PublishResult struct {
	StatusCode int
	Body       string
}

// PublishError is a non-success upstream response.
type PublishError struct {
	StatusCode int
	Body       string
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("uploadgate: publish failed: status=%d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether the upstream signalled an outage or throttling
// rather than a problem with the request itself.
func (e *PublishError) Temporary() bool {
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
}
