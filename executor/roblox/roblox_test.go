package roblox

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/uploadgate"
)

func testRequest() uploadgate.PublishRequest {
	return uploadgate.PublishRequest{
		APIKey:     "secret",
		UniverseID: "111",
		PlaceID:    "222",
		FileName:   "game.rbxl",
		Data:       []byte("<roblox/>"),
	}
}

func TestPublish_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/universes/v1/111/places/222/versions", r.URL.Path)
		assert.Equal(t, "Published", r.URL.Query().Get("versionType"))
		assert.Equal(t, "secret", r.Header.Get("x-api-key"))
		assert.Equal(t, "application/octet-stream", r.Header.Get("Content-Type"))

		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "<roblox/>", string(body))

		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"versionNumber":7}`))
	}))
	defer srv.Close()

	p := New(WithBaseURL(srv.URL + "/"))
	res, err := p.Publish(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, `{"versionNumber":7}`, res.Body)
}

func TestPublish_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte("invalid api key"))
	}))
	defer srv.Close()

	p := New(WithBaseURL(srv.URL))
	_, err := p.Publish(context.Background(), testRequest())

	var pe *uploadgate.PublishError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusUnauthorized, pe.StatusCode)
	assert.Equal(t, "invalid api key", pe.Body)
	assert.False(t, pe.Temporary())
}

func TestPublish_ServerErrorIsTemporary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := New(WithBaseURL(srv.URL)).Publish(context.Background(), testRequest())

	var pe *uploadgate.PublishError
	require.ErrorAs(t, err, &pe)
	assert.True(t, pe.Temporary())
}

func TestPublish_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := New(WithBaseURL(url)).Publish(context.Background(), testRequest())
	assert.ErrorIs(t, err, uploadgate.ErrExecutorUnavailable)
}

func TestPublish_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	p := New(WithBaseURL(srv.URL), WithTimeout(50*time.Millisecond))
	_, err := p.Publish(context.Background(), testRequest())
	require.Error(t, err)
	assert.True(t, errors.Is(err, uploadgate.ErrExecutorUnavailable))
}

func TestVersionsURL_EscapesIDs(t *testing.T) {
	p := New()
	got := p.versionsURL(uploadgate.PublishRequest{UniverseID: "1/2", PlaceID: "3"})
	assert.Equal(t, "https://apis.roblox.com/universes/v1/1%2F2/places/3/versions?versionType=Published", got)
}
