package memory

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClientSearch(t *testing.T) {
	var got searchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/search", r.URL.Path)
		assert.Equal(t, "Bearer mk", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"results":[
			{"text":"prefers metric units","score":0.9},
			{"text":"  ","score":0.8},
			{"text":"owns a cat","score":0.1},
			{"text":"lives in Lisbon","score":0.7}
		]}`)
	}))
	defer srv.Close()

	c, err := NewHTTPClient(Options{
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		BaseURL:  srv.URL + "/",
		APIKey:   "mk",
		MinScore: 0.5,
	})
	require.NoError(t, err)

	res, err := c.Search(context.Background(), "What is the weather like in my city?", "u1", 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"prefers metric units", "lives in Lisbon"}, Texts(res))
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, 3, got.Limit)
	assert.NotContains(t, got.Query, "the")
	assert.Contains(t, got.Query, "weather")
}

func TestHTTPClientErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c, err := NewHTTPClient(Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil)), BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = c.Search(context.Background(), "remember my dog", "u1", 5)
	assert.Error(t, err)
}

func TestNormalizeKeepsStopwordOnlyQueries(t *testing.T) {
	c, err := NewHTTPClient(Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil)), BaseURL: "http://x"})
	require.NoError(t, err)
	assert.Equal(t, "who are you", c.Normalize("  who are   you "))
}

func TestNoop(t *testing.T) {
	res, err := Noop{}.Search(context.Background(), "x", "u", 1)
	assert.NoError(t, err)
	assert.Empty(t, res)
}
