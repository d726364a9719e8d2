package websearch

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestClientSearch(t *testing.T) {
	var gotQuery, gotToken, gotFresh string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("q")
		gotFresh = r.URL.Query().Get("freshness")
		gotToken = r.Header.Get("X-Subscription-Token")
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"web":{"results":[
			{"title":"Launch","url":"https://example.com/a","description":"The <strong>rocket</strong> flew","age":"2 hours ago"},
			{"title":"","url":"https://example.com/b","description":""},
			{"title":"no url","url":""}
		]}}`)
	}))
	defer srv.Close()

	c, err := NewClient(Options{
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		APIKey:   "k",
		Endpoint: srv.URL,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	res, err := c.Search(context.Background(), SearchRequest{Query: " rocket launch ", Freshness: FreshnessDay})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if gotQuery != "rocket launch" || gotToken != "k" || gotFresh != "pd" {
		t.Fatalf("q=%q token=%q freshness=%q", gotQuery, gotToken, gotFresh)
	}
	if len(res.Results) != 2 {
		t.Fatalf("results=%+v", res.Results)
	}
	if res.Results[1].Title != "https://example.com/b" {
		t.Fatalf("title fallback=%q", res.Results[1].Title)
	}

	d := Digest(res, 5)
	if !strings.Contains(d, "1. **Launch** (2 hours ago)") || !strings.Contains(d, "The rocket flew") {
		t.Fatalf("digest=%s", d)
	}
}

func TestClientSearchErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c, _ := NewClient(Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil)), APIKey: "k", Endpoint: srv.URL})
	if _, err := c.Search(context.Background(), SearchRequest{Query: "x"}); err == nil || !strings.Contains(err.Error(), "quota") {
		t.Fatalf("err=%v", err)
	}
}

func TestNewClientRequiresKey(t *testing.T) {
	if _, err := NewClient(Options{}); err != ErrMissingAPIKey {
		t.Fatalf("err=%v", err)
	}
}

func TestDigestEmpty(t *testing.T) {
	if Digest(SearchResult{Query: "x"}, 3) != "" {
		t.Fatalf("empty results should give empty digest")
	}
}
