// Package memory is the client of the vector-memory context service. The
// service ranks stored snippets for a user; this package only asks.
package memory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/orsinium-labs/stopwords"
)

// Snippet is one ranked piece of remembered context.
type Snippet struct {
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// Searcher returns ranked snippets for query, best first.
type Searcher interface {
	Search(ctx context.Context, query string, userID string, limit int) ([]Snippet, error)
}

// Noop is a Searcher that never finds anything.
type Noop struct{}

func (Noop) Search(context.Context, string, string, int) ([]Snippet, error) { return nil, nil }

const maxResponseBytes = 1 << 20

type Options struct {
	Logger  *slog.Logger
	BaseURL string
	APIKey  string

	// MinScore drops snippets ranked below it.
	MinScore   float64
	HTTPClient *http.Client
}

type HTTPClient struct {
	log      *slog.Logger
	endpoint string
	apiKey   string
	minScore float64
	http     *http.Client
	stop     *stopwords.Stopwords
}

func NewHTTPClient(opts Options) (*HTTPClient, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("missing memory service url")
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPClient{
		log:      logger,
		endpoint: base + "/v1/search",
		apiKey:   strings.TrimSpace(opts.APIKey),
		minScore: opts.MinScore,
		http:     hc,
		stop:     stopwords.MustGet("en"),
	}, nil
}

type searchRequest struct {
	Query  string `json:"query"`
	UserID string `json:"userId"`
	Limit  int    `json:"limit"`
}

type searchResponse struct {
	Results []Snippet `json:"results"`
}

func (c *HTTPClient) Search(ctx context.Context, query string, userID string, limit int) ([]Snippet, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	q := c.Normalize(query)
	if q == "" || strings.TrimSpace(userID) == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}

	body, err := json.Marshal(searchRequest{Query: q, UserID: strings.TrimSpace(userID), Limit: limit})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("memory search failed (status %d)", resp.StatusCode)
	}

	var decoded searchResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("invalid memory search response: %w", err)
	}
	out := make([]Snippet, 0, len(decoded.Results))
	for _, s := range decoded.Results {
		s.Text = strings.TrimSpace(s.Text)
		if s.Text == "" || s.Score < c.minScore {
			continue
		}
		out = append(out, s)
		if len(out) == limit {
			break
		}
	}
	c.log.Debug("memory search", "user_id", userID, "query", q, "results", len(out))
	return out, nil
}

// Normalize reduces a chat message to its content words. A query made only
// of stopwords is kept as typed.
func (c *HTTPClient) Normalize(query string) string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !(r == '\'' || r == '-' || ('a' <= r && r <= 'z') || ('0' <= r && r <= '9') || r > 127)
	})
	kept := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, "'-")
		if f == "" || c.stop.Contains(f) {
			continue
		}
		kept = append(kept, f)
	}
	if len(kept) == 0 {
		return strings.Join(strings.Fields(strings.TrimSpace(query)), " ")
	}
	return strings.Join(kept, " ")
}

// Texts returns the snippet texts in rank order.
func Texts(snippets []Snippet) []string {
	out := make([]string, 0, len(snippets))
	for _, s := range snippets {
		out = append(out, s.Text)
	}
	return out
}
