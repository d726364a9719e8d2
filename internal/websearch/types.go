package websearch

import "strings"

const (
	ProviderBrave = "brave"
)

// Freshness windows understood by the search backend.
const (
	FreshnessAny  = ""
	FreshnessDay  = "pd"
	FreshnessWeek = "pw"
)

type SearchRequest struct {
	Query     string
	Count     int
	Freshness string
}

func (r SearchRequest) Normalize() SearchRequest {
	out := r
	out.Query = strings.TrimSpace(out.Query)
	if out.Count <= 0 {
		out.Count = 5
	}
	if out.Count > 10 {
		out.Count = 10
	}
	switch strings.TrimSpace(out.Freshness) {
	case FreshnessDay, FreshnessWeek:
		out.Freshness = strings.TrimSpace(out.Freshness)
	default:
		out.Freshness = FreshnessAny
	}
	return out
}

type ResultItem struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
	Age     string `json:"age,omitempty"`
}

type SearchResult struct {
	Provider string       `json:"provider"`
	Query    string       `json:"query"`
	Results  []ResultItem `json:"results"`
}
