package websearch

import (
	"fmt"
	"strings"
)

// Digest renders search results as a short markdown answer with sources.
func Digest(res SearchResult, max int) string {
	if max <= 0 {
		max = 5
	}
	if len(res.Results) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Here is what I found for \"%s\":\n\n", res.Query)
	for i, item := range res.Results {
		if i >= max {
			break
		}
		fmt.Fprintf(&b, "%d. **%s**", i+1, item.Title)
		if item.Age != "" {
			fmt.Fprintf(&b, " (%s)", item.Age)
		}
		b.WriteString("\n")
		if item.Snippet != "" {
			b.WriteString("   ")
			b.WriteString(stripTags(item.Snippet))
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "   %s\n", item.URL)
	}
	return strings.TrimRight(b.String(), "\n")
}

// stripTags drops the <strong> highlighting Brave puts in descriptions.
func stripTags(s string) string {
	var b strings.Builder
	in := false
	for _, r := range s {
		switch {
		case r == '<':
			in = true
		case r == '>' && in:
			in = false
		case !in:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
