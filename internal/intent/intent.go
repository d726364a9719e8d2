// Package intent classifies a user query before the model call, so the
// controller can serve news queries from web search and skip context
// retrieval for small talk.
package intent

import (
	"strings"
	"unicode"

	"github.com/coregx/ahocorasick"
)

type Kind string

const (
	KindGeneral Kind = "general"
	KindNews    Kind = "news"
	KindSimple  Kind = "simple"
)

type Decision struct {
	Kind    Kind
	Reason  string
	Matches []string
}

type signal int

const (
	signalNews signal = iota
	signalRecency
	signalTopic
	signalGreeting
)

var vocabulary = map[signal][]string{
	signalNews: {
		"news", "headlines", "breaking", "latest news", "top stories",
		"what happened", "current events", "press release",
	},
	signalRecency: {
		"today", "tonight", "yesterday", "this week", "this morning",
		"right now", "latest", "recent", "currently", "live",
	},
	signalTopic: {
		"election", "stock", "stocks", "market", "weather", "score",
		"game", "match", "earthquake", "launch", "price", "announced",
	},
	signalGreeting: {
		"hi", "hello", "hey", "thanks", "thank you", "good morning",
		"good night", "bye", "ok", "okay", "cool",
	},
}

// simpleMaxRunes caps what still counts as small talk.
const simpleMaxRunes = 40

// Classifier matches the vocabulary in one pass over the query.
type Classifier struct {
	ac       *ahocorasick.Automaton
	patterns []string
	signals  []signal
}

func NewClassifier() (*Classifier, error) {
	c := &Classifier{}
	for _, s := range []signal{signalNews, signalRecency, signalTopic, signalGreeting} {
		for _, p := range vocabulary[s] {
			c.patterns = append(c.patterns, p)
			c.signals = append(c.signals, s)
		}
	}
	ac, err := ahocorasick.NewBuilder().
		AddStrings(c.patterns).
		SetMatchKind(ahocorasick.LeftmostLongest).
		SetPrefilter(true).
		Build()
	if err != nil {
		return nil, err
	}
	c.ac = ac
	return c, nil
}

func MustClassifier() *Classifier {
	c, err := NewClassifier()
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Classifier) Classify(query string) Decision {
	text := normalize(query)
	if text == "" {
		return Decision{Kind: KindGeneral, Reason: "empty"}
	}

	counts := map[signal]int{}
	var matched []string
	for _, m := range c.ac.FindAllOverlapping([]byte(text)) {
		if !wordBounded(text, m.Start, m.End) {
			continue
		}
		counts[c.signals[m.PatternID]]++
		matched = append(matched, c.patterns[m.PatternID])
	}

	switch {
	case counts[signalNews] > 0:
		return Decision{Kind: KindNews, Reason: "news_term", Matches: matched}
	case counts[signalRecency] > 0 && counts[signalTopic] > 0:
		return Decision{Kind: KindNews, Reason: "recent_topic", Matches: matched}
	case counts[signalGreeting] > 0 && len([]rune(text)) <= simpleMaxRunes && counts[signalTopic] == 0:
		return Decision{Kind: KindSimple, Reason: "small_talk", Matches: matched}
	default:
		return Decision{Kind: KindGeneral, Reason: "default", Matches: matched}
	}
}

// normalize lowercases and collapses everything that is not a letter or digit
// into single spaces.
func normalize(s string) string {
	var b strings.Builder
	space := true
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

func wordBounded(text string, start, end int) bool {
	if start > 0 && text[start-1] != ' ' {
		return false
	}
	if end < len(text) && text[end] != ' ' {
		return false
	}
	return true
}
