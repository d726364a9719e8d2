package intent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	c := MustClassifier()
	cases := []struct {
		query string
		want  Kind
	}{
		{"What's the latest news on the Mars mission?", KindNews},
		{"Any headlines about the election?", KindNews},
		{"stock market today", KindNews},
		{"Hello", KindSimple},
		{"thanks!", KindSimple},
		{"Explain how a B-tree split works", KindGeneral},
		{"Should I use a newsletter tool?", KindGeneral},
		{"Write me a haiku about launching rockets", KindGeneral},
		{"", KindGeneral},
	}
	for _, tc := range cases {
		t.Run(tc.query, func(t *testing.T) {
			assert.Equal(t, tc.want, c.Classify(tc.query).Kind)
		})
	}
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "what s up today", normalize("  What's up -- TODAY?! "))
}
