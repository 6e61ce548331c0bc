package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func gatsbyEngine() *Engine {
	e := NewEngine()
	e.Insert("Gatsby", []string{"the", "great", "gatsby"})
	e.Insert("Moby", []string{"moby", "dick"})
	return e
}

func TestSearchExactTerm(t *testing.T) {
	e := gatsbyEngine()
	assert.Equal(t, []string{"Gatsby"}, e.Search([]string{"gatsby"}))
}

func TestSearchToleratesTransposition(t *testing.T) {
	e := gatsbyEngine()
	assert.Equal(t, []string{"Gatsby"}, e.Search([]string{"gatbsy"}))
}

func TestSearchNormalizesTokens(t *testing.T) {
	e := gatsbyEngine()
	assert.Equal(t, []string{"Gatsby"}, e.Search([]string{"  GATSBY "}))
}

func TestSearchNoMatch(t *testing.T) {
	e := gatsbyEngine()
	assert.Empty(t, e.Search([]string{"kubernetes"}))
}

func TestSearchIgnoresEmptyTokens(t *testing.T) {
	e := gatsbyEngine()
	assert.Empty(t, e.Search([]string{"", "   "}))
	assert.Empty(t, e.Search(nil))
}

func TestInsertReplacesPreviousTerms(t *testing.T) {
	e := NewEngine()
	e.Insert("pkg", []string{"rust"})
	e.Insert("pkg", []string{"golang"})

	assert.Empty(t, e.Search([]string{"rust"}))
	assert.Equal(t, []string{"pkg"}, e.Search([]string{"golang"}))
	assert.Equal(t, 1, e.Len())

	terms, ok := e.Terms("pkg")
	assert.True(t, ok)
	assert.Equal(t, []string{"golang"}, terms)
}

func TestDeleteRemovesTag(t *testing.T) {
	e := gatsbyEngine()
	e.Delete("Gatsby")

	for _, term := range []string{"the", "great", "gatsby"} {
		assert.NotContains(t, e.Search([]string{term}), "Gatsby")
	}
	assert.Equal(t, []string{"Moby"}, e.Search([]string{"moby"}))

	// deleting again is a no-op
	e.Delete("Gatsby")
	assert.Equal(t, 1, e.Len())
}

func TestDeleteKeepsSharedTerms(t *testing.T) {
	e := NewEngine()
	e.Insert("a", []string{"http"})
	e.Insert("b", []string{"http"})
	e.Delete("a")

	assert.Equal(t, []string{"b"}, e.Search([]string{"http"}))
}

func TestSearchRanksByAccumulatedScore(t *testing.T) {
	e := NewEngine()
	e.Insert("a-pkg", []string{"http"})
	e.Insert("b-pkg", []string{"http", "https"})

	assert.Equal(t, []string{"b-pkg", "a-pkg"}, e.Search([]string{"http"}))
}

func TestSearchBreaksTiesByTag(t *testing.T) {
	e := NewEngine()
	e.Insert("zeta", []string{"serde"})
	e.Insert("alpha", []string{"serde"})
	e.Insert("mid", []string{"serde"})

	for i := 0; i < 10; i++ {
		assert.Equal(t, []string{"alpha", "mid", "zeta"}, e.Search([]string{"serde"}))
	}
}

func TestSearchSingleCharacterTerm(t *testing.T) {
	e := NewEngine()
	e.Insert("x", []string{"a"})

	assert.Equal(t, []string{"x"}, e.Search([]string{"a"}))
}

func TestMatchScore(t *testing.T) {
	tests := []struct {
		token, term string
		score       float64
		ok          bool
	}{
		{"json", "json", 0.625, true},
		{"json", "jsonrpc", 0.625, true},
		{"gatsby", "great", 0, false},
		{"", "json", 0, false},
	}

	for _, test := range tests {
		t.Run(test.token+"/"+test.term, func(t *testing.T) {
			score, ok := matchScore(test.token, test.term)
			assert.Equal(t, test.ok, ok)
			assert.InDelta(t, test.score, score, 1e-9)
		})
	}
}
