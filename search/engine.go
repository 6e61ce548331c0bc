// Package search implements the in-memory fuzzy package search.
//
// The Engine maps free text queries to tags. Every query token is scored
// against every distinct indexed term, so a search costs
// O(tokens × distinct terms). That is fine for registry sized catalogs and not
// meant for anything larger.
package search

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/hbollon/go-edlib"
	"github.com/texttheater/golang-levenshtein/levenshtein"
)

// MinScore is the threshold a token/term pair has to exceed to count as a match.
const MinScore = 0.7

// Engine is not safe for concurrent use; see Worker.
type Engine struct {
	nextID  uint32
	ids     map[string]uint32
	tags    map[uint32]string
	forward map[uint32][]string
	reverse map[string][]uint32
}

func NewEngine() *Engine {
	return &Engine{
		ids:     make(map[string]uint32),
		tags:    make(map[uint32]string),
		forward: make(map[uint32][]string),
		reverse: make(map[string][]uint32),
	}
}

func normalize(terms []string) []string {
	out := make([]string, 0, len(terms))
	for _, term := range terms {
		term = strings.ToLower(strings.TrimSpace(term))
		if term != "" {
			out = append(out, term)
		}
	}
	return out
}

// Insert indexes tag under terms, replacing whatever tag was indexed under before.
func (e *Engine) Insert(tag string, terms []string) {
	e.Delete(tag)

	id := e.nextID
	e.nextID++

	terms = normalize(terms)
	for _, term := range terms {
		e.reverse[term] = append(e.reverse[term], id)
	}

	e.ids[tag] = id
	e.tags[id] = tag
	e.forward[id] = terms
}

func (e *Engine) Delete(tag string) {
	id, ok := e.ids[tag]
	if !ok {
		return
	}

	for _, term := range e.forward[id] {
		kept := e.reverse[term][:0]
		for _, other := range e.reverse[term] {
			if other != id {
				kept = append(kept, other)
			}
		}
		if len(kept) == 0 {
			delete(e.reverse, term)
		} else {
			e.reverse[term] = kept
		}
	}

	delete(e.forward, id)
	delete(e.tags, id)
	delete(e.ids, tag)
}

// Terms returns the normalized terms tag is indexed under.
func (e *Engine) Terms(tag string) ([]string, bool) {
	id, ok := e.ids[tag]
	if !ok {
		return nil, false
	}
	return append([]string(nil), e.forward[id]...), true
}

func (e *Engine) Len() int {
	return len(e.ids)
}

// Search returns the tags matching tokens, most relevant first. Tags with an
// equal score are ordered lexicographically.
func (e *Engine) Search(tokens []string) []string {
	tokens = normalize(tokens)
	if len(tokens) == 0 || len(e.reverse) == 0 {
		return nil
	}

	terms := make([]string, 0, len(e.reverse))
	for term := range e.reverse {
		terms = append(terms, term)
	}
	sort.Strings(terms)

	termScores := make(map[string]float64)
	for _, token := range tokens {
		for _, term := range terms {
			score, ok := matchScore(token, term)
			if !ok {
				continue
			}
			if current, seen := termScores[term]; !seen || score < current {
				termScores[term] = score
			}
		}
	}

	idScores := make(map[uint32]float64)
	for _, term := range terms {
		score, ok := termScores[term]
		if !ok {
			continue
		}
		for _, id := range e.reverse[term] {
			idScores[id] += score
		}
	}

	type result struct {
		tag   string
		score float64
	}
	results := make([]result, 0, len(idScores))
	for id, score := range idScores {
		results = append(results, result{tag: e.tags[id], score: score})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		return results[i].tag < results[j].tag
	})

	tags := make([]string, len(results))
	for i, r := range results {
		tags[i] = r.tag
	}
	return tags
}

// matchScore scores one query token against one indexed term. The raw score
// discounts the edit distance by how much longer the term is than the token,
// so a token matching the start of a long term still scores well. Matches are
// then blended with how close the token is to the first half of the term.
func matchScore(token, term string) (float64, bool) {
	tokenLen := utf8.RuneCountInString(token)
	termLen := utf8.RuneCountInString(term)
	if tokenLen == 0 || termLen == 0 {
		return 0, false
	}

	distance := edlib.OSADamerauLevenshteinDistance(token, term)
	excess := distance - max(0, termLen-tokenLen)
	score := 1 - float64(max(0, excess))/float64(tokenLen)
	if score <= MinScore {
		return 0, false
	}

	prefixLen := max(1, termLen/2)
	prefix := string([]rune(term)[:prefixLen])
	blended := (score + similarity(prefix, token)/float64(prefixLen)) / 2
	return blended, true
}

// similarity is 1 minus the Levenshtein distance normalized by the longer input.
func similarity(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	longest := max(len(ra), len(rb))
	if longest == 0 {
		return 1
	}
	d := levenshtein.DistanceForStrings(ra, rb, levenshtein.DefaultOptionsWithSub)
	return 1 - float64(d)/float64(longest)
}
