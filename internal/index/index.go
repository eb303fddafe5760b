// Package index provides a weighted multi-field fuzzy index over a
// document collection. Scores are bounded to [0,1]; ranking combines
// phrase containment, token coverage, and fuzzy vocabulary matches.
package index

import (
	"sort"
	"strings"
	"sync"

	"github.com/sahilm/fuzzy"
)

// Default field weights. Fields absent from an entry contribute nothing.
const (
	WeightTitle      = 0.3
	WeightSearchable = 0.5
	WeightContent    = 0.2
	WeightPath       = 0.1
	WeightTags       = 0.3
)

// DefaultThreshold is the minimum score a match must reach to be returned.
const DefaultThreshold = 0.4

// minTokenLen drops query tokens too short to carry signal.
const minTokenLen = 2

// vocabCap bounds the per-field vocabulary handed to the fuzzy matcher.
const vocabCap = 2000

// fuzzyTokenCredit is the partial credit for a token that only matches a
// field's vocabulary approximately.
const fuzzyTokenCredit = 0.6

// Entry is one indexed document: an id plus named text fields.
type Entry struct {
	ID     string
	Fields map[string]string
}

// Match is a ranked hit: the entry id, a bounded score, and the fields
// that contributed.
type Match struct {
	ID     string
	Score  float64
	Fields []string
}

// Options tunes an Index. Zero values fall back to the defaults above.
type Options struct {
	Weights   map[string]float64
	Threshold float64
}

// DefaultWeights returns the standard field weighting.
func DefaultWeights() map[string]float64 {
	return map[string]float64{
		"title":      WeightTitle,
		"searchable": WeightSearchable,
		"content":    WeightContent,
		"path":       WeightPath,
		"tags":       WeightTags,
	}
}

// Index answers ranked queries over a set of entries. Safe for concurrent
// use; Replace swaps the entry set atomically.
type Index struct {
	mu        sync.RWMutex
	entries   []Entry
	vocab     []map[string][]string
	weights   map[string]float64
	threshold float64
}

// New builds an index over entries.
func New(entries []Entry, opts Options) *Index {
	weights := opts.Weights
	if weights == nil {
		weights = DefaultWeights()
	}
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	ix := &Index{weights: weights, threshold: threshold}
	ix.Replace(entries)
	return ix
}

// Replace swaps the indexed entry set.
func (ix *Index) Replace(entries []Entry) {
	vocab := make([]map[string][]string, len(entries))
	for i, e := range entries {
		fields := make(map[string][]string, len(e.Fields))
		for name, text := range e.Fields {
			fields[name] = vocabulary(text)
		}
		vocab[i] = fields
	}

	ix.mu.Lock()
	ix.entries = entries
	ix.vocab = vocab
	ix.mu.Unlock()
}

// Len reports the number of indexed entries.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// Search ranks entries against query. Results are sorted by score
// descending, then id ascending; entries below the threshold are dropped.
func (ix *Index) Search(query string) []Match {
	tokens := Tokenize(query)
	if len(tokens) == 0 {
		return nil
	}
	lq := strings.ToLower(strings.TrimSpace(query))

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var out []Match
	for i, e := range ix.entries {
		var (
			weighted    float64
			totalWeight float64
			fields      []string
		)
		for name, text := range e.Fields {
			w := ix.weights[name]
			if w == 0 || text == "" {
				continue
			}
			totalWeight += w
			s := fieldScore(lq, tokens, text, ix.vocab[i][name])
			if s > 0 {
				weighted += w * s
				fields = append(fields, name)
			}
		}
		if totalWeight == 0 {
			continue
		}
		score := weighted / totalWeight
		if score < ix.threshold {
			continue
		}
		sort.Strings(fields)
		out = append(out, Match{ID: e.ID, Score: score, Fields: fields})
	}

	sort.SliceStable(out, func(a, b int) bool {
		if out[a].Score != out[b].Score {
			return out[a].Score > out[b].Score
		}
		return out[a].ID < out[b].ID
	})
	return out
}

// Substring scans entries for a case-insensitive substring match across
// all fields, for callers that want a low-confidence fallback when the
// fuzzy query comes back empty.
func (ix *Index) Substring(query string) []string {
	lq := strings.ToLower(strings.TrimSpace(query))
	if lq == "" {
		return nil
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var ids []string
	for _, e := range ix.entries {
		for _, text := range e.Fields {
			if strings.Contains(strings.ToLower(text), lq) {
				ids = append(ids, e.ID)
				break
			}
		}
	}
	sort.Strings(ids)
	return ids
}

// fieldScore scores one field against a query: 1.0 for phrase
// containment, otherwise per-token credit (full for containment, partial
// for a fuzzy vocabulary hit) averaged over the query tokens.
func fieldScore(lowerQuery string, tokens []string, text string, vocab []string) float64 {
	lt := strings.ToLower(text)
	if strings.Contains(lt, lowerQuery) {
		return 1.0
	}

	var credit float64
	for _, tok := range tokens {
		switch {
		case strings.Contains(lt, tok):
			credit += 1.0
		case len(fuzzy.Find(tok, vocab)) > 0:
			credit += fuzzyTokenCredit
		}
	}
	// Partial matches cannot outrank a phrase hit.
	return credit / float64(len(tokens)) * 0.95
}

// Tokenize lowercases and splits a query, dropping tokens shorter than
// the minimum match length.
func Tokenize(query string) []string {
	raw := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' || r == '_')
	})
	out := raw[:0]
	for _, t := range raw {
		if len(t) >= minTokenLen {
			out = append(out, t)
		}
	}
	return out
}

// vocabulary extracts the unique words of a text, capped to keep fuzzy
// matching bounded on large documents.
func vocabulary(text string) []string {
	words := Tokenize(text)
	seen := make(map[string]struct{}, len(words))
	out := make([]string, 0, len(words))
	for _, w := range words {
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
		if len(out) >= vocabCap {
			break
		}
	}
	return out
}
