// Package knowledge provides a local, in-memory passage retriever built
// from Markdown knowledge files. It implements the capabilities.Retriever
// port for deployments that do not run a remote vector-search service:
// each Markdown file becomes a namespace (e.g. "dog-health-knowledge"),
// its paragraphs become passages, and queries are ranked by Jaccard
// similarity between token sets.
//
// The index is immutable after construction and therefore safe for
// concurrent use. Scoring and ordering are deterministic: ties break on
// shorter passages first, then lexicographically.
package knowledge

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/marshee/dogcare-backend/internal/capabilities"
)

// DefaultTopK is the number of passages Retrieve returns when the index
// was built without an explicit limit.
const DefaultTopK = 5

// minPassageRunes filters out fragments too short to be useful context.
const minPassageRunes = 40

type passage struct {
	text   string
	tokens map[string]struct{}
}

// Index is a namespaced, read-only passage store.
type Index struct {
	topK       int
	namespaces map[string][]passage
}

// New builds an empty index; namespaces are added with AddFile or
// AddPassages. topK <= 0 selects DefaultTopK.
func New(topK int) *Index {
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &Index{topK: topK, namespaces: make(map[string][]passage)}
}

// AddFile reads the Markdown file at path and registers its paragraphs
// under the given namespace.
func (ix *Index) AddFile(namespace, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("knowledge: read %s: %w", path, err)
	}
	ix.AddPassages(namespace, splitParagraphs(string(raw)))
	return nil
}

// AddPassages registers raw paragraphs under namespace, skipping blanks
// and fragments below the minimum length.
func (ix *Index) AddPassages(namespace string, paras []string) {
	docs := ix.namespaces[namespace]
	for _, raw := range paras {
		text := strings.Join(strings.Fields(raw), " ")
		if text == "" || utf8.RuneCountInString(text) < minPassageRunes {
			continue
		}
		toks := tokenize(text)
		if len(toks) == 0 {
			continue
		}
		docs = append(docs, passage{text: text, tokens: toks})
	}
	ix.namespaces[namespace] = docs
}

// Namespaces returns the registered namespace names, sorted.
func (ix *Index) Namespaces() []string {
	out := make([]string, 0, len(ix.namespaces))
	for ns := range ix.namespaces {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// Retrieve implements capabilities.Retriever. An unknown namespace yields
// no passages rather than an error, matching remote retriever semantics
// for empty namespaces.
func (ix *Index) Retrieve(ctx context.Context, query, namespace string) ([]capabilities.Passage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	qTokens := tokenize(query)
	if len(qTokens) == 0 {
		return nil, nil
	}

	docs := ix.namespaces[namespace]
	type scored struct {
		text  string
		score float64
	}
	hits := make([]scored, 0, len(docs))
	for _, d := range docs {
		inter := 0
		for tok := range qTokens {
			if _, ok := d.tokens[tok]; ok {
				inter++
			}
		}
		if inter == 0 {
			continue
		}
		union := float64(len(qTokens) + len(d.tokens) - inter)
		hits = append(hits, scored{text: d.text, score: float64(inter) / union})
	}
	if len(hits) == 0 {
		return nil, nil
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		li, lj := utf8.RuneCountInString(hits[i].text), utf8.RuneCountInString(hits[j].text)
		if li != lj {
			return li < lj
		}
		return hits[i].text < hits[j].text
	})

	n := ix.topK
	if n > len(hits) {
		n = len(hits)
	}
	out := make([]capabilities.Passage, n)
	for i := 0; i < n; i++ {
		out[i] = capabilities.Passage{Text: hits[i].text, Score: hits[i].score}
	}
	return out, nil
}

var (
	wordRE  = regexp.MustCompile(`\p{L}+\p{N}*`)
	paraRE  = regexp.MustCompile(`\n\s*\n`)
	stopSet = map[string]struct{}{
		"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "of": {}, "to": {},
		"in": {}, "is": {}, "are": {}, "for": {}, "on": {}, "with": {}, "by": {},
		"from": {}, "at": {}, "as": {}, "that": {}, "this": {}, "it": {}, "be": {},
		"my": {}, "your": {}, "do": {}, "does": {}, "what": {}, "how": {}, "can": {},
	}
)

func tokenize(s string) map[string]struct{} {
	words := wordRE.FindAllString(strings.ToLower(s), -1)
	if len(words) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		if _, stop := stopSet[w]; stop {
			continue
		}
		out[w] = struct{}{}
	}
	return out
}

func splitParagraphs(s string) []string {
	chunks := paraRE.Split(s, -1)
	out := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if t := strings.TrimSpace(c); t != "" {
			out = append(out, t)
		}
	}
	return out
}
