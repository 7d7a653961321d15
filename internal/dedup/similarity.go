package dedup

import (
	"math"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/david/oppforge/internal/ingest"
)

// Vector is a sparse term-weight vector.
type Vector map[string]float64

// Boilerplate that every listing repeats and that says nothing about which
// opportunity it is.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "by": {},
	"for": {}, "from": {}, "in": {}, "is": {}, "it": {}, "its": {}, "of": {}, "on": {},
	"or": {}, "our": {}, "the": {}, "their": {}, "this": {}, "to": {}, "we": {},
	"with": {}, "you": {}, "your": {}, "will": {}, "all": {}, "can": {}, "more": {},
	"apply": {}, "applications": {}, "application": {}, "now": {}, "today": {},
	"program": {}, "programme": {}, "programs": {}, "call": {}, "open": {},
	"announcing": {}, "announce": {}, "announced": {}, "new": {}, "live": {},
	"join": {}, "registration": {}, "register": {}, "here": {}, "details": {},
	"learn": {}, "read": {}, "submit": {}, "submissions": {}, "official": {},
}

// Tokenize lowercases, NFKC-folds and splits text into content words. Stop words are
// dropped and plurals lightly stemmed so "Grants" and "grant" compare equal.
func Tokenize(s string) []string {
	s = strings.ToLower(norm.NFKC.String(s))
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})

	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		tokens = append(tokens, stem(f))
	}
	return tokens
}

func stem(w string) string {
	switch {
	case len(w) > 4 && strings.HasSuffix(w, "ies"):
		return w[:len(w)-3] + "y"
	case len(w) > 4 && strings.HasSuffix(w, "s") && !strings.HasSuffix(w, "ss"):
		return w[:len(w)-1]
	}
	return w
}

// TermVector builds a raw term-frequency vector.
func TermVector(s string) Vector {
	v := make(Vector)
	for _, t := range Tokenize(s) {
		v[t]++
	}
	return v
}

func sortedTerms(v Vector) []string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Norm sums in sorted term order so results are bit-for-bit reproducible.
func (v Vector) Norm() float64 {
	var sum float64
	for _, k := range sortedTerms(v) {
		sum += v[k] * v[k]
	}
	return math.Sqrt(sum)
}

// Unit scales v to length 1. The zero vector stays empty.
func (v Vector) Unit() Vector {
	n := v.Norm()
	out := make(Vector, len(v))
	if n == 0 {
		return out
	}
	for k, w := range v {
		out[k] = w / n
	}
	return out
}

// Cosine is 0 when either vector is empty.
func Cosine(a, b Vector) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	if len(b) < len(a) {
		a, b = b, a
	}
	var dot float64
	for _, k := range sortedTerms(a) {
		dot += a[k] * b[k]
	}
	na, nb := a.Norm(), b.Norm()
	if na == 0 || nb == 0 {
		return 0
	}
	c := dot / (na * nb)
	if c > 1 {
		c = 1
	}
	return c
}

// decayAdd folds a new member into a centroid: decay*old + unit(v).
func decayAdd(centroid, v Vector, decay float64) Vector {
	out := make(Vector, len(centroid)+len(v))
	for k, w := range centroid {
		out[k] = w * decay
	}
	for k, w := range v.Unit() {
		out[k] += w
	}
	return out
}

// centroidText lists the heaviest terms of a centroid, for inspection and logs.
func centroidText(v Vector, limit int) string {
	terms := sortedTerms(v)
	sort.SliceStable(terms, func(i, j int) bool { return v[terms[i]] > v[terms[j]] })
	if len(terms) > limit {
		terms = terms[:limit]
	}
	return strings.Join(terms, " ")
}

// Features are the comparison vectors of one listing.
type Features struct {
	Title Vector
	Body  Vector
}

func ExtractFeatures(l ingest.RawListing) Features {
	return Features{
		Title: TermVector(l.Title),
		Body:  TermVector(l.Description),
	}
}

// Similarity scores a listing against a cluster on a 0-1 scale. With an empty body
// on either side it degrades to title-only and reports degraded=true.
func Similarity(f Features, c *Cluster, titleWeight float64) (score float64, degraded bool) {
	titleSim := Cosine(f.Title, c.TitleCentroid)
	if len(f.Body) == 0 || len(c.BodyCentroid) == 0 {
		return titleSim, true
	}
	return titleWeight*titleSim + (1-titleWeight)*Cosine(f.Body, c.BodyCentroid), false
}
