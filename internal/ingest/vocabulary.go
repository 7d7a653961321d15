package ingest

import (
	_ "embed"
	"fmt"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/david/oppforge/internal/models"
)

//go:embed vocabulary.yaml
var vocabularyYAML []byte

type vocabularyFile struct {
	Categories map[string][]string `yaml:"categories"`
	Chains     map[string][]string `yaml:"chains"`
}

type vocabulary struct {
	categories map[string]models.Category
	chains     map[string]models.Chain
}

var vocab = mustLoadVocabulary(vocabularyYAML)

func mustLoadVocabulary(data []byte) vocabulary {
	v, err := loadVocabulary(data)
	if err != nil {
		panic(err)
	}
	return v
}

func loadVocabulary(data []byte) (vocabulary, error) {
	var f vocabularyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return vocabulary{}, fmt.Errorf("parse vocabulary: %w", err)
	}

	v := vocabulary{
		categories: make(map[string]models.Category),
		chains:     make(map[string]models.Chain),
	}

	knownCategories := make(map[string]models.Category, len(models.Categories))
	for _, c := range models.Categories {
		knownCategories[string(c)] = c
	}
	for name, aliases := range f.Categories {
		c, ok := knownCategories[name]
		if !ok {
			return vocabulary{}, fmt.Errorf("vocabulary: unknown category %q", name)
		}
		v.categories[foldVocab(name)] = c
		for _, a := range aliases {
			v.categories[foldVocab(a)] = c
		}
	}

	knownChains := make(map[string]models.Chain, len(models.Chains))
	for _, c := range models.Chains {
		knownChains[string(c)] = c
	}
	for name, aliases := range f.Chains {
		c, ok := knownChains[name]
		if !ok {
			return vocabulary{}, fmt.Errorf("vocabulary: unknown chain %q", name)
		}
		v.chains[foldVocab(name)] = c
		for _, a := range aliases {
			v.chains[foldVocab(a)] = c
		}
	}

	return v, nil
}

func foldVocab(s string) string {
	return strings.ToLower(normalizeSpace(s))
}

// ResolveCategory maps a free-text category onto the vocabulary. Unknown values
// resolve to CategoryOther.
func ResolveCategory(raw string) models.Category {
	if c, ok := resolve(vocab.categories, raw); ok {
		return c
	}
	return models.CategoryOther
}

// ResolveChain maps a free-text chain onto the vocabulary. Unknown values resolve to
// ChainOther.
func ResolveChain(raw string) models.Chain {
	if c, ok := resolve(vocab.chains, raw); ok {
		return c
	}
	return models.ChainOther
}

// resolve tries the whole value first, then each word in order of appearance.
func resolve[T any](table map[string]T, raw string) (T, bool) {
	var zero T
	key := foldVocab(raw)
	if key == "" {
		return zero, false
	}
	if v, ok := table[key]; ok {
		return v, true
	}
	words := strings.FieldsFunc(key, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '-'
	})
	for _, w := range words {
		if v, ok := table[w]; ok {
			return v, true
		}
	}
	return zero, false
}
