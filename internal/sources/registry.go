// Package sources runs the scraper connectors that feed listings into the
// ingestion pipeline.
package sources

import (
	"embed"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/david/oppforge/internal/merge"
)

//go:embed config/sources.yaml
var sourcesYAML embed.FS

const (
	KindJSON = "json"
	KindHTML = "html"
)

// Registry holds the configuration for all connectors.
type Registry struct {
	Sources []SourceConfig `yaml:"sources"`
}

// FetchConfig defines HTTP fetching configuration for a source.
type FetchConfig struct {
	TimeoutSeconds int     `yaml:"timeout_seconds,omitempty"` // Default: 30
	MaxRetries     int     `yaml:"max_retries,omitempty"`     // Default: 3
	RateLimitRPS   float64 `yaml:"rate_limit_rps,omitempty"`  // Requests per second, default: 1.0
	AcceptLanguage string  `yaml:"accept_language,omitempty"`
	MaxBodyBytes   int64   `yaml:"max_body_bytes,omitempty"` // Default: 10MB
}

// SourceConfig defines a single connector.
type SourceConfig struct {
	ID string `yaml:"id"`
	// Name is the source_name stamped on every listing and used for trust ranking.
	Name          string            `yaml:"name"`
	Kind          string            `yaml:"kind"` // "json" or "html"
	URL           string            `yaml:"url"`
	Interval      time.Duration     `yaml:"interval,omitempty"`
	Trust         string            `yaml:"trust,omitempty"` // scraper, aggregator, official
	Authoritative bool              `yaml:"authoritative,omitempty"`
	Disabled      bool              `yaml:"disabled,omitempty"`
	Headers       map[string]string `yaml:"headers,omitempty"`
	MaxPages      int               `yaml:"max_pages,omitempty"`

	Fetch     FetchConfig    `yaml:"fetch,omitempty"`
	Fields    FieldMap       `yaml:"fields,omitempty"`
	Selectors SelectorConfig `yaml:"selectors,omitempty"`
	Detail    DetailConfig   `yaml:"detail,omitempty"`
}

// FieldMap maps RawPayload fields to dotted paths inside a JSON feed item.
type FieldMap struct {
	Items        string `yaml:"items,omitempty"` // path to the item array; empty means the document root
	Next         string `yaml:"next,omitempty"`  // path to the next page URL
	ID           string `yaml:"id,omitempty"`
	Title        string `yaml:"title,omitempty"`
	URL          string `yaml:"url,omitempty"`
	Description  string `yaml:"description,omitempty"`
	Reward       string `yaml:"reward,omitempty"`
	Deadline     string `yaml:"deadline,omitempty"`
	Chain        string `yaml:"chain,omitempty"`
	Category     string `yaml:"category,omitempty"`
	Requirements string `yaml:"requirements,omitempty"`
	Tags         string `yaml:"tags,omitempty"`
}

type SelectorConfig struct {
	Container   string `yaml:"container,omitempty"` // CSS selector for the list item wrapper
	Link        string `yaml:"link,omitempty"`
	LinkAttr    string `yaml:"link_attr,omitempty"` // Attribute to extract link from (default: href)
	Title       string `yaml:"title,omitempty"`
	Description string `yaml:"description,omitempty"`
	Reward      string `yaml:"reward,omitempty"`
	Deadline    string `yaml:"deadline,omitempty"`
	Chain       string `yaml:"chain,omitempty"`
	Category    string `yaml:"category,omitempty"`
	Tags        string `yaml:"tags,omitempty"`
	Next        string `yaml:"next,omitempty"` // CSS selector for the next page link
}

// DetailConfig enables per-item enrichment from a linked PDF brief.
type DetailConfig struct {
	PDFLink string `yaml:"pdf_link,omitempty"` // CSS selector (html) or field path (json) of the PDF URL
}

// LoadRegistry reads the registry at path, or the embedded sources.yaml when path
// is empty. ${VAR} references are expanded from the environment.
func LoadRegistry(path string) (*Registry, error) {
	var (
		data []byte
		err  error
	)
	if path == "" {
		data, err = sourcesYAML.ReadFile("config/sources.yaml")
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read sources registry: %w", err)
	}
	return ParseRegistry(data)
}

func ParseRegistry(data []byte) (*Registry, error) {
	expanded := os.ExpandEnv(string(data))

	var reg Registry
	if err := yaml.Unmarshal([]byte(expanded), &reg); err != nil {
		return nil, fmt.Errorf("parse sources registry: %w", err)
	}
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	return &reg, nil
}

func (r *Registry) Validate() error {
	seen := make(map[string]bool, len(r.Sources))
	for i, s := range r.Sources {
		if strings.TrimSpace(s.ID) == "" {
			return fmt.Errorf("source #%d: id is required", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("source %q: duplicate id", s.ID)
		}
		seen[s.ID] = true
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("source %q: name is required", s.ID)
		}
		if strings.TrimSpace(s.URL) == "" && !s.Disabled {
			return fmt.Errorf("source %q: url is required", s.ID)
		}
		if _, err := merge.ParseTier(s.Trust); err != nil {
			return fmt.Errorf("source %q: %w", s.ID, err)
		}
		switch s.Kind {
		case KindJSON:
			if s.Fields.Title == "" || s.Fields.URL == "" {
				return fmt.Errorf("source %q: fields.title and fields.url are required for json sources", s.ID)
			}
		case KindHTML:
			if s.Selectors.Container == "" {
				return fmt.Errorf("source %q: selector 'container' is required for html sources", s.ID)
			}
		default:
			return fmt.Errorf("source %q: unknown kind %q", s.ID, s.Kind)
		}
	}
	return nil
}

// Get returns the source with the given id.
func (r *Registry) Get(id string) (SourceConfig, bool) {
	for _, s := range r.Sources {
		if s.ID == id {
			return s, true
		}
	}
	return SourceConfig{}, false
}

// Enabled lists sources that are not disabled.
func (r *Registry) Enabled() []SourceConfig {
	out := make([]SourceConfig, 0, len(r.Sources))
	for _, s := range r.Sources {
		if !s.Disabled {
			out = append(out, s)
		}
	}
	return out
}

// Ranking builds the merge trust ranking from the registry. Disabled sources
// still rank, since their listings may remain in open clusters.
func (r *Registry) Ranking() merge.Ranking {
	profiles := make(map[string]merge.SourceProfile, len(r.Sources))
	for _, s := range r.Sources {
		tier, _ := merge.ParseTier(s.Trust)
		profiles[s.Name] = merge.SourceProfile{Tier: tier, Authoritative: s.Authoritative}
	}
	return merge.NewRanking(profiles)
}

func (s SourceConfig) interval() time.Duration {
	if s.Interval <= 0 {
		return 6 * time.Hour
	}
	return s.Interval
}

func (s SourceConfig) maxPages() int {
	if s.MaxPages <= 0 {
		return 1
	}
	return s.MaxPages
}
