package merge

import (
	"fmt"
	"strings"

	"github.com/david/oppforge/internal/models"
)

// Tier orders how far a source is trusted for conflicting fields. Higher wins.
type Tier int

const (
	TierScraper Tier = iota
	TierAggregator
	TierOfficial
	TierManual
)

func (t Tier) String() string {
	switch t {
	case TierManual:
		return "manual"
	case TierOfficial:
		return "official"
	case TierAggregator:
		return "aggregator"
	default:
		return "scraper"
	}
}

// ParseTier accepts the registry spelling of a tier. Empty means scraper.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "scraper":
		return TierScraper, nil
	case "aggregator":
		return TierAggregator, nil
	case "official", "whitelisted":
		return TierOfficial, nil
	case "manual", "admin":
		return TierManual, nil
	}
	return TierScraper, fmt.Errorf("unknown trust tier %q", s)
}

// SourceProfile is how the merge treats one source name.
type SourceProfile struct {
	Tier Tier
	// Authoritative deadlines override later-scraped ones from other sources.
	Authoritative bool
}

// Ranking maps source names to profiles. Unknown sources rank as scrapers.
type Ranking struct {
	profiles map[string]SourceProfile
}

func NewRanking(profiles map[string]SourceProfile) Ranking {
	r := Ranking{profiles: make(map[string]SourceProfile, len(profiles))}
	for name, p := range profiles {
		r.profiles[strings.ToLower(strings.TrimSpace(name))] = p
	}
	return r
}

func (r Ranking) profile(source string) SourceProfile {
	source = strings.ToLower(source)
	if source == models.SourceManual {
		return SourceProfile{Tier: TierManual, Authoritative: true}
	}
	if p, ok := r.profiles[source]; ok {
		return p
	}
	return SourceProfile{Tier: TierScraper}
}

func (r Ranking) Rank(source string) Tier {
	return r.profile(source).Tier
}

func (r Ranking) Authoritative(source string) bool {
	return r.profile(source).Authoritative
}
