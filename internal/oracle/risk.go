package oracle

import (
	"strings"

	"github.com/david/oppforge/internal/models"
)

// RiskAssessment is the trust verdict from local heuristics.
type RiskAssessment struct {
	TrustScore int
	RiskLevel  models.RiskLevel
	Flags      []string
}

var (
	platformSources = map[string]bool{"gitcoin": true, "devpost": true, "devfolio": true}
	scamPhrases     = []string{"guaranteed", "doubler", "invest now", "send money", "seed phrase"}
	socialLinks     = []string{"t.me/", "discord.gg"}
)

const (
	baseTrust        = 80
	sparseDescLength = 50
)

// AssessRisk scores trust from forensic signals in the listing.
func AssessRisk(req Request) RiskAssessment {
	for _, s := range req.Sources {
		if strings.EqualFold(s, models.SourceManual) {
			return RiskAssessment{TrustScore: 100, RiskLevel: models.RiskLow, Flags: []string{"manual_entry"}}
		}
	}

	score := baseTrust
	var flags []string

	for _, s := range req.Sources {
		if platformSources[strings.ToLower(s)] {
			score += 10
			flags = append(flags, "vetted_platform")
			break
		}
	}

	if len([]rune(strings.TrimSpace(req.Description))) < sparseDescLength {
		score -= 15
		flags = append(flags, "sparse_description")
	}

	url := strings.ToLower(req.URL)
	for _, link := range socialLinks {
		if strings.Contains(url, link) {
			score -= 5
			flags = append(flags, "social_link")
			break
		}
	}

	text := strings.ToLower(req.Title + " " + req.Description)
	for _, phrase := range scamPhrases {
		if strings.Contains(text, phrase) {
			score -= 40
			flags = append(flags, "scam_phrase")
			break
		}
	}

	score = clamp(score)
	return RiskAssessment{TrustScore: score, RiskLevel: models.RiskLevelForTrust(score), Flags: flags}
}

// unreachableRisk is used when the engine cannot be asked about risk at all.
var unreachableRisk = RiskAssessment{TrustScore: 50, RiskLevel: models.RiskMedium, Flags: []string{"ai_engine_unreachable"}}
