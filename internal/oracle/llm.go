package oracle

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// Completer is the part of OllamaClient the LLM oracle drives.
type Completer interface {
	GenerateCompletion(ctx context.Context, prompt string, jsonMode bool) (string, error)
}

// LLMOracle scores with a local model acting as curator. Trust comes from the
// local risk heuristics, not the model.
type LLMOracle struct {
	llm    Completer
	logger zerolog.Logger
}

func NewLLMOracle(llm Completer, logger zerolog.Logger) *LLMOracle {
	return &LLMOracle{llm: llm, logger: logger.With().Str("component", "oracle_llm").Logger()}
}

type curatorResponse struct {
	WinProbability string   `json:"win_probability"`
	Difficulty     string   `json:"difficulty"`
	Summary        string   `json:"ai_summary"`
	Strategy       string   `json:"strategy_tip"`
	RequiredSkills []string `json:"required_skills"`
}

const curatorPrompt = `Act as a Web3 intelligence analyst. Assess this opportunity for builders.

Title: %s
Category: %s
Chain: %s
Reward: %s
Requirements: %s
Description:
%s

Output JSON only:
{
	"win_probability": "Low" | "Medium" | "High",
	"difficulty": "Beginner" | "Intermediate" | "Expert",
	"required_skills": ["skill"],
	"ai_summary": "Short crisp mission briefing",
	"strategy_tip": "Single tactical tip for winning"
}`

func (o *LLMOracle) Score(ctx context.Context, req Request) (Result, error) {
	prompt := fmt.Sprintf(curatorPrompt, req.Title, req.Category, req.Chain, req.RewardPool,
		strings.Join(req.Requirements, ", "), req.Description)

	cur, err := o.curate(ctx, prompt)
	if err != nil {
		return Result{}, err
	}

	label := normalizeWinLabel(cur.WinProbability)
	if label == "" {
		return Result{}, newError(KindMalformed, fmt.Errorf("win_probability %q not understood", cur.WinProbability))
	}

	base := 65
	if label == "High" {
		base = 85
	}
	risk := AssessRisk(req)
	return Result{
		Score:          clamp(base + 2*len(cur.RequiredSkills)),
		WinProbability: winPercent[label],
		TrustScore:     risk.TrustScore,
		RiskLevel:      risk.RiskLevel,
		RiskFlags:      risk.Flags,
		Summary:        cur.Summary,
		Strategy:       cur.Strategy,
	}, nil
}

// curate tries JSON mode first and falls back to free text with extraction.
func (o *LLMOracle) curate(ctx context.Context, prompt string) (curatorResponse, error) {
	var cur curatorResponse

	resp, err := o.llm.GenerateCompletion(ctx, prompt, true)
	switch {
	case err != nil && ctx.Err() != nil:
		return cur, transportError(ctx, err)
	case err != nil:
		o.logger.Debug().Err(err).Msg("json mode generation failed, retrying in text mode")
	default:
		perr := decodeModelJSON(resp, &cur)
		if perr == nil {
			return cur, nil
		}
		o.logger.Debug().Err(perr).Msg("json mode reply did not parse, retrying in text mode")
	}

	resp, err = o.llm.GenerateCompletion(ctx, prompt, false)
	if err != nil {
		if KindOf(err) != "" {
			return cur, err
		}
		return cur, transportError(ctx, err)
	}
	cur = curatorResponse{}
	if err := decodeModelJSON(resp, &cur); err != nil {
		return cur, newError(KindMalformed, fmt.Errorf("parse model reply: %w", err))
	}
	return cur, nil
}

var winPercent = map[string]string{"Low": "25%", "Medium": "50%", "High": "85%"}

func normalizeWinLabel(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return "Low"
	case "medium", "med", "moderate":
		return "Medium"
	case "high":
		return "High"
	}
	return ""
}
