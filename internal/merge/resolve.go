package merge

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/david/oppforge/internal/dedup"
	"github.com/david/oppforge/internal/ingest"
	"github.com/david/oppforge/internal/models"
)

// Conflict records a field where top-ranked members disagreed and the earliest
// scrape was picked.
type Conflict struct {
	Field  string
	Chosen string
	Values []string
}

type ranked struct {
	idx  int
	m    dedup.Member
	tier Tier
}

// earlier orders by scraped_at, then discovery order.
func earlier(a, b ranked) bool {
	if !a.m.Listing.ScrapedAt.Equal(b.m.Listing.ScrapedAt) {
		return a.m.Listing.ScrapedAt.Before(b.m.Listing.ScrapedAt)
	}
	return a.idx < b.idx
}

// byRank sorts highest tier first, ties to the earliest scrape.
func byRank(rs []ranked) []ranked {
	out := append([]ranked(nil), rs...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].tier != out[j].tier {
			return out[i].tier > out[j].tier
		}
		return earlier(out[i], out[j])
	})
	return out
}

// Resolve folds cluster members into one record. It is pure: the same members,
// existing record and ranking always produce the same output. Identity, score
// fields and verification come from existing when it is non-nil.
func Resolve(members []dedup.Member, existing *models.Opportunity, ranking Ranking) (models.Opportunity, []Conflict) {
	var out models.Opportunity
	if existing != nil {
		out = *existing
	}
	if len(members) == 0 {
		return out, nil
	}

	rs := make([]ranked, len(members))
	for i, m := range members {
		rs[i] = ranked{idx: i, m: m, tier: ranking.Rank(m.Listing.SourceName)}
	}
	byTier := byRank(rs)

	var conflicts []Conflict

	out.Title = pickText(rs, func(l ingest.RawListing) string { return l.Title })
	out.Description = pickText(rs, func(l ingest.RawListing) string { return l.Description })
	out.Deadline = pickDeadline(rs, ranking)

	out.RewardPool = models.RewardPool{}
	if r, c := pickReward(byTier); r != nil {
		out.RewardPool = ingest.ParseReward(r.m.Listing.RewardText)
		if c != nil {
			conflicts = append(conflicts, *c)
		}
	}

	out.Category, out.CategoryRaw = pickCategory(byTier)
	out.Chain, out.ChainRaw = pickChain(byTier)
	out.CanonicalURL = byTier[0].m.Listing.URL

	var sources []models.SourceRef
	if existing != nil {
		sources = append(sources, existing.Sources...)
	}
	for _, r := range rs {
		sources = appendSource(sources, models.SourceRef{Name: r.m.Listing.SourceName, URL: r.m.Listing.URL})
	}
	out.Sources = sources

	var reqs, tags []string
	for _, r := range rs {
		reqs = ingest.MergeUniqueFold(reqs, r.m.Listing.Requirements)
		tags = ingest.MergeUniqueFold(tags, r.m.Listing.Tags)
	}
	out.Requirements = reqs
	out.Tags = tags

	out.ContentHash = ContentHash(&out)
	return out, conflicts
}

// pickText prefers the longest non-truncated value; if every value is truncated
// the longest truncated one is used. Ties go to the earliest scrape.
func pickText(rs []ranked, field func(ingest.RawListing) string) string {
	var best *ranked
	bestTrunc := true
	bestLen := -1
	for i := range rs {
		r := &rs[i]
		v := field(r.m.Listing)
		if v == "" {
			continue
		}
		trunc := ingest.IsTruncated(v)
		n := utf8.RuneCountInString(v)
		switch {
		case best == nil:
		case bestTrunc && !trunc:
		case !bestTrunc && trunc:
			continue
		case n > bestLen:
		case n == bestLen && earlier(*r, *best):
		default:
			continue
		}
		best, bestTrunc, bestLen = r, trunc, n
	}
	if best == nil {
		return ""
	}
	return field(best.m.Listing)
}

// pickDeadline takes the most recently scraped authoritative deadline, falling back
// to the latest deadline of any member.
func pickDeadline(rs []ranked, ranking Ranking) *time.Time {
	var auth *ranked
	for i := range rs {
		r := &rs[i]
		if r.m.Listing.Deadline == nil || !ranking.Authoritative(r.m.Listing.SourceName) {
			continue
		}
		if auth == nil || !earlier(*r, *auth) {
			auth = r
		}
	}
	if auth != nil {
		d := *auth.m.Listing.Deadline
		return &d
	}

	var latest *time.Time
	for _, r := range rs {
		d := r.m.Listing.Deadline
		if d == nil {
			continue
		}
		if latest == nil || d.After(*latest) {
			v := *d
			latest = &v
		}
	}
	return latest
}

func pickReward(byTier []ranked) (*ranked, *Conflict) {
	var candidates []ranked
	for _, r := range byTier {
		if strings.TrimSpace(r.m.Listing.RewardText) == "" {
			continue
		}
		if len(candidates) > 0 && r.tier != candidates[0].tier {
			break
		}
		candidates = append(candidates, r)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	chosen := candidates[0]
	chosenPool := ingest.ParseReward(chosen.m.Listing.RewardText)
	var values []string
	differs := false
	for _, c := range candidates {
		values = append(values, c.m.Listing.RewardText)
		if !ingest.ParseReward(c.m.Listing.RewardText).Equal(chosenPool) {
			differs = true
		}
	}
	if !differs {
		return &chosen, nil
	}
	return &chosen, &Conflict{Field: "reward_pool", Chosen: chosen.m.Listing.RewardText, Values: values}
}

func pickCategory(byTier []ranked) (models.Category, string) {
	firstRaw := ""
	for _, r := range byTier {
		raw := r.m.Listing.Category
		if raw == "" {
			continue
		}
		if firstRaw == "" {
			firstRaw = raw
		}
		if c := ingest.ResolveCategory(raw); c != models.CategoryOther {
			return c, raw
		}
	}
	return models.CategoryOther, firstRaw
}

func pickChain(byTier []ranked) (models.Chain, string) {
	firstRaw := ""
	for _, r := range byTier {
		raw := r.m.Listing.Chain
		if raw == "" {
			continue
		}
		if firstRaw == "" {
			firstRaw = raw
		}
		if c := ingest.ResolveChain(raw); c != models.ChainOther {
			return c, raw
		}
	}
	return models.ChainOther, firstRaw
}

func appendSource(sources []models.SourceRef, s models.SourceRef) []models.SourceRef {
	for _, existing := range sources {
		if existing == s {
			return sources
		}
	}
	return append(sources, s)
}

// ContentHash covers the fields that influence scoring. Source-only changes leave
// it unchanged.
func ContentHash(o *models.Opportunity) string {
	h := sha256.New()
	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	write(o.Title)
	write(o.Description)
	write(o.RewardPool.Currency)
	write(o.RewardPool.Text)
	if o.RewardPool.Low != nil {
		write(o.RewardPool.Low.String())
	} else {
		write("")
	}
	if o.RewardPool.High != nil {
		write(o.RewardPool.High.String())
	} else {
		write("")
	}
	write(strings.Join(o.Requirements, "\x1f"))
	return hex.EncodeToString(h.Sum(nil))
}
