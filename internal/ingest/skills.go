package ingest

import "regexp"

type skillPattern struct {
	name string
	re   *regexp.Regexp
}

// Word boundaries are spelled out because \b does not work around "C++" or "Next.js".
const (
	skillPrefix = `(?:^|[^A-Za-z0-9])`
	skillSuffix = `(?:$|[^A-Za-z0-9])`
)

func skill(name, pattern string) skillPattern {
	return skillPattern{name: name, re: regexp.MustCompile(skillPrefix + `(?:` + pattern + `)` + skillSuffix)}
}

var knownSkills = []skillPattern{
	skill("Rust", `(?i)rust`),
	skill("Solidity", `(?i)solidity`),
	skill("Python", `(?i)python`),
	skill("TypeScript", `(?i)typescript`),
	skill("React", `(?i)react(?:\.js|js)?`),
	skill("Next.js", `(?i)next\.?js`),
	// Case sensitive: "go" is an English word.
	skill("Go", `Go|(?i:golang)`),
	skill("C++", `(?i)c\+\+`),
	skill("Move", `Move`),
	skill("Cairo", `(?i)cairo`),
	skill("Vyper", `(?i)vyper`),
	skill("ZK", `(?i)zk|zero[- ]knowledge`),
	skill("DeFi", `(?i)defi`),
	skill("NFT", `(?i)nfts?`),
	skill("DAO", `(?i)daos?`),
	skill("Smart Contracts", `(?i)smart[- ]contracts?`),
	skill("Security Audit", `(?i)security audits?|auditing|auditors?`),
	skill("Frontend", `(?i)front[- ]?end`),
	skill("Backend", `(?i)back[- ]?end`),
	skill("Design", `(?i)design(?:ers?)?|ui/ux|ux`),
	skill("Content Writing", `(?i)content writ(?:ing|ers?)|technical writ(?:ing|ers?)`),
	skill("Community", `(?i)community`),
}

// ExtractSkills returns the known skills mentioned in text, in vocabulary order.
func ExtractSkills(text string) []string {
	if text == "" {
		return nil
	}
	var found []string
	for _, s := range knownSkills {
		if s.re.MatchString(text) {
			found = append(found, s.name)
		}
	}
	return found
}
