package deadletter

import (
	"fmt"
	"os"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"

	"goa.design/goa-ai/core/skillerr"
)

// CatalogRule is one declarative entry of the failure catalog (spec §4.5:
// "a declarative table of (kind, matcher, default-action, retryable?)
// rules").
type CatalogRule struct {
	Name       string        `yaml:"name"`
	Kind       skillerr.Kind `yaml:"kind"`
	// SkillPattern and ProviderCodePattern are optional regexes narrowing
	// the match beyond Kind alone (spec §4.5: "a regex on provider error
	// code"). Both empty means the rule matches on Kind only.
	SkillPattern        string `yaml:"skill_pattern"`
	ProviderCodePattern string `yaml:"provider_code_pattern"`
	DefaultAction       Action `yaml:"default_action"`
	Retryable           bool   `yaml:"retryable"`
	// Priority breaks ties between rules of equal specificity (spec §4.5:
	// "longest/most-specific match wins; ties broken by declared priority").
	Priority int `yaml:"priority"`
	// TargetSkill is used when DefaultAction == route-to-alt-skill.
	TargetSkill string `yaml:"target_skill"`

	skillRE        *regexp.Regexp
	providerCodeRE *regexp.Regexp
}

// MatchInput is the context a dead-lettered failure presents to the catalog.
type MatchInput struct {
	Kind         skillerr.Kind
	Skill        string
	ProviderCode string
}

// specificity scores how narrow a rule's match is, used to pick the
// longest/most-specific match: a rule naming both a skill and a provider
// code pattern outranks one naming only a skill, which outranks a bare
// Kind match.
func (r CatalogRule) specificity() int {
	score := 0
	if r.SkillPattern != "" {
		score++
	}
	if r.ProviderCodePattern != "" {
		score++
	}
	return score
}

func (r CatalogRule) matches(in MatchInput) bool {
	if r.Kind != in.Kind {
		return false
	}
	if r.skillRE != nil && !r.skillRE.MatchString(in.Skill) {
		return false
	}
	if r.providerCodeRE != nil && !r.providerCodeRE.MatchString(in.ProviderCode) {
		return false
	}
	return true
}

// Catalog is the loaded, ordered set of failure catalog rules.
type Catalog struct {
	rules []CatalogRule
}

// LoadCatalog reads and compiles a YAML failure catalog document at path.
func LoadCatalog(path string) (*Catalog, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("deadletter: read catalog %s: %w", path, err)
	}
	var doc struct {
		Rules []CatalogRule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(buf, &doc); err != nil {
		return nil, fmt.Errorf("deadletter: parse catalog %s: %w", path, err)
	}
	return NewCatalog(doc.Rules)
}

// NewCatalog compiles rules' regex patterns and returns a ready-to-use
// Catalog (spec §4.5). Nothing watches or reloads the backing YAML document;
// a changed document takes effect only when a new Catalog is built with
// LoadCatalog or NewCatalog.
func NewCatalog(rules []CatalogRule) (*Catalog, error) {
	compiled := make([]CatalogRule, len(rules))
	for i, r := range rules {
		if r.SkillPattern != "" {
			re, err := regexp.Compile(r.SkillPattern)
			if err != nil {
				return nil, fmt.Errorf("deadletter: rule %q: compile skill_pattern: %w", r.Name, err)
			}
			r.skillRE = re
		}
		if r.ProviderCodePattern != "" {
			re, err := regexp.Compile(r.ProviderCodePattern)
			if err != nil {
				return nil, fmt.Errorf("deadletter: rule %q: compile provider_code_pattern: %w", r.Name, err)
			}
			r.providerCodeRE = re
		}
		compiled[i] = r
	}
	return &Catalog{rules: compiled}, nil
}

// Match returns the single best-matching rule for in, or ok=false if no
// rule matches (spec §4.5: "Every archived failure is tagged with at most
// one best-matching catalog entry").
func (c *Catalog) Match(in MatchInput) (CatalogRule, bool) {
	var candidates []CatalogRule
	for _, r := range c.rules {
		if r.matches(in) {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return CatalogRule{}, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		si, sj := candidates[i].specificity(), candidates[j].specificity()
		if si != sj {
			return si > sj
		}
		return candidates[i].Priority > candidates[j].Priority
	})
	return candidates[0], true
}
