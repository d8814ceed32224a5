// Package risk classifies RouterOS command text into risk tiers. The
// classifier is a pure function over the command text: no I/O, identical
// input always yields an identical assessment.
package risk

import (
	"regexp"
	"strings"
)

// Tier orders destructive potential from Safe to Critical.
type Tier int

const (
	TierSafe Tier = iota
	TierLow
	TierMedium
	TierHigh
	TierCritical
)

func (t Tier) String() string {
	switch t {
	case TierSafe:
		return "safe"
	case TierLow:
		return "low"
	case TierMedium:
		return "medium"
	case TierHigh:
		return "high"
	case TierCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseTier parses the string form produced by Tier.String.
func ParseTier(s string) (Tier, bool) {
	switch strings.ToLower(s) {
	case "safe":
		return TierSafe, true
	case "low":
		return TierLow, true
	case "medium":
		return TierMedium, true
	case "high":
		return TierHigh, true
	case "critical":
		return TierCritical, true
	default:
		return TierMedium, false
	}
}

// Assessment is the classification outcome for one command. Immutable once
// produced.
type Assessment struct {
	Tier                 Tier     `json:"tier"`
	Warnings             []string `json:"warnings,omitempty"`
	Impact               string   `json:"impact"`
	RequiresConfirmation bool     `json:"requires_confirmation"`

	// Ambiguous marks commands no pattern matched; they default to Medium
	// rather than Safe so novel commands are never under-protected.
	Ambiguous bool `json:"ambiguous,omitempty"`
}

// Classifier evaluates the ordered rule table, most dangerous tier first;
// the first matching group wins.
type Classifier struct {
	groups            []group
	sensitiveKeywords []string
}

// Option adjusts classifier construction.
type Option func(*Classifier)

// WithSensitiveKeywords replaces the default keyword list that forces
// confirmation on Medium-tier commands.
func WithSensitiveKeywords(words []string) Option {
	return func(c *Classifier) {
		c.sensitiveKeywords = words
	}
}

// NewClassifier builds a classifier from the built-in RouterOS rule table.
func NewClassifier(opts ...Option) *Classifier {
	c := &Classifier{
		groups:            compiledGroups,
		sensitiveKeywords: defaultSensitiveKeywords,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify maps command text to an Assessment.
func (c *Classifier) Classify(text string) Assessment {
	trimmed := strings.ToLower(strings.TrimSpace(text))

	for _, g := range c.groups {
		for _, rule := range g.rules {
			if rule.re.MatchString(trimmed) {
				a := Assessment{
					Tier:     g.tier,
					Warnings: append([]string(nil), rule.warnings...),
					Impact:   rule.impact,
				}
				a.RequiresConfirmation = g.tier >= TierHigh
				if g.tier == TierMedium && c.matchesSensitive(trimmed) {
					a.RequiresConfirmation = true
					a.Warnings = append(a.Warnings, "command touches sensitive account or security settings")
				}
				return a
			}
		}
	}

	// No pattern matched: moderately risky by default, never Safe.
	a := Assessment{
		Tier:      TierMedium,
		Impact:    "unrecognized command; impact unknown",
		Warnings:  []string{"command did not match any known pattern, treating as medium risk"},
		Ambiguous: true,
	}
	if c.matchesSensitive(trimmed) {
		a.RequiresConfirmation = true
	}
	return a
}

func (c *Classifier) matchesSensitive(text string) bool {
	for _, kw := range c.sensitiveKeywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// group is one tier's pattern set in the ordered table.
type group struct {
	tier  Tier
	rules []compiledRule
}

type compiledRule struct {
	re       *regexp.Regexp
	impact   string
	warnings []string
}

type ruleSpec struct {
	pattern  string
	impact   string
	warnings []string
}

func compile(tier Tier, specs []ruleSpec) group {
	g := group{tier: tier}
	for _, s := range specs {
		g.rules = append(g.rules, compiledRule{
			re:       regexp.MustCompile(s.pattern),
			impact:   s.impact,
			warnings: s.warnings,
		})
	}
	return g
}
