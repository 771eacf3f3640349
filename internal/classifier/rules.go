package classifier

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/slyt3/guardstats/internal/assert"
	"github.com/slyt3/guardstats/internal/models"
)

const (
	maxCategories = 256
	maxPatterns   = 1024
)

// RuleSet is the filter_rules.yaml structure.
type RuleSet struct {
	Version  string                   `yaml:"version"`
	Defaults Defaults                 `yaml:"defaults"`
	Rules    map[string]CategoryRules `yaml:"safety_categories"`
}

// Defaults is the decision for queries no pattern matches.
type Defaults struct {
	Action    string `yaml:"action"`
	Category  string `yaml:"category"`
	RiskLevel string `yaml:"risk_level"`
}

// CategoryRules holds the patterns of one safety category. Patterns are
// matched case-insensitively anywhere in the query; "*" matches any run of
// characters.
type CategoryRules struct {
	BlockedPatterns    []string `yaml:"blocked_patterns"`
	FlaggedPatterns    []string `yaml:"flagged_patterns,omitempty"`
	DiscussionPatterns []string `yaml:"discussion_patterns,omitempty"`
	RiskLevel          string   `yaml:"risk_level,omitempty"`
}

// LoadRules reads and validates a rules file.
func LoadRules(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules file: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes YAML rules and fills defaults.
func ParseRules(data []byte) (*RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("parsing rules YAML: %w", err)
	}
	if err := rs.normalize(); err != nil {
		return nil, err
	}
	return &rs, nil
}

func (rs *RuleSet) normalize() error {
	if rs.Defaults.Action == "" {
		rs.Defaults.Action = string(models.ActionAllow)
	}
	action, ok := models.ParseAction(rs.Defaults.Action)
	if !ok {
		return fmt.Errorf("unknown default action %q", rs.Defaults.Action)
	}
	rs.Defaults.Action = string(action)
	if rs.Defaults.Category == "" {
		rs.Defaults.Category = "legitimate"
	}
	if rs.Defaults.RiskLevel == "" {
		rs.Defaults.RiskLevel = "low"
	}
	if err := assert.Check(len(rs.Rules) <= maxCategories, "too many categories: %d", len(rs.Rules)); err != nil {
		return err
	}
	for name, cat := range rs.Rules {
		if name == "" {
			return fmt.Errorf("category name must not be empty")
		}
		total := len(cat.BlockedPatterns) + len(cat.FlaggedPatterns) + len(cat.DiscussionPatterns)
		if err := assert.Check(total <= maxPatterns, "category %s has too many patterns: %d", name, total); err != nil {
			return err
		}
		for _, group := range [][]string{cat.BlockedPatterns, cat.FlaggedPatterns, cat.DiscussionPatterns} {
			for _, p := range group {
				if strings.Trim(p, "* ") == "" {
					return fmt.Errorf("category %s: empty pattern", name)
				}
			}
		}
		if cat.RiskLevel == "" {
			cat.RiskLevel = "high"
			rs.Rules[name] = cat
		}
	}
	return nil
}

// CategoryNames returns the category names in sorted order.
func (rs *RuleSet) CategoryNames() []string {
	names := make([]string, 0, len(rs.Rules))
	for name := range rs.Rules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PatternCount is the number of patterns across all categories.
func (rs *RuleSet) PatternCount() int {
	n := 0
	for _, cat := range rs.Rules {
		n += len(cat.BlockedPatterns) + len(cat.FlaggedPatterns) + len(cat.DiscussionPatterns)
	}
	return n
}

// Evaluate classifies query. A block in any category wins over a flag; a
// discussion pattern suppresses its own category. Ties go to the first
// category by name.
func (rs *RuleSet) Evaluate(query string) Decision {
	text := strings.ToLower(query)
	def := Decision{
		Action:    models.Action(rs.Defaults.Action),
		Category:  rs.Defaults.Category,
		RiskLevel: rs.Defaults.RiskLevel,
	}

	var flagged *Decision
	for _, name := range rs.CategoryNames() {
		cat := rs.Rules[name]
		if matchAny(cat.DiscussionPatterns, text) {
			continue
		}
		if matchAny(cat.BlockedPatterns, text) {
			return Decision{Action: models.ActionBlock, Category: name, RiskLevel: cat.RiskLevel}
		}
		if flagged == nil && matchAny(cat.FlaggedPatterns, text) {
			flagged = &Decision{Action: models.ActionFlag, Category: name, RiskLevel: "medium"}
		}
	}
	if flagged != nil {
		return *flagged
	}
	return def
}

func matchAny(patterns []string, text string) bool {
	for i := 0; i < len(patterns) && i < maxPatterns; i++ {
		if MatchPattern(patterns[i], text) {
			return true
		}
	}
	return false
}

// MatchPattern reports whether pattern occurs in text, case-insensitively.
// Each "*" matches any run of characters, including none.
func MatchPattern(pattern, text string) bool {
	if err := assert.Check(pattern != "", "pattern is non-empty"); err != nil {
		return false
	}
	pattern = strings.ToLower(pattern)
	text = strings.ToLower(text)
	if !strings.Contains(pattern, "*") {
		return strings.Contains(text, pattern)
	}

	pos := 0
	for _, segment := range strings.Split(pattern, "*") {
		if segment == "" {
			continue
		}
		idx := strings.Index(text[pos:], segment)
		if idx < 0 {
			return false
		}
		pos += idx + len(segment)
	}
	return true
}
