package tokenizer

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hyperjump/fednlp/internal/nlperr"
)

// Rules are the static affix and exception tables consumed by the tokenizer. Prefixes,
// suffixes and infixes are regular expressions tried in order; exceptions map a literal
// string to the tokens it is split into.
type Rules struct {
	Prefixes   []string            `yaml:"prefixes" json:"prefixes,omitempty"`
	Suffixes   []string            `yaml:"suffixes" json:"suffixes,omitempty"`
	Infixes    []string            `yaml:"infixes" json:"infixes,omitempty"`
	Exceptions map[string][]string `yaml:"exceptions" json:"exceptions,omitempty"`
}

// LoadRules reads a YAML rule table from path.
func LoadRules(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules: %w", err)
	}
	return ParseRules(data)
}

// ParseRules parses a YAML rule table and validates it.
func ParseRules(data []byte) (*Rules, error) {
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// Validate checks that every exception splits its key into non-empty pieces that join back
// to the key; otherwise tokenization would no longer reproduce the input.
func (r *Rules) Validate() error {
	for key, pieces := range r.Exceptions {
		if key == "" || len(pieces) == 0 {
			return fmt.Errorf("%w: exception %q has no tokens", nlperr.ErrInvalidConfig, key)
		}
		for _, p := range pieces {
			if p == "" {
				return fmt.Errorf("%w: exception %q has an empty token", nlperr.ErrInvalidConfig, key)
			}
		}
		if strings.Join(pieces, "") != key {
			return fmt.Errorf("%w: exception %q tokens %q do not join to the key", nlperr.ErrInvalidConfig, key, pieces)
		}
		if strings.ContainsFunc(key, isSpace) {
			return fmt.Errorf("%w: exception %q contains whitespace", nlperr.ErrInvalidConfig, key)
		}
	}
	return nil
}

// DefaultRules returns a small English rule table.
func DefaultRules() *Rules {
	return &Rules{
		Prefixes: []string{
			`\(`, `\[`, `\{`, `"`, `'`, `¡`, `¿`, `\$`, `£`, `€`, `#`, `<`, `\*`, `“`, `‘`,
		},
		Suffixes: []string{
			`\)`, `\]`, `\}`, `"`, `\.\.\.`, `…`, `\.`, `,`, `;`, `:`, `!`, `\?`, `%`, `>`, `\*`,
			`”`, `’`, `'s`, `'S`, `'`,
		},
		Infixes: []string{
			`(?<=[0-9])[+\-*^](?=[0-9\-])`,
			`(?<=[A-Za-z0-9])-(?=[A-Za-z])`,
			`(?<=[A-Za-z]),(?=[A-Za-z])`,
			`--`,
			`(?<=[a-z])\.(?=[A-Z])`,
		},
		Exceptions: map[string][]string{
			"e.g.":  {"e.g."},
			"i.e.":  {"i.e."},
			"etc.":  {"etc."},
			"U.S.":  {"U.S."},
			"Mr.":   {"Mr."},
			"Mrs.":  {"Mrs."},
			"Dr.":   {"Dr."},
			"don't": {"do", "n't"},
			"can't": {"ca", "n't"},
			"won't": {"wo", "n't"},
			"isn't": {"is", "n't"},
			"I'm":   {"I", "'m"},
			"it's":  {"it", "'s"},
			":)":    {":)"},
		},
	}
}
