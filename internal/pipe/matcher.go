package pipe

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/hyperjump/fednlp/internal/doc"
	"github.com/hyperjump/fednlp/internal/nlperr"
)

// DefaultMatchesAttr is the document attribute the matcher writes to.
const DefaultMatchesAttr = "matches"

// TokenSpec constrains one token of a pattern. Every set field must hold.
type TokenSpec struct {
	Text  *string        `json:"TEXT,omitempty"`
	Lower *string        `json:"LOWER,omitempty"`
	Attrs map[string]any `json:"_,omitempty"`
}

func (s TokenSpec) matches(tok doc.Token) bool {
	if s.Text != nil && tok.Text() != *s.Text {
		return false
	}
	if s.Lower != nil && foldKey(tok.Text(), false) != foldKey(*s.Lower, false) {
		return false
	}
	for name, want := range s.Attrs {
		got, ok := tok.Attr(name)
		if !ok || !doc.EqualValues(got, want) {
			return false
		}
	}
	return true
}

// MatcherConfig configures a Matcher. Phrases are split on whitespace and matched token by
// token, by exact text or case-folded when PhraseCaseSensitive is false.
type MatcherConfig struct {
	Patterns            map[string][][]TokenSpec `json:"patterns,omitempty"`
	Phrases             map[string][]string      `json:"phrases,omitempty"`
	PhraseCaseSensitive *bool                    `json:"phrase_case_sensitive,omitempty"`
	Attribute           string                   `json:"attribute,omitempty"`
}

// Match is one matched span of non-space tokens.
type Match struct {
	Key   string `json:"key"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// Matcher finds token and phrase patterns and records them as a document attribute. Space
// tokens are skipped; matches of one pattern never overlap.
type Matcher struct {
	cfg      MatcherConfig
	keys     []string
	patterns map[string][][]TokenSpec
}

// NewMatcher validates cfg and builds the matcher.
func NewMatcher(cfg MatcherConfig) (*Matcher, error) {
	m := &Matcher{}
	if err := m.configure(cfg); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Matcher) configure(cfg MatcherConfig) error {
	attr := cfg.Attribute
	if attr == "" {
		attr = DefaultMatchesAttr
	}
	if err := doc.ValidateAttributeName(attr); err != nil {
		return err
	}
	patterns := make(map[string][][]TokenSpec)
	for key, list := range cfg.Patterns {
		for i, p := range list {
			if len(p) == 0 {
				return fmt.Errorf("%w: pattern %q #%d is empty", nlperr.ErrInvalidConfig, key, i)
			}
			patterns[key] = append(patterns[key], p)
		}
	}
	cs := boolOr(cfg.PhraseCaseSensitive, true)
	for key, phrases := range cfg.Phrases {
		for _, phrase := range phrases {
			words := strings.Fields(phrase)
			if len(words) == 0 {
				return fmt.Errorf("%w: phrase for %q is empty", nlperr.ErrInvalidConfig, key)
			}
			spec := make([]TokenSpec, len(words))
			for i, w := range words {
				w := w
				if cs {
					spec[i] = TokenSpec{Text: &w}
				} else {
					spec[i] = TokenSpec{Lower: &w}
				}
			}
			patterns[key] = append(patterns[key], spec)
		}
	}
	keys := make([]string, 0, len(patterns))
	for k := range patterns {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	cfg.Attribute = attr
	m.cfg = cfg
	m.keys = keys
	m.patterns = patterns
	return nil
}

func (m *Matcher) Type() TypeTag { return TypeMatcher }

// Find returns every match in d ordered by start, end, then key.
func (m *Matcher) Find(d *doc.Document) []Match {
	var words []doc.Token
	for _, tok := range d.Tokens() {
		if !tok.IsSpace() {
			words = append(words, tok)
		}
	}
	var out []Match
	for _, key := range m.keys {
		for _, pattern := range m.patterns[key] {
			for i := 0; i+len(pattern) <= len(words); {
				if matchAt(words[i:], pattern) {
					last := words[i+len(pattern)-1]
					out = append(out, Match{Key: key, Start: words[i].Index(), End: last.Index() + 1})
					i += len(pattern)
					continue
				}
				i++
			}
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].Start != out[b].Start {
			return out[a].Start < out[b].Start
		}
		if out[a].End != out[b].End {
			return out[a].End < out[b].End
		}
		return out[a].Key < out[b].Key
	})
	return out
}

func matchAt(words []doc.Token, pattern []TokenSpec) bool {
	for j, spec := range pattern {
		if !spec.matches(words[j]) {
			return false
		}
	}
	return true
}

// Apply stores the matches under the configured attribute as a list of key/start/end maps.
func (m *Matcher) Apply(ctx context.Context, d *doc.Document) (*doc.Document, error) {
	found := m.Find(d)
	list := make([]any, len(found))
	for i, f := range found {
		list[i] = map[string]any{"key": f.Key, "start": f.Start, "end": f.End}
	}
	if err := d.SetAttr(m.cfg.Attribute, list); err != nil {
		return nil, err
	}
	return d, nil
}

func (m *Matcher) DumpState() (State, error) {
	return newState(TypeMatcher, m.cfg)
}

func (m *Matcher) LoadState(st State) error {
	var cfg MatcherConfig
	if err := decodeState(st, TypeMatcher, &cfg); err != nil {
		return err
	}
	return m.configure(cfg)
}

// Matches reads the matches stored by a Matcher under attr, whether they were set locally or
// came back from another worker as decoded JSON.
func Matches(d *doc.Document, attr string) []Match {
	v, ok := d.Attr(attr)
	if !ok {
		return nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]Match, 0, len(list))
	for _, item := range list {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		key, _ := entry["key"].(string)
		out = append(out, Match{Key: key, Start: asInt(entry["start"]), End: asInt(entry["end"])})
	}
	return out
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
