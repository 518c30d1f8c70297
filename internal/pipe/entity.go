package pipe

import (
	"context"
	"fmt"
	"strings"

	"github.com/hyperjump/fednlp/internal/doc"
	"github.com/hyperjump/fednlp/internal/nlperr"
)

// Attributes written by the entity recognizer.
const (
	EntIOBAttr  = "ent_iob"
	EntTypeAttr = "ent_type"
	EntsAttr    = "ents"
)

// EntityConfig maps entity phrases to labels.
type EntityConfig struct {
	Entities      map[string]string `json:"entities"`
	CaseSensitive *bool             `json:"case_sensitive,omitempty"`
}

// EntityRecognizer tags tokens with IOB entity markers using greedy longest-match lookup of
// configured phrases over the non-space tokens.
type EntityRecognizer struct {
	cfg    EntityConfig
	dict   map[string]string
	maxLen int
}

// NewEntityRecognizer validates cfg and builds the recognizer.
func NewEntityRecognizer(cfg EntityConfig) (*EntityRecognizer, error) {
	r := &EntityRecognizer{}
	if err := r.configure(cfg); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *EntityRecognizer) configure(cfg EntityConfig) error {
	cs := boolOr(cfg.CaseSensitive, true)
	dict := make(map[string]string, len(cfg.Entities))
	maxLen := 1
	for phrase, label := range cfg.Entities {
		words := strings.Fields(phrase)
		if len(words) == 0 || label == "" {
			return fmt.Errorf("%w: entity %q needs words and a label", nlperr.ErrInvalidConfig, phrase)
		}
		dict[foldKey(strings.Join(words, " "), cs)] = label
		if len(words) > maxLen {
			maxLen = len(words)
		}
	}
	r.cfg = cfg
	r.dict = dict
	r.maxLen = maxLen
	return nil
}

func (r *EntityRecognizer) Type() TypeTag { return TypeEntityRecognizer }

func (r *EntityRecognizer) Apply(ctx context.Context, d *doc.Document) (*doc.Document, error) {
	cs := boolOr(r.cfg.CaseSensitive, true)
	var words []doc.Token
	for _, tok := range d.Tokens() {
		if !tok.IsSpace() {
			words = append(words, tok)
		}
	}
	iob := make([]string, len(words))
	types := make([]string, len(words))
	var ents []any
	for i := 0; i < len(words); {
		n := r.maxLen
		if remaining := len(words) - i; n > remaining {
			n = remaining
		}
		matched := 0
		label := ""
		for ; n >= 1; n-- {
			parts := make([]string, n)
			for k := 0; k < n; k++ {
				parts[k] = words[i+k].Text()
			}
			if l, ok := r.dict[foldKey(strings.Join(parts, " "), cs)]; ok {
				matched, label = n, l
				break
			}
		}
		if matched == 0 {
			iob[i] = "O"
			i++
			continue
		}
		for k := 0; k < matched; k++ {
			iob[i+k] = "I"
			types[i+k] = label
		}
		iob[i] = "B"
		ents = append(ents, map[string]any{
			"label": label,
			"start": words[i].Index(),
			"end":   words[i+matched-1].Index() + 1,
		})
		i += matched
	}
	for i, tok := range words {
		if err := tok.SetAttr(EntIOBAttr, iob[i]); err != nil {
			return nil, err
		}
		if err := tok.SetAttr(EntTypeAttr, types[i]); err != nil {
			return nil, err
		}
	}
	if ents == nil {
		ents = []any{}
	}
	if err := d.SetAttr(EntsAttr, ents); err != nil {
		return nil, err
	}
	return d, nil
}

func (r *EntityRecognizer) DumpState() (State, error) {
	return newState(TypeEntityRecognizer, r.cfg)
}

func (r *EntityRecognizer) LoadState(st State) error {
	var cfg EntityConfig
	if err := decodeState(st, TypeEntityRecognizer, &cfg); err != nil {
		return err
	}
	return r.configure(cfg)
}
