package pipe

import (
	"context"
	"fmt"

	"github.com/hyperjump/fednlp/internal/doc"
	"github.com/hyperjump/fednlp/internal/nlperr"
)

// TaggerConfig configures an AttributeTagger. Either Lookups (a set, every member gets Tag)
// or Table (each key gets its own value) drives the tagging.
type TaggerConfig struct {
	Attribute     string         `json:"attribute"`
	Lookups       []string       `json:"lookups,omitempty"`
	Table         map[string]any `json:"table,omitempty"`
	Tag           any            `json:"tag,omitempty"`
	Default       any            `json:"default,omitempty"`
	CaseSensitive *bool          `json:"case_sensitive,omitempty"`
}

// AttributeTagger sets a token attribute from a lookup table. Tokens not found get Default,
// or no attribute at all when Default is unset.
type AttributeTagger struct {
	cfg   TaggerConfig
	table map[string]any
}

// NewAttributeTagger validates cfg and builds the tagger.
func NewAttributeTagger(cfg TaggerConfig) (*AttributeTagger, error) {
	t := &AttributeTagger{}
	if err := t.configure(cfg); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *AttributeTagger) configure(cfg TaggerConfig) error {
	if err := doc.ValidateAttributeName(cfg.Attribute); err != nil {
		return err
	}
	if len(cfg.Lookups) > 0 && len(cfg.Table) > 0 {
		return fmt.Errorf("%w: tagger takes lookups or table, not both", nlperr.ErrInvalidConfig)
	}
	tag := cfg.Tag
	if tag == nil {
		tag = true
	}
	cs := boolOr(cfg.CaseSensitive, true)
	table := make(map[string]any, len(cfg.Lookups)+len(cfg.Table))
	for _, w := range cfg.Lookups {
		table[foldKey(w, cs)] = tag
	}
	for w, v := range cfg.Table {
		table[foldKey(w, cs)] = v
	}
	t.cfg = cfg
	t.table = table
	return nil
}

func (t *AttributeTagger) Type() TypeTag { return TypeAttributeTagger }

func (t *AttributeTagger) Apply(ctx context.Context, d *doc.Document) (*doc.Document, error) {
	cs := boolOr(t.cfg.CaseSensitive, true)
	for _, tok := range d.Tokens() {
		v, ok := t.table[foldKey(tok.Text(), cs)]
		if !ok {
			if t.cfg.Default == nil {
				continue
			}
			v = t.cfg.Default
		}
		if err := tok.SetAttr(t.cfg.Attribute, v); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (t *AttributeTagger) DumpState() (State, error) {
	return newState(TypeAttributeTagger, t.cfg)
}

func (t *AttributeTagger) LoadState(st State) error {
	var cfg TaggerConfig
	if err := decodeState(st, TypeAttributeTagger, &cfg); err != nil {
		return err
	}
	return t.configure(cfg)
}
