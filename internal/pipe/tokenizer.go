package pipe

import (
	"context"
	"fmt"

	"github.com/hyperjump/fednlp/internal/doc"
	"github.com/hyperjump/fednlp/internal/nlperr"
	"github.com/hyperjump/fednlp/internal/tokenizer"
)

// Tokenizer wraps the rule-based tokenizer as the chain-initial component.
type Tokenizer struct {
	vocab doc.Vocabulary
	tok   *tokenizer.Tokenizer
}

// NewTokenizer builds a tokenizer component. Nil rules select the default table.
func NewTokenizer(v doc.Vocabulary, rules *tokenizer.Rules) (*Tokenizer, error) {
	tok, err := tokenizer.New(v, rules)
	if err != nil {
		return nil, err
	}
	return &Tokenizer{vocab: v, tok: tok}, nil
}

func (t *Tokenizer) Type() TypeTag { return TypeTokenizer }

// Tokenize turns raw text into a Document.
func (t *Tokenizer) Tokenize(ctx context.Context, text string) (*doc.Document, error) {
	if t.tok == nil {
		return nil, fmt.Errorf("%w: tokenizer has no rules loaded", nlperr.ErrInvalidConfig)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return t.tok.Tokenize(text)
}

// Apply leaves an already tokenized document unchanged.
func (t *Tokenizer) Apply(ctx context.Context, d *doc.Document) (*doc.Document, error) {
	return d, nil
}

func (t *Tokenizer) DumpState() (State, error) {
	rules := tokenizer.DefaultRules()
	if t.tok != nil {
		rules = t.tok.Rules()
	}
	return newState(TypeTokenizer, rules)
}

func (t *Tokenizer) LoadState(st State) error {
	var rules tokenizer.Rules
	if err := decodeState(st, TypeTokenizer, &rules); err != nil {
		return err
	}
	r := &rules
	if len(st.Config) == 0 {
		r = nil
	}
	if t.vocab == nil {
		return fmt.Errorf("%w: tokenizer needs a vocabulary", nlperr.ErrInvalidConfig)
	}
	tok, err := tokenizer.New(t.vocab, r)
	if err != nil {
		return err
	}
	t.tok = tok
	return nil
}
