package pipe

import (
	"context"

	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/analysis/token/porter"

	"github.com/hyperjump/fednlp/internal/doc"
)

// DefaultStemAttr is the token attribute the stemmer writes to.
const DefaultStemAttr = "stem"

// StemmerConfig configures a Stemmer.
type StemmerConfig struct {
	Attribute string `json:"attribute,omitempty"`
}

// Stemmer stores the Porter stem of each case-folded non-space token.
type Stemmer struct {
	cfg    StemmerConfig
	filter *porter.PorterStemmer
}

// NewStemmer builds a stemmer.
func NewStemmer(cfg StemmerConfig) (*Stemmer, error) {
	s := &Stemmer{}
	if err := s.configure(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Stemmer) configure(cfg StemmerConfig) error {
	if cfg.Attribute == "" {
		cfg.Attribute = DefaultStemAttr
	}
	if err := doc.ValidateAttributeName(cfg.Attribute); err != nil {
		return err
	}
	s.cfg = cfg
	s.filter = porter.NewPorterStemmer()
	return nil
}

func (s *Stemmer) Type() TypeTag { return TypeStemmer }

func (s *Stemmer) Apply(ctx context.Context, d *doc.Document) (*doc.Document, error) {
	if s.filter == nil {
		if err := s.configure(s.cfg); err != nil {
			return nil, err
		}
	}
	var words []doc.Token
	stream := make(analysis.TokenStream, 0, d.Len())
	for _, tok := range d.Tokens() {
		if tok.IsSpace() {
			continue
		}
		words = append(words, tok)
		stream = append(stream, &analysis.Token{
			Term:     []byte(foldKey(tok.Text(), false)),
			Position: len(stream) + 1,
			Type:     analysis.AlphaNumeric,
		})
	}
	stream = s.filter.Filter(stream)
	for i, tok := range words {
		if err := tok.SetAttr(s.cfg.Attribute, string(stream[i].Term)); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (s *Stemmer) DumpState() (State, error) {
	return newState(TypeStemmer, s.cfg)
}

func (s *Stemmer) LoadState(st State) error {
	var cfg StemmerConfig
	if err := decodeState(st, TypeStemmer, &cfg); err != nil {
		return err
	}
	return s.configure(cfg)
}
