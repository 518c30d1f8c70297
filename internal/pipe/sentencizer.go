package pipe

import (
	"context"

	"github.com/hyperjump/fednlp/internal/doc"
)

// DefaultPunct is the terminal punctuation set used when none is configured.
var DefaultPunct = []string{".", "!", "?"}

// SentencizerConfig configures a Sentencizer.
type SentencizerConfig struct {
	Punct []string `json:"punct,omitempty"`
}

// Sentencizer marks sentence starts. A sentence ends after a run of terminal punctuation, so
// the first non-terminal token after it opens the next sentence, space tokens included.
type Sentencizer struct {
	cfg   SentencizerConfig
	punct map[string]struct{}
}

// NewSentencizer builds a sentencizer; empty punct selects DefaultPunct.
func NewSentencizer(cfg SentencizerConfig) *Sentencizer {
	s := &Sentencizer{}
	s.configure(cfg)
	return s
}

func (s *Sentencizer) configure(cfg SentencizerConfig) {
	punct := cfg.Punct
	if len(punct) == 0 {
		punct = DefaultPunct
	}
	s.punct = make(map[string]struct{}, len(punct))
	for _, p := range punct {
		s.punct[p] = struct{}{}
	}
	s.cfg = cfg
}

func (s *Sentencizer) Type() TypeTag { return TypeSentencizer }

func (s *Sentencizer) Apply(ctx context.Context, d *doc.Document) (*doc.Document, error) {
	tokens := d.Tokens()
	starts := make([]bool, len(tokens))
	seenTerminal := false
	runStart := 0
	for i, tok := range tokens {
		_, terminal := s.punct[tok.Text()]
		switch {
		case terminal:
			seenTerminal = true
		case seenTerminal:
			starts[runStart] = true
			runStart = i
			seenTerminal = false
		}
	}
	if len(tokens) > 0 {
		starts[runStart] = true
	}
	for i, tok := range tokens {
		if err := tok.SetAttr(doc.SentenceStartAttr, starts[i]); err != nil {
			return nil, err
		}
	}
	if err := d.SetAttr(doc.SentencedAttr, true); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *Sentencizer) DumpState() (State, error) {
	return newState(TypeSentencizer, s.cfg)
}

func (s *Sentencizer) LoadState(st State) error {
	var cfg SentencizerConfig
	if err := decodeState(st, TypeSentencizer, &cfg); err != nil {
		return err
	}
	s.configure(cfg)
	return nil
}
