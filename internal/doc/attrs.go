package doc

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/hyperjump/fednlp/internal/nlperr"
)

// Attribute names set by the built-in components.
const (
	SentenceStartAttr = "is_sentence_start"
	SentencedAttr     = "is_sentenced"
)

// Attributes is an open name to value map attached to tokens and documents.
type Attributes map[string]any

// ValidateAttributeName rejects empty names and names containing whitespace.
func ValidateAttributeName(name string) error {
	if name == "" || strings.IndexFunc(name, unicode.IsSpace) >= 0 {
		return fmt.Errorf("%w: %q", nlperr.ErrInvalidAttributeName, name)
	}
	return nil
}

func (a Attributes) clone() Attributes {
	if len(a) == 0 {
		return nil
	}
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}
