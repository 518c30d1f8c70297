// Package pipe defines pipe components, the units of work a pipeline applies to a Document,
// together with their deployable State and the registry that rebuilds them on a worker.
package pipe

import (
	"context"

	"go.uber.org/zap"

	"github.com/hyperjump/fednlp/internal/doc"
)

// TypeTag is the stable identifier used to rebuild a component on a receiving worker.
type TypeTag string

const (
	TypeTokenizer        TypeTag = "tokenizer"
	TypeAttributeTagger  TypeTag = "attribute_tagger"
	TypeSentencizer      TypeTag = "sentencizer"
	TypeMatcher          TypeTag = "matcher"
	TypeEntityRecognizer TypeTag = "entity_recognizer"
	TypeClassifier       TypeTag = "classifier"
	TypeStemmer          TypeTag = "stemmer"
)

// Component annotates a Document in place and returns it.
type Component interface {
	Type() TypeTag
	Apply(ctx context.Context, d *doc.Document) (*doc.Document, error)
	DumpState() (State, error)
	LoadState(st State) error
}

// TextProcessor is a component that can start a chain from raw text.
type TextProcessor interface {
	Component
	Tokenize(ctx context.Context, text string) (*doc.Document, error)
}

// Env carries the worker-local resources a component is rebuilt against.
type Env struct {
	Vocab  doc.Vocabulary
	Logger *zap.Logger
}
