// Package subpipeline runs a contiguous run of pipe components on a single worker.
package subpipeline

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"github.com/hyperjump/fednlp/internal/doc"
	"github.com/hyperjump/fednlp/internal/nlperr"
	"github.com/hyperjump/fednlp/internal/pipe"
)

// Store is the part of a worker's object store a subpipeline needs: resolving its input
// handle and registering results for remote callers.
type Store interface {
	Object(id string) (any, bool)
	Register(obj any) string
}

// Input is what Execute consumes. Exactly one of Text, Doc (by value) or Ref (a handle id in
// the executing worker's store) must be set.
type Input struct {
	Text *string
	Doc  *doc.Document
	Ref  string
}

// TextInput wraps a raw text value.
func TextInput(s string) Input { return Input{Text: &s} }

// DocInput wraps a Document value.
func DocInput(d *doc.Document) Input { return Input{Doc: d} }

// RefInput wraps a handle id.
func RefInput(id string) Input { return Input{Ref: id} }

func (in Input) count() int {
	n := 0
	if in.Text != nil {
		n++
	}
	if in.Doc != nil {
		n++
	}
	if in.Ref != "" {
		n++
	}
	return n
}

// Output is either the Document itself or, when the client is remote, the id under which it
// was registered on the executing worker.
type Output struct {
	Doc *doc.Document
	ID  string
}

// Subpipeline is an ordered chain of components bound to one worker.
type Subpipeline struct {
	ID         string
	Pipeline   string
	Worker     string
	ClientID   string
	Names      []string
	Components []pipe.Component
}

// New builds a subpipeline. names and components must line up.
func New(pipeline, worker, clientID string, names []string, components []pipe.Component) (*Subpipeline, error) {
	if len(names) != len(components) {
		return nil, fmt.Errorf("%w: %d names for %d components", nlperr.ErrInvalidConfig, len(names), len(components))
	}
	if len(components) == 0 {
		return nil, fmt.Errorf("%w: empty subpipeline", nlperr.ErrInvalidConfig)
	}
	return &Subpipeline{
		Pipeline:   pipeline,
		Worker:     worker,
		ClientID:   clientID,
		Names:      names,
		Components: components,
	}, nil
}

// Execute runs the chain. The first component consumes the raw input; a text input requires
// it to be a tokenizer. The resulting document is stamped with the subpipeline's client id.
// A stored document annotated in place keeps its handle id.
func (s *Subpipeline) Execute(ctx context.Context, in Input, store Store) (Output, error) {
	if in.count() != 1 {
		return Output{}, fmt.Errorf("%w: execute needs exactly one of text, document or handle", nlperr.ErrInvalidArgumentCombination)
	}

	text, d, err := s.resolve(in, store)
	if err != nil {
		return Output{}, err
	}
	stored := d
	if in.Ref == "" {
		stored = nil
	}

	first := s.Components[0]
	if text != nil {
		tp, ok := first.(pipe.TextProcessor)
		if !ok {
			return Output{}, fmt.Errorf("%w: %s cannot start from text", nlperr.ErrNotTokenized, s.Names[0])
		}
		d, err = tp.Tokenize(ctx, *text)
	} else {
		d, err = first.Apply(ctx, d)
	}
	if err != nil {
		return Output{}, fmt.Errorf("%s: %w", s.Names[0], err)
	}
	d.SetClientID(s.ClientID)

	for i, c := range s.Components[1:] {
		if err := ctx.Err(); err != nil {
			return Output{}, err
		}
		if d, err = c.Apply(ctx, d); err != nil {
			return Output{}, fmt.Errorf("%s: %w", s.Names[i+1], err)
		}
	}

	if s.ClientID != s.Worker {
		if store == nil {
			return Output{}, fmt.Errorf("%w: no store to register the result", nlperr.ErrInvalidConfig)
		}
		if stored != nil && d == stored {
			return Output{ID: in.Ref}, nil
		}
		return Output{ID: store.Register(d)}, nil
	}
	return Output{Doc: d}, nil
}

func (s *Subpipeline) resolve(in Input, store Store) (*string, *doc.Document, error) {
	switch {
	case in.Text != nil:
		return in.Text, nil, nil
	case in.Doc != nil:
		return nil, in.Doc, nil
	}
	if store == nil {
		return nil, nil, fmt.Errorf("%w: handle %s", nlperr.ErrObjectNotCollocated, in.Ref)
	}
	obj, ok := store.Object(in.Ref)
	if !ok {
		return nil, nil, fmt.Errorf("%w: handle %s is not on %s", nlperr.ErrObjectNotCollocated, in.Ref, s.Worker)
	}
	switch v := obj.(type) {
	case string:
		return &v, nil, nil
	case *doc.Document:
		return nil, v, nil
	case doc.Span:
		return nil, v.AsDocument(), nil
	}
	return nil, nil, fmt.Errorf("%w: handle %s holds %T", nlperr.ErrWrongObjectType, in.Ref, obj)
}

// Close releases components that hold resources.
func (s *Subpipeline) Close() error {
	var err error
	for _, c := range s.Components {
		if closer, ok := c.(interface{ Close() error }); ok {
			err = multierr.Append(err, closer.Close())
		}
	}
	return err
}
