package pipeline

import (
	"fmt"

	"github.com/hyperjump/fednlp/internal/nlperr"
	"github.com/hyperjump/fednlp/internal/pipe"
)

// Position says where AddComponent inserts. At most one field may be set; the zero value
// appends.
type Position struct {
	Before string `json:"before,omitempty" yaml:"before"`
	After  string `json:"after,omitempty" yaml:"after"`
	First  bool   `json:"first,omitempty" yaml:"first"`
	Last   bool   `json:"last,omitempty" yaml:"last"`
}

// Before inserts ahead of the named component.
func Before(name string) Position { return Position{Before: name} }

// After inserts behind the named component.
func After(name string) Position { return Position{After: name} }

// First inserts right after the tokenizer.
func First() Position { return Position{First: true} }

// Last appends.
func Last() Position { return Position{Last: true} }

func (p Position) count() int {
	n := 0
	for _, set := range []bool{p.Before != "", p.After != "", p.First, p.Last} {
		if set {
			n++
		}
	}
	return n
}

// index returns the template index a new component goes to. The tokenizer at index 0 always
// stays first.
func (p Position) index(template []pipe.Entry) (int, error) {
	if p.count() > 1 {
		return 0, fmt.Errorf("%w: only one of before, after, first, last may be set", nlperr.ErrInvalidPosition)
	}
	floor := 0
	if len(template) > 0 && template[0].Type == pipe.TypeTokenizer {
		floor = 1
	}
	switch {
	case p.First:
		return floor, nil
	case p.Before != "":
		i := find(template, p.Before)
		if i < 0 {
			return 0, fmt.Errorf("%w: no component %q to insert before", nlperr.ErrInvalidPosition, p.Before)
		}
		if i < floor {
			return 0, fmt.Errorf("%w: nothing may precede the tokenizer", nlperr.ErrInvalidPosition)
		}
		return i, nil
	case p.After != "":
		i := find(template, p.After)
		if i < 0 {
			return 0, fmt.Errorf("%w: no component %q to insert after", nlperr.ErrInvalidPosition, p.After)
		}
		return i + 1, nil
	}
	return len(template), nil
}

func find(template []pipe.Entry, name string) int {
	for i, e := range template {
		if e.Name == name {
			return i
		}
	}
	return -1
}
