package pipe

import (
	"fmt"
	"sort"

	"github.com/hyperjump/fednlp/internal/nlperr"
)

// Factory returns an unconfigured component bound to env.
type Factory func(env Env) Component

var registry = map[TypeTag]Factory{
	TypeTokenizer:        func(env Env) Component { return &Tokenizer{vocab: env.Vocab} },
	TypeAttributeTagger:  func(Env) Component { return &AttributeTagger{} },
	TypeSentencizer:      func(Env) Component { return &Sentencizer{} },
	TypeMatcher:          func(Env) Component { return &Matcher{} },
	TypeEntityRecognizer: func(Env) Component { return &EntityRecognizer{} },
	TypeClassifier:       func(env Env) Component { return &Classifier{logger: env.Logger} },
	TypeStemmer:          func(Env) Component { return &Stemmer{} },
}

// Build rebuilds the component described by st.
func Build(env Env, st State) (Component, error) {
	f, ok := registry[st.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", nlperr.ErrUnknownComponentType, st.Type)
	}
	c := f(env)
	if err := c.LoadState(st); err != nil {
		return nil, fmt.Errorf("load %s state %q: %w", st.Type, st.Name, err)
	}
	return c, nil
}

// Known reports whether t has a registered factory.
func Known(t TypeTag) bool {
	_, ok := registry[t]
	return ok
}

// Types lists the registered type tags in sorted order.
func Types() []TypeTag {
	out := make([]TypeTag, 0, len(registry))
	for t := range registry {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
