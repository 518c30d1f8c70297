package pipe

import (
	"encoding/json"
	"fmt"

	"github.com/hyperjump/fednlp/internal/vocab"
)

// TypeVocab tags the vocabulary state of a pipeline. It is not a component and has no factory.
const TypeVocab TypeTag = "vocab"

// VocabStateName is the state name under which a pipeline's vocabulary travels.
const VocabStateName = "vocab"

// Entry is one slot of a pipeline template.
type Entry struct {
	Name   string  `json:"name" yaml:"name"`
	Type   TypeTag `json:"type" yaml:"type"`
	Access Access  `json:"access,omitempty" yaml:"access"`
}

// Definition is the deployable description of a pipeline: its ordered template, who owns
// the original states, and the vocabulary's access policy.
type Definition struct {
	Name        string  `json:"name" yaml:"name"`
	Owner       string  `json:"owner" yaml:"owner"`
	Components  []Entry `json:"components" yaml:"components"`
	VocabAccess Access  `json:"vocab_access,omitempty" yaml:"vocab_access"`
}

// Names lists the component names in template order.
func (d Definition) Names() []string {
	out := make([]string, len(d.Components))
	for i, e := range d.Components {
		out[i] = e.Name
	}
	return out
}

// VocabState wraps a vocabulary export as a deployable state.
func VocabState(pipeline, owner string, access Access, cfg vocab.StateConfig) (State, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return State{}, fmt.Errorf("marshal vocab state: %w", err)
	}
	return State{
		Pipeline: pipeline,
		Name:     VocabStateName,
		Type:     TypeVocab,
		Owner:    owner,
		Access:   access,
		Config:   raw,
	}, nil
}

// DecodeVocabState extracts the vocabulary export carried by st.
func DecodeVocabState(st State) (vocab.StateConfig, error) {
	var cfg vocab.StateConfig
	if err := decodeState(st, TypeVocab, &cfg); err != nil {
		return vocab.StateConfig{}, err
	}
	return cfg, nil
}
