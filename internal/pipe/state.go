package pipe

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/hyperjump/fednlp/internal/nlperr"
)

// Wildcard grants access to every worker.
const Wildcard = "*"

// Access is the set of workers allowed to hold a copy of a state. The state's owner always may;
// an empty set means only the owner.
type Access []string

// Public returns the wildcard policy.
func Public() Access {
	return Access{Wildcard}
}

// Restricted returns a policy for the given workers.
func Restricted(workers ...string) Access {
	return Access(workers)
}

// IsPublic reports whether the policy contains the wildcard.
func (a Access) IsPublic() bool {
	for _, w := range a {
		if w == Wildcard {
			return true
		}
	}
	return false
}

// Allows reports whether worker may hold a copy of a state owned by owner.
func (a Access) Allows(worker, owner string) bool {
	if worker == owner {
		return true
	}
	for _, w := range a {
		if w == Wildcard || w == worker {
			return true
		}
	}
	return false
}

// State is the deployable snapshot of a component: its type, its configuration, and who may
// hold it. States are what gets copied between workers; components are rebuilt from them.
type State struct {
	Pipeline string          `json:"pipeline" yaml:"pipeline"`
	Name     string          `json:"name" yaml:"name"`
	Type     TypeTag         `json:"type" yaml:"type"`
	Owner    string          `json:"owner,omitempty" yaml:"owner"`
	Access   Access          `json:"access,omitempty" yaml:"access"`
	Config   json.RawMessage `json:"config,omitempty" yaml:"-"`
}

// AllowedOn reports whether worker may hold this state.
func (s State) AllowedOn(worker string) bool {
	return s.Access.Allows(worker, s.Owner)
}

// Key identifies a state within a worker's state store.
func (s State) Key() string {
	return StateKey(s.Pipeline, s.Name)
}

// StateKey builds the store key for a pipeline component.
func StateKey(pipeline, name string) string {
	return pipeline + "/" + name
}

func newState(t TypeTag, cfg any) (State, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return State{}, fmt.Errorf("marshal %s config: %w", t, err)
	}
	return State{Type: t, Config: raw}, nil
}

// decodeState checks the type tag and strictly decodes the config into v.
func decodeState(st State, want TypeTag, v any) error {
	if st.Type != want {
		return fmt.Errorf("%w: state of type %q loaded into %q", nlperr.ErrInvalidConfig, st.Type, want)
	}
	if len(st.Config) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(st.Config))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %s config: %v", nlperr.ErrInvalidConfig, want, err)
	}
	return nil
}
