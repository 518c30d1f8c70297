package vocab

import (
	"context"
	"fmt"
	"sync"
)

// Vocab combines a StringStore with a vector source. It implements doc.Vocabulary.
type Vocab struct {
	name    string
	strings *StringStore
	mu      sync.RWMutex
	source  VectorSource
	zero    []float32
}

// New returns a Vocab with the given vector source. A nil source means no word has a vector.
func New(name string, source VectorSource) *Vocab {
	v := &Vocab{name: name, strings: NewStringStore()}
	v.SetSource(source)
	return v
}

// Name returns the vocabulary name.
func (v *Vocab) Name() string {
	return v.name
}

// Strings returns the underlying string store.
func (v *Vocab) Strings() *StringStore {
	return v.strings
}

// SetSource swaps the vector source, e.g. after a vocab state has been deployed.
func (v *Vocab) SetSource(source VectorSource) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.source = source
	if source != nil {
		v.zero = make([]float32, source.Dimensions())
	} else {
		v.zero = nil
	}
}

func (v *Vocab) Intern(s string) uint64 {
	return v.strings.Intern(s)
}

func (v *Vocab) Resolve(id uint64) (string, bool) {
	return v.strings.Resolve(id)
}

func (v *Vocab) HasVector(s string) bool {
	v.mu.RLock()
	src := v.source
	v.mu.RUnlock()
	if src == nil {
		return false
	}
	_, ok := src.Lookup(s)
	return ok
}

// Vector returns the vector for s, or the default vector when s has none.
func (v *Vocab) Vector(s string) []float32 {
	v.mu.RLock()
	src := v.source
	v.mu.RUnlock()
	if src != nil {
		if vec, ok := src.Lookup(s); ok {
			return vec
		}
	}
	return v.DefaultVector()
}

// DefaultVector returns a zero vector of the source dimension.
func (v *Vocab) DefaultVector() []float32 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]float32, len(v.zero))
	return out
}

// Dimensions returns the vector dimension, or 0 without a source.
func (v *Vocab) Dimensions() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.zero)
}

// StateConfig is the deployable form of a vocabulary's vectors.
type StateConfig struct {
	Name        string               `json:"name" yaml:"name"`
	Dimensions  int                  `json:"dimensions" yaml:"dimensions"`
	HashVectors bool                 `json:"hash_vectors,omitempty" yaml:"hash_vectors"`
	Vectors     map[string][]float32 `json:"vectors,omitempty" yaml:"vectors"`
	// Opaque marks a vocabulary whose vectors could not be listed. Receivers keep their own.
	Opaque      bool                 `json:"opaque,omitempty" yaml:"opaque"`
}

// Export returns the vocabulary vectors as a StateConfig. Hash sources export as a flag and
// Exporter sources export every vector; any other source is marked Opaque.
func (v *Vocab) Export(ctx context.Context) (StateConfig, error) {
	v.mu.RLock()
	cfg := StateConfig{Name: v.name, Dimensions: len(v.zero)}
	source := v.source
	v.mu.RUnlock()
	if c, ok := source.(*VectorCache); ok {
		source = c.source
	}
	switch src := source.(type) {
	case nil:
	case *HashVectors:
		cfg.HashVectors = true
	case Exporter:
		vectors, err := src.ExportVectors(ctx)
		if err != nil {
			return StateConfig{}, fmt.Errorf("export vocab %s: %w", v.name, err)
		}
		cfg.Vectors = vectors
	default:
		cfg.Opaque = true
	}
	return cfg, nil
}

// SourceFromState builds a vector source from a deployed StateConfig.
func SourceFromState(cfg StateConfig) (VectorSource, error) {
	if cfg.HashVectors {
		return NewHashVectors(cfg.Dimensions), nil
	}
	if cfg.Dimensions <= 0 {
		return nil, nil
	}
	t, err := NewVectorTable(cfg.Dimensions)
	if err != nil {
		return nil, err
	}
	for word, vec := range cfg.Vectors {
		if err := t.Add(word, vec); err != nil {
			return nil, fmt.Errorf("vocab %s: word %q: %w", cfg.Name, word, err)
		}
	}
	return t, nil
}
