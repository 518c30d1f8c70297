package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hyperjump/fednlp/internal/nlperr"
	"github.com/hyperjump/fednlp/internal/pipe"
)

// MemoryStore is a Store that lives only as long as the process.
type MemoryStore struct {
	mu        sync.RWMutex
	states    map[string]pipe.State
	pipelines map[string]pipe.Definition
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states:    make(map[string]pipe.State),
		pipelines: make(map[string]pipe.Definition),
	}
}

func (m *MemoryStore) PutState(ctx context.Context, st pipe.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[st.Key()] = st
	return nil
}

func (m *MemoryStore) GetState(ctx context.Context, pipeline, name string) (pipe.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[pipe.StateKey(pipeline, name)]
	if !ok {
		return pipe.State{}, fmt.Errorf("%w: state %s", nlperr.ErrObjectNotFound, pipe.StateKey(pipeline, name))
	}
	return st, nil
}

func (m *MemoryStore) ListStates(ctx context.Context, pipeline string) ([]pipe.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []pipe.State
	for _, st := range m.states {
		if st.Pipeline == pipeline {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) DeleteState(ctx context.Context, pipeline, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, pipe.StateKey(pipeline, name))
	return nil
}

func (m *MemoryStore) PutPipeline(ctx context.Context, def pipe.Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pipelines[def.Name] = def
	return nil
}

func (m *MemoryStore) GetPipeline(ctx context.Context, name string) (pipe.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.pipelines[name]
	if !ok {
		return pipe.Definition{}, fmt.Errorf("%w: pipeline %s", nlperr.ErrObjectNotFound, name)
	}
	return def, nil
}

func (m *MemoryStore) ListPipelines(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.pipelines))
	for name := range m.pipelines {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) CountStates(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.states)), nil
}

func (m *MemoryStore) Close() error { return nil }
