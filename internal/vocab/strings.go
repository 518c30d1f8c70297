// Package vocab provides the worker-local string store and word vectors behind doc.Vocabulary.
package vocab

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// StringStore interns strings under their 64-bit xxhash. Ids are stable across workers, so a
// text id computed on one worker resolves on another once the string has been interned there.
type StringStore struct {
	mu   sync.RWMutex
	byID map[uint64]string
}

// NewStringStore returns an empty store.
func NewStringStore() *StringStore {
	return &StringStore{byID: make(map[uint64]string)}
}

// ID returns the id s would be interned under without storing it.
func ID(s string) uint64 {
	return xxhash.Sum64String(s)
}

// Intern stores s and returns its id.
func (st *StringStore) Intern(s string) uint64 {
	id := ID(s)
	st.mu.RLock()
	_, ok := st.byID[id]
	st.mu.RUnlock()
	if ok {
		return id
	}
	st.mu.Lock()
	st.byID[id] = s
	st.mu.Unlock()
	return id
}

// Resolve returns the string interned under id.
func (st *StringStore) Resolve(id uint64) (string, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.byID[id]
	return s, ok
}

// Contains reports whether s has been interned.
func (st *StringStore) Contains(s string) bool {
	_, ok := st.Resolve(ID(s))
	return ok
}

// Len returns the number of interned strings.
func (st *StringStore) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.byID)
}
