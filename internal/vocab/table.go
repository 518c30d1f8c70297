package vocab

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// VectorSource looks up the vector of a word.
type VectorSource interface {
	Lookup(word string) ([]float32, bool)
	Dimensions() int
}

// Exporter is a VectorSource that can list every vector it holds.
type Exporter interface {
	VectorSource
	ExportVectors(ctx context.Context) (map[string][]float32, error)
}

// VectorTable is an in-memory word to vector table.
type VectorTable struct {
	dimensions int
	vectors    map[string][]float32
	mu         sync.RWMutex
}

// NewVectorTable creates an empty table with the given dimension.
func NewVectorTable(dimensions int) (*VectorTable, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	return &VectorTable{dimensions: dimensions, vectors: make(map[string][]float32)}, nil
}

// Dimensions returns the vector dimension.
func (t *VectorTable) Dimensions() int {
	return t.dimensions
}

// Add stores a copy of vec under word.
func (t *VectorTable) Add(word string, vec []float32) error {
	if len(vec) != t.dimensions {
		return fmt.Errorf("vector dimension mismatch: got %d, expected %d", len(vec), t.dimensions)
	}
	cp := make([]float32, t.dimensions)
	copy(cp, vec)
	t.mu.Lock()
	t.vectors[word] = cp
	t.mu.Unlock()
	return nil
}

// Lookup returns the vector for word.
func (t *VectorTable) Lookup(word string) ([]float32, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.vectors[word]
	return v, ok
}

// Len returns the number of words with a vector.
func (t *VectorTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.vectors)
}

// Entries returns a copy of the table contents.
func (t *VectorTable) Entries() map[string][]float32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string][]float32, len(t.vectors))
	for k, v := range t.vectors {
		out[k] = v
	}
	return out
}

// ExportVectors returns the table contents.
func (t *VectorTable) ExportVectors(ctx context.Context) (map[string][]float32, error) {
	return t.Entries(), nil
}

// Save writes the table to path. Format: dimension (4), n (4), then per word:
// len (4), word bytes, vector (dimension*4 bytes). Words are written in sorted order.
func (t *VectorTable) Save(path string) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create vectors dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create vectors file: %w", err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	if err := binary.Write(w, binary.LittleEndian, uint32(t.dimensions)); err != nil {
		return fmt.Errorf("write dimensions: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(t.vectors))); err != nil {
		return fmt.Errorf("write count: %w", err)
	}
	words := make([]string, 0, len(t.vectors))
	for word := range t.vectors {
		words = append(words, word)
	}
	sort.Strings(words)
	for _, word := range words {
		if err := binary.Write(w, binary.LittleEndian, uint32(len(word))); err != nil {
			return fmt.Errorf("write word len: %w", err)
		}
		if _, err := w.WriteString(word); err != nil {
			return fmt.Errorf("write word: %w", err)
		}
		if _, err := w.Write(float32SliceToBytes(t.vectors[word])); err != nil {
			return fmt.Errorf("write vector: %w", err)
		}
	}
	return w.Flush()
}

// LoadVectorTable reads a table written by Save.
func LoadVectorTable(path string) (*VectorTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open vectors file: %w", err)
	}
	defer f.Close()
	r := bufio.NewReader(f)
	var dim, n uint32
	if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
		return nil, fmt.Errorf("read dimensions: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("read count: %w", err)
	}
	t, err := NewVectorTable(int(dim))
	if err != nil {
		return nil, err
	}
	buf := make([]byte, int(dim)*4)
	for i := uint32(0); i < n; i++ {
		var wordLen uint32
		if err := binary.Read(r, binary.LittleEndian, &wordLen); err != nil {
			return nil, fmt.Errorf("read word len: %w", err)
		}
		word := make([]byte, wordLen)
		if _, err := io.ReadFull(r, word); err != nil {
			return nil, fmt.Errorf("read word: %w", err)
		}
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("read vector: %w", err)
		}
		t.vectors[string(word)] = bytesToFloat32Slice(buf)
	}
	return t, nil
}

func float32SliceToBytes(s []float32) []byte {
	const size = 4
	out := make([]byte, len(s)*size)
	for i, v := range s {
		binary.LittleEndian.PutUint32(out[i*size:(i+1)*size], math.Float32bits(v))
	}
	return out
}

func bytesToFloat32Slice(b []byte) []float32 {
	const size = 4
	out := make([]float32, len(b)/size)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*size : (i+1)*size]))
	}
	return out
}
