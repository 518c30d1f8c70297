package vocab

import (
	"math"
	"unicode"

	"github.com/hyperjump/fednlp/pkg/utils"
)

// HashVectors derives a deterministic unit vector from the hash of each word, so the same word
// always gets the same vector. Only words containing a letter or digit have a vector.
type HashVectors struct {
	dimensions int
}

// NewHashVectors returns a source producing vectors of the given dimension.
func NewHashVectors(dimensions int) *HashVectors {
	if dimensions <= 0 {
		dimensions = 16
	}
	return &HashVectors{dimensions: dimensions}
}

// Dimensions returns the vector dimension.
func (h *HashVectors) Dimensions() int {
	return h.dimensions
}

// Lookup returns the vector for word.
func (h *HashVectors) Lookup(word string) ([]float32, bool) {
	if !hasWordRune(word) {
		return nil, false
	}
	seed := ID(word)
	vec := make([]float32, h.dimensions)
	for i := range vec {
		vec[i] = float32(math.Sin(float64(seed%100003)*float64(i+1))*0.1 + 0.01)
	}
	utils.NormalizeL2(vec)
	return vec, true
}

func hasWordRune(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}
