// Package doc holds the token and document model: token metadata produced by the tokenizer,
// the Document that owns it, and the Token and Span views over a Document.
package doc

// Vocabulary resolves interned token texts and their vectors.
type Vocabulary interface {
	Intern(s string) uint64
	Resolve(id uint64) (string, bool)
	HasVector(s string) bool
	Vector(s string) []float32
	DefaultVector() []float32
}
