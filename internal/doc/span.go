package doc

import (
	"fmt"

	"github.com/hyperjump/fednlp/internal/nlperr"
)

// Span is a view of the tokens [start, end) of a Document.
type Span struct {
	doc   *Document
	start int
	end   int
}

func (s Span) Doc() *Document { return s.doc }

func (s Span) Start() int { return s.start }

func (s Span) End() int { return s.end }

// Len returns the number of tokens in the span.
func (s Span) Len() int {
	return s.end - s.start
}

// Get returns the token at index relative to the span; negative indices count from the end.
func (s Span) Get(index int) (Token, error) {
	n := s.Len()
	if index < -n || index >= n {
		return Token{}, fmt.Errorf("%w: %d (len %d)", nlperr.ErrIndexOutOfRange, index, n)
	}
	if index < 0 {
		index += n
	}
	return Token{doc: s.doc, index: s.start + index}, nil
}

// Slice returns a sub-span; indices are relative to this span.
func (s Span) Slice(start, stop int) Span {
	start, stop = normalizeSlice(s.Len(), start, stop)
	return Span{doc: s.doc, start: s.start + start, end: s.start + stop}
}

// Tokens returns views of the tokens in the span.
func (s Span) Tokens() []Token {
	out := make([]Token, 0, s.Len())
	for i := s.start; i < s.end; i++ {
		out = append(out, Token{doc: s.doc, index: i})
	}
	return out
}

// Text concatenates the token texts with their trailing spaces.
func (s Span) Text() string {
	if s.doc == nil {
		return ""
	}
	return s.doc.textRange(s.start, s.end)
}

// Vector averages the token vectors in the span; see Document.Vector.
func (s Span) Vector(ex Exclusions) []float32 {
	if s.doc == nil {
		return nil
	}
	return s.doc.vectorRange(s.start, s.end, ex)
}

// AsDocument returns a new Document sharing the span's token metas.
func (s Span) AsDocument() *Document {
	metas := make([]*TokenMeta, s.Len())
	copy(metas, s.doc.metas[s.start:s.end])
	d := New(s.doc.vocab, metas)
	d.clientID = s.doc.clientID
	return d
}
