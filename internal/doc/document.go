package doc

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/hyperjump/fednlp/internal/nlperr"
)

// Document is an ordered, immutable sequence of token metas plus document-level attributes.
// Components annotate attributes in place; the token order never changes after construction.
// A Document is not safe for concurrent mutation; the owning worker serializes access.
type Document struct {
	vocab    Vocabulary
	metas    []*TokenMeta
	attrs    Attributes
	cursor   int
	clientID string
}

// New returns a Document over metas, resolving token texts through v.
func New(v Vocabulary, metas []*TokenMeta) *Document {
	return &Document{vocab: v, metas: metas}
}

// Vocab returns the vocabulary the document resolves texts through.
func (d *Document) Vocab() Vocabulary {
	return d.vocab
}

// Len returns the number of tokens.
func (d *Document) Len() int {
	return len(d.metas)
}

// ClientID is the worker that should ultimately receive this document.
func (d *Document) ClientID() string {
	return d.clientID
}

// SetClientID stamps the receiving worker.
func (d *Document) SetClientID(id string) {
	d.clientID = id
}

// Get returns the token at index; negative indices count from the end.
func (d *Document) Get(index int) (Token, error) {
	n := len(d.metas)
	if index < -n || index >= n {
		return Token{}, fmt.Errorf("%w: %d (len %d)", nlperr.ErrIndexOutOfRange, index, n)
	}
	if index < 0 {
		index += n
	}
	return Token{doc: d, index: index}, nil
}

// Slice returns the span [start, stop) after slice normalization. It never fails.
func (d *Document) Slice(start, stop int) Span {
	start, stop = normalizeSlice(len(d.metas), start, stop)
	return Span{doc: d, start: start, end: stop}
}

// Span returns a span over the whole document.
func (d *Document) Span() Span {
	return Span{doc: d, start: 0, end: len(d.metas)}
}

// Tokens returns a view of every token in order.
func (d *Document) Tokens() []Token {
	out := make([]Token, len(d.metas))
	for i := range d.metas {
		out[i] = Token{doc: d, index: i}
	}
	return out
}

// Text reconstructs the text, including the trailing space of each token.
func (d *Document) Text() string {
	return d.textRange(0, len(d.metas))
}

// Vector averages the vectors of in-vocabulary tokens not matched by ex.
func (d *Document) Vector(ex Exclusions) []float32 {
	return d.vectorRange(0, len(d.metas), ex)
}

// Attr returns a document-level attribute.
func (d *Document) Attr(name string) (any, bool) {
	v, ok := d.attrs[name]
	return v, ok
}

// SetAttr sets a document-level attribute.
func (d *Document) SetAttr(name string, value any) error {
	if err := ValidateAttributeName(name); err != nil {
		return err
	}
	if d.attrs == nil {
		d.attrs = make(Attributes)
	}
	d.attrs[name] = value
	return nil
}

// Attrs returns a copy of the document-level attributes.
func (d *Document) Attrs() Attributes {
	return d.attrs.clone()
}

// Sents returns every sentence span. A sentence-boundary pass must have run first.
func (d *Document) Sents() ([]Span, error) {
	if !d.sentenced() {
		return nil, nlperr.ErrNotSentenced
	}
	var out []Span
	start := 0
	for i := 1; i < len(d.metas); i++ {
		if isStart(d.metas[i]) {
			out = append(out, Span{doc: d, start: start, end: i})
			start = i
		}
	}
	if len(d.metas) > 0 {
		out = append(out, Span{doc: d, start: start, end: len(d.metas)})
	}
	return out, nil
}

// NextSentence returns the sentence at the cursor and advances it. The boolean is false once
// every sentence has been consumed.
func (d *Document) NextSentence() (Span, bool, error) {
	if !d.sentenced() {
		return Span{}, false, nlperr.ErrNotSentenced
	}
	if d.cursor >= len(d.metas) {
		return Span{}, false, nil
	}
	start := d.cursor
	end := start + 1
	for end < len(d.metas) && !isStart(d.metas[end]) {
		end++
	}
	d.cursor = end
	return Span{doc: d, start: start, end: end}, true, nil
}

func (d *Document) sentenced() bool {
	if v, ok := d.attrs[SentencedAttr].(bool); ok && v {
		return true
	}
	for _, m := range d.metas {
		if _, ok := m.attrs[SentenceStartAttr]; ok {
			return true
		}
	}
	return false
}

func isStart(m *TokenMeta) bool {
	v, _ := m.attrs[SentenceStartAttr].(bool)
	return v
}

func (d *Document) resolve(m *TokenMeta) string {
	if d.vocab == nil {
		return ""
	}
	s, _ := d.vocab.Resolve(m.TextID)
	return s
}

func (d *Document) textRange(start, end int) string {
	var b strings.Builder
	for _, m := range d.metas[start:end] {
		b.WriteString(d.resolve(m))
		if m.SpaceAfter {
			b.WriteByte(' ')
		}
	}
	return b.String()
}

func (d *Document) vectorRange(start, end int, ex Exclusions) []float32 {
	if d.vocab == nil {
		return nil
	}
	var sum []float32
	count := 0
	for _, m := range d.metas[start:end] {
		if ex.excludes(m) {
			continue
		}
		text := d.resolve(m)
		if !d.vocab.HasVector(text) {
			continue
		}
		vec := d.vocab.Vector(text)
		if sum == nil {
			sum = make([]float32, len(vec))
		}
		for i := range sum {
			if i < len(vec) {
				sum[i] += vec[i]
			}
		}
		count++
	}
	if count == 0 {
		return d.vocab.DefaultVector()
	}
	for i := range sum {
		sum[i] /= float32(count)
	}
	return sum
}

// Exclusions maps attribute names to values; a token whose attribute equals any listed value
// is left out of vector averaging.
type Exclusions map[string][]any

func (ex Exclusions) excludes(m *TokenMeta) bool {
	for name, values := range ex {
		v, ok := m.attrs[name]
		if !ok {
			continue
		}
		for _, candidate := range values {
			if EqualValues(v, candidate) {
				return true
			}
		}
	}
	return false
}

// EqualValues compares attribute values, treating numbers of different Go types as equal when
// they hold the same value. Values that crossed the wire come back as float64.
func EqualValues(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func normalizeSlice(length, start, stop int) (int, int) {
	if start < 0 {
		start += length
	}
	start = clamp(start, 0, length)
	if stop < 0 {
		stop += length
	}
	stop = clamp(stop, 0, length)
	if stop < start {
		stop = start
	}
	return start, stop
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
