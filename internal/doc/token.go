package doc

import "unicode/utf8"

// Token is a view of one position in a Document. It holds no data of its own.
type Token struct {
	doc   *Document
	index int
}

// Index returns the position of the token in its document.
func (t Token) Index() int {
	return t.index
}

// Doc returns the document the token belongs to.
func (t Token) Doc() *Document {
	return t.doc
}

func (t Token) meta() *TokenMeta {
	return t.doc.metas[t.index]
}

// Meta exposes the underlying record.
func (t Token) Meta() *TokenMeta {
	return t.meta()
}

// Text resolves the token text through the vocabulary.
func (t Token) Text() string {
	return t.doc.resolve(t.meta())
}

// TextWithWS returns the text followed by its trailing space, if any.
func (t Token) TextWithWS() string {
	if t.meta().SpaceAfter {
		return t.Text() + " "
	}
	return t.Text()
}

func (t Token) SpaceAfter() bool { return t.meta().SpaceAfter }

func (t Token) IsSpace() bool { return t.meta().IsSpace }

// Offsets returns the rune offsets of the token in the tokenized text, resolving ToEnd.
func (t Token) Offsets() (int, int) {
	m := t.meta()
	if m.End == ToEnd {
		return m.Start, m.Start + utf8.RuneCountInString(t.Text())
	}
	return m.Start, m.End
}

// HasVector reports whether the vocabulary holds a vector for this token.
func (t Token) HasVector() bool {
	return t.doc.vocab != nil && t.doc.vocab.HasVector(t.Text())
}

// Vector returns the token vector, or the default vector when out of vocabulary.
func (t Token) Vector() []float32 {
	if t.doc.vocab == nil {
		return nil
	}
	text := t.Text()
	if t.doc.vocab.HasVector(text) {
		return t.doc.vocab.Vector(text)
	}
	return t.doc.vocab.DefaultVector()
}

// Attr returns a custom attribute.
func (t Token) Attr(name string) (any, bool) {
	return t.meta().Attr(name)
}

// SetAttr sets a custom attribute.
func (t Token) SetAttr(name string, value any) error {
	return t.meta().SetAttr(name, value)
}

// IsSentenceStart reports the flag set by a sentence-boundary pass.
func (t Token) IsSentenceStart() bool {
	return isStart(t.meta())
}
