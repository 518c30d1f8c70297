package doc

// ToEnd marks a TokenMeta whose text runs to the end of the input.
const ToEnd = -1

// TokenMeta is the per-token record created by the tokenizer. Offsets are rune offsets into
// the tokenized text; End is exclusive.
type TokenMeta struct {
	TextID     uint64
	Start      int
	End        int
	SpaceAfter bool
	IsSpace    bool
	attrs      Attributes
}

// Attr returns the value of a custom attribute.
func (m *TokenMeta) Attr(name string) (any, bool) {
	v, ok := m.attrs[name]
	return v, ok
}

// SetAttr sets a custom attribute on this meta only.
func (m *TokenMeta) SetAttr(name string, value any) error {
	if err := ValidateAttributeName(name); err != nil {
		return err
	}
	if m.attrs == nil {
		m.attrs = make(Attributes)
	}
	m.attrs[name] = value
	return nil
}

// Attrs returns a copy of the custom attributes.
func (m *TokenMeta) Attrs() Attributes {
	return m.attrs.clone()
}
