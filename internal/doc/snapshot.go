package doc

// TokenSnapshot is the transferable form of a TokenMeta. Text ids are worker-local, so the
// text travels instead and is interned again on the receiving side.
type TokenSnapshot struct {
	Text       string     `json:"text"`
	Start      int        `json:"start"`
	End        int        `json:"end"`
	SpaceAfter bool       `json:"space_after,omitempty"`
	IsSpace    bool       `json:"is_space,omitempty"`
	Attrs      Attributes `json:"attrs,omitempty"`
}

// Snapshot is the transferable form of a Document, used when ownership moves between workers.
type Snapshot struct {
	Tokens   []TokenSnapshot `json:"tokens"`
	Attrs    Attributes      `json:"attrs,omitempty"`
	ClientID string          `json:"client_id,omitempty"`
	Cursor   int             `json:"cursor,omitempty"`
}

// Snapshot copies the document into its transferable form.
func (d *Document) Snapshot() Snapshot {
	s := Snapshot{
		Tokens:   make([]TokenSnapshot, len(d.metas)),
		Attrs:    d.attrs.clone(),
		ClientID: d.clientID,
		Cursor:   d.cursor,
	}
	for i, m := range d.metas {
		s.Tokens[i] = TokenSnapshot{
			Text:       d.resolve(m),
			Start:      m.Start,
			End:        m.End,
			SpaceAfter: m.SpaceAfter,
			IsSpace:    m.IsSpace,
			Attrs:      m.attrs.clone(),
		}
	}
	return s
}

// FromSnapshot rebuilds a Document, interning every token text into v.
func FromSnapshot(v Vocabulary, s Snapshot) (*Document, error) {
	metas := make([]*TokenMeta, len(s.Tokens))
	for i, t := range s.Tokens {
		m := &TokenMeta{
			TextID:     v.Intern(t.Text),
			Start:      t.Start,
			End:        t.End,
			SpaceAfter: t.SpaceAfter,
			IsSpace:    t.IsSpace,
		}
		for name, value := range t.Attrs {
			if err := m.SetAttr(name, value); err != nil {
				return nil, err
			}
		}
		metas[i] = m
	}
	d := New(v, metas)
	for name, value := range s.Attrs {
		if err := d.SetAttr(name, value); err != nil {
			return nil, err
		}
	}
	d.clientID = s.ClientID
	d.cursor = s.Cursor
	return d, nil
}
