package worker

import (
	"context"
	"fmt"

	"github.com/hyperjump/fednlp/internal/doc"
	"github.com/hyperjump/fednlp/internal/nlperr"
)

// QueryOp names an operation forwarded to a stored document or span.
type QueryOp string

const (
	OpLen          QueryOp = "len"
	OpText         QueryOp = "text"
	OpVector       QueryOp = "vector"
	OpSlice        QueryOp = "slice"
	OpToken        QueryOp = "token"
	OpAttribute    QueryOp = "attribute"
	OpSents        QueryOp = "sents"
	OpNextSentence QueryOp = "next_sentence"
)

// Query is a request against a stored object. Only the fields the op needs are read.
type Query struct {
	Op      QueryOp        `json:"op"`
	Index   int            `json:"index,omitempty"`
	Start   int            `json:"start,omitempty"`
	Stop    int            `json:"stop,omitempty"`
	Name    string         `json:"name,omitempty"`
	Exclude doc.Exclusions `json:"exclude,omitempty"`
}

// QueryResult holds scalar answers inline; spans produced by slicing stay on the worker and
// come back as ids.
type QueryResult struct {
	Int    int        `json:"int,omitempty"`
	Text   string     `json:"text,omitempty"`
	Vector []float32  `json:"vector,omitempty"`
	ID     string     `json:"id,omitempty"`
	IDs    []string   `json:"ids,omitempty"`
	Token  *TokenInfo `json:"token,omitempty"`
	Value  any        `json:"value,omitempty"`
	Found  bool       `json:"found,omitempty"`
}

// TokenInfo is the value form of a token.
type TokenInfo struct {
	Index      int            `json:"index"`
	Text       string         `json:"text"`
	SpaceAfter bool           `json:"space_after,omitempty"`
	IsSpace    bool           `json:"is_space,omitempty"`
	Start      int            `json:"start"`
	End        int            `json:"end"`
	Attrs      doc.Attributes `json:"attrs,omitempty"`
}

// Query answers q against the document or span stored under id.
func (w *Worker) Query(ctx context.Context, id string, q Query) (QueryResult, error) {
	obj, ok := w.Object(id)
	if !ok {
		return QueryResult{}, fmt.Errorf("%w: %s on %s", nlperr.ErrObjectNotFound, id, w.id)
	}
	var span doc.Span
	var d *doc.Document
	switch v := obj.(type) {
	case *doc.Document:
		d = v
		span = v.Span()
	case doc.Span:
		span = v
	default:
		return QueryResult{}, fmt.Errorf("%w: %s is %T", nlperr.ErrWrongObjectType, id, obj)
	}

	if q.Op == OpNextSentence {
		w.docs.Lock()
		defer w.docs.Unlock()
	} else {
		w.docs.RLock()
		defer w.docs.RUnlock()
	}

	switch q.Op {
	case OpLen:
		return QueryResult{Int: span.Len()}, nil
	case OpText:
		return QueryResult{Text: span.Text()}, nil
	case OpVector:
		return QueryResult{Vector: span.Vector(q.Exclude)}, nil
	case OpSlice:
		return QueryResult{ID: w.Register(span.Slice(q.Start, q.Stop))}, nil
	case OpToken:
		tok, err := span.Get(q.Index)
		if err != nil {
			return QueryResult{}, err
		}
		return QueryResult{Token: tokenInfo(tok)}, nil
	}

	if d == nil {
		return QueryResult{}, fmt.Errorf("%w: %s on a span", nlperr.ErrWrongObjectType, q.Op)
	}
	switch q.Op {
	case OpAttribute:
		v, found := d.Attr(q.Name)
		return QueryResult{Value: v, Found: found}, nil
	case OpSents:
		sents, err := d.Sents()
		if err != nil {
			return QueryResult{}, err
		}
		ids := make([]string, len(sents))
		for i, s := range sents {
			ids[i] = w.Register(s)
		}
		return QueryResult{IDs: ids}, nil
	case OpNextSentence:
		s, found, err := d.NextSentence()
		if err != nil || !found {
			return QueryResult{Found: false}, err
		}
		return QueryResult{ID: w.Register(s), Found: true}, nil
	}
	return QueryResult{}, fmt.Errorf("%w: unknown query op %q", nlperr.ErrInvalidArgumentCombination, q.Op)
}

func tokenInfo(tok doc.Token) *TokenInfo {
	start, end := tok.Offsets()
	return &TokenInfo{
		Index:      tok.Index(),
		Text:       tok.Text(),
		SpaceAfter: tok.SpaceAfter(),
		IsSpace:    tok.IsSpace(),
		Start:      start,
		End:        end,
		Attrs:      tok.Meta().Attrs(),
	}
}
