// Package handle provides location-transparent references to objects held by workers.
// A handle resolved on the worker that owns the object degrades to the object itself;
// otherwise its operations are forwarded to the owning worker.
package handle

import (
	"context"
	"fmt"

	"github.com/hyperjump/fednlp/internal/doc"
	"github.com/hyperjump/fednlp/internal/nlperr"
	"github.com/hyperjump/fednlp/internal/pipe"
	"github.com/hyperjump/fednlp/internal/subpipeline"
	"github.com/hyperjump/fednlp/internal/worker"
)

// Handle points at an object of type T in Worker's store. Owner is the worker holding the
// handle.
type Handle[T any] struct {
	Worker string `json:"worker"`
	ID     string `json:"id"`
	Owner  string `json:"owner"`
}

// Locator finds objects in the local store.
type Locator interface {
	Object(id string) (any, bool)
}

// IsLocal reports whether the object lives where the handle is held.
func (h Handle[T]) IsLocal() bool {
	return h.Worker == h.Owner
}

// Ref returns the wire form of the handle.
func (h Handle[T]) Ref() worker.Ref {
	return worker.Ref{Worker: h.Worker, ID: h.ID}
}

// Resolve returns the object itself when the handle is local. It fails with
// ErrObjectNotCollocated for remote handles and ErrWrongObjectType when the stored object is
// not a T.
func Resolve[T any](h Handle[T], local Locator) (T, error) {
	var zero T
	if !h.IsLocal() {
		return zero, fmt.Errorf("%w: %s lives on %s", nlperr.ErrObjectNotCollocated, h.ID, h.Worker)
	}
	obj, ok := local.Object(h.ID)
	if !ok {
		return zero, fmt.Errorf("%w: %s", nlperr.ErrObjectNotFound, h.ID)
	}
	v, ok := obj.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s is %T", nlperr.ErrWrongObjectType, h.ID, obj)
	}
	return v, nil
}

// Ref forwards text-level operations on a document or span to its worker.
type Ref[T any] struct {
	Handle[T]
	peer worker.Peer
}

// DocRef is a reference to a Document.
type DocRef struct {
	Ref[*doc.Document]
}

// SpanRef is a reference to a Span.
type SpanRef = Ref[doc.Span]

// NewDocRef binds a document handle to the peer owning it.
func NewDocRef(h Handle[*doc.Document], dir worker.Directory) (*DocRef, error) {
	p, err := dir.Peer(h.Worker)
	if err != nil {
		return nil, err
	}
	return &DocRef{Ref: Ref[*doc.Document]{Handle: h, peer: p}}, nil
}

func (r Ref[T]) query(ctx context.Context, q worker.Query) (worker.QueryResult, error) {
	return r.peer.Query(ctx, r.ID, q)
}

func (r Ref[T]) child(id string) SpanRef {
	return SpanRef{Handle: Handle[doc.Span]{Worker: r.Worker, ID: id, Owner: r.Owner}, peer: r.peer}
}

// Len returns the number of tokens.
func (r Ref[T]) Len(ctx context.Context) (int, error) {
	res, err := r.query(ctx, worker.Query{Op: worker.OpLen})
	return res.Int, err
}

// Text returns the text with trailing spaces.
func (r Ref[T]) Text(ctx context.Context) (string, error) {
	res, err := r.query(ctx, worker.Query{Op: worker.OpText})
	return res.Text, err
}

// Vector returns the average token vector.
func (r Ref[T]) Vector(ctx context.Context, ex doc.Exclusions) ([]float32, error) {
	res, err := r.query(ctx, worker.Query{Op: worker.OpVector, Exclude: ex})
	return res.Vector, err
}

// Token returns the value form of the token at index; negative indexes count from the end.
func (r Ref[T]) Token(ctx context.Context, index int) (worker.TokenInfo, error) {
	res, err := r.query(ctx, worker.Query{Op: worker.OpToken, Index: index})
	if err != nil {
		return worker.TokenInfo{}, err
	}
	return *res.Token, nil
}

// Slice creates the span on the owning worker and returns a reference to it.
func (r Ref[T]) Slice(ctx context.Context, start, stop int) (SpanRef, error) {
	res, err := r.query(ctx, worker.Query{Op: worker.OpSlice, Start: start, Stop: stop})
	if err != nil {
		return SpanRef{}, err
	}
	return r.child(res.ID), nil
}

// Release drops the object on its worker.
func (r Ref[T]) Release(ctx context.Context) error {
	return r.peer.Release(ctx, r.ID)
}

// Attr returns a document attribute. The boolean is false when it is unset.
func (r *DocRef) Attr(ctx context.Context, name string) (any, bool, error) {
	res, err := r.query(ctx, worker.Query{Op: worker.OpAttribute, Name: name})
	return res.Value, res.Found, err
}

// Sents returns references to every sentence.
func (r *DocRef) Sents(ctx context.Context) ([]SpanRef, error) {
	res, err := r.query(ctx, worker.Query{Op: worker.OpSents})
	if err != nil {
		return nil, err
	}
	out := make([]SpanRef, len(res.IDs))
	for i, id := range res.IDs {
		out[i] = r.child(id)
	}
	return out, nil
}

// NextSentence advances the remote sentence cursor.
func (r *DocRef) NextSentence(ctx context.Context) (SpanRef, bool, error) {
	res, err := r.query(ctx, worker.Query{Op: worker.OpNextSentence})
	if err != nil || !res.Found {
		return SpanRef{}, false, err
	}
	return r.child(res.ID), true, nil
}

// Take moves the document to the holder of the reference, interning it into v. The remote
// copy is dropped.
func (r *DocRef) Take(ctx context.Context, v doc.Vocabulary) (*doc.Document, error) {
	snap, err := r.peer.TakeDocument(ctx, r.Owner, r.ID)
	if err != nil {
		return nil, err
	}
	return doc.FromSnapshot(v, snap)
}

// SubpipelineRef is a reference to a Subpipeline instance.
type SubpipelineRef struct {
	Handle[*subpipeline.Subpipeline]
	peer worker.Peer
}

// NewSubpipelineRef binds a subpipeline handle to its host.
func NewSubpipelineRef(h Handle[*subpipeline.Subpipeline], dir worker.Directory) (*SubpipelineRef, error) {
	p, err := dir.Peer(h.Worker)
	if err != nil {
		return nil, err
	}
	return &SubpipelineRef{Handle: h, peer: p}, nil
}

// Execute runs the subpipeline on its host.
func (r *SubpipelineRef) Execute(ctx context.Context, req worker.ExecuteRequest) (worker.ExecuteResult, error) {
	req.Subpipeline = r.ID
	return r.peer.Execute(ctx, req)
}

// Release tears the instance down on its host.
func (r *SubpipelineRef) Release(ctx context.Context) error {
	return r.peer.Release(ctx, r.ID)
}

// StateRef is a reference to a component state held by another worker. Its ID is the state
// key.
type StateRef struct {
	Handle[pipe.State]
	Pipeline string
	Name     string
	peer     worker.Peer
}

// NewStateRef points at pipeline/name on the given worker.
func NewStateRef(owner, host, pipeline, name string, dir worker.Directory) (*StateRef, error) {
	p, err := dir.Peer(host)
	if err != nil {
		return nil, err
	}
	return &StateRef{
		Handle:   Handle[pipe.State]{Worker: host, ID: pipe.StateKey(pipeline, name), Owner: owner},
		Pipeline: pipeline,
		Name:     name,
		peer:     p,
	}, nil
}

// Fetch copies the state to the holder, subject to the state's access policy.
func (r *StateRef) Fetch(ctx context.Context) (pipe.State, error) {
	return r.peer.FetchState(ctx, r.Owner, r.Pipeline, r.Name)
}
