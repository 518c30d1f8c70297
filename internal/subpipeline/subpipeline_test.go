package subpipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/hyperjump/fednlp/internal/doc"
	"github.com/hyperjump/fednlp/internal/nlperr"
	"github.com/hyperjump/fednlp/internal/pipe"
	"github.com/hyperjump/fednlp/internal/vocab"
)

type mapStore struct {
	objects map[string]any
	next    int
}

func newMapStore() *mapStore { return &mapStore{objects: make(map[string]any)} }

func (m *mapStore) Object(id string) (any, bool) {
	obj, ok := m.objects[id]
	return obj, ok
}

func (m *mapStore) Register(obj any) string {
	m.next++
	id := fmt.Sprintf("obj-%d", m.next)
	m.objects[id] = obj
	return id
}

func build(t *testing.T, worker, client string) (*Subpipeline, *vocab.Vocab) {
	t.Helper()
	v := vocab.New("en", nil)
	tok, err := pipe.NewTokenizer(v, nil)
	if err != nil {
		t.Fatal(err)
	}
	tagger, err := pipe.NewAttributeTagger(pipe.TaggerConfig{Attribute: "fruit", Lookups: []string{"apples"}})
	if err != nil {
		t.Fatal(err)
	}
	sp, err := New("demo", worker, client, []string{"tokenizer", "tagger"}, []pipe.Component{tok, tagger})
	if err != nil {
		t.Fatal(err)
	}
	return sp, v
}

func TestExecuteText(t *testing.T) {
	sp, _ := build(t, "alice", "alice")
	out, err := sp.Execute(context.Background(), TextInput("I love apples"), newMapStore())
	if err != nil {
		t.Fatal(err)
	}
	if out.Doc == nil || out.ID != "" {
		t.Fatalf("local client should get the document, got %+v", out)
	}
	if out.Doc.ClientID() != "alice" {
		t.Errorf("client id = %q", out.Doc.ClientID())
	}
	tok, _ := out.Doc.Get(-1)
	if v, _ := tok.Attr("fruit"); v != true {
		t.Errorf("fruit attr = %v", v)
	}
}

func TestExecuteRemoteClientRegisters(t *testing.T) {
	sp, _ := build(t, "bob", "alice")
	store := newMapStore()
	out, err := sp.Execute(context.Background(), TextInput("apples"), store)
	if err != nil {
		t.Fatal(err)
	}
	if out.Doc != nil || out.ID == "" {
		t.Fatalf("remote client should get a handle, got %+v", out)
	}
	obj, ok := store.Object(out.ID)
	if !ok {
		t.Fatal("result not registered")
	}
	if d := obj.(*doc.Document); d.ClientID() != "alice" {
		t.Errorf("client id = %q", d.ClientID())
	}
}

func TestExecuteArgumentCombination(t *testing.T) {
	sp, v := build(t, "alice", "alice")
	text := "x"
	cases := []Input{
		{},
		{Text: &text, Ref: "obj-1"},
		{Text: &text, Doc: doc.New(v, nil)},
	}
	for _, in := range cases {
		_, err := sp.Execute(context.Background(), in, newMapStore())
		if !errors.Is(err, nlperr.ErrInvalidArgumentCombination) {
			t.Errorf("input %+v: expected ErrInvalidArgumentCombination, got %v", in, err)
		}
	}
}

func TestExecuteRefNotCollocated(t *testing.T) {
	sp, _ := build(t, "alice", "alice")
	_, err := sp.Execute(context.Background(), RefInput("missing"), newMapStore())
	if !errors.Is(err, nlperr.ErrObjectNotCollocated) {
		t.Errorf("expected ErrObjectNotCollocated, got %v", err)
	}
}

func TestExecuteRefText(t *testing.T) {
	sp, _ := build(t, "alice", "alice")
	store := newMapStore()
	id := store.Register("apples and pears")
	out, err := sp.Execute(context.Background(), RefInput(id), store)
	if err != nil {
		t.Fatal(err)
	}
	if out.Doc.Text() != "apples and pears" {
		t.Errorf("text = %q", out.Doc.Text())
	}
}

func TestExecuteDocumentInput(t *testing.T) {
	sp, v := build(t, "alice", "alice")
	tok, _ := pipe.NewTokenizer(v, nil)
	d, err := tok.Tokenize(context.Background(), "apples")
	if err != nil {
		t.Fatal(err)
	}
	tagger := sp.Components[1]
	later, err := New("demo", "alice", "alice", []string{"tagger"}, []pipe.Component{tagger})
	if err != nil {
		t.Fatal(err)
	}
	out, err := later.Execute(context.Background(), DocInput(d), nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Doc != d {
		t.Error("document should be annotated in place")
	}

	_, err = later.Execute(context.Background(), TextInput("apples"), nil)
	if !errors.Is(err, nlperr.ErrNotTokenized) {
		t.Errorf("expected ErrNotTokenized, got %v", err)
	}
}

func TestNewValidates(t *testing.T) {
	if _, err := New("demo", "a", "a", []string{"x"}, nil); !errors.Is(err, nlperr.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestExecuteStoredDocumentKeepsHandle(t *testing.T) {
	sp, v := build(t, "bob", "alice")
	tok, _ := pipe.NewTokenizer(v, nil)
	d, err := tok.Tokenize(context.Background(), "apples")
	if err != nil {
		t.Fatal(err)
	}
	tagger, err := New("demo", "bob", "alice", []string{"tagger"}, []pipe.Component{sp.Components[1]})
	if err != nil {
		t.Fatal(err)
	}
	store := newMapStore()
	id := store.Register(d)

	out, err := tagger.Execute(context.Background(), RefInput(id), store)
	if err != nil {
		t.Fatal(err)
	}
	if out.ID != id {
		t.Errorf("id = %q, want the stored handle %q", out.ID, id)
	}
	if len(store.objects) != 1 {
		t.Errorf("store holds %d objects, want 1", len(store.objects))
	}
	got, _ := d.Get(0)
	if fruit, _ := got.Attr("fruit"); fruit != true {
		t.Errorf("fruit attr = %v", fruit)
	}

	text := store.Register("apples")
	out, err = sp.Execute(context.Background(), RefInput(text), store)
	if err != nil {
		t.Fatal(err)
	}
	if out.ID == text || out.ID == "" {
		t.Errorf("a text input should register a new document, got %q", out.ID)
	}
}
