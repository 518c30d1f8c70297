package storage

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/hyperjump/fednlp/internal/nlperr"
	"github.com/hyperjump/fednlp/internal/pipe"
	"github.com/hyperjump/fednlp/internal/vocab"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "states.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Store{"memory": NewMemoryStore(), "sqlite": sqlite}
}

func TestStore_States(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := pipe.State{
				Pipeline: "demo",
				Name:     "tagger",
				Type:     pipe.TypeAttributeTagger,
				Owner:    "alice",
				Access:   pipe.Restricted("alice", "bob"),
				Config:   json.RawMessage(`{"attribute":"x"}`),
			}
			if err := store.PutState(ctx, st); err != nil {
				t.Fatal(err)
			}
			got, err := store.GetState(ctx, "demo", "tagger")
			if err != nil {
				t.Fatal(err)
			}
			if got.Owner != "alice" || len(got.Access) != 2 || string(got.Config) != `{"attribute":"x"}` {
				t.Errorf("got %+v", got)
			}

			st.Access = pipe.Public()
			if err := store.PutState(ctx, st); err != nil {
				t.Fatal(err)
			}
			got, _ = store.GetState(ctx, "demo", "tagger")
			if !got.Access.IsPublic() {
				t.Errorf("update lost: %+v", got.Access)
			}

			_ = store.PutState(ctx, pipe.State{Pipeline: "demo", Name: "a", Type: pipe.TypeSentencizer})
			_ = store.PutState(ctx, pipe.State{Pipeline: "other", Name: "b", Type: pipe.TypeSentencizer})
			list, err := store.ListStates(ctx, "demo")
			if err != nil {
				t.Fatal(err)
			}
			if len(list) != 2 || list[0].Name != "a" {
				t.Errorf("ListStates = %+v", list)
			}
			n, err := store.CountStates(ctx)
			if err != nil || n != 3 {
				t.Errorf("CountStates: %v, %d", err, n)
			}

			if err := store.DeleteState(ctx, "demo", "tagger"); err != nil {
				t.Fatal(err)
			}
			_, err = store.GetState(ctx, "demo", "tagger")
			if !errors.Is(err, nlperr.ErrObjectNotFound) {
				t.Errorf("expected ErrObjectNotFound, got %v", err)
			}
		})
	}
}

func TestStore_Pipelines(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			def := pipe.Definition{
				Name:  "demo",
				Owner: "alice",
				Components: []pipe.Entry{
					{Name: "tokenizer", Type: pipe.TypeTokenizer, Access: pipe.Public()},
					{Name: "tagger", Type: pipe.TypeAttributeTagger, Access: pipe.Restricted("bob")},
				},
			}
			if err := store.PutPipeline(ctx, def); err != nil {
				t.Fatal(err)
			}
			got, err := store.GetPipeline(ctx, "demo")
			if err != nil {
				t.Fatal(err)
			}
			if got.Owner != "alice" || len(got.Components) != 2 || got.Components[1].Access[0] != "bob" {
				t.Errorf("got %+v", got)
			}
			names, _ := store.ListPipelines(ctx)
			if len(names) != 1 || names[0] != "demo" {
				t.Errorf("ListPipelines = %v", names)
			}
			if _, err := store.GetPipeline(ctx, "missing"); !errors.Is(err, nlperr.ErrObjectNotFound) {
				t.Errorf("expected ErrObjectNotFound, got %v", err)
			}
		})
	}
}

func TestSQLiteStore_Vectors(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "vectors.db")
	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	ctx := context.Background()

	table, _ := vocab.NewVectorTable(3)
	_ = table.Add("apple", []float32{1, 0.5, -2})
	_ = table.Add("pear", []float32{0, 1, 0})
	if err := store.SaveVectors(ctx, "en", table); err != nil {
		t.Fatal(err)
	}

	loaded, err := store.LoadVectors(ctx, "en", 3)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Len() != 2 {
		t.Fatalf("expected 2 vectors, got %d", loaded.Len())
	}
	vec, ok := loaded.Lookup("apple")
	if !ok || vec[2] != -2 {
		t.Errorf("apple = %v %v", vec, ok)
	}

	src := store.Vectors("en", 3)
	if vec, ok := src.Lookup("pear"); !ok || vec[1] != 1 {
		t.Errorf("Lookup(pear) = %v %v", vec, ok)
	}
	if _, ok := src.Lookup("plum"); ok {
		t.Error("plum should be missing")
	}
	if _, ok := store.Vectors("fr", 3).Lookup("apple"); ok {
		t.Error("vocabularies should be separate")
	}

	cached, err := vocab.NewVectorCache(src, 4)
	if err != nil {
		t.Fatal(err)
	}
	exported, err := vocab.New("en", cached).Export(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if exported.Opaque || exported.Dimensions != 3 || len(exported.Vectors) != 2 {
		t.Fatalf("Export = %+v", exported)
	}
	restored, err := vocab.SourceFromState(exported)
	if err != nil {
		t.Fatal(err)
	}
	if vec, ok := restored.Lookup("apple"); !ok || vec[1] != 0.5 {
		t.Errorf("restored apple = %v %v", vec, ok)
	}

	size, err := DatabaseSize(dbPath)
	if err != nil || size == 0 {
		t.Errorf("DatabaseSize = %d, %v", size, err)
	}
	if size, _ := DatabaseSize(filepath.Join(t.TempDir(), "none.db")); size != 0 {
		t.Errorf("missing database should have size 0, got %d", size)
	}
}
