package worker

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hyperjump/fednlp/internal/doc"
	"github.com/hyperjump/fednlp/internal/metrics"
	"github.com/hyperjump/fednlp/internal/nlperr"
	"github.com/hyperjump/fednlp/internal/pipe"
	"github.com/hyperjump/fednlp/internal/vocab"
)

func state(t *testing.T, c pipe.Component, name, owner string, access pipe.Access) pipe.State {
	t.Helper()
	st, err := c.DumpState()
	require.NoError(t, err)
	st.Pipeline = "demo"
	st.Name = name
	st.Owner = owner
	st.Access = access
	return st
}

func tokenizerState(t *testing.T, owner string, access pipe.Access) pipe.State {
	t.Helper()
	tok, err := pipe.NewTokenizer(vocab.New("tmp", nil), nil)
	require.NoError(t, err)
	return state(t, tok, "tokenizer", owner, access)
}

func taggerState(t *testing.T, owner string, access pipe.Access) pipe.State {
	t.Helper()
	tagger, err := pipe.NewAttributeTagger(pipe.TaggerConfig{Attribute: "fruit", Lookups: []string{"apples"}, Default: false})
	require.NoError(t, err)
	return state(t, tagger, "tagger", owner, access)
}

func newCluster(ids ...string) (*Cluster, map[string]*Worker) {
	c := NewCluster()
	workers := make(map[string]*Worker)
	for _, id := range ids {
		w := New(id, WithLogger(zap.NewNop()), WithDirectory(c))
		c.Add(w)
		workers[id] = w
	}
	return c, workers
}

func TestDeployStateAccess(t *testing.T) {
	ctx := context.Background()
	_, ws := newCluster("alice", "bob")

	err := ws["bob"].DeployState(ctx, taggerState(t, "alice", pipe.Restricted("carol")))
	assert.True(t, errors.Is(err, nlperr.ErrPermissionDenied))

	require.NoError(t, ws["alice"].DeployState(ctx, taggerState(t, "alice", nil)))
	_, err = ws["alice"].FetchState(ctx, "bob", "demo", "tagger")
	assert.True(t, errors.Is(err, nlperr.ErrPermissionDenied))
	st, err := ws["alice"].FetchState(ctx, "alice", "demo", "tagger")
	require.NoError(t, err)
	assert.Equal(t, pipe.TypeAttributeTagger, st.Type)

	err = ws["alice"].DeployState(ctx, pipe.State{Pipeline: "demo", Name: "x", Type: "parser", Access: pipe.Public()})
	assert.True(t, errors.Is(err, nlperr.ErrUnknownComponentType))
}

func TestExecuteLocal(t *testing.T) {
	ctx := context.Background()
	_, ws := newCluster("alice")
	alice := ws["alice"]

	id, err := alice.CreateSubpipeline(ctx, SubpipelineSpec{
		Pipeline: "demo",
		Names:    []string{"tokenizer", "tagger"},
		ClientID: "alice",
		States:   []pipe.State{tokenizerState(t, "alice", pipe.Public()), taggerState(t, "alice", nil)},
	})
	require.NoError(t, err)

	textID, err := alice.RegisterText(ctx, "I love apples")
	require.NoError(t, err)
	res, err := alice.Execute(ctx, ExecuteRequest{Subpipeline: id, Ref: &Ref{Worker: "alice", ID: textID}})
	require.NoError(t, err)
	require.NotNil(t, res.Doc)
	assert.Empty(t, res.DocID)
	tok, _ := res.Doc.Get(2)
	fruit, _ := tok.Attr("fruit")
	assert.Equal(t, true, fruit)

	stats, err := alice.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Texts)
	assert.Equal(t, 1, stats.Subpipelines)
}

func TestExecuteArgumentCombination(t *testing.T) {
	ctx := context.Background()
	_, ws := newCluster("alice")
	id, err := ws["alice"].CreateSubpipeline(ctx, SubpipelineSpec{
		Pipeline: "demo", Names: []string{"tokenizer"}, ClientID: "alice",
		States: []pipe.State{tokenizerState(t, "alice", pipe.Public())},
	})
	require.NoError(t, err)
	text := "hello"
	_, err = ws["alice"].Execute(ctx, ExecuteRequest{Subpipeline: id, Text: &text, Ref: &Ref{ID: "x"}})
	assert.True(t, errors.Is(err, nlperr.ErrInvalidArgumentCombination))
	_, err = ws["alice"].Execute(ctx, ExecuteRequest{Subpipeline: id})
	assert.True(t, errors.Is(err, nlperr.ErrInvalidArgumentCombination))
	_, err = ws["alice"].Execute(ctx, ExecuteRequest{Subpipeline: "nope", Text: &text})
	assert.True(t, errors.Is(err, nlperr.ErrObjectNotFound))
}

func TestExecuteAcrossWorkers(t *testing.T) {
	ctx := context.Background()
	_, ws := newCluster("alice", "carol")
	alice, carol := ws["alice"], ws["carol"]

	// alice tokenizes her own text for client "alice" but the result is handed to carol next.
	first, err := alice.CreateSubpipeline(ctx, SubpipelineSpec{
		Pipeline: "demo", Names: []string{"tokenizer"}, ClientID: "carol",
		States: []pipe.State{tokenizerState(t, "alice", pipe.Public())},
	})
	require.NoError(t, err)
	second, err := carol.CreateSubpipeline(ctx, SubpipelineSpec{
		Pipeline: "demo", Names: []string{"tagger"}, ClientID: "carol",
		States: []pipe.State{taggerState(t, "alice", pipe.Restricted("carol"))},
	})
	require.NoError(t, err)

	textID, _ := alice.RegisterText(ctx, "apples please")
	res, err := alice.Execute(ctx, ExecuteRequest{Subpipeline: first, Ref: &Ref{Worker: "alice", ID: textID}})
	require.NoError(t, err)
	require.NotEmpty(t, res.DocID)
	assert.Equal(t, "alice", res.Worker)

	out, err := carol.Execute(ctx, ExecuteRequest{Subpipeline: second, Ref: &Ref{Worker: "alice", ID: res.DocID}})
	require.NoError(t, err)
	require.NotNil(t, out.Doc)
	assert.Equal(t, "apples please", out.Doc.Text())
	assert.Equal(t, "carol", out.Doc.ClientID())

	_, ok := alice.Object(res.DocID)
	assert.False(t, ok, "document should have moved to carol")
}

func TestTextNeverMoves(t *testing.T) {
	ctx := context.Background()
	_, ws := newCluster("alice", "bob")
	id, err := ws["bob"].CreateSubpipeline(ctx, SubpipelineSpec{
		Pipeline: "demo", Names: []string{"tokenizer"}, ClientID: "bob",
		States: []pipe.State{tokenizerState(t, "alice", pipe.Public())},
	})
	require.NoError(t, err)
	textID, _ := ws["alice"].RegisterText(ctx, "secret")
	_, err = ws["bob"].Execute(ctx, ExecuteRequest{Subpipeline: id, Ref: &Ref{Worker: "alice", ID: textID}})
	assert.True(t, errors.Is(err, nlperr.ErrObjectNotCollocated))
	_, ok := ws["alice"].Object(textID)
	assert.True(t, ok)
}

func TestCreateSubpipelineFetchesStates(t *testing.T) {
	ctx := context.Background()
	_, ws := newCluster("alice", "bob", "eve")
	require.NoError(t, ws["alice"].DeployState(ctx, taggerState(t, "alice", pipe.Restricted("alice", "bob"))))
	require.NoError(t, ws["alice"].DeployState(ctx, tokenizerState(t, "alice", pipe.Public())))

	spec := SubpipelineSpec{Pipeline: "demo", Names: []string{"tokenizer", "tagger"}, ClientID: "alice", StateSource: "alice"}
	_, err := ws["bob"].CreateSubpipeline(ctx, spec)
	require.NoError(t, err)
	stats, _ := ws["bob"].Stats(ctx)
	assert.Equal(t, int64(2), stats.States)

	_, err = ws["eve"].CreateSubpipeline(ctx, spec)
	assert.True(t, errors.Is(err, nlperr.ErrPermissionDenied))

	_, err = ws["eve"].CreateSubpipeline(ctx, SubpipelineSpec{
		Pipeline: "demo", Names: []string{"tagger"}, ClientID: "eve",
		States: []pipe.State{taggerState(t, "alice", pipe.Restricted("bob"))},
	})
	assert.True(t, errors.Is(err, nlperr.ErrPermissionDenied))
}

func TestVocabState(t *testing.T) {
	ctx := context.Background()
	_, ws := newCluster("alice", "bob")
	table, _ := vocab.NewVectorTable(2)
	_ = table.Add("apples", []float32{1, 2})
	exported, err := vocab.New("en", table).Export(ctx)
	require.NoError(t, err)
	vst, err := pipe.VocabState("demo", "alice", pipe.Restricted("bob"), exported)
	require.NoError(t, err)

	id, err := ws["bob"].CreateSubpipeline(ctx, SubpipelineSpec{
		Pipeline: "demo", Names: []string{"tokenizer"}, ClientID: "bob",
		States: []pipe.State{tokenizerState(t, "alice", pipe.Public()), vst},
	})
	require.NoError(t, err)
	text := "apples"
	res, err := ws["bob"].Execute(ctx, ExecuteRequest{Subpipeline: id, Text: &text})
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, res.Doc.Vector(nil))
	assert.Equal(t, 2, ws["bob"].Vocab("demo").Dimensions())
	assert.Equal(t, 0, ws["bob"].Vocab("other").Dimensions())
}

func TestOpaqueVocabStateKeepsHostVectors(t *testing.T) {
	ctx := context.Background()
	bob := New("bob", WithVocab(vocab.New("bob", vocab.NewHashVectors(4))))
	vst, err := pipe.VocabState("demo", "alice", pipe.Public(), vocab.StateConfig{Name: "en", Dimensions: 2, Opaque: true})
	require.NoError(t, err)

	require.NoError(t, bob.DeployState(ctx, vst))
	v := bob.Vocab("demo")
	assert.True(t, v.HasVector("apple"))
	assert.Equal(t, 4, v.Dimensions())
}

func TestQuery(t *testing.T) {
	ctx := context.Background()
	_, ws := newCluster("alice")
	alice := ws["alice"]
	v := vocab.New("en", nil)
	tok, _ := pipe.NewTokenizer(v, nil)
	d, err := tok.Tokenize(ctx, "One two. Three four.")
	require.NoError(t, err)
	id := alice.RegisterDocument(d)

	res, err := alice.Query(ctx, id, Query{Op: OpLen})
	require.NoError(t, err)
	assert.Equal(t, 6, res.Int)

	res, err = alice.Query(ctx, id, Query{Op: OpSlice, Start: 1, Stop: 3})
	require.NoError(t, err)
	spanID := res.ID
	res, err = alice.Query(ctx, spanID, Query{Op: OpText})
	require.NoError(t, err)
	assert.Equal(t, "two. ", res.Text)

	res, err = alice.Query(ctx, spanID, Query{Op: OpToken, Index: -1})
	require.NoError(t, err)
	assert.Equal(t, ".", res.Token.Text)
	assert.Equal(t, 2, res.Token.Index)

	_, err = alice.Query(ctx, spanID, Query{Op: OpToken, Index: 5})
	assert.True(t, errors.Is(err, nlperr.ErrIndexOutOfRange))
	_, err = alice.Query(ctx, spanID, Query{Op: OpSents})
	assert.True(t, errors.Is(err, nlperr.ErrWrongObjectType))

	_, err = alice.Query(ctx, id, Query{Op: OpSents})
	assert.True(t, errors.Is(err, nlperr.ErrNotSentenced))
	_, err = pipe.NewSentencizer(pipe.SentencizerConfig{}).Apply(ctx, d)
	require.NoError(t, err)
	res, err = alice.Query(ctx, id, Query{Op: OpSents})
	require.NoError(t, err)
	require.Len(t, res.IDs, 2)
	second, _ := alice.Query(ctx, res.IDs[1], Query{Op: OpText})
	assert.Equal(t, "Three four.", second.Text)

	next, err := alice.Query(ctx, id, Query{Op: OpNextSentence})
	require.NoError(t, err)
	assert.True(t, next.Found)

	res, err = alice.Query(ctx, id, Query{Op: OpAttribute, Name: doc.SentencedAttr})
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.Equal(t, true, res.Value)
}

func TestQueryDuringExecute(t *testing.T) {
	ctx := context.Background()
	_, ws := newCluster("alice")
	alice := ws["alice"]
	tok, err := pipe.NewTokenizer(alice.Vocab("demo"), nil)
	require.NoError(t, err)
	d, err := tok.Tokenize(ctx, "apples and more apples. Then pears!")
	require.NoError(t, err)
	docID := alice.RegisterDocument(d)

	spID, err := alice.CreateSubpipeline(ctx, SubpipelineSpec{
		Pipeline: "demo", Names: []string{"tagger"}, ClientID: "bob",
		States: []pipe.State{taggerState(t, "alice", nil)},
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_, err := alice.Execute(ctx, ExecuteRequest{Subpipeline: spID, Ref: &Ref{Worker: "alice", ID: docID}})
			assert.NoError(t, err)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_, err := alice.Query(ctx, docID, Query{Op: OpToken, Index: i % d.Len()})
			assert.NoError(t, err)
			_, err = alice.Query(ctx, docID, Query{Op: OpVector})
			assert.NoError(t, err)
		}
	}()
	wg.Wait()

	res, err := alice.Query(ctx, docID, Query{Op: OpToken, Index: 0})
	require.NoError(t, err)
	assert.Equal(t, true, res.Token.Attrs["fruit"])
	stats, err := alice.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Documents, "in-place execution keeps the stored document under its id")
}

func TestReleaseAndMetrics(t *testing.T) {
	ctx := context.Background()
	m := metrics.New()
	w := New("alice", WithMetrics(m))
	id, err := w.CreateSubpipeline(ctx, SubpipelineSpec{
		Pipeline: "demo", Names: []string{"tokenizer"}, ClientID: "alice",
		States: []pipe.State{tokenizerState(t, "alice", pipe.Public())},
	})
	require.NoError(t, err)
	require.NoError(t, w.Release(ctx, id))
	assert.True(t, errors.Is(w.Release(ctx, id), nlperr.ErrObjectNotFound))
	stats, _ := w.Stats(ctx)
	assert.Equal(t, 0, stats.Subpipelines)
	require.NoError(t, w.Close())
}

func TestClusterUnknownPeer(t *testing.T) {
	c, _ := newCluster("alice")
	_, err := c.Peer("mallory")
	kind, ok := nlperr.RemoteKind(err)
	assert.True(t, ok)
	assert.Equal(t, nlperr.KindUnreachable, kind)
	assert.Equal(t, []string{"alice"}, c.IDs())
}
