package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hyperjump/fednlp/internal/metrics"
	"github.com/hyperjump/fednlp/internal/nlperr"
	"github.com/hyperjump/fednlp/internal/pipe"
	"github.com/hyperjump/fednlp/internal/pipeline"
	"github.com/hyperjump/fednlp/internal/worker"
)

type node struct {
	worker *worker.Worker
	srv    *httptest.Server
	dir    *worker.Cluster
}

// startNodes serves one worker per id and wires every worker to reach the others over HTTP.
func startNodes(t *testing.T, ids ...string) map[string]*node {
	t.Helper()
	nodes := make(map[string]*node)
	peers := make(map[string]string)
	for _, id := range ids {
		w := worker.New(id, worker.WithLogger(zap.NewNop()))
		srv := httptest.NewServer(NewServer(w, "", 0, 0, metrics.New(), zap.NewNop()).Handler())
		t.Cleanup(srv.Close)
		nodes[id] = &node{worker: w, srv: srv}
		peers[id] = srv.URL
	}
	for _, n := range nodes {
		n.dir = NewDirectory(n.worker, peers)
		n.worker.SetDirectory(n.dir)
	}
	return nodes
}

func remote(t *testing.T, from *node, to string) worker.Peer {
	t.Helper()
	p, err := from.dir.Peer(to)
	require.NoError(t, err)
	_, isClient := p.(*Client)
	require.True(t, isClient)
	return p
}

func taggerState(t *testing.T, owner string, access pipe.Access) pipe.State {
	t.Helper()
	tagger, err := pipe.NewAttributeTagger(pipe.TaggerConfig{Attribute: "fruit", Lookups: []string{"apples"}})
	require.NoError(t, err)
	st, err := tagger.DumpState()
	require.NoError(t, err)
	st.Pipeline = "demo"
	st.Name = "tagger"
	st.Owner = owner
	st.Access = access
	return st
}

func TestHealthAndStats(t *testing.T) {
	ctx := context.Background()
	nodes := startNodes(t, "alice", "bob")
	c := remote(t, nodes["alice"], "bob").(*Client)

	require.NoError(t, c.Health(ctx))
	id, err := c.RegisterText(ctx, "hello there")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "bob", stats.Worker)
	assert.Equal(t, 1, stats.Texts)

	_, err = c.TakeDocument(ctx, "alice", id)
	assert.True(t, errors.Is(err, nlperr.ErrObjectNotCollocated))
	kind, ok := nlperr.RemoteKind(err)
	assert.True(t, ok)
	assert.Equal(t, nlperr.KindRejected, kind)
}

func TestStateAccessAcrossTheWire(t *testing.T) {
	ctx := context.Background()
	nodes := startNodes(t, "alice", "bob")
	bob := remote(t, nodes["alice"], "bob")

	err := bob.DeployState(ctx, taggerState(t, "alice", pipe.Restricted("carol")))
	require.Error(t, err)
	assert.True(t, errors.Is(err, nlperr.ErrPermissionDenied))
	kind, _ := nlperr.RemoteKind(err)
	assert.Equal(t, nlperr.KindPermissionDenied, kind)

	require.NoError(t, bob.DeployState(ctx, taggerState(t, "alice", pipe.Restricted("bob"))))
	st, err := bob.FetchState(ctx, "bob", "demo", "tagger")
	require.NoError(t, err)
	assert.Equal(t, pipe.TypeAttributeTagger, st.Type)
	assert.NotEmpty(t, st.Config)

	_, err = bob.FetchState(ctx, "mallory", "demo", "tagger")
	assert.True(t, errors.Is(err, nlperr.ErrPermissionDenied))
	_, err = bob.FetchState(ctx, "bob", "demo", "missing")
	assert.True(t, errors.Is(err, nlperr.ErrObjectNotFound))
}

func TestPipelineRunsOverHTTP(t *testing.T) {
	ctx := context.Background()
	nodes := startNodes(t, "me", "alice", "carol")
	me := nodes["me"]

	l, err := pipeline.New("demo", me.worker, me.dir, pipeline.WithSelector(pipeline.FirstSelector{}))
	require.NoError(t, err)
	tagger, err := pipe.NewAttributeTagger(pipe.TaggerConfig{Attribute: "fruit", Lookups: []string{"apples"}, Default: false})
	require.NoError(t, err)
	require.NoError(t, l.AddComponent(tagger, "tagger_A", pipeline.Last(), pipe.Restricted("carol")))
	require.NoError(t, l.Deploy(ctx, "carol"))

	textID, err := remote(t, me, "alice").RegisterText(ctx, "I love apples")
	require.NoError(t, err)
	out, err := l.Run(ctx, pipeline.Remote(worker.Ref{Worker: "alice", ID: textID}))
	require.NoError(t, err)
	require.NotNil(t, out.Ref)
	assert.Equal(t, "carol", out.Ref.Worker)

	text, err := out.Ref.Text(ctx)
	require.NoError(t, err)
	assert.Equal(t, "I love apples", text)
	tok, err := out.Ref.Token(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, true, tok.Attrs["fruit"])

	d, err := out.Ref.Take(ctx, me.worker.Vocab("demo"))
	require.NoError(t, err)
	assert.Equal(t, "me", d.ClientID())
	assert.Equal(t, 3, d.Len())

	carol, err := remote(t, me, "carol").Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, carol.Subpipelines)
	assert.Equal(t, 0, carol.Documents)
	assert.Positive(t, carol.States)
}

func TestExecuteReturnsSnapshotForRemoteClient(t *testing.T) {
	ctx := context.Background()
	nodes := startNodes(t, "alice", "bob")
	bob := remote(t, nodes["alice"], "bob")

	tok, err := pipe.NewTokenizer(nodes["bob"].worker.Vocab("demo"), nil)
	require.NoError(t, err)
	st, err := tok.DumpState()
	require.NoError(t, err)
	st.Pipeline, st.Name, st.Owner, st.Access = "demo", "tokenizer", "alice", pipe.Public()

	id, err := bob.CreateSubpipeline(ctx, worker.SubpipelineSpec{
		Pipeline: "demo", Names: []string{"tokenizer"}, ClientID: "bob", States: []pipe.State{st},
	})
	require.NoError(t, err)
	text := "two words"
	res, err := bob.Execute(ctx, worker.ExecuteRequest{Subpipeline: id, Text: &text})
	require.NoError(t, err)
	assert.Empty(t, res.DocID)
	require.NotNil(t, res.Snapshot)
	assert.Len(t, res.Snapshot.Tokens, 2)

	_, err = bob.Execute(ctx, worker.ExecuteRequest{Subpipeline: id})
	assert.True(t, errors.Is(err, nlperr.ErrInvalidArgumentCombination))
	require.NoError(t, bob.Release(ctx, id))
	err = bob.Release(ctx, id)
	assert.True(t, errors.Is(err, nlperr.ErrObjectNotFound))
}

func TestClientTimeout(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer slow.Close()
	m := metrics.New()
	c := NewClient("slow", slow.URL, "alice", WithTimeout(20*time.Millisecond), WithClientMetrics(m))

	_, err := c.Stats(context.Background())
	require.Error(t, err)
	kind, ok := nlperr.RemoteKind(err)
	require.True(t, ok)
	assert.Equal(t, nlperr.KindTimeout, kind)
	assert.True(t, nlperr.IsRemote(err))
}

func TestClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient("gone", url, "alice", WithTimeout(time.Second))
	err := c.Release(context.Background(), "x")
	kind, ok := nlperr.RemoteKind(err)
	require.True(t, ok)
	assert.Equal(t, nlperr.KindUnreachable, kind)
}

func TestMetricsAndBadBody(t *testing.T) {
	w := worker.New("alice")
	srv := httptest.NewServer(NewServer(w, "", 0, 0, metrics.New(), nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "fednlp_")

	resp, err = http.Post(srv.URL+"/v1/texts", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nlperr.ErrPermissionDenied, http.StatusForbidden},
		{nlperr.ErrObjectNotFound, http.StatusNotFound},
		{nlperr.ErrObjectNotCollocated, http.StatusBadRequest},
		{errors.New("disk on fire"), http.StatusInternalServerError},
		{&nlperr.RemoteError{Kind: nlperr.KindTimeout, Worker: "x", Op: "take_document"}, http.StatusBadGateway},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestRejectedRequestIsNotRemoteFailure(t *testing.T) {
	ctx := context.Background()
	nodes := startNodes(t, "alice", "bob")
	bob := remote(t, nodes["alice"], "bob")

	err := bob.Release(ctx, "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, nlperr.ErrObjectNotFound))
	kind, ok := nlperr.RemoteKind(err)
	require.True(t, ok)
	assert.Equal(t, nlperr.KindRejected, kind)
	assert.False(t, nlperr.IsRemote(err))
}
