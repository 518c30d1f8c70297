package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hyperjump/fednlp/internal/metrics"
	"github.com/hyperjump/fednlp/internal/nlperr"
	"github.com/hyperjump/fednlp/internal/pipe"
	"github.com/hyperjump/fednlp/internal/worker"
)

func cluster(ids ...string) (*worker.Cluster, map[string]*worker.Worker) {
	c := worker.NewCluster()
	ws := make(map[string]*worker.Worker)
	for _, id := range ids {
		w := worker.New(id, worker.WithLogger(zap.NewNop()), worker.WithDirectory(c))
		c.Add(w)
		ws[id] = w
	}
	return c, ws
}

func tagger(t *testing.T, attr string, words ...string) pipe.Component {
	t.Helper()
	c, err := pipe.NewAttributeTagger(pipe.TaggerConfig{Attribute: attr, Lookups: words, Default: false})
	require.NoError(t, err)
	return c
}

func groupsOf(t *testing.T, l *Language, owner string) map[string][]string {
	t.Helper()
	groups, err := l.Partition(owner)
	require.NoError(t, err)
	out := make(map[string][]string)
	for _, g := range groups {
		out[g.Host] = append(out[g.Host], g.Names...)
	}
	return out
}

func TestAddComponentPositions(t *testing.T) {
	c, ws := cluster("me")
	l, err := New("demo", ws["me"], c)
	require.NoError(t, err)

	require.NoError(t, l.AddComponent(tagger(t, "a"), "a", Position{}, pipe.Public()))
	require.NoError(t, l.AddComponent(tagger(t, "b"), "b", Last(), pipe.Public()))
	require.NoError(t, l.AddComponent(tagger(t, "c"), "c", First(), pipe.Public()))
	require.NoError(t, l.AddComponent(tagger(t, "d"), "d", Before("b"), pipe.Public()))
	require.NoError(t, l.AddComponent(tagger(t, "e"), "e", After("a"), pipe.Public()))
	assert.Equal(t, []string{"tokenizer", "c", "a", "e", "d", "b"}, l.Names())

	err = l.AddComponent(tagger(t, "x"), "a", Last(), pipe.Public())
	assert.True(t, errors.Is(err, nlperr.ErrDuplicateName))
	err = l.AddComponent(tagger(t, "x"), "x", Position{First: true, Last: true}, pipe.Public())
	assert.True(t, errors.Is(err, nlperr.ErrInvalidPosition))
	err = l.AddComponent(tagger(t, "x"), "x", Position{Before: "a", After: "b"}, pipe.Public())
	assert.True(t, errors.Is(err, nlperr.ErrInvalidPosition))
	err = l.AddComponent(tagger(t, "x"), "x", After("missing"), pipe.Public())
	assert.True(t, errors.Is(err, nlperr.ErrInvalidPosition))
	err = l.AddComponent(tagger(t, "x"), "x", Before(TokenizerName), pipe.Public())
	assert.True(t, errors.Is(err, nlperr.ErrInvalidPosition))
	assert.Len(t, l.Names(), 6)
}

func TestRemoveComponent(t *testing.T) {
	c, ws := cluster("me")
	l, err := New("demo", ws["me"], c)
	require.NoError(t, err)
	require.NoError(t, l.AddComponent(tagger(t, "a"), "a", Last(), pipe.Public()))

	assert.True(t, errors.Is(l.RemoveComponent("missing"), nlperr.ErrComponentNotFound))
	require.NoError(t, l.RemoveComponent("a"))
	assert.Equal(t, []string{"tokenizer"}, l.Names())
	assert.Error(t, l.RemoveComponent(TokenizerName))
}

func scenarioPipeline(t *testing.T, c worker.Directory, local *worker.Worker, taggerB pipe.Access) *Language {
	t.Helper()
	l, err := New("demo", local, c, WithLogger(zap.NewNop()), WithSelector(FirstSelector{}))
	require.NoError(t, err)
	require.NoError(t, l.AddComponent(tagger(t, "fruit", "apples"), "tagger_A", Last(), pipe.Restricted("bob", "carol")))
	require.NoError(t, l.AddComponent(tagger(t, "love", "love"), "tagger_B", Last(), taggerB))
	return l
}

func TestPartitionScenarioTwoGroups(t *testing.T) {
	ctx := context.Background()
	c, ws := cluster("me", "alice", "bob", "carol")
	l := scenarioPipeline(t, c, ws["me"], pipe.Public())
	require.NoError(t, l.Deploy(ctx, "carol"))

	groups, err := l.Partition("alice")
	require.NoError(t, err)
	assert.Equal(t, []Group{
		{Host: "alice", Names: []string{"tokenizer"}},
		{Host: "carol", Names: []string{"tagger_A", "tagger_B"}},
	}, groups)
}

func TestPartitionScenarioBackToOwner(t *testing.T) {
	ctx := context.Background()
	c, ws := cluster("me", "alice", "bob", "carol")
	l := scenarioPipeline(t, c, ws["me"], pipe.Restricted("alice"))
	require.NoError(t, l.Deploy(ctx, "carol"))

	groups, err := l.Partition("alice")
	require.NoError(t, err)
	assert.Equal(t, []Group{
		{Host: "alice", Names: []string{"tokenizer"}},
		{Host: "carol", Names: []string{"tagger_A"}},
		{Host: "alice", Names: []string{"tagger_B"}},
	}, groups)
}

func TestPartitionCachedUntilMutation(t *testing.T) {
	c, ws := cluster("me", "alice")
	m := metrics.New()
	l, err := New("demo", ws["me"], c, WithMetrics(m))
	require.NoError(t, err)

	for _, owner := range []string{"alice", "alice", "me"} {
		_, err = l.Partition(owner)
		require.NoError(t, err)
	}
	expected := `
# HELP fednlp_partitions_total Partitionings computed for new data owners
# TYPE fednlp_partitions_total counter
fednlp_partitions_total 2
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "fednlp_partitions_total"))

	require.NoError(t, l.AddComponent(tagger(t, "a"), "a", Last(), pipe.Public()))
	_, err = l.Partition("alice")
	require.NoError(t, err)
	expected = strings.Replace(expected, "total 2", "total 3", 1)
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "fednlp_partitions_total"))
}

func TestPartitionNoEligibleHost(t *testing.T) {
	c, _ := cluster("alice")
	local := worker.New("me")
	l, err := New("demo", local, c)
	require.NoError(t, err)
	require.NoError(t, l.AddComponent(tagger(t, "a"), "a", Last(), pipe.Restricted("zed")))
	_, err = l.Partition("alice")
	assert.True(t, errors.Is(err, nlperr.ErrNoEligibleHost))
}

func TestPartitionDeterministicWithSeed(t *testing.T) {
	c, ws := cluster("me", "alice", "bob", "carol", "dave")
	build := func() *Language {
		l, err := New("demo", ws["me"], c, WithSeed(42))
		require.NoError(t, err)
		require.NoError(t, l.AddComponent(tagger(t, "a"), "a", Last(), pipe.Restricted("bob", "carol", "dave")))
		require.NoError(t, l.AddComponent(tagger(t, "b"), "b", Last(), pipe.Restricted("carol", "dave")))
		return l
	}
	first, err := build().Partition("alice")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := build().Partition("alice")
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestRunLocal(t *testing.T) {
	ctx := context.Background()
	c, ws := cluster("me")
	l, err := New("demo", ws["me"], c)
	require.NoError(t, err)
	require.NoError(t, l.AddComponent(tagger(t, "fruit", "apples"), "fruit", Last(), pipe.Public()))

	out, err := l.Run(ctx, Text("I  love apples very much  "))
	require.NoError(t, err)
	require.NotNil(t, out.Doc)
	assert.Nil(t, out.Ref)
	assert.NotEmpty(t, out.RunID)
	assert.Equal(t, "I  love apples very much  ", out.Doc.Text())

	tok, err := out.Doc.Get(1)
	require.NoError(t, err)
	assert.True(t, tok.IsSpace())
	tok, _ = out.Doc.Get(3)
	fruit, _ := tok.Attr("fruit")
	assert.Equal(t, true, fruit)
}

func TestRunAcrossWorkers(t *testing.T) {
	ctx := context.Background()
	c, ws := cluster("me", "alice", "bob", "carol")
	l := scenarioPipeline(t, c, ws["me"], pipe.Public())
	require.NoError(t, l.Deploy(ctx, "carol"))

	textID, err := ws["alice"].RegisterText(ctx, "I love apples")
	require.NoError(t, err)
	out, err := l.Run(ctx, Remote(worker.Ref{Worker: "alice", ID: textID}))
	require.NoError(t, err)
	require.NotNil(t, out.Ref)
	assert.Equal(t, "carol", out.Ref.Worker)

	n, err := out.Ref.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	d, err := out.Ref.Take(ctx, ws["me"].Vocab("demo"))
	require.NoError(t, err)
	assert.Equal(t, "I love apples", d.Text())
	assert.Equal(t, "me", d.ClientID())
	tok, _ := d.Get(2)
	fruit, _ := tok.Attr("fruit")
	assert.Equal(t, true, fruit)
	tok, _ = d.Get(1)
	love, _ := tok.Attr("love")
	assert.Equal(t, true, love)

	aliceStats, _ := ws["alice"].Stats(ctx)
	assert.Equal(t, 1, aliceStats.Texts, "the raw text stays with its owner")
	assert.Equal(t, 0, aliceStats.Documents, "the document moved on to carol")
}

func TestRunReusesSubpipelineAcrossOwners(t *testing.T) {
	ctx := context.Background()
	c, ws := cluster("me", "alice", "bob", "carol")
	l, err := New("demo", ws["me"], c, WithSelector(FirstSelector{}))
	require.NoError(t, err)
	require.NoError(t, l.AddComponent(tagger(t, "fruit", "apples"), "tagger_A", Last(), pipe.Restricted("carol")))
	require.NoError(t, l.AddComponent(tagger(t, "love", "love"), "tagger_B", Last(), pipe.Public()))
	require.NoError(t, l.Deploy(ctx, "carol"))

	assert.Equal(t, map[string][]string{"alice": {"tokenizer"}, "carol": {"tagger_A", "tagger_B"}}, groupsOf(t, l, "alice"))
	assert.Equal(t, map[string][]string{"bob": {"tokenizer"}, "carol": {"tagger_A", "tagger_B"}}, groupsOf(t, l, "bob"))

	for _, owner := range []string{"alice", "bob", "alice"} {
		id, err := ws[owner].RegisterText(ctx, "apples")
		require.NoError(t, err)
		_, err = l.Run(ctx, Remote(worker.Ref{Worker: owner, ID: id}))
		require.NoError(t, err)
	}
	stats, err := ws["carol"].Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Subpipelines)
	assert.Equal(t, 3, l.CachedSubpipelines())

	require.NoError(t, l.RemoveComponent("tagger_B"))
	assert.Equal(t, 0, l.CachedSubpipelines())
	stats, _ = ws["carol"].Stats(ctx)
	assert.Equal(t, 0, stats.Subpipelines, "template changes release remote instances")
}

func TestRunTextNotCollocated(t *testing.T) {
	ctx := context.Background()
	c, ws := cluster("me", "alice", "bob")
	l, err := New("demo", ws["me"], c)
	require.NoError(t, err)
	tok, err := pipe.NewTokenizer(ws["me"].Vocab("demo"), nil)
	require.NoError(t, err)
	require.NoError(t, l.SetTokenizer(tok, pipe.Restricted("bob")))

	id, _ := ws["alice"].RegisterText(ctx, "private words")
	_, err = l.Run(ctx, Remote(worker.Ref{Worker: "alice", ID: id}))
	assert.True(t, errors.Is(err, nlperr.ErrObjectNotCollocated))
}

func TestRunReleasesLocalHandoverObjects(t *testing.T) {
	ctx := context.Background()
	c, ws := cluster("me", "bob", "carol")
	l := scenarioPipeline(t, c, ws["me"], pipe.Restricted("me"))
	require.NoError(t, l.Deploy(ctx, "carol"))

	out, err := l.Run(ctx, Text("I love apples"))
	require.NoError(t, err)
	require.NotNil(t, out.Doc)
	tok, _ := out.Doc.Get(1)
	love, _ := tok.Attr("love")
	assert.Equal(t, true, love)

	for _, id := range []string{"me", "carol"} {
		stats, err := ws[id].Stats(ctx)
		require.NoError(t, err)
		assert.Zero(t, stats.Texts, id)
		assert.Zero(t, stats.Documents, id)
	}
}

func TestRunReleasesLocalTextOnFailure(t *testing.T) {
	ctx := context.Background()
	c, ws := cluster("me", "bob")
	l, err := New("demo", ws["me"], c)
	require.NoError(t, err)
	tok, err := pipe.NewTokenizer(ws["me"].Vocab("demo"), nil)
	require.NoError(t, err)
	require.NoError(t, l.SetTokenizer(tok, pipe.Restricted("bob")))

	_, err = l.Run(ctx, Text("private words"))
	assert.True(t, errors.Is(err, nlperr.ErrObjectNotCollocated))
	stats, err := ws["me"].Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Texts)
}

func TestDeployAndLoad(t *testing.T) {
	ctx := context.Background()
	c, ws := cluster("me", "alice", "carol", "dan")
	l, err := New("demo", ws["me"], c, WithSelector(FirstSelector{}))
	require.NoError(t, err)
	require.NoError(t, l.AddComponent(tagger(t, "fruit", "apples"), "shared", Last(), pipe.Restricted("carol")))
	require.NoError(t, l.AddComponent(tagger(t, "secret", "love"), "private", Last(), nil))
	require.NoError(t, l.Deploy(ctx, "carol"))
	assert.Equal(t, "carol", l.DeployedOn())

	_, err = ws["carol"].FetchState(ctx, "carol", "demo", "shared")
	require.NoError(t, err)
	_, err = ws["carol"].FetchState(ctx, "carol", "demo", "private")
	assert.True(t, errors.Is(err, nlperr.ErrObjectNotFound), "private state must not reach carol")

	loaded, err := Load(ctx, ws["dan"], c, "demo", "carol", WithSelector(FirstSelector{}))
	require.NoError(t, err)
	assert.Equal(t, l.Names(), loaded.Names())
	assert.Equal(t, "me", loaded.Owner())

	groups, err := loaded.Partition("alice")
	require.NoError(t, err)
	assert.Equal(t, []Group{
		{Host: "alice", Names: []string{"tokenizer"}},
		{Host: "carol", Names: []string{"shared"}},
		{Host: "me", Names: []string{"private"}},
	}, groups)

	id, _ := ws["alice"].RegisterText(ctx, "I love apples")
	out, err := loaded.Run(ctx, Remote(worker.Ref{Worker: "alice", ID: id}))
	require.NoError(t, err)
	require.NotNil(t, out.Ref)
	assert.Equal(t, "me", out.Ref.Worker)
	d, err := out.Ref.Take(ctx, ws["dan"].Vocab("demo"))
	require.NoError(t, err)
	tok, _ := d.Get(1)
	secret, _ := tok.Attr("secret")
	assert.Equal(t, true, secret)

	_, err = Load(ctx, ws["dan"], c, "missing", "carol")
	assert.True(t, errors.Is(err, nlperr.ErrObjectNotFound))
}

func TestCacheTTLReleasesInstances(t *testing.T) {
	ctx := context.Background()
	c, ws := cluster("me")
	l, err := New("demo", ws["me"], c, WithCache(8, 50*time.Millisecond))
	require.NoError(t, err)
	_, err = l.Run(ctx, Text("hello"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stats, err := ws["me"].Stats(ctx)
		return err == nil && stats.Subpipelines == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestCacheKey(t *testing.T) {
	assert.Equal(t, cacheKey("carol", []string{"a", "b"}), cacheKey("carol", []string{"a", "b"}))
	assert.NotEqual(t, cacheKey("carol", []string{"a", "b"}), cacheKey("carol", []string{"ab"}))
	assert.NotEqual(t, cacheKey("carol", []string{"a"}), cacheKey("bob", []string{"a"}))
}

func TestCacheHitRefreshesTTL(t *testing.T) {
	ctx := context.Background()
	c, ws := cluster("me")
	l, err := New("demo", ws["me"], c, WithCache(8, 300*time.Millisecond))
	require.NoError(t, err)
	_, err = l.Run(ctx, Text("hello"))
	require.NoError(t, err)
	key := cacheKey("me", []string{TokenizerName})
	first, ok := l.cache.lru.Peek(key)
	require.True(t, ok)

	for i := 0; i < 8; i++ {
		time.Sleep(100 * time.Millisecond)
		_, err = l.Run(ctx, Text("hello"))
		require.NoError(t, err)
	}
	inst, ok := l.cache.lru.Peek(key)
	require.True(t, ok)
	assert.Equal(t, first.ID, inst.ID, "a busy instance outlives its TTL")
}

type releaseHookDir struct {
	*worker.Cluster
	onRelease func()
}

func (d releaseHookDir) Peer(id string) (worker.Peer, error) {
	p, err := d.Cluster.Peer(id)
	if err != nil {
		return nil, err
	}
	return releaseHookPeer{Peer: p, onRelease: d.onRelease}, nil
}

type releaseHookPeer struct {
	worker.Peer
	onRelease func()
}

func (p releaseHookPeer) Release(ctx context.Context, id string) error {
	p.onRelease()
	return p.Peer.Release(ctx, id)
}

func TestTemplateChangeReleasesOutsideLock(t *testing.T) {
	ctx := context.Background()
	c, ws := cluster("me")
	var l *Language
	released := 0
	dir := releaseHookDir{Cluster: c, onRelease: func() {
		released++
		_ = l.Template()
	}}
	l, err := New("demo", ws["me"], dir, WithSelector(FirstSelector{}))
	require.NoError(t, err)
	_, err = l.Run(ctx, Text("hello"))
	require.NoError(t, err)
	require.Equal(t, 1, l.CachedSubpipelines())

	fruit := tagger(t, "fruit", "apples")
	done := make(chan error, 1)
	go func() { done <- l.AddComponent(fruit, "tagger_A", Last(), pipe.Public()) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("template change blocked while releasing cached subpipelines")
	}
	assert.Equal(t, 1, released)
	assert.Equal(t, 0, l.CachedSubpipelines())
	stats, err := ws["me"].Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Subpipelines)
}
