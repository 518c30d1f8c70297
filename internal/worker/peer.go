// Package worker implements the worker actor: an isolated object store that owns texts and
// documents, keeps deployed component states, and executes subpipelines on request.
package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hyperjump/fednlp/internal/doc"
	"github.com/hyperjump/fednlp/internal/nlperr"
	"github.com/hyperjump/fednlp/internal/pipe"
)

// Peer is everything one worker can ask of another. *Worker implements it in-process and the
// transport package implements it over HTTP. Calls that act on behalf of another worker take
// the requester's id explicitly.
type Peer interface {
	ID() string
	RegisterText(ctx context.Context, text string) (string, error)
	DeployState(ctx context.Context, st pipe.State) error
	FetchState(ctx context.Context, requester, pipeline, name string) (pipe.State, error)
	DeployPipeline(ctx context.Context, def pipe.Definition) error
	FetchPipeline(ctx context.Context, name string) (pipe.Definition, error)
	CreateSubpipeline(ctx context.Context, spec SubpipelineSpec) (string, error)
	Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error)
	TakeDocument(ctx context.Context, requester, id string) (doc.Snapshot, error)
	Query(ctx context.Context, id string, q Query) (QueryResult, error)
	Release(ctx context.Context, id string) error
	Stats(ctx context.Context) (Stats, error)
}

// Directory resolves worker ids to peers.
type Directory interface {
	Peer(id string) (Peer, error)
	IDs() []string
}

// Ref points at an object in some worker's store.
type Ref struct {
	Worker string `json:"worker"`
	ID     string `json:"id"`
}

// SubpipelineSpec asks a worker to instantiate a subpipeline. States missing from States are
// taken from the worker's own store, then fetched from StateSource.
type SubpipelineSpec struct {
	Pipeline    string       `json:"pipeline"`
	Names       []string     `json:"names"`
	ClientID    string       `json:"client_id"`
	States      []pipe.State `json:"states,omitempty"`
	StateSource string       `json:"state_source,omitempty"`
}

// ExecuteRequest runs a subpipeline on exactly one of Text, Ref or Snapshot.
type ExecuteRequest struct {
	Subpipeline string        `json:"subpipeline"`
	Text        *string       `json:"text,omitempty"`
	Ref         *Ref          `json:"ref,omitempty"`
	Snapshot    *doc.Snapshot `json:"snapshot,omitempty"`
}

// ExecuteResult carries either the id of the registered result on Worker or, for a local
// client, the document itself. Snapshot is the wire form of Doc.
type ExecuteResult struct {
	Worker   string        `json:"worker"`
	DocID    string        `json:"doc_id,omitempty"`
	Doc      *doc.Document `json:"-"`
	Snapshot *doc.Snapshot `json:"snapshot,omitempty"`
}

// Stats counts the objects a worker holds.
type Stats struct {
	Worker       string `json:"worker"`
	Texts        int    `json:"texts"`
	Documents    int    `json:"documents"`
	Spans        int    `json:"spans"`
	Subpipelines int    `json:"subpipelines"`
	States       int64  `json:"states"`
	Pipelines    int    `json:"pipelines"`
}

// Cluster is an in-process Directory.
type Cluster struct {
	mu    sync.RWMutex
	peers map[string]Peer
}

// NewCluster returns a directory holding peers.
func NewCluster(peers ...Peer) *Cluster {
	c := &Cluster{peers: make(map[string]Peer)}
	for _, p := range peers {
		c.Add(p)
	}
	return c
}

// Add registers p under its id, replacing any previous peer with that id.
func (c *Cluster) Add(p Peer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peers[p.ID()] = p
}

// Remove forgets a peer.
func (c *Cluster) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.peers, id)
}

func (c *Cluster) Peer(id string) (Peer, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.peers[id]
	if !ok {
		return nil, &nlperr.RemoteError{Kind: nlperr.KindUnreachable, Worker: id, Op: "lookup", Err: fmt.Errorf("unknown worker")}
	}
	return p, nil
}

func (c *Cluster) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.peers))
	for id := range c.peers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
