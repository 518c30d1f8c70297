package transport

import (
	"github.com/hyperjump/fednlp/internal/worker"
)

// NewDirectory returns a directory holding local in-process and an HTTP client for every
// other worker in peers (id to base URL). Clients act on behalf of local.
func NewDirectory(local *worker.Worker, peers map[string]string, opts ...ClientOption) *worker.Cluster {
	c := worker.NewCluster(local)
	for id, base := range peers {
		if id == local.ID() {
			continue
		}
		c.Add(NewClient(id, base, local.ID(), opts...))
	}
	return c
}
