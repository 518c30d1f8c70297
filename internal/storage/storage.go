// Package storage persists what a worker must keep across restarts: deployed component
// states, pipeline definitions, and vocabulary vectors.
package storage

import (
	"context"

	"github.com/hyperjump/fednlp/internal/pipe"
)

// Store holds component states and pipeline definitions. Missing entries are reported as
// nlperr.ErrObjectNotFound.
type Store interface {
	// States
	PutState(ctx context.Context, st pipe.State) error
	GetState(ctx context.Context, pipeline, name string) (pipe.State, error)
	ListStates(ctx context.Context, pipeline string) ([]pipe.State, error)
	DeleteState(ctx context.Context, pipeline, name string) error

	// Pipelines
	PutPipeline(ctx context.Context, def pipe.Definition) error
	GetPipeline(ctx context.Context, name string) (pipe.Definition, error)
	ListPipelines(ctx context.Context) ([]string, error)

	// Stats
	CountStates(ctx context.Context) (int64, error)

	Close() error
}
