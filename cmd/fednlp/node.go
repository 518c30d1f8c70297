package main

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/hyperjump/fednlp/internal/config"
	"github.com/hyperjump/fednlp/internal/metrics"
	"github.com/hyperjump/fednlp/internal/pipe"
	"github.com/hyperjump/fednlp/internal/pipeline"
	"github.com/hyperjump/fednlp/internal/storage"
	"github.com/hyperjump/fednlp/internal/tokenizer"
	"github.com/hyperjump/fednlp/internal/transport"
	"github.com/hyperjump/fednlp/internal/vocab"
	"github.com/hyperjump/fednlp/internal/worker"
)

// Node is the local worker with everything it was built from.
type Node struct {
	Config    *config.Config
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	Store     storage.Store
	Worker    *worker.Worker
	Directory *worker.Cluster
}

// Close closes the worker, which also closes its store.
func (n *Node) Close() error {
	return n.Worker.Close()
}

func initializeNode(cfg *config.Config, logger *zap.Logger) (*Node, error) {
	var store storage.Store = storage.NewMemoryStore()
	var db *storage.SQLiteStore
	if cfg.Storage.DatabasePath != "" {
		s, err := storage.NewSQLiteStore(cfg.Storage.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize storage: %w", err)
		}
		store, db = s, s
		if size, err := storage.DatabaseSize(cfg.Storage.DatabasePath); err == nil {
			logger.Debug("state database opened",
				zap.String("path", cfg.Storage.DatabasePath),
				zap.Int64("bytes", size))
		}
	}
	source, err := vectorSource(context.Background(), cfg.Vocab, db)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to load vectors: %w", err)
	}

	m := metrics.New()
	w := worker.New(cfg.Worker.ID,
		worker.WithLogger(logger),
		worker.WithMetrics(m),
		worker.WithStore(store),
		worker.WithVocab(vocab.New(cfg.Vocab.Name, source)),
	)
	dir := transport.NewDirectory(w, cfg.Peers,
		transport.WithTimeout(cfg.RPC.Timeout),
		transport.WithClientMetrics(m),
		transport.WithClientLogger(logger),
	)
	w.SetDirectory(dir)
	logger.Info("node initialized",
		zap.String("worker", cfg.Worker.ID),
		zap.Strings("peers", dir.IDs()),
		zap.Bool("persistent", cfg.Storage.DatabasePath != ""))
	return &Node{Config: cfg, Logger: logger, Metrics: m, Store: store, Worker: w, Directory: dir}, nil
}

// vectorSource serves vectors from the state database when there is one. A configured table is
// imported first; hash vectors never touch the database.
func vectorSource(ctx context.Context, cfg config.VocabConfig, db *storage.SQLiteStore) (vocab.VectorSource, error) {
	if db == nil || (cfg.VectorsPath == "" && cfg.HashVectors) {
		return cfg.VectorSource()
	}
	dims := cfg.Dimensions
	if cfg.VectorsPath != "" {
		table, err := vocab.LoadVectorTable(cfg.VectorsPath)
		if err != nil {
			return nil, err
		}
		if err := db.SaveVectors(ctx, cfg.Name, table); err != nil {
			return nil, err
		}
		dims = table.Dimensions()
	}
	source := db.Vectors(cfg.Name, dims)
	if cfg.CacheSize <= 0 {
		return source, nil
	}
	cache, err := vocab.NewVectorCache(source, cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	return cache, nil
}

func languageOptions(cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) []pipeline.Option {
	opts := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(m),
		pipeline.WithCache(cfg.Pipeline.SubpipelineCacheSize, cfg.Pipeline.SubpipelineTTL),
	}
	if cfg.Pipeline.Seed != 0 {
		opts = append(opts, pipeline.WithSeed(cfg.Pipeline.Seed))
	}
	return opts
}

// buildLanguage assembles the configured pipeline with the node's worker as owner.
func buildLanguage(n *Node) (*pipeline.Language, error) {
	cfg := n.Config
	if cfg.Pipeline.Name == "" {
		return nil, fmt.Errorf("pipeline.name is required")
	}
	l, err := pipeline.New(cfg.Pipeline.Name, n.Worker, n.Directory, languageOptions(cfg, n.Logger, n.Metrics)...)
	if err != nil {
		return nil, err
	}
	v := n.Worker.Vocab(cfg.Pipeline.Name)
	if cfg.Tokenizer.RulesPath != "" {
		rules, err := tokenizer.LoadRules(cfg.Tokenizer.RulesPath)
		if err != nil {
			return nil, err
		}
		tok, err := pipe.NewTokenizer(v, rules)
		if err != nil {
			return nil, err
		}
		if err := l.SetTokenizer(tok, pipe.Public()); err != nil {
			return nil, err
		}
	}
	env := pipe.Env{Vocab: v, Logger: n.Logger}
	for _, c := range cfg.Pipeline.Components {
		st, err := c.State(cfg.Pipeline.Name, n.Worker.ID())
		if err != nil {
			return nil, err
		}
		comp, err := pipe.Build(env, st)
		if err != nil {
			return nil, err
		}
		pos, err := c.PositionOf()
		if err != nil {
			return nil, err
		}
		if err := l.AddComponent(comp, c.Name, pos, c.AccessOf()); err != nil {
			return nil, fmt.Errorf("add %s: %w", c.Name, err)
		}
	}
	return l, nil
}

// openLanguage loads the pipeline deployed on from, or builds it from config when from is empty.
func openLanguage(ctx context.Context, n *Node, from string) (*pipeline.Language, error) {
	if from == "" {
		return buildLanguage(n)
	}
	return pipeline.Load(ctx, n.Worker, n.Directory, n.Config.Pipeline.Name, from, languageOptions(n.Config, n.Logger, n.Metrics)...)
}

// parseRef parses "worker:id".
func parseRef(s string) (worker.Ref, error) {
	w, id, ok := strings.Cut(s, ":")
	if !ok || w == "" || id == "" {
		return worker.Ref{}, fmt.Errorf("invalid reference %q, want worker:id", s)
	}
	return worker.Ref{Worker: w, ID: id}, nil
}
