// Package pipeline implements the Language orchestrator: it keeps the pipeline template and
// its access policies, partitions the template into subpipelines per data owner, and runs
// them across workers.
package pipeline

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/fednlp/internal/metrics"
	"github.com/hyperjump/fednlp/internal/nlperr"
	"github.com/hyperjump/fednlp/internal/pipe"
	"github.com/hyperjump/fednlp/internal/worker"
	"github.com/hyperjump/fednlp/pkg/utils"
)

// TokenizerName is the template name of the chain-initial tokenizer.
const TokenizerName = "tokenizer"

// Defaults for the subpipeline reuse cache.
const (
	DefaultCacheSize = 128
	DefaultTTL       = 30 * time.Minute
)

// Language is a pipeline orchestrator bound to a local worker.
type Language struct {
	name     string
	owner    string
	local    *worker.Worker
	dir      worker.Directory
	logger   *zap.Logger
	metrics  *metrics.Metrics
	selector HostSelector

	cacheSize int
	ttl       time.Duration
	cache     *subpipelineCache
	createMu  sync.Mutex

	mu          sync.Mutex
	template    []pipe.Entry
	states      map[string]pipe.State
	vocabAccess pipe.Access
	deployedOn  string
	stateSource string
	partitions  map[string][]Group
}

// Option configures a Language.
type Option func(*Language)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Language) { l.logger = utils.OrNop(logger) }
}

// WithMetrics records runs, partitions and cache activity.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Language) { l.metrics = m }
}

// WithSelector replaces the host tie-break.
func WithSelector(s HostSelector) Option {
	return func(l *Language) { l.selector = s }
}

// WithSeed uses a RandomSelector with the given seed.
func WithSeed(seed uint64) Option {
	return func(l *Language) { l.selector = NewRandomSelector(seed) }
}

// WithCache sets the reuse cache capacity and the idle lifetime of cached subpipelines.
// A non-positive ttl keeps instances until evicted by size or template changes.
func WithCache(size int, ttl time.Duration) Option {
	return func(l *Language) {
		l.cacheSize = size
		l.ttl = ttl
	}
}

func newLanguage(name string, local *worker.Worker, dir worker.Directory, opts []Option) *Language {
	l := &Language{
		name:        name,
		owner:       local.ID(),
		local:       local,
		dir:         dir,
		logger:      zap.NewNop(),
		cacheSize:   DefaultCacheSize,
		ttl:         DefaultTTL,
		states:      make(map[string]pipe.State),
		vocabAccess: pipe.Public(),
		partitions:  make(map[string][]Group),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.selector == nil {
		l.selector = NewRandomSelector(uint64(time.Now().UnixNano()))
	}
	l.logger = l.logger.With(zap.String("pipeline", name))
	l.cache = newSubpipelineCache(l.cacheSize, l.ttl, dir, l.logger, l.metrics)
	return l
}

// New creates a pipeline owned by local, starting with a default tokenizer readable by
// every worker.
func New(name string, local *worker.Worker, dir worker.Directory, opts ...Option) (*Language, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: pipeline needs a name", nlperr.ErrInvalidConfig)
	}
	l := newLanguage(name, local, dir, opts)
	tok, err := pipe.NewTokenizer(local.Vocab(name), nil)
	if err != nil {
		return nil, err
	}
	if err := l.SetTokenizer(tok, pipe.Public()); err != nil {
		return nil, err
	}
	return l, nil
}

// Name returns the pipeline name.
func (l *Language) Name() string { return l.name }

// Owner returns the worker holding the original component states.
func (l *Language) Owner() string { return l.owner }

// DeployedOn returns the worker the pipeline was last deployed to.
func (l *Language) DeployedOn() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.deployedOn
}

// Template returns a copy of the ordered template.
func (l *Language) Template() []pipe.Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]pipe.Entry, len(l.template))
	copy(out, l.template)
	return out
}

// Names lists the component names in template order.
func (l *Language) Names() []string {
	return l.Definition().Names()
}

// Definition returns the deployable description of the pipeline.
func (l *Language) Definition() pipe.Definition {
	return pipe.Definition{
		Name:        l.name,
		Owner:       l.owner,
		Components:  l.Template(),
		VocabAccess: l.vocabAccessCopy(),
	}
}

func (l *Language) vocabAccessCopy() pipe.Access {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append(pipe.Access(nil), l.vocabAccess...)
}

// AddComponent inserts c under name at pos with the given access policy.
func (l *Language) AddComponent(c pipe.Component, name string, pos Position, access pipe.Access) error {
	if c.Type() == pipe.TypeTokenizer {
		return fmt.Errorf("%w: tokenizers are set with SetTokenizer", nlperr.ErrInvalidPosition)
	}
	if name == "" || name == pipe.VocabStateName || name == TokenizerName {
		return fmt.Errorf("%w: reserved or empty component name %q", nlperr.ErrInvalidConfig, name)
	}
	st, err := l.stateOf(c, name, access)
	if err != nil {
		return err
	}

	return l.mutate(func() error {
		if find(l.template, name) >= 0 {
			return fmt.Errorf("%w: %q", nlperr.ErrDuplicateName, name)
		}
		i, err := pos.index(l.template)
		if err != nil {
			return err
		}
		entry := pipe.Entry{Name: name, Type: c.Type(), Access: access}
		l.template = append(l.template, pipe.Entry{})
		copy(l.template[i+1:], l.template[i:])
		l.template[i] = entry
		l.states[name] = st
		l.logger.Debug("component added", zap.String("component", name), zap.Int("index", i))
		return nil
	})
}

// RemoveComponent drops a component from the template.
func (l *Language) RemoveComponent(name string) error {
	return l.mutate(func() error {
		i := find(l.template, name)
		if i < 0 {
			return fmt.Errorf("%w: %q", nlperr.ErrComponentNotFound, name)
		}
		if l.template[i].Type == pipe.TypeTokenizer {
			return fmt.Errorf("%w: the tokenizer cannot be removed", nlperr.ErrInvalidConfig)
		}
		l.template = append(l.template[:i], l.template[i+1:]...)
		delete(l.states, name)
		return nil
	})
}

// SetTokenizer replaces the chain-initial tokenizer.
func (l *Language) SetTokenizer(tok pipe.TextProcessor, access pipe.Access) error {
	st, err := l.stateOf(tok, TokenizerName, access)
	if err != nil {
		return err
	}
	return l.mutate(func() error {
		entry := pipe.Entry{Name: TokenizerName, Type: tok.Type(), Access: access}
		if len(l.template) > 0 && l.template[0].Name == TokenizerName {
			l.template[0] = entry
		} else {
			l.template = append([]pipe.Entry{entry}, l.template...)
		}
		l.states[TokenizerName] = st
		return nil
	})
}

// SetVocabAccess sets which workers receive the pipeline's vocabulary vectors. Hosts outside
// the policy run with their own vocabulary.
func (l *Language) SetVocabAccess(access pipe.Access) {
	_ = l.mutate(func() error {
		l.vocabAccess = access
		return nil
	})
}

func (l *Language) stateOf(c pipe.Component, name string, access pipe.Access) (pipe.State, error) {
	st, err := c.DumpState()
	if err != nil {
		return pipe.State{}, fmt.Errorf("dump %s: %w", name, err)
	}
	st.Pipeline = l.name
	st.Name = name
	st.Owner = l.owner
	st.Access = access
	return st, nil
}

// Invalidate forgets every partitioning and releases every cached subpipeline.
func (l *Language) Invalidate() {
	_ = l.mutate(func() error { return nil })
}

// mutate runs fn under l.mu. When fn succeeds the partitions are reset and the cached
// subpipelines are released after the lock is dropped, so releases never block readers.
func (l *Language) mutate(fn func() error) error {
	l.mu.Lock()
	err := fn()
	if err == nil {
		l.partitions = make(map[string][]Group)
	}
	l.mu.Unlock()
	if err != nil {
		return err
	}
	l.cache.purge()
	return nil
}

// CachedSubpipelines returns the number of live cached subpipeline instances.
func (l *Language) CachedSubpipelines() int {
	return l.cache.len()
}

// Close releases every cached subpipeline.
func (l *Language) Close() {
	l.cache.purge()
}
