package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/hyperjump/fednlp/internal/doc"
	"github.com/hyperjump/fednlp/internal/metrics"
	"github.com/hyperjump/fednlp/internal/nlperr"
	"github.com/hyperjump/fednlp/internal/pipe"
	"github.com/hyperjump/fednlp/internal/storage"
	"github.com/hyperjump/fednlp/internal/subpipeline"
	"github.com/hyperjump/fednlp/internal/vocab"
	"github.com/hyperjump/fednlp/pkg/utils"
)

// Worker is a single logical actor. Subpipeline executions are serialized; the object store
// has its own lock, which is never held while calling another worker. docs guards the
// contents of stored documents: components write under it, queries and handovers read under
// it, and no call to another worker is made while it is held.
type Worker struct {
	id      string
	logger  *zap.Logger
	metrics *metrics.Metrics
	vocab   *vocab.Vocab
	store   storage.Store
	dir     Directory

	mu      sync.RWMutex
	objects map[string]any
	vocabs  map[string]*vocab.Vocab

	exec sync.Mutex
	docs sync.RWMutex
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the logger; nil keeps the no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(w *Worker) { w.logger = utils.OrNop(logger).With(zap.String("worker", w.id)) }
}

// WithMetrics records store and execution metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// WithStore replaces the in-memory state store.
func WithStore(s storage.Store) Option {
	return func(w *Worker) { w.store = s }
}

// WithVocab sets the worker's default vocabulary.
func WithVocab(v *vocab.Vocab) Option {
	return func(w *Worker) { w.vocab = v }
}

// WithDirectory sets how the worker reaches its peers.
func WithDirectory(d Directory) Option {
	return func(w *Worker) { w.dir = d }
}

// New creates a worker with an empty object store.
func New(id string, opts ...Option) *Worker {
	w := &Worker{
		id:      id,
		logger:  zap.NewNop(),
		store:   storage.NewMemoryStore(),
		objects: make(map[string]any),
		vocabs:  make(map[string]*vocab.Vocab),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.vocab == nil {
		w.vocab = vocab.New(id, nil)
	}
	return w
}

// ID returns the worker id.
func (w *Worker) ID() string { return w.id }

// Logger returns the worker's logger.
func (w *Worker) Logger() *zap.Logger { return w.logger }

// Vocab returns the vocabulary used for a pipeline: the deployed one if any, else the
// worker default.
func (w *Worker) Vocab(pipeline string) *vocab.Vocab {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if v, ok := w.vocabs[pipeline]; ok {
		return v
	}
	return w.vocab
}

// SetDirectory sets the peer directory after construction, for clusters whose members must
// exist before the directory does.
func (w *Worker) SetDirectory(d Directory) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dir = d
}

func (w *Worker) peer(id string) (Peer, error) {
	w.mu.RLock()
	dir := w.dir
	w.mu.RUnlock()
	if dir == nil {
		return nil, &nlperr.RemoteError{Kind: nlperr.KindUnreachable, Worker: id, Op: "lookup", Err: errors.New("worker has no directory")}
	}
	return dir.Peer(id)
}

// Register stores obj and returns its new id.
func (w *Worker) Register(obj any) string {
	id := uuid.NewString()
	w.mu.Lock()
	w.objects[id] = obj
	w.mu.Unlock()
	w.recordLive()
	return id
}

// Object returns a stored object.
func (w *Worker) Object(id string) (any, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	obj, ok := w.objects[id]
	return obj, ok
}

// RegisterText stores raw text owned by this worker.
func (w *Worker) RegisterText(ctx context.Context, text string) (string, error) {
	return w.Register(text), nil
}

// RegisterDocument stores a document owned by this worker.
func (w *Worker) RegisterDocument(d *doc.Document) string {
	return w.Register(d)
}

// DeployState stores a copy of st if this worker is allowed to hold it. A vocab state also
// becomes the pipeline's vocabulary.
func (w *Worker) DeployState(ctx context.Context, st pipe.State) error {
	if st.Type != pipe.TypeVocab && !pipe.Known(st.Type) {
		return fmt.Errorf("%w: %q", nlperr.ErrUnknownComponentType, st.Type)
	}
	if !st.AllowedOn(w.id) {
		w.metrics.StateDenied()
		return fmt.Errorf("%w: %s may not hold %s", nlperr.ErrPermissionDenied, w.id, st.Key())
	}
	if err := w.store.PutState(ctx, st); err != nil {
		return fmt.Errorf("store state %s: %w", st.Key(), err)
	}
	if st.Type == pipe.TypeVocab {
		if err := w.installVocab(st); err != nil {
			return err
		}
	}
	w.logger.Debug("state deployed", zap.String("state", st.Key()), zap.String("type", string(st.Type)))
	return nil
}

func (w *Worker) installVocab(st pipe.State) error {
	cfg, err := pipe.DecodeVocabState(st)
	if err != nil {
		return err
	}
	if cfg.Opaque {
		w.logger.Debug("vocabulary vectors not exported, keeping local ones",
			zap.String("pipeline", st.Pipeline), zap.String("vocab", cfg.Name))
		return nil
	}
	source, err := vocab.SourceFromState(cfg)
	if err != nil {
		return err
	}
	v := vocab.New(cfg.Name, source)
	w.mu.Lock()
	w.vocabs[st.Pipeline] = v
	w.mu.Unlock()
	return nil
}

// FetchState returns a stored state to requester if the state's access policy allows it.
func (w *Worker) FetchState(ctx context.Context, requester, pipeline, name string) (pipe.State, error) {
	st, err := w.store.GetState(ctx, pipeline, name)
	if err != nil {
		return pipe.State{}, err
	}
	if !st.AllowedOn(requester) {
		w.metrics.StateDenied()
		return pipe.State{}, fmt.Errorf("%w: %s may not fetch %s", nlperr.ErrPermissionDenied, requester, st.Key())
	}
	return st, nil
}

// DeployPipeline stores a pipeline definition.
func (w *Worker) DeployPipeline(ctx context.Context, def pipe.Definition) error {
	if def.Name == "" {
		return fmt.Errorf("%w: pipeline needs a name", nlperr.ErrInvalidConfig)
	}
	if err := w.store.PutPipeline(ctx, def); err != nil {
		return fmt.Errorf("store pipeline %s: %w", def.Name, err)
	}
	w.logger.Info("pipeline deployed", zap.String("pipeline", def.Name), zap.Int("components", len(def.Components)))
	return nil
}

// FetchPipeline returns a stored pipeline definition.
func (w *Worker) FetchPipeline(ctx context.Context, name string) (pipe.Definition, error) {
	return w.store.GetPipeline(ctx, name)
}

// CreateSubpipeline rebuilds the named components from their states and registers the
// resulting subpipeline.
func (w *Worker) CreateSubpipeline(ctx context.Context, spec SubpipelineSpec) (string, error) {
	if len(spec.Names) == 0 {
		return "", fmt.Errorf("%w: subpipeline without components", nlperr.ErrInvalidConfig)
	}
	inline := make(map[string]pipe.State, len(spec.States))
	for _, st := range spec.States {
		inline[st.Name] = st
	}

	if vst, ok := inline[pipe.VocabStateName]; ok && vst.Type == pipe.TypeVocab {
		if err := w.DeployState(ctx, vst); err != nil {
			return "", err
		}
	} else if _, err := w.state(ctx, spec, nil, pipe.VocabStateName); err == nil {
		w.logger.Debug("using deployed vocabulary", zap.String("pipeline", spec.Pipeline))
	}
	env := pipe.Env{Vocab: w.Vocab(spec.Pipeline), Logger: w.logger}

	components := make([]pipe.Component, len(spec.Names))
	for i, name := range spec.Names {
		st, err := w.state(ctx, spec, inline, name)
		if err != nil {
			return "", err
		}
		c, err := pipe.Build(env, st)
		if err != nil {
			return "", err
		}
		components[i] = c
	}

	sp, err := subpipeline.New(spec.Pipeline, w.id, spec.ClientID, spec.Names, components)
	if err != nil {
		return "", err
	}
	sp.ID = w.Register(sp)
	w.logger.Debug("subpipeline created",
		zap.String("id", sp.ID), zap.String("pipeline", spec.Pipeline), zap.Strings("components", spec.Names))
	return sp.ID, nil
}

// state finds the state of one component: inline, then local, then from the subpipeline's state source.
// Fetched states are kept locally.
func (w *Worker) state(ctx context.Context, spec SubpipelineSpec, inline map[string]pipe.State, name string) (pipe.State, error) {
	if st, ok := inline[name]; ok {
		if !st.AllowedOn(w.id) {
			w.metrics.StateDenied()
			return pipe.State{}, fmt.Errorf("%w: %s may not hold %s", nlperr.ErrPermissionDenied, w.id, st.Key())
		}
		return st, nil
	}
	st, err := w.store.GetState(ctx, spec.Pipeline, name)
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, nlperr.ErrObjectNotFound) || spec.StateSource == "" || spec.StateSource == w.id {
		return pipe.State{}, err
	}
	src, err := w.peer(spec.StateSource)
	if err != nil {
		return pipe.State{}, err
	}
	st, err = src.FetchState(ctx, w.id, spec.Pipeline, name)
	if err != nil {
		return pipe.State{}, err
	}
	if err := w.DeployState(ctx, st); err != nil {
		return pipe.State{}, err
	}
	return st, nil
}

// Execute runs a registered subpipeline. A Ref to a document on another worker is pulled here
// first; raw texts never leave their owner.
func (w *Worker) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	w.exec.Lock()
	defer w.exec.Unlock()
	start := time.Now()

	obj, ok := w.Object(req.Subpipeline)
	if !ok {
		return ExecuteResult{}, fmt.Errorf("%w: subpipeline %s on %s", nlperr.ErrObjectNotFound, req.Subpipeline, w.id)
	}
	sp, ok := obj.(*subpipeline.Subpipeline)
	if !ok {
		return ExecuteResult{}, fmt.Errorf("%w: %s is %T", nlperr.ErrWrongObjectType, req.Subpipeline, obj)
	}

	in, err := w.input(ctx, sp, req)
	if err != nil {
		return ExecuteResult{}, err
	}
	w.docs.Lock()
	out, err := sp.Execute(ctx, in, w)
	w.docs.Unlock()
	if err != nil {
		return ExecuteResult{}, err
	}
	w.metrics.Executed(sp.Pipeline, time.Since(start).Seconds())
	w.logger.Debug("subpipeline executed",
		zap.String("id", sp.ID), zap.Strings("components", sp.Names), zap.Bool("registered", out.ID != ""))
	return ExecuteResult{Worker: w.id, DocID: out.ID, Doc: out.Doc}, nil
}

func (w *Worker) input(ctx context.Context, sp *subpipeline.Subpipeline, req ExecuteRequest) (subpipeline.Input, error) {
	n := 0
	for _, set := range []bool{req.Text != nil, req.Ref != nil, req.Snapshot != nil} {
		if set {
			n++
		}
	}
	if n != 1 {
		return subpipeline.Input{}, fmt.Errorf("%w: execute needs exactly one of text, ref or snapshot", nlperr.ErrInvalidArgumentCombination)
	}
	switch {
	case req.Text != nil:
		return subpipeline.Input{Text: req.Text}, nil
	case req.Snapshot != nil:
		d, err := doc.FromSnapshot(w.Vocab(sp.Pipeline), *req.Snapshot)
		if err != nil {
			return subpipeline.Input{}, err
		}
		return subpipeline.DocInput(d), nil
	}
	if req.Ref.Worker == "" || req.Ref.Worker == w.id {
		return subpipeline.RefInput(req.Ref.ID), nil
	}
	owner, err := w.peer(req.Ref.Worker)
	if err != nil {
		return subpipeline.Input{}, err
	}
	snap, err := owner.TakeDocument(ctx, w.id, req.Ref.ID)
	if err != nil {
		return subpipeline.Input{}, fmt.Errorf("pull %s from %s: %w", req.Ref.ID, req.Ref.Worker, err)
	}
	d, err := doc.FromSnapshot(w.Vocab(sp.Pipeline), snap)
	if err != nil {
		return subpipeline.Input{}, err
	}
	return subpipeline.DocInput(d), nil
}

// TakeDocument hands a document over to requester and drops it from this store. Texts stay
// with their owner.
func (w *Worker) TakeDocument(ctx context.Context, requester, id string) (doc.Snapshot, error) {
	w.docs.RLock()
	defer w.docs.RUnlock()
	w.mu.Lock()
	obj, ok := w.objects[id]
	if !ok {
		w.mu.Unlock()
		return doc.Snapshot{}, fmt.Errorf("%w: %s on %s", nlperr.ErrObjectNotFound, id, w.id)
	}
	var snap doc.Snapshot
	switch v := obj.(type) {
	case *doc.Document:
		snap = v.Snapshot()
	case doc.Span:
		snap = v.AsDocument().Snapshot()
	case string:
		w.mu.Unlock()
		return doc.Snapshot{}, fmt.Errorf("%w: text %s stays on %s", nlperr.ErrObjectNotCollocated, id, w.id)
	default:
		w.mu.Unlock()
		return doc.Snapshot{}, fmt.Errorf("%w: %s is %T", nlperr.ErrWrongObjectType, id, obj)
	}
	delete(w.objects, id)
	w.mu.Unlock()
	w.recordLive()
	w.logger.Debug("document handed over", zap.String("id", id), zap.String("to", requester))
	return snap, nil
}

// Release drops an object. Subpipelines close their components.
func (w *Worker) Release(ctx context.Context, id string) error {
	w.mu.Lock()
	obj, ok := w.objects[id]
	delete(w.objects, id)
	w.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s on %s", nlperr.ErrObjectNotFound, id, w.id)
	}
	w.recordLive()
	if sp, ok := obj.(*subpipeline.Subpipeline); ok {
		if err := sp.Close(); err != nil {
			w.logger.Warn("close subpipeline", zap.String("id", id), zap.Error(err))
		}
	}
	return nil
}

// Stats counts stored objects by kind.
func (w *Worker) Stats(ctx context.Context) (Stats, error) {
	s := w.count()
	n, err := w.store.CountStates(ctx)
	if err != nil {
		return Stats{}, err
	}
	s.States = n
	names, err := w.store.ListPipelines(ctx)
	if err != nil {
		return Stats{}, err
	}
	s.Pipelines = len(names)
	return s, nil
}

func (w *Worker) count() Stats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	s := Stats{Worker: w.id}
	for _, obj := range w.objects {
		switch obj.(type) {
		case string:
			s.Texts++
		case *doc.Document:
			s.Documents++
		case doc.Span:
			s.Spans++
		case *subpipeline.Subpipeline:
			s.Subpipelines++
		}
	}
	return s
}

func (w *Worker) recordLive() {
	if w.metrics == nil {
		return
	}
	s := w.count()
	w.metrics.SetLive("texts", s.Texts)
	w.metrics.SetLive("documents", s.Documents)
	w.metrics.SetLive("spans", s.Spans)
	w.metrics.SetLive("subpipelines", s.Subpipelines)
}

// Close releases every subpipeline and closes the state store.
func (w *Worker) Close() error {
	w.mu.Lock()
	var subs []*subpipeline.Subpipeline
	for id, obj := range w.objects {
		if sp, ok := obj.(*subpipeline.Subpipeline); ok {
			subs = append(subs, sp)
		}
		delete(w.objects, id)
	}
	w.mu.Unlock()
	var err error
	for _, sp := range subs {
		err = multierr.Append(err, sp.Close())
	}
	return multierr.Append(err, w.store.Close())
}
