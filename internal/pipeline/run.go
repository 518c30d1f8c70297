package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/hyperjump/fednlp/internal/doc"
	"github.com/hyperjump/fednlp/internal/handle"
	"github.com/hyperjump/fednlp/internal/nlperr"
	"github.com/hyperjump/fednlp/internal/pipe"
	"github.com/hyperjump/fednlp/internal/worker"
)

// Input is what Run consumes: raw text held by the local worker, or a reference to a text or
// document owned by some worker.
type Input struct {
	Text string
	Ref  *worker.Ref
}

// Text wraps local raw text.
func Text(s string) Input { return Input{Text: s} }

// Remote wraps a reference to an object on its owner.
func Remote(ref worker.Ref) Input { return Input{Ref: &ref} }

// Output is the result of a run. Doc is set when the final subpipeline ran on the local
// worker; otherwise Ref points at the document on its host.
type Output struct {
	RunID string
	Doc   *doc.Document
	Ref   *handle.DocRef
}

// Run executes the pipeline on in. The data owner is the worker holding the input.
func (l *Language) Run(ctx context.Context, in Input) (*Output, error) {
	runID := ulid.Make().String()
	start := time.Now()
	l.metrics.RunStarted()
	out, err := l.run(ctx, runID, in)
	l.metrics.RunFinished(time.Since(start).Seconds(), err)
	if err != nil {
		l.logger.Debug("run failed", zap.String("run", runID), zap.Error(err))
		return nil, err
	}
	l.logger.Debug("run finished", zap.String("run", runID), zap.Duration("elapsed", time.Since(start)))
	return out, nil
}

func (l *Language) run(ctx context.Context, runID string, in Input) (*Output, error) {
	local := l.local.ID()
	dataOwner := local
	if in.Ref != nil && in.Ref.Worker != "" {
		dataOwner = in.Ref.Worker
	}
	groups, err := l.Partition(dataOwner)
	if err != nil {
		return nil, err
	}

	// Objects registered locally only to be reached by reference are dropped when the run
	// ends. A host that took one already removed it.
	var temps []string
	defer func() {
		for _, id := range temps {
			if err := l.local.Release(context.Background(), id); err != nil && !errors.Is(err, nlperr.ErrObjectNotFound) {
				l.logger.Warn("release run input", zap.String("run", runID), zap.String("id", id), zap.Error(err))
			}
		}
	}()

	req := worker.ExecuteRequest{}
	switch {
	case in.Ref != nil:
		ref := *in.Ref
		if ref.Worker == "" {
			ref.Worker = local
		}
		req.Ref = &ref
	case groups[0].Host == local:
		text := in.Text
		req.Text = &text
	default:
		// Raw text stays with its owner; the host must reach it by reference.
		id := l.local.Register(in.Text)
		temps = append(temps, id)
		req.Ref = &worker.Ref{Worker: local, ID: id}
	}

	var res worker.ExecuteResult
	for i, g := range groups {
		inst, err := l.instance(ctx, g)
		if err != nil {
			return nil, err
		}
		peer, err := l.dir.Peer(g.Host)
		if err != nil {
			return nil, err
		}
		req.Subpipeline = inst.ID
		l.logger.Debug("executing group",
			zap.String("run", runID), zap.Int("group", i), zap.String("host", g.Host), zap.Strings("components", g.Names))
		res, err = peer.Execute(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("group %d on %s: %w", i, g.Host, err)
		}
		if i == len(groups)-1 {
			break
		}
		next, temp, err := l.forward(res)
		if err != nil {
			return nil, err
		}
		if temp {
			temps = append(temps, next.ID)
		}
		req = worker.ExecuteRequest{Ref: next}
	}
	return l.output(runID, res)
}

// forward turns a group's result into a reference the next host can pull from. temp reports
// whether the document was registered locally for the handover.
func (l *Language) forward(res worker.ExecuteResult) (ref *worker.Ref, temp bool, err error) {
	if res.DocID != "" {
		return &worker.Ref{Worker: res.Worker, ID: res.DocID}, false, nil
	}
	d, err := l.materialize(res)
	if err != nil {
		return nil, false, err
	}
	return &worker.Ref{Worker: l.local.ID(), ID: l.local.RegisterDocument(d)}, true, nil
}

func (l *Language) materialize(res worker.ExecuteResult) (*doc.Document, error) {
	if res.Doc != nil {
		return res.Doc, nil
	}
	if res.Snapshot != nil {
		return doc.FromSnapshot(l.local.Vocab(l.name), *res.Snapshot)
	}
	return nil, fmt.Errorf("%w: empty result from %s", nlperr.ErrObjectNotFound, res.Worker)
}

func (l *Language) output(runID string, res worker.ExecuteResult) (*Output, error) {
	out := &Output{RunID: runID}
	if res.DocID == "" {
		d, err := l.materialize(res)
		if err != nil {
			return nil, err
		}
		out.Doc = d
		return out, nil
	}
	h := handle.Handle[*doc.Document]{Worker: res.Worker, ID: res.DocID, Owner: l.local.ID()}
	if h.IsLocal() {
		d, err := handle.Resolve(h, l.local)
		if err != nil {
			return nil, err
		}
		out.Doc = d
		return out, nil
	}
	ref, err := handle.NewDocRef(h, l.dir)
	if err != nil {
		return nil, err
	}
	out.Ref = ref
	return out, nil
}

// instance returns the cached subpipeline for g, creating it on its host on a miss.
func (l *Language) instance(ctx context.Context, g Group) (instance, error) {
	key := cacheKey(g.Host, g.Names)
	if inst, ok := l.cache.get(key); ok {
		l.metrics.CacheHit()
		return inst, nil
	}

	l.createMu.Lock()
	defer l.createMu.Unlock()
	if inst, ok := l.cache.get(key); ok {
		l.metrics.CacheHit()
		return inst, nil
	}
	spec, err := l.spec(g)
	if err != nil {
		return instance{}, err
	}
	peer, err := l.dir.Peer(g.Host)
	if err != nil {
		return instance{}, err
	}
	id, err := peer.CreateSubpipeline(ctx, spec)
	if err != nil {
		return instance{}, fmt.Errorf("create subpipeline on %s: %w", g.Host, err)
	}
	inst := instance{Host: g.Host, ID: id}
	l.cache.add(key, inst)
	l.metrics.CacheMiss()
	l.logger.Debug("subpipeline instantiated", zap.String("host", g.Host), zap.String("id", id), zap.Strings("components", g.Names))
	return inst, nil
}

func (l *Language) spec(g Group) (worker.SubpipelineSpec, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	spec := worker.SubpipelineSpec{
		Pipeline:    l.name,
		Names:       append([]string(nil), g.Names...),
		ClientID:    l.local.ID(),
		StateSource: l.stateSource,
	}
	for _, name := range g.Names {
		st, ok := l.states[name]
		if !ok {
			continue
		}
		if !st.AllowedOn(g.Host) {
			return worker.SubpipelineSpec{}, fmt.Errorf("%w: %s may not hold %s", nlperr.ErrPermissionDenied, g.Host, name)
		}
		spec.States = append(spec.States, st)
	}
	if len(l.states) > 0 && l.vocabAccess.Allows(g.Host, l.owner) {
		vst, err := l.vocabStateLocked()
		if err != nil {
			return worker.SubpipelineSpec{}, err
		}
		spec.States = append(spec.States, vst)
	}
	return spec, nil
}

func (l *Language) vocabStateLocked() (pipe.State, error) {
	cfg, err := l.local.Vocab(l.name).Export(context.Background())
	if err != nil {
		return pipe.State{}, err
	}
	return pipe.VocabState(l.name, l.owner, l.vocabAccess, cfg)
}
