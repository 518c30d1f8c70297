package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hyperjump/fednlp/internal/nlperr"
	"github.com/hyperjump/fednlp/internal/pipe"
	"github.com/hyperjump/fednlp/internal/worker"
)

// Deploy pushes a copy of every state target may hold, plus the pipeline definition, to
// target. States target may not hold stay with the owner, which keeps a copy of everything so
// hosts can fetch what they are entitled to. The orchestrator itself does not move.
func (l *Language) Deploy(ctx context.Context, target string) error {
	peer, err := l.dir.Peer(target)
	if err != nil {
		return err
	}
	states, err := l.deployableStates()
	if err != nil {
		return err
	}
	def := l.Definition()

	for _, st := range states {
		if err := l.local.DeployState(ctx, st); err != nil {
			return fmt.Errorf("keep %s on owner: %w", st.Key(), err)
		}
		if target == l.local.ID() {
			continue
		}
		if !st.AllowedOn(target) {
			l.logger.Debug("state stays with owner", zap.String("state", st.Key()), zap.String("target", target))
			continue
		}
		if err := peer.DeployState(ctx, st); err != nil {
			return fmt.Errorf("deploy %s to %s: %w", st.Key(), target, err)
		}
	}
	if err := l.local.DeployPipeline(ctx, def); err != nil {
		return err
	}
	if target != l.local.ID() {
		if err := peer.DeployPipeline(ctx, def); err != nil {
			return fmt.Errorf("deploy pipeline to %s: %w", target, err)
		}
	}

	l.mu.Lock()
	l.deployedOn = target
	l.partitions = make(map[string][]Group)
	l.mu.Unlock()
	l.logger.Info("pipeline deployed", zap.String("target", target), zap.Int("states", len(states)))
	return nil
}

func (l *Language) deployableStates() ([]pipe.State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]pipe.State, 0, len(l.template)+1)
	for _, e := range l.template {
		if st, ok := l.states[e.Name]; ok {
			out = append(out, st)
		}
	}
	if len(l.states) > 0 {
		vst, err := l.vocabStateLocked()
		if err != nil {
			return nil, err
		}
		out = append(out, vst)
	}
	return out, nil
}

// Load builds an orchestrator on local from the definition deployed on from. Its hosts take
// component states from their own stores or fetch them from the pipeline owner, subject to
// each state's access policy.
func Load(ctx context.Context, local *worker.Worker, dir worker.Directory, name, from string, opts ...Option) (*Language, error) {
	peer, err := dir.Peer(from)
	if err != nil {
		return nil, err
	}
	def, err := peer.FetchPipeline(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("load pipeline %s from %s: %w", name, from, err)
	}
	if len(def.Components) == 0 || def.Components[0].Type != pipe.TypeTokenizer {
		return nil, fmt.Errorf("%w: pipeline %s does not start with a tokenizer", nlperr.ErrNotTokenized, name)
	}
	l := newLanguage(def.Name, local, dir, opts)
	l.owner = def.Owner
	if l.owner == "" {
		l.owner = from
	}
	l.template = append([]pipe.Entry(nil), def.Components...)
	l.vocabAccess = def.VocabAccess
	l.deployedOn = from
	l.stateSource = l.owner
	l.logger.Info("pipeline loaded", zap.String("from", from), zap.String("owner", l.owner))
	return l, nil
}
