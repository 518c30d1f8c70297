package pipe

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hyperjump/fednlp/internal/doc"
	"github.com/hyperjump/fednlp/internal/inference"
	"github.com/hyperjump/fednlp/internal/nlperr"
	"github.com/hyperjump/fednlp/pkg/utils"
)

// DefaultLabelAttr is the document attribute the classifier writes its label to.
const DefaultLabelAttr = "label"

// ClassifierConfig configures a single-label document classifier. The features are the
// document's average token vector, with Exclude applied.
type ClassifierConfig struct {
	Labels    []string         `json:"labels"`
	Model     inference.Config `json:"model"`
	Exclude   doc.Exclusions   `json:"exclude,omitempty"`
	Attribute string           `json:"attribute,omitempty"`
}

// Classifier delegates scoring to an inference.Model and stores the best label plus the
// per-label probabilities under "<attribute>_scores".
type Classifier struct {
	cfg    ClassifierConfig
	model  inference.Model
	logger *zap.Logger
}

// NewClassifier opens the model described by cfg.
func NewClassifier(cfg ClassifierConfig, logger *zap.Logger) (*Classifier, error) {
	c := &Classifier{logger: logger}
	if err := c.configure(cfg); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Classifier) configure(cfg ClassifierConfig) error {
	if len(cfg.Labels) == 0 {
		return fmt.Errorf("%w: classifier needs labels", nlperr.ErrInvalidConfig)
	}
	if cfg.Attribute == "" {
		cfg.Attribute = DefaultLabelAttr
	}
	if err := doc.ValidateAttributeName(cfg.Attribute); err != nil {
		return err
	}
	model, err := inference.Open(cfg.Model)
	if err != nil {
		return err
	}
	if c.model != nil {
		if err := c.model.Close(); err != nil {
			utils.OrNop(c.logger).Warn("close previous model", zap.Error(err))
		}
	}
	c.cfg = cfg
	c.model = model
	return nil
}

func (c *Classifier) Type() TypeTag { return TypeClassifier }

func (c *Classifier) Apply(ctx context.Context, d *doc.Document) (*doc.Document, error) {
	if c.model == nil {
		return nil, fmt.Errorf("%w: classifier has no model", nlperr.ErrInvalidConfig)
	}
	features := d.Vector(c.cfg.Exclude)
	logits, err := c.model.Predict(ctx, features)
	if err != nil {
		return nil, fmt.Errorf("classify: %w", err)
	}
	if len(logits) != len(c.cfg.Labels) {
		return nil, fmt.Errorf("classify: model returned %d scores for %d labels", len(logits), len(c.cfg.Labels))
	}
	probs := utils.Softmax(logits)
	scores := make(map[string]any, len(probs))
	for i, p := range probs {
		scores[c.cfg.Labels[i]] = float64(p)
	}
	label := c.cfg.Labels[utils.Argmax(probs)]
	utils.OrNop(c.logger).Debug("classified document", zap.String("label", label), zap.Int("tokens", d.Len()))
	if err := d.SetAttr(c.cfg.Attribute, label); err != nil {
		return nil, err
	}
	if err := d.SetAttr(c.cfg.Attribute+"_scores", scores); err != nil {
		return nil, err
	}
	return d, nil
}

func (c *Classifier) DumpState() (State, error) {
	return newState(TypeClassifier, c.cfg)
}

func (c *Classifier) LoadState(st State) error {
	var cfg ClassifierConfig
	if err := decodeState(st, TypeClassifier, &cfg); err != nil {
		return err
	}
	return c.configure(cfg)
}

// Close releases the model.
func (c *Classifier) Close() error {
	if c.model == nil {
		return nil
	}
	err := c.model.Close()
	c.model = nil
	return err
}
