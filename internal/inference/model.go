// Package inference provides the model backends used by the classifier component.
package inference

import (
	"context"
	"fmt"

	"github.com/hyperjump/fednlp/internal/nlperr"
)

// Model maps a feature vector to one score per label.
type Model interface {
	Predict(ctx context.Context, features []float32) ([]float32, error)
	Close() error
}

// Kind identifies a model backend.
type Kind string

const (
	KindLinear Kind = "linear"
	KindONNX   Kind = "onnx"
)

// Config describes a model. Linear models carry their weights inline, so they travel with the
// component state; ONNX models reference a file that must exist on the host worker.
type Config struct {
	Kind       Kind        `json:"kind" yaml:"kind"`
	Path       string      `json:"path,omitempty" yaml:"path"`
	InputName  string      `json:"input_name,omitempty" yaml:"input_name"`
	OutputName string      `json:"output_name,omitempty" yaml:"output_name"`
	Inputs     int         `json:"inputs,omitempty" yaml:"inputs"`
	Outputs    int         `json:"outputs,omitempty" yaml:"outputs"`
	Weights    [][]float32 `json:"weights,omitempty" yaml:"weights"`
	Bias       []float32   `json:"bias,omitempty" yaml:"bias"`
}

// Open builds the backend described by cfg.
func Open(cfg Config) (Model, error) {
	switch cfg.Kind {
	case KindLinear, "":
		return NewLinearModel(cfg.Weights, cfg.Bias)
	case KindONNX:
		if cfg.Path == "" || cfg.Inputs <= 0 || cfg.Outputs <= 0 {
			return nil, fmt.Errorf("%w: onnx model needs path, inputs and outputs", nlperr.ErrInvalidConfig)
		}
		in, out := cfg.InputName, cfg.OutputName
		if in == "" {
			in = "input"
		}
		if out == "" {
			out = "output"
		}
		return NewONNXModel(cfg.Path, in, out, cfg.Inputs, cfg.Outputs)
	default:
		return nil, fmt.Errorf("%w: unknown model kind %q", nlperr.ErrInvalidConfig, cfg.Kind)
	}
}
