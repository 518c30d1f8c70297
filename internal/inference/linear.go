package inference

import (
	"context"
	"fmt"

	"github.com/hyperjump/fednlp/internal/nlperr"
	"github.com/hyperjump/fednlp/pkg/utils"
)

// LinearModel computes weights·x + bias. It needs no runtime and is used for small
// deployable classifiers and in tests.
type LinearModel struct {
	weights [][]float32
	bias    []float32
}

// NewLinearModel validates the weight matrix: one row per output, every row the same width.
func NewLinearModel(weights [][]float32, bias []float32) (*LinearModel, error) {
	if len(weights) == 0 {
		return nil, fmt.Errorf("%w: linear model has no weights", nlperr.ErrInvalidConfig)
	}
	width := len(weights[0])
	for i, row := range weights {
		if len(row) != width {
			return nil, fmt.Errorf("%w: weight row %d has %d columns, want %d", nlperr.ErrInvalidConfig, i, len(row), width)
		}
	}
	if bias != nil && len(bias) != len(weights) {
		return nil, fmt.Errorf("%w: bias has %d entries, want %d", nlperr.ErrInvalidConfig, len(bias), len(weights))
	}
	return &LinearModel{weights: weights, bias: bias}, nil
}

// Predict returns one logit per output row.
func (m *LinearModel) Predict(ctx context.Context, features []float32) ([]float32, error) {
	if len(features) != len(m.weights[0]) {
		return nil, fmt.Errorf("feature dimension mismatch: got %d, expected %d", len(features), len(m.weights[0]))
	}
	out := make([]float32, len(m.weights))
	for i, row := range m.weights {
		out[i] = utils.Dot(row, features)
		if m.bias != nil {
			out[i] += m.bias[i]
		}
	}
	return out, nil
}

// Close is a no-op for LinearModel.
func (m *LinearModel) Close() error {
	return nil
}
