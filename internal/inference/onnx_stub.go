//go:build !cgo
// +build !cgo

package inference

import (
	"context"
	"errors"
)

var errNoCGO = errors.New("ONNX model requires CGO; build with CGO_ENABLED=1 and onnxruntime")

// ONNXModel stub type when built without CGO (see onnx.go for real implementation).
type ONNXModel struct{}

// NewONNXModel returns an error when built without CGO (ONNX not available).
func NewONNXModel(_, _, _ string, _, _ int) (*ONNXModel, error) {
	return nil, errNoCGO
}

func (m *ONNXModel) Predict(context.Context, []float32) ([]float32, error) {
	return nil, errNoCGO
}

func (m *ONNXModel) Close() error {
	return nil
}
