//go:build cgo
// +build cgo

package inference

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/multierr"
)

var (
	envOnce sync.Once
	envErr  error
)

// ONNXModel runs a single-input, single-output ONNX graph. It requires CGO and the
// onnxruntime shared library.
type ONNXModel struct {
	session      *ort.AdvancedSession
	inputs       int
	outputs      int
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	mu           sync.Mutex
}

// NewONNXModel loads the graph at path. InitializeEnvironment is called if not already done.
func NewONNXModel(path, inputName, outputName string, inputs, outputs int) (*ONNXModel, error) {
	envOnce.Do(func() { envErr = ort.InitializeEnvironment() })
	if envErr != nil {
		return nil, fmt.Errorf("failed to initialize ONNX runtime: %w", envErr)
	}
	inputTensor, err := ort.NewTensor(ort.NewShape(1, int64(inputs)), make([]float32, inputs))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	outputTensor, err := ort.NewTensor(ort.NewShape(1, int64(outputs)), make([]float32, outputs))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	session, err := ort.NewAdvancedSession(
		path,
		[]string{inputName},
		[]string{outputName},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		nil,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}
	return &ONNXModel{
		session:      session,
		inputs:       inputs,
		outputs:      outputs,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

// Predict copies features into the input tensor and runs the session.
func (m *ONNXModel) Predict(ctx context.Context, features []float32) ([]float32, error) {
	if len(features) != m.inputs {
		return nil, fmt.Errorf("feature dimension mismatch: got %d, expected %d", len(features), m.inputs)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.inputTensor.GetData(), features)
	if err := m.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	out := make([]float32, m.outputs)
	copy(out, m.outputTensor.GetData())
	return out, nil
}

// Close destroys the session and tensors.
func (m *ONNXModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var err error
	if m.session != nil {
		err = multierr.Append(err, m.session.Destroy())
		m.session = nil
	}
	if m.inputTensor != nil {
		err = multierr.Append(err, m.inputTensor.Destroy())
		m.inputTensor = nil
	}
	if m.outputTensor != nil {
		err = multierr.Append(err, m.outputTensor.Destroy())
		m.outputTensor = nil
	}
	return err
}
