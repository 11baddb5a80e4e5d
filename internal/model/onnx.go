package model

import (
	"context"
	"fmt"
	"sync"

	"github.com/Brownie44l1/mnist-api/internal/nn"
	ort "github.com/yalue/onnxruntime_go"
)

type ONNXConfig struct {
	// LibraryPath points at the onnxruntime shared library. Empty uses the
	// platform default search.
	LibraryPath string
	InputName   string
	OutputName  string
}

// ONNXClassifier runs an ONNX export of the same architecture through
// onnxruntime. The session reuses one pair of bound tensors, so calls are
// serialised.
type ONNXClassifier struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	info         Info
}

func NewONNXClassifier(modelPath string, cfg ONNXConfig) (*ONNXClassifier, error) {
	if cfg.InputName == "" {
		cfg.InputName = "input"
	}
	if cfg.OutputName == "" {
		cfg.OutputName = "output"
	}
	net, err := nn.Build(nn.MNISTClassifier())
	if err != nil {
		return nil, err
	}

	if cfg.LibraryPath != "" {
		ort.SetSharedLibraryPath(cfg.LibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1, ImageSide, ImageSide))
	if err != nil {
		_ = ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, NumClasses))
	if err != nil {
		_ = inputTensor.Destroy()
		_ = ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{cfg.InputName}, []string{cfg.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		_ = inputTensor.Destroy()
		_ = outputTensor.Destroy()
		_ = ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	c := &ONNXClassifier{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}
	c.info = describe(c.Name(), net)
	return c, nil
}

func (c *ONNXClassifier) Name() string {
	return "onnxruntime"
}

func (c *ONNXClassifier) Predict(ctx context.Context, data []float32) ([]float32, error) {
	if err := ValidateInput(data); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	copy(c.inputTensor.GetData(), data)
	if err := c.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	scores := make([]float32, NumClasses)
	copy(scores, c.outputTensor.GetData())
	return scores, nil
}

func (c *ONNXClassifier) Info(context.Context) (Info, error) {
	return c.info, nil
}

func (c *ONNXClassifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inputTensor != nil {
		_ = c.inputTensor.Destroy()
	}
	if c.outputTensor != nil {
		_ = c.outputTensor.Destroy()
	}
	if c.session != nil {
		_ = c.session.Destroy()
	}
	return ort.DestroyEnvironment()
}
