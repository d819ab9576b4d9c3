package segmenter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	ortOnce    sync.Once
	ortInitErr error
)

// ONNXOptions locate the model file and the runtime library.
type ONNXOptions struct {
	ModelPath   string
	LibraryPath string
	// InputSize is used when the model declares dynamic spatial dimensions.
	InputSize int
}

// ONNXEngine runs a U²-Net style model in process. The session owns fixed
// input and output tensors, so runs are serialized.
type ONNXEngine struct {
	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	size    int
}

// NewONNXFactory returns an EngineFactory that loads opts.ModelPath.
func NewONNXFactory(opts ONNXOptions) EngineFactory {
	return func(model string) (Engine, error) {
		return NewONNXEngine(opts)
	}
}

// NewONNXEngine initializes the runtime environment once per process and
// builds a session for the model.
func NewONNXEngine(opts ONNXOptions) (*ONNXEngine, error) {
	ortOnce.Do(func() {
		if opts.LibraryPath != "" {
			ort.SetSharedLibraryPath(opts.LibraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			ortInitErr = fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	})
	if ortInitErr != nil {
		return nil, ortInitErr
	}

	inputs, outputs, err := ort.GetInputOutputInfo(opts.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read model info: %w", err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, errors.New("model declares no inputs or outputs")
	}

	size := opts.InputSize
	if dims := inputs[0].Dimensions; len(dims) == 4 && dims[2] > 0 && dims[2] == dims[3] {
		size = int(dims[2])
	}
	if size <= 0 {
		return nil, fmt.Errorf("cannot infer input size for %s", opts.ModelPath)
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, int64(size), int64(size)))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1, int64(size), int64(size)))
	if err != nil {
		_ = inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(opts.ModelPath,
		[]string{inputs[0].Name}, []string{outputs[0].Name},
		[]ort.Value{inputTensor}, []ort.Value{outputTensor},
		nil)
	if err != nil {
		_ = inputTensor.Destroy()
		_ = outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &ONNXEngine{
		session: session,
		input:   inputTensor,
		output:  outputTensor,
		size:    size,
	}, nil
}

func (e *ONNXEngine) RemoveBackground(ctx context.Context, data []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode input: %w", err)
	}

	e.mu.Lock()
	inputTensor(img, e.size, e.input.GetData())
	if err := e.session.Run(); err != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	mask := maskFromPrediction(e.output.GetData(), e.size)
	e.mu.Unlock()

	var buf bytes.Buffer
	if err := png.Encode(&buf, cutout(img, mask)); err != nil {
		return nil, fmt.Errorf("encode output: %w", err)
	}
	return buf.Bytes(), nil
}

func (e *ONNXEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var errs []error
	if e.input != nil {
		errs = append(errs, e.input.Destroy())
		e.input = nil
	}
	if e.output != nil {
		errs = append(errs, e.output.Destroy())
		e.output = nil
	}
	if e.session != nil {
		errs = append(errs, e.session.Destroy())
		e.session = nil
	}
	return errors.Join(errs...)
}

// ShutdownRuntime tears down the process-wide ONNX environment.
func ShutdownRuntime() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}
