package tagger

import (
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// engine abstracts raw model inference so the manager can be tested
// without an ONNX runtime present.
type engine interface {
	// TargetSize is the square input edge the model expects.
	TargetSize() int
	// Run executes the model on a prepared NHWC BGR tensor and returns the
	// per-label probabilities.
	Run(input []float32) ([]float32, error)
	Close() error
}

// defaultTargetSize is used when the model does not declare a fixed input
// height. wd-tagger models are 448x448.
const defaultTargetSize = 448

var (
	ortInitOnce sync.Once
	ortInitErr  error
)

func initRuntime() error {
	ortInitOnce.Do(func() {
		if path := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH"); path != "" {
			ort.SetSharedLibraryPath(path)
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	return ortInitErr
}

// ortEngine wraps an onnxruntime session for one loaded model.
type ortEngine struct {
	session    *ort.DynamicAdvancedSession
	inputName  string
	outputName string
	targetSize int
}

// newOrtEngine opens an ONNX model file and prepares a session for it.
func newOrtEngine(onnxPath string) (engine, error) {
	if err := initRuntime(); err != nil {
		return nil, fmt.Errorf("init onnxruntime: %w", err)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(onnxPath)
	if err != nil {
		return nil, fmt.Errorf("read model metadata: %w", err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, fmt.Errorf("model declares no inputs or outputs")
	}

	// Input shape is (N, H, W, C); H gives the target size.
	targetSize := defaultTargetSize
	if dims := inputs[0].Dimensions; len(dims) == 4 && dims[1] > 0 {
		targetSize = int(dims[1])
	}

	session, err := ort.NewDynamicAdvancedSession(onnxPath,
		[]string{inputs[0].Name}, []string{outputs[0].Name}, nil)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	return &ortEngine{
		session:    session,
		inputName:  inputs[0].Name,
		outputName: outputs[0].Name,
		targetSize: targetSize,
	}, nil
}

func (e *ortEngine) TargetSize() int {
	return e.targetSize
}

func (e *ortEngine) Run(input []float32) ([]float32, error) {
	shape := ort.NewShape(1, int64(e.targetSize), int64(e.targetSize), 3)
	tensor, err := ort.NewTensor(shape, input)
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}
	defer tensor.Destroy()

	outputs := []ort.Value{nil}
	if err := e.session.Run([]ort.Value{tensor}, outputs); err != nil {
		return nil, fmt.Errorf("run inference: %w", err)
	}
	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		outputs[0].Destroy()
		return nil, fmt.Errorf("unexpected output tensor type %T", outputs[0])
	}
	defer out.Destroy()

	data := out.GetData()
	probs := make([]float32, len(data))
	copy(probs, data)
	return probs, nil
}

func (e *ortEngine) Close() error {
	return e.session.Destroy()
}
