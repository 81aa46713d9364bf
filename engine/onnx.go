package engine

import (
	"fmt"
	"image"
	"os"
	"runtime"
	"sync"

	"PeopleDetServer/engine/yolo"
	iface "PeopleDetServer/interface"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	ortOnce sync.Once
	ortErr  error
)

func initOnnxRuntime(libPath string) error {
	ortOnce.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		ortErr = ort.InitializeEnvironment()
	})
	return ortErr
}

type onnxRunner struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	dims    []int
	size    int
}

// NewOnnxDetector creates an onnxruntime session with preallocated tensors.
// Class names stored by ultralytics in the model metadata are used when the
// config does not name them.
func NewOnnxDetector(cfg iface.EngineConfig) (*Detector, error) {
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("model %s: %w", cfg.ModelPath, err)
	}
	inputs, outputs, err := ort.GetInputOutputInfo(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("read model io info: %w", err)
	}
	if len(inputs) != 1 || len(outputs) < 1 {
		return nil, fmt.Errorf("expected 1 input and at least 1 output, got %d and %d", len(inputs), len(outputs))
	}
	outDims := make([]int64, len(outputs[0].Dimensions))
	dims := make([]int, len(outDims))
	for i, v := range outputs[0].Dimensions {
		if v <= 0 {
			if i != 0 {
				return nil, fmt.Errorf("dynamic output shape %v is not supported", outputs[0].Dimensions)
			}
			v = 1
		}
		outDims[i] = v
		dims[i] = int(v)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()
	if err := options.SetIntraOpNumThreads(runtime.NumCPU()); err != nil {
		return nil, err
	}
	if cfg.UseGPU {
		cudaOpts, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return nil, fmt.Errorf("error creating cuda options: %w", err)
		}
		defer cudaOpts.Destroy()
		if err := options.AppendExecutionProviderCUDA(cudaOpts); err != nil {
			return nil, fmt.Errorf("error enabling cuda: %w", err)
		}
	}

	size := int64(cfg.InputSize)
	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, size, size))
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(outDims...))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("error creating output tensor: %w", err)
	}
	session, err := ort.NewAdvancedSession(
		cfg.ModelPath,
		[]string{inputs[0].Name},
		[]string{outputs[0].Name},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("error creating session: %w", err)
	}
	r := &onnxRunner{session: session, input: inputTensor, output: outputTensor, dims: dims, size: cfg.InputSize}

	names, err := resolveNames(cfg, func() ([]string, error) { return metadataNames(cfg.ModelPath) })
	if err != nil {
		_ = r.Close()
		return nil, err
	}
	return newDetector(cfg, names, r), nil
}

func metadataNames(modelPath string) ([]string, error) {
	meta, err := ort.GetModelMetadata(modelPath)
	if err != nil {
		return nil, err
	}
	defer meta.Destroy()
	raw, ok, err := meta.LookupCustomMetadataMap("names")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("model has no names metadata")
	}
	return yolo.ParseNamesMetadata(raw)
}

func (r *onnxRunner) Run(img *image.NRGBA) ([]float32, []int, error) {
	fillCHW(r.input.GetData(), img, r.size)
	if err := r.session.Run(); err != nil {
		return nil, nil, fmt.Errorf("model inference: %w", err)
	}
	return append([]float32(nil), r.output.GetData()...), r.dims, nil
}

func (r *onnxRunner) Close() error {
	var err error
	if r.session != nil {
		err = r.session.Destroy()
	}
	if r.input != nil {
		_ = r.input.Destroy()
	}
	if r.output != nil {
		_ = r.output.Destroy()
	}
	return err
}

// fillCHW writes an RGB frame into a planar tensor scaled to [0,1].
func fillCHW(dst []float32, img *image.NRGBA, size int) {
	plane := size * size
	for y := 0; y < size; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < size; x++ {
			i := y*size + x
			p := row[x*4:]
			dst[i] = float32(p[0]) / 255.0
			dst[plane+i] = float32(p[1]) / 255.0
			dst[2*plane+i] = float32(p[2]) / 255.0
		}
	}
}
