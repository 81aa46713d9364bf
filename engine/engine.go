package engine

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"sync"

	"PeopleDetServer/engine/yolo"
	iface "PeopleDetServer/interface"

	"github.com/disintegration/imaging"
)

const (
	BackendOpenCV = "opencv"
	BackendOnnx   = "onnx"
	BackendRemote = "remote"
)

const UNREGISTERED = 0x0001
const IDLE = 0x0003
const BUSY = 0x0004

const (
	DefaultInputSize  = 640
	DefaultConfidence = 0.3
	DefaultIou        = 0.45
)

var ErrNotLoaded = errors.New("detector not loaded")

// runner executes a network on a square RGB frame and hands back the raw
// output tensor with its shape.
type runner interface {
	Run(img *image.NRGBA) (output []float32, dims []int, err error)
	Close() error
}

// Detector adapts a native runner to iface.Backend: it resizes the frame to
// the network input, decodes the YOLO head and maps boxes back.
type Detector struct {
	mu    sync.Mutex
	cfg   iface.EngineConfig
	names []string
	run   runner
	State int
}

func newDetector(cfg iface.EngineConfig, names []string, r runner) *Detector {
	cfg.Names = names
	return &Detector{cfg: cfg, names: names, run: r, State: IDLE}
}

func (d *Detector) CheckConfig() iface.EngineConfig {
	return d.cfg
}

func (d *Detector) Predict(ctx context.Context, img image.Image, conf float32) ([]iface.RawPrediction, error) {
	if img == nil {
		return nil, fmt.Errorf("%w: empty image", iface.ErrInference)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.State == UNREGISTERED {
		return nil, fmt.Errorf("%w: %w", iface.ErrInference, ErrNotLoaded)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.State = BUSY
	defer func() { d.State = IDLE }()

	size := d.cfg.InputSize
	b := img.Bounds()
	in := imaging.Resize(img, size, size, imaging.Linear)
	data, dims, err := d.run.Run(in)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", iface.ErrInference, err)
	}
	cands, err := yolo.Decode(data, dims, yolo.NumClasses(dims), conf)
	if err != nil {
		return nil, fmt.Errorf("%w: decode output: %w", iface.ErrInference, err)
	}
	kept := yolo.NMS(cands, d.cfg.Iou)
	return yolo.Scale(kept, size, size, b.Dx(), b.Dy(), d.names), nil
}

func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.State == UNREGISTERED {
		return nil
	}
	d.State = UNREGISTERED
	return d.run.Close()
}

// Normalize fills defaults and validates an engine configuration.
func Normalize(cfg iface.EngineConfig) (iface.EngineConfig, error) {
	cfg.Backend = strings.ToLower(strings.TrimSpace(cfg.Backend))
	if cfg.Backend == "" {
		cfg.Backend = BackendOpenCV
	}
	if cfg.InputSize <= 0 {
		cfg.InputSize = DefaultInputSize
	}
	if cfg.Conf == 0 {
		cfg.Conf = DefaultConfidence
	}
	if cfg.Iou == 0 {
		cfg.Iou = DefaultIou
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Conf < 0 || cfg.Conf > 1 {
		return cfg, fmt.Errorf("confidence must be in (0, 1], got %v", cfg.Conf)
	}
	if cfg.Iou < 0 || cfg.Iou > 1 {
		return cfg, fmt.Errorf("IoU must be in (0, 1], got %v", cfg.Iou)
	}
	switch cfg.Backend {
	case BackendOpenCV, BackendOnnx:
		if cfg.ModelPath == "" {
			return cfg, fmt.Errorf("model path cannot be empty")
		}
	case BackendRemote:
		if cfg.RemoteURL == "" {
			return cfg, fmt.Errorf("remote backend needs remoteURL")
		}
	default:
		return cfg, fmt.Errorf("unsupported backend: %s", cfg.Backend)
	}
	return cfg, nil
}

// resolveNames picks class names from config, a names file, model metadata
// or the COCO table, in that order.
func resolveNames(cfg iface.EngineConfig, fromModel func() ([]string, error)) ([]string, error) {
	if len(cfg.Names) > 0 {
		return cfg.Names, nil
	}
	if cfg.NamesPath != "" {
		return yolo.ReadNamesFile(cfg.NamesPath)
	}
	if fromModel != nil {
		if names, err := fromModel(); err == nil && len(names) > 0 {
			return names, nil
		}
	}
	return yolo.CocoNames, nil
}

// LoadEngine builds the configured backend once per worker and returns the
// pool serving them.
func LoadEngine(cfg iface.EngineConfig) (*Pool, error) {
	cfg, err := Normalize(cfg)
	if err != nil {
		return nil, err
	}
	var factory func(id int) (iface.Backend, error)
	switch cfg.Backend {
	case BackendOpenCV:
		factory = func(int) (iface.Backend, error) { return NewOpenCVDetector(cfg) }
	case BackendOnnx:
		if err := initOnnxRuntime(cfg.OnnxLibPath); err != nil {
			return nil, fmt.Errorf("initialize onnxruntime: %w", err)
		}
		factory = func(int) (iface.Backend, error) { return NewOnnxDetector(cfg) }
	case BackendRemote:
		factory = func(int) (iface.Backend, error) { return NewRemoteBackend(cfg) }
	}
	return NewPool(cfg, factory)
}
