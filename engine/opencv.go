package engine

import (
	"errors"
	"fmt"
	"image"
	"os"

	iface "PeopleDetServer/interface"

	"gocv.io/x/gocv"
)

type opencvRunner struct {
	net  gocv.Net
	size int
}

// NewOpenCVDetector loads an ONNX export through the OpenCV DNN module.
func NewOpenCVDetector(cfg iface.EngineConfig) (*Detector, error) {
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("model %s: %w", cfg.ModelPath, err)
	}
	net := gocv.ReadNetFromONNX(cfg.ModelPath)
	if net.Empty() {
		_ = net.Close()
		return nil, fmt.Errorf("failed to load model %s", cfg.ModelPath)
	}
	backend, target := gocv.NetBackendDefault, gocv.NetTargetCPU
	if cfg.UseGPU {
		backend, target = gocv.NetBackendCUDA, gocv.NetTargetCUDA
	}
	if err := net.SetPreferableBackend(backend); err != nil {
		_ = net.Close()
		return nil, fmt.Errorf("set dnn backend: %w", err)
	}
	if err := net.SetPreferableTarget(target); err != nil {
		_ = net.Close()
		return nil, fmt.Errorf("set dnn target: %w", err)
	}
	names, err := resolveNames(cfg, nil)
	if err != nil {
		_ = net.Close()
		return nil, err
	}
	return newDetector(cfg, names, &opencvRunner{net: net, size: cfg.InputSize}), nil
}

func (r *opencvRunner) Run(img *image.NRGBA) ([]float32, []int, error) {
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, nil, fmt.Errorf("convert frame: %w", err)
	}
	defer mat.Close()
	// ImageToMatRGB yields BGR order, swapRB restores RGB for the network.
	blob := gocv.BlobFromImage(mat, 1.0/255.0, image.Pt(r.size, r.size), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	r.net.SetInput(blob, "")
	out := r.net.Forward("")
	defer out.Close()
	if out.Empty() {
		return nil, nil, errors.New("network returned an empty output")
	}
	data, err := out.DataPtrFloat32()
	if err != nil {
		return nil, nil, fmt.Errorf("read output: %w", err)
	}
	return append([]float32(nil), data...), out.Size(), nil
}

func (r *opencvRunner) Close() error {
	return r.net.Close()
}
