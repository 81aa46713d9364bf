// Package detect turns raw backend predictions into the people detection
// result served to clients.
package detect

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"time"

	iface "PeopleDetServer/interface"
	"PeopleDetServer/logger"
	"PeopleDetServer/render"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
	_ "golang.org/x/image/webp"
)

var ErrInvalidImage = errors.New("invalid image format")

const (
	DefaultFrameSize  = 640
	DefaultConfidence = 0.3
	minElapsed        = time.Millisecond
	// MaxImagePixels bounds decoded frames, matching Pillow's default.
	MaxImagePixels = 89478485
)

const (
	LogAreaClear    = "AREA CLEAR"
	logTargetLocked = "TARGET LOCKED | CONF=%.2f"
	labelText       = "HUMAN %.2f"
)

type Options struct {
	FrameSize  int
	Confidence float32
	Render     render.Options
}

func DefaultOptions() Options {
	return Options{
		FrameSize:  DefaultFrameSize,
		Confidence: DefaultConfidence,
		Render:     render.DefaultOptions(),
	}
}

// Processor runs one synchronous detection pass per call. The backend is
// shared read-only; every call works on its own frame copy.
type Processor struct {
	backend iface.Backend
	opts    Options
	now     func() time.Time
}

func NewProcessor(backend iface.Backend, opts Options) *Processor {
	if opts.FrameSize <= 0 {
		opts.FrameSize = DefaultFrameSize
	}
	if opts.Confidence <= 0 {
		opts.Confidence = DefaultConfidence
	}
	return &Processor{backend: backend, opts: opts, now: time.Now}
}

// Decode reads an uploaded image, honouring EXIF orientation. Frames above
// MaxImagePixels are rejected from their header before any pixel buffer is
// allocated.
func Decode(r io.Reader) (image.Image, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidImage, err)
	}
	return DecodeBytes(data)
}

func DecodeBytes(b []byte) (image.Image, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidImage)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidImage, err)
	}
	if px := int64(cfg.Width) * int64(cfg.Height); px > MaxImagePixels {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrInvalidImage, cfg.Width, cfg.Height, MaxImagePixels)
	}
	img, err := imaging.Decode(bytes.NewReader(b), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidImage, err)
	}
	return img, nil
}

// toRGB flattens img to an opaque frame. Colour values under transparent
// pixels are kept and alpha is dropped.
func toRGB(img image.Image) *image.NRGBA {
	dst := imaging.Clone(img)
	for i := 3; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = 0xff
	}
	return dst
}

func (p *Processor) Process(ctx context.Context, img image.Image) (*iface.DetectionResult, error) {
	if img == nil {
		return &iface.DetectionResult{
			Logs:        []string{},
			ThreatLevel: iface.ThreatLow,
			Detections:  []iface.Detection{},
		}, nil
	}
	start := p.now()

	frame := imaging.Resize(toRGB(img), p.opts.FrameSize, p.opts.FrameSize, imaging.Lanczos)
	preds, err := p.backend.Predict(ctx, frame, p.opts.Confidence)
	if err != nil {
		return nil, err
	}

	canvas := render.NewCanvas(frame, p.opts.Render)
	logs := make([]string, 0, len(preds)+1)
	detections := make([]iface.Detection, 0, len(preds))
	for _, pred := range preds {
		if pred.Label != iface.LabelPerson {
			continue
		}
		conf := float64(pred.Confidence)
		canvas.DrawDetection(pred.Box, conf, fmt.Sprintf(labelText, conf))
		logs = append(logs, fmt.Sprintf(logTargetLocked, conf))
		detections = append(detections, iface.Detection{
			BBox:       pred.Box,
			Confidence: Round(conf, 2),
			Label:      iface.HumanLabel,
		})
	}
	if len(detections) == 0 {
		logs = append(logs, LogAreaClear)
	}

	elapsed := max(p.now().Sub(start), minElapsed)
	result := &iface.DetectionResult{
		AnnotatedImage: canvas.Image(),
		Logs:           logs,
		Count:          len(detections),
		ThreatLevel:    ThreatLevelFor(len(detections)),
		FPS:            Round(1/elapsed.Seconds(), 2),
		Detections:     detections,
	}
	logger.Log().Debug("detection finished",
		zap.Int("raw", len(preds)),
		zap.Int("people", result.Count),
		zap.String("threat", string(result.ThreatLevel)),
		zap.Duration("elapsed", elapsed))
	return result, nil
}

// ThreatLevelFor classifies a people count: none is LOW, one or two MEDIUM,
// three or more HIGH.
func ThreatLevelFor(count int) iface.ThreatLevel {
	switch {
	case count >= 3:
		return iface.ThreatHigh
	case count > 0:
		return iface.ThreatMedium
	default:
		return iface.ThreatLow
	}
}

func Round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
