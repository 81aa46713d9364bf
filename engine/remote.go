package engine

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"strconv"
	"time"

	"PeopleDetServer/engine/yolo"
	iface "PeopleDetServer/interface"

	"github.com/disintegration/imaging"
	"github.com/go-resty/resty/v2"
)

const RemoteTimeoutSeconds = 30

type remotePrediction struct {
	ClassID    int       `json:"class_id"`
	ClassName  string    `json:"class_name"`
	Confidence float32   `json:"confidence"`
	Box        []float32 `json:"box"`
}

type remoteResponse struct {
	Predictions []remotePrediction `json:"predictions"`
}

// RemoteBackend delegates inference to an HTTP model server. The frame is
// sent as PNG in the multipart field "image" together with the threshold
// in "conf".
type RemoteBackend struct {
	client *resty.Client
	cfg    iface.EngineConfig
	names  []string
}

func NewRemoteBackend(cfg iface.EngineConfig) (*RemoteBackend, error) {
	names, err := resolveNames(cfg, nil)
	if err != nil {
		return nil, err
	}
	cfg.Names = names
	client := resty.New().SetTimeout(RemoteTimeoutSeconds * time.Second)
	return &RemoteBackend{client: client, cfg: cfg, names: names}, nil
}

func (r *RemoteBackend) CheckConfig() iface.EngineConfig {
	return r.cfg
}

func (r *RemoteBackend) Predict(ctx context.Context, img image.Image, conf float32) ([]iface.RawPrediction, error) {
	if img == nil {
		return nil, fmt.Errorf("%w: empty image", iface.ErrInference)
	}
	size := r.cfg.InputSize
	b := img.Bounds()
	frame := imaging.Resize(img, size, size, imaging.Linear)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, frame, imaging.PNG); err != nil {
		return nil, fmt.Errorf("%w: encode frame: %w", iface.ErrInference, err)
	}

	var body remoteResponse
	resp, err := r.client.R().
		SetContext(ctx).
		SetFileReader("image", "frame.png", &buf).
		SetFormData(map[string]string{"conf": strconv.FormatFloat(float64(conf), 'f', -1, 32)}).
		SetResult(&body).
		Post(r.cfg.RemoteURL)
	if err != nil {
		return nil, fmt.Errorf("%w: request: %w", iface.ErrInference, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: inference server returned %s: %s", iface.ErrInference, resp.Status(), resp.String())
	}

	out := make([]iface.RawPrediction, 0, len(body.Predictions))
	for _, p := range body.Predictions {
		if len(p.Box) != 4 || p.Confidence < conf {
			continue
		}
		box := yolo.ScaleBox(p.Box[0], p.Box[1], p.Box[2], p.Box[3], size, size, b.Dx(), b.Dy())
		name := p.ClassName
		if name == "" {
			name = yolo.ClassName(r.names, p.ClassID)
		}
		out = append(out, iface.RawPrediction{
			ClassID:    p.ClassID,
			ClassName:  name,
			Label:      iface.ParseLabel(name),
			Confidence: yolo.ClampConfidence(p.Confidence),
			Box:        box,
		})
	}
	return out, nil
}

func (r *RemoteBackend) Close() error {
	return nil
}
