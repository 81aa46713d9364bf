package iface

import (
	"context"
	"errors"
	"image"
	"strings"
)

// ErrInference marks failures raised by an inference backend.
var ErrInference = errors.New("inference error")

// ClassLabel is the closed set of classes the service reasons about.
type ClassLabel int

const (
	LabelOther ClassLabel = iota
	LabelPerson
)

func (l ClassLabel) String() string {
	switch l {
	case LabelPerson:
		return "person"
	default:
		return "other"
	}
}

// ParseLabel maps a model class name onto the closed label set.
func ParseLabel(name string) ClassLabel {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "person", "human":
		return LabelPerson
	default:
		return LabelOther
	}
}

// RawPrediction is one unfiltered prediction returned by a backend, in pixel
// coordinates of the image handed to Predict.
type RawPrediction struct {
	ClassID    int
	ClassName  string
	Label      ClassLabel
	Confidence float32
	Box        [4]int
}

type ThreatLevel string

const (
	ThreatLow    ThreatLevel = "LOW"
	ThreatMedium ThreatLevel = "MEDIUM"
	ThreatHigh   ThreatLevel = "HIGH"
)

const HumanLabel = "HUMAN"

type Detection struct {
	BBox       [4]int  `json:"bbox"`
	Confidence float64 `json:"confidence"`
	Label      string  `json:"label"`
}

type DetectionResult struct {
	AnnotatedImage image.Image
	Logs           []string
	Count          int
	ThreatLevel    ThreatLevel
	FPS            float64
	Detections     []Detection
}

// PredictResponse is the JSON payload shared by every serving surface.
type PredictResponse struct {
	Status         string      `json:"status"`
	PeopleCount    int         `json:"people_count"`
	ThreatLevel    ThreatLevel `json:"threat_level"`
	FPS            float64     `json:"fps"`
	Logs           []string    `json:"logs"`
	Detections     []Detection `json:"detections"`
	AnnotatedImage string      `json:"annotated_image"`
}

type ErrorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type EngineConfig struct {
	Backend     string   `yaml:"backend"`
	ModelPath   string   `yaml:"modelPath"`
	Names       []string `yaml:"names"`
	NamesPath   string   `yaml:"namesPath"`
	Conf        float32  `yaml:"confidence"`
	Iou         float32  `yaml:"iou"`
	InputSize   int      `yaml:"inputSize"`
	UseGPU      bool     `yaml:"useGPU"`
	Workers     int      `yaml:"workers"`
	OnnxLibPath string   `yaml:"onnxLibPath"`
	RemoteURL   string   `yaml:"remoteURL"`
}

// Backend runs the external detector on a single image.
type Backend interface {
	Predict(ctx context.Context, img image.Image, conf float32) ([]RawPrediction, error)
	CheckConfig() EngineConfig
	Close() error
}
