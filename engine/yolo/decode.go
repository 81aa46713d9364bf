// Package yolo turns raw YOLO output tensors into predictions.
package yolo

import (
	"fmt"
	"math"

	iface "PeopleDetServer/interface"
)

// Candidate is a decoded anchor in model input coordinates, before NMS.
type Candidate struct {
	ClassID    int
	Confidence float32
	X1, Y1     float32
	X2, Y2     float32
}

// Decode reads a YOLOv8 style output of shape [1, 4+nc, N] or [1, N, 4+nc].
// Each anchor is (cx, cy, w, h, score_0 .. score_nc-1). Anchors whose best
// class score is below conf are dropped.
func Decode(data []float32, dims []int, numClasses int, conf float32) ([]Candidate, error) {
	if numClasses <= 0 {
		return nil, fmt.Errorf("invalid class count %d", numClasses)
	}
	if len(dims) == 2 {
		dims = append([]int{1}, dims...)
	}
	if len(dims) != 3 || dims[0] != 1 {
		return nil, fmt.Errorf("unsupported output shape %v", dims)
	}
	channels := 4 + numClasses
	var anchors int
	var transposed bool
	switch {
	case dims[1] == channels:
		anchors = dims[2]
	case dims[2] == channels:
		anchors = dims[1]
		transposed = true
	default:
		return nil, fmt.Errorf("output shape %v does not match %d classes", dims, numClasses)
	}
	if len(data) < channels*anchors {
		return nil, fmt.Errorf("output holds %d values, expected %d", len(data), channels*anchors)
	}

	at := func(c, i int) float32 {
		if transposed {
			return data[i*channels+c]
		}
		return data[c*anchors+i]
	}

	out := make([]Candidate, 0, 64)
	for i := 0; i < anchors; i++ {
		best := -1
		var score float32
		for c := 0; c < numClasses; c++ {
			if s := at(4+c, i); best < 0 || s > score {
				best, score = c, s
			}
		}
		if score < conf {
			continue
		}
		cx, cy, w, h := at(0, i), at(1, i), at(2, i), at(3, i)
		out = append(out, Candidate{
			ClassID:    best,
			Confidence: score,
			X1:         cx - w/2,
			Y1:         cy - h/2,
			X2:         cx + w/2,
			Y2:         cy + h/2,
		})
	}
	return out, nil
}

// NumClasses infers the class count from an output shape, assuming there
// are more anchors than channels.
func NumClasses(dims []int) int {
	if len(dims) < 2 {
		return 0
	}
	a, b := dims[len(dims)-2], dims[len(dims)-1]
	return min(a, b) - 4
}

// ScaleBox maps a box from a model input of inW x inH onto an image of
// imgW x imgH, truncating to integer pixels and clipping to [0, imgW] x
// [0, imgH].
func ScaleBox(x1, y1, x2, y2 float32, inW, inH, imgW, imgH int) [4]int {
	sx := float64(imgW) / float64(inW)
	sy := float64(imgH) / float64(inH)
	return [4]int{
		clamp(int(float64(x1)*sx), 0, imgW),
		clamp(int(float64(y1)*sy), 0, imgH),
		clamp(int(float64(x2)*sx), 0, imgW),
		clamp(int(float64(y2)*sy), 0, imgH),
	}
}

// Scale maps candidates onto the source image and resolves class names.
// Thin boxes are kept, even when they truncate to zero width.
func Scale(cands []Candidate, inW, inH, imgW, imgH int, names []string) []iface.RawPrediction {
	out := make([]iface.RawPrediction, 0, len(cands))
	for _, c := range cands {
		name := ClassName(names, c.ClassID)
		out = append(out, iface.RawPrediction{
			ClassID:    c.ClassID,
			ClassName:  name,
			Label:      iface.ParseLabel(name),
			Confidence: ClampConfidence(c.Confidence),
			Box:        ScaleBox(c.X1, c.Y1, c.X2, c.Y2, inW, inH, imgW, imgH),
		})
	}
	return out
}

func ClampConfidence(c float32) float32 {
	return float32(math.Min(math.Max(float64(c), 0), 1))
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
