// Package render draws detection overlays and encodes annotated frames.
package render

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

type LineWidthMode string

const (
	LineWidthFixed      LineWidthMode = "fixed"
	LineWidthConfidence LineWidthMode = "confidence"
)

const (
	DefaultColor       = "#00fff7"
	DefaultLineWidth   = 3
	DefaultLabelOffset = 15
)

type Options struct {
	Color       color.NRGBA
	Mode        LineWidthMode
	LineWidth   int
	LabelOffset int
}

func DefaultOptions() Options {
	c, _ := ParseHexColor(DefaultColor)
	return Options{
		Color:       c,
		Mode:        LineWidthFixed,
		LineWidth:   DefaultLineWidth,
		LabelOffset: DefaultLabelOffset,
	}
}

// Width returns the outline width for a detection of the given confidence.
func (o Options) Width(confidence float64) int {
	if o.Mode == LineWidthConfidence {
		return int(2 + confidence*4)
	}
	if o.LineWidth <= 0 {
		return DefaultLineWidth
	}
	return o.LineWidth
}

func ParseHexColor(s string) (color.NRGBA, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) != 6 {
		return color.NRGBA{}, fmt.Errorf("invalid color %q", s)
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("invalid color %q: %w", s, err)
	}
	return color.NRGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}, nil
}

// Canvas is a private, mutable copy of a frame.
type Canvas struct {
	img  *image.NRGBA
	opts Options
}

func NewCanvas(src image.Image, opts Options) *Canvas {
	return &Canvas{img: imaging.Clone(src), opts: opts}
}

func (c *Canvas) Image() *image.NRGBA {
	return c.img
}

// DrawDetection outlines box and writes label above its top-left corner.
// The label never leaves the top edge of the frame.
func (c *Canvas) DrawDetection(box [4]int, confidence float64, label string) {
	c.rect(box, c.opts.Width(confidence))
	y := max(box[1]-c.opts.LabelOffset, 0)
	c.text(box[0], y, label)
}

// rect draws an outline growing inwards from the box edges.
func (c *Canvas) rect(box [4]int, width int) {
	x1, y1, x2, y2 := box[0], box[1], box[2], box[3]
	b := c.img.Bounds()
	set := func(x, y int) {
		if x >= b.Min.X && x < b.Max.X && y >= b.Min.Y && y < b.Max.Y {
			c.img.SetNRGBA(x, y, c.opts.Color)
		}
	}
	for t := 0; t < width; t++ {
		if x1+t > x2-t || y1+t > y2-t {
			break
		}
		for x := x1; x <= x2; x++ {
			set(x, y1+t)
			set(x, y2-t)
		}
		for y := y1; y <= y2; y++ {
			set(x1+t, y)
			set(x2-t, y)
		}
	}
}

// text draws s with its top-left corner at (x, y).
func (c *Canvas) text(x, y int, s string) {
	face := basicfont.Face7x13
	d := font.Drawer{
		Dst:  c.img,
		Src:  image.NewUniform(c.opts.Color),
		Face: face,
		Dot:  fixed.P(x, y+face.Ascent),
	}
	d.DrawString(s)
}

func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DataURI(png []byte) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
}
