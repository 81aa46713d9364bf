package detect

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"
	"time"

	iface "PeopleDetServer/interface"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type MockBackend struct {
	preds   []iface.RawPrediction
	err     error
	calls   int
	gotConf float32
	gotSize image.Point
	gotImg  image.Image
}

func (m *MockBackend) Predict(ctx context.Context, img image.Image, conf float32) ([]iface.RawPrediction, error) {
	m.calls++
	m.gotConf = conf
	m.gotSize = img.Bounds().Size()
	m.gotImg = img
	return m.preds, m.err
}

func (m *MockBackend) CheckConfig() iface.EngineConfig { return iface.EngineConfig{Backend: "mock"} }
func (m *MockBackend) Close() error                    { return nil }

func person(conf float32, box [4]int) iface.RawPrediction {
	return iface.RawPrediction{ClassID: 0, ClassName: "person", Label: iface.LabelPerson, Confidence: conf, Box: box}
}

func other(conf float32, box [4]int) iface.RawPrediction {
	return iface.RawPrediction{ClassID: 2, ClassName: "car", Label: iface.LabelOther, Confidence: conf, Box: box}
}

func frame(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 0x20
	}
	return img
}

func TestProcessAreaClear(t *testing.T) {
	backend := &MockBackend{}
	p := NewProcessor(backend, DefaultOptions())

	res, err := p.Process(context.Background(), frame(640, 640))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Count)
	assert.Equal(t, iface.ThreatLow, res.ThreatLevel)
	assert.Equal(t, []string{LogAreaClear}, res.Logs)
	assert.Empty(t, res.Detections)
	assert.NotNil(t, res.AnnotatedImage)
	assert.InDelta(t, DefaultConfidence, backend.gotConf, 1e-6)
}

func TestProcessSinglePerson(t *testing.T) {
	backend := &MockBackend{preds: []iface.RawPrediction{person(0.55, [4]int{10, 20, 100, 200})}}
	p := NewProcessor(backend, DefaultOptions())

	res, err := p.Process(context.Background(), frame(640, 640))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count)
	assert.Equal(t, iface.ThreatMedium, res.ThreatLevel)
	assert.Equal(t, []string{"TARGET LOCKED | CONF=0.55"}, res.Logs)
	assert.Equal(t, []iface.Detection{{BBox: [4]int{10, 20, 100, 200}, Confidence: 0.55, Label: "HUMAN"}}, res.Detections)

	annotated, ok := res.AnnotatedImage.(*image.NRGBA)
	require.True(t, ok)
	assert.Equal(t, color.NRGBA{R: 0x00, G: 0xff, B: 0xf7, A: 0xff}, annotated.NRGBAAt(10, 20))
}

func TestProcessFiltersAndOrders(t *testing.T) {
	backend := &MockBackend{preds: []iface.RawPrediction{
		person(0.91, [4]int{0, 0, 10, 10}),
		other(0.99, [4]int{5, 5, 50, 50}),
		person(0.456, [4]int{20, 20, 40, 40}),
		person(0.3, [4]int{30, 30, 60, 60}),
		person(0.7749, [4]int{100, 100, 200, 300}),
	}}
	p := NewProcessor(backend, DefaultOptions())

	res, err := p.Process(context.Background(), frame(640, 640))
	require.NoError(t, err)
	assert.Equal(t, 4, res.Count)
	assert.Len(t, res.Detections, res.Count)
	assert.Equal(t, iface.ThreatHigh, res.ThreatLevel)
	assert.Equal(t, []string{
		"TARGET LOCKED | CONF=0.91",
		"TARGET LOCKED | CONF=0.46",
		"TARGET LOCKED | CONF=0.30",
		"TARGET LOCKED | CONF=0.77",
	}, res.Logs)
	for i, want := range []float64{0.91, 0.46, 0.3, 0.77} {
		assert.InDelta(t, want, res.Detections[i].Confidence, 1e-9)
		assert.Equal(t, iface.HumanLabel, res.Detections[i].Label)
	}
	assert.NotContains(t, res.Logs, LogAreaClear)
}

func TestProcessResizesFrame(t *testing.T) {
	backend := &MockBackend{}
	p := NewProcessor(backend, DefaultOptions())

	res, err := p.Process(context.Background(), frame(1920, 1080))
	require.NoError(t, err)
	assert.Equal(t, image.Pt(640, 640), backend.gotSize)
	assert.Equal(t, image.Pt(640, 640), res.AnnotatedImage.Bounds().Size())
}

func TestProcessFlattensAlpha(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 64, 64))
	for i := 0; i < len(src.Pix); i += 4 {
		copy(src.Pix[i:i+4], []byte{200, 10, 10, 0})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, src))
	img, err := DecodeBytes(buf.Bytes())
	require.NoError(t, err)

	backend := &MockBackend{}
	p := NewProcessor(backend, DefaultOptions())
	res, err := p.Process(context.Background(), img)
	require.NoError(t, err)

	for _, frame := range []image.Image{backend.gotImg, res.AnnotatedImage} {
		c := color.NRGBAModel.Convert(frame.At(5, 5)).(color.NRGBA)
		assert.Equal(t, uint8(0xff), c.A)
		assert.InDelta(t, 200, int(c.R), 2)
		assert.InDelta(t, 10, int(c.G), 2)
		assert.InDelta(t, 10, int(c.B), 2)
	}
}

func TestProcessNilImage(t *testing.T) {
	backend := &MockBackend{}
	p := NewProcessor(backend, DefaultOptions())

	res, err := p.Process(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, backend.calls)
	assert.Equal(t, 0, res.Count)
	assert.Equal(t, iface.ThreatLow, res.ThreatLevel)
	assert.Empty(t, res.Logs)
	assert.Empty(t, res.Detections)
}

func TestProcessBackendError(t *testing.T) {
	backend := &MockBackend{err: fmt.Errorf("%w: session crashed", iface.ErrInference)}
	p := NewProcessor(backend, DefaultOptions())

	_, err := p.Process(context.Background(), frame(64, 64))
	assert.ErrorIs(t, err, iface.ErrInference)
}

func TestProcessFPS(t *testing.T) {
	p := NewProcessor(&MockBackend{}, DefaultOptions())
	base := time.Unix(0, 0)

	t.Run("fast call is capped", func(t *testing.T) {
		p.now = func() time.Time { return base }
		res, err := p.Process(context.Background(), frame(8, 8))
		require.NoError(t, err)
		assert.InDelta(t, 1000, res.FPS, 1e-9)
	})

	t.Run("slow call", func(t *testing.T) {
		calls := 0
		p.now = func() time.Time {
			calls++
			if calls == 1 {
				return base
			}
			return base.Add(300 * time.Millisecond)
		}
		res, err := p.Process(context.Background(), frame(8, 8))
		require.NoError(t, err)
		assert.InDelta(t, 3.33, res.FPS, 1e-9)
	})
}

func TestProcessIdempotent(t *testing.T) {
	backend := &MockBackend{preds: []iface.RawPrediction{person(0.8, [4]int{1, 1, 30, 30}), person(0.6, [4]int{40, 40, 90, 90})}}
	p := NewProcessor(backend, DefaultOptions())
	img := frame(320, 240)

	a, err := p.Process(context.Background(), img)
	require.NoError(t, err)
	b, err := p.Process(context.Background(), img)
	require.NoError(t, err)
	assert.Equal(t, a.Count, b.Count)
	assert.Equal(t, a.ThreatLevel, b.ThreatLevel)
	assert.Equal(t, a.Detections, b.Detections)
	assert.Equal(t, a.Logs, b.Logs)
}

func TestThreatLevelFor(t *testing.T) {
	assert.Equal(t, iface.ThreatLow, ThreatLevelFor(0))
	assert.Equal(t, iface.ThreatMedium, ThreatLevelFor(1))
	assert.Equal(t, iface.ThreatMedium, ThreatLevelFor(2))
	for n := 3; n < 50; n++ {
		assert.Equal(t, iface.ThreatHigh, ThreatLevelFor(n))
	}
}

func TestRound(t *testing.T) {
	assert.InDelta(t, 0.55, Round(float64(float32(0.55)), 2), 1e-12)
	assert.InDelta(t, 0.12, Round(0.1249, 2), 1e-12)
	assert.InDelta(t, 3.3, Round(3.333, 1), 1e-12)
}

func TestDecode(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, frame(12, 7)))
	img, err := DecodeBytes(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, image.Pt(12, 7), img.Bounds().Size())

	_, err = DecodeBytes([]byte("definitely not an image"))
	assert.ErrorIs(t, err, ErrInvalidImage)
	_, err = DecodeBytes(nil)
	assert.ErrorIs(t, err, ErrInvalidImage)
}

// pngHeader returns a PNG stream whose header declares w x h but carries
// the pixels of a 1x1 frame.
func pngHeader(t *testing.T, w, h uint32) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, 1, 1))))
	b := buf.Bytes()
	// signature (8) + length (4), then "IHDR" and 13 bytes of header data
	binary.BigEndian.PutUint32(b[16:20], w)
	binary.BigEndian.PutUint32(b[20:24], h)
	binary.BigEndian.PutUint32(b[29:33], crc32.ChecksumIEEE(b[12:29]))
	return b
}

func TestDecodeRejectsHugeFrames(t *testing.T) {
	_, err := DecodeBytes(pngHeader(t, 30000, 30000))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidImage)
	assert.Contains(t, err.Error(), "30000x30000")

	_, err = Decode(bytes.NewReader(pngHeader(t, 9460, 9460)))
	assert.ErrorIs(t, err, ErrInvalidImage)
}

func TestBuildResponse(t *testing.T) {
	backend := &MockBackend{preds: []iface.RawPrediction{person(0.55, [4]int{10, 20, 100, 200})}}
	p := NewProcessor(backend, DefaultOptions())
	res, err := p.Process(context.Background(), frame(640, 640))
	require.NoError(t, err)

	resp, err := BuildResponse(res)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, resp.Status)
	assert.Equal(t, 1, resp.PeopleCount)
	assert.Equal(t, iface.ThreatMedium, resp.ThreatLevel)
	assert.Equal(t, res.Detections, resp.Detections)

	const prefix = "data:image/png;base64,"
	require.True(t, strings.HasPrefix(resp.AnnotatedImage, prefix))
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(resp.AnnotatedImage, prefix))
	require.NoError(t, err)
	decoded, err := png.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, image.Pt(640, 640), decoded.Bounds().Size())

	assert.Equal(t, iface.ErrorResponse{Status: "error", Message: "boom"}, ErrorResponse(errors.New("boom").Error()))
}
