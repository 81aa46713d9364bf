package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultHTTPPort, cfg.HTTPPort)
	assert.Equal(t, int64(16<<20), cfg.MaxUploadBytes())
	assert.Equal(t, "opencv", cfg.Engine.Backend)
	assert.InDelta(t, 0.3, cfg.Engine.Conf, 1e-6)
	assert.Equal(t, "#00fff7", cfg.Render.Color)
	assert.Equal(t, 30*time.Second, cfg.WSIdleTimeout)
}

func TestLoadFile(t *testing.T) {
	p := writeConfig(t, `
httpPort: 5000
RPCPort: 50051
wsIdleTimeout: 5s
engine:
  backend: onnx
  modelPath: models/people.onnx
  names: [human]
  workers: 1
render:
  lineWidthMode: confidence
`)
	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, 5000, cfg.HTTPPort)
	assert.Equal(t, 50051, cfg.RPCPort)
	assert.Equal(t, 5*time.Second, cfg.WSIdleTimeout)
	assert.Equal(t, "onnx", cfg.Engine.Backend)
	assert.Equal(t, []string{"human"}, cfg.Engine.Names)
	// untouched keys keep their defaults
	assert.InDelta(t, 0.45, cfg.Engine.Iou, 1e-6)
	assert.Equal(t, "confidence", cfg.Render.LineMode)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "8081")
	t.Setenv("MODEL_PATH", "/models/best.onnx")
	t.Setenv("INFERENCE_BACKEND", "remote")
	t.Setenv("WORKERS", "1")
	cfg, err := Load(writeConfig(t, "httpPort: 5000\n"))
	require.NoError(t, err)
	assert.Equal(t, 8081, cfg.HTTPPort)
	assert.Equal(t, "/models/best.onnx", cfg.Engine.ModelPath)
	assert.Equal(t, "remote", cfg.Engine.Backend)

	t.Setenv("PORT", "http")
	_, err = Load(writeConfig(t, ""))
	assert.Error(t, err)
}

func TestLoadInvalid(t *testing.T) {
	for name, body := range map[string]string{
		"yaml":       "httpPort: [",
		"port":       "httpPort: 70000",
		"confidence": "engine:\n  confidence: 1.5",
		"line mode":  "render:\n  lineWidthMode: dotted",
		"registry":   "UseRegServer: true",
		"backend":    "engine:\n  backend: tflite",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestBackendNormalized(t *testing.T) {
	cfg, err := Load(writeConfig(t, "engine:\n  backend: \" ONNX \"\n"))
	require.NoError(t, err)
	assert.Equal(t, "onnx", cfg.Engine.Backend)
}

func TestWorkersWarning(t *testing.T) {
	cfg, err := Load(writeConfig(t, "engine:\n  workers: 0\n"))
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Engine.Workers)
	assert.NotEmpty(t, cfg.Warnings)
}
