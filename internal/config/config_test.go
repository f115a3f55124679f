package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dstream/internal/types"
)

func TestDefaultsAreValid(t *testing.T) {
	require.NoError(t, DefaultServer().Validate())
	require.NoError(t, DefaultClient().Validate())
}

func TestServerValidateCollectsProblems(t *testing.T) {
	cfg := DefaultServer()
	cfg.Encoding = "png"
	cfg.Quality = 0
	cfg.Preprocess = "blur,sharpen"
	cfg.Backend = "worker"

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalid))
	assert.Contains(t, err.Error(), `unknown encoding "png"`)
	assert.Contains(t, err.Error(), "quality 0")
	assert.Contains(t, err.Error(), `unknown preprocessing filter "sharpen"`)
	assert.Contains(t, err.Error(), "worker_command")
}

func TestClientValidate(t *testing.T) {
	cfg := DefaultClient()
	cfg.Timeout = 0
	cfg.Device = "scanner"
	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "timeout")
	assert.Contains(t, err.Error(), `unknown device "scanner"`)

	cfg = DefaultClient()
	cfg.Prompt = ""
	cfg.PromptFile = "prompt.txt"
	require.NoError(t, cfg.Validate())
}

func TestLoadOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.yaml")
	body := "url: ws://pi.local:9000/ws\nencoding: raw\ntimeout: 750ms\ncrop_size: 480\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg := DefaultClient()
	require.NoError(t, Load(path, &cfg))
	assert.Equal(t, "ws://pi.local:9000/ws", cfg.URL)
	assert.Equal(t, types.EncodingRaw, cfg.Encoding)
	assert.Equal(t, 750*time.Millisecond, cfg.Timeout)
	assert.Equal(t, 480, cfg.CropSize)
	assert.Equal(t, DefaultInputSize, cfg.InputSize)
	require.NoError(t, cfg.Validate())
}

func TestLoadErrors(t *testing.T) {
	cfg := DefaultServer()
	require.NoError(t, Load("", &cfg))
	require.Error(t, Load(filepath.Join(t.TempDir(), "missing.yaml"), &cfg))

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: [1, 2"), 0o644))
	require.Error(t, Load(path, &cfg))
}
