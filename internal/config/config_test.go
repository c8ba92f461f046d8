package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-voiceloop/pkg/audioio"
	"github.com/teslashibe/go-voiceloop/pkg/backend"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		v, ok := vars[name]
		return v, ok
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "voiceloop.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 1500*time.Millisecond, cfg.Session.VAD.CalibrationWindow)
	assert.Equal(t, 20*time.Millisecond, cfg.Session.VAD.SampleInterval)
	assert.Equal(t, 2.2, cfg.Session.VAD.ThresholdMultiplier)
	assert.Equal(t, 700*time.Millisecond, cfg.Session.VAD.Hangover)
	assert.Equal(t, 3*time.Second, cfg.Session.RecoveryDelay)
	assert.Equal(t, 16000, cfg.Microphone.SampleRate)
	assert.Equal(t, ":8080", cfg.Web.Addr)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
microphone:
  backend: mock
backend:
  kind: http
  base_url: http://voice.local:9000
  synthesis:
    voice: nova
    speed: 1.25
session:
  recovery_delay: 5s
  vad:
    hangover: 900ms
    threshold_multiplier: 3
web:
  addr: ":9090"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, audioio.BackendMock, cfg.Microphone.Backend)
	assert.Equal(t, 16000, cfg.Microphone.SampleRate, "defaults survive partial files")
	assert.Equal(t, "http://voice.local:9000", cfg.Backend.BaseURL)
	assert.Equal(t, "nova", cfg.Backend.Synthesis.Voice)
	assert.Equal(t, 1.25, cfg.Backend.Synthesis.Speed)
	assert.Equal(t, 5*time.Second, cfg.Session.RecoveryDelay)
	assert.Equal(t, 900*time.Millisecond, cfg.Session.VAD.Hangover)
	assert.Equal(t, 3.0, cfg.Session.VAD.ThresholdMultiplier)
	assert.Equal(t, 1500*time.Millisecond, cfg.Session.VAD.CalibrationWindow)
	assert.Equal(t, ":9090", cfg.Web.Addr)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "backend: [unterminated"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "backend:\n  kind: carrier-pigeon\n"))
	assert.ErrorContains(t, err, "unknown backend kind")

	_, err = Load(writeConfig(t, "backend:\n  kind: http\n"))
	assert.ErrorContains(t, err, "base_url")

	_, err = Load(writeConfig(t, "backend:\n  kind: mock\nsession:\n  vad:\n    sample_interval: 0s\n"))
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(env(map[string]string{
		"VOICELOOP_BACKEND":              "openai",
		"OPENAI_API_KEY":                 "sk-test",
		"VOICELOOP_AUDIO_BACKEND":        "mock",
		"VOICELOOP_HANGOVER":             "1s",
		"VOICELOOP_RECOVERY_DELAY":       "500ms",
		"VOICELOOP_THRESHOLD_MULTIPLIER": "2.5",
		"VOICELOOP_LANGUAGE":             "he",
		"VOICELOOP_ADDR":                 ":7000",
	}))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, backend.KindOpenAI, cfg.Backend.Kind)
	assert.Equal(t, "sk-test", cfg.Backend.APIKey)
	assert.Equal(t, audioio.BackendMock, cfg.Microphone.Backend)
	assert.Equal(t, audioio.BackendMock, cfg.Speaker.Backend)
	assert.Equal(t, time.Second, cfg.Session.VAD.Hangover)
	assert.Equal(t, 500*time.Millisecond, cfg.Session.RecoveryDelay)
	assert.Equal(t, 2.5, cfg.Session.VAD.ThresholdMultiplier)
	assert.Equal(t, "he", cfg.Session.Turn.Language)
	assert.Equal(t, ":7000", cfg.Web.Addr)
}

func TestApplyEnv_ExplicitKeyWins(t *testing.T) {
	cfg := Default()
	cfg.Backend.Kind = backend.KindOpenAI
	cfg.Backend.APIKey = "from-file"
	require.NoError(t, cfg.applyEnv(env(map[string]string{"OPENAI_API_KEY": "from-env"})))
	assert.Equal(t, "from-file", cfg.Backend.APIKey)
}

func TestApplyEnv_Invalid(t *testing.T) {
	assert.Error(t, Default().applyEnv(env(map[string]string{"VOICELOOP_HANGOVER": "soon"})))
	assert.Error(t, Default().applyEnv(env(map[string]string{"VOICELOOP_THRESHOLD_MULTIPLIER": "lots"})))
}

func TestBackendOptions(t *testing.T) {
	cfg := Default()
	cfg.Backend.BaseURL = "http://voice.local"
	cfg.Backend.APIKey = "key"
	cfg.Backend.Synthesis.Voice = "alloy"
	cfg.Backend.Timeout = 30 * time.Second

	bc := backend.DefaultConfig()
	bc.Apply(cfg.BackendOptions()...)

	assert.Equal(t, "http://voice.local", bc.BaseURL)
	assert.Equal(t, "key", bc.APIKey)
	assert.Equal(t, "alloy", bc.Synthesis.Voice)
	assert.Equal(t, backend.DefaultTranscribePath, bc.TranscribePath)
	assert.Equal(t, "whisper-1", bc.TranscriptionModel)
	require.NotNil(t, bc.HTTPClient)
	assert.Equal(t, 30*time.Second, bc.HTTPClient.Timeout)
}
