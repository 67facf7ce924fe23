package gateway

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/voxgate/voxgate/internal/config"
)

func TestMergeParams(t *testing.T) {
	tests := []struct {
		name     string
		body     map[string]any
		model    config.ModelConfig
		expected map[string]any
	}{
		{
			name: "injected values win over caller values",
			body: map[string]any{"text": "hi", "model": "other", "speed": 3.0},
			model: config.ModelConfig{
				ID:     "kokoro-v1.0",
				Speed:  1.1,
				Format: "mp3",
			},
			expected: map[string]any{
				"text":            "hi",
				"model":           "kokoro-v1.0",
				"speed":           1.1,
				"lang_code":       "a",
				"response_format": "mp3",
			},
		},
		{
			name: "configured language overrides detection",
			body: map[string]any{"text": "こんにちは"},
			model: config.ModelConfig{
				ID:       "kokoro-v1.0",
				LangCode: "en-GB",
			},
			expected: map[string]any{
				"text":      "こんにちは",
				"model":     "kokoro-v1.0",
				"lang_code": "b",
			},
		},
		{
			name:  "zero-valued parameters are not injected",
			body:  map[string]any{"text": "hi"},
			model: config.ModelConfig{ID: "m"},
			expected: map[string]any{
				"text":      "hi",
				"model":     "m",
				"lang_code": "a",
			},
		},
		{
			name: "sampling parameters pass through",
			body: map[string]any{"text": "hi"},
			model: config.ModelConfig{
				ID:          "m",
				Temperature: 0.7,
				TopP:        0.9,
			},
			expected: map[string]any{
				"text":        "hi",
				"model":       "m",
				"lang_code":   "a",
				"temperature": 0.7,
				"top_p":       0.9,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mergeParams(tt.body, tt.model)
			assert.Equal(t, tt.expected, tt.body)
		})
	}
}

func TestDetectLangCode(t *testing.T) {
	tests := []struct {
		text     string
		expected string
	}{
		{"hello world", "a"},
		{"こんにちは", "j"},
		{"カタカナ", "j"},
		{"你好", "z"},
		{"नमस्ते", "h"},
		{"mixed English まで", "j"},
		{"", "a"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, detectLangCode(tt.text), "text %q", tt.text)
	}
}

func TestStripUnknownVoicesKeepsKnownCombination(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	known := map[string]struct{}{"af_sky": {}, "af_bella": {}}

	body := map[string]any{"voice": "af_sky+af_bella"}
	stripUnknownVoices(body, known, log)
	assert.Equal(t, "af_sky+af_bella", body["voice"])

	body = map[string]any{"voice": "af_sky+xx_fake"}
	stripUnknownVoices(body, known, log)
	assert.Equal(t, "af_sky", body["voice"])

	// No inventory known: leave the caller's choice alone.
	body = map[string]any{"voice": "anything"}
	stripUnknownVoices(body, nil, log)
	assert.Equal(t, "anything", body["voice"])
}
