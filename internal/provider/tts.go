package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"companion/internal/metrics"
)

// TTSConfig configures the text-to-speech provider.
type TTSConfig struct {
	Provider string // "openai" | "elevenlabs"
	APIBase  string
	APIKey   string
	Model    string  // e.g. "tts-1" (OpenAI)
	Voice    string  // e.g. "alloy", "nova" (OpenAI) or a voice ID (ElevenLabs)
	Speed    float64 // playback speed multiplier, OpenAI only
	Logger   *slog.Logger
}

// TTSProvider synthesizes spoken audio from response text.
type TTSProvider struct {
	provider string
	apiBase  string
	apiKey   string
	model    string
	voice    string
	speed    float64
	client   *http.Client
	logger   *slog.Logger
}

func NewTTSProvider(cfg TTSConfig) *TTSProvider {
	if cfg.Provider == "" {
		cfg.Provider = "openai"
	}
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "tts-1"
	}
	if cfg.Voice == "" {
		cfg.Voice = "alloy"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &TTSProvider{
		provider: cfg.Provider,
		apiBase:  cfg.APIBase,
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		voice:    cfg.Voice,
		speed:    cfg.Speed,
		client:   &http.Client{Timeout: 60 * time.Second},
		logger:   cfg.Logger,
	}
}

// Synthesize converts text to speech audio (MP3). The caller owns the returned
// reader.
func (t *TTSProvider) Synthesize(ctx context.Context, text string) (io.ReadCloser, error) {
	metrics.SpeechRequestsTotal.Inc()
	switch t.provider {
	case "openai":
		return t.synthesizeOpenAI(ctx, text)
	case "elevenlabs":
		return t.synthesizeElevenLabs(ctx, text)
	default:
		return nil, fmt.Errorf("unsupported TTS provider: %s", t.provider)
	}
}

func (t *TTSProvider) synthesizeOpenAI(ctx context.Context, text string) (io.ReadCloser, error) {
	payload := map[string]any{
		"model": t.model,
		"input": text,
		"voice": t.voice,
	}
	if t.speed > 0 {
		payload["speed"] = t.speed
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	url := t.apiBase + "/audio/speech"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+t.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("TTS API request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("TTS API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	return resp.Body, nil
}

func (t *TTSProvider) synthesizeElevenLabs(ctx context.Context, text string) (io.ReadCloser, error) {
	voiceID := t.voice
	if voiceID == "" {
		voiceID = "21m00Tcm4TlvDq8ikWAM" // default ElevenLabs voice
	}

	body, err := json.Marshal(map[string]any{
		"text":     text,
		"model_id": "eleven_monolingual_v1",
	})
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	url := fmt.Sprintf("https://api.elevenlabs.io/v1/text-to-speech/%s", voiceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("xi-api-key", t.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ElevenLabs API request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("ElevenLabs API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	return resp.Body, nil
}
