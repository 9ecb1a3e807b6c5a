// ElevenLabs HTTP TTS Provider
//
// Streams raw PCM from the /stream endpoint, forwarding body bytes as they
// arrive.
//
// Reference: https://elevenlabs.io/docs/api-reference/text-to-speech/stream

package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
)

const (
	elevenLabsHTTPEndpoint        = "https://api.elevenlabs.io/v1/text-to-speech"
	elevenLabsHTTPLatencyOptimize = 3
	streamReadSize                = 4096
)

// ElevenLabsHTTPConfig configures the HTTP streaming backend.
type ElevenLabsHTTPConfig struct {
	APIKey              string  // Required
	VoiceID             string  // Required: default voice
	Model               string  // Optional: default eleven_flash_v2_5
	Speed               float64 // Optional: 0.7-1.2, default 1.0
	LatencyOptimization int     // Optional: 0-4, default 3
	Stability           float64 // Optional: 0-1, default 0.5
	SimilarityBoost     float64 // Optional: 0-1, default 0.75
	// Endpoint overrides the API base URL.
	Endpoint string
	Client   *http.Client
}

// ElevenLabsHTTPProvider synthesizes with one streaming POST per phrase.
type ElevenLabsHTTPProvider struct {
	cfg ElevenLabsHTTPConfig
}

// NewElevenLabsHTTPProvider validates cfg and fills defaults.
func NewElevenLabsHTTPProvider(cfg ElevenLabsHTTPConfig) (*ElevenLabsHTTPProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("elevenlabs: api key is required")
	}
	if cfg.VoiceID == "" {
		return nil, fmt.Errorf("elevenlabs: voice id is required")
	}
	if cfg.Model == "" {
		cfg.Model = elevenLabsDefaultModel
	}
	if cfg.Speed == 0 {
		cfg.Speed = 1.0
	}
	if cfg.LatencyOptimization == 0 {
		cfg.LatencyOptimization = elevenLabsHTTPLatencyOptimize
	}
	if cfg.Stability == 0 {
		cfg.Stability = 0.5
	}
	if cfg.SimilarityBoost == 0 {
		cfg.SimilarityBoost = 0.75
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = elevenLabsHTTPEndpoint
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	return &ElevenLabsHTTPProvider{cfg: cfg}, nil
}

func (p *ElevenLabsHTTPProvider) Name() string {
	return "elevenlabs-http"
}

func (p *ElevenLabsHTTPProvider) StreamSynthesize(ctx context.Context, req *SynthesizeRequest) (<-chan []byte, <-chan error) {
	return streamSynthesize(ctx, func(ctx context.Context, audio chan<- []byte) error {
		return p.stream(ctx, req, audio)
	})
}

func (p *ElevenLabsHTTPProvider) stream(ctx context.Context, req *SynthesizeRequest, audio chan<- []byte) error {
	format, err := elevenLabsOutputFormat(req.SampleRate)
	if err != nil {
		return err
	}
	voiceID := req.Voice
	if voiceID == "" {
		voiceID = p.cfg.VoiceID
	}

	params := url.Values{}
	params.Set("output_format", format)
	params.Set("optimize_streaming_latency", strconv.Itoa(p.cfg.LatencyOptimization))
	requestURL := fmt.Sprintf("%s/%s/stream?%s", p.cfg.Endpoint, url.PathEscape(voiceID), params.Encode())

	body, err := json.Marshal(elevenLabsHTTPRequestBody{
		Text:         req.Text,
		ModelID:      p.cfg.Model,
		LanguageCode: languageCode(req.Language),
		VoiceSettings: &elevenLabsVoiceSettings{
			Stability:       p.cfg.Stability,
			SimilarityBoost: p.cfg.SimilarityBoost,
			Speed:           p.cfg.Speed,
		},
	})
	if err != nil {
		return fmt.Errorf("elevenlabs: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("elevenlabs: build request: %w", err)
	}
	httpReq.Header.Set("xi-api-key", p.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.cfg.Client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("elevenlabs: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("elevenlabs: status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return copyStream(ctx, resp.Body, audio)
}

// copyStream forwards r to audio in reads of at most streamReadSize bytes.
func copyStream(ctx context.Context, r io.Reader, audio chan<- []byte) error {
	buf := make([]byte, streamReadSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if err := send(ctx, audio, chunk); err != nil {
				return err
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read audio: %w", err)
		}
	}
}

type elevenLabsHTTPRequestBody struct {
	Text          string                   `json:"text"`
	ModelID       string                   `json:"model_id,omitempty"`
	LanguageCode  string                   `json:"language_code,omitempty"`
	VoiceSettings *elevenLabsVoiceSettings `json:"voice_settings,omitempty"`
}

var _ Provider = (*ElevenLabsHTTPProvider)(nil)
