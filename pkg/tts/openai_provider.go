package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/realtime-ai/callflow/pkg/audio"
)

const (
	openAITTSBaseURL       = "https://api.openai.com/v1"
	openAIDefaultModel     = "gpt-4o-mini-tts"
	openAIDefaultVoice     = "alloy"
	openAINativeSampleRate = 24000 // response_format=pcm is always 24 kHz
)

// OpenAIConfig configures the OpenAI speech backend.
type OpenAIConfig struct {
	APIKey  string // Required
	BaseURL string // Optional: default https://api.openai.com/v1
	Model   string // Optional: default gpt-4o-mini-tts
	Voice   string // Optional: default alloy
	Speed   float64
	Client  *http.Client
}

// OpenAIProvider synthesizes with /audio/speech and resamples the 24 kHz
// PCM response to the requested rate while the body streams in.
type OpenAIProvider struct {
	cfg OpenAIConfig
}

type openAISpeechRequest struct {
	Model          string  `json:"model"`
	Input          string  `json:"input"`
	Voice          string  `json:"voice"`
	ResponseFormat string  `json:"response_format"`
	Speed          float64 `json:"speed,omitempty"`
}

// NewOpenAIProvider validates cfg and fills defaults.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = openAITTSBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = openAIDefaultModel
	}
	if cfg.Voice == "" {
		cfg.Voice = openAIDefaultVoice
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	return &OpenAIProvider{cfg: cfg}, nil
}

func (p *OpenAIProvider) Name() string {
	return "openai-tts"
}

func (p *OpenAIProvider) StreamSynthesize(ctx context.Context, req *SynthesizeRequest) (<-chan []byte, <-chan error) {
	return streamSynthesize(ctx, func(ctx context.Context, out chan<- []byte) error {
		return p.stream(ctx, req, out)
	})
}

func (p *OpenAIProvider) stream(ctx context.Context, req *SynthesizeRequest, out chan<- []byte) error {
	resampler, err := audio.NewResampler(openAINativeSampleRate, req.SampleRate)
	if err != nil {
		return fmt.Errorf("openai: %w", err)
	}

	voice := req.Voice
	if voice == "" {
		voice = p.cfg.Voice
	}
	body, err := json.Marshal(openAISpeechRequest{
		Model:          p.cfg.Model,
		Input:          req.Text,
		Voice:          voice,
		ResponseFormat: "pcm",
		Speed:          p.cfg.Speed,
	})
	if err != nil {
		return fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/audio/speech", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("openai: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.cfg.Client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("openai: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("openai: status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	// Reads can split a sample; carry the odd byte to the next read.
	var carry []byte
	buf := make([]byte, streamReadSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			chunk := append(carry, buf[:n]...)
			even := len(chunk) - len(chunk)%audio.BytesPerSample
			carry = append([]byte(nil), chunk[even:]...)
			if even > 0 {
				pcm, err := resampler.Resample(chunk[:even])
				if err != nil {
					return fmt.Errorf("openai: %w", err)
				}
				if len(pcm) > 0 {
					if err := send(ctx, out, pcm); err != nil {
						return err
					}
				}
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("openai: read audio: %w", rerr)
		}
	}
}

var _ Provider = (*OpenAIProvider)(nil)
