// ElevenLabs WebSocket TTS Provider
//
// Streams one phrase per connection through the stream-input endpoint and
// returns raw PCM at the requested rate.
//
// Reference: https://elevenlabs.io/docs/api-reference/text-to-speech/v-1-text-to-speech-voice-id-stream-input

package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	elevenLabsWSEndpoint     = "wss://api.elevenlabs.io/v1/text-to-speech"
	elevenLabsDefaultModel   = "eleven_flash_v2_5"
	elevenLabsConnectTimeout = 5 * time.Second
)

// ElevenLabsWSConfig configures the websocket backend.
type ElevenLabsWSConfig struct {
	APIKey  string  // Required
	VoiceID string  // Required: default voice
	Model   string  // Optional: default eleven_flash_v2_5
	Speed   float64 // Optional: 0.7-1.2, default 1.0
	// Endpoint overrides the websocket base URL.
	Endpoint string
}

// ElevenLabsWSProvider synthesizes over the stream-input websocket.
type ElevenLabsWSProvider struct {
	apiKey   string
	voiceID  string
	model    string
	speed    float64
	endpoint string
}

// NewElevenLabsWSProvider validates cfg and returns a provider.
func NewElevenLabsWSProvider(cfg ElevenLabsWSConfig) (*ElevenLabsWSProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("elevenlabs: api key is required")
	}
	if cfg.VoiceID == "" {
		return nil, fmt.Errorf("elevenlabs: voice id is required")
	}
	p := &ElevenLabsWSProvider{
		apiKey:   cfg.APIKey,
		voiceID:  cfg.VoiceID,
		model:    cfg.Model,
		speed:    cfg.Speed,
		endpoint: cfg.Endpoint,
	}
	if p.model == "" {
		p.model = elevenLabsDefaultModel
	}
	if p.speed == 0 {
		p.speed = 1.0
	}
	if p.endpoint == "" {
		p.endpoint = elevenLabsWSEndpoint
	}
	return p, nil
}

func (p *ElevenLabsWSProvider) Name() string {
	return "elevenlabs-ws"
}

func (p *ElevenLabsWSProvider) StreamSynthesize(ctx context.Context, req *SynthesizeRequest) (<-chan []byte, <-chan error) {
	return streamSynthesize(ctx, func(ctx context.Context, audio chan<- []byte) error {
		return p.stream(ctx, req, audio)
	})
}

func (p *ElevenLabsWSProvider) stream(ctx context.Context, req *SynthesizeRequest, audio chan<- []byte) error {
	format, err := elevenLabsOutputFormat(req.SampleRate)
	if err != nil {
		return err
	}
	voiceID := req.Voice
	if voiceID == "" {
		voiceID = p.voiceID
	}

	params := url.Values{}
	params.Set("model_id", p.model)
	params.Set("output_format", format)
	if lang := languageCode(req.Language); lang != "" {
		params.Set("language_code", lang)
	}
	wsURL := fmt.Sprintf("%s/%s/stream-input?%s", p.endpoint, url.PathEscape(voiceID), params.Encode())

	dialer := websocket.Dialer{HandshakeTimeout: elevenLabsConnectTimeout}
	headers := http.Header{}
	headers.Set("xi-api-key", p.apiKey)

	conn, _, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		return fmt.Errorf("elevenlabs: dial: %w", err)
	}
	defer conn.Close()

	// ReadMessage does not watch ctx; closing the conn unblocks it.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	messages := []any{
		elevenLabsInitMessage{
			Text: " ",
			VoiceSettings: &elevenLabsVoiceSettings{
				Stability:       0.5,
				SimilarityBoost: 0.75,
				Speed:           p.speed,
			},
		},
		elevenLabsTextMessage{Text: req.Text + " ", TryTriggerGeneration: true},
		elevenLabsTextMessage{Text: ""},
	}
	for _, msg := range messages {
		if err := conn.WriteJSON(msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("elevenlabs: write: %w", err)
		}
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("elevenlabs: read: %w", err)
		}

		var resp elevenLabsResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			log.Printf("[ElevenLabs-TTS] bad message: %v", err)
			continue
		}
		if resp.Error != "" {
			return fmt.Errorf("elevenlabs: %s: %s", resp.Error, resp.Message)
		}
		if resp.Audio != "" {
			pcm, err := base64.StdEncoding.DecodeString(resp.Audio)
			if err != nil {
				log.Printf("[ElevenLabs-TTS] bad audio payload: %v", err)
				continue
			}
			if err := send(ctx, audio, pcm); err != nil {
				return err
			}
		}
		if resp.IsFinal {
			return nil
		}
	}
}

// elevenLabsOutputFormat maps a sample rate to a raw PCM output format.
func elevenLabsOutputFormat(rate int) (string, error) {
	switch rate {
	case 8000, 16000, 22050, 24000, 44100:
		return fmt.Sprintf("pcm_%d", rate), nil
	default:
		return "", fmt.Errorf("elevenlabs: unsupported sample rate %d", rate)
	}
}

// languageCode reduces a BCP-47 tag to its primary language subtag.
func languageCode(tag string) string {
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		tag = tag[:i]
	}
	return strings.ToLower(tag)
}

type elevenLabsInitMessage struct {
	Text          string                   `json:"text"`
	VoiceSettings *elevenLabsVoiceSettings `json:"voice_settings,omitempty"`
}

type elevenLabsVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

type elevenLabsTextMessage struct {
	Text                 string `json:"text"`
	TryTriggerGeneration bool   `json:"try_trigger_generation,omitempty"`
}

type elevenLabsResponse struct {
	Audio   string `json:"audio,omitempty"`
	IsFinal bool   `json:"isFinal,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

var _ Provider = (*ElevenLabsWSProvider)(nil)
