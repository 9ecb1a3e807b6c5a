package asr

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	elevenlabsRealtimeWSURL        = "wss://api.elevenlabs.io/v1/speech-to-text/realtime"
	elevenlabsDefaultModel         = "scribe_v2_realtime"
	elevenlabsRequiredSampleRate   = 16000
	elevenlabsSessionStartDeadline = 5 * time.Second
)

var errRecognizerClosed = errors.New("recognizer closed")

// ElevenLabsConfig configures the Scribe realtime backend.
type ElevenLabsConfig struct {
	APIKey string
	// Model defaults to scribe_v2_realtime.
	Model string
	// URL overrides the websocket endpoint.
	URL string
}

// ElevenLabsProvider streams audio to ElevenLabs Scribe over a websocket
// using the manual commit strategy: Finalize sends a commit and the
// committed transcript becomes the final result.
type ElevenLabsProvider struct {
	apiKey string
	model  string
	url    string
}

// NewElevenLabsProvider validates cfg and returns a provider.
func NewElevenLabsProvider(cfg ElevenLabsConfig) (*ElevenLabsProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("elevenlabs: api key is required")
	}
	p := &ElevenLabsProvider{apiKey: cfg.APIKey, model: cfg.Model, url: cfg.URL}
	if p.model == "" {
		p.model = elevenlabsDefaultModel
	}
	if p.url == "" {
		p.url = elevenlabsRealtimeWSURL
	}
	return p, nil
}

func (p *ElevenLabsProvider) Name() string {
	return "elevenlabs"
}

// StreamingRecognize dials the websocket and waits for session_started.
func (p *ElevenLabsProvider) StreamingRecognize(ctx context.Context, audioCfg AudioConfig, cfg RecognitionConfig) (StreamingRecognizer, error) {
	if audioCfg.SampleRate != elevenlabsRequiredSampleRate {
		return nil, fmt.Errorf("elevenlabs: requires %d Hz audio, got %d Hz", elevenlabsRequiredSampleRate, audioCfg.SampleRate)
	}

	params := url.Values{}
	params.Set("model_id", p.model)
	params.Set("commit_strategy", "manual")
	if lang := normalizeLanguageCode(cfg.Language); lang != "" {
		params.Set("language_code", lang)
	}

	dialer := websocket.Dialer{HandshakeTimeout: elevenlabsSessionStartDeadline}
	header := http.Header{}
	header.Set("xi-api-key", p.apiKey)

	conn, _, err := dialer.DialContext(ctx, p.url+"?"+params.Encode(), header)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}

	rctx, cancel := context.WithCancel(context.Background())
	r := &elevenlabsRecognizer{
		conn:       conn,
		sampleRate: audioCfg.SampleRate,
		language:   cfg.Language,
		results:    make(chan *RecognitionResult, 32),
		outbound:   make(chan elevenlabsAudioChunk, 256),
		ready:      make(chan struct{}),
		ctx:        rctx,
		cancel:     cancel,
	}
	r.wg.Add(2)
	go r.readLoop()
	go r.writeLoop()

	timer := time.NewTimer(elevenlabsSessionStartDeadline)
	defer timer.Stop()
	select {
	case <-r.ready:
		return r, nil
	case <-r.ctx.Done():
		r.Close()
		return nil, errors.New("elevenlabs: connection closed before session started")
	case <-timer.C:
		r.Close()
		return nil, fmt.Errorf("elevenlabs: session start: %w", context.DeadlineExceeded)
	case <-ctx.Done():
		r.Close()
		return nil, ctx.Err()
	}
}

type elevenlabsMessage struct {
	MessageType string   `json:"message_type"`
	Text        string   `json:"text,omitempty"`
	Confidence  *float32 `json:"confidence,omitempty"`
	Error       string   `json:"error,omitempty"`
}

type elevenlabsAudioChunk struct {
	MessageType string `json:"message_type"`
	AudioBase64 string `json:"audio_base_64"`
	Commit      bool   `json:"commit"`
	SampleRate  int    `json:"sample_rate"`
}

type elevenlabsRecognizer struct {
	conn       *websocket.Conn
	sampleRate int
	language   string

	results  chan *RecognitionResult
	outbound chan elevenlabsAudioChunk
	ready    chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	readyOnce sync.Once
	closed    atomic.Bool
}

// readLoop owns the results channel and closes it on exit.
func (r *elevenlabsRecognizer) readLoop() {
	defer r.wg.Done()
	defer close(r.results)
	defer r.cancel()

	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			if !r.closed.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[ElevenLabs] read error: %v", err)
			}
			return
		}

		var msg elevenlabsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("[ElevenLabs] bad message: %v", err)
			continue
		}

		switch msg.MessageType {
		case "session_started":
			r.readyOnce.Do(func() { close(r.ready) })

		case "partial_transcript":
			if msg.Text == "" {
				continue
			}
			if !r.deliver(&RecognitionResult{Text: msg.Text, Confidence: confidenceOr(msg.Confidence, -1), Language: r.language, Timestamp: time.Now()}) {
				return
			}

		case "committed_transcript", "committed_transcript_with_timestamps":
			if !r.deliver(&RecognitionResult{Text: msg.Text, IsFinal: true, Confidence: confidenceOr(msg.Confidence, -1), Language: r.language, Timestamp: time.Now()}) {
				return
			}

		case "error", "auth_error", "quota_exceeded", "input_error":
			log.Printf("[ElevenLabs] %s: %s", msg.MessageType, msg.Error)
			return

		default:
			log.Printf("[ElevenLabs] unknown message type: %s", msg.MessageType)
		}
	}
}

func (r *elevenlabsRecognizer) deliver(res *RecognitionResult) bool {
	select {
	case r.results <- res:
		return true
	case <-r.ctx.Done():
		return false
	}
}

func (r *elevenlabsRecognizer) writeLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case chunk := <-r.outbound:
			if err := r.conn.WriteJSON(chunk); err != nil {
				log.Printf("[ElevenLabs] write error: %v", err)
				r.cancel()
				return
			}
		}
	}
}

func (r *elevenlabsRecognizer) enqueue(ctx context.Context, chunk elevenlabsAudioChunk) error {
	if r.closed.Load() {
		return errRecognizerClosed
	}
	select {
	case r.outbound <- chunk:
		return nil
	case <-r.ctx.Done():
		return errRecognizerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *elevenlabsRecognizer) SendAudio(ctx context.Context, pcm []byte) error {
	return r.enqueue(ctx, elevenlabsAudioChunk{
		MessageType: "input_audio_chunk",
		AudioBase64: base64.StdEncoding.EncodeToString(pcm),
		SampleRate:  r.sampleRate,
	})
}

// Finalize sends an empty chunk with commit set.
func (r *elevenlabsRecognizer) Finalize(ctx context.Context) error {
	return r.enqueue(ctx, elevenlabsAudioChunk{
		MessageType: "input_audio_chunk",
		Commit:      true,
		SampleRate:  r.sampleRate,
	})
}

func (r *elevenlabsRecognizer) Results() <-chan *RecognitionResult {
	return r.results
}

func (r *elevenlabsRecognizer) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	r.cancel()
	err := r.conn.Close()
	r.wg.Wait()
	return err
}

func confidenceOr(c *float32, def float32) float32 {
	if c == nil {
		return def
	}
	return *c
}

// normalizeLanguageCode reduces tags like en-US to their ISO 639-1 code.
// "auto" and empty mean detection.
func normalizeLanguageCode(lang string) string {
	if lang == "" || lang == "auto" {
		return ""
	}
	if i := strings.IndexAny(lang, "-_"); i == 2 {
		return strings.ToLower(lang[:2])
	}
	return strings.ToLower(lang)
}
