package asr

import (
	"bytes"
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"
)

// minWhisperAudio is the shortest utterance worth a request.
const minWhisperAudio = 100 * time.Millisecond

// WhisperConfig configures the batch transcription backend.
type WhisperConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// WhisperProvider transcribes each utterance with one request to an
// OpenAI-compatible /audio/transcriptions endpoint. It buffers audio until
// Finalize and produces no partials.
type WhisperProvider struct {
	client *openai.Client
	model  string
}

// NewWhisperProvider builds a provider from cfg.
func NewWhisperProvider(cfg WhisperConfig) (*WhisperProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("whisper: api key is required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
		log.Printf("[Whisper] using base URL %s", cfg.BaseURL)
	}
	model := cfg.Model
	if model == "" {
		model = openai.Whisper1
	}
	return &WhisperProvider{client: openai.NewClientWithConfig(clientCfg), model: model}, nil
}

func (w *WhisperProvider) Name() string {
	return "openai-whisper"
}

func (w *WhisperProvider) StreamingRecognize(ctx context.Context, audioCfg AudioConfig, cfg RecognitionConfig) (StreamingRecognizer, error) {
	if cfg.Model == "" {
		cfg.Model = w.model
	}
	rctx, cancel := context.WithCancel(context.Background())
	return &whisperRecognizer{
		provider: w,
		audioCfg: audioCfg,
		cfg:      cfg,
		results:  make(chan *RecognitionResult, 1),
		ctx:      rctx,
		cancel:   cancel,
	}, nil
}

func (w *WhisperProvider) transcribe(ctx context.Context, pcm []byte, audioCfg AudioConfig, cfg RecognitionConfig) (string, error) {
	req := openai.AudioRequest{
		Model:    cfg.Model,
		FilePath: "audio.wav",
		Reader:   bytes.NewReader(pcmToWAV(pcm, audioCfg)),
		Prompt:   cfg.Prompt,
		Language: normalizeLanguageCode(cfg.Language),
	}
	resp, err := w.client.CreateTranscription(ctx, req)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

type whisperRecognizer struct {
	provider *WhisperProvider
	audioCfg AudioConfig
	cfg      RecognitionConfig
	results  chan *RecognitionResult

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	buf        []byte
	finalizing bool
	closed     bool
}

func (r *whisperRecognizer) SendAudio(_ context.Context, pcm []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errRecognizerClosed
	}
	r.buf = append(r.buf, pcm...)
	return nil
}

// Finalize transcribes everything buffered so far in the background. A
// failed request closes Results.
func (r *whisperRecognizer) Finalize(context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errRecognizerClosed
	}
	if r.finalizing {
		r.mu.Unlock()
		return nil
	}
	r.finalizing = true
	pcm := r.buf
	r.buf = nil
	r.wg.Add(1)
	r.mu.Unlock()

	go r.run(pcm)
	return nil
}

func (r *whisperRecognizer) run(pcm []byte) {
	defer r.wg.Done()

	text := ""
	if r.duration(pcm) >= minWhisperAudio {
		var err error
		text, err = r.provider.transcribe(r.ctx, pcm, r.audioCfg, r.cfg)
		if err != nil {
			if r.ctx.Err() == nil {
				log.Printf("[Whisper] transcription failed: %v", err)
			}
			r.shutdown()
			return
		}
	}

	select {
	case r.results <- &RecognitionResult{Text: text, IsFinal: true, Confidence: -1, Language: r.cfg.Language, Timestamp: time.Now()}:
	case <-r.ctx.Done():
	}
}

func (r *whisperRecognizer) duration(pcm []byte) time.Duration {
	bytesPerSec := r.audioCfg.SampleRate * max(r.audioCfg.Channels, 1) * max(r.audioCfg.BitsPerSample/8, 1)
	if bytesPerSec == 0 {
		return 0
	}
	return time.Duration(len(pcm)) * time.Second / time.Duration(bytesPerSec)
}

func (r *whisperRecognizer) Results() <-chan *RecognitionResult {
	return r.results
}

// shutdown marks the recognizer closed and closes Results once.
func (r *whisperRecognizer) shutdown() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()
	r.cancel()
	close(r.results)
}

func (r *whisperRecognizer) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.wg.Wait()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
	close(r.results)
	return nil
}
