// Package config loads process configuration from the environment.
//
// A .env file in the working directory is read first when present; real
// environment variables win over it.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/realtime-ai/callflow/pkg/provider"
	"github.com/realtime-ai/callflow/pkg/session"
)

// DefaultSystemPrompt keeps replies short enough for the phone.
const DefaultSystemPrompt = `You are a helpful AI phone assistant.

Guidelines:
- Be concise and natural, this is a phone call
- Keep responses short (1-2 sentences when possible)
- Be friendly and professional
- If you don't understand, ask for clarification`

// Config holds every setting of the service.
type Config struct {
	// Server
	HTTPAddress     string
	PublicStreamURL string

	// Turn taking
	VADThreshold   float64
	VADStartFrames int
	VADHangover    time.Duration
	VADModelPath   string
	FinalWait      time.Duration

	// Stage deadlines
	GenerationFirstChunkTimeout time.Duration
	SynthesisFirstFrameTimeout  time.Duration
	TranscribeConnectTimeout    time.Duration

	ClosingNotice        string
	ClosingNoticeTimeout time.Duration

	ContextMaxTurns  int
	ContextMaxTokens int

	// Provider routing
	ProviderPolicy           string
	ProviderUnavailableAfter int
	ProviderRecoveryAfter    time.Duration

	// Credentials
	OpenAIAPIKey      string
	OpenAIModel       string
	OpenAIBaseURL     string
	CompatAPIKey      string
	CompatBaseURL     string
	CompatModel       string
	GeminiAPIKey      string
	GeminiModel       string
	ElevenLabsAPIKey  string
	ElevenLabsVoiceID string
	SystemPrompt      string

	// Storage and tracing
	CallStoreDir  string
	TraceExporter string
	OTLPEndpoint  string
	Environment   string
}

// Load reads .env (if any) and the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv(), nil
}

// FromEnv reads the environment only.
func FromEnv() *Config {
	sess := session.DefaultConfig()

	return &Config{
		HTTPAddress:     getEnv("HTTP_ADDRESS", ":8080"),
		PublicStreamURL: os.Getenv("PUBLIC_STREAM_URL"),

		VADThreshold:   getFloat("VAD_THRESHOLD", 0.5),
		VADStartFrames: getInt("VAD_START_FRAMES", 3),
		VADHangover:    getDuration("VAD_HANGOVER", 500*time.Millisecond),
		VADModelPath:   getEnv("VAD_MODEL_PATH", "models/silero_vad.onnx"),
		FinalWait:      getDuration("TRANSCRIPT_FINAL_WAIT", sess.FinalWait),

		GenerationFirstChunkTimeout: getDuration("GENERATION_FIRST_CHUNK_TIMEOUT", 1500*time.Millisecond),
		SynthesisFirstFrameTimeout:  getDuration("SYNTHESIS_FIRST_FRAME_TIMEOUT", 500*time.Millisecond),
		TranscribeConnectTimeout:    getDuration("TRANSCRIBE_CONNECT_TIMEOUT", 3*time.Second),

		ClosingNotice:        getEnv("CLOSING_NOTICE", sess.ClosingNotice),
		ClosingNoticeTimeout: getDuration("CLOSING_NOTICE_TIMEOUT", sess.ClosingNoticeTimeout),

		ContextMaxTurns:  getInt("CONTEXT_MAX_TURNS", sess.Context.MaxTurns),
		ContextMaxTokens: getInt("CONTEXT_MAX_TOKENS", sess.Context.MaxTokens),

		ProviderPolicy:           getEnv("PROVIDER_POLICY", "latency"),
		ProviderUnavailableAfter: getInt("PROVIDER_UNAVAILABLE_AFTER", provider.DefaultHealthConfig().UnavailableAfter),
		ProviderRecoveryAfter:    getDuration("PROVIDER_RECOVERY_AFTER", provider.DefaultHealthConfig().RecoveryAfter),

		OpenAIAPIKey:      os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:       getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL:     os.Getenv("OPENAI_BASE_URL"),
		CompatAPIKey:      os.Getenv("COMPAT_API_KEY"),
		CompatBaseURL:     os.Getenv("COMPAT_BASE_URL"),
		CompatModel:       os.Getenv("COMPAT_MODEL"),
		GeminiAPIKey:      os.Getenv("GEMINI_API_KEY"),
		GeminiModel:       getEnv("GEMINI_MODEL", "gemini-2.0-flash"),
		ElevenLabsAPIKey:  os.Getenv("ELEVENLABS_API_KEY"),
		ElevenLabsVoiceID: getEnv("ELEVENLABS_VOICE_ID", "21m00Tcm4TlvDq8ikWAM"),
		SystemPrompt:      getEnv("SYSTEM_PROMPT", DefaultSystemPrompt),

		CallStoreDir:  os.Getenv("CALL_STORE_DIR"),
		TraceExporter: getEnv("TRACE_EXPORTER", "none"),
		OTLPEndpoint:  getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		Environment:   getEnv("ENVIRONMENT", "development"),
	}
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var problems []string

	if c.VADThreshold <= 0 || c.VADThreshold >= 1 {
		problems = append(problems, fmt.Sprintf("VAD_THRESHOLD must be in (0, 1), got %v", c.VADThreshold))
	}
	if c.VADStartFrames <= 0 {
		problems = append(problems, "VAD_START_FRAMES must be positive")
	}
	if c.ProviderUnavailableAfter <= 0 {
		problems = append(problems, "PROVIDER_UNAVAILABLE_AFTER must be positive")
	}
	if c.ContextMaxTurns <= 0 || c.ContextMaxTokens <= 0 {
		problems = append(problems, "CONTEXT_MAX_TURNS and CONTEXT_MAX_TOKENS must be positive")
	}
	for name, d := range map[string]time.Duration{
		"VAD_HANGOVER":                   c.VADHangover,
		"TRANSCRIPT_FINAL_WAIT":          c.FinalWait,
		"GENERATION_FIRST_CHUNK_TIMEOUT": c.GenerationFirstChunkTimeout,
		"SYNTHESIS_FIRST_FRAME_TIMEOUT":  c.SynthesisFirstFrameTimeout,
		"TRANSCRIBE_CONNECT_TIMEOUT":     c.TranscribeConnectTimeout,
		"CLOSING_NOTICE_TIMEOUT":         c.ClosingNoticeTimeout,
		"PROVIDER_RECOVERY_AFTER":        c.ProviderRecoveryAfter,
	} {
		if d <= 0 {
			problems = append(problems, name+" must be a positive duration")
		}
	}
	if _, err := c.Policy(); err != nil {
		problems = append(problems, err.Error())
	}
	switch c.TraceExporter {
	case "none", "stdout", "otlp":
	default:
		problems = append(problems, fmt.Sprintf("TRACE_EXPORTER must be none, stdout or otlp, got %q", c.TraceExporter))
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Policy parses ProviderPolicy.
func (c *Config) Policy() (provider.Policy, error) {
	return provider.ParsePolicy(c.ProviderPolicy)
}

// HealthConfig returns the registry health settings.
func (c *Config) HealthConfig() provider.HealthConfig {
	return provider.HealthConfig{
		UnavailableAfter: c.ProviderUnavailableAfter,
		RecoveryAfter:    c.ProviderRecoveryAfter,
	}
}

// SessionOptions maps the configuration onto the per-call stage options.
func (c *Config) SessionOptions() session.Options {
	policy, _ := c.Policy()
	opts := session.DefaultOptions()

	opts.Session.FinalWait = c.FinalWait
	opts.Session.ClosingNotice = c.ClosingNotice
	opts.Session.ClosingNoticeTimeout = c.ClosingNoticeTimeout
	opts.Session.Context.MaxTurns = c.ContextMaxTurns
	opts.Session.Context.MaxTokens = c.ContextMaxTokens

	opts.VAD.Threshold = float32(c.VADThreshold)
	opts.VAD.StartFrames = c.VADStartFrames
	opts.VAD.Hangover = c.VADHangover

	opts.ASR.Policy = policy
	opts.ASR.ConnectTimeout = c.TranscribeConnectTimeout

	opts.LLM.Policy = policy
	opts.LLM.SystemPrompt = c.SystemPrompt
	opts.LLM.FirstChunkTimeout = c.GenerationFirstChunkTimeout

	opts.TTS.Policy = policy
	opts.TTS.FirstFrameTimeout = c.SynthesisFirstFrameTimeout
	return opts
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("[Config] Invalid %s=%q, using %d", key, value, defaultValue)
		return defaultValue
	}
	return n
}

func getFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		log.Printf("[Config] Invalid %s=%q, using %v", key, value, defaultValue)
		return defaultValue
	}
	return f
}

// getDuration accepts Go durations ("750ms") or bare milliseconds ("750").
func getDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("[Config] Invalid %s=%q, using %v", key, value, defaultValue)
		return defaultValue
	}
	return d
}
