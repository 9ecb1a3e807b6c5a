// callflow answers phone calls through Twilio Media Streams and holds a
// spoken conversation with the caller.
//
//	Twilio call ──TwiML──▶ /twiml
//	            ◀─media──▶ /media ──▶ VAD ─▶ STT ─▶ LLM ─▶ TTS ──▶ caller
//
// Every setting comes from the environment (or a .env file), see
// pkg/config. Providers are registered for every credential present; at
// least one backend per capability is required.
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/realtime-ai/callflow/pkg/asr"
	"github.com/realtime-ai/callflow/pkg/config"
	"github.com/realtime-ai/callflow/pkg/llm"
	"github.com/realtime-ai/callflow/pkg/pipeline"
	"github.com/realtime-ai/callflow/pkg/provider"
	"github.com/realtime-ai/callflow/pkg/server"
	"github.com/realtime-ai/callflow/pkg/session"
	"github.com/realtime-ai/callflow/pkg/store"
	"github.com/realtime-ai/callflow/pkg/trace"
	"github.com/realtime-ai/callflow/pkg/tts"
	"github.com/realtime-ai/callflow/pkg/vad"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Println("=== callflow ===")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	traceCfg := trace.DefaultConfig()
	traceCfg.ExporterType = cfg.TraceExporter
	traceCfg.OTLPEndpoint = cfg.OTLPEndpoint
	traceCfg.Environment = cfg.Environment
	if err := trace.Initialize(ctx, traceCfg); err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := trace.Shutdown(shutdownCtx); err != nil {
			log.Printf("Trace shutdown: %v", err)
		}
	}()

	reg := provider.NewRegistry(cfg.HealthConfig())
	providers, err := registerProviders(ctx, cfg, reg)
	if err != nil {
		log.Fatal(err)
	}

	calls, err := store.NewBadger(store.BadgerOptions{Dir: cfg.CallStoreDir})
	if err != nil {
		log.Fatalf("Failed to open call store: %v", err)
	}
	defer calls.Close()
	if cfg.CallStoreDir == "" {
		log.Printf("CALL_STORE_DIR not set, call records are kept in memory")
	}

	opts := cfg.SessionOptions()
	opts.Recorder = calls

	srv := server.NewTwilioMediaServer(server.TwilioServerConfig{
		Address:    cfg.HTTPAddress,
		StreamURL:  cfg.PublicStreamURL,
		SampleRate: pipeline.DefaultSampleRate,
	}, &server.SessionFactory{Providers: providers, Options: opts}, reg)

	if err := srv.Start(ctx); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
	log.Printf("Configure the Twilio voice webhook to http://<host>%s/twiml", cfg.HTTPAddress)

	<-ctx.Done()
	log.Println("Shutting down...")
	if err := srv.Stop(); err != nil {
		log.Printf("Server shutdown: %v", err)
	}
	log.Println("Goodbye!")
}

// registerProviders adds a backend for every credential present. Ranks
// order the backends per policy: lower is preferred.
func registerProviders(ctx context.Context, cfg *config.Config, reg *provider.Registry) (session.Providers, error) {
	p := session.Providers{
		Transcribers: provider.NewSet[asr.Provider](reg, provider.Transcribe),
		Generators:   provider.NewSet[llm.Provider](reg, provider.Generate),
		Synthesizers: provider.NewSet[tts.Provider](reg, provider.Synthesize),
		NewDetector:  detectorFactory(cfg),
	}

	report := func(name string, err error) {
		if err != nil {
			log.Printf("[Providers] %s not registered: %v", name, err)
			return
		}
		log.Printf("[Providers] registered %s", name)
	}

	if cfg.ElevenLabsAPIKey != "" {
		if stt, err := asr.NewElevenLabsProvider(asr.ElevenLabsConfig{APIKey: cfg.ElevenLabsAPIKey}); err != nil {
			report("elevenlabs stt", err)
		} else {
			report(stt.Name(), p.Transcribers.Add(provider.Descriptor{Name: stt.Name(), LatencyRank: 0, QualityRank: 1}, stt))
		}

		if ws, err := tts.NewElevenLabsWSProvider(tts.ElevenLabsWSConfig{APIKey: cfg.ElevenLabsAPIKey, VoiceID: cfg.ElevenLabsVoiceID}); err != nil {
			report("elevenlabs websocket tts", err)
		} else {
			report(ws.Name(), p.Synthesizers.Add(provider.Descriptor{Name: ws.Name(), LatencyRank: 0, QualityRank: 0}, ws))
		}
		if h, err := tts.NewElevenLabsHTTPProvider(tts.ElevenLabsHTTPConfig{APIKey: cfg.ElevenLabsAPIKey, VoiceID: cfg.ElevenLabsVoiceID}); err != nil {
			report("elevenlabs http tts", err)
		} else {
			report(h.Name(), p.Synthesizers.Add(provider.Descriptor{Name: h.Name(), LatencyRank: 1, QualityRank: 1}, h))
		}
	}

	if cfg.OpenAIAPIKey != "" {
		if w, err := asr.NewWhisperProvider(asr.WhisperConfig{APIKey: cfg.OpenAIAPIKey, BaseURL: cfg.OpenAIBaseURL}); err != nil {
			report("whisper", err)
		} else {
			report(w.Name(), p.Transcribers.Add(provider.Descriptor{Name: w.Name(), LatencyRank: 1, QualityRank: 0}, w))
		}

		if o, err := llm.NewOpenAIProvider(llm.OpenAIConfig{APIKey: cfg.OpenAIAPIKey, BaseURL: cfg.OpenAIBaseURL, Model: cfg.OpenAIModel}); err != nil {
			report("openai llm", err)
		} else {
			report(o.Name(), p.Generators.Add(provider.Descriptor{Name: o.Name(), LatencyRank: 0, QualityRank: 0}, o))
		}

		if o, err := tts.NewOpenAIProvider(tts.OpenAIConfig{APIKey: cfg.OpenAIAPIKey, BaseURL: cfg.OpenAIBaseURL}); err != nil {
			report("openai tts", err)
		} else {
			report(o.Name(), p.Synthesizers.Add(provider.Descriptor{Name: o.Name(), LatencyRank: 2, QualityRank: 2}, o))
		}
	}

	if cfg.CompatBaseURL != "" {
		if c, err := llm.NewCompatProvider(llm.CompatConfig{APIKey: cfg.CompatAPIKey, BaseURL: cfg.CompatBaseURL, Model: cfg.CompatModel}); err != nil {
			report("compat llm", err)
		} else {
			report(c.Name(), p.Generators.Add(provider.Descriptor{Name: c.Name(), LatencyRank: 1, QualityRank: 2}, c))
		}
	}

	if cfg.GeminiAPIKey != "" {
		if g, err := llm.NewGeminiProvider(ctx, llm.GeminiConfig{APIKey: cfg.GeminiAPIKey, Model: cfg.GeminiModel}); err != nil {
			report("gemini", err)
		} else {
			report(g.Name(), p.Generators.Add(provider.Descriptor{Name: g.Name(), LatencyRank: 2, QualityRank: 1}, g))
		}
	}

	var missing []error
	for _, c := range []struct {
		capability provider.Capability
		n          int
	}{
		{provider.Transcribe, p.Transcribers.Len()},
		{provider.Generate, p.Generators.Len()},
		{provider.Synthesize, p.Synthesizers.Len()},
	} {
		if c.n == 0 {
			log.Printf("[Providers] WARNING: no %s provider configured", c.capability)
			missing = append(missing, provider.Exhausted(c.capability))
		}
	}
	if len(missing) > 0 {
		return p, errors.Join(missing...)
	}
	return p, nil
}

// detectorFactory prefers the Silero model and falls back to the energy
// detector when the binary or the host cannot run it.
func detectorFactory(cfg *config.Config) func() (vad.Detector, error) {
	if _, err := os.Stat(cfg.VADModelPath); err != nil {
		log.Printf("[VAD] model %s not found, using the energy detector", cfg.VADModelPath)
		return energyDetector
	}
	probe, err := vad.NewSileroDetector(vad.SileroConfig{ModelPath: cfg.VADModelPath, SampleRate: pipeline.DefaultSampleRate})
	if err != nil {
		log.Printf("[VAD] silero unavailable (%v), using the energy detector", err)
		return energyDetector
	}
	probe.Destroy()

	return func() (vad.Detector, error) {
		return vad.NewSileroDetector(vad.SileroConfig{ModelPath: cfg.VADModelPath, SampleRate: pipeline.DefaultSampleRate})
	}
}

func energyDetector() (vad.Detector, error) {
	return vad.NewEnergyDetector(vad.DefaultEnergyConfig()), nil
}
