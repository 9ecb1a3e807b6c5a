package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/realtime-ai/callflow/pkg/conversation"
	"github.com/realtime-ai/callflow/pkg/provider"
	"github.com/realtime-ai/callflow/pkg/trace"
	"go.opentelemetry.io/otel/attribute"
)

// ResponseChunk is one speakable piece of an agent reply. Seq is contiguous
// from 1 per response; the last chunk has IsFinal set and may be empty.
type ResponseChunk struct {
	ResponseID uint64
	Seq        uint64
	Text       string
	IsFinal    bool
}

// GenerationFailedError ends a generation that failed after chunks were
// emitted. Those chunks stay valid.
type GenerationFailedError struct {
	ResponseID uint64
	Provider   string
	Emitted    uint64
	Err        error
}

func (e *GenerationFailedError) Error() string {
	return fmt.Sprintf("generation %d failed on %s after %d chunks: %v", e.ResponseID, e.Provider, e.Emitted, e.Err)
}

func (e *GenerationFailedError) Unwrap() error { return e.Err }

// Config tunes a Generator.
type Config struct {
	SystemPrompt      string
	Policy            provider.Policy
	FirstChunkTimeout time.Duration
	MaxTokens         int
	Phrase            PhraseConfig
	OnFailover        provider.FailoverFunc
}

// Generator produces replies for one call.
type Generator struct {
	set     *provider.Set[Provider]
	exclude *provider.Excluder
	cfg     Config
}

// NewGenerator binds a generator to the backends in set. exclude is the
// call's failed-backend list.
func NewGenerator(set *provider.Set[Provider], exclude *provider.Excluder, cfg Config) *Generator {
	if cfg.FirstChunkTimeout <= 0 {
		cfg.FirstChunkTimeout = 1500 * time.Millisecond
	}
	if exclude == nil {
		exclude = &provider.Excluder{}
	}
	return &Generator{set: set, exclude: exclude, cfg: cfg}
}

// Available reports whether a backend is left for this call.
func (g *Generator) Available() error {
	_, _, err := g.set.Select(g.cfg.Policy, g.exclude.List()...)
	return err
}

// Generate starts a reply to u given the conversation before it.
func (g *Generator) Generate(ctx context.Context, responseID uint64, u conversation.Utterance, snap conversation.Snapshot) *Generation {
	ctx, cancel := context.WithCancel(ctx)
	gen := &Generation{
		ResponseID: responseID,
		g:          g,
		req:        BuildRequest(g.cfg.SystemPrompt, snap, u, g.cfg.MaxTokens),
		seg:        NewPhraseSegmenter(g.cfg.Phrase),
		chunks:     make(chan ResponseChunk, 64),
		done:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
	go gen.run()
	return gen
}

// Generation is one in-flight reply.
type Generation struct {
	ResponseID uint64

	g   *Generator
	req Request
	seg *PhraseSegmenter

	chunks chan ResponseChunk
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	seq    uint64

	mu       sync.Mutex
	err      error
	provider string
}

// Chunks is closed when the generation ends.
func (gen *Generation) Chunks() <-chan ResponseChunk { return gen.chunks }

// Done is closed after Chunks.
func (gen *Generation) Done() <-chan struct{} { return gen.done }

// Err is the terminal error: nil on success, context.Canceled after Cancel,
// a *GenerationFailedError after a mid-stream failure, or an error wrapping
// provider.ErrExhausted. Valid once Done is closed.
func (gen *Generation) Err() error {
	gen.mu.Lock()
	defer gen.mu.Unlock()
	return gen.err
}

// Provider names the backend currently serving the generation.
func (gen *Generation) Provider() string {
	gen.mu.Lock()
	defer gen.mu.Unlock()
	return gen.provider
}

// Cancel stops the generation. No chunk is emitted after Cancel returns
// and the backend stream is closed.
func (gen *Generation) Cancel() {
	gen.cancel()
	<-gen.done
}

func (gen *Generation) run() {
	defer close(gen.done)
	defer close(gen.chunks)
	defer gen.cancel()

	g := gen.g
	for {
		name, impl, err := g.set.Select(g.cfg.Policy, g.exclude.List()...)
		if err != nil {
			gen.finish(err)
			return
		}
		gen.mu.Lock()
		gen.provider = name
		gen.mu.Unlock()

		err = gen.attempt(name, impl)
		if err == nil {
			g.set.ReportSuccess(name)
			gen.finish(nil)
			return
		}
		if gen.ctx.Err() != nil {
			gen.finish(context.Canceled)
			return
		}

		perr := provider.Classify(provider.Generate, name, err)
		log.Printf("[LLM] response %d: %v", gen.ResponseID, perr)
		g.set.ReportFailure(name, perr)
		g.exclude.Add(name)
		next, _, _ := g.set.Select(g.cfg.Policy, g.exclude.List()...)
		if g.cfg.OnFailover != nil {
			g.cfg.OnFailover(provider.Failover{Capability: provider.Generate, From: name, To: next, Err: perr})
		}

		if gen.seq > 0 {
			gen.emit(gen.seg.Flush(), true)
			gen.finish(&GenerationFailedError{ResponseID: gen.ResponseID, Provider: name, Emitted: gen.seq, Err: perr})
			return
		}
		// nothing was said yet; start over on the next backend
		gen.seg.Reset()
	}
}

func (gen *Generation) finish(err error) {
	gen.mu.Lock()
	gen.err = err
	gen.mu.Unlock()
}

// attempt streams the reply from one backend. It returns nil once the
// final chunk was emitted.
func (gen *Generation) attempt(name string, impl Provider) (err error) {
	ctx, span := trace.InstrumentGeneration(gen.ctx, gen.ResponseID, name)
	defer func() {
		trace.RecordError(span, err)
		span.SetAttributes(attribute.Int64(trace.AttrChunkCount, int64(gen.seq)))
		span.End()
	}()

	firstCtx, cancelFirst := context.WithTimeout(ctx, gen.g.cfg.FirstChunkTimeout)
	defer cancelFirst()

	it, err := impl.Stream(ctx, gen.req)
	if err != nil {
		return err
	}
	defer it.Close()

	pending := make(map[int]Delta)
	next := 1
	first := true

	for {
		if gen.ctx.Err() != nil {
			return gen.ctx.Err()
		}

		nctx := ctx
		if first {
			nctx = firstCtx
		}
		d, err := it.Next(nctx)
		if errors.Is(err, io.EOF) {
			return gen.complete()
		}
		if err != nil {
			if first && errors.Is(err, context.DeadlineExceeded) && gen.ctx.Err() == nil {
				return fmt.Errorf("no output within %s: %w", gen.g.cfg.FirstChunkTimeout, provider.ErrTimeout)
			}
			return err
		}
		first = false

		if d.Ordinal == 0 {
			d.Ordinal = next + len(pending)
		}
		if d.Ordinal < next {
			continue
		}
		pending[d.Ordinal] = d

		final := false
		for {
			nd, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			next++
			for _, phrase := range gen.seg.Push(nd.Text) {
				if !gen.emit(phrase, false) {
					return gen.ctx.Err()
				}
			}
			final = final || nd.Final
		}
		if final {
			return gen.complete()
		}
	}
}

// complete emits the buffered remainder as the final chunk.
func (gen *Generation) complete() error {
	if !gen.emit(gen.seg.Flush(), true) {
		return gen.ctx.Err()
	}
	return nil
}

func (gen *Generation) emit(text string, final bool) bool {
	if gen.ctx.Err() != nil {
		return false
	}
	if text == "" && !final {
		return true
	}
	gen.seq++
	chunk := ResponseChunk{ResponseID: gen.ResponseID, Seq: gen.seq, Text: text, IsFinal: final}
	select {
	case gen.chunks <- chunk:
		return true
	case <-gen.ctx.Done():
		gen.seq--
		return false
	}
}
