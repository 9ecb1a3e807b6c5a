package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/realtime-ai/callflow/pkg/asr"
	"github.com/realtime-ai/callflow/pkg/audio"
	"github.com/realtime-ai/callflow/pkg/connection"
	"github.com/realtime-ai/callflow/pkg/llm"
	"github.com/realtime-ai/callflow/pkg/pipeline"
	"github.com/realtime-ai/callflow/pkg/provider"
	"github.com/realtime-ai/callflow/pkg/session"
	"github.com/realtime-ai/callflow/pkg/store"
	"github.com/realtime-ai/callflow/pkg/tts"
	"github.com/realtime-ai/callflow/pkg/vad"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubASR struct{}

func (stubASR) Name() string { return "stub-asr" }

func (stubASR) StreamingRecognize(context.Context, asr.AudioConfig, asr.RecognitionConfig) (asr.StreamingRecognizer, error) {
	return &stubRecognizer{results: make(chan *asr.RecognitionResult, 4)}, nil
}

type stubRecognizer struct {
	mu      sync.Mutex
	closed  bool
	results chan *asr.RecognitionResult
}

func (r *stubRecognizer) SendAudio(context.Context, []byte) error { return nil }

func (r *stubRecognizer) Finalize(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("closed")
	}
	r.results <- &asr.RecognitionResult{Text: "what are your opening hours", IsFinal: true}
	return nil
}

func (r *stubRecognizer) Results() <-chan *asr.RecognitionResult { return r.results }

func (r *stubRecognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.results)
	}
	return nil
}

type stubLLM struct{}

func (stubLLM) Name() string { return "stub-llm" }

func (stubLLM) Stream(context.Context, llm.Request) (llm.ChunkIterator, error) {
	return &stubIterator{}, nil
}

type stubIterator struct{ done bool }

func (it *stubIterator) Next(ctx context.Context) (llm.Delta, error) {
	if it.done {
		return llm.Delta{}, io.EOF
	}
	it.done = true
	return llm.Delta{Ordinal: 1, Text: "We open at nine."}, nil
}

func (it *stubIterator) Close() error { return nil }

type stubTTS struct{}

func (stubTTS) Name() string { return "stub-tts" }

func (stubTTS) StreamSynthesize(ctx context.Context, req *tts.SynthesizeRequest) (<-chan []byte, <-chan error) {
	audioCh := make(chan []byte, 4)
	errCh := make(chan error, 1)
	go func() {
		defer close(audioCh)
		defer close(errCh)
		frame := bytes.Repeat([]byte{0, 8}, pipeline.BytesPerFrame(req.SampleRate, pipeline.DefaultFrameDuration)/2)
		for range 4 {
			select {
			case audioCh <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()
	return audioCh, errCh
}

type memStore struct {
	mu      sync.Mutex
	records []store.CallRecord
}

func (m *memStore) Save(_ context.Context, rec store.CallRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *memStore) saved() []store.CallRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.CallRecord(nil), m.records...)
}

func newTestServer(t *testing.T, rec *memStore) (*TwilioMediaServer, *provider.Registry, *httptest.Server) {
	t.Helper()
	reg := provider.NewRegistry(provider.DefaultHealthConfig())
	p := session.Providers{
		Transcribers: provider.NewSet[asr.Provider](reg, provider.Transcribe),
		Generators:   provider.NewSet[llm.Provider](reg, provider.Generate),
		Synthesizers: provider.NewSet[tts.Provider](reg, provider.Synthesize),
		NewDetector: func() (vad.Detector, error) {
			// 200ms of speech, then silence
			probs := []float32{0.9, 0.9, 0.9, 0.9, 0.9, 0.9, 0.9, 0.9, 0.9, 0.9, 0}
			return vad.NewMockDetectorWithSequence(probs), nil
		},
	}
	require.NoError(t, p.Transcribers.Add(provider.Descriptor{Name: "stub-asr"}, stubASR{}))
	require.NoError(t, p.Generators.Add(provider.Descriptor{Name: "stub-llm"}, stubLLM{}))
	require.NoError(t, p.Synthesizers.Add(provider.Descriptor{Name: "stub-tts"}, stubTTS{}))

	opts := session.DefaultOptions()
	opts.Recorder = rec

	s := NewTwilioMediaServer(TwilioServerConfig{
		StreamURL:        "wss://calls.example.com/media",
		CustomParameters: map[string]string{"tenant": "acme"},
	}, &SessionFactory{Providers: p, Options: opts}, reg)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Stop()
		ts.Close()
	})
	return s, reg, ts
}

func TestTwiML(t *testing.T) {
	_, _, ts := newTestServer(t, &memStore{})

	resp, err := http.PostForm(ts.URL+"/twiml", map[string][]string{"CallSid": {"CA1"}})
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, "application/xml", resp.Header.Get("Content-Type"))
	assert.Contains(t, string(body), `<Stream url="wss://calls.example.com/media">`)
	assert.Contains(t, string(body), `<Parameter name="tenant" value="acme" />`)
}

func TestHealthReportsProviders(t *testing.T) {
	_, reg, ts := newTestServer(t, &memStore{})

	reg.ReportFailure(provider.Generate, "stub-llm", errors.New("503"))
	reg.ReportFailure(provider.Generate, "stub-llm", errors.New("503"))

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	var got struct {
		Status    string `json:"status"`
		Providers []struct {
			Name       string `json:"name"`
			Capability string `json:"capability"`
			Health     string `json:"health"`
		} `json:"providers"`
		Calls []json.RawMessage `json:"calls"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "degraded", got.Status)
	assert.Len(t, got.Providers, 3)
	assert.Empty(t, got.Calls)
	for _, p := range got.Providers {
		if p.Name == "stub-llm" {
			assert.Equal(t, "generate", p.Capability)
			assert.Equal(t, "unavailable", p.Health)
		}
	}
}

func TestMediaStreamRunsACall(t *testing.T) {
	rec := &memStore{}
	s, _, ts := newTestServer(t, rec)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/media", nil)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.WriteJSON(connection.TwilioMediaMessage{Event: "connected", Protocol: "Call", Version: "1.0.0"}))
	require.NoError(t, client.WriteJSON(connection.TwilioMediaMessage{
		Event: "start",
		Start: &connection.TwilioStartPayload{
			StreamSid:   "MZ1",
			CallSid:     "CA1",
			Tracks:      []string{"inbound"},
			MediaFormat: connection.TwilioMediaFormat{Encoding: "audio/x-mulaw", SampleRate: 8000, Channels: 1},
		},
	}))
	require.Eventually(t, func() bool {
		_, ok := s.Calls().Get("CA1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	chunk := base64.StdEncoding.EncodeToString(audio.PCMToMuLaw(make([]byte, 320)))
	for range 60 {
		require.NoError(t, client.WriteJSON(connection.TwilioMediaMessage{
			Event: "media",
			Media: &connection.TwilioMediaPayload{Track: "inbound", Payload: chunk},
		}))
	}

	// The agent answers with media on the same socket.
	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var msg connection.TwilioMediaMessage
		require.NoError(t, client.ReadJSON(&msg))
		if msg.Event == "media" {
			assert.Equal(t, "MZ1", msg.StreamSid)
			break
		}
	}

	require.NoError(t, client.WriteJSON(connection.TwilioMediaMessage{Event: "stop", Stop: &connection.TwilioStopPayload{CallSid: "CA1"}}))

	require.Eventually(t, func() bool { return s.Calls().Len() == 0 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(rec.saved()) == 1 }, 2*time.Second, 10*time.Millisecond)

	got := rec.saved()[0]
	assert.Equal(t, "CA1", got.CallID)
	assert.Equal(t, "MZ1", got.StreamSID)
	assert.Equal(t, session.ReasonHangup, got.EndReason)
	require.NotEmpty(t, got.Turns)
	assert.Equal(t, "what are your opening hours", got.Turns[0].Text)
}

func TestStreamWithoutStartTimesOut(t *testing.T) {
	reg := provider.NewRegistry(provider.DefaultHealthConfig())
	factory := CallFactoryFunc(func(string, string, session.Sink) (*session.CallSession, error) {
		t.Fatal("no session without a start event")
		return nil, nil
	})
	s := NewTwilioMediaServer(TwilioServerConfig{StartTimeout: 50 * time.Millisecond}, factory, reg)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	defer s.Stop()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/media", nil)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = client.ReadMessage()
	assert.Error(t, err, "server closes the socket")
}
