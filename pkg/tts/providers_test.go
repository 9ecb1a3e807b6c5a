package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drainAudio(audio <-chan []byte, errs <-chan error) ([]byte, error) {
	var out []byte
	for chunk := range audio {
		out = append(out, chunk...)
	}
	return out, <-errs
}

func TestNewProvidersValidate(t *testing.T) {
	tests := []struct {
		name string
		new  func() error
	}{
		{"ws missing key", func() error { _, err := NewElevenLabsWSProvider(ElevenLabsWSConfig{VoiceID: "v"}); return err }},
		{"ws missing voice", func() error { _, err := NewElevenLabsWSProvider(ElevenLabsWSConfig{APIKey: "k"}); return err }},
		{"http missing key", func() error { _, err := NewElevenLabsHTTPProvider(ElevenLabsHTTPConfig{VoiceID: "v"}); return err }},
		{"http missing voice", func() error { _, err := NewElevenLabsHTTPProvider(ElevenLabsHTTPConfig{APIKey: "k"}); return err }},
		{"openai missing key", func() error { _, err := NewOpenAIProvider(OpenAIConfig{}); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.new())
		})
	}
}

// fakeStreamInput mimics the stream-input websocket: it reads the init,
// text and end messages, then answers with two audio messages.
func fakeStreamInput(t *testing.T, reply []map[string]any) (*httptest.Server, chan []map[string]any) {
	received := make(chan []map[string]any, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/voice-1/stream-input", r.URL.Path)
		assert.Equal(t, "pcm_16000", r.URL.Query().Get("output_format"))
		assert.Equal(t, "en", r.URL.Query().Get("language_code"))
		assert.Equal(t, "key", r.Header.Get("xi-api-key"))

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var msgs []map[string]any
		for i := 0; i < 3; i++ {
			var m map[string]any
			if err := conn.ReadJSON(&m); err != nil {
				return
			}
			msgs = append(msgs, m)
		}
		received <- msgs
		for _, m := range reply {
			if err := conn.WriteJSON(m); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, received
}

func TestElevenLabsWSStream(t *testing.T) {
	pcm := []byte{1, 2, 3, 4}
	srv, received := fakeStreamInput(t, []map[string]any{
		{"audio": base64.StdEncoding.EncodeToString(pcm[:2])},
		{"audio": base64.StdEncoding.EncodeToString(pcm[2:])},
		{"isFinal": true},
	})
	p, err := NewElevenLabsWSProvider(ElevenLabsWSConfig{APIKey: "key", VoiceID: "voice-1", Endpoint: "ws" + strings.TrimPrefix(srv.URL, "http")})
	require.NoError(t, err)

	got, err := drainAudio(p.StreamSynthesize(context.Background(), &SynthesizeRequest{Text: "Hi there.", Language: "en-US", SampleRate: 16000}))
	require.NoError(t, err)
	assert.Equal(t, pcm, got)

	msgs := <-received
	assert.Equal(t, " ", msgs[0]["text"])
	assert.Equal(t, "Hi there. ", msgs[1]["text"])
	assert.Equal(t, "", msgs[2]["text"])
}

func TestElevenLabsWSServerError(t *testing.T) {
	srv, _ := fakeStreamInput(t, []map[string]any{{"error": "quota_exceeded", "message": "out of credits"}})
	p, err := NewElevenLabsWSProvider(ElevenLabsWSConfig{APIKey: "key", VoiceID: "voice-1", Endpoint: "ws" + strings.TrimPrefix(srv.URL, "http")})
	require.NoError(t, err)

	_, err = drainAudio(p.StreamSynthesize(context.Background(), &SynthesizeRequest{Text: "Hi", Language: "en", SampleRate: 16000}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota_exceeded")
}

func TestElevenLabsHTTPStream(t *testing.T) {
	pcm := make([]byte, 10000)
	for i := range pcm {
		pcm[i] = byte(i)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/voice-1/stream", r.URL.Path)
		assert.Equal(t, "pcm_16000", r.URL.Query().Get("output_format"))
		var body elevenLabsHTTPRequestBody
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Hello.", body.Text)
		assert.Equal(t, elevenLabsDefaultModel, body.ModelID)
		_, _ = w.Write(pcm)
	}))
	defer srv.Close()

	p, err := NewElevenLabsHTTPProvider(ElevenLabsHTTPConfig{APIKey: "key", VoiceID: "voice-1", Endpoint: srv.URL})
	require.NoError(t, err)
	got, err := drainAudio(p.StreamSynthesize(context.Background(), &SynthesizeRequest{Text: "Hello.", SampleRate: 16000}))
	require.NoError(t, err)
	assert.Equal(t, pcm, got)
}

func TestElevenLabsHTTPStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p, err := NewElevenLabsHTTPProvider(ElevenLabsHTTPConfig{APIKey: "key", VoiceID: "voice-1", Endpoint: srv.URL})
	require.NoError(t, err)
	_, err = drainAudio(p.StreamSynthesize(context.Background(), &SynthesizeRequest{Text: "Hello.", SampleRate: 16000}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestOpenAIStream(t *testing.T) {
	second := make([]byte, 48000) // one second of 24 kHz PCM16
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/audio/speech", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		var body openAISpeechRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "pcm", body.ResponseFormat)
		assert.Equal(t, openAIDefaultVoice, body.Voice)
		// odd-sized writes split samples across reads
		_, _ = w.Write(second[:1001])
		w.(http.Flusher).Flush()
		_, _ = w.Write(second[1001:])
	}))
	defer srv.Close()

	p, err := NewOpenAIProvider(OpenAIConfig{APIKey: "key", BaseURL: srv.URL + "/v1/"})
	require.NoError(t, err)

	native, err := drainAudio(p.StreamSynthesize(context.Background(), &SynthesizeRequest{Text: "Hi", SampleRate: 24000}))
	require.NoError(t, err)
	assert.Len(t, native, len(second))

	resampled, err := drainAudio(p.StreamSynthesize(context.Background(), &SynthesizeRequest{Text: "Hi", SampleRate: 16000}))
	require.NoError(t, err)
	assert.NotEmpty(t, resampled)
	assert.Zero(t, len(resampled)%2)
	assert.Less(t, len(resampled), len(second))
}

func TestOpenAIStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"message":"bad key"}}`)
	}))
	defer srv.Close()

	p, err := NewOpenAIProvider(OpenAIConfig{APIKey: "key", BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = drainAudio(p.StreamSynthesize(context.Background(), &SynthesizeRequest{Text: "Hi", SampleRate: 16000}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestElevenLabsOutputFormat(t *testing.T) {
	f, err := elevenLabsOutputFormat(8000)
	require.NoError(t, err)
	assert.Equal(t, "pcm_8000", f)
	_, err = elevenLabsOutputFormat(12345)
	assert.Error(t, err)
}

func TestLanguageCode(t *testing.T) {
	assert.Equal(t, "en", languageCode("en-US"))
	assert.Equal(t, "pt", languageCode("pt_BR"))
	assert.Equal(t, "de", languageCode("DE"))
	assert.Equal(t, "", languageCode(""))
}
