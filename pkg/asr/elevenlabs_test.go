package asr

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scribeRequest struct {
	apiKey string
	query  string
}

// fakeScribe acknowledges the session, answers each chunk with a partial and
// each commit with a committed transcript describing the bytes received.
func fakeScribe(t *testing.T, dropAfterChunks int) (string, <-chan scribeRequest) {
	t.Helper()
	requests := make(chan scribeRequest, 4)
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests <- scribeRequest{apiKey: r.Header.Get("xi-api-key"), query: r.URL.RawQuery}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if err := conn.WriteJSON(map[string]string{"message_type": "session_started"}); err != nil {
			return
		}
		total, chunks := 0, 0
		for {
			var chunk elevenlabsAudioChunk
			if err := conn.ReadJSON(&chunk); err != nil {
				return
			}
			pcm, _ := base64.StdEncoding.DecodeString(chunk.AudioBase64)
			total += len(pcm)
			chunks++
			if dropAfterChunks > 0 && chunks >= dropAfterChunks {
				return
			}
			msg := map[string]any{"message_type": "partial_transcript", "text": "..."}
			if chunk.Commit {
				msg = map[string]any{"message_type": "committed_transcript", "text": fmt.Sprintf("%d bytes", total), "confidence": 0.75}
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), requests
}

func collect(t *testing.T, results <-chan *RecognitionResult) []*RecognitionResult {
	t.Helper()
	var out []*RecognitionResult
	timeout := time.After(2 * time.Second)
	for {
		select {
		case r, ok := <-results:
			if !ok {
				return out
			}
			out = append(out, r)
			if r.IsFinal {
				return out
			}
		case <-timeout:
			t.Fatal("timed out waiting for results")
			return out
		}
	}
}

func TestElevenLabsRecognizerCommit(t *testing.T) {
	url, requests := fakeScribe(t, 0)
	p, err := NewElevenLabsProvider(ElevenLabsConfig{APIKey: "xi-test", URL: url})
	require.NoError(t, err)
	assert.Equal(t, "elevenlabs", p.Name())

	ctx := context.Background()
	rec, err := p.StreamingRecognize(ctx, DefaultAudioConfig(), RecognitionConfig{Language: "en-US"})
	require.NoError(t, err)
	defer rec.Close()

	req := <-requests
	assert.Equal(t, "xi-test", req.apiKey)
	assert.Contains(t, req.query, "commit_strategy=manual")
	assert.Contains(t, req.query, "language_code=en")
	assert.Contains(t, req.query, "model_id=scribe_v2_realtime")

	require.NoError(t, rec.SendAudio(ctx, make([]byte, 640)))
	require.NoError(t, rec.SendAudio(ctx, make([]byte, 640)))
	require.NoError(t, rec.Finalize(ctx))

	results := collect(t, rec.Results())
	require.NotEmpty(t, results)
	final := results[len(results)-1]
	assert.True(t, final.IsFinal)
	assert.Equal(t, "1280 bytes", final.Text)
	assert.InDelta(t, 0.75, final.Confidence, 1e-6)
	for _, r := range results[:len(results)-1] {
		assert.False(t, r.IsFinal)
		assert.Equal(t, float32(-1), r.Confidence)
	}

	require.NoError(t, rec.Close())
	assert.ErrorIs(t, rec.SendAudio(ctx, []byte{0, 0}), errRecognizerClosed)
}

func TestElevenLabsRecognizerServerDrop(t *testing.T) {
	url, _ := fakeScribe(t, 1)
	p, err := NewElevenLabsProvider(ElevenLabsConfig{APIKey: "xi-test", URL: url})
	require.NoError(t, err)

	rec, err := p.StreamingRecognize(context.Background(), DefaultAudioConfig(), RecognitionConfig{})
	require.NoError(t, err)
	defer rec.Close()

	require.NoError(t, rec.SendAudio(context.Background(), make([]byte, 640)))
	assert.Empty(t, collect(t, rec.Results()), "results close without a final")
}

func TestElevenLabsProviderValidation(t *testing.T) {
	_, err := NewElevenLabsProvider(ElevenLabsConfig{})
	assert.Error(t, err)

	p, err := NewElevenLabsProvider(ElevenLabsConfig{APIKey: "k"})
	require.NoError(t, err)
	_, err = p.StreamingRecognize(context.Background(), AudioConfig{SampleRate: 8000, Channels: 1, BitsPerSample: 16}, RecognitionConfig{})
	assert.Error(t, err)
}

func TestNormalizeLanguageCode(t *testing.T) {
	cases := map[string]string{
		"":      "",
		"auto":  "",
		"en":    "en",
		"en-US": "en",
		"zh_CN": "zh",
		"PT-br": "pt",
		"yue":   "yue",
	}
	for in, want := range cases {
		assert.Equal(t, want, normalizeLanguageCode(in), in)
	}
}
