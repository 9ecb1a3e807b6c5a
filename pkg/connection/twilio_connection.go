// TwilioConnection bridges one Twilio Media Streams websocket to a call
// session.
//
// Audio Format:
//   - Twilio: μ-law, 8kHz, mono, base64 in JSON "media" messages
//   - Session: PCM16 little-endian, 16kHz (configurable), mono, 20ms frames
//
// Reference: https://www.twilio.com/docs/voice/media-streams

package connection

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/realtime-ai/callflow/pkg/audio"
	"github.com/realtime-ai/callflow/pkg/pipeline"
	"github.com/realtime-ai/callflow/pkg/session"
)

// Twilio Media Streams constants
const (
	TwilioSampleRate = 8000 // μ-law both ways
	TwilioChannels   = 1

	// outboundQueueSize holds about ten seconds of agent audio.
	outboundQueueSize = 500
	// endMark is sent after the last outbound frame of a call.
	endMark = "call-ended"
	// drainTimeout bounds playing out queued audio after the call ended.
	drainTimeout = 10 * time.Second
)

var errMalformedMedia = errors.New("malformed media payload")

// TwilioConnection reads caller audio from a Twilio stream and implements
// session.Sink for the agent side.
type TwilioConnection struct {
	conn       *websocket.Conn
	sampleRate int
	handlers   []ConnectionEventHandler

	// Twilio stream metadata, set by the start event
	metaMu           sync.RWMutex
	streamSid        string
	callSid          string
	accountSid       string
	customParameters map[string]string

	// Inbound conversion, owned by the read pump
	upsampler *audio.Resampler
	framer    *audio.Framer
	inSeq     uint64
	inEpoch   time.Time
	malformed int

	// Outbound conversion, owned by the write pump
	downsampler *audio.Resampler
	outQueue    *pipeline.ClearableChan

	// playMu orders frame writes against interruption clears. Frames of a
	// response at or below cutResponse are never written.
	playMu      sync.Mutex
	cutResponse uint64

	state    ConnectionState
	stateMu  sync.RWMutex
	closed   atomic.Bool
	ending   atomic.Bool
	closeMu  sync.Mutex
	closeWg  sync.WaitGroup
	done     chan struct{}
	markChan chan string

	// gorilla/websocket requires synchronized writes
	writeMu sync.Mutex
}

// TwilioMediaMessage represents a Twilio Media Streams WebSocket message.
type TwilioMediaMessage struct {
	Event          string              `json:"event"`
	SequenceNumber string              `json:"sequenceNumber,omitempty"`
	StreamSid      string              `json:"streamSid,omitempty"`
	Protocol       string              `json:"protocol,omitempty"`
	Version        string              `json:"version,omitempty"`
	Start          *TwilioStartPayload `json:"start,omitempty"`
	Media          *TwilioMediaPayload `json:"media,omitempty"`
	Stop           *TwilioStopPayload  `json:"stop,omitempty"`
	Mark           *TwilioMarkPayload  `json:"mark,omitempty"`
	DTMF           *TwilioDTMFPayload  `json:"dtmf,omitempty"`
}

// TwilioStartPayload contains stream initialization data.
type TwilioStartPayload struct {
	AccountSid       string            `json:"accountSid"`
	StreamSid        string            `json:"streamSid"`
	CallSid          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	MediaFormat      TwilioMediaFormat `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// TwilioMediaFormat describes the audio format.
type TwilioMediaFormat struct {
	Encoding   string `json:"encoding"`   // "audio/x-mulaw"
	SampleRate int    `json:"sampleRate"` // 8000
	Channels   int    `json:"channels"`   // 1
}

// TwilioMediaPayload contains audio data.
type TwilioMediaPayload struct {
	Track     string `json:"track,omitempty"` // "inbound" or "outbound"
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"` // base64 μ-law
}

// TwilioStopPayload contains stream termination data.
type TwilioStopPayload struct {
	AccountSid string `json:"accountSid"`
	CallSid    string `json:"callSid"`
}

// TwilioMarkPayload contains mark event data.
type TwilioMarkPayload struct {
	Name string `json:"name"`
}

// TwilioDTMFPayload contains DTMF digit data.
type TwilioDTMFPayload struct {
	Track string `json:"track"`
	Digit string `json:"digit"`
}

// NewTwilioConnection wraps an upgraded websocket. sampleRate is the rate
// of the session side; zero means 16 kHz.
func NewTwilioConnection(conn *websocket.Conn, sampleRate int) (*TwilioConnection, error) {
	if sampleRate <= 0 {
		sampleRate = pipeline.DefaultSampleRate
	}
	up, err := audio.NewResampler(TwilioSampleRate, sampleRate)
	if err != nil {
		return nil, err
	}
	down, err := audio.NewResampler(sampleRate, TwilioSampleRate)
	if err != nil {
		return nil, err
	}

	return &TwilioConnection{
		conn:        conn,
		sampleRate:  sampleRate,
		upsampler:   up,
		downsampler: down,
		framer:      audio.NewFramer(sampleRate, pipeline.DefaultFrameDuration),
		outQueue:    pipeline.NewClearableChan(outboundQueueSize),
		state:       ConnectionStateNew,
		done:        make(chan struct{}),
		markChan:    make(chan string, 10),
	}, nil
}

// PeerID is the call SID once the stream started.
func (tc *TwilioConnection) PeerID() string {
	return tc.CallSid()
}

// StreamSid returns the Twilio stream SID.
func (tc *TwilioConnection) StreamSid() string {
	tc.metaMu.RLock()
	defer tc.metaMu.RUnlock()
	return tc.streamSid
}

// CallSid returns the Twilio call SID.
func (tc *TwilioConnection) CallSid() string {
	tc.metaMu.RLock()
	defer tc.metaMu.RUnlock()
	return tc.callSid
}

// CustomParameters returns the <Parameter> values from the TwiML.
func (tc *TwilioConnection) CustomParameters() map[string]string {
	tc.metaMu.RLock()
	defer tc.metaMu.RUnlock()
	return tc.customParameters
}

// RegisterEventHandler adds a handler. Register before Start.
func (tc *TwilioConnection) RegisterEventHandler(handler ConnectionEventHandler) {
	tc.handlers = append(tc.handlers, handler)
}

// Done is closed when the connection is closed.
func (tc *TwilioConnection) Done() <-chan struct{} {
	return tc.done
}

// Start begins processing the WebSocket connection.
func (tc *TwilioConnection) Start() {
	tc.setState(ConnectionStateConnecting)

	tc.closeWg.Add(2)
	go tc.readPump()
	go tc.writePump()
}

// Close closes the socket and waits for the pumps to exit.
func (tc *TwilioConnection) Close() error {
	tc.closeMu.Lock()
	if tc.closed.Swap(true) {
		tc.closeMu.Unlock()
		return nil
	}
	log.Printf("[TwilioConn] Closing connection for stream %s", tc.StreamSid())
	err := tc.conn.Close()
	close(tc.done)
	tc.closeMu.Unlock()

	tc.closeWg.Wait()
	tc.setState(ConnectionStateClosed)
	return err
}

// SendFrame queues an agent frame for Twilio. It never blocks.
func (tc *TwilioConnection) SendFrame(frame pipeline.AudioFrame) {
	if tc.closed.Load() {
		return
	}
	tc.outQueue.Send(frame)
}

// SendEvent reacts to session lifecycle events: an interruption discards
// queued agent audio, the end of the call plays out what is queued and
// closes the stream.
func (tc *TwilioConnection) SendEvent(ev session.Event) {
	switch ev.Kind {
	case session.EventInterrupted:
		tc.playMu.Lock()
		tc.cutResponse = max(tc.cutResponse, ev.ResponseID)
		n := tc.outQueue.Clear()
		err := tc.ClearAudio()
		tc.playMu.Unlock()
		log.Printf("[TwilioConn] Caller interrupted response %d, dropped %d queued frames", ev.ResponseID, n)
		if err != nil {
			log.Printf("[TwilioConn] Failed to clear audio: %v", err)
		}
	case session.EventCallEnded:
		if tc.ending.Swap(true) {
			return
		}
		log.Printf("[TwilioConn] Call %s ended (%s)", ev.CallID, ev.Reason)
		go tc.drainAndClose()
	case session.EventProviderFailover:
		log.Printf("[TwilioConn] Call %s: %s provider %s failed, %s", ev.CallID, ev.Capability, ev.Provider, ev.Reason)
	}
}

// drainAndClose waits for the queued audio to be written and played, then
// closes the connection.
func (tc *TwilioConnection) drainAndClose() {
	if tc.State() == ConnectionStateDisconnected {
		// Twilio already stopped the stream, nothing will be played.
		tc.Close()
		return
	}
	deadline := time.Now().Add(drainTimeout)
	for tc.outQueue.Len() > 0 && time.Now().Before(deadline) && !tc.closed.Load() {
		time.Sleep(pipeline.DefaultFrameDuration)
	}
	if err := tc.SendMark(endMark); err == nil {
		tc.WaitForMark(endMark, time.Until(deadline))
	}
	tc.Close()
}

// readPump reads messages from Twilio WebSocket.
func (tc *TwilioConnection) readPump() {
	defer tc.closeWg.Done()
	defer func() {
		go tc.Close()
	}()

	for {
		_, message, err := tc.conn.ReadMessage()
		if err != nil {
			if !tc.closed.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[TwilioConn] Read error: %v", err)
				tc.notifyError(err)
			}
			return
		}

		var msg TwilioMediaMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Printf("[TwilioConn] Failed to parse message: %v", err)
			continue
		}

		tc.handleMessage(&msg)
	}
}

// writePump converts queued agent frames and sends them to Twilio.
func (tc *TwilioConnection) writePump() {
	defer tc.closeWg.Done()

	for {
		select {
		case <-tc.done:
			return
		case frame := <-tc.outQueue.Chan():
			if err := tc.playFrame(frame); err != nil {
				log.Printf("[TwilioConn] Failed to send audio: %v", err)
			}
		}
	}
}

// playFrame writes frame unless its response was interrupted after the
// frame left the queue.
func (tc *TwilioConnection) playFrame(frame pipeline.AudioFrame) error {
	tc.playMu.Lock()
	defer tc.playMu.Unlock()
	if frame.ResponseID != 0 && frame.ResponseID <= tc.cutResponse {
		return nil
	}
	return tc.sendAudioToTwilio(frame)
}

// handleMessage processes incoming Twilio messages.
func (tc *TwilioConnection) handleMessage(msg *TwilioMediaMessage) {
	switch msg.Event {
	case "connected":
		log.Printf("[TwilioConn] Connected to Twilio Media Streams (protocol: %s, version: %s)",
			msg.Protocol, msg.Version)

	case "start":
		tc.handleStart(msg)

	case "media":
		if err := tc.handleMedia(msg); err != nil {
			if tc.malformed++; tc.malformed == 1 || tc.malformed%100 == 0 {
				log.Printf("[TwilioConn] Dropped media (%d so far): %v", tc.malformed, err)
			}
		}

	case "stop":
		log.Printf("[TwilioConn] Stream stopped - CallSid: %s", tc.CallSid())
		tc.setState(ConnectionStateDisconnected)

	case "mark":
		if msg.Mark == nil {
			return
		}
		select {
		case tc.markChan <- msg.Mark.Name:
		default:
		}

	case "dtmf":
		if msg.DTMF == nil {
			return
		}
		log.Printf("[TwilioConn] DTMF digit received: %s (track: %s)", msg.DTMF.Digit, msg.DTMF.Track)
		for _, h := range tc.handlers {
			h.OnDTMF(msg.DTMF.Digit)
		}

	default:
		log.Printf("[TwilioConn] Unknown event: %s", msg.Event)
	}
}

// handleStart processes the start event.
func (tc *TwilioConnection) handleStart(msg *TwilioMediaMessage) {
	if msg.Start == nil {
		log.Printf("[TwilioConn] Start event missing payload")
		return
	}

	tc.metaMu.Lock()
	tc.streamSid = msg.Start.StreamSid
	tc.callSid = msg.Start.CallSid
	tc.accountSid = msg.Start.AccountSid
	tc.customParameters = msg.Start.CustomParameters
	tc.metaMu.Unlock()
	tc.inEpoch = time.Now()

	log.Printf("[TwilioConn] Stream started - StreamSid: %s, CallSid: %s, Tracks: %v",
		msg.Start.StreamSid, msg.Start.CallSid, msg.Start.Tracks)
	if f := msg.Start.MediaFormat; f.Encoding != "" && (f.Encoding != "audio/x-mulaw" || f.SampleRate != TwilioSampleRate) {
		log.Printf("[TwilioConn] Unexpected media format: %s, %dHz, %d channel(s)", f.Encoding, f.SampleRate, f.Channels)
	}

	tc.setState(ConnectionStateConnected)
}

// handleMedia converts one inbound media message into session frames.
func (tc *TwilioConnection) handleMedia(msg *TwilioMediaMessage) error {
	if msg.Media == nil || msg.Media.Payload == "" {
		return fmt.Errorf("%w: empty", errMalformedMedia)
	}
	if msg.Media.Track != "" && msg.Media.Track != "inbound" {
		return nil
	}
	if tc.inEpoch.IsZero() {
		return fmt.Errorf("%w: media before start", errMalformedMedia)
	}

	mulaw, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", errMalformedMedia, err)
	}
	pcm, err := tc.upsampler.Resample(audio.MuLawToPCM(mulaw))
	if err != nil {
		return err
	}

	for _, data := range tc.framer.Write(pcm) {
		tc.inSeq++
		frame := pipeline.AudioFrame{
			Seq:        tc.inSeq,
			CapturedAt: tc.inEpoch.Add(time.Duration(tc.inSeq-1) * pipeline.DefaultFrameDuration),
			Duration:   pipeline.DefaultFrameDuration,
			SampleRate: tc.sampleRate,
			PCM:        data,
			Direction:  pipeline.Inbound,
		}
		for _, h := range tc.handlers {
			h.OnAudio(frame)
		}
	}
	return nil
}

// sendAudioToTwilio converts and sends one agent frame.
func (tc *TwilioConnection) sendAudioToTwilio(frame pipeline.AudioFrame) error {
	streamSid := tc.StreamSid()
	if streamSid == "" || tc.closed.Load() {
		return nil
	}

	pcm, err := tc.downsampler.Resample(frame.PCM)
	if err != nil {
		return err
	}
	if len(pcm) == 0 {
		return nil
	}

	return tc.writeJSON(TwilioMediaMessage{
		Event:     "media",
		StreamSid: streamSid,
		Media: &TwilioMediaPayload{
			Payload: base64.StdEncoding.EncodeToString(audio.PCMToMuLaw(pcm)),
		},
	})
}

// SendMark asks Twilio to echo name once the audio sent before it played.
func (tc *TwilioConnection) SendMark(name string) error {
	streamSid := tc.StreamSid()
	if streamSid == "" || tc.closed.Load() {
		return errors.New("stream not started")
	}
	return tc.writeJSON(TwilioMediaMessage{
		Event:     "mark",
		StreamSid: streamSid,
		Mark:      &TwilioMarkPayload{Name: name},
	})
}

// ClearAudio tells Twilio to drop audio it has buffered but not played.
func (tc *TwilioConnection) ClearAudio() error {
	streamSid := tc.StreamSid()
	if streamSid == "" || tc.closed.Load() {
		return nil
	}
	return tc.writeJSON(TwilioMediaMessage{Event: "clear", StreamSid: streamSid})
}

// WaitForMark waits for a specific mark to be returned.
func (tc *TwilioConnection) WaitForMark(name string, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case mark := <-tc.markChan:
			if mark == name {
				return true
			}
		case <-timer.C:
			return false
		case <-tc.done:
			return false
		}
	}
}

func (tc *TwilioConnection) writeJSON(msg TwilioMediaMessage) error {
	tc.writeMu.Lock()
	defer tc.writeMu.Unlock()
	return tc.conn.WriteJSON(msg)
}

// setState updates the connection state and notifies handlers.
func (tc *TwilioConnection) setState(state ConnectionState) {
	tc.stateMu.Lock()
	if tc.state == state {
		tc.stateMu.Unlock()
		return
	}
	tc.state = state
	tc.stateMu.Unlock()

	for _, h := range tc.handlers {
		h.OnConnectionStateChange(state)
	}
}

// notifyError notifies handlers of an error.
func (tc *TwilioConnection) notifyError(err error) {
	tc.setState(ConnectionStateFailed)
	for _, h := range tc.handlers {
		h.OnError(err)
	}
}

// State returns the current connection state.
func (tc *TwilioConnection) State() ConnectionState {
	tc.stateMu.RLock()
	defer tc.stateMu.RUnlock()
	return tc.state
}

var _ session.Sink = (*TwilioConnection)(nil)
