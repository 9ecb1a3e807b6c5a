// Package server provides the HTTP and WebSocket front door for phone calls.
//
// TwilioMediaServer implements a WebSocket server for Twilio Media Streams.
// Every stream that starts becomes one CallSession.
//
// Endpoints:
//   - TwiML webhook answering calls with <Connect><Stream>
//   - WebSocket endpoint for Twilio Media Streams
//   - Health endpoint with provider health and active calls
//
// Usage:
//  1. Point the Twilio number's voice webhook at /twiml
//  2. Provide a CallFactory that builds sessions
//  3. Start the server
//
// Reference: https://www.twilio.com/docs/voice/media-streams

package server

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/realtime-ai/callflow/pkg/connection"
	"github.com/realtime-ai/callflow/pkg/pipeline"
	"github.com/realtime-ai/callflow/pkg/provider"
	"github.com/realtime-ai/callflow/pkg/session"
)

var twimlTemplate = template.Must(template.New("twiml").Parse(`<?xml version="1.0" encoding="UTF-8"?>
<Response>
    <Connect>
        <Stream url="{{.StreamURL}}">
            {{range $key, $value := .Parameters}}
            <Parameter name="{{$key}}" value="{{$value}}" />
            {{end}}
        </Stream>
    </Connect>
</Response>`))

// TwilioMediaServer handles Twilio Media Streams WebSocket connections.
type TwilioMediaServer struct {
	config  TwilioServerConfig
	factory CallFactory
	health  HealthReporter

	upgrader websocket.Upgrader
	server   *http.Server

	calls *session.Manager

	connsMu sync.Mutex
	conns   map[*connection.TwilioConnection]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTwilioMediaServer creates a new Twilio Media Streams server. health
// may be nil.
func NewTwilioMediaServer(config TwilioServerConfig, factory CallFactory, health HealthReporter) *TwilioMediaServer {
	config = config.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	return &TwilioMediaServer{
		config:  config,
		factory: factory,
		health:  health,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		calls:  session.NewManager(),
		conns:  make(map[*connection.TwilioConnection]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Handler returns the HTTP routes of the server.
func (s *TwilioMediaServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.config.WebSocketPath, s.handleWebSocket)
	mux.HandleFunc(s.config.TwiMLPath, s.handleTwiML)
	mux.HandleFunc(s.config.HealthPath, s.handleHealth)
	return mux
}

// Calls returns the active call sessions.
func (s *TwilioMediaServer) Calls() *session.Manager {
	return s.calls
}

// Start listens in the background. Cancelling ctx hangs up every call.
func (s *TwilioMediaServer) Start(ctx context.Context) error {
	context.AfterFunc(ctx, s.cancel)

	s.server = &http.Server{
		Addr:    s.config.Address,
		Handler: s.Handler(),
	}

	log.Printf("[TwilioServer] Starting server on %s", s.config.Address)
	log.Printf("[TwilioServer] WebSocket endpoint: %s", s.config.WebSocketPath)
	log.Printf("[TwilioServer] TwiML endpoint: %s", s.config.TwiMLPath)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[TwilioServer] Server error: %v", err)
		}
	}()

	return nil
}

// Stop hangs up every call and shuts the listener down.
func (s *TwilioMediaServer) Stop() error {
	log.Printf("[TwilioServer] Stopping server...")
	s.cancel()

	// Sessions record their calls before they report done.
	s.calls.CloseAll()

	s.connsMu.Lock()
	conns := make([]*connection.TwilioConnection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.connsMu.Unlock()
	for _, c := range conns {
		c.Close()
	}

	var err error
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = s.server.Shutdown(ctx)
	}

	s.wg.Wait()
	log.Printf("[TwilioServer] Server stopped")
	return err
}

// handleWebSocket handles incoming Twilio WebSocket connections.
func (s *TwilioMediaServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	log.Printf("[TwilioServer] WebSocket connection from %s", r.RemoteAddr)

	if s.ctx.Err() != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[TwilioServer] WebSocket upgrade failed: %v", err)
		return
	}

	twilioConn, err := connection.NewTwilioConnection(wsConn, s.config.SampleRate)
	if err != nil {
		log.Printf("[TwilioServer] Failed to create Twilio connection: %v", err)
		wsConn.Close()
		return
	}

	h := &callHandler{
		server:  s,
		conn:    twilioConn,
		started: make(chan struct{}),
	}
	twilioConn.RegisterEventHandler(h)

	s.connsMu.Lock()
	s.conns[twilioConn] = struct{}{}
	s.connsMu.Unlock()

	twilioConn.Start()

	s.wg.Add(1)
	go s.superviseConnection(h)
}

// superviseConnection closes streams that never start and forgets the
// connection once it is closed.
func (s *TwilioMediaServer) superviseConnection(h *callHandler) {
	defer s.wg.Done()

	timer := time.NewTimer(s.config.StartTimeout)
	defer timer.Stop()

	select {
	case <-h.started:
	case <-timer.C:
		log.Printf("[TwilioServer] Timeout waiting for stream start")
		h.conn.Close()
	case <-h.conn.Done():
	case <-s.ctx.Done():
		h.conn.Close()
	}

	<-h.conn.Done()
	s.connsMu.Lock()
	delete(s.conns, h.conn)
	s.connsMu.Unlock()
}

// handleTwiML serves TwiML for incoming calls.
func (s *TwilioMediaServer) handleTwiML(w http.ResponseWriter, r *http.Request) {
	log.Printf("[TwilioServer] TwiML request from %s", r.RemoteAddr)

	if err := r.ParseForm(); err == nil {
		log.Printf("[TwilioServer] Incoming call: CallSid=%s, From=%s, To=%s",
			r.FormValue("CallSid"), r.FormValue("From"), r.FormValue("To"))
	}

	streamURL := s.config.StreamURL
	if streamURL == "" {
		streamURL = "wss://" + r.Host + s.config.WebSocketPath
	}

	data := struct {
		StreamURL  string
		Parameters map[string]string
	}{
		StreamURL:  streamURL,
		Parameters: s.config.CustomParameters,
	}

	w.Header().Set("Content-Type", "application/xml")
	if err := twimlTemplate.Execute(w, data); err != nil {
		log.Printf("[TwilioServer] Failed to execute TwiML template: %v", err)
	}
}

type healthResponse struct {
	Status    string            `json:"status"`
	Providers []provider.Status `json:"providers"`
	Calls     []session.Info    `json:"calls"`
}

// handleHealth reports "degraded" when some capability has no backend left
// that could be selected.
func (s *TwilioMediaServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		Providers: []provider.Status{},
		Calls:     s.calls.List(),
	}
	if resp.Calls == nil {
		resp.Calls = []session.Info{}
	}
	if s.health != nil {
		resp.Providers = s.health.Snapshot()
		usable := map[provider.Capability]bool{}
		for _, st := range resp.Providers {
			usable[st.Capability] = usable[st.Capability] || st.Health != provider.Unavailable
		}
		for _, ok := range usable {
			if !ok {
				resp.Status = "degraded"
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("[TwilioServer] Failed to write health: %v", err)
	}
}

// callHandler ties one Twilio stream to its call session.
type callHandler struct {
	server  *TwilioMediaServer
	conn    *connection.TwilioConnection
	started chan struct{}
	once    sync.Once

	mu   sync.Mutex
	sess *session.CallSession
}

func (h *callHandler) current() *session.CallSession {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sess
}

func (h *callHandler) OnConnectionStateChange(state connection.ConnectionState) {
	log.Printf("[TwilioServer] Connection state changed: %v", state)

	switch state {
	case connection.ConnectionStateConnected:
		h.once.Do(h.startCall)
	case connection.ConnectionStateDisconnected,
		connection.ConnectionStateClosed,
		connection.ConnectionStateFailed:
		if sess := h.current(); sess != nil {
			sess.Hangup()
		}
	}
}

// startCall runs on the connection's read goroutine.
func (h *callHandler) startCall() {
	close(h.started)

	s := h.server
	callID := h.conn.CallSid()
	if callID == "" {
		callID = uuid.NewString()
	}
	streamSID := h.conn.StreamSid()

	log.Printf("[TwilioServer] Creating session for call %s (stream %s)", callID, streamSID)

	sess, err := s.factory.NewCall(callID, streamSID, h.conn)
	if err != nil {
		log.Printf("[TwilioServer] Failed to create session: %v", err)
		go h.conn.Close()
		return
	}
	if err := s.calls.Add(sess); err != nil {
		log.Printf("[TwilioServer] %v", err)
		sess.Close()
		go h.conn.Close()
		return
	}

	h.mu.Lock()
	h.sess = sess
	h.mu.Unlock()

	startTime := time.Now()
	sess.Start(s.ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-sess.Done()
		s.calls.Remove(sess)
		log.Printf("[TwilioServer] Session removed for call %s (duration: %v)", callID, time.Since(startTime))
	}()
}

func (h *callHandler) OnAudio(frame pipeline.AudioFrame) {
	if sess := h.current(); sess != nil {
		sess.PushAudio(frame)
	}
}

func (h *callHandler) OnDTMF(digit string) {
	log.Printf("[TwilioServer] Call %s pressed %s", h.conn.CallSid(), digit)
}

func (h *callHandler) OnError(err error) {
	log.Printf("[TwilioServer] Connection error on call %s: %v", h.conn.CallSid(), err)
}
