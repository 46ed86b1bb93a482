// Package gemini implements the live.Provider interface for Google's Gemini
// Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live
// endpoint and exchanges JSON messages according to the BidiGenerateContent
// protocol. Microphone audio is transmitted as base64-encoded PCM media chunks;
// model audio, transcriptions and lifecycle signals are surfaced in arrival
// order on the channel's event stream.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/speakflow/pkg/audio/pcm"
	"github.com/MrWong99/speakflow/pkg/provider/live"
)

// Compile-time assertions that Provider and channel satisfy the live interfaces.
var _ live.Provider = (*Provider)(nil)
var _ live.Channel = (*channel)(nil)

const (
	// DefaultModel is the native-audio model used when neither the provider
	// nor the session config names one.
	DefaultModel = "gemini-2.5-flash-native-audio-preview-12-2025"

	defaultBaseURL    = "wss://generativelanguage.googleapis.com/ws"
	defaultAPIVersion = "v1beta"
	defaultQueueSize  = 64
	eventBufferSize   = 64

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used when the session config leaves it
// empty.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimSuffix(url, "/") }
}

// WithAPIVersion selects the API version path segment (default "v1beta").
func WithAPIVersion(version string) Option {
	return func(p *Provider) { p.apiVersion = version }
}

// WithSendQueue sets how many outbound chunks may wait for the writer before
// Send starts reporting [live.ErrSendFailed].
func WithSendQueue(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.queueSize = n
		}
	}
}

// WithKeepalive sets the WebSocket ping interval. Zero disables pings.
func WithKeepalive(interval time.Duration) Option {
	return func(p *Provider) { p.keepalive = interval }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey     string
	model      string
	baseURL    string
	apiVersion string
	queueSize  int
	keepalive  time.Duration
}

// New creates a new Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:     apiKey,
		model:      DefaultModel,
		baseURL:    defaultBaseURL,
		apiVersion: defaultAPIVersion,
		queueSize:  defaultQueueSize,
		keepalive:  keepaliveInterval,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect dials the Gemini Live endpoint and sends the setup message. The
// returned channel reports [live.SignalOpened] once the server acknowledges
// the setup.
func (p *Provider) Connect(ctx context.Context, cfg live.Config) (live.Channel, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.%s.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, p.apiVersion, url.QueryEscape(p.apiKey),
	)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("gemini: dial: %w: %w", live.ErrAuthFailure, err)
		}
		return nil, fmt.Errorf("gemini: dial: %w: %w", live.ErrConnectionRefused, err)
	}

	chCtx, chCancel := context.WithCancel(context.Background())
	c := &channel{
		conn:      conn,
		queue:     make(chan []byte, p.queueSize),
		events:    make(chan live.Event, eventBufferSize),
		ctx:       chCtx,
		cancel:    chCancel,
		readDone:  make(chan struct{}),
		writeDone: make(chan struct{}),
		pingDone:  make(chan struct{}),
	}

	model := cfg.Model
	if model == "" {
		model = p.model
	}
	if err := c.sendSetup(ctx, model, cfg); err != nil {
		chCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w: %w", live.ErrConnectionRefused, err)
	}

	go c.readLoop()
	go c.writeLoop()
	go c.keepaliveLoop(p.keepalive)

	return c, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string             `json:"model"`
	GenerationConfig         generationConfig   `json:"generationConfig"`
	SystemInstruction        *systemInstruction `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}          `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}          `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []inlineData `json:"mediaChunks"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *goAway          `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type goAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text     string `json:"text"`
	Finished bool   `json:"finished,omitempty"`
}

// ── channel ────────────────────────────────────────────────────────────────────

type channel struct {
	conn   *websocket.Conn
	queue  chan []byte
	events chan live.Event
	opened atomic.Bool

	mu       sync.Mutex
	closed   bool
	writeErr error

	ctx       context.Context
	cancel    context.CancelFunc
	readDone  chan struct{}
	writeDone chan struct{}
	pingDone  chan struct{}
}

// sendSetup writes the initial BidiGenerateContent setup message.
func (c *channel) sendSetup(ctx context.Context, model string, cfg live.Config) error {
	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}
	modality := cfg.Modality
	if modality == "" {
		modality = live.ModalityAudio
	}

	msg := setupMessage{
		Setup: setupConfig{
			Model: model,
			GenerationConfig: generationConfig{
				ResponseModalities: []string{string(modality)},
			},
		},
	}
	if cfg.SystemInstruction != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.SystemInstruction}},
		}
	}
	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.InputTranscription {
		msg.Setup.InputAudioTranscription = &struct{}{}
	}
	if cfg.OutputTranscription {
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// readLoop reads messages from the WebSocket and turns them into events. It
// owns the events channel and closes it when it exits.
func (c *channel) readLoop() {
	defer close(c.readDone)
	defer close(c.events)

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			// Local Close: no terminal signal.
			if c.ctx.Err() != nil {
				return
			}
			c.emit(c.terminal(err))
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("gemini: skipping malformed frame", "err", err)
			continue
		}
		if !c.dispatch(&msg) {
			return
		}
	}
}

// dispatch forwards one server message. It returns false once a terminal
// event was emitted or the channel is closing.
func (c *channel) dispatch(msg *serverMessage) bool {
	if msg.Error != nil {
		c.emit(live.Event{Signal: live.SignalErrored, Err: c.serverError(msg.Error)})
		return false
	}
	if msg.SetupComplete != nil && !c.opened.Swap(true) {
		if !c.emit(live.Event{Signal: live.SignalOpened}) {
			return false
		}
	}
	if msg.GoAway != nil {
		slog.Info("gemini: server announced disconnect", "time_left", msg.GoAway.TimeLeft)
	}
	if msg.ServerContent != nil {
		content := convertContent(msg.ServerContent)
		if !c.emit(live.Event{Content: content}) {
			return false
		}
	}
	return true
}

// emit delivers ev unless the channel is being closed locally.
func (c *channel) emit(ev live.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// terminal classifies a read error into the terminal lifecycle event.
func (c *channel) terminal(err error) live.Event {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		if !c.opened.Load() && isAuthClose(ce) {
			return live.Event{Signal: live.SignalErrored, Err: fmt.Errorf("gemini: %w: %s", live.ErrAuthFailure, ce.Reason)}
		}
		switch ce.Code {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			var reason error
			if ce.Reason != "" {
				reason = fmt.Errorf("gemini: closed: %s", ce.Reason)
			}
			return live.Event{Signal: live.SignalClosed, Err: reason}
		}
	}
	return live.Event{Signal: live.SignalErrored, Err: fmt.Errorf("gemini: read: %w: %w", live.ErrStream, err)}
}

func (c *channel) serverError(ge *geminiError) error {
	msg := "unknown error"
	if ge.Message != "" {
		msg = ge.Message
	}
	switch {
	case ge.Code == http.StatusUnauthorized, ge.Code == http.StatusForbidden,
		ge.Status == "UNAUTHENTICATED", ge.Status == "PERMISSION_DENIED":
		return fmt.Errorf("gemini: %w: %s", live.ErrAuthFailure, msg)
	default:
		return fmt.Errorf("gemini: %w: %s", live.ErrStream, msg)
	}
}

// isAuthClose reports whether a close frame received before setup completed
// rejects the credentials.
func isAuthClose(ce websocket.CloseError) bool {
	if ce.Code == websocket.StatusPolicyViolation {
		return true
	}
	reason := strings.ToLower(ce.Reason)
	return strings.Contains(reason, "api key") || strings.Contains(reason, "unauthenticated")
}

func convertContent(sc *serverContent) *live.ServerContent {
	out := &live.ServerContent{
		TurnComplete: sc.TurnComplete,
		Interrupted:  sc.Interrupted,
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			lp := live.Part{Text: p.Text}
			if p.InlineData != nil {
				data, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil {
					slog.Warn("gemini: dropping undecodable inline data", "mime", p.InlineData.MIMEType, "err", err)
				} else {
					lp.InlineData = &live.InlineData{MIMEType: p.InlineData.MIMEType, Data: data}
				}
			}
			if lp.Text == "" && lp.InlineData == nil {
				continue
			}
			out.ModelTurn = append(out.ModelTurn, lp)
		}
	}
	if t := sc.InputTranscription; t != nil {
		out.InputTranscription = &live.Transcription{Text: t.Text, Finished: t.Finished}
	}
	if t := sc.OutputTranscription; t != nil {
		out.OutputTranscription = &live.Transcription{Text: t.Text, Finished: t.Finished}
	}
	return out
}

// writeLoop drains the send queue in order. The first write error is sticky:
// later Send calls fail fast.
func (c *channel) writeLoop() {
	defer close(c.writeDone)

	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.queue:
			if err := c.conn.Write(c.ctx, websocket.MessageText, data); err != nil {
				if c.ctx.Err() != nil {
					return
				}
				c.mu.Lock()
				c.writeErr = err
				c.mu.Unlock()
				slog.Warn("gemini: write failed", "err", err)
				return
			}
		}
	}
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (c *channel) keepaliveLoop(interval time.Duration) {
	defer close(c.pingDone)
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, keepaliveTimeout)
			_ = c.conn.Ping(pingCtx)
			cancel()
		}
	}
}

// ── Channel methods ────────────────────────────────────────────────────────────

// Send queues a PCM chunk as a realtimeInput media chunk.
func (c *channel) Send(chunk pcm.Chunk) error {
	mime := chunk.MIMEType
	if mime == "" {
		mime = pcm.MIMEType(chunk.SampleRate)
	}
	data, err := json.Marshal(realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []inlineData{
				{MIMEType: mime, Data: base64.StdEncoding.EncodeToString(chunk.Data)},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("gemini: send: %w: %w", live.ErrSendFailed, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("gemini: send: %w: channel closed", live.ErrSendFailed)
	}
	if c.writeErr != nil {
		return fmt.Errorf("gemini: send: %w: %w", live.ErrSendFailed, c.writeErr)
	}
	select {
	case c.queue <- data:
		return nil
	default:
		return fmt.Errorf("gemini: send: %w: queue full", live.ErrSendFailed)
	}
}

// Events returns the inbound event stream.
func (c *channel) Events() <-chan live.Event { return c.events }

// Close terminates the session and releases all resources. It returns once
// the event stream is closed. Idempotent.
func (c *channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel() // unblocks readLoop, writeLoop and keepaliveLoop
	c.conn.Close(websocket.StatusNormalClosure, "session closed")
	<-c.readDone
	<-c.writeDone
	<-c.pingDone
	return nil
}
