package gemini_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/speakflow/pkg/audio/pcm"
	"github.com/MrWong99/speakflow/pkg/provider/live"
	"github.com/MrWong99/speakflow/pkg/provider/live/gemini"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startGeminiServer launches a test WebSocket server. The handler function
// receives the accepted *websocket.Conn. The server is automatically closed
// when the test finishes.
func startGeminiServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// sendSetupComplete sends the server-side setupComplete ack.
func sendSetupComplete(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
}

// newProvider creates a Provider pointing at the given test server.
func newProvider(srv *httptest.Server) *gemini.Provider {
	return gemini.New("test-api-key", gemini.WithBaseURL(wsURL(srv)), gemini.WithKeepalive(0))
}

// nextEvent waits for the next event on ch.
func nextEvent(t *testing.T, ch <-chan live.Event) (live.Event, bool) {
	t.Helper()
	select {
	case ev, ok := <-ch:
		return ev, ok
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
		return live.Event{}, false
	}
}

// expectClosed waits until ch is closed, discarding any events.
func expectClosed(t *testing.T, ch <-chan live.Event) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("timeout waiting for event stream to close")
		}
	}
}

// ── Connect ────────────────────────────────────────────────────────────────────

func TestConnect_SendsSetup(t *testing.T) {
	t.Parallel()

	type setupMsg struct {
		Setup struct {
			Model            string `json:"model"`
			GenerationConfig struct {
				ResponseModalities []string `json:"responseModalities"`
				SpeechConfig       *struct {
					VoiceConfig struct {
						PrebuiltVoiceConfig struct {
							VoiceName string `json:"voiceName"`
						} `json:"prebuiltVoiceConfig"`
					} `json:"voiceConfig"`
				} `json:"speechConfig"`
			} `json:"generationConfig"`
			SystemInstruction *struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"systemInstruction"`
			InputAudioTranscription  *struct{} `json:"inputAudioTranscription"`
			OutputAudioTranscription *struct{} `json:"outputAudioTranscription"`
		} `json:"setup"`
	}

	received := make(chan setupMsg, 1)
	keys := make(chan string, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, r *http.Request) {
		keys <- r.URL.Query().Get("key")
		var msg setupMsg
		readJSON(t, conn, &msg)
		received <- msg
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	ch, err := newProvider(srv).Connect(context.Background(), live.Config{
		Model:               "custom-model",
		Voice:               "Zephyr",
		SystemInstruction:   "be a coach",
		InputTranscription:  true,
		OutputTranscription: true,
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer ch.Close()

	var msg setupMsg
	select {
	case msg = <-received:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for setup message")
	}

	if key := <-keys; key != "test-api-key" {
		t.Errorf("key = %q, want %q", key, "test-api-key")
	}
	s := msg.Setup
	if s.Model != "models/custom-model" {
		t.Errorf("model = %q, want %q", s.Model, "models/custom-model")
	}
	if got := s.GenerationConfig.ResponseModalities; len(got) != 1 || got[0] != "AUDIO" {
		t.Errorf("responseModalities = %v, want [AUDIO]", got)
	}
	if s.GenerationConfig.SpeechConfig == nil ||
		s.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName != "Zephyr" {
		t.Errorf("voice not set to Zephyr: %+v", s.GenerationConfig.SpeechConfig)
	}
	if s.SystemInstruction == nil || len(s.SystemInstruction.Parts) != 1 || s.SystemInstruction.Parts[0].Text != "be a coach" {
		t.Errorf("systemInstruction = %+v", s.SystemInstruction)
	}
	if s.InputAudioTranscription == nil || s.OutputAudioTranscription == nil {
		t.Error("transcription flags not sent")
	}
}

func TestConnect_DefaultModelAndOptionalFields(t *testing.T) {
	t.Parallel()

	raw := make(chan map[string]any, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg map[string]any
		readJSON(t, conn, &msg)
		raw <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	ch, err := newProvider(srv).Connect(context.Background(), live.Config{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer ch.Close()

	msg := <-raw
	setup, _ := msg["setup"].(map[string]any)
	if got, want := setup["model"], "models/"+gemini.DefaultModel; got != want {
		t.Errorf("model = %v, want %v", got, want)
	}
	for _, field := range []string{"systemInstruction", "inputAudioTranscription", "outputAudioTranscription"} {
		if _, ok := setup[field]; ok {
			t.Errorf("unexpected field %q in setup", field)
		}
	}
}

func TestConnect_AuthFailureOnHandshake(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "API key not valid", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	_, err := newProvider(srv).Connect(context.Background(), live.Config{})
	if !errors.Is(err, live.ErrAuthFailure) {
		t.Fatalf("err = %v, want ErrAuthFailure", err)
	}
}

func TestConnect_ConnectionRefused(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	p := gemini.New("key", gemini.WithBaseURL(url))
	_, err := p.Connect(context.Background(), live.Config{})
	if !errors.Is(err, live.ErrConnectionRefused) {
		t.Fatalf("err = %v, want ErrConnectionRefused", err)
	}
}

// ── Inbound events ─────────────────────────────────────────────────────────────

func TestEvents_OpenedThenContent(t *testing.T) {
	t.Parallel()

	audio := []byte{0x01, 0x00, 0xff, 0x7f}
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		sendSetupComplete(t, conn)
		// Malformed frame is skipped.
		_ = conn.Write(context.Background(), websocket.MessageText, []byte("{not json"))
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"inputTranscription": map[string]any{"text": "hello"},
				"modelTurn": map[string]any{
					"parts": []map[string]any{
						{"inlineData": map[string]any{
							"mimeType": "audio/pcm;rate=24000",
							"data":     base64.StdEncoding.EncodeToString(audio),
						}},
						{"text": "hi there"},
					},
				},
				"outputTranscription": map[string]any{"text": "hi there", "finished": true},
			},
		})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		<-conn.CloseRead(context.Background()).Done()
	})

	ch, err := newProvider(srv).Connect(context.Background(), live.Config{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer ch.Close()

	ev, _ := nextEvent(t, ch.Events())
	if ev.Signal != live.SignalOpened {
		t.Fatalf("first event signal = %v, want opened", ev.Signal)
	}

	ev, _ = nextEvent(t, ch.Events())
	sc := ev.Content
	if ev.Signal != live.SignalNone || sc == nil {
		t.Fatalf("second event = %+v, want content", ev)
	}
	if sc.InputTranscription == nil || sc.InputTranscription.Text != "hello" {
		t.Errorf("InputTranscription = %+v", sc.InputTranscription)
	}
	if len(sc.ModelTurn) != 2 {
		t.Fatalf("ModelTurn parts = %d, want 2", len(sc.ModelTurn))
	}
	if d := sc.ModelTurn[0].InlineData; d == nil || d.MIMEType != "audio/pcm;rate=24000" || !bytes.Equal(d.Data, audio) {
		t.Errorf("inline data = %+v", d)
	}
	if sc.ModelTurn[1].Text != "hi there" {
		t.Errorf("text part = %q", sc.ModelTurn[1].Text)
	}
	if sc.OutputTranscription == nil || !sc.OutputTranscription.Finished {
		t.Errorf("OutputTranscription = %+v", sc.OutputTranscription)
	}

	ev, _ = nextEvent(t, ch.Events())
	if ev.Content == nil || !ev.Content.TurnComplete {
		t.Errorf("third event = %+v, want turnComplete", ev)
	}
}

func TestEvents_RemoteNormalClose(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		sendSetupComplete(t, conn)
		conn.Close(websocket.StatusNormalClosure, "bye")
	})

	ch, err := newProvider(srv).Connect(context.Background(), live.Config{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer ch.Close()

	if ev, _ := nextEvent(t, ch.Events()); ev.Signal != live.SignalOpened {
		t.Fatalf("signal = %v, want opened", ev.Signal)
	}
	if ev, _ := nextEvent(t, ch.Events()); ev.Signal != live.SignalClosed {
		t.Fatalf("signal = %v, want closed", ev.Signal)
	}
	expectClosed(t, ch.Events())
}

func TestEvents_PolicyCloseBeforeOpenIsAuthFailure(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		conn.Close(websocket.StatusPolicyViolation, "API key not valid. Please pass a valid API key.")
	})

	ch, err := newProvider(srv).Connect(context.Background(), live.Config{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer ch.Close()

	ev, _ := nextEvent(t, ch.Events())
	if ev.Signal != live.SignalErrored || !errors.Is(ev.Err, live.ErrAuthFailure) {
		t.Fatalf("event = %+v, want errored with ErrAuthFailure", ev)
	}
	expectClosed(t, ch.Events())
}

func TestEvents_ServerErrorIsStreamError(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		sendSetupComplete(t, conn)
		writeJSON(t, conn, map[string]any{"error": map[string]any{"code": 500, "message": "internal"}})
		<-conn.CloseRead(context.Background()).Done()
	})

	ch, err := newProvider(srv).Connect(context.Background(), live.Config{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer ch.Close()

	nextEvent(t, ch.Events()) // opened
	ev, _ := nextEvent(t, ch.Events())
	if ev.Signal != live.SignalErrored || !errors.Is(ev.Err, live.ErrStream) {
		t.Fatalf("event = %+v, want errored with ErrStream", ev)
	}
	expectClosed(t, ch.Events())
}

// ── Send ───────────────────────────────────────────────────────────────────────

func TestSend_PreservesOrder(t *testing.T) {
	t.Parallel()

	const n = 10
	type media struct {
		RealtimeInput struct {
			MediaChunks []struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"mediaChunks"`
		} `json:"realtimeInput"`
	}
	got := make(chan media, n)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		sendSetupComplete(t, conn)
		for range n {
			var m media
			readJSON(t, conn, &m)
			got <- m
		}
	})

	ch, err := newProvider(srv).Connect(context.Background(), live.Config{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer ch.Close()

	for i := range n {
		chunk := pcm.Chunk{Data: []byte{byte(i), 0}, SampleRate: 16000, MIMEType: pcm.MIMEType(16000)}
		if err := ch.Send(chunk); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}

	for i := range n {
		var m media
		select {
		case m = <-got:
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for chunk %d", i)
		}
		if len(m.RealtimeInput.MediaChunks) != 1 {
			t.Fatalf("chunk %d: %d media chunks", i, len(m.RealtimeInput.MediaChunks))
		}
		mc := m.RealtimeInput.MediaChunks[0]
		if mc.MIMEType != "audio/pcm;rate=16000" {
			t.Errorf("chunk %d: mime = %q", i, mc.MIMEType)
		}
		data, _ := base64.StdEncoding.DecodeString(mc.Data)
		if len(data) != 2 || data[0] != byte(i) {
			t.Errorf("chunk %d arrived out of order: %v", i, data)
		}
	}
}

func TestClose_IdempotentAndStopsEvents(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	ch, err := newProvider(srv).Connect(context.Background(), live.Config{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	nextEvent(t, ch.Events()) // opened

	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if _, ok := <-ch.Events(); ok {
		t.Error("event delivered after Close")
	}
	if err := ch.Send(pcm.Chunk{Data: []byte{0, 0}, SampleRate: 16000}); !errors.Is(err, live.ErrSendFailed) {
		t.Errorf("Send after Close: err = %v, want ErrSendFailed", err)
	}
}
