package transports

import (
	"encoding/base64"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/square-key-labs/voicebridge/src/gateway"
	"github.com/square-key-labs/voicebridge/src/serializers"
)

// recordingDispatcher captures every dispatched event.
type recordingDispatcher struct {
	mu          sync.Mutex
	starts      []*serializers.Start
	media       []dispatchedMedia
	marks       []string
	digits      []serializers.Digit
	stops       []string
	disconnects int
}

type dispatchedMedia struct {
	streamID string
	seq      int
	payload  []byte
}

func (d *recordingDispatcher) HandleStart(transport gateway.MediaTransport, start *serializers.Start) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.starts = append(d.starts, start)
}

func (d *recordingDispatcher) HandleMedia(streamID string, seqNum int, payload []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.media = append(d.media, dispatchedMedia{streamID: streamID, seq: seqNum, payload: payload})
}

func (d *recordingDispatcher) HandleMark(streamID, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.marks = append(d.marks, name)
}

func (d *recordingDispatcher) HandleDTMF(streamID string, digit serializers.Digit) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.digits = append(d.digits, digit)
}

func (d *recordingDispatcher) HandleStop(streamID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stops = append(d.stops, streamID)
}

func (d *recordingDispatcher) HandleDisconnect(transport gateway.MediaTransport) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disconnects++
}

func (d *recordingDispatcher) snapshot() (starts, media, marks, digits, stops, disconnects int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.starts), len(d.media), len(d.marks), len(d.digits), len(d.stops), d.disconnects
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func dialTestServer(t *testing.T, dispatcher Dispatcher) *websocket.Conn {
	t.Helper()
	server := NewServer(dispatcher, ServerConfig{AllowAnyOrigin: true})
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestServerDispatchesProviderEvents(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	conn := dialTestServer(t, dispatcher)

	frames := []string{
		`{"event": "connected", "protocol": "Call", "version": "1.0.0"}`,
		`{"event": "start", "streamSid": "MZ1", "start": {"streamSid": "MZ1", "callSid": "CA1", "customParameters": {"assistantType": "receptionist"}}}`,
		`{"event": "media", "streamSid": "MZ1", "sequenceNumber": "7", "media": {"payload": "` +
			base64.StdEncoding.EncodeToString([]byte{0xFF, 0xFF, 0xFF}) + `"}}`,
		`{"event": "mark", "streamSid": "MZ1", "mark": {"name": "playback-1-1"}}`,
		`{"event": "dtmf", "streamSid": "MZ1", "dtmf": {"digit": "4"}}`,
		`{"event": "stop", "streamSid": "MZ1", "stop": {"callSid": "CA1"}}`,
	}
	for _, frame := range frames {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			t.Fatalf("write frame: %v", err)
		}
	}

	waitFor(t, "stop dispatch", func() bool {
		_, _, _, _, stops, _ := dispatcher.snapshot()
		return stops == 1
	})

	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	if len(dispatcher.starts) != 1 || dispatcher.starts[0].CallSid != "CA1" {
		t.Fatalf("starts = %+v, want one for CA1", dispatcher.starts)
	}
	if got := dispatcher.starts[0].CustomParameters["assistantType"]; got != "receptionist" {
		t.Fatalf("assistantType = %q, want receptionist", got)
	}
	if len(dispatcher.media) != 1 {
		t.Fatalf("media dispatches = %d, want 1", len(dispatcher.media))
	}
	m := dispatcher.media[0]
	if m.streamID != "MZ1" || m.seq != 7 || len(m.payload) != 3 {
		t.Fatalf("media dispatch = %+v, want MZ1 seq 7, 3 decoded bytes", m)
	}
	if len(dispatcher.marks) != 1 || dispatcher.marks[0] != "playback-1-1" {
		t.Fatalf("marks = %v, want [playback-1-1]", dispatcher.marks)
	}
	if len(dispatcher.digits) != 1 || dispatcher.digits[0] != serializers.Digit4 {
		t.Fatalf("digits = %v, want [4]", dispatcher.digits)
	}
}

func TestServerDropsMalformedFrames(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	conn := dialTestServer(t, dispatcher)

	frames := []string{
		`\x00not json`,
		`{"event": "media", "streamSid": "MZ1"}`,                                                 // media without payload
		`{"event": "media", "streamSid": "MZ1", "media": {"payload": "!!"}}`,                     // bad base64
		`{"event": "media", "streamSid": "MZ1", "sequenceNumber": "x", "media": {"payload": ""}}`, // bad sequence
		`{"event": "mark", "streamSid": "MZ1"}`,                                                  // mark without name
		`{"event": "dtmf", "streamSid": "MZ1", "dtmf": {"digit": "zz"}}`,                         // unparseable digit
		`{"event": "unheard-of", "streamSid": "MZ1"}`,
		`{"event": "stop", "streamSid": "MZ1"}`, // sentinel: everything above was processed
	}
	for _, frame := range frames {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			t.Fatalf("write frame: %v", err)
		}
	}

	waitFor(t, "sentinel stop", func() bool {
		_, _, _, _, stops, _ := dispatcher.snapshot()
		return stops == 1
	})

	starts, media, marks, digits, _, _ := dispatcher.snapshot()
	if starts != 0 || media != 0 || marks != 0 || digits != 0 {
		t.Fatalf("dispatched starts/media/marks/digits = %d/%d/%d/%d, want all 0", starts, media, marks, digits)
	}
}

func TestServerSignalsDisconnect(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	conn := dialTestServer(t, dispatcher)

	conn.Close()

	waitFor(t, "disconnect dispatch", func() bool {
		_, _, _, _, _, disconnects := dispatcher.snapshot()
		return disconnects == 1
	})
}

func TestSocketSendsOutboundFrames(t *testing.T) {
	// The start dispatch hands the test the server-side transport handle.
	handleCh := make(chan gateway.MediaTransport, 1)
	capture := &startCapture{recordingDispatcher: &recordingDispatcher{}, ch: handleCh}
	conn := dialTestServer(t, capture)

	if err := conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"event": "start", "streamSid": "MZ1", "start": {"streamSid": "MZ1", "callSid": "CA1"}}`)); err != nil {
		t.Fatalf("write start: %v", err)
	}

	var transport gateway.MediaTransport
	select {
	case transport = <-handleCh:
	case <-time.After(2 * time.Second):
		t.Fatal("never received transport handle")
	}

	if err := transport.SendMedia("MZ1", []byte{1, 2, 3}, 0, 0); err != nil {
		t.Fatalf("SendMedia: %v", err)
	}
	if err := transport.SendMark("MZ1", "playback-9-9"); err != nil {
		t.Fatalf("SendMark: %v", err)
	}
	if err := transport.SendClear("MZ1"); err != nil {
		t.Fatalf("SendClear: %v", err)
	}

	wantEvents := []string{serializers.EventMedia, serializers.EventMark, serializers.EventClear}
	for _, want := range wantEvents {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read outbound %s frame: %v", want, err)
		}
		msg, err := serializers.Parse(data)
		if err != nil {
			t.Fatalf("parse outbound frame: %v", err)
		}
		if msg.Event != want || msg.StreamSid != "MZ1" {
			t.Fatalf("outbound frame = %s/%s, want %s/MZ1", msg.Event, msg.StreamSid, want)
		}
	}
}

// startCapture forwards to the recording dispatcher and hands the transport
// handle of the first start event to the test.
type startCapture struct {
	*recordingDispatcher
	ch   chan gateway.MediaTransport
	once sync.Once
}

func (s *startCapture) HandleStart(transport gateway.MediaTransport, start *serializers.Start) {
	s.once.Do(func() { s.ch <- transport })
	s.recordingDispatcher.HandleStart(transport, start)
}
