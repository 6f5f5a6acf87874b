// Package transports accepts provider media-stream connections over
// WebSocket, parses the framed events and dispatches them to the gateway.
package transports

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/square-key-labs/voicebridge/src/gateway"
	"github.com/square-key-labs/voicebridge/src/logger"
	"github.com/square-key-labs/voicebridge/src/observability"
	"github.com/square-key-labs/voicebridge/src/serializers"
)

// Dispatcher receives parsed provider events. *gateway.Registry implements
// it.
type Dispatcher interface {
	HandleStart(transport gateway.MediaTransport, start *serializers.Start)
	HandleMedia(streamID string, seqNum int, payload []byte)
	HandleMark(streamID, name string)
	HandleDTMF(streamID string, digit serializers.Digit)
	HandleStop(streamID string)
	HandleDisconnect(transport gateway.MediaTransport)
}

// ServerConfig holds configuration for the media WebSocket endpoint.
type ServerConfig struct {
	// AllowAnyOrigin disables the origin check. Providers connect from
	// their own infrastructure, so this is normally on.
	AllowAnyOrigin bool

	Metrics *observability.Metrics
	Log     *logger.Logger
}

// Server upgrades provider connections and runs one read loop per socket.
type Server struct {
	dispatcher Dispatcher
	upgrader   websocket.Upgrader
	metrics    *observability.Metrics
	log        *logger.Logger
}

// NewServer creates a media WebSocket server.
func NewServer(dispatcher Dispatcher, cfg ServerConfig) *Server {
	log := cfg.Log
	if log == nil {
		log = logger.WithPrefix("WS")
	}
	s := &Server{
		dispatcher: dispatcher,
		metrics:    cfg.Metrics,
		log:        log,
	}
	if cfg.AllowAnyOrigin {
		s.upgrader.CheckOrigin = func(r *http.Request) bool { return true }
	}
	return s
}

// Handler returns the HTTP handler for the media endpoint.
func (s *Server) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Error("upgrade from %s failed: %v", r.RemoteAddr, err)
			return
		}
		s.log.Info("connection from %s", r.RemoteAddr)

		sock := &socket{conn: conn}
		go s.readLoop(sock)
	}
}

func (s *Server) readLoop(sock *socket) {
	defer func() {
		sock.Close()
		s.dispatcher.HandleDisconnect(sock)
		s.log.Info("connection closed")
	}()

	for {
		_, data, err := sock.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Warn("read error: %v", err)
			}
			return
		}
		s.handleMessage(sock, data)
	}
}

func (s *Server) handleMessage(sock *socket, data []byte) {
	msg, err := serializers.Parse(data)
	if err != nil {
		s.log.Warn("malformed frame dropped: %v", err)
		return
	}
	s.metrics.StreamEvent(msg.Event)

	switch msg.Event {
	case serializers.EventConnected:
		s.log.Debug("provider handshake")

	case serializers.EventStart:
		s.dispatcher.HandleStart(sock, msg.Start)

	case serializers.EventMedia:
		payload, err := msg.AudioPayload()
		if err != nil {
			s.log.Warn("media frame on %s dropped: %v", msg.StreamSid, err)
			return
		}
		seqNum, err := msg.Sequence()
		if err != nil {
			s.log.Warn("media frame on %s dropped: %v", msg.StreamSid, err)
			return
		}
		s.dispatcher.HandleMedia(msg.StreamSid, seqNum, payload)

	case serializers.EventMark:
		if msg.Mark == nil {
			s.log.Warn("mark frame on %s missing name, dropped", msg.StreamSid)
			return
		}
		s.dispatcher.HandleMark(msg.StreamSid, msg.Mark.Name)

	case serializers.EventDTMF:
		if msg.DTMF == nil {
			s.log.Warn("dtmf frame on %s missing payload, dropped", msg.StreamSid)
			return
		}
		digit, err := msg.DTMF.Parse()
		if err != nil {
			s.log.Warn("dtmf frame on %s dropped: %v", msg.StreamSid, err)
			return
		}
		s.dispatcher.HandleDTMF(msg.StreamSid, digit)

	case serializers.EventStop:
		s.dispatcher.HandleStop(msg.StreamSid)

	default:
		s.log.Debug("unhandled event %q on %s", msg.Event, msg.StreamSid)
	}
}

// socket wraps one provider connection. gorilla/websocket allows a single
// concurrent writer, so all outbound frames funnel through its mutex. It is
// the gateway.MediaTransport handle that sessions own.
type socket struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func (c *socket) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// SendMedia writes one outbound audio frame.
func (c *socket) SendMedia(streamID string, payload []byte, index int, timestampMs int64) error {
	data, err := serializers.MarshalMedia(streamID, payload, index, timestampMs)
	if err != nil {
		return err
	}
	return c.write(data)
}

// SendMark arms a named playback acknowledgement marker.
func (c *socket) SendMark(streamID, name string) error {
	data, err := serializers.MarshalMark(streamID, name)
	if err != nil {
		return err
	}
	return c.write(data)
}

// SendClear tells the provider to flush buffered, unplayed audio.
func (c *socket) SendClear(streamID string) error {
	data, err := serializers.MarshalClear(streamID)
	if err != nil {
		return err
	}
	return c.write(data)
}

// Close shuts the underlying connection.
func (c *socket) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.conn.Close()
}
