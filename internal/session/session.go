// Package session owns one agent's bidirectional connection to the external
// conversational-AI service: connection lifecycle, outbound captured audio and
// inbound audio/text routing.
package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/maxdcmn/vibe-council/internal/audio"
)

// ConnState is the session connection state.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	StateError
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "disconnected"
	}
}

// ConvState is the coarse conversation state derived from audio activity.
type ConvState int

const (
	ConvIdle ConvState = iota
	ConvListening
	ConvSpeaking
)

func (s ConvState) String() string {
	switch s {
	case ConvListening:
		return "listening"
	case ConvSpeaking:
		return "speaking"
	default:
		return "idle"
	}
}

// Issuer obtains a transient signed socket endpoint from the trusted
// server-side proxy. The raw vendor key never reaches this package.
type Issuer interface {
	SignedURL(ctx context.Context) (string, error)
}

// Config wires a session with its collaborators up front. The session never
// registers itself anywhere; the controller injects everything it needs.
type Config struct {
	ID     string
	Name   string
	Issuer Issuer
	// Player receives inbound agent audio; required.
	Player *audio.Player
	// Capture, when set, is started on connect and stopped on disconnect,
	// with emitted frames forwarded over the socket.
	Capture *audio.Capture
	// OnStateChange surfaces coarse connection-state changes plus an optional
	// human-readable notice.
	OnStateChange func(state ConnState, notice string)
	// OnAudio taps inbound audio chunks (base64) for cross-agent routing.
	OnAudio func(b64 string)
	// OnAgentResponse receives transcript text, informational only.
	OnAgentResponse func(text string)
	// Dialer defaults to a 10s-handshake gorilla dialer.
	Dialer *websocket.Dialer
}

// Session is a state machine: disconnected -> connecting -> connected ->
// {disconnected | error}. Transitions are only initiated by the session
// lifecycle, never by external mutation.
type Session struct {
	cfg    Config
	dialer *websocket.Dialer

	mu             sync.Mutex
	state          ConnState
	conversationID string
	conn           *websocket.Conn
	gen            int
	userClosed     bool

	writeMu sync.Mutex
}

// New constructs a session in the disconnected state.
func New(cfg Config) *Session {
	d := cfg.Dialer
	if d == nil {
		d = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	return &Session{cfg: cfg, dialer: d}
}

// ID returns the session's agent id.
func (s *Session) ID() string { return s.cfg.ID }

// Name returns the agent display name.
func (s *Session) Name() string { return s.cfg.Name }

// State reports the connection state.
func (s *Session) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ConversationID reports the vendor conversation id, set once the initiation
// metadata arrives.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// ConversationState derives idle/listening/speaking. It is idle whenever the
// session is not connected.
func (s *Session) ConversationState() ConvState {
	if s.State() != Connected {
		return ConvIdle
	}
	if s.cfg.Player != nil && s.cfg.Player.State() == audio.StatePlaying {
		return ConvSpeaking
	}
	if s.cfg.Capture != nil && s.cfg.Capture.Started() {
		return ConvListening
	}
	return ConvIdle
}

// Connect requests a signed endpoint, opens the socket and starts capture.
// Calling Connect while connecting or connected is a no-op. A Disconnect
// racing a connect-in-progress wins: the late dial result is discarded.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == Connected || s.state == Connecting {
		s.mu.Unlock()
		return nil
	}
	s.gen++
	gen := s.gen
	s.state = Connecting
	s.userClosed = false
	s.conversationID = ""
	s.mu.Unlock()
	s.notify(Connecting, "")

	signedURL, err := s.cfg.Issuer.SignedURL(ctx)
	if err != nil {
		s.failConnect(gen, fmt.Errorf("session %s: signed url: %w", s.cfg.ID, err))
		return err
	}

	conn, _, err := s.dialer.DialContext(ctx, signedURL, nil)
	if err != nil {
		s.failConnect(gen, fmt.Errorf("session %s: dial: %w", s.cfg.ID, err))
		return err
	}

	s.mu.Lock()
	if gen != s.gen {
		// Disconnected while the dial was in flight; discard the socket.
		s.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	s.conn = conn
	s.state = Connected
	s.mu.Unlock()
	s.notify(Connected, "")
	log.Printf("session %s: connected", s.cfg.ID)

	if s.cfg.Capture != nil {
		if s.cfg.Player != nil {
			player := s.cfg.Player
			s.cfg.Capture.SetEnabled(func() bool { return player.State() != audio.StatePlaying })
		}
		if err := s.cfg.Capture.Start(ctx); err != nil {
			log.Printf("session %s: capture start: %v", s.cfg.ID, err)
		}
	}

	go s.readPump(conn, gen)
	return nil
}

// failConnect moves a still-current connect attempt into the error state.
func (s *Session) failConnect(gen int, err error) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.state = StateError
	s.mu.Unlock()
	log.Printf("%v", err)
	s.notify(StateError, err.Error())
}

// Disconnect closes the socket with a normal-closure code, stops capture and
// transitions to disconnected. Repeated calls are no-ops.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.state == Disconnected {
		s.mu.Unlock()
		return
	}
	s.gen++
	s.userClosed = true
	conn := s.conn
	s.conn = nil
	s.state = Disconnected
	s.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "user disconnected")
		_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = conn.Close()
	}
	if s.cfg.Capture != nil {
		s.cfg.Capture.Stop()
	}
	log.Printf("session %s: disconnected", s.cfg.ID)
	s.notify(Disconnected, "")
}

// SendAudio forwards one captured PCM16LE frame as a structured message.
func (s *Session) SendAudio(pcm []byte) error {
	payload, err := encodeAudioChunk(base64.StdEncoding.EncodeToString(pcm))
	if err != nil {
		return err
	}
	return s.write(payload)
}

// SendContextUpdate delivers a short contextual notice over the control
// channel, not the speech channel.
func (s *Session) SendContextUpdate(text string) error {
	payload, err := encodeContextUpdate(text)
	if err != nil {
		return err
	}
	return s.write(payload)
}

func (s *Session) write(payload []byte) error {
	s.mu.Lock()
	conn := s.conn
	connected := s.state == Connected
	s.mu.Unlock()
	if !connected || conn == nil {
		return errors.New("session: not connected")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *Session) readPump(conn *websocket.Conn, gen int) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			s.handleClose(gen, err)
			return
		}
		switch mt {
		case websocket.BinaryMessage:
			// Raw audio blobs are equivalent to base64 audio events.
			s.handleAudio(base64.StdEncoding.EncodeToString(data))
		case websocket.TextMessage:
			s.handleText(data)
		}
	}
}

// handleClose classifies a socket closure observed by the read pump. A close
// initiated by Disconnect has already advanced the generation and is ignored.
func (s *Session) handleClose(gen int, err error) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.gen++
	s.conn = nil

	next := StateError
	notice := fmt.Sprintf("connection lost: %v", err)
	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure {
		next = Disconnected
		notice = ""
	}
	s.state = next
	s.mu.Unlock()

	if s.cfg.Capture != nil {
		s.cfg.Capture.Stop()
	}
	if next == StateError {
		log.Printf("session %s: %s", s.cfg.ID, notice)
	} else {
		log.Printf("session %s: closed by remote", s.cfg.ID)
	}
	s.notify(next, notice)
}

func (s *Session) handleText(data []byte) {
	msg, err := decodeInbound(data)
	if err != nil {
		// Malformed message: log and drop, session continues.
		log.Printf("session %s: dropping malformed message: %v", s.cfg.ID, err)
		return
	}

	switch msg.Type {
	case "conversation_initiation_metadata":
		if msg.ConversationInitiationMetadataEvent != nil {
			s.mu.Lock()
			s.conversationID = msg.ConversationInitiationMetadataEvent.ConversationID
			s.mu.Unlock()
			log.Printf("session %s: conversation started: %s", s.cfg.ID, msg.ConversationInitiationMetadataEvent.ConversationID)
		}
	case "audio":
		switch {
		case msg.AudioEvent != nil && msg.AudioEvent.AudioBase64 != "":
			s.handleAudio(msg.AudioEvent.AudioBase64)
		case msg.AudioEvent != nil && msg.AudioEvent.Chunk != "":
			s.handleAudio(msg.AudioEvent.Chunk)
		case msg.Audio != "":
			s.handleAudio(msg.Audio)
		}
	case "interruption":
		log.Printf("session %s: interruption, clearing playback", s.cfg.ID)
		if s.cfg.Player != nil {
			s.cfg.Player.Clear()
		}
	case "agent_response":
		if msg.AgentResponseEvent != nil {
			if s.cfg.OnAgentResponse != nil {
				s.cfg.OnAgentResponse(msg.AgentResponseEvent.AgentResponse)
			}
			// Some responses carry their speech inline.
			if msg.AgentResponseEvent.Audio != "" {
				s.handleAudio(msg.AgentResponseEvent.Audio)
			}
		}
	case "ping":
		eventID := 0
		if msg.PingEvent != nil {
			eventID = msg.PingEvent.EventID
		}
		if payload, err := encodePong(eventID); err == nil {
			if werr := s.write(payload); werr != nil {
				log.Printf("session %s: pong: %v", s.cfg.ID, werr)
			}
		}
	default:
		// Untagged audio still plays.
		if msg.Audio != "" {
			s.handleAudio(msg.Audio)
			return
		}
		log.Printf("session %s: dropping message of unknown type %q", s.cfg.ID, msg.Type)
	}
}

func (s *Session) handleAudio(b64 string) {
	if s.cfg.Player != nil {
		if err := s.cfg.Player.Enqueue(b64); err != nil {
			log.Printf("session %s: dropping bad audio chunk: %v", s.cfg.ID, err)
			return
		}
	}
	if s.cfg.OnAudio != nil {
		s.cfg.OnAudio(b64)
	}
}

func (s *Session) notify(state ConnState, notice string) {
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(state, notice)
	}
}
