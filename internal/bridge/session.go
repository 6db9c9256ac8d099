// Package bridge holds the per-call state machine that relays provider
// media-stream events into a real-time room.
package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callbridge/internal/core"
)

// Settings carries the per-session knobs threaded in from config.
type Settings struct {
	RoomURL        string
	RoomName       string
	RoomPerCall    bool
	Identity       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
}

// Session bridges one telephony leg into one room connection.
// HandleMessage must be called from a single goroutine (the socket read
// loop); the keep-alive timer is the only other writer and goes through
// the same AckSender.
type Session struct {
	settings Settings
	issuer   core.TokenIssuer
	room     core.RoomSession
	acks     core.AckSender

	mu        sync.Mutex
	state     core.SessionState
	streamSID string
	keepAlive *keepAlive

	teardownOnce sync.Once
}

type greetingBody struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// NewSession builds a session in the Uninitialized state. The room
// connector is owned by the session from here on and is disconnected
// exactly once during teardown.
func NewSession(settings Settings, issuer core.TokenIssuer, room core.RoomSession, acks core.AckSender) *Session {
	return &Session{
		settings: settings,
		issuer:   issuer,
		room:     room,
		acks:     acks,
		state:    core.StateUninitialized,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() core.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StreamSID returns the provider-assigned stream SID, empty until start.
func (s *Session) StreamSID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamSID
}

// HandleMessage processes one inbound provider frame. A non-nil error is
// fatal to the session and the caller must close the socket; per-message
// failures are logged and swallowed here.
func (s *Session) HandleMessage(data []byte) error {
	var msg core.StreamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warn().Err(err).Str("module", "bridge").Msg("bad provider frame")
		return nil
	}

	switch msg.Event {
	case core.EventConnected:
		log.Debug().Str("module", "bridge").Msg("provider stream connected")
		return nil
	case core.EventStart:
		return s.handleStart(msg.Start)
	case core.EventMedia:
		s.handleMedia(msg.Media)
		return nil
	case core.EventStop:
		s.handleStop()
		return nil
	default:
		log.Warn().Str("module", "bridge").Str("event", msg.Event).Msg("unknown provider event")
		return nil
	}
}

func (s *Session) handleStart(p *core.StartPayload) error {
	if p == nil {
		log.Warn().Str("module", "bridge").Msg("start event without payload")
		return nil
	}

	s.mu.Lock()
	if s.state != core.StateUninitialized {
		state := s.state
		s.mu.Unlock()
		log.Warn().Str("module", "bridge").Str("state", state.String()).Msg("start in wrong state")
		return nil
	}
	s.streamSID = p.StreamSID
	s.mu.Unlock()

	if err := s.activate(p.StreamSID); err != nil {
		return err
	}

	log.Info().Str("module", "bridge").Str("sid", p.StreamSID).Msg("stream started")
	s.sendAck()
	return nil
}

// activate mints a credential, connects the room, publishes the greeting
// and starts the keep-alive timer.
func (s *Session) activate(streamSID string) error {
	roomName := s.settings.RoomName
	if s.settings.RoomPerCall && streamSID != "" {
		roomName = fmt.Sprintf("%s-%s", s.settings.RoomName, streamSID)
	}
	identity := fmt.Sprintf("%s-%s", s.settings.Identity, uuid.NewString())

	token, err := s.issuer.Issue(identity, core.Grants{RoomJoin: true, Room: roomName})
	if err != nil {
		return fmt.Errorf("issue room token: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.settings.ConnectTimeout)
	defer cancel()
	if err := s.room.Connect(ctx, s.settings.RoomURL, token); err != nil {
		return fmt.Errorf("connect room %q: %w", roomName, err)
	}

	greeting, _ := json.Marshal(greetingBody{Type: "greeting", Text: "Hello from the telephony caller"})
	if err := s.room.Publish(greeting, core.PublishOptions{Reliable: true, Label: "greeting"}); err != nil {
		log.Error().Err(err).Str("module", "bridge").Str("sid", streamSID).Msg("greeting publish")
	}

	ka := newKeepAlive()
	s.mu.Lock()
	s.state = core.StateActive
	s.keepAlive = ka
	s.mu.Unlock()
	go s.runKeepAlive(ka)

	return nil
}

func (s *Session) handleMedia(p *core.MediaPayload) {
	s.mu.Lock()
	terminated := s.state.IsTerminal()
	s.mu.Unlock()
	if terminated {
		log.Warn().Str("module", "bridge").Msg("media after stream end")
		return
	}

	// The ack below is unconditional: the provider treats a silent stream
	// as dead, so a failed publish must not suppress it.
	if p == nil || p.Payload == "" {
		log.Warn().Str("module", "bridge").Msg("media event without payload")
	} else if chunk, err := base64.StdEncoding.DecodeString(p.Payload); err != nil {
		log.Warn().Err(err).Str("module", "bridge").Msg("media payload not base64")
	} else if err := s.room.Publish(chunk, core.PublishOptions{Reliable: false, Label: "audio"}); err != nil {
		log.Error().Err(err).Str("module", "bridge").Msg("audio publish")
	}

	s.sendAck()
}

func (s *Session) handleStop() {
	s.mu.Lock()
	sid := s.streamSID
	s.mu.Unlock()
	log.Info().Str("module", "bridge").Str("sid", sid).Msg("stream stopped")
	s.teardown()
}

// Close is the socket-closed termination path. Safe to call multiple
// times and after a stop event; the room is disconnected exactly once.
func (s *Session) Close() {
	s.teardown()
}

func (s *Session) teardown() {
	s.teardownOnce.Do(func() {
		s.mu.Lock()
		s.state = core.StateTerminated
		ka := s.keepAlive
		s.keepAlive = nil
		s.mu.Unlock()

		if ka != nil {
			ka.cancel()
		}
		s.room.Disconnect()
		log.Info().Str("module", "bridge").Msg("session terminated")
	})
}

func (s *Session) sendAck() {
	s.mu.Lock()
	sid := s.streamSID
	s.mu.Unlock()
	if err := s.acks.SendAck(sid); err != nil {
		log.Error().Err(err).Str("module", "bridge").Str("sid", sid).Msg("mark ack")
	}
}
