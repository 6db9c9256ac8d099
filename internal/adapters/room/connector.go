// Package room is the outbound adapter to the real-time room service: a
// websocket signaling leg plus WebRTC data channels for publishing.
package room

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callbridge/internal/core"
)

// channelOpenTimeout bounds the wait for a lazily created data channel to
// finish the in-band open handshake.
const channelOpenTimeout = 5 * time.Second

type connState int

const (
	stateIdle connState = iota
	stateConnected
	stateClosed
)

// Connector wraps exactly one room connection. Connect may be called at
// most once; Disconnect is idempotent and safe on a never-connected
// instance.
type Connector struct {
	api *webrtc.API

	mu       sync.Mutex
	state    connState
	started  bool
	ws       *websocket.Conn
	pc       *webrtc.PeerConnection
	channels map[string]*webrtc.DataChannel

	closeOnce sync.Once
}

// Option configures a Connector.
type Option func(*Connector)

// WithAPI overrides the WebRTC API used to build the peer connection.
func WithAPI(api *webrtc.API) Option {
	return func(c *Connector) {
		c.api = api
	}
}

// NewConnector builds an idle connector.
func NewConnector(opts ...Option) *Connector {
	c := &Connector{channels: make(map[string]*webrtc.DataChannel)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type signalMessage struct {
	Type          string  `json:"type"`
	Token         string  `json:"token,omitempty"`
	SDP           string  `json:"sdp,omitempty"`
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	Message       string  `json:"message,omitempty"`
}

func defaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	}
}

func (c *Connector) newPeerConnection() (*webrtc.PeerConnection, error) {
	if c.api != nil {
		return c.api.NewPeerConnection(defaultWebRTCConfig())
	}
	return webrtc.NewPeerConnection(defaultWebRTCConfig())
}

// Connect joins the room service at url with the given bearer token: dial
// the signaling websocket, exchange a non-trickle offer/answer and wait for
// the control channel to open. Bounded by ctx.
func (c *Connector) Connect(ctx context.Context, url, token string) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("connect called twice: %w", core.ErrInvalidState)
	}
	if c.state == stateClosed {
		c.mu.Unlock()
		return fmt.Errorf("connect after disconnect: %w", core.ErrInvalidState)
	}
	c.started = true
	c.mu.Unlock()

	header := http.Header{"Authorization": {"Bearer " + token}}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, core.ErrConnection)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = ws.SetReadDeadline(deadline)
		_ = ws.SetWriteDeadline(deadline)
	}

	pc, err := c.negotiate(ctx, ws, token)
	if err != nil {
		_ = ws.Close()
		return err
	}

	// Clear the handshake deadlines; the signaling leg stays open for the
	// leave message on Disconnect.
	_ = ws.SetReadDeadline(time.Time{})
	_ = ws.SetWriteDeadline(time.Time{})

	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		_ = pc.Close()
		_ = ws.Close()
		return fmt.Errorf("disconnected during connect: %w", core.ErrInvalidState)
	}
	c.state = stateConnected
	c.ws = ws
	c.pc = pc
	c.mu.Unlock()

	log.Info().Str("module", "room").Str("url", url).Msg("room connected")
	return nil
}

func (c *Connector) negotiate(ctx context.Context, ws *websocket.Conn, token string) (*webrtc.PeerConnection, error) {
	if err := ws.WriteJSON(signalMessage{Type: "join", Token: token}); err != nil {
		return nil, fmt.Errorf("send join: %w", core.ErrConnection)
	}

	pc, err := c.newPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", core.ErrConnection)
	}

	// A pre-offer channel is required so the SCTP association is part of
	// the negotiation; publish channels are opened in-band later.
	control, err := pc.CreateDataChannel("control", nil)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("create control channel: %w", core.ErrConnection)
	}
	opened := make(chan struct{})
	control.OnOpen(func() { close(opened) })

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("create offer: %w", core.ErrConnection)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("set local description: %w", core.ErrConnection)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		_ = pc.Close()
		return nil, fmt.Errorf("ice gathering: %w", core.ErrConnection)
	}

	if err := ws.WriteJSON(signalMessage{Type: "offer", SDP: pc.LocalDescription().SDP}); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("send offer: %w", core.ErrConnection)
	}

	if err := c.awaitAnswer(ws, pc); err != nil {
		_ = pc.Close()
		return nil, err
	}

	select {
	case <-opened:
	case <-ctx.Done():
		_ = pc.Close()
		return nil, fmt.Errorf("control channel never opened: %w", core.ErrConnection)
	}
	c.mu.Lock()
	c.channels["control"] = control
	c.mu.Unlock()

	return pc, nil
}

func (c *Connector) awaitAnswer(ws *websocket.Conn, pc *webrtc.PeerConnection) error {
	for {
		var msg signalMessage
		if err := ws.ReadJSON(&msg); err != nil {
			return fmt.Errorf("read signaling: %w", core.ErrConnection)
		}
		switch msg.Type {
		case "answer":
			answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: msg.SDP}
			if err := pc.SetRemoteDescription(answer); err != nil {
				return fmt.Errorf("set remote description: %w", core.ErrConnection)
			}
			return nil
		case "candidate":
			cand := webrtc.ICECandidateInit{
				Candidate:     msg.Candidate,
				SDPMid:        msg.SDPMid,
				SDPMLineIndex: msg.SDPMLineIndex,
			}
			if err := pc.AddICECandidate(cand); err != nil {
				log.Warn().Err(err).Str("module", "room").Msg("add ice candidate")
			}
		case "error":
			return fmt.Errorf("room service rejected join: %s: %w", msg.Message, core.ErrConnection)
		default:
			log.Warn().Str("module", "room").Str("type", msg.Type).Msg("unexpected signaling message")
		}
	}
}

// Publish sends a binary payload on the data channel matching opts.Label,
// creating it on first use. Channels for unreliable publishes are unordered
// with zero retransmits, so a congested link drops chunks instead of
// delaying them.
func (c *Connector) Publish(payload []byte, opts core.PublishOptions) error {
	c.mu.Lock()
	if c.state != stateConnected {
		c.mu.Unlock()
		return fmt.Errorf("publish on %s connector: %w", c.stateNameLocked(), core.ErrInvalidState)
	}
	dc := c.channels[opts.Label]
	pc := c.pc
	c.mu.Unlock()

	if dc == nil {
		var err error
		dc, err = c.openChannel(pc, opts)
		if err != nil {
			return err
		}
	}

	if err := dc.Send(payload); err != nil {
		return fmt.Errorf("send on %q: %w", opts.Label, core.ErrPublish)
	}
	return nil
}

func (c *Connector) openChannel(pc *webrtc.PeerConnection, opts core.PublishOptions) (*webrtc.DataChannel, error) {
	var init *webrtc.DataChannelInit
	if !opts.Reliable {
		ordered := false
		var retransmits uint16
		init = &webrtc.DataChannelInit{Ordered: &ordered, MaxRetransmits: &retransmits}
	}

	dc, err := pc.CreateDataChannel(opts.Label, init)
	if err != nil {
		return nil, fmt.Errorf("create channel %q: %w", opts.Label, core.ErrPublish)
	}
	opened := make(chan struct{})
	dc.OnOpen(func() { close(opened) })

	select {
	case <-opened:
	case <-time.After(channelOpenTimeout):
		return nil, fmt.Errorf("channel %q never opened: %w", opts.Label, core.ErrPublish)
	}

	c.mu.Lock()
	if c.state != stateConnected {
		c.mu.Unlock()
		return nil, fmt.Errorf("disconnected while opening %q: %w", opts.Label, core.ErrInvalidState)
	}
	c.channels[opts.Label] = dc
	c.mu.Unlock()

	log.Info().Str("module", "room").Str("label", opts.Label).Bool("reliable", opts.Reliable).Msg("data channel opened")
	return dc, nil
}

// Disconnect releases the room connection. Idempotent.
func (c *Connector) Disconnect() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = stateClosed
		ws := c.ws
		pc := c.pc
		c.ws = nil
		c.pc = nil
		c.mu.Unlock()

		if ws != nil {
			_ = ws.SetWriteDeadline(time.Now().Add(time.Second))
			_ = ws.WriteJSON(signalMessage{Type: "leave"})
			_ = ws.Close()
		}
		if pc != nil {
			if err := pc.Close(); err != nil {
				log.Error().Err(err).Str("module", "room").Msg("close peer connection")
			}
		}
		log.Info().Str("module", "room").Msg("room disconnected")
	})
}

func (c *Connector) stateNameLocked() string {
	switch c.state {
	case stateIdle:
		return "unconnected"
	case stateConnected:
		return "connected"
	default:
		return "closed"
	}
}
