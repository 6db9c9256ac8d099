// Package stream hosts the provider-facing media-stream endpoint: it
// accepts the websocket, builds one bridge session per connection and
// guarantees teardown on every exit path.
package stream

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callbridge/internal/adapters/room"
	"github.com/dkeye/callbridge/internal/bridge"
	"github.com/dkeye/callbridge/internal/config"
	"github.com/dkeye/callbridge/internal/core"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Controller accepts media-stream websocket connections.
type Controller struct {
	settings bridge.Settings
	issuer   core.TokenIssuer

	// newRoom builds the connector for one session; replaced in tests.
	newRoom func() core.RoomSession
}

// NewController wires the stream endpoint with config and the token issuer.
func NewController(cfg *config.Config, issuer core.TokenIssuer) *Controller {
	return &Controller{
		settings: bridge.Settings{
			RoomURL:        cfg.RoomURL,
			RoomName:       cfg.RoomName,
			RoomPerCall:    cfg.RoomPerCall,
			Identity:       cfg.Identity,
			KeepAlive:      cfg.KeepAliveInterval,
			ConnectTimeout: cfg.ConnectTimeout,
		},
		issuer:  issuer,
		newRoom: func() core.RoomSession { return room.NewConnector() },
	}
}

// HandleStream upgrades the request and runs the session until the socket
// closes or a fatal error ends it. The deferred closes are the single
// teardown path: the keep-alive timer is cancelled and the room connector
// disconnected exactly once no matter how the loop exits.
func (ctl *Controller) HandleStream(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "stream").Msg("ws upgrade")
		return
	}
	log.Info().Str("module", "stream").Str("remote", ws.RemoteAddr().String()).Msg("provider connected")

	conn := newStreamConn(ws)
	sess := bridge.NewSession(ctl.settings, ctl.issuer, ctl.newRoom(), conn)
	defer sess.Close()
	defer conn.Close()

	go conn.writePump()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("module", "stream").Msg("read error")
			}
			return
		}
		if err := sess.HandleMessage(data); err != nil {
			log.Error().Err(err).Str("module", "stream").Str("sid", sess.StreamSID()).Msg("session failed")
			return
		}
	}
}
