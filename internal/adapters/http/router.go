package http

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callbridge/internal/adapters/stream"
	"github.com/dkeye/callbridge/internal/config"
)

// SetupRouter builds the gin engine with the call-notification webhook and
// the media-stream websocket endpoint.
func SetupRouter(cfg *config.Config, streamCtl *stream.Controller) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	// The provider delivers the call notification with POST by default but
	// the method is configurable per number, so accept any.
	r.Any("/incoming-call", HandleIncomingCall)
	r.GET("/voice-stream", streamCtl.HandleStream)

	log.Info().Str("module", "adapters.http").Msg("router setup")
	return r
}
