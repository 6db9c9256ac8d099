package http

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const streamInstructionTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<Response>
    <Connect>
        <Stream url="wss://%s/voice-stream" />
    </Connect>
</Response>`

// HandleIncomingCall answers the provider's call notification with a TwiML
// document instructing it to open the media-stream websocket against the
// host this request arrived on. Stateless; never touches session state.
func HandleIncomingCall(c *gin.Context) {
	host := c.Request.Host
	if host == "" {
		log.Error().Str("module", "adapters.http").Msg("incoming call without host header")
		c.String(http.StatusInternalServerError, "Internal server error")
		return
	}

	log.Info().Str("module", "adapters.http").Str("host", host).Msg("incoming call")
	c.Data(http.StatusOK, "text/xml", []byte(fmt.Sprintf(streamInstructionTemplate, host)))
}
