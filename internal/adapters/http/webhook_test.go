package http

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWebhookRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Any("/incoming-call", HandleIncomingCall)
	return r
}

func TestIncomingCallReturnsStreamInstructions(t *testing.T) {
	r := newWebhookRouter()

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		t.Run(method, func(t *testing.T) {
			req := httptest.NewRequest(method, "/incoming-call", nil)
			req.Host = "bridge.example.com"
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			require.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, "text/xml", w.Header().Get("Content-Type"))

			body := w.Body.String()
			assert.Contains(t, body, `<?xml version="1.0" encoding="UTF-8"?>`)
			assert.Contains(t, body, `<Stream url="wss://bridge.example.com/voice-stream" />`)
			assert.Contains(t, body, "<Connect>")
		})
	}
}

func TestIncomingCallUsesRequestHost(t *testing.T) {
	r := newWebhookRouter()

	req := httptest.NewRequest(http.MethodPost, "/incoming-call", nil)
	req.Host = "other-host.example.org:8443"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Contains(t, w.Body.String(), "wss://other-host.example.org:8443/voice-stream")
}

func TestIncomingCallWithoutHost(t *testing.T) {
	r := newWebhookRouter()

	req := httptest.NewRequest(http.MethodPost, "/incoming-call", nil)
	req.Host = ""
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
