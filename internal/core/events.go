package core

// Provider event kinds carried in the "event" field of inbound frames.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventMark      = "mark"
)

// StreamMessage is the tagged union the provider sends over the media-stream
// websocket. Only the branch matching Event is populated.
type StreamMessage struct {
	Event     string        `json:"event"`
	StreamSID string        `json:"streamSid,omitempty"`
	Start     *StartPayload `json:"start,omitempty"`
	Media     *MediaPayload `json:"media,omitempty"`
}

// StartPayload arrives once per call and assigns the stream SID.
type StartPayload struct {
	StreamSID string `json:"streamSid"`
	CallSID   string `json:"callSid,omitempty"`
}

// MediaPayload carries one base64-encoded audio chunk.
type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// MarkMessage is the acknowledgement the provider expects after start and
// media processing and on every keep-alive tick. StreamSID may be empty when
// no start event has been seen yet.
type MarkMessage struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}

// NewMark builds a mark acknowledgement for the given stream SID.
func NewMark(streamSID string) MarkMessage {
	return MarkMessage{Event: EventMark, StreamSID: streamSID}
}
