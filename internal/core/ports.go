package core

import "context"

// Grants is the room access requested for an issued credential.
type Grants struct {
	RoomJoin bool
	Room     string
}

// TokenIssuer mints a signed, time-bounded room credential.
type TokenIssuer interface {
	Issue(identity string, g Grants) (string, error)
}

// PublishOptions selects the delivery class and label of a room payload.
// Reliable delivery is for control payloads where loss matters more than
// latency; unreliable is for audio chunks, where a late chunk is worse
// than a dropped one.
type PublishOptions struct {
	Reliable bool
	Label    string
}

// RoomSession is one outbound connection to the real-time room service.
// Connect may be called at most once per instance; Disconnect is idempotent
// and safe on a never-connected instance.
type RoomSession interface {
	Connect(ctx context.Context, url, token string) error
	Publish(payload []byte, opts PublishOptions) error
	Disconnect()
}

// AckSender delivers provider-facing control frames.
// Owned by the adapter; the adapter must Close() it.
type AckSender interface {
	SendAck(streamSID string) error
}
