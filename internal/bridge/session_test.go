package bridge

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/callbridge/internal/core"
)

type publishCall struct {
	payload []byte
	opts    core.PublishOptions
}

type fakeRoom struct {
	mu          sync.Mutex
	connectErr  error
	publishErr  error
	connects    int
	connected   bool
	publishes   []publishCall
	disconnects int
}

func (r *fakeRoom) Connect(ctx context.Context, url, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connects++
	if r.connectErr != nil {
		return r.connectErr
	}
	r.connected = true
	return nil
}

func (r *fakeRoom) Publish(payload []byte, opts core.PublishOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publishes = append(r.publishes, publishCall{payload: payload, opts: opts})
	if !r.connected {
		return fmt.Errorf("publish on unconnected connector: %w", core.ErrInvalidState)
	}
	return r.publishErr
}

func (r *fakeRoom) Disconnect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnects++
	r.connected = false
}

func (r *fakeRoom) labeled(label string) []publishCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []publishCall
	for _, p := range r.publishes {
		if p.opts.Label == label {
			out = append(out, p)
		}
	}
	return out
}

func (r *fakeRoom) disconnectCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disconnects
}

type fakeAcks struct {
	mu    sync.Mutex
	err   error
	marks []string
}

func (a *fakeAcks) SendAck(streamSID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.marks = append(a.marks, streamSID)
	return a.err
}

func (a *fakeAcks) sent() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.marks...)
}

type fakeIssuer struct {
	mu     sync.Mutex
	err    error
	grants []core.Grants
}

func (i *fakeIssuer) Issue(identity string, g core.Grants) (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.grants = append(i.grants, g)
	if i.err != nil {
		return "", i.err
	}
	return "token", nil
}

func testSettings() Settings {
	return Settings{
		RoomURL:        "ws://room.test",
		RoomName:       "twilio-room",
		Identity:       "twilio-caller",
		KeepAlive:      time.Hour, // inert unless a test shortens it
		ConnectTimeout: time.Second,
	}
}

func newTestSession(s Settings) (*Session, *fakeIssuer, *fakeRoom, *fakeAcks) {
	issuer := &fakeIssuer{}
	room := &fakeRoom{}
	acks := &fakeAcks{}
	return NewSession(s, issuer, room, acks), issuer, room, acks
}

func startFrame(sid string) []byte {
	return []byte(fmt.Sprintf(`{"event":"start","start":{"streamSid":%q}}`, sid))
}

func mediaFrame(payload string) []byte {
	return []byte(fmt.Sprintf(`{"event":"media","media":{"payload":%q}}`, payload))
}

func TestStartMediaStopSequence(t *testing.T) {
	sess, _, room, acks := newTestSession(testSettings())

	require.NoError(t, sess.HandleMessage(startFrame("S1")))
	require.NoError(t, sess.HandleMessage(mediaFrame("AAAA")))
	require.NoError(t, sess.HandleMessage([]byte(`{"event":"stop"}`)))

	assert.Equal(t, []string{"S1", "S1"}, acks.sent())
	assert.Equal(t, core.StateTerminated, sess.State())
	assert.Equal(t, 1, room.disconnectCount())

	audio := room.labeled("audio")
	require.Len(t, audio, 1)
	assert.False(t, audio[0].opts.Reliable)
	want, _ := base64.StdEncoding.DecodeString("AAAA")
	assert.Equal(t, want, audio[0].payload)
}

func TestGreetingPublishedOnActivation(t *testing.T) {
	sess, _, room, _ := newTestSession(testSettings())

	require.NoError(t, sess.HandleMessage(startFrame("S1")))

	greetings := room.labeled("greeting")
	require.Len(t, greetings, 1)
	assert.True(t, greetings[0].opts.Reliable)
	assert.Contains(t, string(greetings[0].payload), `"type":"greeting"`)
}

func TestMediaBeforeStart(t *testing.T) {
	sess, _, room, acks := newTestSession(testSettings())

	require.NoError(t, sess.HandleMessage(mediaFrame("AAAA")))

	// Publish is attempted against the unconnected connector, fails as a
	// per-chunk error, and the ack still goes out with an empty SID.
	assert.Equal(t, []string{""}, acks.sent())
	assert.Equal(t, core.StateUninitialized, sess.State())
	assert.Len(t, room.labeled("audio"), 1)
	assert.Equal(t, 0, room.disconnectCount())
}

func TestUnknownEventIgnored(t *testing.T) {
	sess, _, room, acks := newTestSession(testSettings())

	require.NoError(t, sess.HandleMessage([]byte(`{"event":"foo"}`)))
	require.NoError(t, sess.HandleMessage([]byte(`not json at all`)))
	require.NoError(t, sess.HandleMessage([]byte(`{"event":"connected"}`)))

	assert.Empty(t, acks.sent())
	assert.Empty(t, room.publishes)
	assert.Equal(t, core.StateUninitialized, sess.State())
}

func TestPublishFailureStillAcks(t *testing.T) {
	sess, _, room, acks := newTestSession(testSettings())
	require.NoError(t, sess.HandleMessage(startFrame("S1")))

	room.mu.Lock()
	room.publishErr = fmt.Errorf("channel stalled: %w", core.ErrPublish)
	room.mu.Unlock()

	require.NoError(t, sess.HandleMessage(mediaFrame("AAAA")))

	assert.Equal(t, []string{"S1", "S1"}, acks.sent())
	assert.Equal(t, core.StateActive, sess.State())
}

func TestUndecodablePayloadStillAcks(t *testing.T) {
	sess, _, room, acks := newTestSession(testSettings())
	require.NoError(t, sess.HandleMessage(startFrame("S1")))

	require.NoError(t, sess.HandleMessage(mediaFrame("%%%not-base64%%%")))
	require.NoError(t, sess.HandleMessage([]byte(`{"event":"media"}`)))

	assert.Empty(t, room.labeled("audio"))
	assert.Equal(t, []string{"S1", "S1", "S1"}, acks.sent())
}

func TestDisconnectExactlyOnce(t *testing.T) {
	t.Run("stop then close", func(t *testing.T) {
		sess, _, room, _ := newTestSession(testSettings())
		require.NoError(t, sess.HandleMessage(startFrame("S1")))
		require.NoError(t, sess.HandleMessage([]byte(`{"event":"stop"}`)))
		sess.Close()
		sess.Close()
		assert.Equal(t, 1, room.disconnectCount())
	})

	t.Run("stop racing close", func(t *testing.T) {
		sess, _, room, _ := newTestSession(testSettings())
		require.NoError(t, sess.HandleMessage(startFrame("S1")))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = sess.HandleMessage([]byte(`{"event":"stop"}`))
		}()
		go func() {
			defer wg.Done()
			sess.Close()
		}()
		wg.Wait()

		assert.Equal(t, 1, room.disconnectCount())
		assert.Equal(t, core.StateTerminated, sess.State())
	})

	t.Run("close without start", func(t *testing.T) {
		sess, _, room, _ := newTestSession(testSettings())
		sess.Close()
		assert.Equal(t, 1, room.disconnectCount())
		assert.Equal(t, core.StateTerminated, sess.State())
	})
}

func TestMediaAfterStopIgnored(t *testing.T) {
	sess, _, room, acks := newTestSession(testSettings())
	require.NoError(t, sess.HandleMessage(startFrame("S1")))
	require.NoError(t, sess.HandleMessage([]byte(`{"event":"stop"}`)))

	require.NoError(t, sess.HandleMessage(mediaFrame("AAAA")))

	assert.Equal(t, []string{"S1"}, acks.sent())
	assert.Empty(t, room.labeled("audio"))
}

func TestKeepAliveTicksWhileActive(t *testing.T) {
	settings := testSettings()
	settings.KeepAlive = 20 * time.Millisecond
	sess, _, _, acks := newTestSession(settings)

	require.NoError(t, sess.HandleMessage(startFrame("S1")))

	// One ack came from start; at least two more must arrive from ticks.
	require.Eventually(t, func() bool {
		return len(acks.sent()) >= 3
	}, time.Second, 5*time.Millisecond)

	sess.Close()
	quiesced := len(acks.sent())
	time.Sleep(5 * settings.KeepAlive)
	assert.Equal(t, quiesced, len(acks.sent()), "no ack may be sent after termination")

	for _, sid := range acks.sent() {
		assert.Equal(t, "S1", sid)
	}
}

func TestCredentialFailureIsFatal(t *testing.T) {
	sess, issuer, room, acks := newTestSession(testSettings())
	issuer.err = fmt.Errorf("unreachable signer: %w", core.ErrCredential)

	err := sess.HandleMessage(startFrame("S1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrCredential))
	assert.Empty(t, acks.sent())
	assert.Equal(t, 0, room.connects)
}

func TestConnectFailureIsFatal(t *testing.T) {
	sess, _, room, acks := newTestSession(testSettings())
	room.connectErr = fmt.Errorf("service down: %w", core.ErrConnection)

	err := sess.HandleMessage(startFrame("S1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrConnection))
	assert.Empty(t, acks.sent())
}

func TestDuplicateStartIgnored(t *testing.T) {
	sess, _, room, acks := newTestSession(testSettings())
	require.NoError(t, sess.HandleMessage(startFrame("S1")))
	require.NoError(t, sess.HandleMessage(startFrame("S2")))

	assert.Equal(t, 1, room.connects)
	assert.Equal(t, "S1", sess.StreamSID())
	assert.Equal(t, []string{"S1"}, acks.sent())
}

func TestRoomPerCallGrant(t *testing.T) {
	settings := testSettings()
	settings.RoomPerCall = true
	sess, issuer, _, _ := newTestSession(settings)

	require.NoError(t, sess.HandleMessage(startFrame("S1")))

	require.Len(t, issuer.grants, 1)
	assert.Equal(t, core.Grants{RoomJoin: true, Room: "twilio-room-S1"}, issuer.grants[0])
}

func TestFixedRoomGrant(t *testing.T) {
	sess, issuer, _, _ := newTestSession(testSettings())

	require.NoError(t, sess.HandleMessage(startFrame("S1")))

	require.Len(t, issuer.grants, 1)
	assert.Equal(t, core.Grants{RoomJoin: true, Room: "twilio-room"}, issuer.grants[0])
}
