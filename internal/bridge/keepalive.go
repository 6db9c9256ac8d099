package bridge

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/callbridge/internal/core"
)

// keepAlive is the explicit handle for the per-session timer. It exists
// only while the session is Active and is cancelled synchronously during
// teardown; cancel returns after the timer goroutine has exited.
type keepAlive struct {
	stop chan struct{}
	done chan struct{}
}

func newKeepAlive() *keepAlive {
	return &keepAlive{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

func (k *keepAlive) cancel() {
	close(k.stop)
	<-k.done
}

// runKeepAlive sends a mark ack on every tick while the session is still
// Active. The state check and the terminating transition are ordered by
// the session mutex, so no ack is sent after Terminated.
func (s *Session) runKeepAlive(ka *keepAlive) {
	defer close(ka.done)

	ticker := time.NewTicker(s.settings.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ka.stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.state != core.StateActive {
				s.mu.Unlock()
				return
			}
			sid := s.streamSID
			s.mu.Unlock()

			if err := s.acks.SendAck(sid); err != nil {
				log.Warn().Err(err).Str("module", "bridge").Str("sid", sid).Msg("keep-alive ack")
			}
		}
	}
}
