package room

import (
	"context"
	"time"
)

// BackoffPolicy shapes recovery after link loss: the first attempt waits
// Initial, each later attempt multiplies the wait by Multiplier up to the
// Max ceiling, and MaxAttempts bounds the whole loop. After the budget is
// spent the Session moves to Failed and stays there until the caller
// connects again.
type BackoffPolicy struct {
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	MaxAttempts int
}

func defaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Initial:     time.Second,
		Max:         30 * time.Second,
		Multiplier:  2.0,
		MaxAttempts: 5,
	}
}

func (p BackoffPolicy) next(d time.Duration) time.Duration {
	n := time.Duration(float64(d) * p.Multiplier)
	if n > p.Max {
		return p.Max
	}
	return n
}

// reconnectLoop drives recovery on its own goroutine. It delivers the
// Reconnecting notification first so later Connected or Failed ones cannot
// overtake it, then retries until the transport comes back, the budget runs
// out, or the connection context is cancelled by Disconnect or Close.
func (s *Session) reconnectLoop(ctx context.Context, policy BackoffPolicy, reason int, msg string) {
	defer s.loopWG.Done()
	s.deliverState(StateReconnecting, reason, msg)

	delay := policy.Initial
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if s.State() != StateReconnecting {
			return
		}

		s.logger().Info().Int("attempt", attempt).Dur("waited", delay).Msg("reconnecting")
		err := s.engine.Reconnect(ctx)
		if err == nil {
			s.rebindTracks()
			if s.transitionIf(StateReconnecting, StateConnected) {
				s.logger().Info().Int("attempt", attempt).Msg("reconnected")
				s.deliverState(StateConnected, 0, "")
			} else {
				// Disconnect won the race against the redial; drop the
				// fresh connection it could not see.
				_ = s.engine.Close()
			}
			return
		}

		s.logger().Warn().Err(err).Int("attempt", attempt).Msg("reconnect attempt failed")
		if attempt >= policy.MaxAttempts {
			if s.transitionIf(StateReconnecting, StateFailed) {
				e := wrapError(CodeConnectFailed, "reconnect budget exhausted", err)
				s.setLastError(e)
				s.releaseConn()
				s.deliverState(StateFailed, int(CodeConnectFailed), e.Error())
			}
			return
		}
		delay = policy.next(delay)
	}
}

// rebindTracks gives every live track a fresh engine stream after the
// transport came back. Ring contents survive; the pacer resumes draining
// into the new stream.
func (s *Session) rebindTracks() {
	s.mu.Lock()
	tracks := make([]*AudioTrack, 0, len(s.tracks))
	for _, t := range s.tracks {
		if t != nil && !t.destroyed.Load() {
			tracks = append(tracks, t)
		}
	}
	s.mu.Unlock()

	for _, t := range tracks {
		eng, err := s.engine.CreateAudioTrack(t.name, t.rate, t.channels)
		if err != nil {
			s.logger().Warn().Err(err).Str("track", t.name).Msg("track rebind failed")
			continue
		}
		t.rebind(eng)
	}
}
