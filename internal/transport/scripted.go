package transport

import (
	"context"
	"sync"
	"time"

	"github.com/NodePath81/nqprobe/internal/quality"
)

// Scripted replays a fixed list of outcomes, cycling when the list is
// shorter than the session. It never touches the network.
type Scripted struct {
	Outcomes []quality.Outcome
	// Delay is slept before each reply, honouring the caller's timeout.
	Delay time.Duration
	// FailAt makes Send return Err for that sequence number when Err is set.
	FailAt int
	Err    error

	mu       sync.Mutex
	requests []Request
}

func (s *Scripted) Send(ctx context.Context, req Request) (quality.Outcome, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	if s.Err != nil && req.Seq == s.FailAt {
		return quality.Outcome{}, s.Err
	}
	if s.Delay > 0 {
		wait := s.Delay
		if req.Timeout > 0 && req.Timeout < wait {
			wait = req.Timeout
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return quality.Lost(), nil
		case <-timer.C:
		}
		if wait < s.Delay {
			return quality.Lost(), nil
		}
	}
	if len(s.Outcomes) == 0 {
		return quality.Lost(), nil
	}
	return s.Outcomes[req.Seq%len(s.Outcomes)], nil
}

// Requests returns a copy of every request seen so far.
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Uniform returns n answered outcomes with the same RTT.
func Uniform(n int, rtt time.Duration) []quality.Outcome {
	out := make([]quality.Outcome, n)
	for i := range out {
		out[i] = quality.Succeeded(rtt)
	}
	return out
}
