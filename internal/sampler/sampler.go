// Package sampler issues the probes of one session in order and yields each
// outcome as it is produced.
package sampler

import (
	"context"
	"errors"
	"iter"
	"sync/atomic"
	"time"

	"github.com/NodePath81/nqprobe/internal/quality"
	"github.com/NodePath81/nqprobe/internal/transport"
	"github.com/NodePath81/nqprobe/internal/util"
	"golang.org/x/time/rate"
)

// ErrSpent is yielded when Samples is iterated a second time.
var ErrSpent = errors.New("sampler already consumed")

type Sample struct {
	Index   int
	Outcome quality.Outcome
	SentAt  time.Time
}

type Option func(*Sampler)

// WithObserver registers a hook called with every sample before it is yielded.
func WithObserver(fn func(Sample)) Option {
	return func(s *Sampler) {
		s.observer = fn
	}
}

func WithLogger(logger util.Logger) Option {
	return func(s *Sampler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithNow(now func() time.Time) Option {
	return func(s *Sampler) {
		if now != nil {
			s.now = now
		}
	}
}

type Sampler struct {
	cfg      quality.Config
	tr       transport.Transport
	observer func(Sample)
	logger   util.Logger
	now      func() time.Time
	started  atomic.Bool
}

func New(cfg quality.Config, tr transport.Transport, opts ...Option) *Sampler {
	s := &Sampler{
		cfg:    cfg,
		tr:     tr,
		logger: util.Discard(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Samples returns the probe sequence. Probes are paced Interval apart by
// issue time, ctx is checked before each probe and during the pacing wait,
// and a probe already on the wire runs to completion or timeout. A
// transport error is yielded once and ends the sequence. The sequence can
// be consumed only once; later iterations yield ErrSpent.
func (s *Sampler) Samples(ctx context.Context) iter.Seq2[Sample, error] {
	return func(yield func(Sample, error) bool) {
		if !s.started.CompareAndSwap(false, true) {
			yield(Sample{}, ErrSpent)
			return
		}

		var limiter *rate.Limiter
		if s.cfg.Interval > 0 {
			limiter = rate.NewLimiter(rate.Every(s.cfg.Interval), 1)
		}
		sendCtx := context.WithoutCancel(ctx)

		for i := 0; i < s.cfg.Count; i++ {
			if ctx.Err() != nil {
				return
			}
			if limiter != nil && !pace(ctx, limiter) {
				return
			}

			sentAt := s.now()
			outcome, err := s.tr.Send(sendCtx, transport.Request{
				Target:      s.cfg.Target,
				Seq:         i,
				PayloadSize: s.cfg.PayloadSize,
				Timeout:     s.cfg.Timeout,
			})
			if err != nil {
				s.logger.Debug("probe transport error", "target", s.cfg.Target, "index", i, "error", err)
				yield(Sample{Index: i, SentAt: sentAt}, err)
				return
			}

			sample := Sample{Index: i, Outcome: outcome, SentAt: sentAt}
			if outcome.Lost {
				s.logger.Debug("probe lost", "target", s.cfg.Target, "index", i)
			} else {
				s.logger.Debug("probe answered", "target", s.cfg.Target, "index", i, "rtt_ms", outcome.RTTMillis())
			}
			if s.observer != nil {
				s.observer(sample)
			}
			if !yield(sample, nil) {
				return
			}
		}
	}
}

// pace blocks until the limiter admits the next probe. It reports false when
// ctx ends first.
func pace(ctx context.Context, limiter *rate.Limiter) bool {
	r := limiter.Reserve()
	delay := r.Delay()
	if delay <= 0 {
		return true
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		r.Cancel()
		return false
	case <-timer.C:
		return true
	}
}
