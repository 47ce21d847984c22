// Package session drives one probing session through its lifecycle:
// Idle, Running, then Completed, Cancelled or Failed.
package session

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/NodePath81/nqprobe/internal/quality"
	"github.com/NodePath81/nqprobe/internal/sampler"
	"github.com/NodePath81/nqprobe/internal/transport"
	"github.com/NodePath81/nqprobe/internal/util"
	"github.com/google/uuid"
)

// maxPreallocOutcomes bounds the up-front outcome allocation. Count has no
// upper limit, so larger sessions grow the slice as probes finish.
const maxPreallocOutcomes = 4096

type Option func(*Controller)

func WithObserver(fn func(Event)) Option {
	return func(c *Controller) {
		c.observer = fn
	}
}

func WithLogger(logger util.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithNow(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// WithTransportName labels reports with the transport kind.
func WithTransportName(name string) Option {
	return func(c *Controller) {
		c.transportName = name
	}
}

// WithEnricher appends an enricher. Enrichers run in order before probing.
func WithEnricher(e Enricher) Option {
	return func(c *Controller) {
		if e != nil {
			c.enrichers = append(c.enrichers, e)
		}
	}
}

type Controller struct {
	cfg           quality.Config
	tr            transport.Transport
	observer      func(Event)
	logger        util.Logger
	now           func() time.Time
	transportName string
	enrichers     []Enricher

	mu    sync.Mutex
	state Status
}

func New(cfg quality.Config, tr transport.Transport, opts ...Option) *Controller {
	c := &Controller{
		cfg:    cfg,
		tr:     tr,
		logger: util.Discard(),
		now:    time.Now,
		state:  StatusIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Validate checks a session configuration.
func Validate(cfg quality.Config) error {
	switch {
	case cfg.Target == "":
		return &ConfigError{Field: "target", Reason: "must not be empty"}
	case cfg.Count <= 0:
		return &ConfigError{Field: "count", Reason: "must be > 0"}
	case cfg.Timeout <= 0:
		return &ConfigError{Field: "timeout", Reason: "must be > 0"}
	case cfg.Interval < 0:
		return &ConfigError{Field: "interval", Reason: "must be >= 0"}
	case cfg.PayloadSize <= 0:
		return &ConfigError{Field: "payload_size", Reason: "must be > 0"}
	}
	return nil
}

func (c *Controller) State() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Reset returns a finished controller to Idle so it can run again.
func (c *Controller) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StatusRunning {
		return ErrRunning
	}
	c.state = StatusIdle
	return nil
}

// Run executes the session. Cancelling ctx stops probing between probes and
// yields a Cancelled report with the partial result and a nil error. A
// transport failure yields a Failed report together with a *TransportError.
func (c *Controller) Run(ctx context.Context) (Report, error) {
	if err := c.begin(); err != nil {
		return Report{}, err
	}
	if closer, ok := c.tr.(io.Closer); ok {
		defer closer.Close()
	}

	report := Report{
		ID:        uuid.NewString(),
		Target:    c.cfg.Target,
		Transport: c.transportName,
		Config:    c.cfg,
	}
	report.Path = c.enrich(ctx)
	logger := c.logger.With("session", report.ID, "target", c.cfg.Target)
	logger.Info("session started", "count", c.cfg.Count, "interval", c.cfg.Interval, "timeout", c.cfg.Timeout)

	var opts []sampler.Option
	opts = append(opts, sampler.WithLogger(logger), sampler.WithNow(c.now))
	if c.observer != nil {
		opts = append(opts, sampler.WithObserver(func(s sampler.Sample) {
			c.observer(Event{
				SessionID: report.ID,
				Target:    c.cfg.Target,
				Index:     s.Index,
				Outcome:   s.Outcome,
				SentAt:    s.SentAt,
			})
		}))
	}
	smp := sampler.New(c.cfg, c.tr, opts...)

	outcomes := make([]quality.Outcome, 0, min(c.cfg.Count, maxPreallocOutcomes))
	var sampleErr error
	report.StartedAt = c.now()
	for sample, err := range smp.Samples(ctx) {
		if err != nil {
			sampleErr = err
			break
		}
		outcomes = append(outcomes, sample.Outcome)
	}
	report.FinishedAt = c.now()

	report.Outcomes = outcomes
	report.Result = quality.Evaluate(outcomes, report.FinishedAt.Sub(report.StartedAt), c.cfg.PayloadSize)

	var runErr error
	switch {
	case sampleErr != nil:
		report.Status = StatusFailed
		runErr = &TransportError{Cause: sampleErr}
		report.Err = runErr.Error()
	case len(outcomes) == c.cfg.Count:
		report.Status = StatusCompleted
	default:
		report.Status = StatusCancelled
	}

	c.mu.Lock()
	c.state = report.Status
	c.mu.Unlock()

	if runErr != nil {
		logger.Error("session failed", "probes", len(outcomes), "error", runErr)
	} else {
		logger.Info("session finished",
			"status", report.Status,
			"probes", len(outcomes),
			"loss_pct", report.Result.LossPercentage,
			"avg_rtt_ms", report.Result.AverageRTTMillis,
			"jitter_ms", report.Result.JitterMillis,
			"mos", report.Result.MOS,
		)
	}
	return report, runErr
}

func (c *Controller) begin() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.state == StatusRunning:
		return ErrRunning
	case c.state.Terminal():
		return ErrSpent
	}
	if err := Validate(c.cfg); err != nil {
		return err
	}
	if c.tr == nil {
		return &ConfigError{Field: "transport", Reason: "must not be nil"}
	}
	c.state = StatusRunning
	return nil
}

func (c *Controller) enrich(ctx context.Context) *Path {
	if len(c.enrichers) == 0 {
		return nil
	}
	path := &Path{}
	for _, e := range c.enrichers {
		if err := e.Enrich(ctx, c.cfg.Target, path); err != nil {
			c.logger.Debug("path enrichment failed", "target", c.cfg.Target, "error", err)
		}
	}
	return path
}
