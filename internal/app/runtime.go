package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/NodePath81/nqprobe/internal/config"
	"github.com/NodePath81/nqprobe/internal/control"
	"github.com/NodePath81/nqprobe/internal/geo"
	"github.com/NodePath81/nqprobe/internal/metrics"
	"github.com/NodePath81/nqprobe/internal/resolver"
	"github.com/NodePath81/nqprobe/internal/route"
	"github.com/NodePath81/nqprobe/internal/session"
	"github.com/NodePath81/nqprobe/internal/transport"
	"github.com/NodePath81/nqprobe/internal/util"
	"golang.org/x/sync/errgroup"
)

// TransportFactory builds the transport for one session.
type TransportFactory func(kind string, opts transport.Options) (transport.Transport, error)

type Option func(*Runtime)

func WithTransportFactory(f TransportFactory) Option {
	return func(r *Runtime) {
		if f != nil {
			r.newTransport = f
		}
	}
}

// WithoutRouteEnrichment disables the egress route lookup.
func WithoutRouteEnrichment() Option {
	return func(r *Runtime) {
		r.routeEnrich = false
	}
}

type Runtime struct {
	cfg          config.Config
	ctx          context.Context
	cancel       context.CancelFunc
	logger       util.Logger
	resolver     *resolver.Resolver
	geo          *geo.Reader
	metrics      *metrics.Metrics
	hub          *control.StatusHub
	control      *control.ControlServer
	newTransport TransportFactory
	routeEnrich  bool

	targets  map[string]*targetRunner
	order    []string
	group    *errgroup.Group
	stopOnce sync.Once
}

type targetRunner struct {
	cfg     config.TargetConfig
	trigger chan struct{}

	mu      sync.Mutex
	running bool
	runs    uint64
	last    *session.Report
	nextRun time.Time
}

func NewRuntime(cfg config.Config, logger util.Logger, opts ...Option) (*Runtime, error) {
	if logger == nil {
		logger = util.Discard()
	}
	geoReader, err := geo.Open(cfg.GeoIP.Database)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())

	names := make([]string, 0, len(cfg.Targets))
	targets := make(map[string]*targetRunner, len(cfg.Targets))
	for _, t := range cfg.Targets {
		names = append(names, t.Name)
		targets[t.Name] = &targetRunner{cfg: t, trigger: make(chan struct{}, 1)}
	}

	r := &Runtime{
		cfg:          cfg,
		ctx:          ctx,
		cancel:       cancel,
		logger:       logger,
		resolver:     resolver.NewResolver(cfg.DNS),
		geo:          geoReader,
		metrics:      metrics.NewMetrics(names),
		hub:          control.NewStatusHub(ctx.Done()),
		newTransport: transport.New,
		routeEnrich:  true,
		targets:      targets,
		order:        names,
	}
	for _, opt := range opts {
		opt(r)
	}
	if cfg.Control.IsEnabled() {
		r.control = control.NewControlServer(cfg, r, r.metrics, r.hub, logger)
	}
	return r, nil
}

func (r *Runtime) Start() error {
	if r.control != nil {
		if err := r.control.Start(r.ctx); err != nil {
			r.Stop()
			return err
		}
	}
	g, gctx := errgroup.WithContext(r.ctx)
	for _, name := range r.order {
		t := r.targets[name]
		g.Go(func() error {
			r.schedule(gctx, t)
			return nil
		})
	}
	r.group = g
	r.logger.Info("agent started", "targets", len(r.order), "interval", r.cfg.Schedule.Interval.Duration())
	return nil
}

func (r *Runtime) Stop() {
	r.stopOnce.Do(r.stop)
}

func (r *Runtime) stop() {
	r.cancel()
	if r.control != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = r.control.Shutdown(ctx)
		cancel()
	}
	if r.group != nil {
		_ = r.group.Wait()
	}
	if err := r.geo.Close(); err != nil {
		r.logger.Warn("geoip close failed", "error", err)
	}
}

// Metrics exposes the agent's collectors.
func (r *Runtime) Metrics() *metrics.Metrics {
	return r.metrics
}

func (r *Runtime) schedule(ctx context.Context, t *targetRunner) {
	delay := r.cfg.Schedule.StartupDelay.Duration()
	interval := r.cfg.Schedule.Interval.Duration()
	timer := time.NewTimer(delay)
	defer timer.Stop()
	t.setNext(time.Now().Add(delay))

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-t.trigger:
		}
		r.runSession(ctx, t)
		if ctx.Err() != nil {
			return
		}
		timer.Reset(interval)
		t.setNext(time.Now().Add(interval))
	}
}

func (r *Runtime) runSession(ctx context.Context, t *targetRunner) {
	t.mu.Lock()
	t.running = true
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.running = false
		t.mu.Unlock()
	}()

	name := t.cfg.Name
	logger := r.logger.With("target", name)
	tr, err := r.newTransport(t.cfg.Transport, transport.Options{
		Port:       t.cfg.Port,
		Privileged: t.cfg.IsPrivileged(),
		TOS:        t.cfg.TOSValue(),
		Resolver:   r.resolver,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("transport setup failed", "transport", t.cfg.Transport, "error", err)
		return
	}

	opts := []session.Option{
		session.WithLogger(logger),
		session.WithTransportName(t.cfg.Transport),
		session.WithObserver(func(ev session.Event) {
			r.metrics.ObserveProbe(name, ev.Outcome)
			r.hub.PublishEvent(name, ev)
		}),
	}
	if r.routeEnrich {
		opts = append(opts, session.WithEnricher(route.NewEnricher(r.resolver)))
	}
	if r.geo != nil {
		opts = append(opts, session.WithEnricher(r.geo))
	}

	report, err := session.New(t.cfg.Session(), tr, opts...).Run(ctx)
	var cfgErr *session.ConfigError
	if errors.As(err, &cfgErr) {
		logger.Error("session not started", "error", err)
		return
	}

	r.metrics.ObserveReport(name, report)
	r.hub.PublishReport(name, report)
	t.mu.Lock()
	t.runs++
	t.last = &report
	t.mu.Unlock()
}

func (t *targetRunner) setNext(at time.Time) {
	t.mu.Lock()
	t.nextRun = at
	t.mu.Unlock()
}

func (r *Runtime) Status() []control.TargetStatus {
	out := make([]control.TargetStatus, 0, len(r.order))
	for _, name := range r.order {
		t := r.targets[name]
		t.mu.Lock()
		st := control.TargetStatus{
			Name:      name,
			Host:      t.cfg.Host,
			Transport: t.cfg.Transport,
			Running:   t.running,
			Runs:      t.runs,
		}
		if !t.nextRun.IsZero() {
			st.NextRun = t.nextRun.UnixMilli()
		}
		if t.last != nil {
			st.LastStatus = t.last.Status
			st.LastRun = t.last.FinishedAt.UnixMilli()
			st.MOS = t.last.Result.MOS
		}
		t.mu.Unlock()
		out = append(out, st)
	}
	return out
}

func (r *Runtime) Latest() map[string]session.Report {
	out := make(map[string]session.Report, len(r.targets))
	for name, t := range r.targets {
		t.mu.Lock()
		if t.last != nil {
			out[name] = *t.last
		}
		t.mu.Unlock()
	}
	return out
}

// RunNow asks the target's scheduler to start a session immediately.
func (r *Runtime) RunNow(name string) error {
	t, ok := r.targets[name]
	if !ok {
		return control.ErrUnknownTarget
	}
	t.mu.Lock()
	running := t.running
	t.mu.Unlock()
	if running {
		return control.ErrTargetBusy
	}
	select {
	case t.trigger <- struct{}{}:
		return nil
	default:
		return control.ErrTargetBusy
	}
}

// Targets returns configured target names in config order.
func (r *Runtime) Targets() []string {
	return append([]string(nil), r.order...)
}
