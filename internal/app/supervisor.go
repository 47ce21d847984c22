package app

import (
	"sync"

	"github.com/NodePath81/nqprobe/internal/config"
	"github.com/NodePath81/nqprobe/internal/util"
)

// Supervisor owns the running agent and rebuilds it from the config file
// on Restart.
type Supervisor struct {
	configPath string
	logger     util.Logger
	opts       []Option
	mu         sync.Mutex
	runtime    *Runtime
}

func NewSupervisor(configPath string, logger util.Logger, opts ...Option) *Supervisor {
	return &Supervisor{
		configPath: configPath,
		logger:     logger,
		opts:       opts,
	}
}

func (s *Supervisor) Start() error {
	cfg, err := config.LoadConfig(s.configPath)
	if err != nil {
		return err
	}
	runtime, err := NewRuntime(cfg, s.logger, s.opts...)
	if err != nil {
		return err
	}
	if err := runtime.Start(); err != nil {
		runtime.Stop()
		return err
	}
	s.mu.Lock()
	s.runtime = runtime
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) Restart() error {
	s.mu.Lock()
	current := s.runtime
	s.runtime = nil
	s.mu.Unlock()

	if current != nil {
		current.Stop()
	}
	return s.Start()
}

func (s *Supervisor) Stop() {
	s.mu.Lock()
	current := s.runtime
	s.runtime = nil
	s.mu.Unlock()
	if current != nil {
		current.Stop()
	}
}

// Runtime returns the active runtime, nil when stopped.
func (s *Supervisor) Runtime() *Runtime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runtime
}
