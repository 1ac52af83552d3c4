package app

import (
	"errors"
	"sync"

	"github.com/NodePath81/netprobe/internal/config"
	"github.com/NodePath81/netprobe/internal/util"
)

type Supervisor struct {
	configPath string
	logger     util.Logger
	// opMu serializes Start, Restart and Stop.
	opMu    sync.Mutex
	mu      sync.Mutex
	runtime *Runtime
	// cfg is the configuration of the running generation.
	cfg config.Config
}

func NewSupervisor(configPath string, logger util.Logger) *Supervisor {
	if logger == nil {
		logger = util.NewLogger()
	}
	return &Supervisor{
		configPath: configPath,
		logger:     logger,
	}
}

func (s *Supervisor) Start() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	cfg, err := config.LoadConfig(s.configPath)
	if err != nil {
		return err
	}
	return s.startWith(cfg)
}

func (s *Supervisor) startWith(cfg config.Config) error {
	runtime, err := NewRuntime(cfg, s.logger, s.Restart)
	if err != nil {
		return err
	}
	if err := runtime.Start(); err != nil {
		runtime.Stop()
		return err
	}
	s.mu.Lock()
	s.runtime = runtime
	s.cfg = cfg
	s.mu.Unlock()
	return nil
}

// Restart loads the configuration again and replaces the running runtime.
// The new generation is built before the old one stops, so an invalid file
// or a failing dependency leaves the current runtime untouched. If the new
// generation then fails to start, the previous configuration is started
// again. Probe history is not carried over.
func (s *Supervisor) Restart() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	cfg, err := config.LoadConfig(s.configPath)
	if err != nil {
		s.logger.Error("reload rejected", "path", s.configPath, "error", err)
		return err
	}
	next, err := NewRuntime(cfg, s.logger, s.Restart)
	if err != nil {
		s.logger.Error("reload rejected", "path", s.configPath, "error", err)
		return err
	}

	s.mu.Lock()
	current, prev := s.runtime, s.cfg
	s.runtime = nil
	s.mu.Unlock()

	if current != nil {
		current.Stop()
	}
	if err := next.Start(); err != nil {
		next.Stop()
		s.logger.Error("reload failed", "path", s.configPath, "error", err)
		if current == nil {
			return err
		}
		if restoreErr := s.startWith(prev); restoreErr != nil {
			s.logger.Error("previous configuration failed to start", "error", restoreErr)
			return errors.Join(err, restoreErr)
		}
		s.logger.Warn("previous configuration restored", "path", s.configPath)
		return err
	}
	s.mu.Lock()
	s.runtime = next
	s.cfg = cfg
	s.mu.Unlock()
	s.logger.Info("configuration reloaded", "path", s.configPath)
	return nil
}

func (s *Supervisor) Stop() {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.mu.Lock()
	current := s.runtime
	s.runtime = nil
	s.mu.Unlock()
	if current != nil {
		current.Stop()
	}
}

// Runtime returns the running generation, or nil once stopped or when
// neither a reload nor its fallback could start.
func (s *Supervisor) Runtime() *Runtime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runtime
}
