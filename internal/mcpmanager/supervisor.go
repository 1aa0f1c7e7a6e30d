package mcpmanager

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// DefaultSupervisorSchedule retries autostart connections once a minute.
const DefaultSupervisorSchedule = "* * * * *"

// Supervisor auto-heals autostart servers: on a cron schedule it retries
// ConnectServer for every registered autoStart spec currently absent from
// connections. This supplements, and does not replace, the one-shot
// InitializeDefaultServers called at startup — manager state itself is
// never persisted or reloaded, only the retry schedule runs on a timer.
type Supervisor struct {
	manager *Manager
	cron    *cron.Cron
	logger  *slog.Logger
}

// NewSupervisor builds a Supervisor wired to manager. Call Start to begin
// the retry loop; the cron expression defaults to DefaultSupervisorSchedule
// when empty.
func NewSupervisor(manager *Manager, schedule string, logger *slog.Logger) (*Supervisor, error) {
	if schedule == "" {
		schedule = DefaultSupervisorSchedule
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{manager: manager, logger: logger}
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(schedule, s.healPass); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins the background retry loop.
func (s *Supervisor) Start() { s.cron.Start() }

// Stop halts the loop and waits for any in-flight pass to finish.
func (s *Supervisor) Stop() { <-s.cron.Stop().Done() }

func (s *Supervisor) healPass() {
	ctx := context.Background()
	for name, spec := range s.manager.Specs() {
		if !spec.AutoStart || s.manager.IsConnected(name) {
			continue
		}
		if err := s.manager.ConnectServer(ctx, name, nil); err != nil {
			s.logger.Debug("auto-heal connect failed", "server", name, "error", err)
		} else {
			s.logger.Info("auto-heal reconnected server", "server", name)
		}
	}
}
