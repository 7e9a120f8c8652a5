package daemon

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RunningSnapshot maps the label of every running job to its pid.
type RunningSnapshot struct {
	Running map[string]int64
	TakenAt time.Time
}

// RunningPoller recomputes the set of running jobs across the configured
// targets on its own interval, independently of the service poller.
type RunningPoller struct {
	config PollerConfig
	lister Lister
	logger *zap.Logger
	out    chan RunningSnapshot

	mu      sync.RWMutex
	running map[string]int64
}

// NewRunningPoller creates a running-set poller.
func NewRunningPoller(config PollerConfig, lister Lister, logger *zap.Logger) *RunningPoller {
	return &RunningPoller{
		config:  config,
		lister:  lister,
		logger:  logger,
		out:     make(chan RunningSnapshot, 1),
		running: make(map[string]int64),
	}
}

// Snapshots delivers the running set after every poll.
func (p *RunningPoller) Snapshots() <-chan RunningSnapshot {
	return p.out
}

// PID returns the pid of label as of the last poll.
func (p *RunningPoller) PID(label string) (int64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pid, ok := p.running[label]
	return pid, ok
}

// Run polls until ctx is canceled.
func (p *RunningPoller) Run(ctx context.Context) error {
	p.logger.Info("running poller started", zap.Duration("interval", p.config.RunningInterval))

	if err := p.poll(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(p.config.RunningInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("running poller stopping")
			return ctx.Err()

		case <-ticker.C:
			if err := p.poll(ctx); err != nil {
				return err
			}
		}
	}
}

func (p *RunningPoller) poll(ctx context.Context) error {
	running := make(map[string]int64)
	for _, target := range p.config.Targets {
		services, err := p.lister.List(ctx, target, "")
		if err != nil {
			p.logger.Debug("failed to list running services",
				zap.Stringer("target", target),
				zap.Error(err))
			continue
		}
		for _, s := range services {
			if s.Running() {
				running[s.Label] = s.PID
			}
		}
	}

	p.mu.Lock()
	p.running = running
	p.mu.Unlock()

	snap := RunningSnapshot{Running: copyRunning(running), TakenAt: time.Now()}
	select {
	case p.out <- snap:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func copyRunning(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
