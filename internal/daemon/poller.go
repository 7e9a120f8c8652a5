// Package daemon runs the periodic launchd pollers behind the watch view.
package daemon

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/eliteGoblin/focusd/svcctl/internal/domain"
)

// Lister lists the services of a domain.
// Implementation: launchd.Client.
type Lister interface {
	List(ctx context.Context, target domain.DomainTarget, name string) ([]domain.Service, error)
}

// PollerConfig holds poller configuration.
type PollerConfig struct {
	ListInterval    time.Duration // How often to list every target
	RunningInterval time.Duration // How often to recompute the running set
	Targets         []domain.DomainTarget
}

// DefaultPollerConfig returns default poller configuration for targets.
func DefaultPollerConfig(targets ...domain.DomainTarget) PollerConfig {
	return PollerConfig{
		ListInterval:    5 * time.Second,
		RunningInterval: 2 * time.Second,
		Targets:         targets,
	}
}

// ServiceSnapshot is one listing of one target.
type ServiceSnapshot struct {
	Target   domain.DomainTarget
	Services []domain.Service
	Err      error
	TakenAt  time.Time
}

// ServicePoller lists every configured target on a fixed interval and
// publishes each listing. The last successful listing per target is kept.
type ServicePoller struct {
	config PollerConfig
	lister Lister
	logger *zap.Logger
	out    chan ServiceSnapshot

	mu    sync.RWMutex
	known map[domain.DomainTarget][]domain.Service
}

// NewServicePoller creates a service-list poller.
func NewServicePoller(config PollerConfig, lister Lister, logger *zap.Logger) *ServicePoller {
	return &ServicePoller{
		config: config,
		lister: lister,
		logger: logger,
		out:    make(chan ServiceSnapshot, len(config.Targets)),
		known:  make(map[domain.DomainTarget][]domain.Service),
	}
}

// Snapshots delivers every listing, failed ones included.
func (p *ServicePoller) Snapshots() <-chan ServiceSnapshot {
	return p.out
}

// Known returns the last successful listing of target.
func (p *ServicePoller) Known(target domain.DomainTarget) []domain.Service {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]domain.Service(nil), p.known[target]...)
}

// KnownLabels returns every label seen in the last listings, sorted.
func (p *ServicePoller) KnownLabels() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, services := range p.known {
		for _, s := range services {
			seen[s.Label] = struct{}{}
		}
	}
	labels := make([]string, 0, len(seen))
	for label := range seen {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

// Run polls until ctx is canceled.
func (p *ServicePoller) Run(ctx context.Context) error {
	p.logger.Info("service poller started",
		zap.Duration("interval", p.config.ListInterval),
		zap.Int("targets", len(p.config.Targets)))

	if err := p.poll(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(p.config.ListInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("service poller stopping")
			return ctx.Err()

		case <-ticker.C:
			if err := p.poll(ctx); err != nil {
				return err
			}
		}
	}
}

// poll lists every target once. It only fails when ctx is done.
func (p *ServicePoller) poll(ctx context.Context) error {
	for _, target := range p.config.Targets {
		services, err := p.lister.List(ctx, target, "")
		if err != nil {
			p.logger.Warn("failed to list services",
				zap.Stringer("target", target),
				zap.Error(err))
		} else {
			p.mu.Lock()
			p.known[target] = services
			p.mu.Unlock()
		}

		snap := ServiceSnapshot{Target: target, Services: services, Err: err, TakenAt: time.Now()}
		select {
		case p.out <- snap:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Poller is a periodic task.
type Poller interface {
	Run(ctx context.Context) error
}

// RunPollers runs every poller in its own goroutine until ctx is canceled
// or one of them fails.
func RunPollers(ctx context.Context, pollers ...Poller) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, p := range pollers {
		p := p
		g.Go(func() error {
			return p.Run(ctx)
		})
	}
	return g.Wait()
}
