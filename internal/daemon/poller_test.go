package daemon

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/svcctl/internal/domain"
)

// mockLister implements Lister for testing
type mockLister struct {
	mu       sync.Mutex
	services map[domain.DomainTarget][]domain.Service
	errs     map[domain.DomainTarget]error
	calls    int
}

func (m *mockLister) List(_ context.Context, target domain.DomainTarget, _ string) ([]domain.Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if err := m.errs[target]; err != nil {
		return nil, err
	}
	return append([]domain.Service(nil), m.services[target]...), nil
}

func (m *mockLister) set(target domain.DomainTarget, services []domain.Service) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services[target] = services
}

func testConfig(targets ...domain.DomainTarget) PollerConfig {
	cfg := DefaultPollerConfig(targets...)
	cfg.ListInterval = 5 * time.Millisecond
	cfg.RunningInterval = 5 * time.Millisecond
	return cfg
}

// TestDefaultPollerConfig verifies default poller configuration
func TestDefaultPollerConfig(t *testing.T) {
	config := DefaultPollerConfig(domain.SystemTarget())

	assert.Equal(t, 5*time.Second, config.ListInterval)
	assert.Equal(t, 2*time.Second, config.RunningInterval)
	assert.Equal(t, []domain.DomainTarget{domain.SystemTarget()}, config.Targets)
}

func TestServicePoller_PublishesSnapshots(t *testing.T) {
	system, gui := domain.SystemTarget(), domain.GUITarget(501)
	lister := &mockLister{
		services: map[domain.DomainTarget][]domain.Service{
			system: {{Label: "com.apple.sshd", PID: 10}},
		},
		errs: map[domain.DomainTarget]error{gui: errors.New("125: Domain does not support specified action")},
	}
	poller := NewServicePoller(testConfig(system, gui), lister, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- poller.Run(ctx) }()

	first := <-poller.Snapshots()
	assert.Equal(t, system, first.Target)
	assert.NoError(t, first.Err)
	assert.Equal(t, []domain.Service{{Label: "com.apple.sshd", PID: 10}}, first.Services)

	second := <-poller.Snapshots()
	assert.Equal(t, gui, second.Target)
	assert.Error(t, second.Err)

	lister.set(system, []domain.Service{{Label: "com.apple.sshd"}, {Label: "com.apple.cron", PID: 3}})
	require.Eventually(t, func() bool {
		select {
		case <-poller.Snapshots():
		default:
		}
		return len(poller.Known(system)) == 2
	}, time.Second, time.Millisecond)

	assert.Equal(t, []string{"com.apple.cron", "com.apple.sshd"}, poller.KnownLabels())
	assert.Empty(t, poller.Known(gui))

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRunningPoller_TracksRunningSet(t *testing.T) {
	system := domain.SystemTarget()
	lister := &mockLister{
		services: map[domain.DomainTarget][]domain.Service{
			system: {{Label: "com.apple.sshd", PID: 10}, {Label: "com.apple.idle"}},
		},
	}
	poller := NewRunningPoller(testConfig(system), lister, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = poller.Run(ctx) }()

	snap := <-poller.Snapshots()
	assert.Equal(t, map[string]int64{"com.apple.sshd": 10}, snap.Running)

	pid, ok := poller.PID("com.apple.sshd")
	assert.True(t, ok)
	assert.Equal(t, int64(10), pid)
	_, ok = poller.PID("com.apple.idle")
	assert.False(t, ok)

	lister.set(system, []domain.Service{{Label: "com.apple.idle", PID: 77}})
	require.Eventually(t, func() bool {
		s := <-poller.Snapshots()
		return s.Running["com.apple.idle"] == 77 && len(s.Running) == 1
	}, time.Second, time.Millisecond)
}

func TestRunPollers_StopsAll(t *testing.T) {
	system := domain.SystemTarget()
	lister := &mockLister{services: map[domain.DomainTarget][]domain.Service{}}
	cfg := testConfig(system)
	services := NewServicePoller(cfg, lister, zap.NewNop())
	running := NewRunningPoller(cfg, lister, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- RunPollers(ctx, services, running) }()

	<-services.Snapshots()
	<-running.Snapshots()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("pollers did not stop")
	}
}
