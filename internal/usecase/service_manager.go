package usecase

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/svcctl/internal/domain"
	"github.com/eliteGoblin/focusd/svcctl/internal/launchd"
)

// ServiceClient is the subset of the launchd client the manager drives.
type ServiceClient interface {
	Load(ctx context.Context, req launchd.LoadRequest) error
	Unload(ctx context.Context, req launchd.LoadRequest) error
	Enable(ctx context.Context, target domain.DomainTarget, labels []string) error
	Disable(ctx context.Context, target domain.DomainTarget, labels []string) error
	Blame(ctx context.Context, target domain.DomainTarget, label string) (string, error)
}

var _ ServiceClient = (*launchd.Client)(nil)

// Operation names recorded in the journal.
const (
	OpLoad    = "load"
	OpUnload  = "unload"
	OpEnable  = "enable"
	OpDisable = "disable"
)

// LoadCommand loads or unloads one service. Path is resolved from the
// descriptor index when empty.
type LoadCommand struct {
	Target  domain.DomainTarget
	Label   string
	Path    string
	Session domain.SessionType
	Force   bool
}

// ServiceManager issues mutating commands. The cache entry of every label
// a command touches is dropped before the request goes out.
type ServiceManager struct {
	client      ServiceClient
	cache       *StatusCache
	descriptors domain.DescriptorLookup
	journal     domain.CommandJournal
	logger      *zap.Logger
}

// NewServiceManager creates a manager. descriptors and journal may be nil.
func NewServiceManager(
	client ServiceClient,
	cache *StatusCache,
	descriptors domain.DescriptorLookup,
	journal domain.CommandJournal,
	logger *zap.Logger,
) *ServiceManager {
	return &ServiceManager{
		client:      client,
		cache:       cache,
		descriptors: descriptors,
		journal:     journal,
		logger:      logger,
	}
}

// Status returns the cached status of label.
func (m *ServiceManager) Status(ctx context.Context, label string) (domain.EntryStatus, error) {
	return m.cache.Get(ctx, label)
}

// Load bootstraps a service.
func (m *ServiceManager) Load(ctx context.Context, cmd LoadCommand) error {
	return m.load(ctx, OpLoad, cmd)
}

// Unload boots a service out.
func (m *ServiceManager) Unload(ctx context.Context, cmd LoadCommand) error {
	return m.load(ctx, OpUnload, cmd)
}

func (m *ServiceManager) load(ctx context.Context, op string, cmd LoadCommand) error {
	path := cmd.Path
	if path == "" {
		if cmd.Label == "" {
			return fmt.Errorf("%s: label or path required", op)
		}
		if m.descriptors == nil {
			return fmt.Errorf("%s %s: no descriptor index", op, cmd.Label)
		}
		d, ok := m.descriptors.Lookup(cmd.Label)
		if !ok {
			return fmt.Errorf("%s %s: plist: %w", op, cmd.Label, domain.ErrNotFound)
		}
		path = d.Path
	}

	if cmd.Label != "" {
		m.cache.Invalidate(cmd.Label)
	} else {
		m.cache.Clear()
	}

	req := launchd.LoadRequest{
		Target:  cmd.Target,
		Paths:   []string{path},
		Session: cmd.Session,
		Force:   cmd.Force,
	}
	var err error
	if op == OpLoad {
		err = m.client.Load(ctx, req)
	} else {
		err = m.client.Unload(ctx, req)
	}

	label := cmd.Label
	if label == "" {
		label = path
	}
	m.record(op, label, cmd.Target, err)
	return err
}

// Enable clears the disabled override of labels.
func (m *ServiceManager) Enable(ctx context.Context, target domain.DomainTarget, labels []string) error {
	return m.setEnabled(ctx, OpEnable, target, labels)
}

// Disable sets the disabled override of labels.
func (m *ServiceManager) Disable(ctx context.Context, target domain.DomainTarget, labels []string) error {
	return m.setEnabled(ctx, OpDisable, target, labels)
}

func (m *ServiceManager) setEnabled(ctx context.Context, op string, target domain.DomainTarget, labels []string) error {
	for _, label := range labels {
		m.cache.Invalidate(label)
	}

	var err error
	if op == OpEnable {
		err = m.client.Enable(ctx, target, labels)
	} else {
		err = m.client.Disable(ctx, target, labels)
	}

	for _, label := range labels {
		m.record(op, label, target, err)
	}
	return err
}

// Blame returns why label is running.
func (m *ServiceManager) Blame(ctx context.Context, target domain.DomainTarget, label string) (string, error) {
	m.cache.Invalidate(label)
	return m.client.Blame(ctx, target, label)
}

func (m *ServiceManager) record(op, label string, target domain.DomainTarget, cmdErr error) {
	fields := []zap.Field{
		zap.String("op", op),
		zap.String("label", label),
		zap.Stringer("target", target),
	}
	if cmdErr != nil {
		m.logger.Warn("command failed", append(fields, zap.Error(cmdErr))...)
	} else {
		m.logger.Info("command completed", fields...)
	}

	if m.journal == nil {
		return
	}
	entry := domain.JournalEntry{
		Operation: op,
		Label:     label,
		Target:    target.String(),
	}
	if cmdErr != nil {
		entry.Error = cmdErr.Error()
	}
	if err := m.journal.Record(entry); err != nil {
		m.logger.Warn("failed to journal command", append(fields, zap.Error(err))...)
	}
}
