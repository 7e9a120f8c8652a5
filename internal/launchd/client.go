package launchd

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/svcctl/internal/domain"
	"github.com/eliteGoblin/focusd/svcctl/internal/xpc"
)

// Config holds the shared-memory sizes of the bulk routines.
type Config struct {
	// DumpShmemSize backs the full state and jetsam dumps.
	DumpShmemSize uint64
	// ShmemSize backs the disabled list and process info.
	ShmemSize uint64
}

// DefaultConfig returns the sizes launchctl itself uses.
func DefaultConfig() Config {
	return Config{
		DumpShmemSize: 0x1400000,
		ShmemSize:     0x100000,
	}
}

// LoadRequest describes a bootstrap or bootout of one or more plists.
type LoadRequest struct {
	Target  domain.DomainTarget
	Paths   []string
	Session domain.SessionType
	// Force overrides a disabled override when loading.
	Force bool
}

// queryFunc looks a label up in one domain type.
type queryFunc func(ctx context.Context, typ domain.DomainType, label string) (*domain.FoundService, error)

// Client issues the fixed routine vocabulary. Errors from the transport and
// the daemon are returned unmodified; nothing is retried.
type Client struct {
	transport *xpc.Transport
	logger    *zap.Logger
	cfg       Config
	query     queryFunc
}

var _ domain.StatusSource = (*Client)(nil)

// NewClient creates a client over transport.
func NewClient(transport *xpc.Transport, logger *zap.Logger, cfg Config) *Client {
	c := &Client{
		transport: transport,
		logger:    logger,
		cfg:       cfg,
	}
	c.query = func(ctx context.Context, typ domain.DomainType, label string) (*domain.FoundService, error) {
		return c.lookup(ctx, DomainMessage(typ, 0), typ, label)
	}
	return c
}

// roundTrip sends msg and normalizes both reply error conventions.
func (c *Client) roundTrip(ctx context.Context, msg xpc.Message) (xpc.Dictionary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	reply, err := c.transport.Send(msg)
	if err != nil {
		return nil, err
	}
	defer reply.Close()

	if _, err := xpc.HandleReplyErrors(reply); err != nil {
		return nil, err
	}
	return reply.Dictionary()
}

// List returns the services of target. With a non-empty name only that
// service is queried.
func (c *Client) List(ctx context.Context, target domain.DomainTarget, name string) ([]domain.Service, error) {
	typ, handle, err := TargetDomain(target)
	if err != nil {
		return nil, err
	}
	dom := DomainMessage(typ, handle)

	if name != "" {
		found, err := c.lookup(ctx, dom, typ, name)
		if err != nil {
			return nil, err
		}
		return []domain.Service{{Label: found.Label, PID: found.PID}}, nil
	}

	reply, err := c.roundTrip(ctx, listMessage(dom, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", target, err)
	}
	defer reply.Close()

	services, err := reply.GetDictionary(ReplyServices)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", target, err)
	}
	defer services.Close()

	out := make([]domain.Service, 0, len(services))
	for _, label := range services.Keys() {
		entry, err := services[label].Dictionary()
		if err != nil {
			return nil, fmt.Errorf("service %q: %w", label, err)
		}
		svc := domain.Service{Label: label}
		svc.PID, err = optionalInteger(entry, ListPID)
		if err == nil {
			svc.Status, err = optionalInteger(entry, ListStatus)
		}
		entry.Close()
		if err != nil {
			return nil, fmt.Errorf("service %q: %w", label, err)
		}
		out = append(out, svc)
	}
	return out, nil
}

// lookup queries a single domain for label.
func (c *Client) lookup(ctx context.Context, dom xpc.Message, typ domain.DomainType, label string) (*domain.FoundService, error) {
	reply, err := c.roundTrip(ctx, listMessage(dom, label))
	if err != nil {
		return nil, err
	}
	defer reply.Close()

	service, err := reply.GetDictionary(ReplyService)
	if err != nil {
		return nil, err
	}
	defer service.Close()

	pid, err := optionalInteger(service, ServicePID)
	if err != nil {
		return nil, fmt.Errorf("service %q: %w", label, err)
	}
	return &domain.FoundService{
		Label:       label,
		Domain:      typ,
		PID:         pid,
		SessionType: sessionType(service),
	}, nil
}

// FindInAll searches the domain types in order and returns the first that
// knows label.
func (c *Client) FindInAll(ctx context.Context, label string) (*domain.FoundService, error) {
	return findInDomains(ctx, label, domain.SearchableDomains, c.query, c.logger)
}

func findInDomains(ctx context.Context, label string, domains []domain.DomainType, query queryFunc, logger *zap.Logger) (*domain.FoundService, error) {
	for _, typ := range domains {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		found, err := query(ctx, typ, label)
		if err == nil {
			return found, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		logger.Debug("label not in domain",
			zap.String("label", label),
			zap.Stringer("domain", typ),
			zap.Error(err))
	}
	return nil, fmt.Errorf("label %q: %w", label, domain.ErrNotFound)
}

// Load bootstraps the plists of req into its target.
func (c *Client) Load(ctx context.Context, req LoadRequest) error {
	return c.load(ctx, RoutineLoad, req)
}

// Unload boots the plists of req out of its target.
func (c *Client) Unload(ctx context.Context, req LoadRequest) error {
	return c.load(ctx, RoutineUnload, req)
}

func (c *Client) load(ctx context.Context, routine Routine, req LoadRequest) error {
	if len(req.Paths) == 0 {
		return fmt.Errorf("no paths given")
	}
	dom, err := TargetMessage(req.Target)
	if err != nil {
		return err
	}
	reply, err := c.roundTrip(ctx, loadMessage(routine, dom, req))
	if err != nil {
		return err
	}
	reply.Close()
	c.logger.Info("plists submitted",
		zap.Uint64("routine", uint64(routine)),
		zap.Stringer("target", req.Target),
		zap.Strings("paths", req.Paths))
	return nil
}

// Enable clears the disabled override of labels in target.
func (c *Client) Enable(ctx context.Context, target domain.DomainTarget, labels []string) error {
	return c.setEnabled(ctx, RoutineEnable, target, labels)
}

// Disable sets the disabled override of labels in target.
func (c *Client) Disable(ctx context.Context, target domain.DomainTarget, labels []string) error {
	return c.setEnabled(ctx, RoutineDisable, target, labels)
}

func (c *Client) setEnabled(ctx context.Context, routine Routine, target domain.DomainTarget, labels []string) error {
	if len(labels) == 0 {
		return fmt.Errorf("no labels given")
	}
	dom, err := TargetMessage(target)
	if err != nil {
		return err
	}
	reply, err := c.roundTrip(ctx, enableMessage(routine, dom, labels))
	if err != nil {
		return err
	}
	reply.Close()
	return nil
}

// Blame returns launchd's reason for label running.
func (c *Client) Blame(ctx context.Context, target domain.DomainTarget, label string) (string, error) {
	dom, err := TargetMessage(target)
	if err != nil {
		return "", err
	}
	reply, err := c.roundTrip(ctx, blameMessage(dom, label))
	if err != nil {
		return "", err
	}
	defer reply.Close()

	reason, err := reply.GetString(ReplyReason)
	if err != nil {
		return "", fmt.Errorf("blame %q: %w", label, err)
	}
	return reason, nil
}

// DumpState returns the full launchd state dump.
func (c *Client) DumpState(ctx context.Context) ([]byte, error) {
	msg := RoutineMessage(RoutineDumpState, SubsystemService).Extend(systemDomain)
	return c.shmemRoundTrip(ctx, msg, c.cfg.DumpShmemSize)
}

// DumpJetsamProperties returns the memory-pressure category table.
func (c *Client) DumpJetsamProperties(ctx context.Context) ([]byte, error) {
	msg := RoutineMessage(RoutineDumpJetsam, SubsystemService).Extend(systemDomain)
	return c.shmemRoundTrip(ctx, msg, c.cfg.DumpShmemSize)
}

// ProcInfo returns launchd's diagnostic dump for pid.
func (c *Client) ProcInfo(ctx context.Context, pid int64) ([]byte, error) {
	msg := RoutineMessage(RoutineProcInfo, SubsystemProcess).Entry(KeyPid, pid)
	return c.shmemRoundTrip(ctx, msg, c.cfg.ShmemSize)
}

// DisabledLabels returns the disabled overrides of target.
func (c *Client) DisabledLabels(ctx context.Context, target domain.DomainTarget) (map[string]bool, error) {
	dom, err := TargetMessage(target)
	if err != nil {
		return nil, err
	}
	msg := RoutineMessage(RoutineDisabledList, SubsystemService).Extend(dom)
	text, err := c.shmemRoundTrip(ctx, msg, c.cfg.ShmemSize)
	if err != nil {
		return nil, err
	}
	return ParseDisabled(text), nil
}

// shmemRoundTrip attaches a fresh region of size bytes under the shmem key
// and returns the prefix the daemon reports having written.
func (c *Client) shmemRoundTrip(ctx context.Context, msg xpc.Message, size uint64) ([]byte, error) {
	region, err := xpc.AllocateShmemSelf(c.transport.Runtime(), size, xpc.VMFlagsAnywhere)
	if err != nil {
		return nil, err
	}
	defer region.Close()

	reply, err := c.roundTrip(ctx, msg.Entry(KeyShmem, region))
	if err != nil {
		return nil, err
	}
	defer reply.Close()

	written, err := reply.GetInteger(ReplyBytesWritten)
	if err != nil {
		return nil, err
	}
	if written < 0 {
		return nil, fmt.Errorf("negative %s: %d", ReplyBytesWritten, written)
	}
	if uint64(written) > size {
		c.logger.Warn("daemon reported more bytes than allocated",
			zap.Int64("written", written),
			zap.Uint64("size", size))
	}
	return region.Bytes(uint64(written)), nil
}

// optionalInteger reads key, treating absence as zero.
func optionalInteger(d xpc.Dictionary, key string) (int64, error) {
	v, err := d.GetInteger(key)
	if errors.Is(err, xpc.ErrNotFound) {
		return 0, nil
	}
	return v, err
}

// sessionType reads the session type launchd sends as either text or code.
func sessionType(d xpc.Dictionary) domain.SessionType {
	o, ok := d[ServiceSessionType]
	if !ok {
		return domain.SessionUnknown
	}
	if s, err := o.String(); err == nil {
		return domain.ParseSessionType(s)
	}
	if code, err := xpc.Integer(o); err == nil {
		return domain.SessionTypeFromCode(code)
	}
	return domain.SessionUnknown
}

// Labels returns the sorted labels of services.
func Labels(services []domain.Service) []string {
	out := make([]string, 0, len(services))
	for _, s := range services {
		out = append(out, s.Label)
	}
	sort.Strings(out)
	return out
}
