// Package usecase contains application logic on top of the launchd client.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/svcctl/internal/domain"
)

// StatusCacheConfig holds status cache settings.
type StatusCacheConfig struct {
	// TTL bounds how long a status is served without asking launchd again.
	TTL time.Duration
}

// DefaultStatusCacheConfig returns the default cache settings.
func DefaultStatusCacheConfig() StatusCacheConfig {
	return StatusCacheConfig{
		TTL: 15 * time.Second,
	}
}

// StatusCache maps labels to their last known status. Entries expire
// lazily after the TTL. The lock is never held across a launchd round trip.
type StatusCache struct {
	source      domain.StatusSource
	descriptors domain.DescriptorLookup
	ttl         time.Duration
	now         func() time.Time
	logger      *zap.Logger

	mu      sync.Mutex
	entries map[string]domain.EntryStatus
	// gens and epoch count invalidations per label and of the whole cache,
	// so a query that started before one cannot store stale status.
	gens  map[string]uint64
	epoch uint64
}

// NewStatusCache creates a cache answering misses from source. descriptors
// may be nil.
func NewStatusCache(
	source domain.StatusSource,
	descriptors domain.DescriptorLookup,
	cfg StatusCacheConfig,
	logger *zap.Logger,
) *StatusCache {
	return &StatusCache{
		source:      source,
		descriptors: descriptors,
		ttl:         cfg.TTL,
		now:         time.Now,
		logger:      logger,
		entries:     make(map[string]domain.EntryStatus),
		gens:        make(map[string]uint64),
	}
}

// SetClock replaces the time source (for tests).
func (c *StatusCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Get returns the status of label, querying launchd when the label is
// absent or its entry has expired. A label no domain knows is a valid,
// cached status with DomainUnknown. Query failures are not cached.
func (c *StatusCache) Get(ctx context.Context, label string) (domain.EntryStatus, error) {
	c.mu.Lock()
	entry, ok := c.entries[label]
	if ok && c.now().Sub(entry.CreatedAt) <= c.ttl {
		c.mu.Unlock()
		return clone(entry), nil
	}
	if ok {
		delete(c.entries, label)
	}
	gen, epoch := c.gens[label], c.epoch
	c.mu.Unlock()

	status, err := c.build(ctx, label)
	if err != nil {
		return domain.EntryStatus{}, err
	}

	c.mu.Lock()
	status.CreatedAt = c.now()
	if c.gens[label] == gen && c.epoch == epoch {
		c.entries[label] = status
	}
	c.mu.Unlock()

	return clone(status), nil
}

func (c *StatusCache) build(ctx context.Context, label string) (domain.EntryStatus, error) {
	status := domain.EntryStatus{
		Label:       label,
		Domain:      domain.DomainUnknown,
		SessionType: domain.SessionUnknown,
	}

	found, err := c.source.FindInAll(ctx, label)
	switch {
	case err == nil:
		status.Domain = found.Domain
		status.SessionType = found.SessionType
		status.PID = found.PID
	case errors.Is(err, domain.ErrNotFound):
		c.logger.Debug("label not loaded in any domain", zap.String("label", label))
	default:
		return domain.EntryStatus{}, fmt.Errorf("failed to query status of %s: %w", label, err)
	}

	if c.descriptors != nil {
		if d, ok := c.descriptors.Lookup(label); ok {
			status.Descriptor = d
		}
	}
	return status, nil
}

// Invalidate removes label so the next Get queries launchd.
func (c *StatusCache) Invalidate(label string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, label)
	c.gens[label]++
}

// Clear removes every entry.
func (c *StatusCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.entries = make(map[string]domain.EntryStatus)
}

// Len returns the number of entries, expired or not.
func (c *StatusCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func clone(e domain.EntryStatus) domain.EntryStatus {
	if e.Descriptor != nil {
		d := *e.Descriptor
		e.Descriptor = &d
	}
	return e
}
