package domain

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound reports a label no domain or index knows about.
var ErrNotFound = errors.New("not found")

// StatusSource answers where a label is loaded.
// Implementation: the launchd client searching every domain.
type StatusSource interface {
	// FindInAll returns the first domain that knows label, or an error
	// matching ErrNotFound when none does.
	FindInAll(ctx context.Context, label string) (*FoundService, error)
}

// DescriptorLookup resolves labels to property lists on disk.
type DescriptorLookup interface {
	// Lookup returns the descriptor for label, if one is installed.
	Lookup(label string) (*Descriptor, bool)

	// Invalidate forces the next lookup to rescan the disk.
	Invalidate()
}

// ProcessInspector handles OS process queries.
// Implementation: uses gopsutil.
type ProcessInspector interface {
	// IsRunning checks if a PID exists and is running.
	IsRunning(pid int) bool

	// Name returns the executable name of a PID.
	Name(pid int) (string, error)
}

// CommandJournal is a persistent record of mutating commands.
type CommandJournal interface {
	// Record appends an entry, filling in its ID and time.
	Record(entry JournalEntry) error

	// Recent returns up to limit entries, newest first.
	Recent(limit int) ([]JournalEntry, error)

	// Prune drops entries recorded before the cutoff.
	Prune(before time.Time) (int64, error)

	// Rekey re-encrypts the journal under key.
	Rekey(key []byte) error

	// Close releases resources (e.g., database connection).
	Close() error
}

// KeyProvider supplies the key the journal is encrypted with.
type KeyProvider interface {
	// Ensure returns the current key, generating one on first use.
	Ensure() ([]byte, error)

	// Rotate installs a new key once rekey has re-encrypted the journal
	// with it.
	Rotate(rekey func(key []byte) error) ([]byte, error)
}
