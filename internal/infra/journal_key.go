package infra

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/eliteGoblin/focusd/svcctl/internal/domain"
)

const (
	journalKeyName    = "journal.key"
	journalKeySize    = 32 // SQLCipher raw key, 256 bits
	pendingKeySuffix  = ".next"
	journalKeyFileMod = 0o600
)

// JournalKey is the raw SQLCipher key of the command journal. It lives
// hex-encoded in journal.key next to journal.db and is only accepted when
// the file belongs to the invoking user (root in system mode) and is closed
// to group and other.
type JournalKey struct {
	path string
	uid  int
}

// NewJournalKey locates the key for mode. An empty dataDir means the mode's
// default data directory.
func NewJournalKey(mode *ExecModeConfig, dataDir string) *JournalKey {
	if dataDir == "" {
		dataDir = mode.DataDir
	}
	return &JournalKey{
		path: filepath.Join(dataDir, journalKeyName),
		uid:  mode.UID,
	}
}

// Path returns the key file path.
func (k *JournalKey) Path() string {
	return k.path
}

// Load reads the current key. A journal that never had a key fails with an
// error matching os.ErrNotExist.
func (k *JournalKey) Load() ([]byte, error) {
	return k.read(k.path)
}

// Ensure returns the current key, generating one on first use.
func (k *JournalKey) Ensure() ([]byte, error) {
	key, err := k.Load()
	if !errors.Is(err, os.ErrNotExist) {
		return key, err
	}
	if key, err = newJournalKey(); err != nil {
		return nil, err
	}
	if err := k.write(k.path, key); err != nil {
		// Another invocation created it first.
		if errors.Is(err, os.ErrExist) {
			return k.Load()
		}
		return nil, err
	}
	return key, nil
}

// Rotate generates a new key and hands it to rekey, which must re-encrypt
// the journal with it. The key file is replaced only after rekey succeeds;
// until then the new key waits in journal.key.next.
func (k *JournalKey) Rotate(rekey func(key []byte) error) ([]byte, error) {
	key, err := newJournalKey()
	if err != nil {
		return nil, err
	}
	pending := k.path + pendingKeySuffix
	if err := os.Remove(pending); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to clear stale key %s: %w", pending, err)
	}
	if err := k.write(pending, key); err != nil {
		return nil, err
	}
	if err := rekey(key); err != nil {
		_ = os.Remove(pending)
		return nil, fmt.Errorf("failed to re-encrypt journal: %w", err)
	}
	if err := os.Rename(pending, k.path); err != nil {
		return nil, fmt.Errorf("journal re-encrypted but %s was not replaced, new key is in %s: %w",
			k.path, pending, err)
	}
	return key, nil
}

func (k *JournalKey) read(path string) ([]byte, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return nil, fmt.Errorf("journal key %s: %w", path, err)
	}
	if int(st.Uid) != k.uid {
		return nil, fmt.Errorf("journal key %s is owned by uid %d, want %d", path, st.Uid, k.uid)
	}
	if perm := os.FileMode(st.Mode).Perm(); perm&0o077 != 0 {
		return nil, fmt.Errorf("journal key %s has insecure permissions %#o", path, perm)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("journal key %s: %w", path, err)
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("journal key %s is not hex: %w", path, err)
	}
	if len(key) != journalKeySize {
		return nil, fmt.Errorf("journal key %s has %d bytes, want %d", path, len(key), journalKeySize)
	}
	return key, nil
}

// write creates path exclusively so a concurrent writer is never clobbered.
func (k *JournalKey) write(path string, key []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, journalKeyFileMod)
	if err != nil {
		return fmt.Errorf("failed to create journal key: %w", err)
	}
	if _, err := f.WriteString(hex.EncodeToString(key) + "\n"); err != nil {
		f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("failed to write journal key: %w", err)
	}
	return f.Close()
}

func newJournalKey() ([]byte, error) {
	key := make([]byte, journalKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate journal key: %w", err)
	}
	return key, nil
}

var _ domain.KeyProvider = (*JournalKey)(nil)
