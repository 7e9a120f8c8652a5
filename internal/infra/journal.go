package infra

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	sqlcipher "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/eliteGoblin/focusd/svcctl/internal/domain"
)

// Ensure sqlcipher driver is registered.
var _ = sqlcipher.ErrBusy

const (
	journalDBName = "journal.db"

	// defaultJournalLimit bounds Recent when the caller passes a
	// non-positive limit.
	defaultJournalLimit = 50
)

// Journal implements domain.CommandJournal using a SQLCipher encrypted
// SQLite database.
type Journal struct {
	db     *sql.DB
	dbPath string
	now    func() time.Time
}

// NewJournal opens (or creates) the encrypted journal database.
// The key is used as the SQLCipher passphrase via PRAGMA key.
func NewJournal(dataDir string, key []byte) (*Journal, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, journalDBName)
	keyHex := hex.EncodeToString(key)

	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", dbPath, keyHex)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open encrypted database: %w", err)
	}

	// PRAGMA rekey only re-encrypts through the connection that runs it.
	db.SetMaxOpenConns(1)

	// A wrong key only shows up on first use.
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to encrypted database: %w", err)
	}

	j := &Journal{db: db, dbPath: dbPath, now: time.Now}
	if err := j.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return j, nil
}

func (j *Journal) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS journal (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		created_at INTEGER NOT NULL,
		operation TEXT NOT NULL,
		label TEXT NOT NULL,
		target TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS journal_created_at ON journal (created_at);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Record appends an entry. ID and CreatedAt are always assigned here.
func (j *Journal) Record(entry domain.JournalEntry) error {
	entry.ID = uuid.NewString()
	entry.CreatedAt = j.now()

	_, err := j.db.Exec(`
		INSERT INTO journal (id, created_at, operation, label, target, error)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.CreatedAt.UnixNano(), entry.Operation, entry.Label, entry.Target, entry.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to record %s %s: %w", entry.Operation, entry.Label, err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(limit int) ([]domain.JournalEntry, error) {
	if limit <= 0 {
		limit = defaultJournalLimit
	}

	rows, err := j.db.Query(`
		SELECT id, created_at, operation, label, target, error
		FROM journal
		ORDER BY created_at DESC, seq DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var entries []domain.JournalEntry
	for rows.Next() {
		var (
			e       domain.JournalEntry
			created int64
		)
		if err := rows.Scan(&e.ID, &created, &e.Operation, &e.Label, &e.Target, &e.Error); err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		e.CreatedAt = time.Unix(0, created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune deletes every entry older than before and returns how many were
// removed.
func (j *Journal) Prune(before time.Time) (int64, error) {
	res, err := j.db.Exec(`DELETE FROM journal WHERE created_at < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune journal: %w", err)
	}
	return res.RowsAffected()
}

// Rekey re-encrypts the database under key. The open handle keeps working;
// later opens need the new key.
func (j *Journal) Rekey(key []byte) error {
	if _, err := j.db.Exec(fmt.Sprintf(`PRAGMA rekey = "x'%s'"`, hex.EncodeToString(key))); err != nil {
		return fmt.Errorf("failed to rekey journal: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (j *Journal) Path() string {
	return j.dbPath
}

// Close releases the database connection.
func (j *Journal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

// Ensure Journal implements domain.CommandJournal.
var _ domain.CommandJournal = (*Journal)(nil)
