package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/mkrupp/resizecache/internal/domain"
	"github.com/mkrupp/resizecache/internal/infra/logging"
)

// ErrInvalidTable is returned for table names that are not plain SQL identifiers.
var ErrInvalidTable = errors.New("invalid table name")

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

const memoryDatabase = ":memory:"

// SQLiteIndexRepositoryConfig holds configuration for the SQLite index repository.
type SQLiteIndexRepositoryConfig struct {
	// DatabasePath is the filesystem path to the SQLite database file
	DatabasePath string `env:"DATABASE_PATH" default:"var/storage/index.db"`
	// BusyTimeout is how long a connection waits for a locked database
	BusyTimeout time.Duration `env:"BUSY_TIMEOUT" default:"5s"`
}

// SQLiteIndexRepository implements Repository using SQLite as the storage backend.
type SQLiteIndexRepository struct {
	db        *sql.DB
	log       logging.Logger
	writeLock *sync.Mutex // go-sqlite does not support concurrent writes

	lookupQuery string
	insertQuery string
}

var _ Repository = (*SQLiteIndexRepository)(nil)

// SQLiteIndexRepositoryFactory creates a factory function that returns a new SQLiteIndexRepository.
// The factory function implements the RepositoryFactory type.
func SQLiteIndexRepositoryFactory(cfg SQLiteIndexRepositoryConfig) RepositoryFactory {
	return func(ctx context.Context, table string) (Repository, error) {
		return NewSQLiteIndexRepository(ctx, table, cfg)
	}
}

// NewSQLiteIndexRepository opens the database and migrates table to the current schema.
// Returns an error if the table name is invalid or the database cannot be opened.
func NewSQLiteIndexRepository(
	ctx context.Context,
	table string,
	cfg SQLiteIndexRepositoryConfig,
) (repo *SQLiteIndexRepository, err error) {
	log := logging.GetLogger("repo.index.sqlite_index_repository").With(
		logging.Group("db", "path", cfg.DatabasePath, "table", table),
	)

	defer func() {
		if err != nil {
			log.ErrorContext(ctx, "open index failed", "error", err)
		} else {
			log.DebugContext(ctx, "index opened")
		}
	}()

	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTable, table)
	}

	db, err := sql.Open("sqlite", dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if cfg.DatabasePath == memoryDatabase {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := runMigrations(ctx, db, table); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteIndexRepository{
		db:        db,
		log:       log,
		writeLock: new(sync.Mutex),
		lookupQuery: "SELECT 1 FROM " + table +
			" WHERE source_id = ? AND content_key = ?",
		insertQuery: "INSERT INTO " + table + " (source_id, content_key, created_at) VALUES (?, ?, ?)" +
			" ON CONFLICT (source_id, content_key) DO NOTHING",
	}, nil
}

func dsn(cfg SQLiteIndexRepositoryConfig) string {
	busy := cfg.BusyTimeout.Milliseconds()
	if busy <= 0 {
		busy = 5000
	}

	pragmas := fmt.Sprintf("_pragma=busy_timeout(%d)", busy)
	if cfg.DatabasePath != memoryDatabase {
		pragmas += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}

	return "file:" + cfg.DatabasePath + "?" + pragmas
}

// Lookup implements Repository.Lookup using SQLite.
func (r *SQLiteIndexRepository) Lookup(ctx context.Context, sourceID string, key domain.ContentKey) (bool, error) {
	var one int

	err := r.db.QueryRowContext(ctx, r.lookupQuery, sourceID, key.String()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("query record: %w", errors.Join(domain.ErrIndexQuery, err))
	}

	return true, nil
}

// Insert implements Repository.Insert using SQLite.
func (r *SQLiteIndexRepository) Insert(ctx context.Context, sourceID string, key domain.ContentKey) (err error) {
	defer func() {
		log := r.log.With(logging.Group("record", "sourceID", sourceID, "key", key))
		if err != nil {
			log.ErrorContext(ctx, "insert record failed", "error", err)
		} else {
			log.DebugContext(ctx, "record inserted")
		}
	}()

	r.writeLock.Lock()
	defer r.writeLock.Unlock()

	_, err = r.db.ExecContext(ctx, r.insertQuery, sourceID, key.String(), time.Now().Unix())
	if err != nil {
		var liteErr *sqlite.Error
		if errors.As(err, &liteErr) && liteErr.Code() == sqlite3.SQLITE_BUSY {
			err = fmt.Errorf("database busy: %w", err)
		}

		return fmt.Errorf("insert record: %w", errors.Join(domain.ErrStorageWrite, err))
	}

	return nil
}

// Close implements Repository.Close by closing the database connection.
func (r *SQLiteIndexRepository) Close() error {
	if err := r.db.Close(); err != nil {
		return fmt.Errorf("close db: %w", err)
	}

	return nil
}
