package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"liuproxy_egress/internal/shared/logger"
	"liuproxy_egress/internal/shared/types"
	"liuproxy_egress/proxypool/model"
)

// SQLStorage persists identities in a single table, one JSON document per id.
// It backs the store when the pool is shared by several hosts (mysql) or
// simply needs crash-safe writes (sqlite).
type SQLStorage struct {
	db     *sql.DB
	driver string
	mu     sync.Mutex
}

var _ Storage = (*SQLStorage)(nil)

// NewSQLite opens (or creates) a SQLite database at path.
func NewSQLite(path string) (*SQLStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS identities (
			id         TEXT PRIMARY KEY,
			data       TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, err
	}

	l := logger.WithComponent("ProxyPool/Storage")
	l.Info().Str("path", path).Msg("SQLite identity storage opened.")
	return &SQLStorage{db: db, driver: "sqlite"}, nil
}

// NewMySQL connects to a MySQL server using dsn.
func NewMySQL(dsn string) (*SQLStorage, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS identities (
			id         VARCHAR(300) PRIMARY KEY,
			data       TEXT NOT NULL,
			updated_at BIGINT NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, err
	}

	l := logger.WithComponent("ProxyPool/Storage")
	l.Info().Msg("MySQL identity storage opened.")
	return &SQLStorage{db: db, driver: "mysql"}, nil
}

func (s *SQLStorage) upsertQuery() string {
	if s.driver == "mysql" {
		return `INSERT INTO identities (id, data, updated_at) VALUES (?, ?, ?)
			ON DUPLICATE KEY UPDATE data=VALUES(data), updated_at=VALUES(updated_at)`
	}
	return `INSERT INTO identities (id, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data=excluded.data, updated_at=excluded.updated_at`
}

// Load reads every row; rows that fail to decode are logged and skipped.
func (s *SQLStorage) Load() ([]*model.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := logger.WithComponent("ProxyPool/Storage")

	rows, err := s.db.Query("SELECT id, data FROM identities ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query identities: %w", err)
	}
	defer rows.Close()

	identities := make([]*model.Identity, 0)
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		identity, err := decodeIdentity(json.RawMessage(data))
		if err != nil {
			l.Warn().Err(&types.ConfigurationError{Source: s.driver + ":" + id, Reason: "skipping malformed identity", Err: err}).
				Msg("Skipping malformed identity row.")
			continue
		}
		identities = append(identities, identity)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	l.Info().Int("count", len(identities)).Str("driver", s.driver).Msg("Successfully loaded identities from database.")
	return identities, nil
}

// Save upserts all identities in one transaction. Rows are never deleted.
func (s *SQLStorage) Save(identities []*model.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(s.upsertQuery())
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for _, identity := range identities {
		data, err := json.Marshal(identity)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to marshal identity %s: %w", identity.ID, err)
		}
		if _, err := stmt.Exec(identity.ID, string(data), now); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to upsert identity %s: %w", identity.ID, err)
		}
	}
	return tx.Commit()
}

// Close closes the database connection.
func (s *SQLStorage) Close() error {
	return s.db.Close()
}
