// Copyright 2026 The Patchflow Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/klauspost/compress/zstd"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/patchflow-dev/patchflow/lib/clock"
	"github.com/patchflow-dev/patchflow/lib/sqlitepool"
)

// ddl is the document-store schema, applied once per connection via
// the pool's OnConnect hook. Change requests are indexed by PR number
// (webhook lookups) and by status+updated_at (deploy-target fallback
// and the live status feed).
const ddl = `
CREATE TABLE IF NOT EXISTS change_requests (
	id                TEXT PRIMARY KEY,
	session_id        TEXT NOT NULL,
	prompt            TEXT NOT NULL,
	skill             TEXT NOT NULL,
	operator          TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL,
	branch            TEXT NOT NULL DEFAULT '',
	head_sha          TEXT NOT NULL DEFAULT '',
	pr_number         INTEGER NOT NULL DEFAULT 0,
	pr_url            TEXT NOT NULL DEFAULT '',
	checks_conclusion TEXT NOT NULL DEFAULT '',
	deploy_status     TEXT NOT NULL DEFAULT '',
	deploy_url        TEXT NOT NULL DEFAULT '',
	deploy_production INTEGER NOT NULL DEFAULT 0,
	error             TEXT NOT NULL DEFAULT '',
	created_at        INTEGER NOT NULL,
	updated_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS change_requests_pr
	ON change_requests (pr_number);
CREATE INDEX IF NOT EXISTS change_requests_status_updated
	ON change_requests (status, updated_at);

CREATE TABLE IF NOT EXISTS plans (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	title      TEXT NOT NULL,
	overview   TEXT NOT NULL DEFAULT '',
	items      TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS transcripts (
	request_id TEXT PRIMARY KEY,
	data       BLOB NOT NULL
);
`

// Collection names a watched document collection.
type Collection string

const (
	// ChangeRequests is the collection of change request records.
	ChangeRequests Collection = "changeRequests"
	// Plans is the collection of operator-facing plans.
	Plans Collection = "plans"
)

// Notification is delivered to watchers after a document mutation
// commits. It carries identity only — watchers re-read the document,
// which keeps notifications cheap and delivery loss harmless.
type Notification struct {
	Collection Collection
	ID         string
}

// Store is the persisted system of record: change requests, plans,
// and agent transcripts over SQLite. It is shared by the pipeline
// executor and the webhook reconciler, which write different field
// groups of the same records concurrently; every update statement
// touches only its own field group and carries its own guard, so
// concurrent writers cannot lose each other's updates.
//
// Store is safe for concurrent use.
type Store struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger

	compressor   *zstd.Encoder
	decompressor *zstd.Decoder

	watchMu  sync.Mutex
	watchers []chan Notification
	closed   bool
}

// Config holds the parameters for opening a Store.
type Config struct {
	// Path is the SQLite database file. Required.
	Path string

	// PoolSize is passed through to the connection pool.
	PoolSize int

	// Clock provides timestamps. Required.
	Clock clock.Clock

	// Logger receives operational messages. Required.
	Logger *slog.Logger
}

// Open creates the store, its connection pool, and its schema.
func Open(cfg Config) (*Store, error) {
	if cfg.Clock == nil {
		return nil, fmt.Errorf("store: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("store: Logger is required")
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   cfg.Logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, ddl, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	compressor, err := zstd.NewWriter(nil)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: creating zstd encoder: %w", err)
	}
	decompressor, err := zstd.NewReader(nil)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: creating zstd decoder: %w", err)
	}

	return &Store{
		pool:         pool,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		compressor:   compressor,
		decompressor: decompressor,
	}, nil
}

// Close releases the connection pool. Watch channels are closed so
// subscribers unblock. Idempotent.
func (s *Store) Close() error {
	s.watchMu.Lock()
	if s.closed {
		s.watchMu.Unlock()
		return nil
	}
	s.closed = true
	for _, watcher := range s.watchers {
		close(watcher)
	}
	s.watchers = nil
	s.watchMu.Unlock()

	return s.pool.Close()
}

// Watch subscribes to document mutations. The returned channel
// receives a Notification for every committed change until the store
// closes. Delivery is best-effort: a watcher that falls behind the
// buffer misses notifications rather than blocking writers, matching
// the real-time store semantics the plan tracker assumes — watchers
// re-read current state on every notification.
func (s *Store) Watch() <-chan Notification {
	channel := make(chan Notification, 64)
	s.watchMu.Lock()
	s.watchers = append(s.watchers, channel)
	s.watchMu.Unlock()
	return channel
}

// notify fans a mutation out to all watchers. Non-blocking.
func (s *Store) notify(collection Collection, id string) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for _, watcher := range s.watchers {
		select {
		case watcher <- Notification{Collection: collection, ID: id}:
		default:
		}
	}
}

// withConn borrows a connection for the duration of fn.
func (s *Store) withConn(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	return fn(conn)
}
