// Copyright 2026 The Patchflow Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zeebo/blake3"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/patchflow-dev/patchflow/lib/clock"
	"github.com/patchflow-dev/patchflow/lib/codec"
	"github.com/patchflow-dev/patchflow/lib/sqlitepool"
)

// Entry is one audit record: who changed what, and when. Seq, At, and
// the hash fields are assigned by the trail on append.
type Entry struct {
	Seq    int64
	At     time.Time
	Actor  string
	Action string
	Detail string

	// Hash chains this entry to its predecessor:
	// blake3(prevHash || deterministic-CBOR(at, actor, action, detail)).
	Hash     []byte
	PrevHash []byte
}

// hashedFields is the CBOR-encoded portion of an entry. Deterministic
// encoding (lib/codec) makes the hash reproducible on verification.
type hashedFields struct {
	At     int64  `cbor:"at"` // Unix milliseconds
	Actor  string `cbor:"actor"`
	Action string `cbor:"action"`
	Detail string `cbor:"detail"`
}

// Trail is an append-only, hash-chained audit log persisted in
// SQLite. Each entry's hash covers the previous entry's hash, so
// removing or editing any historical entry breaks verification from
// that point forward.
//
// Appends are serialized by a mutex: the chain head must not move
// between reading the previous hash and inserting the new entry.
type Trail struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger

	mu sync.Mutex
}

// Schema is the audit table DDL, applied by the pool's OnConnect
// hook.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	seq      INTEGER PRIMARY KEY AUTOINCREMENT,
	at       INTEGER NOT NULL,
	actor    TEXT    NOT NULL,
	action   TEXT    NOT NULL,
	detail   TEXT    NOT NULL,
	hash     BLOB    NOT NULL,
	prev_hash BLOB   NOT NULL
);
`

// New creates a Trail over an opened pool. The pool's OnConnect hook
// must have applied Schema.
func New(pool *sqlitepool.Pool, clk clock.Clock, logger *slog.Logger) *Trail {
	if pool == nil {
		panic("audit.Trail: pool is required")
	}
	if clk == nil {
		panic("audit.Trail: clock is required")
	}
	if logger == nil {
		panic("audit.Trail: logger is required")
	}
	return &Trail{pool: pool, clock: clk, logger: logger}
}

// Append records an entry at the head of the chain. Actor and Action
// are required.
func (t *Trail) Append(ctx context.Context, entry Entry) error {
	if entry.Actor == "" {
		return fmt.Errorf("audit: entry requires an actor")
	}
	if entry.Action == "" {
		return fmt.Errorf("audit: entry requires an action")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	conn, err := t.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	defer t.pool.Put(conn)

	prevHash, err := headHash(conn)
	if err != nil {
		return err
	}

	at := t.clock.Now()
	hash, err := entryHash(prevHash, at, entry.Actor, entry.Action, entry.Detail)
	if err != nil {
		return err
	}

	err = sqlitex.Execute(conn,
		`INSERT INTO audit_log (at, actor, action, detail, hash, prev_hash)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{at.UnixMilli(), entry.Actor, entry.Action, entry.Detail, hash, prevHash},
		})
	if err != nil {
		return fmt.Errorf("audit: appending entry: %w", err)
	}

	t.logger.Info("audit entry recorded",
		"actor", entry.Actor,
		"action", entry.Action,
	)
	return nil
}

// Entries returns the full trail in append order.
func (t *Trail) Entries(ctx context.Context) ([]Entry, error) {
	conn, err := t.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	defer t.pool.Put(conn)

	var entries []Entry
	err = sqlitex.Execute(conn,
		`SELECT seq, at, actor, action, detail, hash, prev_hash
		 FROM audit_log ORDER BY seq`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				entries = append(entries, Entry{
					Seq:      stmt.ColumnInt64(0),
					At:       time.UnixMilli(stmt.ColumnInt64(1)).UTC(),
					Actor:    stmt.ColumnText(2),
					Action:   stmt.ColumnText(3),
					Detail:   stmt.ColumnText(4),
					Hash:     columnBlob(stmt, 5),
					PrevHash: columnBlob(stmt, 6),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("audit: reading entries: %w", err)
	}
	return entries, nil
}

// Verify walks the chain from genesis and returns an error naming the
// first entry whose hash does not match its recorded fields and
// predecessor.
func (t *Trail) Verify(ctx context.Context) error {
	entries, err := t.Entries(ctx)
	if err != nil {
		return err
	}

	prevHash := genesisHash()
	for _, entry := range entries {
		if !bytes.Equal(entry.PrevHash, prevHash) {
			return fmt.Errorf("audit: entry %d has broken chain linkage", entry.Seq)
		}
		expected, err := entryHash(prevHash, entry.At, entry.Actor, entry.Action, entry.Detail)
		if err != nil {
			return err
		}
		if !bytes.Equal(entry.Hash, expected) {
			return fmt.Errorf("audit: entry %d fails hash verification", entry.Seq)
		}
		prevHash = entry.Hash
	}
	return nil
}

// headHash returns the hash of the most recent entry, or the genesis
// hash for an empty trail.
func headHash(conn *sqlite.Conn) ([]byte, error) {
	hash := genesisHash()
	err := sqlitex.Execute(conn,
		`SELECT hash FROM audit_log ORDER BY seq DESC LIMIT 1`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				hash = columnBlob(stmt, 0)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("audit: reading chain head: %w", err)
	}
	return hash, nil
}

// genesisHash anchors the chain: the hash of the empty string, used
// as the predecessor of the first entry.
func genesisHash() []byte {
	sum := blake3.Sum256(nil)
	return sum[:]
}

func entryHash(prevHash []byte, at time.Time, actor, action, detail string) ([]byte, error) {
	encoded, err := codec.Marshal(hashedFields{
		At:     at.UnixMilli(),
		Actor:  actor,
		Action: action,
		Detail: detail,
	})
	if err != nil {
		return nil, fmt.Errorf("audit: encoding entry: %w", err)
	}

	hasher := blake3.New()
	hasher.Write(prevHash)
	hasher.Write(encoded)
	return hasher.Sum(nil), nil
}

func columnBlob(stmt *sqlite.Stmt, col int) []byte {
	blob := make([]byte, stmt.ColumnLen(col))
	stmt.ColumnBytes(col, blob)
	return blob
}
