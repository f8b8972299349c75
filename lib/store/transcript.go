// Copyright 2026 The Patchflow Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// PutTranscript stores an agent run's transcript for a change
// request, replacing any previous one. Transcripts are kept for
// operator review and compressed at rest — agent output is verbose
// and highly repetitive, so zstd routinely shrinks it by an order of
// magnitude.
func (s *Store) PutTranscript(ctx context.Context, requestID, transcript string) error {
	compressed := s.compressor.EncodeAll([]byte(transcript), nil)

	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT INTO transcripts (request_id, data) VALUES (?, ?)
			 ON CONFLICT (request_id) DO UPDATE SET data = excluded.data`,
			&sqlitex.ExecOptions{Args: []any{requestID, compressed}})
	})
	if err != nil {
		return fmt.Errorf("store: storing transcript for %s: %w", requestID, err)
	}
	return nil
}

// GetTranscript returns a change request's transcript, or ErrNotFound.
func (s *Store) GetTranscript(ctx context.Context, requestID string) (string, error) {
	var compressed []byte
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT data FROM transcripts WHERE request_id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{requestID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					compressed = make([]byte, stmt.ColumnLen(0))
					stmt.ColumnBytes(0, compressed)
					return nil
				},
			})
	})
	if err != nil {
		return "", fmt.Errorf("store: reading transcript for %s: %w", requestID, err)
	}
	if compressed == nil {
		return "", ErrNotFound
	}

	transcript, err := s.decompressor.DecodeAll(compressed, nil)
	if err != nil {
		return "", fmt.Errorf("store: decompressing transcript for %s: %w", requestID, err)
	}
	return string(transcript), nil
}
