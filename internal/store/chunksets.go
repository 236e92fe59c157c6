package store

import (
	"context"
	"time"

	sifterrors "github.com/siftlabs/siftd/internal/errors"
)

// ClaimChunkSet records that (sessionID, url, contentHash) is being
// indexed. It returns true when this caller won the claim and false
// when the chunk set was already claimed or indexed. INSERT OR IGNORE
// against the primary key makes the claim race-safe across workers.
func (s *Store) ClaimChunkSet(ctx context.Context, sessionID, url, contentHash string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO chunk_sets (session_id, url, content_hash, chunk_count, indexed_at)
		VALUES (?, ?, ?, 0, ?)`,
		sessionID, url, contentHash, time.Now().Unix())
	if err != nil {
		return false, sifterrors.StoreError("claim chunk set", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, sifterrors.StoreError("claim chunk set rows affected", err)
	}
	return n > 0, nil
}

// FinalizeChunkSet stamps the chunk count after a successful index.
func (s *Store) FinalizeChunkSet(ctx context.Context, sessionID, url, contentHash string, chunkCount int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chunk_sets SET chunk_count = ?, indexed_at = ?
		WHERE session_id = ? AND url = ? AND content_hash = ?`,
		chunkCount, time.Now().Unix(), sessionID, url, contentHash)
	if err != nil {
		return sifterrors.StoreError("finalize chunk set", err)
	}
	return nil
}

// ReleaseChunkSet drops a claim so a retry can re-claim it. Called on
// the failure path after a claim succeeded.
func (s *Store) ReleaseChunkSet(ctx context.Context, sessionID, url, contentHash string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM chunk_sets WHERE session_id = ? AND url = ? AND content_hash = ?`,
		sessionID, url, contentHash)
	if err != nil {
		return sifterrors.StoreError("release chunk set", err)
	}
	return nil
}
