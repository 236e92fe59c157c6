package store

import (
	"context"
	"database/sql"
	"time"

	sifterrors "github.com/siftlabs/siftd/internal/errors"
)

// PutCacheEntry writes (tier, url) to the L2 cache, replacing any
// previous value and resetting its TTL clock. The deadline is stored
// absolute so negative and sub-second TTLs keep their meaning: a zero
// ttl never expires, a negative one is already expired.
func (s *Store) PutCacheEntry(ctx context.Context, tier, url, value string, ttl time.Duration) error {
	now := time.Now()
	var expiresAt int64
	if ttl != 0 {
		expiresAt = now.Add(ttl).UnixNano()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO content_cache (tier, url, value, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (tier, url) DO UPDATE SET
			value = excluded.value,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at`,
		tier, url, value, now.Unix(), expiresAt)
	if err != nil {
		return sifterrors.StoreError("put cache entry", err)
	}
	return nil
}

// GetCacheEntry returns the live entry for (tier, url). Expired rows
// are deleted and reported as ErrNotFound.
func (s *Store) GetCacheEntry(ctx context.Context, tier, url string) (*CacheEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tier, url, value, created_at, expires_at
		FROM content_cache WHERE tier = ? AND url = ?`, tier, url)
	entry, err := scanCacheEntry(row)
	if err != nil {
		return nil, err
	}
	if entry.Expired(time.Now()) {
		_ = s.DeleteCacheEntry(ctx, tier, url)
		return nil, ErrNotFound
	}
	return entry, nil
}

// GetAnyTier returns the most-processed live entry for url, in the
// priority order extracted, cleaned, raw.
func (s *Store) GetAnyTier(ctx context.Context, url string) (*CacheEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tier, url, value, created_at, expires_at
		FROM content_cache WHERE url = ?
		ORDER BY CASE tier
			WHEN 'extracted' THEN 0
			WHEN 'cleaned' THEN 1
			WHEN 'raw' THEN 2
			ELSE 3
		END`, url)
	if err != nil {
		return nil, sifterrors.StoreError("query cache tiers", err)
	}
	defer rows.Close()

	now := time.Now()
	for rows.Next() {
		entry, err := scanCacheEntry(rows)
		if err != nil {
			return nil, err
		}
		if !entry.Expired(now) {
			return entry, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, sifterrors.StoreError("iterate cache tiers", err)
	}
	return nil, ErrNotFound
}

// DeleteCacheEntry removes (tier, url). Missing rows are not an error.
func (s *Store) DeleteCacheEntry(ctx context.Context, tier, url string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM content_cache WHERE tier = ? AND url = ?`, tier, url)
	if err != nil {
		return sifterrors.StoreError("delete cache entry", err)
	}
	return nil
}

func scanCacheEntry(row rowScanner) (*CacheEntry, error) {
	var (
		entry     CacheEntry
		createdAt int64
		expiresAt int64
	)
	err := row.Scan(&entry.Tier, &entry.URL, &entry.Value, &createdAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, sifterrors.StoreError("scan cache entry", err)
	}
	entry.CreatedAt = time.Unix(createdAt, 0)
	if expiresAt != 0 {
		entry.ExpiresAt = time.Unix(0, expiresAt)
	}
	return &entry, nil
}
