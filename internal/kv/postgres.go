package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on PostgreSQL. The schema lives in the
// database package migrations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps an existing connection pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Get implements Store
func (p *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	err := p.pool.QueryRow(ctx, `SELECT value FROM kv_entry WHERE key = $1`, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return v, nil
}

// Set implements Store
func (p *PostgresStore) Set(ctx context.Context, key string, value []byte) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO kv_entry (key, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		key, value)
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// Exists implements Store
func (p *PostgresStore) Exists(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM kv_entry WHERE key = $1)`, key).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("failed to check %s: %w", key, err)
	}
	return ok, nil
}

// Delete implements Store
func (p *PostgresStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM kv_entry WHERE key = ANY($1)`, keys); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM kv_list WHERE list_key = ANY($1)`, keys)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete keys: %w", err)
	}
	return nil
}

// ReplaceList implements Store
func (p *PostgresStore) ReplaceList(ctx context.Context, key string, values [][]byte) error {
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM kv_list WHERE list_key = $1`, key); err != nil {
			return err
		}
		if len(values) == 0 {
			return nil
		}
		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{"kv_list"},
			[]string{"list_key", "value"},
			pgx.CopyFromSlice(len(values), func(i int) ([]any, error) {
				return []any{key, values[i]}, nil
			}),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to replace list %s: %w", key, err)
	}
	return nil
}

// PushBack implements Store
func (p *PostgresStore) PushBack(ctx context.Context, key string, value []byte) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO kv_list (list_key, value) VALUES ($1, $2)`, key, value)
	if err != nil {
		return fmt.Errorf("failed to push to %s: %w", key, err)
	}
	return nil
}

// PopFront implements Store
func (p *PostgresStore) PopFront(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	err := p.pool.QueryRow(ctx, `
		DELETE FROM kv_list
		WHERE id = (
			SELECT id FROM kv_list WHERE list_key = $1
			ORDER BY id LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING value`, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop from %s: %w", key, err)
	}
	return v, nil
}

// ListLen implements Store
func (p *PostgresStore) ListLen(ctx context.Context, key string) (int64, error) {
	var n int64
	err := p.pool.QueryRow(ctx, `SELECT count(*) FROM kv_list WHERE list_key = $1`, key).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to get length of %s: %w", key, err)
	}
	return n, nil
}

// TryLock implements Store. An existing row is only taken over once it has expired.
func (p *PostgresStore) TryLock(ctx context.Context, name, token string, ttl time.Duration) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO kv_lock (name, token, expires_at)
		VALUES ($1, $2, clock_timestamp() + make_interval(secs => $3))
		ON CONFLICT (name) DO UPDATE
		SET token = EXCLUDED.token, expires_at = EXCLUDED.expires_at
		WHERE kv_lock.expires_at <= clock_timestamp()`,
		name, token, ttl.Seconds())
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Unlock implements Store
func (p *PostgresStore) Unlock(ctx context.Context, name, token string) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		DELETE FROM kv_lock
		WHERE name = $1 AND token = $2 AND expires_at > clock_timestamp()`,
		name, token)
	if err != nil {
		return false, fmt.Errorf("failed to release lock %s: %w", name, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Ping implements Store
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close implements Store
func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}
