package shared

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// IdempotencyStore persists processed keys.
type IdempotencyStore struct {
	pool *pgxpool.Pool
}

// NewIdempotencyStore constructs the store.
func NewIdempotencyStore(pool *pgxpool.Pool) *IdempotencyStore {
	return &IdempotencyStore{pool: pool}
}

// ErrIdempotencyConflict indicates a duplicate key.
var ErrIdempotencyConflict = errors.New("idempotent request already processed")

// CheckAndInsert ensures key uniqueness per module.
func (s *IdempotencyStore) CheckAndInsert(ctx context.Context, key, module string) error {
	if s == nil {
		return errors.New("idempotency store not initialised")
	}
	if key == "" {
		return errors.New("idempotency key required")
	}
	if module == "" {
		return errors.New("idempotency module required")
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO idempotency_keys (key, module, created_at) VALUES ($1, $2, $3)`, key, module, time.Now())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrIdempotencyConflict
		}
		return err
	}
	return nil
}

// Delete removes a key, typically used to roll back failed processing.
func (s *IdempotencyStore) Delete(ctx context.Context, key string) error {
	if s == nil {
		return nil
	}
	if key == "" {
		return errors.New("idempotency key required")
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE key=$1`, key)
	return err
}

// Cleanup removes entries of one module older than retention and returns how many went.
// Keys of other modules, such as purchase order receipts, are never touched.
func (s *IdempotencyStore) Cleanup(ctx context.Context, module string, olderThan time.Duration) (int64, error) {
	if s == nil {
		return 0, nil
	}
	if module == "" {
		return 0, errors.New("idempotency module required")
	}
	cutoff := time.Now().Add(-olderThan)
	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE module = $1 AND created_at < $2`, module, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// IdempotencyKeys is the subset of IdempotencyStore used by Guard.
type IdempotencyKeys interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// KeyRetainer is implemented by errors describing work that was partly
// committed; Guard keeps the key for those so a retry cannot duplicate it.
type KeyRetainer interface {
	RetainKey() bool
}

// Guard claims key before running fn and releases it again when fn fails,
// so a failed attempt can be retried with the same key.
func Guard(ctx context.Context, keys IdempotencyKeys, key, module string, fn func(context.Context) error) error {
	if keys == nil || key == "" {
		return fn(ctx)
	}
	if err := keys.CheckAndInsert(ctx, key, module); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		var retainer KeyRetainer
		if errors.As(err, &retainer) && retainer.RetainKey() {
			return err
		}
		_ = keys.Delete(ctx, key)
		return err
	}
	return nil
}
