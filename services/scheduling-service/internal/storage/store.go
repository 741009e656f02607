package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/physiobook/physiobook/libs/db"
	"github.com/physiobook/physiobook/services/scheduling-service/internal/booking"
	"github.com/physiobook/physiobook/services/scheduling-service/internal/lifecycle"
	"github.com/physiobook/physiobook/services/scheduling-service/internal/outbox"
)

// Store is the postgres implementation behind the booking engine and the
// lifecycle coordinator. All transactional work goes through InTx so a
// commit and its outbox events land atomically.
type Store struct {
	pool   *db.Pool
	events *outbox.Repository
}

func NewStore(pool *db.Pool) *Store {
	return &Store{pool: pool, events: outbox.NewRepository(pool)}
}

func (s *Store) Begin(ctx context.Context) (pgx.Tx, error) {
	return s.pool.Begin(ctx)
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	pgtx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrapUnavailable(err)
	}
	defer pgtx.Rollback(ctx)

	if err := fn(ctx, &Tx{tx: pgtx, events: s.events}); err != nil {
		return err
	}
	return wrapUnavailable(pgtx.Commit(ctx))
}

// Tx wraps one open transaction. It satisfies both booking.Tx and
// lifecycle.Tx; the typed adapters below present each narrowed view.
type Tx struct {
	tx     pgx.Tx
	events *outbox.Repository
}

// Pgx exposes the raw transaction for callers that mix repository work
// with a lifecycle transition in one unit, such as the payment webhook.
func (t *Tx) Pgx() pgx.Tx { return t.tx }

// WrapTx adapts an externally opened transaction.
func (s *Store) WrapTx(pgtx pgx.Tx) *Tx {
	return &Tx{tx: pgtx, events: s.events}
}

type bookingStore struct{ s *Store }

func (a bookingStore) InTx(ctx context.Context, fn func(ctx context.Context, tx booking.Tx) error) error {
	return a.s.InTx(ctx, func(ctx context.Context, tx *Tx) error {
		return fn(ctx, tx)
	})
}

// ForBooking presents the store as the booking engine's transaction
// opener.
func (s *Store) ForBooking() booking.Store { return bookingStore{s: s} }

type lifecycleStore struct{ s *Store }

func (a lifecycleStore) InTx(ctx context.Context, fn func(ctx context.Context, tx lifecycle.Tx) error) error {
	return a.s.InTx(ctx, func(ctx context.Context, tx *Tx) error {
		return fn(ctx, tx)
	})
}

// ForLifecycle presents the store as the lifecycle coordinator's
// transaction opener.
func (s *Store) ForLifecycle() lifecycle.Store { return lifecycleStore{s: s} }

// IsConflict reports an exclusion constraint violation, raised when two
// transactions race to insert overlapping booking intervals.
func IsConflict(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23P01"
}

// IsUniqueViolation reports a duplicate key insert.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// wrapUnavailable tags infrastructure failures so callers can distinguish
// "the store said no" from "the store could not answer".
func wrapUnavailable(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled), pgconn.Timeout(err):
		return fmt.Errorf("%w: %v", booking.ErrStoreUnavailable, err)
	default:
		return err
	}
}
