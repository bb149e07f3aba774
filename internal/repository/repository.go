package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Shivanand-hulikatti/event-seat-allocator/internal/model"
)

// SQLSTATE codes treated as transient contention.
const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
	sqlStateLockNotAvailable     = "55P03"
	sqlStateQueryCanceled        = "57014"
	sqlStateUniqueViolation      = "23505"
)

const (
	eventColumns = `id, name, kind, status, capacity, reserved_count, max_units_per_requester,
		starts_at, cancellation_deadline_hours, created_at`
	tableColumns = `id, event_id, label, capacity, minimum_order, display_order, status,
		reserved_by, created_at`
	registrationColumns = `id, event_id, requester_id, unit_count, status, table_id,
		waitlist_priority, confirmation_code, cancelled_at, cancelled_by, cancellation_reason,
		created_at, updated_at`
)

// PostgresStore is the pgx-backed Store.
//
// Allocation correctness does not depend on application-level locking. Every
// transaction runs at SERIALIZABLE and additionally takes SELECT … FOR UPDATE
// on the event row, so concurrent allocators for one event queue behind each
// other instead of all reading "1 seat left" from the same snapshot.
type PostgresStore struct {
	db          *pgxpool.Pool
	lockTimeout time.Duration
}

// PostgresOption configures a PostgresStore.
type PostgresOption func(*PostgresStore)

// WithLockTimeout sets lock_timeout for every transaction. Waiting longer than
// d for a row lock aborts the transaction with a transient conflict.
func WithLockTimeout(d time.Duration) PostgresOption {
	return func(s *PostgresStore) {
		s.lockTimeout = d
	}
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(db *pgxpool.Pool, opts ...PostgresOption) *PostgresStore {
	s := &PostgresStore{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithTx implements Store.
func (s *PostgresStore) WithTx(ctx context.Context, fn TxFunc) (err error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return classify(fmt.Errorf("begin transaction: %w", err))
	}
	// Ensure the transaction is always resolved, even after the caller's deadline.
	defer func() {
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	if s.lockTimeout > 0 {
		if _, err = tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = %d", s.lockTimeout.Milliseconds())); err != nil {
			return classify(fmt.Errorf("set lock_timeout: %w", err))
		}
	}

	if err = fn(ctx, &pgTx{tx: tx}); err != nil {
		return classify(err)
	}

	if err = tx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

// classify maps contention failures onto model.ErrTransientConflict and
// leaves every other error untouched.
func classify(err error) error {
	if err == nil || errors.Is(err, model.ErrTransientConflict) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlStateSerializationFailure, sqlStateDeadlockDetected,
			sqlStateLockNotAvailable, sqlStateQueryCanceled:
			return fmt.Errorf("%w: %w", model.ErrTransientConflict, err)
		case sqlStateUniqueViolation:
			// A concurrent writer claimed the same table or priority first.
			if pgErr.ConstraintName == "uq_registrations_confirmed_table" ||
				pgErr.ConstraintName == "uq_registrations_waitlist_priority" {
				return fmt.Errorf("%w: %w", model.ErrTransientConflict, err)
			}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %w", model.ErrTransientConflict, err)
	}
	return err
}

// CreateEvent inserts a new event.
func (s *PostgresStore) CreateEvent(ctx context.Context, e *model.Event) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO events (id, name, kind, status, capacity, reserved_count, max_units_per_requester,
		                     starts_at, cancellation_deadline_hours, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.Name, string(e.Kind), string(e.Status), e.Capacity, e.ReservedCount,
		e.MaxUnitsPerRequester, e.StartsAt, e.CancellationDeadlineHours, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// GetEvent returns a single event or model.ErrNotFound.
func (s *PostgresStore) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	e, err := scanEvent(s.db.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "event", id)
	}
	return e, nil
}

// ListEvents returns all events ordered by creation time descending.
func (s *PostgresStore) ListEvents(ctx context.Context) ([]model.Event, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+eventColumns+` FROM events ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

// UpdateEventStatus changes an event's lifecycle status.
func (s *PostgresStore) UpdateEventStatus(ctx context.Context, id string, status model.EventStatus) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE events SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("update event status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: event %s", model.ErrNotFound, id)
	}
	return nil
}

// CreateTable inserts a new table.
func (s *PostgresStore) CreateTable(ctx context.Context, t *model.Table) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO event_tables (id, event_id, label, capacity, minimum_order, display_order, status, reserved_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.ID, t.EventID, t.Label, t.Capacity, t.MinimumOrder, t.DisplayOrder,
		string(t.Status), t.ReservedBy, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert table: %w", err)
	}
	return nil
}

// GetTable returns a single table or model.ErrNotFound.
func (s *PostgresStore) GetTable(ctx context.Context, id string) (*model.Table, error) {
	t, err := scanTable(s.db.QueryRow(ctx,
		`SELECT `+tableColumns+` FROM event_tables WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "table", id)
	}
	return t, nil
}

// ListTables returns an event's tables by display order.
func (s *PostgresStore) ListTables(ctx context.Context, eventID string) ([]model.Table, error) {
	return queryTables(ctx, s.db,
		`SELECT `+tableColumns+` FROM event_tables
		 WHERE event_id = $1
		 ORDER BY display_order ASC, capacity ASC, id ASC`, eventID)
}

// GetRegistration returns a single registration or model.ErrNotFound.
func (s *PostgresStore) GetRegistration(ctx context.Context, id string) (*model.Registration, error) {
	r, err := scanRegistration(s.db.QueryRow(ctx,
		`SELECT `+registrationColumns+` FROM registrations WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "registration", id)
	}
	return r, nil
}

// ListRegistrations returns all registrations for a given event.
func (s *PostgresStore) ListRegistrations(ctx context.Context, eventID string) ([]model.Registration, error) {
	return queryRegistrations(ctx, s.db,
		`SELECT `+registrationColumns+` FROM registrations
		 WHERE event_id = $1
		 ORDER BY created_at ASC, id ASC`, eventID)
}

// ListWaitlist returns an event's waitlist in promotion order.
func (s *PostgresStore) ListWaitlist(ctx context.Context, eventID string) ([]model.Registration, error) {
	return queryRegistrations(ctx, s.db,
		`SELECT `+registrationColumns+` FROM registrations
		 WHERE event_id = $1 AND status = 'WAITLIST'
		 ORDER BY waitlist_priority ASC, created_at ASC`, eventID)
}

// SumConfirmedUnits sums confirmed units outside any transaction.
func (s *PostgresStore) SumConfirmedUnits(ctx context.Context, eventID string) (int, error) {
	return sumConfirmedUnits(ctx, s.db, eventID)
}

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	s.db.Close()
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func notFound(err error, what, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s %s", model.ErrNotFound, what, id)
	}
	return fmt.Errorf("get %s: %w", what, err)
}

func scanEvent(row scanner) (*model.Event, error) {
	var (
		e            model.Event
		kind, status string
	)
	err := row.Scan(&e.ID, &e.Name, &kind, &status, &e.Capacity, &e.ReservedCount,
		&e.MaxUnitsPerRequester, &e.StartsAt, &e.CancellationDeadlineHours, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.Kind = model.EventKind(kind)
	e.Status = model.EventStatus(status)
	return &e, nil
}

func scanTable(row scanner) (*model.Table, error) {
	var (
		t      model.Table
		status string
	)
	err := row.Scan(&t.ID, &t.EventID, &t.Label, &t.Capacity, &t.MinimumOrder,
		&t.DisplayOrder, &status, &t.ReservedBy, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = model.TableStatus(status)
	return &t, nil
}

func scanRegistration(row scanner) (*model.Registration, error) {
	var (
		r                   model.Registration
		status, cancelledBy string
	)
	err := row.Scan(&r.ID, &r.EventID, &r.RequesterID, &r.UnitCount, &status, &r.TableID,
		&r.WaitlistPriority, &r.ConfirmationCode, &r.CancelledAt, &cancelledBy,
		&r.CancellationReason, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Status = model.RegistrationStatus(status)
	r.CancelledBy = model.CancelledBy(cancelledBy)
	return &r, nil
}

func queryTables(ctx context.Context, q querier, sql string, args ...any) ([]model.Table, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var tables []model.Table
	for rows.Next() {
		t, err := scanTable(rows)
		if err != nil {
			return nil, fmt.Errorf("scan table: %w", err)
		}
		tables = append(tables, *t)
	}
	return tables, rows.Err()
}

func queryRegistrations(ctx context.Context, q querier, sql string, args ...any) ([]model.Registration, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list registrations: %w", err)
	}
	defer rows.Close()

	var regs []model.Registration
	for rows.Next() {
		r, err := scanRegistration(rows)
		if err != nil {
			return nil, fmt.Errorf("scan registration: %w", err)
		}
		regs = append(regs, *r)
	}
	return regs, rows.Err()
}

func sumConfirmedUnits(ctx context.Context, q querier, eventID string) (int, error) {
	var sum int
	err := q.QueryRow(ctx,
		`SELECT COALESCE(SUM(unit_count), 0) FROM registrations
		 WHERE event_id = $1 AND status = 'CONFIRMED'`, eventID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum confirmed units: %w", err)
	}
	return sum, nil
}
