package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/Shivanand-hulikatti/event-seat-allocator/internal/model"
)

// pgTx implements Tx on top of a SERIALIZABLE pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

// GetEventForUpdate acquires an exclusive row-level lock on the event. Any
// other transaction that attempts the same lock blocks until this one
// commits or rolls back.
func (t *pgTx) GetEventForUpdate(ctx context.Context, eventID string) (*model.Event, error) {
	e, err := scanEvent(t.tx.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = $1 FOR UPDATE`, eventID))
	if err != nil {
		return nil, notFound(err, "event", eventID)
	}
	return e, nil
}

// IncrementReserved is the conditional increment. The WHERE clause re-checks
// the ceiling at write time so a writer that slipped in between read and
// write cannot push the counter past capacity.
func (t *pgTx) IncrementReserved(ctx context.Context, eventID string, units int) (bool, error) {
	tag, err := t.tx.Exec(ctx,
		`UPDATE events
		 SET reserved_count = reserved_count + $2
		 WHERE id = $1 AND reserved_count + $2 <= capacity`,
		eventID, units)
	if err != nil {
		return false, fmt.Errorf("increment reserved_count: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) DecrementReserved(ctx context.Context, eventID string, units int) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE events SET reserved_count = GREATEST(0, reserved_count - $2) WHERE id = $1`,
		eventID, units)
	if err != nil {
		return fmt.Errorf("decrement reserved_count: %w", err)
	}
	return nil
}

func (t *pgTx) SetReservedCount(ctx context.Context, eventID string, count int) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE events SET reserved_count = $2 WHERE id = $1`, eventID, count)
	if err != nil {
		return fmt.Errorf("set reserved_count: %w", err)
	}
	return nil
}

func (t *pgTx) SumConfirmedUnits(ctx context.Context, eventID string) (int, error) {
	return sumConfirmedUnits(ctx, t.tx, eventID)
}

func (t *pgTx) SumRequesterUnits(ctx context.Context, eventID, requesterID string) (int, error) {
	var sum int
	err := t.tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(unit_count), 0) FROM registrations
		 WHERE event_id = $1 AND requester_id = $2 AND status <> 'CANCELLED'`,
		eventID, requesterID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum requester units: %w", err)
	}
	return sum, nil
}

// NextWaitlistPriority relies on the event row lock already held by the caller.
func (t *pgTx) NextWaitlistPriority(ctx context.Context, eventID string) (int, error) {
	var seq int
	err := t.tx.QueryRow(ctx,
		`UPDATE events SET waitlist_seq = waitlist_seq + 1 WHERE id = $1 RETURNING waitlist_seq`,
		eventID).Scan(&seq)
	if err != nil {
		return 0, notFound(err, "event", eventID)
	}
	return seq, nil
}

func (t *pgTx) CreateRegistration(ctx context.Context, r *model.Registration) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO registrations (id, event_id, requester_id, unit_count, status, table_id,
		                            waitlist_priority, confirmation_code, cancelled_at, cancelled_by,
		                            cancellation_reason, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		r.ID, r.EventID, r.RequesterID, r.UnitCount, string(r.Status), r.TableID,
		r.WaitlistPriority, r.ConfirmationCode, r.CancelledAt, string(r.CancelledBy),
		r.CancellationReason, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert registration: %w", err)
	}
	return nil
}

func (t *pgTx) GetRegistrationForUpdate(ctx context.Context, id string) (*model.Registration, error) {
	r, err := scanRegistration(t.tx.QueryRow(ctx,
		`SELECT `+registrationColumns+` FROM registrations WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, "registration", id)
	}
	return r, nil
}

func (t *pgTx) UpdateRegistration(ctx context.Context, r *model.Registration) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE registrations
		 SET status = $2, table_id = $3, waitlist_priority = $4, cancelled_at = $5,
		     cancelled_by = $6, cancellation_reason = $7, updated_at = $8
		 WHERE id = $1`,
		r.ID, string(r.Status), r.TableID, r.WaitlistPriority, r.CancelledAt,
		string(r.CancelledBy), r.CancellationReason, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update registration: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: registration %s", model.ErrNotFound, r.ID)
	}
	return nil
}

func (t *pgTx) ListAvailableTables(ctx context.Context, eventID string) ([]model.Table, error) {
	return queryTables(ctx, t.tx,
		`SELECT `+tableColumns+` FROM event_tables
		 WHERE event_id = $1 AND status = 'AVAILABLE'`, eventID)
}

func (t *pgTx) GetTableForUpdate(ctx context.Context, tableID string) (*model.Table, error) {
	tbl, err := scanTable(t.tx.QueryRow(ctx,
		`SELECT `+tableColumns+` FROM event_tables WHERE id = $1 FOR UPDATE`, tableID))
	if err != nil {
		return nil, notFound(err, "table", tableID)
	}
	return tbl, nil
}

// ReserveTable re-checks AVAILABLE in the same statement that claims the table.
func (t *pgTx) ReserveTable(ctx context.Context, tableID, registrationID string) (bool, error) {
	tag, err := t.tx.Exec(ctx,
		`UPDATE event_tables
		 SET status = 'RESERVED', reserved_by = $2
		 WHERE id = $1 AND status = 'AVAILABLE'`,
		tableID, registrationID)
	if err != nil {
		return false, fmt.Errorf("reserve table: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) ReleaseTable(ctx context.Context, tableID, registrationID string) (bool, error) {
	tag, err := t.tx.Exec(ctx,
		`UPDATE event_tables
		 SET status = 'AVAILABLE', reserved_by = NULL
		 WHERE id = $1 AND status = 'RESERVED' AND reserved_by = $2`,
		tableID, registrationID)
	if err != nil {
		return false, fmt.Errorf("release table: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) SetTableStatus(ctx context.Context, tableID string, status model.TableStatus) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE event_tables SET status = $2 WHERE id = $1`, tableID, string(status))
	if err != nil {
		return fmt.Errorf("set table status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: table %s", model.ErrNotFound, tableID)
	}
	return nil
}
