// Package repository implements the transactional store behind the allocation
// engine. Two implementations exist: PostgreSQL via pgx and an in-memory store.
package repository

import (
	"context"

	"github.com/Shivanand-hulikatti/event-seat-allocator/internal/model"
)

// TxFunc is the body of one transaction. Returning an error rolls it back.
type TxFunc func(ctx context.Context, tx Tx) error

// Tx holds the primitives that must run inside one serializable transaction.
//
// Lock order is event, then registration, then table. Every mutating
// operation locks the event row first.
type Tx interface {
	// GetEventForUpdate reads the event row and locks it until the transaction ends.
	GetEventForUpdate(ctx context.Context, eventID string) (*model.Event, error)
	// IncrementReserved adds units to reserved_count only if the result stays
	// within capacity. It reports whether the row was updated.
	IncrementReserved(ctx context.Context, eventID string, units int) (bool, error)
	// DecrementReserved subtracts units from reserved_count, floored at zero.
	DecrementReserved(ctx context.Context, eventID string, units int) error
	SetReservedCount(ctx context.Context, eventID string, count int) error
	// SumConfirmedUnits sums unit_count over CONFIRMED registrations.
	SumConfirmedUnits(ctx context.Context, eventID string) (int, error)
	// SumRequesterUnits sums unit_count over the requester's non-cancelled registrations.
	SumRequesterUnits(ctx context.Context, eventID, requesterID string) (int, error)
	// NextWaitlistPriority advances the event's waitlist sequence and returns
	// the new value. Values are never reused.
	NextWaitlistPriority(ctx context.Context, eventID string) (int, error)

	CreateRegistration(ctx context.Context, reg *model.Registration) error
	GetRegistrationForUpdate(ctx context.Context, id string) (*model.Registration, error)
	UpdateRegistration(ctx context.Context, reg *model.Registration) error

	// ListAvailableTables returns the event's AVAILABLE tables in no particular order.
	ListAvailableTables(ctx context.Context, eventID string) ([]model.Table, error)
	GetTableForUpdate(ctx context.Context, tableID string) (*model.Table, error)
	// ReserveTable flips an AVAILABLE table to RESERVED for registrationID.
	// It reports false when the table was no longer AVAILABLE.
	ReserveTable(ctx context.Context, tableID, registrationID string) (bool, error)
	// ReleaseTable flips a table held by registrationID back to AVAILABLE.
	ReleaseTable(ctx context.Context, tableID, registrationID string) (bool, error)
	SetTableStatus(ctx context.Context, tableID string, status model.TableStatus) error
}

// Store is the transactional store.
type Store interface {
	// WithTx runs fn in one serializable transaction and commits it when fn
	// returns nil. Serialization failures, deadlocks, lock timeouts and
	// context deadlines are reported as model.ErrTransientConflict.
	WithTx(ctx context.Context, fn TxFunc) error

	CreateEvent(ctx context.Context, e *model.Event) error
	GetEvent(ctx context.Context, id string) (*model.Event, error)
	ListEvents(ctx context.Context) ([]model.Event, error)
	UpdateEventStatus(ctx context.Context, id string, status model.EventStatus) error

	CreateTable(ctx context.Context, t *model.Table) error
	GetTable(ctx context.Context, id string) (*model.Table, error)
	// ListTables returns all of an event's tables ordered by display order.
	ListTables(ctx context.Context, eventID string) ([]model.Table, error)

	GetRegistration(ctx context.Context, id string) (*model.Registration, error)
	// ListRegistrations returns an event's registrations oldest first.
	ListRegistrations(ctx context.Context, eventID string) ([]model.Registration, error)
	// ListWaitlist returns an event's WAITLIST registrations by ascending
	// priority, then creation time.
	ListWaitlist(ctx context.Context, eventID string) ([]model.Registration, error)
	SumConfirmedUnits(ctx context.Context, eventID string) (int, error)

	Ping(ctx context.Context) error
	Close()
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
	_ Tx    = (*pgTx)(nil)
	_ Tx    = (*memTx)(nil)
)
