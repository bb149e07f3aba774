// Package model defines the core domain types for the seat allocation engine.
package model

import "time"

// EventKind selects the allocation path for an event.
type EventKind string

const (
	EventKindCapacity EventKind = "CAPACITY_BASED"
	EventKindTable    EventKind = "TABLE_BASED"
)

// IsValid reports whether k is a known event kind.
func (k EventKind) IsValid() bool {
	return k == EventKindCapacity || k == EventKindTable
}

// EventStatus is the lifecycle status of an event. Only OPEN accepts new allocations.
type EventStatus string

const (
	EventStatusOpen   EventStatus = "OPEN"
	EventStatusPaused EventStatus = "PAUSED"
	EventStatusClosed EventStatus = "CLOSED"
)

// IsValid reports whether s is a known lifecycle status.
func (s EventStatus) IsValid() bool {
	switch s {
	case EventStatusOpen, EventStatusPaused, EventStatusClosed:
		return true
	}
	return false
}

// Event is an allocation domain: either one numeric seat pool or a set of tables.
type Event struct {
	ID                   string      `json:"id"`
	Name                 string      `json:"name"`
	Kind                 EventKind   `json:"kind"`
	Status               EventStatus `json:"status"`
	Capacity             int         `json:"capacity"`
	ReservedCount        int         `json:"reserved_count"`
	MaxUnitsPerRequester int         `json:"max_units_per_requester"`
	// StartsAt and CancellationDeadlineHours gate requester self-cancellation.
	StartsAt                  *time.Time `json:"starts_at,omitempty"`
	CancellationDeadlineHours int        `json:"cancellation_deadline_hours"`
	CreatedAt                 time.Time  `json:"created_at"`
}

// Remaining returns the number of available seats.
func (e *Event) Remaining() int {
	return e.Capacity - e.ReservedCount
}

// IsFull returns true when no seats remain.
func (e *Event) IsFull() bool {
	return e.ReservedCount >= e.Capacity
}

// IsOpen reports whether the event accepts new allocations.
func (e *Event) IsOpen() bool {
	return e.Status == EventStatusOpen
}

// TableStatus is the occupancy status of a table.
type TableStatus string

const (
	TableStatusAvailable TableStatus = "AVAILABLE"
	TableStatusReserved  TableStatus = "RESERVED"
	TableStatusInactive  TableStatus = "INACTIVE"
)

// Table is one physical table of a table-based event.
type Table struct {
	ID           string      `json:"id"`
	EventID      string      `json:"event_id"`
	Label        string      `json:"label"`
	Capacity     int         `json:"capacity"`
	MinimumOrder int         `json:"minimum_order"`
	DisplayOrder int         `json:"display_order"`
	Status       TableStatus `json:"status"`
	ReservedBy   *string     `json:"reserved_by,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// Fits reports whether a party of guests satisfies both the capacity ceiling
// and the minimum order of the table.
func (t *Table) Fits(guests int) bool {
	return guests <= t.Capacity && guests >= t.MinimumOrder
}

// RegistrationStatus is the allocation outcome of a registration.
type RegistrationStatus string

const (
	RegistrationConfirmed RegistrationStatus = "CONFIRMED"
	RegistrationWaitlist  RegistrationStatus = "WAITLIST"
	RegistrationCancelled RegistrationStatus = "CANCELLED"
)

// CancelledBy records who cancelled a registration.
type CancelledBy string

const (
	CancelledByAdmin     CancelledBy = "ADMIN"
	CancelledByRequester CancelledBy = "REQUESTER"
)

// Registration is one allocation request and its outcome.
//
// WaitlistPriority is set iff Status is WAITLIST.
type Registration struct {
	ID                 string             `json:"id"`
	EventID            string             `json:"event_id"`
	RequesterID        string             `json:"requester_id"`
	UnitCount          int                `json:"unit_count"`
	Status             RegistrationStatus `json:"status"`
	TableID            *string            `json:"table_id,omitempty"`
	WaitlistPriority   *int               `json:"waitlist_priority,omitempty"`
	ConfirmationCode   string             `json:"confirmation_code"`
	CancelledAt        *time.Time         `json:"cancelled_at,omitempty"`
	CancelledBy        CancelledBy        `json:"cancelled_by,omitempty"`
	CancellationReason string             `json:"cancellation_reason,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// IsActive reports whether the registration still holds or waits for capacity.
func (r *Registration) IsActive() bool {
	return r.Status != RegistrationCancelled
}

// CreateEventRequest is the payload for creating a new event.
type CreateEventRequest struct {
	Name                      string     `json:"name" validate:"required,max=200"`
	Kind                      EventKind  `json:"kind" validate:"required,oneof=CAPACITY_BASED TABLE_BASED"`
	Capacity                  int        `json:"capacity" validate:"gte=0,lte=100000"`
	MaxUnitsPerRequester      int        `json:"max_units_per_requester" validate:"gte=0"`
	StartsAt                  *time.Time `json:"starts_at,omitempty"`
	CancellationDeadlineHours int        `json:"cancellation_deadline_hours" validate:"gte=0"`
}

// UpdateEventStatusRequest changes an event's lifecycle status.
type UpdateEventStatusRequest struct {
	Status EventStatus `json:"status" validate:"required,oneof=OPEN PAUSED CLOSED"`
}

// CreateTableRequest is the payload for adding a table to an event.
type CreateTableRequest struct {
	Label        string `json:"label" validate:"required,max=100"`
	Capacity     int    `json:"capacity" validate:"gte=1"`
	MinimumOrder int    `json:"minimum_order" validate:"gte=0"`
	DisplayOrder int    `json:"display_order"`
}

// SetTableActiveRequest soft-disables or re-enables a table.
type SetTableActiveRequest struct {
	Active *bool `json:"active" validate:"required"`
}

// RegisterRequest is the payload for registering for an event.
type RegisterRequest struct {
	RequesterID string `json:"requester_id" validate:"required,max=320"`
	Units       int    `json:"units" validate:"gte=1"`
}

// AssignTableRequest promotes a waitlisted registration onto a table.
type AssignTableRequest struct {
	TableID string `json:"table_id" validate:"required"`
	Force   bool   `json:"force"`
}

// CancelRequest cancels a registration.
type CancelRequest struct {
	Reason      string `json:"reason" validate:"max=500"`
	ByRequester bool   `json:"by_requester"`
}

// AllocationResult is the boundary view of an allocation outcome.
type AllocationResult struct {
	Status           RegistrationStatus `json:"status"`
	RegistrationID   string             `json:"registration_id"`
	TableID          *string            `json:"table_id,omitempty"`
	WaitlistPriority *int               `json:"waitlist_priority,omitempty"`
	ConfirmationCode string             `json:"confirmation_code"`
}

// ResultOf builds the boundary view of a registration.
func ResultOf(r *Registration) AllocationResult {
	return AllocationResult{
		Status:           r.Status,
		RegistrationID:   r.ID,
		TableID:          r.TableID,
		WaitlistPriority: r.WaitlistPriority,
		ConfirmationCode: r.ConfirmationCode,
	}
}

// CancelResult reports whether a cancellation released a seat or table.
type CancelResult struct {
	Released bool `json:"released"`
}

// EventCapacity is the read-only capacity view of an event.
type EventCapacity struct {
	EventID       string `json:"event_id"`
	Capacity      int    `json:"capacity"`
	Reserved      int    `json:"reserved"`
	Available     int    `json:"available"`
	WaitlistCount int    `json:"waitlist_count"`
}

// WaitlistEntry is one waitlisted registration with the tables it would fit.
type WaitlistEntry struct {
	Registration   Registration `json:"registration"`
	MatchingTables []Table      `json:"matching_tables,omitempty"`
}

// ErrorResponse is a standard JSON error envelope.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Remaining *int   `json:"remaining,omitempty"`
}
