package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Shivanand-hulikatti/event-seat-allocator/internal/model"
	"github.com/Shivanand-hulikatti/event-seat-allocator/internal/repository"
)

const maxCapacity = 100_000

// EventService handles event and table administration and the read-only
// capacity views. Mutations that race with allocation go through the
// engine's transactions.
type EventService struct {
	engine *Engine
	store  repository.Store
}

// NewEventService constructs an EventService sharing the engine's store.
func NewEventService(engine *Engine) *EventService {
	return &EventService{engine: engine, store: engine.store}
}

// CreateEvent validates the request and stores a new OPEN event.
func (s *EventService) CreateEvent(ctx context.Context, req model.CreateEventRequest) (*model.Event, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return nil, fmt.Errorf("%w: event name is required", model.ErrInvalidInput)
	}
	if !req.Kind.IsValid() {
		return nil, fmt.Errorf("%w: unknown event kind %q", model.ErrInvalidInput, req.Kind)
	}
	if req.Kind == model.EventKindCapacity && req.Capacity <= 0 {
		return nil, fmt.Errorf("%w: capacity must be a positive integer", model.ErrInvalidInput)
	}
	if req.Capacity > maxCapacity {
		return nil, fmt.Errorf("%w: capacity cannot exceed 100,000", model.ErrInvalidInput)
	}
	if req.MaxUnitsPerRequester < 0 || req.CancellationDeadlineHours < 0 {
		return nil, fmt.Errorf("%w: limits cannot be negative", model.ErrInvalidInput)
	}

	capacity := req.Capacity
	if req.Kind == model.EventKindTable {
		// Table events are sized by their tables.
		capacity = 0
	}

	event := &model.Event{
		ID:                        uuid.NewString(),
		Name:                      req.Name,
		Kind:                      req.Kind,
		Status:                    model.EventStatusOpen,
		Capacity:                  capacity,
		MaxUnitsPerRequester:      req.MaxUnitsPerRequester,
		StartsAt:                  req.StartsAt,
		CancellationDeadlineHours: req.CancellationDeadlineHours,
		CreatedAt:                 s.engine.clock.Now(),
	}
	if err := s.store.CreateEvent(ctx, event); err != nil {
		return nil, err
	}
	s.engine.log.Info("event created",
		zap.String("event_id", event.ID),
		zap.String("kind", string(event.Kind)),
		zap.Int("capacity", event.Capacity),
	)
	return event, nil
}

// ListEvents returns all events.
func (s *EventService) ListEvents(ctx context.Context) ([]model.Event, error) {
	return s.store.ListEvents(ctx)
}

// GetEvent returns a single event by ID.
func (s *EventService) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: event id is required", model.ErrInvalidInput)
	}
	return s.store.GetEvent(ctx, id)
}

// UpdateEventStatus moves an event between OPEN, PAUSED and CLOSED.
func (s *EventService) UpdateEventStatus(ctx context.Context, id string, status model.EventStatus) (*model.Event, error) {
	if !status.IsValid() {
		return nil, fmt.Errorf("%w: unknown status %q", model.ErrInvalidInput, status)
	}
	if err := s.store.UpdateEventStatus(ctx, id, status); err != nil {
		return nil, err
	}
	s.engine.log.Info("event status changed", zap.String("event_id", id), zap.String("status", string(status)))
	return s.store.GetEvent(ctx, id)
}

// CreateTable adds an AVAILABLE table to a table-based event.
func (s *EventService) CreateTable(ctx context.Context, eventID string, req model.CreateTableRequest) (*model.Table, error) {
	req.Label = strings.TrimSpace(req.Label)
	if req.Label == "" {
		return nil, fmt.Errorf("%w: table label is required", model.ErrInvalidInput)
	}
	if req.Capacity < 1 {
		return nil, fmt.Errorf("%w: table capacity must be at least 1", model.ErrInvalidInput)
	}
	if req.MinimumOrder < 0 || req.MinimumOrder > req.Capacity {
		return nil, fmt.Errorf("%w: minimum order must be between 0 and capacity", model.ErrInvalidInput)
	}

	ev, err := s.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if ev.Kind != model.EventKindTable {
		return nil, fmt.Errorf("%w: event %s is %s", model.ErrInvalidState, ev.ID, ev.Kind)
	}

	table := &model.Table{
		ID:           uuid.NewString(),
		EventID:      ev.ID,
		Label:        req.Label,
		Capacity:     req.Capacity,
		MinimumOrder: req.MinimumOrder,
		DisplayOrder: req.DisplayOrder,
		Status:       model.TableStatusAvailable,
		CreatedAt:    s.engine.clock.Now(),
	}
	if err := s.store.CreateTable(ctx, table); err != nil {
		return nil, err
	}
	return table, nil
}

// SetTableActive soft-disables a table (INACTIVE) or re-enables it
// (AVAILABLE). A RESERVED table cannot be deactivated.
func (s *EventService) SetTableActive(ctx context.Context, eventID, tableID string, active bool) (*model.Table, error) {
	var table *model.Table
	err := s.engine.runTx(ctx, "set_table_active", func(ctx context.Context, tx repository.Tx) error {
		if _, err := tx.GetEventForUpdate(ctx, eventID); err != nil {
			return err
		}
		t, err := tx.GetTableForUpdate(ctx, tableID)
		if err != nil {
			return err
		}
		if t.EventID != eventID {
			return fmt.Errorf("%w: table %s", model.ErrNotFound, tableID)
		}

		switch {
		case active && t.Status == model.TableStatusInactive:
			t.Status = model.TableStatusAvailable
		case !active && t.Status == model.TableStatusAvailable:
			t.Status = model.TableStatusInactive
		case !active && t.Status == model.TableStatusReserved:
			return fmt.Errorf("%w: table %s is reserved", model.ErrInvalidState, t.Label)
		default:
			table = t
			return nil
		}
		if err := tx.SetTableStatus(ctx, t.ID, t.Status); err != nil {
			return err
		}
		table = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.engine.publishTable(ctx, eventID, table.ID, table.Status, table.ReservedBy)
	return table, nil
}

// ListTables returns an event's tables with their status.
func (s *EventService) ListTables(ctx context.Context, eventID string) ([]model.Table, error) {
	if _, err := s.store.GetEvent(ctx, eventID); err != nil {
		return nil, err
	}
	return s.store.ListTables(ctx, eventID)
}

// ListRegistrations returns all registrations for an event.
func (s *EventService) ListRegistrations(ctx context.Context, eventID string) ([]model.Registration, error) {
	if _, err := s.store.GetEvent(ctx, eventID); err != nil {
		return nil, err
	}
	return s.store.ListRegistrations(ctx, eventID)
}

// GetRegistration returns a single registration.
func (s *EventService) GetRegistration(ctx context.Context, id string) (*model.Registration, error) {
	return s.store.GetRegistration(ctx, id)
}

// Capacity returns the reserved and remaining capacity of an event. For
// table events capacity is the seats of all active tables, reserved is the
// confirmed guests, and available is the seats of AVAILABLE tables.
func (s *EventService) Capacity(ctx context.Context, eventID string) (*model.EventCapacity, error) {
	ev, err := s.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	waitlist, err := s.store.ListWaitlist(ctx, eventID)
	if err != nil {
		return nil, err
	}

	view := &model.EventCapacity{EventID: ev.ID, WaitlistCount: len(waitlist)}

	if ev.Kind == model.EventKindTable {
		tables, err := s.store.ListTables(ctx, eventID)
		if err != nil {
			return nil, err
		}
		for _, t := range tables {
			switch t.Status {
			case model.TableStatusAvailable:
				view.Capacity += t.Capacity
				view.Available += t.Capacity
			case model.TableStatusReserved:
				view.Capacity += t.Capacity
			}
		}
		if view.Reserved, err = s.store.SumConfirmedUnits(ctx, eventID); err != nil {
			return nil, err
		}
		return view, nil
	}

	view.Capacity = ev.Capacity
	view.Reserved = ev.ReservedCount
	if s.engine.mode == CountingDerived {
		if view.Reserved, err = s.store.SumConfirmedUnits(ctx, eventID); err != nil {
			return nil, err
		}
	}
	view.Available = max(0, view.Capacity-view.Reserved)
	return view, nil
}

// Ping checks the backing store.
func (s *EventService) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
