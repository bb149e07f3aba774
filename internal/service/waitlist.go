package service

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Shivanand-hulikatti/event-seat-allocator/internal/model"
	"github.com/Shivanand-hulikatti/event-seat-allocator/internal/repository"
	"github.com/Shivanand-hulikatti/event-seat-allocator/internal/telemetry"
)

// WaitlistManager orders waitlisted registrations and promotes them.
// Promotion is administrative: it does not require the event to be OPEN.
type WaitlistManager struct {
	engine *Engine
}

// NewWaitlistManager constructs a WaitlistManager sharing the engine's store and policies.
func NewWaitlistManager(engine *Engine) *WaitlistManager {
	return &WaitlistManager{engine: engine}
}

// PromoteToTableInput identifies a promotion onto a specific table.
type PromoteToTableInput struct {
	// EventID is the event the caller believes the registration belongs to.
	// Empty means the registration's own event.
	EventID        string
	RegistrationID string
	TableID        string
	// Force bypasses the table's minimum order. Capacity is never bypassed.
	Force bool
}

// PromoteToTable moves a WAITLIST registration onto an AVAILABLE table.
// The registration and table change together or not at all.
func (m *WaitlistManager) PromoteToTable(ctx context.Context, in PromoteToTableInput) (reg *model.Registration, err error) {
	e := m.engine
	if in.RegistrationID == "" || in.TableID == "" {
		return nil, fmt.Errorf("%w: registration id and table id are required", model.ErrInvalidInput)
	}
	eventID, err := m.resolveEvent(ctx, in.EventID, in.RegistrationID)
	if err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartSpan(ctx, "waitlist.PromoteToTable", trace.WithAttributes(
		attribute.String("registration.id", in.RegistrationID),
		attribute.String("table.id", in.TableID),
		attribute.Bool("force", in.Force),
	))
	defer func() { telemetry.EndSpan(span, err) }()

	err = e.runTx(ctx, "promote_table", func(ctx context.Context, tx repository.Tx) error {
		ev, err := tx.GetEventForUpdate(ctx, eventID)
		if err != nil {
			return err
		}
		if ev.Kind != model.EventKindTable {
			return fmt.Errorf("%w: event %s is %s", model.ErrInvalidState, ev.ID, ev.Kind)
		}

		r, err := lockWaitlisted(ctx, tx, ev.ID, in.RegistrationID)
		if err != nil {
			return err
		}

		table, err := tx.GetTableForUpdate(ctx, in.TableID)
		if err != nil {
			return err
		}
		if table.EventID != ev.ID {
			return fmt.Errorf("%w: table %s does not belong to event %s", model.ErrInvalidState, table.ID, ev.ID)
		}
		if table.Status != model.TableStatusAvailable {
			return fmt.Errorf("%w: table %s is %s", model.ErrTableUnavailable, table.Label, table.Status)
		}
		if r.UnitCount > table.Capacity {
			return fmt.Errorf("%w: %d guests, table %s seats %d",
				model.ErrCapacityExceeded, r.UnitCount, table.Label, table.Capacity)
		}
		if r.UnitCount < table.MinimumOrder && !in.Force {
			return fmt.Errorf("%w: %d guests, table %s requires %d",
				model.ErrMinimumOrderNotMet, r.UnitCount, table.Label, table.MinimumOrder)
		}

		ok, err := tx.ReserveTable(ctx, table.ID, r.ID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: table %s was taken", model.ErrTableUnavailable, table.Label)
		}

		tableID := table.ID
		r.Status = model.RegistrationConfirmed
		r.TableID = &tableID
		r.WaitlistPriority = nil
		r.UpdatedAt = e.clock.Now()
		if err := tx.UpdateRegistration(ctx, r); err != nil {
			return err
		}
		reg = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.committed(ctx, "promote_table", reg)
	return reg, nil
}

// PromoteCapacity re-runs the conditional capacity increment for one
// WAITLIST registration of a capacity event. It fails with
// model.ErrCapacityExceeded when the seats are not there.
func (m *WaitlistManager) PromoteCapacity(ctx context.Context, eventID, registrationID string) (reg *model.Registration, err error) {
	e := m.engine
	if registrationID == "" {
		return nil, fmt.Errorf("%w: registration id is required", model.ErrInvalidInput)
	}
	eventID, err = m.resolveEvent(ctx, eventID, registrationID)
	if err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartSpan(ctx, "waitlist.PromoteCapacity", trace.WithAttributes(
		attribute.String("registration.id", registrationID),
	))
	defer func() { telemetry.EndSpan(span, err) }()

	err = e.runTx(ctx, "promote_capacity", func(ctx context.Context, tx repository.Tx) error {
		ev, err := tx.GetEventForUpdate(ctx, eventID)
		if err != nil {
			return err
		}
		if ev.Kind != model.EventKindCapacity {
			return fmt.Errorf("%w: event %s is %s", model.ErrInvalidState, ev.ID, ev.Kind)
		}

		r, err := lockWaitlisted(ctx, tx, ev.ID, registrationID)
		if err != nil {
			return err
		}

		ok, err := e.reserveCapacity(ctx, tx, ev, r.UnitCount)
		if err != nil {
			return err
		}
		if !ok {
			left, err := e.spotsLeft(ctx, tx, ev)
			if err != nil {
				return err
			}
			return fmt.Errorf("%w: %d seats requested, %d available",
				model.ErrCapacityExceeded, r.UnitCount, max(0, left))
		}

		r.Status = model.RegistrationConfirmed
		r.WaitlistPriority = nil
		r.UpdatedAt = e.clock.Now()
		if err := tx.UpdateRegistration(ctx, r); err != nil {
			return err
		}
		reg = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.committed(ctx, "promote_capacity", reg)
	return reg, nil
}

// Waitlist returns an event's waitlist in promotion order. For table events
// each entry lists the AVAILABLE tables that would fit it, smallest first.
func (m *WaitlistManager) Waitlist(ctx context.Context, eventID string) ([]model.WaitlistEntry, error) {
	e := m.engine
	ev, err := e.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	regs, err := e.store.ListWaitlist(ctx, eventID)
	if err != nil {
		return nil, err
	}

	var tables []model.Table
	if ev.Kind == model.EventKindTable {
		if tables, err = e.store.ListTables(ctx, eventID); err != nil {
			return nil, err
		}
	}

	entries := make([]model.WaitlistEntry, 0, len(regs))
	for _, r := range regs {
		entry := model.WaitlistEntry{Registration: r}
		if ev.Kind == model.EventKindTable {
			entry.MatchingTables = SmallestFit(tables, r.UnitCount)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// resolveEvent returns eventID, or the registration's event when eventID is
// empty. A registration never moves between events, so reading it outside
// the transaction is safe.
func (m *WaitlistManager) resolveEvent(ctx context.Context, eventID, registrationID string) (string, error) {
	if eventID != "" {
		return eventID, nil
	}
	r, err := m.engine.store.GetRegistration(ctx, registrationID)
	if err != nil {
		return "", err
	}
	return r.EventID, nil
}

// lockWaitlisted locks a registration and checks it is a WAITLIST entry of eventID.
func lockWaitlisted(ctx context.Context, tx repository.Tx, eventID, registrationID string) (*model.Registration, error) {
	r, err := tx.GetRegistrationForUpdate(ctx, registrationID)
	if err != nil {
		return nil, err
	}
	if r.EventID != eventID {
		return nil, fmt.Errorf("%w: registration %s does not belong to event %s", model.ErrInvalidState, r.ID, eventID)
	}
	if r.Status != model.RegistrationWaitlist {
		return nil, fmt.Errorf("%w: registration %s is %s, not WAITLIST", model.ErrInvalidState, r.ID, r.Status)
	}
	return r, nil
}
