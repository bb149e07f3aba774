package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Shivanand-hulikatti/event-seat-allocator/internal/events"
	"github.com/Shivanand-hulikatti/event-seat-allocator/internal/model"
	"github.com/Shivanand-hulikatti/event-seat-allocator/internal/repository"
	"github.com/Shivanand-hulikatti/event-seat-allocator/internal/telemetry"
)

// CancelInput describes who cancels and why.
type CancelInput struct {
	Reason string
	// ByRequester applies the event's cancellation deadline. Admin
	// cancellations ignore it.
	ByRequester bool
}

// Cancel moves a CONFIRMED or WAITLIST registration to CANCELLED. A
// CONFIRMED registration gives back its seats or table in the same
// transaction; Released reports whether that happened.
func (e *Engine) Cancel(ctx context.Context, registrationID string, in CancelInput) (res model.CancelResult, err error) {
	if registrationID == "" {
		return res, fmt.Errorf("%w: registration id is required", model.ErrInvalidInput)
	}
	current, err := e.store.GetRegistration(ctx, registrationID)
	if err != nil {
		return res, err
	}
	eventID := current.EventID

	ctx, span := telemetry.StartSpan(ctx, "allocation.Cancel", trace.WithAttributes(
		attribute.String("registration.id", registrationID),
		attribute.Bool("by_requester", in.ByRequester),
	))
	defer func() { telemetry.EndSpan(span, err) }()

	var (
		reg      *model.Registration
		released bool
		tableID  *string
	)
	err = e.runTx(ctx, "cancel", func(ctx context.Context, tx repository.Tx) error {
		released, tableID = false, nil

		ev, err := tx.GetEventForUpdate(ctx, eventID)
		if err != nil {
			return err
		}
		r, err := tx.GetRegistrationForUpdate(ctx, registrationID)
		if err != nil {
			return err
		}
		if r.Status == model.RegistrationCancelled {
			return fmt.Errorf("%w: registration %s is already cancelled", model.ErrInvalidState, r.ID)
		}

		now := e.clock.Now()
		if in.ByRequester && deadlinePassed(ev, now) {
			return fmt.Errorf("%w: cancellations close %d hours before the event",
				model.ErrCancellationDeadlinePassed, ev.CancellationDeadlineHours)
		}

		if r.Status == model.RegistrationConfirmed {
			switch {
			case r.TableID != nil:
				ok, err := tx.ReleaseTable(ctx, *r.TableID, r.ID)
				if err != nil {
					return err
				}
				if !ok {
					e.log.Warn("cancelled registration did not hold its table",
						zap.String("registration_id", r.ID), zap.String("table_id", *r.TableID))
				}
				released, tableID = ok, r.TableID
			case e.mode == CountingCounter:
				if err := tx.DecrementReserved(ctx, ev.ID, r.UnitCount); err != nil {
					return err
				}
				released = true
			default:
				// Derived counting: dropping the CONFIRMED status frees the seats.
				released = true
			}
		}

		by := model.CancelledByAdmin
		if in.ByRequester {
			by = model.CancelledByRequester
		}
		r.Status = model.RegistrationCancelled
		r.WaitlistPriority = nil
		r.CancelledAt = &now
		r.CancelledBy = by
		r.CancellationReason = strings.TrimSpace(in.Reason)
		r.UpdatedAt = now
		if err := tx.UpdateRegistration(ctx, r); err != nil {
			return err
		}
		reg = r
		return nil
	})
	if err != nil {
		return res, err
	}

	e.log.Info("registration cancelled",
		zap.String("registration_id", reg.ID),
		zap.String("event_id", reg.EventID),
		zap.String("cancelled_by", string(reg.CancelledBy)),
		zap.Bool("released", released),
	)
	payload := events.NewRegistrationEvent(reg, e.clock.Now())
	payload.Released = released
	e.publish(ctx, events.TopicRegistrationCancelled, payload)
	if tableID != nil && released {
		e.publishTable(ctx, reg.EventID, *tableID, model.TableStatusAvailable, nil)
	}

	return model.CancelResult{Released: released}, nil
}

// deadlinePassed reports whether requester cancellation has closed for ev.
func deadlinePassed(ev *model.Event, now time.Time) bool {
	if ev.StartsAt == nil || ev.CancellationDeadlineHours <= 0 {
		return false
	}
	deadline := ev.StartsAt.Add(-time.Duration(ev.CancellationDeadlineHours) * time.Hour)
	return !now.Before(deadline)
}
