package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/Shivanand-hulikatti/event-seat-allocator/internal/events"
	"github.com/Shivanand-hulikatti/event-seat-allocator/internal/model"
)

// committed logs a committed registration outcome and announces it.
func (e *Engine) committed(ctx context.Context, op string, reg *model.Registration) {
	fields := []zap.Field{
		zap.String("op", op),
		zap.String("registration_id", reg.ID),
		zap.String("event_id", reg.EventID),
		zap.String("status", string(reg.Status)),
		zap.Int("units", reg.UnitCount),
	}
	if reg.TableID != nil {
		fields = append(fields, zap.String("table_id", *reg.TableID))
	}
	if reg.WaitlistPriority != nil {
		fields = append(fields, zap.Int("waitlist_priority", *reg.WaitlistPriority))
	}
	e.log.Info("registration committed", fields...)

	topic := events.TopicRegistrationConfirmed
	switch {
	case reg.Status == model.RegistrationWaitlist:
		topic = events.TopicRegistrationWaitlisted
	case op == "promote_table" || op == "promote_capacity":
		topic = events.TopicRegistrationPromoted
	}
	e.publish(ctx, topic, events.NewRegistrationEvent(reg, e.clock.Now()))

	if reg.TableID != nil && reg.Status == model.RegistrationConfirmed {
		e.publishTable(ctx, reg.EventID, *reg.TableID, model.TableStatusReserved, &reg.ID)
	}
}

func (e *Engine) publishTable(ctx context.Context, eventID, tableID string, status model.TableStatus, registrationID *string) {
	e.publish(ctx, events.TopicTableStatusChanged, events.TableStatusEvent{
		TableID:        tableID,
		EventID:        eventID,
		Status:         status,
		RegistrationID: registrationID,
		OccurredAt:     e.clock.Now(),
	})
}

// publish is best-effort: the outcome is already committed.
func (e *Engine) publish(ctx context.Context, topic string, payload any) {
	data, err := events.Encode(payload)
	if err == nil {
		err = e.publisher.Publish(context.WithoutCancel(ctx), topic, data)
	}
	if err != nil {
		e.log.Error("failed to publish outcome", zap.String("topic", topic), zap.Error(err))
	}
}
