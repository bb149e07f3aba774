// Package service implements the allocation engine, waitlist promotion,
// cancellation, and event administration on top of the transactional store.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Shivanand-hulikatti/event-seat-allocator/internal/events"
	"github.com/Shivanand-hulikatti/event-seat-allocator/internal/identity"
	"github.com/Shivanand-hulikatti/event-seat-allocator/internal/model"
	"github.com/Shivanand-hulikatti/event-seat-allocator/internal/repository"
	"github.com/Shivanand-hulikatti/event-seat-allocator/internal/retry"
	"github.com/Shivanand-hulikatti/event-seat-allocator/internal/telemetry"
)

// CountingMode selects how the reserved seat count of a capacity event is obtained.
type CountingMode string

const (
	// CountingCounter keeps reserved_count on the event row and updates it
	// with conditional increments.
	CountingCounter CountingMode = "counter"
	// CountingDerived sums CONFIRMED unit counts under the event lock and
	// never touches reserved_count.
	CountingDerived CountingMode = "derived"
)

const defaultTxTimeout = 5 * time.Second

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Engine allocates seats and tables. It holds no availability state of its
// own; every decision is made inside a store transaction.
type Engine struct {
	store      repository.Store
	normalizer *identity.Normalizer
	publisher  events.Publisher
	log        *zap.Logger
	clock      Clock
	mode       CountingMode
	txTimeout  time.Duration
	retrier    *retry.Retrier
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithPublisher sets where committed outcomes are announced.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) {
		if p != nil {
			e.publisher = p
		}
	}
}

// WithClock overrides the time source.
func WithClock(c Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithCountingMode selects counter or derived capacity counting.
func WithCountingMode(m CountingMode) Option {
	return func(e *Engine) {
		if m == CountingCounter || m == CountingDerived {
			e.mode = m
		}
	}
}

// WithTxTimeout bounds each transaction attempt.
func WithTxTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.txTimeout = d
		}
	}
}

// WithRetry sets the backoff for transient conflicts.
func WithRetry(cfg retry.Config) Option {
	return func(e *Engine) {
		e.retrier = retry.New(&cfg)
	}
}

// WithNormalizer sets the requester identity normalizer.
func WithNormalizer(n *identity.Normalizer) Option {
	return func(e *Engine) {
		if n != nil {
			e.normalizer = n
		}
	}
}

// NewEngine constructs an Engine over store.
func NewEngine(store repository.Store, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		normalizer: identity.NewNormalizer(""),
		publisher:  events.NoopPublisher{},
		log:        zap.NewNop(),
		clock:      systemClock{},
		mode:       CountingCounter,
		txTimeout:  defaultTxTimeout,
		retrier:    retry.New(retry.DefaultConfig()),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Mode returns the capacity counting mode.
func (e *Engine) Mode() CountingMode {
	return e.mode
}

// runTx runs fn in a store transaction bounded by the tx timeout, retrying
// the whole body on transient conflicts. fn must re-read everything it
// decides on, since each attempt starts from fresh state.
func (e *Engine) runTx(ctx context.Context, op string, fn repository.TxFunc) error {
	res := e.retrier.DoWithCallback(ctx, func(ctx context.Context) error {
		txCtx, cancel := context.WithTimeout(ctx, e.txTimeout)
		defer cancel()

		err := e.store.WithTx(txCtx, fn)
		switch {
		case err == nil:
			return nil
		case model.IsTransient(err):
			return retry.Retryable(err)
		default:
			return retry.Permanent(err)
		}
	}, func(attempt int, err error, next time.Duration) {
		e.log.Warn("transient conflict, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", next),
			zap.Error(err),
		)
	})

	switch {
	case res.Err == nil:
		return nil
	case errors.Is(res.Err, retry.ErrMaxRetriesExceeded):
		return fmt.Errorf("%w: %s gave up after %d attempts: %v",
			model.ErrTransientConflict, op, res.Attempts, res.LastError)
	case errors.Is(res.Err, retry.ErrContextCanceled):
		return fmt.Errorf("%w: %s: %w", model.ErrTransientConflict, op, ctx.Err())
	}
	return res.Err
}

// Register dispatches to Allocate or AllocateTable by event kind.
func (e *Engine) Register(ctx context.Context, eventID, requesterID string, units int) (*model.Registration, error) {
	ev, err := e.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if ev.Kind == model.EventKindTable {
		return e.AllocateTable(ctx, eventID, requesterID, units)
	}
	return e.Allocate(ctx, eventID, requesterID, units)
}

// Allocate runs the capacity path: a CONFIRMED seat block when the event has
// room for units, otherwise a WAITLIST entry.
func (e *Engine) Allocate(ctx context.Context, eventID, requesterID string, units int) (reg *model.Registration, err error) {
	requester, err := e.prepare(eventID, requesterID, units)
	if err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartSpan(ctx, "allocation.Allocate", trace.WithAttributes(
		attribute.String("event.id", eventID),
		attribute.Int("units", units),
	))
	defer func() { telemetry.EndSpan(span, err) }()

	err = e.runTx(ctx, "allocate", func(ctx context.Context, tx repository.Tx) error {
		ev, err := e.lockOpenEvent(ctx, tx, eventID, model.EventKindCapacity)
		if err != nil {
			return err
		}
		if err := e.checkQuota(ctx, tx, ev, requester, units); err != nil {
			return err
		}

		r := e.newRegistration(ev.ID, requester, units)
		confirmed, err := e.reserveCapacity(ctx, tx, ev, units)
		if err != nil {
			return err
		}
		if confirmed {
			r.Status = model.RegistrationConfirmed
		} else if err := e.waitlist(ctx, tx, r); err != nil {
			return err
		}

		if err := tx.CreateRegistration(ctx, r); err != nil {
			return err
		}
		reg = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.String("registration.status", string(reg.Status)))
	e.committed(ctx, "allocate", reg)
	return reg, nil
}

// AllocateTable runs the table path: the smallest available table that fits
// the party, otherwise a WAITLIST entry.
func (e *Engine) AllocateTable(ctx context.Context, eventID, requesterID string, guests int) (reg *model.Registration, err error) {
	requester, err := e.prepare(eventID, requesterID, guests)
	if err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartSpan(ctx, "allocation.AllocateTable", trace.WithAttributes(
		attribute.String("event.id", eventID),
		attribute.Int("guests", guests),
	))
	defer func() { telemetry.EndSpan(span, err) }()

	err = e.runTx(ctx, "allocate_table", func(ctx context.Context, tx repository.Tx) error {
		ev, err := e.lockOpenEvent(ctx, tx, eventID, model.EventKindTable)
		if err != nil {
			return err
		}
		if err := e.checkQuota(ctx, tx, ev, requester, guests); err != nil {
			return err
		}

		available, err := tx.ListAvailableTables(ctx, ev.ID)
		if err != nil {
			return err
		}

		r := e.newRegistration(ev.ID, requester, guests)
		for _, candidate := range SmallestFit(available, guests) {
			ok, err := tx.ReserveTable(ctx, candidate.ID, r.ID)
			if err != nil {
				return err
			}
			if ok {
				tableID := candidate.ID
				r.Status = model.RegistrationConfirmed
				r.TableID = &tableID
				break
			}
			// Lost the race for this table; try the next fit.
		}
		if r.Status != model.RegistrationConfirmed {
			if err := e.waitlist(ctx, tx, r); err != nil {
				return err
			}
		}

		if err := tx.CreateRegistration(ctx, r); err != nil {
			return err
		}
		reg = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.String("registration.status", string(reg.Status)))
	e.committed(ctx, "allocate_table", reg)
	return reg, nil
}

func (e *Engine) prepare(eventID, requesterID string, units int) (string, error) {
	if eventID == "" {
		return "", fmt.Errorf("%w: event id is required", model.ErrInvalidInput)
	}
	if units < 1 {
		return "", fmt.Errorf("%w: unit count must be at least 1, got %d", model.ErrInvalidInput, units)
	}
	requester, _, err := e.normalizer.Normalize(requesterID)
	if err != nil {
		return "", err
	}
	return requester, nil
}

// lockOpenEvent locks the event row and checks its kind and lifecycle status.
func (e *Engine) lockOpenEvent(ctx context.Context, tx repository.Tx, eventID string, kind model.EventKind) (*model.Event, error) {
	ev, err := tx.GetEventForUpdate(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if ev.Kind != kind {
		return nil, fmt.Errorf("%w: event %s is %s", model.ErrInvalidState, ev.ID, ev.Kind)
	}
	if !ev.IsOpen() {
		return nil, fmt.Errorf("%w: event %s is %s", model.ErrEventClosed, ev.ID, ev.Status)
	}
	return ev, nil
}

// checkQuota enforces the per-requester limit. A limit of zero means unlimited.
func (e *Engine) checkQuota(ctx context.Context, tx repository.Tx, ev *model.Event, requester string, units int) error {
	limit := ev.MaxUnitsPerRequester
	if limit <= 0 {
		return nil
	}
	if units > limit {
		return &model.QuotaError{Limit: limit, Requested: units, Remaining: -1}
	}
	used, err := tx.SumRequesterUnits(ctx, ev.ID, requester)
	if err != nil {
		return err
	}
	if used+units > limit {
		return &model.QuotaError{Limit: limit, Requested: units, Remaining: max(0, limit-used)}
	}
	return nil
}

// spotsLeft returns capacity minus reserved seats. The caller holds the event lock.
func (e *Engine) spotsLeft(ctx context.Context, tx repository.Tx, ev *model.Event) (int, error) {
	if e.mode == CountingDerived {
		reserved, err := tx.SumConfirmedUnits(ctx, ev.ID)
		if err != nil {
			return 0, err
		}
		return ev.Capacity - reserved, nil
	}
	return ev.Remaining(), nil
}

// reserveCapacity claims units seats if they fit. The caller holds the event lock.
func (e *Engine) reserveCapacity(ctx context.Context, tx repository.Tx, ev *model.Event, units int) (bool, error) {
	left, err := e.spotsLeft(ctx, tx, ev)
	if err != nil || left < units {
		return false, err
	}
	if e.mode == CountingDerived {
		return true, nil
	}
	return tx.IncrementReserved(ctx, ev.ID, units)
}

// waitlist marks r as WAITLIST with the event's next priority.
func (e *Engine) waitlist(ctx context.Context, tx repository.Tx, r *model.Registration) error {
	priority, err := tx.NextWaitlistPriority(ctx, r.EventID)
	if err != nil {
		return err
	}
	r.Status = model.RegistrationWaitlist
	r.TableID = nil
	r.WaitlistPriority = &priority
	return nil
}

func (e *Engine) newRegistration(eventID, requester string, units int) *model.Registration {
	now := e.clock.Now()
	return &model.Registration{
		ID:               uuid.NewString(),
		EventID:          eventID,
		RequesterID:      requester,
		UnitCount:        units,
		ConfirmationCode: newConfirmationCode(),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

const confirmationAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// newConfirmationCode returns six upper-case characters drawn from a random UUID.
func newConfirmationCode() string {
	id := uuid.New()
	code := make([]byte, 6)
	for i := range code {
		code[i] = confirmationAlphabet[int(id[i])%len(confirmationAlphabet)]
	}
	return string(code)
}
