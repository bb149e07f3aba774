package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/Shivanand-hulikatti/event-seat-allocator/internal/model"
	"github.com/Shivanand-hulikatti/event-seat-allocator/internal/repository"
)

// Reconciler periodically re-derives reserved_count of capacity events from
// their CONFIRMED registrations and repairs drift. It never changes a
// registration's status.
type Reconciler struct {
	engine    *Engine
	scheduler gocron.Scheduler
	timeout   time.Duration
}

// Drift is one repaired counter.
type Drift struct {
	EventID  string
	Counter  int
	Derived  int
	Repaired bool
}

// NewReconciler schedules a reconciliation run every interval. Call Start to begin.
func NewReconciler(engine *Engine, interval time.Duration) (*Reconciler, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("reconcile interval must be positive, got %s", interval)
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	r := &Reconciler{engine: engine, scheduler: s, timeout: interval}
	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(r.run),
		gocron.WithName("reconcile-reserved-counters"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("schedule reconcile job: %w", err)
	}
	return r, nil
}

// Start begins the schedule.
func (r *Reconciler) Start() {
	r.scheduler.Start()
	r.engine.log.Info("counter reconciler started")
}

// Stop waits for a running job and stops the schedule.
func (r *Reconciler) Stop() error {
	return r.scheduler.Shutdown()
}

func (r *Reconciler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if _, err := r.ReconcileAll(ctx); err != nil {
		r.engine.log.Error("counter reconciliation failed", zap.Error(err))
	}
}

// ReconcileAll checks every capacity event and returns the drifts it found.
// In derived counting mode there is no counter to repair.
func (r *Reconciler) ReconcileAll(ctx context.Context) ([]Drift, error) {
	if r.engine.mode == CountingDerived {
		return nil, nil
	}
	evs, err := r.engine.store.ListEvents(ctx)
	if err != nil {
		return nil, err
	}

	var (
		drifts []Drift
		errs   []error
	)
	for _, ev := range evs {
		if ev.Kind != model.EventKindCapacity {
			continue
		}
		d, err := r.ReconcileEvent(ctx, ev.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("event %s: %w", ev.ID, err))
			continue
		}
		if d != nil {
			drifts = append(drifts, *d)
		}
	}
	return drifts, errors.Join(errs...)
}

// ReconcileEvent compares one event's counter with its confirmed units under
// the event lock. It returns nil when they agree. A derived value above
// capacity is reported but not written.
func (r *Reconciler) ReconcileEvent(ctx context.Context, eventID string) (*Drift, error) {
	var drift *Drift
	err := r.engine.runTx(ctx, "reconcile", func(ctx context.Context, tx repository.Tx) error {
		drift = nil

		ev, err := tx.GetEventForUpdate(ctx, eventID)
		if err != nil {
			return err
		}
		derived, err := tx.SumConfirmedUnits(ctx, ev.ID)
		if err != nil {
			return err
		}
		if derived == ev.ReservedCount {
			return nil
		}

		d := Drift{EventID: ev.ID, Counter: ev.ReservedCount, Derived: derived}
		if derived <= ev.Capacity {
			if err := tx.SetReservedCount(ctx, ev.ID, derived); err != nil {
				return err
			}
			d.Repaired = true
		}
		drift = &d
		return nil
	})
	if err != nil {
		return nil, err
	}

	if drift != nil {
		r.engine.log.Warn("reserved counter drift",
			zap.String("event_id", drift.EventID),
			zap.Int("counter", drift.Counter),
			zap.Int("derived", drift.Derived),
			zap.Bool("repaired", drift.Repaired),
		)
	}
	return drift, nil
}
