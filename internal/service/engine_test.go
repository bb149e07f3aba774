package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shivanand-hulikatti/event-seat-allocator/internal/events"
	"github.com/Shivanand-hulikatti/event-seat-allocator/internal/model"
	"github.com/Shivanand-hulikatti/event-seat-allocator/internal/repository"
)

func TestAllocate_ConfirmsAndIncrementsCounter(t *testing.T) {
	f := newFixture(t, nil)
	ev := f.capacityEvent(t, 10, 0, 0)

	reg, err := f.engine.Allocate(context.Background(), ev.ID, "alice@example.com", 3)
	require.NoError(t, err)

	assert.Equal(t, model.RegistrationConfirmed, reg.Status)
	assert.Nil(t, reg.WaitlistPriority)
	assert.Len(t, reg.ConfirmationCode, 6)
	assert.Equal(t, 3, f.event(t, ev.ID).ReservedCount)
}

func TestAllocate_WaitlistsWhenSeatsRunOut(t *testing.T) {
	f := newFixture(t, nil)
	ev := f.capacityEvent(t, 5, 3, 0)
	ctx := context.Background()

	first, err := f.engine.Allocate(ctx, ev.ID, "a@example.com", 3)
	require.NoError(t, err)
	second, err := f.engine.Allocate(ctx, ev.ID, "b@example.com", 1)
	require.NoError(t, err)
	third, err := f.engine.Allocate(ctx, ev.ID, "c@example.com", 2)
	require.NoError(t, err)

	assert.Equal(t, model.RegistrationWaitlist, first.Status)
	require.NotNil(t, first.WaitlistPriority)
	assert.Equal(t, 1, *first.WaitlistPriority)

	assert.Equal(t, model.RegistrationConfirmed, second.Status, "a smaller request still fits")

	assert.Equal(t, model.RegistrationWaitlist, third.Status)
	assert.Equal(t, 2, *third.WaitlistPriority)

	assert.Equal(t, 4, f.event(t, ev.ID).ReservedCount)
}

func TestAllocate_ConcurrentLastSeat(t *testing.T) {
	f := newFixture(t, nil)
	ev := f.capacityEvent(t, 100, 99, 0)

	var (
		wg      sync.WaitGroup
		results = make([]*model.Registration, 2)
		errs    = make([]error, 2)
	)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.engine.Allocate(context.Background(), ev.ID, []string{"x@example.com", "y@example.com"}[i], 1)
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	statuses := []model.RegistrationStatus{results[0].Status, results[1].Status}
	assert.ElementsMatch(t, []model.RegistrationStatus{model.RegistrationConfirmed, model.RegistrationWaitlist}, statuses)
	assert.Equal(t, 100, f.event(t, ev.ID).ReservedCount)
}

func TestAllocate_NoOversellUnderLoad(t *testing.T) {
	f := newFixture(t, nil)
	ev := f.capacityEvent(t, 50, 0, 0)

	const requests = 60
	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := f.engine.Allocate(context.Background(), ev.ID, "user-"+string(rune('A'+i%26))+string(rune('a'+i/26)), 1+i%3); err != nil {
				failures.Add(1)
			}
		}(i)
	}
	wg.Wait()

	require.Zero(t, failures.Load())
	got := f.event(t, ev.ID)
	confirmed, _ := f.confirmedUnits(t, ev.ID)
	assert.LessOrEqual(t, got.ReservedCount, got.Capacity)
	assert.Equal(t, confirmed, got.ReservedCount)

	regs, err := f.store.ListRegistrations(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.Len(t, regs, requests, "every request produces a registration")

	wl, err := f.store.ListWaitlist(context.Background(), ev.ID)
	require.NoError(t, err)
	seen := make(map[int]bool)
	for _, r := range wl {
		assert.False(t, seen[*r.WaitlistPriority], "duplicate priority %d", *r.WaitlistPriority)
		seen[*r.WaitlistPriority] = true
	}
}

func TestAllocate_Rejections(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	open := f.capacityEvent(t, 10, 0, 0)
	tableEvent, _ := f.tableEvent(t)

	closed := f.capacityEvent(t, 10, 1, 0)
	require.NoError(t, f.store.UpdateEventStatus(ctx, closed.ID, model.EventStatusPaused))

	_, err := f.engine.Allocate(ctx, closed.ID, "a@example.com", 1)
	assert.ErrorIs(t, err, model.ErrEventClosed)

	_, err = f.engine.Allocate(ctx, "missing", "a@example.com", 1)
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = f.engine.Allocate(ctx, tableEvent.ID, "a@example.com", 1)
	assert.ErrorIs(t, err, model.ErrInvalidState)

	_, err = f.engine.Allocate(ctx, open.ID, "a@example.com", 0)
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	_, err = f.engine.Allocate(ctx, open.ID, "  ", 1)
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	regs, err := f.store.ListRegistrations(ctx, open.ID)
	require.NoError(t, err)
	assert.Empty(t, regs, "rejected requests leave no record")
}

func TestAllocate_Quota(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	ev := f.capacityEvent(t, 2, 0, 4)

	_, err := f.engine.Allocate(ctx, ev.ID, "050-123-4567", 5)
	var qe *model.QuotaError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, -1, qe.Remaining, "single request over the limit")

	first, err := f.engine.Allocate(ctx, ev.ID, "050-123-4567", 3)
	require.NoError(t, err)
	assert.Equal(t, model.RegistrationWaitlist, first.Status, "waitlisted units still count toward the quota")

	_, err = f.engine.Allocate(ctx, ev.ID, "+972 50 123 4567", 2)
	require.ErrorAs(t, err, &qe)
	assert.ErrorIs(t, err, model.ErrQuotaExceeded)
	assert.Equal(t, 1, qe.Remaining)

	ok, err := f.engine.Allocate(ctx, ev.ID, "+972501234567", 1)
	require.NoError(t, err)
	assert.Equal(t, "+972501234567", ok.RequesterID)
}

func TestAllocate_QuotaFreedByCancellation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	ev := f.capacityEvent(t, 10, 0, 2)

	reg, err := f.engine.Allocate(ctx, ev.ID, "Bob@Example.com", 2)
	require.NoError(t, err)
	_, err = f.engine.Allocate(ctx, ev.ID, "bob@example.com", 1)
	require.ErrorIs(t, err, model.ErrQuotaExceeded)

	_, err = f.engine.Cancel(ctx, reg.ID, CancelInput{})
	require.NoError(t, err)

	_, err = f.engine.Allocate(ctx, ev.ID, "bob@example.com", 2)
	assert.NoError(t, err)
}

func TestAllocate_DerivedCounting(t *testing.T) {
	f := newFixture(t, nil, WithCountingMode(CountingDerived))
	ctx := context.Background()
	ev := f.capacityEvent(t, 3, 0, 0)

	a, err := f.engine.Allocate(ctx, ev.ID, "a", 2)
	require.NoError(t, err)
	b, err := f.engine.Allocate(ctx, ev.ID, "b", 2)
	require.NoError(t, err)
	c, err := f.engine.Allocate(ctx, ev.ID, "c", 1)
	require.NoError(t, err)

	assert.Equal(t, model.RegistrationConfirmed, a.Status)
	assert.Equal(t, model.RegistrationWaitlist, b.Status)
	assert.Equal(t, model.RegistrationConfirmed, c.Status)
	assert.Equal(t, 0, f.event(t, ev.ID).ReservedCount, "derived mode never writes the counter")

	view, err := f.events.Capacity(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, view.Reserved)
	assert.Equal(t, 0, view.Available)
	assert.Equal(t, 1, view.WaitlistCount)
}

func TestAllocate_RetriesTransientConflicts(t *testing.T) {
	var (
		armed atomic.Bool
		fails atomic.Int32
	)
	hook := func() error {
		if armed.Load() && fails.Add(1) <= 2 {
			return model.ErrTransientConflict
		}
		return nil
	}
	f := newFixture(t, []repository.MemoryOption{repository.WithCommitHook(hook)})
	ev := f.capacityEvent(t, 10, 0, 0)
	armed.Store(true)

	reg, err := f.engine.Allocate(context.Background(), ev.ID, "a", 2)
	require.NoError(t, err)

	assert.Equal(t, model.RegistrationConfirmed, reg.Status)
	assert.Equal(t, int32(3), fails.Load())
	assert.Equal(t, 2, f.event(t, ev.ID).ReservedCount, "aborted attempts leave no trace")
}

func TestAllocate_RetriesExhausted(t *testing.T) {
	var armed atomic.Bool
	hook := func() error {
		if armed.Load() {
			return model.ErrTransientConflict
		}
		return nil
	}
	f := newFixture(t, []repository.MemoryOption{repository.WithCommitHook(hook)})
	ev := f.capacityEvent(t, 10, 0, 0)
	armed.Store(true)

	_, err := f.engine.Allocate(context.Background(), ev.ID, "a", 1)
	require.ErrorIs(t, err, model.ErrTransientConflict)
	assert.Contains(t, err.Error(), "after 4 attempts")

	armed.Store(false)
	assert.Equal(t, 0, f.event(t, ev.ID).ReservedCount)
}

func TestAllocate_PermanentErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	hook := func() error {
		calls.Add(1)
		return nil
	}
	f := newFixture(t, []repository.MemoryOption{repository.WithCommitHook(hook)})
	ev := f.capacityEvent(t, 10, 0, 0)
	require.NoError(t, f.store.UpdateEventStatus(context.Background(), ev.ID, model.EventStatusClosed))
	before := calls.Load()

	_, err := f.engine.Allocate(context.Background(), ev.ID, "a", 1)
	require.ErrorIs(t, err, model.ErrEventClosed)
	assert.Equal(t, before, calls.Load(), "a rejected transaction never reaches commit")
}

func TestAllocate_PublishesOutcome(t *testing.T) {
	f := newFixture(t, nil)
	ev := f.capacityEvent(t, 1, 0, 0)
	ctx := context.Background()

	_, err := f.engine.Allocate(ctx, ev.ID, "a", 1)
	require.NoError(t, err)
	_, err = f.engine.Allocate(ctx, ev.ID, "b", 1)
	require.NoError(t, err)

	assert.Equal(t, []string{events.TopicRegistrationConfirmed, events.TopicRegistrationWaitlisted}, f.published.Topics())
}

func TestAllocate_PublishFailureKeepsOutcome(t *testing.T) {
	f := newFixture(t, nil)
	ev := f.capacityEvent(t, 1, 0, 0)
	f.published.FailWith(errors.New("broker down"))

	reg, err := f.engine.Allocate(context.Background(), ev.ID, "a", 1)
	require.NoError(t, err)
	assert.Equal(t, model.RegistrationConfirmed, f.registration(t, reg.ID).Status)
}

func TestRegister_DispatchesByKind(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	capEvent := f.capacityEvent(t, 5, 0, 0)
	tblEvent, tables := f.tableEvent(t, tableDef{label: "T1", capacity: 4, minimumOrder: 1})

	r1, err := f.engine.Register(ctx, capEvent.ID, "a", 2)
	require.NoError(t, err)
	assert.Nil(t, r1.TableID)

	r2, err := f.engine.Register(ctx, tblEvent.ID, "a", 2)
	require.NoError(t, err)
	require.NotNil(t, r2.TableID)
	assert.Equal(t, tables["T1"].ID, *r2.TableID)
}
