package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Shivanand-hulikatti/event-seat-allocator/internal/events"
	"github.com/Shivanand-hulikatti/event-seat-allocator/internal/identity"
	"github.com/Shivanand-hulikatti/event-seat-allocator/internal/model"
	"github.com/Shivanand-hulikatti/event-seat-allocator/internal/repository"
	"github.com/Shivanand-hulikatti/event-seat-allocator/internal/retry"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// stepClock advances one millisecond per reading so creation order is strict.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: baseTime}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *stepClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type fixture struct {
	engine    *Engine
	waitlist  *WaitlistManager
	events    *EventService
	store     *repository.MemoryStore
	clock     *stepClock
	published *events.Recorder
}

func newFixture(t *testing.T, storeOpts []repository.MemoryOption, opts ...Option) *fixture {
	t.Helper()
	store := repository.NewMemoryStore(storeOpts...)
	clock := newStepClock()
	rec := events.NewRecorder()

	base := []Option{
		WithClock(clock),
		WithPublisher(rec),
		WithNormalizer(identity.NewNormalizer("972")),
		WithTxTimeout(time.Second),
		WithRetry(retry.Config{MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}),
	}
	engine := NewEngine(store, append(base, opts...)...)

	return &fixture{
		engine:    engine,
		waitlist:  NewWaitlistManager(engine),
		events:    NewEventService(engine),
		store:     store,
		clock:     clock,
		published: rec,
	}
}

func (f *fixture) capacityEvent(t *testing.T, capacity, reserved, maxPerRequester int) *model.Event {
	t.Helper()
	e := &model.Event{
		ID:                   fmt.Sprintf("cap-%d-%d", capacity, reserved),
		Name:                 "Concert",
		Kind:                 model.EventKindCapacity,
		Status:               model.EventStatusOpen,
		Capacity:             capacity,
		ReservedCount:        reserved,
		MaxUnitsPerRequester: maxPerRequester,
		CreatedAt:            baseTime,
	}
	require.NoError(t, f.store.CreateEvent(context.Background(), e))
	return e
}

type tableDef struct {
	label        string
	capacity     int
	minimumOrder int
	displayOrder int
}

func (f *fixture) tableEvent(t *testing.T, defs ...tableDef) (*model.Event, map[string]model.Table) {
	t.Helper()
	ctx := context.Background()
	e := &model.Event{
		ID:        "tbl-event",
		Name:      "Dinner",
		Kind:      model.EventKindTable,
		Status:    model.EventStatusOpen,
		CreatedAt: baseTime,
	}
	require.NoError(t, f.store.CreateEvent(ctx, e))

	tables := make(map[string]model.Table, len(defs))
	for _, s := range defs {
		tbl := model.Table{
			ID:           "table-" + s.label,
			EventID:      e.ID,
			Label:        s.label,
			Capacity:     s.capacity,
			MinimumOrder: s.minimumOrder,
			DisplayOrder: s.displayOrder,
			Status:       model.TableStatusAvailable,
			CreatedAt:    baseTime,
		}
		require.NoError(t, f.store.CreateTable(ctx, &tbl))
		tables[s.label] = tbl
	}
	return e, tables
}

func (f *fixture) event(t *testing.T, id string) *model.Event {
	t.Helper()
	e, err := f.store.GetEvent(context.Background(), id)
	require.NoError(t, err)
	return e
}

func (f *fixture) table(t *testing.T, id string) *model.Table {
	t.Helper()
	tbl, err := f.store.GetTable(context.Background(), id)
	require.NoError(t, err)
	return tbl
}

func (f *fixture) registration(t *testing.T, id string) *model.Registration {
	t.Helper()
	r, err := f.store.GetRegistration(context.Background(), id)
	require.NoError(t, err)
	return r
}

// confirmedUnits sums CONFIRMED units and counts confirmed holders per table.
func (f *fixture) confirmedUnits(t *testing.T, eventID string) (int, map[string]int) {
	t.Helper()
	regs, err := f.store.ListRegistrations(context.Background(), eventID)
	require.NoError(t, err)
	sum := 0
	perTable := make(map[string]int)
	for _, r := range regs {
		if r.Status != model.RegistrationConfirmed {
			continue
		}
		sum += r.UnitCount
		if r.TableID != nil {
			perTable[*r.TableID]++
		}
	}
	return sum, perTable
}
