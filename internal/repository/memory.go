package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Shivanand-hulikatti/event-seat-allocator/internal/model"
)

// MemoryStore is an in-process Store. Transactions are serialized and run
// against a private copy of the state that replaces the committed state only
// on success, so a failed transaction leaves nothing behind.
type MemoryStore struct {
	sem chan struct{}

	mu    sync.RWMutex
	state *memState

	commitHook func() error
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithCommitHook runs hook just before each commit. A non-nil return aborts
// the transaction with that error.
func WithCommitHook(hook func() error) MemoryOption {
	return func(s *MemoryStore) {
		s.commitHook = hook
	}
}

type memState struct {
	events        map[string]model.Event
	waitlistSeq   map[string]int
	tables        map[string]model.Table
	registrations map[string]model.Registration
}

func newMemState() *memState {
	return &memState{
		events:        make(map[string]model.Event),
		waitlistSeq:   make(map[string]int),
		tables:        make(map[string]model.Table),
		registrations: make(map[string]model.Registration),
	}
}

func (st *memState) clone() *memState {
	c := &memState{
		events:        make(map[string]model.Event, len(st.events)),
		waitlistSeq:   make(map[string]int, len(st.waitlistSeq)),
		tables:        make(map[string]model.Table, len(st.tables)),
		registrations: make(map[string]model.Registration, len(st.registrations)),
	}
	for k, v := range st.events {
		c.events[k] = v
	}
	for k, v := range st.waitlistSeq {
		c.waitlistSeq[k] = v
	}
	for k, v := range st.tables {
		c.tables[k] = v
	}
	for k, v := range st.registrations {
		c.registrations[k] = v
	}
	return c
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		sem:   make(chan struct{}, 1),
		state: newMemState(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithTx implements Store. Waiting for the transaction slot honours ctx; a
// caller whose deadline passes while queued gets a transient conflict.
func (s *MemoryStore) WithTx(ctx context.Context, fn TxFunc) error {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for transaction: %w", model.ErrTransientConflict, ctx.Err())
	}
	defer func() { <-s.sem }()

	work := s.snapshot().clone()
	if err := fn(ctx, &memTx{st: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", model.ErrTransientConflict, err)
	}
	if s.commitHook != nil {
		if err := s.commitHook(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.state = work
	s.mu.Unlock()
	return nil
}

// snapshot returns the committed state. Committed states are never mutated.
func (s *MemoryStore) snapshot() *memState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// mutate applies fn to a copy of the committed state under the transaction slot.
func (s *MemoryStore) mutate(ctx context.Context, fn func(st *memState) error) error {
	return s.WithTx(ctx, func(_ context.Context, tx Tx) error {
		return fn(tx.(*memTx).st)
	})
}

func (s *MemoryStore) CreateEvent(ctx context.Context, e *model.Event) error {
	return s.mutate(ctx, func(st *memState) error {
		if _, ok := st.events[e.ID]; ok {
			return fmt.Errorf("insert event: duplicate id %s", e.ID)
		}
		st.events[e.ID] = *e
		return nil
	})
}

func (s *MemoryStore) GetEvent(_ context.Context, id string) (*model.Event, error) {
	e, ok := s.snapshot().events[id]
	if !ok {
		return nil, fmt.Errorf("%w: event %s", model.ErrNotFound, id)
	}
	return &e, nil
}

func (s *MemoryStore) ListEvents(_ context.Context) ([]model.Event, error) {
	st := s.snapshot()
	events := make([]model.Event, 0, len(st.events))
	for _, e := range st.events {
		events = append(events, e)
	}
	sort.Slice(events, func(i, j int) bool {
		if !events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].CreatedAt.After(events[j].CreatedAt)
		}
		return events[i].ID < events[j].ID
	})
	return events, nil
}

func (s *MemoryStore) UpdateEventStatus(ctx context.Context, id string, status model.EventStatus) error {
	return s.mutate(ctx, func(st *memState) error {
		e, ok := st.events[id]
		if !ok {
			return fmt.Errorf("%w: event %s", model.ErrNotFound, id)
		}
		e.Status = status
		st.events[id] = e
		return nil
	})
}

func (s *MemoryStore) CreateTable(ctx context.Context, t *model.Table) error {
	return s.mutate(ctx, func(st *memState) error {
		if _, ok := st.events[t.EventID]; !ok {
			return fmt.Errorf("insert table: %w: event %s", model.ErrNotFound, t.EventID)
		}
		if _, ok := st.tables[t.ID]; ok {
			return fmt.Errorf("insert table: duplicate id %s", t.ID)
		}
		st.tables[t.ID] = *t
		return nil
	})
}

func (s *MemoryStore) GetTable(_ context.Context, id string) (*model.Table, error) {
	t, ok := s.snapshot().tables[id]
	if !ok {
		return nil, fmt.Errorf("%w: table %s", model.ErrNotFound, id)
	}
	return &t, nil
}

func (s *MemoryStore) ListTables(_ context.Context, eventID string) ([]model.Table, error) {
	tables := s.snapshot().tablesOf(eventID, nil)
	sort.Slice(tables, func(i, j int) bool {
		a, b := tables[i], tables[j]
		if a.DisplayOrder != b.DisplayOrder {
			return a.DisplayOrder < b.DisplayOrder
		}
		if a.Capacity != b.Capacity {
			return a.Capacity < b.Capacity
		}
		return a.ID < b.ID
	})
	return tables, nil
}

func (s *MemoryStore) GetRegistration(_ context.Context, id string) (*model.Registration, error) {
	r, ok := s.snapshot().registrations[id]
	if !ok {
		return nil, fmt.Errorf("%w: registration %s", model.ErrNotFound, id)
	}
	return &r, nil
}

func (s *MemoryStore) ListRegistrations(_ context.Context, eventID string) ([]model.Registration, error) {
	regs := s.snapshot().registrationsOf(eventID, nil)
	sort.Slice(regs, func(i, j int) bool {
		if !regs[i].CreatedAt.Equal(regs[j].CreatedAt) {
			return regs[i].CreatedAt.Before(regs[j].CreatedAt)
		}
		return regs[i].ID < regs[j].ID
	})
	return regs, nil
}

func (s *MemoryStore) ListWaitlist(_ context.Context, eventID string) ([]model.Registration, error) {
	regs := s.snapshot().registrationsOf(eventID, func(r *model.Registration) bool {
		return r.Status == model.RegistrationWaitlist
	})
	sort.Slice(regs, func(i, j int) bool {
		pi, pj := *regs[i].WaitlistPriority, *regs[j].WaitlistPriority
		if pi != pj {
			return pi < pj
		}
		return regs[i].CreatedAt.Before(regs[j].CreatedAt)
	})
	return regs, nil
}

func (s *MemoryStore) SumConfirmedUnits(_ context.Context, eventID string) (int, error) {
	return s.snapshot().confirmedUnits(eventID), nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
func (s *MemoryStore) Close()                     {}

func (st *memState) tablesOf(eventID string, keep func(*model.Table) bool) []model.Table {
	var out []model.Table
	for _, t := range st.tables {
		if t.EventID != eventID || (keep != nil && !keep(&t)) {
			continue
		}
		out = append(out, t)
	}
	return out
}

func (st *memState) registrationsOf(eventID string, keep func(*model.Registration) bool) []model.Registration {
	var out []model.Registration
	for _, r := range st.registrations {
		if r.EventID != eventID || (keep != nil && !keep(&r)) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func (st *memState) confirmedUnits(eventID string) int {
	sum := 0
	for _, r := range st.registrations {
		if r.EventID == eventID && r.Status == model.RegistrationConfirmed {
			sum += r.UnitCount
		}
	}
	return sum
}

// memTx mutates a private copy of the state. The store's transaction slot
// makes row locks unnecessary; the ForUpdate methods are plain reads.
type memTx struct {
	st *memState
}

func (t *memTx) GetEventForUpdate(_ context.Context, eventID string) (*model.Event, error) {
	e, ok := t.st.events[eventID]
	if !ok {
		return nil, fmt.Errorf("%w: event %s", model.ErrNotFound, eventID)
	}
	return &e, nil
}

func (t *memTx) IncrementReserved(_ context.Context, eventID string, units int) (bool, error) {
	e, ok := t.st.events[eventID]
	if !ok || e.ReservedCount+units > e.Capacity {
		return false, nil
	}
	e.ReservedCount += units
	t.st.events[eventID] = e
	return true, nil
}

func (t *memTx) DecrementReserved(_ context.Context, eventID string, units int) error {
	e, ok := t.st.events[eventID]
	if !ok {
		return nil
	}
	e.ReservedCount = max(0, e.ReservedCount-units)
	t.st.events[eventID] = e
	return nil
}

func (t *memTx) SetReservedCount(_ context.Context, eventID string, count int) error {
	e, ok := t.st.events[eventID]
	if !ok {
		return nil
	}
	if count < 0 || count > e.Capacity {
		return fmt.Errorf("set reserved_count: %d outside [0, %d]", count, e.Capacity)
	}
	e.ReservedCount = count
	t.st.events[eventID] = e
	return nil
}

func (t *memTx) SumConfirmedUnits(_ context.Context, eventID string) (int, error) {
	return t.st.confirmedUnits(eventID), nil
}

func (t *memTx) SumRequesterUnits(_ context.Context, eventID, requesterID string) (int, error) {
	sum := 0
	for _, r := range t.st.registrations {
		if r.EventID == eventID && r.RequesterID == requesterID && r.Status != model.RegistrationCancelled {
			sum += r.UnitCount
		}
	}
	return sum, nil
}

func (t *memTx) NextWaitlistPriority(_ context.Context, eventID string) (int, error) {
	if _, ok := t.st.events[eventID]; !ok {
		return 0, fmt.Errorf("%w: event %s", model.ErrNotFound, eventID)
	}
	t.st.waitlistSeq[eventID]++
	return t.st.waitlistSeq[eventID], nil
}

func (t *memTx) CreateRegistration(_ context.Context, r *model.Registration) error {
	if _, ok := t.st.registrations[r.ID]; ok {
		return fmt.Errorf("insert registration: duplicate id %s", r.ID)
	}
	if err := t.checkRegistration(r); err != nil {
		return fmt.Errorf("insert registration: %w", err)
	}
	t.st.registrations[r.ID] = *r
	return nil
}

func (t *memTx) GetRegistrationForUpdate(_ context.Context, id string) (*model.Registration, error) {
	r, ok := t.st.registrations[id]
	if !ok {
		return nil, fmt.Errorf("%w: registration %s", model.ErrNotFound, id)
	}
	return &r, nil
}

func (t *memTx) UpdateRegistration(_ context.Context, r *model.Registration) error {
	if _, ok := t.st.registrations[r.ID]; !ok {
		return fmt.Errorf("%w: registration %s", model.ErrNotFound, r.ID)
	}
	if err := t.checkRegistration(r); err != nil {
		return fmt.Errorf("update registration: %w", err)
	}
	t.st.registrations[r.ID] = *r
	return nil
}

// checkRegistration enforces the same row constraints the SQL schema declares.
func (t *memTx) checkRegistration(r *model.Registration) error {
	if (r.Status == model.RegistrationWaitlist) != (r.WaitlistPriority != nil) {
		return fmt.Errorf("waitlist priority must be set iff status is WAITLIST")
	}
	if r.Status == model.RegistrationConfirmed && r.TableID != nil {
		for id, other := range t.st.registrations {
			if id != r.ID && other.Status == model.RegistrationConfirmed &&
				other.TableID != nil && *other.TableID == *r.TableID {
				return fmt.Errorf("table %s already held by registration %s", *r.TableID, id)
			}
		}
	}
	return nil
}

func (t *memTx) ListAvailableTables(_ context.Context, eventID string) ([]model.Table, error) {
	return t.st.tablesOf(eventID, func(tbl *model.Table) bool {
		return tbl.Status == model.TableStatusAvailable
	}), nil
}

func (t *memTx) GetTableForUpdate(_ context.Context, tableID string) (*model.Table, error) {
	tbl, ok := t.st.tables[tableID]
	if !ok {
		return nil, fmt.Errorf("%w: table %s", model.ErrNotFound, tableID)
	}
	return &tbl, nil
}

func (t *memTx) ReserveTable(_ context.Context, tableID, registrationID string) (bool, error) {
	tbl, ok := t.st.tables[tableID]
	if !ok || tbl.Status != model.TableStatusAvailable {
		return false, nil
	}
	tbl.Status = model.TableStatusReserved
	tbl.ReservedBy = &registrationID
	t.st.tables[tableID] = tbl
	return true, nil
}

func (t *memTx) ReleaseTable(_ context.Context, tableID, registrationID string) (bool, error) {
	tbl, ok := t.st.tables[tableID]
	if !ok || tbl.Status != model.TableStatusReserved ||
		tbl.ReservedBy == nil || *tbl.ReservedBy != registrationID {
		return false, nil
	}
	tbl.Status = model.TableStatusAvailable
	tbl.ReservedBy = nil
	t.st.tables[tableID] = tbl
	return true, nil
}

func (t *memTx) SetTableStatus(_ context.Context, tableID string, status model.TableStatus) error {
	tbl, ok := t.st.tables[tableID]
	if !ok {
		return fmt.Errorf("%w: table %s", model.ErrNotFound, tableID)
	}
	tbl.Status = status
	t.st.tables[tableID] = tbl
	return nil
}
