package service

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shivanand-hulikatti/event-seat-allocator/internal/model"
)

func TestSmallestFit(t *testing.T) {
	tables := []model.Table{
		{ID: "a", Capacity: 8, MinimumOrder: 2, DisplayOrder: 1, Status: model.TableStatusAvailable},
		{ID: "b", Capacity: 4, MinimumOrder: 2, DisplayOrder: 3, Status: model.TableStatusAvailable},
		{ID: "c", Capacity: 4, MinimumOrder: 2, DisplayOrder: 2, Status: model.TableStatusAvailable},
		{ID: "d", Capacity: 6, MinimumOrder: 5, DisplayOrder: 0, Status: model.TableStatusAvailable},
		{ID: "e", Capacity: 2, MinimumOrder: 1, DisplayOrder: 0, Status: model.TableStatusAvailable},
		{ID: "f", Capacity: 4, MinimumOrder: 1, DisplayOrder: 0, Status: model.TableStatusInactive},
		{ID: "g", Capacity: 4, MinimumOrder: 1, DisplayOrder: 0, Status: model.TableStatusReserved},
	}

	ids := func(ts []model.Table) []string {
		out := make([]string, len(ts))
		for i, t := range ts {
			out[i] = t.ID
		}
		return out
	}

	assert.Equal(t, []string{"c", "b", "a"}, ids(SmallestFit(tables, 4)), "capacity first, display order breaks ties")
	assert.Equal(t, []string{"d", "a"}, ids(SmallestFit(tables, 6)))
	assert.Equal(t, []string{"e"}, ids(SmallestFit(tables, 1)), "minimum order excludes larger tables")
	assert.Empty(t, SmallestFit(tables, 9))
}

func TestAllocateTable_SmallestFitSequence(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	ev, tables := f.tableEvent(t,
		tableDef{label: "eight", capacity: 8, minimumOrder: 2, displayOrder: 1},
		tableDef{label: "four", capacity: 4, minimumOrder: 2, displayOrder: 2},
		tableDef{label: "six", capacity: 6, minimumOrder: 2, displayOrder: 3},
	)

	want := []string{tables["four"].ID, tables["six"].ID, tables["eight"].ID}
	for i, tableID := range want {
		reg, err := f.engine.AllocateTable(ctx, ev.ID, fmt.Sprintf("party-%d", i), 4)
		require.NoError(t, err)
		require.Equal(t, model.RegistrationConfirmed, reg.Status)
		require.NotNil(t, reg.TableID)
		assert.Equal(t, tableID, *reg.TableID)

		tbl := f.table(t, tableID)
		assert.Equal(t, model.TableStatusReserved, tbl.Status)
		assert.Equal(t, reg.ID, *tbl.ReservedBy)
	}

	fourth, err := f.engine.AllocateTable(ctx, ev.ID, "party-3", 4)
	require.NoError(t, err)
	assert.Equal(t, model.RegistrationWaitlist, fourth.Status)
	assert.Nil(t, fourth.TableID)
	assert.Equal(t, 1, *fourth.WaitlistPriority)
}

func TestAllocateTable_MinimumOrderGating(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	ev, tables := f.tableEvent(t,
		tableDef{label: "big", capacity: 8, minimumOrder: 4},
		tableDef{label: "small", capacity: 3, minimumOrder: 1},
	)

	pair, err := f.engine.AllocateTable(ctx, ev.ID, "pair", 2)
	require.NoError(t, err)
	require.NotNil(t, pair.TableID)
	assert.Equal(t, tables["small"].ID, *pair.TableID)

	four, err := f.engine.AllocateTable(ctx, ev.ID, "four", 4)
	require.NoError(t, err)
	require.NotNil(t, four.TableID)
	assert.Equal(t, tables["big"].ID, *four.TableID)
}

func TestAllocateTable_MinimumOrderOnlyWaitlist(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	ev, tables := f.tableEvent(t,
		tableDef{label: "A", capacity: 8, minimumOrder: 4},
		tableDef{label: "B", capacity: 10, minimumOrder: 6},
	)

	reg, err := f.engine.AllocateTable(ctx, ev.ID, "duo", 2)
	require.NoError(t, err)

	assert.Equal(t, model.RegistrationWaitlist, reg.Status)
	require.NotNil(t, reg.WaitlistPriority)
	assert.Equal(t, 1, *reg.WaitlistPriority)
	for _, tbl := range tables {
		assert.Equal(t, model.TableStatusAvailable, f.table(t, tbl.ID).Status)
	}
}

func TestAllocateTable_SkipsInactiveTables(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	ev, tables := f.tableEvent(t,
		tableDef{label: "A", capacity: 4, minimumOrder: 1},
		tableDef{label: "B", capacity: 6, minimumOrder: 1},
	)
	_, err := f.events.SetTableActive(ctx, ev.ID, tables["A"].ID, false)
	require.NoError(t, err)

	reg, err := f.engine.AllocateTable(ctx, ev.ID, "p", 3)
	require.NoError(t, err)
	assert.Equal(t, tables["B"].ID, *reg.TableID)
}

func TestAllocateTable_NoDoubleAssignment(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	ev, _ := f.tableEvent(t,
		tableDef{label: "T1", capacity: 4, minimumOrder: 1},
		tableDef{label: "T2", capacity: 4, minimumOrder: 1},
		tableDef{label: "T3", capacity: 6, minimumOrder: 1},
		tableDef{label: "T4", capacity: 8, minimumOrder: 1},
	)

	const parties = 20
	var wg sync.WaitGroup
	regs := make([]*model.Registration, parties)
	errs := make([]error, parties)
	for i := 0; i < parties; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			regs[i], errs[i] = f.engine.AllocateTable(ctx, ev.ID, fmt.Sprintf("party-%d", i), 1+i%4)
		}(i)
	}
	wg.Wait()

	confirmed := 0
	for i := range regs {
		require.NoError(t, errs[i])
		if regs[i].Status == model.RegistrationConfirmed {
			confirmed++
		}
	}
	assert.Equal(t, 4, confirmed, "every table is used exactly once")

	_, perTable := f.confirmedUnits(t, ev.ID)
	for tableID, holders := range perTable {
		assert.Equal(t, 1, holders, "table %s held by %d registrations", tableID, holders)
	}
}

func TestAllocateTable_EventClosed(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	ev, _ := f.tableEvent(t, tableDef{label: "A", capacity: 4})
	require.NoError(t, f.store.UpdateEventStatus(ctx, ev.ID, model.EventStatusClosed))

	_, err := f.engine.AllocateTable(ctx, ev.ID, "p", 2)
	assert.ErrorIs(t, err, model.ErrEventClosed)
}
