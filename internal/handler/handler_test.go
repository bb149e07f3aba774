package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Shivanand-hulikatti/event-seat-allocator/internal/model"
	"github.com/Shivanand-hulikatti/event-seat-allocator/internal/repository"
	"github.com/Shivanand-hulikatti/event-seat-allocator/internal/retry"
	"github.com/Shivanand-hulikatti/event-seat-allocator/internal/service"
)

type testAPI struct {
	router http.Handler
	store  *repository.MemoryStore
}

func newTestAPI(t *testing.T, storeOpts []repository.MemoryOption, idem *IdempotencyConfig) *testAPI {
	t.Helper()
	store := repository.NewMemoryStore(storeOpts...)
	engine := service.NewEngine(store,
		service.WithTxTimeout(time.Second),
		service.WithRetry(retry.Config{MaxRetries: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}),
	)
	h := New(engine, service.NewWaitlistManager(engine), service.NewEventService(engine), zap.NewNop())
	return &testAPI{
		router: NewRouter(h, RouterOptions{Logger: zap.NewNop(), Idempotency: idem}),
		store:  store,
	}
}

func (a *testAPI) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (a *testAPI) createEvent(t *testing.T, req model.CreateEventRequest) model.Event {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/events", req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[model.Event](t, rec)
}

func TestHealthCheck(t *testing.T) {
	api := newTestAPI(t, nil, nil)
	rec := api.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestCapacityFlow(t *testing.T) {
	api := newTestAPI(t, nil, nil)
	ev := api.createEvent(t, model.CreateEventRequest{
		Name: "Concert", Kind: model.EventKindCapacity, Capacity: 3, MaxUnitsPerRequester: 4,
	})

	rec := api.do(t, http.MethodPost, "/events/"+ev.ID+"/register", model.RegisterRequest{RequesterID: "a@example.com", Units: 2})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	confirmed := decode[model.AllocationResult](t, rec)
	assert.Equal(t, model.RegistrationConfirmed, confirmed.Status)
	assert.Len(t, confirmed.ConfirmationCode, 6)

	rec = api.do(t, http.MethodPost, "/events/"+ev.ID+"/register", model.RegisterRequest{RequesterID: "b@example.com", Units: 2})
	require.Equal(t, http.StatusAccepted, rec.Code)
	waiting := decode[model.AllocationResult](t, rec)
	assert.Equal(t, model.RegistrationWaitlist, waiting.Status)
	require.NotNil(t, waiting.WaitlistPriority)
	assert.Equal(t, 1, *waiting.WaitlistPriority)

	rec = api.do(t, http.MethodPost, "/events/"+ev.ID+"/register", model.RegisterRequest{RequesterID: "A@Example.com", Units: 3})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	quota := decode[model.ErrorResponse](t, rec)
	assert.Equal(t, "QUOTA_EXCEEDED", quota.Code)
	require.NotNil(t, quota.Remaining)
	assert.Equal(t, 2, *quota.Remaining)

	rec = api.do(t, http.MethodGet, "/events/"+ev.ID+"/capacity", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.EventCapacity{EventID: ev.ID, Capacity: 3, Reserved: 2, Available: 1, WaitlistCount: 1},
		decode[model.EventCapacity](t, rec))

	rec = api.do(t, http.MethodPost, "/registrations/"+confirmed.RegistrationID+"/cancel", model.CancelRequest{Reason: "sick"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[model.CancelResult](t, rec).Released)

	rec = api.do(t, http.MethodPost, "/events/"+ev.ID+"/waitlist/"+waiting.RegistrationID+"/promote", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, model.RegistrationConfirmed, decode[model.AllocationResult](t, rec).Status)

	rec = api.do(t, http.MethodPost, "/registrations/"+confirmed.RegistrationID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "INVALID_STATE", decode[model.ErrorResponse](t, rec).Code)

	rec = api.do(t, http.MethodGet, "/events/"+ev.ID+"/registrations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]model.Registration](t, rec), 2)
}

func TestTableFlow(t *testing.T) {
	api := newTestAPI(t, nil, nil)
	ev := api.createEvent(t, model.CreateEventRequest{Name: "Dinner", Kind: model.EventKindTable})

	var tables []model.Table
	for _, tc := range []model.CreateTableRequest{
		{Label: "T8", Capacity: 8, MinimumOrder: 6, DisplayOrder: 1},
		{Label: "T4", Capacity: 4, MinimumOrder: 1, DisplayOrder: 2},
	} {
		rec := api.do(t, http.MethodPost, "/events/"+ev.ID+"/tables", tc)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		tables = append(tables, decode[model.Table](t, rec))
	}

	rec := api.do(t, http.MethodPost, "/events/"+ev.ID+"/register", model.RegisterRequest{RequesterID: "p1", Units: 3})
	require.Equal(t, http.StatusCreated, rec.Code)
	first := decode[model.AllocationResult](t, rec)
	require.NotNil(t, first.TableID)
	assert.Equal(t, tables[1].ID, *first.TableID)

	rec = api.do(t, http.MethodPost, "/events/"+ev.ID+"/register", model.RegisterRequest{RequesterID: "p2", Units: 4})
	require.Equal(t, http.StatusAccepted, rec.Code)
	waiting := decode[model.AllocationResult](t, rec)

	rec = api.do(t, http.MethodGet, "/events/"+ev.ID+"/waitlist", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[[]model.WaitlistEntry](t, rec)
	require.Len(t, entries, 1)
	assert.Empty(t, entries[0].MatchingTables)

	assign := "/events/" + ev.ID + "/waitlist/" + waiting.RegistrationID + "/assign"
	rec = api.do(t, http.MethodPost, assign, model.AssignTableRequest{TableID: tables[0].ID})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "MINIMUM_ORDER_NOT_MET", decode[model.ErrorResponse](t, rec).Code)

	rec = api.do(t, http.MethodPost, assign, model.AssignTableRequest{TableID: tables[0].ID, Force: true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, tables[0].ID, *decode[model.AllocationResult](t, rec).TableID)

	active := false
	rec = api.do(t, http.MethodPatch, "/events/"+ev.ID+"/tables/"+tables[0].ID, model.SetTableActiveRequest{Active: &active})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = api.do(t, http.MethodGet, "/events/"+ev.ID+"/tables", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	for _, tbl := range decode[[]model.Table](t, rec) {
		assert.Equal(t, model.TableStatusReserved, tbl.Status)
	}
}

func TestErrorMapping(t *testing.T) {
	api := newTestAPI(t, nil, nil)
	ev := api.createEvent(t, model.CreateEventRequest{Name: "Concert", Kind: model.EventKindCapacity, Capacity: 1})

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"unknown event", http.MethodGet, "/events/missing", nil, http.StatusNotFound, "NOT_FOUND"},
		{"validation failure", http.MethodPost, "/events/" + ev.ID + "/register", model.RegisterRequest{RequesterID: "a", Units: 0}, http.StatusBadRequest, "INVALID_INPUT"},
		{"unknown field", http.MethodPost, "/events", map[string]any{"name": "x", "seats": 3}, http.StatusBadRequest, ""},
		{"bad status", http.MethodPatch, "/events/" + ev.ID + "/status", map[string]string{"status": "ARCHIVED"}, http.StatusBadRequest, "INVALID_INPUT"},
		{"table on capacity event", http.MethodPost, "/events/" + ev.ID + "/tables", model.CreateTableRequest{Label: "T", Capacity: 2}, http.StatusConflict, "INVALID_STATE"},
		{"unknown registration", http.MethodGet, "/registrations/missing", nil, http.StatusNotFound, "NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			if tt.code != "" {
				assert.Equal(t, tt.code, decode[model.ErrorResponse](t, rec).Code)
			}
		})
	}

	rec := api.do(t, http.MethodPatch, "/events/"+ev.ID+"/status", model.UpdateEventStatusRequest{Status: model.EventStatusClosed})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = api.do(t, http.MethodPost, "/events/"+ev.ID+"/register", model.RegisterRequest{RequesterID: "a", Units: 1})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "EVENT_CLOSED", decode[model.ErrorResponse](t, rec).Code)
}

func TestTransientConflictReturns503(t *testing.T) {
	var fail bool
	api := newTestAPI(t, []repository.MemoryOption{repository.WithCommitHook(func() error {
		if fail {
			return model.ErrTransientConflict
		}
		return nil
	})}, nil)
	ev := api.createEvent(t, model.CreateEventRequest{Name: "Concert", Kind: model.EventKindCapacity, Capacity: 5})

	fail = true
	rec := api.do(t, http.MethodPost, "/events/"+ev.ID+"/register", model.RegisterRequest{RequesterID: "a", Units: 1})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, "TRANSIENT_CONFLICT", decode[model.ErrorResponse](t, rec).Code)

	fail = false
	got, err := api.store.GetEvent(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.Zero(t, got.ReservedCount)
}

func TestCORSPreflight(t *testing.T) {
	api := newTestAPI(t, nil, nil)
	rec := api.do(t, http.MethodOptions, "/events", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), IdempotencyKeyHeader)
}
