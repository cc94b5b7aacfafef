package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/garagebook/garagebook/libs/lock"
	"github.com/garagebook/garagebook/services/appointment-service/internal/appointments"
	"github.com/garagebook/garagebook/services/appointment-service/internal/catalog"
	"github.com/garagebook/garagebook/services/appointment-service/internal/model"
	"github.com/garagebook/garagebook/services/appointment-service/internal/storage"
	"github.com/garagebook/garagebook/services/appointment-service/internal/tasks"
)

var (
	testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
	monday     = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
)

type fixture struct {
	store   *storage.Memory
	appts   *AppointmentHandler
	garages *GarageHandler
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemory()
	if err := store.ReplaceBusinessHours(ctx, "g1", catalog.DefaultHours("g1")); err != nil {
		t.Fatalf("seed hours: %v", err)
	}
	if _, err := store.AddServices(ctx, []model.OfferedService{
		{ID: "oil", GarageID: "g1", Category: "Routine Maintenance", Name: "Oil Change", Price: "49.90", DurationMinutes: 30},
		{ID: "brakes", GarageID: "g1", Category: "Routine Maintenance", Name: "Brake Replacement", Price: "180.00", DurationMinutes: 60},
	}); err != nil {
		t.Fatalf("seed services: %v", err)
	}

	expander := tasks.NewExpander(store, testLogger, tasks.Config{MaxAttempts: 2, InitialInterval: time.Millisecond})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = expander.Close(ctx)
	})
	mgr := appointments.NewManager(store, lock.NewKeyed(), expander, testLogger, appointments.Options{
		Now: func() time.Time { return monday.Add(8 * time.Hour) },
	})
	return fixture{
		store:   store,
		appts:   NewAppointmentHandler(mgr, testLogger),
		garages: NewGarageHandler(store, testLogger),
	}
}

func do(h http.HandlerFunc, method, target string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, r)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

var staff = map[string]string{HeaderUserKind: model.KindGarageEmployee}

func TestSlotsAndBookFlow(t *testing.T) {
	f := newFixture(t)

	rec := do(f.appts.Slots, http.MethodGet, "/api/v1/slots?garage_id=g1&date=2026-03-02&duration_minutes=60", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var slots []slotItem
	if err := json.Unmarshal(rec.Body.Bytes(), &slots); err != nil {
		t.Fatalf("decode slots: %v", err)
	}
	if len(slots) != 15 || slots[0] != (slotItem{StartTime: "09:00", EndTime: "10:00"}) || slots[14].StartTime != "16:00" {
		t.Fatalf("unexpected slots %+v", slots)
	}

	book := map[string]any{"garage_id": "g1", "vehicle_id": "v1", "date": "2026-03-02", "start_time": "10:00", "service_ids": []string{"brakes"}}
	rec = do(f.appts.Book, http.MethodPost, "/api/v1/appointments/book", book, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created appointmentItem
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode appointment: %v", err)
	}
	if created.Status != "scheduled" || created.EstimatedCompletion != "11:00" || created.AppointmentID == "" {
		t.Fatalf("unexpected appointment %+v", created)
	}

	rec = do(f.appts.Slots, http.MethodGet, "/api/v1/slots?garage_id=g1&date=2026-03-02&service_ids=oil,brakes", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	slots = nil
	_ = json.Unmarshal(rec.Body.Bytes(), &slots)
	for _, s := range slots {
		if s.StartTime == "09:00" || s.StartTime == "10:00" {
			t.Fatalf("90 minute slot %s overlaps the booking", s.StartTime)
		}
	}

	book["vehicle_id"] = "v2"
	book["start_time"] = "10:30"
	book["service_ids"] = []string{"oil"}
	rec = do(f.appts.Book, http.MethodPost, "/api/v1/appointments/book", book, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	var conflict conflictResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &conflict); err != nil {
		t.Fatalf("decode conflict: %v", err)
	}
	if len(conflict.AvailableSlots) == 0 || conflict.AvailableSlots[0] != (slotItem{StartTime: "09:00", EndTime: "09:30"}) {
		t.Fatalf("unexpected alternatives %+v", conflict.AvailableSlots)
	}
}

func TestBookValidation(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name string
		body any
	}{
		{"no services", map[string]any{"garage_id": "g1", "vehicle_id": "v1", "date": "2026-03-02", "start_time": "10:00"}},
		{"bad date", map[string]any{"garage_id": "g1", "vehicle_id": "v1", "date": "02/03/2026", "start_time": "10:00", "service_ids": []string{"oil"}}},
		{"bad time", map[string]any{"garage_id": "g1", "vehicle_id": "v1", "date": "2026-03-02", "start_time": "ten", "service_ids": []string{"oil"}}},
		{"past date", map[string]any{"garage_id": "g1", "vehicle_id": "v1", "date": "2026-02-27", "start_time": "10:00", "service_ids": []string{"oil"}}},
		{"missing garage", map[string]any{"vehicle_id": "v1", "date": "2026-03-02", "start_time": "10:00", "service_ids": []string{"oil"}}},
		{"not json", "{"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(f.appts.Book, http.MethodPost, "/api/v1/appointments/book", tc.body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}

	if rec := do(f.appts.Book, http.MethodGet, "/api/v1/appointments/book", nil, nil); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestStatusCancelAndDetail(t *testing.T) {
	f := newFixture(t)
	rec := do(f.appts.Book, http.MethodPost, "/api/v1/appointments/book",
		map[string]any{"garage_id": "g1", "vehicle_id": "v1", "date": "2026-03-02", "start_time": "09:00", "service_ids": []string{"oil"}}, nil)
	var created appointmentItem
	_ = json.Unmarshal(rec.Body.Bytes(), &created)

	status := func(s string) map[string]any {
		return map[string]any{"appointment_id": created.AppointmentID, "status": s}
	}
	if rec := do(f.appts.UpdateStatus, http.MethodPost, "/api/v1/appointments/status", status("in_progress"), nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for anonymous caller, got %d", rec.Code)
	}
	if rec := do(f.appts.UpdateStatus, http.MethodPost, "/api/v1/appointments/status", status("completed"), staff); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for scheduled -> completed, got %d", rec.Code)
	}
	if rec := do(f.appts.UpdateStatus, http.MethodPost, "/api/v1/appointments/status", map[string]any{"appointment_id": "nope", "status": "in_progress"}, staff); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	rec = do(f.appts.UpdateStatus, http.MethodPost, "/api/v1/appointments/status", status("in_progress"), staff)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(f.appts.Detail, http.MethodGet, "/api/v1/appointments/detail?appointment_id="+created.AppointmentID, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var detail appointmentDetail
	_ = json.Unmarshal(rec.Body.Bytes(), &detail)
	if detail.Status != "in_progress" {
		t.Fatalf("expected in_progress, got %s", detail.Status)
	}

	for i := 0; i < 2; i++ {
		rec = do(f.appts.Cancel, http.MethodPost, "/api/v1/appointments/cancel", map[string]any{"appointment_id": created.AppointmentID}, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("cancel #%d: expected 200, got %d", i+1, rec.Code)
		}
	}
	if rec := do(f.appts.Cancel, http.MethodPost, "/api/v1/appointments/cancel", map[string]any{"appointment_id": "unknown"}, nil); rec.Code != http.StatusOK {
		t.Fatalf("cancel of unknown appointment must succeed, got %d", rec.Code)
	}

	rec = do(f.appts.Detail, http.MethodGet, "/api/v1/appointments/detail?appointment_id="+created.AppointmentID, nil, nil)
	detail = appointmentDetail{}
	_ = json.Unmarshal(rec.Body.Bytes(), &detail)
	if detail.Status != "cancelled" || len(detail.Tasks) != 0 || detail.CancelledAt == "" {
		t.Fatalf("unexpected cancelled detail %+v", detail)
	}

	if rec := do(f.appts.Detail, http.MethodGet, "/api/v1/appointments/detail?appointment_id=unknown", nil, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestListAppointments(t *testing.T) {
	f := newFixture(t)
	for _, start := range []string{"13:00", "09:00"} {
		rec := do(f.appts.Book, http.MethodPost, "/api/v1/appointments/book",
			map[string]any{"garage_id": "g1", "vehicle_id": "v1", "date": "2026-03-02", "start_time": start, "service_ids": []string{"oil"}}, nil)
		if rec.Code != http.StatusCreated {
			t.Fatalf("book %s: %d", start, rec.Code)
		}
	}

	rec := do(f.appts.List, http.MethodGet, "/api/v1/appointments?scope=today&garage_id=g1", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var items []appointmentItem
	_ = json.Unmarshal(rec.Body.Bytes(), &items)
	if len(items) != 2 || items[0].StartTime != "09:00" || items[1].StartTime != "13:00" {
		t.Fatalf("unexpected list %+v", items)
	}
	if rec.Header().Get(HeaderMoreResults) != "" {
		t.Fatalf("complete list must not be flagged as truncated")
	}

	rec = do(f.appts.List, http.MethodGet, "/api/v1/appointments?scope=today&garage_id=g1&limit=1", nil, nil)
	items = nil
	_ = json.Unmarshal(rec.Body.Bytes(), &items)
	if len(items) != 1 || items[0].StartTime != "09:00" || rec.Header().Get(HeaderMoreResults) != "true" {
		t.Fatalf("expected one item flagged as truncated, got %+v (%q)", items, rec.Header().Get(HeaderMoreResults))
	}

	rec = do(f.appts.List, http.MethodGet, "/api/v1/appointments?scope=upcoming", nil, nil)
	items = nil
	_ = json.Unmarshal(rec.Body.Bytes(), &items)
	if rec.Code != http.StatusOK || len(items) != 0 {
		t.Fatalf("expected empty upcoming list, got %d %+v", rec.Code, items)
	}

	if rec := do(f.appts.List, http.MethodGet, "/api/v1/appointments?scope=later", nil, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown scope, got %d", rec.Code)
	}
}

func TestGarageDefaultsAndExceptions(t *testing.T) {
	f := newFixture(t)
	admin := map[string]string{HeaderUserKind: model.KindGarageEmployee, HeaderUserAdmin: "true"}

	if rec := do(f.garages.Defaults, http.MethodPost, "/api/v1/garages/defaults", map[string]any{"garage_id": "g2"}, staff); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d", rec.Code)
	}
	rec := do(f.garages.Defaults, http.MethodPost, "/api/v1/garages/defaults", map[string]any{"garage_id": "g2"}, admin)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var seeded seedResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &seeded)
	if seeded.ServicesAdded != 12 || !seeded.HoursSeeded {
		t.Fatalf("unexpected seed result %+v", seeded)
	}

	rec = do(f.garages.Services, http.MethodGet, "/api/v1/garages/services?garage_id=g2", nil, nil)
	var services []serviceItem
	_ = json.Unmarshal(rec.Body.Bytes(), &services)
	if len(services) != 12 {
		t.Fatalf("expected 12 services, got %d", len(services))
	}

	rec = do(f.garages.Hours, http.MethodGet, "/api/v1/garages/hours?garage_id=g2", nil, nil)
	var hours []hoursItem
	_ = json.Unmarshal(rec.Body.Bytes(), &hours)
	if len(hours) != 5 || hours[0] != (hoursItem{Weekday: "monday", OpenTime: "09:00", CloseTime: "17:00"}) {
		t.Fatalf("unexpected hours %+v", hours)
	}

	rec = do(f.garages.Exceptions, http.MethodPost, "/api/v1/garages/exceptions",
		map[string]any{"garage_id": "g1", "date": "2026-03-02", "closed": true, "reason": "inventory"}, admin)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = do(f.appts.Slots, http.MethodGet, "/api/v1/slots?garage_id=g1&date=2026-03-02&duration_minutes=30", nil, nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "[]" {
		t.Fatalf("expected no slots on a closed day, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestBookReplayOfCancelledBooking(t *testing.T) {
	f := newFixture(t)
	body := map[string]any{"garage_id": "g1", "vehicle_id": "v1", "date": "2026-03-02", "start_time": "14:00", "service_ids": []string{"oil"}}
	key := map[string]string{"Idempotency-Key": "req-7"}

	rec := do(f.appts.Book, http.MethodPost, "/api/v1/appointments/book", body, key)
	if rec.Code != http.StatusCreated {
		t.Fatalf("book: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created appointmentItem
	_ = json.Unmarshal(rec.Body.Bytes(), &created)

	rec = do(f.appts.Cancel, http.MethodPost, "/api/v1/appointments/cancel", map[string]any{"appointment_id": created.AppointmentID}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: expected 200, got %d", rec.Code)
	}

	rec = do(f.appts.Book, http.MethodPost, "/api/v1/appointments/book", body, key)
	if rec.Code != http.StatusConflict {
		t.Fatalf("replay of cancelled booking: expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
}
