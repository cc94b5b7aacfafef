package appointments

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/garagebook/garagebook/libs/lock"
	"github.com/garagebook/garagebook/services/appointment-service/internal/catalog"
	"github.com/garagebook/garagebook/services/appointment-service/internal/model"
	"github.com/garagebook/garagebook/services/appointment-service/internal/outbox"
	"github.com/garagebook/garagebook/services/appointment-service/internal/storage"
	"github.com/garagebook/garagebook/services/appointment-service/internal/tasks"
)

var (
	testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
	monday     = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	tuesday    = monday.AddDate(0, 0, 1)
)

// testStore fails InsertTask for the services in fail.
type testStore struct {
	*storage.Memory
	mu   sync.Mutex
	fail map[string]bool
}

func (s *testStore) InsertTask(ctx context.Context, task model.Task) error {
	s.mu.Lock()
	fail := s.fail[task.OfferedServiceID]
	s.mu.Unlock()
	if fail {
		return errors.New("connection reset")
	}
	return s.Memory.InsertTask(ctx, task)
}

func (s *testStore) setFail(serviceID string, fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[serviceID] = fail
}

func newTestManager(t *testing.T, mode CancelMode) (*Manager, *testStore) {
	t.Helper()
	ctx := context.Background()
	store := &testStore{Memory: storage.NewMemory(), fail: map[string]bool{}}
	if err := store.ReplaceBusinessHours(ctx, "g1", catalog.DefaultHours("g1")); err != nil {
		t.Fatalf("seed hours: %v", err)
	}
	_, err := store.AddServices(ctx, []model.OfferedService{
		{ID: "oil", GarageID: "g1", Category: "Routine Maintenance", Name: "Oil Change", Price: "49.90", DurationMinutes: 30},
		{ID: "brakes", GarageID: "g1", Category: "Routine Maintenance", Name: "Brake Replacement", Price: "180.00", DurationMinutes: 60},
		{ID: "wipers", GarageID: "g1", Category: "Routine Maintenance", Name: "Wiper Blade Replacement", Price: "15.00", DurationMinutes: 30},
	})
	if err != nil {
		t.Fatalf("seed services: %v", err)
	}

	expander := tasks.NewExpander(store, testLogger, tasks.Config{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = expander.Close(ctx)
	})

	m := NewManager(store, lock.NewKeyed(), expander, testLogger, Options{
		Step:       30 * time.Minute,
		CancelMode: mode,
		Now:        func() time.Time { return monday.Add(8 * time.Hour) },
	})
	return m, store
}

func at(hh, mm int) int { return hh*60 + mm }

func book(t *testing.T, m *Manager, date time.Time, start int, services ...string) (model.Appointment, *tasks.Expansion) {
	t.Helper()
	appt, x, err := m.Book(context.Background(), BookRequest{
		GarageID:    "g1",
		VehicleID:   "v1",
		Date:        date,
		StartMinute: start,
		ServiceIDs:  services,
	})
	if err != nil {
		t.Fatalf("book %s: %v", model.FormatClock(start), err)
	}
	return appt, x
}

func waitExpansion(t *testing.T, x *tasks.Expansion) tasks.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := x.Wait(ctx)
	if err != nil {
		t.Fatalf("expansion did not finish: %v", err)
	}
	return res
}

func clocks(slots []time.Time) []string {
	out := make([]string, len(slots))
	for i, s := range slots {
		out[i] = s.Format("15:04")
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestBookSchedulesAndExpandsTasks(t *testing.T) {
	m, store := newTestManager(t, CancelRetain)

	appt, x := book(t, m, monday, at(10, 0), "oil", "brakes", "oil")
	if appt.Status != model.StatusScheduled {
		t.Fatalf("expected scheduled, got %s", appt.Status)
	}
	if appt.DurationMinutes != 90 || len(appt.ServiceIDs) != 2 {
		t.Fatalf("expected deduped services totalling 90 minutes, got %d / %v", appt.DurationMinutes, appt.ServiceIDs)
	}
	if got := appt.EstimatedCompletion().Format("15:04"); got != "11:30" {
		t.Fatalf("expected completion 11:30, got %s", got)
	}

	res := waitExpansion(t, x)
	if res.State != model.ExpansionComplete || res.Created != 2 {
		t.Fatalf("unexpected expansion result %+v", res)
	}

	d, err := m.Get(context.Background(), appt.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(d.Tasks) != 2 || d.Appointment.Expansion != model.ExpansionComplete {
		t.Fatalf("expected two tasks and complete expansion, got %d / %s", len(d.Tasks), d.Appointment.Expansion)
	}
	for _, task := range d.Tasks {
		if task.OfferedServiceID == "brakes" && task.Price != "180.00" {
			t.Fatalf("expected price snapshot 180.00, got %s", task.Price)
		}
	}

	var types []string
	for _, evt := range store.Events() {
		types = append(types, evt.EventType)
	}
	want := []string{outbox.EventBooked, outbox.EventTasksExpanded}
	if !equalStrings(types, want) {
		t.Fatalf("expected events %v, got %v", want, types)
	}
}

func TestBookRejectsInvalidRequests(t *testing.T) {
	m, _ := newTestManager(t, CancelRetain)

	cases := []struct {
		name string
		req  BookRequest
	}{
		{"no services", BookRequest{GarageID: "g1", VehicleID: "v1", Date: monday, StartMinute: at(10, 0)}},
		{"past date", BookRequest{GarageID: "g1", VehicleID: "v1", Date: monday.AddDate(0, 0, -1), StartMinute: at(10, 0), ServiceIDs: []string{"oil"}}},
		{"missing vehicle", BookRequest{GarageID: "g1", Date: monday, StartMinute: at(10, 0), ServiceIDs: []string{"oil"}}},
		{"unknown service", BookRequest{GarageID: "g1", VehicleID: "v1", Date: monday, StartMinute: at(10, 0), ServiceIDs: []string{"teleport"}}},
		{"runs past closing", BookRequest{GarageID: "g1", VehicleID: "v1", Date: monday, StartMinute: at(16, 30), ServiceIDs: []string{"brakes"}}},
		{"before opening", BookRequest{GarageID: "g1", VehicleID: "v1", Date: monday, StartMinute: at(8, 30), ServiceIDs: []string{"oil"}}},
		{"off grid", BookRequest{GarageID: "g1", VehicleID: "v1", Date: monday, StartMinute: at(10, 15), ServiceIDs: []string{"oil"}}},
		{"closed weekday", BookRequest{GarageID: "g1", VehicleID: "v1", Date: monday.AddDate(0, 0, 5), StartMinute: at(10, 0), ServiceIDs: []string{"oil"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, x, err := m.Book(context.Background(), tc.req)
			if !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("expected ErrInvalidRequest, got %v", err)
			}
			if x != nil {
				t.Fatal("expected no expansion")
			}
		})
	}

	all, err := m.List(context.Background(), ListFilter{GarageID: "g1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expected no appointments, got %d", len(all))
	}
}

func TestAvailableSlotsExcludeExistingBooking(t *testing.T) {
	m, _ := newTestManager(t, CancelRetain)
	_, x := book(t, m, monday, at(10, 0), "brakes")
	waitExpansion(t, x)

	slots, err := m.AvailableSlots(context.Background(), "g1", monday, 60)
	if err != nil {
		t.Fatalf("slots: %v", err)
	}
	want := []string{"09:00", "11:00", "11:30", "12:00", "12:30", "13:00", "13:30", "14:00", "14:30", "15:00", "15:30", "16:00"}
	if got := clocks(slots); !equalStrings(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	bySvc, err := m.AvailableSlotsForServices(context.Background(), "g1", monday, []string{"oil", "wipers"})
	if err != nil {
		t.Fatalf("slots for services: %v", err)
	}
	if got := clocks(bySvc); !equalStrings(got, want) {
		t.Fatalf("expected 60 minute slots %v, got %v", want, got)
	}

	if _, err := m.AvailableSlots(context.Background(), "g1", monday.AddDate(0, 0, -1), 60); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected past date rejected, got %v", err)
	}
}

func TestBookConflictReturnsRefreshedSlots(t *testing.T) {
	m, store := newTestManager(t, CancelRetain)
	_, x := book(t, m, monday, at(10, 0), "brakes")
	waitExpansion(t, x)

	_, _, err := m.Book(context.Background(), BookRequest{GarageID: "g1", VehicleID: "v2", Date: monday, StartMinute: at(10, 30), ServiceIDs: []string{"oil"}})
	if !errors.Is(err, ErrSlotConflict) {
		t.Fatalf("expected ErrSlotConflict, got %v", err)
	}
	var conflict *SlotConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected *SlotConflictError, got %T", err)
	}
	got := clocks(conflict.Available)
	if len(got) < 3 || got[0] != "09:00" || got[1] != "09:30" || got[2] != "11:00" {
		t.Fatalf("unexpected refreshed slots %v", got)
	}

	appts, _ := store.ActiveAppointments(context.Background(), "g1", monday)
	if len(appts) != 1 {
		t.Fatalf("conflict must not persist anything, got %d appointments", len(appts))
	}
}

func TestConcurrentBookingsHaveOneWinner(t *testing.T) {
	m, store := newTestManager(t, CancelRetain)

	const n = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
		winner    *tasks.Expansion
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, x, err := m.Book(context.Background(), BookRequest{GarageID: "g1", VehicleID: "v1", Date: monday, StartMinute: at(10, 0), ServiceIDs: []string{"brakes"}})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
				winner = x
			case errors.Is(err, ErrSlotConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if wins != 1 || conflicts != n-1 {
		t.Fatalf("expected 1 winner and %d conflicts, got %d / %d", n-1, wins, conflicts)
	}
	waitExpansion(t, winner)

	appts, _ := store.ActiveAppointments(context.Background(), "g1", monday)
	for i := range appts {
		for j := i + 1; j < len(appts); j++ {
			if appts[i].Overlaps(appts[j].StartMinute, appts[j].DurationMinutes) {
				t.Fatalf("overlapping appointments %s and %s", appts[i].ID, appts[j].ID)
			}
		}
	}
}

func TestCancelRemovesTasksAndFreesSlot(t *testing.T) {
	m, store := newTestManager(t, CancelRetain)
	ctx := context.Background()
	appt, x := book(t, m, monday, at(10, 0), "oil", "brakes")
	waitExpansion(t, x)

	if err := m.Cancel(ctx, appt.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	d, err := m.Get(ctx, appt.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if d.Appointment.Status != model.StatusCancelled || d.Appointment.CancelledAt == nil {
		t.Fatalf("expected retained cancelled row, got %+v", d.Appointment)
	}
	if len(d.Tasks) != 0 {
		t.Fatalf("expected tasks removed, got %d", len(d.Tasks))
	}

	slots, err := m.AvailableSlots(ctx, "g1", monday, 90)
	if err != nil {
		t.Fatalf("slots: %v", err)
	}
	found := false
	for _, s := range clocks(slots) {
		if s == "10:00" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected 10:00 to be available again")
	}

	before := len(store.Events())
	if err := m.Cancel(ctx, appt.ID); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if err := m.Cancel(ctx, "does-not-exist"); err != nil {
		t.Fatalf("cancel unknown: %v", err)
	}
	if len(store.Events()) != before {
		t.Fatal("repeated cancel must not emit events")
	}

	// The freed interval can be booked again.
	book(t, m, monday, at(10, 0), "brakes")
}

func TestCancelPurgeDeletesAppointment(t *testing.T) {
	m, _ := newTestManager(t, CancelPurge)
	ctx := context.Background()
	appt, x := book(t, m, monday, at(10, 0), "oil")
	waitExpansion(t, x)

	if err := m.Cancel(ctx, appt.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := m.Get(ctx, appt.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after purge, got %v", err)
	}
	if err := m.Cancel(ctx, appt.ID); err != nil {
		t.Fatalf("cancel after purge: %v", err)
	}
}

func TestUpdateStatusTransitions(t *testing.T) {
	m, _ := newTestManager(t, CancelRetain)
	ctx := context.Background()
	appt, x := book(t, m, monday, at(10, 0), "oil")
	waitExpansion(t, x)

	if _, err := m.UpdateStatus(ctx, appt.ID, model.StatusCompleted, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected scheduled -> completed rejected, got %v", err)
	}
	if _, err := m.UpdateStatus(ctx, appt.ID, "parked", nil); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected unknown status rejected, got %v", err)
	}
	if _, err := m.UpdateStatus(ctx, "missing", model.StatusInProgress, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	note := "waiting for parts"
	got, err := m.UpdateStatus(ctx, appt.ID, "", &note)
	if err != nil {
		t.Fatalf("set comments: %v", err)
	}
	if got.Status != model.StatusScheduled || got.StatusComments != note {
		t.Fatalf("unexpected appointment after comment update %+v", got)
	}

	if got, err = m.UpdateStatus(ctx, appt.ID, model.StatusInProgress, nil); err != nil || got.Status != model.StatusInProgress {
		t.Fatalf("scheduled -> in_progress: %v (%s)", err, got.Status)
	}
	if got.StatusComments != note {
		t.Fatalf("nil comments must keep existing text, got %q", got.StatusComments)
	}
	if got, err = m.UpdateStatus(ctx, appt.ID, model.StatusCompleted, nil); err != nil || got.Status != model.StatusCompleted {
		t.Fatalf("in_progress -> completed: %v (%s)", err, got.Status)
	}
	if _, err := m.UpdateStatus(ctx, appt.ID, model.StatusCancelled, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected completed -> cancelled rejected, got %v", err)
	}
	if err := m.Cancel(ctx, appt.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected cancel of completed rejected, got %v", err)
	}

	history, err := m.ServiceHistory(ctx, "v1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || len(history[0].Tasks) != 1 {
		t.Fatalf("expected one completed visit with one task, got %+v", history)
	}
}

func TestUpdateStatusCancelRemovesTasks(t *testing.T) {
	m, _ := newTestManager(t, CancelRetain)
	ctx := context.Background()
	appt, x := book(t, m, monday, at(10, 0), "oil", "wipers")
	waitExpansion(t, x)

	if _, err := m.UpdateStatus(ctx, appt.ID, model.StatusInProgress, nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	reason := "customer no-show"
	got, err := m.UpdateStatus(ctx, appt.ID, model.StatusCancelled, &reason)
	if err != nil {
		t.Fatalf("cancel via status: %v", err)
	}
	if got.Status != model.StatusCancelled || got.StatusComments != reason {
		t.Fatalf("unexpected appointment %+v", got)
	}
	d, _ := m.Get(ctx, appt.ID)
	if len(d.Tasks) != 0 {
		t.Fatalf("expected tasks removed, got %d", len(d.Tasks))
	}
}

func TestListScopes(t *testing.T) {
	m, store := newTestManager(t, CancelRetain)
	ctx := context.Background()

	past := &model.Appointment{
		ID: "past-1", GarageID: "g2", VehicleID: "v9", Date: monday.AddDate(0, 0, -7),
		StartMinute: at(9, 0), DurationMinutes: 30, Status: model.StatusCompleted, Expansion: model.ExpansionComplete,
	}
	if err := store.InsertAppointment(ctx, past, outbox.Event{}); err != nil {
		t.Fatalf("insert past: %v", err)
	}
	recent := &model.Appointment{
		ID: "past-2", GarageID: "g1", VehicleID: "v9", Date: monday.AddDate(0, 0, -1),
		StartMinute: at(10, 0), DurationMinutes: 30, Status: model.StatusCompleted, Expansion: model.ExpansionComplete,
	}
	if err := store.InsertAppointment(ctx, recent, outbox.Event{}); err != nil {
		t.Fatalf("insert recent: %v", err)
	}
	today, x1 := book(t, m, monday, at(11, 0), "oil")
	early, x2 := book(t, m, monday, at(9, 0), "oil")
	upcoming, x3 := book(t, m, tuesday, at(9, 0), "oil")
	for _, x := range []*tasks.Expansion{x1, x2, x3} {
		waitExpansion(t, x)
	}
	if err := m.Cancel(ctx, early.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	ids := func(appts []model.Appointment) []string {
		out := make([]string, len(appts))
		for i, a := range appts {
			out[i] = a.ID
		}
		return out
	}

	cases := []struct {
		name   string
		filter ListFilter
		want   []string
	}{
		{"today includes cancelled", ListFilter{GarageID: "g1", Scope: ScopeToday}, []string{early.ID, today.ID}},
		{"today scheduled only", ListFilter{GarageID: "g1", Scope: ScopeToday, Statuses: []model.Status{model.StatusScheduled}}, []string{today.ID}},
		{"upcoming", ListFilter{GarageID: "g1", Scope: ScopeUpcoming}, []string{upcoming.ID}},
		{"past across garages latest first", ListFilter{Scope: ScopePast}, []string{"past-2", "past-1"}},
		{"past limit keeps latest", ListFilter{Scope: ScopePast, Limit: 1}, []string{"past-2"}},
		{"all garages", ListFilter{}, []string{"past-1", "past-2", early.ID, today.ID, upcoming.ID}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := m.List(ctx, tc.filter)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if !equalStrings(ids(got), tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, ids(got))
			}
		})
	}

	if _, err := m.List(ctx, ListFilter{Scope: "someday"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected unknown scope rejected, got %v", err)
	}
}

func TestBookIdempotencyKeyReplays(t *testing.T) {
	m, _ := newTestManager(t, CancelRetain)
	req := BookRequest{GarageID: "g1", VehicleID: "v1", Date: monday, StartMinute: at(13, 0), ServiceIDs: []string{"oil"}, IdempotencyKey: "req-42"}

	first, x, err := m.Book(context.Background(), req)
	if err != nil {
		t.Fatalf("first book: %v", err)
	}
	waitExpansion(t, x)

	second, x2, err := m.Book(context.Background(), req)
	if err != nil {
		t.Fatalf("replayed book: %v", err)
	}
	if second.ID != first.ID || x2 != nil {
		t.Fatalf("expected replay of %s without expansion, got %s", first.ID, second.ID)
	}

	if err := m.Cancel(context.Background(), first.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, _, err := m.Book(context.Background(), req); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected replay of a cancelled booking to be rejected, got %v", err)
	}
}

func TestRetryExpansionCompletesIncompleteBooking(t *testing.T) {
	m, store := newTestManager(t, CancelRetain)
	ctx := context.Background()
	store.setFail("brakes", true)

	appt, x := book(t, m, monday, at(10, 0), "oil", "brakes")
	res := waitExpansion(t, x)
	if res.State != model.ExpansionIncomplete || len(res.Failures) != 1 || res.Failures[0].ServiceID != "brakes" {
		t.Fatalf("expected brakes failure, got %+v", res)
	}
	d, _ := m.Get(ctx, appt.ID)
	if d.Appointment.Expansion != model.ExpansionIncomplete || d.Appointment.Status != model.StatusScheduled {
		t.Fatalf("expected scheduled and incomplete, got %s / %s", d.Appointment.Status, d.Appointment.Expansion)
	}

	store.setFail("brakes", false)
	retry, err := m.RetryExpansion(ctx, appt.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res := waitExpansion(t, retry); res.State != model.ExpansionComplete {
		t.Fatalf("expected complete after retry, got %+v", res)
	}
	d, _ = m.Get(ctx, appt.ID)
	if len(d.Tasks) != 2 || len(d.Appointment.ExpansionFailures) != 0 {
		t.Fatalf("expected two tasks and no failures, got %d / %v", len(d.Tasks), d.Appointment.ExpansionFailures)
	}

	if _, err := m.RetryExpansion(ctx, appt.ID); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected retry of complete expansion rejected, got %v", err)
	}
}
