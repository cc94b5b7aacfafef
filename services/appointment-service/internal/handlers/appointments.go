package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/garagebook/garagebook/services/appointment-service/internal/appointments"
	"github.com/garagebook/garagebook/services/appointment-service/internal/model"
)

type AppointmentHandler struct {
	svc    *appointments.Manager
	logger *slog.Logger
}

func NewAppointmentHandler(svc *appointments.Manager, logger *slog.Logger) *AppointmentHandler {
	return &AppointmentHandler{svc: svc, logger: logger}
}

type bookRequest struct {
	GarageID   string   `json:"garage_id"`
	VehicleID  string   `json:"vehicle_id"`
	Date       string   `json:"date"`
	StartTime  string   `json:"start_time"`
	ServiceIDs []string `json:"service_ids"`
}

type appointmentIDRequest struct {
	AppointmentID string `json:"appointment_id"`
}

type statusRequest struct {
	AppointmentID string  `json:"appointment_id"`
	Status        string  `json:"status"`
	Comments      *string `json:"comments"`
}

type appointmentItem struct {
	AppointmentID       string              `json:"appointment_id"`
	GarageID            string              `json:"garage_id"`
	VehicleID           string              `json:"vehicle_id"`
	Date                string              `json:"date"`
	StartTime           string              `json:"start_time"`
	EstimatedCompletion string              `json:"estimated_completion"`
	DurationMinutes     int                 `json:"duration_minutes"`
	Status              string              `json:"status"`
	StatusComments      string              `json:"status_comments,omitempty"`
	ServiceIDs          []string            `json:"service_ids"`
	ExpansionState      string              `json:"expansion_state"`
	ExpansionFailures   []model.TaskFailure `json:"expansion_failures,omitempty"`
	CreatedAt           string              `json:"created_at,omitempty"`
	CancelledAt         string              `json:"cancelled_at,omitempty"`
}

type taskItem struct {
	TaskID          string `json:"task_id"`
	ServiceID       string `json:"service_id"`
	ServiceName     string `json:"service_name"`
	Price           string `json:"price"`
	DurationMinutes int    `json:"duration_minutes"`
}

type appointmentDetail struct {
	appointmentItem
	Tasks []taskItem `json:"tasks"`
}

type cancelResponse struct {
	AppointmentID string `json:"appointment_id"`
	Status        string `json:"status"`
}

type retryResponse struct {
	AppointmentID  string `json:"appointment_id"`
	ExpansionState string `json:"expansion_state"`
}

func toItem(a model.Appointment) appointmentItem {
	item := appointmentItem{
		AppointmentID:       a.ID,
		GarageID:            a.GarageID,
		VehicleID:           a.VehicleID,
		Date:                a.Date.Format(model.DateLayout),
		StartTime:           model.FormatClock(a.StartMinute),
		EstimatedCompletion: model.FormatClock(a.EndMinute()),
		DurationMinutes:     a.DurationMinutes,
		Status:              string(a.Status),
		StatusComments:      a.StatusComments,
		ServiceIDs:          a.ServiceIDs,
		ExpansionState:      string(a.Expansion),
		ExpansionFailures:   a.ExpansionFailures,
	}
	if !a.CreatedAt.IsZero() {
		item.CreatedAt = a.CreatedAt.UTC().Format(time.RFC3339)
	}
	if a.CancelledAt != nil {
		item.CancelledAt = a.CancelledAt.UTC().Format(time.RFC3339)
	}
	return item
}

func toDetail(d appointments.Details) appointmentDetail {
	out := appointmentDetail{appointmentItem: toItem(d.Appointment), Tasks: make([]taskItem, 0, len(d.Tasks))}
	for _, t := range d.Tasks {
		out.Tasks = append(out.Tasks, taskItem{
			TaskID:          t.ID,
			ServiceID:       t.OfferedServiceID,
			ServiceName:     t.ServiceName,
			Price:           t.Price,
			DurationMinutes: t.DurationMinutes,
		})
	}
	return out
}

func (h *AppointmentHandler) Slots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	garageID := strings.TrimSpace(q.Get("garage_id"))
	dateStr := strings.TrimSpace(q.Get("date"))
	if garageID == "" || dateStr == "" {
		http.Error(w, "garage_id and date are required", http.StatusBadRequest)
		return
	}
	date, err := model.ParseDate(dateStr)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	mins := 0
	if raw := strings.TrimSpace(q.Get("duration_minutes")); raw != "" {
		mins, err = strconv.Atoi(raw)
		if err != nil || mins <= 0 {
			http.Error(w, "invalid duration_minutes", http.StatusBadRequest)
			return
		}
	} else {
		serviceIDs := splitList(q.Get("service_ids"))
		if len(serviceIDs) == 0 {
			http.Error(w, "duration_minutes or service_ids is required", http.StatusBadRequest)
			return
		}
		mins, err = h.svc.ServicesDuration(r.Context(), garageID, serviceIDs)
		if err != nil {
			writeServiceError(w, h.logger, err, "failed to load services")
			return
		}
	}

	slots, err := h.svc.AvailableSlots(r.Context(), garageID, date, mins)
	if err != nil {
		writeServiceError(w, h.logger, err, "failed to compute slots")
		return
	}
	writeJSON(w, http.StatusOK, slotItems(slots, time.Duration(mins)*time.Minute))
}

func (h *AppointmentHandler) Book(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req bookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.GarageID = strings.TrimSpace(req.GarageID)
	req.VehicleID = strings.TrimSpace(req.VehicleID)
	if req.GarageID == "" || req.VehicleID == "" {
		http.Error(w, "garage_id and vehicle_id are required", http.StatusBadRequest)
		return
	}
	date, err := model.ParseDate(strings.TrimSpace(req.Date))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	start, err := model.ParseClock(strings.TrimSpace(req.StartTime))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	appt, _, err := h.svc.Book(r.Context(), appointments.BookRequest{
		GarageID:       req.GarageID,
		VehicleID:      req.VehicleID,
		Date:           date,
		StartMinute:    start,
		ServiceIDs:     req.ServiceIDs,
		IdempotencyKey: strings.TrimSpace(r.Header.Get("Idempotency-Key")),
	})
	if err != nil {
		writeServiceError(w, h.logger, err, "failed to book appointment")
		return
	}
	writeJSON(w, http.StatusCreated, toItem(appt))
}

func (h *AppointmentHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req appointmentIDRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	if req.AppointmentID == "" {
		http.Error(w, "appointment_id required", http.StatusBadRequest)
		return
	}

	if err := h.svc.Cancel(r.Context(), req.AppointmentID); err != nil {
		writeServiceError(w, h.logger, err, "failed to cancel appointment")
		return
	}
	writeJSON(w, http.StatusOK, cancelResponse{AppointmentID: req.AppointmentID, Status: string(model.StatusCancelled)})
}

// UpdateStatus is garage-side only. An empty status updates the comments alone.
func (h *AppointmentHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !userKind(r).IsGarageStaff() {
		http.Error(w, "garage staff only", http.StatusForbidden)
		return
	}

	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	if req.AppointmentID == "" {
		http.Error(w, "appointment_id required", http.StatusBadRequest)
		return
	}
	if req.Status == "" && req.Comments == nil {
		http.Error(w, "status or comments required", http.StatusBadRequest)
		return
	}

	appt, err := h.svc.UpdateStatus(r.Context(), req.AppointmentID, model.Status(strings.TrimSpace(req.Status)), req.Comments)
	if err != nil {
		writeServiceError(w, h.logger, err, "failed to update appointment")
		return
	}
	writeJSON(w, http.StatusOK, toItem(appt))
}

func (h *AppointmentHandler) List(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	filter := appointments.ListFilter{
		GarageID: strings.TrimSpace(q.Get("garage_id")),
		Scope:    appointments.Scope(strings.TrimSpace(q.Get("scope"))),
		Limit:    200,
	}
	for _, s := range splitList(q.Get("status")) {
		filter.Statuses = append(filter.Statuses, model.Status(s))
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			filter.Limit = n
		}
	}

	limit := filter.Limit
	filter.Limit++
	appts, err := h.svc.List(r.Context(), filter)
	if err != nil {
		writeServiceError(w, h.logger, err, "failed to list appointments")
		return
	}
	if len(appts) > limit {
		appts = appts[:limit]
		w.Header().Set(HeaderMoreResults, "true")
	}
	items := make([]appointmentItem, 0, len(appts))
	for _, a := range appts {
		items = append(items, toItem(a))
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *AppointmentHandler) Detail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimSpace(r.URL.Query().Get("appointment_id"))
	if id == "" {
		http.Error(w, "appointment_id required", http.StatusBadRequest)
		return
	}
	d, err := h.svc.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, err, "failed to load appointment")
		return
	}
	writeJSON(w, http.StatusOK, toDetail(d))
}

func (h *AppointmentHandler) RetryExpansion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !userKind(r).IsGarageStaff() {
		http.Error(w, "garage staff only", http.StatusForbidden)
		return
	}

	var req appointmentIDRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	if req.AppointmentID == "" {
		http.Error(w, "appointment_id required", http.StatusBadRequest)
		return
	}

	if _, err := h.svc.RetryExpansion(r.Context(), req.AppointmentID); err != nil {
		writeServiceError(w, h.logger, err, "failed to retry task expansion")
		return
	}
	writeJSON(w, http.StatusAccepted, retryResponse{AppointmentID: req.AppointmentID, ExpansionState: string(model.ExpansionPending)})
}

// History lists a vehicle's completed visits.
func (h *AppointmentHandler) History(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	vehicleID := strings.TrimSpace(r.URL.Query().Get("vehicle_id"))
	if vehicleID == "" {
		http.Error(w, "vehicle_id required", http.StatusBadRequest)
		return
	}
	visits, err := h.svc.ServiceHistory(r.Context(), vehicleID)
	if err != nil {
		writeServiceError(w, h.logger, err, "failed to load service history")
		return
	}
	items := make([]appointmentDetail, 0, len(visits))
	for _, v := range visits {
		items = append(items, toDetail(v))
	}
	writeJSON(w, http.StatusOK, items)
}
