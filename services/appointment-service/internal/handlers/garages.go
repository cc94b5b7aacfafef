package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/garagebook/garagebook/services/appointment-service/internal/catalog"
	"github.com/garagebook/garagebook/services/appointment-service/internal/model"
)

// GarageStore is the registry side of a garage: catalog, weekly hours and date exceptions.
type GarageStore interface {
	catalog.Store
	ListServices(ctx context.Context, garageID string) ([]model.OfferedService, error)
	UpsertCalendarException(ctx context.Context, exc model.CalendarException) error
}

type GarageHandler struct {
	store  GarageStore
	logger *slog.Logger
}

func NewGarageHandler(store GarageStore, logger *slog.Logger) *GarageHandler {
	return &GarageHandler{store: store, logger: logger}
}

type garageRequest struct {
	GarageID string `json:"garage_id"`
}

type seedResponse struct {
	GarageID      string `json:"garage_id"`
	ServicesAdded int    `json:"services_added"`
	HoursSeeded   bool   `json:"hours_seeded"`
}

type serviceItem struct {
	ServiceID       string `json:"service_id"`
	Category        string `json:"category"`
	Name            string `json:"name"`
	Price           string `json:"price"`
	DurationMinutes int    `json:"duration_minutes"`
}

type hoursItem struct {
	Weekday   string `json:"weekday"`
	OpenTime  string `json:"open_time"`
	CloseTime string `json:"close_time"`
}

type hoursRequest struct {
	GarageID string      `json:"garage_id"`
	Hours    []hoursItem `json:"hours"`
}

type exceptionRequest struct {
	GarageID  string `json:"garage_id"`
	Date      string `json:"date"`
	Closed    bool   `json:"closed"`
	OpenTime  string `json:"open_time"`
	CloseTime string `json:"close_time"`
	Reason    string `json:"reason"`
}

// Defaults seeds the starter catalog and weekday hours. Garage admins only.
func (h *GarageHandler) Defaults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !userKind(r).IsGarageAdmin() {
		http.Error(w, "garage admin only", http.StatusForbidden)
		return
	}

	var req garageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.GarageID = strings.TrimSpace(req.GarageID)
	if req.GarageID == "" {
		http.Error(w, "garage_id required", http.StatusBadRequest)
		return
	}

	res, err := catalog.Seed(r.Context(), h.store, req.GarageID)
	if err != nil {
		h.logger.Error("seeding garage defaults failed", "garage_id", req.GarageID, "err", err)
		http.Error(w, "failed to seed defaults", http.StatusInternalServerError)
		return
	}
	h.logger.Info("garage defaults seeded", "garage_id", req.GarageID, "services_added", res.ServicesAdded, "hours_seeded", res.HoursSeeded)
	writeJSON(w, http.StatusOK, seedResponse{GarageID: req.GarageID, ServicesAdded: res.ServicesAdded, HoursSeeded: res.HoursSeeded})
}

func (h *GarageHandler) Services(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	garageID := strings.TrimSpace(r.URL.Query().Get("garage_id"))
	if garageID == "" {
		http.Error(w, "garage_id required", http.StatusBadRequest)
		return
	}
	services, err := h.store.ListServices(r.Context(), garageID)
	if err != nil {
		h.logger.Error("listing services failed", "garage_id", garageID, "err", err)
		http.Error(w, "failed to list services", http.StatusInternalServerError)
		return
	}
	items := make([]serviceItem, 0, len(services))
	for _, s := range services {
		items = append(items, serviceItem{ServiceID: s.ID, Category: s.Category, Name: s.Name, Price: s.Price, DurationMinutes: s.DurationMinutes})
	}
	writeJSON(w, http.StatusOK, items)
}

// Hours returns the weekly timetable on GET and replaces it on POST (admins only).
func (h *GarageHandler) Hours(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		garageID := strings.TrimSpace(r.URL.Query().Get("garage_id"))
		if garageID == "" {
			http.Error(w, "garage_id required", http.StatusBadRequest)
			return
		}
		hours, err := h.store.BusinessHours(r.Context(), garageID)
		if err != nil {
			h.logger.Error("loading hours failed", "garage_id", garageID, "err", err)
			http.Error(w, "failed to load hours", http.StatusInternalServerError)
			return
		}
		items := make([]hoursItem, 0, len(hours))
		for _, bh := range hours {
			items = append(items, hoursItem{
				Weekday:   strings.ToLower(bh.Weekday.String()),
				OpenTime:  model.FormatClock(bh.OpenMinute),
				CloseTime: model.FormatClock(bh.CloseMinute),
			})
		}
		writeJSON(w, http.StatusOK, items)
	case http.MethodPost:
		if !userKind(r).IsGarageAdmin() {
			http.Error(w, "garage admin only", http.StatusForbidden)
			return
		}
		var req hoursRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json body", http.StatusBadRequest)
			return
		}
		req.GarageID = strings.TrimSpace(req.GarageID)
		if req.GarageID == "" {
			http.Error(w, "garage_id required", http.StatusBadRequest)
			return
		}
		hours := make([]model.BusinessHours, 0, len(req.Hours))
		seen := map[time.Weekday]bool{}
		for _, item := range req.Hours {
			wd, ok := parseWeekday(item.Weekday)
			if !ok || seen[wd] {
				http.Error(w, "invalid or duplicate weekday "+item.Weekday, http.StatusBadRequest)
				return
			}
			seen[wd] = true
			open, err := model.ParseClock(item.OpenTime)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			closing, err := model.ParseClock(item.CloseTime)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if closing <= open {
				http.Error(w, "close_time must be after open_time", http.StatusBadRequest)
				return
			}
			hours = append(hours, model.BusinessHours{GarageID: req.GarageID, Weekday: wd, OpenMinute: open, CloseMinute: closing})
		}
		if err := h.store.ReplaceBusinessHours(r.Context(), req.GarageID, hours); err != nil {
			h.logger.Error("replacing hours failed", "garage_id", req.GarageID, "err", err)
			http.Error(w, "failed to save hours", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// Exceptions records a closure or special hours for one date. Admins only.
func (h *GarageHandler) Exceptions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !userKind(r).IsGarageAdmin() {
		http.Error(w, "garage admin only", http.StatusForbidden)
		return
	}

	var req exceptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.GarageID = strings.TrimSpace(req.GarageID)
	if req.GarageID == "" {
		http.Error(w, "garage_id required", http.StatusBadRequest)
		return
	}
	date, err := model.ParseDate(strings.TrimSpace(req.Date))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	exc := model.CalendarException{GarageID: req.GarageID, Date: date, Closed: req.Closed, Reason: strings.TrimSpace(req.Reason)}
	if !req.Closed {
		if req.OpenTime == "" && req.CloseTime == "" {
			http.Error(w, "closed or open_time/close_time required", http.StatusBadRequest)
			return
		}
		if req.OpenTime != "" {
			open, err := model.ParseClock(req.OpenTime)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			exc.OpenMinute = &open
		}
		if req.CloseTime != "" {
			closing, err := model.ParseClock(req.CloseTime)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			exc.CloseMinute = &closing
		}
		if exc.OpenMinute != nil && exc.CloseMinute != nil && *exc.CloseMinute <= *exc.OpenMinute {
			http.Error(w, "close_time must be after open_time", http.StatusBadRequest)
			return
		}
	}

	if err := h.store.UpsertCalendarException(r.Context(), exc); err != nil {
		h.logger.Error("saving calendar exception failed", "garage_id", req.GarageID, "err", err)
		http.Error(w, "failed to save exception", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseWeekday(s string) (time.Weekday, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		if strings.ToLower(wd.String()) == s {
			return wd, true
		}
	}
	return 0, false
}
