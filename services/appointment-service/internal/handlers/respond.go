package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/garagebook/garagebook/services/appointment-service/internal/appointments"
	"github.com/garagebook/garagebook/services/appointment-service/internal/model"
)

const (
	HeaderUserKind  = "X-User-Kind"
	HeaderUserAdmin = "X-User-Admin"

	// HeaderMoreResults is set on list responses cut off at the limit.
	HeaderMoreResults = "X-More-Results"
)

type slotItem struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

type conflictResponse struct {
	Error          string     `json:"error"`
	AvailableSlots []slotItem `json:"available_slots"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "failed to build response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// writeServiceError maps lifecycle errors to status codes. Anything unrecognised is logged
// and reported as fallback.
func writeServiceError(w http.ResponseWriter, logger *slog.Logger, err error, fallback string) {
	var conflict *appointments.SlotConflictError
	switch {
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, conflictResponse{
			Error:          appointments.ErrSlotConflict.Error(),
			AvailableSlots: slotItems(conflict.Available, conflict.Duration),
		})
	case errors.Is(err, appointments.ErrInvalidRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, appointments.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, appointments.ErrNotFound):
		http.Error(w, "appointment not found", http.StatusNotFound)
	default:
		logger.Error(fallback, "err", err)
		http.Error(w, fallback, http.StatusInternalServerError)
	}
}

func slotItems(slots []time.Time, duration time.Duration) []slotItem {
	items := make([]slotItem, 0, len(slots))
	for _, s := range slots {
		items = append(items, slotItem{
			StartTime: s.Format("15:04"),
			EndTime:   s.Add(duration).Format("15:04"),
		})
	}
	return items
}

// userKind reads the caller role forwarded by the gateway.
func userKind(r *http.Request) model.UserKind {
	return model.UserKind{
		Kind:    strings.TrimSpace(r.Header.Get(HeaderUserKind)),
		IsAdmin: strings.EqualFold(strings.TrimSpace(r.Header.Get(HeaderUserAdmin)), "true"),
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
