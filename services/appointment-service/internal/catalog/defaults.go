// Package catalog provides the starter service catalog and opening hours for a new garage.
package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/garagebook/garagebook/services/appointment-service/internal/model"
	"github.com/google/uuid"
)

const (
	DefaultDurationMinutes = 30
	DefaultPrice           = "0.00"
)

// DefaultCategories lists the starter categories and their services in display order.
var DefaultCategories = []struct {
	Name     string
	Services []string
}{
	{"Routine Maintenance", []string{"Oil Change", "Brake Replacement", "Headlight Replacement", "Wiper Blade Replacement"}},
	{"Tire Services", []string{"New Tires", "Tire Rotation", "Alignment", "Flat Tire Repair"}},
	{"Repair Services", []string{"Heating and Cooling", "Belts and Hoses", "Steering and Suspension"}},
	{"Other", []string{"Other/Not Sure"}},
}

// DefaultServices builds fresh catalog entries for garageID.
func DefaultServices(garageID string) []model.OfferedService {
	var out []model.OfferedService
	for _, cat := range DefaultCategories {
		for _, name := range cat.Services {
			out = append(out, model.OfferedService{
				ID:              uuid.NewString(),
				GarageID:        garageID,
				Category:        cat.Name,
				Name:            name,
				Price:           DefaultPrice,
				DurationMinutes: DefaultDurationMinutes,
			})
		}
	}
	return out
}

// DefaultHours is Monday to Friday, 09:00 to 17:00.
func DefaultHours(garageID string) []model.BusinessHours {
	var hours []model.BusinessHours
	for wd := time.Monday; wd <= time.Friday; wd++ {
		hours = append(hours, model.BusinessHours{GarageID: garageID, Weekday: wd, OpenMinute: 9 * 60, CloseMinute: 17 * 60})
	}
	return hours
}

type Store interface {
	AddServices(ctx context.Context, services []model.OfferedService) (int, error)
	BusinessHours(ctx context.Context, garageID string) ([]model.BusinessHours, error)
	ReplaceBusinessHours(ctx context.Context, garageID string, hours []model.BusinessHours) error
}

type SeedResult struct {
	ServicesAdded int
	HoursSeeded   bool
}

// Seed adds the default services that are missing and, when the garage has no timetable yet,
// the default hours. Running it twice changes nothing.
func Seed(ctx context.Context, store Store, garageID string) (SeedResult, error) {
	var res SeedResult
	added, err := store.AddServices(ctx, DefaultServices(garageID))
	if err != nil {
		return res, fmt.Errorf("seed services: %w", err)
	}
	res.ServicesAdded = added

	hours, err := store.BusinessHours(ctx, garageID)
	if err != nil {
		return res, fmt.Errorf("load hours: %w", err)
	}
	if len(hours) == 0 {
		if err := store.ReplaceBusinessHours(ctx, garageID, DefaultHours(garageID)); err != nil {
			return res, fmt.Errorf("seed hours: %w", err)
		}
		res.HoursSeeded = true
	}
	return res, nil
}
