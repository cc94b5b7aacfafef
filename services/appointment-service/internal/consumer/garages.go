package consumer

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/garagebook/garagebook/services/appointment-service/internal/catalog"
	"github.com/segmentio/kafka-go"
)

// TopicGarageRegistered is published by the garage registry when a garage signs up.
const TopicGarageRegistered = "garage.registry.garage_registered.v1"

// GarageRegistered seeds the starter catalog and weekday hours for every new garage.
func GarageRegistered(store catalog.Store, logger *slog.Logger) Handler {
	return func(ctx context.Context, msg kafka.Message) error {
		var payload struct {
			GarageID string `json:"garage_id"`
		}
		if err := json.Unmarshal(msg.Value, &payload); err != nil {
			logger.Error("invalid event payload", "err", err, "topic", msg.Topic)
			return nil
		}
		garageID := strings.TrimSpace(payload.GarageID)
		if garageID == "" {
			logger.Error("missing garage_id", "topic", msg.Topic)
			return nil
		}

		res, err := catalog.Seed(ctx, store, garageID)
		if err != nil {
			return err
		}
		logger.Info("garage defaults seeded", "garage_id", garageID, "services_added", res.ServicesAdded, "hours_seeded", res.HoursSeeded)
		return nil
	}
}
