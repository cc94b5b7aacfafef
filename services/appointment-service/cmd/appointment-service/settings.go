package main

import (
	"fmt"
	"time"

	"github.com/garagebook/garagebook/libs/config"
	"github.com/garagebook/garagebook/libs/kafkax"
	"github.com/garagebook/garagebook/libs/runtime"
	"github.com/garagebook/garagebook/services/appointment-service/internal/appointments"
	"github.com/garagebook/garagebook/services/appointment-service/internal/consumer"
)

type settings struct {
	Service            string
	HTTPPort           string
	GRPCPort           string
	StorageDriver      string
	DatabaseURL        string
	MigrateOnStart     bool
	Location           *time.Location
	SlotStep           time.Duration
	CancelMode         appointments.CancelMode
	RedisAddr          string
	KafkaBrokers       []string
	KafkaGroupID       string
	GarageTopic        string
	TaskMaxAttempts    int
	TaskRetryInitial   time.Duration
	SweepSchedule      string
	RateLimitPerMinute int
}

func loadSettings() (settings, error) {
	s := settings{
		Service:        config.String("SERVICE_NAME", "appointment-service"),
		MigrateOnStart: config.Bool("MIGRATE_ON_START", true),
		RedisAddr:      config.String("REDIS_ADDR", ""),
		KafkaBrokers:   kafkax.SplitBrokers(config.String("KAFKA_BROKERS", "")),
		KafkaGroupID:   config.String("KAFKA_GROUP_ID", "appointment-service"),
		GarageTopic:    config.String("KAFKA_GARAGE_TOPIC", consumer.TopicGarageRegistered),
		SweepSchedule:  config.String("EXPANSION_SWEEP_SCHEDULE", "@every 1m"),
	}

	var err error
	if s.HTTPPort, err = config.Port("PORT", "8080"); err != nil {
		return s, err
	}
	if s.GRPCPort, err = config.Port("GRPC_PORT", "9090"); err != nil {
		return s, err
	}
	if s.StorageDriver, err = config.OneOf("STORAGE_DRIVER", "postgres", "postgres", "memory"); err != nil {
		return s, err
	}
	if s.StorageDriver == "postgres" {
		if s.DatabaseURL, err = config.RequiredString("DATABASE_URL"); err != nil {
			return s, err
		}
	}
	if s.Location, err = runtime.LoadLocation(config.String("TIMEZONE", "UTC")); err != nil {
		return s, fmt.Errorf("TIMEZONE: %w", err)
	}

	step, err := config.Int("SLOT_GRANULARITY_MINUTES", 30)
	if err != nil {
		return s, err
	}
	if step <= 0 || step > 24*60 {
		return s, fmt.Errorf("SLOT_GRANULARITY_MINUTES must be between 1 and 1440 (got %d)", step)
	}
	s.SlotStep = time.Duration(step) * time.Minute

	mode, err := config.OneOf("CANCEL_MODE", string(appointments.CancelRetain), string(appointments.CancelRetain), string(appointments.CancelPurge))
	if err != nil {
		return s, err
	}
	s.CancelMode = appointments.CancelMode(mode)

	if s.TaskMaxAttempts, err = config.Int("TASK_MAX_ATTEMPTS", 5); err != nil {
		return s, err
	}
	if s.TaskMaxAttempts <= 0 {
		return s, fmt.Errorf("TASK_MAX_ATTEMPTS must be positive (got %d)", s.TaskMaxAttempts)
	}
	if s.TaskRetryInitial, err = config.Duration("TASK_RETRY_INITIAL", 200*time.Millisecond); err != nil {
		return s, err
	}
	if s.RateLimitPerMinute, err = config.Int("RATE_LIMIT_PER_MINUTE", 300); err != nil {
		return s, err
	}
	return s, nil
}
