package tasks

import (
	"context"
	"log/slog"
	"time"

	"github.com/garagebook/garagebook/services/appointment-service/internal/model"
	"github.com/robfig/cron/v3"
)

// PendingSource finds appointments whose expansion never reached a terminal state.
type PendingSource interface {
	PendingExpansions(ctx context.Context, cutoff time.Time, limit int) ([]model.Appointment, error)
	ServicesByIDs(ctx context.Context, garageID string, ids []string) ([]model.OfferedService, error)
}

// Sweeper re-drives expansions left pending, e.g. by a restart between booking and expansion.
// Recovered tasks snapshot the catalog as of the sweep.
type Sweeper struct {
	src      PendingSource
	expander *Expander
	logger   *slog.Logger
	grace    time.Duration
	batch    int
	now      func() time.Time
}

type SweeperConfig struct {
	// Grace skips appointments younger than this so in-flight work is not duplicated.
	Grace time.Duration
	Batch int
}

func NewSweeper(src PendingSource, expander *Expander, logger *slog.Logger, cfg SweeperConfig) *Sweeper {
	if cfg.Grace <= 0 {
		cfg.Grace = 2 * time.Minute
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 50
	}
	return &Sweeper{src: src, expander: expander, logger: logger, grace: cfg.Grace, batch: cfg.Batch, now: time.Now}
}

// RunOnce starts an expansion for every stale pending appointment and returns how many it started.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	appts, err := s.src.PendingExpansions(ctx, s.now().Add(-s.grace), s.batch)
	if err != nil {
		return 0, err
	}
	started := 0
	for _, appt := range appts {
		services, err := s.src.ServicesByIDs(ctx, appt.GarageID, appt.ServiceIDs)
		if err != nil {
			s.logger.Error("sweeper: load services failed", "appointment_id", appt.ID, "err", err)
			continue
		}
		s.expander.Expand(ctx, appt, services)
		started++
	}
	return started, nil
}

// Schedule registers RunOnce on c with a standard cron expression such as "@every 1m".
func (s *Sweeper) Schedule(ctx context.Context, c *cron.Cron, expr string) (cron.EntryID, error) {
	return c.AddFunc(expr, func() {
		n, err := s.RunOnce(ctx)
		if err != nil {
			s.logger.Error("expansion sweep failed", "err", err)
			return
		}
		if n > 0 {
			s.logger.Info("expansion sweep restarted appointments", "count", n)
		}
	})
}
