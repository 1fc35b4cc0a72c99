package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/sirupsen/logrus"

	"localventas/backend/internal/domain"
	"localventas/backend/internal/logging"
	"localventas/backend/internal/migration"
	"localventas/backend/internal/service"
)

const defaultRunTimeout = 30 * time.Minute

// Backfiller is the part of the service the nightly job drives.
type Backfiller interface {
	BackfillTransactionIDs(ctx context.Context, opts migration.BackfillOptions) (domain.BackfillReport, error)
}

// Scheduler runs the transaction id backfill once a day so lines written by
// older clients without an id get grouped without operator action.
type Scheduler struct {
	cron    *gocron.Scheduler
	job     Backfiller
	timeout time.Duration
	log     *logrus.Entry
}

// New schedules the backfill every day at "HH:MM" in loc.
func New(job Backfiller, at string, loc *time.Location, log *logrus.Entry) (*Scheduler, error) {
	if job == nil {
		return nil, errors.New("scheduler: nil backfiller")
	}
	at = strings.TrimSpace(at)
	if at == "" {
		return nil, errors.New("scheduler: empty schedule time")
	}
	if loc == nil {
		loc = time.UTC
	}
	if log == nil {
		log = logging.Module(nil, "scheduler")
	}

	s := &Scheduler{
		cron:    gocron.NewScheduler(loc),
		job:     job,
		timeout: defaultRunTimeout,
		log:     log,
	}
	s.cron.SingletonModeAll()
	if _, err := s.cron.Every(1).Day().At(at).Do(s.runBackfill); err != nil {
		return nil, fmt.Errorf("scheduler: schedule backfill at %q: %w", at, err)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.StartAsync()
	s.log.WithField("next_run", s.NextRun()).Info("backfill scheduled")
}

func (s *Scheduler) Stop() {
	s.cron.Stop()
}

func (s *Scheduler) NextRun() time.Time {
	jobs := s.cron.Jobs()
	if len(jobs) == 0 {
		return time.Time{}
	}
	return jobs[0].NextRun()
}

func (s *Scheduler) runBackfill() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	ctx = service.WithActor(ctx, service.SystemActor)

	report, err := s.job.BackfillTransactionIDs(ctx, migration.BackfillOptions{})
	fields := logrus.Fields{
		"lines_scanned":        report.LinesScanned,
		"lines_updated":        report.LinesUpdated,
		"transactions_created": report.TransactionsCreated,
		"failures":             len(report.Failures),
	}
	switch {
	case errors.Is(err, domain.ErrMigrationInProgress):
		s.log.WithFields(fields).Info("scheduled backfill skipped, another run holds the lock")
	case errors.Is(err, domain.ErrPartialMigration):
		s.log.WithFields(fields).Warn("scheduled backfill finished with failures")
	case err != nil:
		logging.LogError(s.log, "runBackfill", err, fields)
	default:
		s.log.WithFields(fields).Info("scheduled backfill finished")
	}
}
