package integrity

import (
	"context"

	"github.com/robfig/cron/v3"

	"github.com/ishabanya/ARchitect-sub003/internal/logging"
)

// Scheduler runs a periodic quick check and, when enabled, an automatic
// repair pass over the non-critical issues it finds.
type Scheduler struct {
	checker    *Checker
	schedule   string
	autoRepair bool
	cron       *cron.Cron
}

// NewScheduler wires a periodic quick check. schedule is a cron expression.
func NewScheduler(checker *Checker, schedule string, autoRepair bool) *Scheduler {
	return &Scheduler{checker: checker, schedule: schedule, autoRepair: autoRepair}
}

// Start schedules the quick-check tick.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.schedule, func() { s.tick(ctx) }); err != nil {
		return err
	}
	s.cron.Start()
	logging.Get(logging.CategoryIntegrity).Infof("quick check scheduled (%s, auto-repair %v)", s.schedule, s.autoRepair)
	return nil
}

// Stop halts the schedule, waiting for a running tick to finish.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

func (s *Scheduler) tick(ctx context.Context) {
	log := logging.Get(logging.CategoryIntegrity)

	report, err := s.checker.QuickCheck(ctx)
	if err != nil {
		log.Warnf("scheduled quick check failed: %v", err)
		return
	}
	if report.TotalIssues == 0 {
		return
	}
	log.Infof("quick check found %d issues (score %.2f)", report.TotalIssues, report.OverallScore)

	if s.autoRepair {
		if _, err := s.checker.Repair(ctx, report.Issues, true); err != nil {
			log.Warnf("automatic repair failed: %v", err)
		}
	}
}
