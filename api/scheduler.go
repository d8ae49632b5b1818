/*
scheduler.go - Timer-driven payout triggers

PURPOSE:
  Fires the payout engine on a schedule: one daily run at a configured
  cron spec, plus an optional fast interval for demo and development
  environments. Both paths funnel into the same Engine.Run as the manual
  HTTP trigger, so the run lease serializes all three.

DESIGN:
  - robfig/cron drives both schedules; specs are standard 5-field cron
  - The fast timer is a convenience for watching cycles land quickly;
    main.go only enables it outside production
  - Overlap between timers (or with a manual trigger) is not an error:
    the engine returns ErrRunInProgress and the tick is dropped

CONFIGURATION:
  - DailySpec:    cron spec for the daily run (default "0 0 * * *")
  - FastInterval: optional short interval; 0 disables

USAGE:
  sched := NewScheduler(engine, cfg.Payout.DailySpec, fastInterval)
  sched.Start()
  // ... later
  sched.Stop()

SEE ALSO:
  - handlers.go: RunPayouts (manual trigger into the same engine)
  - invest/lease.go: The mutual exclusion shared by all triggers
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/warp/investment-engine/invest"
)

// Scheduler owns the cron timers that drive automatic payout runs.
type Scheduler struct {
	Engine    *invest.Engine
	DailySpec string
	// FastInterval, when > 0, adds a frequent trigger. Minimum granularity
	// is one minute (cron specs have no seconds field here).
	FastInterval time.Duration

	cron *cron.Cron
}

// NewScheduler creates a scheduler; call Start to begin.
func NewScheduler(engine *invest.Engine, dailySpec string, fastInterval time.Duration) *Scheduler {
	return &Scheduler{
		Engine:       engine,
		DailySpec:    dailySpec,
		FastInterval: fastInterval,
	}
}

// Start registers the schedules and begins firing. Returns an error only
// for an unparseable cron spec.
func (s *Scheduler) Start() error {
	s.cron = cron.New()

	if _, err := s.cron.AddFunc(s.DailySpec, func() { s.fire(invest.TriggerDaily) }); err != nil {
		return fmt.Errorf("invalid daily cron spec %q: %w", s.DailySpec, err)
	}
	log.Printf("[Scheduler] Daily payout run scheduled: %q", s.DailySpec)

	if s.FastInterval > 0 {
		minutes := int(s.FastInterval / time.Minute)
		if minutes < 1 {
			minutes = 1
		}
		spec := fmt.Sprintf("*/%d * * * *", minutes)
		if _, err := s.cron.AddFunc(spec, func() { s.fire(invest.TriggerFast) }); err != nil {
			return fmt.Errorf("invalid fast cron spec %q: %w", spec, err)
		}
		log.Printf("[Scheduler] Fast payout run scheduled: %q", spec)
	}

	s.cron.Start()
	return nil
}

// Stop halts the timers and waits for any in-flight run to finish.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Println("[Scheduler] Stopped")
}

func (s *Scheduler) fire(trigger invest.RunTrigger) {
	_, err := s.Engine.Run(context.Background(), trigger)
	if err != nil && !errors.Is(err, invest.ErrRunInProgress) {
		log.Printf("[Scheduler] %s run failed: %v", trigger, err)
	}
}
