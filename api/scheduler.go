/*
scheduler.go - Automated daily accrual scheduler

PURPOSE:
  Runs the accrual engine once per calendar day without an external cron.
  The old deployment depended on a server-level cron entry that nobody
  owned; here the service schedules itself and records every run.

DESIGN:
  - Background goroutine with a configurable check interval
  - Every tick asks the run store whether today already completed; if so
    the tick is a no-op, which makes restarts and overlapping instances
    safe
  - Each execution is recorded (running -> completed/failed) for audit
    and for the /api/runs endpoint

USAGE:
  scheduler := NewDailyScheduler(store, handler.Engine)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunDaily endpoint (manual trigger, same ExecuteRun path)
  - cmd/rundaily: CLI trigger, same ExecuteRun path
*/
package api

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edupay/mora-engine/mora"
)

// ErrAlreadyRan reports that a completed run already exists for the date.
var ErrAlreadyRan = errors.New("a completed run already exists for this date")

// DailyScheduler triggers the accrual engine once per day.
type DailyScheduler struct {
	Runs          mora.RunStore
	Engine        *mora.Engine
	CheckInterval time.Duration
	Enabled       bool

	// Clock returns the engine's notion of today. Overridable in tests.
	Clock func() mora.Date

	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewDailyScheduler creates a scheduler ticking every hour.
func NewDailyScheduler(runs mora.RunStore, engine *mora.Engine) *DailyScheduler {
	return &DailyScheduler{
		Runs:          runs,
		Engine:        engine,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		Clock:         mora.Today,
		stop:          make(chan bool),
	}
}

// Start begins the scheduler.
func (ds *DailyScheduler) Start() {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if !ds.Enabled {
		log.Println("[Scheduler] Disabled, not starting")
		return
	}

	ds.ticker = time.NewTicker(ds.CheckInterval)
	ds.wg.Add(1)

	go ds.run()

	log.Printf("[Scheduler] Started with check interval: %v", ds.CheckInterval)
}

// Stop stops the scheduler.
func (ds *DailyScheduler) Stop() {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.ticker != nil {
		ds.ticker.Stop()
		close(ds.stop)
		ds.wg.Wait()
		log.Println("[Scheduler] Stopped")
	}
}

func (ds *DailyScheduler) run() {
	defer ds.wg.Done()

	// Catch up immediately on start
	ds.tick()

	for {
		select {
		case <-ds.ticker.C:
			ds.tick()
		case <-ds.stop:
			return
		}
	}
}

func (ds *DailyScheduler) tick() {
	ctx := context.Background()
	today := ds.Clock()

	sum, err := ExecuteRun(ctx, ds.Runs, ds.Engine, today, "scheduler", false)
	if err == ErrAlreadyRan {
		return
	}
	if err != nil {
		log.Printf("[Scheduler] Run for %s failed: %v", today, err)
		return
	}
	log.Printf("[Scheduler] Run for %s: created=%d updated=%d closed=%d skipped=%d errors=%d",
		today, sum.Created, sum.Updated, sum.Closed, sum.Skipped, sum.Errors)
}

// ExecuteRun performs one recorded engine run for the given date. Unless
// force is set, a date that already has a completed run returns
// ErrAlreadyRan without touching the engine. All three triggers (scheduler,
// API, CLI) go through here so audit records and metrics stay uniform.
func ExecuteRun(ctx context.Context, runs mora.RunStore, engine *mora.Engine, day mora.Date, trigger string, force bool) (mora.BatchSummary, error) {
	if !force {
		done, err := runs.HasCompletedRun(ctx, day)
		if err != nil {
			return mora.BatchSummary{}, err
		}
		if done {
			return mora.BatchSummary{}, ErrAlreadyRan
		}
	}

	record := mora.RunRecord{
		ID:        uuid.NewString(),
		RunDate:   day,
		Trigger:   trigger,
		Status:    "running",
		StartedAt: time.Now().UTC(),
	}
	if err := runs.SaveRun(ctx, record); err != nil {
		return mora.BatchSummary{}, err
	}

	started := time.Now()
	sum, runErr := engine.Run(ctx, day)
	elapsed := time.Since(started)

	completed := time.Now().UTC()
	record.CompletedAt = &completed
	record.Summary = sum
	if runErr != nil {
		record.Status = "failed"
		record.Error = runErr.Error()
	} else {
		record.Status = "completed"
	}
	observeRun(trigger, record.Status, sum, elapsed)

	if err := runs.SaveRun(ctx, record); err != nil {
		log.Printf("[Scheduler] Failed to record run %s: %v", record.ID, err)
	}
	return sum, runErr
}
