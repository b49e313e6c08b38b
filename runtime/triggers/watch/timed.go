package watch

import (
	"time"

	"github.com/robfig/cron/v3"

	"goa.design/llmos/runtime/faults"
)

type (
	// CronWatcher fires on a standard five-field cron expression. The
	// next fire time is recomputed after every fire.
	CronWatcher struct {
		lifecycle
		schedule cron.Schedule
		expr     string
	}

	// IntervalWatcher fires every Interval, measured from Start.
	IntervalWatcher struct {
		lifecycle
		Interval time.Duration
	}

	// OnceWatcher fires exactly once at a wall-clock time and then goes
	// quiet. Times already in the past fire immediately.
	OnceWatcher struct {
		lifecycle
		At time.Time
	}
)

// NewCronWatcher parses the expression eagerly so a bad trigger fails
// at registration, not at first fire.
func NewCronWatcher(expr string) (*CronWatcher, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, faults.Wrap(faults.CodeValidation, err, "invalid cron expression %q", expr)
	}
	return &CronWatcher{schedule: schedule, expr: expr}, nil
}

// Start begins the cron loop.
func (w *CronWatcher) Start(fire FireFunc) error {
	ctx, done := w.begin()
	if ctx == nil {
		return faults.New(faults.CodeWatcherFailed, "cron watcher already started")
	}
	go func() {
		defer close(done)
		for {
			next := w.schedule.Next(time.Now())
			timer := time.NewTimer(time.Until(next))
			select {
			case <-timer.C:
				fireNow(fire, "cron", map[string]any{"expression": w.expr, "scheduled_for": next.UTC()})
			case <-ctx.Done():
				timer.Stop()
				return
			}
		}
	}()
	return nil
}

// Start begins the interval loop.
func (w *IntervalWatcher) Start(fire FireFunc) error {
	if w.Interval <= 0 {
		return faults.New(faults.CodeValidation, "interval must be positive")
	}
	ctx, done := w.begin()
	if ctx == nil {
		return faults.New(faults.CodeWatcherFailed, "interval watcher already started")
	}
	go func() {
		defer close(done)
		ticker := time.NewTicker(w.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fireNow(fire, "interval", map[string]any{"interval_s": w.Interval.Seconds()})
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Start arms the one-shot timer.
func (w *OnceWatcher) Start(fire FireFunc) error {
	ctx, done := w.begin()
	if ctx == nil {
		return faults.New(faults.CodeWatcherFailed, "once watcher already started")
	}
	go func() {
		defer close(done)
		timer := time.NewTimer(time.Until(w.At))
		defer timer.Stop()
		select {
		case <-timer.C:
			fireNow(fire, "once", map[string]any{"at": w.At.UTC()})
		case <-ctx.Done():
		}
	}()
	return nil
}
