package watch

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"goa.design/llmos/runtime/faults"
)

// DefaultPoll is the sampling period for process and resource
// watchers.
const DefaultPoll = 5 * time.Second

type (
	// ProcessWatcher fires on process start and stop transitions,
	// matched by pid or by executable name.
	ProcessWatcher struct {
		lifecycle
		Name string
		PID  int32
		// On selects the transitions reported: "start", "stop" or
		// "both" (the default).
		On   string
		Poll time.Duration

		// exists overrides the gopsutil probe in tests.
		exists func(ctx context.Context) (bool, error)
	}

	// ResourceWatcher fires when a system metric crosses a threshold.
	// After a fire the watcher disarms until the metric falls back
	// below threshold minus hysteresis, so a value hovering at the
	// threshold cannot storm.
	ResourceWatcher struct {
		lifecycle
		// Metric is cpu, memory or disk (percent used).
		Metric string
		// Threshold is the percentage that arms a fire.
		Threshold float64
		// Hysteresis widens the re-arm band below the threshold.
		Hysteresis float64
		// DiskPath is the mount point sampled for the disk metric;
		// defaults to /.
		DiskPath string
		Poll     time.Duration

		// sample overrides the gopsutil probe in tests.
		sample func(ctx context.Context) (float64, error)
	}
)

// Start begins polling for process transitions.
func (w *ProcessWatcher) Start(fire FireFunc) error {
	if w.Name == "" && w.PID == 0 {
		return faults.New(faults.CodeValidation, "process watcher needs a name or a pid")
	}
	ctx, done := w.begin()
	if ctx == nil {
		return faults.New(faults.CodeWatcherFailed, "process watcher already started")
	}
	probe := w.exists
	if probe == nil {
		probe = w.gopsutilProbe
	}
	poll := w.Poll
	if poll <= 0 {
		poll = DefaultPoll
	}
	wantStart := w.On == "" || w.On == "both" || w.On == "start"
	wantStop := w.On == "" || w.On == "both" || w.On == "stop"

	go func() {
		defer close(done)
		ticker := time.NewTicker(poll)
		defer ticker.Stop()

		last, _ := probe(ctx)
		for {
			select {
			case <-ticker.C:
				running, err := probe(ctx)
				if err != nil {
					continue
				}
				if running != last {
					last = running
					switch {
					case running && wantStart:
						fireNow(fire, "process_start", w.payload())
					case !running && wantStop:
						fireNow(fire, "process_stop", w.payload())
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

func (w *ProcessWatcher) payload() map[string]any {
	p := map[string]any{}
	if w.Name != "" {
		p["name"] = w.Name
	}
	if w.PID != 0 {
		p["pid"] = w.PID
	}
	return p
}

func (w *ProcessWatcher) gopsutilProbe(ctx context.Context) (bool, error) {
	if w.PID != 0 {
		return process.PidExistsWithContext(ctx, w.PID)
	}
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return false, err
	}
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err == nil && name == w.Name {
			return true, nil
		}
	}
	return false, nil
}

// Start begins sampling the metric.
func (w *ResourceWatcher) Start(fire FireFunc) error {
	switch w.Metric {
	case "cpu", "memory", "disk":
	default:
		return faults.New(faults.CodeValidation, "unknown resource metric %q", w.Metric)
	}
	if w.Threshold <= 0 || w.Threshold > 100 {
		return faults.New(faults.CodeValidation, "threshold must be a percentage in (0, 100]")
	}
	ctx, done := w.begin()
	if ctx == nil {
		return faults.New(faults.CodeWatcherFailed, "resource watcher already started")
	}
	probe := w.sample
	if probe == nil {
		probe = w.gopsutilSample
	}
	poll := w.Poll
	if poll <= 0 {
		poll = DefaultPoll
	}

	go func() {
		defer close(done)
		ticker := time.NewTicker(poll)
		defer ticker.Stop()

		armed := true
		for {
			select {
			case <-ticker.C:
				value, err := probe(ctx)
				if err != nil {
					continue
				}
				switch {
				case armed && value >= w.Threshold:
					armed = false
					fireNow(fire, "resource_threshold", map[string]any{
						"metric": w.Metric, "value": value, "threshold": w.Threshold,
					})
				case !armed && value < w.Threshold-w.Hysteresis:
					armed = true
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

func (w *ResourceWatcher) gopsutilSample(ctx context.Context) (float64, error) {
	switch w.Metric {
	case "cpu":
		pcts, err := cpu.PercentWithContext(ctx, 0, false)
		if err != nil || len(pcts) == 0 {
			return 0, err
		}
		return pcts[0], nil
	case "memory":
		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			return 0, err
		}
		return vm.UsedPercent, nil
	default:
		path := w.DiskPath
		if path == "" {
			path = "/"
		}
		usage, err := disk.UsageWithContext(ctx, path)
		if err != nil {
			return 0, err
		}
		return usage.UsedPercent, nil
	}
}
