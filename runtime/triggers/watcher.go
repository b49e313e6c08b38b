package triggers

import (
	"time"

	"goa.design/llmos/runtime/faults"
	"goa.design/llmos/runtime/triggers/watch"
)

// BuildWatcher constructs the runtime watcher for a condition. The
// condition must already be valid; construction still re-checks the
// parts only the watch package can judge, like cron syntax.
func BuildWatcher(c Condition) (watch.Watcher, error) {
	switch c.Type {
	case "cron":
		return watch.NewCronWatcher(c.Expression)
	case "interval":
		return &watch.IntervalWatcher{Interval: seconds(c.IntervalS)}, nil
	case "once":
		if c.At == nil {
			return nil, faults.New(faults.CodeValidation, "once condition needs an at time")
		}
		return &watch.OnceWatcher{At: *c.At}, nil
	case "filesystem":
		return &watch.FSWatcher{
			Path:     c.Path,
			Events:   c.FSEvents,
			Coalesce: time.Duration(c.CoalesceMS * float64(time.Millisecond)),
		}, nil
	case "process":
		return &watch.ProcessWatcher{
			Name: c.ProcessName,
			PID:  c.PID,
			On:   c.On,
			Poll: seconds(c.PollS),
		}, nil
	case "resource":
		return &watch.ResourceWatcher{
			Metric:     c.Metric,
			Threshold:  c.ThresholdPct,
			Hysteresis: c.HysteresisPct,
			DiskPath:   c.DiskPath,
			Poll:       seconds(c.PollS),
		}, nil
	case "composite":
		children := make([]watch.Watcher, 0, len(c.Children))
		for _, childCond := range c.Children {
			child, err := BuildWatcher(childCond)
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		return &watch.Composite{
			Op:       c.Operator,
			Children: children,
			Window:   seconds(c.WithinS),
			Count:    c.Count,
		}, nil
	default:
		return nil, faults.New(faults.CodeValidation, "unknown condition type %q", c.Type)
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
