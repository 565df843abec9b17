package gateway

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/coachpo/paywatch/internal/observability"
	"github.com/coachpo/paywatch/internal/order"
)

// DefaultScheduleScript is order.DefaultSchedule written as a schedule script.
const DefaultScheduleScript = `
function schedule(period, iteration) {
  iteration += 1;
  if (iteration >= 20) {
    period *= 2;
    iteration = 0;
  }
  return { period: period, iteration: iteration };
}
`

// scheduleScriptTimeout bounds one script call. A call that runs longer is
// interrupted and the step falls back to order.DefaultSchedule.
const scheduleScriptTimeout = 250 * time.Millisecond

type scheduleResult struct {
	Period    float64 `json:"period"`
	Iteration int     `json:"iteration"`
}

// CompileSchedule turns a script defining schedule(periodSeconds, iteration)
// into an order.Schedule. When a call fails or returns a non-positive period,
// the step falls back to order.DefaultSchedule.
func CompileSchedule(name, source string) (order.Schedule, error) {
	if strings.TrimSpace(source) == "" {
		return nil, fmt.Errorf("schedule %s: empty source", name)
	}
	program, err := goja.Compile(name, source, true)
	if err != nil {
		return nil, fmt.Errorf("compile schedule %s: %w", name, err)
	}
	rt := goja.New()
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	if _, err := interruptible(rt, func() (goja.Value, error) { return rt.RunProgram(program) }); err != nil {
		return nil, fmt.Errorf("run schedule %s: %w", name, err)
	}
	value := rt.Get("schedule")
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, fmt.Errorf("schedule %s: function schedule is not defined", name)
	}
	fn, ok := goja.AssertFunction(value)
	if !ok {
		return nil, fmt.Errorf("schedule %s: schedule is not a function", name)
	}

	// goja runtimes are not safe for concurrent use; orders share this one.
	var mu sync.Mutex
	return func(period time.Duration, iteration int) (time.Duration, int) {
		mu.Lock()
		defer mu.Unlock()

		res, err := interruptible(rt, func() (goja.Value, error) {
			return fn(goja.Undefined(), rt.ToValue(period.Seconds()), rt.ToValue(iteration))
		})
		if err != nil {
			observability.Log().Error("schedule script failed",
				observability.F("schedule", name),
				observability.F("error", err))
			return order.DefaultSchedule(period, iteration)
		}
		var out scheduleResult
		if err := rt.ExportTo(res, &out); err != nil || out.Period <= 0 || math.IsInf(out.Period, 0) || math.IsNaN(out.Period) {
			observability.Log().Error("schedule script returned an invalid step",
				observability.F("schedule", name),
				observability.F("result", res.String()))
			return order.DefaultSchedule(period, iteration)
		}
		return time.Duration(out.Period * float64(time.Second)), out.Iteration
	}, nil
}

func interruptible(rt *goja.Runtime, call func() (goja.Value, error)) (goja.Value, error) {
	fired := make(chan struct{})
	timer := time.AfterFunc(scheduleScriptTimeout, func() {
		rt.Interrupt("schedule script timed out")
		close(fired)
	})
	res, err := call()
	if !timer.Stop() {
		<-fired
	}
	rt.ClearInterrupt()
	return res, err
}
