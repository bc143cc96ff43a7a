package intercept

import "time"

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// Timing measures every call it is interested in and reports the duration to Observe.
// Register it with a high rank so it sits closest to the call.
type Timing struct {
	Base
	Clock   Clock
	Observe func(site CallSite, d time.Duration, failed bool)
}

const timingStartKey = "start"

func (t *Timing) Before(inv *Invocation) (Decision, error) {
	inv.State()[timingStartKey] = t.Clock.Now()
	return Continue(), nil
}

func (t *Timing) After(inv *Invocation, result any) (any, error) {
	t.record(inv, false)
	return result, nil
}

func (t *Timing) AfterError(inv *Invocation, err error) (any, error) {
	t.record(inv, true)
	return nil, err
}

func (t *Timing) record(inv *Invocation, failed bool) {
	start, ok := inv.State()[timingStartKey].(time.Time)
	if !ok || t.Observe == nil {
		return
	}
	t.Observe(inv.Site(), t.Clock.Now().Sub(start), failed)
}
