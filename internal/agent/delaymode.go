package agent

import "sync/atomic"

// DelayMode is the process-wide "reply slowly" switch. Users flip it from
// chat; the admin API can flip it too.
type DelayMode struct {
	on atomic.Bool
}

func NewDelayMode(on bool) *DelayMode {
	d := &DelayMode{}
	d.on.Store(on)
	return d
}

func (d *DelayMode) Enabled() bool { return d.on.Load() }

// Set switches the mode and reports whether it changed.
func (d *DelayMode) Set(on bool) bool {
	return d.on.Swap(on) != on
}
