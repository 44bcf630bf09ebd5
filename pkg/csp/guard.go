package csp

import "time"

// Guard is a condition an Alternation can wait on.
type Guard interface {
	guard()
}

// InputGuard is ready when its channel has a value to read.
type InputGuard struct {
	end    *ReaderEnd
	action func(v any)
}

// OutputGuard is ready when its channel has a reader for msg.
type OutputGuard struct {
	end    *WriterEnd
	msg    any
	action func()
}

// SkipGuard is always ready.
type SkipGuard struct {
	action func()
}

// TimeoutGuard becomes ready once its duration has passed while the
// alternation is still pending.
type TimeoutGuard struct {
	duration time.Duration
	action   func()
}

func (*InputGuard) guard()   {}
func (*OutputGuard) guard()  {}
func (*SkipGuard) guard()    {}
func (*TimeoutGuard) guard() {}

func Skip(action func()) *SkipGuard {
	return &SkipGuard{action: action}
}

func Timeout(d time.Duration, action func()) *TimeoutGuard {
	return &TimeoutGuard{duration: d, action: action}
}

func (g *TimeoutGuard) Duration() time.Duration {
	return g.duration
}
