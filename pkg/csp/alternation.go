package csp

import (
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/sessamekesh/spanreed-csp/pkg/errors"
)

// Alternation waits on several guards and commits to exactly one of them.
//
// Ties between guards that are ready at the same time go to the earliest guard
// in priority order. With WithFairness the starting guard rotates on every
// call, so no guard starves when all of them stay ready.
type Alternation struct {
	guards []Guard
	fair   bool
	clock  clock.Clock

	mu   sync.Mutex
	next int
}

type AlternationOption func(*Alternation)

func WithFairness() AlternationOption {
	return func(a *Alternation) {
		a.fair = true
	}
}

// WithClock sets the clock Timeout guards are measured with.
func WithClock(c clock.Clock) AlternationOption {
	return func(a *Alternation) {
		a.clock = c
	}
}

func NewAlternation(guards []Guard, opts ...AlternationOption) *Alternation {
	a := &Alternation{
		guards: guards,
		clock:  clock.New(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// PriSelect runs a single priority alternation over guards.
func PriSelect(guards ...Guard) (int, any, error) {
	return NewAlternation(guards).Select()
}

// FairSelect builds an alternation that rotates priority between calls. Keep
// the returned value and call Select on it repeatedly.
func FairSelect(guards ...Guard) *Alternation {
	return NewAlternation(guards, WithFairness())
}

func (a *Alternation) startIndex() int {
	if !a.fair || len(a.guards) == 0 {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	start := a.next
	a.next = (a.next + 1) % len(a.guards)
	return start
}

type postedReq struct {
	idx  int
	req  *ChannelReq
	ch   *Channel
	read bool
}

func withdrawAll(posted []postedReq) {
	for _, p := range posted {
		if p.read {
			p.ch.RemoveRead(p.req)
		} else {
			p.ch.RemoveWrite(p.req)
		}
	}
}

func winner(posted []postedReq) (postedReq, bool) {
	for _, p := range posted {
		if p.req.Result() == Result_Success {
			return p, true
		}
	}
	return postedReq{}, false
}

// Select returns the index of the chosen guard and, for an InputGuard, the
// value read.
func (a *Alternation) Select() (int, any, error) {
	if len(a.guards) == 0 {
		return -1, nil, &errors.MissingFieldError{
			MessageName: "Alternation",
			FieldName:   "guards",
		}
	}

	st := newReqStatus()
	posted := make([]postedReq, 0, len(a.guards))
	chosen := -1
	timeoutIdx := -1
	n := len(a.guards)
	start := a.startIndex()

	// Phase one: post every channel guard against the shared status. A guard
	// that is already satisfiable resolves the status while it is posted.
post:
	for k := 0; k < n; k++ {
		if !st.isActive() {
			break
		}
		i := (start + k) % n

		var postErr error
		switch g := a.guards[i].(type) {
		case *InputGuard:
			if g.end.left.Load() {
				postErr = &errors.ChannelRetireError{Channel: g.end.channel.name}
				break
			}
			req := newReadReq(st)
			if postErr = g.end.channel.PostRead(req); postErr == nil {
				posted = append(posted, postedReq{idx: i, req: req, ch: g.end.channel, read: true})
			}
		case *OutputGuard:
			if g.end.left.Load() {
				postErr = &errors.ChannelRetireError{Channel: g.end.channel.name}
				break
			}
			req := newWriteReq(st, g.msg)
			if postErr = g.end.channel.PostWrite(req); postErr == nil {
				posted = append(posted, postedReq{idx: i, req: req, ch: g.end.channel})
			}
		case *SkipGuard:
			if st.claim() {
				chosen = i
			}
			break post
		case *TimeoutGuard:
			if timeoutIdx < 0 || g.duration < a.guards[timeoutIdx].(*TimeoutGuard).duration {
				timeoutIdx = i
			}
		}

		if postErr != nil {
			withdrawAll(posted)
			if p, ok := winner(posted); ok {
				return p.idx, a.valueOf(p), nil
			}
			return -1, nil, postErr
		}
	}

	// Phase two: wait for the first resolution, then withdraw the rest.
	if chosen < 0 && st.isActive() {
		if timeoutIdx >= 0 {
			d := a.guards[timeoutIdx].(*TimeoutGuard).duration
			if d <= 0 {
				if st.claim() {
					chosen = timeoutIdx
				}
			} else {
				timer := a.clock.Timer(d)
				select {
				case <-st.done:
				case <-timer.C:
					if st.claim() {
						chosen = timeoutIdx
					}
				}
				timer.Stop()
			}
		}
		<-st.done
	}

	withdrawAll(posted)

	if chosen >= 0 {
		return chosen, nil, nil
	}
	if p, ok := winner(posted); ok {
		return p.idx, a.valueOf(p), nil
	}
	for _, p := range posted {
		switch p.req.Result() {
		case Result_Poison:
			return -1, nil, &errors.ChannelPoisonError{Channel: p.ch.name}
		case Result_Retire:
			return -1, nil, &errors.ChannelRetireError{Channel: p.ch.name}
		}
	}
	return -1, nil, &errors.ProtocolViolation{Reason: "alternation resolved without a winner"}
}

func (a *Alternation) valueOf(p postedReq) any {
	if p.read {
		return p.req.Msg()
	}
	return nil
}

// Execute selects a guard and runs its action before returning.
func (a *Alternation) Execute() (int, error) {
	idx, v, err := a.Select()
	if err != nil {
		return idx, err
	}

	switch g := a.guards[idx].(type) {
	case *InputGuard:
		if g.action != nil {
			g.action(v)
		}
	case *OutputGuard:
		if g.action != nil {
			g.action()
		}
	case *SkipGuard:
		if g.action != nil {
			g.action()
		}
	case *TimeoutGuard:
		if g.action != nil {
			g.action()
		}
	}
	return idx, nil
}
