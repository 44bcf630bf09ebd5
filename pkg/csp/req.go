package csp

import (
	"sync"
	"sync/atomic"
)

type Result uint8

const (
	Result_Pending Result = iota
	Result_Success
	Result_Poison
	Result_Retire
)

func (r Result) String() string {
	switch r {
	case Result_Pending:
		return "pending"
	case Result_Success:
		return "success"
	case Result_Poison:
		return "poison"
	case Result_Retire:
		return "retire"
	}
	return "unknown"
}

type statusState uint8

const (
	state_Active statusState = iota
	state_Done
	state_Poison
	state_Retire
)

var nextStatusId atomic.Uint64

// reqStatus is the commit slot shared by every request one task has posted
// for a single operation. It resolves exactly once.
type reqStatus struct {
	id    uint64
	mu    sync.Mutex
	state statusState
	done  chan struct{}
}

func newReqStatus() *reqStatus {
	return &reqStatus{
		id:    nextStatusId.Add(1),
		state: state_Active,
		done:  make(chan struct{}),
	}
}

// resolveLocked moves an active status to s and wakes its owner.
func (st *reqStatus) resolveLocked(s statusState) {
	st.state = s
	close(st.done)
}

func (st *reqStatus) isActive() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.state == state_Active
}

// claim commits the status without a channel partner (Skip, Timeout).
func (st *reqStatus) claim() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.state != state_Active {
		return false
	}
	st.resolveLocked(state_Done)
	return true
}

// ChannelReq is one pending read or write intent. It is referenced, not owned,
// by the channel queue it is posted to.
type ChannelReq struct {
	status *reqStatus
	msg    any
	result Result
}

func newReadReq(st *reqStatus) *ChannelReq {
	return &ChannelReq{status: st}
}

func newWriteReq(st *reqStatus, msg any) *ChannelReq {
	return &ChannelReq{status: st, msg: msg}
}

// Result must only be read after the owning status has resolved.
func (r *ChannelReq) Result() Result {
	r.status.mu.Lock()
	defer r.status.mu.Unlock()
	return r.result
}

func (r *ChannelReq) Msg() any {
	r.status.mu.Lock()
	defer r.status.mu.Unlock()
	return r.msg
}

func (r *ChannelReq) poison() {
	r.status.mu.Lock()
	defer r.status.mu.Unlock()
	if r.status.state != state_Active {
		return
	}
	r.result = Result_Poison
	r.status.resolveLocked(state_Poison)
}

func (r *ChannelReq) retire() {
	r.status.mu.Lock()
	defer r.status.mu.Unlock()
	if r.status.state != state_Active {
		return
	}
	r.result = Result_Retire
	r.status.resolveLocked(state_Retire)
}

// offer hands the write request's message to the read request if, and only
// if, both owners are still uncommitted. Both status locks are held across the
// check so a task alternating on several channels cannot be matched twice.
func offer(w, r *ChannelReq) bool {
	if w.status == r.status {
		return false
	}

	first, second := w.status, r.status
	if second.id < first.id {
		first, second = second, first
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	if w.status.state != state_Active || r.status.state != state_Active {
		return false
	}

	r.msg = w.msg
	w.result = Result_Success
	r.result = Result_Success
	w.status.resolveLocked(state_Done)
	r.status.resolveLocked(state_Done)
	return true
}
