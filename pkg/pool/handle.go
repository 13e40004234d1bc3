package pool

import (
	"container/list"
	"context"
	"time"

	"github.com/jzx17/decodepool/pkg/frame"
	"github.com/jzx17/decodepool/pkg/unit"
)

// unitState defines the state of a unit handle
type unitState int

const (
	stateCreating unitState = iota
	stateIdle
	stateBusy
	stateError
)

// String returns the string representation of unitState
func (s unitState) String() string {
	switch s {
	case stateCreating:
		return "creating"
	case stateIdle:
		return "idle"
	case stateBusy:
		return "busy"
	case stateError:
		return "error"
	default:
		return "unknown"
	}
}

// unitHandle is the manager's record of one unit. Only the control
// goroutine touches it.
type unitHandle struct {
	id       int
	unit     unit.Unit
	state    unitState
	created  time.Time
	lastUsed time.Time
	pending  map[string]*job
	// cfgDirty marks a unit that has not yet been sent the current configuration
	cfgDirty bool
}

func newUnitHandle(id int, u unit.Unit, now time.Time) *unitHandle {
	return &unitHandle{
		id:       id,
		unit:     u,
		state:    stateCreating,
		created:  now,
		lastUsed: now,
		pending:  make(map[string]*job),
	}
}

// job is a decode dispatched to a unit and not yet answered
type job struct {
	id     string
	unitID int
	start  time.Time
	end    time.Time
	req    *request
}

// Result is the outcome of one decode
type Result struct {
	JobID   string
	Frames  []frame.Frame
	Err     error
	Elapsed time.Duration
}

// request is a caller's decode from submission until it is settled
type request struct {
	ctx       context.Context
	payload   []byte
	submitted time.Time
	result    chan Result
	elem      *list.Element
	settled   bool
}

func newRequest(ctx context.Context, payload []byte, now time.Time) *request {
	return &request{
		ctx:       ctx,
		payload:   append([]byte(nil), payload...),
		submitted: now,
		result:    make(chan Result, 1),
	}
}

// settle delivers res once. The channel is buffered so the control
// goroutine never blocks on a caller.
func (r *request) settle(res Result) {
	if r.settled {
		return
	}
	r.settled = true
	r.result <- res
}

// waitQueue holds requests in arrival order
type waitQueue struct {
	items *list.List
}

func newWaitQueue() *waitQueue {
	return &waitQueue{items: list.New()}
}

func (q *waitQueue) push(r *request) {
	r.elem = q.items.PushBack(r)
}

// pop returns the oldest request, or nil
func (q *waitQueue) pop() *request {
	front := q.items.Front()
	if front == nil {
		return nil
	}
	r := q.items.Remove(front).(*request)
	r.elem = nil
	return r
}

// remove drops r if it is still waiting
func (q *waitQueue) remove(r *request) bool {
	if r.elem == nil {
		return false
	}
	q.items.Remove(r.elem)
	r.elem = nil
	return true
}

func (q *waitQueue) len() int {
	return q.items.Len()
}
