package server

import (
	"sync"
	"time"
)

// State is a step in the life of one invocation.
type State int

const (
	StateReceived State = iota
	StateDispatched
	StateDelivering
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateDispatched:
		return "dispatched"
	case StateDelivering:
		return "delivering"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Invocation follows one request from receipt to its terminal state. States
// only move forward; Completed and Failed are terminal.
type Invocation struct {
	Request  *Request
	Mode     DeliveryMode
	Started  time.Time
	Deadline time.Time

	mu     sync.Mutex
	state  State
	status int
	err    error
	done   chan struct{}
	onDone func(*Invocation)
}

func newInvocation(req *Request, mode DeliveryMode, budget time.Duration, onDone func(*Invocation)) *Invocation {
	now := time.Now()
	return &Invocation{
		Request:  req,
		Mode:     mode,
		Started:  now,
		Deadline: now.Add(budget),
		done:     make(chan struct{}),
		onDone:   onDone,
	}
}

func (inv *Invocation) State() State {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.state
}

// Status is the HTTP status the invocation answered with.
func (inv *Invocation) Status() int {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.status
}

// Err is the error that failed the invocation, or a non-fatal delivery
// problem recorded on completion.
func (inv *Invocation) Err() error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.err
}

// Done is closed once the invocation reaches a terminal state.
func (inv *Invocation) Done() <-chan struct{} {
	return inv.done
}

func (inv *Invocation) advance(s State) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if s > inv.state && inv.state < StateCompleted {
		inv.state = s
	}
}

func (inv *Invocation) setStatus(code int) {
	inv.mu.Lock()
	inv.status = code
	inv.mu.Unlock()
}

// noteErr records a handler failure that was turned into an error response.
func (inv *Invocation) noteErr(err error) {
	inv.mu.Lock()
	inv.err = err
	inv.mu.Unlock()
}

// finish moves the invocation to Completed, or Failed when failed is set.
// Only the first call has an effect.
func (inv *Invocation) finish(failed bool, err error) {
	inv.mu.Lock()
	if inv.state >= StateCompleted {
		inv.mu.Unlock()
		return
	}
	inv.state = StateCompleted
	if failed {
		inv.state = StateFailed
	}
	if err != nil {
		inv.err = err
	}
	inv.mu.Unlock()

	close(inv.done)
	if inv.onDone != nil {
		inv.onDone(inv)
	}
}

// Duration is the time from receipt until now.
func (inv *Invocation) Duration() time.Duration {
	return time.Since(inv.Started)
}
