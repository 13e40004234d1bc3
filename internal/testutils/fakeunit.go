package testutils

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jzx17/decodepool/pkg/config"
	"github.com/jzx17/decodepool/pkg/frame"
	"github.com/jzx17/decodepool/pkg/message"
	"github.com/jzx17/decodepool/pkg/types"
	"github.com/jzx17/decodepool/pkg/unit"
)

// Behavior decides how a FakeUnit reacts to an inbound message
type Behavior func(u *FakeUnit, msg message.Inbound)

// Echo replies to every Decode with one frame holding the payload and exits
// cleanly on Shutdown
func Echo(u *FakeUnit, msg message.Inbound) {
	switch m := msg.(type) {
	case message.Decode:
		u.Reply(m.JobID, frame.Frame{Data: m.Payload, ChecksumValid: true})
	case message.Shutdown:
		u.Exit(0)
	}
}

// Hold keeps Decode messages unanswered so the test can settle them with
// Reply, Fail or Exit. Shutdown exits cleanly.
func Hold(u *FakeUnit, msg message.Inbound) {
	if _, ok := msg.(message.Shutdown); ok {
		u.Exit(0)
	}
}

// FakeUnit is a scriptable unit.Unit
type FakeUnit struct {
	id       int
	behavior Behavior
	events   chan message.Outbound
	decodes  chan message.Decode

	mu       sync.Mutex
	received []message.Inbound
	exited   bool
}

// NewFakeUnit creates a FakeUnit
func NewFakeUnit(id int, behavior Behavior) *FakeUnit {
	if behavior == nil {
		behavior = Echo
	}
	return &FakeUnit{
		id:       id,
		behavior: behavior,
		events:   make(chan message.Outbound, 256),
		decodes:  make(chan message.Decode, 256),
	}
}

// ID returns the unit id
func (u *FakeUnit) ID() int {
	return u.id
}

// Events returns the unit's outbound messages
func (u *FakeUnit) Events() <-chan message.Outbound {
	return u.events
}

// Send records msg and applies the behavior
func (u *FakeUnit) Send(msg message.Inbound) error {
	u.mu.Lock()
	if u.exited {
		u.mu.Unlock()
		return types.ErrUnitClosed
	}
	u.received = append(u.received, msg)
	u.mu.Unlock()

	if d, ok := msg.(message.Decode); ok {
		select {
		case u.decodes <- d:
		default:
		}
	}
	u.behavior(u, msg)
	return nil
}

// Kill exits the unit with code 1
func (u *FakeUnit) Kill() {
	u.Exit(1)
}

// Reply raises a DecodeResult
func (u *FakeUnit) Reply(jobID string, frames ...frame.Frame) {
	u.raise(message.DecodeResult{JobID: jobID, Frames: frames})
}

// Fail raises a Failure
func (u *FakeUnit) Fail(jobID string, err error) {
	u.raise(message.Failure{JobID: jobID, Err: err})
}

// Exit raises Exit and closes the event stream. Later calls are ignored.
func (u *FakeUnit) Exit(code int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.exited {
		return
	}
	u.exited = true
	u.events <- message.Exit{Code: code}
	close(u.events)
}

// Exited reports whether the unit has raised Exit
func (u *FakeUnit) Exited() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.exited
}

// Received returns every message sent to the unit
func (u *FakeUnit) Received() []message.Inbound {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]message.Inbound(nil), u.received...)
}

// NextDecode waits for the next Decode sent to the unit
func (u *FakeUnit) NextDecode(timeout time.Duration) (message.Decode, bool) {
	select {
	case d := <-u.decodes:
		return d, true
	case <-time.After(timeout):
		return message.Decode{}, false
	}
}

func (u *FakeUnit) raise(msg message.Outbound) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.exited {
		return
	}
	u.events <- msg
}

// FakeSpawner spawns FakeUnits and remembers them
type FakeSpawner struct {
	behavior Behavior

	mu       sync.Mutex
	units    []*FakeUnit
	failures []error
	spawned  chan *FakeUnit
}

// NewFakeSpawner creates a FakeSpawner whose units use behavior
func NewFakeSpawner(behavior Behavior) *FakeSpawner {
	return &FakeSpawner{
		behavior: behavior,
		spawned:  make(chan *FakeUnit, 256),
	}
}

// FailNext makes the next n spawns fail with err
func (s *FakeSpawner) FailNext(n int, err error) {
	if err == nil {
		err = errors.New("spawn failed")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.failures = append(s.failures, err)
	}
}

// Spawn creates a FakeUnit unless a failure is queued
func (s *FakeSpawner) Spawn(ctx context.Context, id int, _ config.Configuration) (unit.Unit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		s.mu.Unlock()
		return nil, err
	}
	u := NewFakeUnit(id, s.behavior)
	s.units = append(s.units, u)
	s.mu.Unlock()

	select {
	case s.spawned <- u:
	default:
	}
	return u, nil
}

// Units returns every unit spawned so far
func (s *FakeSpawner) Units() []*FakeUnit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*FakeUnit(nil), s.units...)
}

// Count returns the number of units spawned so far
func (s *FakeSpawner) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.units)
}

// NextSpawned waits for the next spawned unit
func (s *FakeSpawner) NextSpawned(timeout time.Duration) (*FakeUnit, bool) {
	select {
	case u := <-s.spawned:
		return u, true
	case <-time.After(timeout):
		return nil, false
	}
}
