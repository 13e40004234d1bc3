package unit

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/jzx17/decodepool/pkg/config"
	"github.com/jzx17/decodepool/pkg/frame"
	"github.com/jzx17/decodepool/pkg/message"
	"github.com/jzx17/decodepool/pkg/types"
)

// DefaultMailboxSize is the number of inbound messages a unit buffers
const DefaultMailboxSize = 16

// ErrMailboxFull is returned by Send when the unit cannot accept another message
var ErrMailboxFull = errors.New("unit mailbox full")

// Unit is an isolated decode worker reached only through messages
type Unit interface {
	// ID returns the id the pool assigned at spawn time
	ID() int
	// Send queues msg for the unit without blocking
	Send(msg message.Inbound) error
	// Events returns the unit's outbound messages. The channel ends with an
	// Exit and is then closed.
	Events() <-chan message.Outbound
	// Kill stops the unit without waiting for in-flight work. It is
	// idempotent and the unit still raises Exit.
	Kill()
}

// Spawner creates units
type Spawner interface {
	Spawn(ctx context.Context, id int, cfg config.Configuration) (Unit, error)
}

// SpawnerFunc adapts a function to Spawner
type SpawnerFunc func(ctx context.Context, id int, cfg config.Configuration) (Unit, error)

// Spawn calls f
func (f SpawnerFunc) Spawn(ctx context.Context, id int, cfg config.Configuration) (Unit, error) {
	return f(ctx, id, cfg)
}

// Processor is the decode body run inside a unit. It is used by one goroutine only.
type Processor interface {
	Configure(cfg config.Configuration)
	Process(data []byte) ([]frame.Frame, error)
}

// Resetter is implemented by processors that carry state between jobs
type Resetter interface {
	Reset()
}

// ProcessorFactory builds the processor for a new unit
type ProcessorFactory func(cfg config.Configuration, clock types.Clock) Processor

type decoderProcessor struct {
	decoder *frame.Decoder
}

// NewDecoderProcessor returns a Processor backed by a frame.Decoder
func NewDecoderProcessor(cfg config.Configuration, clock types.Clock) Processor {
	return &decoderProcessor{decoder: frame.NewDecoderWithClock(cfg, clock)}
}

func (p *decoderProcessor) Configure(cfg config.Configuration) {
	p.decoder.Configure(cfg)
}

func (p *decoderProcessor) Reset() {
	p.decoder.Reset()
}

func (p *decoderProcessor) Process(data []byte) ([]frame.Frame, error) {
	return p.decoder.Process(data), nil
}

// PanicError is the failure raised when a processor panics
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap returns the panic value when it is an error
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

func process(proc Processor, data []byte) (frames []frame.Frame, err error) {
	defer func() {
		if r := recover(); r != nil {
			var buf [4096]byte
			n := runtime.Stack(buf[:], false)
			err = &PanicError{Value: r, Stack: buf[:n]}
		}
	}()
	return proc.Process(data)
}

// step applies one inbound message to proc. It returns the reply to raise,
// if any, and the exit to raise when the unit must stop.
func step(proc Processor, msg message.Inbound) (message.Outbound, *message.Exit) {
	switch m := msg.(type) {
	case message.Configure:
		proc.Configure(m.Config)
		return nil, nil
	case message.Decode:
		if r, ok := proc.(Resetter); ok && m.Reset {
			r.Reset()
		}
		frames, err := process(proc, m.Payload)
		if err != nil {
			return message.Failure{JobID: m.JobID, Err: err}, &message.Exit{Code: 1}
		}
		return message.DecodeResult{JobID: m.JobID, Frames: frames}, nil
	case message.Shutdown:
		return nil, &message.Exit{Code: 0}
	default:
		return message.Failure{Err: fmt.Errorf("unsupported message %T", msg)}, &message.Exit{Code: 1}
	}
}
