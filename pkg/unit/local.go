package unit

import (
	"context"
	"fmt"
	"sync"

	"github.com/jzx17/decodepool/pkg/config"
	"github.com/jzx17/decodepool/pkg/message"
	"github.com/jzx17/decodepool/pkg/types"
)

// Local is a unit running on its own goroutine in this process
type Local struct {
	id      int
	proc    Processor
	mailbox chan message.Inbound
	events  chan message.Outbound
	kill    chan struct{}
	done    chan struct{}

	killOnce sync.Once
}

// NewLocal creates and starts a Local unit
func NewLocal(id int, proc Processor, mailboxSize int) *Local {
	if mailboxSize <= 0 {
		mailboxSize = DefaultMailboxSize
	}

	u := &Local{
		id:      id,
		proc:    proc,
		mailbox: make(chan message.Inbound, mailboxSize),
		events:  make(chan message.Outbound, 4),
		kill:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go u.run()
	return u
}

// ID returns the unit id
func (u *Local) ID() int {
	return u.id
}

// Events returns the unit's outbound messages
func (u *Local) Events() <-chan message.Outbound {
	return u.events
}

// Send queues msg in the mailbox
func (u *Local) Send(msg message.Inbound) error {
	select {
	case <-u.done:
		return types.ErrUnitClosed
	default:
	}

	select {
	case u.mailbox <- msg:
		return nil
	default:
		return fmt.Errorf("unit %d: %w", u.id, ErrMailboxFull)
	}
}

// Kill stops the unit after the message it is currently handling
func (u *Local) Kill() {
	u.killOnce.Do(func() {
		close(u.kill)
	})
}

// Done is closed once the unit has raised Exit
func (u *Local) Done() <-chan struct{} {
	return u.done
}

func (u *Local) run() {
	exit := message.Exit{Code: 1}
	defer func() {
		u.events <- exit
		close(u.events)
		close(u.done)
	}()

	for {
		// a pending kill wins over queued work
		select {
		case <-u.kill:
			return
		default:
		}

		select {
		case <-u.kill:
			return
		case msg := <-u.mailbox:
			reply, stop := step(u.proc, msg)
			if reply != nil && !u.emit(reply) {
				return
			}
			if stop != nil {
				exit = *stop
				return
			}
		}
	}
}

func (u *Local) emit(msg message.Outbound) bool {
	select {
	case <-u.kill:
		return false
	default:
	}

	select {
	case u.events <- msg:
		return true
	case <-u.kill:
		return false
	}
}

// LocalSpawner spawns Local units
type LocalSpawner struct {
	// Clock stamps decoded frames, defaults to the real clock
	Clock types.Clock

	// NewProcessor builds each unit's processor, defaults to NewDecoderProcessor
	NewProcessor ProcessorFactory

	MailboxSize int
}

// NewLocalSpawner returns a spawner of frame decoding units
func NewLocalSpawner() *LocalSpawner {
	return &LocalSpawner{
		Clock:        types.NewRealClock(),
		NewProcessor: NewDecoderProcessor,
		MailboxSize:  DefaultMailboxSize,
	}
}

// Spawn starts a Local unit configured with cfg
func (s *LocalSpawner) Spawn(ctx context.Context, id int, cfg config.Configuration) (Unit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	clock := s.Clock
	if clock == nil {
		clock = types.NewRealClock()
	}
	factory := s.NewProcessor
	if factory == nil {
		factory = NewDecoderProcessor
	}

	return NewLocal(id, factory(cfg, clock), s.MailboxSize), nil
}
