package unit

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/jzx17/decodepool/pkg/config"
	"github.com/jzx17/decodepool/pkg/message"
	"github.com/jzx17/decodepool/pkg/types"
)

// MaxMessageSize bounds a single encoded message on a stream
const MaxMessageSize = 64 * 1024 * 1024

// WriteMessage writes data with a 4 byte big-endian length prefix
func WriteMessage(w io.Writer, data []byte) error {
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message of %d bytes exceeds limit", len(data))
	}

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(data)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// ReadMessage reads one length-prefixed message
func ReadMessage(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(prefix[:])
	if n > MaxMessageSize {
		return nil, fmt.Errorf("message of %d bytes exceeds limit", n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read message body: %w", err)
	}
	return data, nil
}

// Stream is a unit reached over a byte stream, typically another process
type Stream struct {
	id     int
	conn   io.ReadWriteCloser
	codec  *message.Codec
	outbox chan []byte
	events chan message.Outbound
	done   chan struct{}

	killOnce  sync.Once
	killed    chan struct{}
	closeOnce sync.Once
}

// killer is implemented by connections that can stop their peer outright
type killer interface {
	Kill() error
}

// NewStream starts a Stream unit on conn
func NewStream(id int, conn io.ReadWriteCloser, codec *message.Codec, mailboxSize int) *Stream {
	if mailboxSize <= 0 {
		mailboxSize = DefaultMailboxSize
	}

	s := &Stream{
		id:     id,
		conn:   conn,
		codec:  codec,
		outbox: make(chan []byte, mailboxSize),
		events: make(chan message.Outbound, 4),
		done:   make(chan struct{}),
		killed: make(chan struct{}),
	}
	go s.writeLoop()
	go s.readLoop()
	return s
}

// ID returns the unit id
func (s *Stream) ID() int {
	return s.id
}

// Events returns the unit's outbound messages
func (s *Stream) Events() <-chan message.Outbound {
	return s.events
}

// Send encodes msg and queues it for the peer
func (s *Stream) Send(msg message.Inbound) error {
	select {
	case <-s.done:
		return types.ErrUnitClosed
	default:
	}

	data, err := s.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("unit %d: %w", s.id, err)
	}

	select {
	case s.outbox <- data:
		return nil
	default:
		return fmt.Errorf("unit %d: %w", s.id, ErrMailboxFull)
	}
}

// Kill stops the peer and closes the connection
func (s *Stream) Kill() {
	s.killOnce.Do(func() {
		close(s.killed)
		if k, ok := s.conn.(killer); ok {
			_ = k.Kill()
		}
		s.close()
	})
}

func (s *Stream) close() {
	s.closeOnce.Do(func() {
		_ = s.conn.Close()
	})
}

func (s *Stream) writeLoop() {
	w := bufio.NewWriter(s.conn)
	for {
		select {
		case <-s.done:
			return
		case data := <-s.outbox:
			err := WriteMessage(w, data)
			if err == nil {
				err = w.Flush()
			}
			if err != nil {
				// the read side observes the broken connection
				s.close()
				return
			}
		}
	}
}

func (s *Stream) readLoop() {
	exit := message.Exit{Code: 1}
	defer func() {
		s.events <- exit
		close(s.events)
		close(s.done)
		s.close()
	}()

	r := bufio.NewReader(s.conn)
	for {
		data, err := ReadMessage(r)
		if err != nil {
			s.lost(err)
			return
		}

		msg, err := s.codec.Decode(data)
		if err != nil {
			s.lost(err)
			return
		}

		switch m := msg.(type) {
		case message.Exit:
			exit = m
			return
		case message.DecodeResult, message.Failure:
			s.events <- m.(message.Outbound)
		default:
			s.lost(fmt.Errorf("unexpected %s message from unit", msg.Kind()))
			return
		}
	}
}

// lost reports a connection failure unless the unit was killed
func (s *Stream) lost(err error) {
	select {
	case <-s.killed:
		return
	default:
	}
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	s.events <- message.Failure{Err: fmt.Errorf("unit %d connection lost: %w", s.id, err)}
}

// ServeOptions configures Serve
type ServeOptions struct {
	Codec        *message.Codec
	Clock        types.Clock
	NewProcessor ProcessorFactory
	Config       config.Configuration
}

// Serve runs the unit side of the stream protocol on conn until a Shutdown
// arrives, a decode fails, the connection breaks or ctx is done.
func Serve(ctx context.Context, conn io.ReadWriteCloser, opts ServeOptions) error {
	if opts.Codec == nil {
		return errors.New("serve: codec is required")
	}
	clock := opts.Clock
	if clock == nil {
		clock = types.NewRealClock()
	}
	factory := opts.NewProcessor
	if factory == nil {
		factory = NewDecoderProcessor
	}
	proc := factory(opts.Config.WithDefaults(), clock)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	write := func(msg message.Outbound) error {
		data, err := opts.Codec.Encode(msg)
		if err != nil {
			return err
		}
		if err := WriteMessage(w, data); err != nil {
			return err
		}
		return w.Flush()
	}

	for {
		data, err := ReadMessage(r)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}

		msg, err := opts.Codec.Decode(data)
		if err != nil {
			_ = write(message.Failure{Err: err})
			_ = write(message.Exit{Code: 1})
			return err
		}
		in, ok := msg.(message.Inbound)
		if !ok {
			err = fmt.Errorf("unexpected %s message from pool", msg.Kind())
			_ = write(message.Failure{Err: err})
			_ = write(message.Exit{Code: 1})
			return err
		}

		reply, stop := step(proc, in)
		if reply != nil {
			if err := write(reply); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		}
		if stop != nil {
			if err := write(*stop); err != nil {
				return fmt.Errorf("write: %w", err)
			}
			if f, ok := reply.(message.Failure); ok {
				return f.Err
			}
			return nil
		}
	}
}
