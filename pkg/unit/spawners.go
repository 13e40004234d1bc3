package unit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/jzx17/decodepool/pkg/config"
	"github.com/jzx17/decodepool/pkg/message"
	"github.com/jzx17/decodepool/pkg/types"
)

// PipeSpawner runs Serve in-process and reaches it through net.Pipe, so
// every message crosses the wire codec
type PipeSpawner struct {
	Codec        *message.Codec
	Clock        types.Clock
	NewProcessor ProcessorFactory
	MailboxSize  int
	Logger       *zap.Logger
}

// NewPipeSpawner creates a PipeSpawner sharing codec across its units
func NewPipeSpawner(codec *message.Codec) *PipeSpawner {
	return &PipeSpawner{
		Codec:  codec,
		Clock:  types.NewRealClock(),
		Logger: zap.NewNop(),
	}
}

// Spawn starts a served unit and configures it with cfg
func (s *PipeSpawner) Spawn(ctx context.Context, id int, cfg config.Configuration) (Unit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Codec == nil {
		return nil, errors.New("pipe spawner: codec is required")
	}
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	local, remote := net.Pipe()
	go func() {
		defer remote.Close()
		err := Serve(context.Background(), remote, ServeOptions{
			Codec:        s.Codec,
			Clock:        s.Clock,
			NewProcessor: s.NewProcessor,
			Config:       cfg,
		})
		if err != nil {
			logger.Debug("served unit stopped", zap.Int("unit_id", id), zap.Error(err))
		}
	}()

	u := NewStream(id, local, s.Codec, s.MailboxSize)
	if err := u.Send(message.Configure{Config: cfg}); err != nil {
		u.Kill()
		return nil, err
	}
	return u, nil
}

// ExecSpawner runs each unit as a child process speaking the stream
// protocol on its stdin and stdout
type ExecSpawner struct {
	Path        string
	Args        []string
	Env         []string
	Stderr      io.Writer
	Codec       *message.Codec
	MailboxSize int
	Clock       types.Clock
	// ExitGrace is how long a child may take to exit after its stdin closes
	// before it is killed. Zero waits indefinitely.
	ExitGrace time.Duration
}

// DefaultExitGrace is the ExitGrace of a new ExecSpawner
const DefaultExitGrace = 5 * time.Second

// NewExecSpawner creates an ExecSpawner for the given command
func NewExecSpawner(codec *message.Codec, path string, args ...string) *ExecSpawner {
	return &ExecSpawner{
		Path:   path,
		Args:   args,
		Stderr:    os.Stderr,
		Codec:     codec,
		Clock:     types.NewRealClock(),
		ExitGrace: DefaultExitGrace,
	}
}

// Spawn starts the child process and configures it with cfg
func (s *ExecSpawner) Spawn(ctx context.Context, id int, cfg config.Configuration) (Unit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Codec == nil {
		return nil, errors.New("exec spawner: codec is required")
	}

	// the child must outlive ctx, so it is not bound to it
	cmd := exec.Command(s.Path, s.Args...)
	if len(s.Env) > 0 {
		cmd.Env = append(os.Environ(), s.Env...)
	}
	cmd.Stderr = s.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("unit %d stdin: %w", id, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("unit %d stdout: %w", id, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start unit %d: %w", id, err)
	}

	clock := s.Clock
	if clock == nil {
		clock = types.NewRealClock()
	}
	conn := &processConn{cmd: cmd, stdin: stdin, stdout: stdout, clock: clock, grace: s.ExitGrace}
	u := NewStream(id, conn, s.Codec, s.MailboxSize)
	if err := u.Send(message.Configure{Config: cfg}); err != nil {
		u.Kill()
		return nil, err
	}
	return u, nil
}

type processConn struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	clock  types.Clock
	grace  time.Duration
}

func (c *processConn) Read(p []byte) (int, error) {
	return c.stdout.Read(p)
}

func (c *processConn) Write(p []byte) (int, error) {
	return c.stdin.Write(p)
}

// Close closes stdin and reaps the child. A child still running after the
// grace period is killed.
func (c *processConn) Close() error {
	err := c.stdin.Close()

	exited := make(chan error, 1)
	go func() { exited <- c.cmd.Wait() }()

	var werr error
	if c.grace > 0 {
		timer := c.clock.NewTimer(c.grace)
		select {
		case werr = <-exited:
			timer.Stop()
		case <-timer.C():
			_ = c.Kill()
			werr = <-exited
			if err == nil {
				err = fmt.Errorf("unit did not exit within %s", c.grace)
			}
		}
	} else {
		werr = <-exited
	}

	if werr != nil && err == nil {
		var exitErr *exec.ExitError
		if !errors.As(werr, &exitErr) {
			err = werr
		}
	}
	return err
}

func (c *processConn) Kill() error {
	if c.cmd.Process == nil {
		return nil
	}
	return c.cmd.Process.Kill()
}

// StdioConn joins a reader and a writer into a connection, as used by a unit
// process serving on its standard streams
type StdioConn struct {
	io.Reader
	io.Writer
}

// Close is a no-op, the process exit releases the streams
func (StdioConn) Close() error {
	return nil
}
