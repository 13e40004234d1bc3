package unit

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/jzx17/decodepool/pkg/config"
	"github.com/jzx17/decodepool/pkg/frame"
	"github.com/jzx17/decodepool/pkg/message"
	"github.com/jzx17/decodepool/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCodec(t *testing.T) *message.Codec {
	t.Helper()
	cfg := message.DefaultCodecConfig()
	cfg.Compress = true
	c, err := message.NewCodec(cfg)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestMessageFraming(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, []byte("hello")))
	require.NoError(t, WriteMessage(&buf, nil))
	assert.Equal(t, []byte{0, 0, 0, 5}, buf.Bytes()[:4])

	data, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	data, err = ReadMessage(&buf)
	require.NoError(t, err)
	assert.Empty(t, data)

	_, err = ReadMessage(&buf)
	assert.Error(t, err)

	// oversized prefix
	_, err = ReadMessage(bytes.NewReader([]byte{0xFF, 0xFF, 0xFF, 0xFF}))
	assert.Error(t, err)

	// truncated body
	_, err = ReadMessage(bytes.NewReader([]byte{0, 0, 0, 4, 'a'}))
	assert.Error(t, err)
}

func TestPipeSpawner_RoundTrip(t *testing.T) {
	s := NewPipeSpawner(testCodec(t))
	u, err := s.Spawn(context.Background(), 9, config.Default())
	require.NoError(t, err)
	assert.Equal(t, 9, u.ID())

	payload := bytes.Repeat([]byte("10,20,30\n"), 500)
	require.NoError(t, u.Send(message.Decode{JobID: "job", Payload: payload}))

	res, ok := next(t, u.Events()).(message.DecodeResult)
	require.True(t, ok)
	assert.Equal(t, "job", res.JobID)
	require.Len(t, res.Frames, 500)
	assert.Equal(t, []byte("10,20,30"), res.Frames[499].Data)
	assert.Equal(t, uint64(499), res.Frames[499].Sequence)

	require.NoError(t, u.Send(message.Shutdown{}))
	assert.Equal(t, message.Exit{Code: 0}, next(t, u.Events()))
	requireClosed(t, u.Events())
	assert.ErrorIs(t, u.Send(message.Shutdown{}), types.ErrUnitClosed)
}

func TestPipeSpawner_ConfigureApplied(t *testing.T) {
	s := NewPipeSpawner(testCodec(t))
	u, err := s.Spawn(context.Background(), 1, config.Configuration{
		OperationMode:  config.DeviceSendsJSON,
		StartSequence:  config.Sequence("{"),
		FinishSequence: config.Sequence("}"),
	})
	require.NoError(t, err)
	defer u.Kill()

	require.NoError(t, u.Send(message.Decode{JobID: "j", Payload: []byte(`xx{"t":1}yy`)}))
	res := next(t, u.Events()).(message.DecodeResult)
	require.Len(t, res.Frames, 1)
	assert.Equal(t, []byte(`"t":1`), res.Frames[0].Data)
}

func TestPipeSpawner_FailureCrossesWire(t *testing.T) {
	s := NewPipeSpawner(testCodec(t))
	s.NewProcessor = func(config.Configuration, types.Clock) Processor {
		return &funcProcessor{fn: func([]byte) ([]frame.Frame, error) {
			return nil, errors.New("bad frame table")
		}}
	}
	u, err := s.Spawn(context.Background(), 2, config.Default())
	require.NoError(t, err)

	require.NoError(t, u.Send(message.Decode{JobID: "f"}))
	failure, ok := next(t, u.Events()).(message.Failure)
	require.True(t, ok)
	assert.Equal(t, "f", failure.JobID)
	assert.EqualError(t, failure.Err, "bad frame table")
	assert.Equal(t, message.Exit{Code: 1}, next(t, u.Events()))
}

func TestStream_KillRaisesExitOnly(t *testing.T) {
	s := NewPipeSpawner(testCodec(t))
	u, err := s.Spawn(context.Background(), 3, config.Default())
	require.NoError(t, err)

	u.Kill()
	u.Kill()
	assert.Equal(t, message.Exit{Code: 1}, next(t, u.Events()))
	requireClosed(t, u.Events())
}

func TestStream_PeerVanishes(t *testing.T) {
	local, remote := net.Pipe()
	u := NewStream(4, local, testCodec(t), 0)

	require.NoError(t, remote.Close())

	failure, ok := next(t, u.Events()).(message.Failure)
	require.True(t, ok)
	assert.Contains(t, failure.Err.Error(), "connection lost")
	assert.Equal(t, message.Exit{Code: 1}, next(t, u.Events()))
}

func TestServe_StopsOnContext(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- Serve(ctx, remote, ServeOptions{Codec: testCodec(t), Config: config.Default()})
	}()

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestServe_RequiresCodec(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()
	assert.Error(t, Serve(context.Background(), remote, ServeOptions{}))
}
