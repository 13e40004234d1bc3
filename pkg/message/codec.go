package message

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"

	"github.com/jzx17/decodepool/pkg/config"
	"github.com/jzx17/decodepool/pkg/frame"
)

// Envelope is the wire form of a message: a tag, the job it belongs to and a
// kind specific payload
type Envelope struct {
	Type    Kind            `json:"type"`
	JobID   string          `json:"jobId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Reset   bool            `json:"reset,omitempty"`
}

type failurePayload struct {
	Message string `json:"message"`
}

type exitPayload struct {
	Code int `json:"code"`
}

// leading byte of every encoded message
const (
	formatPlain byte = iota
	formatZstd
)

// CodecConfig configures a Codec
type CodecConfig struct {
	// Compress enables zstd compression of envelopes
	Compress bool

	// MinCompressSize is the envelope size below which compression is skipped
	MinCompressSize int

	// Level is the zstd encoder level
	Level zstd.EncoderLevel
}

// DefaultCodecConfig returns an uncompressed codec configuration
func DefaultCodecConfig() *CodecConfig {
	return &CodecConfig{
		MinCompressSize: 1024,
		Level:           zstd.SpeedFastest,
	}
}

// Codec converts messages to and from bytes. It is safe for concurrent use.
type Codec struct {
	config  *CodecConfig
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewCodec creates a Codec
func NewCodec(cfg *CodecConfig) (*Codec, error) {
	if cfg == nil {
		cfg = DefaultCodecConfig()
	}

	c := &Codec{config: cfg}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	c.decoder = decoder

	if cfg.Compress {
		encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(cfg.Level))
		if err != nil {
			decoder.Close()
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		c.encoder = encoder
	}

	return c, nil
}

// Close releases compression resources
func (c *Codec) Close() {
	if c.encoder != nil {
		_ = c.encoder.Close()
	}
	c.decoder.Close()
}

// Encode serializes msg
func (c *Codec) Encode(msg Message) ([]byte, error) {
	env, err := ToEnvelope(msg)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", env.Type, err)
	}

	if c.encoder != nil && len(raw) >= c.config.MinCompressSize {
		out := make([]byte, 1, len(raw)/2+1)
		out[0] = formatZstd
		return c.encoder.EncodeAll(raw, out), nil
	}

	out := make([]byte, 0, len(raw)+1)
	out = append(out, formatPlain)
	return append(out, raw...), nil
}

// Decode parses bytes produced by Encode
func (c *Codec) Decode(data []byte) (Message, error) {
	if len(data) == 0 {
		return nil, errors.New("empty message")
	}

	raw := data[1:]
	switch data[0] {
	case formatPlain:
	case formatZstd:
		var err error
		raw, err = c.decoder.DecodeAll(raw, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress message: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown message format %d", data[0])
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return FromEnvelope(env)
}

// ToEnvelope converts msg to its wire envelope
func ToEnvelope(msg Message) (Envelope, error) {
	env := Envelope{Type: msg.Kind()}

	var payload any
	switch m := msg.(type) {
	case Configure:
		payload = m.Config
	case Decode:
		env.JobID = m.JobID
		env.Reset = m.Reset
		payload = m.Payload
	case Shutdown:
	case DecodeResult:
		env.JobID = m.JobID
		payload = m.Frames
	case Failure:
		env.JobID = m.JobID
		text := "unknown unit failure"
		if m.Err != nil {
			text = m.Err.Error()
		}
		payload = failurePayload{Message: text}
	case Exit:
		payload = exitPayload{Code: m.Code}
	default:
		return Envelope{}, fmt.Errorf("unsupported message type %T", msg)
	}

	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", env.Type, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// FromEnvelope converts a wire envelope back to a message
func FromEnvelope(env Envelope) (Message, error) {
	switch env.Type {
	case KindConfigure:
		var cfg config.Configuration
		if err := unmarshalPayload(env, &cfg); err != nil {
			return nil, err
		}
		return Configure{Config: cfg}, nil
	case KindDecode:
		var payload []byte
		if err := unmarshalPayload(env, &payload); err != nil {
			return nil, err
		}
		return Decode{JobID: env.JobID, Payload: payload, Reset: env.Reset}, nil
	case KindShutdown:
		return Shutdown{}, nil
	case KindDecodeResult:
		var frames []frame.Frame
		if err := unmarshalPayload(env, &frames); err != nil {
			return nil, err
		}
		return DecodeResult{JobID: env.JobID, Frames: frames}, nil
	case KindFailure:
		var p failurePayload
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		return Failure{JobID: env.JobID, Err: errors.New(p.Message)}, nil
	case KindExit:
		var p exitPayload
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		return Exit{Code: p.Code}, nil
	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}
}

func unmarshalPayload(env Envelope, v any) error {
	if len(env.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", env.Type, err)
	}
	return nil
}
