// Package config defines the decoder configuration shared by the pool and its units
package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"

	"github.com/jzx17/decodepool/pkg/checksum"
	"github.com/jzx17/decodepool/pkg/types"
)

// DefaultPoolSize is the number of units a pool keeps alive when PoolSize is unset
const DefaultPoolSize = 4

// OperationMode selects how the device stream is interpreted
type OperationMode int

const (
	// ProjectFile frames are described by a project file
	ProjectFile OperationMode = iota
	// DeviceSendsJSON means the device sends structured, start/end delimited data
	DeviceSendsJSON
	// QuickPlot frames are plain lines of comma separated values
	QuickPlot
)

// String returns the string representation of OperationMode
func (m OperationMode) String() string {
	switch m {
	case ProjectFile:
		return "project-file"
	case DeviceSendsJSON:
		return "device-sends-json"
	case QuickPlot:
		return "quick-plot"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler
func (m OperationMode) MarshalText() ([]byte, error) {
	if m < ProjectFile || m > QuickPlot {
		return nil, fmt.Errorf("%w: operation mode %d", types.ErrInvalidConfig, int(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (m *OperationMode) UnmarshalText(text []byte) error {
	switch normalizeEnum(string(text)) {
	case "projectfile", "project", "0":
		*m = ProjectFile
	case "devicesendsjson", "json", "1":
		*m = DeviceSendsJSON
	case "quickplot", "2":
		*m = QuickPlot
	default:
		return fmt.Errorf("%w: unknown operation mode %q", types.ErrInvalidConfig, text)
	}
	return nil
}

// FrameDetection selects how frame boundaries are found
type FrameDetection int

const (
	// EndDelimiterOnly frames end with FinishSequence
	EndDelimiterOnly FrameDetection = iota
	// StartAndEndDelimiter frames are wrapped in StartSequence and FinishSequence
	StartAndEndDelimiter
	// NoDelimiters passes every buffer through as a single frame
	NoDelimiters
	// StartDelimiterOnly frames begin with StartSequence
	StartDelimiterOnly
)

// String returns the string representation of FrameDetection
func (d FrameDetection) String() string {
	switch d {
	case EndDelimiterOnly:
		return "end-delimiter-only"
	case StartAndEndDelimiter:
		return "start-and-end-delimiter"
	case NoDelimiters:
		return "no-delimiters"
	case StartDelimiterOnly:
		return "start-delimiter-only"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler
func (d FrameDetection) MarshalText() ([]byte, error) {
	if d < EndDelimiterOnly || d > StartDelimiterOnly {
		return nil, fmt.Errorf("%w: frame detection %d", types.ErrInvalidConfig, int(d))
	}
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *FrameDetection) UnmarshalText(text []byte) error {
	switch normalizeEnum(string(text)) {
	case "enddelimiteronly", "end", "0":
		*d = EndDelimiterOnly
	case "startandenddelimiter", "startend", "1":
		*d = StartAndEndDelimiter
	case "nodelimiters", "none", "2":
		*d = NoDelimiters
	case "startdelimiteronly", "start", "3":
		*d = StartDelimiterOnly
	default:
		return fmt.Errorf("%w: unknown frame detection %q", types.ErrInvalidConfig, text)
	}
	return nil
}

func normalizeEnum(s string) string {
	return strings.NewReplacer("-", "", "_", "", " ", "").Replace(strings.ToLower(s))
}

// Sequence is a delimiter byte sequence. In text form it is either the
// literal characters or "hex:" followed by hex digits.
type Sequence []byte

const hexPrefix = "hex:"

// MarshalText implements encoding.TextMarshaler
func (s Sequence) MarshalText() ([]byte, error) {
	for _, b := range s {
		if b > unicode.MaxASCII || !unicode.IsPrint(rune(b)) {
			return []byte(hexPrefix + hex.EncodeToString(s)), nil
		}
	}
	return []byte(s), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *Sequence) UnmarshalText(text []byte) error {
	str := string(text)
	if strings.HasPrefix(str, hexPrefix) {
		decoded, err := hex.DecodeString(str[len(hexPrefix):])
		if err != nil {
			return fmt.Errorf("%w: bad hex sequence %q: %v", types.ErrInvalidConfig, str, err)
		}
		*s = decoded
		return nil
	}
	*s = append(Sequence(nil), text...)
	return nil
}

// Configuration is the decoder configuration held by a pool and broadcast to its units
type Configuration struct {
	OperationMode     OperationMode  `yaml:"operation_mode" json:"operation_mode"`
	FrameDetection    FrameDetection `yaml:"frame_detection" json:"frame_detection"`
	StartSequence     Sequence       `yaml:"start_sequence,omitempty" json:"start_sequence,omitempty"`
	FinishSequence    Sequence       `yaml:"finish_sequence,omitempty" json:"finish_sequence,omitempty"`
	ChecksumAlgorithm string         `yaml:"checksum_algorithm" json:"checksum_algorithm"`

	// BufferCapacity bounds each unit's reassembly buffer; 0 means decoder default
	BufferCapacity int `yaml:"buffer_capacity,omitempty" json:"buffer_capacity,omitempty"`

	// PoolSize is the number of live units; 0 means DefaultPoolSize
	PoolSize int `yaml:"pool_size,omitempty" json:"pool_size,omitempty"`
}

// Default returns the quick-plot, newline terminated configuration
func Default() Configuration {
	return Configuration{
		OperationMode:     QuickPlot,
		FrameDetection:    EndDelimiterOnly,
		FinishSequence:    Sequence("\n"),
		ChecksumAlgorithm: checksum.None,
		PoolSize:          DefaultPoolSize,
	}
}

// WithDefaults fills unset optional fields
func (c Configuration) WithDefaults() Configuration {
	c = c.Clone()
	if c.PoolSize == 0 {
		c.PoolSize = DefaultPoolSize
	}
	c.ChecksumAlgorithm = checksum.Normalize(c.ChecksumAlgorithm)
	return c
}

// Clone returns a deep copy
func (c Configuration) Clone() Configuration {
	if c.StartSequence != nil {
		c.StartSequence = append(Sequence(nil), c.StartSequence...)
	}
	if c.FinishSequence != nil {
		c.FinishSequence = append(Sequence(nil), c.FinishSequence...)
	}
	return c
}

// Validate checks the configuration can drive a decoder
func (c Configuration) Validate() error {
	if c.OperationMode < ProjectFile || c.OperationMode > QuickPlot {
		return fmt.Errorf("%w: operation mode %d", types.ErrInvalidConfig, int(c.OperationMode))
	}
	if c.FrameDetection < EndDelimiterOnly || c.FrameDetection > StartDelimiterOnly {
		return fmt.Errorf("%w: frame detection %d", types.ErrInvalidConfig, int(c.FrameDetection))
	}
	if c.PoolSize < 0 {
		return fmt.Errorf("%w: pool size must not be negative, got %d", types.ErrInvalidConfig, c.PoolSize)
	}
	if c.BufferCapacity < 0 {
		return fmt.Errorf("%w: buffer capacity must not be negative, got %d", types.ErrInvalidConfig, c.BufferCapacity)
	}
	if !checksum.Supported(c.ChecksumAlgorithm) {
		return fmt.Errorf("%w: unsupported checksum algorithm %q", types.ErrInvalidConfig, c.ChecksumAlgorithm)
	}

	needStart, needFinish := false, false
	switch c.OperationMode {
	case DeviceSendsJSON:
		needStart, needFinish = true, true
	case ProjectFile:
		switch c.FrameDetection {
		case EndDelimiterOnly:
			needFinish = true
		case StartDelimiterOnly:
			needStart = true
		case StartAndEndDelimiter:
			needStart, needFinish = true, true
		}
	}
	if needStart && len(c.StartSequence) == 0 {
		return fmt.Errorf("%w: %s/%s requires a start sequence", types.ErrInvalidConfig, c.OperationMode, c.FrameDetection)
	}
	if needFinish && len(c.FinishSequence) == 0 {
		return fmt.Errorf("%w: %s/%s requires a finish sequence", types.ErrInvalidConfig, c.OperationMode, c.FrameDetection)
	}
	return nil
}

// Patch is a partial configuration update; nil fields are left unchanged
type Patch struct {
	OperationMode     *OperationMode
	FrameDetection    *FrameDetection
	StartSequence     Sequence
	FinishSequence    Sequence
	ChecksumAlgorithm *string
	BufferCapacity    *int
	PoolSize          *int
}

// Merge applies p on top of c and returns the result
func (c Configuration) Merge(p Patch) Configuration {
	out := c.Clone()
	if p.OperationMode != nil {
		out.OperationMode = *p.OperationMode
	}
	if p.FrameDetection != nil {
		out.FrameDetection = *p.FrameDetection
	}
	if p.StartSequence != nil {
		out.StartSequence = append(Sequence(nil), p.StartSequence...)
	}
	if p.FinishSequence != nil {
		out.FinishSequence = append(Sequence(nil), p.FinishSequence...)
	}
	if p.ChecksumAlgorithm != nil {
		out.ChecksumAlgorithm = checksum.Normalize(*p.ChecksumAlgorithm)
	}
	if p.BufferCapacity != nil {
		out.BufferCapacity = *p.BufferCapacity
	}
	if p.PoolSize != nil {
		out.PoolSize = *p.PoolSize
	}
	return out
}
