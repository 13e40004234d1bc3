// Package frame extracts delimited, checksummed frames from a raw device byte stream.
//
// A Decoder is the body of a decode unit: it keeps a bounded reassembly
// buffer between calls so frames split across buffers are joined, and it is
// owned by exactly one goroutine.
package frame

import (
	"bytes"
	"time"

	"github.com/jzx17/decodepool/pkg/checksum"
	"github.com/jzx17/decodepool/pkg/config"
	"github.com/jzx17/decodepool/pkg/types"
)

// DefaultBufferCapacity is the reassembly buffer size used when the
// configuration leaves BufferCapacity unset
const DefaultBufferCapacity = 10 * 1024 * 1024

var quickPlotDelimiters = [][]byte{
	{'\r', '\n'},
	{'\n'},
	{'\r'},
}

// Frame is one decoded frame
type Frame struct {
	Data          []byte    `json:"data"`
	Timestamp     time.Time `json:"timestamp"`
	Sequence      uint64    `json:"sequence"`
	ChecksumValid bool      `json:"checksum_valid"`
}

// BufferStats describes the reassembly buffer
type BufferStats struct {
	Size               int     `json:"size"`
	Capacity           int     `json:"capacity"`
	FreeSpace          int     `json:"free_space"`
	UtilizationPercent float64 `json:"utilization_percent"`
	FramesDecoded      uint64  `json:"frames_decoded"`
	ChecksumErrors     uint64  `json:"checksum_errors"`
	BytesDiscarded     uint64  `json:"bytes_discarded"`
}

// Decoder turns byte buffers into frames
type Decoder struct {
	cfg         config.Configuration
	buf         []byte
	capacity    int
	checksumLen int
	sequence    uint64
	clock       types.Clock

	checksumErrors uint64
	discarded      uint64
}

// NewDecoder creates a Decoder with the real clock
func NewDecoder(cfg config.Configuration) *Decoder {
	return NewDecoderWithClock(cfg, types.NewRealClock())
}

// NewDecoderWithClock creates a Decoder that stamps frames using clock
func NewDecoderWithClock(cfg config.Configuration, clock types.Clock) *Decoder {
	if clock == nil {
		clock = types.NewRealClock()
	}
	d := &Decoder{clock: clock}
	d.Configure(cfg)
	return d
}

// Configure replaces the decoder configuration. Buffered bytes are kept and
// trimmed to the new capacity.
func (d *Decoder) Configure(cfg config.Configuration) {
	d.cfg = cfg.Clone()
	d.checksumLen = checksum.Length(cfg.ChecksumAlgorithm)

	capacity := cfg.BufferCapacity
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	d.capacity = capacity
	d.trim()
}

// Configuration returns the active configuration
func (d *Decoder) Configuration() config.Configuration {
	return d.cfg.Clone()
}

// Process appends data and returns every complete frame now available
func (d *Decoder) Process(data []byte) []Frame {
	if d.cfg.OperationMode == config.ProjectFile && d.cfg.FrameDetection == config.NoDelimiters {
		if len(data) == 0 {
			return nil
		}
		return []Frame{d.newFrame(data)}
	}

	d.buf = append(d.buf, data...)
	d.trim()

	switch d.cfg.OperationMode {
	case config.QuickPlot:
		return d.readEndDelimited(quickPlotDelimiters)
	case config.DeviceSendsJSON:
		return d.readStartEndDelimited()
	case config.ProjectFile:
		switch d.cfg.FrameDetection {
		case config.EndDelimiterOnly:
			return d.readEndDelimited([][]byte{d.cfg.FinishSequence})
		case config.StartDelimiterOnly:
			return d.readStartDelimited()
		case config.StartAndEndDelimiter:
			return d.readStartEndDelimited()
		}
	}
	return nil
}

// Reset drops buffered bytes and restarts sequence numbering
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
	d.sequence = 0
	d.checksumErrors = 0
	d.discarded = 0
}

// BufferStats returns a snapshot of the reassembly buffer
func (d *Decoder) BufferStats() BufferStats {
	return BufferStats{
		Size:               len(d.buf),
		Capacity:           d.capacity,
		FreeSpace:          d.capacity - len(d.buf),
		UtilizationPercent: float64(len(d.buf)) / float64(d.capacity) * 100,
		FramesDecoded:      d.sequence,
		ChecksumErrors:     d.checksumErrors,
		BytesDiscarded:     d.discarded,
	}
}

// trim drops the oldest bytes beyond capacity
func (d *Decoder) trim() {
	if over := len(d.buf) - d.capacity; over > 0 {
		d.consume(over)
		d.discarded += uint64(over)
	}
}

func (d *Decoder) consume(n int) {
	if n >= len(d.buf) {
		d.buf = d.buf[:0]
		return
	}
	d.buf = append(d.buf[:0], d.buf[n:]...)
}

// readEndDelimited parses frames terminated by the earliest of delimiters,
// each followed by the checksum bytes
func (d *Decoder) readEndDelimited(delimiters [][]byte) []Frame {
	var frames []Frame

	for {
		end, delim := -1, []byte(nil)
		for _, candidate := range delimiters {
			if len(candidate) == 0 {
				continue
			}
			if i := bytes.Index(d.buf, candidate); i != -1 && (end == -1 || i < end) {
				end, delim = i, candidate
			}
		}
		if end == -1 {
			break
		}

		crcPos := end + len(delim)
		frameEnd := crcPos + d.checksumLen

		if end == 0 {
			d.consume(crcPos)
			continue
		}
		if len(d.buf) < frameEnd {
			// checksum incomplete, wait for more data
			break
		}
		if d.verify(d.buf[:end], d.buf[crcPos:frameEnd]) {
			frames = append(frames, d.newFrame(d.buf[:end]))
		}
		d.consume(frameEnd)
	}

	return frames
}

// readStartEndDelimited parses frames wrapped in the start and finish sequences
func (d *Decoder) readStartEndDelimited() []Frame {
	var frames []Frame
	start, finish := d.cfg.StartSequence, d.cfg.FinishSequence
	if len(start) == 0 || len(finish) == 0 {
		return nil
	}

	for {
		s := bytes.Index(d.buf, start)
		if s == -1 {
			// keep a possible partial start sequence
			if keep := len(start) - 1; len(d.buf) > keep {
				d.discard(len(d.buf) - keep)
			}
			break
		}
		if s > 0 {
			d.discard(s)
		}

		payloadStart := len(start)
		f := bytes.Index(d.buf[payloadStart:], finish)
		if f == -1 {
			break
		}
		f += payloadStart

		crcPos := f + len(finish)
		frameEnd := crcPos + d.checksumLen
		if len(d.buf) < frameEnd {
			break
		}

		payload := d.buf[payloadStart:f]
		if len(payload) > 0 && d.verify(payload, d.buf[crcPos:frameEnd]) {
			frames = append(frames, d.newFrame(payload))
		}
		d.consume(frameEnd)
	}

	return frames
}

// readStartDelimited parses frames that begin with the start sequence and run
// until the next start sequence; the checksum is the last bytes before it
func (d *Decoder) readStartDelimited() []Frame {
	var frames []Frame
	start := d.cfg.StartSequence
	if len(start) == 0 {
		return nil
	}

	for {
		s := bytes.Index(d.buf, start)
		if s == -1 {
			if keep := len(start) - 1; len(d.buf) > keep {
				d.discard(len(d.buf) - keep)
			}
			break
		}
		if s > 0 {
			d.discard(s)
		}

		next := bytes.Index(d.buf[len(start):], start)
		if next == -1 {
			break
		}
		next += len(start)

		region := d.buf[len(start):next]
		if len(region) > d.checksumLen {
			payload := region[:len(region)-d.checksumLen]
			if d.verify(payload, region[len(payload):]) {
				frames = append(frames, d.newFrame(payload))
			}
		}
		d.consume(next)
	}

	return frames
}

func (d *Decoder) discard(n int) {
	d.consume(n)
	d.discarded += uint64(n)
}

func (d *Decoder) verify(payload, sum []byte) bool {
	if d.checksumLen == 0 {
		return true
	}
	ok, err := checksum.Verify(d.cfg.ChecksumAlgorithm, payload, sum)
	if err != nil || !ok {
		d.checksumErrors++
		return false
	}
	return true
}

func (d *Decoder) newFrame(data []byte) Frame {
	f := Frame{
		Data:          append([]byte(nil), data...),
		Timestamp:     d.clock.Now(),
		Sequence:      d.sequence,
		ChecksumValid: true,
	}
	d.sequence++
	return f
}
