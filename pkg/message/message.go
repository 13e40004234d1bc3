// Package message defines the messages exchanged between the pool and its decode units.
//
// Messages form two closed sets: Inbound (pool to unit) and Outbound (unit to
// pool). Consumers handle them with exhaustive type switches.
package message

import (
	"github.com/jzx17/decodepool/pkg/config"
	"github.com/jzx17/decodepool/pkg/frame"
)

// Kind is the envelope tag of a message
type Kind string

const (
	KindConfigure    Kind = "configure"
	KindDecode       Kind = "decode"
	KindShutdown     Kind = "shutdown"
	KindDecodeResult Kind = "decodeResult"
	KindFailure      Kind = "failure"
	KindExit         Kind = "exit"
)

// Message is any message in either direction
type Message interface {
	Kind() Kind
}

// Inbound is a message sent to a unit
type Inbound interface {
	Message
	inbound()
}

// Outbound is a message raised by a unit
type Outbound interface {
	Message
	outbound()
}

// Configure replaces the unit's decoder configuration. No reply is expected.
type Configure struct {
	Config config.Configuration
}

// Decode asks the unit to decode Payload and reply with a DecodeResult for
// JobID. Reset discards bytes and sequence numbers left by earlier jobs
// before Payload is decoded.
type Decode struct {
	JobID   string
	Payload []byte
	Reset   bool
}

// Shutdown asks the unit to exit
type Shutdown struct{}

// DecodeResult is the successful reply to a Decode
type DecodeResult struct {
	JobID  string
	Frames []frame.Frame
}

// Failure reports that the unit failed. JobID is set when the failure is
// attributable to a job, but any failure is fatal to the unit.
type Failure struct {
	JobID string
	Err   error
}

// Exit is the last message a unit raises
type Exit struct {
	Code int
}

func (Configure) Kind() Kind    { return KindConfigure }
func (Decode) Kind() Kind       { return KindDecode }
func (Shutdown) Kind() Kind     { return KindShutdown }
func (DecodeResult) Kind() Kind { return KindDecodeResult }
func (Failure) Kind() Kind      { return KindFailure }
func (Exit) Kind() Kind         { return KindExit }

func (Configure) inbound() {}
func (Decode) inbound()    {}
func (Shutdown) inbound()  {}

func (DecodeResult) outbound() {}
func (Failure) outbound()      {}
func (Exit) outbound()         {}
