package errors

import (
	goerrs "errors"
	"fmt"
)

type Underflow struct {
	MessageName string
	MsgSize     int
	MinimumSize int
}

func (e *Underflow) Error() string {
	return fmt.Sprintf("Message parsing underflowed (type=%s), provided %d bytes, needed at least %d", e.MessageName, e.MsgSize, e.MinimumSize)
}

type InvalidEnumValue struct {
	EnumName string
	IntValue uint32
}

func (e *InvalidEnumValue) Error() string {
	return fmt.Sprintf("Invalid enum value=%d (enum: %s)", e.IntValue, e.EnumName)
}

type InvalidHeaderVersion struct {
	ExpectedMagicNumber uint32
	ActualMagicNumber   uint32
	ExpectedVersion     uint8
	ActualVersion       uint8
}

func (e *InvalidHeaderVersion) Error() string {
	return fmt.Sprintf("Invalid header: expected MagicNumber=%d, got MagicNumber=%d. Expected version %d, got %d", e.ExpectedMagicNumber, e.ActualMagicNumber, e.ExpectedVersion, e.ActualVersion)
}

type MissingFieldError struct {
	MessageName string
	FieldName   string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("Missing field %s in message type %s", e.FieldName, e.MessageName)
}

type FieldTooLong struct {
	FieldName string
	Length    int
	MaxLength int
}

func (e *FieldTooLong) Error() string {
	return fmt.Sprintf("Field %s is %d bytes long, maximum is %d", e.FieldName, e.Length, e.MaxLength)
}

type NameCollision struct {
	CollisionContext string
	Name             string
}

func (e *NameCollision) Error() string {
	return fmt.Sprintf("Name collision for name '%s' in context '%s'", e.Name, e.CollisionContext)
}

// ChannelPoisonError is returned by every operation on a poisoned channel.
type ChannelPoisonError struct {
	Channel string
}

func (e *ChannelPoisonError) Error() string {
	return fmt.Sprintf("Channel '%s' is poisoned", e.Channel)
}

// ChannelRetireError marks a graceful end of stream: every endpoint of the
// opposite direction has left.
type ChannelRetireError struct {
	Channel string
}

func (e *ChannelRetireError) Error() string {
	return fmt.Sprintf("Channel '%s' is retired", e.Channel)
}

// ProtocolViolation reports a message that breaks a wire invariant. These are
// never retried.
type ProtocolViolation struct {
	Reason string
	Cmd    uint32
	Id     string
}

func (e *ProtocolViolation) Error() string {
	return fmt.Sprintf("Protocol violation for id='%s' cmd=0x%x: %s", e.Id, e.Cmd, e.Reason)
}

// PayloadTooLarge is returned when a frame header announces a payload above
// the receiver's limit. Nothing is read past the header.
type PayloadTooLarge struct {
	Id      string
	Size    uint64
	MaxSize int
}

func (e *PayloadTooLarge) Error() string {
	return fmt.Sprintf("Payload for id='%s' is %d bytes, limit is %d", e.Id, e.Size, e.MaxSize)
}

// Unavailable is returned when a reply-requiring request found no registered
// target at the destination.
type Unavailable struct {
	Id   string
	Addr string
}

func (e *Unavailable) Error() string {
	return fmt.Sprintf("Target '%s' is not registered at %s", e.Id, e.Addr)
}

func IsPoison(err error) bool {
	var target *ChannelPoisonError
	return goerrs.As(err, &target)
}

func IsRetire(err error) bool {
	var target *ChannelRetireError
	return goerrs.As(err, &target)
}

// IsFatal reports whether err is a protocol-level failure that must abort the
// current operation.
func IsFatal(err error) bool {
	var pv *ProtocolViolation
	var uf *Underflow
	var hv *InvalidHeaderVersion
	var ev *InvalidEnumValue
	var tl *PayloadTooLarge
	return goerrs.As(err, &pv) || goerrs.As(err, &uf) || goerrs.As(err, &hv) || goerrs.As(err, &ev) || goerrs.As(err, &tl)
}
