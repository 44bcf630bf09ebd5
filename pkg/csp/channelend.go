package csp

import (
	"sync/atomic"

	"github.com/sessamekesh/spanreed-csp/pkg/errors"
)

// ReaderEnd is a joined read endpoint of a channel.
type ReaderEnd struct {
	channel *Channel
	left    atomic.Bool
}

func (e *ReaderEnd) Channel() *Channel {
	return e.channel
}

func (e *ReaderEnd) Read() (any, error) {
	if e.left.Load() {
		return nil, &errors.ChannelRetireError{Channel: e.channel.name}
	}
	return e.channel.Read()
}

// Retire leaves the channel. Calling it more than once has no further effect.
func (e *ReaderEnd) Retire() {
	if e.left.CompareAndSwap(false, true) {
		e.channel.LeaveReader()
	}
}

func (e *ReaderEnd) Poison() {
	e.channel.Poison()
}

// Guard wraps the end for use in an Alternation. action may be nil.
func (e *ReaderEnd) Guard(action func(v any)) *InputGuard {
	return &InputGuard{end: e, action: action}
}

// WriterEnd is a joined write endpoint of a channel.
type WriterEnd struct {
	channel *Channel
	left    atomic.Bool
}

func (e *WriterEnd) Channel() *Channel {
	return e.channel
}

func (e *WriterEnd) Write(msg any) error {
	if e.left.Load() {
		return &errors.ChannelRetireError{Channel: e.channel.name}
	}
	return e.channel.Write(msg)
}

func (e *WriterEnd) Retire() {
	if e.left.CompareAndSwap(false, true) {
		e.channel.LeaveWriter()
	}
}

func (e *WriterEnd) Poison() {
	e.channel.Poison()
}

// Guard offers msg in an Alternation. action may be nil.
func (e *WriterEnd) Guard(msg any, action func()) *OutputGuard {
	return &OutputGuard{end: e, msg: msg, action: action}
}

// Retire retires every given end.
func Retire(ends ...interface{ Retire() }) {
	for _, e := range ends {
		e.Retire()
	}
}

// Poison poisons the channel behind every given end.
func Poison(ends ...interface{ Poison() }) {
	for _, e := range ends {
		e.Poison()
	}
}
