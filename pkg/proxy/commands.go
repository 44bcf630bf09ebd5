package proxy

import (
	"github.com/sessamekesh/spanreed-csp/pkg/errors"
	"github.com/sessamekesh/spanreed-csp/pkg/message"
)

// Control requests go to the host's process handler and are always
// acknowledged.
const controlFlags = message.Flag_ProcessCmd | message.Flag_ReqReply

// Every answer from a host is addressed to the requester's guard.
const replyFlags = message.Flag_GuardCmd

// closeCmd is pushed into a host's own queues to stop its serve loops. It
// never travels over the wire.
const closeCmd = message.Cmd_None

func isControl(cmd message.Cmd) bool {
	switch cmd.Base() {
	case message.Cmd_ChanThreadEnter,
		message.Cmd_ChanThreadJoinReader,
		message.Cmd_ChanThreadJoinWriter,
		message.Cmd_ChanThreadLeaveReader,
		message.Cmd_ChanThreadLeaveWriter,
		message.Cmd_ChanThreadPoison:
		return true
	}
	return false
}

// replyError maps a terminal reply from a host to the error it stands for.
func replyError(m *message.Message, name string, addr message.Addr) error {
	switch m.Header.Cmd.Base() {
	case message.Cmd_ChanThreadPoisoned:
		return &errors.ChannelPoisonError{Channel: name}
	case message.Cmd_ChanThreadRetired:
		return &errors.ChannelRetireError{Channel: name}
	case message.Cmd_LockThreadUnavailable:
		return &errors.Unavailable{Id: name, Addr: addr.String()}
	case message.Cmd_ChanThreadReply, message.Cmd_ChanThreadAck:
		return nil
	}
	return &errors.ProtocolViolation{
		Reason: "unexpected reply from channel host",
		Cmd:    uint32(m.Header.Cmd),
		Id:     name,
	}
}
