package message

type Kind uint8

const (
	Kind_Ping Kind = iota
	Kind_Shutdown
	Kind_Process
	Kind_GuardReply
	Kind_GuardNormal
	Kind_ChannelNormal
	Kind_ChannelReply

	Kind_NONE
)

func (k Kind) String() string {
	switch k {
	case Kind_Ping:
		return "ping"
	case Kind_Shutdown:
		return "shutdown"
	case Kind_Process:
		return "process"
	case Kind_GuardReply:
		return "guard-reply"
	case Kind_GuardNormal:
		return "guard-normal"
	case Kind_ChannelNormal:
		return "channel-normal"
	case Kind_ChannelReply:
		return "channel-reply"
	}
	return "none"
}

// Route is the single decode of a header's command bitmask. Dispatch code
// switches on Kind and reads the remaining flags from here.
type Route struct {
	Kind       Kind
	Id         string
	ReqReply   bool
	IgnUnknown bool
	NatFix     bool
}

func Classify(h *Header) Route {
	r := Route{
		Id:         h.Id,
		ReqReply:   h.Cmd.Has(Flag_ReqReply),
		IgnUnknown: h.Cmd.Has(Flag_IgnUnknown),
		NatFix:     h.Cmd.Has(Flag_NatFix),
	}

	switch {
	case h.Cmd == Cmd_Error:
		r.Kind = Kind_NONE
	case h.Cmd.Base() == Cmd_SocketThreadPing:
		r.Kind = Kind_Ping
	case h.Cmd.Base() == Cmd_SocketThreadShutdown:
		r.Kind = Kind_Shutdown
	case h.Cmd.Has(Flag_ProcessCmd):
		r.Kind = Kind_Process
	case h.Cmd.Has(Flag_GuardCmd) && h.Cmd.Has(Flag_IsReply):
		r.Kind = Kind_GuardReply
	case h.Cmd.Has(Flag_GuardCmd):
		r.Kind = Kind_GuardNormal
	case h.Cmd.Has(Flag_IsReply):
		r.Kind = Kind_ChannelReply
	default:
		r.Kind = Kind_ChannelNormal
	}

	return r
}
