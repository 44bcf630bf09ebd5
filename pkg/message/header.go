package message

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"

	"github.com/sessamekesh/spanreed-csp/pkg/errors"
)

type Cmd uint32

// Base commands occupy the low 16 bits of Cmd.
const (
	Cmd_None Cmd = iota
	Cmd_SocketThreadPing
	Cmd_SocketThreadShutdown
	Cmd_ChanThreadEnter
	Cmd_ChanThreadJoinReader
	Cmd_ChanThreadJoinWriter
	Cmd_ChanThreadLeaveReader
	Cmd_ChanThreadLeaveWriter
	Cmd_ChanThreadPoison
	Cmd_ChanThreadPostRead
	Cmd_ChanThreadPostWrite
	Cmd_ChanThreadReply
	Cmd_ChanThreadAck
	Cmd_ChanThreadPoisoned
	Cmd_ChanThreadRetired
	Cmd_LockThreadUnavailable

	cmd_LAST

	// Cmd_Error marks a failed read. It never travels over the wire.
	Cmd_Error Cmd = 0xFFFF
)

const baseMask Cmd = 0xFFFF

// Flags occupy the high 16 bits of Cmd.
const (
	Flag_HasPayload Cmd = 1 << (16 + iota)
	Flag_IsReply
	Flag_ReqReply
	Flag_IgnUnknown
	Flag_NatFix
	Flag_ProcessCmd
	Flag_GuardCmd
)

func (c Cmd) Base() Cmd {
	return c & baseMask
}

func (c Cmd) Has(flag Cmd) bool {
	return c&flag == flag
}

var cmdNames = map[Cmd]string{
	Cmd_None:                  "NONE",
	Cmd_SocketThreadPing:      "SOCKETTHREAD_PING",
	Cmd_SocketThreadShutdown:  "SOCKETTHREAD_SHUTDOWN",
	Cmd_ChanThreadEnter:       "CHANTHREAD_ENTER",
	Cmd_ChanThreadJoinReader:  "CHANTHREAD_JOIN_READER",
	Cmd_ChanThreadJoinWriter:  "CHANTHREAD_JOIN_WRITER",
	Cmd_ChanThreadLeaveReader: "CHANTHREAD_LEAVE_READER",
	Cmd_ChanThreadLeaveWriter: "CHANTHREAD_LEAVE_WRITER",
	Cmd_ChanThreadPoison:      "CHANTHREAD_POISON",
	Cmd_ChanThreadPostRead:    "CHANTHREAD_POST_READ",
	Cmd_ChanThreadPostWrite:   "CHANTHREAD_POST_WRITE",
	Cmd_ChanThreadReply:       "CHANTHREAD_REPLY",
	Cmd_ChanThreadAck:         "CHANTHREAD_ACK",
	Cmd_ChanThreadPoisoned:    "CHANTHREAD_POISONED",
	Cmd_ChanThreadRetired:     "CHANTHREAD_RETIRED",
	Cmd_LockThreadUnavailable: "LOCKTHREAD_UNAVAILABLE",
	Cmd_Error:                 "ERROR_CMD",
}

var flagNames = []struct {
	flag Cmd
	name string
}{
	{Flag_HasPayload, "HAS_PAYLOAD"},
	{Flag_IsReply, "IS_REPLY"},
	{Flag_ReqReply, "REQ_REPLY"},
	{Flag_IgnUnknown, "IGN_UNKNOWN"},
	{Flag_NatFix, "NATFIX"},
	{Flag_ProcessCmd, "PROCESS_CMD"},
	{Flag_GuardCmd, "GUARD_CMD"},
}

func (c Cmd) String() string {
	var b bytes.Buffer
	name, has := cmdNames[c.Base()]
	if !has {
		name = "0x" + strconv.FormatUint(uint64(c.Base()), 16)
	}
	b.WriteString(name)
	for _, f := range flagNames {
		if c.Has(f.flag) {
			b.WriteByte('|')
			b.WriteString(f.name)
		}
	}
	return b.String()
}

const (
	IdLen   = 64
	HostLen = 64

	// magic(4) version(1) cmd(4) id(64) arg(8) host(64) port(2) source_id(64)
	HeaderLen = 4 + 1 + 4 + IdLen + 8 + HostLen + 2 + IdLen
)

const (
	DefaultMagicNumber uint32 = 0x43535021 // "CSP!"
	DefaultVersion     uint8  = 1
)

// Header is the fixed-layout addressing record in front of every wire message.
type Header struct {
	Cmd        Cmd
	Id         string
	Arg        uint64
	SourceHost string
	SourcePort uint16
	SourceId   string
}

func (h Header) SourceAddr() Addr {
	return Addr{Host: h.SourceHost, Port: h.SourcePort}
}

func (h Header) String() string {
	return fmt.Sprintf("<Header cmd=%s id=%q arg=%d src=%s:%d srcId=%q>", h.Cmd, h.Id, h.Arg, h.SourceHost, h.SourcePort, h.SourceId)
}

// Addr is a host/port pair compared by exact equality.
type Addr struct {
	Host string
	Port uint16
}

func (a Addr) String() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// ParseAddr parses "host:port".
func ParseAddr(s string) (Addr, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Addr{}, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Addr{}, fmt.Errorf("invalid port in %q: %w", s, err)
	}
	return Addr{Host: host, Port: uint16(port)}, nil
}

type HeaderSerializer struct {
	MagicNumber uint32
	Version     uint8
}

func DefaultHeaderSerializer() HeaderSerializer {
	return HeaderSerializer{
		MagicNumber: DefaultMagicNumber,
		Version:     DefaultVersion,
	}
}

func appendFixedString(out []byte, fieldName string, s string, size int) ([]byte, error) {
	if len(s) > size {
		return nil, &errors.FieldTooLong{
			FieldName: fieldName,
			Length:    len(s),
			MaxLength: size,
		}
	}
	out = append(out, s...)
	for i := len(s); i < size; i++ {
		out = append(out, 0)
	}
	return out, nil
}

func readFixedString(msg []byte, readPtr int, size int) (int, string) {
	field := msg[readPtr : readPtr+size]
	if i := bytes.IndexByte(field, 0); i >= 0 {
		field = field[:i]
	}
	return readPtr + size, string(field)
}

func (s HeaderSerializer) Serialize(h *Header) ([]byte, error) {
	out := make([]byte, 0, HeaderLen)
	var err error

	out = binary.LittleEndian.AppendUint32(out, s.MagicNumber)
	out = append(out, s.Version)
	out = binary.LittleEndian.AppendUint32(out, uint32(h.Cmd))
	if out, err = appendFixedString(out, "Header::Id", h.Id, IdLen); err != nil {
		return nil, err
	}
	out = binary.LittleEndian.AppendUint64(out, h.Arg)
	if out, err = appendFixedString(out, "Header::SourceHost", h.SourceHost, HostLen); err != nil {
		return nil, err
	}
	out = binary.LittleEndian.AppendUint16(out, h.SourcePort)
	if out, err = appendFixedString(out, "Header::SourceId", h.SourceId, IdLen); err != nil {
		return nil, err
	}

	return out, nil
}

func (s HeaderSerializer) Parse(msg []byte) (*Header, error) {
	if len(msg) < HeaderLen {
		return nil, &errors.Underflow{
			MessageName: "Header",
			MsgSize:     len(msg),
			MinimumSize: HeaderLen,
		}
	}

	magicNumber := binary.LittleEndian.Uint32(msg[0:4])
	version := msg[4]
	if magicNumber != s.MagicNumber || version != s.Version {
		return nil, &errors.InvalidHeaderVersion{
			ExpectedMagicNumber: s.MagicNumber,
			ExpectedVersion:     s.Version,
			ActualMagicNumber:   magicNumber,
			ActualVersion:       version,
		}
	}

	h := &Header{}
	readPtr := 5
	h.Cmd = Cmd(binary.LittleEndian.Uint32(msg[readPtr : readPtr+4]))
	readPtr += 4

	if base := h.Cmd.Base(); base >= cmd_LAST || base == Cmd_None {
		return nil, &errors.InvalidEnumValue{
			EnumName: "Header::Cmd",
			IntValue: uint32(base),
		}
	}

	readPtr, h.Id = readFixedString(msg, readPtr, IdLen)
	h.Arg = binary.LittleEndian.Uint64(msg[readPtr : readPtr+8])
	readPtr += 8
	readPtr, h.SourceHost = readFixedString(msg, readPtr, HostLen)
	h.SourcePort = binary.LittleEndian.Uint16(msg[readPtr : readPtr+2])
	readPtr += 2
	_, h.SourceId = readFixedString(msg, readPtr, IdLen)

	return h, nil
}
