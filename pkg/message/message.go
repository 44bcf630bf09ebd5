package message

import (
	"fmt"
	"io"
	"net"

	"github.com/fxamacker/cbor/v2"
)

// Payload is either a value that still needs to be encoded, or bytes that were
// already encoded and must be forwarded verbatim.
type Payload struct {
	value   any
	raw     []byte
	encoded bool
	present bool
}

func Value(v any) Payload {
	return Payload{value: v, present: true}
}

func Raw(b []byte) Payload {
	return Payload{raw: b, encoded: true, present: true}
}

func (p Payload) IsEmpty() bool {
	return !p.present
}

func (p Payload) IsEncoded() bool {
	return p.encoded
}

func (p Payload) Bytes() ([]byte, error) {
	if !p.present {
		return nil, nil
	}
	if p.encoded {
		return p.raw, nil
	}
	return cbor.Marshal(p.value)
}

// Decode returns the carried value, unmarshalling encoded bytes into a
// generic value.
func (p Payload) Decode() (any, error) {
	if !p.present {
		return nil, nil
	}
	if !p.encoded {
		return p.value, nil
	}
	var v any
	if err := cbor.Unmarshal(p.raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// DecodeInto unmarshals the payload into out.
func (p Payload) DecodeInto(out any) error {
	b, err := p.Bytes()
	if err != nil {
		return err
	}
	return cbor.Unmarshal(b, out)
}

type Message struct {
	Header  Header
	Payload Payload

	// NatFix is the inbound connection a NATFIX message arrived on.
	NatFix net.Conn
}

func New(h Header, p Payload) *Message {
	return &Message{Header: h, Payload: p}
}

func (m *Message) String() string {
	return fmt.Sprintf("<Message cmd:%s id:%s>", m.Header.Cmd, m.Header.Id)
}

// Encode returns the wire frame for m. A present payload sets HAS_PAYLOAD and
// Arg to its encoded length.
func (m *Message) Encode(s HeaderSerializer) ([]byte, error) {
	var payload []byte
	if !m.Payload.IsEmpty() {
		var err error
		payload, err = m.Payload.Bytes()
		if err != nil {
			return nil, err
		}
		m.Header.Cmd |= Flag_HasPayload
		m.Header.Arg = uint64(len(payload))
	} else {
		m.Header.Cmd &^= Flag_HasPayload
	}

	out, err := s.Serialize(&m.Header)
	if err != nil {
		return nil, err
	}
	return append(out, payload...), nil
}

// Transmit writes the full frame for m to w.
func (m *Message) Transmit(w io.Writer, s HeaderSerializer) error {
	frame, err := m.Encode(s)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}
