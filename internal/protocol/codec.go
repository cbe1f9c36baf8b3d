package protocol

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrUnknownMessageType is returned when decoding a type ordinal this
// version does not know about.
var ErrUnknownMessageType = errors.New("unknown message type")

// Encode serializes msg into its protobuf wire representation.
func Encode(msg Message) ([]byte, error) {
	var b []byte
	switch m := msg.(type) {
	case Invite:
		b = appendBytes(b, 1, m.InviteID)
		b = appendBytes(b, 2, m.ProjectInviteID)
		b = appendString(b, 3, m.ProjectName)
		b = appendString(b, 4, m.InvitorName)
		b = appendString(b, 5, m.RoleName)
		b = appendString(b, 6, m.RoleDescription)
	case InviteCancel:
		b = appendBytes(b, 1, m.InviteID)
	case InviteResponse:
		b = appendBytes(b, 1, m.InviteID)
		b = appendVarint(b, 2, uint64(m.Decision))
	case ProjectJoinDetails:
		b = appendBytes(b, 1, m.InviteID)
		b = appendBytes(b, 2, m.ProjectKey)
		var keys []byte
		keys = appendBytes(keys, 1, m.EncryptionKeys.Auth)
		keys = appendBytes(keys, 2, m.EncryptionKeys.Config)
		keys = appendBytes(keys, 3, m.EncryptionKeys.Data)
		keys = appendBytes(keys, 4, m.EncryptionKeys.BlobIndex)
		keys = appendBytes(keys, 5, m.EncryptionKeys.Blob)
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, keys)
	case DeviceInfo:
		b = appendString(b, 1, m.Name)
		b = appendVarint(b, 2, uint64(m.DeviceType))
		for _, f := range m.Features {
			// Repeated fields are written even when empty.
			b = protowire.AppendTag(b, 3, protowire.BytesType)
			b = protowire.AppendString(b, f)
		}
	case Ack:
		if _, ok := m.AckType.AckedType(); !ok {
			return nil, fmt.Errorf("encode ack: %s is not an ack type", m.AckType)
		}
		b = appendBytes(b, 1, m.InviteID)
	default:
		return nil, fmt.Errorf("encode: unsupported message %T", msg)
	}
	return b, nil
}

// Decode parses a payload of the given type and validates it.
// Errors from structural validation are of type *ValidationError.
func Decode(t MessageType, payload []byte) (Message, error) {
	msg, err := decode(t, payload)
	if err != nil {
		return nil, err
	}
	if err := Validate(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func decode(t MessageType, payload []byte) (Message, error) {
	switch t {
	case MsgInvite:
		var m Invite
		err := consumeFields(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch num {
			case 1:
				return consumeBytes(typ, b, &m.InviteID)
			case 2:
				return consumeBytes(typ, b, &m.ProjectInviteID)
			case 3:
				return consumeString(typ, b, &m.ProjectName)
			case 4:
				return consumeString(typ, b, &m.InvitorName)
			case 5:
				return consumeString(typ, b, &m.RoleName)
			case 6:
				return consumeString(typ, b, &m.RoleDescription)
			}
			return skip(num, typ, b)
		})
		return m, wrapDecode(t, err)

	case MsgInviteCancel:
		var m InviteCancel
		err := consumeFields(payload, inviteIDOnly(&m.InviteID))
		return m, wrapDecode(t, err)

	case MsgInviteResponse:
		var m InviteResponse
		err := consumeFields(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch num {
			case 1:
				return consumeBytes(typ, b, &m.InviteID)
			case 2:
				var v uint64
				n, err := consumeVarint(typ, b, &v)
				m.Decision = Decision(int32(v))
				return n, err
			}
			return skip(num, typ, b)
		})
		return m, wrapDecode(t, err)

	case MsgProjectJoinDetails:
		var m ProjectJoinDetails
		err := consumeFields(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch num {
			case 1:
				return consumeBytes(typ, b, &m.InviteID)
			case 2:
				return consumeBytes(typ, b, &m.ProjectKey)
			case 3:
				var raw []byte
				n, err := consumeBytes(typ, b, &raw)
				if err != nil {
					return n, err
				}
				return n, decodeEncryptionKeys(raw, &m.EncryptionKeys)
			}
			return skip(num, typ, b)
		})
		return m, wrapDecode(t, err)

	case MsgDeviceInfo:
		var m DeviceInfo
		err := consumeFields(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch num {
			case 1:
				return consumeString(typ, b, &m.Name)
			case 2:
				var v uint64
				n, err := consumeVarint(typ, b, &v)
				m.DeviceType = DeviceType(int32(v))
				return n, err
			case 3:
				var f string
				n, err := consumeString(typ, b, &f)
				if err == nil {
					m.Features = append(m.Features, f)
				}
				return n, err
			}
			return skip(num, typ, b)
		})
		return m, wrapDecode(t, err)

	case MsgInviteAck, MsgInviteCancelAck, MsgInviteResponseAck, MsgProjectJoinDetailsAck:
		m := Ack{AckType: t}
		err := consumeFields(payload, inviteIDOnly(&m.InviteID))
		return m, wrapDecode(t, err)
	}

	return nil, fmt.Errorf("%w: %d", ErrUnknownMessageType, uint8(t))
}

func decodeEncryptionKeys(raw []byte, keys *EncryptionKeys) error {
	return consumeFields(raw, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeBytes(typ, b, &keys.Auth)
		case 2:
			return consumeBytes(typ, b, &keys.Config)
		case 3:
			return consumeBytes(typ, b, &keys.Data)
		case 4:
			return consumeBytes(typ, b, &keys.BlobIndex)
		case 5:
			return consumeBytes(typ, b, &keys.Blob)
		}
		return skip(num, typ, b)
	})
}

func wrapDecode(t MessageType, err error) error {
	if err != nil {
		return fmt.Errorf("decode %s: %w", t, err)
	}
	return nil
}

type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

func inviteIDOnly(dst *[]byte) fieldFunc {
	return func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			return consumeBytes(typ, b, dst)
		}
		return skip(num, typ, b)
	}
}

func consumeFields(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		b = b[m:]
	}
	return nil
}

func consumeBytes(typ protowire.Type, b []byte, dst *[]byte) (int, error) {
	if typ != protowire.BytesType {
		return 0, fmt.Errorf("unexpected wire type %d for bytes field", typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = append([]byte(nil), v...)
	return n, nil
}

func consumeString(typ protowire.Type, b []byte, dst *string) (int, error) {
	var v []byte
	n, err := consumeBytes(typ, b, &v)
	if err != nil {
		return 0, err
	}
	*dst = string(v)
	return n, nil
}

func consumeVarint(typ protowire.Type, b []byte, dst *uint64) (int, error) {
	if typ != protowire.VarintType {
		return 0, fmt.Errorf("unexpected wire type %d for varint field", typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = v
	return n, nil
}

func skip(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return n, nil
}

// Proto3 semantics: zero values are omitted.

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}
