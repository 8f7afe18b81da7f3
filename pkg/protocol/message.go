package protocol

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Role identifies who produced a display item.
type Role int

const (
	RoleUser Role = iota
	RoleServer
	RoleSystem
)

// String returns the string representation of Role
func (r Role) String() string {
	switch r {
	case RoleUser:
		return "USER"
	case RoleServer:
		return "SERVER"
	case RoleSystem:
		return "SYSTEM"
	default:
		return "UNKNOWN"
	}
}

// Record is the persisted form of a finished display item.
type Record struct {
	ID        string
	Role      Role
	Content   string
	CreatedAt time.Time
}

// Field numbers of the record wire format:
//
//	message Record {
//	  string id = 1;
//	  Role role = 2;
//	  string content = 3;
//	  int64 created_at_unix_nano = 4;
//	}
const (
	recordFieldID        protowire.Number = 1
	recordFieldRole      protowire.Number = 2
	recordFieldContent   protowire.Number = 3
	recordFieldCreatedAt protowire.Number = 4
)

// Encode encodes the record using the protobuf wire format
func (r *Record) Encode() ([]byte, error) {
	if r.Role < RoleUser || r.Role > RoleSystem {
		return nil, fmt.Errorf("failed to encode record: invalid role %d", r.Role)
	}
	var b []byte
	b = protowire.AppendTag(b, recordFieldID, protowire.BytesType)
	b = protowire.AppendString(b, r.ID)
	b = protowire.AppendTag(b, recordFieldRole, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Role))
	b = protowire.AppendTag(b, recordFieldContent, protowire.BytesType)
	b = protowire.AppendString(b, r.Content)
	if !r.CreatedAt.IsZero() {
		b = protowire.AppendTag(b, recordFieldCreatedAt, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.CreatedAt.UnixNano()))
	}
	return b, nil
}

// Decode decodes protobuf wire bytes into the record. Unknown fields are
// skipped.
func (r *Record) Decode(data []byte) error {
	*r = Record{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("failed to decode record: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == recordFieldID && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(data)
			if m < 0 {
				return fmt.Errorf("failed to decode record id: %w", protowire.ParseError(m))
			}
			r.ID = v
			n = m
		case num == recordFieldRole && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return fmt.Errorf("failed to decode record role: %w", protowire.ParseError(m))
			}
			r.Role = roleFromWire(v)
			n = m
		case num == recordFieldContent && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(data)
			if m < 0 {
				return fmt.Errorf("failed to decode record content: %w", protowire.ParseError(m))
			}
			r.Content = v
			n = m
		case num == recordFieldCreatedAt && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return fmt.Errorf("failed to decode record timestamp: %w", protowire.ParseError(m))
			}
			r.CreatedAt = time.Unix(0, int64(v)).UTC()
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("failed to skip record field %d: %w", num, protowire.ParseError(n))
			}
		}
		data = data[n:]
	}
	return nil
}

// roleFromWire converts a wire enum value to Role.
// Unknown values map to RoleSystem so that a newer writer never makes an
// old transcript unreadable.
func roleFromWire(v uint64) Role {
	switch Role(v) {
	case RoleUser:
		return RoleUser
	case RoleServer:
		return RoleServer
	default:
		return RoleSystem
	}
}
