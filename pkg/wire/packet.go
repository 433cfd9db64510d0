package wire

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/pkg/errors"
)

// ErrUnknownSchema is returned by Decode for an unrecognized schema id;
// per spec.md section 7 the caller drops the packet.
var ErrUnknownSchema = errors.New("wire: unknown schema id")

// ErrVersion is returned by Decode when the packet's version exceeds
// the local protocol version; the packet is dropped silently.
var ErrVersion = errors.New("wire: unsupported protocol version")

// ErrTruncated is returned when data is too short for its schema.
var ErrTruncated = errors.New("wire: truncated packet")

// ErrChecksum is returned when a schema's checksum field does not match
// crc32(body); the Packager's inbound path drops such packets silently,
// never NAKing.
var ErrChecksum = errors.New("wire: checksum mismatch")

// Packet is a decoded header+fields dictionary plus a schema reference,
// as described in spec.md section 3. Identity is (SchemaID, PacketID)
// within a sender's rolling namespace.
type Packet struct {
	Version  uint8
	Reserved uint8
	Schema   Schema
	Flags    Flags
	// Ints holds fixed-width integer fields (packet_id, seq_id,
	// seq_size, ttl, tree_state), keyed by field name, widened to uint32.
	Ints map[string]uint32
	// Addrs holds fixed-length byte fields (to_addr, from_addr,
	// checksum), keyed by field name.
	Addrs map[string][]byte
	// Body is the trailing variable-length field.
	Body []byte
}

// NewPacket creates an empty Packet for the given schema.
func NewPacket(schema Schema) *Packet {
	return &Packet{
		Schema: schema,
		Ints:   make(map[string]uint32),
		Addrs:  make(map[string][]byte),
	}
}

// Uint returns an integer field's value and whether it was set.
func (p *Packet) Uint(name string) (uint32, bool) {
	v, ok := p.Ints[name]
	return v, ok
}

// SetUint sets an integer field.
func (p *Packet) SetUint(name string, v uint32) {
	p.Ints[name] = v
}

// Raw returns a fixed-length byte field's value and whether it was set.
func (p *Packet) Raw(name string) ([]byte, bool) {
	v, ok := p.Addrs[name]
	return v, ok
}

// SetRaw sets a fixed-length byte field.
func (p *Packet) SetRaw(name string, v []byte) {
	p.Addrs[name] = v
}

// SetChecksum computes crc32(p.Body) and stores it in the checksum
// field, if the schema has one.
func (p *Packet) SetChecksum() {
	if !p.Schema.HasField("checksum") {
		return
	}
	sum := crc32.ChecksumIEEE(p.Body)
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, sum)
	p.Addrs["checksum"] = buf
}

// VerifyChecksum reports whether the schema lacks a checksum field (ok
// to proceed) or the stored checksum matches crc32(p.Body).
func (p *Packet) VerifyChecksum() bool {
	if !p.Schema.HasField("checksum") {
		return true
	}
	stored, ok := p.Addrs["checksum"]
	if !ok || len(stored) != 4 {
		return false
	}
	return binary.BigEndian.Uint32(stored) == crc32.ChecksumIEEE(p.Body)
}

// Encode serializes p to bytes: version || reserved || schema_id ||
// flags || schema-specific tail, per spec.md section 6.
func Encode(p *Packet) ([]byte, error) {
	out := make([]byte, 4, 4+headerTailLen(p.Schema)+len(p.Body))
	out[0] = p.Version
	out[1] = p.Reserved
	out[2] = p.Schema.ID
	out[3] = p.Flags.Byte()

	for _, field := range p.Schema.Fields {
		switch field.Kind {
		case KindU8:
			v, _ := p.Uint(field.Name)
			out = append(out, byte(v))
		case KindU16:
			v, _ := p.Uint(field.Name)
			buf := make([]byte, 2)
			binary.BigEndian.PutUint16(buf, uint16(v))
			out = append(out, buf...)
		case KindU32:
			v, _ := p.Uint(field.Name)
			buf := make([]byte, 4)
			binary.BigEndian.PutUint32(buf, v)
			out = append(out, buf...)
		case KindBytesFixed:
			v, _ := p.Raw(field.Name)
			buf := make([]byte, field.Length)
			copy(buf, v)
			out = append(out, buf...)
		case KindBytesVariable:
			if len(p.Body) > field.MaxLength {
				return nil, errors.Errorf("wire: body length %d exceeds schema max %d", len(p.Body), field.MaxLength)
			}
			out = append(out, p.Body...)
		}
	}
	return out, nil
}

func headerTailLen(s Schema) int {
	n := 0
	for _, field := range s.Fields {
		if field.Kind != KindBytesVariable {
			n += field.Length
		}
	}
	return n
}

// Decode parses data into a Packet. It rejects packets whose version
// exceeds protocolVersion and unknown schema ids; both are caller-drop
// conditions per spec.md section 7. Checksum verification, when the
// schema carries one, is the caller's responsibility via VerifyChecksum
// (the Packager drops silently on mismatch rather than raising here).
func Decode(data []byte, protocolVersion uint8) (*Packet, error) {
	if len(data) < 4 {
		return nil, errors.Wrap(ErrTruncated, "header")
	}
	version, reserved, schemaID, flagByte := data[0], data[1], data[2], data[3]
	if version > protocolVersion {
		return nil, ErrVersion
	}
	schema, ok := GetSchema(schemaID)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownSchema, "id=%d", schemaID)
	}

	p := NewPacket(schema)
	p.Version = version
	p.Reserved = reserved
	p.Flags = NewFlags(flagByte)

	offset := 4
	for _, field := range schema.Fields {
		switch field.Kind {
		case KindU8:
			if offset+1 > len(data) {
				return nil, errors.Wrapf(ErrTruncated, "field %s", field.Name)
			}
			p.SetUint(field.Name, uint32(data[offset]))
			offset++
		case KindU16:
			if offset+2 > len(data) {
				return nil, errors.Wrapf(ErrTruncated, "field %s", field.Name)
			}
			p.SetUint(field.Name, uint32(binary.BigEndian.Uint16(data[offset:offset+2])))
			offset += 2
		case KindU32:
			if offset+4 > len(data) {
				return nil, errors.Wrapf(ErrTruncated, "field %s", field.Name)
			}
			p.SetUint(field.Name, binary.BigEndian.Uint32(data[offset:offset+4]))
			offset += 4
		case KindBytesFixed:
			if offset+field.Length > len(data) {
				return nil, errors.Wrapf(ErrTruncated, "field %s", field.Name)
			}
			buf := make([]byte, field.Length)
			copy(buf, data[offset:offset+field.Length])
			p.SetRaw(field.Name, buf)
			offset += field.Length
		case KindBytesVariable:
			rest := data[offset:]
			if len(rest) > field.MaxLength {
				return nil, errors.Wrapf(ErrTruncated, "body exceeds max %d", field.MaxLength)
			}
			body := make([]byte, len(rest))
			copy(body, rest)
			p.Body = body
			offset = len(data)
		}
	}
	return p, nil
}
