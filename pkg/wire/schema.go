// Package wire implements the fixed schema table and packet codec
// described in spec.md sections 3 and 6: a compile-time-constant table
// of numeric schema ids, each describing an ordered field layout with a
// uniform 4-byte header. The table is bit-identical across
// implementations; there is no negotiation.
package wire

// FieldKind identifies the wire representation of a schema field.
type FieldKind int

const (
	KindU8 FieldKind = iota
	KindU16
	KindU32
	KindBytesFixed
	KindBytesVariable
)

// Field describes one ordered field of a Schema. Length is the encoded
// byte length for fixed-size fields. MaxLength is only meaningful for
// the trailing KindBytesVariable field (the body).
type Field struct {
	Name      string
	Length    int
	Kind      FieldKind
	MaxLength int
}

// Schema is a numbered wire format: header fields in order, terminated
// by exactly one variable-length trailing field. Only the last field
// may be variable-length (spec.md section 3 invariant).
type Schema struct {
	ID     uint8
	Fields []Field
}

// HasField reports whether the schema declares a field with this name.
func (s Schema) HasField(name string) bool {
	for _, f := range s.Fields {
		if f.Name == name {
			return true
		}
	}
	return false
}

// MaxBody returns the trailing body field's maximum length in bytes.
func (s Schema) MaxBody() int {
	for _, f := range s.Fields {
		if f.Kind == KindBytesVariable {
			return f.MaxLength
		}
	}
	return 0
}

// MaxSeq returns 2^(8*|seq_size|), or 1 if the schema has no seq_size
// field (single-packet schemas carry at most one fragment).
func (s Schema) MaxSeq() int {
	for _, f := range s.Fields {
		if f.Name == "seq_size" {
			return 1 << uint(8*f.Length)
		}
	}
	return 1
}

// MaxBlob returns the largest blob this schema can carry across a full
// sequence: MaxSeq * MaxBody.
func (s Schema) MaxBlob() int {
	return s.MaxSeq() * s.MaxBody()
}

// SupportsSequence reports whether the schema carries the four fields
// needed for fragmentation/reassembly: packet_id, seq_id, seq_size, body.
func (s Schema) SupportsSequence() bool {
	return s.HasField("packet_id") && s.HasField("seq_id") &&
		s.HasField("seq_size") && s.HasField("body")
}

// SupportsRouting reports whether the schema carries a ttl field
// (multi-hop routed packets).
func (s Schema) SupportsRouting() bool {
	return s.HasField("ttl")
}

// SupportsRelay reports whether the schema is one-hop relayable: it
// carries to_addr but no ttl.
func (s Schema) SupportsRelay() bool {
	return s.HasField("to_addr") && !s.HasField("ttl")
}

// SupportsChecksum reports whether the schema carries a checksum field.
func (s Schema) SupportsChecksum() bool {
	return s.HasField("checksum")
}

func f(name string, length int, kind FieldKind) Field {
	return Field{Name: name, Length: length, Kind: kind}
}

func body(maxLength int) Field {
	return Field{Name: "body", Kind: KindBytesVariable, MaxLength: maxLength}
}

// schemaDefs is the fixed schema table: ESP-NOW family (0-13, 245-byte
// MTU) and LoRa family (20-33, 235-byte MTU). Field order and byte
// lengths are grounded on the original micropycelium.py get_schema().
var schemaDefs = map[uint8][]Field{
	0: {f("packet_id", 1, KindU8), body(245)},
	1: {f("packet_id", 1, KindU8), f("checksum", 4, KindBytesFixed), body(241)},
	2: {f("packet_id", 1, KindU8), f("seq_id", 1, KindU8), f("seq_size", 1, KindU8), body(243)},
	3: {f("packet_id", 1, KindU8), f("seq_id", 1, KindU8), f("seq_size", 1, KindU8), f("checksum", 4, KindBytesFixed), body(239)},
	4: {f("packet_id", 2, KindU16), f("seq_id", 1, KindU8), f("seq_size", 2, KindU16), f("checksum", 4, KindBytesFixed), body(237)},
	5: {f("packet_id", 1, KindU8), f("ttl", 1, KindU8), f("tree_state", 1, KindU8), f("to_addr", 16, KindBytesFixed), f("from_addr", 16, KindBytesFixed), body(211)},
	6: {f("packet_id", 1, KindU8), f("ttl", 1, KindU8), f("checksum", 4, KindBytesFixed), f("tree_state", 1, KindU8), f("to_addr", 16, KindBytesFixed), f("from_addr", 16, KindBytesFixed), body(207)},
	7: {f("packet_id", 1, KindU8), f("seq_id", 1, KindU8), f("seq_size", 1, KindU8), f("ttl", 1, KindU8), f("tree_state", 1, KindU8), f("to_addr", 16, KindBytesFixed), f("from_addr", 16, KindBytesFixed), body(209)},
	8: {f("packet_id", 1, KindU8), f("seq_id", 1, KindU8), f("seq_size", 1, KindU8), f("ttl", 1, KindU8), f("checksum", 4, KindBytesFixed), f("tree_state", 1, KindU8), f("to_addr", 16, KindBytesFixed), f("from_addr", 16, KindBytesFixed), body(205)},
	9: {f("packet_id", 2, KindU16), f("seq_id", 1, KindU8), f("seq_size", 2, KindU16), f("ttl", 1, KindU8), f("tree_state", 1, KindU8), f("to_addr", 16, KindBytesFixed), f("from_addr", 16, KindBytesFixed), body(207)},
	10: {f("packet_id", 2, KindU16), f("seq_id", 1, KindU8), f("seq_size", 2, KindU16), f("ttl", 1, KindU8), f("checksum", 4, KindBytesFixed), f("tree_state", 1, KindU8), f("to_addr", 16, KindBytesFixed), f("from_addr", 16, KindBytesFixed), body(203)},
	11: {f("packet_id", 1, KindU8), f("tree_state", 1, KindU8), f("to_addr", 16, KindBytesFixed), f("from_addr", 16, KindBytesFixed), body(216)},
	12: {f("packet_id", 1, KindU8), f("seq_id", 1, KindU8), f("seq_size", 1, KindU8), f("tree_state", 1, KindU8), f("to_addr", 16, KindBytesFixed), f("from_addr", 16, KindBytesFixed), body(214)},
	13: {f("packet_id", 2, KindU16), f("seq_id", 1, KindU8), f("seq_size", 2, KindU16), f("tree_state", 1, KindU8), f("to_addr", 16, KindBytesFixed), f("from_addr", 16, KindBytesFixed), body(212)},

	20: {f("packet_id", 1, KindU8), body(235)},
	21: {f("packet_id", 1, KindU8), f("checksum", 4, KindBytesFixed), body(231)},
	22: {f("packet_id", 1, KindU8), f("seq_id", 1, KindU8), f("seq_size", 1, KindU8), body(233)},
	23: {f("packet_id", 1, KindU8), f("seq_id", 1, KindU8), f("seq_size", 1, KindU8), f("checksum", 4, KindBytesFixed), body(229)},
	24: {f("packet_id", 2, KindU16), f("seq_id", 1, KindU8), f("seq_size", 2, KindU16), f("checksum", 4, KindBytesFixed), body(227)},
	25: {f("packet_id", 1, KindU8), f("ttl", 1, KindU8), f("tree_state", 1, KindU8), f("to_addr", 16, KindBytesFixed), f("from_addr", 16, KindBytesFixed), body(201)},
	26: {f("packet_id", 1, KindU8), f("ttl", 1, KindU8), f("checksum", 4, KindBytesFixed), f("tree_state", 1, KindU8), f("to_addr", 16, KindBytesFixed), f("from_addr", 16, KindBytesFixed), body(197)},
	27: {f("packet_id", 1, KindU8), f("seq_id", 1, KindU8), f("seq_size", 1, KindU8), f("ttl", 1, KindU8), f("tree_state", 1, KindU8), f("to_addr", 16, KindBytesFixed), f("from_addr", 16, KindBytesFixed), body(199)},
	28: {f("packet_id", 1, KindU8), f("seq_id", 1, KindU8), f("seq_size", 1, KindU8), f("ttl", 1, KindU8), f("checksum", 4, KindBytesFixed), f("tree_state", 1, KindU8), f("to_addr", 16, KindBytesFixed), f("from_addr", 16, KindBytesFixed), body(195)},
	29: {f("packet_id", 2, KindU16), f("seq_id", 1, KindU8), f("seq_size", 2, KindU16), f("ttl", 1, KindU8), f("tree_state", 1, KindU8), f("to_addr", 16, KindBytesFixed), f("from_addr", 16, KindBytesFixed), body(197)},
	30: {f("packet_id", 2, KindU16), f("seq_id", 1, KindU8), f("seq_size", 2, KindU16), f("ttl", 1, KindU8), f("checksum", 4, KindBytesFixed), f("tree_state", 1, KindU8), f("to_addr", 16, KindBytesFixed), f("from_addr", 16, KindBytesFixed), body(193)},
	31: {f("packet_id", 1, KindU8), f("tree_state", 1, KindU8), f("to_addr", 16, KindBytesFixed), f("from_addr", 16, KindBytesFixed), body(206)},
	32: {f("packet_id", 1, KindU8), f("seq_id", 1, KindU8), f("seq_size", 1, KindU8), f("tree_state", 1, KindU8), f("to_addr", 16, KindBytesFixed), f("from_addr", 16, KindBytesFixed), body(204)},
	33: {f("packet_id", 2, KindU16), f("seq_id", 1, KindU8), f("seq_size", 2, KindU16), f("tree_state", 1, KindU8), f("to_addr", 16, KindBytesFixed), f("from_addr", 16, KindBytesFixed), body(202)},
}

// SchemaIDs lists every defined schema id, ESP-NOW family then LoRa
// family, ascending within each.
var SchemaIDs = func() []uint8 {
	ids := make([]uint8, 0, len(schemaDefs))
	for _, id := range []uint8{
		0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13,
		20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31, 32, 33,
	} {
		ids = append(ids, id)
	}
	return ids
}()

// GetSchema returns the Schema for id, or ok=false for an unknown id
// (the codec rejects unknown schemas; the caller drops per spec.md 7).
func GetSchema(id uint8) (Schema, bool) {
	fields, ok := schemaDefs[id]
	if !ok {
		return Schema{}, false
	}
	return Schema{ID: id, Fields: fields}, true
}

// GetSchemas returns the Schema for every id in ids, skipping unknown ids.
func GetSchemas(ids []uint8) []Schema {
	out := make([]Schema, 0, len(ids))
	for _, id := range ids {
		if s, ok := GetSchema(id); ok {
			out = append(out, s)
		}
	}
	return out
}

func idsWhere(pred func(Schema) bool) []uint8 {
	out := make([]uint8, 0)
	for _, id := range SchemaIDs {
		s, _ := GetSchema(id)
		if pred(s) {
			out = append(out, id)
		}
	}
	return out
}

// SchemaIDsSupportSequence, SchemaIDsSupportRouting, SchemaIDsSupportRelay
// and SchemaIDsSupportChecksum partition SchemaIDs by capability, per
// spec.md section 3.
var (
	SchemaIDsSupportSequence = idsWhere(Schema.SupportsSequence)
	SchemaIDsSupportRouting  = idsWhere(Schema.SupportsRouting)
	SchemaIDsSupportRelay    = idsWhere(Schema.SupportsRelay)
	SchemaIDsSupportChecksum = idsWhere(Schema.SupportsChecksum)
)
