// Package seqengine implements blob fragmentation and reassembly over
// a sequence-capable wire.Schema, grounded on the Sequence class in
// original_source/.../micropycelium.py.
package seqengine

import (
	"math"

	"github.com/pkg/errors"

	"github.com/k98kurz/micropycelium/pkg/wire"
)

// Sequence tracks one fragmented blob's transmit or receive state: a
// fixed-size data buffer split into seq_size fragments of at most
// max_body bytes each, and the set of fragment indices seen so far.
type Sequence struct {
	Schema   wire.Schema
	ID       uint8
	Data     []byte
	SeqSize  int
	MaxBody  int
	packets  map[int]struct{}
}

// maxSeqSize returns the schema's 2^(8*len(seq_size)) packet ceiling.
func maxSeqSize(schema wire.Schema) int {
	for _, f := range schema.Fields {
		if f.Name == "seq_size" {
			return 1 << uint(8*f.Length)
		}
	}
	return 1
}

// New creates a Sequence for schema, with either a known dataSize
// (sender side, buffer pre-sized and seq_size derived) or a known
// seqSize (receiver side, buffer sized to seqSize*max_body pending the
// final fragment's trim). Exactly one of dataSize/seqSize should be
// positive; pass the other as 0.
func New(schema wire.Schema, id uint8, dataSize, seqSize int) (*Sequence, error) {
	if !schema.SupportsSequence() {
		return nil, errors.New("seqengine: schema does not support sequencing")
	}
	maxBody := schema.MaxBody()
	maxSeq := maxSeqSize(schema)

	s := &Sequence{Schema: schema, ID: id, MaxBody: maxBody, packets: make(map[int]struct{})}
	switch {
	case dataSize > 0:
		if dataSize >= maxSeq*maxBody {
			return nil, errors.Errorf("seqengine: data_size %d too large for schema %d", dataSize, schema.ID)
		}
		s.Data = make([]byte, dataSize)
		s.SeqSize = int(math.Ceil(float64(dataSize) / float64(maxBody)))
	case seqSize > 0:
		if seqSize >= maxSeq {
			return nil, errors.Errorf("seqengine: seq_size %d too large for schema %d", seqSize, schema.ID)
		}
		s.Data = make([]byte, seqSize*maxBody)
		s.SeqSize = seqSize
	default:
		s.Data = nil
		s.SeqSize = 0
	}
	return s, nil
}

// SetData loads the full blob to transmit, resizing the buffer and
// marking every fragment index as present.
func (s *Sequence) SetData(data []byte) error {
	maxSeq := maxSeqSize(s.Schema)
	if len(data) > maxSeq*s.MaxBody {
		return errors.Errorf("seqengine: data too large to fit into sequence of schema %d", s.Schema.ID)
	}
	s.Data = append([]byte(nil), data...)
	s.SeqSize = int(math.Ceil(float64(len(data)) / float64(s.MaxBody)))
	s.packets = make(map[int]struct{}, s.SeqSize)
	for i := 0; i < s.SeqSize; i++ {
		s.packets[i] = struct{}{}
	}
	return nil
}

// GetPacket returns the fragment packet for index id, built from base
// with packet_id/seq_id/seq_size/body filled in. base is shallow-copied
// so the caller's template is untouched. Returns (nil, false) if
// fragment id has not been loaded (not yet sent, or not yet received
// if this Sequence is reassembling). First, last, and middle fragments
// are marked ask per spec.md's sequence retransmit anchors.
func (s *Sequence) GetPacket(id int, flags wire.Flags, base *wire.Packet) (*wire.Packet, bool) {
	if _, ok := s.packets[id]; !ok {
		return nil, false
	}
	offset := id * s.MaxBody
	size := len(s.Data)
	bodyLen := s.MaxBody
	if offset+s.MaxBody > size {
		bodyLen = size - offset
	}

	p := wire.NewPacket(s.Schema)
	for k, v := range base.Ints {
		p.Ints[k] = v
	}
	for k, v := range base.Addrs {
		buf := make([]byte, len(v))
		copy(buf, v)
		p.Addrs[k] = buf
	}
	p.Version = base.Version
	p.Reserved = base.Reserved
	p.Body = append([]byte(nil), s.Data[offset:offset+bodyLen]...)
	p.SetUint("packet_id", uint32(id))
	p.SetUint("seq_id", uint32(s.ID))
	p.SetUint("seq_size", uint32(s.SeqSize-1))

	if id == 0 || id == s.SeqSize-1 || id == s.SeqSize/2 {
		flags.SetControl(wire.ControlAsk)
	}
	p.Flags = flags
	return p, true
}

// AddPacket merges a received fragment into the data buffer. Returns
// true once every fragment in [0, SeqSize) has been merged in.
func (s *Sequence) AddPacket(id int, body []byte) bool {
	s.packets[id] = struct{}{}
	offset := id * s.MaxBody
	bodyLen := len(body)
	if offset+bodyLen > len(s.Data) {
		grown := make([]byte, offset+bodyLen)
		copy(grown, s.Data)
		s.Data = grown
	}
	copy(s.Data[offset:offset+bodyLen], body)
	if id == s.SeqSize-1 {
		trim := s.MaxBody - bodyLen
		if trim > 0 && trim <= len(s.Data) {
			s.Data = s.Data[:len(s.Data)-trim]
		}
	}
	return len(s.packets) == s.SeqSize
}

// GetMissing returns the set of fragment indices not yet seen.
func (s *Sequence) GetMissing() map[int]struct{} {
	missing := make(map[int]struct{})
	for i := 0; i < s.SeqSize; i++ {
		if _, ok := s.packets[i]; !ok {
			missing[i] = struct{}{}
		}
	}
	return missing
}
