// Package spanningtree implements the tree-embedding address
// assignment overlay: claim election by XOR distance to a fixed
// target, parent/child bookkeeping, and periodic maintenance that
// adopts a better claim when one is heard, grounded on the
// SpanningTree application in original_source/.../micropycelium.py.
package spanningtree

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/pkg/errors"
)

// Op enumerates spanning tree protocol messages. Values match the
// reference implementation's wire encoding, not ordinal position.
type Op uint8

const (
	OpSend                     Op = 0
	OpRespond                  Op = 15
	OpRequestAddressAssignment Op = 240
	OpAssignAddress            Op = 255
)

// MaxTreeAge is how many seconds may pass without hearing from the
// parent before a node gives up and re-roots on itself.
const MaxTreeAge = 60

// TreeMaintenanceInterval is how often the periodic maintenance pass
// runs, per SpanningTree's tree_maintenance_delay param.
const TreeMaintenanceInterval = 20 // seconds

// MaxStartDelayMs bounds the random jitter before a node's first
// broadcast, avoiding synchronized thundering-herd claims at boot.
const MaxStartDelayMs = 10_000

// Message is one spanning tree protocol message: an operation, the
// timestamp it was sent, the claimed root's age in seconds, the
// claimed root id, the sender's current tree address, and the
// sender's node id.
type Message struct {
	Op        Op
	TS        uint64
	Age       uint8
	Claim     [32]byte
	Address   [16]byte
	NodeID    [32]byte
}

const messageLen = 1 + 8 + 1 + 32 + 16 + 32

// Serialize encodes a Message per "!BQB32s16s32s".
func Serialize(tm Message) []byte {
	out := make([]byte, messageLen)
	out[0] = byte(tm.Op)
	binary.BigEndian.PutUint64(out[1:9], tm.TS)
	out[9] = tm.Age
	copy(out[10:42], tm.Claim[:])
	copy(out[42:58], tm.Address[:])
	copy(out[58:90], tm.NodeID[:])
	return out
}

// Deserialize decodes a Message produced by Serialize.
func Deserialize(data []byte) (Message, error) {
	if len(data) != messageLen {
		return Message{}, errors.Errorf("spanningtree: message must be %d bytes, got %d", messageLen, len(data))
	}
	var tm Message
	tm.Op = Op(data[0])
	tm.TS = binary.BigEndian.Uint64(data[1:9])
	tm.Age = data[9]
	copy(tm.Claim[:], data[10:42])
	copy(tm.Address[:], data[42:58])
	copy(tm.NodeID[:], data[58:90])
	return tm, nil
}

// TreeState derives the single-byte tree_state tag for a claimed root
// id: the first byte of crc32(claim).
func TreeState(claim [32]byte) uint8 {
	sum := crc32.ChecksumIEEE(claim[:])
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], sum)
	return buf[0]
}

func xor32(a, b [32]byte) [32]byte {
	var out [32]byte
	for i := range out {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// claimScore returns the XOR distance from claim to target as a big
// integer, represented as the raw 32-byte XOR difference compared
// lexicographically (equivalent to big-endian integer comparison).
// Lower is better.
func claimScore(claim [32]byte, target [32]byte) [32]byte {
	return xor32(claim, target)
}

func less32(a, b [32]byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
