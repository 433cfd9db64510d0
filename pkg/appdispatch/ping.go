package appdispatch

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// PingOp enumerates the round-trip latency probe operations carried
// by PingMessage.
type PingOp uint8

const (
	PingRequest PingOp = iota
	PingRespond
	PingGossipRequest
	PingGossipRespond
)

// PingMessage is the wire contract for the latency-probe application:
// a request/respond pair carrying three timestamps (send, receive,
// reply) so the requester can separate network delay from responder
// processing delay, plus the responder's current tree_state, address,
// and node id. This type documents the contract; no concrete Ping
// application ships.
type PingMessage struct {
	Op        PingOp
	Nonce     uint8
	Metric    uint8
	TS1       uint64
	TS2       uint64
	TS3       uint64
	TreeState uint8
	Address   [16]byte
	NodeID    [32]byte
}

const pingMessageLen = 1 + 1 + 1 + 8 + 8 + 8 + 1 + 16 + 32

// SerializePM encodes a PingMessage per "!BBBQQQB16s32s".
func SerializePM(pm PingMessage) []byte {
	out := make([]byte, pingMessageLen)
	out[0] = byte(pm.Op)
	out[1] = pm.Nonce
	out[2] = pm.Metric
	binary.BigEndian.PutUint64(out[3:11], pm.TS1)
	binary.BigEndian.PutUint64(out[11:19], pm.TS2)
	binary.BigEndian.PutUint64(out[19:27], pm.TS3)
	out[27] = pm.TreeState
	copy(out[28:44], pm.Address[:])
	copy(out[44:76], pm.NodeID[:])
	return out
}

// DeserializePM decodes a PingMessage produced by SerializePM.
func DeserializePM(data []byte) (PingMessage, error) {
	if len(data) != pingMessageLen {
		return PingMessage{}, errors.Errorf("appdispatch: ping message must be %d bytes, got %d", pingMessageLen, len(data))
	}
	pm := PingMessage{
		Op:        PingOp(data[0]),
		Nonce:     data[1],
		Metric:    data[2],
		TS1:       binary.BigEndian.Uint64(data[3:11]),
		TS2:       binary.BigEndian.Uint64(data[11:19]),
		TS3:       binary.BigEndian.Uint64(data[19:27]),
		TreeState: data[27],
	}
	copy(pm.Address[:], data[28:44])
	copy(pm.NodeID[:], data[44:76])
	return pm, nil
}
