// Package packager implements the transport core that glues
// Interfaces, the wire codec, and the sequence engine together: peer
// and route bookkeeping, next-hop selection, reliable send with
// ACK/ASK retry and Sequence retransmit, multi-hop forwarding with
// error-reversal, an RNS/NIA modem-sleep wake handshake, and a
// cooperative event scheduler. Grounded on the Packager, Peer, Event,
// and InSequence classes in original_source/.../micropycelium.py.
package packager

import (
	"time"

	"github.com/k98kurz/micropycelium/pkg/iface"
	"github.com/k98kurz/micropycelium/pkg/meshaddr"
	"github.com/k98kurz/micropycelium/pkg/seqengine"
	"github.com/k98kurz/micropycelium/pkg/wire"
)

// PeerCanTxWindow is how long after a peer's last received
// transmission it is still considered awake and reachable without an
// RNS wake handshake.
const PeerCanTxWindow = 800 * time.Millisecond

// PeerAddrHistory bounds how many tree-state addresses are retained
// per peer, preserving routability across one tree transition.
const PeerAddrHistory = 2

// PeerDefaultTimeout is the number of missed liveness windows before a
// peer is considered dropped.
const PeerDefaultTimeout = 4

// InterfaceRef pairs a driver-level peer address with the Interface it
// was heard on.
type InterfaceRef struct {
	Mac     []byte
	Iface   *iface.Interface
}

// Peer tracks local connectivity info for one neighbor: which
// interfaces/MACs reach it, its recent tree-state addresses, and
// modem-sleep liveness.
type Peer struct {
	ID         []byte
	Interfaces []InterfaceRef
	Addrs      []meshaddr.Address
	Timeout    int
	Throttle   int
	LastRx     time.Time
	Queue      []iface.Datagram

	now func() time.Time
}

// NewPeer constructs a Peer first heard via interfaces.
func NewPeer(id []byte, interfaces []InterfaceRef) *Peer {
	return &Peer{
		ID:         id,
		Interfaces: interfaces,
		Timeout:    PeerDefaultTimeout,
		LastRx:     time.Now(),
		now:        time.Now,
	}
}

// SetAddr appends addr to the peer's address history, first discarding
// any previous address sharing the same tree state.
func (p *Peer) SetAddr(addr meshaddr.Address) {
	kept := make([]meshaddr.Address, 0, len(p.Addrs))
	for _, a := range p.Addrs {
		if a.TreeState != addr.TreeState {
			kept = append(kept, a)
		}
	}
	kept = append(kept, addr)
	if len(kept) > PeerAddrHistory {
		kept = kept[len(kept)-PeerAddrHistory:]
	}
	p.Addrs = kept
}

// CanTx reports whether the peer is presently reachable without first
// waking it via RNS.
func (p *Peer) CanTx() bool {
	now := p.now
	if now == nil {
		now = time.Now
	}
	return p.LastRx.Add(PeerCanTxWindow).After(now())
}

// LatestAddr returns the peer's most recently set address, if any.
func (p *Peer) LatestAddr() (meshaddr.Address, bool) {
	if len(p.Addrs) == 0 {
		return meshaddr.Address{}, false
	}
	return p.Addrs[len(p.Addrs)-1], true
}

// Event is a scheduled callback fired at Ts, identified by ID so it
// can be deduplicated or canceled.
type Event struct {
	Ts      time.Time
	ID      string
	Handler func()
}

// InSequence tracks a reassembly in progress: the underlying Sequence
// buffer, which peer/interface it is arriving from, and how many RTX
// prompts remain before it is abandoned.
type InSequence struct {
	Seq     *seqengine.Sequence
	SrcPeer []byte
	Iface   *iface.Interface
	Retry   int
}

// cachedSequence pairs a sent Sequence with the field template it was
// built from, so an inbound RTX request can rebuild any one fragment
// exactly as it was originally sent.
type cachedSequence struct {
	seq  *seqengine.Sequence
	base *wire.Packet
}

func seqIDKey(id uint8) string {
	return string([]byte{'s', id})
}
