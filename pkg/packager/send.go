package packager

import (
	"sort"
	"time"

	"github.com/k98kurz/micropycelium/pkg/appdispatch"
	"github.com/k98kurz/micropycelium/pkg/iface"
	"github.com/k98kurz/micropycelium/pkg/meshaddr"
	"github.com/k98kurz/micropycelium/pkg/seqengine"
	"github.com/k98kurz/micropycelium/pkg/wire"
)

// Broadcast packages blob under appID and broadcasts it on every
// interface supporting a common schema (or just the given interface,
// if one is passed). Oversized blobs are fragmented across a
// sequence-capable schema. Returns false if no interface set shares a
// schema able to carry the blob.
func (pk *Packager) Broadcast(appID [16]byte, blob []byte, only *iface.Interface) bool {
	pk.sleepskip = append(pk.sleepskip, true)

	var chosen []*iface.Interface
	var sids []uint8
	if only != nil {
		chosen = []*iface.Interface{only}
		sids = only.SupportedSchemas
	} else {
		if len(pk.interfaces) == 0 {
			return false
		}
		sids = pk.interfaces[0].SupportedSchemas
		for _, i := range pk.interfaces[1:] {
			sids = intersectSchemas(sids, i.SupportedSchemas)
		}
		chosen = pk.interfaces
	}

	pkg := appdispatch.FromBlob(appID, blob).Pack()
	schema, ok := bestSchemaFor(sids, len(pkg))
	if !ok {
		return false
	}

	var packets []*wire.Packet
	if len(pkg) <= schema.MaxBody() {
		p := wire.NewPacket(schema)
		p.SetUint("packet_id", uint32(pk.nextPacketID()))
		p.SetUint("seq_id", uint32(pk.seqID))
		p.SetUint("seq_size", 1)
		p.Body = pkg
		packets = []*wire.Packet{p}
	} else {
		seqSids := intersectSchemas(sids, wire.SchemaIDsSupportSequence)
		schema, ok = bestSchemaFor(seqSids, len(pkg))
		if !ok {
			return false
		}
		seqID := pk.nextSeqID()
		seq, err := seqengine.New(schema, seqID, len(pkg), 0)
		if err != nil {
			return false
		}
		if err := seq.SetData(pkg); err != nil {
			return false
		}
		base := wire.NewPacket(schema)
		for i := 0; i < seq.SeqSize; i++ {
			pkt, _ := seq.GetPacket(i, wire.Flags{}, base)
			packets = append(packets, pkt)
		}
		pk.seqCache.Add(seqIDKey(seqID), &cachedSequence{seq: seq, base: base}, seqCacheTTL)
	}

	for _, i := range chosen {
		for _, p := range packets {
			encoded, err := wire.Encode(p)
			if err != nil {
				continue
			}
			i.EnqueueBroadcast(iface.Datagram{Data: encoded, IfaceID: i.ID})
		}
	}
	return true
}

// Send attempts to deliver appID+blob to a specific node (by id or by
// address, at least one required). Returns false if there is no known
// peer or route.
func (pk *Packager) Send(appID [16]byte, blob []byte, nodeID []byte, toAddr *meshaddr.Address, useCPL bool) bool {
	if nodeID == nil && toAddr == nil {
		return false
	}

	peer, localPeer := pk.peers[string(nodeID)]
	if !localPeer {
		if toAddr == nil {
			history, ok := pk.inverseRoutes[string(nodeID)]
			if !ok || len(history) == 0 {
				return false
			}
			addr := history[0]
			toAddr = &addr
		}
		nextPeer, _, ok := pk.NextHop(*toAddr, useCPL)
		if !ok {
			return false
		}
		peer = nextPeer
	}

	pkg := appdispatch.FromBlob(appID, blob).Pack()

	if len(peer.Interfaces) == 0 {
		return false
	}
	sids := peer.Interfaces[0].Iface.SupportedSchemas
	for _, ref := range peer.Interfaces[1:] {
		sids = intersectSchemas(sids, ref.Iface.SupportedSchemas)
	}
	if !localPeer {
		sids = intersectSchemas(sids, wire.SchemaIDsSupportRouting)
	}
	schema, ok := bestSchemaFor(sids, len(pkg))
	if !ok {
		return false
	}

	ordered := append([]InterfaceRef(nil), peer.Interfaces...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Iface.Bitrate > ordered[j].Iface.Bitrate })
	ref := ordered[0]

	if schema.MaxBlob() > schema.MaxBody() {
		seqID := pk.nextSeqID()
		seq, err := seqengine.New(schema, seqID, len(pkg), 0)
		if err != nil {
			return false
		}
		if err := seq.SetData(pkg); err != nil {
			return false
		}
		base := routingBase(schema, toAddr, pk)
		for i := 0; i < seq.SeqSize; i++ {
			pkt, _ := seq.GetPacket(i, wire.Flags{}, base)
			pk.sendDatagram(pkt, ref, peer)
		}
		pk.seqCache.Add(seqIDKey(seqID), &cachedSequence{seq: seq, base: base}, seqCacheTTL)
		return true
	}

	p := wire.NewPacket(schema)
	p.SetUint("packet_id", uint32(pk.nextPacketID()))
	p.SetUint("seq_id", uint32(pk.seqID))
	p.SetUint("seq_size", 1)
	p.Body = pkg
	p.Flags.SetControl(wire.ControlAsk)
	if !localPeer && toAddr != nil {
		from, _ := pk.CurrentAddr()
		p.SetRaw("to_addr", toAddr.Bytes[:])
		p.SetRaw("from_addr", from.Bytes[:])
		p.SetUint("tree_state", uint32(toAddr.TreeState))
		p.SetUint("ttl", 255)
	}
	pk.sendDatagram(p, ref, peer)

	packetID, _ := p.Uint("packet_id")
	pk.packetCache.Add(packetIDKey(uint8(packetID)), p, sendRetryDelay*time.Duration(sendRetryCount+1))
	pk.scheduleRetry(uint8(packetID), ref, peer, sendRetryCount)
	return true
}

// scheduleRetry re-sends the literal cached packet if no ACK cancels
// the event first, decrementing retries each round. Re-entering Send
// would mint a fresh packet_id and break the ACK/event correlation
// (retrySendEventID is keyed on the original id), so the same cached
// *wire.Packet is replayed instead.
func (pk *Packager) scheduleRetry(packetID uint8, ref InterfaceRef, peer *Peer, retries int) {
	if retries <= 0 {
		return
	}
	pk.Schedule(retrySendEventID(packetID), pk.now().Add(sendRetryDelay), func() {
		cached, ok := pk.packetCache.Get(packetIDKey(packetID))
		if !ok {
			return
		}
		p, ok := cached.(*wire.Packet)
		if !ok {
			return
		}
		pk.sendDatagram(p, ref, peer)
		pk.scheduleRetry(packetID, ref, peer, retries-1)
	})
}

func routingBase(schema wire.Schema, toAddr *meshaddr.Address, pk *Packager) *wire.Packet {
	p := wire.NewPacket(schema)
	if toAddr != nil && schema.SupportsRouting() {
		from, _ := pk.CurrentAddr()
		p.SetRaw("to_addr", toAddr.Bytes[:])
		p.SetRaw("from_addr", from.Bytes[:])
		p.SetUint("tree_state", uint32(toAddr.TreeState))
		p.SetUint("ttl", 255)
	}
	return p
}

// sendDatagram sends directly if the peer is awake, otherwise queues
// the datagram and kicks off an RNS wake handshake.
func (pk *Packager) sendDatagram(p *wire.Packet, ref InterfaceRef, peer *Peer) {
	pk.sleepskip = append(pk.sleepskip, true)
	encoded, err := wire.Encode(p)
	if err != nil {
		return
	}
	dg := iface.Datagram{Data: encoded, IfaceID: ref.Iface.ID, Addr: ref.Mac}
	if peer.CanTx() {
		ref.Iface.Enqueue(dg)
	} else {
		peer.Queue = append(peer.Queue, dg)
		pk.rns(peer.ID, ref.Iface.ID)
	}
}

func packetIDKey(id uint8) string {
	return string([]byte{'p', id})
}
