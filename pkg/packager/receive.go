package packager

import (
	"github.com/k98kurz/micropycelium/pkg/appdispatch"
	"github.com/k98kurz/micropycelium/pkg/iface"
	"github.com/k98kurz/micropycelium/pkg/meshaddr"
	"github.com/k98kurz/micropycelium/pkg/seqengine"
	"github.com/k98kurz/micropycelium/pkg/wire"
)

// Receive decodes one inbound datagram against pv, the locally
// supported protocol version, and
// dispatches it: RNS/NIA handshake packets update peer liveness, ACK
// cancels the matching retry event, ASK-flagged packets are
// acknowledged, fragments are merged into their InSequence, completed
// blobs are unpacked into Packages and delivered to the matching
// Application, and routed packets lacking a local destination are
// forwarded toward their to_addr (or back toward from_addr if the
// error flag is set). Malformed or unverifiable packets are dropped
// silently, per spec.md section 7.
func (pk *Packager) Receive(ifaceRef InterfaceRef, data []byte, pv uint8) {
	p, err := wire.Decode(data, pv)
	if err != nil {
		pk.log.Debugw("dropping undecodable packet", "error", err)
		return
	}
	if !p.VerifyChecksum() {
		pk.log.Debugw("dropping checksum mismatch")
		return
	}

	peerID, peer := pk.peerFor(ifaceRef)
	if peer != nil {
		peer.LastRx = pk.now()
	}

	switch p.Flags.Control() {
	case wire.ControlRns:
		pk.replyNIA(ifaceRef, p)
		return
	case wire.ControlNia:
		if peerID != nil {
			pk.HandleNIA(peerID, ifaceRef.Iface.ID)
		}
		return
	case wire.ControlAck:
		if pid, ok := p.Uint("packet_id"); ok {
			pk.CancelEvent(retrySendEventID(uint8(pid)))
		}
		return
	case wire.ControlRtx:
		pk.handleRtxRequest(ifaceRef, p)
		return
	}

	if p.Flags.IsAsk() {
		pk.sendAck(ifaceRef, p)
	}

	switch {
	case p.Schema.SupportsRouting():
		if pk.forwardIfNotLocal(ifaceRef, p) {
			return
		}
	case p.Schema.SupportsRelay():
		if pk.forwardRelay(ifaceRef, p) {
			return
		}
	}

	pk.mergeAndDeliver(ifaceRef, peerID, p)
}

// handleRtxRequest answers a retransmission request: for a sequence
// fragment it rebuilds the packet from the cached outbound Sequence,
// for a single packet it replays the literal cached *wire.Packet.
func (pk *Packager) handleRtxRequest(ref InterfaceRef, p *wire.Packet) {
	if seqID, ok := p.Uint("seq_id"); ok {
		cached, ok := pk.seqCache.Get(seqIDKey(uint8(seqID)))
		if !ok {
			return
		}
		cs, ok := cached.(*cachedSequence)
		if !ok {
			return
		}
		packetID, _ := p.Uint("packet_id")
		pkt, ok := cs.seq.GetPacket(int(packetID), wire.Flags{}, cs.base)
		if !ok {
			return
		}
		encoded, err := wire.Encode(pkt)
		if err != nil {
			return
		}
		ref.Iface.Enqueue(iface.Datagram{Data: encoded, IfaceID: ref.Iface.ID, Addr: ref.Mac})
		return
	}

	packetID, ok := p.Uint("packet_id")
	if !ok {
		return
	}
	cached, ok := pk.packetCache.Get(packetIDKey(uint8(packetID)))
	if !ok {
		return
	}
	pkt, ok := cached.(*wire.Packet)
	if !ok {
		return
	}
	encoded, err := wire.Encode(pkt)
	if err != nil {
		return
	}
	ref.Iface.Enqueue(iface.Datagram{Data: encoded, IfaceID: ref.Iface.ID, Addr: ref.Mac})
}

func retrySendEventID(packetID uint8) string {
	return string([]byte{'R', 'P', packetID})
}

func (pk *Packager) peerFor(ref InterfaceRef) ([]byte, *Peer) {
	key, ok := pk.inversePeers[inversePeerKey(ref.Mac, ref.Iface.ID)]
	if !ok {
		return nil, nil
	}
	return []byte(key), pk.peers[key]
}

func (pk *Packager) replyNIA(ref InterfaceRef, p *wire.Packet) {
	flags := wire.Flags{}
	flags.SetControl(wire.ControlNia)
	reply := wire.NewPacket(p.Schema)
	reply.Flags = flags
	reply.SetUint("packet_id", uint32(pk.nextPacketID()))
	encoded, err := wire.Encode(reply)
	if err != nil {
		return
	}
	ref.Iface.Enqueue(iface.Datagram{Data: encoded, IfaceID: ref.Iface.ID, Addr: ref.Mac})
}

func (pk *Packager) sendAck(ref InterfaceRef, p *wire.Packet) {
	flags := wire.Flags{}
	flags.SetControl(wire.ControlAck)
	reply := wire.NewPacket(p.Schema)
	reply.Flags = flags
	if pid, ok := p.Uint("packet_id"); ok {
		reply.SetUint("packet_id", pid)
	}
	encoded, err := wire.Encode(reply)
	if err != nil {
		return
	}
	ref.Iface.Enqueue(iface.Datagram{Data: encoded, IfaceID: ref.Iface.ID, Addr: ref.Mac})
}

// forwardIfNotLocal returns true if the packet was forwarded (or
// dropped as unroutable) rather than addressed to this node.
func (pk *Packager) forwardIfNotLocal(ref InterfaceRef, p *wire.Packet) bool {
	toRaw, hasTo := p.Raw("to_addr")
	treeState, _ := p.Uint("tree_state")
	if !hasTo {
		return false
	}
	var toBytes [16]byte
	copy(toBytes[:], toRaw)
	toAddr := meshaddr.FromBytes(uint8(treeState), toBytes)

	local, ok := pk.CurrentAddr()
	if ok && local.Equal(toAddr) {
		return false
	}

	ttl, hasTTL := p.Uint("ttl")
	if !hasTTL {
		return true // drop: routed schema without a ttl field
	}

	fromRaw, hasFrom := p.Raw("from_addr")
	useCPL := p.Flags.Mode()

	if p.Flags.Error() {
		if !hasFrom {
			return true
		}
		var fromBytes [16]byte
		copy(fromBytes[:], fromRaw)
		fromAddr := meshaddr.FromBytes(uint8(treeState), fromBytes)
		peer, _, ok := pk.NextHop(fromAddr, useCPL)
		if !ok {
			return true
		}
		pk.forwardVia(p, ttl, peer)
		return true
	}

	peer, _, ok := pk.NextHop(toAddr, useCPL)
	if !ok {
		p.Flags.SetError(true)
		if hasFrom {
			var fromBytes [16]byte
			copy(fromBytes[:], fromRaw)
			fromAddr := meshaddr.FromBytes(uint8(treeState), fromBytes)
			if backPeer, _, ok := pk.NextHop(fromAddr, useCPL); ok {
				pk.forwardVia(p, ttl, backPeer)
			}
		}
		return true
	}
	pk.forwardVia(p, ttl, peer)
	return true
}

// forwardVia decrements ttl for a forward hop or increments it for an
// error-reversed one, dropping instead of sending if that would run
// ttl past its bound in either direction.
func (pk *Packager) forwardVia(p *wire.Packet, ttl uint32, peer *Peer) {
	if len(peer.Interfaces) == 0 {
		return
	}
	var newTTL uint32
	if p.Flags.Error() {
		newTTL = ttl + 1
		if newTTL > 255 {
			return
		}
	} else {
		if ttl <= 1 {
			return
		}
		newTTL = ttl - 1
	}
	p.SetUint("ttl", newTTL)
	ref := peer.Interfaces[0]
	pk.sendDatagram(p, ref, peer)
}

// forwardRelay handles one-hop relay schemas (to_addr present, no
// ttl): the destination must be a directly known peer, otherwise the
// packet is error-reversed back toward from_addr, which itself must
// be a direct peer or the packet is dropped.
func (pk *Packager) forwardRelay(ref InterfaceRef, p *wire.Packet) bool {
	toRaw, hasTo := p.Raw("to_addr")
	fromRaw, hasFrom := p.Raw("from_addr")
	if !hasTo || !hasFrom {
		return false
	}
	treeState, _ := p.Uint("tree_state")
	var toBytes, fromBytes [16]byte
	copy(toBytes[:], toRaw)
	copy(fromBytes[:], fromRaw)
	toAddr := meshaddr.FromBytes(uint8(treeState), toBytes)
	fromAddr := meshaddr.FromBytes(uint8(treeState), fromBytes)

	local, ok := pk.CurrentAddr()
	if ok && local.Equal(toAddr) {
		return false
	}

	if _, toReachable := pk.directPeer(toAddr); !p.Flags.Error() && !toReachable {
		p.Flags.SetError(true)
	} else if p.Flags.Error() {
		if _, fromReachable := pk.directPeer(fromAddr); !fromReachable {
			return true // drop: can't reverse to a non-peer sender
		}
	}

	target := toAddr
	if p.Flags.Error() {
		target = fromAddr
	}
	peer, reachable := pk.directPeer(target)
	if !reachable || len(peer.Interfaces) == 0 {
		return true // drop
	}
	pk.sendDatagram(p, peer.Interfaces[0], peer)
	return true
}

func (pk *Packager) directPeer(addr meshaddr.Address) (*Peer, bool) {
	peerID, ok := pk.routes[addr.Key()]
	if !ok {
		return nil, false
	}
	peer, ok := pk.peers[peerID]
	return peer, ok
}

// mergeAndDeliver merges a possibly-fragmented packet and, once a
// complete blob is assembled, unpacks it into a Package and delivers
// it to the matching Application. Every received fragment of an
// in-progress sequence cancels and reschedules the pending sync-rtx
// event and resets the abandon counter, matching sync_sequence/receive
// in the original implementation.
func (pk *Packager) mergeAndDeliver(ref InterfaceRef, peerID []byte, p *wire.Packet) {
	if !p.Schema.SupportsSequence() {
		pk.deliverBlob(ref, p.Body)
		return
	}

	seqSizeField, _ := p.Uint("seq_size")
	seqID, _ := p.Uint("seq_id")
	packetID, _ := p.Uint("packet_id")

	pk.CancelEvent(seqSyncEventID(uint8(seqID)))

	in, ok := pk.inSeqs[uint8(seqID)]
	if !ok {
		seq, err := seqengine.New(p.Schema, uint8(seqID), 0, int(seqSizeField)+1)
		if err != nil {
			return
		}
		in = &InSequence{Seq: seq, SrcPeer: peerID, Iface: ref.Iface, Retry: 3}
		pk.inSeqs[uint8(seqID)] = in
	}
	in.Retry = 3

	complete := in.Seq.AddPacket(int(packetID), p.Body)
	if !complete {
		pk.scheduleSequenceSync(uint8(seqID))
		return
	}
	delete(pk.inSeqs, uint8(seqID))
	pk.deliverBlob(ref, in.Seq.Data)
}

func seqSyncEventID(seqID uint8) string {
	return string([]byte{'S', 'S', seqID})
}

// scheduleSequenceSync arranges for syncSequence to run after
// seqSyncDelay unless a fragment arrives first and cancels it.
func (pk *Packager) scheduleSequenceSync(seqID uint8) {
	pk.Schedule(seqSyncEventID(seqID), pk.now().Add(seqSyncDelay), func() {
		pk.syncSequence(seqID)
	})
}

// syncSequence requests retransmission of every missing fragment of an
// in-progress sequence, decrementing the abandon counter and
// rescheduling itself, or giving up on the sequence once retries are
// exhausted.
func (pk *Packager) syncSequence(seqID uint8) {
	in, ok := pk.inSeqs[seqID]
	if !ok {
		return
	}
	in.Retry--
	if in.Retry <= 0 {
		delete(pk.inSeqs, seqID)
		return
	}

	peer, ok := pk.peers[string(in.SrcPeer)]
	if !ok || len(peer.Interfaces) == 0 {
		delete(pk.inSeqs, seqID)
		return
	}
	var ref InterfaceRef
	found := false
	for _, candidate := range peer.Interfaces {
		if candidate.Iface == in.Iface {
			ref = candidate
			found = true
			break
		}
	}
	if !found {
		ref = peer.Interfaces[0]
	}

	for missing := range in.Seq.GetMissing() {
		req := wire.NewPacket(in.Seq.Schema)
		req.Flags.SetControl(wire.ControlRtx)
		req.SetUint("packet_id", uint32(missing))
		req.SetUint("seq_id", uint32(seqID))
		pk.sendDatagram(req, ref, peer)
	}

	pk.scheduleSequenceSync(seqID)
}

func (pk *Packager) deliverBlob(ref InterfaceRef, blob []byte) {
	pkg, err := appdispatch.Unpack(blob)
	if err != nil || !pkg.Verify() {
		pk.log.Debugw("dropping unverifiable package")
		return
	}
	app, ok := pk.apps[pkg.AppID]
	if !ok {
		return
	}
	app.Deliver(pkg.Blob, ref.Iface.ID, ref.Mac)
}
