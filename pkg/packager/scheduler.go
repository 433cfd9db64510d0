package packager

import (
	"fmt"
	"time"

	"github.com/k98kurz/micropycelium/pkg/iface"
	"github.com/k98kurz/micropycelium/pkg/wire"
)

// Schedule registers an event to fire at ts, replacing any existing
// event with the same id.
func (pk *Packager) Schedule(id string, ts time.Time, handler func()) {
	pk.schedule[id] = &Event{Ts: ts, ID: id, Handler: handler}
}

// CancelEvent removes a scheduled event by id, if present.
func (pk *Packager) CancelEvent(id string) {
	delete(pk.schedule, id)
}

// HasEvent reports whether an event with this id is currently scheduled.
func (pk *Packager) HasEvent(id string) bool {
	_, ok := pk.schedule[id]
	return ok
}

// Tick fires every scheduled event whose time has arrived. This is
// the cooperative scheduler's single entry point — call it once per
// work-loop iteration.
func (pk *Packager) Tick() {
	now := pk.now()
	due := make([]*Event, 0)
	for id, ev := range pk.schedule {
		if !ev.Ts.After(now) {
			due = append(due, ev)
			delete(pk.schedule, id)
		}
	}
	for _, ev := range due {
		ev.Handler()
	}
}

func rnsEventID(peerID []byte, ifaceID [4]byte) string {
	return fmt.Sprintf("rns:%x:%x", peerID, ifaceID)
}

// rns sends a modem-sleep wake request (RNS) to a peer on a specific
// interface and reschedules itself until the peer replies (NIA) or
// retries are exhausted, at which point the peer's queued datagrams
// are dropped.
func (pk *Packager) rns(peerID []byte, ifaceID [4]byte) {
	pk.rnsWithRetries(peerID, ifaceID, modemIntersectTries)
}

func (pk *Packager) rnsWithRetries(peerID []byte, ifaceID [4]byte, retries int) {
	id := rnsEventID(peerID, ifaceID)
	if pk.HasEvent(id) {
		return
	}
	peer, ok := pk.peers[string(peerID)]
	if !ok {
		return
	}
	if retries < 1 {
		peer.Queue = nil
		return
	}

	pk.Schedule(id, pk.now().Add(modemIntersectMs*time.Millisecond), func() {
		pk.rnsWithRetries(peerID, ifaceID, retries-1)
	})

	var target *iface.Interface
	for _, i := range pk.interfaces {
		if i.ID == ifaceID {
			target = i
			break
		}
	}
	if target == nil {
		return
	}
	var mac []byte
	for _, ref := range peer.Interfaces {
		if ref.Iface.ID == ifaceID {
			mac = ref.Mac
			break
		}
	}

	flags := wire.Flags{}
	flags.SetControl(wire.ControlRns)
	p := wire.NewPacket(pickDefaultSchema(target))
	p.Flags = flags
	p.SetUint("packet_id", uint32(pk.nextPacketID()))
	encoded, err := wire.Encode(p)
	if err != nil {
		return
	}
	target.Enqueue(iface.Datagram{Data: encoded, IfaceID: ifaceID, Addr: mac})
}

func pickDefaultSchema(i *iface.Interface) wire.Schema {
	s, _ := wire.GetSchema(i.SupportedSchemas[0])
	return s
}

// HandleNIA marks a peer as awake (it replied to our RNS) and flushes
// its queued datagrams onto the named interface.
func (pk *Packager) HandleNIA(peerID []byte, ifaceID [4]byte) {
	peer, ok := pk.peers[string(peerID)]
	if !ok {
		return
	}
	peer.LastRx = pk.now()
	pk.CancelEvent(rnsEventID(peerID, ifaceID))

	var target *iface.Interface
	for _, i := range pk.interfaces {
		if i.ID == ifaceID {
			target = i
			break
		}
	}
	if target == nil {
		return
	}
	for _, dg := range peer.Queue {
		target.Enqueue(dg)
	}
	peer.Queue = nil
}
