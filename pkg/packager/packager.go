package packager

import (
	"crypto/sha256"
	"sort"
	"time"

	"github.com/k98kurz/micropycelium/internal/metrics"
	"github.com/k98kurz/micropycelium/internal/obslog"
	"github.com/k98kurz/micropycelium/pkg/appdispatch"
	"github.com/k98kurz/micropycelium/pkg/iface"
	"github.com/k98kurz/micropycelium/pkg/meshaddr"
	"github.com/k98kurz/micropycelium/pkg/meshcache"
	"github.com/k98kurz/micropycelium/pkg/wire"

	"go.uber.org/zap"
)

const (
	seqCacheSize        = 10
	packetCacheSize     = 10
	modemIntersectMs    = 36
	modemIntersectTries = 5
	sendRetryDelay      = 2 * time.Second
	sendRetryCount      = 3
	seqCacheTTL         = 60 * time.Second
	seqSyncDelay        = 10 * time.Second
)

type routeKey = [17]byte

// Packager is the node's transport core: it owns every Interface, the
// peer/route tables, reassembly state, and the cooperative event
// scheduler. NodeID is derived once from a unique device id and never
// changes; node addresses come and go as the spanning tree overlay
// assigns/retracts coordinates.
type Packager struct {
	NodeID []byte

	interfaces []*iface.Interface
	seqID      uint8
	packetID   uint8

	seqCache    *meshcache.Cache
	packetCache *meshcache.Cache
	inSeqs      map[uint8]*InSequence

	peers         map[string]*Peer
	inversePeers  map[string]string // (mac || iface.id) -> peer id
	routes        map[routeKey]string
	inverseRoutes map[string][]meshaddr.Address
	banned        map[string]bool

	nodeAddrs []meshaddr.Address
	apps      map[[16]byte]*appdispatch.Application

	schedule     map[string]*Event
	running      bool
	sleepskip    []bool

	hooks map[string]map[int]func(args ...interface{})
	nextHookID int

	now func() time.Time
	log *zap.SugaredLogger
}

// New derives NodeID as sha256(sha256(uniqueDeviceID)) and returns an
// empty Packager.
func New(uniqueDeviceID []byte) *Packager {
	first := sha256.Sum256(uniqueDeviceID)
	second := sha256.Sum256(first[:])
	return &Packager{
		NodeID:        second[:],
		seqCache:      meshcache.New(seqCacheSize),
		packetCache:   meshcache.New(packetCacheSize),
		inSeqs:        make(map[uint8]*InSequence),
		peers:         make(map[string]*Peer),
		inversePeers:  make(map[string]string),
		routes:        make(map[routeKey]string),
		inverseRoutes: make(map[string][]meshaddr.Address),
		banned:        make(map[string]bool),
		apps:          make(map[[16]byte]*appdispatch.Application),
		schedule:      make(map[string]*Event),
		hooks:         make(map[string]map[int]func(args ...interface{})),
		now:           time.Now,
		log:           obslog.Named("packager"),
	}
}

// AddInterface registers a validated Interface.
func (pk *Packager) AddInterface(i *iface.Interface) bool {
	if !i.Validate() {
		return false
	}
	pk.interfaces = append(pk.interfaces, i)
	return true
}

// RemoveInterface drops a previously registered Interface.
func (pk *Packager) RemoveInterface(i *iface.Interface) {
	for idx, cur := range pk.interfaces {
		if cur == i {
			pk.interfaces = append(pk.interfaces[:idx], pk.interfaces[idx+1:]...)
			return
		}
	}
}

// AddApp registers an Application for delivery dispatch.
func (pk *Packager) AddApp(app *appdispatch.Application) {
	pk.apps[app.ID] = app
}

// AddPeer registers or updates a peer's reachable interfaces. Banned
// node ids are ignored. Refreshes LastRx, marking the peer newly live.
func (pk *Packager) AddPeer(peerID []byte, interfaces []InterfaceRef) {
	key := string(peerID)
	if pk.banned[key] {
		return
	}
	peer, ok := pk.peers[key]
	if !ok {
		peer = NewPeer(peerID, nil)
		peer.now = pk.now
		pk.peers[key] = peer
	}
	for _, ref := range interfaces {
		found := false
		for _, existing := range peer.Interfaces {
			if existing.Iface == ref.Iface && string(existing.Mac) == string(ref.Mac) {
				found = true
				break
			}
		}
		if !found {
			peer.Interfaces = append(peer.Interfaces, ref)
		}
		pk.inversePeers[inversePeerKey(ref.Mac, ref.Iface.ID)] = key
	}
	peer.LastRx = pk.now()
	peer.Timeout = PeerDefaultTimeout
	metrics.PeersKnown.Set(float64(len(pk.peers)))
}

func inversePeerKey(mac []byte, ifaceID [4]byte) string {
	return string(mac) + string(ifaceID[:])
}

// PeerIDForMac resolves the peer id known to have mac on the
// interface identified by ifaceID, letting callers above Packager
// (e.g. an overlay inspecting where a datagram arrived from) recover
// peer identity without Packager knowing about them.
func (pk *Packager) PeerIDForMac(mac []byte, ifaceID [4]byte) ([]byte, bool) {
	key, ok := pk.inversePeers[inversePeerKey(mac, ifaceID)]
	if !ok {
		return nil, false
	}
	return []byte(key), true
}

// AddHook registers fn under name, run whenever Packager performs the
// matching lifecycle event ("remove_peer", "set_addr"). Returns an
// unsubscribe function.
func (pk *Packager) AddHook(name string, fn func(args ...interface{})) func() {
	if pk.hooks[name] == nil {
		pk.hooks[name] = make(map[int]func(args ...interface{}))
	}
	id := pk.nextHookID
	pk.nextHookID++
	pk.hooks[name][id] = fn
	return func() { delete(pk.hooks[name], id) }
}

func (pk *Packager) runHooks(name string, args ...interface{}) {
	for _, fn := range pk.hooks[name] {
		fn(args...)
	}
}

// RemovePeer drops a peer and every route that pointed at it.
func (pk *Packager) RemovePeer(peerID []byte) {
	key := string(peerID)
	peer, ok := pk.peers[key]
	if !ok {
		return
	}
	delete(pk.peers, key)
	for _, addr := range peer.Addrs {
		delete(pk.routes, addr.Key())
	}
	delete(pk.inverseRoutes, key)
	for _, ref := range peer.Interfaces {
		delete(pk.inversePeers, inversePeerKey(ref.Mac, ref.Iface.ID))
	}
	metrics.PeersKnown.Set(float64(len(pk.peers)))
	pk.runHooks("remove_peer", peerID)
}

// AddRoute records that address is reachable via nodeID, preserving
// the previous address for the peer's prior tree state (one route per
// tree state is kept per peer).
func (pk *Packager) AddRoute(nodeID []byte, address meshaddr.Address) {
	key := string(nodeID)
	if pk.banned[key] {
		return
	}
	if peer, ok := pk.peers[key]; ok {
		hasAddr := false
		for _, a := range peer.Addrs {
			if a.Equal(address) {
				hasAddr = true
				break
			}
		}
		if !hasAddr {
			peer.SetAddr(address)
		}
	}
	history := make([]meshaddr.Address, 0, PeerAddrHistory)
	for _, a := range pk.inverseRoutes[key] {
		if a.TreeState == address.TreeState {
			if pk.routes[a.Key()] == key {
				delete(pk.routes, a.Key())
			}
			continue
		}
		history = append(history, a)
	}
	history = append(history, address)
	if len(history) > PeerAddrHistory {
		history = history[len(history)-PeerAddrHistory:]
	}
	pk.routes[address.Key()] = key
	pk.inverseRoutes[key] = history
}

// RemoveRoute drops the route to address.
func (pk *Packager) RemoveRoute(address meshaddr.Address) {
	peerID, ok := pk.routes[address.Key()]
	if !ok {
		return
	}
	delete(pk.routes, address.Key())
	history := pk.inverseRoutes[peerID]
	kept := history[:0]
	for _, a := range history {
		if !a.Equal(address) {
			kept = append(kept, a)
		}
	}
	pk.inverseRoutes[peerID] = kept
}

// Ban marks a node id as untrusted, dropping it as a peer.
func (pk *Packager) Ban(nodeID []byte) {
	pk.banned[string(nodeID)] = true
	pk.RemovePeer(nodeID)
}

// Unban reverses Ban.
func (pk *Packager) Unban(nodeID []byte) {
	delete(pk.banned, string(nodeID))
}

// SetAddr sets this node's current tree embedding, discarding any
// previous address with the same tree state but retaining one address
// per prior tree state so in-flight routes stay valid through a
// transition.
func (pk *Packager) SetAddr(addr meshaddr.Address) {
	kept := make([]meshaddr.Address, 0, len(pk.nodeAddrs))
	for _, a := range pk.nodeAddrs {
		if a.TreeState != addr.TreeState {
			kept = append(kept, a)
		}
	}
	kept = append(kept, addr)
	if len(kept) > PeerAddrHistory {
		kept = kept[len(kept)-PeerAddrHistory:]
	}
	pk.nodeAddrs = kept
	pk.runHooks("set_addr", addr)
}

// CurrentAddr returns this node's most recent tree address.
func (pk *Packager) CurrentAddr() (meshaddr.Address, bool) {
	if len(pk.nodeAddrs) == 0 {
		return meshaddr.Address{}, false
	}
	return pk.nodeAddrs[len(pk.nodeAddrs)-1], true
}

// NextHop picks the neighbor peer+address that makes the most progress
// toward toAddr, preferring a direct route if one is known, otherwise
// the peer address minimizing the chosen distance metric among peers
// sharing toAddr's tree state.
func (pk *Packager) NextHop(toAddr meshaddr.Address, useCPL bool) (*Peer, meshaddr.Address, bool) {
	if peerID, ok := pk.routes[toAddr.Key()]; ok {
		if peer, ok := pk.peers[peerID]; ok {
			return peer, toAddr, true
		}
	}

	type candidate struct {
		peer *Peer
		addr meshaddr.Address
	}
	var candidates []candidate
	for _, peer := range pk.peers {
		for _, addr := range peer.Addrs {
			if addr.TreeState == toAddr.TreeState {
				candidates = append(candidates, candidate{peer, addr})
			}
		}
	}
	if len(candidates) == 0 {
		return nil, meshaddr.Address{}, false
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if useCPL {
			return meshaddr.DCPL(candidates[i].addr, toAddr) < meshaddr.DCPL(candidates[j].addr, toAddr)
		}
		return meshaddr.DTree(candidates[i].addr, toAddr) < meshaddr.DTree(candidates[j].addr, toAddr)
	})
	return candidates[0].peer, candidates[0].addr, true
}

// nextPacketID returns the current rolling packet id and advances it.
func (pk *Packager) nextPacketID() uint8 {
	id := pk.packetID
	pk.packetID++
	return id
}

// nextSeqID returns the current rolling sequence id and advances it.
func (pk *Packager) nextSeqID() uint8 {
	id := pk.seqID
	pk.seqID++
	return id
}

// bestSchemaFor picks, among schema ids supported by every interface
// in ids, the one with the largest body that can still carry
// blobLen bytes across a full sequence.
func bestSchemaFor(ids []uint8, blobLen int) (wire.Schema, bool) {
	var best wire.Schema
	found := false
	for _, s := range wire.GetSchemas(ids) {
		if s.MaxBlob() < blobLen {
			continue
		}
		if !found || s.MaxBody() > best.MaxBody() {
			best = s
			found = true
		}
	}
	return best, found
}

func intersectSchemas(a, b []uint8) []uint8 {
	set := make(map[uint8]bool, len(a))
	for _, id := range a {
		set[id] = true
	}
	out := make([]uint8, 0)
	for _, id := range b {
		if set[id] {
			out = append(out, id)
		}
	}
	return out
}
