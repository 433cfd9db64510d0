package spanningtree

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"time"

	"github.com/k98kurz/micropycelium/internal/obslog"
	"github.com/k98kurz/micropycelium/pkg/appdispatch"
	"github.com/k98kurz/micropycelium/pkg/gossip"
	"github.com/k98kurz/micropycelium/pkg/meshaddr"
	"github.com/k98kurz/micropycelium/pkg/packager"

	"go.uber.org/zap"
)

// targetRootID is the fixed XOR-distance target claim election races
// toward; the node whose id lands closest wins the root.
var targetRootID = func() [32]byte {
	var t [32]byte
	copy(t[:], bytes.Repeat([]byte("1234"), 8))
	return t
}()

const (
	maxKnownClaims = 10
	maxSeenCache   = 10
)

type claimRecord struct {
	claim  [32]byte
	ts     int64
	dTree  int
	peerID []byte
}

// Tree is one node's spanning tree overlay: claim election toward
// targetRootID, parent/child bookkeeping, and the periodic
// maintenance pass that keeps the local address current as the best
// known claim changes, grounded on the SpanningTree application in
// original_source/.../micropycelium.py.
type Tree struct {
	App *appdispatch.Application

	pk     *packager.Packager
	gossip *gossip.Overlay

	pub bool
	sub bool

	maxStartDelayMs     int
	maintenanceInterval time.Duration
	maxTreeAge          int64
	broadcastCount      int
	broadcastInterval   time.Duration

	currentBestRootID [32]byte
	currentParent     []byte
	currentChildren   map[string]int
	knownClaims       []claimRecord
	treeLastTS        int64
	seen              []Message

	unhookRemovePeer func()
	unhookSetAddr    func()

	now func() time.Time
	rnd *rand.Rand
	log *zap.SugaredLogger
}

const (
	sendEventID     = "spanningtree:send"
	maintainEventID = "spanningtree:maintain"
)

// New constructs a Tree bound to pk, publishing its claim over gossip
// when pub is true and subscribing to peer claims when sub is true.
// gossipOverlay may be nil if gossip is not wired.
func New(pk *packager.Packager, gossipOverlay *gossip.Overlay, pub, sub bool) *Tree {
	var seed [8]byte
	copy(seed[:], pk.NodeID)
	t := &Tree{
		pk:                  pk,
		gossip:              gossipOverlay,
		pub:                 pub,
		sub:                 sub,
		maxStartDelayMs:     MaxStartDelayMs,
		maintenanceInterval: TreeMaintenanceInterval * time.Second,
		maxTreeAge:          MaxTreeAge,
		broadcastCount:      1,
		broadcastInterval:   36 * time.Millisecond,
		currentChildren:     make(map[string]int),
		now:                 time.Now,
		rnd:                 rand.New(rand.NewSource(int64(binary.BigEndian.Uint64(seed[:])))),
		log:                 obslog.Named("spanningtree"),
	}
	copy(t.currentBestRootID[:], pk.NodeID)
	t.treeLastTS = t.now().Unix()

	app := appdispatch.New("SpanningTree", "Dev SpanningTree App", 0, t.receive)
	app.Callbacks["broadcast"] = func(args ...interface{}) interface{} { t.broadcastTreeMessage(); return nil }
	app.Callbacks["send"] = func(args ...interface{}) interface{} { t.sendTreeMessage(argBytes(args, 0)); return nil }
	app.Callbacks["respond"] = func(args ...interface{}) interface{} { t.respondTreeMessage(argBytes(args, 0)); return nil }
	app.Callbacks["request_address_assignment"] = func(args ...interface{}) interface{} {
		t.requestAddressAssignment(argBytes(args, 0), arg32(args, 1))
		return nil
	}
	app.Callbacks["assign_address"] = func(args ...interface{}) interface{} {
		t.assignAddress(argBytes(args, 0), argCoords(args, 1))
		return nil
	}
	app.Callbacks["maintain_tree"] = func(args ...interface{}) interface{} { t.MaintainTree(); return nil }
	app.Callbacks["claim_score"] = func(args ...interface{}) interface{} { return claimScore(arg32(args, 0), targetRootID) }
	app.Callbacks["get_known_claims"] = func(args ...interface{}) interface{} { return t.knownClaims }
	app.Callbacks["get_current_children"] = func(args ...interface{}) interface{} { return t.currentChildren }
	app.Callbacks["get_current_parent"] = func(args ...interface{}) interface{} { return t.currentParent }
	app.Callbacks["get_current_best_root_id"] = func(args ...interface{}) interface{} { return t.currentBestRootID }
	app.Callbacks["send_gossip_tree_message"] = func(args ...interface{}) interface{} { t.sendGossipTreeMessage(nil); return nil }
	app.Callbacks["get_seen"] = func(args ...interface{}) interface{} { return t.seen }

	t.App = app
	pk.AddApp(app)

	root := meshaddr.FromCoords(TreeState(t.currentBestRootID), nil)
	pk.SetAddr(root)

	return t
}

func argBytes(args []interface{}, i int) []byte {
	if i >= len(args) {
		return nil
	}
	b, _ := args[i].([]byte)
	return b
}

func arg32(args []interface{}, i int) [32]byte {
	var out [32]byte
	if i < len(args) {
		if b, ok := args[i].([32]byte); ok {
			return b
		}
		if b, ok := args[i].([]byte); ok {
			copy(out[:], b)
		}
	}
	return out
}

func argCoords(args []interface{}, i int) []int {
	if i >= len(args) {
		return nil
	}
	c, _ := args[i].([]int)
	return c
}

func (t *Tree) nowMillis() uint64 {
	return uint64(t.now().UnixMilli())
}

func (t *Tree) treeAge() int64 {
	return t.now().Unix() - t.treeLastTS
}

func (t *Tree) isRoot() bool {
	var selfID [32]byte
	copy(selfID[:], t.pk.NodeID)
	return selfID == t.currentBestRootID
}

// removePeerHook clears a departed peer from child and known-claim
// bookkeeping, registered on the Packager's "remove_peer" lifecycle
// hook by Start.
func (t *Tree) removePeerHook(args ...interface{}) {
	if len(args) == 0 {
		return
	}
	pid, _ := args[0].([]byte)
	delete(t.currentChildren, string(pid))
	kept := t.knownClaims[:0]
	for _, c := range t.knownClaims {
		if string(c.peerID) != string(pid) {
			kept = append(kept, c)
		}
	}
	t.knownClaims = kept
}

func (t *Tree) setAddrHook(args ...interface{}) {
	if len(args) == 0 {
		return
	}
	addr, _ := args[0].(meshaddr.Address)
	t.sendGossipTreeMessage(&addr)
}

func lowestAvailableCoord(children map[string]int) (int, bool) {
	used := make(map[int]bool, len(children))
	for _, c := range children {
		used[c] = true
	}
	for i := 1; i < 136; i++ {
		if !used[i] {
			return i, true
		}
	}
	return 0, false
}
