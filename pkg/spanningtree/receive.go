package spanningtree

import (
	"bytes"

	"github.com/k98kurz/micropycelium/pkg/appdispatch"
	"github.com/k98kurz/micropycelium/pkg/meshaddr"
)

// receive is the Tree's appdispatch.ReceiveFunc: it updates routing,
// claim, and parent/child state from one inbound TreeMessage.
func (t *Tree) receive(app *appdispatch.Application, blob []byte, ifaceID [4]byte, mac []byte) {
	tm, err := Deserialize(blob)
	if err != nil {
		return
	}
	t.markSeen(tm)

	var peerID []byte
	if pid, ok := t.pk.PeerIDForMac(mac, ifaceID); ok {
		peerID = pid
	}

	theirScore := claimScore(tm.Claim, targetRootID)
	ourScore := claimScore(t.currentBestRootID, targetRootID)

	switch tm.Op {
	case OpSend:
		if !bytes.Equal(tm.NodeID[:], t.pk.NodeID) {
			t.pk.AddRoute(append([]byte(nil), tm.NodeID[:]...), meshaddr.FromBytes(TreeState(tm.Claim), tm.Address))
			if !bytes.Equal(tm.NodeID[:], peerID) {
				return
			}
		}
		if int64(tm.Age) < t.maxTreeAge {
			t.recordClaim(tm, peerID)
		}
		if less32(ourScore, theirScore) {
			t.respondTreeMessage(peerID)
		}
	case OpRespond:
		if int64(tm.Age) < t.maxTreeAge {
			t.recordClaim(tm, peerID)
		}
	case OpRequestAddressAssignment:
		local, ok := t.pk.CurrentAddr()
		if ok && TreeState(tm.Claim) == local.TreeState {
			if coord, isChild := t.currentChildren[string(peerID)]; isChild {
				coords := append(append([]int(nil), local.Coords...), coord)
				t.assignAddress(peerID, coords)
				return
			}
			coord, ok := lowestAvailableCoord(t.currentChildren)
			if !ok || peerID == nil {
				return
			}
			coords := append(append([]int(nil), local.Coords...), coord)
			t.currentChildren[string(peerID)] = coord
			t.assignAddress(peerID, coords)
		}
	case OpAssignAddress:
		if less32(theirScore, ourScore) && !bytes.Equal(tm.NodeID[:], t.pk.NodeID) {
			t.currentBestRootID = tm.Claim
			t.currentParent = peerID
			t.currentChildren = make(map[string]int)
			t.pk.SetAddr(meshaddr.FromBytes(TreeState(tm.Claim), tm.Address))
		} else {
			t.respondTreeMessage(peerID)
		}
	}

	if bytes.Equal(tm.NodeID[:], t.currentParent) {
		t.treeLastTS = t.now().Unix() - int64(tm.Age)
	}
}

func (t *Tree) recordClaim(tm Message, peerID []byte) {
	addr := meshaddr.FromBytes(TreeState(tm.Claim), tm.Address)
	root := meshaddr.FromCoords(TreeState(tm.Claim), nil)
	rec := claimRecord{
		claim:  tm.Claim,
		ts:     t.now().Unix() - int64(tm.Age),
		dTree:  meshaddr.DTree(root, addr),
		peerID: peerID,
	}
	t.knownClaims = append(t.knownClaims, rec)
	if len(t.knownClaims) > maxKnownClaims {
		t.knownClaims = t.knownClaims[len(t.knownClaims)-maxKnownClaims:]
	}
}

func (t *Tree) markSeen(tm Message) {
	t.seen = append(t.seen, tm)
	if len(t.seen) > maxSeenCache {
		t.seen = t.seen[len(t.seen)-maxSeenCache:]
	}
}
