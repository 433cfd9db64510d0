package spanningtree

import (
	"math/big"
	"time"

	"github.com/k98kurz/micropycelium/pkg/meshaddr"
)

func nodeID32(b []byte) [32]byte {
	var out [32]byte
	copy(out[:], b)
	return out
}

func clampAge(age int64) uint8 {
	if age < 0 {
		return 0
	}
	if age > 255 {
		return 255
	}
	return uint8(age)
}

func claimScoreBig(claim [32]byte) *big.Int {
	diff := xor32(claim, targetRootID)
	return new(big.Int).SetBytes(diff[:])
}

func (t *Tree) buildMessage(op Op, age uint8, claim [32]byte, address [16]byte) Message {
	return Message{
		Op:      op,
		TS:      t.nowMillis(),
		Age:     age,
		Claim:   claim,
		Address: address,
		NodeID:  nodeID32(t.pk.NodeID),
	}
}

func (t *Tree) broadcastTreeMessage() {
	local, _ := t.pk.CurrentAddr()
	tm := t.buildMessage(OpSend, clampAge(t.treeAge()), t.currentBestRootID, local.Bytes)
	t.pk.Broadcast(t.App.ID, Serialize(tm), nil)
}

func (t *Tree) sendTreeMessage(pid []byte) {
	local, _ := t.pk.CurrentAddr()
	tm := t.buildMessage(OpSend, clampAge(t.treeAge()), t.currentBestRootID, local.Bytes)
	t.pk.Send(t.App.ID, Serialize(tm), pid, nil, false)
}

func (t *Tree) respondTreeMessage(pid []byte) {
	if pid == nil {
		return
	}
	local, _ := t.pk.CurrentAddr()
	tm := t.buildMessage(OpRespond, clampAge(t.treeAge()), t.currentBestRootID, local.Bytes)
	t.pk.Send(t.App.ID, Serialize(tm), pid, nil, false)
}

func (t *Tree) requestAddressAssignment(pid []byte, claim [32]byte) {
	if pid == nil {
		return
	}
	tm := t.buildMessage(OpRequestAddressAssignment, 0, claim, [16]byte{})
	t.pk.Send(t.App.ID, Serialize(tm), pid, nil, false)
}

func (t *Tree) assignAddress(pid []byte, coords []int) {
	if pid == nil {
		return
	}
	addr := meshaddr.FromCoords(TreeState(t.currentBestRootID), coords)
	tm := t.buildMessage(OpAssignAddress, clampAge(t.treeAge()), t.currentBestRootID, addr.Bytes)
	t.pk.Send(t.App.ID, Serialize(tm), pid, nil, false)
}

// periodicTreeMessage broadcasts count times, broadcastInterval apart,
// then hands off to the maintenance schedule.
func (t *Tree) periodicTreeMessage(count int) {
	if count <= 0 {
		t.scheduleTreeMaintenance()
		return
	}
	t.broadcastTreeMessage()
	t.pk.Schedule(sendEventID, t.now().Add(t.broadcastInterval), func() {
		t.periodicTreeMessage(count - 1)
	})
}

func (t *Tree) sendGossipTreeMessage(addr *meshaddr.Address) {
	if t.gossip == nil {
		return
	}
	var addrBytes [16]byte
	if addr != nil {
		addrBytes = addr.Bytes
	} else if local, ok := t.pk.CurrentAddr(); ok {
		addrBytes = local.Bytes
	}
	tm := t.buildMessage(OpSend, clampAge(t.treeAge()), t.currentBestRootID, addrBytes)
	t.gossip.Publish(t.App.ID, Serialize(tm))
}

// MaintainTree resets local state if the parent has gone silent for
// too long, drops expired known claims, requests an address
// assignment from the best known claim if it beats the current one,
// then resumes periodic broadcasting.
func (t *Tree) MaintainTree() {
	if t.treeAge() > t.maxTreeAge {
		t.currentBestRootID = nodeID32(t.pk.NodeID)
		t.currentParent = nil
		t.currentChildren = make(map[string]int)
		t.pk.SetAddr(meshaddr.FromCoords(TreeState(t.currentBestRootID), nil))
	}

	now := t.now().Unix()
	kept := t.knownClaims[:0]
	for _, c := range t.knownClaims {
		if now-c.ts < t.maxTreeAge {
			kept = append(kept, c)
		}
	}
	t.knownClaims = kept

	if len(t.knownClaims) > 0 {
		local, _ := t.pk.CurrentAddr()
		root := meshaddr.FromCoords(TreeState(t.currentBestRootID), nil)
		currentDTree := meshaddr.DTree(local, root)

		best := t.knownClaims[0]
		bestTotal := new(big.Int).Add(claimScoreBig(best.claim), big.NewInt(int64(best.dTree)))
		for _, c := range t.knownClaims[1:] {
			total := new(big.Int).Add(claimScoreBig(c.claim), big.NewInt(int64(c.dTree)))
			if total.Cmp(bestTotal) < 0 {
				best = c
				bestTotal = total
			}
		}

		bestScore := claimScoreBig(best.claim)
		curScore := claimScoreBig(t.currentBestRootID)
		cmp := bestScore.Cmp(curScore)
		if cmp < 0 || (cmp == 0 && best.dTree < currentDTree-1) {
			t.requestAddressAssignment(best.peerID, best.claim)
		}
	}

	if t.isRoot() {
		t.treeLastTS = t.now().Unix()
	}
	t.periodicTreeMessage(t.broadcastCount)
	t.sendGossipTreeMessage(nil)
	t.scheduleTreeMaintenance()
}

func (t *Tree) scheduleTreeMaintenance() {
	t.pk.Schedule(maintainEventID, t.now().Add(t.maintenanceInterval), t.MaintainTree)
}

// Start registers lifecycle hooks and schedules the first maintenance
// pass after a random jitter, avoiding synchronized claim storms when
// a cluster of nodes boots together.
func (t *Tree) Start() {
	t.unhookRemovePeer = t.pk.AddHook("remove_peer", t.removePeerHook)
	t.currentBestRootID = nodeID32(t.pk.NodeID)
	t.pk.SetAddr(meshaddr.FromCoords(TreeState(t.currentBestRootID), nil))

	delay := time.Duration(t.rnd.Intn(t.maxStartDelayMs+1)) * time.Millisecond
	t.pk.Schedule(maintainEventID, t.now().Add(delay), t.MaintainTree)

	if t.gossip != nil {
		if t.pub {
			t.unhookSetAddr = t.pk.AddHook("set_addr", t.setAddrHook)
		}
		if t.sub {
			t.gossip.Subscribe(t.App.ID, t.App.ID)
		}
	}
}

// Stop cancels all scheduled tree events and removes registered hooks.
func (t *Tree) Stop() {
	if t.unhookRemovePeer != nil {
		t.unhookRemovePeer()
	}
	if t.unhookSetAddr != nil {
		t.unhookSetAddr()
	}
	t.pk.CancelEvent(sendEventID)
	t.pk.CancelEvent(maintainEventID)
	if t.gossip != nil && t.sub {
		t.gossip.Unsubscribe(t.App.ID, t.App.ID)
	}
}
