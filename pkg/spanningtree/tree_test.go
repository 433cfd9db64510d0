package spanningtree

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/k98kurz/micropycelium/pkg/appdispatch"
	"github.com/k98kurz/micropycelium/pkg/gossip"
	"github.com/k98kurz/micropycelium/pkg/iface"
	"github.com/k98kurz/micropycelium/pkg/meshaddr"
	"github.com/k98kurz/micropycelium/pkg/packager"
	"github.com/k98kurz/micropycelium/pkg/wire"
)

// decodeSentTreeMessage unwraps a datagram handed to the driver: the
// wire packet, then the Package in its body, then the tree message.
func decodeSentTreeMessage(t *testing.T, data []byte) (Message, error) {
	t.Helper()
	p, err := wire.Decode(data, 0)
	require.NoError(t, err)
	pkg, err := appdispatch.Unpack(p.Body)
	require.NoError(t, err)
	return Deserialize(pkg.Blob)
}

func newTestInterface(t *testing.T, name string) *iface.Interface {
	t.Helper()
	i, err := iface.New(name, 250000, []uint8{5, 2, 0})
	require.NoError(t, err)
	i.Receive = func(ctx context.Context) (iface.Datagram, bool, error) { return iface.Datagram{}, false, nil }
	i.Send = func(ctx context.Context, dg iface.Datagram) error { return nil }
	i.Broadcast = func(ctx context.Context, dg iface.Datagram) error { return nil }
	return i
}

type fakeSender struct {
	broadcasts [][]byte
}

func (f *fakeSender) Broadcast(appID [16]byte, blob []byte) bool {
	f.broadcasts = append(f.broadcasts, blob)
	return true
}

func (f *fakeSender) Send(appID [16]byte, blob []byte, peerID []byte) bool { return true }

func TestNewElectsSelfAsRoot(t *testing.T) {
	pk := packager.New([]byte("node-a"))
	tr := New(pk, nil, true, false)

	addr, ok := pk.CurrentAddr()
	require.True(t, ok)
	require.Empty(t, addr.Coords)
	require.Equal(t, TreeState(nodeID32(pk.NodeID)), addr.TreeState)
	require.Equal(t, nodeID32(pk.NodeID), tr.currentBestRootID)
}

func TestClaimScoreIsStableAndDistinguishing(t *testing.T) {
	var a, b [32]byte
	a[0] = 1
	b[0] = 2
	sa := claimScoreBig(a)
	sb := claimScoreBig(b)
	require.NotEqual(t, 0, sa.Cmp(sb))
	require.Equal(t, 0, sa.Cmp(claimScoreBig(a)))
}

func TestTreeMessageSerializeDeserializeRoundTrip(t *testing.T) {
	tm := Message{Op: OpAssignAddress, TS: 12345, Age: 7, Claim: [32]byte{1, 2}, Address: [16]byte{3}, NodeID: [32]byte{9}}
	decoded, err := Deserialize(Serialize(tm))
	require.NoError(t, err)
	require.Equal(t, tm, decoded)
}

func TestReceiveSendRecordsClaimAndWithholdsRespondWhenWorse(t *testing.T) {
	pk := packager.New([]byte("node-a"))
	i := newTestInterface(t, "radio0")
	pk.AddInterface(i)
	var sent [][]byte
	i.Send = func(ctx context.Context, dg iface.Datagram) error {
		sent = append(sent, dg.Data)
		return nil
	}
	tr := New(pk, nil, true, false)
	tr.Start()

	peerID := []byte("neighbor-b")
	mac := []byte{9, 9, 9}
	pk.AddPeer(peerID, []packager.InterfaceRef{{Mac: mac, Iface: i}})

	var peerNodeID [32]byte
	copy(peerNodeID[:], peerID)
	tm := Message{Op: OpSend, TS: 1, Age: 0, Claim: targetRootID, NodeID: peerNodeID}
	tr.receive(tr.App, Serialize(tm), i.ID, mac)

	require.Len(t, tr.knownClaims, 1)
	require.Equal(t, targetRootID, tr.knownClaims[0].claim)

	require.NoError(t, i.Process(context.Background()))
	require.Empty(t, sent)
}

func TestMaintainTreeRequestsAssignmentForBetterClaim(t *testing.T) {
	pk := packager.New([]byte("node-a"))
	i := newTestInterface(t, "radio0")
	pk.AddInterface(i)
	var sent [][]byte
	i.Send = func(ctx context.Context, dg iface.Datagram) error {
		sent = append(sent, dg.Data)
		return nil
	}

	tr := New(pk, nil, true, false)
	tr.Start()

	peerID := []byte("neighbor-b")
	mac := []byte{7, 7, 7}
	pk.AddPeer(peerID, []packager.InterfaceRef{{Mac: mac, Iface: i}})

	var peerNodeID [32]byte
	copy(peerNodeID[:], peerID)
	tm := Message{Op: OpSend, TS: 1, Age: 0, Claim: targetRootID, NodeID: peerNodeID}
	tr.receive(tr.App, Serialize(tm), i.ID, mac)

	tr.MaintainTree()
	require.NoError(t, i.Process(context.Background()))
	require.NotEmpty(t, sent)

	decoded, err := decodeSentTreeMessage(t, sent[len(sent)-1])
	require.NoError(t, err)
	require.Equal(t, OpRequestAddressAssignment, decoded.Op)
	require.Equal(t, targetRootID, decoded.Claim)
}

func TestAssignAddressAcceptedUpdatesLocalAddressAndParent(t *testing.T) {
	pk := packager.New([]byte("node-a"))
	i := newTestInterface(t, "radio0")
	pk.AddInterface(i)
	tr := New(pk, nil, true, false)
	tr.Start()

	peerID := []byte("neighbor-root")
	mac := []byte{1, 1, 1}
	pk.AddPeer(peerID, []packager.InterfaceRef{{Mac: mac, Iface: i}})

	var peerNodeID [32]byte
	copy(peerNodeID[:], peerID)
	addr := [16]byte{5}
	tm := Message{Op: OpAssignAddress, TS: 1, Age: 0, Claim: targetRootID, Address: addr, NodeID: peerNodeID}
	tr.receive(tr.App, Serialize(tm), i.ID, mac)

	require.Equal(t, targetRootID, tr.currentBestRootID)
	require.Equal(t, string(peerID), string(tr.currentParent))
	current, ok := pk.CurrentAddr()
	require.True(t, ok)
	require.Equal(t, addr, current.Bytes)
}

func TestRequestAddressAssignmentRespondsWithChildCoordinate(t *testing.T) {
	pk := packager.New([]byte("root-node"))
	i := newTestInterface(t, "radio0")
	pk.AddInterface(i)
	var sent [][]byte
	i.Send = func(ctx context.Context, dg iface.Datagram) error {
		sent = append(sent, dg.Data)
		return nil
	}

	tr := New(pk, nil, true, false)
	tr.Start() // nothing beats self-claim, stays root

	childID := []byte("child-node")
	mac := []byte{3, 3, 3}
	pk.AddPeer(childID, []packager.InterfaceRef{{Mac: mac, Iface: i}})

	var childNodeID [32]byte
	copy(childNodeID[:], childID)
	tm := Message{Op: OpRequestAddressAssignment, TS: 1, Claim: tr.currentBestRootID, NodeID: childNodeID}
	tr.receive(tr.App, Serialize(tm), i.ID, mac)
	require.NoError(t, i.Process(context.Background()))
	require.NotEmpty(t, sent)

	decoded, err := decodeSentTreeMessage(t, sent[len(sent)-1])
	require.NoError(t, err)
	require.Equal(t, OpAssignAddress, decoded.Op)
	assignedCoords := meshaddr.Decode(decoded.Address[:])
	require.Equal(t, []int{1}, assignedCoords)
	require.Equal(t, 1, tr.currentChildren[string(childID)])
}

func TestRemovePeerHookClearsChildAndKnownClaims(t *testing.T) {
	pk := packager.New([]byte("node-a"))
	i := newTestInterface(t, "radio0")
	pk.AddInterface(i)
	tr := New(pk, nil, true, false)
	tr.Start()

	peerID := []byte("neighbor-b")
	mac := []byte{4, 4, 4}
	pk.AddPeer(peerID, []packager.InterfaceRef{{Mac: mac, Iface: i}})

	var peerNodeID [32]byte
	copy(peerNodeID[:], peerID)
	tm := Message{Op: OpSend, TS: 1, Claim: targetRootID, NodeID: peerNodeID}
	tr.receive(tr.App, Serialize(tm), i.ID, mac)
	tr.currentChildren[string(peerID)] = 3
	require.Len(t, tr.knownClaims, 1)

	pk.RemovePeer(peerID)
	require.Empty(t, tr.knownClaims)
	require.NotContains(t, tr.currentChildren, string(peerID))
}

func TestSetAddrHookPublishesGossipTreeMessage(t *testing.T) {
	pk := packager.New([]byte("node-a"))
	fs := &fakeSender{}
	ov := gossip.New([16]byte{9}, pk.NodeID, fs, nil)
	tr := New(pk, ov, true, false)
	tr.Start()

	pk.SetAddr(meshaddr.FromCoords(TreeState(tr.currentBestRootID), []int{1}))
	require.NotEmpty(t, fs.broadcasts)

	gm := gossip.Deserialize(fs.broadcasts[len(fs.broadcasts)-1])
	require.Equal(t, tr.App.ID, gm.TopicID)
	inner, err := Deserialize(gm.Data)
	require.NoError(t, err)
	require.Equal(t, OpSend, inner.Op)
}

func TestStopCancelsEventsAndUnsubscribes(t *testing.T) {
	pk := packager.New([]byte("node-a"))
	fs := &fakeSender{}
	var delivered int
	ov := gossip.New([16]byte{9}, pk.NodeID, fs, func(app [16]byte, data []byte) { delivered++ })
	tr := New(pk, ov, true, true)
	tr.Start()
	require.True(t, pk.HasEvent(maintainEventID))

	tr.Stop()
	require.False(t, pk.HasEvent(maintainEventID))
	require.False(t, pk.HasEvent(sendEventID))

	ov.Publish(tr.App.ID, []byte("after stop"))
	require.Equal(t, 0, delivered)
}
