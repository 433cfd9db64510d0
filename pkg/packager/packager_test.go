package packager

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/k98kurz/micropycelium/pkg/iface"
	"github.com/k98kurz/micropycelium/pkg/meshaddr"
)

func newTestInterface(t *testing.T, name string) *iface.Interface {
	t.Helper()
	i, err := iface.New(name, 250000, []uint8{5, 2, 0})
	require.NoError(t, err)
	i.Receive = func(ctx context.Context) (iface.Datagram, bool, error) { return iface.Datagram{}, false, nil }
	i.Send = func(ctx context.Context, dg iface.Datagram) error { return nil }
	i.Broadcast = func(ctx context.Context, dg iface.Datagram) error { return nil }
	return i
}

func TestNewDerivesTwoLevelSha256NodeID(t *testing.T) {
	pk := New([]byte("device-unique-id"))
	require.Len(t, pk.NodeID, 32)

	pk2 := New([]byte("device-unique-id"))
	require.Equal(t, pk.NodeID, pk2.NodeID)

	pk3 := New([]byte("different-device"))
	require.NotEqual(t, pk.NodeID, pk3.NodeID)
}

func TestAddPeerThenRemovePeerClearsRoutes(t *testing.T) {
	pk := New([]byte("a"))
	i := newTestInterface(t, "radio0")
	pk.AddInterface(i)

	peerID := []byte("peer-1")
	pk.AddPeer(peerID, []InterfaceRef{{Mac: []byte{1, 2, 3}, Iface: i}})
	require.Contains(t, pk.peers, string(peerID))

	addr := meshaddr.FromCoords(0, []int{1, 2})
	pk.AddRoute(peerID, addr)
	require.Equal(t, string(peerID), pk.routes[addr.Key()])

	pk.RemovePeer(peerID)
	require.NotContains(t, pk.peers, string(peerID))
	require.NotContains(t, pk.routes, addr.Key())
}

func TestBanPreventsAddPeer(t *testing.T) {
	pk := New([]byte("a"))
	i := newTestInterface(t, "radio0")
	peerID := []byte("bad-actor")
	pk.Ban(peerID)
	pk.AddPeer(peerID, []InterfaceRef{{Mac: []byte{9}, Iface: i}})
	require.NotContains(t, pk.peers, string(peerID))

	pk.Unban(peerID)
	pk.AddPeer(peerID, []InterfaceRef{{Mac: []byte{9}, Iface: i}})
	require.Contains(t, pk.peers, string(peerID))
}

func TestSetAddrRetainsOnePerPriorTreeState(t *testing.T) {
	pk := New([]byte("a"))
	a1 := meshaddr.FromCoords(1, []int{1})
	a2 := meshaddr.FromCoords(2, []int{2})
	a3 := meshaddr.FromCoords(1, []int{3})

	pk.SetAddr(a1)
	pk.SetAddr(a2)
	require.Len(t, pk.nodeAddrs, 2)

	pk.SetAddr(a3)
	require.Len(t, pk.nodeAddrs, 2)
	cur, ok := pk.CurrentAddr()
	require.True(t, ok)
	require.True(t, cur.Equal(a3))
}

func TestNextHopPrefersKnownRoute(t *testing.T) {
	pk := New([]byte("a"))
	i := newTestInterface(t, "radio0")
	peerA := []byte("peer-a")
	peerB := []byte("peer-b")
	pk.AddPeer(peerA, []InterfaceRef{{Mac: []byte{1}, Iface: i}})
	pk.AddPeer(peerB, []InterfaceRef{{Mac: []byte{2}, Iface: i}})

	target := meshaddr.FromCoords(0, []int{5, 5})
	nearA := meshaddr.FromCoords(0, []int{5, 5})
	farB := meshaddr.FromCoords(0, []int{9, 9})
	pk.peers[string(peerA)].SetAddr(nearA)
	pk.peers[string(peerB)].SetAddr(farB)
	pk.AddRoute(peerB, target) // explicit route should win over distance

	peer, addr, ok := pk.NextHop(target, false)
	require.True(t, ok)
	require.Equal(t, string(peerB), string(peer.ID))
	require.True(t, addr.Equal(target))
}

func TestNextHopFallsBackToClosestPeerByDTree(t *testing.T) {
	pk := New([]byte("a"))
	i := newTestInterface(t, "radio0")
	peerA := []byte("peer-a")
	peerB := []byte("peer-b")
	pk.AddPeer(peerA, []InterfaceRef{{Mac: []byte{1}, Iface: i}})
	pk.AddPeer(peerB, []InterfaceRef{{Mac: []byte{2}, Iface: i}})

	target := meshaddr.FromCoords(0, []int{1, 2, 3})
	pk.peers[string(peerA)].SetAddr(meshaddr.FromCoords(0, []int{1, 2, 3}))
	pk.peers[string(peerB)].SetAddr(meshaddr.FromCoords(0, []int{9, 9, 9}))

	peer, _, ok := pk.NextHop(target, false)
	require.True(t, ok)
	require.Equal(t, string(peerA), string(peer.ID))
}

func TestNextHopReturnsFalseWithNoCandidates(t *testing.T) {
	pk := New([]byte("a"))
	_, _, ok := pk.NextHop(meshaddr.FromCoords(0, []int{1}), false)
	require.False(t, ok)
}

func TestBroadcastSingleAndFragmentedPaths(t *testing.T) {
	pk := New([]byte("a"))
	var sent [][]byte
	i := newTestInterface(t, "radio0")
	i.Broadcast = func(ctx context.Context, dg iface.Datagram) error {
		sent = append(sent, dg.Data)
		return nil
	}
	pk.AddInterface(i)

	appID := [16]byte{1}
	require.True(t, pk.Broadcast(appID, []byte("small blob"), nil))
	require.NoError(t, i.Process(context.Background()))
	require.Len(t, sent, 1)

	sent = nil
	big := make([]byte, 2000)
	require.True(t, pk.Broadcast(appID, big, nil))
	for n := 0; n < 32; n++ {
		require.NoError(t, i.Process(context.Background()))
	}
	require.Greater(t, len(sent), 1)
}
