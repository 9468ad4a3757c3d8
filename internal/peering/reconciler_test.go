package peering

import (
	"net"
	"testing"

	"github.com/kestrelnet/linkmond/internal/adjacency"
	"github.com/kestrelnet/linkmond/internal/types"
	"github.com/stretchr/testify/require"
)

func key(node, iface string) types.AdjacencyKey {
	return types.AdjacencyKey{RemoteNode: node, LocalIface: iface}
}

func peer(ip string) types.PeerSpec {
	return types.PeerSpec{Addr: net.ParseIP(ip), Port: 60000, NodeID: ip}
}

func alwaysUsable(string) bool { return true }

func TestDesiredPeersTieBreakSmallestIfaceName(t *testing.T) {
	adj := adjacency.New(nil)
	adj.Up(key("N2", "et2"), peer("fe80::20"), 1, "0")
	adj.Up(key("N2", "et1"), peer("fe80::10"), 1, "0")

	r := New(adj)
	desired := r.DesiredPeers("0", alwaysUsable)
	require.Len(t, desired, 1)
	require.Contains(t, desired, "N2")
	require.Equal(t, "fe80::10", desired["N2"].Addr.String())
}

func TestDesiredPeersExcludesUnusableInterface(t *testing.T) {
	adj := adjacency.New(nil)
	adj.Up(key("N2", "et1"), peer("fe80::2"), 1, "0")

	r := New(adj)
	desired := r.DesiredPeers("0", func(iface string) bool { return false })
	require.Empty(t, desired)
}

func TestReconcileProducesAddThenCommit(t *testing.T) {
	adj := adjacency.New(nil)
	adj.Up(key("N2", "et1"), peer("fe80::2"), 1, "0")

	r := New(adj)
	delta := r.Reconcile("0", alwaysUsable, nil)
	require.Len(t, delta.AddOrUpdate, 1)
	require.Empty(t, delta.Delete)
	require.Empty(t, r.Announced("0"))

	r.Commit(delta)
	require.Len(t, r.Announced("0"), 1)

	// A second reconcile against unchanged state produces no delta.
	delta2 := r.Reconcile("0", alwaysUsable, nil)
	require.True(t, delta2.IsEmpty())
}

func TestReconcileProducesDeleteOnNeighborDown(t *testing.T) {
	adj := adjacency.New(nil)
	adj.Up(key("N2", "et1"), peer("fe80::2"), 1, "0")

	r := New(adj)
	r.Commit(r.Reconcile("0", alwaysUsable, nil))

	adj.Remove(key("N2", "et1"))
	delta := r.Reconcile("0", alwaysUsable, nil)
	require.Empty(t, delta.AddOrUpdate)
	require.Equal(t, []string{"N2"}, delta.Delete)
}

func TestReconcileKeepsRestartingPeerAnnounced(t *testing.T) {
	adj := adjacency.New(nil)
	adj.Up(key("N2", "et1"), peer("fe80::2"), 1, "0")

	r := New(adj)
	r.Commit(r.Reconcile("0", alwaysUsable, nil))

	adj.MarkRestarting(key("N2", "et1"))
	delta := r.Reconcile("0", alwaysUsable, nil)
	require.True(t, delta.IsEmpty(), "restarting adjacency must not withdraw its peer")
}

func TestReconcileUpPeersUnionedRegardlessOfDiff(t *testing.T) {
	adj := adjacency.New(nil)
	r := New(adj)

	up := map[string]types.PeerSpec{"N9": peer("fe80::9")}
	delta := r.Reconcile("0", alwaysUsable, up)
	require.Contains(t, delta.AddOrUpdate, "N9")
}
