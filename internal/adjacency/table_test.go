package adjacency

import (
	"net"
	"testing"
	"time"

	"github.com/kestrelnet/linkmond/internal/types"
	"github.com/stretchr/testify/require"
)

func key(node, iface string) types.AdjacencyKey {
	return types.AdjacencyKey{RemoteNode: node, LocalIface: iface}
}

func peer(ip string, port int) types.PeerSpec {
	return types.PeerSpec{Addr: net.ParseIP(ip), Port: port, NodeID: ip}
}

func TestUpInsertsNewAdjacency(t *testing.T) {
	tbl := New(nil)
	res := tbl.Up(key("N2", "et1"), peer("fe80::2", 60002), 10, "0")
	require.True(t, res.Created)
	require.False(t, res.RestartCleared)

	v := tbl.Get(key("N2", "et1"))
	require.NotNil(t, v)
	require.Equal(t, "0", v.Area)
	require.False(t, v.Restarting)
}

func TestUpOnIdenticalPeerClearsRestarting(t *testing.T) {
	tbl := New(nil)
	tbl.Up(key("N2", "et1"), peer("fe80::2", 60002), 10, "0")
	tbl.MarkRestarting(key("N2", "et1"))
	require.True(t, tbl.Get(key("N2", "et1")).Restarting)

	res := tbl.Up(key("N2", "et1"), peer("fe80::2", 60002), 10, "0")
	require.False(t, res.Created)
	require.True(t, res.RestartCleared)
	require.False(t, tbl.Get(key("N2", "et1")).Restarting)
}

func TestMarkRestartingDoesNotRemoveEntry(t *testing.T) {
	tbl := New(nil)
	tbl.Up(key("N2", "et1"), peer("fe80::2", 60002), 10, "0")
	tbl.MarkRestarting(key("N2", "et1"))

	v := tbl.Get(key("N2", "et1"))
	require.NotNil(t, v)
	require.True(t, v.Restarting)
}

func TestMarkRestartingUnknownKeyIsNoop(t *testing.T) {
	tbl := New(nil)
	tbl.MarkRestarting(key("ghost", "et1"))
	require.Nil(t, tbl.Get(key("ghost", "et1")))
}

func TestRemove(t *testing.T) {
	tbl := New(nil)
	tbl.Up(key("N2", "et1"), peer("fe80::2", 60002), 10, "0")
	require.True(t, tbl.Remove(key("N2", "et1")))
	require.Nil(t, tbl.Get(key("N2", "et1")))
	require.False(t, tbl.Remove(key("N2", "et1")))
}

func TestUpdateMetricUnknownKey(t *testing.T) {
	tbl := New(nil)
	err := tbl.UpdateMetric(key("ghost", "et1"), 42)
	require.ErrorIs(t, err, ErrUnknownAdjacency)
}

func TestEffectiveMetricPrecedence(t *testing.T) {
	tbl := New(nil)
	tbl.Up(key("N2", "et1"), peer("fe80::2", 60002), 10, "0")

	v := tbl.Get(key("N2", "et1"))
	require.EqualValues(t, 10, v.Record.EffectiveMetric(nil))

	override := uint32(99)
	require.NoError(t, tbl.SetMetricOverride(key("N2", "et1"), &override))
	require.EqualValues(t, 99, v.Record.EffectiveMetric(nil))

	// Interface override is consulted only when no adjacency override is set.
	require.NoError(t, tbl.SetMetricOverride(key("N2", "et1"), nil))
	ifaceOverride := uint32(55)
	require.EqualValues(t, 55, v.Record.EffectiveMetric(&ifaceOverride))
}

func TestByAreaFiltersAndOrdersDeterministically(t *testing.T) {
	tbl := New(nil)
	tbl.Up(key("N2", "et2"), peer("fe80::2", 1), 1, "0")
	tbl.Up(key("N2", "et1"), peer("fe80::2", 1), 1, "0")
	tbl.Up(key("N3", "et1"), peer("fe80::3", 1), 1, "1")

	area0 := tbl.ByArea("0")
	require.Len(t, area0, 2)
	require.Equal(t, "et1", area0[0].Key.LocalIface)
	require.Equal(t, "et2", area0[1].Key.LocalIface)

	require.Len(t, tbl.ByArea("1"), 1)
}

func TestUpdateMetricRefreshesTimestamp(t *testing.T) {
	now := time.Unix(1000, 0)
	tbl := New(func() time.Time { return now })
	tbl.Up(key("N2", "et1"), peer("fe80::2", 1), 1, "0")

	now = now.Add(time.Minute)
	require.NoError(t, tbl.UpdateMetric(key("N2", "et1"), 5))
	require.EqualValues(t, 5, tbl.Get(key("N2", "et1")).Record.Metric)
	require.Equal(t, now, tbl.Get(key("N2", "et1")).Record.LastUpdated)
}
