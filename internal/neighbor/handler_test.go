package neighbor

import (
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/kestrelnet/linkmond/internal/adjacency"
	"github.com/kestrelnet/linkmond/internal/types"
	"github.com/stretchr/testify/require"
)

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func peerSpec(ip string) types.PeerSpec {
	return types.PeerSpec{Addr: net.ParseIP(ip), Port: 60000, NodeID: ip}
}

func TestHandleUpInsertsAndPublishesImmediatePeer(t *testing.T) {
	adj := adjacency.New(nil)
	h := New(discardLog(), adj, false, 10)

	eff := h.Handle(Event{
		Kind:        Up,
		RemoteNode:  "N2",
		RemoteIface: "et0",
		LocalIface:  "et1",
		Peer:        peerSpec("fe80::2"),
		Area:        "0",
	})

	require.True(t, eff.AdvertiseAdjacencies)
	require.Equal(t, map[string]types.PeerSpec{"N2": peerSpec("fe80::2")}, eff.ImmediatePeer)
	require.False(t, eff.ReconcilePeers, "up must not wait for a full reconcile pass")

	v := adj.Get(types.AdjacencyKey{RemoteNode: "N2", LocalIface: "et1"})
	require.NotNil(t, v)
	require.Equal(t, "et0", v.Record.RemoteIface)
	require.EqualValues(t, 10, v.Record.Metric, "RTT mode disabled: metric must be the configured base metric, never 0")
}

func TestHandleRestartingDoesNotTouchPeersOrAdvertise(t *testing.T) {
	adj := adjacency.New(nil)
	h := New(discardLog(), adj, false, 10)
	h.Handle(Event{Kind: Up, RemoteNode: "N2", LocalIface: "et1", Peer: peerSpec("fe80::2"), Area: "0"})

	eff := h.Handle(Event{Kind: Restarting, RemoteNode: "N2", LocalIface: "et1", Area: "0"})
	require.False(t, eff.AdvertiseAdjacencies)
	require.False(t, eff.ReconcilePeers)
	require.Nil(t, eff.ImmediatePeer)

	v := adj.Get(types.AdjacencyKey{RemoteNode: "N2", LocalIface: "et1"})
	require.True(t, v.Restarting)
}

func TestHandleDownRemovesAndSchedulesReconcileAndAdvertise(t *testing.T) {
	adj := adjacency.New(nil)
	h := New(discardLog(), adj, false, 10)
	h.Handle(Event{Kind: Up, RemoteNode: "N2", LocalIface: "et1", Peer: peerSpec("fe80::2"), Area: "0"})

	eff := h.Handle(Event{Kind: Down, RemoteNode: "N2", LocalIface: "et1", Area: "0"})
	require.True(t, eff.ReconcilePeers)
	require.True(t, eff.AdvertiseAdjacencies)
	require.Nil(t, adj.Get(types.AdjacencyKey{RemoteNode: "N2", LocalIface: "et1"}))
}

func TestHandleRTTChangeUpdatesMetricOnlyWhenEnabled(t *testing.T) {
	adj := adjacency.New(nil)
	h := New(discardLog(), adj, true, 10)
	h.Handle(Event{Kind: Up, RemoteNode: "N2", LocalIface: "et1", Peer: peerSpec("fe80::2"), Area: "0"})

	eff := h.Handle(Event{Kind: RTTChange, RemoteNode: "N2", LocalIface: "et1", RTT: 5 * time.Millisecond, Area: "0"})
	require.True(t, eff.AdvertiseAdjacencies)
	require.False(t, eff.ReconcilePeers)

	v := adj.Get(types.AdjacencyKey{RemoteNode: "N2", LocalIface: "et1"})
	require.EqualValues(t, 5000, v.Record.Metric)
}

func TestHandleRTTChangeIgnoredWhenRTTModeDisabled(t *testing.T) {
	adj := adjacency.New(nil)
	h := New(discardLog(), adj, false, 10)
	h.Handle(Event{Kind: Up, RemoteNode: "N2", LocalIface: "et1", Peer: peerSpec("fe80::2"), Area: "0"})

	h.Handle(Event{Kind: RTTChange, RemoteNode: "N2", LocalIface: "et1", RTT: 5 * time.Millisecond, Area: "0"})
	v := adj.Get(types.AdjacencyKey{RemoteNode: "N2", LocalIface: "et1"})
	require.EqualValues(t, 10, v.Record.Metric, "RTT mode disabled: metric must stay at the configured base metric, never 0")
}

func TestHandleRTTChangeUnknownAdjacencyIsNoop(t *testing.T) {
	adj := adjacency.New(nil)
	h := New(discardLog(), adj, true, 10)

	eff := h.Handle(Event{Kind: RTTChange, RemoteNode: "ghost", LocalIface: "et1", RTT: time.Millisecond, Area: "0"})
	require.False(t, eff.AdvertiseAdjacencies)
}
