package advertiser

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"regexp"
	"testing"
	"time"

	"github.com/kestrelnet/linkmond/internal/adjacency"
	"github.com/kestrelnet/linkmond/internal/config"
	"github.com/kestrelnet/linkmond/internal/ifacetable"
	"github.com/kestrelnet/linkmond/internal/kvstore"
	"github.com/kestrelnet/linkmond/internal/metrics"
	"github.com/kestrelnet/linkmond/internal/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

func testConfig() *config.Config {
	return &config.Config{
		NodeID:           "N1",
		IPv4Enable:       true,
		IncludeRegex:     []*regexp.Regexp{regexp.MustCompile(`^et.*`)},
		RedistributeRegex: []*regexp.Regexp{regexp.MustCompile(`^et.*`)},
		InitBackoff:      10 * time.Millisecond,
		MaxBackoff:       40 * time.Millisecond,
		BaseMetric:       10,
		AdvertiseWindow:  20 * time.Millisecond,
		Areas:            []config.Area{{ID: "0"}},
	}
}

func TestThrottleFiresExactlyOncePerArm(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	th := NewThrottle(10*time.Millisecond, clock)

	th.Arm()
	require.False(t, th.Due())
	now = now.Add(11 * time.Millisecond)
	require.True(t, th.Due())

	th.Fire()
	require.False(t, th.Due())
}

func TestThrottleArmWhilePendingDoesNotExtendWindow(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	th := NewThrottle(10*time.Millisecond, clock)

	th.Arm()
	now = now.Add(5 * time.Millisecond)
	th.Arm() // must not push the deadline further out
	now = now.Add(6 * time.Millisecond)
	require.True(t, th.Due())
}

func TestPublishAdjacenciesWritesToKVStore(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }

	ifaces := ifacetable.New(discardLog(), metrics.New(prometheus.NewRegistry()), testConfig(), clock)
	ifaces.LinkEvent("et1", 3, true)

	adj := adjacency.New(clock)
	adj.Up(types.AdjacencyKey{RemoteNode: "N2", LocalIface: "et1"}, types.PeerSpec{Addr: net.ParseIP("fe80::2"), Port: 1, NodeID: "N2"}, 1, "0")

	store := kvstore.NewTTLStore(time.Minute)
	defer store.Close()

	overload := false
	adv := New(discardLog(), metrics.New(prometheus.NewRegistry()), testConfig(), ifaces, adj, store, clock, func() bool { return overload })
	require.NoError(t, adv.publishAdjacencies(context.Background(), "0"))

	raw, ok, err := store.Get(context.Background(), "adjacency-db/N1/0")
	require.NoError(t, err)
	require.True(t, ok)

	var db AdjacencyDB
	require.NoError(t, json.Unmarshal(raw, &db))
	require.Equal(t, "N1", db.NodeID)
	require.Len(t, db.Adjacencies, 1)
	require.Equal(t, "N2", db.Adjacencies[0].RemoteNode)
	require.False(t, db.NodeOverload)

	// Scenario 5 (spec §8): once the node is drained, the next publish
	// carries the overload flag without any other change to the database.
	overload = true
	require.NoError(t, adv.publishAdjacencies(context.Background(), "0"))
	raw, ok, err = store.Get(context.Background(), "adjacency-db/N1/0")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, json.Unmarshal(raw, &db))
	require.True(t, db.NodeOverload)
}

func TestFireDuePublishesInterfaceSnapshot(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }

	cfg := testConfig()
	ifaces := ifacetable.New(discardLog(), metrics.New(prometheus.NewRegistry()), cfg, clock)
	ifaces.LinkEvent("et1", 3, true)

	adj := adjacency.New(clock)
	store := kvstore.NewTTLStore(time.Minute)
	defer store.Close()

	adv := New(discardLog(), metrics.New(prometheus.NewRegistry()), cfg, ifaces, adj, store, clock, nil)
	adv.ScheduleIfaceAddr()
	now = now.Add(21 * time.Millisecond)
	adv.FireDue(context.Background())

	select {
	case u := <-adv.InterfaceUpdates:
		require.Len(t, u.Interfaces, 1)
	default:
		t.Fatal("expected an interface update to be published")
	}
}
