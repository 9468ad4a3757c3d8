// Package advertiser implements the Advertiser (C6): the two publication
// throttles and the outbound queues they feed. The throttle shape (arm
// once, fire-once-per-window, re-arm only after the previous fire
// completes) is grounded on spec §5's invariants and modeled the way the
// teacher threads timer state through constructor-injected clocks rather
// than a generic debounce library — matching ifacetable.Table's own
// backoff-deadline bookkeeping. The outbound queues follow the teacher's
// bounded-channel-with-drop-counter convention from
// liveness.ManagerConfig.MaxEvents ("an upper bound for safety to prevent
// unbounded memory usage").
package advertiser

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kestrelnet/linkmond/internal/adjacency"
	"github.com/kestrelnet/linkmond/internal/config"
	"github.com/kestrelnet/linkmond/internal/ifacetable"
	"github.com/kestrelnet/linkmond/internal/kvstore"
	"github.com/kestrelnet/linkmond/internal/metrics"
	"github.com/kestrelnet/linkmond/internal/types"
)

// Throttle coalesces repeated Arm calls within window into a single fire.
// It is driven by the owning event loop's Tick, never by its own timer
// goroutine (spec §5: all timers live on the loop).
type Throttle struct {
	window  time.Duration
	pending bool
	due     time.Time
	now     func() time.Time
}

// NewThrottle constructs a Throttle with the given coalescing window.
func NewThrottle(window time.Duration, now func() time.Time) *Throttle {
	if now == nil {
		now = time.Now
	}
	return &Throttle{window: window, now: now}
}

// Arm schedules a fire window seconds from now if one is not already
// pending (spec §5 invariant i: "once armed, fires exactly once with the
// final state at fire time").
func (t *Throttle) Arm() {
	if t.pending {
		return
	}
	t.pending = true
	t.due = t.now().Add(t.window)
}

// ArmAt schedules an immediate-ish fire at the given delay, used when the
// caller wants to re-fire at the earliest backoff deadline rather than the
// standard window (spec §4.6 "arms a one-shot timer at
// getRetryTimeOnUnstableInterfaces()").
func (t *Throttle) ArmAt(delay time.Duration) {
	if t.pending && !t.now().Add(delay).Before(t.due) {
		return
	}
	t.pending = true
	t.due = t.now().Add(delay)
}

// Due reports whether the throttle is armed and its window has elapsed.
func (t *Throttle) Due() bool {
	return t.pending && !t.now().Before(t.due)
}

// NextDeadline returns the duration until this throttle fires, or 0 if not
// pending.
func (t *Throttle) NextDeadline() time.Duration {
	if !t.pending {
		return 0
	}
	if d := t.due.Sub(t.now()); d > 0 {
		return d
	}
	return 0
}

// Fire clears the pending flag; invariant (ii) requires the caller not
// re-arm until this has been called, which the single-threaded loop
// guarantees by construction.
func (t *Throttle) Fire() {
	t.pending = false
}

// AdjacencyDBEntry is one adjacency published in an area's adjacency
// database (spec §4.6).
type AdjacencyDBEntry struct {
	RemoteNode        string `json:"remote_node"`
	LocalIface        string `json:"local_iface"`
	RemoteIface       string `json:"remote_iface"`
	Metric            uint32 `json:"metric"`
	InterfaceOverload bool   `json:"interface_overload"`
}

// AdjacencyDB is the per-area adjacency database persisted to the KV
// store.
type AdjacencyDB struct {
	NodeID       string             `json:"node_id"`
	Area         string             `json:"area"`
	NodeOverload bool               `json:"node_overload"`
	Adjacencies  []AdjacencyDBEntry `json:"adjacencies"`
}

// PeerUpdate is one item on the peer-update queue.
type PeerUpdate struct {
	Area        string
	AddOrUpdate map[string]types.PeerSpec
	Delete      []string
}

// PrefixUpdate is one item on the prefix-update queue.
type PrefixUpdate struct {
	Add       bool
	Prefix    types.InterfaceAddr
	SourceTag string
}

// InterfaceUpdate is the full interface database snapshot published on the
// interface-update queue.
type InterfaceUpdate struct {
	Interfaces []ifacetable.Snapshot
}

// Advertiser owns the two throttles and the outbound queues (spec §4.6).
type Advertiser struct {
	log   *slog.Logger
	m     *metrics.Metrics
	cfg   *config.Config
	ifaces *ifacetable.Table
	adj   *adjacency.Table
	kv    kvstore.Store

	adjacenciesThrottle map[string]*Throttle // area -> throttle
	ifaceAddrThrottle   *Throttle

	InterfaceUpdates chan InterfaceUpdate
	PrefixUpdates    chan PrefixUpdate
	PeerUpdates      chan PeerUpdate

	now func() time.Time

	// nodeOverload reports the current node-level overload flag (spec
	// §4.7's persisted LinkMonitorState.NodeOverload), read fresh at
	// publish time so a SetNodeOverload control mutation is reflected on
	// the adjacency database's next fire without the Advertiser owning
	// that state itself.
	nodeOverload func() bool
}

// New constructs an Advertiser wired to its collaborators. Queue capacity
// follows the teacher's MaxEvents-style bound to prevent unbounded growth
// under churn; drops are counted, never blocking the event loop. nodeOverload
// is queried each time the adjacency database is published (spec §4.6 "the
// per-area adjacency database carries the node-level overload flag").
func New(log *slog.Logger, m *metrics.Metrics, cfg *config.Config, ifaces *ifacetable.Table, adj *adjacency.Table, kv kvstore.Store, now func() time.Time, nodeOverload func() bool) *Advertiser {
	if now == nil {
		now = time.Now
	}
	if nodeOverload == nil {
		nodeOverload = func() bool { return false }
	}
	throttles := make(map[string]*Throttle, len(cfg.Areas))
	for _, area := range cfg.Areas {
		throttles[area.ID] = NewThrottle(cfg.AdvertiseWindow, now)
	}
	return &Advertiser{
		log:                 log,
		m:                   m,
		cfg:                 cfg,
		ifaces:              ifaces,
		adj:                 adj,
		kv:                  kv,
		adjacenciesThrottle: throttles,
		ifaceAddrThrottle:   NewThrottle(cfg.AdvertiseWindow, now),
		InterfaceUpdates:    make(chan InterfaceUpdate, 256),
		PrefixUpdates:       make(chan PrefixUpdate, 1024),
		PeerUpdates:         make(chan PeerUpdate, 1024),
		now:                 now,
		nodeOverload:        nodeOverload,
	}
}

// ScheduleAdjacencies arms the adjacency-database throttle for area.
func (a *Advertiser) ScheduleAdjacencies(area string) {
	if t, ok := a.adjacenciesThrottle[area]; ok {
		t.Arm()
	}
}

// ScheduleIfaceAddr arms the interface-address throttle.
func (a *Advertiser) ScheduleIfaceAddr() {
	a.ifaceAddrThrottle.Arm()
}

// PublishImmediatePeer sends a single-peer add-or-update without waiting
// for any throttle (spec §4.4 "up": "do not wait for adjacency throttle").
func (a *Advertiser) PublishImmediatePeer(area string, peers map[string]types.PeerSpec) {
	a.enqueuePeerUpdate(PeerUpdate{Area: area, AddOrUpdate: peers})
}

// PublishPeerDelta sends a reconciler delta to the peer-update queue.
func (a *Advertiser) PublishPeerDelta(area string, addOrUpdate map[string]types.PeerSpec, del []string) {
	a.enqueuePeerUpdate(PeerUpdate{Area: area, AddOrUpdate: addOrUpdate, Delete: del})
}

func (a *Advertiser) enqueuePeerUpdate(u PeerUpdate) {
	select {
	case a.PeerUpdates <- u:
	default:
		a.m.QueueDrops.WithLabelValues("peer_update").Inc()
		a.log.Warn("advertiser: peer-update queue full, dropping", "area", u.Area)
	}
}

// NextDeadline returns the earliest duration until any pending throttle
// fires, or 0 if none is pending. Interface backoff is not consulted here;
// it reaches the throttles through FireDue's ArmAt re-arm.
func (a *Advertiser) NextDeadline() time.Duration {
	var min time.Duration
	found := false
	consider := func(d time.Duration, pending bool) {
		if !pending {
			return
		}
		if !found || d < min {
			min = d
			found = true
		}
	}
	for _, t := range a.adjacenciesThrottle {
		consider(t.NextDeadline(), t.pending)
	}
	consider(a.ifaceAddrThrottle.NextDeadline(), a.ifaceAddrThrottle.pending)
	if !found {
		return 0
	}
	return min
}

// FireDue fires every throttle whose window has elapsed, publishing their
// respective state (spec §4.6).
func (a *Advertiser) FireDue(ctx context.Context) {
	for area, t := range a.adjacenciesThrottle {
		if t.Due() {
			t.Fire()
			if err := a.publishAdjacencies(ctx, area); err != nil {
				a.log.Error("advertiser: publishing adjacency database failed", "area", area, "error", err)
			}
		}
	}
	if a.ifaceAddrThrottle.Due() {
		a.ifaceAddrThrottle.Fire()
		a.publishIfaceAddr()
		if retry := a.ifaces.GetRetryTimeOnUnstableInterfaces(); retry > 0 {
			a.ifaceAddrThrottle.ArmAt(retry)
		}
	}
}

// publishAdjacencies builds area's adjacency database and persists it
// under the area-specific KV store key (spec §4.6).
func (a *Advertiser) publishAdjacencies(ctx context.Context, area string) error {
	start := a.now()
	db := AdjacencyDB{NodeID: a.cfg.NodeID, Area: area, NodeOverload: a.nodeOverload()}

	for _, kv := range a.adj.ByArea(area) {
		ifaceOverride := a.ifaces.Get(kv.Key.LocalIface)
		var override *uint32
		overloaded := false
		if ifaceOverride != nil {
			override = ifaceOverride.MetricOverride
			overloaded = ifaceOverride.Overload
		}
		db.Adjacencies = append(db.Adjacencies, AdjacencyDBEntry{
			RemoteNode:        kv.Key.RemoteNode,
			LocalIface:        kv.Key.LocalIface,
			RemoteIface:       kv.Value.Record.RemoteIface,
			Metric:            kv.Value.Record.EffectiveMetric(override),
			InterfaceOverload: overloaded,
		})
	}

	data, err := json.Marshal(db)
	if err != nil {
		return fmt.Errorf("advertiser: marshaling adjacency database: %w", err)
	}

	key := fmt.Sprintf("adjacency-db/%s/%s", a.cfg.NodeID, area)
	err = a.kv.Put(ctx, key, data)
	a.m.ObserveKVPublish(area, start, err)
	return err
}

// publishIfaceAddr emits the full interface database and the current
// redistributed prefix set (spec §4.6).
func (a *Advertiser) publishIfaceAddr() {
	select {
	case a.InterfaceUpdates <- InterfaceUpdate{Interfaces: a.ifaces.All()}:
	default:
		a.m.QueueDrops.WithLabelValues("interface_update").Inc()
		a.log.Warn("advertiser: interface-update queue full, dropping snapshot")
	}

	matches := a.ifaces.MatchingAddrs(a.cfg.RedistributeRegex)
	for _, addrs := range matches {
		for _, addr := range addrs {
			if addr.IP.To4() == nil && !a.cfg.SegmentRoutingEnable {
				// IPv6 addresses are not filtered: they are redistributed
				// whatever SegmentRoutingEnable says. Only IPv4 is gated,
				// by IPv4Enable below.
			}
			if addr.IP.To4() != nil && !a.cfg.IPv4Enable {
				continue
			}
			select {
			case a.PrefixUpdates <- PrefixUpdate{Add: true, Prefix: addr, SourceTag: "linkmon"}:
			default:
				a.m.QueueDrops.WithLabelValues("prefix_update").Inc()
			}
		}
	}
}
