// Package linkmon wires the Link Monitor's components into the single
// cooperative event loop spec §5 describes: one goroutine owns C1-C3 and
// drains the neighbor queue, the netlink queue, the control-surface queue,
// and a ticker, applying every mutation itself so no locks are needed. The
// shape — a central Run loop selecting across several channels, each
// producer outside the loop only ever enqueuing — is grounded on the
// teacher's manager.NetlinkManager.StartReconciler select loop.
package linkmon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kestrelnet/linkmond/internal/adjacency"
	"github.com/kestrelnet/linkmond/internal/advertiser"
	"github.com/kestrelnet/linkmond/internal/allocator"
	"github.com/kestrelnet/linkmond/internal/config"
	"github.com/kestrelnet/linkmond/internal/control"
	"github.com/kestrelnet/linkmond/internal/ifacetable"
	"github.com/kestrelnet/linkmond/internal/kvstore"
	"github.com/kestrelnet/linkmond/internal/metrics"
	"github.com/kestrelnet/linkmond/internal/neighbor"
	"github.com/kestrelnet/linkmond/internal/netlinkmon"
	"github.com/kestrelnet/linkmond/internal/peering"
	"github.com/kestrelnet/linkmond/internal/store"
	"github.com/kestrelnet/linkmond/internal/types"
)

// Monitor is the assembled Link Monitor: every component plus the queues
// between them.
type Monitor struct {
	log *slog.Logger
	cfg *config.Config

	ifaces  *ifacetable.Table
	adj     *adjacency.Table
	peers   map[string]*peering.Reconciler // area -> reconciler
	nbr     *neighbor.Handler
	adv     *advertiser.Advertiser
	alloc   *allocator.Allocator
	control *control.Surface
	netlink *netlinkmon.Monitor

	stateDir string
	state    *types.LinkMonitorState

	neighborEvents chan neighbor.Event

	now         func() time.Time
	holdUntil   time.Time
	holdPending bool
}

// New assembles a Monitor from cfg and its external collaborators. stateDir
// is where LinkMonitorState is persisted; kv is the KV store client used
// for both adjacency-database publication and node-label allocation.
func New(log *slog.Logger, reg prometheus.Registerer, cfg *config.Config, stateDir string, kv kvstore.Store, now func() time.Time) (*Monitor, error) {
	if now == nil {
		now = time.Now
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := metrics.New(reg)

	existed := store.Exists(stateDir)
	persisted, err := store.Load(stateDir)
	if err != nil {
		return nil, err
	}
	applyStartupDrainPolicy(persisted, cfg, existed)

	ifaces := ifacetable.New(log, m, cfg, now)
	adj := adjacency.New(now)
	reconcilers := make(map[string]*peering.Reconciler, len(cfg.Areas))
	for _, area := range cfg.Areas {
		reconcilers[area.ID] = peering.New(adj)
	}

	mon := &Monitor{
		log:            log,
		cfg:            cfg,
		ifaces:         ifaces,
		adj:            adj,
		peers:          reconcilers,
		nbr:            neighbor.New(log, adj, cfg.UseRTTMetric, cfg.BaseMetric),
		alloc:          allocator.New(log, kv, 4096, 8),
		control:        control.New(64),
		netlink:        netlinkmon.New(log, 256),
		stateDir:       stateDir,
		state:          persisted,
		neighborEvents: make(chan neighbor.Event, 1024),
		now:            now,
		holdUntil:      now().Add(cfg.AdjacencyHold),
		holdPending:    cfg.AdjacencyHold > 0,
	}
	mon.adv = advertiser.New(log, m, cfg, ifaces, adj, kv, now, func() bool { return mon.state.NodeOverload })
	return mon, nil
}

// NeighborEvents returns the channel callers enqueue neighbor-discovery
// events onto.
func (mon *Monitor) NeighborEvents() chan<- neighbor.Event {
	return mon.neighborEvents
}

// Control returns the control-surface submission queue.
func (mon *Monitor) Control() *control.Surface {
	return mon.control
}

// Run drains every input queue until ctx is cancelled, applying mutations
// on this single goroutine (spec §5). netlinkEvents is typically
// mon.netlink's own Events() channel, started by the caller in a separate
// goroutine running mon.netlink.Run.
func (mon *Monitor) Run(ctx context.Context, netlinkEvents <-chan netlinkmon.Event) error {
	defer mon.control.Close()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-mon.neighborEvents:
			if !ok {
				return nil
			}
			mon.applyNeighborEvent(ev)

		case ev, ok := <-netlinkEvents:
			if !ok {
				return nil
			}
			mon.applyNetlinkEvent(ev)

		case req, ok := <-mon.control.Requests():
			if !ok {
				return nil
			}
			req.Done <- req.Op()

		case <-ticker.C:
			mon.tick(ctx)
		}
	}
}

func (mon *Monitor) applyNeighborEvent(ev neighbor.Event) {
	eff := mon.nbr.Handle(ev)

	if eff.ImmediatePeer != nil && !mon.holdPending {
		mon.adv.PublishImmediatePeer(eff.Area, eff.ImmediatePeer)
	}
	if eff.ReconcilePeers {
		mon.reconcileArea(eff.Area)
	}
	if eff.AdvertiseAdjacencies && !mon.holdPending {
		mon.adv.ScheduleAdjacencies(eff.Area)
	}
}

func (mon *Monitor) applyNetlinkEvent(ev netlinkmon.Event) {
	switch ev.Kind {
	case netlinkmon.EventLink:
		down, _ := mon.ifaces.LinkEvent(ev.LinkName, ev.LinkIndex, ev.LinkUp)
		mon.adv.ScheduleIfaceAddr()
		if down {
			mon.log.Debug("linkmon: interface down, advertise throttle armed", "interface", ev.LinkName)
		}
	case netlinkmon.EventAddr:
		mon.ifaces.AddrEvent(ev.AddrIndex, ev.Addr, ev.AddrAdd)
		mon.adv.ScheduleIfaceAddr()
	case netlinkmon.EventResync:
		mon.ifaces.Resync(ev.Snapshot)
		mon.adv.ScheduleIfaceAddr()
	}
}

// reconcileArea runs the peer reconciler for area and publishes the
// resulting delta, skipping publication entirely while the adjacency hold
// timer is still pending (spec §4.8).
func (mon *Monitor) reconcileArea(areaID string) {
	if mon.holdPending {
		return
	}
	rec, ok := mon.peers[areaID]
	if !ok {
		return
	}
	delta := rec.Reconcile(areaID, mon.ifaces.Usable, nil)
	if delta.IsEmpty() {
		return
	}
	mon.adv.PublishPeerDelta(areaID, delta.AddOrUpdate, delta.Delete)
	rec.Commit(delta)
}

// tick runs periodic loop work: firing due throttles, releasing the
// adjacency hold timer, and resetting stable interfaces' backoff.
func (mon *Monitor) tick(ctx context.Context) {
	now := mon.now()
	if mon.holdPending && !now.Before(mon.holdUntil) {
		mon.releaseHold()
	}
	for _, iface := range mon.ifaces.All() {
		mon.ifaces.NoteStableUp(iface.Name)
	}
	mon.adv.FireDue(ctx)
}

// releaseHold fires the first publication after the adjacency hold timer
// expires: claim node labels, then reconcile and advertise every area
// (spec §4.8).
func (mon *Monitor) releaseHold() {
	mon.holdPending = false
	mon.log.Info("linkmon: adjacency hold released")

	ctx := context.Background()
	for _, area := range mon.cfg.Areas {
		preferred := -1
		if label, ok := mon.state.NodeLabel[area.ID]; ok {
			preferred = label
		}
		label, err := mon.alloc.Allocate(ctx, area.ID, mon.cfg.NodeID, preferred)
		if err != nil {
			mon.log.Error("linkmon: node label allocation failed", "area", area.ID, "error", err)
		} else {
			mon.state.NodeLabel[area.ID] = label
			_ = store.Save(mon.stateDir, mon.state)
		}

		mon.reconcileArea(area.ID)
		mon.adv.ScheduleAdjacencies(area.ID)
	}
}

// applyStartupDrainPolicy implements spec §6's "Startup drain policy": if no
// persisted state existed at all, node-overload is set to assumeDrained;
// overrideDrainState forces it to assumeDrained regardless of any persisted
// value (and the persisted value is overwritten).
func applyStartupDrainPolicy(state *types.LinkMonitorState, cfg *config.Config, existed bool) {
	if !existed {
		state.NodeOverload = cfg.AssumeDrained
		return
	}
	if cfg.OverrideDrainState {
		state.NodeOverload = cfg.AssumeDrained
	}
}

// Netlink returns the netlink monitor so the process entry point can start
// its Run loop in a separate goroutine and feed its Events() into
// Monitor.Run.
func (mon *Monitor) Netlink() *netlinkmon.Monitor {
	return mon.netlink
}

// persistCandidate saves candidate to the persistent store before anything
// in-memory changes. Only on success does the caller swap candidate in as
// mon.state and apply the corresponding mutation to C1/C2. This ordering is
// what makes spec §7's "persistent-store failure leaves the mutation
// unapplied" guarantee hold: nothing observable changes until the save
// succeeds.
func (mon *Monitor) persistCandidate(candidate *types.LinkMonitorState) error {
	return store.Save(mon.stateDir, candidate)
}

// SetNodeOverload implements control operation 1: set node overload. The
// new flag is persisted and becomes the in-memory state at once; the
// adjacency databases that carry it are republished through each area's
// adjacency throttle, like the other mutating operations, not immediately.
func (mon *Monitor) SetNodeOverload(overload bool) func() error {
	return func() error {
		candidate := mon.state.Clone()
		candidate.NodeOverload = overload
		if err := mon.persistCandidate(candidate); err != nil {
			return fmt.Errorf("linkmon: persisting node overload: %w", err)
		}
		mon.state = candidate
		mon.scheduleAllAreas()
		return nil
	}
}

// SetInterfaceOverload implements control operation 2: set interface
// overload, throttled through the existing advertise schedule. Fails with
// ifacetable.ErrUnknownInterface (spec §7 "invalid input") without touching
// state if name has no entry.
func (mon *Monitor) SetInterfaceOverload(name string, overload bool) func() error {
	return func() error {
		if mon.ifaces.Get(name) == nil {
			return fmt.Errorf("%w: %s", ifacetable.ErrUnknownInterface, name)
		}
		candidate := mon.state.Clone()
		candidate.InterfaceOverload[name] = overload
		if err := mon.persistCandidate(candidate); err != nil {
			return fmt.Errorf("linkmon: persisting interface overload: %w", err)
		}
		if err := mon.ifaces.SetOverload(name, overload); err != nil {
			return err
		}
		mon.state = candidate
		mon.adv.ScheduleIfaceAddr()
		mon.scheduleAllAreas()
		return nil
	}
}

// SetInterfaceMetricOverride implements control operation 3: set (or clear,
// with nil) an interface's metric override.
func (mon *Monitor) SetInterfaceMetricOverride(name string, metric *uint32) func() error {
	return func() error {
		if mon.ifaces.Get(name) == nil {
			return fmt.Errorf("%w: %s", ifacetable.ErrUnknownInterface, name)
		}
		candidate := mon.state.Clone()
		if metric == nil {
			delete(candidate.InterfaceMetricOverride, name)
		} else {
			candidate.InterfaceMetricOverride[name] = *metric
		}
		if err := mon.persistCandidate(candidate); err != nil {
			return fmt.Errorf("linkmon: persisting interface metric override: %w", err)
		}
		if err := mon.ifaces.SetMetricOverride(name, metric); err != nil {
			return err
		}
		mon.state = candidate
		mon.scheduleAllAreas()
		return nil
	}
}

// SetAdjacencyMetricOverride implements control operation 4: set (or clear,
// with nil) the metric override for one adjacency.
func (mon *Monitor) SetAdjacencyMetricOverride(key types.AdjacencyKey, metric *uint32) func() error {
	return func() error {
		entry := mon.adj.Get(key)
		if entry == nil {
			return fmt.Errorf("%w: %s", adjacency.ErrUnknownAdjacency, key)
		}
		candidate := mon.state.Clone()
		overrideKey := types.AdjacencyOverrideKey(key.LocalIface, key.RemoteNode)
		if metric == nil {
			delete(candidate.AdjacencyMetricOverride, overrideKey)
		} else {
			candidate.AdjacencyMetricOverride[overrideKey] = *metric
		}
		if err := mon.persistCandidate(candidate); err != nil {
			return fmt.Errorf("linkmon: persisting adjacency metric override: %w", err)
		}
		if err := mon.adj.SetMetricOverride(key, metric); err != nil {
			return err
		}
		mon.state = candidate
		mon.adv.ScheduleAdjacencies(entry.Area)
		return nil
	}
}

func (mon *Monitor) scheduleAllAreas() {
	for _, area := range mon.cfg.Areas {
		mon.adv.ScheduleAdjacencies(area.ID)
	}
}

// Dump is control operation 5: a synchronous, read-only snapshot of
// interfaces and adjacencies. It does not include the raw OS link list.
// Unlike the other four operations it has no mutation to persist, but it
// reads loop-owned state, so it is built by Snapshot on the loop goroutine.
type Dump struct {
	Interfaces  []ifacetable.Snapshot
	Adjacencies []adjacency.KeyValue
}

// Snapshot builds a Dump from the current loop-owned state. Must only be
// called from the loop thread — wrap it in a control.Surface.Submit from
// any other goroutine.
func (mon *Monitor) Snapshot() Dump {
	var adjacencies []adjacency.KeyValue
	for _, area := range mon.cfg.Areas {
		adjacencies = append(adjacencies, mon.adj.ByArea(area.ID)...)
	}
	return Dump{Interfaces: mon.ifaces.All(), Adjacencies: adjacencies}
}
