// Package adjacency implements the Adjacency Table (C2): per-(neighbor,
// interface) adjacency records, their restart flag, and metric overrides.
// It is grounded on the teacher's liveness.Session/liveness.manager pair —
// a per-peer record with an explicit state field mutated only through
// narrow lifecycle methods (spec §4.2) — generalized from BFD's up/down/
// admin-down states to the spec's up/down/restarting adjacency lifecycle.
package adjacency

import (
	"fmt"
	"sort"
	"time"

	"github.com/kestrelnet/linkmond/internal/types"
)

// ErrUnknownAdjacency is returned when an operation targets an adjacency
// key with no entry (spec §7 "Invalid input").
var ErrUnknownAdjacency = fmt.Errorf("unknown adjacency")

// Clock is the time source, overridden in tests.
type Clock func() time.Time

// Table owns the adjacency records described in spec §3/§4.2. Like
// ifacetable.Table it is not safe for concurrent use; all mutation happens
// on the single event loop (spec §5).
type Table struct {
	now     Clock
	entries map[types.AdjacencyKey]*types.AdjacencyValue
}

// New constructs an empty Table.
func New(now Clock) *Table {
	if now == nil {
		now = time.Now
	}
	return &Table{
		now:     now,
		entries: map[types.AdjacencyKey]*types.AdjacencyValue{},
	}
}

// UpsertResult tells the caller (the neighbor event handler) what changed,
// so it knows whether to publish a peer-add immediately (spec §4.4 "up").
type UpsertResult struct {
	Created        bool
	RestartCleared bool
}

// Up applies a neighbor-up event (spec §4.2 "Lifecycle", §4.4 "up"). If an
// entry already exists with an identical peer spec, it merely clears
// restarting and refreshes timestamps; otherwise it inserts a new entry.
// The adjacency's area is immutable for the life of the entry: if an entry
// exists under this key with a different area, it is replaced (the remote
// end was re-provisioned), which counts as Created.
func (t *Table) Up(key types.AdjacencyKey, peer types.PeerSpec, metric uint32, area string) UpsertResult {
	now := t.now()
	existing, ok := t.entries[key]
	if ok && existing.Area == area && existing.Peer.Equal(peer) {
		cleared := existing.Restarting
		existing.Restarting = false
		existing.Record.LastUpdated = now
		return UpsertResult{RestartCleared: cleared}
	}

	t.entries[key] = &types.AdjacencyValue{
		Peer: peer,
		Record: types.AdjacencyRecord{
			Metric:        metric,
			RemoteIface:   "",
			Area:          area,
			EstablishedAt: now,
			LastUpdated:   now,
		},
		Restarting: false,
		Area:       area,
	}
	return UpsertResult{Created: true}
}

// SetRemoteIface records the remote interface name carried by the neighbor
// event; kept separate from Up so callers that only have the key (e.g.
// RTT-change events) don't need to resupply it.
func (t *Table) SetRemoteIface(key types.AdjacencyKey, remoteIface string) {
	if e, ok := t.entries[key]; ok {
		e.Record.RemoteIface = remoteIface
	}
}

// MarkRestarting sets restarting=true without removing the entry (spec
// §4.2 "Restart window"). No-op if the key is unknown — a RESTARTING event
// for an adjacency we never saw UP for is not an error, just ignored.
func (t *Table) MarkRestarting(key types.AdjacencyKey) {
	if e, ok := t.entries[key]; ok {
		e.Restarting = true
	}
}

// Remove deletes the adjacency for key (spec §4.4 "down"). Returns false if
// the key was not present.
func (t *Table) Remove(key types.AdjacencyKey) bool {
	if _, ok := t.entries[key]; !ok {
		return false
	}
	delete(t.entries, key)
	return true
}

// UpdateMetric applies an RTT-change event's derived metric in-place (spec
// §4.2 "An RTT-change event updates the metric in-place"). Returns
// ErrUnknownAdjacency if the key has no entry.
func (t *Table) UpdateMetric(key types.AdjacencyKey, metric uint32) error {
	e, ok := t.entries[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAdjacency, key)
	}
	e.Record.Metric = metric
	e.Record.LastUpdated = t.now()
	return nil
}

// SetMetricOverride sets (nil clears) the operator adjacency metric
// override for key.
func (t *Table) SetMetricOverride(key types.AdjacencyKey, metric *uint32) error {
	e, ok := t.entries[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAdjacency, key)
	}
	e.Record.MetricOverride = metric
	return nil
}

// Get returns the value for key, or nil if absent.
func (t *Table) Get(key types.AdjacencyKey) *types.AdjacencyValue {
	return t.entries[key]
}

// ByArea returns every (key, value) pair whose Area equals area, in
// deterministic key order. Used by the Peer Reconciler (C3) and the
// Advertiser (C6).
func (t *Table) ByArea(area string) []KeyValue {
	var out []KeyValue
	for k, v := range t.entries {
		if v.Area == area {
			out = append(out, KeyValue{Key: k, Value: v})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.RemoteNode != out[j].Key.RemoteNode {
			return out[i].Key.RemoteNode < out[j].Key.RemoteNode
		}
		return out[i].Key.LocalIface < out[j].Key.LocalIface
	})
	return out
}

// All returns every entry in deterministic order, for dumps (spec §4.7
// item 5).
func (t *Table) All() []KeyValue {
	var out []KeyValue
	for k, v := range t.entries {
		out = append(out, KeyValue{Key: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.RemoteNode != out[j].Key.RemoteNode {
			return out[i].Key.RemoteNode < out[j].Key.RemoteNode
		}
		return out[i].Key.LocalIface < out[j].Key.LocalIface
	})
	return out
}

// KeyValue pairs an AdjacencyKey with its value, used when iteration order
// matters (dumps, peer derivation).
type KeyValue struct {
	Key   types.AdjacencyKey
	Value *types.AdjacencyValue
}
