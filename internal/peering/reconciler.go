// Package peering implements the Peer Reconciler (C3): deriving the
// desired per-area peer set from the adjacency table and diffing it
// against the previously announced set. The diff-then-publish shape is
// grounded on manager.NetlinkManager.reconcileService's want-vs-have
// comparison, generalized from "one user per service type" to "one peer
// per remote node per area" with the spec's lexicographic-interface
// tie-break (spec §4.3).
package peering

import (
	"sort"

	"github.com/kestrelnet/linkmond/internal/adjacency"
	"github.com/kestrelnet/linkmond/internal/types"
)

// Delta is the result of one reconciliation pass for an area: peers to
// add-or-update and peer names to delete, matching the peer-update queue's
// two operation kinds (spec §6).
type Delta struct {
	Area        string
	AddOrUpdate map[string]types.PeerSpec
	Delete      []string

	// desired is the full computed peer map this delta was derived from;
	// Commit uses it to become the new announced map. Unexported: callers
	// publish AddOrUpdate/Delete and pass the Delta back to Commit.
	desired map[string]types.PeerSpec
}

// IsEmpty reports whether the delta carries no changes.
func (d Delta) IsEmpty() bool {
	return len(d.AddOrUpdate) == 0 && len(d.Delete) == 0
}

// Reconciler derives and tracks the announced peer map per area (spec §3
// "PeerSpec-per-area").
type Reconciler struct {
	adj      *adjacency.Table
	announced map[string]map[string]types.PeerSpec // area -> node -> peer
}

// New constructs a Reconciler backed by adj.
func New(adj *adjacency.Table) *Reconciler {
	return &Reconciler{
		adj:       adj,
		announced: map[string]map[string]types.PeerSpec{},
	}
}

// DesiredPeers computes the desired peer map for area: for every adjacency
// in that area whose interface is usable, restarting adjacencies included,
// take its peer spec; on conflicts (same remote node over
// multiple interfaces) keep the one whose interface name sorts smallest
// (spec §4.3). usable reports whether a given local interface is currently
// usable — supplied by the caller so this package does not depend on
// ifacetable directly.
func (r *Reconciler) DesiredPeers(area string, usable func(iface string) bool) map[string]types.PeerSpec {
	type candidate struct {
		iface string
		peer  types.PeerSpec
	}
	best := map[string]candidate{}

	for _, kv := range r.adj.ByArea(area) {
		if !usable(kv.Key.LocalIface) {
			continue
		}
		// A restarting adjacency keeps its peer announced (spec §4.2
		// "Restart window": the peer is NOT removed from the peer set
		// while restarting).
		node := kv.Key.RemoteNode
		c, exists := best[node]
		if !exists || kv.Key.LocalIface < c.iface {
			best[node] = candidate{iface: kv.Key.LocalIface, peer: kv.Value.Peer}
		}
	}

	out := make(map[string]types.PeerSpec, len(best))
	for node, c := range best {
		out[node] = c.peer
	}
	return out
}

// Reconcile computes the desired peer map for area, diffs it against the
// previously announced map, and returns the delta to publish. upPeers, if
// non-nil, is unioned into the add set regardless of diff, to recover from
// missed restart signals (spec §4.3). The announced map is NOT updated
// here — call Commit after a successful publish, per spec §4.3 "After a
// successful publish, update the announced map."
func (r *Reconciler) Reconcile(area string, usable func(iface string) bool, upPeers map[string]types.PeerSpec) Delta {
	desired := r.DesiredPeers(area, usable)
	prev := r.announced[area]

	delta := Delta{Area: area, AddOrUpdate: map[string]types.PeerSpec{}, desired: desired}
	for node, spec := range desired {
		old, existed := prev[node]
		if !existed || !old.Equal(spec) {
			delta.AddOrUpdate[node] = spec
		}
	}
	for node := range prev {
		if _, ok := desired[node]; !ok {
			delta.Delete = append(delta.Delete, node)
		}
	}
	sort.Strings(delta.Delete)

	for node, spec := range upPeers {
		delta.AddOrUpdate[node] = spec
		delta.desired[node] = spec
	}

	return delta
}

// Commit records the delta's full desired peer map as the newly announced
// map for its area. Callers must call this only after the delta has been
// durably published (spec §4.3).
func (r *Reconciler) Commit(delta Delta) {
	cp := make(map[string]types.PeerSpec, len(delta.desired))
	for k, v := range delta.desired {
		cp[k] = v
	}
	r.announced[delta.Area] = cp
}

// Announced returns a copy of the currently announced peer map for area,
// for dumps and tests.
func (r *Reconciler) Announced(area string) map[string]types.PeerSpec {
	out := map[string]types.PeerSpec{}
	for k, v := range r.announced[area] {
		out[k] = v
	}
	return out
}
