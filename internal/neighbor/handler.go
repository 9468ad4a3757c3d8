// Package neighbor implements the Neighbor Event Handler (C4): dispatch of
// neighbor-discovery events by kind into the adjacency table, the peer
// reconciler, and the advertiser's throttles. It is grounded on the
// teacher's liveness.manager.HandleRx dispatch-by-state switch (manager.go),
// generalized from BFD session states to the spec's up/down/restarting/
// RTT-change neighbor event kinds (spec §4.4).
package neighbor

import (
	"log/slog"
	"time"

	"github.com/kestrelnet/linkmond/internal/adjacency"
	"github.com/kestrelnet/linkmond/internal/types"
)

// Kind identifies the category of a neighbor-discovery event.
type Kind int

const (
	Up Kind = iota
	Down
	Restarting
	RTTChange
)

func (k Kind) String() string {
	switch k {
	case Up:
		return "up"
	case Down:
		return "down"
	case Restarting:
		return "restarting"
	case RTTChange:
		return "rtt_change"
	default:
		return "unknown"
	}
}

// Event carries everything dispatch needs, matching spec §4.4's field list.
type Event struct {
	Kind         Kind
	RemoteNode   string
	RemoteIface  string
	LocalIface   string
	Peer         types.PeerSpec
	RTT          time.Duration
	Area         string
}

func (e Event) key() types.AdjacencyKey {
	return types.AdjacencyKey{RemoteNode: e.RemoteNode, LocalIface: e.LocalIface}
}

// Effects tells the caller (the orchestrator) which throttles and which
// peer reconciliations to trigger as a result of one event, so this package
// does not need to depend on peering or advertiser directly.
type Effects struct {
	// ImmediatePeer, if non-nil, must be published on the peer-update queue
	// for this single peer right away, without a reconciliation pass and
	// bypassing the adjacency throttle (spec §4.4 "up": "do not wait for
	// adjacency throttle").
	ImmediatePeer map[string]types.PeerSpec

	// ReconcilePeers requests a full peer reconciliation pass for Area. The
	// pass is not throttled: the orchestrator runs it as soon as it applies
	// the event.
	ReconcilePeers bool

	// AdvertiseAdjacencies requests the adjacency-database throttle fire
	// for Area.
	AdvertiseAdjacencies bool

	Area string
}

// Handler owns dispatch for neighbor events; it holds no state of its own
// beyond its collaborators (spec §5: mutable state lives in C1/C2).
type Handler struct {
	log        *slog.Logger
	adj        *adjacency.Table
	useRTT     bool
	baseMetric uint32
}

// New constructs a Handler. useRTT mirrors the daemon-wide RTT-metric mode
// toggle consulted on RTT-change events (spec §4.4); baseMetric is the
// configured default metric used whenever RTT mode is off or no RTT sample
// is available yet (spec §4.1 "Numeric semantics": "RTT-derived metric, or
// a default constant").
func New(log *slog.Logger, adj *adjacency.Table, useRTT bool, baseMetric uint32) *Handler {
	return &Handler{log: log, adj: adj, useRTT: useRTT, baseMetric: baseMetric}
}

// Handle dispatches ev by kind, mutating the adjacency table and returning
// the publication effects the caller must carry out (spec §4.4).
func (h *Handler) Handle(ev Event) Effects {
	h.log.Info("neighbor: event", "kind", ev.Kind, "peer", ev.RemoteNode, "area", ev.Area)

	switch ev.Kind {
	case Up:
		return h.handleUp(ev)
	case Restarting:
		h.adj.MarkRestarting(ev.key())
		return Effects{Area: ev.Area}
	case Down:
		h.adj.Remove(ev.key())
		return Effects{Area: ev.Area, ReconcilePeers: true, AdvertiseAdjacencies: true}
	case RTTChange:
		return h.handleRTTChange(ev)
	default:
		h.log.Warn("neighbor: unknown event kind", "kind", int(ev.Kind))
		return Effects{Area: ev.Area}
	}
}

func (h *Handler) handleUp(ev Event) Effects {
	metric := h.baseMetric
	if h.useRTT && ev.RTT > 0 {
		metric = uint32(ev.RTT.Microseconds())
	}
	h.adj.Up(ev.key(), ev.Peer, metric, ev.Area)
	h.adj.SetRemoteIface(ev.key(), ev.RemoteIface)

	return Effects{
		Area:                 ev.Area,
		ImmediatePeer:        map[string]types.PeerSpec{ev.RemoteNode: ev.Peer},
		AdvertiseAdjacencies: true,
	}
}

func (h *Handler) handleRTTChange(ev Event) Effects {
	if h.useRTT {
		if err := h.adj.UpdateMetric(ev.key(), uint32(ev.RTT.Microseconds())); err != nil {
			h.log.Debug("neighbor: rtt change for unknown adjacency", "peer", ev.RemoteNode, "error", err)
			return Effects{Area: ev.Area}
		}
	}
	return Effects{Area: ev.Area, AdvertiseAdjacencies: true}
}
