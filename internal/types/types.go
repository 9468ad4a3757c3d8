// Package types holds the wire/domain types shared by the link monitor's
// components: interfaces, adjacencies, peer specs, and the persisted
// LinkMonitorState. Keeping them in one leaf package avoids import cycles
// between ifacetable, adjacency, peering, and advertiser.
package types

import (
	"fmt"
	"net"
	"time"
)

// AdminState is the administrative state of an interface or node as set by
// an operator, independent of operational (link-layer) state.
type AdminState int

const (
	// InterfaceDown/InterfaceUp are the two AdminState values.
	InterfaceDown AdminState = iota
	InterfaceUp
)

func (s AdminState) String() string {
	if s == InterfaceUp {
		return "up"
	}
	return "down"
}

// InterfaceAddr is one address assigned to an interface.
type InterfaceAddr struct {
	IP        net.IP
	PrefixLen int
}

func (a InterfaceAddr) String() string {
	return fmt.Sprintf("%s/%d", a.IP, a.PrefixLen)
}

// IPNet returns the address as a *net.IPNet using its prefix length.
func (a InterfaceAddr) IPNet() *net.IPNet {
	bits := 32
	if a.IP.To4() == nil {
		bits = 128
	}
	return &net.IPNet{IP: a.IP, Mask: net.CIDRMask(a.PrefixLen, bits)}
}

// InterfaceEntry is the per-interface record owned by the interface table
// (C1). See spec §3 InterfaceEntry.
type InterfaceEntry struct {
	Name  string
	Index int

	AdminUp bool // link-layer up/down as reported by the OS
	Overload bool // operator-set overload flag

	Addrs map[string]InterfaceAddr // keyed by "ip/prefixlen"

	BackoffDeadline time.Time
	BackoffInterval time.Duration

	MetricOverride *uint32 // nil means "no override"
}

// Usable reports whether the interface may currently be used for
// adjacency/peer advertisement: operationally up, not overloaded, and past
// its backoff deadline.
func (e *InterfaceEntry) Usable(now time.Time) bool {
	if e == nil {
		return false
	}
	if !e.AdminUp || e.Overload {
		return false
	}
	return e.BackoffDeadline.IsZero() || now.After(e.BackoffDeadline)
}

// AdjacencyKey identifies an adjacency by the remote node and the local
// interface it was learned on.
type AdjacencyKey struct {
	RemoteNode string
	LocalIface string
}

func (k AdjacencyKey) String() string {
	return fmt.Sprintf("%s@%s", k.RemoteNode, k.LocalIface)
}

// PeerSpec is the control-plane address of a remote node, as carried by a
// neighbor event and republished into the peer-update queue.
type PeerSpec struct {
	Addr     net.IP
	Port     int
	NodeID   string // remote node's control-plane identifier
}

func (p PeerSpec) Equal(o PeerSpec) bool {
	return p.Addr.Equal(o.Addr) && p.Port == o.Port && p.NodeID == o.NodeID
}

// AdjacencyRecord carries the metric and bookkeeping for one adjacency.
type AdjacencyRecord struct {
	Metric        uint32 // base metric: RTT-derived or constant
	MetricOverride *uint32
	RemoteIface   string
	Area          string
	EstablishedAt time.Time
	LastUpdated   time.Time
}

// EffectiveMetric returns the adjacency override if set, else the interface
// override if set, else the base metric. See spec §4.6.
func (r *AdjacencyRecord) EffectiveMetric(ifaceOverride *uint32) uint32 {
	if r.MetricOverride != nil {
		return *r.MetricOverride
	}
	if ifaceOverride != nil {
		return *ifaceOverride
	}
	return r.Metric
}

// AdjacencyValue is the full value stored per AdjacencyKey (spec §3).
type AdjacencyValue struct {
	Peer       PeerSpec
	Record     AdjacencyRecord
	Restarting bool
	Area       string
}

// LinkMonitorState is the persisted blob described in spec §3/§6: operator
// overrides and allocated node labels that must survive a restart.
type LinkMonitorState struct {
	NodeOverload bool `json:"node_overload"`

	// InterfaceOverload is the set of interface names an operator has
	// marked overloaded.
	InterfaceOverload map[string]bool `json:"interface_overload"`

	// InterfaceMetricOverride maps interface name to operator-set metric.
	InterfaceMetricOverride map[string]uint32 `json:"interface_metric_override"`

	// AdjacencyMetricOverride maps "iface|neighbor" to operator-set metric.
	AdjacencyMetricOverride map[string]uint32 `json:"adjacency_metric_override"`

	// NodeLabel maps area id to the small integer label claimed for that
	// area via the range allocator (spec §4.8).
	NodeLabel map[string]int `json:"node_label"`
}

// NewLinkMonitorState returns a zero-value state with all maps initialized.
func NewLinkMonitorState() *LinkMonitorState {
	return &LinkMonitorState{
		InterfaceOverload:       map[string]bool{},
		InterfaceMetricOverride: map[string]uint32{},
		AdjacencyMetricOverride: map[string]uint32{},
		NodeLabel:               map[string]int{},
	}
}

// Clone returns a deep copy so callers can mutate a working copy and only
// swap it into the authoritative location once persisted.
func (s *LinkMonitorState) Clone() *LinkMonitorState {
	out := NewLinkMonitorState()
	out.NodeOverload = s.NodeOverload
	for k, v := range s.InterfaceOverload {
		out.InterfaceOverload[k] = v
	}
	for k, v := range s.InterfaceMetricOverride {
		out.InterfaceMetricOverride[k] = v
	}
	for k, v := range s.AdjacencyMetricOverride {
		out.AdjacencyMetricOverride[k] = v
	}
	for k, v := range s.NodeLabel {
		out.NodeLabel[k] = v
	}
	return out
}

// AdjacencyOverrideKey builds the composite key used by
// LinkMonitorState.AdjacencyMetricOverride.
func AdjacencyOverrideKey(iface, neighbor string) string {
	return iface + "|" + neighbor
}
