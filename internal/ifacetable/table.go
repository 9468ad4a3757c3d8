// Package ifacetable implements the Interface Table (C1): per-interface
// liveness, address set, backoff state, and operator overrides. It is
// grounded on Calico's ifacemonitor.InterfaceMonitor (include/exclude regex
// gating, up/down state map) and on the teacher's ifCache (name/index
// resolution), generalized to spec §4.1's usability and backoff rules. The
// flap backoff curve itself is driven by backoff.ExponentialBackOff, the
// same "double, capped" construction the teacher builds in
// client/doublezerod/internal/probing/default.go.
package ifacetable

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kestrelnet/linkmond/internal/config"
	"github.com/kestrelnet/linkmond/internal/metrics"
	"github.com/kestrelnet/linkmond/internal/types"
)

// ErrUnknownInterface is returned by operations that target an interface
// that has no entry in the table.
var ErrUnknownInterface = fmt.Errorf("unknown interface")

// Clock is the time source, overridden in tests. Grounded on the teacher's
// convention of threading time.Now() through constructor-injected seams
// rather than a separate clock abstraction.
type Clock func() time.Time

// Table owns the per-interface state described in spec §3/§4.1. It is not
// safe for concurrent use — per spec §5, all mutation happens on the single
// event loop.
type Table struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	now     Clock

	include []*regexp.Regexp
	exclude []*regexp.Regexp

	initBackoff time.Duration
	maxBackoff  time.Duration
	useRTT      bool
	baseMetric  uint32

	entries map[string]*types.InterfaceEntry
	byIndex map[int]string // index -> name, populated by link events

	// lastUpSince tracks when an interface most recently transitioned to
	// up, so a sustained-up period >= maxBackoff can reset the backoff
	// interval back to initBackoff (spec §3 invariant).
	lastUpSince map[string]time.Time

	// boffs holds one ExponentialBackOff curve per interface, created on
	// its first up transition and reused (via NextBackOff/Reset) across
	// subsequent flaps.
	boffs map[string]*backoff.ExponentialBackOff
}

// New constructs an empty Table.
func New(log *slog.Logger, m *metrics.Metrics, cfg *config.Config, now Clock) *Table {
	if now == nil {
		now = time.Now
	}
	return &Table{
		log:         log,
		metrics:     m,
		now:         now,
		include:     cfg.IncludeRegex,
		exclude:     cfg.ExcludeRegex,
		initBackoff: cfg.InitBackoff,
		maxBackoff:  cfg.MaxBackoff,
		useRTT:      cfg.UseRTTMetric,
		baseMetric:  cfg.BaseMetric,
		entries:     map[string]*types.InterfaceEntry{},
		byIndex:     map[int]string{},
		lastUpSince: map[string]time.Time{},
		boffs:       map[string]*backoff.ExponentialBackOff{},
	}
}

func (t *Table) matches(name string) bool {
	if !config.MatchesAny(t.include, name) {
		return false
	}
	return !config.MatchesAny(t.exclude, name)
}

// LinkEvent applies a LINK netlink event (spec §4.1 "Link event
// semantics"). It returns true if the event triggered a transition from up
// to down (the caller arms the advertise-throttle fire in that case) and
// the InterfaceEntry after the event, or (false, nil) if the event was
// dropped by the regex filter.
func (t *Table) LinkEvent(name string, index int, up bool) (downTransition bool, entry *types.InterfaceEntry) {
	if !t.matches(name) {
		t.log.Debug("ifacetable: dropping link event, regex mismatch", "interface", name)
		return false, nil
	}

	t.byIndex[index] = name

	e, ok := t.entries[name]
	if !ok {
		e = &types.InterfaceEntry{
			Name:            name,
			Index:           index,
			Addrs:           map[string]types.InterfaceAddr{},
			BackoffInterval: t.initBackoff,
		}
		t.entries[name] = e
	}
	e.Index = index

	wasUp := e.AdminUp
	e.AdminUp = up

	if wasUp && !up {
		t.metrics.InterfaceFlaps.WithLabelValues(name).Inc()
		t.log.Info("ifacetable: interface down", "interface", name)
		downTransition = true
	} else if !wasUp && up {
		t.armBackoff(e)
		t.log.Info("ifacetable: interface up, arming backoff", "interface", name, "deadline", e.BackoffDeadline)
	}

	return downTransition, e
}

// backOffFor returns the interface's ExponentialBackOff curve, creating one
// on first use with initBackoff/maxBackoff as its initial/max interval and
// the teacher's doubling multiplier (client/doublezerod/internal/probing
// /default.go's WithMultiplier(2.0)). Randomization is disabled so the
// armed deadline is deterministic, and MaxElapsedTime is left at zero so
// the curve never stops retrying on its own.
func (t *Table) backOffFor(name string) *backoff.ExponentialBackOff {
	b, ok := t.boffs[name]
	if !ok {
		b = backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(t.initBackoff),
			backoff.WithMaxInterval(t.maxBackoff),
			backoff.WithMultiplier(2.0),
			backoff.WithRandomizationFactor(0),
			backoff.WithMaxElapsedTime(0),
		)
		t.boffs[name] = b
	}
	return b
}

// armBackoff applies spec §3's doubling/clamping/reset rule on a transition
// to up, via the interface's ExponentialBackOff curve, and records when the
// interface most recently came up so a later sustained-up check can reset
// the interval.
func (t *Table) armBackoff(e *types.InterfaceEntry) {
	now := t.now()
	t.lastUpSince[e.Name] = now

	interval := t.backOffFor(e.Name).NextBackOff()
	e.BackoffInterval = interval
	e.BackoffDeadline = now.Add(interval)
}

// NoteStableUp resets an interface's backoff interval to initBackoff if it
// has been up continuously for at least maxBackoff. Called periodically
// (from the event loop's tick) since the table has no timer of its
// own — spec §5 keeps all timers owned by the single event loop.
func (t *Table) NoteStableUp(name string) {
	e, ok := t.entries[name]
	if !ok || !e.AdminUp {
		return
	}
	since, ok := t.lastUpSince[name]
	if !ok {
		return
	}
	if t.now().Sub(since) >= t.maxBackoff {
		t.backOffFor(name).Reset()
		e.BackoffInterval = t.initBackoff
	}
}

// AddrEvent applies an ADDR netlink event (spec §4.1 "Address event
// semantics"). The index is resolved to a name via the cache populated by
// link events; if unresolved, the event is dropped and will be picked up by
// the next periodic resync.
func (t *Table) AddrEvent(index int, addr types.InterfaceAddr, add bool) {
	name, ok := t.byIndex[index]
	if !ok {
		t.log.Debug("ifacetable: dropping addr event, unknown index", "index", index)
		return
	}
	e, ok := t.entries[name]
	if !ok {
		return
	}
	key := addr.String()
	if add {
		e.Addrs[key] = addr
	} else {
		delete(e.Addrs, key)
	}
}

// LinkSnapshot is one entry in a full OS link/address inventory, as
// produced by a periodic resync (spec §4.1 "Periodic resync").
type LinkSnapshot struct {
	Name  string
	Index int
	Up    bool
	Addrs []types.InterfaceAddr
}

// Resync reconciles the table against a full OS inventory. Entries absent
// from the inventory are marked down; entries present but excluded by
// regex are removed entirely (spec §9 open question: the source removes
// them, and this spec codifies that choice). Resync is idempotent.
func (t *Table) Resync(snapshot []LinkSnapshot) {
	seen := make(map[string]bool, len(snapshot))
	for _, s := range snapshot {
		seen[s.Name] = true
		if !t.matches(s.Name) {
			delete(t.entries, s.Name)
			delete(t.byIndex, s.Index)
			continue
		}
		t.byIndex[s.Index] = s.Name
		t.LinkEvent(s.Name, s.Index, s.Up)
		e := t.entries[s.Name]
		e.Addrs = map[string]types.InterfaceAddr{}
		for _, a := range s.Addrs {
			e.Addrs[a.String()] = a
		}
	}
	for name, e := range t.entries {
		if !seen[name] {
			e.AdminUp = false
		}
	}
}

// SetOverload sets the operator overload flag for an interface. Returns
// ErrUnknownInterface if the interface has no entry (spec §7 "Invalid
// input"). Idempotent per spec §7.
func (t *Table) SetOverload(name string, overload bool) error {
	e, ok := t.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInterface, name)
	}
	e.Overload = overload
	return nil
}

// SetMetricOverride sets (or clears, with nil) the operator metric override
// for an interface.
func (t *Table) SetMetricOverride(name string, metric *uint32) error {
	e, ok := t.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInterface, name)
	}
	e.MetricOverride = metric
	return nil
}

// Get returns the entry for name, or nil if absent.
func (t *Table) Get(name string) *types.InterfaceEntry {
	return t.entries[name]
}

// Usable reports whether the named interface is currently usable (spec
// §3). An unknown interface is not usable.
func (t *Table) Usable(name string) bool {
	return t.entries[name].Usable(t.now())
}

// EffectiveMetric returns the interface's metric override if set, else the
// RTT-derived metric if useRTT and rtt > 0, else the configured base
// metric (spec §4.1 "Numeric semantics").
func (t *Table) EffectiveMetric(name string, rtt time.Duration) uint32 {
	e, ok := t.entries[name]
	if ok && e.MetricOverride != nil {
		return *e.MetricOverride
	}
	if t.useRTT && rtt > 0 {
		return uint32(rtt.Microseconds())
	}
	return t.baseMetric
}

// GetRetryTimeOnUnstableInterfaces returns the minimum remaining backoff
// duration across all entries currently in backoff, or zero if none are.
// Used to schedule the advertise-throttle re-fire after a publish (spec
// §4.6). A link-down transition does not use it: the caller arms the
// throttle's standard window.
func (t *Table) GetRetryTimeOnUnstableInterfaces() time.Duration {
	now := t.now()
	var min time.Duration
	found := false
	for _, e := range t.entries {
		if e.BackoffDeadline.IsZero() || !now.Before(e.BackoffDeadline) {
			continue
		}
		remaining := e.BackoffDeadline.Sub(now)
		if !found || remaining < min {
			min = remaining
			found = true
		}
	}
	return min
}

// AnyInBackoff reports whether at least one interface is currently within
// its backoff window.
func (t *Table) AnyInBackoff() bool {
	return t.GetRetryTimeOnUnstableInterfaces() > 0
}

// MatchingAddrs returns, for every interface whose name matches any of res,
// its current address set; usability is not checked. Used by the advertiser to compute
// redistributed prefixes (spec §4.6).
func (t *Table) MatchingAddrs(res []*regexp.Regexp) map[string][]types.InterfaceAddr {
	out := map[string][]types.InterfaceAddr{}
	for name, e := range t.entries {
		if !config.MatchesAny(res, name) {
			continue
		}
		addrs := make([]types.InterfaceAddr, 0, len(e.Addrs))
		for _, a := range e.Addrs {
			addrs = append(addrs, a)
		}
		sort.Slice(addrs, func(i, j int) bool { return addrs[i].String() < addrs[j].String() })
		out[name] = addrs
	}
	return out
}

// Snapshot is the full interface database published to the
// interface-updates queue (spec §6).
type Snapshot struct {
	Name    string
	Up      bool
	Usable  bool
	Addrs   []types.InterfaceAddr
	Metric  uint32
}

// All returns a deterministically ordered snapshot of every interface in
// the table, for publication and for dumps (spec §4.7 item 5).
func (t *Table) All() []Snapshot {
	names := make([]string, 0, len(t.entries))
	for name := range t.entries {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Snapshot, 0, len(names))
	for _, name := range names {
		e := t.entries[name]
		addrs := make([]types.InterfaceAddr, 0, len(e.Addrs))
		for _, a := range e.Addrs {
			addrs = append(addrs, a)
		}
		sort.Slice(addrs, func(i, j int) bool { return addrs[i].String() < addrs[j].String() })
		out = append(out, Snapshot{
			Name:   name,
			Up:     e.AdminUp,
			Usable: e.Usable(t.now()),
			Addrs:  addrs,
			Metric: t.EffectiveMetric(name, 0),
		})
	}
	return out
}
