// Package netlinkmon implements the Netlink Event Handler (C5): subscribing
// to the kernel's LINK and ADDR netlink groups and funneling both, plus
// periodic full resyncs, onto a single output queue for the event loop to
// apply to the Interface Table. It is grounded on Calico's
// ifacemonitor.InterfaceMonitor (LinkSubscribe/AddrSubscribe read loop plus
// a periodic resync ticker, since subscription-vs-list ordering is
// unspecified) and on the teacher's netlink.Netlink wrapper for translating
// vishvananda/netlink types into this module's domain types (spec §4.5).
// Monitor itself never touches the Interface Table: per spec §5 the table
// is mutated only from the single event loop thread, so Monitor's
// goroutine only produces onto Events() and the loop is the sole consumer.
package netlinkmon

import (
	"context"
	"log/slog"
	"syscall"
	"time"

	nl "github.com/vishvananda/netlink"

	"github.com/kestrelnet/linkmond/internal/ifacetable"
	"github.com/kestrelnet/linkmond/internal/types"
)

// EventKind distinguishes the three shapes of netlink-queue item (spec §6
// "Netlink-event queue").
type EventKind int

const (
	EventLink EventKind = iota
	EventAddr
	EventResync
)

// Event is one item on the netlink-event queue.
type Event struct {
	Kind EventKind

	LinkName  string
	LinkIndex int
	LinkUp    bool

	AddrIndex int
	Addr      types.InterfaceAddr
	AddrAdd   bool

	Snapshot []ifacetable.LinkSnapshot
}

// Netlinker abstracts the vishvananda/netlink package calls the monitor
// needs, so tests can substitute a fake rather than opening a real netlink
// socket (spec's C5 has no meaningful unit-testable surface without this
// seam).
type Netlinker interface {
	LinkSubscribe(ch chan<- nl.LinkUpdate, done <-chan struct{}) error
	AddrSubscribe(ch chan<- nl.AddrUpdate, done <-chan struct{}) error
	LinkList() ([]nl.Link, error)
	AddrList(link nl.Link, family int) ([]nl.Addr, error)
}

// realNetlinker calls directly into vishvananda/netlink.
type realNetlinker struct{}

func (realNetlinker) LinkSubscribe(ch chan<- nl.LinkUpdate, done <-chan struct{}) error {
	return nl.LinkSubscribe(ch, done)
}
func (realNetlinker) AddrSubscribe(ch chan<- nl.AddrUpdate, done <-chan struct{}) error {
	return nl.AddrSubscribe(ch, done)
}
func (realNetlinker) LinkList() ([]nl.Link, error) { return nl.LinkList() }
func (realNetlinker) AddrList(link nl.Link, family int) ([]nl.Addr, error) {
	return nl.AddrList(link, family)
}

// Monitor runs the netlink subscription loop and periodic resync, emitting
// every observed change onto its output queue.
type Monitor struct {
	log    *slog.Logger
	nl     Netlinker
	resync time.Duration
	events chan Event
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithNetlinker overrides the netlink backend, for tests.
func WithNetlinker(n Netlinker) Option {
	return func(m *Monitor) { m.nl = n }
}

// WithResyncInterval overrides the periodic resync period (default 30s,
// matching the teacher's general preference for conservative background
// polling intervals).
func WithResyncInterval(d time.Duration) Option {
	return func(m *Monitor) { m.resync = d }
}

// New constructs a Monitor with an output queue of the given capacity.
func New(log *slog.Logger, queueCapacity int, opts ...Option) *Monitor {
	m := &Monitor{
		log:    log,
		nl:     realNetlinker{},
		resync: 30 * time.Second,
		events: make(chan Event, queueCapacity),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Events returns the netlink-event queue the loop consumes (spec §6).
func (m *Monitor) Events() <-chan Event {
	return m.events
}

// Run subscribes to LINK and ADDR netlink groups, performs an initial
// resync, and produces events until ctx is cancelled (spec §4.5, grounded
// on ifacemonitor.MonitorInterfaces' select loop).
func (m *Monitor) Run(ctx context.Context) error {
	linkUpdates := make(chan nl.LinkUpdate)
	addrUpdates := make(chan nl.AddrUpdate)
	done := make(chan struct{})
	defer close(done)

	if err := m.nl.LinkSubscribe(linkUpdates, done); err != nil {
		return err
	}
	if err := m.nl.AddrSubscribe(addrUpdates, done); err != nil {
		return err
	}

	if err := m.emitResync(ctx); err != nil {
		m.log.Error("netlinkmon: initial resync failed", "error", err)
	}

	ticker := time.NewTicker(m.resync)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case upd, ok := <-linkUpdates:
			if !ok {
				return nil
			}
			m.emitLink(ctx, upd)
		case upd, ok := <-addrUpdates:
			if !ok {
				return nil
			}
			m.emitAddr(ctx, upd)
		case <-ticker.C:
			if err := m.emitResync(ctx); err != nil {
				m.log.Error("netlinkmon: periodic resync failed", "error", err)
			}
		}
	}
}

func (m *Monitor) send(ctx context.Context, ev Event) {
	select {
	case m.events <- ev:
	case <-ctx.Done():
	}
}

func (m *Monitor) emitLink(ctx context.Context, upd nl.LinkUpdate) {
	attrs := upd.Attrs()
	if attrs == nil {
		m.log.Warn("netlinkmon: link update missing attributes")
		return
	}
	up := upd.Header.Type == syscall.RTM_NEWLINK && attrs.Flags&nl.FlagUp != 0
	m.send(ctx, Event{Kind: EventLink, LinkName: attrs.Name, LinkIndex: attrs.Index, LinkUp: up})
}

func (m *Monitor) emitAddr(ctx context.Context, upd nl.AddrUpdate) {
	prefixLen, _ := upd.LinkAddress.Mask.Size()
	m.send(ctx, Event{
		Kind:      EventAddr,
		AddrIndex: upd.LinkIndex,
		Addr:      types.InterfaceAddr{IP: upd.LinkAddress.IP, PrefixLen: prefixLen},
		AddrAdd:   upd.NewAddr,
	})
}

func (m *Monitor) emitResync(ctx context.Context) error {
	links, err := m.nl.LinkList()
	if err != nil {
		return err
	}
	snapshot := make([]ifacetable.LinkSnapshot, 0, len(links))
	for _, l := range links {
		attrs := l.Attrs()
		up := attrs.Flags&nl.FlagUp != 0

		var addrs []types.InterfaceAddr
		if addrList, err := m.nl.AddrList(l, nl.FAMILY_ALL); err == nil {
			for _, a := range addrList {
				prefixLen, _ := a.IPNet.Mask.Size()
				addrs = append(addrs, types.InterfaceAddr{IP: a.IP, PrefixLen: prefixLen})
			}
		}

		snapshot = append(snapshot, ifacetable.LinkSnapshot{
			Name:  attrs.Name,
			Index: attrs.Index,
			Up:    up,
			Addrs: addrs,
		})
	}
	m.send(ctx, Event{Kind: EventResync, Snapshot: snapshot})
	return nil
}
