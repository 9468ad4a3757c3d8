package netlinkmon

import (
	"context"
	"log/slog"
	"testing"
	"time"

	nl "github.com/vishvananda/netlink"

	"github.com/stretchr/testify/require"
)

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

// fakeNetlinker satisfies Netlinker without opening a real netlink socket.
type fakeNetlinker struct {
	links []nl.Link
}

func (f *fakeNetlinker) LinkSubscribe(ch chan<- nl.LinkUpdate, done <-chan struct{}) error {
	return nil
}
func (f *fakeNetlinker) AddrSubscribe(ch chan<- nl.AddrUpdate, done <-chan struct{}) error {
	return nil
}
func (f *fakeNetlinker) LinkList() ([]nl.Link, error) { return f.links, nil }
func (f *fakeNetlinker) AddrList(link nl.Link, family int) ([]nl.Addr, error) {
	return nil, nil
}

func TestEmitResyncBuildsSnapshotFromLinkList(t *testing.T) {
	link := &nl.Dummy{LinkAttrs: nl.LinkAttrs{Name: "et1", Index: 3, Flags: nl.FlagUp}}
	fake := &fakeNetlinker{links: []nl.Link{link}}

	m := New(discardLog(), 8, WithNetlinker(fake))
	require.NoError(t, m.emitResync(context.Background()))

	select {
	case ev := <-m.Events():
		require.Equal(t, EventResync, ev.Kind)
		require.Len(t, ev.Snapshot, 1)
		require.Equal(t, "et1", ev.Snapshot[0].Name)
		require.True(t, ev.Snapshot[0].Up)
	default:
		t.Fatal("expected a resync event")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	fake := &fakeNetlinker{}
	m := New(discardLog(), 8, WithNetlinker(fake), WithResyncInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestRunEmitsLinkEventsFromSubscription(t *testing.T) {
	linkCh := make(chan nl.LinkUpdate, 1)
	fake := &subscribingNetlinker{linkCh: linkCh}

	m := New(discardLog(), 8, WithNetlinker(fake), WithResyncInterval(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = m.Run(ctx) }()

	// Run emits its initial resync before it reads any subscription update.
	select {
	case ev := <-m.Events():
		require.Equal(t, EventResync, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected the initial resync event")
	}

	linkCh <- nl.LinkUpdate{
		IfInfomsg: nl.IfInfomsg{},
		Link:      &nl.Dummy{LinkAttrs: nl.LinkAttrs{Name: "et2", Index: 7, Flags: nl.FlagUp}},
	}

	select {
	case ev := <-m.Events():
		require.Equal(t, EventLink, ev.Kind)
		require.Equal(t, "et2", ev.LinkName)
	case <-time.After(time.Second):
		t.Fatal("expected a link event")
	}
}

type subscribingNetlinker struct {
	linkCh chan nl.LinkUpdate
}

func (s *subscribingNetlinker) LinkSubscribe(ch chan<- nl.LinkUpdate, done <-chan struct{}) error {
	go func() {
		for {
			select {
			case upd, ok := <-s.linkCh:
				if !ok {
					return
				}
				ch <- upd
			case <-done:
				return
			}
		}
	}()
	return nil
}
func (s *subscribingNetlinker) AddrSubscribe(ch chan<- nl.AddrUpdate, done <-chan struct{}) error {
	return nil
}
func (s *subscribingNetlinker) LinkList() ([]nl.Link, error) { return nil, nil }
func (s *subscribingNetlinker) AddrList(link nl.Link, family int) ([]nl.Addr, error) {
	return nil, nil
}
