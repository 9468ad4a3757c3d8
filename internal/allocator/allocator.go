// Package allocator implements the per-area node-label range allocator
// (spec §4.8): claiming a small unique integer identifier per area by
// probing the KV store, preferring a previously persisted label for
// restart stability. Concurrent probing is grounded on the teacher's
// pond.ResultPool fan-out in
// controlplane/telemetry/internal/data/internet/latencies.go
// (group.SubmitErr / group.Wait), and per-probe retry is grounded on
// backoff.Retry usage in
// controlplane/telemetry/internal/telemetry/submitter.go and pinger.go,
// which pull in backoff/v5 for this exact ctx-first generic Retry shape.
package allocator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alitto/pond/v2"
	"github.com/cenkalti/backoff/v5"

	"github.com/kestrelnet/linkmond/internal/kvstore"
)

// ErrRangeExhausted is returned when every label in the configured range is
// claimed by another node.
var ErrRangeExhausted = fmt.Errorf("allocator: node-label range exhausted")

// Allocator claims node labels per area. It is safe for concurrent Allocate
// calls across different areas; the underlying KV store serializes
// individual key claims.
type Allocator struct {
	log   *slog.Logger
	store kvstore.Store
	pool  pond.ResultPool[probeResult]
	size  int
}

type probeResult struct {
	label int
	free  bool
}

// New constructs an Allocator claiming labels in [0, size) per area, using
// pool concurrent probes per Allocate call.
func New(log *slog.Logger, store kvstore.Store, size, concurrency int) *Allocator {
	return &Allocator{
		log:   log,
		store: store,
		pool:  pond.NewResultPool[probeResult](concurrency),
		size:  size,
	}
}

func labelKey(area string, label int) string {
	return fmt.Sprintf("labels/%s/%d", area, label)
}

// Allocate claims a node label for area, preferring preferred (a
// previously persisted label) if it is still free or already owned by
// nodeID. On a fresh claim it publishes nodeID under the label's key so
// other nodes' probes observe it as taken. Returns ErrRangeExhausted if no
// label in [0, size) is free.
func (a *Allocator) Allocate(ctx context.Context, area string, nodeID string, preferred int) (int, error) {
	if preferred >= 0 {
		if ok, err := a.tryClaim(ctx, area, nodeID, preferred); err != nil {
			return 0, err
		} else if ok {
			return preferred, nil
		}
	}

	group := a.pool.NewGroupContext(ctx)
	for label := 0; label < a.size; label++ {
		if label == preferred {
			continue
		}
		label := label
		group.SubmitErr(func() (probeResult, error) {
			free, err := a.probe(ctx, area, label)
			return probeResult{label: label, free: free}, err
		})
	}

	results, err := group.Wait()
	if err != nil {
		return 0, fmt.Errorf("allocator: probing area %s: %w", area, err)
	}

	var candidates []int
	for _, r := range results {
		if r.free {
			candidates = append(candidates, r.label)
		}
	}
	if len(candidates) == 0 {
		return 0, ErrRangeExhausted
	}

	min := candidates[0]
	for _, c := range candidates[1:] {
		if c < min {
			min = c
		}
	}

	ok, err := a.tryClaim(ctx, area, nodeID, min)
	if err != nil {
		return 0, err
	}
	if !ok {
		// Lost a race to another node. Single-attempt claim keeps this
		// allocator's contract simple: success or a clean error, no
		// internal retry loop racing forever; any retry is up to the
		// caller.
		return 0, fmt.Errorf("allocator: lost race for label %d in area %s", min, area)
	}
	return min, nil
}

// probe checks whether label is free in area, retrying transient KV store
// errors with exponential backoff (spec §9: allocator retry/cancellation
// is underspecified in the source; this module retries transient errors
// and gives up cleanly on ctx cancellation).
func (a *Allocator) probe(ctx context.Context, area string, label int) (bool, error) {
	op := func() (bool, error) {
		_, ok, err := a.store.Get(ctx, labelKey(area, label))
		return !ok, err
	}
	free, err := backoff.Retry(ctx, op, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(3))
	if err != nil {
		return false, err
	}
	return free, nil
}

// tryClaim attempts to claim label for nodeID if it is free or already
// owned by nodeID.
func (a *Allocator) tryClaim(ctx context.Context, area string, nodeID string, label int) (bool, error) {
	existing, ok, err := a.store.Get(ctx, labelKey(area, label))
	if err != nil {
		return false, fmt.Errorf("allocator: checking label %d in area %s: %w", label, area, err)
	}
	if ok && string(existing) != nodeID {
		return false, nil
	}
	if err := a.store.Put(ctx, labelKey(area, label), []byte(nodeID)); err != nil {
		return false, fmt.Errorf("allocator: claiming label %d in area %s: %w", label, area, err)
	}
	a.log.Info("allocator: claimed node label", "area", area, "label", label)
	return true, nil
}
