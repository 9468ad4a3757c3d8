// Package config assembles and validates the Link Monitor's configuration
// inputs (spec §6 "Configuration inputs"). It follows the shape of
// liveness.ManagerConfig.Validate in the teacher: a plain struct filled by
// the process entry point, with a Validate method that applies defaults and
// rejects inconsistent input.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

const (
	DefaultInitBackoff    = 2 * time.Second
	DefaultMaxBackoff      = 64 * time.Second
	DefaultKVKeyTTL        = 30 * time.Second
	DefaultAdjacencyHold   = 5 * time.Second
	DefaultAdvertiseWindow = 250 * time.Millisecond
	DefaultBaseMetric      = 1
)

// Area describes one routing area: its id, the neighbor-matching regex used
// to decide which neighbor events belong to it, and the interface regex
// used to decide which interfaces may form adjacencies in it.
type Area struct {
	ID            string
	NeighborRegex *regexp.Regexp
	IfaceRegex    *regexp.Regexp
}

// Config is the full set of configuration inputs named in spec §6.
type Config struct {
	NodeID   string
	DomainID string

	IPv4Enable            bool
	SegmentRoutingEnable   bool
	PrefixForwardingType   string
	PrefixForwardingAlgo   string
	UseRTTMetric           bool

	InitBackoff time.Duration
	MaxBackoff  time.Duration

	KVKeyTTL time.Duration

	IncludeRegex     []*regexp.Regexp
	ExcludeRegex     []*regexp.Regexp
	RedistributeRegex []*regexp.Regexp

	Areas []Area

	AssumeDrained     bool
	OverrideDrainState bool

	AdjacencyHold time.Duration

	// AdvertiseWindow is the throttle coalescing window (spec §5
	// "Throttles"). Not named explicitly in spec §6 but required to
	// construct the throttles; kept here so it travels with the rest of
	// the configuration inputs.
	AdvertiseWindow time.Duration

	// BaseMetric is used when UseRTTMetric is false and no override is set.
	BaseMetric uint32
}

// Validate fills defaults and enforces the invariants spec.md requires
// (backoff clamped to [init,max], at least one area, a node id).
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return errors.New("node id is required")
	}
	if len(c.Areas) == 0 {
		return errors.New("at least one area is required")
	}
	seen := make(map[string]bool, len(c.Areas))
	for _, a := range c.Areas {
		if a.ID == "" {
			return errors.New("area id must not be empty")
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate area id %q", a.ID)
		}
		seen[a.ID] = true
		if a.NeighborRegex == nil {
			return fmt.Errorf("area %q: neighbor regex is required", a.ID)
		}
		if a.IfaceRegex == nil {
			return fmt.Errorf("area %q: interface regex is required", a.ID)
		}
	}

	if c.InitBackoff <= 0 {
		c.InitBackoff = DefaultInitBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.MaxBackoff < c.InitBackoff {
		return errors.New("max backoff must be greater than or equal to init backoff")
	}
	if c.KVKeyTTL <= 0 {
		c.KVKeyTTL = DefaultKVKeyTTL
	}
	if c.AdjacencyHold < 0 {
		return errors.New("adjacency hold must be greater than or equal to 0")
	}
	if c.AdvertiseWindow <= 0 {
		c.AdvertiseWindow = DefaultAdvertiseWindow
	}
	if c.BaseMetric == 0 {
		c.BaseMetric = DefaultBaseMetric
	}
	if len(c.IncludeRegex) == 0 {
		return errors.New("at least one include regex is required")
	}
	return nil
}

// AreaByID returns the configured area with the given id, or false if none
// matches.
func (c *Config) AreaByID(id string) (Area, bool) {
	for _, a := range c.Areas {
		if a.ID == id {
			return a, true
		}
	}
	return Area{}, false
}

// MatchesAny reports whether name matches at least one regex in the set. A
// nil/empty set matches nothing.
func MatchesAny(res []*regexp.Regexp, name string) bool {
	for _, re := range res {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}
