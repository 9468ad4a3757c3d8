// Package main is the linkmond process entry point: flag parsing, logger
// and metrics bootstrap, collaborator wiring, and the signal-driven run
// loop. It follows cmd/doublezerod/main.go's shape: flag vars at package
// scope, slog.NewJSONHandler to stdout gated by -v, an optional prometheus
// metrics listener, and signal.NotifyContext for graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kestrelnet/linkmond/internal/config"
	"github.com/kestrelnet/linkmond/internal/kvstore"
	"github.com/kestrelnet/linkmond/internal/linkmon"
)

var (
	nodeID   = flag.String("node-id", "", "this node's id, advertised in peer and adjacency records")
	domainID = flag.String("domain-id", "", "routing domain id")

	areasFlag       = flag.String("areas", "", "comma-separated area specs, each id:neighbor-regex:iface-regex")
	includeFlag     = flag.String("include-regex", "", "comma-separated regexes selecting interfaces to monitor")
	excludeFlag     = flag.String("exclude-regex", "", "comma-separated regexes excluding interfaces from monitoring")
	redistributeFlag = flag.String("redistribute-regex", "", "comma-separated regexes selecting interface prefixes to redistribute")

	ipv4Enable          = flag.Bool("ipv4-enable", true, "enable ipv4 adjacency formation")
	segmentRoutingEnable = flag.Bool("segment-routing-enable", false, "enable segment routing node-label allocation")
	useRTTMetric        = flag.Bool("use-rtt-metric", false, "derive adjacency metric from measured RTT instead of base-metric")
	baseMetric          = flag.Uint("base-metric", uint(config.DefaultBaseMetric), "adjacency metric used when use-rtt-metric is false and no override is set")
	prefixForwardingType = flag.String("prefix-forwarding-type", "", "redistributed prefix forwarding type")
	prefixForwardingAlgo = flag.String("prefix-forwarding-algo", "", "redistributed prefix forwarding algorithm")

	initBackoff     = flag.Duration("init-backoff", config.DefaultInitBackoff, "initial interface flap backoff")
	maxBackoff      = flag.Duration("max-backoff", config.DefaultMaxBackoff, "maximum interface flap backoff")
	adjacencyHold   = flag.Duration("adjacency-hold", config.DefaultAdjacencyHold, "delay before the first publish after startup")
	advertiseWindow = flag.Duration("advertise-window", config.DefaultAdvertiseWindow, "throttle coalescing window for publishes")
	kvKeyTTL        = flag.Duration("kv-key-ttl", config.DefaultKVKeyTTL, "TTL applied to published KV store entries")

	assumeDrained      = flag.Bool("assume-drained", false, "treat this node as drained on first startup")
	overrideDrainState = flag.Bool("override-drain-state", false, "force the assume-drained policy regardless of persisted state")

	stateDir = flag.String("state-dir", "/var/lib/linkmond", "directory holding persisted linkmond state")

	metricsEnable = flag.Bool("metrics-enable", false, "enable prometheus metrics")
	metricsAddr   = flag.String("metrics-addr", "localhost:0", "address to listen on for prometheus metrics")

	verbose     = flag.Bool("v", false, "enable verbose logging")
	versionFlag = flag.Bool("version", false, "print build version and exit")

	// set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	flag.Parse()

	opts := &slog.HandlerOptions{}
	if *verbose {
		opts.Level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, opts))
	slog.SetDefault(logger)

	if *versionFlag {
		fmt.Printf("build: %s\n", commit)
		fmt.Printf("version: %s\n", version)
		fmt.Printf("date: %s\n", date)
		os.Exit(0)
	}

	cfg, err := buildConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if *metricsEnable {
		buildInfo := promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "linkmond_build_info",
				Help: "Build information of linkmond.",
			},
			[]string{"version", "commit", "date"},
		)
		buildInfo.WithLabelValues(version, commit, date).Set(1)

		go func() {
			listener, err := net.Listen("tcp", *metricsAddr)
			if err != nil {
				slog.Error("failed to start prometheus metrics listener", "error", err)
				os.Exit(1)
			}
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			slog.Info("prometheus metrics server started", "address", listener.Addr().String())
			if err := http.Serve(listener, mux); err != nil {
				log.Printf("prometheus metrics server stopped: %v", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kv := kvstore.NewTTLStore(cfg.KVKeyTTL)
	defer kv.Close()

	mon, err := linkmon.New(logger, prometheus.DefaultRegisterer, cfg, *stateDir, kv, nil)
	if err != nil {
		slog.Error("failed to construct link monitor", "error", err)
		os.Exit(1)
	}

	go func() {
		if err := mon.Netlink().Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("netlink monitor stopped unexpectedly", "error", err)
		}
	}()

	// Neighbor events (spec §6 "inbound queues") and control-surface
	// requests (spec §4.7) arrive through mon.NeighborEvents() and
	// mon.Control(); the transport that feeds them is deliberately out of
	// scope here (Non-goals: "RPC transport choice", "neighbor discovery
	// itself") and is wired by whatever embeds this binary.
	if err := mon.Run(ctx, mon.Netlink().Events()); err != nil && ctx.Err() == nil {
		slog.Error("link monitor run error", "error", err)
		os.Exit(1)
	}
}

func buildConfig() (*config.Config, error) {
	areas, err := parseAreas(*areasFlag)
	if err != nil {
		return nil, fmt.Errorf("parsing -areas: %w", err)
	}
	include, err := parseRegexList(*includeFlag)
	if err != nil {
		return nil, fmt.Errorf("parsing -include-regex: %w", err)
	}
	exclude, err := parseRegexList(*excludeFlag)
	if err != nil {
		return nil, fmt.Errorf("parsing -exclude-regex: %w", err)
	}
	redistribute, err := parseRegexList(*redistributeFlag)
	if err != nil {
		return nil, fmt.Errorf("parsing -redistribute-regex: %w", err)
	}

	cfg := &config.Config{
		NodeID:               *nodeID,
		DomainID:             *domainID,
		IPv4Enable:           *ipv4Enable,
		SegmentRoutingEnable: *segmentRoutingEnable,
		PrefixForwardingType: *prefixForwardingType,
		PrefixForwardingAlgo: *prefixForwardingAlgo,
		UseRTTMetric:         *useRTTMetric,
		InitBackoff:          *initBackoff,
		MaxBackoff:           *maxBackoff,
		KVKeyTTL:             *kvKeyTTL,
		IncludeRegex:         include,
		ExcludeRegex:         exclude,
		RedistributeRegex:    redistribute,
		Areas:                areas,
		AssumeDrained:        *assumeDrained,
		OverrideDrainState:   *overrideDrainState,
		AdjacencyHold:        *adjacencyHold,
		AdvertiseWindow:      *advertiseWindow,
		BaseMetric:           uint32(*baseMetric),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseAreas parses a comma-separated list of "id:neighbor-regex:iface-regex"
// specs into config.Area values.
func parseAreas(raw string) ([]config.Area, error) {
	var areas []config.Area
	for _, spec := range splitNonEmpty(raw) {
		parts := strings.SplitN(spec, ":", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("area spec %q must be id:neighbor-regex:iface-regex", spec)
		}
		neighborRe, err := regexp.Compile(parts[1])
		if err != nil {
			return nil, fmt.Errorf("area %q: neighbor regex: %w", parts[0], err)
		}
		ifaceRe, err := regexp.Compile(parts[2])
		if err != nil {
			return nil, fmt.Errorf("area %q: iface regex: %w", parts[0], err)
		}
		areas = append(areas, config.Area{ID: parts[0], NeighborRegex: neighborRe, IfaceRegex: ifaceRe})
	}
	return areas, nil
}

func parseRegexList(raw string) ([]*regexp.Regexp, error) {
	var out []*regexp.Regexp
	for _, pattern := range splitNonEmpty(raw) {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("regex %q: %w", pattern, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func splitNonEmpty(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
