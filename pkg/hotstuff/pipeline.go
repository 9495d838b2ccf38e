// Package hotstuff implements the HotStuff pipeline overlay: it wraps
// pkg/ibft's per-height round state machine so that phase k+1 of block
// N can overlap phase k of block N+1, tracks latency counters against
// a configurable target, and supports optimistic (speculative) payload
// execution with a chaining-rule guard.
package hotstuff

import (
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/metanode/core/pkg/coreerr"
	"github.com/metanode/core/pkg/ibft"
)

// Metrics tracks pipelined round-completion latency. Updated on every
// round completion; exposed both as plain counters and as prometheus
// instruments (see newPromMetrics) for hosts that scrape a registry.
type Metrics struct {
	mu sync.Mutex

	TotalRounds uint64
	SumTimeUS   uint64
	MinTimeUS   uint64
	MaxTimeUS   uint64

	prom *promMetrics
}

type promMetrics struct {
	histogram prometheus.Histogram
	efficiency prometheus.Gauge
}

func newPromMetrics(registerer prometheus.Registerer) *promMetrics {
	pm := &promMetrics{
		histogram: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "core",
			Subsystem: "hotstuff",
			Name:      "round_latency_microseconds",
			Help:      "Observed latency of a completed pipelined consensus round.",
			Buckets:   prometheus.ExponentialBuckets(50, 2, 12),
		}),
		efficiency: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "core",
			Subsystem: "hotstuff",
			Name:      "pipeline_efficiency",
			Help:      "Fraction of configured pipeline depth actually overlapping in-flight heights.",
		}),
	}
	if registerer != nil {
		registerer.MustRegister(pm.histogram, pm.efficiency)
	}
	return pm
}

// NewMetrics constructs a Metrics. registerer may be nil to skip
// prometheus registration (e.g. in tests that construct many Metrics
// instances against the default registry).
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	return &Metrics{prom: newPromMetrics(registerer)}
}

// Record folds one completed round's latency into the running counters.
func (m *Metrics) Record(latencyUS uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.TotalRounds == 0 || latencyUS < m.MinTimeUS {
		m.MinTimeUS = latencyUS
	}
	if latencyUS > m.MaxTimeUS {
		m.MaxTimeUS = latencyUS
	}
	m.SumTimeUS += latencyUS
	m.TotalRounds++

	if m.prom != nil {
		m.prom.histogram.Observe(float64(latencyUS))
	}
}

// SetEfficiency records the pipeline's currently observed efficiency
// (fraction of configured depth actually in flight), in [0,1].
func (m *Metrics) SetEfficiency(eff float64) {
	if m.prom != nil {
		m.prom.efficiency.Set(eff)
	}
}

// AverageUS returns the mean round latency, or 0 if no rounds recorded.
func (m *Metrics) AverageUS() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.TotalRounds == 0 {
		return 0
	}
	return m.SumTimeUS / m.TotalRounds
}

// IsTargetMet reports whether the average round time is at or below
// targetUS (performance.target_latency_µs).
func (m *Metrics) IsTargetMet(targetUS uint64) bool {
	return m.AverageUS() <= targetUS
}

// Snapshot is an immutable copy of the counters, for callers that want
// to read all four fields without racing Record.
type Snapshot struct {
	TotalRounds uint64
	AverageUS   uint64
	MinTimeUS   uint64
	MaxTimeUS   uint64
}

func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	var avg uint64
	if m.TotalRounds > 0 {
		avg = m.SumTimeUS / m.TotalRounds
	}
	return Snapshot{TotalRounds: m.TotalRounds, AverageUS: avg, MinTimeUS: m.MinTimeUS, MaxTimeUS: m.MaxTimeUS}
}

// Options configures a Pipeline.
type Options struct {
	// Depth is the maximum number of heights that may have an
	// outstanding vote in flight simultaneously (performance.pipeline_depth).
	Depth int
	// Optimistic enables speculative payload execution ahead of commit
	// (performance.optimistic_execution).
	Optimistic bool
	Logger     *log.Logger
}

// Pipeline drives a sequence of heights through an ibft.Engine,
// permitting up to Depth heights to be in flight at once. Admission
// looks only at the heights currently in flight: a height is refused
// when Depth heights are already running or when it lies more than
// Depth above one of them. Lower heights that are not in flight are
// not checked, so a height is admitted whether or not the heights
// beneath it have run.
type Pipeline struct {
	opts    Options
	log     *log.Logger
	engine  *ibft.Engine
	metrics *Metrics

	mu       sync.Mutex
	inFlight map[uint64]struct{}
	committed map[uint64][]byte // height -> speculative state adopted on commit, when Optimistic
}

func NewPipeline(opts Options, engine *ibft.Engine, metrics *Metrics) *Pipeline {
	if opts.Depth <= 0 {
		opts.Depth = 3
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[HotStuff] ", log.LstdFlags)
	}
	return &Pipeline{
		opts:        opts,
		log:         logger,
		engine:      engine,
		metrics:     metrics,
		inFlight: make(map[uint64]struct{}),
		committed: make(map[uint64][]byte),
	}
}

// RunHeight drives height through the wrapped engine, applying
// optional speculative execution of applyPayload ahead of commit, and
// folds the round's observed latency (in microseconds, as measured by
// the caller) into metrics. It refuses to start when Depth heights are
// already in flight or when height is more than Depth above a height
// still in flight; it does not check that lower heights have run.
func (p *Pipeline) RunHeight(
	height uint64,
	latencyUS uint64,
	buildProposal func(height uint64, round uint32) (ibft.Proposal, error),
	applyPayload func(ibft.Proposal) ([]byte, error),
) (ibft.FinalizedBlock, error) {
	if err := p.beginInFlight(height); err != nil {
		return ibft.FinalizedBlock{}, err
	}
	defer p.endInFlight(height)

	var specState []byte
	if p.opts.Optimistic && applyPayload != nil {
		build := buildProposal
		wrapped := func(h uint64, r uint32) (ibft.Proposal, error) {
			prop, err := build(h, r)
			if err != nil {
				return prop, err
			}
			state, err := applyPayload(prop)
			if err != nil {
				p.log.Printf("speculative execution for height %d failed, discarding: %v", h, err)
			} else {
				specState = state
			}
			return prop, nil
		}
		buildProposal = wrapped
	}

	fb, err := p.engine.RunHeight(height, buildProposal)
	if err != nil {
		return fb, err
	}

	// Only on commit does speculative state become externally visible;
	// an aborted or never-finalized proposal's speculative state must
	// never leak out.
	if p.opts.Optimistic && specState != nil {
		p.mu.Lock()
		p.committed[height] = specState
		p.mu.Unlock()
	}

	if p.metrics != nil {
		p.metrics.Record(latencyUS)
		p.metrics.SetEfficiency(p.efficiency())
	}

	return fb, nil
}

// beginInFlight admits height unless Depth heights are already in
// flight (coreerr.Backpressure) or height is more than Depth above a
// height still in flight (coreerr.InvalidInput). Heights that are not
// in flight play no part, so a gap left by heights that never ran is
// not detected.
func (p *Pipeline) beginInFlight(height uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.inFlight) >= p.opts.Depth {
		return fmt.Errorf("%w: pipeline depth %d exhausted, %d heights in flight", coreerr.Backpressure, p.opts.Depth, len(p.inFlight))
	}
	for h := range p.inFlight {
		if height > h+uint64(p.opts.Depth) {
			return fmt.Errorf("%w: height %d too far ahead of in-flight height %d (chaining rule)", coreerr.InvalidInput, height, h)
		}
	}
	p.inFlight[height] = struct{}{}
	return nil
}

// CommittedState returns the speculative state that was adopted at
// height on commit, if optimistic execution was enabled and produced
// one.
func (p *Pipeline) CommittedState(height uint64) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.committed[height]
	return s, ok
}

func (p *Pipeline) efficiency() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.opts.Depth == 0 {
		return 0
	}
	return float64(len(p.inFlight)) / float64(p.opts.Depth)
}

func (p *Pipeline) endInFlight(height uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inFlight, height)
}
