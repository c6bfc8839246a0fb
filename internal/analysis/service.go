// Package analysis runs the read side of the pipeline: fetch an address's
// recent history, reduce it to metrics, score it, and memoize the report
// for a freshness window.
package analysis

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/mbd888/risktier/internal/clock"
	"github.com/mbd888/risktier/internal/features"
	"github.com/mbd888/risktier/internal/horizon"
	"github.com/mbd888/risktier/internal/logging"
	"github.com/mbd888/risktier/internal/metrics"
	"github.com/mbd888/risktier/internal/scoring"
	"github.com/mbd888/risktier/internal/traces"
	"github.com/mbd888/risktier/internal/validation"
)

// Fetcher is the ledger read dependency. *horizon.Client implements it.
type Fetcher interface {
	FetchWindow(ctx context.Context, address string, windowDays int) (*horizon.Window, error)
}

// Report is a scored analysis plus the ingestion context it was built from.
type Report struct {
	Address string `json:"address"`
	scoring.Result
	Quality    features.Quality `json:"data_quality"`
	WindowDays int              `json:"window_days"`
	DataPoints int              `json:"data_points"`
	Truncated  bool             `json:"truncated"`
	FromCache  bool             `json:"from_cache"`
}

// Listener is told about every freshly computed report.
type Listener func(ctx context.Context, r *Report)

// Service is safe for concurrent use. Concurrent requests for the same
// address share one ledger fetch.
type Service struct {
	fetcher    Fetcher
	extractor  features.Extractor
	scorer     *scoring.Scorer
	cache      *Cache
	clock      clock.Clock
	windowDays int
	logger     *slog.Logger
	listeners  []Listener

	group singleflight.Group
}

// Option configures a Service.
type Option func(*Service)

// WithExtractor overrides the default feature extractor.
func WithExtractor(e features.Extractor) Option {
	return func(s *Service) { s.extractor = e }
}

// WithWindowDays sets the ingestion window.
func WithWindowDays(days int) Option {
	return func(s *Service) {
		if days > 0 {
			s.windowDays = days
		}
	}
}

// WithClock sets the clock used to stamp reports.
func WithClock(clk clock.Clock) Option {
	return func(s *Service) { s.clock = clk }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithListener registers a callback for computed (not cached) reports.
func WithListener(l Listener) Option {
	return func(s *Service) { s.listeners = append(s.listeners, l) }
}

// NewService wires the analysis pipeline. cache may be nil to disable
// memoization.
func NewService(fetcher Fetcher, scorer *scoring.Scorer, cache *Cache, opts ...Option) *Service {
	s := &Service{
		fetcher:    fetcher,
		scorer:     scorer,
		cache:      cache,
		clock:      clock.Real{},
		windowDays: horizon.DefaultWindowDays,
		logger:     logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.scorer == nil {
		s.scorer = scoring.Default()
	}
	return s
}

// Scorer returns the scorer in use.
func (s *Service) Scorer() *scoring.Scorer { return s.scorer }

// Analyze returns the report for address. A fresh cached report is returned
// unless force is set. Only an invalid address or a cancelled ctx yield an
// error: ingestion failures degrade to a truncated window and scoring never
// fails.
func (s *Service) Analyze(ctx context.Context, address string, force bool) (*Report, error) {
	addr, _, err := validation.ParseAddress(address)
	if err != nil {
		return nil, err
	}

	if !force && s.cache != nil {
		if r, ok := s.cache.Get(ctx, addr); ok {
			r.FromCache = true
			metrics.AnalysesTotal.WithLabelValues(string(r.Method), "cache").Inc()
			return r, nil
		}
	}

	// The shared fetch must outlive any single caller's cancellation.
	ch := s.group.DoChan(addr, func() (any, error) {
		return s.compute(context.WithoutCancel(ctx), addr)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		r := *res.Val.(*Report)
		return &r, nil
	}
}

func (s *Service) compute(ctx context.Context, addr string) (*Report, error) {
	ctx, span := traces.StartSpan(ctx, "analysis.Analyze", traces.Address(addr))
	defer span.End()
	start := s.clock.Now()

	w, err := s.fetcher.FetchWindow(ctx, addr, s.windowDays)
	if err != nil {
		traces.Fail(span, err)
		return nil, fmt.Errorf("fetch history for %s: %w", addr, err)
	}

	m := s.extractor.ReduceWindow(w)
	res := s.scorer.Score(m)
	res.ComputedAt = s.clock.Now()

	r := &Report{
		Address:    addr,
		Result:     res,
		Quality:    features.AssessQuality(m),
		WindowDays: w.Days,
		DataPoints: len(w.Payments),
		Truncated:  w.Truncated,
	}

	log := logging.L(ctx, s.logger)
	if res.Method == scoring.MethodFallback {
		metrics.ScorerFallbacksTotal.Inc()
		log.Warn("scorer fell back to rule-based model", "address", addr, "metrics", m)
	}
	metrics.AnalysesTotal.WithLabelValues(string(res.Method), "computed").Inc()
	metrics.AnalysisDuration.Observe(res.ComputedAt.Sub(start).Seconds())
	metrics.RiskScores.WithLabelValues(string(res.Tier)).Observe(float64(res.RiskScore))
	span.SetAttributes(traces.Score(res.RiskScore), traces.Tier(string(res.Tier)))

	log.Info("analysis computed",
		"address", addr,
		"risk_score", res.RiskScore,
		"tier", res.Tier,
		"method", res.Method,
		"data_points", r.DataPoints,
		"truncated", r.Truncated,
		"elapsed", res.ComputedAt.Sub(start))

	if s.cache != nil {
		s.cache.Put(ctx, r)
	}
	for _, l := range s.listeners {
		l(ctx, r)
	}
	return r, nil
}
