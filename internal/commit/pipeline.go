package commit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/mbd888/risktier/internal/clock"
	"github.com/mbd888/risktier/internal/logging"
	"github.com/mbd888/risktier/internal/metrics"
	"github.com/mbd888/risktier/internal/ratelimit"
	"github.com/mbd888/risktier/internal/scoring"
	"github.com/mbd888/risktier/internal/signer"
	"github.com/mbd888/risktier/internal/soroban"
	"github.com/mbd888/risktier/internal/traces"
	"github.com/mbd888/risktier/internal/validation"
)

const (
	DefaultPollAttempts = 15
	DefaultPollInterval = 3 * time.Second
)

const (
	noticeFallback = "Score stored locally; it is not yet authoritative on-chain"
	noticePending  = "Transaction submitted; confirmation is still pending"
)

// Config holds the contract target and polling bounds.
type Config struct {
	ContractID   string
	Method       string
	PollAttempts int
	PollInterval time.Duration
}

// Deps are the collaborators a Pipeline cannot run without.
type Deps struct {
	Accounts  AccountLoader
	Preparer  Preparer
	Submitter Submitter
	Limiter   RateLimiter
	Fallbacks *FallbackStore
}

// Pipeline runs commits. It is safe for concurrent use; commits for
// different addresses proceed independently and a second commit for an
// address already in flight is refused.
type Pipeline struct {
	cfg        Config
	deps       Deps
	policy     scoring.Policy
	clock      clock.Clock
	logger     *slog.Logger
	observers  []Observer
	publishers []Publisher

	inflight sync.Map // address -> struct{}
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithPolicy sets the tier thresholds used to classify scores.
func WithPolicy(p scoring.Policy) Option {
	return func(pl *Pipeline) { pl.policy = p }
}

// WithClock sets the clock that drives polling.
func WithClock(clk clock.Clock) Option {
	return func(pl *Pipeline) { pl.clock = clk }
}

func WithLogger(l *slog.Logger) Option {
	return func(pl *Pipeline) { pl.logger = l }
}

// WithObserver adds a transition observer.
func WithObserver(o Observer) Option {
	return func(pl *Pipeline) { pl.observers = append(pl.observers, o) }
}

// WithPublisher adds a sink for final results.
func WithPublisher(pub Publisher) Option {
	return func(pl *Pipeline) { pl.publishers = append(pl.publishers, pub) }
}

// NewPipeline validates cfg and deps and applies defaults.
func NewPipeline(cfg Config, deps Deps, opts ...Option) (*Pipeline, error) {
	if !validation.IsValidContract(cfg.ContractID) {
		return nil, fmt.Errorf("commit: invalid contract id %q", cfg.ContractID)
	}
	if cfg.Method == "" {
		cfg.Method = soroban.MethodSetRiskTier
	}
	if cfg.Method != soroban.MethodSetRiskTier && cfg.Method != soroban.MethodSetScore {
		return nil, fmt.Errorf("%w: %q", soroban.ErrUnsupportedMethod, cfg.Method)
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = DefaultPollAttempts
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if deps.Accounts == nil || deps.Preparer == nil || deps.Submitter == nil || deps.Limiter == nil || deps.Fallbacks == nil {
		return nil, errors.New("commit: missing dependency")
	}

	p := &Pipeline{
		cfg:    cfg,
		deps:   deps,
		policy: scoring.DefaultPolicy(),
		clock:  clock.Real{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Eligibility reports the cooldown status for address.
func (p *Pipeline) Eligibility(ctx context.Context, address string) ratelimit.Status {
	return p.deps.Limiter.Check(ctx, address)
}

// Fallbacks lists the locally stored commits for address.
func (p *Pipeline) Fallbacks(ctx context.Context, address string) ([]Entry, error) {
	return p.deps.Fallbacks.List(ctx, address)
}

// Commit runs one commit for req, signing with s.
//
// Only validation failures, ErrCommitInProgress and a cancelled ctx are
// returned as errors. Every other outcome, including a cooldown block, a
// user cancellation or an on-chain failure, is a Result with a nil error.
// A cancelled ctx abandons the run without recording the cooldown or
// storing a fallback.
func (p *Pipeline) Commit(ctx context.Context, req Request, s signer.Signer) (*Result, error) {
	res, err := p.newResult(req)
	if err != nil {
		return nil, err
	}

	if _, busy := p.inflight.LoadOrStore(res.Address, struct{}{}); busy {
		return nil, ErrCommitInProgress
	}
	defer p.inflight.Delete(res.Address)

	ctx, span := traces.StartSpan(ctx, "commit.Commit",
		traces.Address(res.Address), traces.Score(res.Score), traces.Tier(string(res.Tier)))
	defer span.End()

	status := p.deps.Limiter.Check(ctx, res.Address)
	if !status.CanCommit {
		metrics.CooldownBlockedTotal.Inc()
		res.ErrorKind = KindRateLimited
		res.Error = "next commit available in " + ratelimit.FormatRemaining(status.Remaining)
		res.NextEligibleAt = status.NextEligibleAt
		return p.finish(ctx, res), nil
	}

	if err := p.run(ctx, res, s); err != nil {
		traces.Fail(span, err)
		logging.L(ctx, p.logger).Info("commit abandoned", "address", res.Address, "state", res.State, "error", err)
		return nil, err
	}
	span.SetAttributes(traces.State(string(res.State)), traces.TxHash(res.TxHash))
	return p.finish(ctx, res), nil
}

func (p *Pipeline) newResult(req Request) (*Result, error) {
	addr, kind, err := validation.ParseAddress(req.Address)
	if err != nil {
		return nil, err
	}
	if kind != validation.KindAccount {
		return nil, fmt.Errorf("%w: commits need an account (G...) address", validation.ErrInvalidAddress)
	}
	if req.Score < 0 || req.Score > 100 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidScore, req.Score)
	}
	tier := p.policy.Classify(req.Score)
	chosen := req.ChosenTier
	if chosen == "" {
		chosen = tier
	}
	if !chosen.Valid() {
		return nil, fmt.Errorf("%w: %q", scoring.ErrInvalidTier, chosen)
	}
	return &Result{
		Method:     MethodNone,
		State:      StateIdle,
		Address:    addr,
		Score:      req.Score,
		Tier:       tier,
		ChosenTier: chosen,
	}, nil
}

// run drives res from IDLE to a terminal state. It returns an error only
// when ctx is cancelled.
func (p *Pipeline) run(ctx context.Context, res *Result, s signer.Signer) error {
	p.transition(ctx, res, StateBuilding)
	prepared, err := p.prepare(ctx, res)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if IsTransient(err) {
			return p.fallback(ctx, res, err)
		}
		p.fail(ctx, res, KindBuildFailed, err)
		return nil
	}
	res.TxHash = prepared.Hash

	p.transition(ctx, res, StateAwaitingSignature)
	signed, err := s.Sign(ctx, prepared.XDR)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, signer.ErrUserCancelled) {
			logging.L(ctx, p.logger).Info("commit cancelled by user", "address", res.Address)
			p.fail(ctx, res, KindUserCancelled, err)
			return nil
		}
		p.fail(ctx, res, KindSigningFailed, err)
		return nil
	}

	p.transition(ctx, res, StateSubmitted)
	sent, err := p.deps.Submitter.SendTransaction(ctx, signed)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if IsTransient(err) {
			return p.fallback(ctx, res, err)
		}
		p.fail(ctx, res, KindRejected, err)
		return nil
	}
	if sent.Hash != "" {
		res.TxHash = sent.Hash
	}
	switch sent.Status {
	case soroban.SendPending, soroban.SendDuplicate:
		return p.poll(ctx, res)
	case soroban.SendTryAgainLater:
		return p.fallback(ctx, res, errors.New("rpc asked to try again later"))
	default:
		p.fail(ctx, res, KindRejected, fmt.Errorf("transaction rejected with status %s", sent.Status))
		return nil
	}
}

func (p *Pipeline) prepare(ctx context.Context, res *Result) (*soroban.Prepared, error) {
	acct, err := p.deps.Accounts.LoadAccount(ctx, res.Address)
	if err != nil {
		return nil, err
	}
	return p.deps.Preparer.Prepare(ctx, *acct, soroban.Invocation{
		ContractID: p.cfg.ContractID,
		Method:     p.cfg.Method,
		Address:    res.Address,
		Score:      uint32(res.Score),
		Tier:       string(res.Tier),
		ChosenTier: string(res.ChosenTier),
	})
}

// poll waits one interval before each status query. The attempts are
// strictly sequential.
func (p *Pipeline) poll(ctx context.Context, res *Result) error {
	p.transition(ctx, res, StatePolling)
	log := logging.L(ctx, p.logger)

	for attempt := 1; attempt <= p.cfg.PollAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.clock.After(p.cfg.PollInterval):
		}

		st, err := p.deps.Submitter.GetTransaction(ctx, res.TxHash)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Debug("transaction status unavailable", "hash", res.TxHash, "attempt", attempt, "error", err)
			continue
		}
		switch st.Status {
		case soroban.TxSuccess:
			metrics.CommitPollAttempts.Observe(float64(attempt))
			res.Ledger = st.Ledger
			res.Successful = true
			res.Method = MethodChain
			p.transition(ctx, res, StateConfirmed)
			p.record(ctx, res)
			return nil
		case soroban.TxFailed:
			metrics.CommitPollAttempts.Observe(float64(attempt))
			p.fail(ctx, res, KindFailedOnChain, fmt.Errorf("transaction %s failed on chain", res.TxHash))
			return nil
		}
	}

	metrics.CommitPollAttempts.Observe(float64(p.cfg.PollAttempts))
	log.Warn("confirmation still pending after polling", "address", res.Address, "hash", res.TxHash, "attempts", p.cfg.PollAttempts)
	res.Successful = true
	res.Method = MethodChain
	res.Pending = true
	res.Notice = noticePending
	p.record(ctx, res)
	return nil
}

// fallback stores the score locally after a transient failure.
func (p *Pipeline) fallback(ctx context.Context, res *Result, cause error) error {
	p.transition(ctx, res, StateFallback)
	entry, err := p.deps.Fallbacks.Save(context.WithoutCancel(ctx), Entry{
		Address:    res.Address,
		Score:      res.Score,
		Tier:       res.Tier,
		ChosenTier: res.ChosenTier,
		TxHash:     res.TxHash,
		Reason:     cause.Error(),
	})
	if err != nil {
		p.fail(ctx, res, KindFallbackFailed, fmt.Errorf("%v; %w", cause, err))
		return nil
	}
	logging.L(ctx, p.logger).Warn("commit stored as local fallback",
		"address", res.Address, "fallback_id", entry.ID, "cause", cause)
	res.Successful = true
	res.Method = MethodLocalFallback
	res.FallbackID = entry.ID
	res.Notice = noticeFallback
	p.record(ctx, res)
	return nil
}

func (p *Pipeline) fail(ctx context.Context, res *Result, kind ErrorKind, err error) {
	res.ErrorKind = kind
	res.Error = (&StepError{State: res.State, Err: err}).Error()
	p.transition(ctx, res, StateFailed)
}

// record starts the cooldown. The commit already happened, so a failure
// here is logged rather than returned.
func (p *Pipeline) record(ctx context.Context, res *Result) {
	if err := p.deps.Limiter.Record(context.WithoutCancel(ctx), res.Address); err != nil {
		logging.L(ctx, p.logger).Warn("cooldown record failed", "address", res.Address, "error", err)
		return
	}
	if st := p.deps.Limiter.Check(context.WithoutCancel(ctx), res.Address); st.NextEligibleAt != nil {
		res.NextEligibleAt = st.NextEligibleAt
	}
}

func (p *Pipeline) transition(ctx context.Context, res *Result, to State) {
	from := res.State
	res.State = to
	metrics.CommitTransitionsTotal.WithLabelValues(string(to)).Inc()
	trace.SpanFromContext(ctx).AddEvent("transition", trace.WithAttributes(traces.State(string(to))))
	logging.L(ctx, p.logger).Info("commit transition", "address", res.Address, "from", from, "to", to)

	t := Transition{Address: res.Address, From: from, To: to, TxHash: res.TxHash, At: p.clock.Now().UTC()}
	for _, o := range p.observers {
		o.Transition(ctx, t)
	}
}

func (p *Pipeline) finish(ctx context.Context, res *Result) *Result {
	res.CompletedAt = p.clock.Now().UTC()
	metrics.CommitResultsTotal.WithLabelValues(string(res.Method), res.Outcome()).Inc()

	log := logging.L(ctx, p.logger)
	log.Info("commit finished", "address", res.Address, "method", res.Method, "state", res.State,
		"successful", res.Successful, "pending", res.Pending, "error_kind", res.ErrorKind)

	pubCtx := context.WithoutCancel(ctx)
	for _, pub := range p.publishers {
		if err := pub.Publish(pubCtx, res); err != nil {
			log.Warn("publish commit result failed", "address", res.Address, "error", err)
		}
	}
	return res
}
