// Package commit turns a scored analysis into a durable record: an
// on-chain set_risk_tier invocation when the ledger cooperates, a local
// fallback entry when it does not.
//
// Flow:
//  1. IDLE → BUILDING: load the source account, build and simulate the invocation
//  2. AWAITING_SIGNATURE: hand the envelope to the Signer
//  3. SUBMITTED: send it to Soroban RPC
//  4. POLLING: ask for the transaction by hash until it lands or attempts run out
//  5. CONFIRMED, FAILED or FALLBACK
package commit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/mbd888/risktier/internal/horizon"
	"github.com/mbd888/risktier/internal/ratelimit"
	"github.com/mbd888/risktier/internal/scoring"
	"github.com/mbd888/risktier/internal/soroban"
)

var (
	ErrCommitInProgress = errors.New("commit: a commit for this address is already in progress")
	ErrInvalidScore     = errors.New("commit: score must be between 0 and 100")
)

// State is a pipeline state.
type State string

const (
	StateIdle              State = "IDLE"
	StateBuilding          State = "BUILDING"
	StateAwaitingSignature State = "AWAITING_SIGNATURE"
	StateSubmitted         State = "SUBMITTED"
	StatePolling           State = "POLLING"
	StateConfirmed         State = "CONFIRMED"
	StateFailed            State = "FAILED"
	StateFallback          State = "FALLBACK"
)

// Terminal reports whether no further transition follows s.
func (s State) Terminal() bool {
	switch s {
	case StateConfirmed, StateFailed, StateFallback:
		return true
	}
	return false
}

// Method records where a score ended up.
type Method string

const (
	MethodNone          Method = "none"
	MethodChain         Method = "chain"
	MethodLocalFallback Method = "local_fallback"
)

// ErrorKind classifies an unsuccessful result.
type ErrorKind string

const (
	KindRateLimited    ErrorKind = "rate_limited"
	KindUserCancelled  ErrorKind = "user_cancelled"
	KindRejected       ErrorKind = "rejected"
	KindFailedOnChain  ErrorKind = "failed_on_chain"
	KindBuildFailed    ErrorKind = "build_failed"
	KindSigningFailed  ErrorKind = "signing_failed"
	KindFallbackFailed ErrorKind = "fallback_failed"
)

// Request asks for a score to be committed. An empty ChosenTier means the
// tier computed from Score.
type Request struct {
	Address    string       `json:"address"`
	Score      int          `json:"score"`
	ChosenTier scoring.Tier `json:"chosen_tier,omitempty"`
}

// Result is the outcome of one Commit call. Successful with
// Method local_fallback is accepted but not authoritative; Pending means the
// transaction was submitted and may still land.
type Result struct {
	Successful     bool         `json:"successful"`
	Method         Method       `json:"method"`
	State          State        `json:"state"`
	Address        string       `json:"address"`
	Score          int          `json:"score"`
	Tier           scoring.Tier `json:"tier"`
	ChosenTier     scoring.Tier `json:"chosen_tier"`
	TxHash         string       `json:"tx_hash,omitempty"`
	Ledger         uint32       `json:"ledger,omitempty"`
	Pending        bool         `json:"pending,omitempty"`
	FallbackID     string       `json:"fallback_id,omitempty"`
	ErrorKind      ErrorKind    `json:"error_kind,omitempty"`
	Error          string       `json:"error,omitempty"`
	Notice         string       `json:"notice,omitempty"`
	NextEligibleAt *time.Time   `json:"next_eligible_at,omitempty"`
	CompletedAt    time.Time    `json:"completed_at"`
}

// Outcome is the metric label for r.
func (r *Result) Outcome() string {
	switch {
	case r.ErrorKind != "":
		return string(r.ErrorKind)
	case r.Pending:
		return "pending"
	case r.Method == MethodLocalFallback:
		return "accepted"
	default:
		return "confirmed"
	}
}

// StepError ties a failure to the state it happened in.
type StepError struct {
	State State
	Err   error
}

func (e *StepError) Error() string { return fmt.Sprintf("commit %s: %v", e.State, e.Err) }
func (e *StepError) Unwrap() error { return e.Err }

// Transition is one state change, reported to observers.
type Transition struct {
	Address string    `json:"address"`
	From    State     `json:"from"`
	To      State     `json:"to"`
	TxHash  string    `json:"tx_hash,omitempty"`
	At      time.Time `json:"at"`
}

// AccountLoader supplies the source account sequence. *horizon.Client
// implements it.
type AccountLoader interface {
	LoadAccount(ctx context.Context, address string) (*horizon.Account, error)
}

// Preparer builds and simulates the invocation. *soroban.Builder
// implements it.
type Preparer interface {
	Prepare(ctx context.Context, source horizon.Account, inv soroban.Invocation) (*soroban.Prepared, error)
}

// Submitter sends transactions and reads their status. *soroban.Client
// implements it.
type Submitter interface {
	SendTransaction(ctx context.Context, txXDR string) (*soroban.SendResult, error)
	GetTransaction(ctx context.Context, hash string) (*soroban.TxStatus, error)
}

// RateLimiter gates commits per address. *ratelimit.Cooldown implements it.
type RateLimiter interface {
	Check(ctx context.Context, address string) ratelimit.Status
	Record(ctx context.Context, address string) error
}

// Observer is told about every state transition.
type Observer interface {
	Transition(ctx context.Context, t Transition)
}

// Publisher receives every final result.
type Publisher interface {
	Publish(ctx context.Context, r *Result) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, t Transition)

func (f ObserverFunc) Transition(ctx context.Context, t Transition) { f(ctx, t) }

// IsTransient reports whether err is a network-level failure worth a local
// fallback rather than a hard failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var t interface{ Transient() bool }
	if errors.As(err, &t) {
		return t.Transient()
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF)
}
