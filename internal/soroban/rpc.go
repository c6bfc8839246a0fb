package soroban

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/creachadair/jrpc2"
	"github.com/stellar/stellar-rpc/client"
	"github.com/stellar/stellar-rpc/protocol"

	"github.com/mbd888/risktier/internal/circuitbreaker"
)

// DefaultCallTimeout bounds each RPC call.
const DefaultCallTimeout = 15 * time.Second

// Simulation is the part of a simulateTransaction response needed to
// assemble a submittable transaction.
type Simulation struct {
	TransactionData string   // base64 SorobanTransactionData
	Auth            []string // base64 SorobanAuthorizationEntry
	MinResourceFee  int64
	LatestLedger    uint32
}

// SendResult is the immediate response to sendTransaction.
type SendResult struct {
	Status         string
	Hash           string
	ErrorResultXDR string
}

// TxStatus is a getTransaction response.
type TxStatus struct {
	Status string
	Ledger uint32
}

// RPC is the subset of Soroban RPC the commit path uses.
type RPC interface {
	SimulateTransaction(ctx context.Context, txXDR string) (*Simulation, error)
	SendTransaction(ctx context.Context, txXDR string) (*SendResult, error)
	GetTransaction(ctx context.Context, hash string) (*TxStatus, error)
	Health(ctx context.Context) error
}

// Client implements RPC over the stellar-rpc JSON-RPC client. Every call
// gets its own timeout and passes through a circuit breaker keyed by
// method.
type Client struct {
	rpc     *client.Client
	breaker *circuitbreaker.Breaker
	timeout time.Duration
}

// NewClient dials nothing; the first call opens the connection. A nil
// breaker uses a default one.
func NewClient(url string, hc *http.Client, breaker *circuitbreaker.Breaker) *Client {
	if breaker == nil {
		breaker = circuitbreaker.New(5, 30*time.Second)
	}
	return &Client{
		rpc:     client.NewClient(url, hc),
		breaker: breaker,
		timeout: DefaultCallTimeout,
	}
}

// WithTimeout returns a copy of c with a different per-call timeout.
func (c *Client) WithTimeout(d time.Duration) *Client {
	cp := *c
	cp.timeout = d
	return &cp
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.rpc.Close()
}

func (c *Client) SimulateTransaction(ctx context.Context, txXDR string) (*Simulation, error) {
	var resp protocol.SimulateTransactionResponse
	err := c.call(ctx, "simulateTransaction", func(ctx context.Context) (err error) {
		resp, err = c.rpc.SimulateTransaction(ctx, protocol.SimulateTransactionRequest{Transaction: txXDR})
		return err
	})
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, &SimulationError{Message: resp.Error}
	}
	sim := &Simulation{
		TransactionData: resp.TransactionDataXDR,
		MinResourceFee:  resp.MinResourceFee,
		LatestLedger:    resp.LatestLedger,
	}
	if len(resp.Results) > 0 && resp.Results[0].AuthXDR != nil {
		sim.Auth = *resp.Results[0].AuthXDR
	}
	return sim, nil
}

func (c *Client) SendTransaction(ctx context.Context, txXDR string) (*SendResult, error) {
	var resp protocol.SendTransactionResponse
	err := c.call(ctx, "sendTransaction", func(ctx context.Context) (err error) {
		resp, err = c.rpc.SendTransaction(ctx, protocol.SendTransactionRequest{Transaction: txXDR})
		return err
	})
	if err != nil {
		return nil, err
	}
	return &SendResult{Status: resp.Status, Hash: resp.Hash, ErrorResultXDR: resp.ErrorResultXDR}, nil
}

func (c *Client) GetTransaction(ctx context.Context, hash string) (*TxStatus, error) {
	var resp protocol.GetTransactionResponse
	err := c.call(ctx, "getTransaction", func(ctx context.Context) (err error) {
		resp, err = c.rpc.GetTransaction(ctx, protocol.GetTransactionRequest{Hash: hash})
		return err
	})
	if err != nil {
		return nil, err
	}
	return &TxStatus{Status: resp.Status, Ledger: resp.Ledger}, nil
}

// Health fails unless the node reports itself healthy.
func (c *Client) Health(ctx context.Context) error {
	var resp protocol.GetHealthResponse
	err := c.call(ctx, "getHealth", func(ctx context.Context) (err error) {
		resp, err = c.rpc.GetHealth(ctx)
		return err
	})
	if err != nil {
		return err
	}
	if resp.Status != "healthy" {
		return fmt.Errorf("soroban rpc: status %q", resp.Status)
	}
	return nil
}

// call runs fn under a per-call timeout and the breaker. A cancelled
// parent context is returned as is. A request the node rejected outright
// is terminal and does not count against the breaker; anything else
// becomes a transient RPCError.
func (c *Client) call(ctx context.Context, op string, fn func(context.Context) error) error {
	err := c.breaker.Do(op, func(err error) bool { return !isRequestError(err) }, func() error {
		cctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		return fn(cctx)
	})
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return &RPCError{Op: op, Err: err, transient: !isRequestError(err)}
	}
}

// isRequestError reports whether the node answered with a JSON-RPC error
// about the request itself, such as an envelope that does not decode.
// Resending the same request cannot succeed.
func isRequestError(err error) bool {
	var jerr *jrpc2.Error
	if !errors.As(err, &jerr) {
		return false
	}
	switch jerr.Code {
	case jrpc2.ParseError, jrpc2.InvalidRequest, jrpc2.MethodNotFound, jrpc2.InvalidParams:
		return true
	}
	return false
}
