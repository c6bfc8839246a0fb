package soroban

import (
	"context"
	"fmt"
	"time"

	"github.com/stellar/go/txnbuild"
	"github.com/stellar/go/xdr"

	"github.com/mbd888/risktier/internal/horizon"
)

// DefaultBaseFee is the inclusion fee bid in stroops (100 x the network
// minimum).
const DefaultBaseFee = 100 * txnbuild.MinBaseFee

// DefaultTxTimeout is the validity window of built transactions.
const DefaultTxTimeout = 30 * time.Second

// Prepared is an assembled, unsigned transaction ready for the signer.
type Prepared struct {
	XDR         string
	Hash        string
	Fee         int64
	ResourceFee int64
}

// Builder assembles contract invocations against a source account.
type Builder struct {
	rpc        RPC
	passphrase string
	baseFee    int64
	timeout    time.Duration
}

// NewBuilder returns a builder. Non-positive fee or timeout use the
// defaults.
func NewBuilder(rpc RPC, passphrase string, baseFee int64, timeout time.Duration) *Builder {
	if baseFee <= 0 {
		baseFee = DefaultBaseFee
	}
	if timeout <= 0 {
		timeout = DefaultTxTimeout
	}
	return &Builder{rpc: rpc, passphrase: passphrase, baseFee: baseFee, timeout: timeout}
}

// Passphrase is the network the builder hashes for.
func (b *Builder) Passphrase() string { return b.passphrase }

// Prepare builds the invocation, simulates it, and rebuilds it with the
// simulated footprint, authorization entries and resource fee.
func (b *Builder) Prepare(ctx context.Context, source horizon.Account, inv Invocation) (*Prepared, error) {
	hf, err := inv.HostFunction()
	if err != nil {
		return nil, err
	}

	draft, err := b.build(source, &txnbuild.InvokeHostFunction{HostFunction: hf}, b.baseFee)
	if err != nil {
		return nil, err
	}
	draftXDR, err := draft.Base64()
	if err != nil {
		return nil, fmt.Errorf("soroban: encode draft: %w", err)
	}

	sim, err := b.rpc.SimulateTransaction(ctx, draftXDR)
	if err != nil {
		return nil, err
	}

	var data xdr.SorobanTransactionData
	if err := xdr.SafeUnmarshalBase64(sim.TransactionData, &data); err != nil {
		return nil, fmt.Errorf("soroban: decode transaction data: %w", err)
	}
	auth := make([]xdr.SorobanAuthorizationEntry, 0, len(sim.Auth))
	for i, raw := range sim.Auth {
		var entry xdr.SorobanAuthorizationEntry
		if err := xdr.SafeUnmarshalBase64(raw, &entry); err != nil {
			return nil, fmt.Errorf("soroban: decode auth entry %d: %w", i, err)
		}
		auth = append(auth, entry)
	}

	op := &txnbuild.InvokeHostFunction{
		HostFunction: hf,
		Auth:         auth,
		Ext:          xdr.TransactionExt{V: 1, SorobanData: &data},
	}
	// The fee is a cap: inclusion bid plus the simulated resource fee.
	tx, err := b.build(source, op, b.baseFee+sim.MinResourceFee)
	if err != nil {
		return nil, err
	}
	out, err := tx.Base64()
	if err != nil {
		return nil, fmt.Errorf("soroban: encode transaction: %w", err)
	}
	hash, err := tx.HashHex(b.passphrase)
	if err != nil {
		return nil, fmt.Errorf("soroban: hash transaction: %w", err)
	}
	return &Prepared{XDR: out, Hash: hash, Fee: tx.MaxFee(), ResourceFee: int64(data.ResourceFee)}, nil
}

// build uses a fresh account value each time: IncrementSequenceNum
// mutates it.
func (b *Builder) build(source horizon.Account, op txnbuild.Operation, fee int64) (*txnbuild.Transaction, error) {
	tx, err := txnbuild.NewTransaction(txnbuild.TransactionParams{
		SourceAccount:        &txnbuild.SimpleAccount{AccountID: source.ID, Sequence: source.Sequence},
		IncrementSequenceNum: true,
		Operations:           []txnbuild.Operation{op},
		BaseFee:              fee,
		Preconditions:        txnbuild.Preconditions{TimeBounds: txnbuild.NewTimeout(int64(b.timeout / time.Second))},
	})
	if err != nil {
		return nil, fmt.Errorf("soroban: build transaction: %w", err)
	}
	return tx, nil
}
