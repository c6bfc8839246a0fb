// Package signer defines the signing boundary of the commit pipeline. The
// pipeline hands an unsigned transaction envelope to a Signer and gets a
// signed envelope back; where the key lives is the signer's business.
package signer

import (
	"context"
	"errors"
	"fmt"

	"github.com/stellar/go/keypair"
	"github.com/stellar/go/txnbuild"
)

// ErrUserCancelled is returned when the key holder declines to sign. It is
// a normal outcome, not a failure of the pipeline.
var ErrUserCancelled = errors.New("signer: user cancelled")

// Signer signs a base64 transaction envelope and returns the signed
// envelope, also base64.
type Signer interface {
	Sign(ctx context.Context, txXDR string) (string, error)
}

// Func adapts a function to Signer.
type Func func(ctx context.Context, txXDR string) (string, error)

func (f Func) Sign(ctx context.Context, txXDR string) (string, error) { return f(ctx, txXDR) }

// KeypairSigner signs with a secret seed held by the server.
type KeypairSigner struct {
	kp         *keypair.Full
	passphrase string
}

// NewKeypairSigner parses seed (S...) for the given network.
func NewKeypairSigner(seed, passphrase string) (*KeypairSigner, error) {
	kp, err := keypair.ParseFull(seed)
	if err != nil {
		return nil, fmt.Errorf("signer: parse seed: %w", err)
	}
	return &KeypairSigner{kp: kp, passphrase: passphrase}, nil
}

// Address is the account the signer signs for.
func (s *KeypairSigner) Address() string { return s.kp.Address() }

// Sign adds the keypair's signature to the envelope.
func (s *KeypairSigner) Sign(ctx context.Context, txXDR string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	gtx, err := txnbuild.TransactionFromXDR(txXDR)
	if err != nil {
		return "", fmt.Errorf("signer: decode envelope: %w", err)
	}
	tx, ok := gtx.Transaction()
	if !ok {
		return "", errors.New("signer: fee-bump envelopes are not supported")
	}
	if tx.SourceAccount().AccountID != s.kp.Address() {
		return "", fmt.Errorf("signer: envelope source %s is not %s", tx.SourceAccount().AccountID, s.kp.Address())
	}
	signed, err := tx.Sign(s.passphrase, s.kp)
	if err != nil {
		return "", fmt.Errorf("signer: sign: %w", err)
	}
	return signed.Base64()
}
