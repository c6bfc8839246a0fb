// Package soroban builds and submits the risk-tier contract invocation:
// construct an InvokeHostFunction transaction, simulate it, attach the
// resource footprint, and track submission status over Soroban RPC.
package soroban

import (
	"errors"
	"fmt"

	"github.com/stellar/go/strkey"
	"github.com/stellar/go/xdr"
)

// Contract methods.
const (
	MethodSetRiskTier = "set_risk_tier"
	MethodSetScore    = "set_score"
)

// Submission statuses returned by sendTransaction.
const (
	SendPending       = "PENDING"
	SendDuplicate     = "DUPLICATE"
	SendTryAgainLater = "TRY_AGAIN_LATER"
	SendError         = "ERROR"
)

// Confirmation statuses returned by getTransaction.
const (
	TxSuccess  = "SUCCESS"
	TxFailed   = "FAILED"
	TxNotFound = "NOT_FOUND"
)

// ErrUnsupportedMethod is returned for a contract method this package
// cannot encode arguments for.
var ErrUnsupportedMethod = errors.New("soroban: unsupported contract method")

// Invocation is one risk-tier write.
type Invocation struct {
	ContractID string
	Method     string
	Address    string
	Score      uint32
	Tier       string
	ChosenTier string
}

// Args encodes the positional contract arguments:
//
//	set_risk_tier(user: Address, score: u32, tier: Symbol, chosen_tier: Symbol)
//	set_score(user: Address, score: u32)
func (inv Invocation) Args() ([]xdr.ScVal, error) {
	user, err := AccountAddress(inv.Address)
	if err != nil {
		return nil, err
	}
	args := []xdr.ScVal{AddressVal(user), U32Val(inv.Score)}
	switch inv.Method {
	case MethodSetRiskTier:
		return append(args, SymbolVal(inv.Tier), SymbolVal(inv.ChosenTier)), nil
	case MethodSetScore:
		return args, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMethod, inv.Method)
	}
}

// HostFunction returns the invoke-contract host function for inv.
func (inv Invocation) HostFunction() (xdr.HostFunction, error) {
	contract, err := ContractAddress(inv.ContractID)
	if err != nil {
		return xdr.HostFunction{}, err
	}
	args, err := inv.Args()
	if err != nil {
		return xdr.HostFunction{}, err
	}
	return xdr.HostFunction{
		Type: xdr.HostFunctionTypeHostFunctionTypeInvokeContract,
		InvokeContract: &xdr.InvokeContractArgs{
			ContractAddress: contract,
			FunctionName:    xdr.ScSymbol(inv.Method),
			Args:            args,
		},
	}, nil
}

// ContractAddress decodes a C... strkey.
func ContractAddress(id string) (xdr.ScAddress, error) {
	raw, err := strkey.Decode(strkey.VersionByteContract, id)
	if err != nil {
		return xdr.ScAddress{}, fmt.Errorf("soroban: contract id: %w", err)
	}
	var cid xdr.ContractId
	copy(cid[:], raw)
	return xdr.ScAddress{Type: xdr.ScAddressTypeScAddressTypeContract, ContractId: &cid}, nil
}

// AccountAddress decodes a G... strkey.
func AccountAddress(addr string) (xdr.ScAddress, error) {
	var aid xdr.AccountId
	if err := aid.SetAddress(addr); err != nil {
		return xdr.ScAddress{}, fmt.Errorf("soroban: account address: %w", err)
	}
	return xdr.ScAddress{Type: xdr.ScAddressTypeScAddressTypeAccount, AccountId: &aid}, nil
}

func AddressVal(a xdr.ScAddress) xdr.ScVal {
	return xdr.ScVal{Type: xdr.ScValTypeScvAddress, Address: &a}
}

func U32Val(v uint32) xdr.ScVal {
	u := xdr.Uint32(v)
	return xdr.ScVal{Type: xdr.ScValTypeScvU32, U32: &u}
}

func SymbolVal(s string) xdr.ScVal {
	sym := xdr.ScSymbol(s)
	return xdr.ScVal{Type: xdr.ScValTypeScvSymbol, Sym: &sym}
}

// RPCError is a failed RPC call. Err carries the cause; Transient reports
// whether it is worth retrying or falling back rather than giving up.
type RPCError struct {
	Op        string
	Err       error
	transient bool
}

func (e *RPCError) Error() string   { return fmt.Sprintf("soroban rpc %s: %v", e.Op, e.Err) }
func (e *RPCError) Unwrap() error   { return e.Err }
func (e *RPCError) Transient() bool { return e.transient }

// SimulationError is a well-formed simulation that reported a contract or
// host error. It is terminal.
type SimulationError struct {
	Message string
}

func (e *SimulationError) Error() string { return "soroban: simulation failed: " + e.Message }
