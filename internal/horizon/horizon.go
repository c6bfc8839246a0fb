// Package horizon ingests an address's recent payment and transaction
// history from a Horizon ledger API, bounded by a time window and a
// record cap.
package horizon

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrAccountNotFound is returned by LoadAccount when Horizon has no such
// account (never funded or merged).
var ErrAccountNotFound = errors.New("horizon: account not found")

// NativeAsset is the asset id used for lumens.
const NativeAsset = "XLM"

// Record is one payment-like operation touching the address. It is
// immutable once decoded.
type Record struct {
	ID          string    `json:"id"`
	PagingToken string    `json:"paging_token"`
	Type        string    `json:"type"`
	TxHash      string    `json:"tx_hash"`
	CreatedAt   time.Time `json:"created_at"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	AssetID     string    `json:"asset_id"`
	Native      bool      `json:"native"`
	Amount      float64   `json:"amount"`
	Successful  bool      `json:"successful"`
}

// Hour returns the hour of day the record was created in loc (UTC when nil).
func (r Record) Hour(loc *time.Location) int {
	if loc == nil {
		loc = time.UTC
	}
	return r.CreatedAt.In(loc).Hour()
}

// Counterparties returns the non-self participants of the record.
func (r Record) Counterparties(self string) []string {
	var out []string
	for _, a := range []string{r.From, r.To} {
		if a != "" && a != self {
			out = append(out, a)
		}
	}
	return out
}

// Transaction is a summary of one transaction sourced or touched by the
// address.
type Transaction struct {
	ID             string    `json:"id"`
	Hash           string    `json:"hash"`
	CreatedAt      time.Time `json:"created_at"`
	SourceAccount  string    `json:"source_account"`
	Successful     bool      `json:"successful"`
	OperationCount int       `json:"operation_count"`
	FeeCharged     int64     `json:"fee_charged"`
}

// Window is the result of a bounded fetch.
type Window struct {
	Address      string        `json:"address"`
	Days         int           `json:"days"`
	Since        time.Time     `json:"since"`
	Payments     []Record      `json:"payments"`
	Transactions []Transaction `json:"transactions"`

	// Truncated is set when ingestion stopped early because of the record
	// cap or a failed page. The records present are still valid.
	Truncated bool `json:"truncated"`
}

// Account is the subset of an account needed to build a transaction.
type Account struct {
	ID       string `json:"id"`
	Sequence int64  `json:"sequence"`
}

// HTTPError is a non-2xx response from Horizon.
type HTTPError struct {
	StatusCode int
	URL        string
	Detail     string
}

func (e *HTTPError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("horizon: %s returned %d: %s", e.URL, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("horizon: %s returned %d", e.URL, e.StatusCode)
}

// Transient reports whether retrying later could succeed.
func (e *HTTPError) Transient() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// assetID maps Horizon asset fields to the identifier used for diversity.
func assetID(assetType, assetCode string) (string, bool) {
	code := strings.TrimSpace(assetCode)
	if assetType == "native" || code == "" {
		return NativeAsset, true
	}
	return code, code == NativeAsset
}
