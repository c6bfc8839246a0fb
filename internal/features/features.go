// Package features reduces an address's ledger history to the fixed metric
// vector the scorer consumes.
package features

import (
	"math"
	"time"

	"github.com/mbd888/risktier/internal/horizon"
)

// DefaultNonNativeRate converts non-native asset amounts into XLM-equivalent
// volume. It is a flat approximation, not a price feed.
const DefaultNonNativeRate = 0.1

// Night covers [22:00, 24:00) and [00:00, 06:59]; everything else is day.
const (
	nightStartHour = 22
	nightEndHour   = 6
)

// Metrics is the reduced feature vector for one analysis.
type Metrics struct {
	TotalVolume            float64 `json:"total_volume"`
	UniqueCounterparties   int     `json:"unique_counterparties"`
	AssetDiversity         int     `json:"asset_diversity"`
	NightDayRatio          float64 `json:"night_day_ratio"`
	TotalPayments          int     `json:"total_payments"`
	TotalTransactions      int     `json:"total_transactions"`
	AverageTransactionSize float64 `json:"average_transaction_size"`
}

// Extractor holds the reduction parameters. The zero value uses UTC and
// DefaultNonNativeRate.
type Extractor struct {
	Location      *time.Location
	NonNativeRate float64
}

// Reduce computes metrics for address from its payment records. An empty
// slice yields all-zero metrics.
func (e Extractor) Reduce(records []horizon.Record, address string) Metrics {
	rate := e.NonNativeRate
	if rate <= 0 {
		rate = DefaultNonNativeRate
	}

	var (
		volume         float64
		night, day     int
		counterparties = make(map[string]struct{})
		assets         = make(map[string]struct{})
	)
	for _, r := range records {
		if r.Native {
			volume += r.Amount
		} else {
			volume += r.Amount * rate
		}
		for _, cp := range r.Counterparties(address) {
			counterparties[cp] = struct{}{}
		}
		if r.AssetID != "" {
			assets[r.AssetID] = struct{}{}
		}
		if isNight(r.Hour(e.Location)) {
			night++
		} else {
			day++
		}
	}

	m := Metrics{
		TotalVolume:          round2(volume),
		UniqueCounterparties: len(counterparties),
		AssetDiversity:       len(assets),
		TotalPayments:        len(records),
	}
	if day > 0 {
		m.NightDayRatio = round2(float64(night) / float64(day))
	}
	if m.TotalPayments > 0 {
		m.AverageTransactionSize = round2(volume / float64(m.TotalPayments))
	}
	return m
}

// ReduceWindow reduces a fetched window, including its transaction count.
func (e Extractor) ReduceWindow(w *horizon.Window) Metrics {
	if w == nil {
		return Metrics{}
	}
	m := e.Reduce(w.Payments, w.Address)
	m.TotalTransactions = len(w.Transactions)
	return m
}

// Reduce uses the default extractor.
func Reduce(records []horizon.Record, address string) Metrics {
	return Extractor{}.Reduce(records, address)
}

func isNight(hour int) bool {
	return hour >= nightStartHour || hour <= nightEndHour
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Quality summarizes how much evidence an analysis rests on.
type Quality struct {
	Score         int  `json:"score"`
	IsGood        bool `json:"is_good"`
	NeedsMoreData bool `json:"needs_more_data"`
}

// AssessQuality awards 25 points each for: any payments, more than 10
// payments, more than 3 counterparties, more than one asset.
func AssessQuality(m Metrics) Quality {
	score := 0
	if m.TotalPayments > 10 {
		score += 25
	}
	if m.UniqueCounterparties > 3 {
		score += 25
	}
	if m.AssetDiversity > 1 {
		score += 25
	}
	if m.TotalPayments > 0 {
		score += 25
	}
	return Quality{
		Score:         score,
		IsGood:        score >= 75,
		NeedsMoreData: score < 50,
	}
}
