// Package fees computes storage fee estimates from the fixed schedule.
package fees

import (
	"fmt"

	"cosmossdk.io/math"

	"github.com/datahaven/dh-relay/relayer/config"
)

// Schedule is the fee schedule in base units.
type Schedule struct {
	PerByteRate math.Int
	Epochs      uint64
	FixedFee    math.Int
}

// Estimate is the quoted cost of storing a blob.
type Estimate struct {
	SizeBytes   uint64 `json:"size_bytes" yaml:"size_bytes"`
	StorageCost string `json:"storage_cost" yaml:"storage_cost"`
	FixedFee    string `json:"fixed_fee" yaml:"fixed_fee"`
	Total       string `json:"total" yaml:"total"`
}

// ScheduleFrom parses the configured fee schedule.
func ScheduleFrom(cfg config.FeeConfig) (Schedule, error) {
	rate, err := parseAmount("per_byte_rate", cfg.PerByteRate)
	if err != nil {
		return Schedule{}, err
	}
	fixed, err := parseAmount("fixed_fee", cfg.FixedFee)
	if err != nil {
		return Schedule{}, err
	}
	if cfg.Epochs == 0 {
		return Schedule{}, fmt.Errorf("fees.epochs must be positive")
	}
	return Schedule{PerByteRate: rate, Epochs: cfg.Epochs, FixedFee: fixed}, nil
}

// Estimate returns size * rate * epochs plus the fixed fee.
func (s Schedule) Estimate(sizeBytes uint64) Estimate {
	storage := math.NewIntFromUint64(sizeBytes).
		Mul(s.PerByteRate).
		Mul(math.NewIntFromUint64(s.Epochs))
	return Estimate{
		SizeBytes:   sizeBytes,
		StorageCost: storage.String(),
		FixedFee:    s.FixedFee.String(),
		Total:       storage.Add(s.FixedFee).String(),
	}
}

func parseAmount(name, s string) (math.Int, error) {
	if s == "" {
		return math.ZeroInt(), nil
	}
	v, ok := math.NewIntFromString(s)
	if !ok || v.IsNegative() {
		return math.Int{}, fmt.Errorf("fees.%s must be a non-negative integer, got %q", name, s)
	}
	return v, nil
}
