package common

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/datahaven/dh-relay/relayer/config"
)

func TestConfirmations(t *testing.T) {
	assert.Equal(t, uint64(1), Confirmations(100, 100))
	assert.Equal(t, uint64(12), Confirmations(111, 100))
	assert.Equal(t, uint64(0), Confirmations(99, 100))
}

func TestFinalityPolicy_IsFinal(t *testing.T) {
	tests := []struct {
		name          string
		required      uint64
		confirmations uint64
		want          bool
	}{
		{"below threshold", 12, 11, false},
		{"at threshold", 12, 12, true},
		{"above threshold", 12, 40, true},
		{"immediate finality", 0, 0, true},
		{"single confirmation", 1, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := FinalityPolicy{Confirmations: tt.required}
			assert.Equal(t, tt.want, p.IsFinal(tt.confirmations))
		})
	}
}

func TestPoliciesFromConfig(t *testing.T) {
	depth := uint64(2)
	wait := 60
	cfg := &config.Config{ChainConfigs: map[string]config.ChainSpecificConfig{
		"eip155:1":   {Kind: config.ChainKindEVM},
		"solana:dev": {Kind: config.ChainKindSVM, Confirmations: &depth, MaxFinalityWaitSeconds: &wait},
	}}

	policies := PoliciesFromConfig(cfg)
	assert.Equal(t, uint64(12), policies["eip155:1"].Confirmations)
	assert.Equal(t, uint64(2), policies["solana:dev"].Confirmations)
	assert.Equal(t, time.Minute, policies["solana:dev"].MaxWait)

	assert.False(t, policies.IsFinal("eip155:1", 11))
	assert.True(t, policies.IsFinal("eip155:1", 12))
	assert.True(t, policies.IsFinal("solana:dev", 2))
	assert.False(t, policies.IsFinal("eip155:999", 1000))
}
