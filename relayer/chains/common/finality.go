package common

import (
	"time"

	"github.com/datahaven/dh-relay/relayer/config"
)

// FinalityPolicy decides when an observed event is irreversible.
type FinalityPolicy struct {
	Confirmations uint64        // required depth; 0 means final on inclusion
	PollInterval  time.Duration // how often the watcher re-checks
	MaxWait       time.Duration // age after which a waiting observation is re-verified and reported
}

// PolicyFromConfig builds the policy for one chain.
func PolicyFromConfig(cfg config.ChainSpecificConfig) FinalityPolicy {
	return FinalityPolicy{
		Confirmations: cfg.RequiredConfirmations(),
		PollInterval:  cfg.PollInterval(),
		MaxWait:       cfg.MaxFinalityWait(),
	}
}

// IsFinal reports whether the observed confirmation count meets the policy.
func (p FinalityPolicy) IsFinal(confirmations uint64) bool {
	if p.Confirmations == 0 {
		return true
	}
	return confirmations >= p.Confirmations
}

// Confirmations counts the inclusion block itself, so an event in the head
// block has one confirmation.
func Confirmations(head, height uint64) uint64 {
	if head < height {
		return 0
	}
	return head - height + 1
}

// Policies maps chain id to its finality policy.
type Policies map[string]FinalityPolicy

// PoliciesFromConfig builds a policy per configured chain.
func PoliciesFromConfig(cfg *config.Config) Policies {
	policies := make(Policies, len(cfg.ChainConfigs))
	for chainID, chainCfg := range cfg.ChainConfigs {
		policies[chainID] = PolicyFromConfig(chainCfg)
	}
	return policies
}

// IsFinal answers for a chain. Unknown chains are never final.
func (p Policies) IsFinal(chain string, confirmations uint64) bool {
	policy, ok := p[chain]
	if !ok {
		return false
	}
	return policy.IsFinal(confirmations)
}
