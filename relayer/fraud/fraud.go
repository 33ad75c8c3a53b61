// Package fraud is the gate every request passes before any work is done
// for it. It answers reject or accept with a reason; it does not score.
package fraud

import (
	"context"
	"strings"
	"time"

	"cosmossdk.io/math"
	"github.com/rs/zerolog"

	"github.com/datahaven/dh-relay/relayer/config"
	relayerrors "github.com/datahaven/dh-relay/relayer/errors"
	"github.com/datahaven/dh-relay/relayer/requests"
	"github.com/datahaven/dh-relay/relayer/store"
)

// Rejection reasons.
const (
	ReasonDuplicate           = "duplicate request"
	ReasonInsufficientPayment = "insufficient payment"
	ReasonBlocked             = "blocked address"
)

// DefaultMinPayment is the smallest payment the storage program accepts,
// in base units.
const DefaultMinPayment = 1_000_000

// Verdict is the gate's answer.
type Verdict struct {
	Reject bool
	Reason string
}

func accept() Verdict { return Verdict{} }

func reject(reason string) Verdict { return Verdict{Reject: true, Reason: reason} }

// Gate applies the fraud rules.
type Gate struct {
	requests   *requests.Store
	window     time.Duration
	minPayment math.Int
	blocked    map[string]bool
	logger     zerolog.Logger
}

// NewGate builds a gate from cfg.
func NewGate(reqs *requests.Store, cfg config.FraudConfig, logger zerolog.Logger) (*Gate, error) {
	minPayment := math.NewInt(DefaultMinPayment)
	if cfg.MinPayment != "" {
		v, ok := math.NewIntFromString(cfg.MinPayment)
		if !ok || v.IsNegative() {
			return nil, relayerrors.NewConfigError("", "fraud.min_payment must be a non-negative integer")
		}
		minPayment = v
	}
	window := time.Duration(cfg.DuplicateWindowSeconds) * time.Second
	if window <= 0 {
		window = 24 * time.Hour
	}
	blocked := make(map[string]bool, len(cfg.BlockedAddresses))
	for _, addr := range cfg.BlockedAddresses {
		blocked[NormalizeAddress(addr)] = true
	}
	return &Gate{
		requests:   reqs,
		window:     window,
		minPayment: minPayment,
		blocked:    blocked,
		logger:     logger.With().Str("component", "fraud_gate").Logger(),
	}, nil
}

// CheckStorage decides on a storage request.
func (g *Gate) CheckStorage(ctx context.Context, req *store.StorageRequest) (Verdict, error) {
	payment, ok := math.NewIntFromString(req.PaymentAmount)
	if !ok || payment.LT(g.minPayment) {
		return g.rejected("storage", req.RequestID, ReasonInsufficientPayment), nil
	}
	if g.blocked[NormalizeAddress(req.User)] {
		return g.rejected("storage", req.RequestID, ReasonBlocked), nil
	}

	prior, err := g.requests.PriorActive(ctx, req, req.CreatedAt.Add(-g.window))
	if err != nil {
		return Verdict{}, err
	}
	if prior != nil {
		g.logger.Debug().Str("request_id", req.RequestID).Str("prior_request_id", prior.RequestID).Msg("same data hash already requested")
		return g.rejected("storage", req.RequestID, ReasonDuplicate), nil
	}
	return accept(), nil
}

// CheckRetrieval decides on a retrieval request.
func (g *Gate) CheckRetrieval(ctx context.Context, req *store.RetrievalRequest) (Verdict, error) {
	if g.blocked[NormalizeAddress(req.Accessor)] {
		return g.rejected("retrieval", req.RetrievalID, ReasonBlocked), nil
	}
	return accept(), nil
}

func (g *Gate) rejected(kind, id, reason string) Verdict {
	g.logger.Info().Str("kind", kind).Str("id", id).Str("reason", reason).Msg("request rejected")
	return reject(reason)
}

// NormalizeAddress lowercases hex addresses. Base58 keys are case-sensitive
// and returned as is.
func NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(addr, "0x") || strings.HasPrefix(addr, "0X") {
		return strings.ToLower(addr)
	}
	return addr
}
