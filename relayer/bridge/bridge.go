// Package bridge moves a confirmed request's payment from its origin chain
// to the settlement chain. Bridging is best effort: the workflow records
// the outcome but never fails a request because of it.
package bridge

import (
	"context"
	"errors"
	"time"

	"cosmossdk.io/math"
	"github.com/rs/zerolog"

	relayerrors "github.com/datahaven/dh-relay/relayer/errors"
	"github.com/datahaven/dh-relay/relayer/httpclient"
)

// ErrDisabled is returned by Noop.
var ErrDisabled = errors.New("payment bridge disabled")

// Transfer describes one payment to bridge.
type Transfer struct {
	RequestID string
	FromChain string
	ToChain   string
	Amount    string // base units, decimal
}

// Bridge withdraws a payment on its origin chain and bridges it.
type Bridge interface {
	// Transfer returns the bridge transfer reference.
	Transfer(ctx context.Context, t Transfer) (string, error)
}

type withdrawRequest struct {
	RequestID string `json:"request_id"`
	Chain     string `json:"chain"`
	Amount    string `json:"amount"`
}

type withdrawResponse struct {
	WithdrawalID string `json:"withdrawal_id"`
}

type transferRequest struct {
	RequestID    string `json:"request_id"`
	WithdrawalID string `json:"withdrawal_id"`
	FromChain    string `json:"from_chain"`
	ToChain      string `json:"to_chain"`
	Amount       string `json:"amount"`
}

type transferResponse struct {
	TransferID string `json:"transfer_id"`
}

// HTTPClient talks to the bridge service.
type HTTPClient struct {
	client *httpclient.Client
	logger zerolog.Logger
}

// NewHTTPClient creates a client for the bridge at baseURL.
func NewHTTPClient(baseURL string, timeout time.Duration, logger zerolog.Logger) *HTTPClient {
	return &HTTPClient{
		client: httpclient.New("bridge", baseURL, timeout, logger),
		logger: logger.With().Str("component", "bridge").Logger(),
	}
}

// Transfer withdraws then bridges. Both calls are keyed by request id.
func (c *HTTPClient) Transfer(ctx context.Context, t Transfer) (string, error) {
	amount, ok := math.NewIntFromString(t.Amount)
	if !ok || !amount.IsPositive() {
		return "", relayerrors.NewValidationError(t.FromChain, "bridge amount must be a positive integer")
	}

	var w withdrawResponse
	err := c.client.PostJSON(ctx, "/v1/withdraw", withdrawRequest{
		RequestID: t.RequestID,
		Chain:     t.FromChain,
		Amount:    amount.String(),
	}, &w)
	if err != nil {
		return "", err
	}
	if w.WithdrawalID == "" {
		return "", relayerrors.NewRPCError(t.FromChain, "bridge returned no withdrawal id", nil)
	}

	var tr transferResponse
	err = c.client.PostJSON(ctx, "/v1/transfers", transferRequest{
		RequestID:    t.RequestID,
		WithdrawalID: w.WithdrawalID,
		FromChain:    t.FromChain,
		ToChain:      t.ToChain,
		Amount:       amount.String(),
	}, &tr)
	if err != nil {
		return "", err
	}
	if tr.TransferID == "" {
		return "", relayerrors.NewRPCError(t.FromChain, "bridge returned no transfer id", nil)
	}

	c.logger.Info().
		Str("request_id", t.RequestID).
		Str("from", t.FromChain).
		Str("to", t.ToChain).
		Str("transfer_id", tr.TransferID).
		Msg("payment bridged")
	return tr.TransferID, nil
}

// Noop is used when no bridge is configured.
type Noop struct{}

func (Noop) Transfer(context.Context, Transfer) (string, error) { return "", ErrDisabled }
