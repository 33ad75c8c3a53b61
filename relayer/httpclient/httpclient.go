// Package httpclient is the JSON-over-HTTP transport shared by the
// external collaborator clients. Calls go through a circuit breaker so a
// dead service fails fast instead of tying up job workers.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	relayerrors "github.com/datahaven/dh-relay/relayer/errors"
)

const maxErrorBody = 4096

// Client posts JSON to one service.
type Client struct {
	name    string
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
}

// New creates a client for the service at baseURL.
func New(name, baseURL string, timeout time.Duration, logger zerolog.Logger) *Client {
	log := logger.With().Str("component", name+"_client").Logger()
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// a rejected request is the service working as intended
		IsSuccessful: func(err error) bool {
			return err == nil || relayerrors.IsTerminal(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	}
	return &Client{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  log,
	}
}

// PostJSON sends in to path and decodes the response into out. A 4xx
// response is terminal and carries the service's message verbatim; network
// errors, 5xx and an open breaker are transient.
func (c *Client) PostJSON(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return relayerrors.NewValidationError("", fmt.Sprintf("encode %s request: %v", c.name, err))
	}

	_, err = c.breaker.Execute(func() (interface{}, error) {
		return nil, c.do(ctx, path, body, out)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return relayerrors.NewNetworkError("", c.name+" unavailable", err)
	}
	return err
}

func (c *Client) do(ctx context.Context, path string, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return relayerrors.NewConfigError("", fmt.Sprintf("build %s request: %v", c.name, err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return relayerrors.NewNetworkError("", c.name+" request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		text := strings.TrimSpace(string(msg))
		c.logger.Debug().Int("status", resp.StatusCode).Str("path", path).Str("body", text).Msg("service returned error")
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return relayerrors.NewTerminalError(fmt.Sprintf("%s rejected request: %s", c.name, text), nil)
		}
		return relayerrors.NewRPCError("", fmt.Sprintf("%s returned %d: %s", c.name, resp.StatusCode, text), nil)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return relayerrors.NewRPCError("", "decode "+c.name+" response", err)
	}
	return nil
}
