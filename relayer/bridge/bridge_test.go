package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClientTransfer(t *testing.T) {
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.URL.Path)
		switch r.URL.Path {
		case "/v1/withdraw":
			var req withdrawRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "2500000", req.Amount)
			assert.Equal(t, "solana:devnet", req.Chain)
			_ = json.NewEncoder(w).Encode(withdrawResponse{WithdrawalID: "w1"})
		case "/v1/transfers":
			var req transferRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "w1", req.WithdrawalID)
			assert.Equal(t, "eip155:1", req.ToChain)
			_ = json.NewEncoder(w).Encode(transferResponse{TransferID: "x1"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ref, err := NewHTTPClient(srv.URL, time.Second, zerolog.Nop()).Transfer(context.Background(), Transfer{
		RequestID: "r1",
		FromChain: "solana:devnet",
		ToChain:   "eip155:1",
		Amount:    "2500000",
	})
	require.NoError(t, err)
	assert.Equal(t, "x1", ref)
	assert.Equal(t, []string{"/v1/withdraw", "/v1/transfers"}, calls)
}

func TestHTTPClientStopsAfterFailedWithdraw(t *testing.T) {
	var transfers int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/transfers" {
			transfers++
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTPClient(srv.URL, time.Second, zerolog.Nop()).Transfer(context.Background(), Transfer{
		RequestID: "r1", FromChain: "a", ToChain: "b", Amount: "1",
	})
	require.Error(t, err)
	assert.Zero(t, transfers)
}

func TestHTTPClientRejectsBadAmount(t *testing.T) {
	c := NewHTTPClient("http://127.0.0.1:0", time.Second, zerolog.Nop())
	for _, amount := range []string{"", "-5", "0", "1.5"} {
		_, err := c.Transfer(context.Background(), Transfer{RequestID: "r1", Amount: amount})
		assert.Error(t, err, amount)
	}
}

func TestNoop(t *testing.T) {
	_, err := Noop{}.Transfer(context.Background(), Transfer{})
	assert.ErrorIs(t, err, ErrDisabled)
}
