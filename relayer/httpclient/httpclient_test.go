package httpclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	relayerrors "github.com/datahaven/dh-relay/relayer/errors"
)

func TestPostJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/echo", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		_ = json.NewEncoder(w).Encode(map[string]string{"echo": in["msg"]})
	}))
	defer srv.Close()

	c := New("echo", srv.URL+"/", time.Second, zerolog.Nop())
	var out struct {
		Echo string `json:"echo"`
	}
	require.NoError(t, c.PostJSON(context.Background(), "/v1/echo", map[string]string{"msg": "hi"}, &out))
	assert.Equal(t, "hi", out.Echo)
}

func TestPostJSONErrorClasses(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		terminal bool
	}{
		{"bad request is terminal", http.StatusBadRequest, true},
		{"conflict is terminal", http.StatusConflict, true},
		{"rate limit is transient", http.StatusTooManyRequests, false},
		{"server error is transient", http.StatusBadGateway, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			err := New("svc", srv.URL, time.Second, zerolog.Nop()).PostJSON(context.Background(), "/", struct{}{}, nil)
			require.Error(t, err)
			assert.Equal(t, tt.terminal, relayerrors.IsTerminal(err))
			assert.Contains(t, err.Error(), "nope")
		})
	}
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New("svc", srv.URL, time.Second, zerolog.Nop())
	for i := 0; i < 5; i++ {
		require.Error(t, c.PostJSON(context.Background(), "/", struct{}{}, nil))
	}
	err := c.PostJSON(context.Background(), "/", struct{}{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "svc unavailable")
	assert.False(t, relayerrors.IsTerminal(err))
	assert.Equal(t, int32(5), hits.Load())
}

func TestRejectionsDoNotTripBreaker(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := New("svc", srv.URL, time.Second, zerolog.Nop())
	for i := 0; i < 8; i++ {
		_ = c.PostJSON(context.Background(), "/", struct{}{}, nil)
	}
	assert.Equal(t, int32(8), hits.Load())
}
