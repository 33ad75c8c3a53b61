package common

import (
	"context"
	"fmt"
	"sync"

	"github.com/datahaven/dh-relay/relayer/config"
)

// ChainClient is one configured origin chain: its watcher plus the
// writeback adapter for results.
type ChainClient interface {
	// ChainID returns the CAIP-2 format chain identifier
	ChainID() string

	// Kind returns the chain family.
	Kind() config.ChainKind

	// Start begins watching the chain and sending final events to out.
	Start(ctx context.Context, out chan<- *ChainEvent) error

	// Stop gracefully shuts down the chain client
	Stop() error

	// IsHealthy reports whether the watcher polled successfully recently.
	IsHealthy() bool

	// Writeback returns the adapter that submits results to this chain.
	Writeback() Writeback
}

// BaseChainClient provides the watcher lifecycle shared by all chain
// implementations.
type BaseChainClient struct {
	chainID   string
	kind      config.ChainKind
	watcher   *Watcher
	writeback Writeback
	closer    func()

	mu      sync.Mutex
	started bool
}

// NewBaseChainClient creates a base client. closer, if set, runs on Stop
// after the watcher has exited.
func NewBaseChainClient(chainID string, kind config.ChainKind, watcher *Watcher, writeback Writeback, closer func()) *BaseChainClient {
	return &BaseChainClient{
		chainID:   chainID,
		kind:      kind,
		watcher:   watcher,
		writeback: writeback,
		closer:    closer,
	}
}

// ChainID returns the CAIP-2 format chain identifier
func (b *BaseChainClient) ChainID() string { return b.chainID }

func (b *BaseChainClient) Kind() config.ChainKind { return b.kind }

func (b *BaseChainClient) Writeback() Writeback { return b.writeback }

func (b *BaseChainClient) Start(ctx context.Context, out chan<- *ChainEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return fmt.Errorf("chain client %s already started", b.chainID)
	}
	if b.watcher == nil {
		return fmt.Errorf("chain client %s has no watcher", b.chainID)
	}
	b.watcher.Start(ctx, out)
	b.started = true
	return nil
}

func (b *BaseChainClient) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.watcher != nil {
		b.watcher.Stop()
	}
	if b.closer != nil {
		b.closer()
		b.closer = nil
	}
	b.started = false
	return nil
}

func (b *BaseChainClient) IsHealthy() bool {
	if b.watcher == nil {
		return false
	}
	return b.watcher.IsHealthy()
}
