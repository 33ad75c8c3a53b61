package common

import (
	"context"
	"errors"
	"sync"
)

type fetchCall struct{ from, to uint64 }

// fakeSource is an in-memory chain. Logs live at fixed heights; moving or
// removing a transaction simulates a reorg.
type fakeSource struct {
	mu        sync.Mutex
	head      uint64
	logs      []Observation
	positions map[string]TxPosition
	headErr   error
	fetches   []fetchCall
}

func newFakeSource(head uint64) *fakeSource {
	return &fakeSource{head: head, positions: make(map[string]TxPosition)}
}

func (f *fakeSource) addLog(obs Observation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, obs)
	f.positions[obs.TxID] = TxPosition{Found: true, BlockNumber: obs.BlockNumber, BlockHash: obs.BlockHash}
}

func (f *fakeSource) setHead(h uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head = h
}

func (f *fakeSource) setPosition(txID string, pos TxPosition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions[txID] = pos
}

func (f *fakeSource) failHead(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.headErr = err
}

func (f *fakeSource) LatestHeight(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.headErr != nil {
		return 0, f.headErr
	}
	return f.head, nil
}

func (f *fakeSource) FetchEvents(_ context.Context, from, to uint64) ([]Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches = append(f.fetches, fetchCall{from, to})
	var out []Observation
	for _, l := range f.logs {
		if l.BlockNumber >= from && l.BlockNumber <= to {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeSource) TxPosition(_ context.Context, txID string) (TxPosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.headErr != nil {
		return TxPosition{}, f.headErr
	}
	return f.positions[txID], nil
}

var errRPCDown = errors.New("connection refused")
