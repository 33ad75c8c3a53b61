package common

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	relayerrors "github.com/datahaven/dh-relay/relayer/errors"
	"github.com/datahaven/dh-relay/relayer/metrics"
)

// pendingBatch bounds how many observations one poll re-verifies.
const pendingBatch = 500

// WatcherConfig holds per-chain watcher settings.
type WatcherConfig struct {
	ChainID        string
	Policy         FinalityPolicy
	BatchSize      uint64        // blocks per FetchEvents call
	StartFrom      *int64        // first block on a fresh database; nil or negative means head
	UnhealthyAfter time.Duration // report unhealthy after this long without a good poll
}

// Watcher turns a chain Source into a stream of final ChainEvents. It keeps
// its cursor and pending observations in the chain's database, so a restart
// resumes where it stopped. Sends on the output channel block: a slow
// consumer slows the watcher down instead of losing events. A final event
// stays pending until the consumer acks it, so an event sent but never
// admitted is emitted again after a restart.
type Watcher struct {
	cfg    WatcherConfig
	source Source
	store  *ChainStore
	logger zerolog.Logger
	now    func() time.Time

	initialized bool
	lastSuccess atomic.Int64 // unix nanos
	failures    int

	inFlight sync.Map // event id -> struct{}, sent and not yet acked

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWatcher creates a watcher for one chain.
func NewWatcher(cfg WatcherConfig, source Source, chainStore *ChainStore, logger zerolog.Logger) *Watcher {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 1000
	}
	if cfg.Policy.PollInterval <= 0 {
		cfg.Policy.PollInterval = 5 * time.Second
	}
	if cfg.UnhealthyAfter <= 0 {
		cfg.UnhealthyAfter = 2 * time.Minute
	}
	return &Watcher{
		cfg:    cfg,
		source: source,
		store:  chainStore,
		logger: logger.With().Str("component", "chain_watcher").Str("chain", cfg.ChainID).Logger(),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
}

// Start launches the polling loop. Events are sent on out until ctx is
// cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context, out chan<- *ChainEvent) {
	w.lastSuccess.Store(w.now().UnixNano())
	metrics.WatcherHealthy.WithLabelValues(w.cfg.ChainID).Set(1)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx, out)
	}()

	w.logger.Info().
		Uint64("confirmations", w.cfg.Policy.Confirmations).
		Dur("poll_interval", w.cfg.Policy.PollInterval).
		Msg("chain watcher started")
}

// Stop halts the loop and waits for it to exit. An event blocked on the
// output channel, or sent but not yet acked, is still pending and is
// emitted again after restart.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// IsHealthy reports whether the watcher polled its chain successfully
// within the health window.
func (w *Watcher) IsHealthy() bool {
	last := time.Unix(0, w.lastSuccess.Load())
	return w.now().Sub(last) < w.cfg.UnhealthyAfter
}

func (w *Watcher) run(ctx context.Context, out chan<- *ChainEvent) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-timer.C:
		}

		delay := w.cfg.Policy.PollInterval
		if err := w.poll(ctx, out); err != nil {
			if ctx.Err() != nil || w.stopping() {
				return
			}
			w.failures++
			delay = relayerrors.ExponentialBackoff(w.failures, w.cfg.Policy.PollInterval, 20*w.cfg.Policy.PollInterval)
			w.logger.Warn().
				Err(err).
				Int("consecutive_failures", w.failures).
				Dur("retry_in", delay).
				Msg("poll failed")
		} else {
			w.failures = 0
			w.lastSuccess.Store(w.now().UnixNano())
		}

		healthy := w.IsHealthy()
		metrics.WatcherHealthy.WithLabelValues(w.cfg.ChainID).Set(metrics.BoolGauge(healthy))
		if !healthy {
			w.logger.Error().Msg("chain unreachable beyond health window, still retrying")
		}
		timer.Reset(delay)
	}
}

func (w *Watcher) stopping() bool {
	select {
	case <-w.stopCh:
		return true
	default:
		return false
	}
}

// poll runs one scan-and-verify pass.
func (w *Watcher) poll(ctx context.Context, out chan<- *ChainEvent) error {
	head, err := w.source.LatestHeight(ctx)
	if err != nil {
		return err
	}

	if !w.initialized {
		if err := w.initCursor(head); err != nil {
			return err
		}
		w.initialized = true
	}

	if err := w.scan(ctx, head); err != nil {
		return err
	}
	return w.settle(ctx, head, out)
}

func (w *Watcher) initCursor(head uint64) error {
	_, ok, err := w.store.GetCursor()
	if err != nil || ok {
		return err
	}

	cursor := head
	if w.cfg.StartFrom != nil && *w.cfg.StartFrom >= 0 {
		start := uint64(*w.cfg.StartFrom)
		if start > 0 {
			cursor = start - 1
		} else {
			cursor = 0
		}
	}
	w.logger.Info().Uint64("cursor", cursor).Msg("initialised scan cursor")
	return w.store.UpdateCursor(cursor)
}

// scan records every intent log between the cursor and head as pending.
func (w *Watcher) scan(ctx context.Context, head uint64) error {
	cursor, _, err := w.store.GetCursor()
	if err != nil {
		return err
	}

	for from := cursor + 1; from <= head; {
		to := from + w.cfg.BatchSize - 1
		if to > head {
			to = head
		}

		observations, err := w.source.FetchEvents(ctx, from, to)
		if err != nil {
			return err
		}
		for _, obs := range observations {
			if err := w.store.UpsertPending(obs, w.now()); err != nil {
				return err
			}
			metrics.EventsObserved.WithLabelValues(w.cfg.ChainID, string(obs.Kind)).Inc()
			w.logger.Debug().
				Str("event_id", obs.EventID).
				Str("kind", string(obs.Kind)).
				Uint64("block", obs.BlockNumber).
				Msg("observed intent log")
		}
		if err := w.store.UpdateCursor(to); err != nil {
			return err
		}
		from = to + 1
	}
	return nil
}

// settle re-verifies every pending observation, drops the ones that left
// their recorded position and emits the ones that are final.
func (w *Watcher) settle(ctx context.Context, head uint64, out chan<- *ChainEvent) error {
	pending, err := w.store.ListPending(pendingBatch)
	if err != nil {
		return err
	}

	for _, p := range pending {
		if _, sent := w.inFlight.Load(p.EventID); sent {
			continue
		}

		pos, err := w.source.TxPosition(ctx, p.TxID)
		if err != nil {
			return err
		}

		if !pos.Found || pos.BlockNumber != p.BlockNumber || (p.BlockHash != "" && pos.BlockHash != "" && pos.BlockHash != p.BlockHash) {
			if err := w.store.DeletePending(p.EventID); err != nil {
				return err
			}
			metrics.EventsDropped.WithLabelValues(w.cfg.ChainID).Inc()
			w.logger.Info().
				Str("event_id", p.EventID).
				Str("tx_id", p.TxID).
				Uint64("recorded_block", p.BlockNumber).
				Bool("still_on_chain", pos.Found).
				Msg("observation dropped: transaction left its recorded position")

			// A transaction re-included below the cursor would otherwise
			// never be scanned again.
			if pos.Found && pos.BlockNumber > 0 {
				if err := w.store.RewindCursor(pos.BlockNumber - 1); err != nil {
					return err
				}
			}
			continue
		}

		confirmations := Confirmations(head, p.BlockNumber)
		if !w.cfg.Policy.IsFinal(confirmations) {
			if w.cfg.Policy.MaxWait > 0 && p.WarnedAt == nil && w.now().Sub(p.ObservedAt) > w.cfg.Policy.MaxWait {
				w.logger.Warn().
					Str("event_id", p.EventID).
					Uint64("confirmations", confirmations).
					Uint64("required", w.cfg.Policy.Confirmations).
					Dur("waiting", w.now().Sub(p.ObservedAt)).
					Msg("finality wait exceeded, transaction still present")
				if err := w.store.MarkWarned(p.EventID, w.now()); err != nil {
					return err
				}
			}
			continue
		}

		event := &ChainEvent{
			Chain:         w.cfg.ChainID,
			EventID:       p.EventID,
			Kind:          EventKind(p.Kind),
			TxID:          p.TxID,
			Payload:       p.Payload,
			ObservedAt:    p.ObservedAt,
			FinalityBlock: p.BlockNumber,
		}
		event.SetAck(w.acker(p.EventID))

		w.inFlight.Store(p.EventID, struct{}{})
		select {
		case out <- event:
		case <-ctx.Done():
			w.inFlight.Delete(p.EventID)
			return ctx.Err()
		case <-w.stopCh:
			w.inFlight.Delete(p.EventID)
			return nil
		}

		metrics.EventsEmitted.WithLabelValues(w.cfg.ChainID).Inc()
		w.logger.Info().
			Str("event_id", p.EventID).
			Str("kind", p.Kind).
			Uint64("confirmations", confirmations).
			Msg("event final")
	}
	return nil
}

// acker returns the ack callback for one emitted event. It removes the
// pending row; a crash before that re-emits the event and admission drops
// the duplicate.
func (w *Watcher) acker(eventID string) func() error {
	return func() error {
		if err := w.store.DeletePending(eventID); err != nil {
			return err
		}
		w.inFlight.Delete(eventID)
		return nil
	}
}
