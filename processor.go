/*
Copyright 2025 GrowSync Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package growsync

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/verdantlabs/growsync/config"
	"github.com/verdantlabs/growsync/internal/notification"
	"github.com/verdantlabs/growsync/internal/syncerror"
	"github.com/verdantlabs/growsync/internal/telemetry"
	"github.com/verdantlabs/growsync/model"
	"github.com/verdantlabs/growsync/transport"
)

// Processor drains pending outbox entries and drives each through the
// delivery state machine: pending -> in_flight -> done, requeued with
// backoff, failed, or dead. Entries on the same logical stream are delivered
// one at a time in creation order; independent streams drain concurrently.
type Processor struct {
	sync         *Sync
	batchSize    int
	maxWorkers   int
	pollInterval time.Duration
	maxRetries   int
	baseDelay    time.Duration
	maxDelay     time.Duration
	jitter       float64
	stopCh       chan struct{}
	kickCh       chan struct{}
	wg           sync.WaitGroup
	running      bool
	mu           sync.Mutex
}

func NewProcessor(s *Sync) *Processor {
	p := &Processor{
		sync:         s,
		batchSize:    50,
		maxWorkers:   4,
		pollInterval: 30 * time.Second,
		maxRetries:   5,
		baseDelay:    500 * time.Millisecond,
		maxDelay:     5 * time.Minute,
		jitter:       0.5,
		stopCh:       make(chan struct{}),
		kickCh:       make(chan struct{}, 1),
	}

	cfg, err := config.Fetch()
	if err == nil {
		p.batchSize = cfg.Queue.BatchSize
		p.maxWorkers = cfg.Queue.MaxWorkers
		p.pollInterval = time.Duration(cfg.Queue.PollIntervalSec) * time.Second
		p.maxRetries = cfg.Retry.MaxRetries
		p.baseDelay = time.Duration(cfg.Retry.BaseDelayMs) * time.Millisecond
		p.maxDelay = time.Duration(cfg.Retry.MaxDelaySec) * time.Second
		p.jitter = cfg.Retry.JitterFactor
	}
	return p
}

// Start launches the drain loop. An immediate drain runs on start; further
// drains run on the periodic ticker and on Kick.
func (p *Processor) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	// A crash between marking an entry in_flight and recording the attempt's
	// outcome leaves the entry stuck and its stream gated. Nothing can be
	// legitimately in flight before the loop starts, so sweep them back to
	// pending for redelivery under their original idempotency keys.
	if n, err := p.sync.store.RequeueOrphaned(ctx, time.Now().UTC()); err != nil {
		logrus.Errorf("failed to requeue orphaned in-flight entries: %v", err)
	} else if n > 0 {
		logrus.Infof("Requeued %d orphaned in-flight outbox entries", n)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx)
	}()

	logrus.Info("Outbox processor started")
}

// Stop signals the drain loop and waits for in-flight attempts to finish.
// An in-flight delivery is never abandoned mid-attempt.
func (p *Processor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	logrus.Info("Outbox processor stopped")
}

func (p *Processor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Kick requests an immediate drain, used on connectivity-regained and
// app-foreground events. Coalesces if a drain is already requested.
func (p *Processor) Kick() {
	select {
	case p.kickCh <- struct{}{}:
	default:
	}
}

func (p *Processor) run(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	p.DrainOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			logrus.Info("Outbox processor context cancelled")
			return
		case <-p.stopCh:
			logrus.Info("Outbox processor stop signal received")
			return
		case <-ticker.C:
			p.DrainOnce(ctx)
		case <-p.kickCh:
			p.DrainOnce(ctx)
		}
	}
}

// DrainOnce selects the due entries (at most one per stream, by creation
// order) and delivers them through a bounded worker pool. It returns the
// number of entries attempted.
func (p *Processor) DrainOnce(ctx context.Context) int {
	ctx, span := tracer.Start(ctx, "Draining outbox")
	defer span.End()

	entries, err := p.sync.store.ListPending(ctx, p.batchSize, time.Now().UTC())
	if err != nil {
		logrus.Errorf("failed to list pending outbox entries: %v", err)
		return 0
	}
	if len(entries) == 0 {
		return 0
	}

	logrus.Infof("Draining %d outbox entries with %d workers", len(entries), p.maxWorkers)

	sem := make(chan struct{}, p.maxWorkers)
	var batchWg sync.WaitGroup
	attempted := 0

	for _, entry := range entries {
		locker := p.sync.streams.NewLocker(entry.Stream, entry.EntryID)
		if err := locker.Lock(); err != nil {
			// Another attempt on this stream is still in flight in-process.
			continue
		}
		attempted++
		sem <- struct{}{}
		batchWg.Add(1)
		go func(e *model.OutboxEntry) {
			defer batchWg.Done()
			defer func() { <-sem }()
			defer func() {
				if err := locker.Unlock(); err != nil {
					logrus.Error(err)
				}
			}()
			if err := p.deliver(ctx, e); err != nil {
				logrus.Errorf("failed to deliver outbox entry %s: %v", e.EntryID, err)
			}
		}(entry)
	}

	batchWg.Wait()
	return attempted
}

// deliver runs one delivery attempt for an entry.
func (p *Processor) deliver(ctx context.Context, entry *model.OutboxEntry) error {
	ctx, span := tracer.Start(ctx, "Delivering outbox entry")
	defer span.End()

	payload, err := entry.DecodePayload()
	if err != nil {
		// Undecodable payloads cannot ever deliver; park the entry where the
		// user can see and cancel it.
		if terr := p.sync.store.MarkInFlight(ctx, entry.EntryID, time.Now().UTC()); terr != nil {
			return terr
		}
		return p.sync.store.MarkFailed(ctx, entry.EntryID, err.Error())
	}

	if err := p.sync.store.MarkInFlight(ctx, entry.EntryID, time.Now().UTC()); err != nil {
		if syncerror.Is(err, syncerror.ErrInvalidTransition) {
			// Lost the race with a cancel or concurrent drain; nothing to do.
			logrus.Warnf("skipping outbox entry %s: %v", entry.EntryID, err)
			return nil
		}
		return err
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	resp, err := p.sync.transport.Deliver(ctx, &transport.Request{
		Path:           payload.RequestPath(),
		Method:         payload.RequestMethod(),
		Body:           payload,
		IdempotencyKey: entry.IdempotencyKey,
	})
	if err != nil {
		return p.handleDeliveryFailure(ctx, entry, err)
	}
	return p.confirm(ctx, entry, resp)
}

// confirm archives the delivered entry and applies the server-authoritative
// response to the cached entity in the same atomic step.
func (p *Processor) confirm(ctx context.Context, entry *model.OutboxEntry, resp *transport.Response) error {
	// Fields owned by other still-queued writes on the same entity must not be
	// clobbered by this response; their own confirmations will settle them.
	var protected map[string]struct{}
	if entry.Entity.ID != "" && resp != nil {
		var err error
		protected, err = p.sync.protectedFields(ctx, entry.Entity.Type, entry.Entity.ID, entry.EntryID)
		if err != nil {
			return err
		}
	}

	err := p.sync.store.Write(ctx, func(tx *sql.Tx) error {
		if err := p.sync.store.MarkSucceededTx(ctx, tx, entry.EntryID, time.Now().UTC()); err != nil {
			return err
		}
		if entry.Entity.ID == "" || resp == nil {
			return nil
		}

		if resp.ServerID != "" {
			rec := &model.ShadowRecord{
				ClientTxID:      entry.ClientTxID,
				EntityType:      entry.Entity.Type,
				EntityID:        entry.Entity.ID,
				ServerID:        resp.ServerID,
				ServerUpdatedAt: resp.ServerUpdatedAt,
			}
			if err := p.sync.store.RecordShadowTx(ctx, tx, rec); err != nil {
				return err
			}
		}

		ent, err := p.sync.store.GetEntityTx(ctx, tx, entry.Entity.Type, entry.Entity.ID)
		if err != nil {
			if !syncerror.Is(err, syncerror.ErrNotFound) {
				return err
			}
			ent = &model.CachedEntity{EntityType: entry.Entity.Type, EntityID: entry.Entity.ID, Fields: map[string]interface{}{}}
		}
		for k, v := range resp.Fields {
			if _, held := protected[k]; held {
				continue
			}
			ent.Fields[k] = v
		}
		if resp.ServerUpdatedAt > ent.Version {
			ent.Version = resp.ServerUpdatedAt
		}
		ent.Stale = false
		return p.sync.store.UpsertEntityTx(ctx, tx, ent)
	})
	if err != nil {
		return err
	}

	telemetry.DeliveredCounter.Inc()
	logrus.Infof("Delivered outbox entry %s (%s)", entry.EntryID, entry.Operation)
	return nil
}

func (p *Processor) handleDeliveryFailure(ctx context.Context, entry *model.OutboxEntry, deliveryErr error) error {
	if !syncerror.IsRetryable(deliveryErr) {
		telemetry.TerminalCounter.Inc()
		logrus.Errorf("outbox entry %s rejected terminally: %v", entry.EntryID, deliveryErr)
		return p.sync.store.MarkFailed(ctx, entry.EntryID, deliveryErr.Error())
	}

	retries := entry.Retries + 1
	if retries > p.maxRetries {
		telemetry.DeadCounter.Inc()
		notification.NotifyError(deliveryErr)
		logrus.Warnf("outbox entry %s exhausted retry budget (%d), marking dead", entry.EntryID, p.maxRetries)
		return p.sync.store.MarkDead(ctx, entry.EntryID, retries, deliveryErr.Error())
	}

	delay := p.backoffDelay(retries)
	if after, ok := transport.RetryAfter(deliveryErr); ok && after > delay {
		delay = after
	}
	telemetry.RetryCounter.Inc()
	logrus.Infof("requeueing outbox entry %s, attempt %d/%d, next in %v", entry.EntryID, retries, p.maxRetries, delay)
	return p.sync.store.RequeueWithBackoff(ctx, entry.EntryID, retries, time.Now().UTC().Add(delay), deliveryErr.Error())
}

// backoffDelay computes the exponential backoff with jitter for the given
// attempt number, capped at the configured maximum delay.
func (p *Processor) backoffDelay(attempt int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.baseDelay
	bo.MaxInterval = p.maxDelay
	bo.RandomizationFactor = p.jitter
	bo.MaxElapsedTime = 0

	delay := bo.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = bo.NextBackOff()
	}
	return delay
}
