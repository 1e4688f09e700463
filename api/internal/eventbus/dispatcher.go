package eventbus

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"dinehub-restaurant-platform/api/internal/models"
	"dinehub-restaurant-platform/shared/logx"
	"dinehub-restaurant-platform/shared/metricsx"
)

// Inbox records per-consumer completion, satisfied by repos.InboxRepo.
type Inbox interface {
	MarkApplied(ctx context.Context, consumer string, eventID uuid.UUID, eventName string) error
	HasApplied(ctx context.Context, consumer string, eventID uuid.UUID) (bool, error)
}

// CycleResult summarizes one dispatch cycle for logging and stats export.
type CycleResult struct {
	Flushed   int
	Claimed   int
	Processed int
	Failed    int
	Duration  time.Duration
}

type DispatcherOptions struct {
	// Owner tags claimed rows; defaults to hostname/pid.
	Owner          string
	BatchSize      int
	IdleSleep      time.Duration
	HandlerTimeout time.Duration
	// OnCycle, when set, receives every cycle's result.
	OnCycle func(CycleResult)
}

// Dispatcher drains the event store in a loop: flush the bus fallback
// queue, claim a batch, process claimed events concurrently. Within one
// event, consumers run sequentially in registration order; the first
// failure marks the event failed and the remaining consumers wait for the
// retry, where the inbox skips the ones that already applied.
type Dispatcher struct {
	bus    *ReliableEventBus
	store  EventStore
	inbox  Inbox
	logger logx.Logger

	owner          string
	batchSize      int
	idleSleep      time.Duration
	handlerTimeout time.Duration
	onCycle        func(CycleResult)
}

func NewDispatcher(bus *ReliableEventBus, store EventStore, inbox Inbox, logger logx.Logger, opts DispatcherOptions) *Dispatcher {
	owner := opts.Owner
	if owner == "" {
		host, _ := os.Hostname()
		owner = fmt.Sprintf("%s/%d", host, os.Getpid())
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 10
	}
	idleSleep := opts.IdleSleep
	if idleSleep <= 0 {
		idleSleep = time.Second
	}
	handlerTimeout := opts.HandlerTimeout
	if handlerTimeout <= 0 {
		handlerTimeout = 3 * time.Second
	}
	return &Dispatcher{
		bus:            bus,
		store:          store,
		inbox:          inbox,
		logger:         logger,
		owner:          owner,
		batchSize:      batchSize,
		idleSleep:      idleSleep,
		handlerTimeout: handlerTimeout,
		onCycle:        opts.OnCycle,
	}
}

// Run cycles until the context is canceled. An empty claim sleeps the idle
// interval before the next cycle; a non-empty one loops immediately.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info(ctx, "dispatcher_started", "event dispatcher running",
		slog.String("owner", d.owner),
		slog.Int("batch_size", d.batchSize),
	)
	for {
		result := d.RunCycle(ctx)
		if d.onCycle != nil {
			d.onCycle(result)
		}
		if err := ctx.Err(); err != nil {
			d.logger.Info(ctx, "dispatcher_stopped", "event dispatcher shutting down")
			return err
		}
		if result.Claimed == 0 {
			select {
			case <-ctx.Done():
				d.logger.Info(ctx, "dispatcher_stopped", "event dispatcher shutting down")
				return ctx.Err()
			case <-time.After(d.idleSleep):
			}
		}
	}
}

// RunCycle performs one flush-claim-process pass.
func (d *Dispatcher) RunCycle(ctx context.Context) CycleResult {
	start := time.Now()
	var result CycleResult
	result.Flushed = d.bus.FlushFallback(ctx)

	events, err := d.store.ClaimPendingBatch(ctx, d.owner, d.batchSize)
	if err != nil {
		d.logger.Error(ctx, "dispatch_claim_failed", "could not claim event batch",
			slog.String("error", err.Error()),
		)
		result.Duration = time.Since(start)
		metricsx.ObserveDispatchCycle(result.Duration)
		return result
	}
	result.Claimed = len(events)

	var processed, failed atomic.Int64
	var wg sync.WaitGroup
	for _, stored := range events {
		wg.Add(1)
		go func(stored models.StoredEvent) {
			defer wg.Done()
			if d.processEvent(ctx, stored) {
				processed.Add(1)
			} else {
				failed.Add(1)
			}
		}(stored)
	}
	wg.Wait()

	result.Processed = int(processed.Load())
	result.Failed = int(failed.Load())
	result.Duration = time.Since(start)
	metricsx.ObserveDispatchCycle(result.Duration)
	return result
}

// processEvent delivers one claimed event to its consumers and settles the
// row. Returns true when the event reached processed.
func (d *Dispatcher) processEvent(ctx context.Context, stored models.StoredEvent) bool {
	event, err := fromStored(stored)
	if err != nil {
		// Undecodable payload; retrying will not help but the retry
		// budget caps the damage and dead-letters the row.
		d.fail(ctx, stored, err.Error())
		return false
	}

	subs := d.bus.ConsumersFor(event.Name)
	if len(subs) == 0 {
		return d.settle(ctx, stored)
	}

	for _, sub := range subs {
		applied, err := d.inbox.HasApplied(ctx, sub.Consumer, stored.EventID)
		if err != nil {
			d.fail(ctx, stored, fmt.Sprintf("inbox lookup for %s: %v", sub.Consumer, err))
			return false
		}
		if applied {
			continue
		}

		began := time.Now()
		err = d.invoke(ctx, sub, event)
		metricsx.ObserveConsumerDuration(sub.Consumer, time.Since(began))
		if err != nil {
			d.fail(ctx, stored, fmt.Sprintf("consumer %s: %v", sub.Consumer, err))
			return false
		}

		if err := d.inbox.MarkApplied(ctx, sub.Consumer, stored.EventID, stored.EventName); err != nil {
			d.fail(ctx, stored, fmt.Sprintf("inbox record for %s: %v", sub.Consumer, err))
			return false
		}
	}
	return d.settle(ctx, stored)
}

// invoke runs one handler under the handler timeout. The timeout is
// cooperative: the handler's context is canceled and the dispatcher moves
// on, but a handler that ignores its context keeps its goroutine.
func (d *Dispatcher) invoke(ctx context.Context, sub Subscription, event DomainEvent) error {
	hctx, cancel := context.WithTimeout(ctx, d.handlerTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- sub.Handler(hctx, event)
	}()

	select {
	case err := <-done:
		return err
	case <-hctx.Done():
		return fmt.Errorf("timed out after %s", d.handlerTimeout)
	}
}

func (d *Dispatcher) settle(ctx context.Context, stored models.StoredEvent) bool {
	if err := d.store.MarkProcessed(ctx, stored.EventID); err != nil {
		// The claim was lost, another worker owns the row now.
		d.logger.Warn(ctx, "event_settle_lost", "claimed event no longer in processing",
			slog.String("event_id", stored.EventID.String()),
			slog.String("error", err.Error()),
		)
		return false
	}
	d.bus.recordProcessed()
	metricsx.IncEventProcessed(stored.EventName)
	return true
}

func (d *Dispatcher) fail(ctx context.Context, stored models.StoredEvent, reason string) {
	d.bus.recordFailed()
	metricsx.IncEventFailed(stored.EventName)
	d.logger.Warn(ctx, "event_processing_failed", "event attempt failed",
		slog.String("event_id", stored.EventID.String()),
		slog.String("event_name", stored.EventName),
		slog.Int("retries", stored.Retries),
		slog.String("reason", reason),
	)
	if err := d.store.MarkFailed(ctx, stored.EventID, reason); err != nil {
		d.logger.Error(ctx, "event_mark_failed_error", "could not record event failure",
			slog.String("event_id", stored.EventID.String()),
			slog.String("error", err.Error()),
		)
	}
}
