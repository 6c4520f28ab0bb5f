package gbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type dispatcher struct {
	id         uuid.UUID
	settings   Settings
	logger     Logger
	emitter    Emitter
	repository Repository
	metrics    Metrics
}

// launchDispatcher starts a subscription loop to attempt the registration of a new dispatcher
// within the 'outbox_dispatcher_subscription'. Only subscribed dispatchers can deliver
// outbox entries to the configured emitter. The function also keeps the "alive_at" column
// updated to avoid losing the dispatcher subscription, and stops the delivery loop when
// the subscription is lost.
func (d *dispatcher) launchDispatcher(ctx context.Context) {
	ticker := time.NewTicker(d.settings.SubscriptionInterval)
	defer ticker.Stop()

	var stopLoop context.CancelFunc
	defer func() {
		if stopLoop != nil {
			stopLoop()
		}
	}()

	for {
		if stopLoop == nil {
			if success, subscription, err := d.repository.SubscribeDispatcher(ctx, d.id, d.settings.MaxDispatchers); success {
				d.logger.Debug(fmt.Sprintf("subscription '%d' assigned to dispatcher '%s'", subscription, d.id))
				var loopCtx context.Context
				loopCtx, stopLoop = context.WithCancel(ctx)
				go d.executeDispatcherLoop(loopCtx)
			} else if err != nil {
				d.logger.Error(fmt.Sprintf("trying to subscribe dispatcher '%s'", d.id), err)
			}
		} else {
			updated, err := d.repository.UpdateSubscription(ctx, d.id)
			if err != nil {
				d.logger.Error("updating subscription", err)
			} else if !updated {
				d.logger.Error("subscription not updated", errors.New("stolen subscription"))
				stopLoop()
				stopLoop = nil
			}
		}

		select {
		case <-ctx.Done():
			d.logger.Info(fmt.Sprintf("dispatcher '%s' stopped", d.id))
			return
		case <-ticker.C:
		}
	}
}

// executeDispatcherLoop implements the main dispatcher loop.
func (d *dispatcher) executeDispatcherLoop(ctx context.Context) {
	ticker := time.NewTicker(d.settings.PollingInterval)
	defer ticker.Stop()
	for {
		d.dispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// dispatchOnce processes the outbox if the outbox lock can be acquired. The
// lock is released even if ctx was cancelled in the meantime.
func (d *dispatcher) dispatchOnce(ctx context.Context) {
	acquired, err := d.repository.AcquireLock(ctx, d.id)
	if err != nil {
		d.logger.Error("unable to get the lock", err)
		return
	}
	if !acquired {
		return
	}
	d.processOutbox(ctx)
	if err := d.repository.ReleaseLock(context.WithoutCancel(ctx), d.id); err != nil {
		d.logger.Error("releasing the outbox lock", err)
	}
}

// processOutbox scans the 'outbox' table within the limits defined by Settings.MaxEventsPerInterval
// and delivers the outbox entries in batches (defined by Settings.MaxEventsPerBatch). Delivered
// entries are deleted; failed ones stay in the table with their failure recorded, so they are
// retried in the next interval.
func (d *dispatcher) processOutbox(ctx context.Context) (delivered int, failed int) {
	var success []uuid.UUID
	var failures = make(map[uuid.UUID]string)
	var deliveryChan = make(chan *DeliveryReport, d.settings.MaxEventsPerBatch)
	var reportsDone = make(chan struct{})
	var wg sync.WaitGroup

	d.logger.Debug("processing outbox messages")

	go func() {
		defer close(reportsDone)
		for dr := range deliveryChan {
			if dr.Error != nil {
				d.logger.Error(fmt.Sprintf("delivery problem with record '%s'", dr.Record.ID), dr.Error)
				failures[dr.Record.ID] = dr.Error.Error()
				d.metrics.Failed.Inc(1)
			} else {
				d.logger.Debug(dr.Details)
				success = append(success, dr.Record.ID)
				d.metrics.Delivered.Inc(1)
			}
			wg.Done()
		}
	}()

	err := d.repository.FindInBatches(ctx, d.settings.MaxEventsPerBatch, d.settings.MaxEventsPerInterval, func(batch []*OutboxRecord) error {
		d.logger.Debug(fmt.Sprintf("sending %d messages to the broker", len(batch)))
		for _, o := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			wg.Add(1)
			if err := d.emitter.Emit(ctx, o, deliveryChan); err != nil {
				// the emitter produced no report, so we provide one ourselves.
				deliveryChan <- &DeliveryReport{Record: o, Error: err}
			}
		}
		return nil
	})
	if err != nil {
		d.logger.Error("when trying to get outbox rows in batches", err)
	}

	// Wait until we get all the delivery reports from the emitter.
	wg.Wait()
	close(deliveryChan)
	<-reportsDone

	d.logger.Info(fmt.Sprintf("%d messages were successfully delivered (with %d failed) from outbox", len(success), len(failures)))

	bookkeeping := context.WithoutCancel(ctx)
	if len(success) > 0 {
		d.logger.Debug(fmt.Sprintf("deleting %d elements from outbox", len(success)))
		if err := d.repository.DeleteInBatches(bookkeeping, d.settings.MaxEventsPerBatch, success); err != nil {
			d.logger.Error("when deleting sent outbox records in batches", err)
		}
	}
	for id, reason := range failures {
		if err := d.repository.RecordFailure(bookkeeping, id, reason); err != nil {
			d.logger.Error(fmt.Sprintf("when recording the delivery failure of '%s'", id), err)
		}
	}

	return len(success), len(failures)
}
