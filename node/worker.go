package node

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/opexlabs/opex-node/adapters/redis"
	"github.com/opexlabs/opex-node/bundle"
	"github.com/opexlabs/opex-node/simqueue"
	"github.com/opexlabs/opex-node/store"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	recordTimeout    = 3 * time.Second
	slotPollInterval = 400 * time.Millisecond
)

type SlotClient interface {
	GetSlot(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)
}

// Executor runs a bundle to completion. *bundle.Coordinator implements it.
type Executor interface {
	Execute(ctx context.Context, b *bundle.Bundle, watch solana.PublicKey, simulateOnly bool, opts ...bundle.ExecuteOption) (*bundle.Result, error)
}

type WorkerStatusStore interface {
	Set(ctx context.Context, record redis.StatusRecord) error
	IncAttempts(ctx context.Context, requestID string) (uint64, error)
}

type ExecutionRecorder interface {
	UpdateExecution(ctx context.Context, update store.ExecutionUpdate) error
}

// SlotQueue is the part of simqueue the node drives.
type SlotQueue interface {
	simqueue.Queue
	CurrentSlot() uint64
}

type ExecutionQueue struct {
	log                *zap.Logger
	queue              SlotQueue
	chain              SlotClient
	workers            []*Worker
	workersPerExecutor int
	executionRateLimit rate.Limit
}

// NewQueue runs workersPerExecutor concurrent executions per worker, together limited to
// executionRateLimit executions per second. A zero limit means unlimited.
func NewQueue(log *zap.Logger, queue SlotQueue, chain SlotClient, workers []*Worker, workersPerExecutor int, executionRateLimit rate.Limit) *ExecutionQueue {
	if executionRateLimit == 0 {
		executionRateLimit = rate.Inf
	}
	return &ExecutionQueue{
		log:                log.Named("queue"),
		queue:              queue,
		chain:              chain,
		workers:            workers,
		workersPerExecutor: workersPerExecutor,
		executionRateLimit: executionRateLimit,
	}
}

func (q *ExecutionQueue) Start(ctx context.Context) *sync.WaitGroup {
	process := make([]simqueue.ProcessFunc, 0, len(q.workers)*q.workersPerExecutor)
	for _, w := range q.workers {
		if q.workersPerExecutor > 1 || q.executionRateLimit != rate.Inf {
			process = append(process, simqueue.MultipleWorkers(w.Process, q.workersPerExecutor, q.executionRateLimit, q.workersPerExecutor)...)
		} else {
			process = append(process, w.Process)
		}
	}
	slot, err := q.chain.GetSlot(ctx, rpc.CommitmentProcessed)
	if err != nil {
		q.log.Warn("Failed to get slot", zap.Error(err))
	} else {
		_ = q.queue.UpdateSlot(slot)
	}

	wg := q.queue.StartProcessLoop(ctx, process)

	wg.Add(1)
	go func() {
		defer wg.Done()
		q.pollSlots(ctx, slotPollInterval)
	}()
	return wg
}

func (q *ExecutionQueue) pollSlots(ctx context.Context, interval time.Duration) {
	back := backoff.NewExponentialBackOff()
	back.MaxInterval = 3 * time.Second
	back.MaxElapsedTime = 12 * time.Second

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := backoff.Retry(func() error {
				slot, err := q.chain.GetSlot(ctx, rpc.CommitmentProcessed)
				if err != nil {
					return err
				}
				err = q.queue.UpdateSlot(slot)
				if errors.Is(err, simqueue.ErrSlotIncorrect) {
					// rpc nodes behind a load balancer may lag a few slots
					return nil
				}
				return err
			}, backoff.WithContext(back, ctx))
			if err != nil && !errors.Is(err, context.Canceled) {
				q.log.Error("Failed to update slot", zap.Error(err))
			}
		}
	}
}

func (q *ExecutionQueue) ScheduleExecution(ctx context.Context, item *QueueItem, highPriority bool, maxSlot uint64) error {
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return q.queue.Push(ctx, data, highPriority, q.queue.CurrentSlot()+1, maxSlot)
}

func (q *ExecutionQueue) CurrentSlot() uint64 {
	return q.queue.CurrentSlot()
}

type Worker struct {
	log      *zap.Logger
	executor Executor
	statuses WorkerStatusStore
	recorder ExecutionRecorder
}

func NewWorker(log *zap.Logger, id int, executor Executor, statuses WorkerStatusStore, recorder ExecutionRecorder) *Worker {
	return &Worker{
		log:      log.Named("worker").With(zap.Int("worker-id", id)),
		executor: executor,
		statuses: statuses,
		recorder: recorder,
	}
}

// Process executes one queued request. Definitive outcomes are ErrProcessUnrecoverable so the
// queue never resubmits a bundle that already failed or may still land.
func (w *Worker) Process(ctx context.Context, data []byte, info simqueue.QueueItemInfo) error {
	var item QueueItem
	if err := json.Unmarshal(data, &item); err != nil {
		w.log.Error("Failed to unmarshal queue item", zap.Error(err))
		return errors.Join(err, simqueue.ErrProcessUnrecoverable)
	}
	logger := w.log.With(zap.String("request", item.RequestID))

	b, err := DecodeBundle(item.Txs)
	if err != nil {
		logger.Error("Failed to decode queued bundle", zap.Error(err))
		return errors.Join(err, simqueue.ErrProcessUnrecoverable)
	}

	attempt, err := w.statuses.IncAttempts(ctx, item.RequestID)
	if err != nil {
		logger.Warn("Failed to count attempt", zap.Error(err))
		attempt = uint64(info.Retries) + 1
	}

	tracker := bundle.NewTracker(func(t bundle.Transition) {
		w.record(logger, item.RequestID, redis.StatusRecord{
			RequestID: item.RequestID,
			Status:    t.To,
			BundleID:  t.BundleID,
			Slot:      t.Slot,
		}, attempt, nil)
	})

	res, err := w.executor.Execute(ctx, b, item.WatchAccount, item.SimulateOnly, bundle.WithTracker(tracker))
	if err == nil {
		logger.Info("Execution done",
			zap.String("bundle", res.BundleID),
			zap.Uint64("slot", res.Slot),
			zap.Stringer("status", res.Status),
			zap.Uint64("target_slot", info.TargetSlot),
			zap.Uint16("retries", info.Retries))
		return nil
	}

	final := redis.StatusRecord{
		RequestID: item.RequestID,
		Status:    tracker.Status(),
		BundleID:  tracker.BundleID(),
		Error:     err.Error(),
	}
	if res != nil {
		final.Slot = res.Slot
	}
	var sim *bundle.SimulationOutcome
	if res != nil {
		sim = res.Simulation
	}
	w.record(logger, item.RequestID, final, attempt, sim)

	// a bundle the engine accepted may still land, it is never resubmitted
	if retry := classify(err); retry != nil && final.BundleID == "" {
		logger.Warn("Execution attempt failed, retrying", zap.Error(err), zap.Uint16("retries", info.Retries))
		return errors.Join(err, retry)
	}
	logger.Info("Execution failed", zap.Error(err), zap.Stringer("status", final.Status))
	return errors.Join(err, simqueue.ErrProcessUnrecoverable)
}

// classify returns the queue error to retry err with, nil if err is final.
func classify(err error) error {
	switch {
	case errors.Is(err, bundle.ErrConfirmationTimeout),
		errors.Is(err, bundle.ErrSimulationFailed),
		errors.Is(err, bundle.ErrUnexpectedSimulation),
		errors.Is(err, bundle.ErrTransactionFailed),
		errors.Is(err, bundle.ErrBundleFailed):
		return nil
	case errors.Is(err, bundle.ErrRetryTimeout),
		bundle.IsRetryable(err),
		errors.Is(err, context.DeadlineExceeded):
		return simqueue.ErrProcessWorkerError
	case errors.Is(err, bundle.ErrSubmissionRejected):
		return nil
	}
	return simqueue.ErrProcessWorkerError
}

func (w *Worker) record(logger *zap.Logger, requestID string, record redis.StatusRecord, attempt uint64, sim *bundle.SimulationOutcome) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	if err := w.statuses.Set(ctx, record); err != nil {
		logger.Warn("Failed to cache status", zap.Error(err), zap.Stringer("status", record.Status))
	}

	update := store.ExecutionUpdate{
		RequestID: requestID,
		Status:    record.Status,
		BundleID:  record.BundleID,
		Slot:      record.Slot,
		Error:     record.Error,
		Attempt:   int(attempt),
	}
	switch record.Status {
	case bundle.StatusSimulatedOK:
		ok := true
		update.SimSuccess = &ok
	case bundle.StatusSimulatedFailed:
		failed := false
		update.SimSuccess = &failed
	}
	if sim != nil && !sim.OK {
		update.SimError = sim.Message
	}
	err := w.recorder.UpdateExecution(ctx, update)
	if err != nil && !errors.Is(err, store.ErrExecutionNotUpdated) {
		logger.Warn("Failed to record execution", zap.Error(err), zap.Stringer("status", record.Status))
	}
}
