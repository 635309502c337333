// Package simqueue is a slot-window execution queue that uses redis as a backend.
//
// The queue keeps one sorted set in redis. The score of every item is the first slot in which the
// item may be processed. Items also carry the last slot in which processing still makes sense
// (intent deadline or blockhash expiry); once the current slot moves past it the item is dropped.
//
// Usage:
// 1. Create a new queue instance with `NewRedisQueue`.
// 2. Start processing loop with `StartProcessLoop`.
// 3. Push items to the queue with `Push`.
// 4. Feed the queue with the current slot via `UpdateSlot`. The queue does not poll the chain itself.
//
// NOTE: Queue is not 100% reliable.
//
//	There is a small chance that an item is lost when the worker who claimed the item crashes or loses
//	connection to redis. Workers hold only the item they are processing, so the max number of items that
//	can be lost in a catastrophic event is equal to the number of workers.
//
// Ordering:
//   - items with lower min slot are processed first
//   - with the same min slot: high priority, then fewer retries, then earlier submission, then lower
//     max slot, then the payload itself (redis orders equal scores lexicographically by member)
//
// ProcessFunc contract:
//   - nil: processed, the item is removed
//   - ErrProcessScheduleNextSlot: retry from the next slot while the window allows
//   - ErrProcessWorkerError or a worker timeout: retry in the same slot on (hopefully) another worker
//   - ErrProcessUnrecoverable: the item is dropped and the worker is not penalized
//
// Retries are bounded by MaxRetries. A worker that keeps failing backs off exponentially so it gets
// less and less work.
//
// Queue shutdown:
// 1. Workers can be shutdown by cancelling the context passed to `StartProcessLoop`.
// 2. WaitGroup returned from `StartProcessLoop` can be used to wait for all workers to finish processing.
package simqueue

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/opexlabs/opex-node/metrics"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	ErrSlotIncorrect     = errors.New("slot is behind the current slot")
	ErrStaleItem         = errors.New("item is stale")
	ErrQueueFull         = errors.New("queue is full")
	ErrMaxRetriesReached = errors.New("max retries reached")
	ErrNoNextSlot        = errors.New("failed to requeue item, no next slot available")
	ErrRequeueFailed     = errors.New("item requeue failed")
)

// Errors returned by ProcessFunc.
var (
	// ErrProcessScheduleNextSlot is returned by ProcessFunc if item should be retried from the next slot.
	ErrProcessScheduleNextSlot = errors.New("try to schedule item for the next slot")
	// ErrProcessWorkerError is returned by ProcessFunc if item should be retried in the same slot by a different worker.
	ErrProcessWorkerError = errors.New("worker error, retry processing on another worker")
	// ErrProcessUnrecoverable is returned by ProcessFunc if item failed for good and must not be retried.
	ErrProcessUnrecoverable = errors.New("unrecoverable error, item dropped")
)

const (
	DefaultMaxRetries = uint16(30)

	DefaultMaxQueuedProcessableItemsLowPrio    = uint64(1024)
	DefaultMaxQueuedProcessableItemsHighPrio   = uint64(2048)
	DefaultMaxQueuedUnprocessableItemsLowPrio  = uint64(1024)
	DefaultMaxQueuedUnprocessableItemsHighPrio = uint64(2048)

	// a worker runs a full simulate, submit and confirm cycle
	DefaultWorkerTimeout = 5 * time.Minute

	earlyItemDelay = 10 * time.Millisecond
)

type RedisQueueConfig struct {
	MaxRetries uint16
	// items that can be processed in the next slot
	MaxQueuedProcessableItemsLowPrio  uint64
	MaxQueuedProcessableItemsHighPrio uint64
	// items scheduled for later slots
	MaxQueuedUnprocessableItemsLowPrio  uint64
	MaxQueuedUnprocessableItemsHighPrio uint64

	WorkerTimeout time.Duration
}

var DefaultQueueConfig = RedisQueueConfig{
	MaxRetries:                          DefaultMaxRetries,
	MaxQueuedProcessableItemsLowPrio:    DefaultMaxQueuedProcessableItemsLowPrio,
	MaxQueuedProcessableItemsHighPrio:   DefaultMaxQueuedProcessableItemsHighPrio,
	MaxQueuedUnprocessableItemsLowPrio:  DefaultMaxQueuedUnprocessableItemsLowPrio,
	MaxQueuedUnprocessableItemsHighPrio: DefaultMaxQueuedUnprocessableItemsHighPrio,
	WorkerTimeout:                       DefaultWorkerTimeout,
}

// QueueItemInfo describes the queued item to the worker.
type QueueItemInfo struct {
	Retries    uint16
	TargetSlot uint64
	MaxSlot    uint64
}

type ProcessFunc func(ctx context.Context, data []byte, info QueueItemInfo) error

type Queue interface {
	UpdateSlot(slot uint64) error
	Push(ctx context.Context, data []byte, highPriority bool, minTargetSlot, maxTargetSlot uint64) error
	StartProcessLoop(ctx context.Context, workers []ProcessFunc) *sync.WaitGroup
}

type RedisQueue struct {
	log         *zap.Logger
	red         *redis.Client
	currentSlot *uint64
	queueName   string

	Config RedisQueueConfig
}

func NewRedisQueue(log *zap.Logger, red *redis.Client, queueName string, config RedisQueueConfig) *RedisQueue {
	currentSlot := uint64(0)
	log = log.With(zap.String("queue", queueName))
	return &RedisQueue{
		log:         log,
		red:         red,
		currentSlot: &currentSlot,
		queueName:   queueName,
		Config:      config,
	}
}

// UpdateSlot moves the queue to slot. Slots never go backwards.
func (s *RedisQueue) UpdateSlot(slot uint64) error {
	for {
		current := atomic.LoadUint64(s.currentSlot)
		if current == slot {
			return nil
		}
		if current > slot {
			return ErrSlotIncorrect
		}
		if atomic.CompareAndSwapUint64(s.currentSlot, current, slot) {
			return nil
		}
	}
}

func (s *RedisQueue) CurrentSlot() uint64 {
	return atomic.LoadUint64(s.currentSlot)
}

func (s *RedisQueue) Push(ctx context.Context, data []byte, highPriority bool, minTargetSlot, maxTargetSlot uint64) error {
	currentSlot := atomic.LoadUint64(s.currentSlot)
	args, err := newPackArgs(data, highPriority, currentSlot, minTargetSlot, maxTargetSlot, time.Now())
	if err != nil {
		s.log.Debug("item can not be scheduled, skipping", zap.Error(err), zap.Uint64("max_target_slot", maxTargetSlot), zap.Uint64("current_slot", currentSlot))
		return err
	}
	if err := s.pushToQueue(ctx, args); err != nil {
		return err
	}
	s.log.Debug("pushed to queue", zap.Uint64("min_target_slot", args.minTargetSlot), zap.Uint64("max_target_slot", maxTargetSlot), zap.Bool("high_priority", highPriority))
	return nil
}

// queuedItems returns the number of items that can be processed in the next slot and the number
// of items scheduled further out.
func (s *RedisQueue) queuedItems(ctx context.Context) (processable, unprocessable uint64, err error) {
	nextSlot := strconv.FormatUint(atomic.LoadUint64(s.currentSlot)+1, 10)

	pipe := s.red.Pipeline()
	processableCmd := pipe.ZCount(ctx, s.queueName, "-inf", nextSlot)
	unprocessableCmd := pipe.ZCount(ctx, s.queueName, "("+nextSlot, "+inf")
	if _, err = pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}
	return uint64(processableCmd.Val()), uint64(unprocessableCmd.Val()), nil
}

func (s *RedisQueue) pushToQueue(ctx context.Context, args packArgs) error {
	processable, unprocessable, err := s.queuedItems(ctx)
	if err != nil {
		s.log.Warn("failed to get queued items", zap.Error(err))
		return err
	}

	nextSlot := atomic.LoadUint64(s.currentSlot) + 1
	queued, threshold := processable, s.Config.MaxQueuedProcessableItemsLowPrio
	if args.highPriority {
		threshold = s.Config.MaxQueuedProcessableItemsHighPrio
	}
	if args.minTargetSlot > nextSlot {
		queued, threshold = unprocessable, s.Config.MaxQueuedUnprocessableItemsLowPrio
		if args.highPriority {
			threshold = s.Config.MaxQueuedUnprocessableItemsHighPrio
		}
	}
	if queued >= threshold {
		s.log.Error("too many queued items", zap.Uint64("queued", queued), zap.Uint64("max_queued_items", threshold))
		metrics.IncQueueFullItems()
		return ErrQueueFull
	}

	score, redisData := packData(args)
	err = s.red.ZAdd(ctx, s.queueName, redis.Z{Score: score, Member: redisData}).Err()
	if err != nil {
		s.log.Debug("failed to push to queue", zap.Error(err))
	}
	return err
}

// popFromQueue pops an item from the queue
// it will block for up to 1 second waiting for an item if a queue is empty
func (s *RedisQueue) popFromQueue(ctx context.Context) (packArgs, error) {
	// 1 second is minimal value for a timeout
	value, err := s.red.BZPopMin(ctx, time.Second, s.queueName).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return packArgs{}, err
		}
		s.log.Error("failed to pop from queue", zap.Error(err))
		return packArgs{}, err
	}

	redisData, ok := value.Member.(string)
	if !ok {
		s.log.Error("failed to pop from queue, invalid data type")
		return packArgs{}, errInvalidPackedData
	}

	args, err := unpackData(value.Score, []byte(redisData))
	if err != nil {
		s.log.Error("failed to unpack data", zap.Error(err))
		return packArgs{}, err
	}
	return args, nil
}

func (s *RedisQueue) processNextItem(ctx context.Context, process ProcessFunc) error {
	// we use this backoff for requeuing items because it's important to not lose items
	exp := backoff.NewExponentialBackOff()
	exp.MaxElapsedTime = 4 * time.Second
	back := backoff.WithContext(exp, ctx)

	args, err := s.popFromQueue(ctx)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}

	nextSlot := atomic.LoadUint64(s.currentSlot) + 1

	switch args.fit(nextSlot) {
	case slotFitEarly:
		if err := s.retryItem(ctx, args, false, false, back); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
		case <-time.After(earlyItemDelay):
		}
		return nil
	case slotFitStale:
		s.log.Debug("skipping stale item",
			zap.Uint64("next_slot", nextSlot),
			zap.Uint64("min_target_slot", args.minTargetSlot),
			zap.Uint64("max_target_slot", args.maxTargetSlot))
		metrics.IncQueuePopStaleItems()
		return nil
	case slotFitLate:
		args.minTargetSlot = nextSlot
		return s.retryItem(ctx, args, false, false, back)
	}

	info := QueueItemInfo{
		Retries:    args.iteration,
		TargetSlot: nextSlot,
		MaxSlot:    args.maxTargetSlot,
	}

	workerCtx, workerCancel := context.WithTimeout(ctx, s.Config.WorkerTimeout)
	defer workerCancel()
	err = process(workerCtx, args.data, info)

	switch {
	case errors.Is(err, ErrProcessUnrecoverable):
		s.log.Debug("item failed for good, dropping", zap.Error(err), zap.Uint16("iteration", args.iteration))
		return nil
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrProcessWorkerError):
		s.log.Warn("worker failed to process item, retrying", zap.Error(err), zap.Uint16("iteration", args.iteration))
		if err := s.retryItem(ctx, args, true, false, back); err != nil {
			return err
		}
		// penalize this worker
		return err
	case errors.Is(err, ErrProcessScheduleNextSlot):
		s.log.Debug("worker iteration failed, scheduled for the next slot",
			zap.Error(err),
			zap.Uint64("next_slot", nextSlot),
			zap.Uint64("min_target_slot", args.minTargetSlot),
			zap.Uint64("max_target_slot", args.maxTargetSlot),
		)
		if err := s.retryItem(ctx, args, true, true, back); err != nil {
			return err
		}
	case err != nil:
		return err
	}
	timeInQueue := time.Since(args.timestamp)
	s.log.Debug("processed queue item", zap.Uint16("iteration", args.iteration), zap.Duration("time_in_queue", timeInQueue))
	return nil
}

// StartProcessLoop starts a loop that will process items from the queue
// it will spawn a goroutine for each worker.
// ctx can be used to signal shutdown
// Wait group is returned to allow for graceful shutdown
func (s *RedisQueue) StartProcessLoop(ctx context.Context, workers []ProcessFunc) *sync.WaitGroup {
	var wg sync.WaitGroup
	for _, process := range workers {
		wg.Add(1)
		go func(process ProcessFunc) {
			defer wg.Done()

			exp := backoff.NewExponentialBackOff()
			exp.MaxInterval = 30 * time.Second
			exp.MaxElapsedTime = 2 * time.Minute
			back := backoff.WithContext(exp, ctx)
			for {
				select {
				case <-ctx.Done():
					return
				default:
					err := backoff.Retry(func() error {
						return s.processNextItem(ctx, process)
					}, back)
					if err != nil && !errors.Is(err, context.Canceled) {
						s.log.Error("Processing next element failed", zap.Error(err))
					}
				}
			}
		}(process)
	}
	return &wg
}

func (s *RedisQueue) retryItem(ctx context.Context, args packArgs, incrIteration, incrSlot bool, back backoff.BackOff) error {
	if args.iteration >= s.Config.MaxRetries {
		return backoff.Permanent(ErrMaxRetriesReached)
	}

	if incrIteration {
		args.iteration++
	}
	if incrSlot {
		if err := args.nextSlot(); err != nil {
			return backoff.Permanent(err)
		}
	}
	err := backoff.Retry(func() error {
		return s.pushToQueue(ctx, args)
	}, back)
	if err != nil {
		s.log.Error("failed to requeue item", zap.Error(err))
		return errors.Join(err, ErrRequeueFailed)
	}
	return nil
}

// CleanQueues cleans all data in redis associated with the given queue
// NOTE: slow and dangerous operation, should only be used for testing
func (s *RedisQueue) CleanQueues(ctx context.Context) error {
	return s.red.Del(ctx, s.queueName).Err()
}
