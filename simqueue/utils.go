package simqueue

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

var (
	errInvalidPackedData = errors.New("invalid packed data")
	errInvalidSlotRange  = errors.New("min target slot is after max target slot")
)

// priority(1) + iteration(2) + timestamp(8) + max target slot(8)
const packedHeaderLen = 19

type packArgs struct {
	data          []byte
	minTargetSlot uint64
	maxTargetSlot uint64
	highPriority  bool
	timestamp     time.Time
	iteration     uint16
}

// newPackArgs schedules an item for [minTargetSlot, maxTargetSlot], but never earlier than the
// slot after currentSlot. An item that can no longer be processed is ErrStaleItem.
func newPackArgs(data []byte, highPriority bool, currentSlot, minTargetSlot, maxTargetSlot uint64, now time.Time) (packArgs, error) {
	if maxTargetSlot <= currentSlot {
		return packArgs{}, ErrStaleItem
	}
	if nextSlot := currentSlot + 1; minTargetSlot < nextSlot {
		minTargetSlot = nextSlot
	}
	if minTargetSlot > maxTargetSlot {
		return packArgs{}, errInvalidSlotRange
	}
	return packArgs{
		data:          data,
		minTargetSlot: minTargetSlot,
		maxTargetSlot: maxTargetSlot,
		highPriority:  highPriority,
		timestamp:     now,
	}, nil
}

// slotFit is where the slot about to be processed falls in an item's target range.
type slotFit int

const (
	slotFitReady slotFit = iota
	// before minTargetSlot
	slotFitEarly
	// inside the range but past minTargetSlot, the item is moved up
	slotFitLate
	// past maxTargetSlot
	slotFitStale
)

func (a packArgs) fit(nextSlot uint64) slotFit {
	switch {
	case nextSlot < a.minTargetSlot:
		return slotFitEarly
	case nextSlot > a.maxTargetSlot:
		return slotFitStale
	case nextSlot > a.minTargetSlot:
		return slotFitLate
	}
	return slotFitReady
}

// nextSlot moves the item to the slot after its min target slot.
func (a *packArgs) nextSlot() error {
	if a.minTargetSlot >= a.maxTargetSlot {
		return ErrNoNextSlot
	}
	a.minTargetSlot++
	return nil
}

// packData returns the sorted set score and member of an item. The score is minTargetSlot, so
// items are popped slot by slot. Redis orders members with equal scores lexicographically, so
// the member starts with the priority byte (0 for high priority) followed by the iteration and
// the enqueue time:
//
//	priority(1) | iteration(2) | timestamp(8) | maxTargetSlot(8) | data
func packData(a packArgs) (float64, []byte) {
	value := make([]byte, packedHeaderLen+len(a.data))
	if !a.highPriority {
		value[0] = 1
	}
	binary.BigEndian.PutUint16(value[1:3], a.iteration)
	binary.BigEndian.PutUint64(value[3:11], uint64(a.timestamp.UnixNano()))
	binary.BigEndian.PutUint64(value[11:packedHeaderLen], a.maxTargetSlot)
	copy(value[packedHeaderLen:], a.data)
	return float64(a.minTargetSlot), value
}

func unpackData(score float64, packedData []byte) (packArgs, error) {
	if len(packedData) < packedHeaderLen || packedData[0] > 1 {
		return packArgs{}, errInvalidPackedData
	}
	args := packArgs{
		data:          packedData[packedHeaderLen:],
		minTargetSlot: uint64(score),
		maxTargetSlot: binary.BigEndian.Uint64(packedData[11:packedHeaderLen]),
		highPriority:  packedData[0] == 0,
		timestamp:     time.Unix(0, int64(binary.BigEndian.Uint64(packedData[3:11]))),
		iteration:     binary.BigEndian.Uint16(packedData[1:3]),
	}
	if args.minTargetSlot > args.maxTargetSlot {
		return packArgs{}, fmt.Errorf("%w: %w", errInvalidPackedData, errInvalidSlotRange)
	}
	return args, nil
}

// ConfigFromEnv loads `simqueue` config from environment, unset variables keep their defaults.
// - `SIMQUEUE_MAX_RETRIES`
// - `SIMQUEUE_MAX_QUEUED_PROCESSABLE_ITEMS_LOW_PRIO`
// - `SIMQUEUE_MAX_QUEUED_PROCESSABLE_ITEMS_HIGH_PRIO`
// - `SIMQUEUE_MAX_QUEUED_UNPROCESSABLE_ITEMS_LOW_PRIO`
// - `SIMQUEUE_MAX_QUEUED_UNPROCESSABLE_ITEMS_HIGH_PRIO`
// - `SIMQUEUE_WORKER_TIMEOUT_MS`
func ConfigFromEnv() (RedisQueueConfig, error) {
	config := DefaultQueueConfig

	maxRetries, err := envUint("SIMQUEUE_MAX_RETRIES", 16, uint64(config.MaxRetries))
	if err != nil {
		return config, err
	}
	config.MaxRetries = uint16(maxRetries)

	limits := []struct {
		name  string
		value *uint64
	}{
		{"SIMQUEUE_MAX_QUEUED_PROCESSABLE_ITEMS_LOW_PRIO", &config.MaxQueuedProcessableItemsLowPrio},
		{"SIMQUEUE_MAX_QUEUED_PROCESSABLE_ITEMS_HIGH_PRIO", &config.MaxQueuedProcessableItemsHighPrio},
		{"SIMQUEUE_MAX_QUEUED_UNPROCESSABLE_ITEMS_LOW_PRIO", &config.MaxQueuedUnprocessableItemsLowPrio},
		{"SIMQUEUE_MAX_QUEUED_UNPROCESSABLE_ITEMS_HIGH_PRIO", &config.MaxQueuedUnprocessableItemsHighPrio},
	}
	for _, limit := range limits {
		if *limit.value, err = envUint(limit.name, 64, *limit.value); err != nil {
			return config, err
		}
	}

	timeoutMs, err := envUint("SIMQUEUE_WORKER_TIMEOUT_MS", 32, uint64(config.WorkerTimeout.Milliseconds()))
	if err != nil {
		return config, err
	}
	if timeoutMs == 0 {
		return config, fmt.Errorf("SIMQUEUE_WORKER_TIMEOUT_MS: %w", strconv.ErrRange)
	}
	config.WorkerTimeout = time.Duration(timeoutMs) * time.Millisecond

	return config, nil
}

func envUint(name string, bitSize int, fallback uint64) (uint64, error) {
	val := os.Getenv(name)
	if val == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(val, 10, bitSize)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", name, err)
	}
	return v, nil
}
