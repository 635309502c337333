package node

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/gagliardetto/solana-go"
	"github.com/opexlabs/opex-node/adapters/redis"
	"github.com/opexlabs/opex-node/bundle"
	"github.com/opexlabs/opex-node/jsonrpcserver"
	"github.com/opexlabs/opex-node/metrics"
	"github.com/opexlabs/opex-node/simqueue"
	"github.com/opexlabs/opex-node/spike"
	"github.com/opexlabs/opex-node/store"
	"github.com/opexlabs/opex-node/tips"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	ErrMaxSlotPassed        = errors.New("max slot is not ahead of the current slot")
	ErrQueueFull            = errors.New("execution queue is full, try later")
	ErrUnknownRequest       = errors.New("unknown request id")
	ErrInternalServiceError = errors.New("opex-node service error")

	simBundleTimeout    = 5 * time.Second
	statusLookupTimeout = time.Second
	tipFloorCacheTime   = 2 * time.Second
	requestCacheSize    = 1000
)

type Scheduler interface {
	ScheduleExecution(ctx context.Context, item *QueueItem, highPriority bool, maxSlot uint64) error
	CurrentSlot() uint64
}

type Simulator interface {
	Simulate(ctx context.Context, b *bundle.Bundle, watch []solana.PublicKey) (*bundle.SimulationOutcome, error)
}

type TipQuoter interface {
	Quote(ctx context.Context) tips.Quote
}

type StatusStore interface {
	Set(ctx context.Context, record redis.StatusRecord) error
	Get(ctx context.Context, requestID string) (*redis.StatusRecord, error)
}

type ExecutionStorage interface {
	InsertExecution(ctx context.Context, execution *store.DBExecution) (known bool, err error)
}

type API struct {
	log *zap.Logger

	scheduler      Scheduler
	simulator      Simulator
	statuses       StatusStore
	storage        ExecutionStorage
	simRateLimiter *rate.Limiter

	tipFloor          *spike.Manager[tips.Quote]
	knownRequestCache *lru.Cache[string, struct{}]
}

func NewAPI(
	log *zap.Logger,
	scheduler Scheduler, simulator Simulator, quoter TipQuoter, statuses StatusStore, storage ExecutionStorage,
	simRateLimit rate.Limit,
) *API {
	tipFloor := spike.NewManager(func(ctx context.Context, _ string) (tips.Quote, error) {
		return quoter.Quote(ctx), nil
	}, tipFloorCacheTime)

	return &API{
		log:               log.Named("api"),
		scheduler:         scheduler,
		simulator:         simulator,
		statuses:          statuses,
		storage:           storage,
		simRateLimiter:    rate.NewLimiter(simRateLimit, 1),
		tipFloor:          tipFloor,
		knownRequestCache: lru.NewCache[string, struct{}](requestCacheSize),
	}
}

// SendBundle validates the bundle and queues it for execution. The request id is the signature
// of the first transaction.
func (m *API) SendBundle(ctx context.Context, args SendBundleArgs) (SendBundleResponse, error) {
	metrics.IncRequestsReceived()

	b, err := DecodeBundle(args.Txs)
	if err != nil {
		m.log.Debug("Rejected bundle", zap.Error(err))
		return SendBundleResponse{}, err
	}
	requestID := b.Signatures()[0].String()
	logger := m.log.With(zap.String("request", requestID))

	if m.knownRequestCache.Contains(requestID) {
		logger.Debug("Request already known, ignoring")
		return SendBundleResponse{requestID}, nil
	}

	currentSlot := m.scheduler.CurrentSlot()
	maxSlot := args.MaxSlot
	if maxSlot == 0 {
		maxSlot = currentSlot + DefaultMaxSlotWindow
	}
	if maxSlot <= currentSlot {
		return SendBundleResponse{}, ErrMaxSlotPassed
	}

	var watch solana.PublicKey
	if args.WatchAccount != nil {
		watch = *args.WatchAccount
	}
	body, err := json.Marshal(args.Txs)
	if err != nil {
		return SendBundleResponse{}, err
	}
	highPriority := jsonrpcserver.GetPriority(ctx)

	execution := &store.DBExecution{
		RequestID:    requestID,
		HighPriority: highPriority,
		SimulateOnly: args.SimulateOnly,
		MaxSlot:      int64(maxSlot),
		TxCount:      b.Len(),
		Body:         body,
		ReceivedAt:   time.Now(),
	}
	execution.OriginID.String = jsonrpcserver.GetOrigin(ctx)
	execution.OriginID.Valid = execution.OriginID.String != ""
	if signer, ok := jsonrpcserver.GetSigner(ctx); ok {
		execution.Signer = signer.Bytes()
	}
	if args.WatchAccount != nil {
		execution.WatchAccount.String = watch.String()
		execution.WatchAccount.Valid = true
	}
	known, err := m.storage.InsertExecution(ctx, execution)
	if err != nil {
		logger.Error("Failed to store execution", zap.Error(err))
		return SendBundleResponse{}, ErrInternalServiceError
	}
	if known {
		// stored by an earlier attempt that was not scheduled or by a node that since restarted
		logger.Debug("Request already stored")
	}
	m.knownRequestCache.Add(requestID, struct{}{})

	err = m.statuses.Set(ctx, redis.StatusRecord{RequestID: requestID, Status: bundle.StatusNotSubmitted})
	if err != nil {
		logger.Warn("Failed to cache request status", zap.Error(err))
	}

	item := &QueueItem{
		RequestID:    requestID,
		Txs:          args.Txs,
		WatchAccount: watch,
		SimulateOnly: args.SimulateOnly,
	}
	err = m.scheduler.ScheduleExecution(ctx, item, highPriority, maxSlot)
	switch {
	case errors.Is(err, simqueue.ErrStaleItem):
		m.knownRequestCache.Remove(requestID)
		return SendBundleResponse{}, ErrMaxSlotPassed
	case errors.Is(err, simqueue.ErrQueueFull):
		m.knownRequestCache.Remove(requestID)
		return SendBundleResponse{}, ErrQueueFull
	case err != nil:
		m.knownRequestCache.Remove(requestID)
		logger.Error("Failed to schedule execution", zap.Error(err))
		return SendBundleResponse{}, ErrInternalServiceError
	}

	logger.Info("Execution scheduled",
		zap.Int("transactions", b.Len()),
		zap.Uint64("max_slot", maxSlot),
		zap.Bool("high_priority", highPriority),
		zap.Bool("simulate_only", args.SimulateOnly))
	return SendBundleResponse{requestID}, nil
}

// SimBundle simulates the bundle right away. A failed simulation is a result, not an error.
func (m *API) SimBundle(ctx context.Context, args SimBundleArgs) (*bundle.SimulationOutcome, error) {
	b, err := DecodeBundle(args.Txs)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, simBundleTimeout)
	defer cancel()
	if err := m.simRateLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	outcome, err := m.simulator.Simulate(ctx, b, args.WatchAccounts)
	if errors.Is(err, bundle.ErrSimulationFailed) && outcome != nil {
		return outcome, nil
	}
	if err != nil {
		m.log.Warn("Failed to simulate bundle", zap.Error(err))
		return nil, err
	}
	return outcome, nil
}

func (m *API) GetBundleStatus(ctx context.Context, requestID string) (*redis.StatusRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, statusLookupTimeout)
	defer cancel()
	record, err := m.statuses.Get(ctx, requestID)
	if errors.Is(err, redis.ErrStatusNotFound) {
		return nil, ErrUnknownRequest
	}
	if err != nil {
		m.log.Error("Failed to get request status", zap.String("request", requestID), zap.Error(err))
		return nil, ErrInternalServiceError
	}
	return record, nil
}

// TipFloor returns the current tip estimate and a tip account. Concurrent callers share one feed request.
func (m *API) TipFloor(ctx context.Context) (tips.Quote, error) {
	return m.tipFloor.GetResult(ctx, TipFloorEndpointName)
}
