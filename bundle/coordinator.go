package bundle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/opexlabs/opex-node/metrics"
	"github.com/opexlabs/opex-node/tips"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const DefaultStatusPollInterval = time.Second

var errEmptyBundleID = errors.New("block engine returned an empty bundle id")

// ChainClient is the subset of the ledger RPC used for confirmation. *rpc.Client implements it.
type ChainClient interface {
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
}

type TipSource interface {
	FetchTip(ctx context.Context) (uint64, error)
}

type Config struct {
	BundlePollInterval  time.Duration
	StatusPollInterval  time.Duration
	StatusTimeout       time.Duration
	BundleTimeout       time.Duration
	Retry               RetryPolicy
	FallbackTipLamports uint64
}

var DefaultConfig = Config{
	BundlePollInterval:  DefaultBundlePollInterval,
	StatusPollInterval:  DefaultStatusPollInterval,
	StatusTimeout:       DefaultStatusTimeout,
	BundleTimeout:       DefaultBundleTimeout,
	Retry:               DefaultRetryPolicy,
	FallbackTipLamports: tips.DefaultFallbackLamports,
}

type SimulationOutcome struct {
	OK      bool       `json:"ok"`
	Logs    [][]string `json:"logs"`
	Message string     `json:"message,omitempty"`
}

type Result struct {
	BundleID   string             `json:"bundleId,omitempty"`
	Slot       uint64             `json:"slot,omitempty"`
	Simulation *SimulationOutcome `json:"simulation,omitempty"`
	Status     Status             `json:"status"`
	Summary    string             `json:"summary"`
}

type Coordinator struct {
	log      *zap.Logger
	cfg      Config
	engine   BlockEngine
	chain    ChainClient
	tips     TipSource
	accounts *tips.Accounts
}

func NewCoordinator(log *zap.Logger, cfg Config, engine BlockEngine, chain ChainClient, tipSource TipSource, accounts *tips.Accounts) *Coordinator {
	if cfg.BundlePollInterval <= 0 {
		cfg.BundlePollInterval = DefaultBundlePollInterval
	}
	if cfg.StatusPollInterval <= 0 {
		cfg.StatusPollInterval = DefaultStatusPollInterval
	}
	if cfg.StatusTimeout <= 0 {
		cfg.StatusTimeout = DefaultStatusTimeout
	}
	if cfg.BundleTimeout <= 0 {
		cfg.BundleTimeout = DefaultBundleTimeout
	}
	cfg.Retry = cfg.Retry.withDefaults()
	if cfg.FallbackTipLamports == 0 {
		cfg.FallbackTipLamports = tips.DefaultFallbackLamports
	}
	return &Coordinator{
		log:      log.Named("coordinator"),
		cfg:      cfg,
		engine:   engine,
		chain:    chain,
		tips:     tipSource,
		accounts: accounts,
	}
}

// Simulate dry-runs the bundle. A failed transaction yields an outcome with OK=false together with
// a *SimulationError. A summary of unknown shape yields an *UnexpectedSimulationError.
func (c *Coordinator) Simulate(ctx context.Context, b *Bundle, watch []solana.PublicKey) (*SimulationOutcome, error) {
	encoded, err := b.Encode()
	if err != nil {
		return nil, err
	}
	res, err := c.engine.SimulateBundle(ctx, encoded, watch)
	if err != nil {
		return nil, err
	}

	outcome := &SimulationOutcome{Logs: make([][]string, len(res.TransactionResults))}
	for i, tx := range res.TransactionResults {
		outcome.Logs[i] = tx.Logs
	}

	ok, failure, err := classifySummary(res.Summary)
	if err != nil {
		outcome.Message = string(res.Summary)
		metrics.IncBundlesSimulated(false)
		c.log.Error("Unexpected simulation summary", zap.ByteString("summary", res.Summary))
		return outcome, err
	}
	metrics.IncBundlesSimulated(ok)
	if !ok {
		outcome.Message = failure.Message
		failure.Logs = outcome.Logs
		c.log.Info("Bundle simulation failed", zap.String("message", failure.Message), zap.String("tx", failure.Signature))
		return outcome, failure
	}
	outcome.OK = true
	return outcome, nil
}

func classifySummary(raw json.RawMessage) (bool, *SimulationError, error) {
	var word string
	if err := json.Unmarshal(raw, &word); err == nil {
		if word == "succeeded" {
			return true, nil, nil
		}
		return false, nil, &UnexpectedSimulationError{Raw: raw}
	}

	var summary struct {
		Failed *struct {
			Error struct {
				TransactionFailure []json.RawMessage `json:"TransactionFailure"`
			} `json:"error"`
			TxSignature string `json:"tx_signature"`
		} `json:"failed"`
	}
	if err := json.Unmarshal(raw, &summary); err != nil || summary.Failed == nil {
		return false, nil, &UnexpectedSimulationError{Raw: raw}
	}
	failure := summary.Failed.Error.TransactionFailure
	if len(failure) != 2 {
		return false, nil, &UnexpectedSimulationError{Raw: raw}
	}
	var message string
	if err := json.Unmarshal(failure[1], &message); err != nil {
		return false, nil, &UnexpectedSimulationError{Raw: raw}
	}
	return false, &SimulationError{Message: message, Signature: summary.Failed.TxSignature}, nil
}

// Submit sends a bundle that has already passed simulation and returns its id.
func (c *Coordinator) Submit(ctx context.Context, b *Bundle) (string, error) {
	encoded, err := b.Encode()
	if err != nil {
		return "", err
	}

	var id string
	err = Retry(ctx, func() error {
		var err error
		id, err = c.engine.SendBundle(ctx, encoded)
		return err
	}, c.retryPolicy("sendBundle"))
	if err != nil {
		if ctx.Err() != nil {
			return "", err
		}
		return "", &SubmissionError{Err: err}
	}
	if id == "" {
		return "", &SubmissionError{Err: errEmptyBundleID}
	}
	metrics.IncBundlesSubmitted()
	c.log.Info("Bundle submitted", zap.String("bundle", id), zap.Int("txs", b.Len()))
	return id, nil
}

// Confirm waits until every transaction of the bundle has landed and the bundle is finalized, and
// returns the landing slot. A fatal error in either poll loop stops the other one.
func (c *Coordinator) Confirm(ctx context.Context, id string, b *Bundle) (uint64, error) {
	return c.confirm(ctx, id, b, nil)
}

func (c *Coordinator) confirm(ctx context.Context, id string, b *Bundle, tracker *Tracker) (uint64, error) {
	startAt := time.Now()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		loopCtx, cancel := context.WithTimeout(gctx, c.cfg.StatusTimeout)
		defer cancel()
		err := c.waitTransactions(loopCtx, b.Signatures(), tracker)
		return c.loopError(ctx, gctx, loopCtx, id, "transaction-status", err)
	})

	var slot uint64
	g.Go(func() error {
		loopCtx, cancel := context.WithTimeout(gctx, c.cfg.BundleTimeout)
		defer cancel()
		var err error
		slot, err = c.waitFinalized(loopCtx, id, tracker)
		return c.loopError(ctx, gctx, loopCtx, id, "bundle-status", err)
	})

	if err := g.Wait(); err != nil {
		if errors.Is(err, ErrConfirmationTimeout) {
			metrics.IncConfirmationTimeouts()
		}
		return 0, err
	}
	metrics.RecordConfirmationDuration(time.Since(startAt).Milliseconds())
	return slot, nil
}

// loopError reports a loop that stopped without learning whether the bundle landed as a
// *ConfirmationTimeoutError. Ledger failures, cancellation by the caller and the stop of a loop
// whose sibling already failed are returned as they are.
func (c *Coordinator) loopError(ctx, gctx, loopCtx context.Context, id, loop string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrTransactionFailed), errors.Is(err, ErrBundleFailed):
		return err
	case errors.Is(ctx.Err(), context.Canceled):
		return err
	case ctx.Err() == nil && gctx.Err() != nil:
		return err
	}
	if errors.Is(loopCtx.Err(), context.DeadlineExceeded) {
		c.log.Warn("Confirmation loop timed out", zap.String("bundle", id), zap.String("loop", loop))
	} else {
		c.log.Warn("Confirmation loop gave up, landing unknown", zap.String("bundle", id), zap.String("loop", loop), zap.Error(err))
	}
	return &ConfirmationTimeoutError{BundleID: id, Loop: loop, Err: err}
}

func (c *Coordinator) waitTransactions(ctx context.Context, sigs []solana.Signature, tracker *Tracker) error {
	for {
		res, err := c.chain.GetSignatureStatuses(ctx, true, sigs...)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return err
			}
			c.log.Warn("Failed to get signature statuses", zap.Error(err))
		case res == nil:
			c.log.Warn("Empty signature statuses response")
		default:
			if len(res.Value) != len(sigs) {
				c.log.Warn("Unexpected number of signature statuses", zap.Int("got", len(res.Value)), zap.Int("want", len(sigs)))
			}
			landed := 0
			for i, status := range res.Value {
				if i >= len(sigs) {
					break
				}
				if status == nil {
					continue
				}
				if status.Err != nil {
					txErr, _ := json.Marshal(status.Err)
					c.log.Error("Bundle transaction failed", zap.Stringer("tx", sigs[i]), zap.ByteString("err", txErr))
					return &TransactionFailedError{Signature: sigs[i].String(), Slot: status.Slot, Err: string(txErr)}
				}
				landed++
			}
			if landed == len(sigs) {
				c.advance(tracker, StatusLandedUnconfirmed, 0)
				return nil
			}
		}
		if err := sleep(ctx, c.cfg.StatusPollInterval); err != nil {
			return err
		}
	}
}

func (c *Coordinator) waitFinalized(ctx context.Context, id string, tracker *Tracker) (uint64, error) {
	log := c.log.With(zap.String("bundle", id))
	for {
		var statuses []*BundleStatusResult
		err := Retry(ctx, func() error {
			var err error
			statuses, err = c.engine.GetBundleStatuses(ctx, []string{id})
			return err
		}, c.retryPolicy("getBundleStatuses"))
		if err != nil {
			return 0, err
		}

		if len(statuses) > 0 && statuses[0] != nil {
			status := statuses[0]
			if status.Failed() {
				log.Error("Bundle failed", zap.Uint64("slot", status.Slot), zap.ByteString("err", status.Err))
				return 0, &BundleFailedError{BundleID: id, Slot: status.Slot, Err: string(status.Err)}
			}
			switch rpc.ConfirmationStatusType(status.ConfirmationStatus) {
			case rpc.ConfirmationStatusFinalized:
				log.Info("Bundle finalized", zap.Uint64("slot", status.Slot))
				return status.Slot, nil
			case rpc.ConfirmationStatusConfirmed:
				c.advance(tracker, StatusConfirmed, status.Slot)
			case rpc.ConfirmationStatusProcessed:
				c.advance(tracker, StatusLandedUnconfirmed, status.Slot)
			}
			log.Debug("Bundle not finalized yet", zap.String("confirmation_status", status.ConfirmationStatus))
		}

		if err := sleep(ctx, c.cfg.BundlePollInterval); err != nil {
			return 0, err
		}
	}
}

// EstimateTip never fails. Feed errors are logged and the fallback amount is returned.
func (c *Coordinator) EstimateTip(ctx context.Context) uint64 {
	if c.tips == nil {
		return c.cfg.FallbackTipLamports
	}
	lamports, err := c.tips.FetchTip(ctx)
	if err != nil || lamports == 0 {
		metrics.IncTipFallbacks()
		c.log.Warn("Failed to estimate tip, using fallback", zap.Error(err), zap.Uint64("fallback_lamports", c.cfg.FallbackTipLamports))
		return c.cfg.FallbackTipLamports
	}
	return lamports
}

func (c *Coordinator) TipAccount() solana.PublicKey {
	return c.accounts.Pick()
}

type executeOptions struct {
	tracker *Tracker
}

type ExecuteOption func(*executeOptions)

// WithTracker records status transitions of the execution on t. t must be fresh.
func WithTracker(t *Tracker) ExecuteOption {
	return func(o *executeOptions) {
		o.tracker = t
	}
}

// Execute simulates the bundle and, unless simulateOnly is set, submits and confirms it. A bundle
// that fails simulation is never submitted.
func (c *Coordinator) Execute(ctx context.Context, b *Bundle, watch solana.PublicKey, simulateOnly bool, opts ...ExecuteOption) (*Result, error) {
	options := executeOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	tracker := options.tracker
	if tracker == nil {
		tracker = NewTracker(nil)
	}
	startAt := time.Now()
	defer func() {
		metrics.RecordExecutionDuration(time.Since(startAt).Milliseconds())
	}()

	var watchAccounts []solana.PublicKey
	if watch != (solana.PublicKey{}) {
		watchAccounts = []solana.PublicKey{watch}
	}

	result := &Result{}
	outcome, err := c.Simulate(ctx, b, watchAccounts)
	result.Simulation = outcome
	if err != nil {
		if outcome != nil {
			c.advance(tracker, StatusSimulatedFailed, 0)
		}
		result.Status = tracker.Status()
		result.Summary = fmt.Sprintf("simulation of %d transactions failed: %v", b.Len(), err)
		return result, err
	}
	c.advance(tracker, StatusSimulatedOK, 0)
	result.Status = tracker.Status()
	if simulateOnly {
		result.Summary = fmt.Sprintf("simulation of %d transactions succeeded", b.Len())
		return result, nil
	}

	id, err := c.Submit(ctx, b)
	if err != nil {
		// the engine refused the bundle, it will not land
		if errors.Is(err, ErrSubmissionRejected) && !errors.Is(err, ErrRetryTimeout) {
			metrics.IncBundlesFailed()
			c.advance(tracker, StatusSubmitted, 0)
			c.advance(tracker, StatusFailed, 0)
			result.Status = tracker.Status()
		}
		result.Summary = fmt.Sprintf("submission failed: %v", err)
		return result, err
	}
	result.BundleID = id
	tracker.bind(id)
	c.advance(tracker, StatusSubmitted, 0)

	slot, err := c.confirm(ctx, id, b, tracker)
	if err != nil {
		if errors.Is(err, ErrTransactionFailed) || errors.Is(err, ErrBundleFailed) {
			metrics.IncBundlesFailed()
			c.advance(tracker, StatusFailed, 0)
		}
		result.Status = tracker.Status()
		result.Summary = fmt.Sprintf("bundle %s was not confirmed: %v", id, err)
		return result, err
	}
	metrics.IncBundlesFinalized()
	c.advance(tracker, StatusFinalized, slot)
	result.Slot = slot
	result.Status = tracker.Status()
	result.Summary = fmt.Sprintf("bundle %s finalized at slot %d", id, slot)
	return result, nil
}

func (c *Coordinator) advance(tracker *Tracker, next Status, slot uint64) {
	if tracker == nil || !tracker.Status().CanTransition(next) {
		return
	}
	if err := tracker.moveAt(next, slot); err != nil {
		c.log.Debug("Status transition skipped", zap.Error(err))
	}
}

func (c *Coordinator) retryPolicy(method string) RetryPolicy {
	policy := c.cfg.Retry
	notify := policy.Notify
	policy.Notify = func(err error, next time.Duration) {
		c.log.Warn("Block engine rate limited, backing off", zap.String("method", method), zap.Duration("next", next), zap.Error(err))
		if notify != nil {
			notify(err, next)
		}
	}
	return policy
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
