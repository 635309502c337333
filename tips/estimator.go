package tips

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"net/http"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/opexlabs/opex-node/metrics"
	"go.uber.org/zap"
)

const (
	// DefaultFallbackLamports is paid when the tip feed cannot be used.
	DefaultFallbackLamports uint64 = 100_000
	DefaultFeedURL                 = "https://bundles.jito.wtf/api/v1/bundles/tip_floor"
	DefaultFeedTimeout             = 5 * time.Second
)

var (
	ErrFeedStatus        = errors.New("tip feed returned non-200 status")
	ErrFeedEmpty         = errors.New("tip feed returned no entries")
	ErrNonPositiveTip    = errors.New("tip feed returned non-positive tip")
	ErrTipOutOfRange     = errors.New("tip feed value out of range")
	lamportsPerSolFloat  = new(big.Float).SetUint64(solana.LAMPORTS_PER_SOL)
	lamportsPerSolNative = float64(solana.LAMPORTS_PER_SOL)
)

// TipFloor is one entry of the tip feed. Values are denominated in SOL.
type TipFloor struct {
	Time                        string  `json:"time"`
	LandedTips25thPercentile    float64 `json:"landed_tips_25th_percentile"`
	LandedTips50thPercentile    float64 `json:"landed_tips_50th_percentile"`
	LandedTips75thPercentile    float64 `json:"landed_tips_75th_percentile"`
	LandedTips95thPercentile    float64 `json:"landed_tips_95th_percentile"`
	LandedTips99thPercentile    float64 `json:"landed_tips_99th_percentile"`
	EMALandedTips50thPercentile float64 `json:"ema_landed_tips_50th_percentile"`
}

// Quote is a tip amount together with the account it should be paid to.
type Quote struct {
	Lamports uint64           `json:"lamports"`
	Account  solana.PublicKey `json:"account"`
}

type Config struct {
	FeedURL          string
	Timeout          time.Duration
	FallbackLamports uint64
}

var DefaultConfig = Config{
	FeedURL:          DefaultFeedURL,
	Timeout:          DefaultFeedTimeout,
	FallbackLamports: DefaultFallbackLamports,
}

type Estimator struct {
	log      *zap.Logger
	client   *http.Client
	feedURL  string
	fallback uint64
	accounts *Accounts
}

func NewEstimator(log *zap.Logger, cfg Config, accounts *Accounts) *Estimator {
	if cfg.FallbackLamports == 0 {
		cfg.FallbackLamports = DefaultFallbackLamports
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultFeedTimeout
	}
	return &Estimator{
		log:      log.Named("tips"),
		client:   &http.Client{Timeout: cfg.Timeout},
		feedURL:  cfg.FeedURL,
		fallback: cfg.FallbackLamports,
		accounts: accounts,
	}
}

// FetchTip reads the 95th percentile of recently landed tips from the feed.
func (e *Estimator) FetchTip(ctx context.Context) (uint64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.feedURL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: %d", ErrFeedStatus, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}

	var floors []TipFloor
	if err := json.Unmarshal(body, &floors); err != nil {
		return 0, err
	}
	if len(floors) == 0 {
		return 0, ErrFeedEmpty
	}
	return SolToLamports(floors[0].LandedTips95thPercentile)
}

// EstimateTip never fails. Feed errors are logged and the fallback amount is returned.
func (e *Estimator) EstimateTip(ctx context.Context) uint64 {
	lamports, err := e.FetchTip(ctx)
	if err != nil {
		metrics.IncTipFallbacks()
		e.log.Warn("Tip feed unavailable, using fallback", zap.Error(err), zap.Uint64("fallback_lamports", e.fallback))
		return e.fallback
	}
	e.log.Debug("Fetched tip floor", zap.Uint64("lamports", lamports), zap.String("sol", FormatLamports(lamports)))
	return lamports
}

func (e *Estimator) Quote(ctx context.Context) Quote {
	return Quote{
		Lamports: e.EstimateTip(ctx),
		Account:  e.accounts.Pick(),
	}
}

func (e *Estimator) TipAccount() solana.PublicKey {
	return e.accounts.Pick()
}

// SolToLamports converts a SOL amount to lamports rounding to the nearest lamport.
func SolToLamports(sol float64) (uint64, error) {
	if math.IsNaN(sol) || math.IsInf(sol, 0) {
		return 0, ErrTipOutOfRange
	}
	lamports := math.Round(sol * lamportsPerSolNative)
	if lamports <= 0 {
		return 0, ErrNonPositiveTip
	}
	if lamports >= math.MaxUint64 {
		return 0, ErrTipOutOfRange
	}
	return uint64(lamports), nil
}

func FormatLamports(lamports uint64) string {
	f := new(big.Float).SetUint64(lamports)
	return f.Quo(f, lamportsPerSolFloat).String()
}
