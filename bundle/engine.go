package bundle

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/opexlabs/opex-node/metrics"
	"github.com/ybbus/jsonrpc/v3"
	"golang.org/x/time/rate"
)

// RateLimitedCode is the JSON-RPC error code the block engine uses when a client exceeds its quota.
const RateLimitedCode = -32097

var ErrNoSimulationResult = errors.New("block engine returned no simulation result")

// BlockEngine is the transport to the block assembly service.
type BlockEngine interface {
	SimulateBundle(ctx context.Context, encoded []string, watch []solana.PublicKey) (*SimulateBundleResult, error)
	SendBundle(ctx context.Context, encoded []string) (string, error)
	GetBundleStatuses(ctx context.Context, ids []string) ([]*BundleStatusResult, error)
}

type SimulateBundleResult struct {
	Summary            json.RawMessage        `json:"summary"`
	TransactionResults []SimulatedTransaction `json:"transactionResults"`
}

type SimulatedTransaction struct {
	Err                   json.RawMessage    `json:"err,omitempty"`
	Logs                  []string           `json:"logs"`
	PreExecutionAccounts  []SimulatedAccount `json:"preExecutionAccounts,omitempty"`
	PostExecutionAccounts []SimulatedAccount `json:"postExecutionAccounts,omitempty"`
	UnitsConsumed         *uint64            `json:"unitsConsumed,omitempty"`
}

type SimulatedAccount struct {
	Lamports   uint64   `json:"lamports"`
	Owner      string   `json:"owner"`
	Data       []string `json:"data"`
	Executable bool     `json:"executable"`
}

type BundleStatusResult struct {
	BundleID           string          `json:"bundle_id"`
	Transactions       []string        `json:"transactions"`
	Slot               uint64          `json:"slot"`
	ConfirmationStatus string          `json:"confirmation_status"`
	Err                json.RawMessage `json:"err"`
}

// Failed reports whether the status carries an error other than {"Ok":null}.
func (r *BundleStatusResult) Failed() bool {
	if len(r.Err) == 0 || string(r.Err) == "null" {
		return false
	}
	var ok struct {
		Ok json.RawMessage `json:"Ok"`
	}
	if err := json.Unmarshal(r.Err, &ok); err == nil && ok.Ok != nil {
		return false
	}
	return true
}

type accountsConfig struct {
	Accounts []string `json:"accounts"`
	Encoding string   `json:"encoding"`
}

type simulateBundleParams struct {
	EncodedTransactions []string `json:"encodedTransactions"`
}

type simulateBundleConfig struct {
	PreExecutionAccountsConfigs  []*accountsConfig `json:"preExecutionAccountsConfigs"`
	PostExecutionAccountsConfigs []*accountsConfig `json:"postExecutionAccountsConfigs"`
	TransactionEncoding          string            `json:"transactionEncoding"`
	SkipSigVerify                bool              `json:"skipSigVerify"`
	ReplaceRecentBlockhash       bool              `json:"replaceRecentBlockhash"`
}

type sendBundleConfig struct {
	Encoding string `json:"encoding"`
}

// JSONRPCBlockEngine talks to the block engine (sendBundle, getBundleStatuses) and to a
// bundle-aware RPC node (simulateBundle). Every call waits on a shared client-side rate limiter.
type JSONRPCBlockEngine struct {
	engine  jsonrpc.RPCClient
	sim     jsonrpc.RPCClient
	limiter *rate.Limiter
}

type JSONRPCBlockEngineOpts struct {
	BlockEngineURL string
	SimulationURL  string
	AuthToken      string
	RateLimit      rate.Limit
	RateBurst      int
	RequestTimeout time.Duration
}

func NewJSONRPCBlockEngine(opts JSONRPCBlockEngineOpts) *JSONRPCBlockEngine {
	headers := map[string]string{}
	if opts.AuthToken != "" {
		headers["x-jito-auth"] = opts.AuthToken
	}
	httpClient := &http.Client{Timeout: opts.RequestTimeout}
	clientOpts := &jsonrpc.RPCClientOpts{HTTPClient: httpClient, CustomHeaders: headers}

	simURL := opts.SimulationURL
	if simURL == "" {
		simURL = opts.BlockEngineURL
	}
	if opts.RateLimit == 0 {
		opts.RateLimit = rate.Inf
	}
	if opts.RateBurst == 0 {
		opts.RateBurst = 1
	}
	return &JSONRPCBlockEngine{
		engine:  jsonrpc.NewClientWithOpts(opts.BlockEngineURL, clientOpts),
		sim:     jsonrpc.NewClientWithOpts(simURL, clientOpts),
		limiter: rate.NewLimiter(opts.RateLimit, opts.RateBurst),
	}
}

func (e *JSONRPCBlockEngine) SimulateBundle(ctx context.Context, encoded []string, watch []solana.PublicKey) (*SimulateBundleResult, error) {
	accounts := make([]string, len(watch))
	for i, pk := range watch {
		accounts[i] = pk.String()
	}
	pre := make([]*accountsConfig, len(encoded))
	post := make([]*accountsConfig, len(encoded))
	for i := range encoded {
		pre[i] = &accountsConfig{Accounts: accounts, Encoding: "base64"}
		post[i] = &accountsConfig{Accounts: accounts, Encoding: "base64"}
	}
	config := simulateBundleConfig{
		PreExecutionAccountsConfigs:  pre,
		PostExecutionAccountsConfigs: post,
		TransactionEncoding:          "base64",
	}

	var result struct {
		Value *SimulateBundleResult `json:"value"`
	}
	err := e.call(ctx, e.sim, &result, "simulateBundle", simulateBundleParams{EncodedTransactions: encoded}, config)
	if err != nil {
		return nil, err
	}
	if result.Value == nil {
		return nil, &EngineError{Kind: KindFatal, Method: "simulateBundle", Err: ErrNoSimulationResult}
	}
	return result.Value, nil
}

func (e *JSONRPCBlockEngine) SendBundle(ctx context.Context, encoded []string) (string, error) {
	var id string
	err := e.call(ctx, e.engine, &id, "sendBundle", encoded, sendBundleConfig{Encoding: "base64"})
	return id, err
}

func (e *JSONRPCBlockEngine) GetBundleStatuses(ctx context.Context, ids []string) ([]*BundleStatusResult, error) {
	var result struct {
		Value []*BundleStatusResult `json:"value"`
	}
	// a single slice argument is sent as the params array itself, so it is wrapped once more
	err := e.call(ctx, e.engine, &result, "getBundleStatuses", [][]string{ids})
	return result.Value, err
}

func (e *JSONRPCBlockEngine) call(ctx context.Context, client jsonrpc.RPCClient, out any, method string, params ...any) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return err
	}
	startAt := time.Now()
	defer func() {
		metrics.RecordBlockEngineCallDuration(method, time.Since(startAt).Milliseconds())
	}()

	res, err := client.Call(ctx, method, params...)
	if err != nil {
		return classify(method, err)
	}
	if res.Error != nil {
		return classify(method, res.Error)
	}
	if err := res.GetObject(out); err != nil {
		return &EngineError{Kind: KindFatal, Method: method, Err: err}
	}
	return nil
}

// classify maps transport errors onto error kinds. Only rate limiting is retryable.
func classify(method string, err error) error {
	kind := KindFatal
	code := 0

	var httpErr *jsonrpc.HTTPError
	var rpcErr *jsonrpc.RPCError
	switch {
	case errors.As(err, &httpErr):
		code = httpErr.Code
		if code == http.StatusTooManyRequests {
			kind = KindRetryable
		}
	case errors.As(err, &rpcErr):
		code = rpcErr.Code
		if code == RateLimitedCode {
			kind = KindRetryable
		}
	}
	if kind == KindFatal {
		metrics.IncRPCCallFailure(method)
	}
	return &EngineError{Kind: kind, Method: method, Code: code, Err: err}
}
