// opex builds a single optimistic execution around a memo instruction and delivers it through
// the block engine.
package main

import (
	"context"
	"flag"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flashbots/go-utils/cli"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/opexlabs/opex-node/bundle"
	"github.com/opexlabs/opex-node/opex"
	"github.com/opexlabs/opex-node/signer"
	"github.com/opexlabs/opex-node/tips"
	"go.uber.org/zap"
)

var (
	defaultDebug        = os.Getenv("DEBUG") == "1"
	defaultEngineConfig = cli.GetEnv("ENGINE_CONFIG", "engine.yaml")
	defaultRPCEndpoint  = cli.GetEnv("RPC_ENDPOINT", rpc.MainNetBeta_RPC)
	defaultKeypair      = cli.GetEnv("OPERATOR_KEYPAIR", "id.json")
	defaultProgramID    = cli.GetEnv("OPEX_PROGRAM_ID", "")
	defaultRPID         = cli.GetEnv("AUTHENTICATOR_RP_ID", "opex.local")
	defaultOrigin       = cli.GetEnv("AUTHENTICATOR_ORIGIN", "https://opex.local")

	debugPtr        = flag.Bool("debug", defaultDebug, "print debug output")
	engineConfigPtr = flag.String("engine-config", defaultEngineConfig, "block engine config file")
	rpcPtr          = flag.String("rpc", defaultRPCEndpoint, "ledger rpc endpoint, overridden by rpc_url in the engine config")
	keypairPtr      = flag.String("keypair", defaultKeypair, "operator keypair file (solana keygen format)")
	programIDPtr    = flag.String("program-id", defaultProgramID, "optimistic execution program id")
	rpIDPtr         = flag.String("rp-id", defaultRPID, "authenticator relying party id")
	originPtr       = flag.String("origin", defaultOrigin, "authenticator origin")
	memoPtr         = flag.String("memo", "opex", "memo written by the target instruction")
	tokenAmountPtr  = flag.Uint64("token-amount", 0, "token amount authorized by the intent")
	tipPtr          = flag.Uint64("tip", 0, "tip in lamports, 0 uses the tip feed")
	windowPtr       = flag.Uint64("window", opex.DefaultWindow, "slots the intent stays executable")
	simulatePtr     = flag.Bool("simulate", false, "only simulate the bundle")
	timeoutPtr      = flag.Duration("timeout", 5*time.Minute, "overall execution timeout")
)

func main() {
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	if !*debugPtr {
		logger = logger.WithOptions(zap.IncreaseLevel(zap.InfoLevel))
	}
	defer func() { _ = logger.Sync() }()

	// the authenticator key is only read from the environment
	authKey := os.Getenv("AUTHENTICATOR_KEY")
	if authKey == "" {
		logger.Fatal("AUTHENTICATOR_KEY is not set")
	}
	programID, err := solana.PublicKeyFromBase58(*programIDPtr)
	if err != nil {
		logger.Fatal("Failed to parse program id", zap.Error(err))
	}
	operator, err := solana.PrivateKeyFromSolanaKeygenFile(*keypairPtr)
	if err != nil {
		logger.Fatal("Failed to load operator keypair", zap.Error(err))
	}

	engineConfig, err := bundle.LoadEngineConfig(*engineConfigPtr)
	if err != nil {
		logger.Fatal("Failed to load engine config", zap.Error(err))
	}
	tipAccounts, err := engineConfig.TipAccounts()
	if err != nil {
		logger.Fatal("Failed to parse tip accounts", zap.Error(err))
	}
	if tipAccounts == nil {
		tipAccounts = tips.DefaultAccounts
	}
	accounts, err := tips.NewAccounts(tipAccounts, rand.New(rand.NewSource(time.Now().UnixNano()))) //nolint:gosec
	if err != nil {
		logger.Fatal("Failed to load tip accounts", zap.Error(err))
	}
	tipConfig := tips.DefaultConfig
	if engineConfig.Tips.FeedURL != "" {
		tipConfig.FeedURL = engineConfig.Tips.FeedURL
	}
	if engineConfig.Tips.FallbackLamports > 0 {
		tipConfig.FallbackLamports = engineConfig.Tips.FallbackLamports
	}

	rpcEndpoint := *rpcPtr
	if engineConfig.RPCURL != "" {
		rpcEndpoint = engineConfig.RPCURL
	}
	rpcClient := rpc.New(rpcEndpoint)

	coordinatorConfig := engineConfig.CoordinatorConfig()
	coordinatorConfig.FallbackTipLamports = tipConfig.FallbackLamports
	coordinator := bundle.NewCoordinator(logger, coordinatorConfig,
		bundle.NewJSONRPCBlockEngine(engineConfig.EngineOpts()),
		rpcClient,
		tips.NewEstimator(logger, tipConfig, accounts),
		accounts,
	)

	rawSigner, err := signer.NewECDSASigner(signer.HexKeyLoader(authKey))
	if err != nil {
		logger.Fatal("Failed to load authenticator key", zap.Error(err))
	}
	authenticator := signer.NewProvider(rawSigner, signer.Options{RPID: *rpIDPtr, Origin: *originPtr})

	assembler, err := opex.NewAssembler(logger, opex.Config{ProgramID: programID, Window: *windowPtr}, rpcClient, authenticator, coordinator, operator)
	if err != nil {
		logger.Fatal("Failed to create assembler", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeoutPtr)
	defer cancel()
	go func() {
		notifier := make(chan os.Signal, 1)
		signal.Notify(notifier, os.Interrupt, syscall.SIGTERM)
		<-notifier
		logger.Info("Interrupted, cancelling execution")
		cancel()
	}()

	memo := solana.NewInstruction(solana.MemoProgramID, solana.AccountMetaSlice{}, []byte(*memoPtr))
	req := opex.Request{
		Targets:     []solana.Instruction{memo},
		TokenAmount: *tokenAmountPtr,
		TipLamports: *tipPtr,
	}

	tracker := bundle.NewTracker(func(t bundle.Transition) {
		logger.Info("Bundle status changed", zap.Stringer("from", t.From), zap.Stringer("to", t.To), zap.String("bundle", t.BundleID), zap.Uint64("slot", t.Slot))
	})
	execution, err := assembler.Execute(ctx, req, operator.PublicKey(), *simulatePtr, bundle.WithTracker(tracker))
	if execution != nil {
		plan := execution.Plan
		fields := []zap.Field{
			zap.Stringer("intent", plan.IntentAddress),
			zap.Stringer("intent_state", plan.Intent.State),
			zap.Uint64("max_slot", plan.Intent.MaxSlot),
			zap.Uint64("tip_lamports", plan.Tip.Lamports),
			zap.String("tip_sol", tips.FormatLamports(plan.Tip.Lamports)),
			zap.Stringer("tip_account", plan.Tip.Account),
		}
		for _, phase := range plan.Phases {
			fields = append(fields, zap.Stringer(phase.Name, phase.Transaction.Signatures[0]))
		}
		if res := execution.Result; res != nil {
			fields = append(fields, zap.Stringer("status", res.Status), zap.String("summary", res.Summary))
			if res.Simulation != nil && !res.Simulation.OK {
				fields = append(fields, zap.String("simulation_error", res.Simulation.Message))
			}
		}
		logger.Info("Optimistic execution done", fields...)
	}
	if err != nil {
		logger.Fatal("Optimistic execution failed", zap.Error(err))
	}
}
