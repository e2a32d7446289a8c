package palisaded

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"net/http"
	_ "net/http/pprof" // #nosec G108 we are using a custom router (`router := mux.NewRouter()`) and thus not automatically expose pprof.
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	ethcommon "github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/palisade-bridge/palisade/pkg/bridge"
	"github.com/palisade-bridge/palisade/pkg/challenge"
	"github.com/palisade-bridge/palisade/pkg/council"
	"github.com/palisade-bridge/palisade/pkg/db"
	"github.com/palisade-bridge/palisade/pkg/fraudproof"
	"github.com/palisade-bridge/palisade/pkg/governor"
	"github.com/palisade-bridge/palisade/pkg/orchestrator"
	"github.com/palisade-bridge/palisade/pkg/readiness"
	"github.com/palisade-bridge/palisade/pkg/signer"
	"github.com/palisade-bridge/palisade/pkg/validator"
	"github.com/palisade-bridge/palisade/pkg/version"
)

var (
	dataDir    *string
	statusAddr *string

	signerUri *string
	homeChain *string
	feeBps    *uint64

	challengePeriod  *time.Duration
	minBond          *string
	challengerReward *string
	releaseInterval  *time.Duration

	perTxLimitUsd    *uint64
	hourlyLimitUsd   *uint64
	dailyLimitUsd    *uint64
	alertPercent     *int
	autoPausePercent *int

	bootstrapSigners   *[]string
	bootstrapThreshold *int

	guardians         *[]string
	guardianThreshold *int

	nodeName      *string
	logLevel      *string
	unsafeDevMode *bool
)

func init() {
	dataDir = NodeCmd.Flags().String("dataDir", "", "Data directory (required)")
	statusAddr = NodeCmd.Flags().String("statusAddr", "[::1]:6060", "Listen address for status server (disabled if blank)")

	signerUri = NodeCmd.Flags().String("signerUri", "", "Node signer URI (file://<path>, required outside devnet)")
	homeChain = NodeCmd.Flags().String("homeChain", "ethereum", "Chain this node takes custody on")
	feeBps = NodeCmd.Flags().Uint64("feeBps", 0, "Bridge fee in basis points (0 selects the default)")

	challengePeriod = NodeCmd.Flags().Duration("challengePeriod", 0, "Challenge window length (0 selects the default)")
	minBond = NodeCmd.Flags().String("minBond", "", "Smallest acceptable challenge bond in token base units")
	challengerReward = NodeCmd.Flags().String("challengerReward", "", "Reward paid on an upheld challenge in token base units")
	releaseInterval = NodeCmd.Flags().Duration("releaseInterval", 30*time.Second, "How often expired challenge windows are swept")

	perTxLimitUsd = NodeCmd.Flags().Uint64("perTxLimitUsd", 0, "Per-transfer volume limit in whole USD (0 selects the default)")
	hourlyLimitUsd = NodeCmd.Flags().Uint64("hourlyLimitUsd", 0, "Hourly volume limit in whole USD (0 selects the default)")
	dailyLimitUsd = NodeCmd.Flags().Uint64("dailyLimitUsd", 0, "Daily volume limit in whole USD (0 selects the default)")
	alertPercent = NodeCmd.Flags().Int("alertPercent", 0, "Window usage percentage that emits an alert (0 selects the default)")
	autoPausePercent = NodeCmd.Flags().Int("autoPausePercent", 0, "Window usage percentage that pauses the governor (0 selects the default)")

	bootstrapSigners = NodeCmd.Flags().StringSlice("bootstrapSigners", nil, "Signer addresses for first boot, ignored once a roster is persisted")
	bootstrapThreshold = NodeCmd.Flags().Int("bootstrapThreshold", 0, "Signature threshold for --bootstrapSigners")

	guardians = NodeCmd.Flags().StringSlice("guardians", nil, "Guardian council addresses for first boot")
	guardianThreshold = NodeCmd.Flags().Int("guardianThreshold", 0, "Council approval threshold for --guardians")

	nodeName = NodeCmd.Flags().String("nodeName", "", "Node name to announce in logs")
	logLevel = NodeCmd.Flags().String("logLevel", "info", "Logging level (debug, info, warn, error, dpanic, panic, fatal)")
	unsafeDevMode = NodeCmd.Flags().Bool("unsafeDevMode", false, "Launch node in unsafe, deterministic devnet mode")
}

var (
	rootCtx       context.Context
	rootCtxCancel context.CancelFunc
)

const devwarning = `
        +++++++++++++++++++++++++++++++++++++++++++++++++++
        |   NODE IS RUNNING IN INSECURE DEVELOPMENT MODE  |
        |                                                 |
        |      Do not use -unsafeDevMode in prod.         |
        +++++++++++++++++++++++++++++++++++++++++++++++++++

`

// Readiness components exposed on /readyz.
const (
	readinessValidator    readiness.Component = "validator"
	readinessGovernor     readiness.Component = "governor"
	readinessWindow       readiness.Component = "challengeWindow"
	readinessFraudEngine  readiness.Component = "fraudEngine"
	readinessCouncil      readiness.Component = "council"
	readinessOrchestrator readiness.Component = "orchestrator"
)

// NodeCmd represents the node command
var NodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run the palisade trust node",
	Run:   runNode,
}

func runNode(cmd *cobra.Command, args []string) {
	if *unsafeDevMode {
		fmt.Print(devwarning)
	}

	lockMemory()
	setRestrictiveUmask()

	// Set up logging.
	lvl, err := zapcore.ParseLevel(*logLevel)
	if err != nil {
		fmt.Println("Invalid log level")
		os.Exit(1)
	}

	logger := zap.New(zapcore.NewCore(
		consoleEncoder{zapcore.NewConsoleEncoder(
			zap.NewDevelopmentEncoderConfig())},
		zapcore.AddSync(zapcore.Lock(os.Stderr)),
		zap.NewAtomicLevelAt(lvl)))

	if *unsafeDevMode {
		// Use the hostname as nodeName. For production, we don't want to do this to
		// prevent accidentally leaking sensitive hostnames.
		hostname, err := os.Hostname()
		if err != nil {
			panic(err)
		}
		*nodeName = hostname
	}
	if *nodeName != "" {
		logger = logger.Named(*nodeName)
	}

	// Verify flags

	if *dataDir == "" {
		logger.Fatal("Please specify --dataDir")
	}
	if *signerUri == "" && !*unsafeDevMode { // In devnet mode, a throwaway key is generated.
		logger.Fatal("Please specify --signerUri")
	}

	homeChainID, err := bridge.ChainIDFromString(*homeChain)
	if err != nil {
		logger.Fatal("Invalid --homeChain", zap.Error(err))
	}

	var minBondValue, rewardValue *big.Int
	if *minBond != "" {
		var ok bool
		if minBondValue, ok = new(big.Int).SetString(*minBond, 10); !ok {
			logger.Fatal("Invalid --minBond", zap.String("value", *minBond))
		}
	}
	if *challengerReward != "" {
		var ok bool
		if rewardValue, ok = new(big.Int).SetString(*challengerReward, 10); !ok {
			logger.Fatal("Invalid --challengerReward", zap.String("value", *challengerReward))
		}
	}

	guardianKeys, err := parseEthAddresses(*guardians)
	if err != nil {
		logger.Fatal("Invalid --guardians", zap.Error(err))
	}

	// Node signer. The signer address is the daemon's identity towards the
	// challenge window: it is the sole request submitter, release confirmer,
	// fraud authority and window admin of this deployment.
	var nodeSigner signer.Signer
	if *signerUri != "" {
		nodeSigner, err = signer.NewSignerFromUri(*signerUri, *unsafeDevMode)
		if err != nil {
			logger.Fatal("failed to load node signer", zap.Error(err))
		}
	} else {
		nodeSigner, err = signer.NewGeneratedSigner(nil)
		if err != nil {
			logger.Fatal("failed to generate devnet signer", zap.Error(err))
		}
		logger.Warn("no --signerUri given, generated a throwaway devnet key")
	}

	selfEth := ethcrypto.PubkeyToAddress(nodeSigner.PublicKey())
	self := bridge.AddressFromEth(selfEth)
	logger.Info("node identity", zap.String("address", selfEth.Hex()))

	rootCtx, rootCtxCancel = context.WithCancel(context.Background())
	defer rootCtxCancel()

	// Handle SIGTERM, SIGINT
	sigterm := make(chan os.Signal, 1)
	signal.Notify(sigterm, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigterm
		logger.Info("Received sigterm. exiting.")
		rootCtxCancel()
	}()

	database := db.OpenDb(logger.With(zap.String("component", "db")), dataDir)
	defer database.Close()

	val := validator.NewValidator(logger, db.NewValidatorDB(database.Conn()), validator.Config{
		HomeChain: homeChainID,
	})

	gov := governor.NewGovernor(logger, db.NewGovernorDB(database.Conn()), governor.Config{
		PerTxLimit:       usdLimit(*perTxLimitUsd),
		HourlyLimit:      usdLimit(*hourlyLimitUsd),
		DailyLimit:       usdLimit(*dailyLimitUsd),
		AlertPercent:     *alertPercent,
		AutoPausePercent: *autoPausePercent,
	})

	win := challenge.NewWindow(logger, db.NewChallengeDB(database.Conn()), challenge.Config{
		Period:           *challengePeriod,
		MinBond:          minBondValue,
		ChallengerReward: rewardValue,
		Submitters:       []bridge.Address{self},
		FraudAuthority:   self,
		Orchestrator:     self,
		Admin:            self,
	})

	eng := fraudproof.NewEngine(logger, db.NewFraudDB(database.Conn()), val, fraudproof.Config{})

	cncl := council.NewCouncil(logger, db.NewCouncilDB(database.Conn()), council.Config{
		Guardians: guardianKeys,
		Threshold: *guardianThreshold,
		Admin:     selfEth,
	})

	// The in-process ledger takes custody of bridged funds. A production
	// deployment swaps in an AssetMover backed by the chain's escrow
	// contract.
	ledger := orchestrator.NewMemoryLedger()

	orch := orchestrator.NewOrchestrator(logger, db.NewOrchestratorDB(database.Conn()), cncl, gov, win, val, ledger, orchestrator.Config{
		HomeChain: homeChainID,
		FeeBps:    *feeBps,
		Self:      self,
	})

	// Register components for readiness checks.
	readiness.RegisterComponent(readinessValidator)
	readiness.RegisterComponent(readinessGovernor)
	readiness.RegisterComponent(readinessWindow)
	readiness.RegisterComponent(readinessFraudEngine)
	readiness.RegisterComponent(readinessCouncil)
	readiness.RegisterComponent(readinessOrchestrator)

	if *statusAddr != "" {
		runStatusServer(logger, *statusAddr, val, gov, win, eng, cncl, orch, self, homeChainID)
	}

	if err := val.Run(rootCtx); err != nil {
		logger.Fatal("failed to start validator", zap.Error(err))
	}
	readiness.SetReady(readinessValidator)

	if err := gov.Run(rootCtx); err != nil {
		logger.Fatal("failed to start governor", zap.Error(err))
	}
	readiness.SetReady(readinessGovernor)

	if err := win.Run(rootCtx); err != nil {
		logger.Fatal("failed to start challenge window", zap.Error(err))
	}
	readiness.SetReady(readinessWindow)

	if err := eng.Run(rootCtx); err != nil {
		logger.Fatal("failed to start fraud proof engine", zap.Error(err))
	}
	readiness.SetReady(readinessFraudEngine)

	if err := cncl.Run(rootCtx); err != nil {
		logger.Fatal("failed to start council", zap.Error(err))
	}
	readiness.SetReady(readinessCouncil)

	if err := orch.Run(rootCtx); err != nil {
		logger.Fatal("failed to start orchestrator", zap.Error(err))
	}
	readiness.SetReady(readinessOrchestrator)

	// First boot has no signer roster. Seed it from flags when given,
	// otherwise run degraded until an operator initializes one.
	set, err := val.CurrentSignerSet()
	switch {
	case err == nil:
		logger.Info("signer set active",
			zap.Uint32("index", set.Index),
			zap.Int("signers", len(set.Keys)),
			zap.Int("threshold", set.Threshold))
	case errors.Is(err, validator.ErrNoActiveSignerSet):
		if len(*bootstrapSigners) == 0 {
			logger.Warn("no signer set and no --bootstrapSigners, release verification is unavailable")
			break
		}
		keys, err := parseEthAddresses(*bootstrapSigners)
		if err != nil {
			logger.Fatal("Invalid --bootstrapSigners", zap.Error(err))
		}
		if err := val.InitSignerSet(keys, *bootstrapThreshold); err != nil {
			logger.Fatal("failed to initialize signer set", zap.Error(err))
		}
		logger.Info("initialized signer set",
			zap.Int("signers", len(keys)),
			zap.Int("threshold", *bootstrapThreshold))
	default:
		logger.Fatal("failed to query signer set", zap.Error(err))
	}

	// Sweep expired challenge windows so releases do not wait on a caller.
	go func() {
		ticker := time.NewTicker(*releaseInterval)
		defer ticker.Stop()
		for {
			select {
			case <-rootCtx.Done():
				return
			case <-ticker.C:
				if released := win.ReleaseReadyRequests(); len(released) > 0 {
					logger.Info("approved requests past their challenge deadline",
						zap.Int("count", len(released)))
				}
			}
		}
	}()

	// Surface governor threshold crossings to operators.
	go func() {
		for {
			select {
			case <-rootCtx.Done():
				return
			case alert := <-gov.Alerts():
				logger.Warn("volume window crossed alert threshold",
					zap.String("window", alert.Window),
					zap.String("usedUsd", alert.UsedUSD.String()),
					zap.String("limitUsd", alert.LimitUSD.String()),
					zap.Int64("percent", alert.Percent))
			}
		}
	}()

	logger.Info("palisade node running",
		zap.String("homeChain", homeChainID.String()),
		zap.String("version", version.Version()))

	<-rootCtx.Done()
	logger.Info("root context cancelled, exiting...")
}

// usdLimit converts a whole-dollar flag value to the governor's 1e18 scale.
// Zero means the flag was not given and the governor default applies.
func usdLimit(usd uint64) *big.Int {
	if usd == 0 {
		return nil
	}
	return new(big.Int).Mul(new(big.Int).SetUint64(usd), big.NewInt(1_000_000_000_000_000_000))
}

func parseEthAddresses(values []string) ([]ethcommon.Address, error) {
	if len(values) == 0 {
		return nil, nil
	}
	out := make([]ethcommon.Address, len(values))
	for i, v := range values {
		if !ethcommon.IsHexAddress(v) {
			return nil, fmt.Errorf("invalid address: %s", v)
		}
		out[i] = ethcommon.HexToAddress(v)
	}
	return out, nil
}

type statusResponse struct {
	Version      string             `json:"version"`
	HomeChain    string             `json:"homeChain"`
	Operational  bool               `json:"operational"`
	Validator    validator.Stats    `json:"validator"`
	Governor     governor.Stats     `json:"governor"`
	Window       challenge.Stats    `json:"challengeWindow"`
	FraudEngine  fraudproof.Stats   `json:"fraudEngine"`
	Council      council.Stats      `json:"council"`
	Orchestrator orchestrator.Stats `json:"orchestrator"`
}

type requestResponse struct {
	RequestID   string `json:"requestId"`
	Status      string `json:"status"`
	Sender      string `json:"sender"`
	Recipient   string `json:"recipient"`
	Token       string `json:"token"`
	Amount      string `json:"amount"`
	SourceChain string `json:"sourceChain"`
	TargetChain string `json:"targetChain"`
	Nonce       uint64 `json:"nonce"`
	SubmittedAt string `json:"submittedAt"`
	Deadline    string `json:"deadline"`
	Challenger  string `json:"challenger,omitempty"`
	Bond        string `json:"bond,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// runStatusServer exposes readiness, metrics and the v1 JSON surface. The
// admin mutations under /v1/admin trust the transport: keep statusAddr on
// loopback unless the network is trusted.
func runStatusServer(
	logger *zap.Logger,
	addr string,
	val *validator.Validator,
	gov *governor.Governor,
	win *challenge.Window,
	eng *fraudproof.Engine,
	cncl *council.Council,
	orch *orchestrator.Orchestrator,
	self bridge.Address,
	homeChainID bridge.ChainID,
) {
	// Use a custom routing instead of using http.DefaultServeMux directly to avoid accidentally exposing packages
	// that register themselves with it by default (like pprof).
	router := mux.NewRouter()

	// pprof server. NOT necessarily safe to expose publicly - only enable it in dev mode to avoid exposing it by
	// accident.
	if *unsafeDevMode {
		// Pass requests to http.DefaultServeMux, which pprof automatically registers with as an import side-effect.
		router.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux)
	}

	// Simple endpoint exposing node readiness (safe to expose to untrusted clients)
	router.HandleFunc("/readyz", readiness.Handler)

	// Prometheus metrics (safe to expose to untrusted clients)
	router.Handle("/metrics", promhttp.Handler())

	router.HandleFunc("/v1/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(logger, w, statusResponse{
			Version:      version.Version(),
			HomeChain:    homeChainID.String(),
			Operational:  orch.IsOperational(),
			Validator:    val.Stats(),
			Governor:     gov.Stats(),
			Window:       win.Stats(),
			FraudEngine:  eng.Stats(),
			Council:      cncl.Stats(),
			Orchestrator: orch.Stats(),
		})
	}).Methods(http.MethodGet)

	router.HandleFunc("/v1/request/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, err := bridge.StringToRequestID(mux.Vars(r)["id"])
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		req, ok := win.GetRequest(id)
		if !ok {
			http.Error(w, "request not found", http.StatusNotFound)
			return
		}
		resp := requestResponse{
			RequestID:   req.Message.RequestID.String(),
			Status:      req.Status.String(),
			Sender:      req.Message.Sender.String(),
			Recipient:   req.Message.Recipient.String(),
			Token:       req.Message.Token.String(),
			Amount:      req.Message.Amount.String(),
			SourceChain: req.Message.SourceChain.String(),
			TargetChain: req.Message.TargetChain.String(),
			Nonce:       req.Message.Nonce,
			SubmittedAt: req.SubmittedAt.UTC().Format(time.RFC3339),
			Deadline:    req.Deadline.UTC().Format(time.RFC3339),
			Reason:      req.Reason,
		}
		if !req.Challenger.IsZero() {
			resp.Challenger = req.Challenger.String()
		}
		if req.Bond != nil && req.Bond.Sign() > 0 {
			resp.Bond = req.Bond.String()
		}
		writeJSON(logger, w, resp)
	}).Methods(http.MethodGet)

	router.HandleFunc("/v1/admin/governor/resume", func(w http.ResponseWriter, r *http.Request) {
		if err := gov.Resume(); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		logger.Info("governor resumed via admin api")
		writeJSON(logger, w, map[string]string{"result": "resumed"})
	}).Methods(http.MethodPost)

	router.HandleFunc("/v1/admin/governor/token", func(w http.ResponseWriter, r *http.Request) {
		body, ok := readJSONBody(w, r)
		if !ok {
			return
		}
		cfg, err := tokenConfigFromJSON(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := gov.SetToken(cfg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		logger.Info("token configured via admin api",
			zap.String("token", cfg.Address.String()),
			zap.String("symbol", cfg.Symbol))
		writeJSON(logger, w, map[string]string{"result": "ok"})
	}).Methods(http.MethodPost)

	router.HandleFunc("/v1/admin/request/cancel", func(w http.ResponseWriter, r *http.Request) {
		body, ok := readJSONBody(w, r)
		if !ok {
			return
		}
		id, err := bridge.StringToRequestID(gjson.GetBytes(body, "requestId").String())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		reason := gjson.GetBytes(body, "reason").String()
		res, err := win.CancelRequest(self, id, reason)
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		logger.Info("request cancelled via admin api",
			zap.String("requestId", id.String()),
			zap.String("reason", reason))
		writeJSON(logger, w, map[string]string{
			"result":           "cancelled",
			"challengerPayout": res.ChallengerPayout.String(),
		})
	}).Methods(http.MethodPost)

	go func() {
		logger.Info("status server listening", zap.String("addr", addr))
		logger.Error("status server crashed", zap.Error(http.ListenAndServe(addr, router))) // #nosec G114 local status server
	}()
}

// tokenConfigFromJSON builds a governor token config from an admin request
// body. Limits are optional, price and decimals are not.
func tokenConfigFromJSON(body []byte) (governor.TokenConfig, error) {
	var cfg governor.TokenConfig

	addr, err := bridge.StringToAddress(gjson.GetBytes(body, "address").String())
	if err != nil {
		return cfg, fmt.Errorf("invalid token address: %w", err)
	}
	cfg.Address = addr
	cfg.Symbol = gjson.GetBytes(body, "symbol").String()

	decimals := gjson.GetBytes(body, "decimals").Uint()
	if decimals > math.MaxUint8 {
		return cfg, fmt.Errorf("invalid decimals: %d", decimals)
	}
	cfg.Decimals = uint8(decimals)

	price, ok := new(big.Int).SetString(gjson.GetBytes(body, "priceUsd").String(), 10)
	if !ok {
		return cfg, errors.New("invalid priceUsd")
	}
	cfg.PriceUSD = price

	for field, dst := range map[string]**big.Int{
		"perTxLimit":  &cfg.PerTxLimit,
		"hourlyLimit": &cfg.HourlyLimit,
		"dailyLimit":  &cfg.DailyLimit,
	} {
		v := gjson.GetBytes(body, field)
		if !v.Exists() {
			continue
		}
		limit, ok := new(big.Int).SetString(v.String(), 10)
		if !ok {
			return cfg, fmt.Errorf("invalid %s", field)
		}
		*dst = limit
	}

	return cfg, nil
}

func readJSONBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	if !gjson.ValidBytes(body) {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return nil, false
	}
	return body, true
}

func writeJSON(logger *zap.Logger, w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to write response", zap.Error(err))
	}
}
