package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/otcmesh/broker-node/assets"
	"github.com/otcmesh/broker-node/chain"
	"github.com/otcmesh/broker-node/chain/evm"
	"github.com/otcmesh/broker-node/chain/utxo"
	"github.com/otcmesh/broker-node/db/metadb"
	"github.com/otcmesh/broker-node/engine"
	"github.com/otcmesh/broker-node/log"
	"github.com/otcmesh/broker-node/queue"
	"github.com/otcmesh/broker-node/storage"
	"github.com/otcmesh/broker-node/types"
)

// Services holds all the running services
type Services struct {
	Storage *storage.Storage
	Chains  *chain.Registry
	Engine  *engine.Engine
	Queue   *queue.Processor
}

func main() {
	// Load configuration
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logging
	log.Init(cfg.Log.Level, cfg.Log.Output, nil)
	log.Infow("starting broker-node", "version", Version)

	// Validate configuration
	if err := validateConfig(cfg); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Create context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup services
	services, err := setupServices(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to setup services: %v", err)
	}
	defer shutdownServices(services)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Infow("received signal, shutting down", "signal", sig.String())
}

// buildAssetRegistry extends the shipped registry with the chains and assets
// from the configuration
func buildAssetRegistry(cfg *Config) (*assets.Registry, error) {
	registry := assets.DefaultRegistry()
	for id, cc := range cfg.Chains {
		kind := types.ChainAccount
		if cc.Kind == types.ChainUTXOName {
			kind = types.ChainUTXO
		}
		if err := registry.RegisterChain(assets.ChainParams{
			ChainID:               id,
			Kind:                  kind,
			CollectConfirmations:  cc.CollectConfirms,
			RequiredConfirmations: cc.Confirms,
		}); err != nil {
			return nil, fmt.Errorf("chain %s: %w", id, err)
		}
	}
	for _, ac := range cfg.Assets {
		asset := assets.Asset{
			Code:     ac.Code,
			Chain:    ac.Chain,
			Decimals: ac.Decimals,
			Native:   ac.Native,
			Contract: ac.Contract,
		}
		if ac.Dust != "" {
			asset.Dust = types.MustDecimal(ac.Dust)
		}
		if err := registry.RegisterAsset(asset); err != nil {
			return nil, fmt.Errorf("asset %s: %w", ac.Code, err)
		}
	}
	return registry, nil
}

// chainBuilders turns the per-chain configuration into adapter builders for
// the registry to dial concurrently
func chainBuilders(cfg *Config, registry *assets.Registry) (map[string]chain.Builder, error) {
	builders := make(map[string]chain.Builder, len(cfg.Chains))
	for id, cc := range cfg.Chains {
		switch cc.Kind {
		case types.ChainAccountName:
			keys, err := evm.NewStaticKeyStore(cc.Keys)
			if err != nil {
				return nil, fmt.Errorf("chain %s: %w", id, err)
			}
			evmCfg := evm.Config{
				ChainID:         id,
				NumericChainID:  big.NewInt(cc.NumericID),
				Endpoints:       cc.RPC,
				Operator:        cc.Operator,
				Broker:          cc.Broker,
				FeeRecipient:    cc.FeeRecipient,
				Confirmations:   cc.Confirms,
				CollectConfirms: cc.CollectConfirms,
			}
			builders[id] = func(ctx context.Context) (chain.Adapter, error) {
				return evm.New(ctx, evmCfg, registry, keys)
			}
		case types.ChainUTXOName:
			params, err := utxo.NetworkParams(cc.Network)
			if err != nil {
				return nil, fmt.Errorf("chain %s: %w", id, err)
			}
			keys, err := utxo.NewStaticKeyStore(params, cc.Keys)
			if err != nil {
				return nil, fmt.Errorf("chain %s: %w", id, err)
			}
			utxoCfg := utxo.Config{
				ChainID:         id,
				Host:            cc.RPC[0],
				User:            cc.User,
				Pass:            cc.Pass,
				DisableTLS:      cc.NoTLS,
				Network:         cc.Network,
				Operator:        cc.Operator,
				Confirmations:   cc.Confirms,
				CollectConfirms: cc.CollectConfirms,
				FlatFeeSats:     cc.FlatFeeSats,
			}
			builders[id] = func(context.Context) (chain.Adapter, error) {
				return utxo.New(utxoCfg, registry, keys)
			}
		}
	}
	return builders, nil
}

// setupServices initializes and starts all required services
func setupServices(ctx context.Context, cfg *Config) (*Services, error) {
	services := &Services{}

	// Initialize storage database
	log.Infow("initializing storage", "datadir", cfg.Datadir, "type", cfg.DB.Type)
	storagedb, err := metadb.New(cfg.DB.Type, cfg.Datadir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	services.Storage = storage.New(storagedb)

	// Build the asset registry from the shipped defaults and the config
	registry, err := buildAssetRegistry(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build asset registry: %w", err)
	}

	// Dial every configured chain
	log.Infow("dialing chain adapters", "chains", len(cfg.Chains))
	builders, err := chainBuilders(cfg, registry)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare chain adapters: %w", err)
	}
	services.Chains, err = chain.Build(ctx, builders)
	if err != nil {
		return nil, fmt.Errorf("failed to dial chains: %w", err)
	}

	// Set up the gas tank over the configured per-chain wallets
	accounts := make(map[string]engine.TankAccount)
	for id, cc := range cfg.Chains {
		if cc.Tank.Address == "" {
			continue
		}
		acct := engine.TankAccount{
			Escrow: types.Escrow{Address: cc.Tank.Address, KeyRef: cc.Tank.KeyRef},
			TopUp:  types.MustDecimal(cc.Tank.TopUp),
		}
		if cc.Tank.Floor != "" {
			acct.Floor = types.MustDecimal(cc.Tank.Floor)
		}
		accounts[id] = acct
	}
	var (
		tankSvc engine.TankService
		funder  queue.GasFunder
	)
	if len(accounts) > 0 {
		tank := engine.NewStaticTank(services.Chains, registry, accounts)
		tankSvc, funder = tank, tank
		log.Infow("gas tank configured", "chains", len(accounts))
	}

	// Pin the configured USD rates for the reimbursement calculator
	var rates engine.RateSource
	if len(cfg.Rates) > 0 {
		pinned := make(engine.StaticRates, len(cfg.Rates))
		for asset, rate := range cfg.Rates {
			pinned[asset] = types.MustDecimal(rate)
		}
		rates = pinned
	}

	// Start the deal engine
	log.Infow("starting deal engine", "tickInterval", cfg.Tick.Interval.String())
	services.Engine, err = engine.New(services.Storage, services.Chains, registry, tankSvc, rates, engine.Config{
		TickInterval:      cfg.Tick.Interval,
		LateDepositWindow: cfg.Watcher.Window,
		SettleDelay:       cfg.Watcher.Settle,
		ReimburseEnabled:  cfg.Engine.GasReimbursement.Enabled,
		ReimburseAssets:   cfg.Engine.GasReimbursement.Assets,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create deal engine: %w", err)
	}
	if err := services.Engine.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start deal engine: %w", err)
	}

	// Start the transfer queue processor
	log.Infow("starting queue processor", "drainInterval", cfg.Queue.Interval.String())
	services.Queue, err = queue.New(services.Storage, services.Chains, registry, funder, queue.Config{
		DrainInterval:  cfg.Queue.Interval,
		StuckThreshold: cfg.Queue.StuckThreshold,
		MaxGasBumps:    cfg.Queue.MaxGasBumps,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create queue processor: %w", err)
	}
	if err := services.Queue.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start queue processor: %w", err)
	}

	log.Info("broker-node is running, ready to process deals")
	return services, nil
}

// shutdownServices gracefully shuts down all services
func shutdownServices(services *Services) {
	if services == nil {
		return
	}

	// Stop services in reverse order of startup
	if services.Queue != nil {
		services.Queue.Stop()
	}
	if services.Engine != nil {
		services.Engine.Stop()
	}
	if services.Chains != nil {
		services.Chains.Close()
	}
	if services.Storage != nil {
		services.Storage.Close()
	}
}
