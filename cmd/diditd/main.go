package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"diditd/blob"
	"diditd/config"
	"diditd/core/events"
	"diditd/gateway"
	"diditd/native/bounty"
	"diditd/observability/logging"
	"diditd/projection"
	"diditd/rpc"
	"diditd/state"
	"diditd/storage"
)

const envVar = "DIDIT_ENV"

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv(envVar))
	logger := logging.Setup("diditd", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		panic(fmt.Sprintf("Failed to create data directory: %v", err))
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "ledger"))
	if err != nil {
		panic(fmt.Sprintf("Failed to open ledger database: %v", err))
	}
	defer db.Close()

	projector, err := projection.Open(cfg.ProjectionPath, logger)
	if err != nil {
		panic(fmt.Sprintf("Failed to open projection database: %v", err))
	}

	blobs, err := blob.NewFSStore(filepath.Join(cfg.DataDir, "blobs"))
	if err != nil {
		panic(fmt.Sprintf("Failed to open blob store: %v", err))
	}

	engine := bounty.NewEngine()
	engine.SetState(state.NewManager(db))
	engine.SetPolicy(bounty.Policy{AllowCreatorSubmit: cfg.AllowCreatorSubmit})
	engine.SetEmitter(events.NewMultiEmitter(projector))

	if err := seedGenesisAccounts(engine, cfg.GenesisAccounts); err != nil {
		panic(fmt.Sprintf("Failed to seed genesis accounts: %v", err))
	}

	gatewayServer := &http.Server{
		Addr:              cfg.GatewayAddress,
		Handler:           gateway.New(engine, projector, blobs, logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	rpcServer := &http.Server{
		Addr:              cfg.RPCAddress,
		Handler:           rpc.NewServer(engine, projector).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		if err := gatewayServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("gateway: %w", err)
		}
	}()
	go func() {
		if err := rpcServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("rpc: %w", err)
		}
	}()
	logger.Info("ledger ready", "rpc", cfg.RPCAddress, "gateway", cfg.GatewayAddress)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.Error("server stopped", "err", err)
		os.Exit(1)
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := rpcServer.Shutdown(ctx); err != nil {
		logger.Error("rpc shutdown", "err", err)
	}
	if err := gatewayServer.Shutdown(ctx); err != nil {
		logger.Error("gateway shutdown", "err", err)
	}
}

// seedGenesisAccounts credits configured balances once per fresh data
// directory. Funding an already-funded account again on restart is avoided by
// only crediting addresses with a zero balance.
func seedGenesisAccounts(engine *bounty.Engine, accounts []config.GenesisAccount) error {
	for _, acc := range accounts {
		raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(acc.Address), "0x"))
		if err != nil || len(raw) != 20 {
			return fmt.Errorf("invalid genesis address %q", acc.Address)
		}
		var addr [20]byte
		copy(addr[:], raw)
		balance, err := engine.BalanceOf(addr)
		if err != nil {
			return err
		}
		if balance.Sign() > 0 {
			continue
		}
		amount, ok := new(big.Int).SetString(strings.TrimSpace(acc.Balance), 10)
		if !ok {
			return fmt.Errorf("invalid genesis balance %q", acc.Balance)
		}
		if err := engine.FundAccount(addr, amount); err != nil {
			return err
		}
	}
	return nil
}
