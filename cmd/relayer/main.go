package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gin-gonic/gin"

	"github.com/x402-foundation/forwarder"
	"github.com/x402-foundation/forwarder/audit"
	"github.com/x402-foundation/forwarder/backends/memory"
	"github.com/x402-foundation/forwarder/backends/rpc"
	"github.com/x402-foundation/forwarder/config"
	fwdgin "github.com/x402-foundation/forwarder/pkg/gin"
)

type backend struct {
	invoker forwarder.Invoker
	payer   forwarder.Payer
	pricer  ethereum.GasPricer
	relayer common.Address
	close   func()
}

func main() {
	if err := run(); err != nil {
		log.Crit("Relayer stopped", "err", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.SetupLogging(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	be, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer be.close()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	opts := append(cfg.ForwarderOptions(), forwarder.WithEventSink(store))
	fwd, err := forwarder.New(cfg.Forwarder(), be.invoker, be.payer, opts...)
	if err != nil {
		return err
	}
	if !fwd.IsAuthorizedRelayer(be.relayer) {
		log.Warn("Relayer is not authorized yet; schedule it through /admin/relayers", "relayer", be.relayer)
	}

	gin.SetMode(gin.ReleaseMode)
	router := fwdgin.NewRouter(fwd,
		fwdgin.WithRelayer(be.relayer),
		fwdgin.WithGasPricer(be.pricer),
		fwdgin.WithEventStore(store),
		fwdgin.WithExecutionCache(forwarder.NewExecutionCache(cfg.CacheTTL)),
		fwdgin.WithAdminToken(cfg.AdminToken),
	)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info("Relayer listening", "port", cfg.Port, "forwarder", fwd.Address(), "relayer", be.relayer)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		log.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down: %w", err)
		}
	}
	log.Info("Shutdown complete")
	return nil
}

func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	if cfg.RPCURL == "" {
		log.Warn("No RPC_URL configured; forwarding into the in-memory backend")
		mem := memory.New(cfg.ForwarderAddress)
		return &backend{invoker: mem, payer: mem, relayer: cfg.RelayerAddress, close: func() {}}, nil
	}

	key, err := cfg.ForwarderKey()
	if err != nil {
		return nil, err
	}
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.RPCURL, err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to read chain id: %w", err)
	}
	if chainID.Cmp(cfg.ChainID) != 0 {
		client.Close()
		return nil, fmt.Errorf("RPC chain id %s does not match CHAIN_ID %s", chainID, cfg.ChainID)
	}

	wallet := rpc.NewWallet(client, key, cfg.ChainID)
	log.Info("Connected to chain", "chainId", chainID, "wallet", wallet.Address())
	return &backend{
		invoker: rpc.NewInvoker(client, wallet),
		payer:   rpc.NewPayer(wallet),
		pricer:  client,
		relayer: cfg.RelayerAddress,
		close:   client.Close,
	}, nil
}

func openStore(ctx context.Context, cfg *config.Config) (audit.Store, func(), error) {
	switch {
	case cfg.MySQLDSN != "":
		store, err := audit.OpenMySQL(ctx, cfg.MySQLDSN)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	case cfg.MongoURI != "":
		store, disconnect, err := audit.ConnectMongo(ctx, cfg.MongoURI, cfg.MongoDatabase, cfg.MongoCollection)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {
			if err := disconnect(context.Background()); err != nil {
				log.Warn("Failed to disconnect from mongo", "err", err)
			}
		}, nil
	default:
		return audit.NewMemoryStore(), func() {}, nil
	}
}
