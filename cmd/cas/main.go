package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/Lexa-Bard/Ceramic/pkg/anchor"
	blockstoreBadger "github.com/Lexa-Bard/Ceramic/pkg/blockstore/badger"
	"github.com/Lexa-Bard/Ceramic/pkg/config"
	"github.com/Lexa-Bard/Ceramic/pkg/events"
	"github.com/Lexa-Bard/Ceramic/pkg/gc"
	"github.com/Lexa-Bard/Ceramic/pkg/ledger"
	"github.com/Lexa-Bard/Ceramic/pkg/metrics"
	repositoryBadger "github.com/Lexa-Bard/Ceramic/pkg/repository/badger"
)

func main() {
	app := &cli.App{
		Name:  "cas",
		Usage: "Certification Anchor Service",
		Description: `Batch pipeline that anchors stream commits on chain.

Each command is a standalone process invocation:
- anchor: run one anchor batch over READY requests
- emit-anchor-event: signal downstream workers when a READY batch exists
- garbage-collect: release pins of long-terminal streams`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "verbose",
				Usage:   "Enable verbose logging",
				EnvVars: []string{"CAS_VERBOSE"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "anchor",
				Usage:  "Run one anchor batch over READY requests",
				Action: runAnchor,
			},
			{
				Name:   "emit-anchor-event",
				Usage:  "Emit an anchor event if a READY batch exists",
				Action: runEmitAnchorEvent,
			},
			{
				Name:   "garbage-collect",
				Usage:  "Release pins of streams whose requests are long terminal",
				Action: runGarbageCollect,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

func newLogger(c *cli.Context) (*zap.Logger, error) {
	if c.Bool("verbose") {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func runAnchor(c *cli.Context) error {
	logger, err := newLogger(c)
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := config.FromEnvironment()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	// A freshly scheduled anchor process waits out the intake instance it
	// replaced before claiming requests.
	if !config.IsTestEnv() {
		logger.Sugar().Infow("Waiting for startup stabilization", "sleep", config.StabilizationSleep)
		time.Sleep(config.StabilizationSleep)
	}

	repo, err := repositoryBadger.NewBadgerRepository(
		filepath.Join(cfg.DataPath, "requests"), cfg.ReadyRetention, cfg.GCRetention, logger)
	if err != nil {
		return err
	}
	defer repo.Close()

	store, err := blockstoreBadger.NewBadgerBlockStore(filepath.Join(cfg.DataPath, "blocks"), logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ethClient, err := ethclient.Dial(cfg.EthereumRPCURL)
	if err != nil {
		return fmt.Errorf("failed to connect to ethereum rpc: %w", err)
	}
	defer ethClient.Close()

	signer, err := ledger.NewPrivateKeySigner(cfg.EthereumPrivateKey, ethClient, logger)
	if err != nil {
		return err
	}
	ledgerService, err := ledger.NewEthereumLedgerService(
		ethClient, signer, cfg.UseSmartContractAnchors, cfg.AnchorContractAddress, logger)
	if err != nil {
		return err
	}

	service := anchor.NewService(
		cfg, repo, repo, repo, store, ledgerService, nil,
		metrics.NewLogMetricService(logger), logger)

	return service.AnchorReadyRequests(context.Background())
}

func runEmitAnchorEvent(c *cli.Context) error {
	logger, err := newLogger(c)
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := config.FromEnvironment()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	repo, err := repositoryBadger.NewBadgerRepository(
		filepath.Join(cfg.DataPath, "requests"), cfg.ReadyRetention, cfg.GCRetention, logger)
	if err != nil {
		return err
	}
	defer repo.Close()

	bus, err := events.NewRedisEventBus(&events.RedisConfig{Address: cfg.RedisURL}, logger)
	if err != nil {
		return err
	}
	defer bus.Close()

	emitter := events.NewEmitter(repo, bus, cfg.MaxStreamCountOrDefault(), cfg.MinStreamCountOrDefault(), logger)
	return emitter.EmitIfReady(context.Background())
}

func runGarbageCollect(c *cli.Context) error {
	logger, err := newLogger(c)
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := config.FromEnvironment()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	repo, err := repositoryBadger.NewBadgerRepository(
		filepath.Join(cfg.DataPath, "requests"), cfg.ReadyRetention, cfg.GCRetention, logger)
	if err != nil {
		return err
	}
	defer repo.Close()

	store, err := blockstoreBadger.NewBadgerBlockStore(filepath.Join(cfg.DataPath, "blocks"), logger)
	if err != nil {
		return err
	}
	defer store.Close()

	service := gc.NewService(repo, store, logger)
	return service.GarbageCollectPinnedStreams(context.Background())
}
