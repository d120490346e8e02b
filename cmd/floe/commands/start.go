package commands

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/floelabs/floe/internal/logger"
	"github.com/floelabs/floe/pkg/api"
	"github.com/floelabs/floe/pkg/config"
	"github.com/floelabs/floe/pkg/gc"
	"github.com/floelabs/floe/pkg/kv"
	badgerkv "github.com/floelabs/floe/pkg/kv/badger"
	rediskv "github.com/floelabs/floe/pkg/kv/redis"
	"github.com/floelabs/floe/pkg/metrics"
	"github.com/floelabs/floe/pkg/stream"
	"github.com/floelabs/floe/pkg/sui"
	"github.com/floelabs/floe/pkg/upload"
	"github.com/floelabs/floe/pkg/upload/chunkstore"
	"github.com/floelabs/floe/pkg/upload/finalize"
	"github.com/floelabs/floe/pkg/walrus"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Floe gateway",
	Long: `Start the Floe gateway with the specified configuration.

The gateway validates its configuration, probes the chunk staging
directory, opens the KV store, reconciles orphaned disk artifacts and
then serves until interrupted.

Examples:
  # Start with the default config location
  floe start

  # Start with a custom config file
  floe start --config /etc/floe/config.yaml

  # Start configured entirely from the environment
  FLOE_PUBLISHER_URL=... FLOE_AGGREGATOR_URLS=... floe start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}
	if err := InitLogger(cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("floe starting", "version", Version, "network", cfg.Walrus.Network)

	if err := probeDir(cfg.Upload.TmpDir); err != nil {
		return fmt.Errorf("chunk staging directory not usable: %w", err)
	}

	store, err := openKV(cfg.KV)
	if err != nil {
		return fmt.Errorf("failed to open KV store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("KV store close failed", logger.Err(err))
		}
	}()
	if err := store.Ping(ctx); err != nil {
		return fmt.Errorf("KV store not reachable: %w", err)
	}

	chunks, err := chunkstore.New(cfg.Upload.TmpDir)
	if err != nil {
		return fmt.Errorf("failed to open chunk store: %w", err)
	}

	sessions := upload.NewService(store, upload.Config{
		SessionTTL:       cfg.Upload.SessionTTL,
		MetaTTLExtra:     cfg.Upload.MetaTTLExtra,
		MinChunkSize:     cfg.Upload.MinChunkSize.Int64(),
		MaxChunkSize:     cfg.Upload.MaxChunkSize.Int64(),
		DefaultChunkSize: cfg.Upload.DefaultChunkSize.Int64(),
		MaxFileSize:      cfg.Upload.MaxFileSize.Int64(),
		MaxTotalChunks:   cfg.Upload.MaxTotalChunks,
		MaxEpochs:        cfg.Upload.MaxEpochs,
		DefaultEpochs:    cfg.Upload.DefaultEpochs,
		MaxActiveUploads: cfg.Upload.MaxActiveUploads,
	})

	signer, err := sui.ParseSigner(cfg.Sui.PrivateKey)
	if err != nil {
		return fmt.Errorf("failed to parse sui.private_key: %w", err)
	}
	logger.Info("registry signer loaded", "address", signer.Address())

	registry := sui.NewClient(sui.Config{
		RPCURL:    cfg.Sui.RPCURL,
		PackageID: cfg.Sui.PackageID,
		GasBudget: cfg.Sui.GasBudget,
	})

	var minBalance *big.Int
	if cfg.Walrus.MinBalanceMist != "" {
		minBalance, _ = new(big.Int).SetString(cfg.Walrus.MinBalanceMist, 10)
		if minBalance == nil {
			return fmt.Errorf("invalid walrus.min_balance_mist: %q", cfg.Walrus.MinBalanceMist)
		}
	}

	publisher := walrus.NewClient(walrus.Config{
		PublisherURL: cfg.Walrus.PublisherURL,
		Network:      cfg.Walrus.Network,
		Timeout:      cfg.Walrus.Timeout,
		MinBalance:   minBalance,
	}, signer, registry)

	publishMetrics := metrics.NewPublishMetrics(prometheus.DefaultRegisterer)
	gatewayMetrics := metrics.NewGatewayMetrics(prometheus.DefaultRegisterer)

	coordinator := walrus.NewCoordinator(walrus.CoordinatorConfig{
		MaxConcurrent: int64(cfg.Walrus.MaxConcurrent),
		MinInterval:   cfg.Walrus.MinInterval,
		MaxRetries:    cfg.Walrus.MaxRetries,
		RetryDelay:    cfg.Walrus.RetryDelay,
	}, publisher, publishMetrics)

	owner := cfg.Sui.Owner
	if owner == "" {
		owner = signer.Address()
	}
	engine := finalize.NewEngine(finalize.Config{
		FieldsCacheTTL: cfg.Stream.FieldsCacheTTL(),
		Owner:          owner,
	}, store, sessions, chunks, coordinator, &chainMinter{client: registry, signer: signer}, gatewayMetrics)

	resolver := stream.NewResolver(store, registry, cfg.Stream.FieldsCacheTTL())
	stitcher, err := stream.NewStitcher(stream.StitcherConfig{
		Aggregators:    cfg.Stream.Aggregators,
		SegmentSize:    cfg.Stream.SegmentSize.Int64(),
		MaxRangeBytes:  cfg.Stream.MaxRangeBytes.Int64(),
		SegmentTimeout: cfg.Stream.SegmentTimeout,
	}, gatewayMetrics)
	if err != nil {
		return fmt.Errorf("failed to create read proxy: %w", err)
	}

	// Disk artifacts with no KV record are adopted before the reaper
	// starts so nothing on disk is invisible to collection.
	adopted, err := gc.ReconcileOrphans(ctx, store, chunks, sessions)
	if err != nil {
		logger.Warn("orphan reconciliation failed", logger.Err(err))
	} else if adopted > 0 {
		logger.Info("orphaned uploads adopted", "count", adopted)
	}

	reaper := gc.NewReaper(gc.Config{
		Interval:   cfg.GC.Interval,
		MtimeGrace: cfg.GC.MtimeGrace,
	}, store, sessions, chunks, gatewayMetrics)

	server := api.NewServer(cfg.Server, api.Deps{
		Store:    store,
		Sessions: sessions,
		Chunks:   chunks,
		Engine:   engine,
		Resolver: resolver,
		Stitcher: stitcher,
		Metrics:  gatewayMetrics,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		reaper.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return server.Start(gctx)
	})

	logger.Info("floe is running. Press Ctrl+C to stop.")
	return g.Wait()
}

// chainMinter adapts the registry client to the finalize engine: the
// engine does not know about signing keys.
type chainMinter struct {
	client *sui.Client
	signer *sui.Signer
}

func (m *chainMinter) MintFile(ctx context.Context, params sui.MintParams) (string, error) {
	return m.client.MintFile(ctx, m.signer, params)
}

// probeDir verifies the staging directory exists and is writable by
// creating and removing a probe file.
func probeDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	probe := filepath.Join(dir, ".floe-probe")
	if err := os.WriteFile(probe, []byte("probe"), 0o644); err != nil {
		return err
	}
	return os.Remove(probe)
}

// openKV opens the configured KV backend.
func openKV(cfg config.KVConfig) (kv.Store, error) {
	switch cfg.Backend {
	case "redis":
		return rediskv.New(cfg.URL)
	default:
		return badgerkv.New(cfg.Path)
	}
}
