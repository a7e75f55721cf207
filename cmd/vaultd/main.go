package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"collectionvault/config"
	"collectionvault/core/events"
	"collectionvault/core/types"
	"collectionvault/native/rewards"
	"collectionvault/native/vault"
	"collectionvault/observability/logging"
	"collectionvault/rpc"
	"collectionvault/storage"
)

func main() {
	configPath := flag.String("config", "./config.toml", "path to the daemon configuration file")
	env := flag.String("env", "", "deployment environment tag for log lines")
	flag.Parse()

	logger := logging.Setup("vaultd", *env)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("config loaded",
		slog.String("path", *configPath),
		slog.String("network", cfg.NetworkName),
		logging.MaskField("api_token", cfg.APIToken))

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		logger.Error("open database", slog.String("error", err.Error()), slog.String("path", cfg.DataDir))
		os.Exit(1)
	}
	defer db.Close()

	params := rewards.DefaultParams()
	params.NetworkTag = cfg.NetworkName
	params.MaxSnapshots = cfg.MaxSnapshots
	params.MaxBoostFP = cfg.BigInt(cfg.MaxBoost)
	if err := params.Validate(); err != nil {
		logger.Error("invalid controller params", slog.String("error", err.Error()))
		os.Exit(1)
	}

	source := vault.NewVault(cfg.BigInt(cfg.VaultTotalAssets), cfg.BigInt(cfg.VaultRewardRate))

	state := storage.NewState(db)
	engine := rewards.NewEngine(cfg.Admin(), cfg.Updater(), params)
	engine.SetState(state)
	engine.SetYieldSource(source)
	engine.SetEmitter(logEmitter{logger})

	registry := rewards.NewRegistry(state, cfg.Admin())
	registry.SetEmitter(logEmitter{logger})

	api := rpc.NewServer(engine, registry, cfg.Admin(), cfg.APIToken, logger)

	apiServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           api.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddress,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("metrics listening", slog.String("addr", cfg.MetricsAddress))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", slog.String("error", err.Error()))
		}
	}()
	go func() {
		logger.Info("api listening", slog.String("addr", cfg.ListenAddress), slog.String("network", cfg.NetworkName))
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(ctx); err != nil {
		logger.Error("api shutdown", slog.String("error", err.Error()))
	}
	if err := metricsServer.Shutdown(ctx); err != nil {
		logger.Error("metrics shutdown", slog.String("error", err.Error()))
	}
}

// logEmitter forwards controller events to the structured log.
type logEmitter struct {
	log *slog.Logger
}

func (l logEmitter) Emit(evt events.Event) {
	carrier, ok := evt.(interface{ Event() *types.Event })
	if !ok {
		l.log.Info(evt.EventType())
		return
	}
	payload := carrier.Event()
	if payload == nil {
		return
	}
	attrs := make([]any, 0, len(payload.Attributes))
	for key, value := range payload.Attributes {
		attrs = append(attrs, slog.String(key, value))
	}
	l.log.Info(payload.Type, attrs...)
}
