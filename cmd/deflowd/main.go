package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"DeFlow/internal/action"
	"DeFlow/internal/api"
	"DeFlow/internal/config"
	"DeFlow/internal/engine"
	"DeFlow/internal/execution"
	"DeFlow/internal/observability/alerting"
	"DeFlow/internal/quote"
	"DeFlow/internal/signer"
	"DeFlow/internal/web3/provider"
	"DeFlow/internal/web3/txn"
	"DeFlow/pkg/logger"
)

// main 是 DeFlow 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("deflowd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(config.ResolvePath())
	if err != nil {
		return err
	}
	if err := logger.Init(loggerConfig(cfg.Logging)); err != nil {
		return err
	}
	defer logger.Sync()

	workflows, err := openWorkflowStore(ctx, cfg.Storage.WorkflowStore)
	if err != nil {
		return err
	}
	ledger, err := openLedger(ctx, cfg.Storage.ExecutionStore)
	if err != nil {
		_ = workflows.Close()
		return err
	}
	queue, err := openQueue(ctx, cfg.Queue)
	if err != nil {
		_ = workflows.Close()
		_ = ledger.Close()
		return err
	}

	chains, err := provider.NewRegistry(cfg.Web3.ChainConfig, cfg.Web3.RPCTimeout())
	if err != nil {
		_ = workflows.Close()
		_ = ledger.Close()
		_ = queue.Close()
		return err
	}
	defer chains.Close()
	logger.L().Info("链配置加载完成", slog.Any("chains", chains.Chains()))

	signerClient, err := signer.NewClient(signer.Config{
		Endpoint: cfg.Signer.Endpoint,
		Token:    cfg.Signer.Token,
		Timeout:  cfg.Signer.Timeout(),
	})
	if err != nil {
		_ = workflows.Close()
		_ = ledger.Close()
		_ = queue.Close()
		return err
	}

	orchestrator := txn.New(chains, signerClient,
		txn.WithMaxRetries(cfg.Orchestrator.MaxRetries),
		txn.WithRetryDelay(cfg.Orchestrator.RetryDelay()),
		txn.WithGasPriceBuffer(cfg.Orchestrator.GasPriceBufferPercent),
		txn.WithReceiptPolling(cfg.Orchestrator.ReceiptPoll(), cfg.Orchestrator.ReceiptTimeout()),
		txn.WithLogger(logger.Named("txn")),
	)

	deps := action.Dependencies{Chains: chains, Tx: orchestrator}
	if cfg.Quote.Endpoint != "" {
		quotes, err := quote.NewClient(quote.Config{Endpoint: cfg.Quote.Endpoint, Timeout: cfg.Quote.Timeout()})
		if err != nil {
			_ = workflows.Close()
			_ = ledger.Close()
			_ = queue.Close()
			return err
		}
		deps.Quotes = quotes
	} else {
		logger.L().Warn("未配置报价服务，swap 节点将无法执行")
	}
	handlers := action.Builtin(deps)

	runner := engine.New(handlers, workflows, ledger,
		engine.WithVisitOnce(cfg.Engine.VisitOnce),
		engine.WithLogger(logger.Named("engine")),
	)
	service := execution.NewService(workflows, ledger, queue, handlers)
	defer func() {
		if err := service.Close(); err != nil {
			logger.L().Error("关闭执行服务失败", slog.Any("error", err))
		}
	}()

	processor := execution.NewProcessor(runner, ledger, queue,
		execution.WithWorkerCount(cfg.Queue.Workers),
		execution.WithAlertDispatcher(alertDispatcher(cfg.Alerting)),
	)

	server := api.NewServer(cfg.Server.Address, workflows, service,
		api.WithAllowedOrigins(cfg.Server.AllowedOrigins...),
		api.WithTimeouts(cfg.Server.ReadTimeout(), cfg.Server.WriteTimeout()),
		api.WithHistoryLimit(cfg.Storage.ExecutionStore.HistoryLimit),
		api.WithTypeChecker(handlers),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCanceled(processor.Start(gctx))
	})
	g.Go(func() error {
		return ignoreCanceled(server.Start(gctx))
	})

	err = g.Wait()
	logger.L().Info("deflowd 已停止", slog.Time("at", time.Now()))
	return err
}

func alertDispatcher(cfg config.AlertingConfig) alerting.Dispatcher {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(cfg.WebhookURL, cfg.Timeout()))
	}
	if cfg.SlackWebhookURL != "" {
		notifiers = append(notifiers, &alerting.SlackNotifier{
			WebhookURL: cfg.SlackWebhookURL,
			Client:     &http.Client{Timeout: cfg.Timeout()},
		})
	}
	return alerting.NewFanout(notifiers...)
}

func loggerConfig(cfg config.LoggingConfig) logger.Config {
	return logger.Config{
		Level:       cfg.Level,
		Format:      cfg.Format,
		OutputPaths: cfg.OutputPaths,
		Rotation: logger.RotationConfig{
			MaxSizeMB:  cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAgeDays: cfg.MaxAgeDays,
		},
		Audit: logger.AuditConfig{
			Enabled:    cfg.Audit.Enabled,
			Path:       cfg.Audit.Path,
			MaxSizeMB:  cfg.Audit.MaxSizeMB,
			MaxBackups: cfg.Audit.MaxBackups,
			MaxAgeDays: cfg.Audit.MaxAgeDays,
		},
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
