package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/time/rate"

	"nets-observer/internal/api"
	"nets-observer/internal/artifact"
	"nets-observer/internal/config"
	"nets-observer/internal/history"
	"nets-observer/internal/notifier"
	"nets-observer/internal/observability/alerting"
	"nets-observer/internal/observability/metrics"
	"nets-observer/internal/orchestrator"
	"nets-observer/internal/relay"
	"nets-observer/internal/storage/mysql"
	"nets-observer/internal/verifier"
	"nets-observer/pkg/logger"
)

// main 是观察服务的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		log.Fatalf("netsobserverd 运行失败: %v", err)
	}
}

func run(ctx context.Context, args []string) error {
	flags := pflag.NewFlagSet("netsobserverd", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", os.Getenv("NETS_OBSERVER_CONFIG"), "配置文件路径 (YAML 或 JSON)")
	listen := flags.String("listen", "", "覆盖监听地址，例如 :8787")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.Server.Address = *listen
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		OutputPaths: cfg.Log.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Log.Audit.Enabled,
			Path:       cfg.Log.Audit.Path,
			MaxSizeMB:  cfg.Log.Audit.MaxSizeMB,
			MaxBackups: cfg.Log.Audit.MaxBackups,
			MaxAgeDays: cfg.Log.Audit.MaxAgeDays,
			Compress:   cfg.Log.Audit.Compress,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()
	lg := logger.Named("daemon")

	hist, err := openHistory(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := hist.Close(); err != nil {
			lg.Warn("关闭历史存储失败", slog.Any("error", err))
		}
	}()

	publisher, err := relay.New(cfg.Relay)
	if err != nil {
		return err
	}
	if publisher != nil {
		publisher = relay.NewAsync(publisher, cfg.Relay.Buffer)
		defer publisher.Close()
	}

	store := artifact.NewStore(cfg.Paths)
	orch := orchestrator.New(store, orchestrator.NewExecEngine(cfg.Engine.Bin, cfg.Engine.WorkingDir), cfg.Paths.AgentsDir)
	ver := verifier.New(store, orch, verifier.WithAlertDispatcher(buildAlerts(cfg)))

	var notifierOpts []notifier.Option
	if publisher != nil {
		notifierOpts = append(notifierOpts, notifier.WithRelay(publisher))
	}
	notif := notifier.New(store, hist, notifier.NewRegistry(cfg.Server.ObserverBuffer), notifierOpts...)
	go func() {
		if err := notif.Run(ctx); err != nil {
			lg.Error("文件监听异常退出", slog.Any("error", err))
		}
	}()

	if cfg.Metrics.Address != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				lg.Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	lg.Info("observer starting",
		slog.String("state", cfg.Paths.StatePath),
		slog.String("traces", cfg.Paths.TracesDir),
		slog.String("fraud", cfg.Paths.FraudDir),
		slog.String("agents", cfg.Paths.AgentsDir),
		slog.String("history_driver", cfg.History.Driver),
		slog.String("relay_driver", cfg.Relay.Driver),
	)

	server := api.NewServer(cfg, store, orch, ver, notif)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openHistory(ctx context.Context, cfg *config.Config) (history.Store, error) {
	switch cfg.History.Driver {
	case "", "file":
		return history.NewFileStore(cfg.Paths.HistoryPath)
	case "mysql":
		return mysql.NewHistoryRepository(ctx, mysql.Config{
			DSN:             cfg.History.DSN,
			MaxOpenConns:    cfg.History.MaxOpenConns,
			MaxIdleConns:    cfg.History.MaxIdleConns,
			ConnMaxLifetime: cfg.History.ConnMaxLifetime(),
		})
	default:
		return nil, fmt.Errorf("未知的历史存储驱动: %s", cfg.History.Driver)
	}
}

func buildAlerts(cfg *config.Config) alerting.Dispatcher {
	notifiers := []alerting.Notifier{&alerting.AuditNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(cfg.Alerting.WebhookURL, rate.Every(time.Second), 5))
	}
	return alerting.NewFanout(notifiers...)
}
