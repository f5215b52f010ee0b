package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/betbot/splitvault/internal/deploy"
	"github.com/betbot/splitvault/internal/events"
	"github.com/betbot/splitvault/internal/metrics"
	"github.com/betbot/splitvault/pkg/config"
	"github.com/betbot/splitvault/pkg/logger"
	"github.com/betbot/splitvault/pkg/persistence"
	"github.com/betbot/splitvault/pkg/shutdown"
)

const shutdownTimeout = 5 * time.Second

var runOnce bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Deploy from config and run keeper and metrics until interrupted",
	RunE:  runDaemon,
}

func init() {
	runCmd.Flags().BoolVar(&runOnce, "once", false, "部署后只执行一次 keeper 巡检然后退出")
}

func loadConfig() (*config.Config, error) {
	config.SetConfigPath(configPath)
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.Accounts.Mnemonic == "" && cfg.Accounts.SecretStore != "" {
		mn, err := readMnemonic(cfg.Accounts.SecretStore)
		if err != nil {
			return nil, err
		}
		cfg.Accounts.Mnemonic = mn
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置无效: %w", err)
	}
	return cfg, nil
}

func initLogger(cfg *config.Config) error {
	return logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		OutputFile: cfg.Log.File,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   true,
		JSON:       cfg.Log.JSON,
	})
}

// openJournal 按配置打开事件日志存储；返回的 close 在退出时调用
func openJournal(cfg *config.Config) (events.JournalBackend, func() error, error) {
	if cfg.Journal.Backend == "json" {
		return persistence.NewJSONFileService(cfg.Journal.Path), func() error { return nil }, nil
	}
	db, err := persistence.OpenBadger(persistence.BadgerOptions{Path: cfg.Journal.Path, InMemory: cfg.Journal.InMemory})
	if err != nil {
		return nil, nil, err
	}
	return db, db.Close, nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := initLogger(cfg); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	if f := logger.GetCurrentLogFile(); f != "" {
		logger.Infof("日志文件: %s", f)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	closer := shutdown.NewManager()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := closer.Shutdown(sctx); err != nil {
			logger.Errorf("关闭未完成: %v", err)
		}
	}()

	store, closeStore, err := openJournal(cfg)
	if err != nil {
		return fmt.Errorf("打开事件日志失败: %w", err)
	}
	closer.OnShutdown("journal", func(context.Context) error { return closeStore() })

	observers := []events.Handler{events.NewJournal(store), metrics.EventCounter{}}
	sys, err := deploy.Deploy(ctx, cfg, deploy.Options{Observers: observers})
	if err != nil {
		return err
	}
	k, err := sys.NewKeeper(cfg.Keeper)
	if err != nil {
		return err
	}
	if runOnce {
		logger.Infof("keeper 单次巡检: %s", k.RunOnce(ctx))
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Enabled {
		_, done, err := metrics.StartAsync(gctx, cfg.Metrics.Listen)
		if err != nil {
			return fmt.Errorf("启动 metrics 失败: %w", err)
		}
		logger.Infof("metrics 已监听: %s", cfg.Metrics.Listen)
		g.Go(func() error { return <-done })
	}
	refresher, err := sys.NewFeedRefresher()
	if err != nil {
		return fmt.Errorf("创建价格源刷新失败: %w", err)
	}
	if refresher != nil {
		g.Go(func() error { return refresher.Run(gctx) })
	}
	if cfg.Keeper.Enabled {
		g.Go(func() error { return k.Run(gctx) })
	}
	<-gctx.Done()
	logger.Infof("收到退出信号，正在停止...")
	return g.Wait()
}
