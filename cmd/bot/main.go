package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nacospoll/internal/api"
	"nacospoll/internal/ballot"
	"nacospoll/internal/bot"
	"nacospoll/internal/candidate"
	"nacospoll/internal/config"
	"nacospoll/internal/election"
	"nacospoll/internal/flow"
	"nacospoll/internal/janitor"
	"nacospoll/internal/model"
	"nacospoll/internal/otp"
	"nacospoll/internal/pkg/logger"
	"nacospoll/internal/pkg/metrics"
	"nacospoll/internal/pkg/notify"
	"nacospoll/internal/transport"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

// 选举密钥落盘位置，进程重启后审计仍可解历史选票。
const keyFile = "configs/election_key.pem"

// main 是选举机器人的入口函数。
//
// 它负责：
// 1. 加载配置与日志
// 2. 连接 MySQL / Redis 并迁移表结构
// 3. 组装对话引擎、管理 API 与定时任务
// 4. 启动 HTTP 服务并处理优雅退出
func main() {
	_ = godotenv.Load()

	// 配置加载前还没有环境信息，先用默认 logger 兜底
	bootLogger := logger.NewDefault("info")
	cfg, err := config.Load()
	if err != nil {
		bootLogger.Error("load config failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	appLogger := logger.New(cfg.App.LogLevel, cfg.App.Env)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, appLogger); err != nil {
		appLogger.Error("bot exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, appLogger *slog.Logger) error {
	db, err := gorm.Open(mysql.Open(cfg.MySQL.DSN), &gorm.Config{
		Logger:         gormLogger.Default.LogMode(gormLogger.Silent), // 关闭GORM调试日志
		TranslateError: true,
	})
	if err != nil {
		return fmt.Errorf("open mysql: %w", err)
	}
	if err := db.AutoMigrate(model.All()...); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	keys, err := loadOrGenerateKeys(appLogger)
	if err != nil {
		return err
	}

	metrics.InitMetrics()

	// 注册人数是 gauge，重启后从库里补回当前值
	var verified int64
	if err := db.WithContext(ctx).Model(&model.User{}).
		Where("is_verified = ?", true).
		Count(&verified).Error; err != nil {
		return fmt.Errorf("count verified users: %w", err)
	}
	metrics.RegisteredUsers.Set(float64(verified))

	mailer := notify.NewEmailNotifier(&cfg.Email, appLogger)
	gateway := transport.NewGateway(cfg.Transport.GatewayURL, cfg.Transport.WebhookToken, appLogger)

	codes := otp.NewIssuer(db, rdb, mailer, appLogger, cfg.App.OTPTTL, cfg.App.ResendCooldown)
	ballots := ballot.NewService(db, keys, appLogger, cfg.App.ElectionID)
	candidates := candidate.NewService(db, appLogger)
	windows := election.NewWindows(db, cfg.App.WindowDuration)
	campaigns := election.NewCampaigns(rdb, appLogger,
		time.Duration(cfg.App.CampaignHours)*time.Hour,
		func(slot election.Slot) {
			// 竞选收尾通知候选人本人
			notifyCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			text := fmt.Sprintf("Your campaign for %s has ended. Thanks for running!", slot.Position)
			if err := gateway.SendMessage(notifyCtx, slot.UserID, text); err != nil {
				appLogger.Warn("campaign end notice failed", slog.String("error", err.Error()))
			}
		})

	engine := bot.NewEngine(bot.Deps{
		DB:          db,
		States:      flow.NewStore(db),
		Codes:       codes,
		Ballots:     ballots,
		Candidates:  candidates,
		Windows:     windows,
		Campaigns:   campaigns,
		Transport:   gateway,
		Logger:      appLogger,
		RootAdminID: cfg.Security.RootAdminID,
	})

	cr := cron.New()
	if err := campaigns.Register(cr, cfg.App.SweepInterval); err != nil {
		return err
	}
	if err := janitor.New(db, appLogger).Register(cr, cfg.App.JanitorSchedule); err != nil {
		return err
	}
	cr.Start()
	defer cr.Stop()

	srv := api.NewServer(cfg, appLogger, db, ballots, candidates, windows)
	srv.RegisterWebhook("/webhook", transport.Webhook(engine, cfg.Transport.WebhookToken, appLogger))

	httpServer := &http.Server{
		Addr:    cfg.App.HTTPAddr,
		Handler: srv.Router(),
	}
	go func() {
		appLogger.Info("bot server listening", slog.String("addr", cfg.App.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("server run failed", slog.String("error", err.Error()))
		}
	}()

	<-ctx.Done()
	appLogger.Info("shutting down bot server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("http shutdown failed", slog.String("error", err.Error()))
	}

	if err := rdb.Close(); err != nil {
		appLogger.Error("close redis failed", slog.String("error", err.Error()))
	}
	if sqlDB, err := db.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			appLogger.Error("close mysql failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// loadOrGenerateKeys 优先复用落盘的选举密钥，首跑时生成并保存。
func loadOrGenerateKeys(appLogger *slog.Logger) (*ballot.KeyPair, error) {
	if pemBytes, err := os.ReadFile(keyFile); err == nil {
		keys, err := ballot.LoadKeyPair(pemBytes)
		if err != nil {
			return nil, fmt.Errorf("load election key: %w", err)
		}
		return keys, nil
	}

	keys, err := ballot.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll("configs", 0o755); err != nil {
		return nil, fmt.Errorf("prepare key dir: %w", err)
	}
	if err := os.WriteFile(keyFile, keys.ExportPEM(), 0o600); err != nil {
		return nil, fmt.Errorf("save election key: %w", err)
	}
	appLogger.Info("generated new election key", slog.String("path", keyFile))
	return keys, nil
}
