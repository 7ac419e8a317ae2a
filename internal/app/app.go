// Package app はアプリケーションの起動と依存関係のワイヤリングを提供する。
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/hitoshi/feeder/internal/config"
	"github.com/hitoshi/feeder/internal/database"
	"github.com/hitoshi/feeder/internal/feed"
	"github.com/hitoshi/feeder/internal/fetch"
	"github.com/hitoshi/feeder/internal/handler"
	"github.com/hitoshi/feeder/internal/logger"
	"github.com/hitoshi/feeder/internal/metrics"
	"github.com/hitoshi/feeder/internal/middleware"
	"github.com/hitoshi/feeder/internal/model"
	"github.com/hitoshi/feeder/internal/parse"
	"github.com/hitoshi/feeder/internal/ratelimit"
	"github.com/hitoshi/feeder/internal/repository"
	"github.com/hitoshi/feeder/internal/security"
	"github.com/hitoshi/feeder/internal/websub"
	"github.com/hitoshi/feeder/internal/worker/maintenance"
	"github.com/hitoshi/feeder/internal/worker/poll"
)

// appName は/healthzと/api/configで公開するアプリケーション名。
const appName = "Feeder"

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップし、環境変数からConfigを読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再セットアップ
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string, version string) error {
	cmd := ParseCommand(args)

	// version / healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	switch cmd {
	case CommandVersion:
		fmt.Fprintf(w, "%s %s\n", appName, version)
		return nil
	case CommandHealthcheck:
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "7389"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("version", version),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg, version)
	}
}

// runServe はサーバーモードで起動する。
// DB接続とマイグレーション、全依存関係のワイヤリング、フィードのブートストラップ、
// ポーリングスケジューラと保守ワーカーの起動、HTTPサーバーの起動を行う。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う:
// HTTPサーバー → スケジューラのドレイン → cron停止 → DBクローズの順。
func runServe(cfg *config.Config, version string) error {
	// 1. DB接続とマイグレーション
	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := database.RunMigrations(db); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database ready", slog.String("db_path", cfg.DBPath))

	// 2. リポジトリの初期化
	feedRepo := repository.NewSQLiteFeedRepo(db, cfg.DefaultTTL)
	itemRepo := repository.NewSQLiteItemRepo(db, cfg.MaxItems)
	logRepo := repository.NewSQLiteFetchLogRepo(db)
	maintRepo := repository.NewSQLiteMaintenanceRepo(db)

	// 前回プロセスの異常終了で残ったフェッチロックを回収する
	startupCtx := context.Background()
	if n, err := feedRepo.ResetStaleLocks(startupCtx); err != nil {
		return fmt.Errorf("failed to reset stale fetch locks: %w", err)
	} else if n > 0 {
		slog.Warn("stale fetch locks cleared", slog.Int64("count", n))
	}

	// 3. セキュリティとレート制御
	guard := security.NewURLGuard(cfg.AllowPrivateFeeds)
	hostGate := ratelimit.NewHostLimiter(cfg.PerHostRPS, cfg.PerHostBurst, int64(cfg.GlobalConcurrency))

	// 4. メトリクス
	// QueueDepthのゲージ関数はスケジューラ生成後のスクレイプ時に評価される
	var sched *poll.Scheduler
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry, metrics.GaugeSources{
		QueueDepth: func() float64 {
			if sched == nil {
				return 0
			}
			return float64(sched.QueueDepth())
		},
		DBSizeBytes: dbStatsGauge(maintRepo, func(s *model.DBStats) float64 { return float64(s.SizeBytes) }),
		TotalFeeds:  dbStatsGauge(maintRepo, func(s *model.DBStats) float64 { return float64(s.TotalFeeds) }),
		TotalItems:  dbStatsGauge(maintRepo, func(s *model.DBStats) float64 { return float64(s.TotalItems) }),
	})

	// 5. フェッチパイプライン
	client := fetch.NewClient(hostGate, slog.Default(), fetch.Options{
		UserAgent:   cfg.UserAgent(),
		Timeout:     cfg.FetchTimeout,
		MaxBodySize: cfg.FetchMaxSize,
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   time.Duration(cfg.RetryBaseMS) * time.Millisecond,
		MaxDelay:    time.Duration(cfg.RetryMaxMS) * time.Millisecond,
	})
	parser := parse.New()
	runner := poll.NewRunner(client, parser, hostGate, feedRepo, itemRepo, logRepo, collector, slog.Default())

	// 6. WebSub購読（有効な場合のみ）
	var subscriber *websub.Subscriber
	if cfg.WebSubEnabled {
		subscriber = websub.New(guard.NewSafeClient(cfg.FetchTimeout), cfg.BaseURL, slog.Default())
		runner.EnableWebSub(subscriber)
		slog.Info("websub subscriber enabled", slog.String("base_url", cfg.BaseURL))
	}

	// 7. スケジューラの起動
	sched = poll.New(runner, slog.Default(), poll.Options{
		Workers:       cfg.FetchWorkers,
		QueueCapacity: cfg.QueueCapacity,
	})

	schedCtx, stopSched := context.WithCancel(context.Background())
	defer stopSched()

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		sched.Start(schedCtx)
	}()

	// 8. フィードのブートストラップ
	// DB上の有効フィードを先にスケジュールし、その後feeds.yamlの定義をUPSERTする
	existing, err := feedRepo.GetFeeds(startupCtx, true)
	if err != nil {
		return fmt.Errorf("failed to load feeds: %w", err)
	}
	for _, f := range existing {
		sched.Register(f)
	}
	slog.Info("feeds scheduled", slog.Int("count", len(existing)))

	resolver := feed.NewResolver(guard.NewSafeClient(cfg.FetchTimeout), cfg.UserAgent(), cfg.FetchMaxSize, slog.Default())
	registrar := feed.NewRegistrar(feedRepo, sched, guard, resolver, slog.Default(),
		cfg.MaxFeeds, int(cfg.DefaultFetchInterval.Seconds()))

	entries, err := config.LoadFeedList(cfg)
	if err != nil {
		return fmt.Errorf("failed to load feed definitions: %w", err)
	}
	for _, e := range entries {
		if _, err := registrar.Register(startupCtx, e.Name, e.URL, e.IntervalSeconds); err != nil {
			slog.Error("feed registration failed",
				slog.String("name", e.Name),
				slog.String("url", e.URL),
				slog.String("error", err.Error()),
			)
		}
	}

	// 9. 保守ワーカーの起動
	maintWorker := maintenance.New(maintRepo, feedRepo, logRepo, itemRepo, slog.Default(), maintenance.Options{
		MaintenanceSchedule: cfg.MaintenanceSchedule,
		DegradationSchedule: cfg.DegradationSchedule,
		LogRetention:        time.Duration(cfg.LogRetentionDays) * 24 * time.Hour,
		NewItemTTL:          cfg.NewItemTTL,
		FeedTTL:             cfg.DefaultTTL,
	})
	if err := maintWorker.Start(); err != nil {
		return fmt.Errorf("failed to start maintenance worker: %w", err)
	}

	// 10. ルーターの構築
	// APIレート制限はreq/min単位の設定をreq/secに変換する
	generalLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		Rate:            rate.Limit(float64(cfg.RateLimitGeneral) / 60.0),
		Burst:           cfg.RateLimitGeneral,
		CleanupInterval: 5 * time.Minute,
	}, slog.Default())
	mutatingLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		Rate:            rate.Limit(float64(cfg.RateLimitMutating) / 60.0),
		Burst:           cfg.RateLimitMutating,
		CleanupInterval: 5 * time.Minute,
	}, slog.Default())

	deps := &handler.RouterDeps{
		Logger:            slog.Default(),
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		AdminToken:        cfg.AdminToken,
		GeneralLimiter:    generalLimiter,
		MutatingLimiter:   mutatingLimiter,
		AppInfo: handler.AppInfo{
			Name:                 appName,
			Version:              version,
			BaseURL:              cfg.BaseURL,
			DefaultFetchInterval: cfg.DefaultFetchInterval,
			MaxFeeds:             cfg.MaxFeeds,
			MaxItems:             cfg.MaxItems,
		},
		DB:          db,
		Feeds:       feedRepo,
		Items:       itemRepo,
		Logs:        logRepo,
		Stats:       feedRepo,
		DBStats:     maintRepo,
		Scheduler:   sched,
		Maintenance: maintWorker,
		Registrar:   registrar,
		Metrics:     metrics.Handler(registry),
	}
	if subscriber != nil {
		deps.WebSub = subscriber
	}

	router := handler.NewRouter(deps)

	// 11. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	var shutdownErr error
	if err := server.Shutdown(shutdownCtx); err != nil {
		shutdownErr = fmt.Errorf("server shutdown failed: %w", err)
	}

	// 実行中のフェッチジョブの完了を待つ
	stopSched()
	<-schedDone

	maintWorker.Stop()
	generalLimiter.Stop()
	mutatingLimiter.Stop()

	if shutdownErr != nil {
		return shutdownErr
	}

	slog.Info("application stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	slog.Info("running database migrations", slog.String("db_path", cfg.DBPath))

	if err := database.RunMigrations(db); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /healthz エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/healthz", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// dbStatsGauge はスクレイプ時にDBStatsを取得して1値を返すゲージ関数を作る。
// 取得に失敗した場合は0を返す。
func dbStatsGauge(repo repository.MaintenanceRepository, pick func(*model.DBStats) float64) func() float64 {
	return func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		stats, err := repo.DBStats(ctx)
		if err != nil {
			return 0
		}
		return pick(stats)
	}
}
