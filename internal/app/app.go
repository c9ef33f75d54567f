package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2/google"
	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/quoteday/internal/cache"
	"github.com/hitoshi/quoteday/internal/catalog"
	"github.com/hitoshi/quoteday/internal/config"
	"github.com/hitoshi/quoteday/internal/database"
	"github.com/hitoshi/quoteday/internal/handler"
	"github.com/hitoshi/quoteday/internal/ledger"
	"github.com/hitoshi/quoteday/internal/logger"
	"github.com/hitoshi/quoteday/internal/metrics"
	"github.com/hitoshi/quoteday/internal/middleware"
	"github.com/hitoshi/quoteday/internal/push"
	"github.com/hitoshi/quoteday/internal/repository"
	"github.com/hitoshi/quoteday/internal/security"
	"github.com/hitoshi/quoteday/internal/selection"
	"github.com/hitoshi/quoteday/internal/today"
	"github.com/hitoshi/quoteday/internal/worker/cleanup"
	"github.com/hitoshi/quoteday/internal/worker/delivery"
)

// shutdownTimeout はグレースフルシャットダウンの待ち時間。
const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、LOG_LEVELに従ってJSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		// 設定が読めなくてもエラーをJSONログで出せるようにする
		logger.SetupDefault(w, slog.LevelInfo)
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))
	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		return err
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("log_level", cfg.LogLevel),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		slog.Int("max_open_conns", cfg.DBMaxOpenConns),
	)
	return db, nil
}

// newRedisClient はREDIS_URLからRedisクライアントを生成する。
// REDIS_URLが未設定の場合はnilを返す。接続は最初のコマンド実行時に行われる。
func newRedisClient(cfg *config.Config) (redis.UniversalClient, error) {
	if cfg.RedisURL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

// newMetricsRegistry はプロセス単位のPrometheusレジストリとCollectorを生成する。
func newMetricsRegistry() (*prometheus.Registry, *metrics.Collector) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.NewCollector(reg)
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// ctxがキャンセルされる（SIGINT/SIGTERM）とグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	// 1. DB・Redis接続
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	redisClient, err := newRedisClient(cfg)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	// 2. リポジトリ・ドメインサービスの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	quoteRepo := repository.NewPostgresQuoteRepo(db)
	deliveryRepo := repository.NewPostgresDeliveryRepo(db)

	quoteCatalog := catalog.New(quoteRepo)
	deliveryLedger := ledger.New(deliveryRepo, ledger.DefaultScorer())

	reg, collector := newMetricsRegistry()

	// キャッシュ未設定時はnilインターフェースのまま渡す
	var todayCache today.Cache
	if redisClient != nil {
		todayCache = cache.NewTodayCache(redisClient, cfg.TodayCacheTTL)
		slog.Info("today cache enabled", slog.Duration("ttl", cfg.TodayCacheTTL))
	}
	todayService := today.NewService(userRepo, deliveryLedger, quoteCatalog, todayCache, collector, slog.Default())

	// 3. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.RateLimitGeneral))
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:         slog.Default(),
		RateLimiter:    rateLimiter,
		HealthChecker:  db,
		MetricsHandler: metrics.Handler(reg),

		TodayService: todayService,

		Quotes:       quoteCatalog,
		QuoteMetrics: deliveryLedger,

		Interactions:       deliveryLedger,
		TodayInvalidator:   todayService,
		InteractionMetrics: collector,

		Schedules: userRepo,
	})

	// 4. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down API server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// newTransport はPUSH_TRANSPORTに従ってプッシュ送信トランスポートを生成する。
// redisトランスポートではredisClientが必須。
func newTransport(ctx context.Context, cfg *config.Config, redisClient redis.UniversalClient) (push.Transport, error) {
	switch cfg.PushTransport {
	case config.PushTransportFCM:
		creds, err := loadFCMCredentials(ctx, cfg)
		if err != nil {
			return nil, err
		}
		t, err := push.NewFCMTransport(push.FCMConfig{
			Endpoint:    cfg.FCMEndpoint,
			ProjectID:   cfg.FCMProjectID,
			TokenSource: creds.TokenSource,
			RateLimit:   cfg.PushRateLimit,
			Timeout:     cfg.TransportTimeout,
		}, &http.Client{Timeout: cfg.TransportTimeout})
		if err != nil {
			return nil, err
		}
		return t, nil
	case config.PushTransportWebhook:
		t, err := push.NewWebhookTransport(cfg.PushWebhookURL, security.NewWebhookGuard(), cfg.TransportTimeout)
		if err != nil {
			return nil, err
		}
		return t, nil
	case config.PushTransportRedis:
		if redisClient == nil {
			return nil, fmt.Errorf("PUSH_TRANSPORT=redis requires REDIS_URL")
		}
		return push.NewRedisTransport(redisClient, cfg.PushRedisQueue), nil
	default:
		return nil, fmt.Errorf("unknown PUSH_TRANSPORT: %q", cfg.PushTransport)
	}
}

// loadFCMCredentials はFCM_CREDENTIALS_JSON、なければFCM_CREDENTIALS_FILEからサービスアカウントキーを読み込む。
func loadFCMCredentials(ctx context.Context, cfg *config.Config) (*google.Credentials, error) {
	data := []byte(cfg.FCMCredentialsJSON)
	if len(data) == 0 {
		if cfg.FCMCredentialsFile == "" {
			return nil, fmt.Errorf("FCM_CREDENTIALS_FILE or FCM_CREDENTIALS_JSON is required")
		}
		b, err := os.ReadFile(cfg.FCMCredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read FCM credentials file: %w", err)
		}
		data = b
	}
	return push.LoadFCMCredentials(ctx, data)
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、配信スケジューラとクリーンアップジョブを起動する。
// ctxがキャンセルされる（SIGINT/SIGTERM）と進行中の配信を待ってから終了する。
func runWorker(ctx context.Context, cfg *config.Config) error {
	// 設定不備はDB接続前に検出する
	if err := cfg.ValidatePush(); err != nil {
		return fmt.Errorf("invalid push configuration: %w", err)
	}

	// 1. DB・Redis接続
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	redisClient, err := newRedisClient(cfg)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	// 2. リポジトリ・ドメインサービスの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	quoteRepo := repository.NewPostgresQuoteRepo(db)
	deliveryRepo := repository.NewPostgresDeliveryRepo(db)

	quoteCatalog := catalog.New(quoteRepo)
	deliveryLedger := ledger.New(deliveryRepo, ledger.DefaultScorer())
	engine := selection.NewEngine(quoteCatalog, deliveryLedger, selection.DefaultTierTargeting())

	// 3. プッシュ送信の初期化
	transport, err := newTransport(ctx, cfg, redisClient)
	if err != nil {
		return fmt.Errorf("failed to create push transport: %w", err)
	}
	messages := push.NewMessageBuilder(security.NewNotificationTextSanitizer(), cfg.PushTitle)

	reg, collector := newMetricsRegistry()

	deps := delivery.Deps{
		Users:       userRepo,
		Selector:    engine,
		Ledger:      deliveryLedger,
		Quotes:      quoteCatalog,
		Messages:    messages,
		Transport:   transport,
		Invalidator: userRepo,
		Metrics:     collector,
	}
	if redisClient != nil {
		deps.Cache = cache.NewTodayCache(redisClient, cfg.TodayCacheTTL)
	}

	// 4. ディスパッチャ・スケジューラの初期化
	dispatcher := delivery.NewDispatcher(deps, delivery.Config{
		BatchSize:        cfg.DispatchBatchSize,
		MaxConcurrent:    cfg.DispatchMaxConcurrent,
		TransportTimeout: cfg.TransportTimeout,
		Retry: delivery.RetryPolicy{
			MaxAttempts: cfg.DispatchMaxRetries,
			BaseDelay:   cfg.DispatchRetryBaseDelay,
		},
	}, slog.Default())
	scheduler := delivery.NewScheduler(dispatcher, slog.Default(), collector)

	// 5. クリーンアップジョブの初期化
	cleanupJob := cleanup.NewCleanupJob(db, slog.Default())

	slog.Info("worker starting",
		slog.String("transport", transport.Name()),
		slog.Duration("dispatch_interval", cfg.DispatchInterval),
		slog.Int("batch_size", cfg.DispatchBatchSize),
		slog.Int("max_concurrent", cfg.DispatchMaxConcurrent),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		scheduler.Start(gctx, cfg.DispatchInterval)
		return nil
	})
	g.Go(func() error {
		cleanupJob.Start(gctx, cfg.CleanupInterval)
		return nil
	})
	if cfg.WorkerMetricsPort != "" {
		metricsServer := &http.Server{
			Addr:              ":" + cfg.WorkerMetricsPort,
			Handler:           metrics.Handler(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			slog.Info("worker metrics server starting", slog.String("addr", metricsServer.Addr))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server listen error: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsServer.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
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

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
