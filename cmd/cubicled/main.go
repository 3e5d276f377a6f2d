package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/xela07ax/hermit-cubicles/internal/audit"
	"github.com/xela07ax/hermit-cubicles/internal/budget"
	"github.com/xela07ax/hermit-cubicles/internal/console/handler"
	"github.com/xela07ax/hermit-cubicles/internal/console/server"
	"github.com/xela07ax/hermit-cubicles/internal/console/service"
	"github.com/xela07ax/hermit-cubicles/internal/cubicle"
	"github.com/xela07ax/hermit-cubicles/internal/domain"
	"github.com/xela07ax/hermit-cubicles/internal/engine"
	"github.com/xela07ax/hermit-cubicles/internal/execution"
	"github.com/xela07ax/hermit-cubicles/internal/hitl"
	"github.com/xela07ax/hermit-cubicles/internal/infra"
	"github.com/xela07ax/hermit-cubicles/internal/infra/auth"
	"github.com/xela07ax/hermit-cubicles/internal/notify"
	"github.com/xela07ax/hermit-cubicles/internal/reaper"
	"github.com/xela07ax/hermit-cubicles/internal/repository/postgres"
)

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("hermit stopped with error", zap.Error(err))
	}
	logger.Info("hermit exited properly")
}

func run(cfg *infra.Config, logger *zap.Logger) error {
	// Контекст фоновых горутин: SIGTERM гасит слушателей, Reaper и sweeper
	appCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Инфраструктура
	initCtx, cancelInit := context.WithTimeout(appCtx, 10*time.Second)
	defer cancelInit()

	pool, err := postgres.NewPool(initCtx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := postgres.Migrate(initCtx, pool); err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()
	if err := rdb.Ping(initCtx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := engine.NewMetrics(reg)

	agents := postgres.NewAgentRepo(pool)
	budgets := postgres.NewBudgetRepo(pool)
	approvals := postgres.NewApprovalRepo(pool)
	auditRepo := postgres.NewAuditRepo(pool)
	admins := postgres.NewAdminRepo(pool)
	if err := seedAdmin(initCtx, admins, cfg.Auth); err != nil {
		return err
	}

	// 2. Хост кабинок: Docker за лимитером и предохранителем
	docker, err := cubicle.NewDockerHost(logger)
	if err != nil {
		return err
	}
	defer docker.Close()
	host := cubicle.NewReliableHost(docker, cubicle.ReliabilityConfig{
		RateLimit:     cfg.Engine.HostRateLimit,
		RateBurst:     cfg.Engine.HostRateBurst,
		CBMaxRequests: cfg.Engine.CBMaxRequests,
		CBInterval:    cfg.Engine.CBInterval,
		CBTimeout:     cfg.Engine.CBTimeout,
		OnState: func(s gobreaker.State) {
			metrics.CircuitBreakerState.Set(float64(s))
		},
	}, logger)

	ws, err := cubicle.NewWorkspace(cfg.Cubicle.WorkspaceRoot, cfg.Cubicle.CacheRoot)
	if err != nil {
		return err
	}
	activity := cubicle.NewRedisActivity(rdb)
	manager := cubicle.NewManager(host, cubicle.NewRegistry(host, activity, logger), ws, activity, cubicle.Limits{
		DefaultImage: cfg.Cubicle.DefaultImage,
		MemoryBytes:  cfg.Cubicle.MemoryBytes,
		CPUQuota:     cfg.Cubicle.CPUQuota,
		PidsLimit:    cfg.Cubicle.PidsLimit,
		NetworkMode:  cfg.Cubicle.NetworkMode,
		IdleCommand:  cfg.Cubicle.IdleCommand,
	}, logger)

	channel := execution.NewChannel(host, logger,
		execution.WithTimeout(cfg.Engine.ExecTimeout),
		execution.WithProgressInterval(cfg.Engine.ProgressInterval))

	// 3. Control plane: HITL, бюджеты, kill-switch, аудит
	var notifier hitl.Notifier = notify.NewLogNotifier(logger)
	if cfg.Slack.BotToken != "" {
		slackNotifier, err := notify.NewSlackNotifier(notify.SlackConfig{
			BotToken:      cfg.Slack.BotToken,
			ChannelID:     cfg.Slack.ChannelID,
			APIURL:        cfg.Slack.APIURL,
			RetryAttempts: cfg.Slack.RetryAttempts,
		}, &http.Client{Timeout: 10 * time.Second}, logger)
		if err != nil {
			return err
		}
		notifier = slackNotifier
	} else {
		logger.Warn("slack is not configured, approvals are announced in the log only")
	}

	coord := hitl.NewCoordinator(approvals, notifier, hitl.NewExecArtifactWriter(host), hitl.Config{
		ApproveArtifact: cfg.HITL.ApproveArtifact,
		DenyArtifact:    cfg.HITL.DenyArtifact,
		ArtifactTimeout: cfg.HITL.ArtifactTimeout,
		PendingTTL:      cfg.HITL.PendingTTL,
	}, logger, hitl.WithPublisher(hitl.NewRedisPublisher(rdb)))
	coord.StartSweeper(appCtx, cfg.HITL.SweepInterval)
	defer coord.Wait()

	ledger := budget.NewLedger(budgets, budget.Config{
		CostPerChar:  cfg.Budget.CostPerChar,
		DefaultLimit: cfg.Budget.DefaultDailyLimit,
	}, logger)

	ks := engine.NewKillSwitch(agents, rdb, logger)
	if err := ks.Init(initCtx); err != nil {
		return err
	}
	go ks.StartListener(appCtx)

	agentFS := audit.NewAgentFS(auditRepo, audit.Options{
		BufferSize:    cfg.Engine.AuditBufferSize,
		FlushInterval: cfg.Engine.AuditFlushInterval,
		OnFill:        func(n int) { metrics.AuditBufferFill.Set(float64(n)) },
	}, logger)
	agentFS.Start()
	defer agentFS.Stop()

	rp := reaper.New(manager, reaper.Config{
		Interval:      cfg.Reaper.Interval,
		IdleThreshold: cfg.Reaper.IdleThreshold,
		MaxAge:        cfg.Reaper.MaxAge,
		Concurrency:   cfg.Reaper.Concurrency,
	}, logger, reaper.WithMetrics(metrics.ReaperActions, metrics.Cubicles))
	reaperDone := make(chan struct{})
	go func() {
		defer close(reaperDone)
		rp.Run(appCtx)
	}()

	// 4. Ядро
	orch := engine.NewOrchestrator(engine.Deps{
		Agents:    agents,
		Blocklist: ks,
		Ledger:    ledger,
		Creds:     infra.NewCredentials(cfg.Providers),
		Cubicles:  manager,
		Runner:    channel,
		Approvals: coord,
		Auditor:   agentFS,
		Metrics:   metrics,
	}, engine.Defaults{
		Provider:        cfg.Engine.DefaultProvider,
		Model:           cfg.Engine.DefaultModel,
		OrchestratorURL: cfg.Cubicle.OrchestratorURL,
	}, logger)

	// 5. Консоль
	privateKey, err := auth.ParseRSAPrivateKey(cfg.Auth.PrivateKey)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	authSvc := service.NewAuthService(admins, privateKey, cfg.Auth.TokenTTL)

	api := server.NewConsoleServer(logger, authSvc, reg, server.Handlers{
		Auth:         handler.NewAuthHandler(authSvc),
		Invoke:       handler.NewInvokeHandler(orch, logger),
		Cubicles:     handler.NewCubicleHandler(manager, ws, rp),
		Budgets:      handler.NewBudgetHandler(ledger),
		Approvals:    handler.NewApprovalHandler(coord, cfg.Slack.SigningSecret, logger),
		Agents:       handler.NewAgentHandler(service.NewAgentService(agents, ks, ledger, manager, logger), logger),
		Dashboard:    handler.NewDashboardHandler(service.NewDashboardService(manager, agents, approvals, ledger, logger)),
		Audit:        handler.NewAuditHandler(service.NewAuditService(auditRepo)),
		SlackEnabled: cfg.Slack.SigningSecret != "",
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      api,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("hermit started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// 6. Graceful shutdown
	select {
	case <-appCtx.Done():
		logger.Info("hermit stopping...")
	case err := <-serveErr:
		stop()
		<-reaperDone
		return fmt.Errorf("listen: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	<-reaperDone
	return nil
}

func seedAdmin(ctx context.Context, repo *postgres.AdminRepo, cfg infra.AuthConfig) error {
	if cfg.BootstrapPassword == "" {
		return nil
	}
	hash, err := service.HashPassword(cfg.BootstrapPassword, cfg.BcryptCost)
	if err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}
	return repo.UpsertAdmin(ctx, cfg.BootstrapUser, hash, map[string]bool{domain.ScopeAdmin: true})
}
