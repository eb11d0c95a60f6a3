package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"agenshield/internal/audit"
	"agenshield/internal/config"
	"agenshield/internal/daemonclient"
	"agenshield/internal/handlers"
	"agenshield/internal/model"
	"agenshield/internal/policy"
	"agenshield/internal/secrets"
	"agenshield/internal/storage"
	"agenshield/internal/telemetry"
	"agenshield/internal/transport"
	"agenshield/internal/vault"
	"agenshield/internal/wrapper"
)

const policyReloadInterval = 2 * time.Second

func main() {
	configPath := flag.String("config", "/opt/agenshield/config/broker.yaml", "path to broker config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.LogLevel == "debug" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("starting agenshield broker",
		"version", "0.1.0",
		"socket", cfg.Socket,
		"http", cfg.HTTPHost,
	)

	var historyStore *storage.Store
	if cfg.Skills.VersionDBPath != "" {
		historyStore, err = storage.Open(cfg.Skills.VersionDBPath)
		if err != nil {
			slog.Error("failed to open skill/history store", "error", err)
			os.Exit(1)
		}
		defer historyStore.Close()
	}

	auditLog, err := audit.Open(cfg.AuditLogPath, audit.WithIndex(historyStore))
	if err != nil {
		slog.Error("failed to open audit log", "error", err)
		os.Exit(1)
	}
	defer auditLog.Close()

	policies, err := policy.LoadFile(cfg.PoliciesPath)
	if err != nil {
		slog.Error("failed to load policies", "error", err)
		os.Exit(1)
	}
	policyEngine := policy.NewEngine(policies)
	slog.Info("policy engine started", "rules", len(policies))

	stopReload := make(chan struct{})
	go policy.WatchFile(policyEngine, cfg.PoliciesPath, policyReloadInterval, stopReload)
	defer close(stopReload)

	secretVault, err := vault.Open(cfg.Vault.DataPath, cfg.Vault.KeyPath)
	if err != nil {
		slog.Error("failed to open vault", "error", err)
		os.Exit(1)
	}

	secretResolver := secrets.NewResolver()

	var wrapperManager *wrapper.Manager
	if cfg.AgentHome != "" {
		wrapperManager, err = wrapper.NewManager(cfg.AgentHome+"/bin", os.Getgid())
		if err != nil {
			slog.Warn("failed to set up command wrapper manager, proceeding without it", "error", err)
		}
	}

	var tp *telemetry.Provider
	if cfg.Telemetry.Enabled {
		tp, err = telemetry.NewProvider(telemetry.Config{
			Enabled:     cfg.Telemetry.Enabled,
			Exporter:    cfg.Telemetry.Exporter,
			Endpoint:    cfg.Telemetry.Endpoint,
			ServiceName: cfg.Telemetry.ServiceName,
			Insecure:    cfg.Telemetry.Insecure,
		})
		if err != nil {
			slog.Warn("telemetry initialization failed, continuing without tracing", "error", err)
			tp = nil
		}
	}
	if tp == nil {
		tp = telemetry.NoopProvider()
	}
	defer func() {
		shutdownCtx, cancel := telemetry.ContextWithTimeout(5 * time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "error", err)
		}
	}()

	deps := &handlers.Deps{
		Policy:     policyEngine,
		Audit:      auditLog,
		Vault:      secretVault,
		Secrets:    secretResolver,
		Wrappers:   wrapperManager,
		AgentHome:  cfg.AgentHome,
		WSRegistry: handlers.NewWSRegistry(),
		Version:    "0.1.0",
	}
	defer deps.WSRegistry.CloseAll()

	if cfg.DaemonURL != "" {
		daemon := daemonclient.NewClient(cfg.DaemonURL, daemonclient.DefaultTimeout)
		deps.ForwardDenied = daemon.ForwardPolicyCheck
	}

	server := &transport.Server{
		SocketPath: cfg.Socket,
		HTTPAddr:   cfg.HTTPHost + ":" + strconv.Itoa(cfg.HTTPPort),
		Dispatch: func(ctx model.HandlerContext, method string, params json.RawMessage) (interface{}, error) {
			_, span := tp.StartOperationSpan(context.Background(), ctx.RequestID, method, peerPID(ctx))
			result, err := handlers.Dispatch(deps, ctx, method, params)
			tp.EndOperationSpan(span, err)
			return result, err
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("received shutdown signal")
		cancel()
	}()

	if err := server.ListenAndServe(ctx); err != nil {
		slog.Error("transport server stopped with error", "error", err)
		os.Exit(1)
	}

	slog.Info("agenshield broker stopped")
}

func peerPID(ctx model.HandlerContext) int {
	if ctx.Creds == nil {
		return 0
	}
	return ctx.Creds.PID
}

