package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agenshield/internal/config"
	"agenshield/internal/daemoncore"
	"agenshield/internal/skills"
	"agenshield/internal/storage"
	"agenshield/internal/vault"
)

func main() {
	configPath := flag.String("config", "/opt/agenshield/config/broker.yaml", "path to shared agenshield config file")
	daemonConfigPath := flag.String("daemon-config", "/root/.agenshield/daemon.json", "path to daemon user config")
	uiAddr := flag.String("ui-addr", "127.0.0.1:6969", "address the onboarding/control UI listens on")
	rpcAddr := flag.String("rpc-addr", "127.0.0.1:5200", "address the daemon's own control-plane API listens on")
	redisAddr := flag.String("redis-addr", "", "optional redis address for cross-instance SSE fan-out")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load shared config", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	slog.Info("starting agenshield daemon", "ui_addr", *uiAddr, "rpc_addr", *rpcAddr)

	var historyStore *storage.Store
	if cfg.Skills.VersionDBPath != "" {
		historyStore, err = storage.Open(cfg.Skills.VersionDBPath)
		if err != nil {
			slog.Error("failed to open skill/history store", "error", err)
			os.Exit(1)
		}
		defer historyStore.Close()
	}

	passcodeVault, err := vault.OpenPasscodeVault(cfg.Vault.PasscodePath)
	if err != nil {
		slog.Error("failed to open passcode vault", "error", err)
		os.Exit(1)
	}

	events := daemoncore.NewBroadcaster(*redisAddr, "agenshield:events")
	defer events.Close()

	wizard := daemoncore.NewWizard(events)

	configStore, err := daemoncore.OpenConfigStore(*daemonConfigPath)
	if err != nil {
		slog.Error("failed to open daemon config", "error", err)
		os.Exit(1)
	}

	brokerClient := daemoncore.NewBrokerClient(cfg.Socket)
	configWriter := daemoncore.NewOpenClawConfigWriter(cfg.AgentHome)
	policyRegistrar := daemoncore.NewPolicyFileRegistrar(cfg.PoliciesPath)

	installer := &skills.Installer{
		Broker:        brokerClient,
		Config:        configWriter,
		Policy:        policyRegistrar,
		Events:        events,
		Store:         historyStore,
		QuarantineDir: cfg.Skills.QuarantineDir,
	}

	if cfg.Skills.Dir != "" && historyStore != nil {
		watcher := skills.NewWatcher(cfg.Skills.Dir, historyStore, cfg.Skills.PollInterval)
		defer watcher.Close()
		go runSkillWatch(watcher, installer, cfg.Skills.Dir, cfg.Skills.PollInterval)
	}

	handler := daemoncore.New(events, configStore, wizard, historyStore, passcodeVault, brokerClient)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("received shutdown signal")
		cancel()
	}()

	uiServer := &http.Server{Addr: *uiAddr, Handler: handler}
	rpcServer := &http.Server{Addr: *rpcAddr, Handler: handler}

	errCh := make(chan error, 2)
	go func() { errCh <- uiServer.ListenAndServe() }()
	go func() { errCh <- rpcServer.ListenAndServe() }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("daemon http server stopped with error", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = uiServer.Shutdown(shutdownCtx)
	_ = rpcServer.Shutdown(shutdownCtx)

	slog.Info("agenshield daemon stopped")
}

// runSkillWatch periodically scans the skills directory and drives
// detected changes through the installer, mirroring the diff-then-act
// shape internal/skills/watcher.go's Scan was built for. fsnotify events
// only trigger an out-of-cycle scan; Scan itself remains the source of
// truth for what actually changed.
func runSkillWatch(w *skills.Watcher, installer *skills.Installer, dir string, pollInterval time.Duration) {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	apply := func() {
		changes, err := w.Scan()
		if err != nil {
			slog.Error("skill directory scan failed", "error", err)
			return
		}
		for _, change := range changes {
			switch change.Kind {
			case skills.DiffRemove:
				if err := installer.Uninstall(change.Slug); err != nil {
					slog.Error("skill uninstall failed", "slug", change.Slug, "error", err)
				}
			default:
				skillDir := dir + "/" + change.Slug
				skill, err := skills.LoadSkillDir(skillDir, change.Slug)
				if err != nil {
					slog.Error("failed to load skill directory", "slug", change.Slug, "error", err)
					continue
				}
				skill.Trusted = true
				skill.Version = change.SHA
				if err := installer.Install(skill); err != nil {
					slog.Error("skill install failed", "slug", change.Slug, "error", err)
				}
			}
		}
	}

	apply()
	for {
		select {
		case _, ok := <-w.Events():
			if !ok {
				return
			}
			apply()
		case <-ticker.C:
			apply()
		}
	}
}
